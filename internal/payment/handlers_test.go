package payment_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payconfirm/internal/common"
	"github.com/noah-isme/payconfirm/internal/ledger"
	"github.com/noah-isme/payconfirm/internal/notify"
	"github.com/noah-isme/payconfirm/internal/payment"
)

func location(t *testing.T, rr *httptest.ResponseRecorder) *url.URL {
	t.Helper()
	require.Equal(t, http.StatusSeeOther, rr.Code)
	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	return loc
}

func TestRedirectConfirmsOrder(t *testing.T) {
	f := newFixture(t, "TXN_1")

	form := url.Values{"mihpayid": {"403993715521"}, "bank_ref_num": {"871234"}}
	loc := location(t, f.postForm("/payment-success?transactionId=TXN_1", form))
	require.Equal(t, "/orders/success", loc.Path)

	orders := f.store.Orders("TXN_1")
	require.Len(t, orders, 1)
	require.Equal(t, orders[0].ID, loc.Query().Get("orderId"))
	require.Equal(t, ledger.ProcessRedirect, orders[0].ProcessType)
	require.Contains(t, string(orders[0].PaymentDetails), `"bank_ref_num":"871234"`)

	txn, err := f.store.TransactionByTxnID(context.Background(), "TXN_1")
	require.NoError(t, err)
	require.True(t, txn.WebhookProcessed)

	// a second return from the gateway lands on the same order
	again := location(t, f.do(http.MethodGet, "/payment-success?transactionId=TXN_1", "", ""))
	require.Equal(t, orders[0].ID, again.Query().Get("orderId"))
	require.Len(t, f.store.Orders("TXN_1"), 1)
	require.Len(t, f.mail.Sent(), 1)
}

func TestRedirectIgnoresUnreadableDetails(t *testing.T) {
	f := newFixture(t, "TXN_1", "TXN_2")

	rr := f.postForm("/api/v1/payments/webhook", signedForm(t, "TXN_1", "success", "150.00", "403993715521"))
	require.Equal(t, http.StatusOK, rr.Code)
	confirmed := f.store.Orders("TXN_1")
	require.Len(t, confirmed, 1)

	loc := location(t, f.do(http.MethodPost, "/payment-success?transactionId=TXN_1", "application/json", `["not","an","object"]`))
	require.Equal(t, "/orders/success", loc.Path)
	require.Equal(t, confirmed[0].ID, loc.Query().Get("orderId"))

	loc = location(t, f.do(http.MethodPost, "/payment-success?transactionId=TXN_2", "application/json", `[1,2]`))
	require.Equal(t, "/orders/success", loc.Path)
	orders := f.store.Orders("TXN_2")
	require.Len(t, orders, 1)
	require.Equal(t, orders[0].ID, loc.Query().Get("orderId"))
	require.JSONEq(t, `{}`, string(orders[0].PaymentDetails))
}

func TestRedirectFailures(t *testing.T) {
	f := newFixture(t, "TXN_1")

	loc := location(t, f.do(http.MethodGet, "/payment-success", "", ""))
	require.Equal(t, "/orders/failed", loc.Path)
	require.Equal(t, "missing_transaction_id", loc.Query().Get("reason"))

	loc = location(t, f.do(http.MethodGet, "/payment-success?transactionId=TXN_UNKNOWN", "", ""))
	require.Equal(t, "transaction_not_found", loc.Query().Get("reason"))
	require.Equal(t, "TXN_UNKNOWN", loc.Query().Get("transactionId"))

	rr := f.postForm("/api/v1/payments/webhook", signedForm(t, "TXN_1", "failure", "150.00", "403993715521"))
	require.Equal(t, http.StatusOK, rr.Code)
	loc = location(t, f.do(http.MethodGet, "/payment-success?transactionId=TXN_1", "", ""))
	require.Equal(t, "payment_failed", loc.Query().Get("reason"))
	require.Empty(t, f.store.Orders("TXN_1"))
}

func TestSendNotification(t *testing.T) {
	f := newFixture(t)

	body := `{"orderId":"ORDER-123456789","customerEmail":"rina@example.com","shopName":"Fost Coffee","customerName":"Rina","items":["Latte","Croissant"]}`
	rr := f.do(http.MethodPost, "/sendnotification", "application/json", body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, "Notification sent successfully", decode(t, rr)["message"])

	sent := f.mail.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "rina@example.com", sent[0].To)
	require.Equal(t, "Your Order is Ready for Pickup - Fost Coffee", sent[0].Subject)
	require.Contains(t, sent[0].HTML, "#456789")
	require.Contains(t, sent[0].HTML, "<li>Croissant</li>")

	rr = f.do(http.MethodPost, "/sendnotification", "application/json", `{"orderId":"ORDER-1","customerEmail":"rina@example.com","shopName":"Fost Coffee","items":"Latte"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, f.mail.Sent()[1].HTML, "<li>Latte</li>")
}

func TestSendNotificationValidation(t *testing.T) {
	f := newFixture(t)

	for _, body := range []string{
		`{"customerEmail":"rina@example.com","shopName":"Fost Coffee"}`,
		`{"orderId":"ORDER-1","shopName":"Fost Coffee"}`,
		`{"orderId":"ORDER-1","customerEmail":"rina@example.com"}`,
	} {
		rr := f.do(http.MethodPost, "/sendnotification", "application/json", body)
		require.Equal(t, http.StatusBadRequest, rr.Code, body)
		require.Equal(t, "BAD_REQUEST", errorCode(t, rr))
	}
	require.Empty(t, f.mail.Sent())
}

func TestSendNotificationTransportFailure(t *testing.T) {
	mail := &common.InMemoryEmail{Err: errors.New("smtp: 421 service not available")}
	h := payment.Notification{Notifier: notify.EmailNotifier{Mail: mail, Enabled: true}, Logger: zerolog.Nop()}

	form := url.Values{"orderId": {"ORDER-1"}, "customerEmail": {"rina@example.com"}, "shopName": {"Fost Coffee"}}
	req := httptest.NewRequest(http.MethodPost, "/sendnotification", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h.Handle(rr, req)

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Equal(t, "NOTIFICATION_FAILED", errorCode(t, rr))
}

func TestTransactionsCreateAndGet(t *testing.T) {
	f := newFixture(t)

	rr := f.do(http.MethodPost, "/api/v1/transactions", "application/json", `{"txnid":"TXN_9","payload":{"shopName":"Fost Coffee","customerEmail":"buyer@example.com"}}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	body := decode(t, rr)
	require.Equal(t, "pending", body["status"])
	require.Equal(t, "pending", body["paymentStatus"])

	rr = f.do(http.MethodPost, "/api/v1/transactions", "application/json", `{"txnid":"TXN_9"}`)
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "TRANSACTION_EXISTS", errorCode(t, rr))

	rr = f.do(http.MethodPost, "/api/v1/transactions", "application/json", `{"payload":{}}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(http.MethodPost, "/api/v1/transactions", "application/json", `{"txnid":"TXN_10","payload":[1,2]}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(http.MethodGet, "/api/v1/transactions/TXN_9", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Nil(t, decode(t, rr)["orderId"])

	rr = f.postForm("/api/v1/payments/webhook", signedForm(t, "TXN_9", "SUCCESS", "10.00", "403993715521"))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	orderID := decode(t, rr)["orderId"]

	rr = f.do(http.MethodGet, "/api/v1/transactions/TXN_9", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body = decode(t, rr)
	require.Equal(t, "completed", body["status"])
	require.Equal(t, "success", body["paymentStatus"])
	require.Equal(t, orderID, body["orderId"])

	rr = f.do(http.MethodGet, "/api/v1/transactions/TXN_NOPE", "", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestParseWebhookNotificationIDFallback(t *testing.T) {
	body := "txnid=TXN_1&status=success&amount=1.00&key=k&hash=abc"
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	n, err := payment.ParseWebhook(req, []byte(body))
	require.NoError(t, err)
	require.Equal(t, "body:"+common.Sha256Hex([]byte(body)), n.NotificationID)
	require.Equal(t, "TXN_1", n.TxnID)
	require.NotContains(t, string(n.Details), "hash")

	body = "txnid=TXN_1&notificationId=n-7&mihpayid=403993715521"
	n, err = payment.ParseWebhook(req, []byte(body))
	require.NoError(t, err)
	require.Equal(t, "n-7", n.NotificationID)
}
