package payment

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/payconfirm/internal/ledger"
	"github.com/noah-isme/payconfirm/internal/reconcile"
)

// Redirect handles the browser return from the gateway. Arrival is treated as
// a success claim; the engine makes it converge with the webhook.
type Redirect struct {
	Engine     Reconciler
	SuccessURL string
	FailureURL string
	Logger     zerolog.Logger
}

// Handle serves GET and POST /payment-success?transactionId=...
func (h Redirect) Handle(w http.ResponseWriter, r *http.Request) {
	txnID := strings.TrimSpace(r.URL.Query().Get("transactionId"))
	if txnID == "" {
		h.fail(w, r, txnID, "missing_transaction_id")
		return
	}
	if h.Engine == nil {
		h.fail(w, r, txnID, "unavailable")
		return
	}
	// payment details are optional here; an unreadable body must not fail the return
	details, err := redirectDetails(r)
	if err != nil {
		h.Logger.Warn().Err(err).Str("txnid", txnID).Msg("redirect_payload_ignored")
		details = nil
	}
	res, err := h.Engine.Reconcile(r.Context(), reconcile.Request{
		TxnID:          txnID,
		Outcome:        reconcile.OutcomeSuccess,
		PaymentDetails: details,
		ProcessType:    ledger.ProcessRedirect,
	})
	if err != nil {
		h.Logger.Warn().Err(err).Str("txnid", txnID).Msg("redirect_reconcile_failed")
		h.fail(w, r, txnID, redirectReason(err))
		return
	}
	http.Redirect(w, r, withQuery(h.SuccessURL, map[string]string{"orderId": res.OrderID}), http.StatusSeeOther)
}

func (h Redirect) fail(w http.ResponseWriter, r *http.Request, txnID, reason string) {
	params := map[string]string{"reason": reason}
	if txnID != "" {
		params["transactionId"] = txnID
	}
	http.Redirect(w, r, withQuery(h.FailureURL, params), http.StatusSeeOther)
}

func redirectReason(err error) string {
	switch {
	case errors.Is(err, reconcile.ErrTransactionNotFound):
		return "transaction_not_found"
	case errors.Is(err, reconcile.ErrTransactionFailed):
		return "payment_failed"
	case errors.Is(err, reconcile.ErrConflictExhausted):
		return "busy"
	case errors.Is(err, reconcile.ErrInvalidRequest):
		return "invalid_request"
	default:
		return "internal_error"
	}
}

// redirectDetails turns a posted form or JSON body into paymentDetails.
func redirectDetails(r *http.Request) (json.RawMessage, error) {
	if r.Method != http.MethodPost || r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	values, err := decodeFields(r.Header.Get("Content-Type"), body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(values)
}

func withQuery(base string, params map[string]string) string {
	if base == "" {
		base = "/"
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
