package payment

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/payconfirm/internal/common"
	"github.com/noah-isme/payconfirm/internal/ledger"
)

// Transactions exposes payment initiation and status polling.
type Transactions struct {
	Store    ledger.Store
	Validate *validator.Validate
}

type createTxnReq struct {
	TxnID   string          `json:"txnid" validate:"required,max=128"`
	Payload json.RawMessage `json:"payload"`
}

type txnResp struct {
	TxnID            string                   `json:"txnid"`
	Status           ledger.TransactionStatus `json:"status"`
	PaymentStatus    ledger.PaymentStatus     `json:"paymentStatus"`
	WebhookProcessed bool                     `json:"webhookProcessed"`
	FailureReason    string                   `json:"failureReason,omitempty"`
	OrderID          string                   `json:"orderId,omitempty"`
}

func toTxnResp(txn ledger.Transaction) txnResp {
	return txnResp{
		TxnID:            txn.TxnID,
		Status:           txn.Status,
		PaymentStatus:    txn.PaymentStatus,
		WebhookProcessed: txn.WebhookProcessed,
		FailureReason:    txn.FailureReason,
	}
}

// Create records a pending transaction at payment initiation.
func (h Transactions) Create(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "ledger unavailable", nil)
		return
	}
	var req createTxnReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	req.TxnID = strings.TrimSpace(req.TxnID)
	validate := h.Validate
	if validate == nil {
		validate = defaultValidate
	}
	if err := validate.Struct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "txnid is required", validationDetails(err))
		return
	}
	if len(req.Payload) > 0 && !isJSONObject(req.Payload) {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "payload must be an object", nil)
		return
	}
	txn, err := h.Store.CreateTransaction(r.Context(), req.TxnID, req.Payload)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicate) {
			common.JSONError(w, http.StatusConflict, "TRANSACTION_EXISTS", "transaction already exists", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "TRANSACTION_CREATE_ERROR", "could not record transaction", nil)
		return
	}
	common.JSON(w, http.StatusCreated, toTxnResp(txn))
}

// Get reports the transaction status and the confirmed order id, if any.
func (h Transactions) Get(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "ledger unavailable", nil)
		return
	}
	txnID := strings.TrimSpace(chi.URLParam(r, "txnid"))
	if txnID == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "txnid is required", nil)
		return
	}
	txn, err := h.Store.TransactionByTxnID(r.Context(), txnID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "TRANSACTION_NOT_FOUND", "transaction not found", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "TRANSACTION_FETCH_ERROR", "could not load transaction", nil)
		return
	}
	resp := toTxnResp(txn)
	order, err := h.Store.OrderByTxnID(r.Context(), txnID)
	switch {
	case err == nil:
		resp.OrderID = order.ID
	case !errors.Is(err, ledger.ErrNotFound):
		common.JSONError(w, http.StatusInternalServerError, "ORDER_FETCH_ERROR", "could not load order", nil)
		return
	}
	common.JSON(w, http.StatusOK, resp)
}

func isJSONObject(raw json.RawMessage) bool {
	var obj map[string]json.RawMessage
	return json.Unmarshal(raw, &obj) == nil
}
