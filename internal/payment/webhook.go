package payment

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/payconfirm/internal/attempt"
	"github.com/noah-isme/payconfirm/internal/common"
	"github.com/noah-isme/payconfirm/internal/ledger"
	"github.com/noah-isme/payconfirm/internal/obs"
	"github.com/noah-isme/payconfirm/internal/reconcile"
	"github.com/noah-isme/payconfirm/internal/signature"
)

// Reconciler is the engine contract shared by the webhook and redirect paths.
type Reconciler interface {
	Reconcile(ctx context.Context, req reconcile.Request) (reconcile.Result, error)
}

// Webhook handles gateway callbacks: signature verification, attempt tracking
// and reconciliation, in that order.
type Webhook struct {
	Verifier signature.Verifier
	// MerchantKey, when set, must match the key field of every callback.
	MerchantKey string
	Tracker     *attempt.Tracker
	Engine      Reconciler
	Validate    *validator.Validate
	Logger      zerolog.Logger
}

type webhookResponse struct {
	Status  string `json:"status"`
	TxnID   string `json:"txnid"`
	OrderID string `json:"orderId,omitempty"`
	Outcome string `json:"outcome,omitempty"`
}

// Handle processes one gateway callback.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	if h.Tracker == nil || h.Engine == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "webhook unavailable", nil)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		obs.ObserveWebhook("invalid")
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}
	n, err := ParseWebhook(r, body)
	if err != nil {
		obs.ObserveWebhook("invalid")
		common.JSONError(w, http.StatusBadRequest, "WEBHOOK_INVALID", err.Error(), nil)
		return
	}
	validate := h.Validate
	if validate == nil {
		validate = defaultValidate
	}
	if err := validate.Struct(n); err != nil {
		obs.ObserveWebhook("invalid")
		common.JSONError(w, http.StatusBadRequest, "WEBHOOK_INVALID", "missing or malformed fields", validationDetails(err))
		return
	}

	// Nothing below this point runs for an unauthenticated payload.
	if h.MerchantKey != "" && n.Key != h.MerchantKey {
		obs.ObserveWebhook("forged")
		h.Logger.Warn().Str("txnid", n.TxnID).Msg("webhook_merchant_key_mismatch")
		common.JSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed", nil)
		return
	}
	result, err := h.Verifier.Verify(n.Fields(), n.Hash)
	switch {
	case errors.Is(err, signature.ErrInvalidInput):
		obs.ObserveWebhook("invalid")
		common.JSONError(w, http.StatusBadRequest, "WEBHOOK_INVALID", err.Error(), nil)
		return
	case err != nil:
		obs.ObserveWebhook("error")
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", err.Error(), nil)
		return
	case !result.Valid:
		obs.ObserveWebhook("forged")
		h.Logger.Warn().Str("txnid", n.TxnID).Str("notification_id", n.NotificationID).Msg("webhook_signature_invalid")
		common.JSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed", nil)
		return
	}

	ctx := r.Context()
	decision, err := h.Tracker.RecordAttempt(ctx, n.TxnID, n.NotificationID)
	if err != nil {
		obs.ObserveWebhook("error")
		common.JSONError(w, http.StatusInternalServerError, "ATTEMPT_STORE_ERROR", err.Error(), nil)
		return
	}
	obs.ObserveAttemptDecision(decision.String())
	switch decision {
	case attempt.AlreadySucceeded:
		obs.ObserveWebhook("duplicate")
		common.JSON(w, http.StatusOK, webhookResponse{Status: "already_processed", TxnID: n.TxnID})
		return
	case attempt.RetriesExhausted:
		obs.ObserveWebhook("exhausted")
		h.Logger.Warn().Str("txnid", n.TxnID).Str("notification_id", n.NotificationID).Msg("webhook_retries_exhausted")
		common.JSONError(w, http.StatusTooManyRequests, "RETRIES_EXHAUSTED", "maximum processing attempts reached", nil)
		return
	}

	res, err := h.Engine.Reconcile(ctx, reconcile.Request{
		TxnID:          n.TxnID,
		Outcome:        reconcile.OutcomeFromStatus(n.Status),
		PaymentDetails: n.Details,
		ProcessType:    ledger.ProcessWebhook,
		FailureReason:  failureReason(n),
	})
	if err != nil {
		if errors.Is(err, reconcile.ErrTransactionFailed) {
			h.markSucceeded(ctx, n)
			obs.ObserveWebhook("failed")
			common.JSON(w, http.StatusOK, webhookResponse{Status: "failed", TxnID: n.TxnID, Outcome: string(reconcile.OutcomeFailure)})
			return
		}
		obs.ObserveWebhook("error")
		common.WriteError(w, reconcileError(err))
		return
	}
	h.markSucceeded(ctx, n)
	obs.ObserveWebhook("ok")
	common.JSON(w, http.StatusOK, webhookResponse{
		Status:  "ok",
		TxnID:   res.TxnID,
		OrderID: res.OrderID,
		Outcome: string(res.Outcome),
	})
}

// markSucceeded is best effort: a lost mark only lets a redelivery reach the
// engine again, where it is a no-op.
func (h Webhook) markSucceeded(ctx context.Context, n WebhookNotification) {
	if err := h.Tracker.MarkSucceeded(context.WithoutCancel(ctx), n.TxnID, n.NotificationID); err != nil {
		h.Logger.Error().Err(err).Str("txnid", n.TxnID).Str("notification_id", n.NotificationID).Msg("webhook_mark_succeeded_failed")
	}
}

func failureReason(n WebhookNotification) string {
	if n.GatewayError != "" {
		return n.GatewayError
	}
	return "gateway status " + strings.ToLower(n.Status)
}

// reconcileError maps engine errors onto the response sent to the gateway.
// Everything but a malformed request is a 5xx so the gateway redelivers.
func reconcileError(err error) *common.AppError {
	switch {
	case errors.Is(err, reconcile.ErrTransactionNotFound):
		return common.NewAppError("TRANSACTION_NOT_FOUND", "transaction not found", http.StatusInternalServerError, err)
	case errors.Is(err, reconcile.ErrConflictExhausted):
		return common.NewAppError("RECONCILE_CONFLICT", "concurrent update, retry later", http.StatusInternalServerError, err)
	case errors.Is(err, reconcile.ErrInvalidRequest):
		return common.NewAppError("BAD_REQUEST", err.Error(), http.StatusBadRequest, err)
	default:
		return common.NewAppError("RECONCILE_ERROR", "reconciliation failed", http.StatusInternalServerError, err)
	}
}
