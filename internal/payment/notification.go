package payment

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/payconfirm/internal/common"
	"github.com/noah-isme/payconfirm/internal/notify"
)

// Notification sends shop-triggered "ready for pickup" messages.
type Notification struct {
	Notifier notify.Notifier
	Validate *validator.Validate
	Logger   zerolog.Logger
}

type notificationReq struct {
	OrderID       string   `json:"orderId" validate:"required"`
	CustomerEmail string   `json:"customerEmail" validate:"required,email"`
	ShopName      string   `json:"shopName" validate:"required"`
	CustomerName  string   `json:"customerName"`
	Items         []string `json:"-"`
}

// Handle serves POST /sendnotification.
func (h Notification) Handle(w http.ResponseWriter, r *http.Request) {
	if h.Notifier == nil {
		common.JSONError(w, http.StatusInternalServerError, "NOTIFY_NOT_CONFIGURED", "notifications unavailable", nil)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}
	values, err := decodeFields(r.Header.Get("Content-Type"), body)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	req := notificationReq{
		OrderID:       fieldString(values, "orderId"),
		CustomerEmail: fieldString(values, "customerEmail"),
		ShopName:      fieldString(values, "shopName"),
		CustomerName:  fieldString(values, "customerName"),
		Items:         itemsField(values),
	}
	validate := h.Validate
	if validate == nil {
		validate = defaultValidate
	}
	if err := validate.Struct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "Missing required fields", validationDetails(err))
		return
	}

	content, err := notify.RenderReadyForPickup(notify.ReadyForPickup{
		OrderID:       req.OrderID,
		CustomerEmail: req.CustomerEmail,
		CustomerName:  req.CustomerName,
		ShopName:      req.ShopName,
		Items:         req.Items,
	})
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "NOTIFICATION_FAILED", "Failed to send notification", err.Error())
		return
	}
	ref := notify.OrderRef{OrderID: req.OrderID, Recipient: req.CustomerEmail, Event: notify.EventReadyForPickup}
	if err := h.Notifier.Notify(r.Context(), ref, content); err != nil {
		h.Logger.Error().Err(err).Str("order_id", req.OrderID).Msg("pickup_notification_failed")
		common.JSONError(w, http.StatusInternalServerError, "NOTIFICATION_FAILED", "Failed to send notification", err.Error())
		return
	}
	common.JSON(w, http.StatusOK, map[string]string{"message": "Notification sent successfully"})
}

// itemsField accepts a single item, a list of items or item objects.
func itemsField(values map[string]any) []string {
	raw, ok := values["items"]
	if !ok {
		raw, ok = values["items[]"]
	}
	if !ok {
		return nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	return notify.ItemsFromJSON(encoded)
}
