package payment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/payconfirm/internal/common"
	"github.com/noah-isme/payconfirm/internal/signature"
)

// ErrMalformedPayload reports a callback body that is neither a form nor a JSON object.
var ErrMalformedPayload = errors.New("payment: malformed payload")

// WebhookNotification contains the normalised data extracted from a gateway callback.
type WebhookNotification struct {
	TxnID          string `json:"txnid" validate:"required,max=128"`
	Status         string `json:"status" validate:"required,max=64"`
	Amount         string `json:"amount" validate:"required,numeric"`
	Key            string `json:"key" validate:"required"`
	Hash           string `json:"hash" validate:"required"`
	NotificationID string `json:"notificationId" validate:"required"`
	// GatewayError is the gateway's own failure text, when it sent one.
	GatewayError string `json:"-"`
	// Details holds every submitted field except the digest.
	Details json.RawMessage `json:"-"`
}

// Fields returns the values covered by the gateway digest.
func (n WebhookNotification) Fields() signature.Fields {
	return signature.Fields{Status: n.Status, Amount: n.Amount, TxnID: n.TxnID, Key: n.Key}
}

// ParseWebhook decodes a form-encoded or JSON callback body. The notification
// id falls back to the gateway payment id and then to a digest of the body.
func ParseWebhook(r *http.Request, body []byte) (WebhookNotification, error) {
	values, err := decodeFields(r.Header.Get("Content-Type"), body)
	if err != nil {
		return WebhookNotification{}, err
	}
	n := WebhookNotification{
		TxnID:  fieldString(values, "txnid"),
		Status: fieldString(values, "status"),
		Amount: fieldString(values, "amount"),
		Key:    fieldString(values, "key"),
		Hash:   fieldString(values, "hash"),
	}
	n.NotificationID = fieldString(values, "notificationId")
	if n.NotificationID == "" {
		n.NotificationID = fieldString(values, "mihpayid")
	}
	if n.NotificationID == "" && len(body) > 0 {
		n.NotificationID = "body:" + common.Sha256Hex(body)
	}
	for _, name := range []string{"error_Message", "error", "field9"} {
		if v := fieldString(values, name); v != "" {
			n.GatewayError = v
			break
		}
	}
	delete(values, "hash")
	details, err := json.Marshal(values)
	if err != nil {
		return WebhookNotification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	n.Details = details
	return n, nil
}

func decodeFields(contentType string, body []byte) (map[string]any, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/json" || (mediaType == "" && bytes.HasPrefix(bytes.TrimSpace(body), []byte("{"))) {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		values := map[string]any{}
		if err := dec.Decode(&values); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return values, nil
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return formValues(form), nil
}

// formValues flattens single-valued form fields to strings.
func formValues(form url.Values) map[string]any {
	values := make(map[string]any, len(form))
	for k, v := range form {
		switch len(v) {
		case 0:
			values[k] = ""
		case 1:
			values[k] = v[0]
		default:
			values[k] = v
		}
	}
	return values
}

func fieldString(values map[string]any, name string) string {
	switch v := values[name].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case []string:
		if len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
	}
	return ""
}

// validationDetails lists the offending fields of a validator error.
func validationDetails(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s:%s", fe.Field(), fe.Tag()))
	}
	return fields
}

var defaultValidate = NewValidator()

// NewValidator reports field errors under their json names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
