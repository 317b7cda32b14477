package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/payconfirm/internal/ledger"
)

var confirmationTmpl = template.Must(template.New("confirmation").Parse(`<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
  <h2>Payment Received</h2>
  <p>Hi {{if .CustomerName}}{{.CustomerName}}{{else}}there{{end}},</p>
  <p>Your order #{{.ShortID}}{{if .ShopName}} at <strong>{{.ShopName}}</strong>{{end}} is confirmed and is being prepared.</p>
  {{- if .Items}}
  <h3>Order Details:</h3>
  <ul>
    {{- range .Items}}
    <li>{{.}}</li>
    {{- end}}
  </ul>
  {{- end}}
  <p>Thank you for your business!</p>
</div>`))

var pickupTmpl = template.Must(template.New("pickup").Parse(`<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
  <h2>Order Ready for Pickup</h2>
  <p>Hi {{.CustomerName}},</p>
  <p>Your order #{{.ShortID}} is now ready for pickup at <strong>{{.ShopName}}</strong>.</p>
  <h3>Order Details:</h3>
  <ul>
    {{- range .Items}}
    <li>{{.}}</li>
    {{- end}}
  </ul>
  <p>Please come to the shop to collect your order.</p>
  <p>Thank you for your business!</p>
</div>`))

type orderView struct {
	ShortID      string
	ShopName     string
	CustomerName string
	Items        []string
}

// orderPayload is the subset of the transaction snapshot the templates read.
type orderPayload struct {
	ShopName      string `json:"shopName"`
	CustomerName  string `json:"customerName"`
	CustomerEmail string `json:"customerEmail"`
	Email         string `json:"email"`
	User          struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"user"`
	Items json.RawMessage `json:"items"`
}

func decodePayload(raw json.RawMessage) orderPayload {
	var p orderPayload
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &p)
	}
	return p
}

// RecipientFromPayload returns customerEmail, email or user.email, in that order.
func RecipientFromPayload(raw json.RawMessage) string {
	p := decodePayload(raw)
	for _, candidate := range []string{p.CustomerEmail, p.Email, p.User.Email} {
		if s := strings.TrimSpace(candidate); s != "" {
			return s
		}
	}
	return ""
}

// ItemsFromJSON accepts a single string, a list of strings or a list of
// objects carrying a name and optional quantity.
func ItemsFromJSON(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if s := strings.TrimSpace(single); s != "" {
			return []string{s}
		}
		return nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
			continue
		}
		var obj struct {
			Name     string `json:"name"`
			Title    string `json:"title"`
			Quantity int    `json:"quantity"`
		}
		if err := json.Unmarshal(item, &obj); err != nil {
			continue
		}
		name := strings.TrimSpace(obj.Name)
		if name == "" {
			name = strings.TrimSpace(obj.Title)
		}
		if name == "" {
			continue
		}
		if obj.Quantity > 1 {
			name = fmt.Sprintf("%s x%d", name, obj.Quantity)
		}
		out = append(out, name)
	}
	return out
}

func shortID(id string) string {
	if len(id) <= 6 {
		return id
	}
	return id[len(id)-6:]
}

func render(tmpl *template.Template, view orderView) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, view); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderConfirmation renders the order-confirmed message for order.
func RenderConfirmation(order ledger.Order) (Content, error) {
	p := decodePayload(order.Payload)
	name := strings.TrimSpace(p.CustomerName)
	if name == "" {
		name = strings.TrimSpace(p.User.Name)
	}
	html, err := render(confirmationTmpl, orderView{
		ShortID:      shortID(order.ID),
		ShopName:     strings.TrimSpace(p.ShopName),
		CustomerName: name,
		Items:        ItemsFromJSON(p.Items),
	})
	if err != nil {
		return Content{}, err
	}
	subject := "Your order is confirmed"
	if shop := strings.TrimSpace(p.ShopName); shop != "" {
		subject += " - " + shop
	}
	return Content{Subject: subject, HTML: html}, nil
}

// ReadyForPickup is an order-ready notification requested by a shop.
type ReadyForPickup struct {
	OrderID       string
	CustomerEmail string
	CustomerName  string
	ShopName      string
	Items         []string
}

// RenderReadyForPickup renders the pickup message.
func RenderReadyForPickup(in ReadyForPickup) (Content, error) {
	html, err := render(pickupTmpl, orderView{
		ShortID:      shortID(in.OrderID),
		ShopName:     in.ShopName,
		CustomerName: in.CustomerName,
		Items:        in.Items,
	})
	if err != nil {
		return Content{}, err
	}
	return Content{Subject: "Your Order is Ready for Pickup - " + in.ShopName, HTML: html}, nil
}

// Confirmations turns newly created orders into notifications.
type Confirmations struct {
	Notifier Notifier
	Logger   zerolog.Logger
}

// OrderConfirmed renders and sends the confirmation for order.
func (c Confirmations) OrderConfirmed(ctx context.Context, order ledger.Order) error {
	if c.Notifier == nil {
		return nil
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("notify: order id is required")
	}
	content, err := RenderConfirmation(order)
	if err != nil {
		return fmt.Errorf("notify: render confirmation: %w", err)
	}
	ref := OrderRef{OrderID: order.ID, TxnID: order.TxnID, Recipient: RecipientFromPayload(order.Payload), Event: EventOrderConfirmed}
	if ref.Recipient == "" {
		c.Logger.Warn().Str("order_id", order.ID).Str("txnid", order.TxnID).Msg("order_confirmation_without_recipient")
	}
	return c.Notifier.Notify(ctx, ref, content)
}
