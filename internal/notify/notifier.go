package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/noah-isme/payconfirm/internal/obs"
	"github.com/noah-isme/payconfirm/internal/resilience"
)

// Notification events.
const (
	EventOrderConfirmed = "order_confirmed"
	EventReadyForPickup = "ready_for_pickup"
)

// OrderRef identifies the order a notification is about.
type OrderRef struct {
	OrderID   string `json:"orderId"`
	TxnID     string `json:"txnid,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Event     string `json:"event,omitempty"`
}

// dedupeKey is unique per order and event.
func (r OrderRef) dedupeKey() string {
	if r.Event == "" {
		return r.OrderID
	}
	return r.Event + ":" + r.OrderID
}

// Content is a rendered notification.
type Content struct {
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// Notifier delivers rendered content about an order. Transport failures are
// reported as *Error.
type Notifier interface {
	Notify(ctx context.Context, ref OrderRef, content Content) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ref OrderRef, content Content) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, ref OrderRef, content Content) error {
	return f(ctx, ref, content)
}

// Error is a transport failure on one channel.
type Error struct {
	Channel string
	OrderID string
	Err     error
}

func (e *Error) Error() string {
	if e.OrderID == "" {
		return fmt.Sprintf("notify %s: %v", e.Channel, e.Err)
	}
	return fmt.Sprintf("notify %s: order %s: %v", e.Channel, e.OrderID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(channel string, ref OrderRef, err error) error {
	if err == nil {
		return nil
	}
	var nerr *Error
	if errors.As(err, &nerr) {
		return err
	}
	return &Error{Channel: channel, OrderID: ref.OrderID, Err: err}
}

// Fanout delivers to every notifier and joins their errors.
type Fanout []Notifier

// Notify implements Notifier.
func (f Fanout) Notify(ctx context.Context, ref OrderRef, content Content) error {
	var joined error
	for _, n := range f {
		if n == nil {
			continue
		}
		joined = errors.Join(joined, n.Notify(ctx, ref, content))
	}
	return joined
}

// Guarded wraps a channel with a circuit breaker and records delivery metrics.
type Guarded struct {
	Channel  string
	Notifier Notifier
	Breaker  *resilience.Breaker
}

// Notify implements Notifier. An open breaker fails fast with resilience.ErrOpenCircuit.
func (g Guarded) Notify(ctx context.Context, ref OrderRef, content Content) error {
	if g.Notifier == nil {
		return nil
	}
	if g.Breaker != nil && !g.Breaker.Allow(ctx) {
		observe(g.Channel, "circuit_open", 0)
		return &Error{Channel: g.Channel, OrderID: ref.OrderID, Err: resilience.ErrOpenCircuit}
	}
	start := time.Now()
	err := g.Notifier.Notify(ctx, ref, content)
	if g.Breaker != nil {
		g.Breaker.Report(ctx, err == nil)
	}
	if err != nil {
		observe(g.Channel, "failed", time.Since(start))
		return wrapErr(g.Channel, ref, err)
	}
	observe(g.Channel, "delivered", time.Since(start))
	return nil
}

func observe(channel, result string, elapsed time.Duration) {
	if obs.NotifyTotal != nil {
		obs.NotifyTotal.WithLabelValues(channel, result).Inc()
	}
	if obs.NotifyLatency != nil && elapsed > 0 {
		obs.NotifyLatency.WithLabelValues(channel).Observe(obs.DurationMillis(elapsed))
	}
}
