// Package ledger defines the transaction/order ledger the reconciliation engine
// commits against. Implementations must offer point lookups by txnid and
// multi-document transactions with first-committer-wins conflict detection.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by lookups when no document matches the txnid.
	ErrNotFound = errors.New("ledger: not found")
	// ErrConflict reports that the store aborted a transaction because a
	// concurrent transaction committed first. The whole unit may be retried.
	ErrConflict = errors.New("ledger: transaction conflict")
	// ErrDuplicate is returned when a pending transaction already exists for a txnid.
	ErrDuplicate = errors.New("ledger: duplicate txnid")
)

// TransactionStatus is the lifecycle status of a business transaction.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
)

// PaymentStatus mirrors the gateway's view of the payment.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentSuccess PaymentStatus = "success"
	PaymentFailed  PaymentStatus = "failed"
)

// ProcessType records which entry path produced an order.
type ProcessType string

const (
	ProcessWebhook  ProcessType = "webhook"
	ProcessRedirect ProcessType = "redirect"
)

// Valid reports whether p is a known process type.
func (p ProcessType) Valid() bool {
	return p == ProcessWebhook || p == ProcessRedirect
}

const (
	// OrderStatusPending is the fulfillment status every confirmed order starts with.
	OrderStatusPending = "pending"
	// OrderPaymentCompleted is the payment status stamped on confirmed orders.
	OrderPaymentCompleted = "completed"
)

// Transaction is the pending payment record written at initiation time.
type Transaction struct {
	ID               string            `json:"id"`
	TxnID            string            `json:"txnid"`
	Payload          json.RawMessage   `json:"payload"`
	Status           TransactionStatus `json:"status"`
	PaymentStatus    PaymentStatus     `json:"paymentStatus"`
	WebhookProcessed bool              `json:"webhookProcessed"`
	FailureReason    string            `json:"failureReason,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// Terminal reports whether the transaction already reached completed or failed.
func (t Transaction) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// Order is the confirmed order derived from a transaction payload.
type Order struct {
	ID             string          `json:"id"`
	TxnID          string          `json:"txnid"`
	Payload        json.RawMessage `json:"payload"`
	Status         string          `json:"status"`
	PaymentStatus  string          `json:"paymentStatus"`
	PaymentDetails json.RawMessage `json:"paymentDetails,omitempty"`
	ProcessType    ProcessType     `json:"processType"`
	ConfirmedAt    time.Time       `json:"confirmedAt"`
}

// NewOrder carries the fields required to create an order inside a transaction.
type NewOrder struct {
	TxnID          string
	Payload        json.RawMessage
	PaymentDetails json.RawMessage
	ProcessType    ProcessType
}

// TransactionUpdate is the terminal mutation applied to a transaction.
type TransactionUpdate struct {
	Status           TransactionStatus
	PaymentStatus    PaymentStatus
	WebhookProcessed bool
	FailureReason    string
}

// Tx is the view of the ledger available inside a store transaction. Reads
// participate in conflict detection; writes become visible only on commit.
type Tx interface {
	TransactionByTxnID(ctx context.Context, txnID string) (Transaction, error)
	OrderByTxnID(ctx context.Context, txnID string) (Order, error)
	CreateOrder(ctx context.Context, in NewOrder) (Order, error)
	UpdateTransactionStatus(ctx context.Context, id string, upd TransactionUpdate) error
}

// Store is the ledger collaborator. RunInTx executes fn exactly once inside a
// store transaction and commits when fn returns nil. Conflicts detected at any
// point surface as an error matching ErrConflict; retrying is the caller's job.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	CreateTransaction(ctx context.Context, txnID string, payload json.RawMessage) (Transaction, error)
	TransactionByTxnID(ctx context.Context, txnID string) (Transaction, error)
	OrderByTxnID(ctx context.Context, txnID string) (Order, error)
}

// NormalizePayload returns an empty JSON object for empty input so stores never
// persist a null document body.
func NormalizePayload(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage("{}")
	}
	return append(json.RawMessage(nil), raw...)
}
