// Package postgres implements the ledger on PostgreSQL. Every unit of work
// runs at SERIALIZABLE isolation so concurrent reconciliations of the same
// txnid resolve as first-committer-wins.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/payconfirm/internal/ledger"
)

// ErrStoreUnavailable indicates the pool dependency is not configured.
var ErrStoreUnavailable = errors.New("postgres ledger: store unavailable")

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is a ledger.Store backed by a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const (
	selectTransaction = `SELECT id::text, txnid, payload, status, payment_status, webhook_processed, failure_reason, created_at, updated_at
FROM transactions WHERE txnid = $1`
	selectOrder = `SELECT id::text, txnid, payload, status, payment_status, payment_details, process_type, confirmed_at
FROM orders WHERE txnid = $1`
)

// RunInTx executes fn inside a serializable transaction. Serialization
// failures, deadlocks and unique violations are reported as ledger.ErrConflict.
func (s *Store) RunInTx(ctx context.Context, fn func(context.Context, ledger.Tx) error) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	if fn == nil {
		return errors.New("postgres ledger: tx callback not provided")
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return classify(err)
	}
	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(ctx, pgTx{q: tx}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// CreateTransaction inserts a pending transaction. A second insert for the
// same txnid yields ledger.ErrDuplicate.
func (s *Store) CreateTransaction(ctx context.Context, txnID string, payload json.RawMessage) (ledger.Transaction, error) {
	if s == nil || s.pool == nil {
		return ledger.Transaction{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `INSERT INTO transactions (txnid, payload, status, payment_status)
VALUES ($1, $2::jsonb, $3, $4)
RETURNING id::text, txnid, payload, status, payment_status, webhook_processed, failure_reason, created_at, updated_at`,
		txnID, []byte(ledger.NormalizePayload(payload)), string(ledger.StatusPending), string(ledger.PaymentPending))
	txn, err := scanTransaction(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return ledger.Transaction{}, ledger.ErrDuplicate
		}
		return ledger.Transaction{}, err
	}
	return txn, nil
}

// TransactionByTxnID reads the committed transaction outside any unit of work.
func (s *Store) TransactionByTxnID(ctx context.Context, txnID string) (ledger.Transaction, error) {
	if s == nil || s.pool == nil {
		return ledger.Transaction{}, ErrStoreUnavailable
	}
	return pgTx{q: s.pool}.TransactionByTxnID(ctx, txnID)
}

// OrderByTxnID reads the committed order outside any unit of work.
func (s *Store) OrderByTxnID(ctx context.Context, txnID string) (ledger.Order, error) {
	if s == nil || s.pool == nil {
		return ledger.Order{}, ErrStoreUnavailable
	}
	return pgTx{q: s.pool}.OrderByTxnID(ctx, txnID)
}

type pgTx struct {
	q querier
}

func (t pgTx) TransactionByTxnID(ctx context.Context, txnID string) (ledger.Transaction, error) {
	txn, err := scanTransaction(t.q.QueryRow(ctx, selectTransaction, txnID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	return txn, err
}

func (t pgTx) OrderByTxnID(ctx context.Context, txnID string) (ledger.Order, error) {
	order, err := scanOrder(t.q.QueryRow(ctx, selectOrder, txnID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Order{}, ledger.ErrNotFound
	}
	return order, err
}

func (t pgTx) CreateOrder(ctx context.Context, in ledger.NewOrder) (ledger.Order, error) {
	row := t.q.QueryRow(ctx, `INSERT INTO orders (txnid, payload, status, payment_status, payment_details, process_type)
VALUES ($1, $2::jsonb, $3, $4, $5::jsonb, $6)
RETURNING id::text, txnid, payload, status, payment_status, payment_details, process_type, confirmed_at`,
		in.TxnID,
		[]byte(ledger.NormalizePayload(in.Payload)),
		ledger.OrderStatusPending,
		ledger.OrderPaymentCompleted,
		[]byte(ledger.NormalizePayload(in.PaymentDetails)),
		string(in.ProcessType),
	)
	return scanOrder(row)
}

func (t pgTx) UpdateTransactionStatus(ctx context.Context, id string, upd ledger.TransactionUpdate) error {
	tag, err := t.q.Exec(ctx, `UPDATE transactions
SET status = $2, payment_status = $3, webhook_processed = $4, failure_reason = $5, updated_at = now()
WHERE id = $1::uuid`,
		id, string(upd.Status), string(upd.PaymentStatus), upd.WebhookProcessed, upd.FailureReason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres ledger: transaction %s: %w", id, ledger.ErrNotFound)
	}
	return nil
}

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var (
		txn           ledger.Transaction
		payload       []byte
		status        string
		paymentStatus string
	)
	if err := row.Scan(&txn.ID, &txn.TxnID, &payload, &status, &paymentStatus, &txn.WebhookProcessed, &txn.FailureReason, &txn.CreatedAt, &txn.UpdatedAt); err != nil {
		return ledger.Transaction{}, err
	}
	txn.Payload = json.RawMessage(payload)
	txn.Status = ledger.TransactionStatus(status)
	txn.PaymentStatus = ledger.PaymentStatus(paymentStatus)
	return txn, nil
}

func scanOrder(row pgx.Row) (ledger.Order, error) {
	var (
		order       ledger.Order
		payload     []byte
		details     []byte
		processType string
	)
	if err := row.Scan(&order.ID, &order.TxnID, &payload, &order.Status, &order.PaymentStatus, &details, &processType, &order.ConfirmedAt); err != nil {
		return ledger.Order{}, err
	}
	order.Payload = json.RawMessage(payload)
	order.PaymentDetails = json.RawMessage(details)
	order.ProcessType = ledger.ProcessType(processType)
	return order, nil
}

// classify maps PostgreSQL concurrency failures onto ledger.ErrConflict.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ledger.ErrConflict) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && isConflictCode(pgErr.Code) {
		return fmt.Errorf("%w: %w", ledger.ErrConflict, err)
	}
	return err
}

func isConflictCode(code string) bool {
	switch code {
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.UniqueViolation:
		return true
	}
	return false
}
