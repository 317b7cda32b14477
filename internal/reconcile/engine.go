// Package reconcile decides, exactly once per txnid, whether a business
// transaction becomes a confirmed order. The webhook and redirect entry paths
// both call Engine.Reconcile; the ledger transaction is the only point of
// mutual exclusion between them.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/payconfirm/internal/ledger"
	"github.com/noah-isme/payconfirm/internal/obs"
	"github.com/noah-isme/payconfirm/internal/resilience"
)

const (
	// DefaultMaxRetries bounds how many times a conflicting ledger transaction is re-run.
	DefaultMaxRetries = 4
	// DefaultRetryBase is the first backoff step between conflicting attempts.
	DefaultRetryBase = 20 * time.Millisecond
	// DefaultNotifyTimeout caps the post-commit confirmation dispatch.
	DefaultNotifyTimeout = 10 * time.Second
)

var (
	// ErrTransactionNotFound means no pending transaction exists for the txnid.
	ErrTransactionNotFound = errors.New("reconcile: transaction not found")
	// ErrTransactionFailed means a success claim arrived for a transaction whose failure was already recorded.
	ErrTransactionFailed = errors.New("reconcile: transaction already failed")
	// ErrConflictExhausted means every attempt lost to a concurrent commit.
	ErrConflictExhausted = errors.New("reconcile: conflict retries exhausted")
	// ErrInvalidRequest reports a request without txnid or with an unknown process type.
	ErrInvalidRequest = errors.New("reconcile: invalid request")
)

// Outcome is the payment result being reconciled.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// OutcomeFromStatus maps a gateway status string onto an Outcome. Only
// "success" (any case) is a success.
func OutcomeFromStatus(status string) Outcome {
	if strings.EqualFold(strings.TrimSpace(status), string(OutcomeSuccess)) {
		return OutcomeSuccess
	}
	return OutcomeFailure
}

// Request is one reconciliation call.
type Request struct {
	TxnID          string
	Outcome        Outcome
	PaymentDetails json.RawMessage
	ProcessType    ledger.ProcessType
	FailureReason  string
}

// Result describes the committed outcome.
type Result struct {
	TxnID   string
	OrderID string
	Outcome Outcome
	// Created is true only for the call whose transaction created the order.
	Created bool
}

// FailureRecorded reports whether the call ended with the transaction marked failed.
func (r Result) FailureRecorded() bool {
	return r.Outcome == OutcomeFailure
}

// Confirmer is told about newly created orders after commit.
type Confirmer interface {
	OrderConfirmed(ctx context.Context, order ledger.Order) error
}

// Engine runs the reconciliation state machine against a ledger.Store.
type Engine struct {
	Store         ledger.Store
	Confirmer     Confirmer
	MaxRetries    int
	RetryBase     time.Duration
	NotifyTimeout time.Duration
	Logger        zerolog.Logger
}

// NewEngine constructs an engine with default retry and notify settings.
func NewEngine(store ledger.Store, confirmer Confirmer, logger zerolog.Logger) *Engine {
	return &Engine{
		Store:         store,
		Confirmer:     confirmer,
		MaxRetries:    DefaultMaxRetries,
		RetryBase:     DefaultRetryBase,
		NotifyTimeout: DefaultNotifyTimeout,
		Logger:        logger,
	}
}

// Reconcile applies req to the ledger. Concurrent calls for the same txnid
// converge on a single order; losers of a commit race re-run the whole unit
// and observe the winner's order.
func (e *Engine) Reconcile(ctx context.Context, req Request) (Result, error) {
	if e == nil || e.Store == nil {
		return Result{}, errors.New("reconcile engine not configured")
	}
	req.TxnID = strings.TrimSpace(req.TxnID)
	if req.TxnID == "" || !req.ProcessType.Valid() {
		return Result{}, ErrInvalidRequest
	}
	if req.Outcome != OutcomeSuccess {
		req.Outcome = OutcomeFailure
	}

	ctx, span := otel.Tracer("reconcile").Start(ctx, "ReconcileEngine.Reconcile")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.txnid", req.TxnID),
		attribute.String("payment.outcome", string(req.Outcome)),
		attribute.String("payment.process_type", string(req.ProcessType)),
	)

	var (
		res   Result
		order ledger.Order
	)
	err := resilience.Retry(ctx, resilience.RetryPolicy{
		MaxAttempts: e.maxAttempts(),
		BaseBackoff: e.retryBase(),
		Jitter:      0.5,
		Retryable:   func(err error) bool { return errors.Is(err, ledger.ErrConflict) },
		OnRetry: func(attempt int, err error) {
			obs.ObserveReconcileConflict()
			e.Logger.Debug().Str("txnid", req.TxnID).Int("attempt", attempt).Err(err).Msg("reconcile_conflict_retry")
		},
	}, func(ctx context.Context, _ int) error {
		var err error
		res, order, err = e.attempt(ctx, req)
		return err
	})
	if err != nil {
		if errors.Is(err, resilience.ErrRetriesExhausted) {
			obs.ObserveReconcileConflict()
			err = fmt.Errorf("%w: %w", ErrConflictExhausted, err)
		}
		result := resultLabel(err)
		obs.ObserveReconcile(string(req.ProcessType), result)
		span.SetStatus(codes.Error, result)
		e.Logger.Warn().Str("txnid", req.TxnID).Str("process_type", string(req.ProcessType)).Err(err).Msg("reconcile_failed")
		return Result{}, err
	}

	obs.ObserveReconcile(string(req.ProcessType), resultLabelFor(res))
	span.SetAttributes(attribute.String("order.id", res.OrderID), attribute.Bool("order.created", res.Created))
	if res.Created {
		e.Logger.Info().Str("txnid", req.TxnID).Str("order_id", res.OrderID).Str("process_type", string(req.ProcessType)).Msg("order_confirmed")
		e.dispatch(ctx, order)
	}
	return res, nil
}

// attempt runs the read-check-write unit once. The in-transaction order lookup
// is authoritative; nothing read before the transaction is trusted.
func (e *Engine) attempt(ctx context.Context, req Request) (Result, ledger.Order, error) {
	var (
		res   = Result{TxnID: req.TxnID, Outcome: req.Outcome}
		order ledger.Order
	)
	err := e.Store.RunInTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		res = Result{TxnID: req.TxnID, Outcome: req.Outcome}
		order = ledger.Order{}

		txn, err := tx.TransactionByTxnID(ctx, req.TxnID)
		if errors.Is(err, ledger.ErrNotFound) {
			return ErrTransactionNotFound
		}
		if err != nil {
			return err
		}

		existing, err := tx.OrderByTxnID(ctx, req.TxnID)
		switch {
		case err == nil:
			res.OrderID = existing.ID
			res.Outcome = OutcomeSuccess
			return nil
		case !errors.Is(err, ledger.ErrNotFound):
			return err
		}

		switch txn.Status {
		case ledger.StatusCompleted:
			// completed without an order cannot be produced by this engine
			return fmt.Errorf("reconcile: transaction %s completed without order", req.TxnID)
		case ledger.StatusFailed:
			if req.Outcome == OutcomeSuccess {
				return ErrTransactionFailed
			}
			return nil
		}

		if req.Outcome == OutcomeFailure {
			return tx.UpdateTransactionStatus(ctx, txn.ID, ledger.TransactionUpdate{
				Status:           ledger.StatusFailed,
				PaymentStatus:    ledger.PaymentFailed,
				WebhookProcessed: true,
				FailureReason:    req.FailureReason,
			})
		}

		created, err := tx.CreateOrder(ctx, ledger.NewOrder{
			TxnID:          req.TxnID,
			Payload:        txn.Payload,
			PaymentDetails: req.PaymentDetails,
			ProcessType:    req.ProcessType,
		})
		if err != nil {
			return err
		}
		if err := tx.UpdateTransactionStatus(ctx, txn.ID, ledger.TransactionUpdate{
			Status:           ledger.StatusCompleted,
			PaymentStatus:    ledger.PaymentSuccess,
			WebhookProcessed: true,
		}); err != nil {
			return err
		}
		order = created
		res.OrderID = created.ID
		res.Created = true
		return nil
	})
	if err != nil {
		return Result{}, ledger.Order{}, err
	}
	return res, order, nil
}

// dispatch hands the new order to the confirmer on a context that survives
// the caller's cancellation. Failures are logged and never returned.
func (e *Engine) dispatch(ctx context.Context, order ledger.Order) {
	if e.Confirmer == nil {
		return
	}
	timeout := e.NotifyTimeout
	if timeout <= 0 {
		timeout = DefaultNotifyTimeout
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := e.Confirmer.OrderConfirmed(notifyCtx, order); err != nil {
		e.Logger.Error().Err(err).Str("txnid", order.TxnID).Str("order_id", order.ID).Msg("order_confirmation_notify_failed")
	}
}

func (e *Engine) maxAttempts() int {
	if e.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return e.MaxRetries
}

func (e *Engine) retryBase() time.Duration {
	if e.RetryBase <= 0 {
		return DefaultRetryBase
	}
	return e.RetryBase
}

func resultLabelFor(res Result) string {
	switch {
	case res.FailureRecorded():
		return "failure_recorded"
	case res.Created:
		return "order_created"
	default:
		return "order_exists"
	}
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrTransactionNotFound):
		return "not_found"
	case errors.Is(err, ErrTransactionFailed):
		return "already_failed"
	case errors.Is(err, ErrConflictExhausted):
		return "conflict_exhausted"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
