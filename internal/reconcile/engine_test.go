package reconcile_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payconfirm/internal/ledger"
	"github.com/noah-isme/payconfirm/internal/ledger/memory"
	"github.com/noah-isme/payconfirm/internal/reconcile"
)

type recordingConfirmer struct {
	mu     sync.Mutex
	orders []ledger.Order
	ctxErr []error
	err    error
}

func (c *recordingConfirmer) OrderConfirmed(ctx context.Context, order ledger.Order) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders = append(c.orders, order)
	c.ctxErr = append(c.ctxErr, ctx.Err())
	return c.err
}

func (c *recordingConfirmer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.orders)
}

func newEngine(t *testing.T, txnIDs ...string) (*reconcile.Engine, *memory.Store, *recordingConfirmer) {
	t.Helper()
	store := memory.NewStore()
	for _, id := range txnIDs {
		_, err := store.CreateTransaction(context.Background(), id, json.RawMessage(`{"shopName":"Fost","customerEmail":"buyer@example.com"}`))
		require.NoError(t, err)
	}
	confirmer := &recordingConfirmer{}
	engine := reconcile.NewEngine(store, confirmer, zerolog.Nop())
	engine.RetryBase = time.Millisecond
	return engine, store, confirmer
}

func successReq(txnID string, pt ledger.ProcessType) reconcile.Request {
	return reconcile.Request{
		TxnID:          txnID,
		Outcome:        reconcile.OutcomeSuccess,
		PaymentDetails: json.RawMessage(`{"mihpayid":"403993715521"}`),
		ProcessType:    pt,
	}
}

func TestReconcileConcurrentSuccessCreatesExactlyOneOrder(t *testing.T) {
	engine, store, confirmer := newEngine(t, "TXN_1")
	const n = 16

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []reconcile.Result
		errs    []error
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		pt := ledger.ProcessWebhook
		if i%2 == 1 {
			pt = ledger.ProcessRedirect
		}
		go func() {
			defer wg.Done()
			<-start
			res, err := engine.Reconcile(context.Background(), successReq("TXN_1", pt))
			mu.Lock()
			defer mu.Unlock()
			results = append(results, res)
			errs = append(errs, err)
		}()
	}
	close(start)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	orders := store.Orders("TXN_1")
	require.Len(t, orders, 1)

	created := 0
	for _, res := range results {
		require.Equal(t, orders[0].ID, res.OrderID)
		require.False(t, res.FailureRecorded())
		if res.Created {
			created++
		}
	}
	require.Equal(t, 1, created)
	require.Equal(t, 1, confirmer.count())

	txn, err := store.TransactionByTxnID(context.Background(), "TXN_1")
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCompleted, txn.Status)
	require.Equal(t, ledger.PaymentSuccess, txn.PaymentStatus)
}

func TestReconcileIsIdempotent(t *testing.T) {
	engine, store, confirmer := newEngine(t, "TXN_1")
	ctx := context.Background()

	first, err := engine.Reconcile(ctx, successReq("TXN_1", ledger.ProcessWebhook))
	require.NoError(t, err)
	require.True(t, first.Created)

	writes := store.Stats().Writes
	second, err := engine.Reconcile(ctx, successReq("TXN_1", ledger.ProcessWebhook))
	require.NoError(t, err)
	require.False(t, second.Created)
	require.Equal(t, first.OrderID, second.OrderID)
	require.Equal(t, writes, store.Stats().Writes)
	require.Equal(t, 1, confirmer.count())

	order, err := store.OrderByTxnID(ctx, "TXN_1")
	require.NoError(t, err)
	require.Equal(t, ledger.ProcessWebhook, order.ProcessType)
	require.Equal(t, ledger.OrderStatusPending, order.Status)
	require.Equal(t, ledger.OrderPaymentCompleted, order.PaymentStatus)
	require.JSONEq(t, `{"shopName":"Fost","customerEmail":"buyer@example.com"}`, string(order.Payload))
	require.JSONEq(t, `{"mihpayid":"403993715521"}`, string(order.PaymentDetails))
}

func TestReconcileFailureLeavesNoOrder(t *testing.T) {
	engine, store, confirmer := newEngine(t, "TXN_2")
	ctx := context.Background()

	res, err := engine.Reconcile(ctx, reconcile.Request{
		TxnID:         "TXN_2",
		Outcome:       reconcile.OutcomeFailure,
		ProcessType:   ledger.ProcessWebhook,
		FailureReason: "bank declined",
	})
	require.NoError(t, err)
	require.True(t, res.FailureRecorded())
	require.Empty(t, res.OrderID)
	require.Empty(t, store.Orders("TXN_2"))
	require.Zero(t, confirmer.count())

	txn, err := store.TransactionByTxnID(ctx, "TXN_2")
	require.NoError(t, err)
	require.Equal(t, ledger.StatusFailed, txn.Status)
	require.Equal(t, ledger.PaymentFailed, txn.PaymentStatus)
	require.Equal(t, "bank declined", txn.FailureReason)
	require.True(t, txn.WebhookProcessed)

	writes := store.Stats().Writes
	again, err := engine.Reconcile(ctx, reconcile.Request{TxnID: "TXN_2", Outcome: reconcile.OutcomeFailure, ProcessType: ledger.ProcessWebhook})
	require.NoError(t, err)
	require.True(t, again.FailureRecorded())
	require.Equal(t, writes, store.Stats().Writes)

	_, err = engine.Reconcile(ctx, successReq("TXN_2", ledger.ProcessRedirect))
	require.ErrorIs(t, err, reconcile.ErrTransactionFailed)
	require.Empty(t, store.Orders("TXN_2"))
}

func TestReconcileRedirectMarksTransactionProcessed(t *testing.T) {
	engine, store, _ := newEngine(t, "TXN_R1", "TXN_R2")
	ctx := context.Background()

	res, err := engine.Reconcile(ctx, successReq("TXN_R1", ledger.ProcessRedirect))
	require.NoError(t, err)
	require.True(t, res.Created)
	txn, err := store.TransactionByTxnID(ctx, "TXN_R1")
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCompleted, txn.Status)
	require.True(t, txn.WebhookProcessed)
	require.Equal(t, ledger.ProcessRedirect, store.Orders("TXN_R1")[0].ProcessType)

	_, err = engine.Reconcile(ctx, reconcile.Request{TxnID: "TXN_R2", Outcome: reconcile.OutcomeFailure, ProcessType: ledger.ProcessRedirect})
	require.NoError(t, err)
	txn, err = store.TransactionByTxnID(ctx, "TXN_R2")
	require.NoError(t, err)
	require.Equal(t, ledger.StatusFailed, txn.Status)
	require.True(t, txn.WebhookProcessed)
}

func TestReconcileFailureAfterSuccessReturnsExistingOrder(t *testing.T) {
	engine, store, _ := newEngine(t, "TXN_3")
	ctx := context.Background()

	first, err := engine.Reconcile(ctx, successReq("TXN_3", ledger.ProcessRedirect))
	require.NoError(t, err)

	res, err := engine.Reconcile(ctx, reconcile.Request{TxnID: "TXN_3", Outcome: reconcile.OutcomeFailure, ProcessType: ledger.ProcessWebhook})
	require.NoError(t, err)
	require.False(t, res.FailureRecorded())
	require.Equal(t, first.OrderID, res.OrderID)

	txn, err := store.TransactionByTxnID(ctx, "TXN_3")
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCompleted, txn.Status)
}

func TestReconcileUnknownTransaction(t *testing.T) {
	engine, store, _ := newEngine(t)

	_, err := engine.Reconcile(context.Background(), successReq("TXN_404", ledger.ProcessWebhook))
	require.ErrorIs(t, err, reconcile.ErrTransactionNotFound)
	require.Zero(t, store.Stats().Writes)
}

func TestReconcileRejectsInvalidRequest(t *testing.T) {
	engine, _, _ := newEngine(t, "TXN_1")

	_, err := engine.Reconcile(context.Background(), successReq(" ", ledger.ProcessWebhook))
	require.ErrorIs(t, err, reconcile.ErrInvalidRequest)

	_, err = engine.Reconcile(context.Background(), successReq("TXN_1", ledger.ProcessType("cron")))
	require.ErrorIs(t, err, reconcile.ErrInvalidRequest)
}

func TestReconcileConflictExhaustion(t *testing.T) {
	engine, store, _ := newEngine(t, "TXN_5")
	engine.MaxRetries = 3
	ctx := context.Background()
	txn, err := store.TransactionByTxnID(ctx, "TXN_5")
	require.NoError(t, err)

	// Every attempt loses to a competing writer that touches the transaction
	// between the engine's reads and its commit.
	inHook := false
	competitors := 0
	store.BeforeCommit = func([]string) {
		if inHook {
			return
		}
		inHook = true
		defer func() { inHook = false }()
		competitors++
		require.NoError(t, store.RunInTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
			return tx.UpdateTransactionStatus(ctx, txn.ID, ledger.TransactionUpdate{
				Status:        ledger.StatusPending,
				PaymentStatus: ledger.PaymentPending,
			})
		}))
	}

	_, err = engine.Reconcile(ctx, successReq("TXN_5", ledger.ProcessWebhook))
	require.ErrorIs(t, err, reconcile.ErrConflictExhausted)
	require.ErrorIs(t, err, ledger.ErrConflict)
	require.Equal(t, 3, competitors)
	require.Empty(t, store.Orders("TXN_5"))
	require.Equal(t, 3, store.Stats().Conflicts)
}

func TestReconcileRetriesAfterSingleConflict(t *testing.T) {
	engine, store, confirmer := newEngine(t, "TXN_6")
	ctx := context.Background()

	// A redirect confirms the order while the webhook attempt is in flight.
	fired := false
	var redirect reconcile.Result
	store.BeforeCommit = func([]string) {
		if fired {
			return
		}
		fired = true
		var err error
		redirect, err = engine.Reconcile(ctx, successReq("TXN_6", ledger.ProcessRedirect))
		require.NoError(t, err)
	}

	webhook, err := engine.Reconcile(ctx, successReq("TXN_6", ledger.ProcessWebhook))
	require.NoError(t, err)
	require.True(t, redirect.Created)
	require.False(t, webhook.Created)
	require.Equal(t, redirect.OrderID, webhook.OrderID)
	require.Len(t, store.Orders("TXN_6"), 1)
	require.Equal(t, 1, confirmer.count())
	require.Equal(t, ledger.ProcessRedirect, store.Orders("TXN_6")[0].ProcessType)
}

func TestReconcileNotifyFailureIsSwallowed(t *testing.T) {
	engine, store, confirmer := newEngine(t, "TXN_7")
	confirmer.err = errors.New("smtp: connection refused")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res, err := engine.Reconcile(ctx, successReq("TXN_7", ledger.ProcessWebhook))
	require.NoError(t, err)
	require.True(t, res.Created)
	require.Len(t, store.Orders("TXN_7"), 1)
	require.Equal(t, 1, confirmer.count())
	require.NoError(t, confirmer.ctxErr[0])
}

func TestReconcileCancelledBeforeStartWritesNothing(t *testing.T) {
	engine, store, _ := newEngine(t, "TXN_8")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Reconcile(ctx, successReq("TXN_8", ledger.ProcessWebhook))
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, store.Orders("TXN_8"))
}

func TestOutcomeFromStatus(t *testing.T) {
	require.Equal(t, reconcile.OutcomeSuccess, reconcile.OutcomeFromStatus("SUCCESS"))
	require.Equal(t, reconcile.OutcomeSuccess, reconcile.OutcomeFromStatus(" success "))
	require.Equal(t, reconcile.OutcomeFailure, reconcile.OutcomeFromStatus("failure"))
	require.Equal(t, reconcile.OutcomeFailure, reconcile.OutcomeFromStatus(""))
}
