// Package memory provides an in-process ledger with optimistic concurrency
// control. Every document carries a version; a transaction records the version
// of everything it read and commits only if none of them changed meanwhile.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/payconfirm/internal/ledger"
)

// Stats counts store activity. Tests use it to assert that a code path never
// touched the ledger.
type Stats struct {
	Reads     int
	Writes    int
	Commits   int
	Conflicts int
}

type txnDoc struct {
	version uint64
	value   ledger.Transaction
}

type orderDoc struct {
	version uint64
	value   ledger.Order
}

// Store is a ledger.Store kept entirely in memory.
type Store struct {
	mu      sync.Mutex
	clock   uint64
	txns    map[string]*txnDoc
	txnByID map[string]string
	orders  map[string]*orderDoc
	stats   Stats
	now     func() time.Time

	// BeforeCommit, when set, runs after fn returned and before validation.
	// Tests use it to interleave competing transactions deterministically.
	BeforeCommit func(txnIDs []string)
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		txns:    make(map[string]*txnDoc),
		txnByID: make(map[string]string),
		orders:  make(map[string]*orderDoc),
		now:     time.Now,
	}
}

// Stats returns a snapshot of the activity counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Orders returns every order for txnID. More than one would be a bug.
func (s *Store) Orders(txnID string) []ledger.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.Order
	for _, doc := range s.orders {
		if doc.value.TxnID == txnID {
			out = append(out, doc.value)
		}
	}
	return out
}

// CreateTransaction records a pending transaction for txnID.
func (s *Store) CreateTransaction(_ context.Context, txnID string, payload json.RawMessage) (ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.txns[txnID]; exists {
		return ledger.Transaction{}, ledger.ErrDuplicate
	}
	now := s.now().UTC()
	txn := ledger.Transaction{
		ID:            uuid.NewString(),
		TxnID:         txnID,
		Payload:       ledger.NormalizePayload(payload),
		Status:        ledger.StatusPending,
		PaymentStatus: ledger.PaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.clock++
	s.txns[txnID] = &txnDoc{version: s.clock, value: txn}
	s.txnByID[txn.ID] = txnID
	s.stats.Writes++
	return txn, nil
}

// TransactionByTxnID reads the committed transaction outside any store transaction.
func (s *Store) TransactionByTxnID(_ context.Context, txnID string) (ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Reads++
	doc, ok := s.txns[txnID]
	if !ok {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	return doc.value, nil
}

// OrderByTxnID reads the committed order outside any store transaction.
func (s *Store) OrderByTxnID(_ context.Context, txnID string) (ledger.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Reads++
	doc, ok := s.orders[txnID]
	if !ok {
		return ledger.Order{}, ledger.ErrNotFound
	}
	return doc.value, nil
}

// RunInTx runs fn once against a private write buffer and commits it if every
// document read by fn is still at the version that was observed.
func (s *Store) RunInTx(ctx context.Context, fn func(context.Context, ledger.Tx) error) error {
	if fn == nil {
		return errors.New("memory ledger: tx callback not provided")
	}
	tx := &memTx{
		store:      s,
		txnReads:   make(map[string]uint64),
		orderReads: make(map[string]uint64),
		updates:    make(map[string]ledger.TransactionUpdate),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if hook := s.BeforeCommit; hook != nil {
		hook(tx.touched())
	}
	return s.commit(tx)
}

func (s *Store) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for txnID, seen := range tx.txnReads {
		if current := s.txnVersionLocked(txnID); current != seen {
			s.stats.Conflicts++
			return fmt.Errorf("%w: transaction %s changed", ledger.ErrConflict, txnID)
		}
	}
	for txnID, seen := range tx.orderReads {
		if current := s.orderVersionLocked(txnID); current != seen {
			s.stats.Conflicts++
			return fmt.Errorf("%w: order for %s changed", ledger.ErrConflict, txnID)
		}
	}
	for _, order := range tx.creates {
		if _, exists := s.orders[order.TxnID]; exists {
			s.stats.Conflicts++
			return fmt.Errorf("%w: order for %s already exists", ledger.ErrConflict, order.TxnID)
		}
	}
	if len(tx.creates) == 0 && len(tx.updates) == 0 {
		s.stats.Commits++
		return nil
	}
	s.clock++
	for _, order := range tx.creates {
		s.orders[order.TxnID] = &orderDoc{version: s.clock, value: order}
		s.stats.Writes++
	}
	now := s.now().UTC()
	for id, upd := range tx.updates {
		txnID, ok := s.txnByID[id]
		if !ok {
			return fmt.Errorf("memory ledger: transaction %s: %w", id, ledger.ErrNotFound)
		}
		doc := s.txns[txnID]
		doc.value.Status = upd.Status
		doc.value.PaymentStatus = upd.PaymentStatus
		doc.value.WebhookProcessed = upd.WebhookProcessed
		doc.value.FailureReason = upd.FailureReason
		doc.value.UpdatedAt = now
		doc.version = s.clock
		s.stats.Writes++
	}
	s.stats.Commits++
	return nil
}

func (s *Store) txnVersionLocked(txnID string) uint64 {
	if doc, ok := s.txns[txnID]; ok {
		return doc.version
	}
	return 0
}

func (s *Store) orderVersionLocked(txnID string) uint64 {
	if doc, ok := s.orders[txnID]; ok {
		return doc.version
	}
	return 0
}

type memTx struct {
	store      *Store
	txnReads   map[string]uint64
	orderReads map[string]uint64
	creates    []ledger.Order
	updates    map[string]ledger.TransactionUpdate
}

func (t *memTx) TransactionByTxnID(_ context.Context, txnID string) (ledger.Transaction, error) {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Reads++
	doc, ok := s.txns[txnID]
	if !ok {
		t.txnReads[txnID] = 0
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	if _, seen := t.txnReads[txnID]; !seen {
		t.txnReads[txnID] = doc.version
	}
	return doc.value, nil
}

func (t *memTx) OrderByTxnID(_ context.Context, txnID string) (ledger.Order, error) {
	for _, order := range t.creates {
		if order.TxnID == txnID {
			return order, nil
		}
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Reads++
	doc, ok := s.orders[txnID]
	if !ok {
		t.orderReads[txnID] = 0
		return ledger.Order{}, ledger.ErrNotFound
	}
	if _, seen := t.orderReads[txnID]; !seen {
		t.orderReads[txnID] = doc.version
	}
	return doc.value, nil
}

func (t *memTx) CreateOrder(_ context.Context, in ledger.NewOrder) (ledger.Order, error) {
	for _, order := range t.creates {
		if order.TxnID == in.TxnID {
			return ledger.Order{}, fmt.Errorf("%w: order for %s already created in this transaction", ledger.ErrConflict, in.TxnID)
		}
	}
	order := ledger.Order{
		ID:             uuid.NewString(),
		TxnID:          in.TxnID,
		Payload:        ledger.NormalizePayload(in.Payload),
		Status:         ledger.OrderStatusPending,
		PaymentStatus:  ledger.OrderPaymentCompleted,
		PaymentDetails: ledger.NormalizePayload(in.PaymentDetails),
		ProcessType:    in.ProcessType,
		ConfirmedAt:    t.store.now().UTC(),
	}
	t.creates = append(t.creates, order)
	return order, nil
}

func (t *memTx) UpdateTransactionStatus(_ context.Context, id string, upd ledger.TransactionUpdate) error {
	t.updates[id] = upd
	return nil
}

func (t *memTx) touched() []string {
	out := make([]string, 0, len(t.txnReads))
	for txnID := range t.txnReads {
		out = append(out, txnID)
	}
	return out
}
