package attempt

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps attempt records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	writes  int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Writes returns the number of mutations applied so far.
func (m *MemoryStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *MemoryStore) Get(_ context.Context, txnID, notificationID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key(txnID, notificationID)]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) Create(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(rec.TxnID, rec.NotificationID)
	if _, ok := m.records[k]; ok {
		return ErrExists
	}
	m.records[k] = rec
	m.writes++
	return nil
}

func (m *MemoryStore) Increment(_ context.Context, txnID, notificationID string, ceiling int, at time.Time) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(txnID, notificationID)
	rec, ok := m.records[k]
	if !ok || rec.Status != StatusPending || rec.Attempts >= ceiling {
		return Record{}, ErrNotUpdated
	}
	rec.Attempts++
	rec.LastAttempt = at
	m.records[k] = rec
	m.writes++
	return rec, nil
}

func (m *MemoryStore) MarkSucceeded(_ context.Context, txnID, notificationID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(txnID, notificationID)
	rec, ok := m.records[k]
	if ok && rec.Status == StatusSuccess {
		return nil
	}
	if !ok {
		rec = Record{TxnID: txnID, NotificationID: notificationID, Attempts: 1, FirstAttempt: at}
	}
	rec.Status = StatusSuccess
	rec.LastAttempt = at
	m.records[k] = rec
	m.writes++
	return nil
}
