// Package attempt bounds how many times a gateway notification is processed.
// It short-circuits settled notifications and caps retries; it is a guard in
// front of the reconciliation engine, not the exactly-once mechanism.
package attempt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultCeiling is the retry ceiling used when none is configured.
const DefaultCeiling = 3

var (
	// ErrNotFound is returned by Store.Get when no record exists.
	ErrNotFound = errors.New("attempt: record not found")
	// ErrExists is returned by Store.Create when another writer created the record first.
	ErrExists = errors.New("attempt: record exists")
	// ErrNotUpdated is returned by Store.Increment when the record is no longer
	// pending or already sits at the ceiling.
	ErrNotUpdated = errors.New("attempt: record not updated")
)

// Status is the processing status of a notification.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
)

// Record tracks one gateway notification for one transaction.
type Record struct {
	TxnID          string
	NotificationID string
	Status         Status
	Attempts       int
	FirstAttempt   time.Time
	LastAttempt    time.Time
}

// Decision tells the webhook handler what to do with a delivery.
type Decision int

const (
	Proceed Decision = iota
	AlreadySucceeded
	RetriesExhausted
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case AlreadySucceeded:
		return "already_succeeded"
	case RetriesExhausted:
		return "retries_exhausted"
	default:
		return "unknown"
	}
}

// Store persists attempt records. Increment must be conditional: it only
// applies while the record is pending and attempts < ceiling.
type Store interface {
	Get(ctx context.Context, txnID, notificationID string) (Record, error)
	Create(ctx context.Context, rec Record) error
	Increment(ctx context.Context, txnID, notificationID string, ceiling int, at time.Time) (Record, error)
	MarkSucceeded(ctx context.Context, txnID, notificationID string, at time.Time) error
}

// Tracker applies the retry policy on top of a Store.
type Tracker struct {
	Store   Store
	Ceiling int
	Now     func() time.Time
}

// NewTracker returns a tracker with the given ceiling (DefaultCeiling when <= 0).
func NewTracker(store Store, ceiling int) *Tracker {
	return &Tracker{Store: store, Ceiling: ceiling}
}

// RecordAttempt registers a sighting of (txnID, notificationID) and decides
// whether the caller should run reconciliation.
func (t *Tracker) RecordAttempt(ctx context.Context, txnID, notificationID string) (Decision, error) {
	if t == nil || t.Store == nil {
		return Proceed, errors.New("attempt tracker not configured")
	}
	txnID = strings.TrimSpace(txnID)
	notificationID = strings.TrimSpace(notificationID)
	if txnID == "" || notificationID == "" {
		return Proceed, errors.New("attempt: txnid and notification id are required")
	}
	now := t.now()

	rec, err := t.Store.Get(ctx, txnID, notificationID)
	if errors.Is(err, ErrNotFound) {
		err = t.Store.Create(ctx, Record{
			TxnID:          txnID,
			NotificationID: notificationID,
			Status:         StatusPending,
			Attempts:       1,
			FirstAttempt:   now,
			LastAttempt:    now,
		})
		if err == nil {
			return Proceed, nil
		}
		if !errors.Is(err, ErrExists) {
			return Proceed, fmt.Errorf("attempt: create record: %w", err)
		}
		// lost the create race; evaluate what the winner wrote
		rec, err = t.Store.Get(ctx, txnID, notificationID)
	}
	if err != nil {
		return Proceed, fmt.Errorf("attempt: load record: %w", err)
	}
	if decision, settled := t.decide(rec); settled {
		return decision, nil
	}

	if _, err := t.Store.Increment(ctx, txnID, notificationID, t.ceiling(), now); err != nil {
		if !errors.Is(err, ErrNotUpdated) {
			return Proceed, fmt.Errorf("attempt: increment: %w", err)
		}
		rec, err = t.Store.Get(ctx, txnID, notificationID)
		if err != nil {
			return Proceed, fmt.Errorf("attempt: reload record: %w", err)
		}
		if decision, settled := t.decide(rec); settled {
			return decision, nil
		}
		return RetriesExhausted, nil
	}
	return Proceed, nil
}

// MarkSucceeded records that a terminal outcome was reached for the notification.
func (t *Tracker) MarkSucceeded(ctx context.Context, txnID, notificationID string) error {
	if t == nil || t.Store == nil {
		return errors.New("attempt tracker not configured")
	}
	return t.Store.MarkSucceeded(ctx, strings.TrimSpace(txnID), strings.TrimSpace(notificationID), t.now())
}

func (t *Tracker) decide(rec Record) (Decision, bool) {
	if rec.Status == StatusSuccess {
		return AlreadySucceeded, true
	}
	if rec.Attempts >= t.ceiling() {
		return RetriesExhausted, true
	}
	return Proceed, false
}

func (t *Tracker) ceiling() int {
	if t.Ceiling <= 0 {
		return DefaultCeiling
	}
	return t.Ceiling
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now().UTC()
	}
	return time.Now().UTC()
}

func key(txnID, notificationID string) string {
	return txnID + "\x00" + notificationID
}
