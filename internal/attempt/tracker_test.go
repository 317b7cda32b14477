package attempt_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payconfirm/internal/attempt"
)

func fixedClock() func() time.Time {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time { return at }
}

func TestRecordAttemptFirstSightingProceeds(t *testing.T) {
	store := attempt.NewMemoryStore()
	tracker := attempt.NewTracker(store, 3)
	tracker.Now = fixedClock()

	decision, err := tracker.RecordAttempt(context.Background(), "TXN_1", "N1")
	require.NoError(t, err)
	require.Equal(t, attempt.Proceed, decision)

	rec, err := store.Get(context.Background(), "TXN_1", "N1")
	require.NoError(t, err)
	require.Equal(t, 1, rec.Attempts)
	require.Equal(t, attempt.StatusPending, rec.Status)
	require.Equal(t, rec.FirstAttempt, rec.LastAttempt)
}

func TestRecordAttemptStopsAtCeiling(t *testing.T) {
	store := attempt.NewMemoryStore()
	tracker := attempt.NewTracker(store, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		decision, err := tracker.RecordAttempt(ctx, "TXN_1", "N1")
		require.NoError(t, err)
		require.Equal(t, attempt.Proceed, decision, "attempt %d", i+1)
	}

	writes := store.Writes()
	decision, err := tracker.RecordAttempt(ctx, "TXN_1", "N1")
	require.NoError(t, err)
	require.Equal(t, attempt.RetriesExhausted, decision)
	require.Equal(t, writes, store.Writes())

	rec, err := store.Get(ctx, "TXN_1", "N1")
	require.NoError(t, err)
	require.Equal(t, 3, rec.Attempts)
}

func TestRecordAttemptAfterSuccessShortCircuits(t *testing.T) {
	store := attempt.NewMemoryStore()
	tracker := attempt.NewTracker(store, 3)
	ctx := context.Background()

	_, err := tracker.RecordAttempt(ctx, "TXN_1", "N1")
	require.NoError(t, err)
	require.NoError(t, tracker.MarkSucceeded(ctx, "TXN_1", "N1"))

	decision, err := tracker.RecordAttempt(ctx, "TXN_1", "N1")
	require.NoError(t, err)
	require.Equal(t, attempt.AlreadySucceeded, decision)

	rec, err := store.Get(ctx, "TXN_1", "N1")
	require.NoError(t, err)
	require.Equal(t, 1, rec.Attempts)
	require.Equal(t, attempt.StatusSuccess, rec.Status)
}

func TestRecordAttemptSeparatesNotifications(t *testing.T) {
	tracker := attempt.NewTracker(attempt.NewMemoryStore(), 1)
	ctx := context.Background()

	decision, err := tracker.RecordAttempt(ctx, "TXN_1", "N1")
	require.NoError(t, err)
	require.Equal(t, attempt.Proceed, decision)

	decision, err = tracker.RecordAttempt(ctx, "TXN_1", "N2")
	require.NoError(t, err)
	require.Equal(t, attempt.Proceed, decision)

	decision, err = tracker.RecordAttempt(ctx, "TXN_1", "N1")
	require.NoError(t, err)
	require.Equal(t, attempt.RetriesExhausted, decision)
}

func TestRecordAttemptConcurrentNeverExceedsCeiling(t *testing.T) {
	store := attempt.NewMemoryStore()
	tracker := attempt.NewTracker(store, 3)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		proceeds int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := tracker.RecordAttempt(ctx, "TXN_1", "N1")
			require.NoError(t, err)
			if decision == attempt.Proceed {
				mu.Lock()
				proceeds++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 3, proceeds)
	rec, err := store.Get(ctx, "TXN_1", "N1")
	require.NoError(t, err)
	require.Equal(t, 3, rec.Attempts)
}

func TestRecordAttemptRequiresIdentifiers(t *testing.T) {
	tracker := attempt.NewTracker(attempt.NewMemoryStore(), 3)
	_, err := tracker.RecordAttempt(context.Background(), " ", "N1")
	require.Error(t, err)
	_, err = tracker.RecordAttempt(context.Background(), "TXN_1", "")
	require.Error(t, err)
}

func TestDecisionString(t *testing.T) {
	require.Equal(t, "proceed", attempt.Proceed.String())
	require.Equal(t, "already_succeeded", attempt.AlreadySucceeded.String())
	require.Equal(t, "retries_exhausted", attempt.RetriesExhausted.String())
}
