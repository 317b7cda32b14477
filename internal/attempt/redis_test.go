package attempt_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payconfirm/internal/attempt"
)

func newRedisStore(t *testing.T) (attempt.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return attempt.RedisStore{Client: client, Prefix: "test:attempt:"}, mr
}

func TestRedisStoreCreateAndGet(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	_, err := store.Get(ctx, "TXN_1", "N1")
	require.ErrorIs(t, err, attempt.ErrNotFound)

	rec := attempt.Record{TxnID: "TXN_1", NotificationID: "N1", Status: attempt.StatusPending, Attempts: 1, FirstAttempt: at, LastAttempt: at}
	require.NoError(t, store.Create(ctx, rec))
	require.ErrorIs(t, store.Create(ctx, rec), attempt.ErrExists)

	got, err := store.Get(ctx, "TXN_1", "N1")
	require.NoError(t, err)
	require.Equal(t, rec, got)
	require.True(t, mr.Exists("test:attempt:TXN_1:N1"))
	require.Zero(t, mr.TTL("test:attempt:TXN_1:N1"))
}

func TestRedisStoreIncrementIsConditional(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()
	at := time.Now().UTC()

	_, err := store.Increment(ctx, "TXN_1", "N1", 2, at)
	require.ErrorIs(t, err, attempt.ErrNotUpdated)

	require.NoError(t, store.Create(ctx, attempt.Record{TxnID: "TXN_1", NotificationID: "N1", Status: attempt.StatusPending, Attempts: 1, FirstAttempt: at, LastAttempt: at}))

	rec, err := store.Increment(ctx, "TXN_1", "N1", 2, at.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 2, rec.Attempts)

	_, err = store.Increment(ctx, "TXN_1", "N1", 2, at.Add(2*time.Second))
	require.ErrorIs(t, err, attempt.ErrNotUpdated)
}

func TestRedisStoreMarkSucceededUpserts(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, store.MarkSucceeded(ctx, "TXN_1", "N1", at))
	rec, err := store.Get(ctx, "TXN_1", "N1")
	require.NoError(t, err)
	require.Equal(t, attempt.StatusSuccess, rec.Status)
	require.Equal(t, 1, rec.Attempts)

	_, err = store.Increment(ctx, "TXN_1", "N1", 3, at)
	require.ErrorIs(t, err, attempt.ErrNotUpdated)
}

func TestTrackerOverRedis(t *testing.T) {
	store, _ := newRedisStore(t)
	tracker := attempt.NewTracker(store, 2)
	ctx := context.Background()

	for _, want := range []attempt.Decision{attempt.Proceed, attempt.Proceed, attempt.RetriesExhausted} {
		got, err := tracker.RecordAttempt(ctx, "TXN_9", "N9")
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	require.NoError(t, tracker.MarkSucceeded(ctx, "TXN_9", "N9"))
	got, err := tracker.RecordAttempt(ctx, "TXN_9", "N9")
	require.NoError(t, err)
	require.Equal(t, attempt.AlreadySucceeded, got)
}

func TestTrackerOverRedisKeepsCeilingOverTime(t *testing.T) {
	store, mr := newRedisStore(t)
	tracker := attempt.NewTracker(store, 3)
	ctx := context.Background()

	for _, want := range []attempt.Decision{attempt.Proceed, attempt.Proceed, attempt.Proceed, attempt.RetriesExhausted} {
		got, err := tracker.RecordAttempt(ctx, "TXN_7", "N7")
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	mr.FastForward(30 * 24 * time.Hour)
	got, err := tracker.RecordAttempt(ctx, "TXN_7", "N7")
	require.NoError(t, err)
	require.Equal(t, attempt.RetriesExhausted, got)

	require.NoError(t, tracker.MarkSucceeded(ctx, "TXN_8", "N8"))
	mr.FastForward(30 * 24 * time.Hour)
	got, err = tracker.RecordAttempt(ctx, "TXN_8", "N8")
	require.NoError(t, err)
	require.Equal(t, attempt.AlreadySucceeded, got)
}
