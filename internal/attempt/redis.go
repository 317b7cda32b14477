package attempt

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const redisWatchRetries = 3

// RedisStore keeps one hash per (txnid, notification id). Updates use
// WATCH/MULTI so concurrent deliveries cannot push attempts past the ceiling.
// Keys never expire: the ceiling and the success mark only hold while the
// record exists.
type RedisStore struct {
	Client *redis.Client
	Prefix string
}

func (s RedisStore) key(txnID, notificationID string) string {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "webhook:attempt:"
	}
	return fmt.Sprintf("%s%s:%s", prefix, txnID, notificationID)
}

func (s RedisStore) Get(ctx context.Context, txnID, notificationID string) (Record, error) {
	if s.Client == nil {
		return Record{}, errors.New("attempt: redis client not configured")
	}
	fields, err := s.Client.HGetAll(ctx, s.key(txnID, notificationID)).Result()
	if err != nil {
		return Record{}, err
	}
	return decodeRecord(txnID, notificationID, fields)
}

func (s RedisStore) Create(ctx context.Context, rec Record) error {
	if s.Client == nil {
		return errors.New("attempt: redis client not configured")
	}
	k := s.key(rec.TxnID, rec.NotificationID)
	err := s.Client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, k).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, k, encodeRecord(rec))
			return nil
		})
		return err
	}, k)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrExists
	}
	return err
}

func (s RedisStore) Increment(ctx context.Context, txnID, notificationID string, ceiling int, at time.Time) (Record, error) {
	if s.Client == nil {
		return Record{}, errors.New("attempt: redis client not configured")
	}
	k := s.key(txnID, notificationID)
	for i := 0; i < redisWatchRetries; i++ {
		var updated Record
		err := s.Client.Watch(ctx, func(tx *redis.Tx) error {
			fields, err := tx.HGetAll(ctx, k).Result()
			if err != nil {
				return err
			}
			rec, err := decodeRecord(txnID, notificationID, fields)
			if errors.Is(err, ErrNotFound) {
				return ErrNotUpdated
			}
			if err != nil {
				return err
			}
			if rec.Status != StatusPending || rec.Attempts >= ceiling {
				return ErrNotUpdated
			}
			rec.Attempts++
			rec.LastAttempt = at
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, k, "attempts", rec.Attempts, "last", at.UnixNano())
				return nil
			})
			updated = rec
			return err
		}, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return Record{}, err
		}
		return updated, nil
	}
	return Record{}, fmt.Errorf("attempt: increment %s: %w", k, redis.TxFailedErr)
}

func (s RedisStore) MarkSucceeded(ctx context.Context, txnID, notificationID string, at time.Time) error {
	if s.Client == nil {
		return errors.New("attempt: redis client not configured")
	}
	k := s.key(txnID, notificationID)
	for i := 0; i < redisWatchRetries; i++ {
		err := s.Client.Watch(ctx, func(tx *redis.Tx) error {
			fields, err := tx.HGetAll(ctx, k).Result()
			if err != nil {
				return err
			}
			rec, err := decodeRecord(txnID, notificationID, fields)
			switch {
			case errors.Is(err, ErrNotFound):
				rec = Record{TxnID: txnID, NotificationID: notificationID, Attempts: 1, FirstAttempt: at}
			case err != nil:
				return err
			case rec.Status == StatusSuccess:
				return nil
			}
			rec.Status = StatusSuccess
			rec.LastAttempt = at
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, k, encodeRecord(rec))
				return nil
			})
			return err
		}, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("attempt: mark succeeded %s: %w", k, redis.TxFailedErr)
}

func encodeRecord(rec Record) map[string]any {
	return map[string]any{
		"status":   string(rec.Status),
		"attempts": rec.Attempts,
		"first":    rec.FirstAttempt.UnixNano(),
		"last":     rec.LastAttempt.UnixNano(),
	}
}

func decodeRecord(txnID, notificationID string, fields map[string]string) (Record, error) {
	if len(fields) == 0 {
		return Record{}, ErrNotFound
	}
	attempts, err := strconv.Atoi(fields["attempts"])
	if err != nil {
		return Record{}, fmt.Errorf("attempt: decode attempts: %w", err)
	}
	first, _ := strconv.ParseInt(fields["first"], 10, 64)
	last, _ := strconv.ParseInt(fields["last"], 10, 64)
	return Record{
		TxnID:          txnID,
		NotificationID: notificationID,
		Status:         Status(fields["status"]),
		Attempts:       attempts,
		FirstAttempt:   time.Unix(0, first).UTC(),
		LastAttempt:    time.Unix(0, last).UTC(),
	}, nil
}
