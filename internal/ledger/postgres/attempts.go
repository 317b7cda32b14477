package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/payconfirm/internal/attempt"
)

// AttemptStore persists webhook attempt records in the webhook_attempts table.
type AttemptStore struct {
	pool *pgxpool.Pool
}

// NewAttemptStore constructs an attempt.Store backed by PostgreSQL.
func NewAttemptStore(pool *pgxpool.Pool) *AttemptStore {
	return &AttemptStore{pool: pool}
}

const attemptColumns = `txnid, notification_id, status, attempts, first_attempt, last_attempt`

func (s *AttemptStore) Get(ctx context.Context, txnID, notificationID string) (attempt.Record, error) {
	if s == nil || s.pool == nil {
		return attempt.Record{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `SELECT `+attemptColumns+` FROM webhook_attempts WHERE txnid = $1 AND notification_id = $2`, txnID, notificationID)
	rec, err := scanAttempt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return attempt.Record{}, attempt.ErrNotFound
	}
	return rec, err
}

func (s *AttemptStore) Create(ctx context.Context, rec attempt.Record) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx, `INSERT INTO webhook_attempts (`+attemptColumns+`)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (txnid, notification_id) DO NOTHING`,
		rec.TxnID, rec.NotificationID, string(rec.Status), rec.Attempts, rec.FirstAttempt, rec.LastAttempt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return attempt.ErrExists
	}
	return nil
}

func (s *AttemptStore) Increment(ctx context.Context, txnID, notificationID string, ceiling int, at time.Time) (attempt.Record, error) {
	if s == nil || s.pool == nil {
		return attempt.Record{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `UPDATE webhook_attempts
SET attempts = attempts + 1, last_attempt = $4
WHERE txnid = $1 AND notification_id = $2 AND status = 'pending' AND attempts < $3
RETURNING `+attemptColumns, txnID, notificationID, ceiling, at)
	rec, err := scanAttempt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return attempt.Record{}, attempt.ErrNotUpdated
	}
	return rec, err
}

func (s *AttemptStore) MarkSucceeded(ctx context.Context, txnID, notificationID string, at time.Time) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO webhook_attempts (`+attemptColumns+`)
VALUES ($1, $2, 'success', 1, $3, $3)
ON CONFLICT (txnid, notification_id)
DO UPDATE SET status = 'success', last_attempt = EXCLUDED.last_attempt
WHERE webhook_attempts.status <> 'success'`, txnID, notificationID, at)
	return err
}

func scanAttempt(row pgx.Row) (attempt.Record, error) {
	var (
		rec    attempt.Record
		status string
	)
	if err := row.Scan(&rec.TxnID, &rec.NotificationID, &status, &rec.Attempts, &rec.FirstAttempt, &rec.LastAttempt); err != nil {
		return attempt.Record{}, err
	}
	rec.Status = attempt.Status(status)
	rec.FirstAttempt = rec.FirstAttempt.UTC()
	rec.LastAttempt = rec.LastAttempt.UTC()
	return rec, nil
}
