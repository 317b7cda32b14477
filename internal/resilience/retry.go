package resilience

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

const maxBackoffShift = 16

// ErrRetriesExhausted wraps the last error once a retry budget is spent.
var ErrRetriesExhausted = errors.New("resilience: retries exhausted")

// RetryPolicy bounds a retry loop.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	Jitter      float64
	// Retryable decides whether an error should trigger another attempt.
	// Nil means every error is retryable.
	Retryable func(error) bool
	// OnRetry is invoked before sleeping ahead of attempt+1.
	OnRetry func(attempt int, err error)
}

// Retry runs fn until it succeeds, returns a non-retryable error, the context
// ends or the attempt budget is used up. On exhaustion the returned error
// matches both ErrRetriesExhausted and the last error from fn.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context, attempt int) error) error {
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if policy.Retryable != nil && !policy.Retryable(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts {
			break
		}
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, lastErr)
		}
		if err := Sleep(ctx, Backoff(policy.BaseBackoff, attempt, policy.Jitter)); err != nil {
			return err
		}
	}
	return errors.Join(ErrRetriesExhausted, lastErr)
}

// Sleep pauses for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Backoff returns base doubled per attempt after the first, spread by
// +/- jitter (a fraction, 0.2 == 20%).
func Backoff(base time.Duration, attempt int, jitter float64) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	shift := min(max(attempt-1, 0), maxBackoffShift)
	d := base << shift
	if jitter <= 0 {
		return d
	}
	spread := float64(d) * min(jitter, 1)
	return d + time.Duration((rand.Float64()*2-1)*spread)
}
