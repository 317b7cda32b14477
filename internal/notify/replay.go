package notify

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisReplayProtector claims delivery keys with SET NX. The stored value is
// the claim time so a stuck claim can be told apart from a sent one.
type RedisReplayProtector struct {
	Client *redis.Client
	Prefix string
}

// Acquire claims key for ttl. It reports false when the key is already held.
func (r RedisReplayProtector) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if r.Client == nil {
		return true, nil
	}
	stamp := time.Now().UTC().Format(time.RFC3339Nano)
	err := r.Client.SetArgs(ctx, r.Prefix+key, stamp, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, redis.Nil):
		return false, nil
	default:
		return false, err
	}
}

// Release drops the claim so a failed delivery can be retried.
func (r RedisReplayProtector) Release(ctx context.Context, key string) error {
	if r.Client == nil {
		return nil
	}
	return r.Client.Del(ctx, r.Prefix+key).Err()
}
