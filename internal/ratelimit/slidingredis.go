package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingScript trims the window, admits the event only when under the limit
// and returns {allowed, remaining, oldest score}. Rejected events are not recorded.
var slidingScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  count = count + 1
  allowed = 1
end
local oldest = now
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
  oldest = tonumber(first[2])
end
return {allowed, math.max(limit - count, 0), oldest}
`)

// SlidingWindow is a Redis sorted-set limiter counting events over the
// trailing window.
type SlidingWindow struct {
	Client *redis.Client
	Prefix string
}

// Allow implements Limiter. reset is when the oldest counted event leaves the window.
func (l SlidingWindow) Allow(ctx context.Context, key string, window time.Duration, max int) (allowed bool, remaining int, reset time.Time, err error) {
	now := time.Now()
	if l.Client == nil || max <= 0 || window <= 0 {
		return true, max, now.Add(window), nil
	}
	member := fmt.Sprintf("%d:%s", now.UnixNano(), uuid.NewString())
	vals, err := slidingScript.Run(ctx, l.Client, []string{l.Prefix + key},
		now.UnixMilli(), window.Milliseconds(), max, member).Int64Slice()
	if err != nil {
		return false, 0, now.Add(window), err
	}
	if len(vals) != 3 {
		return false, 0, now.Add(window), fmt.Errorf("ratelimit: unexpected script reply %v", vals)
	}
	reset = time.UnixMilli(vals[2]).Add(window)
	return vals[0] == 1, int(vals[1]), reset, nil
}
