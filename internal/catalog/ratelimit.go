package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// atomicIncrExpire increments the window counter and arms its TTL in one
// round trip, so the counter can never become an immortal key between INCR
// and EXPIRE.
var atomicIncrExpire = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return current
`)

// RateLimiter bounds outbound search-provider calls to limit requests per
// sliding window, independent of caller behavior. The counter lives in redis
// so the quota holds across server instances.
type RateLimiter struct {
	rdb    *redis.Client
	key    string
	limit  int64
	window time.Duration
}

func NewRateLimiter(rdb *redis.Client, key string, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{rdb: rdb, key: key, limit: limit, window: window}
}

// Allow consumes one slot of the window and reports whether the call may
// proceed.
func (rl *RateLimiter) Allow(ctx context.Context) (bool, error) {
	current, err := atomicIncrExpire.Run(ctx, rl.rdb, []string{rl.key}, rl.window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}
	return current <= rl.limit, nil
}
