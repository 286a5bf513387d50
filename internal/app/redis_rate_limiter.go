package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the window counter, starting the window on first use, and
// returns the count and the window's remaining milliseconds.
var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisRateLimiter is a fixed-window limiter shared by every service replica.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

var _ RateLimiter = (*RedisRateLimiter)(nil)

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "reward:rate_limit"
	}
	return &RedisRateLimiter{
		client: client,
		prefix: strings.TrimSuffix(trimmedPrefix, ":"),
	}
}

// ConsumeRateLimit counts one request for subject within scope. A nil limiter or a
// non-positive limit never throttles.
func (r *RedisRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}

	scope = strings.TrimSpace(scope)
	subject = strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return 0, 0, nil
	}

	windowMs := max(window.Milliseconds(), 1000)
	key := fmt.Sprintf("%s:%s:%s", r.prefix, scope, subject)
	raw, err := fixedWindowScript.Run(ctx, r.client, []string{key}, windowMs).Int64Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(raw) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response length: %d", len(raw))
	}

	ttlMs := raw[1]
	if ttlMs < 0 {
		ttlMs = windowMs
	}
	retryAfter := max(int(math.Ceil(float64(ttlMs)/1000.0)), 1)
	return int(raw[0]), retryAfter, nil
}
