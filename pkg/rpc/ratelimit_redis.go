package rpc

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// redisTokenBucketScript mirrors the teacher's token-bucket Lua script
// (core/pkg/kernel/limiter_redis.go), adapted to this package's three fixed
// windows instead of a policy-configurable rate/burst: it refills at
// MaxPerSecond tokens/second up to a MaxPerSecond capacity and atomically
// consumes one token per call.
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// RedisRateLimiter is the distributed counterpart to RateLimiter: the
// per-second window is a Redis-side token bucket (shared across every
// process serving the connection's namespace) and the per-minute and
// in-flight windows are plain Redis counters with a TTL, so a connection's
// limit state survives a process restart and is visible to every host
// behind a load balancer. Per SPEC_FULL.md §11's rate-limit-backend row.
type RedisRateLimiter struct {
	client *redis.Client
}

// NewRedisRateLimiter constructs a RedisRateLimiter against addr.
func NewRedisRateLimiter(addr string) *RedisRateLimiter {
	return &RedisRateLimiter{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// Allow checks and, if permitted, consumes one call slot for connID across
// all three windows. Any Redis error fails closed (Allow returns false) so
// a broker outage degrades to rejecting calls rather than silently
// disabling rate limiting.
func (r *RedisRateLimiter) Allow(connID string) bool {
	ctx := context.Background()

	inFlightKey := fmt.Sprintf("tapestry:ratelimit:inflight:%s", connID)
	inFlight, err := r.client.Get(ctx, inFlightKey).Int()
	if err != nil && err != redis.Nil {
		return false
	}
	if inFlight >= MaxInFlight {
		return false
	}

	minuteKey := fmt.Sprintf("tapestry:ratelimit:minute:%s", connID)
	count, err := r.client.Incr(ctx, minuteKey).Result()
	if err != nil {
		return false
	}
	if count == 1 {
		r.client.Expire(ctx, minuteKey, minuteWindow)
	}
	if count > MaxPerMinute {
		r.client.Decr(ctx, minuteKey)
		return false
	}

	secondKey := fmt.Sprintf("tapestry:ratelimit:second:%s", connID)
	now := float64(nowUnixMicro()) / 1e6
	res, err := redisTokenBucketScript.Run(ctx, r.client, []string{secondKey}, MaxPerSecond, MaxPerSecond, now).Result()
	if err != nil {
		r.client.Decr(ctx, minuteKey)
		return false
	}
	allowed, _ := res.(int64)
	if allowed != 1 {
		r.client.Decr(ctx, minuteKey)
		return false
	}

	r.client.Incr(ctx, inFlightKey)
	r.client.Expire(ctx, inFlightKey, minuteWindow)
	return true
}

// Release decrements connID's in-flight counter after a call completes.
func (r *RedisRateLimiter) Release(connID string) {
	ctx := context.Background()
	inFlightKey := fmt.Sprintf("tapestry:ratelimit:inflight:%s", connID)
	if v, err := r.client.Decr(ctx, inFlightKey).Result(); err == nil && v < 0 {
		r.client.Set(ctx, inFlightKey, 0, minuteWindow)
	}
}

// Disconnect clears every rate-limit key associated with connID.
func (r *RedisRateLimiter) Disconnect(connID string) {
	ctx := context.Background()
	r.client.Del(ctx,
		fmt.Sprintf("tapestry:ratelimit:inflight:%s", connID),
		fmt.Sprintf("tapestry:ratelimit:minute:%s", connID),
		fmt.Sprintf("tapestry:ratelimit:second:%s", connID),
	)
}

// Close releases the underlying Redis client.
func (r *RedisRateLimiter) Close() error {
	return r.client.Close()
}
