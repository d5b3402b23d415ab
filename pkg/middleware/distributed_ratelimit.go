package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisRateLimiter implements Limiter on Redis so the budget for a key
// is shared across every instance: an attacker spreading callbacks over
// replicas hits the same counter.
type RedisRateLimiter struct {
	client *redis.Client
	policy *RateLimitPolicy
	prefix string
}

// NewRedisRateLimiter creates a Redis-backed limiter. The prefix keeps
// different routes' counters apart.
func NewRedisRateLimiter(client *redis.Client, policy *RateLimitPolicy, prefix string) *RedisRateLimiter {
	if prefix == "" {
		prefix = "skyhook:ratelimit"
	}
	return &RedisRateLimiter{
		client: client,
		policy: policy,
		prefix: prefix,
	}
}

// Allow implements Limiter with a fixed-window counter: INCR plus a
// window-length expiry set atomically in one pipeline.
func (rl *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	redisKey := rl.prefix + ":" + key

	pipe := rl.client.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, rl.policy.WindowDuration)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("rate limiter: %w", err)
	}

	limit := int64(rl.policy.RequestsPerWindow + rl.policy.BurstSize)
	if incr.Val() <= limit {
		return true, 0, nil
	}

	retryAfter := rl.policy.WindowDuration
	if ttl, err := rl.client.TTL(ctx, redisKey).Result(); err == nil && ttl > 0 {
		retryAfter = ttl
	}
	return false, retryAfter, nil
}

// Remaining reports the requests left in the current window.
func (rl *RedisRateLimiter) Remaining(ctx context.Context, key string) (int, error) {
	count, err := rl.client.Get(ctx, rl.prefix+":"+key).Int()
	if err == redis.Nil {
		return rl.policy.RequestsPerWindow + rl.policy.BurstSize, nil
	}
	if err != nil {
		return 0, err
	}

	remaining := rl.policy.RequestsPerWindow + rl.policy.BurstSize - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Reset clears the counter for a key.
func (rl *RedisRateLimiter) Reset(ctx context.Context, key string) error {
	return rl.client.Del(ctx, rl.prefix+":"+key).Err()
}

// HealthCheck verifies Redis connectivity for rate limiting.
func (rl *RedisRateLimiter) HealthCheck(ctx context.Context) error {
	return rl.client.Ping(ctx).Err()
}
