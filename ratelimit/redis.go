package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements Limiter with a fixed window counter in Redis.
// All processes sharing the Redis instance share the window, so the limit
// holds across a fleet of intake nodes.
type RedisLimiter struct {
	client *redis.Client
	prefix string
}

var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter creates a limiter backed by the given Redis client.
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: "ratelimit:",
	}
}

// Allow increments the window counter for key and compares it to limit.
// The INCR and the expiry are pipelined; NX on the expiry means only the
// first event of a window sets its deadline.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}

	windowKey := l.windowKey(key, window)

	pipe := l.client.Pipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.ExpireNX(ctx, windowKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("ratelimit incr: %w", err)
	}

	return incr.Val() <= int64(limit), nil
}

// windowKey buckets time into fixed windows so counters reset cleanly at
// window boundaries.
func (l *RedisLimiter) windowKey(key string, window time.Duration) string {
	bucket := time.Now().UTC().Truncate(window).Unix()
	return fmt.Sprintf("%s%s:%d", l.prefix, key, bucket)
}
