package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "imgbed:ratelimit:"

// RedisLimiter is an Admitter backed by a shared Redis counter, for
// deployments running more than one instance. The counter is a fixed
// window keyed per client; the first hit sets the expiry.
type RedisLimiter struct {
	client redis.UniversalClient
	window time.Duration
	limit  int
}

// NewRedisLimiter wraps an existing client. Non-positive arguments fall
// back to the defaults.
func NewRedisLimiter(client redis.UniversalClient, window time.Duration, limit int) *RedisLimiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &RedisLimiter{client: client, window: window, limit: limit}
}

// Admit implements Admitter.
func (l *RedisLimiter) Admit(clientID string) (bool, time.Duration, error) {
	if clientID == "" {
		clientID = "unknown"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := redisKeyPrefix + clientID
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit incr: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return false, 0, fmt.Errorf("ratelimit expire: %w", err)
		}
	}
	if count <= int64(l.limit) {
		return true, 0, nil
	}
	// Same hint as the in-process limiter: the full window.
	return false, l.window, nil
}
