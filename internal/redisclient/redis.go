// Package redisclient wraps an optional Redis connection used to mirror
// rate-limit counters across gateway replicas (C13). Absent or unreachable
// Redis degrades callers to in-memory-only enforcement, mirroring the
// teacher's documented Redis-init fallback.
package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps a *redis.Client with the gateway's connect-with-fallback
// convention.
type Client struct {
	rdb *redis.Client
}

// New parses redisURL and pings it with a short timeout. A non-nil error
// means the caller should proceed without a Client (in-memory only).
func New(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redisclient: parse url: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redisclient: ping: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Allow implements middleware.Mirror: INCR a per-window key with an
// expiring TTL, so every replica observes the same count for that window.
func (c *Client) Allow(key string, limit int, window time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	bucketKey := fmt.Sprintf("paygate:ratelimit:%s:%d", key, time.Now().Unix()/int64(window.Seconds()))

	count, err := c.rdb.Incr(ctx, bucketKey).Result()
	if err != nil {
		return true, err
	}
	if count == 1 {
		c.rdb.Expire(ctx, bucketKey, window)
	}
	return count <= int64(limit), nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
