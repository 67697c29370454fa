// Package cache implements the External Cache (§2 component B): the
// process-shared backing store for token-bucket rate limits and the
// optional health-snapshot cache. It wraps github.com/redis/go-redis/v9,
// the same client every gateway repo in the pack (nulpointcorp-llm-gateway,
// wudi-gateway, compozy-compozy) pairs with a router for this role.
//
// A zero-configuration deployment runs an embedded miniredis instance
// instead of requiring a live Redis — the same server the test suite uses,
// just kept running for the life of the process rather than torn down
// after one test.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/aulendur/cortex/internal/config"
)

// Client implements contracts.CacheClient against a Redis (or
// Redis-protocol-compatible) backend.
type Client struct {
	rdb  *redis.Client
	mini *miniredis.Miniredis // non-nil only for the embedded dev backend
}

// New builds the cache client. When cfg.UseMemory is set, an in-process
// miniredis server is started and torn down on Close; otherwise the client
// dials cfg.Addr.
func New(cfg config.CacheConfig) (*Client, error) {
	if cfg.UseMemory {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, fmt.Errorf("cache: start embedded redis: %w", err)
		}
		return &Client{rdb: redis.NewClient(&redis.Options{Addr: mr.Addr()}), mini: mr}, nil
	}
	return &Client{rdb: redis.NewClient(&redis.Options{Addr: cfg.Addr})}, nil
}

// Incr atomically increments key and (re)sets its expiry. No rate limiter
// is built on it: the token bucket runs on the store behind Raw, and there
// is no sliding-window limiter.
func (c *Client) Incr(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("cache: incr %s: %w", key, err)
	}
	return incr.Val(), nil
}

// Get returns (value, true, nil) when key is present, ("", false, nil) on a
// cache miss.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	return val, true, nil
}

// Set writes key with the given expiry (zero means no expiry).
func (c *Client) Set(ctx context.Context, key, value string, expiry time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, expiry).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// Close releases the Redis connection pool and, for the embedded backend,
// stops the in-process server.
func (c *Client) Close() error {
	err := c.rdb.Close()
	if c.mini != nil {
		c.mini.Close()
	}
	return err
}

// Raw exposes the underlying go-redis client for collaborators that need
// the native client rather than the narrower CacheClient boundary — the
// rate limiter's redis-backed store (internal/ratelimit) is the only one.
func (c *Client) Raw() *redis.Client { return c.rdb }
