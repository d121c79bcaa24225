// Package redisx is the Key-Value/Stream Service (C1): a thin wrapper over
// go-redis exposing the get/set/incr, stream append/range, and pub/sub
// primitives every other component builds on, with client-side deadlines and
// transient-error retry.
package redisx

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/runengine/internal/retry"
)

// Client wraps a go-redis client with the operation timeout and retry policy
// shared across the subsystem.
type Client struct {
	rdb        *redis.Client
	opTimeout  time.Duration
	retryCfg   retry.Config
}

// Config configures the Key-Value/Stream Service client.
type Config struct {
	Addr         string
	Password     string
	DB           int
	OpTimeout    time.Duration
	StreamMaxLen int64
	StreamTTL    time.Duration
}

// New dials Redis and returns a ready Client. It does not block on a PING;
// callers that need a liveness check should call Ping explicitly.
func New(cfg Config) *Client {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 2 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Client{
		rdb:       rdb,
		opTimeout: cfg.OpTimeout,
		retryCfg: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 20 * time.Millisecond,
			MaxDelay:     500 * time.Millisecond,
			Factor:       2.0,
			Jitter:       true,
		},
	}
}

// Ping verifies connectivity.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// withDeadline bounds a single logical operation and retries transient
// network/timeout errors per the configured retry policy.
func (c *Client) withDeadline(ctx context.Context, op func(context.Context) error) error {
	result := retry.Do(ctx, c.retryCfg, func() error {
		opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
		defer cancel()
		err := op(opCtx)
		if err != nil && isTransient(err) {
			return err
		}
		if err != nil {
			return retry.Permanent(err)
		}
		return nil
	})
	return result.Err
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.ErrClosed) {
		return true
	}
	return !errors.Is(err, redis.Nil)
}

// Get returns a key's value. Returns redis.Nil (via errors.Is) when absent.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := c.withDeadline(ctx, func(ctx context.Context) error {
		v, err := c.rdb.Get(ctx, key).Result()
		val = v
		return err
	})
	return val, err
}

// Set writes a key with an optional TTL (0 means no expiry).
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.withDeadline(ctx, func(ctx context.Context) error {
		return c.rdb.Set(ctx, key, value, ttl).Err()
	})
}

// Incr atomically increments a counter key and returns its new value.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.withDeadline(ctx, func(ctx context.Context) error {
		v, err := c.rdb.Incr(ctx, key).Result()
		n = v
		return err
	})
	return n, err
}

// Expire sets a TTL on an existing key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.withDeadline(ctx, func(ctx context.Context) error {
		return c.rdb.Expire(ctx, key, ttl).Err()
	})
}

// Del removes one or more keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.withDeadline(ctx, func(ctx context.Context) error {
		return c.rdb.Del(ctx, keys...).Err()
	})
}

// raw exposes the underlying go-redis client for operations (Lua scripts,
// pub/sub, streams) that need it directly; callers in this module only.
func (c *Client) raw() *redis.Client { return c.rdb }
