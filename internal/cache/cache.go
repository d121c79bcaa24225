// Package cache is the Cache Layer (C3): a set of typed, Redis-backed caches
// with per-key-class TTLs for data that is expensive to recompute but safe
// to serve slightly stale.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/runengine/internal/redisx"
)

// ErrMiss is returned by Get when a key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Class names the cached value kinds, each with its own TTL per spec §4.3.
type Class string

const (
	ClassAgentConfig    Class = "agent_config"
	ClassAgentMCPs      Class = "agent_mcps"
	ClassAgentType      Class = "agent_type"
	ClassProjectMeta    Class = "project_meta"
	ClassRunningRuns    Class = "running_runs"
	ClassThreadCount    Class = "thread_count"
	ClassKBContext      Class = "kb_context"
	ClassUserContext    Class = "user_context"
	ClassMessageHistory Class = "message_history"
	ClassTierInfo       Class = "tier_info"
)

// DefaultTTLs mirrors the per-class retention table from the cache layer spec.
var DefaultTTLs = map[Class]time.Duration{
	ClassAgentConfig:    time.Hour,
	ClassAgentMCPs:      time.Hour,
	ClassAgentType:      time.Hour,
	ClassProjectMeta:    5 * time.Minute,
	ClassRunningRuns:    5 * time.Second,
	ClassThreadCount:    5 * time.Minute,
	ClassKBContext:      5 * time.Minute,
	ClassUserContext:    15 * time.Minute,
	ClassMessageHistory: time.Minute,
	ClassTierInfo:       10 * time.Minute,
}

// Cache reads/writes JSON-encoded values namespaced by Class and key.
type Cache struct {
	client *redisx.Client
	ttls   map[Class]time.Duration
}

// New builds a Cache using the default per-class TTL table, overridable by ttls.
func New(client *redisx.Client, ttls map[Class]time.Duration) *Cache {
	merged := make(map[Class]time.Duration, len(DefaultTTLs))
	for k, v := range DefaultTTLs {
		merged[k] = v
	}
	for k, v := range ttls {
		merged[k] = v
	}
	return &Cache{client: client, ttls: merged}
}

func namespacedKey(class Class, key string) string {
	return fmt.Sprintf("cache:%s:%s", class, key)
}

// Get deserializes the cached value for class/key into dest, returning ErrMiss if absent.
func (c *Cache) Get(ctx context.Context, class Class, key string, dest any) error {
	raw, err := c.client.Get(ctx, namespacedKey(class, key))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrMiss
		}
		return err
	}
	return json.Unmarshal([]byte(raw), dest)
}

// Set serializes value and stores it under class/key with that class's TTL.
func (c *Cache) Set(ctx context.Context, class Class, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal %s/%s: %w", class, key, err)
	}
	ttl := c.ttls[class]
	return c.client.Set(ctx, namespacedKey(class, key), string(data), ttl)
}

// Invalidate removes a cached value ahead of its natural TTL expiry — used
// after a write that makes the cached value stale (e.g. agent config edit).
func (c *Cache) Invalidate(ctx context.Context, class Class, key string) error {
	return c.client.Del(ctx, namespacedKey(class, key))
}
