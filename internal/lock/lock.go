// Package lock is the Distributed Lock & Idempotency component (C4): a
// Redis-backed named mutex with holder-id+TTL leases and lease renewal,
// plus the idempotency/dedup gates used for webhooks and billing renewals.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/runengine/internal/redisx"
)

// ErrNotHeld is returned when a renew/release targets a lock this holder no
// longer (or never did) hold.
var ErrNotHeld = errors.New("lock: not held by this holder")

// pollInterval is the wait-mode polling cadence the named mutex's
// acquire(key, timeout_s, wait, wait_timeout) signature calls for.
const pollInterval = 500 * time.Millisecond

// DefaultWaitTimeout applies when a caller requests wait=true without
// giving its own wait_timeout.
const DefaultWaitTimeout = 30 * time.Second

// Config configures lease TTL and renewal cadence. Renewal interval must
// stay well under TTL so a slow renewal doesn't race expiry.
type Config struct {
	TTL             time.Duration
	RenewalInterval time.Duration
}

// DefaultConfig returns a 30s TTL renewed every 10s, matching the run
// ownership lease used by the Coordinator's heartbeat.
func DefaultConfig() Config {
	return Config{TTL: 30 * time.Second, RenewalInterval: 10 * time.Second}
}

func keyFor(name string) string { return fmt.Sprintf("lock:%s", name) }

// Manager grants and renews named locks backed by redisx's Lua-scripted
// SET-NX-with-TTL / compare-and-delete primitives.
type Manager struct {
	client *redisx.Client
	cfg    Config

	mu     sync.Mutex
	renews map[string]context.CancelFunc
}

// New builds a Manager.
func New(client *redisx.Client, cfg Config) *Manager {
	if cfg.TTL <= 0 {
		cfg = DefaultConfig()
	}
	return &Manager{client: client, cfg: cfg, renews: make(map[string]context.CancelFunc)}
}

// Acquire attempts to take the named lock for holder, starting a background
// renewal goroutine on success. When wait is true and the lock is held by
// someone else, Acquire polls at pollInterval until it either acquires the
// lock or waitTimeout elapses (defaulting to DefaultWaitTimeout when
// waitTimeout <= 0), rather than failing immediately. The returned release
// func stops renewal and deletes the lock if still held by this holder.
func (m *Manager) Acquire(ctx context.Context, name, holder string, wait bool, waitTimeout time.Duration) (release func(), ok bool, err error) {
	ok, err = m.client.TryAcquireLock(ctx, keyFor(name), holder, m.cfg.TTL.Milliseconds())
	if err != nil {
		return func() {}, false, err
	}
	if ok {
		m.startRenew(name, holder)
		return func() { m.Release(context.Background(), name, holder) }, true, nil
	}
	if !wait {
		return func() {}, false, nil
	}
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}

	deadline := time.Now().Add(waitTimeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return func() {}, false, ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return func() {}, false, nil
			}
			ok, err = m.client.TryAcquireLock(ctx, keyFor(name), holder, m.cfg.TTL.Milliseconds())
			if err != nil {
				return func() {}, false, err
			}
			if ok {
				m.startRenew(name, holder)
				return func() { m.Release(context.Background(), name, holder) }, true, nil
			}
		}
	}
}

// Peek returns the current holder of name without attempting to acquire it;
// ok is false if the lock is unheld. Used by take-over logic layered above
// the plain lock (ownership's stale-lock check) to inspect who holds it.
func (m *Manager) Peek(ctx context.Context, name string) (holder string, ok bool, err error) {
	holder, err = m.client.Get(ctx, keyFor(name))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return holder, true, nil
}

// TakeOver unconditionally deletes name's current lock and re-acquires it
// for holder. Callers must independently confirm the prior holder is dead
// before calling this — TakeOver does not re-check staleness itself.
func (m *Manager) TakeOver(ctx context.Context, name, holder string) (release func(), ok bool, err error) {
	if err := m.client.Del(ctx, keyFor(name)); err != nil {
		return func() {}, false, err
	}
	ok, err = m.client.TryAcquireLock(ctx, keyFor(name), holder, m.cfg.TTL.Milliseconds())
	if err != nil || !ok {
		return func() {}, ok, err
	}
	m.startRenew(name, holder)
	return func() { m.Release(context.Background(), name, holder) }, true, nil
}

// Release stops renewal and deletes the lock if still held by holder.
func (m *Manager) Release(ctx context.Context, name, holder string) {
	m.stopRenew(name)
	_, _ = m.client.ReleaseLock(ctx, keyFor(name), holder)
}

func (m *Manager) startRenew(name, holder string) {
	m.mu.Lock()
	if _, exists := m.renews[name]; exists {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.renews[name] = cancel
	m.mu.Unlock()

	go m.renewLoop(ctx, name, holder)
}

func (m *Manager) stopRenew(name string) {
	m.mu.Lock()
	cancel, ok := m.renews[name]
	if ok {
		delete(m.renews, name)
	}
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

func (m *Manager) renewLoop(ctx context.Context, name, holder string) {
	ticker := time.NewTicker(m.cfg.RenewalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := m.client.TryAcquireLock(ctx, keyFor(name), holder, m.cfg.TTL.Milliseconds())
			if err != nil || !ok {
				m.stopRenew(name)
				return
			}
		}
	}
}
