// Package ownership is the Ownership & Lifecycle component (C6): it claims a
// run for this process instance, heartbeats the claim on a fixed cadence so
// a crashed owner's runs become reclaimable via TTL expiry, and releases the
// claim on completion.
package ownership

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/runengine/internal/lock"
	"github.com/example/runengine/pkg/runmodel"
)

// Event describes a lifecycle transition for logging/metrics hooks.
type Event struct {
	Type  string // "claimed", "took-over", "heartbeat", "lost", "released"
	RunID string
	Time  time.Time
}

// EventFunc receives ownership lifecycle events.
type EventFunc func(Event)

// HeartbeatChecker reports whether the heartbeat marker proving a specific
// instance is still actively driving a run is still present — the first of
// the two take-over signals the run ownership design calls for.
type HeartbeatChecker interface {
	Get(ctx context.Context, key string) (string, error)
}

// RunStatusChecker is the read side of a run's durable status — the second
// take-over signal. A dead heartbeat plus a non-running DB status is what
// confirms a prior owner is actually dead rather than merely slow to renew.
type RunStatusChecker interface {
	GetRun(ctx context.Context, id string) (*runmodel.AgentRun, error)
}

// Manager claims and renews run ownership leases. It wraps a lock.Manager
// scoped to the "run-owner:<run_id>" namespace.
type Manager struct {
	locks   *lock.Manager
	redis   HeartbeatChecker
	runs    RunStatusChecker
	ownerID string // this process instance's identity
	onEvent EventFunc

	mu       sync.Mutex
	released map[string]func()
	shutdown bool
}

// New builds a Manager. ownerID should be stable for the process's lifetime
// (e.g. hostname+pid) so a restarted process doesn't contend with its own
// stale leases. redis and runs back the stale-lock take-over check: when a
// Claim meets contention, it consults redis for the prior holder's heartbeat
// marker and runs for the run's DB status before deciding whether to take
// the lock over.
func New(locks *lock.Manager, redis HeartbeatChecker, runs RunStatusChecker, ownerID string, onEvent EventFunc) *Manager {
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	return &Manager{locks: locks, redis: redis, runs: runs, ownerID: ownerID, onEvent: onEvent, released: make(map[string]func())}
}

func keyFor(runID string) string { return "run-owner:" + runID }

func heartbeatKey(instanceID, runID string) string {
	return "active_run:" + instanceID + ":" + runID
}

// Claim attempts to take ownership of a run. Returns false if another
// process instance already owns it and is still alive (contention, not an
// error). On contention it first tries the stale-lock take-over check
// before yielding — see tryTakeOver. Refuses new claims once Shutdown has
// been called so an instance draining for shutdown never picks up new work.
func (m *Manager) Claim(ctx context.Context, runID string) (bool, error) {
	m.mu.Lock()
	shuttingDown := m.shutdown
	m.mu.Unlock()
	if shuttingDown {
		return false, nil
	}

	release, ok, err := m.locks.Acquire(ctx, keyFor(runID), m.ownerID, false, 0)
	if err != nil {
		return false, err
	}
	if !ok {
		release, ok, err = m.tryTakeOver(ctx, runID)
		if err != nil || !ok {
			return false, err
		}
	}

	m.mu.Lock()
	m.released[runID] = release
	m.mu.Unlock()

	m.onEvent(Event{Type: "claimed", RunID: runID, Time: time.Now()})
	return true, nil
}

// tryTakeOver implements the run ownership take-over check: when a worker
// loses the plain acquire, it consults the prior holder's heartbeat key (a)
// and the run's DB status (b). Only when both indicate the prior owner is
// dead — no heartbeat AND status != running — does it delete the stale lock
// and re-acquire it; otherwise it yields (skip-duplicate).
func (m *Manager) tryTakeOver(ctx context.Context, runID string) (func(), bool, error) {
	holder, held, err := m.locks.Peek(ctx, keyFor(runID))
	if err != nil {
		return func() {}, false, err
	}
	if !held {
		// The lock vanished between the failed acquire and this check; a
		// plain retry is simpler than a take-over with no one to take from.
		return m.locks.Acquire(ctx, keyFor(runID), m.ownerID, false, 0)
	}

	alive, err := m.heartbeatAlive(ctx, holder, runID)
	if err != nil {
		return func() {}, false, err
	}
	if alive {
		return func() {}, false, nil
	}

	run, err := m.runs.GetRun(ctx, runID)
	if err != nil {
		return func() {}, false, err
	}
	if run.Status == runmodel.StatusRunning {
		return func() {}, false, nil
	}

	release, ok, err := m.locks.TakeOver(ctx, keyFor(runID), m.ownerID)
	if err != nil || !ok {
		return func() {}, ok, err
	}
	m.onEvent(Event{Type: "took-over", RunID: runID, Time: time.Now()})
	return release, true, nil
}

func (m *Manager) heartbeatAlive(ctx context.Context, holderInstanceID, runID string) (bool, error) {
	_, err := m.redis.Get(ctx, heartbeatKey(holderInstanceID, runID))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Release gives up ownership of a run, e.g. once it reaches a terminal status.
func (m *Manager) Release(runID string) {
	m.mu.Lock()
	release, ok := m.released[runID]
	if ok {
		delete(m.released, runID)
	}
	m.mu.Unlock()
	if ok {
		release()
		m.onEvent(Event{Type: "released", RunID: runID, Time: time.Now()})
	}
}

// Shutdown marks this instance as draining: no further Claim calls succeed,
// but leases already held keep renewing until Release is called for each, so
// in-flight runs finish cleanly rather than being abandoned mid-step.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()
}

// IsShuttingDown reports whether this instance has stopped accepting new work.
func (m *Manager) IsShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// ActiveRunCount returns how many runs this instance currently owns, used by
// a supervisor to decide when a drain is complete.
func (m *Manager) ActiveRunCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.released)
}

// WaitDrain blocks until every owned run has been released or ctx is done.
func (m *Manager) WaitDrain(ctx context.Context, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if m.ActiveRunCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
