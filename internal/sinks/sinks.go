// Package sinks is the Memory/Notification Sinks component (C13): the
// fire-and-forget post-run work a Background Driver triggers after releasing
// a run's ownership — memory extraction, completion/failure notification,
// and the account-scoped cache invalidations the run's activity requires.
// Every sink enqueues a Job and returns immediately; a worker pool drains
// the queue so a slow notification provider never holds up the driver that
// triggered it.
package sinks

import (
	"context"
	"sync"
	"time"

	"github.com/example/runengine/internal/cache"
	"github.com/example/runengine/internal/coordinator"
	"github.com/example/runengine/internal/logging"
)

// Kind discriminates the fire-and-forget work a Dispatcher runs.
type Kind string

const (
	KindMemoryExtraction  Kind = "memory_extraction"
	KindNotification      Kind = "notification"
	KindCacheInvalidation Kind = "cache_invalidation"
)

// Status tracks a Job's lifecycle for diagnostics; sinks never block the
// driver on completion, so Status is observational only.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Job is one queued unit of fire-and-forget work.
type Job struct {
	ID         string
	Kind       Kind
	RunID      string
	AccountID  string
	Status     Status
	CreatedAt  time.Time
	FinishedAt time.Time
	Error      string
}

// Notifier delivers a run-completion/failure notification to whatever
// downstream channel an account is configured for (email, webhook, push).
// Left as a narrow interface so tests and alternate deployments can swap it
// without pulling in a concrete transport.
type Notifier interface {
	NotifyRunFinished(ctx context.Context, accountID string, outcome coordinator.Outcome) error
}

// MemoryExtractor turns a finished run's transcript into longer-lived
// memory records. Narrow for the same reason as Notifier.
type MemoryExtractor interface {
	ExtractMemories(ctx context.Context, runID, threadID string) error
}

// Config bounds the Dispatcher's worker pool and job retention.
type Config struct {
	Workers   int
	QueueSize int
}

// DefaultConfig matches a modest fixed worker pool — fire-and-forget sinks
// are not on any request's latency path, so a small pool is enough to keep
// up without competing with the run-driving goroutines for CPU.
func DefaultConfig() Config {
	return Config{Workers: 4, QueueSize: 1000}
}

// Dispatcher is the Sinks implementation the Background Driver depends on.
// It owns a bounded job queue drained by a fixed worker pool; a full queue
// drops the job rather than blocking the driver, logging the drop so it is
// at least observable.
type Dispatcher struct {
	cfg       Config
	notifier  Notifier
	extractor MemoryExtractor
	cache     *cache.Cache
	log       *logging.Logger

	queue chan func(ctx context.Context)

	mu      sync.Mutex
	history []*Job
	stop    chan struct{}
	done    chan struct{}
}

// New builds a Dispatcher and starts its worker pool. Call Stop to drain and
// shut the pool down (e.g. at process exit, not per-run).
func New(cfg Config, notifier Notifier, extractor MemoryExtractor, c *cache.Cache, log *logging.Logger) *Dispatcher {
	if cfg.Workers <= 0 || cfg.QueueSize <= 0 {
		cfg = DefaultConfig()
	}
	d := &Dispatcher{
		cfg:       cfg,
		notifier:  notifier,
		extractor: extractor,
		cache:     c,
		log:       log,
		queue:     make(chan func(ctx context.Context), cfg.QueueSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}, cfg.Workers),
	}
	for i := 0; i < cfg.Workers; i++ {
		go d.worker()
	}
	return d
}

func (d *Dispatcher) worker() {
	defer func() { d.done <- struct{}{} }()
	for {
		select {
		case <-d.stop:
			return
		case task := <-d.queue:
			task(context.Background())
		}
	}
}

// Stop signals every worker to exit once its current task finishes and
// waits for them to drain; queued-but-not-yet-started tasks are dropped.
func (d *Dispatcher) Stop() {
	close(d.stop)
	for i := 0; i < d.cfg.Workers; i++ {
		<-d.done
	}
}

func (d *Dispatcher) enqueue(kind Kind, runID, accountID string, task func(ctx context.Context) error) {
	job := &Job{ID: runID + ":" + string(kind), Kind: kind, RunID: runID, AccountID: accountID, Status: StatusQueued, CreatedAt: time.Now().UTC()}
	d.record(job)

	setStatus := func(status Status, errMsg string) {
		d.mu.Lock()
		job.Status = status
		job.Error = errMsg
		job.FinishedAt = time.Now().UTC()
		d.mu.Unlock()
	}

	wrapped := func(ctx context.Context) {
		if err := task(ctx); err != nil {
			setStatus(StatusFailed, err.Error())
			d.log.Warn(ctx, "sink job failed", "kind", kind, "run_id", runID, "error", err)
			return
		}
		setStatus(StatusSucceeded, "")
	}

	select {
	case d.queue <- wrapped:
	default:
		d.log.Warn(context.Background(), "sink queue full, dropping job", "kind", kind, "run_id", runID)
		job.Status = StatusFailed
		job.Error = "queue full"
	}
}

func (d *Dispatcher) record(job *Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, job)
	if len(d.history) > 10000 {
		d.history = d.history[len(d.history)-10000:]
	}
}

// History returns a snapshot of recently enqueued jobs, most recent last;
// for diagnostics/testing, not a durable record.
func (d *Dispatcher) History() []*Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Job, len(d.history))
	copy(out, d.history)
	return out
}

// ExtractMemories enqueues transcript-to-memory extraction for a finished run.
func (d *Dispatcher) ExtractMemories(ctx context.Context, runID, threadID string) {
	d.enqueue(KindMemoryExtraction, runID, "", func(ctx context.Context) error {
		return d.extractor.ExtractMemories(ctx, runID, threadID)
	})
}

// NotifyRunFinished enqueues a completion/failure notification for accountID.
func (d *Dispatcher) NotifyRunFinished(ctx context.Context, runID, accountID string, outcome coordinator.Outcome) {
	d.enqueue(KindNotification, runID, accountID, func(ctx context.Context) error {
		return d.notifier.NotifyRunFinished(ctx, accountID, outcome)
	})
}

// InvalidateAccountState enqueues the account-scoped cache invalidations a
// finished run requires: the running-runs count and any cached account tier
// state, both of which may have changed as a side effect of this run.
func (d *Dispatcher) InvalidateAccountState(ctx context.Context, accountID string) {
	d.enqueue(KindCacheInvalidation, "", accountID, func(ctx context.Context) error {
		if err := d.cache.Invalidate(ctx, cache.ClassRunningRuns, accountID); err != nil {
			return err
		}
		return d.cache.Invalidate(ctx, cache.ClassTierInfo, accountID)
	})
}
