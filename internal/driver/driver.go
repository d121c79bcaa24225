package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/runengine/internal/cache"
	"github.com/example/runengine/internal/coordinator"
	"github.com/example/runengine/internal/llmexec"
	"github.com/example/runengine/internal/logging"
	"github.com/example/runengine/internal/metrics"
	"github.com/example/runengine/internal/redisx"
	"github.com/example/runengine/internal/respproc"
	"github.com/example/runengine/internal/writebuffer"
	"github.com/example/runengine/pkg/runmodel"
)

// Sinks is the subset of fire-and-forget post-run work (C13) the driver
// triggers once a run has released ownership. Implementations must not
// block the caller on external I/O beyond enqueueing the work.
type Sinks interface {
	ExtractMemories(ctx context.Context, runID, threadID string)
	NotifyRunFinished(ctx context.Context, runID, accountID string, outcome coordinator.Outcome)
	InvalidateAccountState(ctx context.Context, accountID string)
}

// Coordinator is the subset of the Coordinator a Driver needs, narrowed to
// an interface so tests can substitute a fake rather than standing up a
// full Coordinator with all of its own store/cache/ownership dependencies.
type Coordinator interface {
	Run(ctx context.Context, runID string, sink respproc.Sink, cancelled func() bool) *coordinator.Outcome
}

// Deps collects the process-wide collaborators a Driver needs. One Deps (and
// one Driver) is built per process at startup — this construction is the
// "init once per process" step named in the Background Driver's design:
// the Redis connection, database pool (via coordinator's Store), tool
// registry, and model registry are all expected to already be warmed by the
// time New is called.
type Deps struct {
	Redis         *redisx.Client
	Coordinator   Coordinator
	WriteBuffer   *writebuffer.Buffer
	Cache         *cache.Cache
	ModelRegistry *llmexec.Registry
	Sinks         Sinks
	Metrics       *metrics.Metrics
	Logger        *logging.Logger
}

// Driver is the Background Driver (C12): the per-job entry point that wires
// a claimed run's event stream to Redis and fans its terminal status out to
// control subscribers and fire-and-forget sinks. It does not itself claim
// run ownership or load agent config — both happen inside the Coordinator it
// drives, which already owns that lifecycle end to end.
type Driver struct {
	cfg  Config
	deps Deps
}

// New builds a Driver over deps, filling any zero-valued Config field from
// DefaultConfig.
func New(cfg Config, deps Deps) *Driver {
	d := DefaultConfig()
	if cfg.StreamMaxLen > 0 {
		d.StreamMaxLen = cfg.StreamMaxLen
	}
	if cfg.StreamTTLAfterCompletion > 0 {
		d.StreamTTLAfterCompletion = cfg.StreamTTLAfterCompletion
	}
	if cfg.ActiveRunTTL > 0 {
		d.ActiveRunTTL = cfg.ActiveRunTTL
	}
	if cfg.RefreshEveryEvents > 0 {
		d.RefreshEveryEvents = cfg.RefreshEveryEvents
	}
	if cfg.MaxPendingRedisOps > 0 {
		d.MaxPendingRedisOps = cfg.MaxPendingRedisOps
	}
	return &Driver{cfg: d, deps: deps}
}

// JobRequest is the single public entry point's parameter set: everything a
// process needs to drive one run without any further lookup besides what the
// Coordinator itself fetches from the store.
type JobRequest struct {
	RunID      string
	ThreadID   string
	InstanceID string
	ProjectID  string
	Model      string
	AgentID    string
	AccountID  string
	RequestID  string
}

// RunJob drives one run end to end: resolves its model, prepares Redis keys
// and control subscriptions, drives the Coordinator, and signals a terminal
// control message plus fire-and-forget sinks before returning. It returns an
// error only for setup failures that prevented the run from starting at
// all — a run that starts and then fails is reported via the terminal
// control signal and the Coordinator's own store write, not a Go error.
func (d *Driver) RunJob(ctx context.Context, req JobRequest) error {
	log := d.deps.Logger
	ctx = logging.WithRunID(ctx, req.RunID)
	ctx = logging.WithThreadID(ctx, req.ThreadID)
	ctx = logging.WithAccountID(ctx, req.AccountID)

	if _, err := resolveModel(d.deps.ModelRegistry, req.Model); err != nil {
		log.Error(ctx, "model resolution failed", "model", req.Model, "error", err)
		return fmt.Errorf("driver: resolve model: %w", err)
	}

	d.verifyStreamWritable(ctx, req.RunID)

	activeKey := activeRunKey(req.InstanceID, req.RunID)
	if err := d.deps.Redis.Set(ctx, activeKey, req.RequestID, d.cfg.ActiveRunTTL); err != nil {
		return fmt.Errorf("driver: set active run marker: %w", err)
	}

	sup := startControlSupervisor(ctx, d.deps.Redis, log,
		[]string{instanceControlChannel(req.InstanceID), runControlChannel(req.RunID)},
		activeKey, d.cfg.ActiveRunTTL, d.cfg.RefreshEveryEvents)
	defer sup.Stop()

	sink := newEventSink(d.deps.Redis, d.deps.WriteBuffer, d.deps.Metrics, log, req.RunID, req.ThreadID, d.cfg.StreamMaxLen, d.cfg.MaxPendingRedisOps)
	defer sink.Close()

	outcome := d.deps.Coordinator.Run(ctx, req.RunID, sink, sup.Cancelled)

	d.finalize(ctx, req, activeKey, outcome)
	return nil
}

// verifyStreamWritable probes the run's stream key; failure is logged and
// otherwise ignored, per the non-fatal warning the design calls for.
func (d *Driver) verifyStreamWritable(ctx context.Context, runID string) {
	if _, err := d.deps.Redis.XLen(ctx, streamKey(runID)); err != nil {
		d.deps.Logger.Warn(ctx, "stream writability check failed", "run_id", runID, "error", err)
	}
}

// terminalSignal maps a run's final status to the single control signal the
// design calls for on the global/run control channel. ok is false for a
// StatusQueued outcome (the run was skipped, not driven, so no signal fires)
// or any other non-terminal status.
func terminalSignal(status runmodel.Status) (signal string, ok bool) {
	switch status {
	case runmodel.StatusCompleted:
		return "END_STREAM", true
	case runmodel.StatusFailed:
		return "ERROR", true
	case runmodel.StatusStopped, runmodel.StatusTimedOut:
		return "STOP", true
	default:
		return "", false
	}
}

// finalize publishes the terminal control signal, sets the stream's
// post-completion TTL, deletes the active-run marker, and fires the
// fire-and-forget sinks. A run already owned by another process comes back
// as Queued, and a run that was not in queued status comes back with its
// stored status; when that status is not terminal, only the active-run
// marker is deleted and no terminal signal or sinks fire.
func (d *Driver) finalize(ctx context.Context, req JobRequest, activeKey string, outcome *coordinator.Outcome) {
	log := d.deps.Logger

	signal, ok := terminalSignal(outcome.Status)
	if !ok {
		log.Info(ctx, "run skipped, no terminal signal sent", "run_id", req.RunID, "status", outcome.Status, "message", outcome.Message)
		if err := d.deps.Redis.Del(ctx, activeKey); err != nil {
			log.Warn(ctx, "failed to delete active run marker", "run_id", req.RunID, "error", err)
		}
		return
	}

	sig := runmodel.ControlSignal{Type: runmodel.ControlSignalType(signal), RunID: req.RunID, IssuedAt: time.Now().UTC()}
	if err := d.publishControl(ctx, runControlChannel(req.RunID), sig); err != nil {
		log.Warn(ctx, "failed to publish terminal control signal", "run_id", req.RunID, "error", err)
	}

	if err := d.deps.Redis.Expire(ctx, streamKey(req.RunID), d.cfg.StreamTTLAfterCompletion); err != nil {
		log.Warn(ctx, "failed to set stream ttl", "run_id", req.RunID, "error", err)
	}
	if err := d.deps.Redis.Del(ctx, activeKey); err != nil {
		log.Warn(ctx, "failed to delete active run marker", "run_id", req.RunID, "error", err)
	}

	if err := d.deps.Cache.Invalidate(ctx, cache.ClassRunningRuns, req.AccountID); err != nil {
		log.Warn(ctx, "failed to invalidate running runs cache", "account_id", req.AccountID, "error", err)
	}

	d.deps.Sinks.ExtractMemories(ctx, req.RunID, req.ThreadID)
	d.deps.Sinks.NotifyRunFinished(ctx, req.RunID, req.AccountID, *outcome)
	d.deps.Sinks.InvalidateAccountState(ctx, req.AccountID)
}

func (d *Driver) publishControl(ctx context.Context, channel string, sig runmodel.ControlSignal) error {
	body, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	return d.deps.Redis.Publish(ctx, channel, string(body))
}

// resolveModel maps a bare model id, supplied without a provider qualifier,
// to the provider that advertises it — the provider-agnostic id resolution
// the design calls for ahead of a run's first completion call.
func resolveModel(registry *llmexec.Registry, modelID string) (string, error) {
	for _, name := range registry.Names() {
		p, _, err := registry.Resolve(name, modelID)
		if err != nil {
			continue
		}
		for _, m := range p.Models() {
			if m.ID == modelID {
				return name, nil
			}
		}
	}
	return "", fmt.Errorf("no provider advertises model %q", modelID)
}
