// Package coordinator is the Coordinator (C11): the per-run state machine
// that drives a claimed run from INIT through its steps to a terminal
// status, one LLM call and (optionally) one round of tool execution at a
// time. It owns none of its collaborators' lifecycles — the Background
// Driver constructs and injects them — and it never talks to Redis or
// Postgres directly outside the interfaces given to it.
package coordinator

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/example/runengine/internal/cache"
	"github.com/example/runengine/internal/llmexec"
	"github.com/example/runengine/internal/logging"
	"github.com/example/runengine/internal/metrics"
	"github.com/example/runengine/internal/respproc"
	"github.com/example/runengine/internal/runstate"
	"github.com/example/runengine/internal/tracing"
	"github.com/example/runengine/internal/toolinvoke"
	"github.com/example/runengine/internal/writebuffer"
	"github.com/example/runengine/pkg/runmodel"
)

// Config bounds one run's step loop.
type Config struct {
	MaxSteps         int
	MaxAutoContinues int
}

// DefaultConfig matches the hard caps named in the coordinator algorithm.
func DefaultConfig() Config {
	return Config{MaxSteps: 100, MaxAutoContinues: 25}
}

// tokensPerStepEstimate is the best-effort reservation charged against an
// account's balance before a step's LLM call goes out. The reservation is
// not adjusted afterwards: the step outcome carries no provider usage, and
// RecordStep is called with zero input and output token counts.
const tokensPerStepEstimate = 2000

// RunStore is the subset of the relational store a Coordinator needs,
// narrowed to an interface so tests can substitute a fake instead of
// standing up Postgres, matching the idempotency gates' own pattern of
// narrow store-facing interfaces.
type RunStore interface {
	GetRun(ctx context.Context, id string) (*runmodel.AgentRun, error)
	MarkClaimed(ctx context.Context, runID string, claimedAt sql.NullTime) (bool, error)
	GetAgent(ctx context.Context, id string) (*runmodel.Agent, error)
	MessagePage(ctx context.Context, threadID string, limit, offset int) ([]runmodel.Message, error)
	ReserveCredits(ctx context.Context, accountID string, amount int64) (bool, error)
	AppendLedgerEntry(ctx context.Context, entryID, accountID string, delta int64, reason string) error
	RecordStep(ctx context.Context, runID string, inputTokens, outputTokens int64, autoContinued bool) error
	Finish(ctx context.Context, runID string, status runmodel.Status, code runmodel.ErrorCode, message string) error
}

// RunCache is the subset of the cache layer used for agent config lookups.
type RunCache interface {
	Get(ctx context.Context, class cache.Class, key string, dest any) error
	Set(ctx context.Context, class cache.Class, key string, value any) error
}

// RunOwnership is the subset of the ownership manager a Coordinator needs.
type RunOwnership interface {
	Claim(ctx context.Context, runID string) (bool, error)
	Release(runID string)
}

// StepIdempotency is the subset of the step idempotency gate a Coordinator needs.
type StepIdempotency interface {
	Claim(ctx context.Context, runID string, stepIndex int, kind string) (bool, error)
}

// Completer is the subset of the LLM executor orchestrator a Coordinator needs.
type Completer interface {
	Complete(ctx context.Context, req *llmexec.CompletionRequest) (<-chan *llmexec.CompletionChunk, error)
}

// Deps collects every collaborator a Coordinator needs. All fields are
// required; Background Driver builds one Deps per process and shares it
// across the runs that process claims.
type Deps struct {
	Store        RunStore
	Cache        RunCache
	Ownership    RunOwnership
	StepGate     StepIdempotency
	States       *runstate.Store
	Packer       *runstate.Packer
	Orchestrator Completer
	Tools        *toolinvoke.Registry
	Invoker      *toolinvoke.Invoker
	WriteBuffer  *writebuffer.Buffer
	Metrics      *metrics.Metrics
	Logger       *logging.Logger
	Tracer       *tracing.Tracer
}

// Coordinator drives one run at a time through Run; callers invoke Run
// concurrently, once per claimed run, from the Background Driver's worker
// pool.
type Coordinator struct {
	cfg  Config
	deps Deps
}

// New builds a Coordinator, filling any zero-valued Config field from
// DefaultConfig.
func New(cfg Config, deps Deps) *Coordinator {
	d := DefaultConfig()
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = d.MaxSteps
	}
	if cfg.MaxAutoContinues <= 0 {
		cfg.MaxAutoContinues = d.MaxAutoContinues
	}
	return &Coordinator{cfg: cfg, deps: deps}
}

// Outcome is what Run reports back to the Background Driver once a run has
// left the step loop, whatever the reason.
type Outcome struct {
	Status  runmodel.Status
	Code    runmodel.ErrorCode
	Message string
}

// Run claims runID, drives its step loop against sink, and leaves the run in
// a terminal status before returning. cancelled is polled once per step —
// the Background Driver's control-channel supervisor is expected to flip it
// on STOP.
func (c *Coordinator) Run(ctx context.Context, runID string, sink respproc.Sink, cancelled func() bool) *Outcome {
	log := c.deps.Logger
	claimed, err := c.deps.Ownership.Claim(ctx, runID)
	if err != nil {
		log.Error(ctx, "ownership claim failed", "run_id", runID, "error", err)
		return &Outcome{Status: runmodel.StatusFailed, Code: runmodel.ErrTransientIO, Message: err.Error()}
	}
	if !claimed {
		log.Info(ctx, "run already owned, skipping", "run_id", runID)
		return &Outcome{Status: runmodel.StatusQueued, Message: "skipped: already claimed"}
	}
	defer c.deps.Ownership.Release(runID)

	run, err := c.deps.Store.GetRun(ctx, runID)
	if err != nil {
		return c.fail(ctx, runID, "", runmodel.ErrValidation, fmt.Sprintf("load run: %v", err))
	}

	if ok, err := c.deps.Store.MarkClaimed(ctx, runID, sql.NullTime{Time: time.Now().UTC(), Valid: true}); err != nil || !ok {
		if err != nil {
			return c.fail(ctx, runID, run.ThreadID, runmodel.ErrTransientIO, fmt.Sprintf("mark claimed: %v", err))
		}
		log.Info(ctx, "run not in queued status, skipping", "run_id", runID, "status", run.Status)
		return &Outcome{Status: run.Status, Message: "skipped: not queued"}
	}

	ctx, runSpan := c.deps.Tracer.StartRun(ctx, runID, run.ThreadID, run.AccountID)
	defer runSpan.End()
	c.deps.Metrics.RunsStarted.Inc()
	runStart := time.Now()

	maxSteps := run.MaxSteps
	if maxSteps <= 0 {
		maxSteps = c.cfg.MaxSteps
	}
	maxAutoContinues := run.MaxAutoContinues
	if maxAutoContinues <= 0 {
		maxAutoContinues = c.cfg.MaxAutoContinues
	}

	agent, err := c.loadAgent(ctx, run.AgentID)
	if err != nil {
		return c.fail(ctx, runID, run.ThreadID, runmodel.ErrValidation, fmt.Sprintf("load agent: %v", err))
	}

	state := c.deps.States.Init(runID, run.ThreadID)
	defer c.deps.States.Drop(runID)

	emitRun := func(e runmodel.Event) {
		e.Version = 1
		e.RunID = runID
		e.Sequence = state.NextSequence()
		sink.Emit(ctx, e)
	}
	emitRun(runmodel.Event{Type: runmodel.EventRunStarted, Time: time.Now().UTC()})

	snap := c.deps.Tools.Snapshot()
	outcome := c.stepLoop(ctx, run, agent, state, snap, sink, maxSteps, maxAutoContinues, cancelled)

	c.deps.WriteBuffer.Flush(ctx, runID)

	if err := c.deps.Store.Finish(ctx, runID, outcome.Status, outcome.Code, outcome.Message); err != nil {
		log.Error(ctx, "failed to record terminal run status", "run_id", runID, "error", err)
	}
	c.recordTerminal(ctx, runID, outcome, runStart, emitRun)
	return outcome
}

// stepLoop runs the READY→STEP_PREP→STEP_RUN→EMIT(→EXEC_TOOLS) cycle until a
// terminal condition is reached, implementing the coordinator algorithm one
// step at a time.
func (c *Coordinator) stepLoop(
	ctx context.Context,
	run *runmodel.AgentRun,
	agent *runmodel.Agent,
	state *runmodel.RunState,
	snap *toolinvoke.Snapshot,
	sink respproc.Sink,
	maxSteps, maxAutoContinues int,
	cancelled func() bool,
) *Outcome {
	log := c.deps.Logger
	autoContinues := 0

	for step := 0; step < maxSteps; step++ {
		if cancelled() {
			sink.Emit(ctx, runmodel.Event{Version: 1, RunID: run.ID, Sequence: state.NextSequence(), Type: runmodel.EventRunStopped, Time: time.Now().UTC(), StatusMessage: "stopped"})
			return &Outcome{Status: runmodel.StatusStopped, Message: "cancelled"}
		}

		state.StepIndex = step

		firstAttempt, err := c.deps.StepGate.Claim(ctx, run.ID, step, "llm")
		if err != nil {
			return c.errorOutcome(ctx, run.ID, state, runmodel.ErrTransientIO, fmt.Sprintf("step idempotency claim: %v", err), sink)
		}
		if !firstAttempt {
			log.Info(ctx, "step already processed, skipping", "run_id", run.ID, "step", step)
			continue
		}

		messages, err := c.deps.Store.MessagePage(ctx, run.ThreadID, 1000, 0)
		if err != nil {
			return c.errorOutcome(ctx, run.ID, state, runmodel.ErrTransientIO, fmt.Sprintf("load history: %v", err), sink)
		}
		packed := c.deps.Packer.Pack(messages)

		estTokens := int64(tokensPerStepEstimate)
		reserved, err := c.deps.Store.ReserveCredits(ctx, run.AccountID, estTokens)
		if err != nil {
			return c.errorOutcome(ctx, run.ID, state, runmodel.ErrTransientIO, fmt.Sprintf("reserve credits: %v", err), sink)
		}
		if !reserved {
			c.deps.Metrics.CreditReservationFailures.Inc()
			sink.Emit(ctx, runmodel.Event{
				Version: 1, RunID: run.ID, Sequence: state.NextSequence(), Type: runmodel.EventRunFailed, Time: time.Now().UTC(),
				ErrorCode: runmodel.ErrInsufficientCredits, ErrorMessage: "insufficient credits to continue run",
			})
			return &Outcome{Status: runmodel.StatusFailed, Code: runmodel.ErrInsufficientCredits, Message: "insufficient credits to continue run"}
		}
		ledgerID := run.ID + ":" + strconv.Itoa(step)
		if err := c.deps.Store.AppendLedgerEntry(ctx, ledgerID, run.AccountID, -estTokens, "step_reservation"); err != nil {
			log.Warn(ctx, "failed to record credit reservation ledger entry", "run_id", run.ID, "step", step, "error", err)
		}

		stepCtx, stepSpan := c.deps.Tracer.StartStep(ctx, step, state.ThreadRunID)
		stepStart := time.Now()
		chunks, err := c.deps.Orchestrator.Complete(stepCtx, &llmexec.CompletionRequest{
			Model:     run.Model,
			System:    agent.SystemPrompt,
			Messages:  toCompletionMessages(packed),
			Tools:     toToolSpecs(snap.Specs()),
			MaxTokens: agent.MaxTokens,
		})
		if err != nil {
			c.deps.Tracer.RecordError(stepSpan, err)
			stepSpan.End()
			return c.errorOutcome(ctx, run.ID, state, runmodel.ErrProviderFailure, fmt.Sprintf("llm call: %v", err), sink)
		}

		result := respproc.ProcessStep(stepCtx, state, chunks, snap, c.deps.Invoker, sink)
		c.deps.Metrics.StepDuration.WithLabelValues(run.Provider, run.Model).Observe(time.Since(stepStart).Seconds())
		stepSpan.End()

		autoContinued := result.FinishReason == "tool_calls" && !result.Terminated
		if err := c.deps.Store.RecordStep(ctx, run.ID, int64(0), int64(0), autoContinued); err != nil {
			log.Warn(ctx, "failed to record step counters", "run_id", run.ID, "step", step, "error", err)
		}

		if result.Err != nil {
			return c.errorOutcome(ctx, run.ID, state, runmodel.ErrProviderFailure, truncate(result.Err.Error(), 100), sink)
		}

		switch {
		case result.Terminated:
			return &Outcome{Status: runmodel.StatusCompleted, Message: fmt.Sprintf("terminated by tool %q", result.TerminatingTool)}
		case result.FinishReason == "tool_calls" || result.FinishReason == "length":
			if autoContinues >= maxAutoContinues {
				sink.Emit(ctx, runmodel.Event{
					Version: 1, RunID: run.ID, Sequence: state.NextSequence(), Type: runmodel.EventFinish, Time: time.Now().UTC(),
					FinishReason: "max_auto_continues", StatusMessage: "auto-continue budget exhausted",
				})
				return &Outcome{Status: runmodel.StatusStopped, Message: "max_auto_continues"}
			}
			autoContinues++
			c.deps.Metrics.AutoContinueCount.Observe(float64(autoContinues))
		default:
			return &Outcome{Status: runmodel.StatusCompleted}
		}
	}

	sink.Emit(ctx, runmodel.Event{
		Version: 1, RunID: run.ID, Sequence: state.NextSequence(), Type: runmodel.EventFinish, Time: time.Now().UTC(),
		FinishReason: "max_steps", StatusMessage: "run exceeded its step budget",
	})
	return &Outcome{Status: runmodel.StatusStopped, Message: "max_steps"}
}

func (c *Coordinator) errorOutcome(ctx context.Context, runID string, state *runmodel.RunState, code runmodel.ErrorCode, message string, sink respproc.Sink) *Outcome {
	sink.Emit(ctx, runmodel.Event{
		Version: 1, RunID: runID, Sequence: state.NextSequence(), Type: runmodel.EventRunFailed, Time: time.Now().UTC(),
		ErrorCode: code, ErrorMessage: truncate(message, 100),
	})
	return &Outcome{Status: runmodel.StatusFailed, Code: code, Message: truncate(message, 100)}
}

func (c *Coordinator) fail(ctx context.Context, runID, threadID string, code runmodel.ErrorCode, message string) *Outcome {
	c.deps.Logger.Error(ctx, "run failed before step loop started", "run_id", runID, "thread_id", threadID, "error", message)
	c.deps.Store.Finish(ctx, runID, runmodel.StatusFailed, code, truncate(message, 100))
	c.deps.Metrics.RunsFailed.Inc()
	return &Outcome{Status: runmodel.StatusFailed, Code: code, Message: truncate(message, 100)}
}

func (c *Coordinator) recordTerminal(ctx context.Context, runID string, outcome *Outcome, runStart time.Time, emitRun func(runmodel.Event)) {
	c.deps.Metrics.RunDuration.Observe(time.Since(runStart).Seconds())
	switch outcome.Status {
	case runmodel.StatusCompleted:
		c.deps.Metrics.RunsCompleted.Inc()
		emitRun(runmodel.Event{Type: runmodel.EventRunCompleted, Time: time.Now().UTC(), StatusMessage: outcome.Message})
	case runmodel.StatusFailed:
		c.deps.Metrics.RunsFailed.Inc()
		c.deps.Metrics.ErrorCounter.WithLabelValues("coordinator", string(outcome.Code)).Inc()
		emitRun(runmodel.Event{Type: runmodel.EventRunFailed, Time: time.Now().UTC(), ErrorCode: outcome.Code, ErrorMessage: outcome.Message})
	case runmodel.StatusStopped:
		c.deps.Metrics.RunsStopped.Inc()
		emitRun(runmodel.Event{Type: runmodel.EventRunStopped, Time: time.Now().UTC(), StatusMessage: outcome.Message})
	}
}

// loadAgent reads agent config cache-first (C3), falling back to the
// relational store (C2) on a miss and repopulating the cache for the next
// run against the same agent.
func (c *Coordinator) loadAgent(ctx context.Context, agentID string) (*runmodel.Agent, error) {
	var agent runmodel.Agent
	if err := c.deps.Cache.Get(ctx, cache.ClassAgentConfig, agentID, &agent); err == nil {
		return &agent, nil
	}
	got, err := c.deps.Store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if err := c.deps.Cache.Set(ctx, cache.ClassAgentConfig, agentID, got); err != nil {
		c.deps.Logger.Warn(ctx, "failed to populate agent config cache", "agent_id", agentID, "error", err)
	}
	return got, nil
}

func toCompletionMessages(messages []runmodel.Message) []llmexec.CompletionMessage {
	out := make([]llmexec.CompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, llmexec.CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
		})
	}
	return out
}

func toToolSpecs(specs []toolinvoke.ToolSpec) []llmexec.ToolSpec {
	out := make([]llmexec.ToolSpec, 0, len(specs))
	for _, s := range specs {
		out = append(out, llmexec.ToolSpec{Name: s.Name, Description: s.Description, Schema: s.Schema})
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
