package coordinator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/example/runengine/internal/cache"
	"github.com/example/runengine/internal/llmexec"
	"github.com/example/runengine/internal/logging"
	"github.com/example/runengine/internal/metrics"
	"github.com/example/runengine/internal/respproc"
	"github.com/example/runengine/internal/runstate"
	"github.com/example/runengine/internal/toolinvoke"
	"github.com/example/runengine/internal/tracing"
	"github.com/example/runengine/internal/writebuffer"
	"github.com/example/runengine/pkg/runmodel"
)

var testMetrics = metrics.New()

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Output: discard{}})
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testTracer() *tracing.Tracer {
	tr, _ := tracing.New(tracing.Config{})
	return tr
}

type noopFlusher struct{}

func (noopFlusher) AppendMessage(ctx context.Context, m *runmodel.Message) error { return nil }

// fakeStore stubs the narrow RunStore surface with canned responses and
// records the calls a test cares about.
type fakeStore struct {
	mu sync.Mutex

	run   *runmodel.AgentRun
	agent *runmodel.Agent

	markClaimedOK bool
	reserveOK     bool

	finishedStatus runmodel.Status
	finishedCode   runmodel.ErrorCode
	recordedSteps  int
}

func (s *fakeStore) GetRun(ctx context.Context, id string) (*runmodel.AgentRun, error) {
	return s.run, nil
}

func (s *fakeStore) MarkClaimed(ctx context.Context, runID string, claimedAt sql.NullTime) (bool, error) {
	return s.markClaimedOK, nil
}

func (s *fakeStore) GetAgent(ctx context.Context, id string) (*runmodel.Agent, error) {
	return s.agent, nil
}

func (s *fakeStore) MessagePage(ctx context.Context, threadID string, limit, offset int) ([]runmodel.Message, error) {
	return nil, nil
}

func (s *fakeStore) ReserveCredits(ctx context.Context, accountID string, amount int64) (bool, error) {
	return s.reserveOK, nil
}

func (s *fakeStore) AppendLedgerEntry(ctx context.Context, entryID, accountID string, delta int64, reason string) error {
	return nil
}

func (s *fakeStore) RecordStep(ctx context.Context, runID string, inputTokens, outputTokens int64, autoContinued bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordedSteps++
	return nil
}

func (s *fakeStore) Finish(ctx context.Context, runID string, status runmodel.Status, code runmodel.ErrorCode, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishedStatus = status
	s.finishedCode = code
	return nil
}

type fakeCache struct{}

func (fakeCache) Get(ctx context.Context, class cache.Class, key string, dest any) error {
	return cache.ErrMiss
}
func (fakeCache) Set(ctx context.Context, class cache.Class, key string, value any) error { return nil }

type fakeOwnership struct{ claimOK bool }

func (o fakeOwnership) Claim(ctx context.Context, runID string) (bool, error) { return o.claimOK, nil }
func (o fakeOwnership) Release(runID string)                                 {}

// fakeStepGate claims every step exactly once, matching the durable gate's
// at-most-once contract without a real claim table.
type fakeStepGate struct {
	mu   sync.Mutex
	seen map[int]bool
}

func newFakeStepGate() *fakeStepGate { return &fakeStepGate{seen: make(map[int]bool)} }

func (g *fakeStepGate) Claim(ctx context.Context, runID string, stepIndex int, kind string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen[stepIndex] {
		return false, nil
	}
	g.seen[stepIndex] = true
	return true, nil
}

// fakeCompleter replays a fixed sequence of chunk batches, one batch per call.
type fakeCompleter struct {
	batches [][]*llmexec.CompletionChunk
	calls   int
}

func (f *fakeCompleter) Complete(ctx context.Context, req *llmexec.CompletionRequest) (<-chan *llmexec.CompletionChunk, error) {
	if f.calls >= len(f.batches) {
		return nil, errors.New("no more batches scripted")
	}
	batch := f.batches[f.calls]
	f.calls++
	ch := make(chan *llmexec.CompletionChunk, len(batch))
	for _, c := range batch {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func newDeps(t *testing.T, st *fakeStore, completer *fakeCompleter) Deps {
	t.Helper()
	return Deps{
		Store:        st,
		Cache:        fakeCache{},
		Ownership:    fakeOwnership{claimOK: true},
		StepGate:     newFakeStepGate(),
		States:       runstate.New(),
		Packer:       runstate.NewPacker(runstate.DefaultPackOptions()),
		Orchestrator: completer,
		Tools:        toolinvoke.NewRegistry(),
		Invoker:      toolinvoke.NewInvoker(toolinvoke.DefaultConfig()),
		WriteBuffer:  writebuffer.New(noopFlusher{}, writebuffer.DefaultFlushInterval),
		Metrics:      testMetrics,
		Logger:       testLogger(),
		Tracer:       testTracer(),
	}
}

func baseRun() *runmodel.AgentRun {
	return &runmodel.AgentRun{
		ID: "run-1", ThreadID: "thread-1", AccountID: "acct-1", AgentID: "agent-1",
		Status: runmodel.StatusQueued, Provider: "anthropic", Model: "claude",
	}
}

func baseAgent() *runmodel.Agent {
	return &runmodel.Agent{ID: "agent-1", AccountID: "acct-1", SystemPrompt: "be helpful", MaxTokens: 4096}
}

func TestRunSkipsWhenOwnershipClaimFails(t *testing.T) {
	st := &fakeStore{run: baseRun(), agent: baseAgent(), markClaimedOK: true, reserveOK: true}
	deps := newDeps(t, st, &fakeCompleter{})
	deps.Ownership = fakeOwnership{claimOK: false}

	co := New(DefaultConfig(), deps)
	outcome := co.Run(context.Background(), "run-1", respproc.NopSink{}, func() bool { return false })

	if outcome.Message != "skipped: already claimed" {
		t.Fatalf("expected skip outcome, got %+v", outcome)
	}
}

func TestRunCompletesOnPlainTextFinish(t *testing.T) {
	st := &fakeStore{run: baseRun(), agent: baseAgent(), markClaimedOK: true, reserveOK: true}
	completer := &fakeCompleter{batches: [][]*llmexec.CompletionChunk{
		{{Text: "hello"}, {Done: true, FinishReason: "end_turn"}},
	}}
	deps := newDeps(t, st, completer)

	co := New(DefaultConfig(), deps)
	outcome := co.Run(context.Background(), "run-1", respproc.NopSink{}, func() bool { return false })

	if outcome.Status != runmodel.StatusCompleted {
		t.Fatalf("expected completed, got %+v", outcome)
	}
	if st.finishedStatus != runmodel.StatusCompleted {
		t.Fatalf("expected store.Finish to record completed, got %v", st.finishedStatus)
	}
	if completer.calls != 1 {
		t.Fatalf("expected exactly 1 LLM call for a single-step completion, got %d", completer.calls)
	}
}

func TestRunAutoContinuesAcrossToolCallSteps(t *testing.T) {
	reg := toolinvoke.NewRegistry()
	reg.Register(&fakeTool{name: "search", output: "found it"})

	st := &fakeStore{run: baseRun(), agent: baseAgent(), markClaimedOK: true, reserveOK: true}
	completer := &fakeCompleter{batches: [][]*llmexec.CompletionChunk{
		{{ToolCall: &runmodel.ToolCall{ID: "call-1", Name: "search", Input: json.RawMessage(`{}`)}}, {Done: true, FinishReason: "tool_calls"}},
		{{Text: "done"}, {Done: true, FinishReason: "stop"}},
	}}
	deps := newDeps(t, st, completer)
	deps.Tools = reg

	co := New(DefaultConfig(), deps)
	outcome := co.Run(context.Background(), "run-1", respproc.NopSink{}, func() bool { return false })

	if outcome.Status != runmodel.StatusCompleted {
		t.Fatalf("expected completed after auto-continue, got %+v", outcome)
	}
	if completer.calls != 2 {
		t.Fatalf("expected 2 LLM calls (initial + auto-continue), got %d", completer.calls)
	}
	if st.recordedSteps != 2 {
		t.Fatalf("expected 2 recorded steps, got %d", st.recordedSteps)
	}
}

func TestRunStopsOnTerminatorTool(t *testing.T) {
	reg := toolinvoke.NewRegistry()
	reg.Register(&fakeTool{name: "complete", output: "bye"})

	st := &fakeStore{run: baseRun(), agent: baseAgent(), markClaimedOK: true, reserveOK: true}
	completer := &fakeCompleter{batches: [][]*llmexec.CompletionChunk{
		{{ToolCall: &runmodel.ToolCall{ID: "call-1", Name: "complete", Input: json.RawMessage(`{}`)}}, {Done: true, FinishReason: "tool_calls"}},
	}}
	deps := newDeps(t, st, completer)
	deps.Tools = reg

	co := New(DefaultConfig(), deps)
	outcome := co.Run(context.Background(), "run-1", respproc.NopSink{}, func() bool { return false })

	if outcome.Status != runmodel.StatusCompleted {
		t.Fatalf("expected completed (terminated by tool), got %+v", outcome)
	}
	if completer.calls != 1 {
		t.Fatalf("expected exactly 1 LLM call, terminator tool should stop auto-continue, got %d", completer.calls)
	}
}

func TestRunFailsOnInsufficientCredits(t *testing.T) {
	st := &fakeStore{run: baseRun(), agent: baseAgent(), markClaimedOK: true, reserveOK: false}
	deps := newDeps(t, st, &fakeCompleter{})

	co := New(DefaultConfig(), deps)
	outcome := co.Run(context.Background(), "run-1", respproc.NopSink{}, func() bool { return false })

	if outcome.Status != runmodel.StatusFailed || outcome.Code != runmodel.ErrInsufficientCredits {
		t.Fatalf("expected INSUFFICIENT_CREDITS failure, got %+v", outcome)
	}
}

func TestRunStopsOnCancellation(t *testing.T) {
	st := &fakeStore{run: baseRun(), agent: baseAgent(), markClaimedOK: true, reserveOK: true}
	deps := newDeps(t, st, &fakeCompleter{})

	co := New(DefaultConfig(), deps)
	outcome := co.Run(context.Background(), "run-1", respproc.NopSink{}, func() bool { return true })

	if outcome.Status != runmodel.StatusStopped {
		t.Fatalf("expected stopped on cancellation, got %+v", outcome)
	}
}

func TestRunStopsWhenAutoContinueBudgetExhausted(t *testing.T) {
	reg := toolinvoke.NewRegistry()
	reg.Register(&fakeTool{name: "search", output: "x"})

	batches := make([][]*llmexec.CompletionChunk, 0, 3)
	for i := 0; i < 3; i++ {
		batches = append(batches, []*llmexec.CompletionChunk{
			{ToolCall: &runmodel.ToolCall{ID: "call", Name: "search", Input: json.RawMessage(`{}`)}},
			{Done: true, FinishReason: "tool_calls"},
		})
	}
	st := &fakeStore{run: baseRun(), agent: baseAgent(), markClaimedOK: true, reserveOK: true}
	completer := &fakeCompleter{batches: batches}
	deps := newDeps(t, st, completer)
	deps.Tools = reg

	co := New(Config{MaxSteps: 100, MaxAutoContinues: 2}, deps)
	outcome := co.Run(context.Background(), "run-1", respproc.NopSink{}, func() bool { return false })

	if outcome.Status != runmodel.StatusStopped || outcome.Message != "max_auto_continues" {
		t.Fatalf("expected stopped(max_auto_continues), got %+v", outcome)
	}
	if completer.calls != 3 {
		t.Fatalf("expected 3 calls (2 auto-continues then the cap), got %d", completer.calls)
	}
}

type fakeTool struct {
	name   string
	output any
}

func (t *fakeTool) Name() string            { return t.name }
func (t *fakeTool) Description() string     { return "fake" }
func (t *fakeTool) Schema() json.RawMessage { return nil }
func (t *fakeTool) Execute(ctx context.Context, args json.RawMessage) (*toolinvoke.Result, error) {
	return &toolinvoke.Result{Success: true, Output: t.output}, nil
}
