package driver

import (
	"context"
	"io"
	"testing"

	"github.com/example/runengine/internal/llmexec"
	"github.com/example/runengine/internal/logging"
	"github.com/example/runengine/internal/metrics"
	"github.com/example/runengine/internal/writebuffer"
	"github.com/example/runengine/pkg/runmodel"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Output: io.Writer(discard{})})
}

var testMetrics = metrics.New()

type stubProvider struct {
	name   string
	models []llmexec.Model
}

func (s *stubProvider) Name() string            { return s.name }
func (s *stubProvider) Models() []llmexec.Model { return s.models }
func (s *stubProvider) SupportsTools() bool     { return true }
func (s *stubProvider) Complete(ctx context.Context, req *llmexec.CompletionRequest) (<-chan *llmexec.CompletionChunk, error) {
	return nil, nil
}

func testRegistry() *llmexec.Registry {
	r := llmexec.NewRegistry()
	r.Register(&stubProvider{name: "anthropic", models: []llmexec.Model{{ID: "claude-3-5-sonnet"}}}, "claude-3-5-sonnet")
	r.Register(&stubProvider{name: "openai", models: []llmexec.Model{{ID: "gpt-4o"}}}, "gpt-4o")
	return r
}

func TestResolveModelFindsOwningProvider(t *testing.T) {
	got, err := resolveModel(testRegistry(), "gpt-4o")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "openai" {
		t.Fatalf("resolveModel = %q, want openai", got)
	}
}

func TestResolveModelUnknownIDFails(t *testing.T) {
	if _, err := resolveModel(testRegistry(), "does-not-exist"); err == nil {
		t.Fatal("expected an error for an unadvertised model id")
	}
}

func TestTerminalSignalMapsTerminalStatuses(t *testing.T) {
	cases := []struct {
		status  runmodel.Status
		wantSig string
		wantOK  bool
	}{
		{runmodel.StatusCompleted, "END_STREAM", true},
		{runmodel.StatusFailed, "ERROR", true},
		{runmodel.StatusStopped, "STOP", true},
		{runmodel.StatusTimedOut, "STOP", true},
		{runmodel.StatusQueued, "", false},
		{runmodel.StatusRunning, "", false},
	}
	for _, tc := range cases {
		sig, ok := terminalSignal(tc.status)
		if sig != tc.wantSig || ok != tc.wantOK {
			t.Errorf("terminalSignal(%v) = (%q, %v), want (%q, %v)", tc.status, sig, ok, tc.wantSig, tc.wantOK)
		}
	}
}

type recordingFlusher struct {
	messages []runmodel.Message
}

func (f *recordingFlusher) AppendMessage(ctx context.Context, m *runmodel.Message) error {
	f.messages = append(f.messages, *m)
	return nil
}

func newTestSink(flusher writebuffer.Flusher) *eventSink {
	buf := writebuffer.New(flusher, writebuffer.DefaultFlushInterval)
	return newEventSink(nil, buf, testMetrics, testLogger(), "run-1", "thread-1", 10000, 500)
}

func TestEventSinkCoalescesDeltasIntoAssistantMessage(t *testing.T) {
	flusher := &recordingFlusher{}
	sink := newTestSink(flusher)
	ctx := context.Background()

	sink.persist(ctx, runmodel.Event{Type: runmodel.EventLLMResponseStart})
	sink.persist(ctx, runmodel.Event{Type: runmodel.EventModelDelta, Delta: "hello "})
	sink.persist(ctx, runmodel.Event{Type: runmodel.EventModelDelta, Delta: "world"})
	sink.persist(ctx, runmodel.Event{Type: runmodel.EventFinish})

	if err := sink.buffer.Flush(ctx, "run-1"); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(flusher.messages) != 1 {
		t.Fatalf("expected 1 flushed message, got %d", len(flusher.messages))
	}
	if flusher.messages[0].Content != "hello world" {
		t.Fatalf("content = %q, want %q", flusher.messages[0].Content, "hello world")
	}
	if flusher.messages[0].Role != runmodel.RoleAssistant {
		t.Fatalf("role = %q, want assistant", flusher.messages[0].Role)
	}
}

func TestEventSinkSkipsEmptyFinish(t *testing.T) {
	flusher := &recordingFlusher{}
	sink := newTestSink(flusher)
	ctx := context.Background()

	sink.persist(ctx, runmodel.Event{Type: runmodel.EventLLMResponseStart})
	sink.persist(ctx, runmodel.Event{Type: runmodel.EventFinish})

	if err := sink.buffer.Flush(ctx, "run-1"); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(flusher.messages) != 0 {
		t.Fatalf("expected no message for an empty turn, got %d", len(flusher.messages))
	}
}

func TestEventSinkPersistsToolResults(t *testing.T) {
	flusher := &recordingFlusher{}
	sink := newTestSink(flusher)
	ctx := context.Background()

	sink.persist(ctx, runmodel.Event{
		Type:       runmodel.EventToolResult,
		ToolResult: &runmodel.ToolResult{ToolCallID: "call-1", Name: "search", Content: "ok"},
	})

	if err := sink.buffer.Flush(ctx, "run-1"); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(flusher.messages) != 1 {
		t.Fatalf("expected 1 flushed message, got %d", len(flusher.messages))
	}
	if flusher.messages[0].Role != runmodel.RoleTool {
		t.Fatalf("role = %q, want tool", flusher.messages[0].Role)
	}
}

func TestEventSinkBackpressureHysteresis(t *testing.T) {
	sink := newTestSink(&recordingFlusher{})

	for i := 0; i < int(sink.maxPending)+1; i++ {
		sink.begin()
	}
	if !sink.paused.Load() {
		t.Fatal("expected sink to pause once pending exceeds maxPending")
	}

	for sink.pending.Load() > sink.maxPending/2 {
		sink.end()
	}
	if sink.paused.Load() {
		t.Fatal("expected sink to resume once pending drops to half maxPending")
	}
}
