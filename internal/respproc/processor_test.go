package respproc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/example/runengine/internal/llmexec"
	"github.com/example/runengine/internal/toolinvoke"
	"github.com/example/runengine/pkg/runmodel"
)

type fakeTool struct {
	name string
	fn   func(ctx context.Context, args json.RawMessage) (*toolinvoke.Result, error)
}

func (t *fakeTool) Name() string                 { return t.name }
func (t *fakeTool) Description() string          { return "fake" }
func (t *fakeTool) Schema() json.RawMessage      { return nil }
func (t *fakeTool) Execute(ctx context.Context, args json.RawMessage) (*toolinvoke.Result, error) {
	return t.fn(ctx, args)
}

func collectEvents() (ChanSink, <-chan runmodel.Event) {
	ch := make(chan runmodel.Event, 64)
	return ChanSink{Ch: ch}, ch
}

func drain(ch <-chan runmodel.Event) []runmodel.Event {
	var out []runmodel.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestProcessStepPlainTextCompletion(t *testing.T) {
	state := &runmodel.RunState{RunID: "run-1"}
	chunks := make(chan *llmexec.CompletionChunk, 4)
	chunks <- &llmexec.CompletionChunk{Text: "hello "}
	chunks <- &llmexec.CompletionChunk{Text: "world"}
	chunks <- &llmexec.CompletionChunk{Done: true, FinishReason: "end_turn"}
	close(chunks)

	cs, ch := collectEvents()
	outcome := ProcessStep(context.Background(), state, chunks, toolinvoke.NewRegistry().Snapshot(), toolinvoke.NewInvoker(toolinvoke.DefaultConfig()), cs)

	if outcome.FinishReason != "end_turn" {
		t.Fatalf("expected finish reason end_turn passed through, got %q", outcome.FinishReason)
	}
	if outcome.AssistantText != "hello world" {
		t.Fatalf("unexpected assistant text %q", outcome.AssistantText)
	}

	events := drain(ch)
	if len(events) == 0 {
		t.Fatal("expected events to be emitted")
	}
	if events[0].Type != runmodel.EventLLMResponseStart {
		t.Fatalf("expected first event llm_response_start, got %s", events[0].Type)
	}
	if events[0].Sequence != 0 {
		t.Fatalf("expected first event sequence 0, got %d", events[0].Sequence)
	}
	for i, e := range events {
		if e.Sequence != uint64(i) {
			t.Fatalf("expected strictly increasing sequence from 0, event %d has sequence %d", i, e.Sequence)
		}
	}
	last := events[len(events)-1]
	if last.Type != runmodel.EventLLMResponseEnd {
		t.Fatalf("expected last event llm_response_end, got %s", last.Type)
	}
	for _, e := range events {
		if e.Type == runmodel.EventAssistantComplete || e.Type == runmodel.EventToolCallStarted {
			t.Fatalf("plain-text completion should not emit tool events, saw %s", e.Type)
		}
	}
}

func TestProcessStepExecutesToolAndContinues(t *testing.T) {
	reg := toolinvoke.NewRegistry()
	reg.Register(&fakeTool{name: "search", fn: func(ctx context.Context, args json.RawMessage) (*toolinvoke.Result, error) {
		return &toolinvoke.Result{Success: true, Output: "found it"}, nil
	}})

	state := &runmodel.RunState{RunID: "run-2"}
	chunks := make(chan *llmexec.CompletionChunk, 4)
	chunks <- &llmexec.CompletionChunk{ToolCall: &runmodel.ToolCall{ID: "call-1", Name: "search", Input: json.RawMessage(`{"q":"go"}`)}}
	chunks <- &llmexec.CompletionChunk{Done: true, FinishReason: "tool_calls"}
	close(chunks)

	cs, ch := collectEvents()
	outcome := ProcessStep(context.Background(), state, chunks, reg.Snapshot(), toolinvoke.NewInvoker(toolinvoke.DefaultConfig()), cs)

	if outcome.FinishReason != "tool_calls" {
		t.Fatalf("expected finish reason tool_calls, got %q", outcome.FinishReason)
	}
	if outcome.Terminated {
		t.Fatal("search is not a terminator tool")
	}
	if outcome.ToolsExecuted != 1 {
		t.Fatalf("expected 1 tool executed, got %d", outcome.ToolsExecuted)
	}

	events := drain(ch)
	var sawComplete, sawStarted, sawResult, sawCompleted bool
	for _, e := range events {
		switch e.Type {
		case runmodel.EventAssistantComplete:
			sawComplete = true
			if e.AssistantMessageID == "" {
				t.Fatal("assistant_complete must carry a non-empty assistant_message_id")
			}
		case runmodel.EventToolCallStarted:
			sawStarted = true
		case runmodel.EventToolResult:
			sawResult = true
			if e.AssistantMessageID == "" {
				t.Fatal("tool_result must reuse the turn's assistant_message_id")
			}
		case runmodel.EventToolCompleted:
			sawCompleted = true
		}
	}
	if !sawComplete || !sawStarted || !sawResult || !sawCompleted {
		t.Fatalf("missing expected quadruple events: complete=%v started=%v result=%v completed=%v", sawComplete, sawStarted, sawResult, sawCompleted)
	}
}

func TestProcessStepTerminatorToolPropagatesTermination(t *testing.T) {
	reg := toolinvoke.NewRegistry()
	reg.Register(&fakeTool{name: "complete", fn: func(ctx context.Context, args json.RawMessage) (*toolinvoke.Result, error) {
		return &toolinvoke.Result{Success: true, Output: "done"}, nil
	}})

	state := &runmodel.RunState{RunID: "run-3"}
	chunks := make(chan *llmexec.CompletionChunk, 4)
	chunks <- &llmexec.CompletionChunk{ToolCall: &runmodel.ToolCall{ID: "call-1", Name: "complete", Input: json.RawMessage(`{}`)}}
	chunks <- &llmexec.CompletionChunk{Done: true, FinishReason: "tool_calls"}
	close(chunks)

	cs, ch := collectEvents()
	outcome := ProcessStep(context.Background(), state, chunks, reg.Snapshot(), toolinvoke.NewInvoker(toolinvoke.DefaultConfig()), cs)

	if !outcome.Terminated || outcome.TerminatingTool != "complete" {
		t.Fatalf("expected termination by complete tool, got %+v", outcome)
	}
	if outcome.FinishReason != "agent_terminated" {
		t.Fatalf("expected finish reason agent_terminated, got %q", outcome.FinishReason)
	}

	events := drain(ch)
	last := events[len(events)-1]
	if last.Type != runmodel.EventLLMResponseEnd {
		t.Fatalf("expected stream to end with llm_response_end, got %s", last.Type)
	}
	foundTerminalFinish := false
	for _, e := range events {
		if e.Type == runmodel.EventFinish && e.FinishReason == "agent_terminated" {
			foundTerminalFinish = true
			if e.StatusMessage == "" {
				t.Fatal("terminal finish event should carry a human-readable status message")
			}
		}
	}
	if !foundTerminalFinish {
		t.Fatal("expected a finish(agent_terminated) event")
	}
}

func TestProcessStepStreamErrorEmitsRunFailed(t *testing.T) {
	state := &runmodel.RunState{RunID: "run-4"}
	chunks := make(chan *llmexec.CompletionChunk, 1)
	chunks <- &llmexec.CompletionChunk{Error: errTest("boom")}
	close(chunks)

	cs, ch := collectEvents()
	outcome := ProcessStep(context.Background(), state, chunks, toolinvoke.NewRegistry().Snapshot(), toolinvoke.NewInvoker(toolinvoke.DefaultConfig()), cs)

	if outcome.Err == nil {
		t.Fatal("expected an error outcome")
	}
	events := drain(ch)
	if len(events) != 2 || events[1].Type != runmodel.EventRunFailed {
		t.Fatalf("expected llm_response_start then run.failed, got %+v", events)
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
