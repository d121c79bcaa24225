package respproc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/runengine/internal/llmexec"
	"github.com/example/runengine/internal/toolinvoke"
	"github.com/example/runengine/pkg/runmodel"
)

// StepOutcome is what a Coordinator needs back from one ProcessStep call to
// decide whether to auto-continue, finalize, or fail the run.
type StepOutcome struct {
	FinishReason    string
	ToolsExecuted   int
	Terminated      bool
	TerminatingTool string
	AssistantText   string
	Err             error
}

// normalizeFinishReason maps an arbitrary provider finish reason onto the
// four values the Coordinator's auto-continue rule switches on; anything
// unrecognized is treated as stop.
func normalizeFinishReason(raw string) string {
	switch raw {
	case "tool_calls", "stop", "end_turn", "length":
		return raw
	default:
		return "stop"
	}
}

// ProcessStep drains chunks from one LLM streaming call, emitting the
// semantic event sequence on sink, executing any queued tool calls against
// snap through invoker, and reporting the finish reason the Coordinator
// needs to decide the next phase transition.
//
// A fresh ThreadRunID is assigned to state for this call — the Coordinator
// is expected to call ProcessStep once per top-level turn and once per
// auto-continue iteration, so every call gets its own id.
func ProcessStep(ctx context.Context, state *runmodel.RunState, chunks <-chan *llmexec.CompletionChunk, snap *toolinvoke.Snapshot, invoker *toolinvoke.Invoker, sink Sink) *StepOutcome {
	state.ThreadRunID = uuid.NewString()
	state.AssistantMessageID = ""

	emit := func(e runmodel.Event) {
		e.Version = 1
		e.RunID = state.RunID
		e.ThreadRunID = state.ThreadRunID
		e.StepIndex = state.StepIndex
		e.Sequence = state.NextSequence()
		sink.Emit(ctx, e)
	}

	startTime := time.Now().UTC()
	emit(runmodel.Event{Type: runmodel.EventLLMResponseStart, Time: startTime})

	assembler := newToolCallAssembler()
	var content []byte
	var finishReason string

	for chunk := range chunks {
		if chunk.Error != nil {
			emit(runmodel.Event{
				Type:         runmodel.EventRunFailed,
				Time:         time.Now().UTC(),
				ErrorCode:    runmodel.ErrProviderFailure,
				ErrorMessage: chunk.Error.Error(),
			})
			return &StepOutcome{FinishReason: "error", Err: chunk.Error}
		}

		if chunk.Text != "" {
			content = append(content, chunk.Text...)
			emit(runmodel.Event{Type: runmodel.EventModelDelta, Time: time.Now().UTC(), Delta: chunk.Text})
		}

		if chunk.ToolCall != nil {
			index, delta := assembler.ingest(chunk.ToolCall)
			emit(runmodel.Event{
				Type: runmodel.EventToolCallDelta,
				Time: time.Now().UTC(),
				ToolCall: &runmodel.ToolCall{
					ID:    chunk.ToolCall.ID,
					Name:  chunk.ToolCall.Name,
					Input: json.RawMessage(delta),
					Index: index,
				},
			})
		}

		if chunk.Done {
			finishReason = normalizeFinishReason(chunk.FinishReason)
			emit(runmodel.Event{
				Type:         runmodel.EventModelCompleted,
				Time:         time.Now().UTC(),
				InputTokens:  chunk.InputTokens,
				OutputTokens: chunk.OutputTokens,
			})
		}
	}

	queued := assembler.completed()
	outcome := &StepOutcome{FinishReason: finishReason, AssistantText: string(content)}

	if finishReason != "tool_calls" || len(queued) == 0 {
		emit(runmodel.Event{Type: runmodel.EventFinish, Time: time.Now().UTC(), FinishReason: finishReason})
		emit(runmodel.Event{Type: runmodel.EventLLMResponseEnd, Time: time.Now().UTC()})
		return outcome
	}

	if state.AssistantMessageID == "" {
		state.AssistantMessageID = uuid.NewString()
	}
	emit(runmodel.Event{Type: runmodel.EventAssistantComplete, Time: time.Now().UTC(), AssistantMessageID: state.AssistantMessageID})

	for _, call := range queued {
		emit(runmodel.Event{Type: runmodel.EventToolCallStarted, Time: time.Now().UTC(), ToolCall: &call})

		result := invoker.Invoke(ctx, snap, call)
		tr := toResultEvent(call, result)
		emit(runmodel.Event{Type: runmodel.EventToolResult, Time: time.Now().UTC(), AssistantMessageID: state.AssistantMessageID, ToolResult: tr})

		outcome.ToolsExecuted++

		if toolinvoke.IsTerminator(call.Name) && result.Success {
			emit(runmodel.Event{
				Type:                 runmodel.EventToolCompleted,
				Time:                 time.Now().UTC(),
				ToolResult:           tr,
				FinishReason:         "agent_terminated",
				AgentShouldTerminate: true,
			})
			outcome.Terminated = true
			outcome.TerminatingTool = call.Name
			outcome.FinishReason = "agent_terminated"
			emit(runmodel.Event{
				Type:          runmodel.EventFinish,
				Time:          time.Now().UTC(),
				FinishReason:  "agent_terminated",
				ToolsExecuted: outcome.ToolsExecuted,
				StatusMessage: fmt.Sprintf("run terminated by tool %q", call.Name),
			})
			emit(runmodel.Event{Type: runmodel.EventLLMResponseEnd, Time: time.Now().UTC()})
			return outcome
		}

		emit(runmodel.Event{Type: runmodel.EventToolCompleted, Time: time.Now().UTC(), ToolResult: tr})
	}

	emit(runmodel.Event{Type: runmodel.EventFinish, Time: time.Now().UTC(), FinishReason: "tool_calls", ToolsExecuted: outcome.ToolsExecuted})
	emit(runmodel.Event{Type: runmodel.EventLLMResponseEnd, Time: time.Now().UTC()})
	return outcome
}

// toResultEvent normalizes an invoker Result into the ToolResult shape
// persisted on the thread and attached to tool_result/tool_completed events.
func toResultEvent(call runmodel.ToolCall, result *toolinvoke.Result) *runmodel.ToolResult {
	tr := &runmodel.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
	}
	if result.Error != "" {
		tr.IsError = true
		tr.Content = result.Error
		return tr
	}
	if result.Output == nil {
		tr.Content = ""
		return tr
	}
	if b, err := json.Marshal(result.Output); err == nil {
		tr.Content = string(b)
	} else {
		tr.Content = fmt.Sprintf("%v", result.Output)
	}
	return tr
}
