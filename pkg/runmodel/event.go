package runmodel

import "time"

// EventType discriminates the semantic events published on a run's event
// stream. Exactly one payload field on Event is populated per type.
type EventType string

const (
	EventRunStarted   EventType = "run.started"
	EventRunCompleted EventType = "run.completed"
	EventRunFailed    EventType = "run.failed"
	EventRunStopped   EventType = "run.stopped"
	EventRunTimedOut  EventType = "run.timed_out"

	EventStepStarted  EventType = "step.started"
	EventStepFinished EventType = "step.finished"

	EventModelDelta     EventType = "model.delta"
	EventModelCompleted EventType = "model.completed"

	EventLLMResponseStart EventType = "llm_response_start"
	EventLLMResponseEnd   EventType = "llm_response_end"
	EventAssistantComplete EventType = "assistant_complete"
	EventFinish           EventType = "finish"

	EventToolCallStarted  EventType = "tool_call.started"
	EventToolCallDelta    EventType = "tool_call.delta"
	EventToolResult       EventType = "tool_result"
	EventToolCompleted    EventType = "tool.completed"

	EventControlAck EventType = "control.ack"
)

// Event is the envelope appended to a run's Redis stream and published on
// its pub/sub channel. Sequence is monotonic per run and never reused.
type Event struct {
	Version     int       `json:"version"`
	Type        EventType `json:"type"`
	Time        time.Time `json:"time"`
	Sequence    uint64    `json:"seq"`
	RunID       string    `json:"run_id"`
	ThreadRunID string    `json:"thread_run_id,omitempty"`
	StepIndex   int       `json:"step_index,omitempty"`

	Delta               string     `json:"delta,omitempty"`
	AssistantMessageID  string     `json:"assistant_message_id,omitempty"`
	ToolCall            *ToolCall  `json:"tool_call,omitempty"`
	ToolResult          *ToolResult `json:"tool_result,omitempty"`
	AgentShouldTerminate bool      `json:"agent_should_terminate,omitempty"`

	FinishReason   string `json:"finish_reason,omitempty"`
	ToolsExecuted  int    `json:"tools_executed,omitempty"`
	StatusMessage  string `json:"status_message,omitempty"`

	ErrorCode    ErrorCode `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`

	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Priority classifies an Event for backpressure handling: high-priority
// events are never dropped, low-priority (streaming deltas) may be.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityLow
)

// PriorityOf returns the backpressure priority of an event's type.
func PriorityOf(t EventType) Priority {
	switch t {
	case EventModelDelta:
		return PriorityLow
	default:
		return PriorityHigh
	}
}
