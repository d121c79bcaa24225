package runmodel

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a message in a thread's history.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one persisted turn in a thread's history.
type Message struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	RunID    string `json:"run_id,omitempty"`
	Role     Role   `json:"role"`
	Content  string `json:"content"`
	// IsLLMMessage marks whether this message participates in the context a
	// run sends to the LLM. Status/bookkeeping messages (task lists, browser
	// state snapshots) are persisted with this false so they show up in the
	// transcript without ever entering a prompt.
	IsLLMMessage bool            `json:"is_llm_message"`
	ToolCalls    []ToolCall      `json:"tool_calls,omitempty"`
	ToolResults  []ToolResult    `json:"tool_results,omitempty"`
	Metadata     MessageMetadata `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// MessageMetadata carries the compression/omission bookkeeping compaction
// writes onto a message without ever deleting it: compaction marks a run of
// superseded messages Omitted and records what replaced them on the message
// that subsumed them, keeping the transcript append-only while still letting
// a packer skip what is no longer needed in LLM context.
type MessageMetadata struct {
	// Omitted marks a message excluded from LLM context by a later
	// compaction pass; it is never unset once true.
	Omitted bool `json:"omitted,omitempty"`
	// Compressed marks a message whose CompressedContent should be sent to
	// the LLM in place of Content.
	Compressed        bool   `json:"compressed,omitempty"`
	CompressedContent string `json:"compressed_content,omitempty"`
	ThreadRunID       string `json:"thread_run_id,omitempty"`
	ToolCallID        string `json:"tool_call_id,omitempty"`
	StreamStatus      string `json:"stream_status,omitempty"`
	AgentShouldTerminate bool `json:"agent_should_terminate,omitempty"`
}

// ToolCall is an LLM-issued request to invoke a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
	// Index is the tool_calls array position used to assemble streamed
	// argument deltas before the call is complete.
	Index int `json:"index"`
}

// ToolResult is the outcome of executing a ToolCall.
type ToolResult struct {
	ToolCallID          string          `json:"tool_call_id"`
	Name                string          `json:"name"`
	Content             string          `json:"content"`
	IsError             bool            `json:"is_error,omitempty"`
	AgentShouldTerminate bool           `json:"agent_should_terminate,omitempty"`
	Artifacts           []Artifact      `json:"artifacts,omitempty"`
	Metadata            json.RawMessage `json:"metadata,omitempty"`
	DurationMS          int64           `json:"duration_ms,omitempty"`
}

// Artifact is a file or structured byproduct of a tool call.
type Artifact struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}
