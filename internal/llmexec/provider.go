// Package llmexec is the LLM Executor (C8): a provider-agnostic streaming
// completion interface plus the concrete Anthropic/OpenAI/Bedrock adapters
// and model-id resolution/fallback the Coordinator drives each step.
package llmexec

import (
	"context"

	"github.com/example/runengine/pkg/runmodel"
)

// Provider is the streaming completion interface every LLM backend implements.
type Provider interface {
	// Complete streams a completion for req, closing the channel when the
	// response (or an error) is final.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
	Name() string
	Models() []Model
	SupportsTools() bool
}

// CompletionRequest is one step's LLM call: full message history, available
// tools, and generation parameters.
type CompletionRequest struct {
	Model                string
	System               string
	Messages             []CompletionMessage
	Tools                []ToolSpec
	MaxTokens            int
	EnableThinking       bool
	ThinkingBudgetTokens int
}

// CompletionMessage is one turn of conversation history sent to the provider.
type CompletionMessage struct {
	Role        string
	Content     string
	ToolCalls   []runmodel.ToolCall
	ToolResults []runmodel.ToolResult
}

// ToolSpec is a tool's name/description/schema as presented to a provider's
// function-calling API (each provider package converts it to its own wire
// format).
type ToolSpec struct {
	Name        string
	Description string
	Schema      []byte
}

// CompletionChunk is one unit of a streaming response: partial text, a
// completed tool call, thinking deltas, or a terminal Done/Error.
type CompletionChunk struct {
	Text          string
	ToolCall      *runmodel.ToolCall
	Done          bool
	Error         error
	Thinking      string
	ThinkingStart bool
	ThinkingEnd   bool
	InputTokens   int
	OutputTokens  int
	// FinishReason is set on the terminal Done chunk: one of
	// "tool_calls", "stop", "end_turn", "length", or provider-specific.
	FinishReason string
}

// Model describes one model a provider exposes.
type Model struct {
	ID             string
	Name           string
	ContextSize    int
	SupportsVision bool
}
