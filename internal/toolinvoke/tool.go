// Package toolinvoke is the Tool Registry & Invoker (C9): maps tool name to
// callable plus declared JSON schema, executes one tool call against a
// per-run snapshot of the registry, and normalizes whatever the tool
// returns into a success/error result.
package toolinvoke

import (
	"context"
	"encoding/json"
)

// Tool is a callable exposed to the LLM, with a JSON schema describing its
// arguments.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (*Result, error)
}

// Result is a tool's normalized return value. Output carries whatever the
// tool produced; Error is set only when Success is false.
type Result struct {
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// terminatorNames is a configurable constant table, not a hardcoded switch,
// so new terminator tools can be added without special-casing call sites.
var terminatorNames = map[string]bool{
	"ask":      true,
	"complete": true,
}

// IsTerminator reports whether a successful invocation of name ends the run.
func IsTerminator(name string) bool {
	return terminatorNames[name]
}
