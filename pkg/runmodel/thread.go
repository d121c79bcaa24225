// Package runmodel defines the shared data model for the run execution
// subsystem: threads, projects, messages, runs, run state, tool calls, and
// the control/event types that flow between components.
package runmodel

import "time"

// Thread is a durable conversation container. Exactly one AgentRun may be
// active against a thread at a time.
type Thread struct {
	ID         string
	ProjectID  string
	AccountID  string
	AgentID    string
	Title      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ArchivedAt *time.Time
}

// Project groups threads under a single account and carries agent config
// defaults (model, tool policy, memory scope).
type Project struct {
	ID        string
	AccountID string
	Name      string
	Category  string
	AgentID   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Agent is the configuration bound to a project or thread: model selection,
// system prompt, tool allowlist, and per-agent limits.
type Agent struct {
	ID               string
	AccountID        string
	Name             string
	Provider         string
	Model            string
	SystemPrompt     string
	MaxTokens        int
	ToolPolicyID     string
	MCPServerIDs     []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
