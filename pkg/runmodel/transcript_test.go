package runmodel

import "testing"

func TestValidateTranscriptAcceptsMatchingToolCall(t *testing.T) {
	messages := []Message{
		{ID: "1", Role: RoleUser, Content: "do the thing"},
		{ID: "2", Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call-1", Name: "search"}}},
		{ID: "3", Role: RoleTool, ToolResults: []ToolResult{{ToolCallID: "call-1", Content: "results"}}},
	}
	if err := ValidateTranscript(messages); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateTranscriptRejectsUnmatchedToolCall(t *testing.T) {
	messages := []Message{
		{ID: "1", Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call-1", Name: "search"}}},
		{ID: "2", Role: RoleTool, ToolResults: []ToolResult{{ToolCallID: "call-stale", Content: "results"}}},
	}
	if err := ValidateTranscript(messages); err == nil {
		t.Fatal("expected error for a tool message referencing an unissued tool_call_id")
	}
}

func TestValidateTranscriptExemptsOmittedAssistant(t *testing.T) {
	messages := []Message{
		{ID: "1", Role: RoleAssistant, Metadata: MessageMetadata{Omitted: true}, ToolCalls: []ToolCall{{ID: "call-1", Name: "search"}}},
		{ID: "2", Role: RoleTool, ToolResults: []ToolResult{{ToolCallID: "call-gone", Content: "results"}}},
	}
	if err := ValidateTranscript(messages); err != nil {
		t.Fatalf("expected tool message after an omitted assistant to be exempt, got: %v", err)
	}
}
