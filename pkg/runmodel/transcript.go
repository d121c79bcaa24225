package runmodel

import "fmt"

// ValidateTranscript checks the round-trip invariant over messages ordered
// by CreatedAt: every tool message must reference a tool_call_id issued by
// the immediately preceding assistant message, unless that assistant is
// flagged omitted — a compacted-away assistant turn can no longer be
// checked against, so its tool results are exempt rather than rejected.
func ValidateTranscript(messages []Message) error {
	var lastAssistant *Message
	for i := range messages {
		m := &messages[i]
		switch m.Role {
		case RoleAssistant:
			lastAssistant = m
		case RoleTool:
			if lastAssistant == nil {
				return fmt.Errorf("transcript: tool message %q has no preceding assistant message", m.ID)
			}
			if lastAssistant.Metadata.Omitted {
				continue
			}
			if !assistantIssuedToolCall(lastAssistant, m) {
				return fmt.Errorf("transcript: tool message %q does not reference a tool_call_id issued by assistant message %q", m.ID, lastAssistant.ID)
			}
		}
	}
	return nil
}

func assistantIssuedToolCall(assistant, tool *Message) bool {
	toolCallID := tool.Metadata.ToolCallID
	if toolCallID == "" && len(tool.ToolResults) > 0 {
		toolCallID = tool.ToolResults[0].ToolCallID
	}
	if toolCallID == "" {
		return false
	}
	for _, tc := range assistant.ToolCalls {
		if tc.ID == toolCallID {
			return true
		}
	}
	return false
}
