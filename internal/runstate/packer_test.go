package runstate

import (
	"strings"
	"testing"

	"github.com/example/runengine/pkg/runmodel"
)

func TestPackKeepsMostRecentWithinCharBudget(t *testing.T) {
	p := NewPacker(PackOptions{MaxMessages: 10, MaxChars: 25})
	history := []runmodel.Message{
		{ID: "1", Content: strings.Repeat("a", 10), IsLLMMessage: true},
		{ID: "2", Content: strings.Repeat("b", 10), IsLLMMessage: true},
		{ID: "3", Content: strings.Repeat("c", 10), IsLLMMessage: true},
	}

	packed := p.Pack(history)
	if len(packed) != 2 {
		t.Fatalf("expected 2 messages to fit 25-char budget, got %d", len(packed))
	}
	if packed[0].ID != "2" || packed[1].ID != "3" {
		t.Fatalf("expected most recent messages kept in order, got %v", ids(packed))
	}
}

func TestPackTruncatesLongToolResults(t *testing.T) {
	p := NewPacker(PackOptions{MaxMessages: 10, MaxChars: 10000, MaxToolResultChars: 5})
	history := []runmodel.Message{
		{ID: "1", IsLLMMessage: true, ToolResults: []runmodel.ToolResult{{Content: "0123456789"}}},
	}
	packed := p.Pack(history)
	if len(packed[0].ToolResults[0].Content) <= 5 {
		t.Fatalf("expected truncation marker appended, got %q", packed[0].ToolResults[0].Content)
	}
}

func TestPackExcludesNonLLMAndOmittedMessages(t *testing.T) {
	p := NewPacker(PackOptions{MaxMessages: 10, MaxChars: 10000})
	history := []runmodel.Message{
		{ID: "1", Content: "status update", IsLLMMessage: false},
		{ID: "2", Content: "stale turn", IsLLMMessage: true, Metadata: runmodel.MessageMetadata{Omitted: true}},
		{ID: "3", Content: "kept", IsLLMMessage: true},
	}

	packed := p.Pack(history)
	if len(packed) != 1 || packed[0].ID != "3" {
		t.Fatalf("expected only the eligible message to survive, got %v", ids(packed))
	}
}

func TestPackUsesCompressedContentWhenFlagged(t *testing.T) {
	p := NewPacker(PackOptions{MaxMessages: 10, MaxChars: 10000})
	history := []runmodel.Message{
		{
			ID: "1", Content: "the full original text", IsLLMMessage: true,
			Metadata: runmodel.MessageMetadata{Compressed: true, CompressedContent: "summary"},
		},
	}

	packed := p.Pack(history)
	if len(packed) != 1 || packed[0].Content != "summary" {
		t.Fatalf("expected compressed content substituted, got %q", packed[0].Content)
	}
}

func ids(msgs []runmodel.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
