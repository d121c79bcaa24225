package runstate

import (
	"fmt"

	"github.com/example/runengine/internal/compaction"
	"github.com/example/runengine/pkg/runmodel"
)

// PackOptions bounds how much history is selected into a step's context.
type PackOptions struct {
	MaxMessages        int
	MaxChars           int
	MaxToolResultChars int

	// NoteDroppedHistory, when true, prepends a synthetic system message
	// summarizing how much history Pack dropped to fit the budget, instead
	// of silently truncating it.
	NoteDroppedHistory bool
}

// DefaultPackOptions matches the defaults used across the corpus for
// similarly-budgeted context windows.
func DefaultPackOptions() PackOptions {
	return PackOptions{MaxMessages: 60, MaxChars: 30000, MaxToolResultChars: 6000}
}

// Packer selects recent history messages to fit a char/message budget. Only
// one packing strategy is implemented (the minimal/JIT style) per the
// resolved Open Question on prompt building — no separate eager/classic
// variant.
type Packer struct {
	opts PackOptions
}

// NewPacker builds a Packer, filling any zero-valued option from the defaults.
func NewPacker(opts PackOptions) *Packer {
	d := DefaultPackOptions()
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = d.MaxMessages
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = d.MaxChars
	}
	if opts.MaxToolResultChars <= 0 {
		opts.MaxToolResultChars = d.MaxToolResultChars
	}
	return &Packer{opts: opts}
}

// Pack selects messages from history (oldest-first) to fit the budget,
// keeping the most recent ones and truncating oversized tool results.
// Messages with IsLLMMessage false or Metadata.Omitted true never enter the
// budget at all — they exist in the transcript but never participate in LLM
// context. A message flagged Metadata.Compressed has its
// Metadata.CompressedContent substituted for Content before budgeting, so a
// compacted message counts (and reads) as its summary, not its original
// text. When older messages had to be dropped to fit and NoteDroppedHistory
// is set, a synthetic system message is prepended noting how much was cut,
// sized via compaction's token estimator rather than the raw character
// count Pack budgets on internally.
func (p *Packer) Pack(history []runmodel.Message) []runmodel.Message {
	eligible := make([]runmodel.Message, 0, len(history))
	for _, m := range history {
		if !m.IsLLMMessage || m.Metadata.Omitted {
			continue
		}
		eligible = append(eligible, withEffectiveContent(m))
	}

	totalChars := 0
	totalMsgs := 0

	selectedReverse := make([]runmodel.Message, 0, len(eligible))
	for i := len(eligible) - 1; i >= 0; i-- {
		m := eligible[i]
		chars := messageChars(m)
		if totalMsgs+1 > p.opts.MaxMessages {
			break
		}
		if totalChars+chars > p.opts.MaxChars {
			break
		}
		selectedReverse = append(selectedReverse, p.truncateToolResults(m))
		totalMsgs++
		totalChars += chars
	}

	out := make([]runmodel.Message, len(selectedReverse))
	for i, m := range selectedReverse {
		out[len(selectedReverse)-1-i] = m
	}

	dropped := eligible[:len(eligible)-len(selectedReverse)]
	if p.opts.NoteDroppedHistory && len(dropped) > 0 {
		droppedTokens := compaction.EstimateMessagesTokens(toCompactionMessages(dropped))
		note := runmodel.Message{
			Role:         runmodel.RoleSystem,
			Content:      fmt.Sprintf("[%d earlier message(s) (~%d tokens) omitted to fit context budget]", len(dropped), droppedTokens),
			IsLLMMessage: true,
		}
		out = append([]runmodel.Message{note}, out...)
	}
	return out
}

// withEffectiveContent substitutes a compressed message's summary for its
// original content, the view Pack budgets and sends downstream.
func withEffectiveContent(m runmodel.Message) runmodel.Message {
	if m.Metadata.Compressed && m.Metadata.CompressedContent != "" {
		m.Content = m.Metadata.CompressedContent
	}
	return m
}

func toCompactionMessages(history []runmodel.Message) []*compaction.Message {
	out := make([]*compaction.Message, len(history))
	for i, m := range history {
		var toolCalls, toolResults string
		for _, tc := range m.ToolCalls {
			toolCalls += tc.Name
		}
		for _, tr := range m.ToolResults {
			toolResults += tr.Content
		}
		out[i] = &compaction.Message{Role: string(m.Role), Content: m.Content, ToolCalls: toolCalls, ToolResults: toolResults}
	}
	return out
}

func messageChars(m runmodel.Message) int {
	n := len(m.Content)
	for _, tr := range m.ToolResults {
		n += len(tr.Content)
	}
	return n
}

func (p *Packer) truncateToolResults(m runmodel.Message) runmodel.Message {
	if len(m.ToolResults) == 0 {
		return m
	}
	truncated := make([]runmodel.ToolResult, len(m.ToolResults))
	for i, tr := range m.ToolResults {
		if len(tr.Content) > p.opts.MaxToolResultChars {
			tr.Content = tr.Content[:p.opts.MaxToolResultChars] + "...[truncated]"
		}
		truncated[i] = tr
	}
	m.ToolResults = truncated
	return m
}
