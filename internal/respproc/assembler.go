package respproc

import (
	"strings"

	"github.com/example/runengine/pkg/runmodel"
)

// toolCallAssembler buffers one {id, name, arguments} entry per tool-call
// index and, as further argument fragments arrive for the same index,
// returns only the newly-appended suffix so a streaming consumer can render
// arguments incrementally instead of re-sending the whole blob each time.
type toolCallAssembler struct {
	order   []string // call IDs in first-seen order
	buffers map[string]*callBuffer
}

type callBuffer struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

func newToolCallAssembler() *toolCallAssembler {
	return &toolCallAssembler{buffers: make(map[string]*callBuffer)}
}

// ingest records tc's current (possibly cumulative) arguments and returns
// the index assigned to this call plus the suffix newly appended since the
// last sighting of the same id.
func (a *toolCallAssembler) ingest(tc *runmodel.ToolCall) (index int, argsDelta string) {
	key := tc.ID
	if key == "" {
		key = tc.Name
	}
	buf, ok := a.buffers[key]
	if !ok {
		buf = &callBuffer{index: len(a.order), id: tc.ID, name: tc.Name}
		a.buffers[key] = buf
		a.order = append(a.order, key)
	}
	if tc.ID != "" {
		buf.id = tc.ID
	}
	if tc.Name != "" {
		buf.name = tc.Name
	}

	prev := buf.args.String()
	full := string(tc.Input)
	if strings.HasPrefix(full, prev) {
		argsDelta = full[len(prev):]
	} else {
		argsDelta = full
	}
	buf.args.Reset()
	buf.args.WriteString(full)

	return buf.index, argsDelta
}

// completed returns every fully-identified tool call buffered so far, in
// the order their first chunk arrived.
func (a *toolCallAssembler) completed() []runmodel.ToolCall {
	out := make([]runmodel.ToolCall, 0, len(a.order))
	for _, key := range a.order {
		buf := a.buffers[key]
		if buf.id == "" || buf.name == "" {
			continue
		}
		out = append(out, runmodel.ToolCall{
			ID:    buf.id,
			Name:  buf.name,
			Input: []byte(buf.args.String()),
			Index: buf.index,
		})
	}
	return out
}
