package turn

import (
	"strings"

	"github.com/google/uuid"

	"github.com/MrWong99/toolrelay/pkg/provider/llm"
	"github.com/MrWong99/toolrelay/pkg/types"
)

// pendingCall is one tool call under construction.
type pendingCall struct {
	index int
	id    string
	name  strings.Builder
	args  strings.Builder
}

// Accumulator merges streamed tool-call fragments. The zero value is ready
// to use. It is not safe for concurrent use.
type Accumulator struct {
	calls   []*pendingCall
	byIndex map[int]*pendingCall
}

// Add merges one fragment. A fragment joins the entry with the same index;
// without an index it joins the entry with the same id; otherwise it starts a
// new entry. Name and argument fragments are appended, never replaced.
func (a *Accumulator) Add(d llm.ToolCallDelta) {
	p := a.lookup(d)
	if p == nil {
		p = &pendingCall{index: d.Index, id: d.ID}
		a.calls = append(a.calls, p)
		if d.Index != llm.NoIndex {
			if a.byIndex == nil {
				a.byIndex = make(map[int]*pendingCall)
			}
			a.byIndex[d.Index] = p
		}
	}
	if p.id == "" {
		p.id = d.ID
	}
	p.name.WriteString(d.Name)
	p.args.WriteString(d.Arguments)
}

func (a *Accumulator) lookup(d llm.ToolCallDelta) *pendingCall {
	if d.Index != llm.NoIndex {
		return a.byIndex[d.Index]
	}
	if d.ID == "" {
		return nil
	}
	for _, p := range a.calls {
		if p.id == d.ID {
			return p
		}
	}
	return nil
}

// Len returns the number of entries seen so far, complete or not.
func (a *Accumulator) Len() int { return len(a.calls) }

// Finalize returns the complete calls in the order they first appeared. A
// call is complete when it has a name and non-blank arguments. When nothing
// is complete but the provider finished with "tool_calls", named calls with
// empty arguments are admitted with "{}". Calls without an id get one.
func (a *Accumulator) Finalize(finishReason string) []types.ToolCall {
	var out []types.ToolCall
	for _, p := range a.calls {
		name := strings.TrimSpace(p.name.String())
		args := p.args.String()
		if name == "" || strings.TrimSpace(args) == "" {
			continue
		}
		out = append(out, types.ToolCall{ID: callID(p.id), Name: name, Arguments: args})
	}
	if len(out) > 0 || finishReason != FinishToolCalls {
		return out
	}
	for _, p := range a.calls {
		name := strings.TrimSpace(p.name.String())
		if name == "" || strings.TrimSpace(p.args.String()) != "" {
			continue
		}
		out = append(out, types.ToolCall{ID: callID(p.id), Name: name, Arguments: "{}"})
	}
	return out
}

func callID(id string) string {
	if id != "" {
		return id
	}
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
