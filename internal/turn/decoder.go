package turn

import (
	"context"
	"maps"
	"strings"
	"time"

	"github.com/MrWong99/toolrelay/pkg/provider/llm"
	"github.com/MrWong99/toolrelay/pkg/types"
)

// Decoder folds provider chunks into an [AssistantTurn]. It is not safe for
// concurrent use.
type Decoder struct {
	text     strings.Builder
	parts    []types.ContentPart
	media    bool // a non-text part was seen
	calls    Accumulator
	deltas   strings.Builder // streamed string reasoning
	segments []ReasoningSegment
	seen     map[ReasoningSegment]bool

	finish   string
	model    string
	genID    string
	usage    *llm.Usage
	metadata map[string]any
	started  time.Time
}

// NewDecoder returns a decoder whose turn starts now.
func NewDecoder() *Decoder {
	return &Decoder{started: time.Now(), seen: make(map[ReasoningSegment]bool)}
}

// Add folds one chunk into the turn. It returns the chunk's Err, after which
// the decoder should be discarded.
func (d *Decoder) Add(c llm.Chunk) error {
	if c.Err != nil {
		return c.Err
	}
	if c.Text != "" {
		d.text.WriteString(c.Text)
		d.appendPart(types.ContentPart{Type: types.PartText, Text: c.Text})
	}
	for _, p := range c.Parts {
		if p.Type == types.PartText {
			d.text.WriteString(p.Text)
		} else {
			d.media = true
		}
		d.appendPart(p)
	}
	for _, tc := range c.ToolCalls {
		d.calls.Add(tc)
	}
	d.addReasoning(c.Reasoning)

	if c.FinishReason != "" {
		d.finish = c.FinishReason
	}
	if c.Model != "" {
		d.model = c.Model
	}
	if c.GenerationID != "" {
		d.genID = c.GenerationID
	}
	if c.Usage != nil {
		u := *c.Usage
		d.usage = &u
	}
	if len(c.Metadata) > 0 {
		if d.metadata == nil {
			d.metadata = make(map[string]any, len(c.Metadata))
		}
		maps.Copy(d.metadata, c.Metadata)
	}
	return nil
}

// appendPart adds p, merging it into the previous part when both are text.
func (d *Decoder) appendPart(p types.ContentPart) {
	if p.Type == types.PartText {
		if p.Text == "" {
			return
		}
		if n := len(d.parts); n > 0 && d.parts[n-1].Type == types.PartText {
			d.parts[n-1].Text += p.Text
			return
		}
	}
	d.parts = append(d.parts, p)
}

// addReasoning records a reasoning payload. Plain string deltas are
// concatenated; structured payloads are normalised and deduplicated.
func (d *Decoder) addReasoning(v any) {
	switch x := v.(type) {
	case nil:
	case string:
		d.deltas.WriteString(x)
	default:
		for _, seg := range NormalizeReasoning(x) {
			if d.seen[seg] {
				continue
			}
			d.seen[seg] = true
			d.segments = append(d.segments, seg)
		}
	}
}

// ToolCallsSeen returns the number of tool-call entries accumulated so far.
func (d *Decoder) ToolCallsSeen() int { return d.calls.Len() }

// Turn finalises and returns the turn decoded so far.
func (d *Decoder) Turn() *AssistantTurn {
	t := &AssistantTurn{
		Content:      d.text.String(),
		ToolCalls:    d.calls.Finalize(d.finish),
		FinishReason: d.finish,
		Model:        d.model,
		GenerationID: d.genID,
		Usage:        d.usage,
		Metadata:     d.metadata,
		StartedAt:    d.started,
		FinishedAt:   time.Now(),
	}
	if d.media {
		t.Parts = append([]types.ContentPart(nil), d.parts...)
	}
	if strings.TrimSpace(d.deltas.String()) != "" {
		t.Reasoning = append(t.Reasoning, ReasoningSegment{Type: DefaultReasoningType, Text: d.deltas.String()})
	}
	for _, seg := range d.segments {
		if seg.Type == DefaultReasoningType && seg.Text == d.deltas.String() {
			continue
		}
		t.Reasoning = append(t.Reasoning, seg)
	}
	return t
}

// Decode reads ch until it closes and returns the decoded turn. onChunk, when
// non-nil, sees every chunk before it is folded in. A chunk carrying Err
// aborts decoding with that error. On error or cancellation the rest of ch is
// drained in the background so the provider goroutine can exit.
func Decode(ctx context.Context, ch <-chan llm.Chunk, onChunk func(llm.Chunk)) (*AssistantTurn, error) {
	d := NewDecoder()
	for {
		select {
		case <-ctx.Done():
			go drain(ch)
			return nil, ctx.Err()
		case c, ok := <-ch:
			if !ok {
				return d.Turn(), nil
			}
			if onChunk != nil {
				onChunk(c)
			}
			if err := d.Add(c); err != nil {
				go drain(ch)
				return nil, err
			}
		}
	}
}

func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}
