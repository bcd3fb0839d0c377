// Package turn decodes a streamed model response into one [AssistantTurn].
//
// Gateways stream text fragments, multimodal parts, tool-call fragments and
// reasoning payloads in arbitrary interleavings. A [Decoder] folds those
// chunks into a turn; [Decode] runs one over a provider channel. Tool-call
// fragments are merged by an [Accumulator], and reasoning payloads of any
// shape are flattened by [NormalizeReasoning].
package turn

import (
	"time"

	"github.com/MrWong99/toolrelay/pkg/provider/llm"
	"github.com/MrWong99/toolrelay/pkg/types"
)

// Finish reasons with special meaning to the decoder.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
)

// ReasoningSegment is one normalised piece of model reasoning.
type ReasoningSegment struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// AssistantTurn is the decoded result of one provider round-trip. It is not
// modified after [Decoder.Turn] returns it.
type AssistantTurn struct {
	// Content is the concatenated text.
	Content string `json:"content"`

	// Parts is the ordered content when the model produced anything besides
	// text. Adjacent text parts are merged. Nil for text-only turns.
	Parts []types.ContentPart `json:"parts,omitempty"`

	// ToolCalls are the finalised tool calls in stream order.
	ToolCalls []types.ToolCall `json:"tool_calls,omitempty"`

	FinishReason string             `json:"finish_reason,omitempty"`
	Model        string             `json:"model,omitempty"`
	GenerationID string             `json:"generation_id,omitempty"`
	Usage        *llm.Usage         `json:"usage,omitempty"`
	Metadata     map[string]any     `json:"metadata,omitempty"`
	Reasoning    []ReasoningSegment `json:"reasoning,omitempty"`
	StartedAt    time.Time          `json:"started_at"`
	FinishedAt   time.Time          `json:"finished_at"`
}

// Message flattens the turn into an assistant message for the conversation.
func (t *AssistantTurn) Message() types.Message {
	return types.Message{
		Role:      types.RoleAssistant,
		Content:   t.Content,
		Parts:     t.Parts,
		ToolCalls: t.ToolCalls,
	}
}

// HasToolCalls reports whether the model asked for tool execution.
func (t *AssistantTurn) HasToolCalls() bool { return len(t.ToolCalls) > 0 }
