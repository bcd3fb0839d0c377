// Package llm defines the Provider interface for model gateway backends.
//
// A provider wraps a remote or local model API (OpenAI, Anthropic, a local
// Ollama instance, ...) and exposes a uniform streaming interface. Providers
// do not interpret the stream: every chunk carries the raw deltas exactly as
// the gateway produced them (text fragments, content parts, tool-call
// fragments with their index and id, reasoning payloads, usage). Turning that
// stream into a structured assistant turn is the job of the turn decoder.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamChat must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import (
	"context"

	"github.com/MrWong99/toolrelay/pkg/types"
)

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatRequest carries everything the gateway needs to produce a streamed reply.
type ChatRequest struct {
	// Model overrides the provider's configured model when non-empty.
	Model string

	// Messages is the ordered conversation history.
	Messages []types.Message

	// Tools is the set of tool definitions offered to the model. Nil means the
	// request is sent without any tools attached.
	Tools []types.ToolDefinition

	// ToolChoice forces the model to call the named tool when non-empty.
	ToolChoice string

	// Temperature controls output randomness. Nil leaves the provider default.
	Temperature *float64

	// MaxTokens caps the number of completion tokens. Zero means provider default.
	MaxTokens int

	// SystemPrompt is prepended as a system message when non-empty.
	SystemPrompt string
}

// NoIndex marks a [ToolCallDelta] whose provider did not supply an index.
const NoIndex = -1

// ToolCallDelta is one streamed fragment of a tool call. Name and Arguments
// are fragments: they must be concatenated with earlier fragments that share
// the same Index (or, without an index, the same ID).
type ToolCallDelta struct {
	// Index is the provider-assigned position of the call, or [NoIndex].
	Index int

	// ID is the call id. Usually present only on the first fragment.
	ID string

	// Name is a fragment of the function name.
	Name string

	// Arguments is a fragment of the JSON argument string.
	Arguments string
}

// Chunk is one raw event from a streaming chat completion. A single chunk may
// carry any combination of fields.
type Chunk struct {
	// Text is an incremental text fragment.
	Text string

	// Parts holds multimodal content segments emitted by the gateway.
	Parts []types.ContentPart

	// ToolCalls holds tool-call fragments.
	ToolCalls []ToolCallDelta

	// Reasoning is the raw reasoning payload (string, list, or decoded JSON
	// object) when the gateway streams model reasoning.
	Reasoning any

	// FinishReason is set on the final chunk: "stop", "length", "tool_calls", ...
	FinishReason string

	// Model is the model id actually used, when reported.
	Model string

	// GenerationID is the gateway's id for this completion, when reported.
	GenerationID string

	// Usage is set when the gateway reports token accounting.
	Usage *Usage

	// Metadata holds free-form provider fields.
	Metadata map[string]any

	// Err is non-nil when the stream failed after it was opened. It is always
	// the last chunk on the channel.
	Err error
}

// Provider is the abstraction over any model gateway.
type Provider interface {
	// StreamChat sends req to the model and returns a channel of raw chunks.
	// The initial error is non-nil only for failures that prevent the stream
	// from starting; it should be a *[ProviderError] whenever the gateway
	// answered with an HTTP status. Failures after the stream opened arrive as
	// a final Chunk with Err set.
	//
	// Callers must drain the channel. The returned channel is never nil when
	// error is nil.
	StreamChat(ctx context.Context, req ChatRequest) (<-chan Chunk, error)

	// Capabilities returns static metadata describing the configured model.
	Capabilities() types.ModelCapabilities
}
