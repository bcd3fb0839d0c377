// Package types defines the conversation types shared across toolrelay packages.
//
// These types form the lingua franca between model gateways, the tool registry,
// the turn decoder, and the persistence layer. Cross-cutting data structures
// live here to avoid circular imports; each package still owns its own domain
// types.
package types

import "strings"

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// PartType identifies the kind of a [ContentPart].
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
	PartFile  PartType = "file"
	PartOther PartType = "other"
)

// ContentPart is one typed segment of a multimodal message.
type ContentPart struct {
	// Type selects which of the remaining fields are meaningful.
	Type PartType `json:"type"`

	// Text holds the segment text when Type is [PartText].
	Text string `json:"text,omitempty"`

	// URL references the media for image and file parts. It is either a
	// retrievable URL or an inline data: URL before attachment storage.
	URL string `json:"url,omitempty"`

	// MIMEType is the media type of URL or Data, when known.
	MIMEType string `json:"mime_type,omitempty"`

	// AttachmentID is set once the media has been stored as an attachment.
	AttachmentID string `json:"attachment_id,omitempty"`

	// Raw holds the provider payload for parts of type [PartOther].
	Raw map[string]any `json:"raw,omitempty"`
}

// Message represents a single message in a conversation.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string `json:"role"`

	// Content is the plain-text content of the message.
	Content string `json:"content,omitempty"`

	// Parts holds ordered multimodal segments. When non-empty it supersedes
	// Content for providers that accept structured content.
	Parts []ContentPart `json:"parts,omitempty"`

	// Name is an optional participant name.
	Name string `json:"name,omitempty"`

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID is set when Role is "tool", identifying which tool call this responds to.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Text returns the textual content of m. For multimodal messages the text
// parts are concatenated in order.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// ToolCall represents a tool/function invocation requested by the model.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string `json:"id"`

	// Name is the tool/function name as offered to the model.
	Name string `json:"name"`

	// Arguments is the JSON-encoded arguments string.
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a tool that can be offered to a model.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string `json:"name"`

	// Description explains what the tool does (included in model prompts).
	Description string `json:"description,omitempty"`

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ModelCapabilities describes what a model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsVision indicates the model can process image inputs.
	SupportsVision bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}
