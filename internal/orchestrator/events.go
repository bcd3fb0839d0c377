package orchestrator

import "time"

// EventType names a progress event.
type EventType string

// Progress events, in the order a turn usually produces them. EventEnd is
// always the last event of a turn.
const (
	EventSessionStart EventType = "session_start"
	EventToken        EventType = "token"
	EventReasoning    EventType = "reasoning"
	EventToolStart    EventType = "tool_start"
	EventToolFinish   EventType = "tool_finish"
	EventToolError    EventType = "tool_error"
	EventNotice       EventType = "notice"
	EventMetadata     EventType = "metadata"
	EventError        EventType = "error"
	EventEnd          EventType = "end"
)

// Notice and error codes.
const (
	CodeToolsUnsupported = "tools_unsupported"
	CodeHopLimit         = "hop_limit"
	CodeProvider         = "provider_error"
	CodePersistence      = "persistence_error"
	CodeCancelled        = "cancelled"
	CodeInvalidRequest   = "invalid_request"
)

// ToolEvent describes one tool call in tool_* events.
type ToolEvent struct {
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Server     string `json:"server,omitempty"`
	Arguments  string `json:"arguments,omitempty"`
	Result     string `json:"result,omitempty"`
	Signal     Signal `json:"signal,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// Event is one progress update of a turn.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Hop       int       `json:"hop"`

	// Text carries token deltas, reasoning, notices and error messages.
	Text string `json:"text,omitempty"`

	// Code classifies notice and error events.
	Code string `json:"code,omitempty"`

	Tool     *ToolEvent     `json:"tool,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Time     time.Time      `json:"time"`
}
