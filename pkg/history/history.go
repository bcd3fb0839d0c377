// Package history defines durable, append-only storage for conversations.
//
// The orchestrator persists every message it appends to a conversation as a
// [Record] and rebuilds the conversation from [Store.GetMessages] at the start
// of each turn. Records of one session are returned in append order.
//
// Implementations live in sub-packages: memory for tests and single-process
// deployments, postgres for durable storage. Every implementation must be
// safe for concurrent use.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/toolrelay/pkg/types"
)

// ErrSessionNotFound is returned when appending to or reading a session that
// was never ensured.
var ErrSessionNotFound = errors.New("history: session not found")

// Record is one persisted message.
type Record struct {
	// ID is the store-assigned message id.
	ID string `json:"id"`

	// SessionID is the owning session.
	SessionID string `json:"session_id"`

	// Seq is the message's position within the session, starting at 1.
	Seq int64 `json:"seq"`

	// Message is the conversation message as appended.
	Message types.Message `json:"message"`

	// Metadata carries turn bookkeeping such as hop number, tool signal,
	// model and usage.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Timestamp is when the store accepted the message.
	Timestamp time.Time `json:"timestamp"`
}

// Store is durable, ordered, append-only conversation storage.
type Store interface {
	// EnsureSession creates the session if it does not exist.
	EnsureSession(ctx context.Context, id string) error

	// AppendMessage appends msg to the session and returns the stored record.
	AppendMessage(ctx context.Context, sessionID string, msg types.Message, metadata map[string]any) (Record, error)

	// GetMessages returns every record of the session in append order.
	GetMessages(ctx context.Context, sessionID string) ([]Record, error)
}

// Pinger is implemented by stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Messages extracts the conversation messages from records.
func Messages(records []Record) []types.Message {
	out := make([]types.Message, len(records))
	for i, r := range records {
		out[i] = r.Message
	}
	return out
}
