// Package mcp defines the shared vocabulary for supervising Model Context
// Protocol tool servers.
//
// A [ServerDescriptor] declares how to reach one server. A [Connection] owns
// that server's transport lifecycle (spawn or attach, handshake, tool list,
// calls, reconnect, teardown). The registry in package registry merges many
// connections into a single tool namespace.
//
// Lifecycle of a connection:
//
//	disconnected --Connect--> connecting --success--> ready
//	connecting --failure--> disconnected (LastError set)
//	ready --Close--> closing --> disconnected
//	ready --transport error--> disconnected (caller must reconnect)
package mcp

import "context"

// Connection supervises one tool server.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// Connect brings the connection to ready. It is idempotent and concurrent
	// callers share one in-flight attempt. Failures are *ConnectError.
	Connect(ctx context.Context) error

	// Close tears the connection down. It is idempotent and a no-op on a
	// connection that never connected.
	Close(ctx context.Context) error

	// Reconnect closes, backs off and connects again. Only attach-mode
	// connections support it, for a bounded number of attempts.
	Reconnect(ctx context.Context) error

	// ListTools re-fetches the full tool list, following pagination cursors.
	ListTools(ctx context.Context) ([]Tool, error)

	// CallTool invokes a tool by its original name. Transport errors are
	// returned; tool-reported failures come back as ToolResult.IsError.
	CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error)

	// Tools returns the tool list cached by the last successful listing.
	Tools() []Tool

	// State returns the current lifecycle state.
	State() ConnectionState

	// LastError returns the most recent connection failure, or nil.
	LastError() error

	// Attached reports whether the connection talks to a server it did not
	// spawn.
	Attached() bool

	// Status returns an operator view of the connection.
	Status() Status
}
