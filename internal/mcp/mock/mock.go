// Package mock provides an in-memory test double for the [mcp.Connection]
// interface.
//
// [Connection] records every method call for assertion in tests and exposes
// exported fields that control what the mock returns. It follows the real
// state machine closely enough for registry tests: Connect moves it to ready,
// Close back to disconnected, and ListTools/CallTool require ready. It is safe
// for concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	c := mock.New("weather", mcp.Tool{Name: "forecast"})
//	c.CallResult = &mcp.ToolResult{Content: "sunny"}
//
//	// inject c into the registry via a Dialer …
//
//	if got := c.CallCount("CallTool"); got != 1 {
//	    t.Errorf("expected 1 CallTool call, got %d", got)
//	}
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/toolrelay/internal/mcp"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Connection is a configurable test double for [mcp.Connection].
// All exported *Err fields default to nil (success).
type Connection struct {
	mu sync.Mutex

	calls []Call
	state mcp.ConnectionState
	last  error

	// ID is reported by Status.
	ID string

	// ToolList is what Connect caches and ListTools returns.
	ToolList []mcp.Tool

	// IsAttached is returned by Attached.
	IsAttached bool

	// ConnectErr is returned by Connect when non-nil. An empty ToolList makes
	// Connect fail with a no_tools ConnectError unless ConnectErr is set.
	ConnectErr error

	// ListErr is returned by ListTools when non-nil.
	ListErr error

	// CallResult is returned by CallTool when CallErr and CallFunc are nil.
	// When nil, a ToolResult echoing the tool name is returned.
	CallResult *mcp.ToolResult

	// CallErr is returned by CallTool when non-nil.
	CallErr error

	// CallFunc, when set, computes the CallTool response.
	CallFunc func(name string, args map[string]any) (*mcp.ToolResult, error)

	// ReconnectErr is returned by Reconnect when non-nil.
	ReconnectErr error

	// LoseOnCallErr moves the mock to disconnected when CallTool fails.
	LoseOnCallErr bool
}

var _ mcp.Connection = (*Connection)(nil)

// New returns a disconnected mock exposing tools.
func New(id string, tools ...mcp.Tool) *Connection {
	return &Connection{ID: id, ToolList: tools}
}

func (c *Connection) record(method string, args ...any) {
	c.calls = append(c.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of all recorded method invocations.
func (c *Connection) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (c *Connection) CallCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (c *Connection) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

// SetTools replaces the tool list under the lock.
func (c *Connection) SetTools(tools ...mcp.Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ToolList = tools
}

// Drop simulates a transport loss.
func (c *Connection) Drop(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = mcp.StateDisconnected
	c.last = err
}

// Connect implements [mcp.Connection].
func (c *Connection) Connect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("Connect")
	if c.state == mcp.StateReady {
		return nil
	}
	switch {
	case c.ConnectErr != nil:
		c.state = mcp.StateDisconnected
		c.last = c.ConnectErr
		return c.ConnectErr
	case len(c.ToolList) == 0:
		err := &mcp.ConnectError{Server: c.ID, Kind: mcp.KindNoTools, Err: errors.New("server listed no tools")}
		c.state = mcp.StateDisconnected
		c.last = err
		return err
	}
	c.state = mcp.StateReady
	c.last = nil
	return nil
}

// Close implements [mcp.Connection].
func (c *Connection) Close(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("Close")
	c.state = mcp.StateDisconnected
	return nil
}

// Reconnect implements [mcp.Connection].
func (c *Connection) Reconnect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("Reconnect")
	if c.ReconnectErr != nil {
		return c.ReconnectErr
	}
	c.state = mcp.StateReady
	c.last = nil
	return nil
}

// ListTools implements [mcp.Connection].
func (c *Connection) ListTools(_ context.Context) ([]mcp.Tool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("ListTools")
	if c.state != mcp.StateReady {
		return nil, mcp.ErrNotReady
	}
	if c.ListErr != nil {
		return nil, c.ListErr
	}
	out := make([]mcp.Tool, len(c.ToolList))
	copy(out, c.ToolList)
	return out, nil
}

// CallTool implements [mcp.Connection].
func (c *Connection) CallTool(_ context.Context, name string, args map[string]any) (*mcp.ToolResult, error) {
	c.mu.Lock()
	c.record("CallTool", name, args)
	if c.state != mcp.StateReady {
		c.mu.Unlock()
		return nil, mcp.ErrNotReady
	}
	fn, res, callErr := c.CallFunc, c.CallResult, c.CallErr
	c.mu.Unlock()

	var err error
	switch {
	case callErr != nil:
		err = callErr
	case fn != nil:
		res, err = fn(name, args)
	case res == nil:
		res = &mcp.ToolResult{Content: name}
	default:
		cp := *res
		res = &cp
	}
	if err != nil {
		if c.LoseOnCallErr {
			c.Drop(err)
		}
		return nil, err
	}
	return res, nil
}

// Tools implements [mcp.Connection].
func (c *Connection) Tools() []mcp.Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != mcp.StateReady {
		return nil
	}
	out := make([]mcp.Tool, len(c.ToolList))
	copy(out, c.ToolList)
	return out
}

// State implements [mcp.Connection].
func (c *Connection) State() mcp.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError implements [mcp.Connection].
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Attached implements [mcp.Connection].
func (c *Connection) Attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.IsAttached
}

// Status implements [mcp.Connection].
func (c *Connection) Status() mcp.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := mcp.Status{ID: c.ID, State: c.state, Attached: c.IsAttached}
	if c.state == mcp.StateReady {
		st.Tools = len(c.ToolList)
	}
	if c.last != nil {
		st.LastError = c.last.Error()
	}
	return st
}
