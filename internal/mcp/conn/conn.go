// Package conn supervises the transport lifecycle of a single MCP tool server.
//
// A [Connection] either spawns the server (stdio, or a subprocess that serves
// Streamable HTTP on a local port) or attaches to an endpoint that is already
// running. Each connect attempt runs in one supervisor goroutine that performs
// the launch, waits for the port, completes the MCP handshake, lists the
// tools, and then holds the session until it is closed or lost. Concurrent
// [Connection.Connect] callers share the in-flight attempt.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/toolrelay/internal/mcp"
	"github.com/MrWong99/toolrelay/internal/observe"
)

// Defaults for the connection timings.
const (
	DefaultConnectTimeout   = 30 * time.Second
	DefaultPortWaitTimeout  = 30 * time.Second
	DefaultPollInterval     = 200 * time.Millisecond
	DefaultCloseTimeout     = 5 * time.Second
	DefaultKillGrace        = 3 * time.Second
	DefaultReconnectBackoff = 2 * time.Second
	DefaultMaxReconnects    = 3
)

// maxListPages guards against servers that return a cursor forever.
const maxListPages = 1000

var (
	// ErrReconnectUnsupported is returned by Reconnect on spawned servers.
	ErrReconnectUnsupported = errors.New("conn: reconnect is only supported for attached servers")

	// ErrReconnectExhausted is returned once the reconnect budget is spent.
	ErrReconnectExhausted = errors.New("conn: reconnect attempts exhausted")
)

// Option configures a [Connection].
type Option func(*Connection)

// WithClient shares one SDK client across connections.
func WithClient(c *mcpsdk.Client) Option {
	return func(cn *Connection) { cn.client = c }
}

// WithHTTPClient sets the base HTTP client for streamable-http transports.
func WithHTTPClient(c *http.Client) Option {
	return func(cn *Connection) { cn.httpClient = c }
}

// WithLogger sets the logger. The server id is added automatically.
func WithLogger(l *slog.Logger) Option {
	return func(cn *Connection) { cn.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(cn *Connection) { cn.metrics = m }
}

// WithTimeouts overrides the connect, port-wait and close timeouts. Zero
// values keep the defaults.
func WithTimeouts(connect, portWait, close time.Duration) Option {
	return func(cn *Connection) {
		if connect > 0 {
			cn.connectTimeout = connect
		}
		if portWait > 0 {
			cn.portWaitTimeout = portWait
		}
		if close > 0 {
			cn.closeTimeout = close
		}
	}
}

// WithPollInterval overrides the port polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(cn *Connection) {
		if d > 0 {
			cn.pollInterval = d
		}
	}
}

// WithKillGrace overrides how long a process gets between SIGTERM and Kill.
func WithKillGrace(d time.Duration) Option {
	return func(cn *Connection) {
		if d > 0 {
			cn.killGrace = d
		}
	}
}

// WithReconnect overrides the reconnect backoff and attempt budget.
func WithReconnect(backoff time.Duration, attempts int) Option {
	return func(cn *Connection) {
		cn.reconnectBackoff = backoff
		if attempts > 0 {
			cn.maxReconnects = attempts
		}
	}
}

// WithOnLost registers a callback invoked when a ready session is lost. It
// runs on the supervisor goroutine and must not block.
func WithOnLost(fn func(id string, err error)) Option {
	return func(cn *Connection) { cn.onLost = fn }
}

// attempt is one supervisor run. done is closed once the attempt reached
// ready or failed; exited is closed when the supervisor returns.
type attempt struct {
	done     chan struct{}
	err      error
	stop     chan struct{}
	stopOnce sync.Once
	exited   chan struct{}
	prev     *attempt
	timedOut atomic.Bool
}

func newAttempt(prev *attempt) *attempt {
	return &attempt{
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
		prev:   prev,
	}
}

func (a *attempt) signalStop() { a.stopOnce.Do(func() { close(a.stop) }) }

// Connection supervises one tool server. It implements [mcp.Connection].
//
// The zero value is not usable; create instances with [New].
type Connection struct {
	desc       mcp.ServerDescriptor
	client     *mcpsdk.Client
	httpClient *http.Client
	log        *slog.Logger
	metrics    *observe.Metrics
	output     *outputRing
	onLost     func(id string, err error)

	connectTimeout   time.Duration
	portWaitTimeout  time.Duration
	pollInterval     time.Duration
	closeTimeout     time.Duration
	killGrace        time.Duration
	reconnectBackoff time.Duration
	maxReconnects    int

	mu         sync.Mutex
	state      mcp.ConnectionState
	lastErr    error
	session    *mcpsdk.ClientSession
	tools      []mcp.Tool
	proc       *process
	attached   bool
	cur        *attempt // most recent supervisor, nil after Close
	reconnects int
}

var _ mcp.Connection = (*Connection)(nil)

// New creates a disconnected Connection for desc. No I/O happens until
// [Connection.Connect].
func New(desc mcp.ServerDescriptor, opts ...Option) *Connection {
	c := &Connection{
		desc:             desc,
		output:           newOutputRing(defaultOutputLines),
		connectTimeout:   DefaultConnectTimeout,
		portWaitTimeout:  DefaultPortWaitTimeout,
		pollInterval:     DefaultPollInterval,
		closeTimeout:     DefaultCloseTimeout,
		killGrace:        DefaultKillGrace,
		reconnectBackoff: DefaultReconnectBackoff,
		maxReconnects:    DefaultMaxReconnects,
		attached:         desc.Mode() == mcp.LaunchAttach,
	}
	for _, o := range opts {
		o(c)
	}
	if c.client == nil {
		c.client = NewClient()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("server", desc.ID)
	return c
}

// NewClient returns the SDK client identity used for all connections.
func NewClient() *mcpsdk.Client {
	return mcpsdk.NewClient(&mcpsdk.Implementation{Name: "toolrelay", Version: "1.0.0"}, nil)
}

// Descriptor returns the descriptor the connection was created with.
func (c *Connection) Descriptor() mcp.ServerDescriptor { return c.desc }

// Connect brings the connection to ready. See [mcp.Connection.Connect].
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == mcp.StateReady {
		c.mu.Unlock()
		return nil
	}
	a := c.cur
	if a == nil || c.state != mcp.StateConnecting {
		a = newAttempt(c.cur)
		c.cur = a
		c.state = mcp.StateConnecting
		go c.supervise(a)
	}
	c.mu.Unlock()

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// supervise runs one connect attempt and then holds the session until it is
// stopped or lost.
func (c *Connection) supervise(a *attempt) {
	defer close(a.exited)

	// A previous supervisor may still be tearing down its process.
	if a.prev != nil {
		select {
		case <-a.prev.exited:
		case <-time.After(c.closeTimeout):
			c.log.Warn("previous supervisor still running")
		}
		a.prev = nil
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-a.stop:
			cancel()
		case <-sessCtx.Done():
		}
	}()

	// The handshake deadline must not outlive the attempt: a fired timer
	// cancels the whole session, a stopped one leaves it running.
	timer := time.AfterFunc(c.connectTimeout, func() {
		a.timedOut.Store(true)
		cancel()
	})
	start := time.Now()
	sess, tools, proc, err := c.establish(sessCtx)
	timer.Stop()

	select {
	case <-a.stop:
		err = mcp.ErrClosed
	default:
	}
	if err != nil {
		if sess != nil {
			_ = sess.Close()
		}
		_ = proc.terminate(c.killGrace)
		c.fail(a, err)
		return
	}

	c.mu.Lock()
	if c.cur != a {
		c.mu.Unlock()
		_ = sess.Close()
		_ = proc.terminate(c.killGrace)
		a.err = mcp.ErrClosed
		close(a.done)
		return
	}
	c.session = sess
	c.tools = tools
	c.proc = proc
	c.state = mcp.StateReady
	c.lastErr = nil
	a.err = nil
	close(a.done)
	c.mu.Unlock()

	c.log.Info("mcp server ready", "tools", len(tools), "transport", c.desc.Transport(), "attached", c.Attached(), "elapsed", time.Since(start))
	if c.metrics != nil {
		c.metrics.ConnectDuration.Record(context.Background(), time.Since(start).Seconds())
		c.metrics.ReadyConnections.Add(context.Background(), 1)
	}

	sessDone := make(chan error, 1)
	go func() { sessDone <- sess.Wait() }()
	var procDone <-chan struct{}
	if proc != nil {
		procDone = proc.done
	}

	var lost error
	select {
	case <-a.stop:
	case err := <-sessDone:
		lost = fmt.Errorf("session ended: %v", err)
		if err == nil {
			lost = errors.New("session ended")
		}
	case <-procDone:
		lost = fmt.Errorf("server process exited: %v", proc.err)
	}

	if c.metrics != nil {
		c.metrics.ReadyConnections.Add(context.Background(), -1)
	}
	if lost != nil {
		c.markLost(a, lost)
	}
	_ = sess.Close()
	if err := proc.terminate(c.killGrace); err != nil {
		c.log.Warn("failed to stop server process", "err", err)
	}
}

// establish launches or attaches, performs the handshake and lists tools.
// On error, any returned session or process is still owned by the caller.
func (c *Connection) establish(ctx context.Context) (*mcpsdk.ClientSession, []mcp.Tool, *process, error) {
	transport, proc, err := c.transport(ctx)
	if err != nil {
		return nil, nil, proc, err
	}

	sess, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, nil, proc, fmt.Errorf("handshake: %w", err)
	}

	tools, err := listAll(ctx, sess)
	if err != nil {
		return sess, nil, proc, fmt.Errorf("list tools: %w", err)
	}
	if len(tools) == 0 {
		return sess, nil, proc, errNoTools
	}
	return sess, tools, proc, nil
}

// transport builds the SDK transport, spawning the server first if needed.
func (c *Connection) transport(ctx context.Context) (mcpsdk.Transport, *process, error) {
	desc := c.desc
	if desc.Transport() == mcp.TransportStdio {
		cmd, err := buildCommand(desc, c.output)
		if err != nil {
			return nil, nil, err
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil, nil
	}

	endpoint := desc.Endpoint()
	httpClient := httpClientFor(desc.Auth, c.httpClient)
	if desc.Mode() == mcp.LaunchAttach {
		return &mcpsdk.StreamableClientTransport{Endpoint: endpoint, HTTPClient: httpClient}, nil, nil
	}

	addr := hostPort(endpoint)
	if portOpen(ctx, addr, c.pollInterval) {
		c.log.Info("port already served, attaching without spawning", "addr", addr)
		c.setAttached(true)
		return &mcpsdk.StreamableClientTransport{Endpoint: endpoint, HTTPClient: httpClient}, nil, nil
	}
	c.setAttached(false)

	proc, err := startProcess(desc, c.output)
	if err != nil {
		return nil, nil, err
	}
	c.log.Debug("spawned mcp server", "pid", proc.cmd.Process.Pid, "addr", addr)

	waitCtx, cancel := context.WithTimeout(ctx, c.portWaitTimeout)
	defer cancel()
	if err := waitPort(waitCtx, addr, c.pollInterval, proc.done, func() error { return proc.err }); err != nil {
		return nil, proc, err
	}
	return &mcpsdk.StreamableClientTransport{Endpoint: endpoint, HTTPClient: httpClient}, proc, nil
}

func hostPort(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}

func (c *Connection) setAttached(v bool) {
	c.mu.Lock()
	c.attached = v
	c.mu.Unlock()
}

// fail records a failed attempt and releases its waiters.
func (c *Connection) fail(a *attempt, err error) {
	ce := classify(c.desc.ID, err, a.timedOut.Load())
	ce.Output = c.output.Tail(20)

	if !errors.Is(err, mcp.ErrClosed) {
		attrs := []any{"kind", ce.Kind, "err", ce.Err, "hint", hint(ce)}
		if ce.StatusCode != 0 {
			attrs = append(attrs, "status", ce.StatusCode)
		}
		if len(ce.Output) > 0 {
			attrs = append(attrs, "output", strings.Join(ce.Output, "\n"))
		}
		c.log.Error("mcp server unavailable", attrs...)
		if c.metrics != nil {
			c.metrics.RecordConnectError(context.Background(), c.desc.ID, string(ce.Kind))
		}
	}

	c.mu.Lock()
	if c.cur == a {
		c.state = mcp.StateDisconnected
		c.lastErr = ce
	}
	a.err = ce
	close(a.done)
	c.mu.Unlock()
}

// markLost moves a ready connection to disconnected after a transport loss.
func (c *Connection) markLost(a *attempt, err error) {
	c.mu.Lock()
	if c.cur != a || c.state != mcp.StateReady {
		c.mu.Unlock()
		return
	}
	c.state = mcp.StateDisconnected
	c.lastErr = err
	c.session = nil
	c.tools = nil
	c.proc = nil
	c.mu.Unlock()

	c.log.Warn("mcp session lost", "err", err)
	if c.onLost != nil {
		c.onLost(c.desc.ID, err)
	}
}

// Close tears the connection down. See [mcp.Connection.Close].
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	a := c.cur
	if a == nil {
		c.mu.Unlock()
		return nil
	}
	c.state = mcp.StateClosing
	proc := c.proc
	c.mu.Unlock()

	a.signalStop()

	var err error
	select {
	case <-a.exited:
	case <-time.After(c.closeTimeout):
		err = fmt.Errorf("conn: close %s: supervisor did not stop within %s", c.desc.ID, c.closeTimeout)
	case <-ctx.Done():
		err = fmt.Errorf("conn: close %s: %w", c.desc.ID, ctx.Err())
	}
	if err != nil && proc != nil {
		if kerr := proc.terminate(c.killGrace); kerr != nil {
			err = errors.Join(err, kerr)
		}
	}

	c.mu.Lock()
	if c.cur == a {
		c.cur = nil
		c.state = mcp.StateDisconnected
		c.session = nil
		c.tools = nil
		c.proc = nil
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("mcp server close incomplete", "err", err)
	} else {
		c.log.Debug("mcp server closed")
	}
	return err
}

// Reconnect closes, backs off and connects again. See
// [mcp.Connection.Reconnect].
func (c *Connection) Reconnect(ctx context.Context) error {
	if !c.Attached() {
		return ErrReconnectUnsupported
	}
	c.mu.Lock()
	if c.reconnects >= c.maxReconnects {
		c.mu.Unlock()
		return ErrReconnectExhausted
	}
	c.reconnects++
	n := c.reconnects
	c.mu.Unlock()

	c.log.Info("reconnecting mcp server", "attempt", n, "max", c.maxReconnects)
	if err := c.Close(ctx); err != nil {
		c.log.Warn("close before reconnect failed", "err", err)
	}

	select {
	case <-time.After(c.reconnectBackoff):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("conn: reconnect %s (attempt %d/%d): %w", c.desc.ID, n, c.maxReconnects, err)
	}
	return nil
}

// readySession returns the live session or ErrNotReady.
func (c *Connection) readySession() (*mcpsdk.ClientSession, *attempt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != mcp.StateReady || c.session == nil {
		return nil, nil, mcp.ErrNotReady
	}
	return c.session, c.cur, nil
}

// ListTools re-fetches the tool list. See [mcp.Connection.ListTools].
func (c *Connection) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	sess, a, err := c.readySession()
	if err != nil {
		return nil, err
	}
	tools, err := listAll(ctx, sess)
	if err != nil {
		if isTransportError(err) {
			c.markLost(a, err)
		}
		return nil, fmt.Errorf("conn: list tools on %s: %w", c.desc.ID, err)
	}
	c.mu.Lock()
	if c.cur == a && c.state == mcp.StateReady {
		c.tools = tools
	}
	c.mu.Unlock()
	return tools, nil
}

// CallTool invokes a tool by its original name. See [mcp.Connection.CallTool].
func (c *Connection) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.ToolResult, error) {
	sess, a, err := c.readySession()
	if err != nil {
		return nil, err
	}
	if c.desc.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.desc.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := sess.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		if isTransportError(err) {
			c.markLost(a, err)
		}
		return nil, fmt.Errorf("conn: call %s on %s: %w", name, c.desc.ID, err)
	}
	out := convertResult(res)
	out.DurationMs = time.Since(start).Milliseconds()
	return out, nil
}

// Tools returns the cached tool list.
func (c *Connection) Tools() []mcp.Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]mcp.Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// State returns the current lifecycle state.
func (c *Connection) State() mcp.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the most recent failure.
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Attached reports whether the server was not spawned by this connection.
func (c *Connection) Attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached
}

// RecentOutput returns the retained output of the spawned process.
func (c *Connection) RecentOutput() []string { return c.output.Lines() }

// Status returns an operator view of the connection.
func (c *Connection) Status() mcp.Status {
	c.mu.Lock()
	st := mcp.Status{
		ID:       c.desc.ID,
		State:    c.state,
		Mode:     c.desc.Mode(),
		Endpoint: c.desc.Endpoint(),
		Attached: c.attached,
		Tools:    len(c.tools),
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	c.mu.Unlock()
	st.RecentOutput = c.output.Tail(50)
	return st
}

// listAll pages through tools/list until the cursor is exhausted.
func listAll(ctx context.Context, sess *mcpsdk.ClientSession) ([]mcp.Tool, error) {
	var out []mcp.Tool
	cursor := ""
	for range maxListPages {
		res, err := sess.ListTools(ctx, &mcpsdk.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		for _, t := range res.Tools {
			if t == nil {
				continue
			}
			out = append(out, mcp.Tool{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: schemaToMap(t.InputSchema),
			})
		}
		if res.NextCursor == "" {
			return out, nil
		}
		cursor = res.NextCursor
	}
	return nil, fmt.Errorf("tools/list did not terminate after %d pages", maxListPages)
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// convertResult flattens SDK content blocks into a ToolResult.
func convertResult(res *mcpsdk.CallToolResult) *mcp.ToolResult {
	out := &mcp.ToolResult{IsError: res.IsError}
	var sb strings.Builder
	for _, content := range res.Content {
		switch v := content.(type) {
		case *mcpsdk.TextContent:
			sb.WriteString(v.Text)
		case *mcpsdk.ImageContent:
			out.Media = append(out.Media, mcp.Media{MIMEType: v.MIMEType, Data: v.Data})
		case *mcpsdk.AudioContent:
			out.Media = append(out.Media, mcp.Media{MIMEType: v.MIMEType, Data: v.Data})
		case *mcpsdk.EmbeddedResource:
			if v.Resource == nil {
				continue
			}
			if v.Resource.Text != "" {
				sb.WriteString(v.Resource.Text)
			} else if len(v.Resource.Blob) > 0 {
				out.Media = append(out.Media, mcp.Media{MIMEType: v.Resource.MIMEType, Data: v.Resource.Blob})
			}
		case *mcpsdk.ResourceLink:
			fmt.Fprintf(&sb, "[%s](%s)", v.Name, v.URI)
		}
	}
	if sb.Len() == 0 && res.StructuredContent != nil {
		if data, err := json.Marshal(res.StructuredContent); err == nil {
			sb.Write(data)
		}
	}
	out.Content = sb.String()
	return out
}
