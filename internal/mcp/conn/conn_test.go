package conn

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/toolrelay/internal/mcp"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClose_NeverConnected(t *testing.T) {
	t.Parallel()

	c := New(mcp.ServerDescriptor{ID: "idle", HTTPPort: 9001})
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close() = %v, want nil", err)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("second Close() = %v, want nil", err)
	}
	if c.State() != mcp.StateDisconnected {
		t.Errorf("State() = %s, want disconnected", c.State())
	}
}

func TestNotReady(t *testing.T) {
	t.Parallel()

	c := New(mcp.ServerDescriptor{ID: "idle", URL: "http://127.0.0.1:1/mcp"})
	if _, err := c.ListTools(context.Background()); !errors.Is(err, mcp.ErrNotReady) {
		t.Errorf("ListTools() = %v, want ErrNotReady", err)
	}
	if _, err := c.CallTool(context.Background(), "x", nil); !errors.Is(err, mcp.ErrNotReady) {
		t.Errorf("CallTool() = %v, want ErrNotReady", err)
	}
}

func TestConnect_AttachURL(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)

	_, endpoint := serveHTTP(t, newToolServer(2, nil))
	c := New(mcp.ServerDescriptor{ID: "remote", URL: endpoint})
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State() != mcp.StateReady {
		t.Fatalf("State() = %s, want ready", c.State())
	}
	if got := len(c.Tools()); got != 3 {
		t.Fatalf("Tools() = %d, want 3", got)
	}
	if !c.Attached() {
		t.Error("Attached() = false for url descriptor")
	}

	// Idempotent.
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("second Connect: %v", err)
	}

	res, err := c.CallTool(ctx, "tool1", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.Content != "tool1:hi" || res.IsError {
		t.Errorf("CallTool result = %+v", res)
	}

	res, err = c.CallTool(ctx, "fail", map[string]any{})
	if err != nil {
		t.Fatalf("CallTool(fail): %v", err)
	}
	if !res.IsError || res.Content != "boom" {
		t.Errorf("CallTool(fail) = %+v, want IsError boom", res)
	}

	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.State() != mcp.StateDisconnected || len(c.Tools()) != 0 {
		t.Errorf("after Close: state=%s tools=%d", c.State(), len(c.Tools()))
	}
	if _, err := c.CallTool(ctx, "tool1", nil); !errors.Is(err, mcp.ErrNotReady) {
		t.Errorf("CallTool after Close = %v, want ErrNotReady", err)
	}
}

func TestListTools_Paginates(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)

	_, endpoint := serveHTTP(t, newToolServer(5, &mcpsdk.ServerOptions{PageSize: 2}))
	c := New(mcp.ServerDescriptor{ID: "paged", URL: endpoint})
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tools, err := c.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 6 {
		t.Fatalf("ListTools() = %d tools, want 6", len(tools))
	}
	seen := map[string]bool{}
	for _, tool := range tools {
		if seen[tool.Name] {
			t.Errorf("duplicate tool %q", tool.Name)
		}
		seen[tool.Name] = true
		if tool.InputSchema == nil {
			t.Errorf("tool %q has nil schema", tool.Name)
		}
	}
}

func TestConnect_ConcurrentCallersShareAttempt(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)

	_, endpoint := serveHTTP(t, newToolServer(1, nil))
	c := New(mcp.ServerDescriptor{ID: "shared", URL: endpoint})
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.Connect(ctx)
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if c.State() != mcp.StateReady {
		t.Errorf("State() = %s, want ready", c.State())
	}
}

func TestConnect_NoTools(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)

	_, endpoint := serveHTTP(t, newToolServer(0, nil))
	c := New(mcp.ServerDescriptor{ID: "empty", URL: endpoint})
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	err := c.Connect(ctx)
	var ce *mcp.ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("Connect() = %v, want *mcp.ConnectError", err)
	}
	if ce.Kind != mcp.KindNoTools {
		t.Errorf("Kind = %s, want no_tools", ce.Kind)
	}
	if c.State() != mcp.StateDisconnected {
		t.Errorf("State() = %s, want disconnected", c.State())
	}
	if !errors.Is(c.LastError(), errNoTools) {
		t.Errorf("LastError() = %v", c.LastError())
	}
}

func TestConnect_Refused(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)

	c := New(mcp.ServerDescriptor{ID: "gone", HTTPPort: freePort(t)})
	err := c.Connect(ctx)
	var ce *mcp.ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("Connect() = %v, want *mcp.ConnectError", err)
	}
	if ce.Kind != mcp.KindRefused {
		t.Errorf("Kind = %s, want refused (err: %v)", ce.Kind, ce.Err)
	}
	if st := c.Status(); st.LastError == "" || st.State != mcp.StateDisconnected {
		t.Errorf("Status() = %+v", st)
	}
}

func TestConnect_Timeout(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)

	// A listener that never answers.
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(block) })

	c := New(mcp.ServerDescriptor{ID: "slow", URL: srv.URL + "/mcp"},
		WithTimeouts(300*time.Millisecond, 0, time.Second))
	err := c.Connect(ctx)
	var ce *mcp.ConnectError
	if !errors.As(err, &ce) || ce.Kind != mcp.KindTimeout {
		t.Fatalf("Connect() = %v, want timeout ConnectError", err)
	}
}

func TestReconnect(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)

	_, endpoint := serveHTTP(t, newToolServer(1, nil))
	c := New(mcp.ServerDescriptor{ID: "remote", URL: endpoint}, WithReconnect(10*time.Millisecond, 2))
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for i := range 2 {
		if err := c.Reconnect(ctx); err != nil {
			t.Fatalf("Reconnect %d: %v", i, err)
		}
		if c.State() != mcp.StateReady {
			t.Fatalf("after Reconnect %d: state %s", i, c.State())
		}
	}
	if err := c.Reconnect(ctx); !errors.Is(err, ErrReconnectExhausted) {
		t.Errorf("third Reconnect = %v, want ErrReconnectExhausted", err)
	}
}

func TestReconnect_SpawnedUnsupported(t *testing.T) {
	t.Parallel()

	c := New(mcp.ServerDescriptor{ID: "local", Command: "mcp-fs"})
	if err := c.Reconnect(context.Background()); !errors.Is(err, ErrReconnectUnsupported) {
		t.Errorf("Reconnect() = %v, want ErrReconnectUnsupported", err)
	}
}

func TestSpawn_Stdio(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)

	c := New(mcp.ServerDescriptor{
		ID:      "stdio",
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestHelperProcess$"},
		Env:     map[string]string{helperEnv: "stdio"},
	})
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.Attached() {
		t.Error("Attached() = true for stdio server")
	}
	res, err := c.CallTool(ctx, "tool0", map[string]any{"text": "x"})
	if err != nil || res.Content != "tool0:x" {
		t.Fatalf("CallTool = %+v, %v", res, err)
	}
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestSpawn_HTTPPort(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)

	port := freePort(t)
	c := New(mcp.ServerDescriptor{
		ID:       "spawned",
		Command:  os.Args[0],
		Args:     []string{"-test.run=^TestHelperProcess$"},
		HTTPPort: port,
		Env:      map[string]string{helperEnv: "http", "HELPER_PORT": strconv.Itoa(port)},
	}, WithPollInterval(50*time.Millisecond), WithKillGrace(500*time.Millisecond))

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v (output: %v)", err, c.RecentOutput())
	}
	if c.Attached() {
		t.Error("Attached() = true for spawned server")
	}
	if out := strings.Join(c.RecentOutput(), "\n"); !strings.Contains(out, "helper starting") {
		t.Errorf("RecentOutput() = %q, want helper banner", out)
	}
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if portOpen(ctx, "127.0.0.1:"+strconv.Itoa(port), 100*time.Millisecond) {
		t.Error("port still served after Close; process not terminated")
	}
}

func TestSpawn_ProcessExitsEarly(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)

	c := New(mcp.ServerDescriptor{
		ID:       "crashy",
		Command:  os.Args[0],
		Args:     []string{"-test.run=^TestHelperProcess$"},
		HTTPPort: freePort(t),
		Env:      map[string]string{helperEnv: "crash"},
	}, WithPollInterval(50*time.Millisecond))

	err := c.Connect(ctx)
	var ce *mcp.ConnectError
	if !errors.As(err, &ce) || ce.Kind != mcp.KindProcessExited {
		t.Fatalf("Connect() = %v, want process_exited", err)
	}
	if !strings.Contains(strings.Join(ce.Output, "\n"), "missing CALENDAR_TOKEN") {
		t.Errorf("Output = %v, want process stderr", ce.Output)
	}
}

func TestSessionLoss_MarksDisconnected(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)

	lost := make(chan string, 1)
	c := New(mcp.ServerDescriptor{
		ID:      "stdio",
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestHelperProcess$"},
		Env:     map[string]string{helperEnv: "stdio"},
	}, WithOnLost(func(id string, _ error) { lost <- id }))
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	_ = sess.Close()

	select {
	case id := <-lost:
		if id != "stdio" {
			t.Errorf("onLost id = %q", id)
		}
	case <-ctx.Done():
		t.Fatal("onLost not called")
	}
	if c.State() != mcp.StateDisconnected || c.LastError() == nil {
		t.Errorf("state=%s lastErr=%v", c.State(), c.LastError())
	}
}
