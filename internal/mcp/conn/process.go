package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"github.com/MrWong99/toolrelay/internal/mcp"
)

// process is a spawned server subprocess owned by one connection.
type process struct {
	cmd  *exec.Cmd
	done chan struct{} // closed when Wait returns
	err  error         // Wait result, valid after done is closed
}

// mergedEnv returns the parent environment with overrides applied. Overrides
// are appended in key order so the result is deterministic.
func mergedEnv(overrides map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

// buildCommand prepares the subprocess for desc without starting it.
func buildCommand(desc mcp.ServerDescriptor, output io.Writer) (*exec.Cmd, error) {
	exe, args := desc.Executable()
	if exe == "" {
		return nil, fmt.Errorf("server %s has no command or module", desc.ID)
	}
	cmd := exec.Command(exe, args...)
	cmd.Dir = desc.Cwd
	cmd.Env = mergedEnv(desc.Env)
	cmd.Stderr = output
	// Bounds how long Wait blocks on pipe copying after the process exits.
	cmd.WaitDelay = 2 * time.Second
	return cmd, nil
}

// startProcess launches desc as an HTTP server process. Both output streams
// go to output.
func startProcess(desc mcp.ServerDescriptor, output io.Writer) (*process, error) {
	cmd, err := buildCommand(desc, output)
	if err != nil {
		return nil, err
	}
	cmd.Stdout = output
	if err := cmd.Start(); err != nil {
		return nil, &processExitError{err: err}
	}
	p := &process{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// exited reports whether the process has terminated.
func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// terminate stops the process: SIGTERM first, then Kill after grace. It
// returns once the process has exited or after a further grace period.
func (p *process) terminate(grace time.Duration) error {
	if p == nil || p.cmd.Process == nil || p.exited() {
		return nil
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		// Signals other than Kill are unsupported on some platforms.
		_ = p.cmd.Process.Kill()
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", p.cmd.Process.Pid, err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("pid %d did not exit after kill", p.cmd.Process.Pid)
	}
}

// portOpen reports whether something accepts TCP connections on addr.
func portOpen(ctx context.Context, addr string, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = c.Close()
	return true
}

// waitPort polls addr until it accepts connections. It fails fast when exited
// is closed and gives up when ctx ends.
func waitPort(ctx context.Context, addr string, interval time.Duration, exited <-chan struct{}, exitErr func() error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if portOpen(ctx, addr, interval) {
			return nil
		}
		select {
		case <-exited:
			return &processExitError{err: exitErr()}
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", addr, ctx.Err())
		case <-ticker.C:
		}
	}
}
