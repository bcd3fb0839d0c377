package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"syscall"

	"github.com/MrWong99/toolrelay/internal/mcp"
)

// errNoTools is returned when a server completes the handshake but lists no
// tools, which would violate the ready invariant.
var errNoTools = errors.New("server listed no tools")

// processExitError reports that a spawned server exited before it became
// reachable.
type processExitError struct {
	err error
}

func (e *processExitError) Error() string {
	if e.err == nil {
		return "process exited before accepting connections"
	}
	return fmt.Sprintf("process exited before accepting connections: %v", e.err)
}

func (e *processExitError) Unwrap() error { return e.err }

// statusCodes are the HTTP statuses recognised in transport error text.
var statusCodes = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusMethodNotAllowed,
	http.StatusNotAcceptable,
	http.StatusRequestTimeout,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// classify maps a raw connect failure to a typed *mcp.ConnectError.
func classify(server string, err error, timedOut bool) *mcp.ConnectError {
	var ce *mcp.ConnectError
	if errors.As(err, &ce) {
		return ce
	}
	out := &mcp.ConnectError{Server: server, Kind: mcp.KindUnexpected, Err: err}

	var (
		dnsErr  *net.DNSError
		exitErr *processExitError
		execErr *exec.Error
		synErr  *json.SyntaxError
		typErr  *json.UnmarshalTypeError
	)
	msg := strings.ToLower(err.Error())

	switch {
	case timedOut || errors.Is(err, context.DeadlineExceeded):
		out.Kind = mcp.KindTimeout
	case errors.As(err, &exitErr), errors.As(err, &execErr):
		out.Kind = mcp.KindProcessExited
	case errors.Is(err, errNoTools):
		out.Kind = mcp.KindNoTools
	case errors.As(err, &dnsErr):
		out.Kind = mcp.KindDNS
	case errors.Is(err, syscall.ECONNREFUSED), strings.Contains(msg, "connection refused"):
		out.Kind = mcp.KindRefused
	default:
		if code := statusFromText(err.Error()); code != 0 {
			out.Kind = mcp.KindHTTPStatus
			out.StatusCode = code
			break
		}
		if errors.As(err, &synErr) || errors.As(err, &typErr) ||
			errors.Is(err, io.ErrUnexpectedEOF) ||
			strings.Contains(msg, "invalid character") ||
			strings.Contains(msg, "unexpected content type") ||
			strings.Contains(msg, "malformed") {
			out.Kind = mcp.KindMalformed
		}
	}
	return out
}

// statusFromText finds an HTTP status in a transport error message. The SDK
// reports non-2xx responses as text, not as a typed error.
func statusFromText(msg string) int {
	for _, code := range statusCodes {
		text := http.StatusText(code)
		if strings.Contains(msg, fmt.Sprintf("%d %s", code, text)) ||
			strings.Contains(msg, fmt.Sprintf("status %d", code)) ||
			strings.Contains(msg, fmt.Sprintf("status code %d", code)) ||
			strings.Contains(msg, fmt.Sprintf("status code: %d", code)) {
			return code
		}
	}
	return 0
}

// hint returns an operator-facing suggestion for a failure kind.
func hint(ce *mcp.ConnectError) string {
	switch ce.Kind {
	case mcp.KindTimeout:
		return "server did not finish the handshake in time; check that it speaks MCP on this endpoint and is not blocked on startup"
	case mcp.KindDNS:
		return "host name could not be resolved; check the url"
	case mcp.KindRefused:
		return "nothing is listening on the endpoint; start the server or fix http_port"
	case mcp.KindHTTPStatus:
		switch {
		case ce.StatusCode == http.StatusUnauthorized || ce.StatusCode == http.StatusForbidden:
			return "endpoint rejected the credentials; check auth settings"
		case ce.StatusCode == http.StatusNotFound:
			return "endpoint path not found; check path (default /mcp)"
		case ce.StatusCode >= 500:
			return "server failed internally; see its output"
		}
		return "endpoint returned an unexpected HTTP status"
	case mcp.KindMalformed:
		return "endpoint answered with something other than MCP; check url and path"
	case mcp.KindNoTools:
		return "server exposes no tools; check its configuration"
	case mcp.KindProcessExited:
		return "server process exited during startup; see its output"
	default:
		return "unexpected failure"
	}
}

// isTransportError reports whether a call failure means the session is gone.
func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		strings.Contains(strings.ToLower(err.Error()), "connection closed")
}
