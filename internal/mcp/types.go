package mcp

import (
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"time"
)

// DefaultPath is the HTTP path used when attaching by port.
const DefaultPath = "/mcp"

// DefaultInterpreter runs module-style servers.
const DefaultInterpreter = "python3"

// Sentinel errors shared by connections and the registry.
var (
	// ErrNotReady is returned by operations that require a ready session.
	ErrNotReady = errors.New("mcp: connection not ready")

	// ErrClosed is returned when a connection was closed while an operation
	// was waiting on it.
	ErrClosed = errors.New("mcp: connection closed")
)

// LaunchMode tells how a server is reached.
type LaunchMode string

const (
	// LaunchSpawn starts a subprocess (command or module).
	LaunchSpawn LaunchMode = "spawn"

	// LaunchAttach connects to an endpoint that is already running.
	LaunchAttach LaunchMode = "attach"
)

// Transport selects the wire protocol for a server.
type Transport string

const (
	// TransportStdio talks to a spawned subprocess over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP talks MCP Streamable HTTP to an endpoint.
	TransportStreamableHTTP Transport = "streamable-http"
)

// AuthConfig configures credentials for HTTP attach mode. Either BearerToken
// or the OAuth2 client-credentials triple is set.
type AuthConfig struct {
	BearerToken  string   `yaml:"bearer_token,omitempty" json:"-"`
	TokenURL     string   `yaml:"token_url,omitempty" json:"token_url,omitempty"`
	ClientID     string   `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	ClientSecret string   `yaml:"client_secret,omitempty" json:"-"`
	Scopes       []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
}

// ServerDescriptor is the declarative configuration of one tool server.
// Exactly one launch method must be set: Command, Module, URL, or a lone
// HTTPPort. HTTPPort may accompany Command or Module, meaning the spawned
// process serves Streamable HTTP on that port.
type ServerDescriptor struct {
	ID string `yaml:"id" json:"id"`

	Command     string   `yaml:"command,omitempty" json:"command,omitempty"`
	Args        []string `yaml:"args,omitempty" json:"args,omitempty"`
	Module      string   `yaml:"module,omitempty" json:"module,omitempty"`
	Interpreter string   `yaml:"interpreter,omitempty" json:"interpreter,omitempty"`
	URL         string   `yaml:"url,omitempty" json:"url,omitempty"`
	HTTPPort    int      `yaml:"http_port,omitempty" json:"http_port,omitempty"`
	Path        string   `yaml:"path,omitempty" json:"path,omitempty"`

	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Cwd string            `yaml:"cwd,omitempty" json:"cwd,omitempty"`

	ToolPrefix    string              `yaml:"tool_prefix,omitempty" json:"tool_prefix,omitempty"`
	DisabledTools []string            `yaml:"disabled_tools,omitempty" json:"disabled_tools,omitempty"`
	Contexts      []string            `yaml:"contexts,omitempty" json:"contexts,omitempty"`
	ToolOverrides map[string][]string `yaml:"tool_overrides,omitempty" json:"tool_overrides,omitempty"`
	Clients       map[string]bool     `yaml:"clients,omitempty" json:"clients,omitempty"`
	SessionTools  []string            `yaml:"session_tools,omitempty" json:"session_tools,omitempty"`
	Disabled      bool                `yaml:"disabled,omitempty" json:"disabled,omitempty"`

	Auth        *AuthConfig   `yaml:"auth,omitempty" json:"auth,omitempty"`
	RateLimit   float64       `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	CallTimeout time.Duration `yaml:"call_timeout,omitempty" json:"call_timeout,omitempty"`
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Validate checks the descriptor in isolation. All problems are returned
// joined.
func (d ServerDescriptor) Validate() error {
	var errs []error
	if d.ID == "" {
		errs = append(errs, errors.New("id is required"))
	} else if !idPattern.MatchString(d.ID) {
		errs = append(errs, fmt.Errorf("id %q must match %s", d.ID, idPattern))
	}

	spawners := 0
	if d.Command != "" {
		spawners++
	}
	if d.Module != "" {
		spawners++
	}
	switch {
	case spawners > 1:
		errs = append(errs, errors.New("command and module are mutually exclusive"))
	case d.URL != "" && (spawners > 0 || d.HTTPPort != 0):
		errs = append(errs, errors.New("url cannot be combined with command, module or http_port"))
	case spawners == 0 && d.URL == "" && d.HTTPPort == 0:
		errs = append(errs, errors.New("one of command, module, url or http_port is required"))
	}

	if d.HTTPPort < 0 || d.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("http_port %d out of range", d.HTTPPort))
	}
	if len(d.Args) > 0 && d.Command == "" && d.Module == "" {
		errs = append(errs, errors.New("args require command or module"))
	}
	if d.Interpreter != "" && d.Module == "" {
		errs = append(errs, errors.New("interpreter requires module"))
	}
	if d.Auth != nil {
		if d.Transport() != TransportStreamableHTTP {
			errs = append(errs, errors.New("auth is only supported for HTTP servers"))
		}
		oauth := d.Auth.TokenURL != "" || d.Auth.ClientID != "" || d.Auth.ClientSecret != ""
		switch {
		case d.Auth.BearerToken != "" && oauth:
			errs = append(errs, errors.New("auth: bearer_token and client credentials are mutually exclusive"))
		case oauth && (d.Auth.TokenURL == "" || d.Auth.ClientID == ""):
			errs = append(errs, errors.New("auth: token_url and client_id are required for client credentials"))
		case !oauth && d.Auth.BearerToken == "":
			errs = append(errs, errors.New("auth: bearer_token or client credentials required"))
		}
	}
	if d.RateLimit < 0 {
		errs = append(errs, errors.New("rate_limit must not be negative"))
	}
	if d.CallTimeout < 0 {
		errs = append(errs, errors.New("call_timeout must not be negative"))
	}

	if err := errors.Join(errs...); err != nil {
		name := d.ID
		if name == "" {
			name = "<unnamed>"
		}
		return fmt.Errorf("server %s: %w", name, err)
	}
	return nil
}

// Mode returns how the server is reached.
func (d ServerDescriptor) Mode() LaunchMode {
	if d.Command != "" || d.Module != "" {
		return LaunchSpawn
	}
	return LaunchAttach
}

// Transport returns the wire protocol implied by the launch method.
func (d ServerDescriptor) Transport() Transport {
	if d.Mode() == LaunchSpawn && d.HTTPPort == 0 {
		return TransportStdio
	}
	return TransportStreamableHTTP
}

// Endpoint returns the HTTP endpoint for streamable-http servers, or "" for
// stdio servers.
func (d ServerDescriptor) Endpoint() string {
	if d.URL != "" {
		return d.URL
	}
	if d.HTTPPort == 0 {
		return ""
	}
	path := d.Path
	if path == "" {
		path = DefaultPath
	}
	return "http://127.0.0.1:" + strconv.Itoa(d.HTTPPort) + path
}

// Executable returns the program and arguments used to spawn the server.
func (d ServerDescriptor) Executable() (string, []string) {
	switch {
	case d.Command != "":
		return d.Command, slices.Clone(d.Args)
	case d.Module != "":
		interp := d.Interpreter
		if interp == "" {
			interp = DefaultInterpreter
		}
		return interp, append([]string{"-m", d.Module}, d.Args...)
	}
	return "", nil
}

// EnabledFor reports whether the server's tools are visible to clientID. An
// empty Clients map enables the server for every client.
func (d ServerDescriptor) EnabledFor(clientID string) bool {
	if d.Disabled {
		return false
	}
	if len(d.Clients) == 0 {
		return true
	}
	enabled, ok := d.Clients[clientID]
	return ok && enabled
}

// EnabledForAny reports whether at least one client may use the server.
func (d ServerDescriptor) EnabledForAny() bool {
	if d.Disabled {
		return false
	}
	if len(d.Clients) == 0 {
		return true
	}
	for _, enabled := range d.Clients {
		if enabled {
			return true
		}
	}
	return false
}

// NeedsRestart reports whether moving from d to next changes a field that
// requires relaunching the connection.
func (d ServerDescriptor) NeedsRestart(next ServerDescriptor) bool {
	return d.Command != next.Command ||
		!slices.Equal(d.Args, next.Args) ||
		d.Module != next.Module ||
		d.Interpreter != next.Interpreter ||
		d.URL != next.URL ||
		d.HTTPPort != next.HTTPPort ||
		d.Path != next.Path ||
		d.Cwd != next.Cwd ||
		!maps.Equal(d.Env, next.Env) ||
		!authEqual(d.Auth, next.Auth)
}

func authEqual(a, b *AuthConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.BearerToken == b.BearerToken &&
		a.TokenURL == b.TokenURL &&
		a.ClientID == b.ClientID &&
		a.ClientSecret == b.ClientSecret &&
		slices.Equal(a.Scopes, b.Scopes)
}

// ToolDisabled reports whether the named tool is switched off.
func (d ServerDescriptor) ToolDisabled(name string) bool {
	return slices.Contains(d.DisabledTools, name)
}

// SessionAware reports whether the named tool receives the session id.
func (d ServerDescriptor) SessionAware(name string) bool {
	return slices.Contains(d.SessionTools, name)
}

// ContextsFor returns the context tags of a tool: its override when present,
// otherwise the server-wide contexts.
func (d ServerDescriptor) ContextsFor(tool string) []string {
	if tags, ok := d.ToolOverrides[tool]; ok {
		return tags
	}
	return d.Contexts
}

// ConnectionState is the lifecycle state of one tool-server connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateReady
	StateClosing
)

// String returns the lowercase state name.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Tool is one tool as listed by a server.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Media is a binary content block returned by a tool.
type Media struct {
	MIMEType string
	Data     []byte
}

// ToolResult holds the outcome of a single tool execution.
type ToolResult struct {
	// Content is the concatenated textual output.
	Content string

	// Media holds image and audio blocks in the order they were returned.
	Media []Media

	// IsError indicates an application-level error reported by the tool, as
	// opposed to a transport failure returned via the error value.
	IsError bool

	// DurationMs is the wall-clock call time in milliseconds.
	DurationMs int64
}

// ErrorKind classifies connection failures.
type ErrorKind string

const (
	KindTimeout       ErrorKind = "timeout"
	KindDNS           ErrorKind = "dns"
	KindRefused       ErrorKind = "refused"
	KindHTTPStatus    ErrorKind = "http_status"
	KindMalformed     ErrorKind = "malformed"
	KindNoTools       ErrorKind = "no_tools"
	KindProcessExited ErrorKind = "process_exited"
	KindUnexpected    ErrorKind = "unexpected"
)

// ConnectError is the typed failure of a connection attempt.
type ConnectError struct {
	Server     string
	Kind       ErrorKind
	StatusCode int
	// Output holds the last lines the server process wrote, if it was spawned.
	Output []string
	Err    error
}

// Error implements error.
func (e *ConnectError) Error() string {
	if e.Kind == KindHTTPStatus && e.StatusCode != 0 {
		return fmt.Sprintf("mcp: server %s unavailable (%s %d): %v", e.Server, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("mcp: server %s unavailable (%s): %v", e.Server, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ConnectError) Unwrap() error { return e.Err }

// Status is a point-in-time view of one server for operators.
type Status struct {
	ID           string          `json:"id"`
	State        ConnectionState `json:"state"`
	Mode         LaunchMode      `json:"mode"`
	Endpoint     string          `json:"endpoint,omitempty"`
	Attached     bool            `json:"attached"`
	Tools        int             `json:"tools"`
	LastError    string          `json:"last_error,omitempty"`
	RecentOutput []string        `json:"recent_output,omitempty"`
}
