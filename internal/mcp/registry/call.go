package registry

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/antzucaro/matchr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/toolrelay/internal/mcp"
	"github.com/MrWong99/toolrelay/internal/observe"
)

// Suggestion tuning for unknown tool names.
const (
	suggestThreshold = 0.8
	maxSuggestions   = 3
)

// ErrUnknownTool is matched by every [*UnknownToolError].
var ErrUnknownTool = errors.New("registry: unknown tool")

// UnknownToolError is returned for a qualified name that is not in the
// current snapshot.
type UnknownToolError struct {
	Name        string
	Suggestions []string
}

func (e *UnknownToolError) Error() string {
	if len(e.Suggestions) == 0 {
		return fmt.Sprintf("registry: unknown tool %q", e.Name)
	}
	return fmt.Sprintf("registry: unknown tool %q (did you mean %s?)", e.Name, strings.Join(e.Suggestions, ", "))
}

// Is reports whether target is [ErrUnknownTool].
func (e *UnknownToolError) Is(target error) bool { return target == ErrUnknownTool }

// CallTool routes a qualified tool call. argsJSON must be a JSON object; the
// empty string and "null" mean no arguments.
func (r *Registry) CallTool(ctx context.Context, name, argsJSON string) (*mcp.ToolResult, error) {
	args, err := decodeArgs(argsJSON)
	if err != nil {
		return nil, fmt.Errorf("registry: tool %s: %w", name, err)
	}
	return r.Call(ctx, name, args)
}

// decodeArgs parses a JSON object into a map.
func decodeArgs(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if dec.More() {
		return nil, errors.New("invalid arguments: trailing data after JSON object")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("invalid arguments: expected a JSON object, got %s", jsonKind(v))
	}
	return obj, nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case []any:
		return "array"
	case string:
		return "string"
	case json.Number:
		return "number"
	case bool:
		return "boolean"
	default:
		return "null"
	}
}

// Call routes a qualified tool call with decoded arguments. The rate limiter
// and circuit breaker of the owning server gate the call.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (*mcp.ToolResult, error) {
	snap := r.Snapshot()
	b, ok := snap.Lookup(name)
	if !ok {
		return nil, &UnknownToolError{Name: name, Suggestions: suggest(name, snap.names)}
	}

	ctx, span := observe.StartSpan(ctx, "registry.call_tool")
	defer span.End()
	span.SetAttributes(
		attribute.String("tool.name", b.Name),
		attribute.String("tool.server", b.Server),
	)

	if err := b.gate.limiter.Wait(ctx); err != nil {
		span.SetStatus(codes.Error, "rate limited")
		return nil, fmt.Errorf("registry: tool %s: rate limit: %w", name, err)
	}

	start := time.Now()
	var res *mcp.ToolResult
	err := b.gate.breaker.Execute(func() error {
		var callErr error
		res, callErr = b.conn.CallTool(ctx, b.Original, args)
		return callErr
	})
	elapsed := time.Since(start)

	failed := err != nil || (res != nil && res.IsError)
	r.window(b).record(elapsed.Milliseconds(), failed)
	r.recordCall(ctx, b.Name, elapsed, err, res)

	if err != nil {
		observe.FailSpan(span, err)
		if b.conn.State() != mcp.StateReady && ctx.Err() == nil {
			r.scheduleRecovery(b.Server)
		}
		return nil, fmt.Errorf("registry: tool %s: %w", name, err)
	}
	return res, nil
}

func (r *Registry) recordCall(ctx context.Context, tool string, elapsed time.Duration, err error, res *mcp.ToolResult) {
	if r.metrics == nil {
		return
	}
	status := "ok"
	switch {
	case err != nil:
		status = "error"
	case res != nil && res.IsError:
		status = "tool_error"
	}
	r.metrics.RecordToolCall(ctx, tool, status)
	r.metrics.ToolExecutionDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("tool", tool)))
}

// window returns the latency window for a binding, creating it on first use.
func (r *Registry) window(b Binding) *latencyWindow {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	w, ok := r.stats[b.Name]
	if !ok {
		w = newLatencyWindow(defaultWindowSize)
		r.stats[b.Name] = w
	}
	return w
}

// ToolStats returns call statistics for every tool in the current snapshot,
// sorted by name. Tools that were never called report zero calls.
func (r *Registry) ToolStats() []ToolStats {
	snap := r.Snapshot()
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	out := make([]ToolStats, 0, snap.Len())
	for _, b := range snap.Bindings() {
		var st ToolStats
		if w, ok := r.stats[b.Name]; ok {
			st = w.snapshot()
		}
		st.Name = b.Name
		st.Server = b.Server
		out = append(out, st)
	}
	return out
}

// suggest ranks known names by Jaro-Winkler similarity to name. A known name
// whose unqualified part equals name always qualifies.
func suggest(name string, known []string) []string {
	type scored struct {
		name  string
		score float64
	}
	lname := strings.ToLower(name)
	var hits []scored
	for _, k := range known {
		lk := strings.ToLower(k)
		score := matchr.JaroWinkler(lname, lk, false)
		if bare := unqualified(lk); bare == lname || unqualified(lname) == lk {
			score = max(score, 1)
		}
		if score >= suggestThreshold {
			hits = append(hits, scored{k, score})
		}
	}
	slices.SortFunc(hits, func(a, b scored) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return strings.Compare(a.name, b.name)
	})
	out := make([]string, 0, min(len(hits), maxSuggestions))
	for _, h := range hits[:min(len(hits), maxSuggestions)] {
		out = append(out, h.name)
	}
	return out
}

// unqualified strips a "server__" qualifier.
func unqualified(name string) string {
	if i := strings.Index(name, qualifierSep); i >= 0 {
		return name[i+len(qualifierSep):]
	}
	return name
}
