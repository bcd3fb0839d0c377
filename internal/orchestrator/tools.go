package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/toolrelay/internal/mcp"
	"github.com/MrWong99/toolrelay/internal/observe"
	"github.com/MrWong99/toolrelay/pkg/types"
)

// sessionArg is the argument injected into session-aware tools.
const sessionArg = "session_id"

// toolResult is the tool message produced for one call plus its metadata.
type toolResult struct {
	types.Message
	metadata map[string]any
}

// execute runs one tool call and always produces a tool message, even when
// the call is rejected before reaching a server.
func (t *turnRun) execute(ctx context.Context, call types.ToolCall) toolResult {
	ctx, span := observe.StartSpan(ctx, "orchestrator.tool")
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", call.Name), attribute.Int("turn.hop", t.hop))

	ev := &ToolEvent{CallID: call.ID, Name: call.Name, Arguments: call.Arguments}
	if t.o.tools != nil {
		if b, ok := t.o.tools.Lookup(call.Name); ok {
			ev.Server = b.Server
		}
	}
	t.emit(ctx, Event{Type: EventToolStart, Tool: ev})

	start := time.Now()
	content, media, outcome := t.invoke(ctx, call)
	elapsed := time.Since(start)

	signal := t.settings.classifier.Classify(outcome)
	failed := outcome.Err != nil || outcome.IsError
	if failed {
		span.SetStatus(codes.Error, content)
	}
	span.SetAttributes(attribute.String("tool.signal", string(signal)))

	done := *ev
	done.Result = content
	done.Signal = signal
	done.DurationMs = elapsed.Milliseconds()
	typ := EventToolFinish
	if failed {
		typ = EventToolError
	}
	t.emit(ctx, Event{Type: typ, Tool: &done})

	msg := types.Message{
		Role:       types.RoleTool,
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    content,
	}
	if len(media) > 0 {
		msg.Parts = append([]types.ContentPart{{Type: types.PartText, Text: content}}, t.storeMedia(ctx, media)...)
	}
	md := map[string]any{
		"hop":         t.hop,
		"tool":        call.Name,
		"is_error":    failed,
		"duration_ms": elapsed.Milliseconds(),
	}
	if ev.Server != "" {
		md["server"] = ev.Server
	}
	if signal != SignalNone {
		md["signal"] = string(signal)
	}
	return toolResult{Message: msg, metadata: md}
}

// invoke validates the call and routes it. The returned content is what the
// model sees.
func (t *turnRun) invoke(ctx context.Context, call types.ToolCall) (string, []mcp.Media, Outcome) {
	out := Outcome{Tool: call.Name}
	reject := func(format string, args ...any) (string, []mcp.Media, Outcome) {
		out.Err = fmt.Errorf(format, args...)
		out.Content = "Error: " + out.Err.Error()
		return out.Content, nil, out
	}

	if strings.TrimSpace(call.Name) == "" {
		return reject("tool call is missing a name")
	}
	if t.o.tools == nil {
		return reject("no tools are available; tool %s cannot be called", call.Name)
	}
	if strings.TrimSpace(call.Arguments) == "" {
		return reject("missing arguments for tool %s", call.Name)
	}
	args, err := parseArguments(call.Arguments)
	if err != nil {
		return reject("invalid arguments for tool %s: %v", call.Name, err)
	}
	if b, ok := t.o.tools.Lookup(call.Name); ok && b.SessionAware {
		if _, set := args[sessionArg]; !set {
			args[sessionArg] = t.sessionID
		}
	}

	res, err := t.o.tools.Call(ctx, call.Name, args)
	if err != nil {
		t.log.Warn("tool call failed", "tool", call.Name, "err", err)
		return reject("%v", err)
	}
	out.Content = res.Content
	out.IsError = res.IsError
	return res.Content, res.Media, out
}

// parseArguments decodes a JSON object. Numbers keep their literal form.
func parseArguments(raw string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("unexpected data after JSON value")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a JSON object")
	}
	return obj, nil
}

// storeMedia turns tool media into attachment parts. Media that cannot be
// stored is dropped with a warning.
func (t *turnRun) storeMedia(ctx context.Context, media []mcp.Media) []types.ContentPart {
	if t.o.attachments == nil {
		return nil
	}
	var parts []types.ContentPart
	for _, m := range media {
		ref, err := t.o.attachments.Put(ctx, m.Data, m.MIMEType)
		if err != nil {
			t.log.Warn("dropping tool media", "mime", m.MIMEType, "err", err)
			continue
		}
		typ := types.PartFile
		if strings.HasPrefix(m.MIMEType, "image/") {
			typ = types.PartImage
		}
		parts = append(parts, types.ContentPart{Type: typ, URL: ref.URL, MIMEType: m.MIMEType, AttachmentID: ref.ID})
	}
	return parts
}
