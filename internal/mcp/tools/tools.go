// Package tools holds the built-in tool sets that toolrelay can publish as an
// MCP server of its own. Each sub-package returns a slice of [Tool] and
// [NewServer] registers them on a go-sdk server, which the CLI then runs over
// stdio or Streamable HTTP.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/toolrelay/pkg/types"
)

// Blob is a non-text part of a tool result.
type Blob struct {
	MIMEType string
	Data     []byte
}

// Result is what a built-in handler produces. Blobs with an image/ or audio/
// type are sent as the matching MCP content; anything else becomes an
// embedded resource.
type Result struct {
	Text  string
	Blobs []Blob
}

// Text wraps a plain string result.
func Text(s string) Result { return Result{Text: s} }

// JSON encodes v as the text of a result.
func JSON(v any) (Result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Result{}, fmt.Errorf("tools: encode result: %w", err)
	}
	return Result{Text: string(data)}, nil
}

// Tool is a built-in tool ready for registration.
type Tool struct {
	// Definition is the model-facing schema. Parameters must describe an
	// object; a nil schema accepts any object.
	Definition types.ToolDefinition

	// Handler receives the raw JSON arguments ("{}" when the caller sent
	// none). A returned error is reported to the caller as a tool error, not
	// a protocol failure. Handlers must be safe for concurrent use.
	Handler func(ctx context.Context, args json.RawMessage) (Result, error)
}

// NewServer builds an MCP server exposing every tool in sets. Tool names must
// be unique across all sets.
func NewServer(name, version string, log *slog.Logger, sets ...[]Tool) (*mcpsdk.Server, error) {
	if log == nil {
		log = slog.Default()
	}
	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: name, Version: version}, nil)
	seen := make(map[string]bool)
	for _, set := range sets {
		for _, t := range set {
			def := t.Definition
			if def.Name == "" || t.Handler == nil {
				return nil, fmt.Errorf("tools: tool %q needs a name and a handler", def.Name)
			}
			if seen[def.Name] {
				return nil, fmt.Errorf("tools: duplicate tool name %q", def.Name)
			}
			seen[def.Name] = true

			schema := def.Parameters
			if schema == nil {
				schema = map[string]any{"type": "object"}
			}
			server.AddTool(&mcpsdk.Tool{
				Name:        def.Name,
				Description: def.Description,
				InputSchema: schema,
			}, handlerFor(t, log))
		}
	}
	return server, nil
}

func handlerFor(t Tool, log *slog.Logger) mcpsdk.ToolHandler {
	name := t.Definition.Name
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		args := json.RawMessage("{}")
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			args = req.Params.Arguments
		}
		start := time.Now()
		res, err := t.Handler(ctx, args)
		if err != nil {
			log.Debug("builtin tool failed", "tool", name, "err", err, "duration", time.Since(start))
			return &mcpsdk.CallToolResult{
				IsError: true,
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: err.Error()}},
			}, nil
		}
		log.Debug("builtin tool called", "tool", name, "duration", time.Since(start))
		return toContent(name, res), nil
	}
}

func toContent(tool string, res Result) *mcpsdk.CallToolResult {
	out := &mcpsdk.CallToolResult{}
	if res.Text != "" || len(res.Blobs) == 0 {
		out.Content = append(out.Content, &mcpsdk.TextContent{Text: res.Text})
	}
	for i, b := range res.Blobs {
		switch {
		case strings.HasPrefix(b.MIMEType, "image/"):
			out.Content = append(out.Content, &mcpsdk.ImageContent{MIMEType: b.MIMEType, Data: b.Data})
		case strings.HasPrefix(b.MIMEType, "audio/"):
			out.Content = append(out.Content, &mcpsdk.AudioContent{MIMEType: b.MIMEType, Data: b.Data})
		default:
			out.Content = append(out.Content, &mcpsdk.EmbeddedResource{Resource: &mcpsdk.ResourceContents{
				URI:      fmt.Sprintf("toolrelay://%s/%d", tool, i),
				MIMEType: b.MIMEType,
				Blob:     b.Data,
			}})
		}
	}
	return out
}
