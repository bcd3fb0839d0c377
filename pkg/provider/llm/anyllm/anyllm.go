// Package anyllm adapts github.com/mozilla-ai/any-llm-go to [llm.Provider],
// giving the relay one gateway for every backend any-llm-go speaks.
//
//	p, err := anyllm.New("anthropic", "claude-sonnet-4", anyllmlib.WithAPIKey(key))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/toolrelay/pkg/provider/llm"
	"github.com/MrWong99/toolrelay/pkg/types"
)

var _ llm.Provider = (*Provider)(nil)

// backends maps a provider name to its any-llm-go constructor. Backends
// without an API key option fall back to their usual environment variable
// (OPENAI_API_KEY, ANTHROPIC_API_KEY, ...); local ones use their default port.
var backends = map[string]func(...anyllmlib.Option) (anyllmlib.Provider, error){
	"openai":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anyllmoai.New(o...) },
	"anthropic": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anthropic.New(o...) },
	"gemini":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return gemini.New(o...) },
	"ollama":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return ollama.New(o...) },
	"deepseek":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return deepseek.New(o...) },
	"mistral":   func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return mistral.New(o...) },
	"groq":      func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return groq.New(o...) },
	"llamacpp":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamacpp.New(o...) },
	"llamafile": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamafile.New(o...) },
}

// Backends returns the supported provider names, sorted.
func Backends() []string {
	return slices.Sorted(maps.Keys(backends))
}

// Provider streams chat completions through one any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
}

// New returns a Provider for the named backend (see [Backends]) and default
// model. Case is ignored in name.
func New(name, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("anyllm: model must not be empty")
	}
	name = strings.ToLower(name)
	ctor, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported backend %q (supported: %s)", name, strings.Join(Backends(), ", "))
	}
	backend, err := ctor(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %s backend: %w", name, err)
	}
	return &Provider{backend: backend, name: name, model: model}, nil
}

// StreamChat implements llm.Provider. any-llm-go does not carry tool-call
// indexes, so fragments are keyed by call id (see [callTracker]).
func (p *Provider) StreamChat(ctx context.Context, req llm.ChatRequest) (<-chan llm.Chunk, error) {
	params := p.buildParams(req)

	backendChunks, backendErrs := p.backend.CompletionStream(ctx, params)

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)

		var calls callTracker
		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			delta := choice.Delta

			out := llm.Chunk{
				Text:         delta.Content,
				FinishReason: choice.FinishReason,
				Model:        params.Model,
			}
			for _, tc := range delta.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, calls.delta(tc))
			}

			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		if err := <-backendErrs; err != nil {
			select {
			case ch <- llm.Chunk{Err: p.wrapErr(err)}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// callTracker turns any-llm-go tool-call fragments into incremental deltas.
// Backends differ: Anthropic re-sends the id, the name and the arguments so
// far on every chunk, while OpenAI-compatible ones send the id and name once
// and then bare argument fragments. A fragment without an id continues the
// last call seen.
type callTracker struct {
	seen map[string]*seenCall
	last string
}

type seenCall struct {
	name string
	args string
}

func (c *callTracker) delta(tc anyllmlib.ToolCall) llm.ToolCallDelta {
	id := tc.ID
	if id == "" {
		id = c.last
	}
	c.last = id
	if c.seen == nil {
		c.seen = make(map[string]*seenCall)
	}
	s, ok := c.seen[id]
	if !ok {
		s = &seenCall{}
		c.seen[id] = s
	}

	d := llm.ToolCallDelta{
		Index:     llm.NoIndex,
		ID:        id,
		Name:      novel(&s.name, tc.Function.Name),
		Arguments: novel(&s.args, tc.Function.Arguments),
	}
	if id == "" {
		// Neither this fragment nor any before it had an id.
		d.Index = 0
	}
	return d
}

// novel returns the part of frag not yet in *seen and records it. A fragment
// that extends *seen is cumulative; anything else is appended as new text.
func novel(seen *string, frag string) string {
	if rest, ok := strings.CutPrefix(frag, *seen); ok {
		*seen = frag
		return rest
	}
	*seen += frag
	return frag
}

// wrapErr turns a backend failure into a *llm.ProviderError. any-llm-go does
// not expose HTTP status codes, so only the message is carried.
func (p *Provider) wrapErr(err error) error {
	return &llm.ProviderError{
		Provider: "anyllm/" + p.name,
		Detail:   err.Error(),
		Err:      err,
	}
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return modelCapabilities(p.model)
}

// buildParams converts a ChatRequest into anyllm CompletionParams.
func (p *Provider) buildParams(req llm.ChatRequest) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message

	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: req.SystemPrompt,
		})
	}

	for _, m := range req.Messages {
		messages = append(messages, convertMessage(m))
	}

	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	params := anyllmlib.CompletionParams{
		Model:    model,
		Messages: messages,
	}

	if req.Temperature != nil {
		t := *req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}

	for _, td := range req.Tools {
		params.Tools = append(params.Tools, anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}

	return params
}

// convertMessage converts our types.Message to anyllm.Message.
func convertMessage(m types.Message) anyllmlib.Message {
	msg := anyllmlib.Message{
		Role:       m.Role,
		Content:    m.Text(),
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}

	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, anyllmlib.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: anyllmlib.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}

	return msg
}

// capabilityRule applies caps to models whose lowercased name matches.
type capabilityRule struct {
	match string
	caps  types.ModelCapabilities
}

func caps(context, output int, vision, tools bool) types.ModelCapabilities {
	return types.ModelCapabilities{
		SupportsToolCalling: tools,
		SupportsStreaming:   true,
		SupportsVision:      vision,
		ContextWindow:       context,
		MaxOutputTokens:     output,
	}
}

// capabilityRules are checked in order; the first rule whose match prefixes
// the model name wins, so more specific names come first.
var capabilityRules = []capabilityRule{
	{"gpt-4o", caps(128_000, 16_384, true, true)},
	{"gpt-4-turbo", caps(128_000, 4_096, true, true)},
	{"gpt-4", caps(8_192, 4_096, false, true)},
	{"gpt-3.5-turbo", caps(16_385, 4_096, false, true)},
	{"o1-mini", caps(128_000, 65_536, false, false)},
	{"o1", caps(200_000, 100_000, true, true)},
	{"o3-mini", caps(200_000, 100_000, false, true)},
	{"o3", caps(200_000, 100_000, true, true)},
	{"claude-3-opus", caps(200_000, 4_096, true, true)},
	{"claude", caps(200_000, 8_192, true, true)},
	{"gemini-2.0-flash", caps(1_048_576, 8_192, true, true)},
	{"gemini-1.5-pro", caps(2_097_152, 8_192, true, true)},
	{"gemini-1.5-flash", caps(1_048_576, 8_192, true, true)},
	{"gemini", caps(128_000, 8_192, true, true)},
}

// modelCapabilities looks model up in [capabilityRules], ignoring any
// "vendor/" path in front of the name. Unknown models are assumed to stream
// and call tools without vision; a backend that rejects tools is caught at
// request time by the orchestrator's retry.
func modelCapabilities(model string) types.ModelCapabilities {
	lower := strings.ToLower(model)
	lower = lower[strings.LastIndex(lower, "/")+1:]
	for _, r := range capabilityRules {
		if strings.HasPrefix(lower, r.match) {
			return r.caps
		}
	}
	return caps(128_000, 4_096, false, true)
}
