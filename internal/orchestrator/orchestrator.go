// Package orchestrator drives one user turn against a model gateway: it loads
// history, attaches the current tool catalog, streams the model reply as
// progress events, executes the tool calls the model requests and loops until
// the model answers without tools or the hop limit is reached.
//
// Every message of the turn (the user message, each assistant reply and each
// tool result) is appended to the history store as soon as it exists.
//
// All exported methods are safe for concurrent use.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/toolrelay/internal/mcp"
	"github.com/MrWong99/toolrelay/internal/mcp/registry"
	"github.com/MrWong99/toolrelay/internal/observe"
	"github.com/MrWong99/toolrelay/internal/turn"
	"github.com/MrWong99/toolrelay/pkg/attach"
	"github.com/MrWong99/toolrelay/pkg/history"
	"github.com/MrWong99/toolrelay/pkg/provider/llm"
	"github.com/MrWong99/toolrelay/pkg/types"
)

// DefaultHopLimit is the number of tool-execution rounds a turn may run.
const DefaultHopLimit = 5

// eventBuffer is the capacity of the per-turn event channel.
const eventBuffer = 64

// ErrInvalidRequest is returned by [Orchestrator.ProcessTurn] for requests
// that cannot start a turn.
var ErrInvalidRequest = errors.New("orchestrator: invalid request")

// ToolRouter is the part of the tool registry the orchestrator needs.
// [*registry.Registry] implements it.
type ToolRouter interface {
	ToolSpecs(clientID string) []types.ToolDefinition
	Lookup(name string) (registry.Binding, bool)
	Call(ctx context.Context, name string, args map[string]any) (*mcp.ToolResult, error)
	EnsureStarted(ctx context.Context) error
}

var _ ToolRouter = (*registry.Registry)(nil)

// Request is one user turn.
type Request struct {
	// Content is the user's text. Parts supersedes it when non-empty.
	Content string              `json:"content,omitempty"`
	Parts   []types.ContentPart `json:"parts,omitempty"`

	// ClientID selects the per-client tool subset.
	ClientID string `json:"client_id,omitempty"`

	// Provider and Model override the configured defaults.
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	// SystemPrompt replaces the orchestrator's system prompt when non-empty.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// DisableTools sends the turn without any tools attached.
	DisableTools bool `json:"disable_tools,omitempty"`

	// ToolChoice forces a specific tool.
	ToolChoice string `json:"tool_choice,omitempty"`

	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

func (r Request) message() types.Message {
	return types.Message{Role: types.RoleUser, Content: r.Content, Parts: r.Parts}
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithTools sets the tool router. Without one, turns run without tools.
func WithTools(t ToolRouter) Option {
	return func(o *Orchestrator) { o.tools = t }
}

// WithAttachments sets the store for inline data URLs. Without one, inline
// data is forwarded unchanged.
func WithAttachments(s attach.Store) Option {
	return func(o *Orchestrator) { o.attachments = s }
}

// WithClassifier replaces the default [PhraseClassifier].
func WithClassifier(c Classifier) Option {
	return func(o *Orchestrator) { o.classifier = c }
}

// WithHopLimit sets the number of tool rounds per turn. Values below 1 are
// ignored.
func WithHopLimit(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.hopLimit = n
		}
	}
}

// WithSystemPrompt sets the default system prompt.
func WithSystemPrompt(p string) Option {
	return func(o *Orchestrator) { o.systemPrompt = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator runs turns.
type Orchestrator struct {
	providers    Providers
	history      history.Store
	tools        ToolRouter
	attachments  attach.Store
	classifier   Classifier
	hopLimit     int
	systemPrompt string
	log          *slog.Logger
	metrics      *observe.Metrics

	mu sync.Mutex
	// noTools holds provider/model pairs that rejected tool definitions.
	noTools map[string]bool
}

// settings are the reloadable parameters a turn captures when it starts.
type settings struct {
	hopLimit     int
	systemPrompt string
	classifier   Classifier
}

// New creates an Orchestrator.
func New(providers Providers, store history.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		providers:  providers,
		history:    store,
		classifier: NewPhraseClassifier(),
		hopLimit:   DefaultHopLimit,
		log:        slog.Default(),
		metrics:    observe.DefaultMetrics(),
		noTools:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ToolsUnsupported reports whether the provider/model pair was learned to
// reject tool definitions.
func (o *Orchestrator) ToolsUnsupported(provider, model string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.noTools[provider+"/"+model]
}

// Reconfigure replaces the hop limit, default system prompt and classifier.
// Turns already running keep the values they started with. A hopLimit below 1
// selects [DefaultHopLimit] and a nil classifier the default phrase lists.
func (o *Orchestrator) Reconfigure(hopLimit int, systemPrompt string, c Classifier) {
	if hopLimit < 1 {
		hopLimit = DefaultHopLimit
	}
	if c == nil {
		c = NewPhraseClassifier()
	}
	o.mu.Lock()
	o.hopLimit, o.systemPrompt, o.classifier = hopLimit, systemPrompt, c
	o.mu.Unlock()
}

func (o *Orchestrator) current() settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return settings{hopLimit: o.hopLimit, systemPrompt: o.systemPrompt, classifier: o.classifier}
}

func (o *Orchestrator) markToolsUnsupported(provider, model string) {
	o.mu.Lock()
	o.noTools[provider+"/"+model] = true
	o.mu.Unlock()
}

// ProcessTurn validates req, makes sure the session exists and starts the
// turn in the background. The returned channel yields the turn's events and
// is closed after the final [EventEnd]. Errors during the turn are reported
// as [EventError] events, not through the returned error.
//
// Cancelling ctx stops the turn at the next opportunity.
func (o *Orchestrator) ProcessTurn(ctx context.Context, sessionID string, req Request) (<-chan Event, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidRequest)
	}
	if req.Content == "" && len(req.Parts) == 0 {
		return nil, fmt.Errorf("%w: message is empty", ErrInvalidRequest)
	}
	provider, providerName, err := o.providers.Resolve(req.Provider)
	if err != nil {
		return nil, err
	}
	if err := o.history.EnsureSession(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("orchestrator: ensure session: %w", err)
	}

	ch := make(chan Event, eventBuffer)
	t := &turnRun{
		o:            o,
		sessionID:    sessionID,
		req:          req,
		provider:     provider,
		providerName: providerName,
		settings:     o.current(),
		out:          ch,
	}
	go t.run(ctx)
	return ch, nil
}

// turnRun is the state of one in-flight turn.
type turnRun struct {
	o            *Orchestrator
	sessionID    string
	req          Request
	provider     llm.Provider
	providerName string
	settings     settings
	out          chan<- Event
	hop          int
	log          *slog.Logger
}

func (t *turnRun) emit(ctx context.Context, ev Event) {
	ev.SessionID = t.sessionID
	ev.Hop = t.hop
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	t.send(ctx, ev)
}

// send delivers ev, preferring buffer space over an already cancelled ctx.
func (t *turnRun) send(ctx context.Context, ev Event) {
	select {
	case t.out <- ev:
		return
	default:
	}
	select {
	case t.out <- ev:
	case <-ctx.Done():
	}
}

func (t *turnRun) fail(ctx context.Context, code, msg string) {
	t.emit(ctx, Event{Type: EventError, Code: code, Text: msg})
}

func (t *turnRun) run(ctx context.Context) {
	o := t.o
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "orchestrator.turn")
	span.SetAttributes(
		attribute.String("session.id", t.sessionID),
		attribute.String("llm.provider", t.providerName),
		attribute.String("client.id", t.req.ClientID),
	)
	t.log = o.log.With("session_id", t.sessionID, "trace_id", observe.CorrelationID(ctx))
	o.metrics.ActiveTurns.Add(ctx, 1)

	defer func() {
		o.metrics.ActiveTurns.Add(context.WithoutCancel(ctx), -1)
		o.metrics.TurnDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("provider", t.providerName)))
		o.metrics.TurnHops.Record(context.WithoutCancel(ctx), int64(t.hop))
		span.SetAttributes(attribute.Int("turn.hops", t.hop))
		span.End()
		t.finish(ctx)
	}()

	t.emit(ctx, Event{Type: EventSessionStart, Metadata: map[string]any{
		"provider":  t.providerName,
		"model":     t.req.Model,
		"client_id": t.req.ClientID,
	}})

	if err := t.loop(ctx); err != nil {
		observe.FailSpan(span, err)
	}
}

// finish sends the terminal end event and closes the channel.
func (t *turnRun) finish(ctx context.Context) {
	t.emit(ctx, Event{Type: EventEnd})
	close(t.out)
}

func (t *turnRun) loop(ctx context.Context) error {
	o := t.o

	records, err := o.history.GetMessages(ctx, t.sessionID)
	if err != nil {
		t.fail(ctx, CodePersistence, "could not load conversation history")
		return fmt.Errorf("orchestrator: load history: %w", err)
	}
	messages := history.Messages(records)

	user, err := t.storeInline(ctx, t.req.message())
	if err != nil {
		t.fail(ctx, CodePersistence, "could not store attachment: "+err.Error())
		return err
	}
	if err := t.append(ctx, user, map[string]any{"client_id": t.req.ClientID}); err != nil {
		return err
	}
	messages = append(messages, user)

	tools := t.toolDefinitions(ctx)
	retried := false

	for {
		chat := llm.ChatRequest{
			Model:        t.req.Model,
			Messages:     messages,
			Tools:        tools,
			ToolChoice:   t.req.ToolChoice,
			Temperature:  t.req.Temperature,
			MaxTokens:    t.req.MaxTokens,
			SystemPrompt: t.systemPrompt(),
		}
		at, err := t.stream(ctx, chat)
		if err != nil {
			if !retried && len(tools) > 0 && t.req.ToolChoice == "" && llm.IsToolsUnsupported(err) {
				retried = true
				tools = nil
				o.markToolsUnsupported(t.providerName, t.req.Model)
				t.log.Info("model rejected tools, retrying without", "provider", t.providerName, "model", t.req.Model)
				t.emit(ctx, Event{Type: EventNotice, Code: CodeToolsUnsupported,
					Text: "The selected model does not support tools; continuing without them."})
				continue
			}
			if ctx.Err() != nil {
				t.fail(ctx, CodeCancelled, "turn cancelled")
				return ctx.Err()
			}
			t.fail(ctx, CodeProvider, providerMessage(err))
			return err
		}

		msg := at.Message()
		if err := t.append(ctx, msg, assistantMetadata(at, t.hop)); err != nil {
			return err
		}
		messages = append(messages, msg)
		t.emit(ctx, Event{Type: EventMetadata, Metadata: assistantMetadata(at, t.hop)})

		if !at.HasToolCalls() {
			return nil
		}
		if t.hop >= t.settings.hopLimit {
			return t.stopAtHopLimit(ctx, at.ToolCalls)
		}

		for _, call := range at.ToolCalls {
			res := t.execute(ctx, call)
			if err := t.append(ctx, res.Message, res.metadata); err != nil {
				return err
			}
			messages = append(messages, res.Message)
			if ctx.Err() != nil {
				t.fail(ctx, CodeCancelled, "turn cancelled")
				return ctx.Err()
			}
		}
		t.hop++
	}
}

// stopAtHopLimit answers the pending calls with synthetic results so the
// stored conversation stays well formed.
func (t *turnRun) stopAtHopLimit(ctx context.Context, calls []types.ToolCall) error {
	note := fmt.Sprintf("Tool call not executed: the tool hop limit (%d) was reached.", t.settings.hopLimit)
	for _, call := range calls {
		msg := types.Message{Role: types.RoleTool, ToolCallID: call.ID, Name: call.Name, Content: note}
		if err := t.append(ctx, msg, map[string]any{"hop": t.hop, "tool": call.Name, "executed": false}); err != nil {
			return err
		}
	}
	t.log.Warn("tool hop limit reached", "limit", t.settings.hopLimit, "pending", len(calls))
	t.fail(ctx, CodeHopLimit, fmt.Sprintf("Stopped after %d tool rounds; the model kept requesting tools.", t.settings.hopLimit))
	return nil
}

func (t *turnRun) systemPrompt() string {
	if t.req.SystemPrompt != "" {
		return t.req.SystemPrompt
	}
	return t.settings.systemPrompt
}

// toolDefinitions returns the tools to attach, or nil when the turn must run
// without tools.
func (t *turnRun) toolDefinitions(ctx context.Context) []types.ToolDefinition {
	o := t.o
	if o.tools == nil || t.req.DisableTools {
		return nil
	}
	if !t.provider.Capabilities().SupportsToolCalling {
		return nil
	}
	if o.ToolsUnsupported(t.providerName, t.req.Model) {
		return nil
	}
	if err := o.tools.EnsureStarted(ctx); err != nil {
		t.log.Warn("tool servers failed to start", "err", err)
	}
	defs := o.tools.ToolSpecs(t.req.ClientID)
	if len(defs) == 0 {
		return nil
	}
	return defs
}

// stream runs one provider round-trip, forwarding text and reasoning as
// events.
func (t *turnRun) stream(ctx context.Context, req llm.ChatRequest) (*turn.AssistantTurn, error) {
	o := t.o
	ctx, span := observe.StartSpan(ctx, "orchestrator.llm")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.provider", t.providerName),
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.tools", len(req.Tools)),
		attribute.Int("turn.hop", t.hop),
	)

	start := time.Now()
	ch, err := t.provider.StreamChat(ctx, req)
	if err == nil {
		var at *turn.AssistantTurn
		at, err = turn.Decode(ctx, ch, func(c llm.Chunk) { t.forward(ctx, c) })
		if err == nil {
			o.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(attribute.String("provider", t.providerName)))
			o.metrics.RecordProviderRequest(ctx, t.providerName, "stream", "ok")
			span.SetAttributes(attribute.String("llm.finish_reason", at.FinishReason))
			return at, nil
		}
	}
	observe.FailSpan(span, err)
	o.metrics.RecordProviderRequest(ctx, t.providerName, "stream", "error")
	o.metrics.RecordProviderError(ctx, t.providerName, errorKind(err))
	t.log.Warn("model request failed", "provider", t.providerName, "hop", t.hop, "err", err)
	return nil, err
}

func (t *turnRun) forward(ctx context.Context, c llm.Chunk) {
	if c.Text != "" {
		t.emit(ctx, Event{Type: EventToken, Text: c.Text})
	}
	for _, p := range c.Parts {
		if p.Type == types.PartText && p.Text != "" {
			t.emit(ctx, Event{Type: EventToken, Text: p.Text})
		}
	}
	switch r := c.Reasoning.(type) {
	case nil:
	case string:
		if r != "" {
			t.emit(ctx, Event{Type: EventReasoning, Text: r})
		}
	default:
		for _, seg := range turn.NormalizeReasoning(r) {
			t.emit(ctx, Event{Type: EventReasoning, Text: seg.Text, Code: seg.Type})
		}
	}
}

// append persists msg. A failure is reported as an error event.
func (t *turnRun) append(ctx context.Context, msg types.Message, metadata map[string]any) error {
	if _, err := t.o.history.AppendMessage(ctx, t.sessionID, msg, metadata); err != nil {
		t.log.Error("failed to persist message", "role", msg.Role, "err", err)
		t.fail(ctx, CodePersistence, "could not save the conversation")
		return fmt.Errorf("orchestrator: append %s message: %w", msg.Role, err)
	}
	return nil
}

// storeInline replaces inline data URLs in msg's parts with attachment
// references.
func (t *turnRun) storeInline(ctx context.Context, msg types.Message) (types.Message, error) {
	if t.o.attachments == nil || len(msg.Parts) == 0 {
		return msg, nil
	}
	parts := make([]types.ContentPart, len(msg.Parts))
	for i, p := range msg.Parts {
		parts[i] = p
		mimeType, data, ok, err := attach.ParseDataURL(p.URL)
		if !ok {
			continue
		}
		if err != nil {
			return msg, fmt.Errorf("orchestrator: part %d: %w", i, err)
		}
		ref, err := t.o.attachments.Put(ctx, data, mimeType)
		if err != nil {
			return msg, fmt.Errorf("orchestrator: part %d: %w", i, err)
		}
		parts[i].URL = ref.URL
		parts[i].AttachmentID = ref.ID
		if parts[i].MIMEType == "" {
			parts[i].MIMEType = mimeType
		}
	}
	msg.Parts = parts
	return msg, nil
}

func assistantMetadata(at *turn.AssistantTurn, hop int) map[string]any {
	md := map[string]any{"hop": hop}
	if at.Model != "" {
		md["model"] = at.Model
	}
	if at.FinishReason != "" {
		md["finish_reason"] = at.FinishReason
	}
	if at.GenerationID != "" {
		md["generation_id"] = at.GenerationID
	}
	if at.Usage != nil {
		md["usage"] = *at.Usage
	}
	if len(at.Reasoning) > 0 {
		md["reasoning"] = at.Reasoning
	}
	for k, v := range at.Metadata {
		if _, taken := md[k]; !taken {
			md[k] = v
		}
	}
	return md
}

// providerMessage renders err for the client without internals.
func providerMessage(err error) string {
	var pe *llm.ProviderError
	if errors.As(err, &pe) {
		if pe.StatusCode > 0 {
			return fmt.Sprintf("model gateway %s returned status %d", pe.Provider, pe.StatusCode)
		}
		return fmt.Sprintf("model gateway %s failed", pe.Provider)
	}
	return "model request failed: " + err.Error()
}

func errorKind(err error) string {
	var pe *llm.ProviderError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case llm.IsToolsUnsupported(err):
		return "tools_unsupported"
	case errors.As(err, &pe) && pe.StatusCode >= 500:
		return "5xx"
	case errors.As(err, &pe) && pe.StatusCode >= 400:
		return "4xx"
	default:
		return "stream"
	}
}
