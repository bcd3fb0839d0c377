package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/toolrelay/internal/mcp"
	mcpmock "github.com/MrWong99/toolrelay/internal/mcp/mock"
	"github.com/MrWong99/toolrelay/internal/mcp/registry"
	"github.com/MrWong99/toolrelay/internal/orchestrator"
	attachmem "github.com/MrWong99/toolrelay/pkg/attach/memory"
	historymem "github.com/MrWong99/toolrelay/pkg/history/memory"
	"github.com/MrWong99/toolrelay/pkg/provider/llm"
	llmmock "github.com/MrWong99/toolrelay/pkg/provider/llm/mock"
	"github.com/MrWong99/toolrelay/pkg/types"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// newRegistry serves the given mock servers through a real registry.
func newRegistry(t *testing.T, descs []mcp.ServerDescriptor, conns ...*mcpmock.Connection) *registry.Registry {
	t.Helper()
	byID := make(map[string]*mcpmock.Connection, len(conns))
	for _, c := range conns {
		byID[c.ID] = c
	}
	r := registry.New(func(d mcp.ServerDescriptor) mcp.Connection { return byID[d.ID] },
		registry.WithLogger(quietLogger()))
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	if _, err := r.ApplyConfigs(context.Background(), descs); err != nil {
		t.Fatalf("ApplyConfigs: %v", err)
	}
	return r
}

func server(id string, sessionTools ...string) mcp.ServerDescriptor {
	return mcp.ServerDescriptor{ID: id, Command: "/usr/bin/" + id, SessionTools: sessionTools}
}

func toolCapable() *llmmock.Provider {
	return &llmmock.Provider{ModelCapabilities: types.ModelCapabilities{SupportsToolCalling: true}}
}

type fixture struct {
	orch    *orchestrator.Orchestrator
	llm     *llmmock.Provider
	history *historymem.Store
}

func newFixture(t *testing.T, p *llmmock.Provider, opts ...orchestrator.Option) *fixture {
	t.Helper()
	h := historymem.New()
	providers := orchestrator.ProviderSet{Default: "default", Named: map[string]llm.Provider{"default": p}}
	opts = append([]orchestrator.Option{orchestrator.WithLogger(quietLogger())}, opts...)
	return &fixture{orch: orchestrator.New(providers, h, opts...), llm: p, history: h}
}

// collect drains a turn and fails the test when it does not end in time.
func collect(t *testing.T, ch <-chan orchestrator.Event) []orchestrator.Event {
	t.Helper()
	var out []orchestrator.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("turn did not finish; events so far: %v", kinds(out))
		}
	}
}

func kinds(events []orchestrator.Event) []orchestrator.EventType {
	out := make([]orchestrator.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func find(events []orchestrator.Event, typ orchestrator.EventType) (orchestrator.Event, bool) {
	for _, ev := range events {
		if ev.Type == typ {
			return ev, true
		}
	}
	return orchestrator.Event{}, false
}

func (f *fixture) run(t *testing.T, sessionID string, req orchestrator.Request) []orchestrator.Event {
	t.Helper()
	ch, err := f.orch.ProcessTurn(context.Background(), sessionID, req)
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	events := collect(t, ch)
	if len(events) == 0 || events[len(events)-1].Type != orchestrator.EventEnd {
		t.Fatalf("last event is not end: %v", kinds(events))
	}
	return events
}

func (f *fixture) stored(t *testing.T, sessionID string) []types.Message {
	t.Helper()
	records, err := f.history.GetMessages(context.Background(), sessionID)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]types.Message, len(records))
	for i, r := range records {
		out[i] = r.Message
	}
	return out
}

func callChunks(id, name, args string) []llm.Chunk {
	return []llm.Chunk{
		{ToolCalls: []llm.ToolCallDelta{{Index: 0, ID: id, Name: name, Arguments: args}}},
		{FinishReason: "tool_calls"},
	}
}

func TestProcessTurn_PlainAnswer(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Hel"},
		{Text: "lo", Reasoning: "thinking"},
		{FinishReason: "stop", Model: "m1", Usage: &llm.Usage{TotalTokens: 7}},
	}}
	f := newFixture(t, p)

	events := f.run(t, "s1", orchestrator.Request{Content: "hi"})

	want := []orchestrator.EventType{
		orchestrator.EventSessionStart,
		orchestrator.EventToken,
		orchestrator.EventToken,
		orchestrator.EventReasoning,
		orchestrator.EventMetadata,
		orchestrator.EventEnd,
	}
	if got := kinds(events); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for _, ev := range events {
		if ev.SessionID != "s1" {
			t.Errorf("%s event has session %q", ev.Type, ev.SessionID)
		}
	}
	md, _ := find(events, orchestrator.EventMetadata)
	if md.Metadata["model"] != "m1" || md.Metadata["finish_reason"] != "stop" {
		t.Errorf("metadata = %v", md.Metadata)
	}

	msgs := f.stored(t, "s1")
	if len(msgs) != 2 || msgs[0].Role != types.RoleUser || msgs[1].Content != "Hello" {
		t.Fatalf("stored = %+v", msgs)
	}
	if calls := p.Calls(); len(calls) != 1 || calls[0].Req.Tools != nil {
		t.Errorf("provider calls = %+v", calls)
	}
}

func TestProcessTurn_HistoryIsReplayed(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "ok"}, {FinishReason: "stop"}}}
	f := newFixture(t, p, orchestrator.WithSystemPrompt("be brief"))

	f.run(t, "s1", orchestrator.Request{Content: "first"})
	f.run(t, "s1", orchestrator.Request{Content: "second"})

	calls := p.Calls()
	if len(calls) != 2 {
		t.Fatalf("calls = %d", len(calls))
	}
	got := calls[1].Req.Messages
	if len(got) != 3 || got[0].Content != "first" || got[1].Content != "ok" || got[2].Content != "second" {
		t.Errorf("second request messages = %+v", got)
	}
	if calls[1].Req.SystemPrompt != "be brief" {
		t.Errorf("system prompt = %q", calls[1].Req.SystemPrompt)
	}
}

func TestProcessTurn_ToolRoundTrip(t *testing.T) {
	t.Parallel()
	weather := mcpmock.New("weather", mcp.Tool{Name: "forecast", Description: "weather forecast"})
	weather.CallResult = &mcp.ToolResult{Content: "sunny"}
	reg := newRegistry(t, []mcp.ServerDescriptor{server("weather")}, weather)

	p := toolCapable()
	p.StreamScript = [][]llm.Chunk{
		{
			{ToolCalls: []llm.ToolCallDelta{{Index: 0, ID: "c1", Name: "fore"}}},
			{ToolCalls: []llm.ToolCallDelta{{Index: 0, Arguments: `{"city":`}}},
			{ToolCalls: []llm.ToolCallDelta{{Index: 0, Name: "cast", Arguments: `"Oslo"}`}}},
			{FinishReason: "tool_calls"},
		},
		{{Text: "It is sunny."}, {FinishReason: "stop"}},
	}
	f := newFixture(t, p, orchestrator.WithTools(reg))

	events := f.run(t, "s1", orchestrator.Request{Content: "weather in Oslo?"})

	want := []orchestrator.EventType{
		orchestrator.EventSessionStart,
		orchestrator.EventMetadata,
		orchestrator.EventToolStart,
		orchestrator.EventToolFinish,
		orchestrator.EventToken,
		orchestrator.EventMetadata,
		orchestrator.EventEnd,
	}
	if got := kinds(events); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	finish, _ := find(events, orchestrator.EventToolFinish)
	if finish.Tool.Name != "forecast" || finish.Tool.Server != "weather" || finish.Tool.Result != "sunny" || finish.Hop != 0 {
		t.Errorf("tool_finish = %+v", finish.Tool)
	}

	if n := weather.CallCount("CallTool"); n != 1 {
		t.Fatalf("CallTool count = %d", n)
	}
	for _, c := range weather.Calls() {
		if c.Method != "CallTool" {
			continue
		}
		args := c.Args[1].(map[string]any)
		if args["city"] != "Oslo" {
			t.Errorf("args = %v", args)
		}
	}

	calls := p.Calls()
	if len(calls) != 2 {
		t.Fatalf("provider calls = %d", len(calls))
	}
	if len(calls[0].Req.Tools) != 1 || calls[0].Req.Tools[0].Name != "forecast" {
		t.Errorf("tools = %+v", calls[0].Req.Tools)
	}
	second := calls[1].Req.Messages
	if len(second) != 3 || second[2].Role != types.RoleTool || second[2].ToolCallID != "c1" || second[2].Content != "sunny" {
		t.Errorf("second request messages = %+v", second)
	}

	msgs := f.stored(t, "s1")
	roles := make([]string, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
	}
	wantRoles := []string{types.RoleUser, types.RoleAssistant, types.RoleTool, types.RoleAssistant}
	if !slices.Equal(roles, wantRoles) {
		t.Errorf("stored roles = %v, want %v", roles, wantRoles)
	}
}

func TestProcessTurn_HopLimit(t *testing.T) {
	t.Parallel()
	weather := mcpmock.New("weather", mcp.Tool{Name: "forecast"})
	reg := newRegistry(t, []mcp.ServerDescriptor{server("weather")}, weather)

	p := toolCapable()
	p.StreamChunks = callChunks("c", "forecast", `{}`)
	f := newFixture(t, p, orchestrator.WithTools(reg), orchestrator.WithHopLimit(2))

	events := f.run(t, "s1", orchestrator.Request{Content: "loop"})

	if n := len(p.Calls()); n != 3 {
		t.Errorf("provider calls = %d, want 3", n)
	}
	if n := weather.CallCount("CallTool"); n != 2 {
		t.Errorf("tool executions = %d, want 2", n)
	}
	last := events[len(events)-2]
	if last.Type != orchestrator.EventError || last.Code != orchestrator.CodeHopLimit {
		t.Errorf("penultimate event = %+v, want hop_limit error", last)
	}

	msgs := f.stored(t, "s1")
	if len(msgs) != 7 {
		t.Fatalf("stored %d messages, want 7", len(msgs))
	}
	synthetic := msgs[6]
	if synthetic.Role != types.RoleTool || synthetic.ToolCallID != "c" || !strings.Contains(synthetic.Content, "not executed") {
		t.Errorf("synthetic result = %+v", synthetic)
	}
}

func TestProcessTurn_ToolCallWithoutRouter(t *testing.T) {
	t.Parallel()
	p := toolCapable()
	p.StreamScript = [][]llm.Chunk{
		callChunks("c1", "forecast", `{"city":"Oslo"}`),
		{{Text: "I cannot check the weather."}, {FinishReason: "stop"}},
	}
	f := newFixture(t, p, orchestrator.WithHopLimit(1))

	events := f.run(t, "s1", orchestrator.Request{Content: "weather in Oslo?"})

	failed, ok := find(events, orchestrator.EventToolError)
	if !ok {
		t.Fatalf("no tool_error event: %v", kinds(events))
	}
	if failed.Tool.Name != "forecast" || !strings.Contains(failed.Tool.Result, "no tools are available") {
		t.Errorf("tool_error = %+v", failed.Tool)
	}

	msgs := f.stored(t, "s1")
	if len(msgs) != 4 {
		t.Fatalf("stored %d messages, want 4", len(msgs))
	}
	if result := msgs[2]; result.Role != types.RoleTool || result.ToolCallID != "c1" || !strings.HasPrefix(result.Content, "Error: ") {
		t.Errorf("tool result = %+v", result)
	}
	if msgs[3].Content != "I cannot check the weather." {
		t.Errorf("final answer = %+v", msgs[3])
	}
}

func TestReconfigure_AppliesToNewTurns(t *testing.T) {
	t.Parallel()
	weather := mcpmock.New("weather", mcp.Tool{Name: "forecast"})
	reg := newRegistry(t, []mcp.ServerDescriptor{server("weather")}, weather)

	p := toolCapable()
	p.StreamChunks = callChunks("c", "forecast", `{}`)
	f := newFixture(t, p, orchestrator.WithTools(reg), orchestrator.WithHopLimit(3))

	f.orch.Reconfigure(1, "be brief", nil)
	f.run(t, "s1", orchestrator.Request{Content: "loop"})

	if n := weather.CallCount("CallTool"); n != 1 {
		t.Errorf("tool executions = %d, want 1", n)
	}
	calls := p.Calls()
	if len(calls) != 2 {
		t.Fatalf("provider calls = %d, want 2", len(calls))
	}
	if got := calls[0].Req.SystemPrompt; got != "be brief" {
		t.Errorf("system prompt = %q, want %q", got, "be brief")
	}
}

func TestProcessTurn_ToolSignals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		args      string
		tool      string
		result    *mcp.ToolResult
		wantType  orchestrator.EventType
		wantSig   orchestrator.Signal
		wantCalls int
	}{
		{
			name:      "no results",
			args:      `{"date":"2024-01-01"}`,
			tool:      "events",
			result:    &mcp.ToolResult{Content: "No events found for that date."},
			wantType:  orchestrator.EventToolFinish,
			wantSig:   orchestrator.SignalNoResults,
			wantCalls: 1,
		},
		{
			name:      "empty result",
			args:      `{}`,
			tool:      "events",
			result:    &mcp.ToolResult{Content: "  "},
			wantType:  orchestrator.EventToolFinish,
			wantSig:   orchestrator.SignalEmptyResult,
			wantCalls: 1,
		},
		{
			name:      "missing arguments reported by tool",
			args:      `{}`,
			tool:      "events",
			result:    &mcp.ToolResult{Content: "missing required argument: date", IsError: true},
			wantType:  orchestrator.EventToolError,
			wantSig:   orchestrator.SignalMissingArguments,
			wantCalls: 1,
		},
		{
			name:      "invalid json never reaches the server",
			args:      `{"date":`,
			tool:      "events",
			wantType:  orchestrator.EventToolError,
			wantSig:   orchestrator.SignalToolError,
			wantCalls: 0,
		},
		{
			name:      "non-object arguments",
			args:      `[1,2]`,
			tool:      "events",
			wantType:  orchestrator.EventToolError,
			wantSig:   orchestrator.SignalToolError,
			wantCalls: 0,
		},
		{
			name:      "unknown tool",
			args:      `{}`,
			tool:      "evnts",
			wantType:  orchestrator.EventToolError,
			wantSig:   orchestrator.SignalToolError,
			wantCalls: 0,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cal := mcpmock.New("calendar", mcp.Tool{Name: "events"})
			cal.CallResult = tc.result
			reg := newRegistry(t, []mcp.ServerDescriptor{server("calendar")}, cal)

			p := toolCapable()
			p.StreamScript = [][]llm.Chunk{
				callChunks("c1", tc.tool, tc.args),
				{{Text: "done"}, {FinishReason: "stop"}},
			}
			f := newFixture(t, p, orchestrator.WithTools(reg))

			events := f.run(t, "s", orchestrator.Request{Content: "what is on?"})

			ev, ok := find(events, tc.wantType)
			if !ok {
				t.Fatalf("no %s event in %v", tc.wantType, kinds(events))
			}
			if ev.Tool.Signal != tc.wantSig {
				t.Errorf("signal = %q, want %q", ev.Tool.Signal, tc.wantSig)
			}
			if n := cal.CallCount("CallTool"); n != tc.wantCalls {
				t.Errorf("CallTool count = %d, want %d", n, tc.wantCalls)
			}

			records, _ := f.history.GetMessages(context.Background(), "s")
			if len(records) != 4 {
				t.Fatalf("stored %d records, want 4", len(records))
			}
			if got := records[2].Metadata["signal"]; tc.wantSig != orchestrator.SignalNone && got != string(tc.wantSig) {
				t.Errorf("stored signal = %v", got)
			}
		})
	}
}

func TestProcessTurn_SessionAwareToolGetsSessionID(t *testing.T) {
	t.Parallel()
	notes := mcpmock.New("notes", mcp.Tool{Name: "remember"}, mcp.Tool{Name: "recall"})
	var got []map[string]any
	notes.CallFunc = func(name string, args map[string]any) (*mcp.ToolResult, error) {
		got = append(got, args)
		return &mcp.ToolResult{Content: "ok"}, nil
	}
	reg := newRegistry(t, []mcp.ServerDescriptor{server("notes", "remember")}, notes)

	p := toolCapable()
	p.StreamScript = [][]llm.Chunk{
		callChunks("c1", "remember", `{"text":"milk"}`),
		callChunks("c2", "recall", `{}`),
		{{Text: "noted"}, {FinishReason: "stop"}},
	}
	f := newFixture(t, p, orchestrator.WithTools(reg))
	f.run(t, "sess-42", orchestrator.Request{Content: "remember milk"})

	if len(got) != 2 {
		t.Fatalf("calls = %d", len(got))
	}
	if got[0]["session_id"] != "sess-42" {
		t.Errorf("remember args = %v", got[0])
	}
	if _, ok := got[1]["session_id"]; ok {
		t.Errorf("recall args = %v, want no session id", got[1])
	}
}

func TestProcessTurn_RetriesWithoutTools(t *testing.T) {
	t.Parallel()
	weather := mcpmock.New("weather", mcp.Tool{Name: "forecast"})
	reg := newRegistry(t, []mcp.ServerDescriptor{server("weather")}, weather)

	p := toolCapable()
	p.StreamChunks = []llm.Chunk{{Text: "plain"}, {FinishReason: "stop"}}
	p.StreamErrFunc = func(req llm.ChatRequest) error {
		if len(req.Tools) > 0 {
			return &llm.ProviderError{Provider: "gw", StatusCode: 400, Detail: "This model does not support tools"}
		}
		return nil
	}
	f := newFixture(t, p, orchestrator.WithTools(reg))

	events := f.run(t, "s1", orchestrator.Request{Content: "hi", Model: "tiny"})

	notice, ok := find(events, orchestrator.EventNotice)
	if !ok || notice.Code != orchestrator.CodeToolsUnsupported {
		t.Fatalf("events = %v, want tools_unsupported notice", kinds(events))
	}
	if _, failed := find(events, orchestrator.EventError); failed {
		t.Errorf("unexpected error event: %v", kinds(events))
	}
	if !f.orch.ToolsUnsupported("default", "tiny") {
		t.Error("model not remembered as tool-less")
	}

	f.run(t, "s1", orchestrator.Request{Content: "again", Model: "tiny"})
	calls := p.Calls()
	if len(calls) != 3 {
		t.Fatalf("provider calls = %d, want 3", len(calls))
	}
	if calls[2].Req.Tools != nil {
		t.Error("learned model still received tools")
	}
}

func TestProcessTurn_NoRetryWithToolChoice(t *testing.T) {
	t.Parallel()
	weather := mcpmock.New("weather", mcp.Tool{Name: "forecast"})
	reg := newRegistry(t, []mcp.ServerDescriptor{server("weather")}, weather)

	p := toolCapable()
	p.StreamErr = &llm.ProviderError{Provider: "gw", StatusCode: 400, Detail: "tools are not supported"}
	f := newFixture(t, p, orchestrator.WithTools(reg))

	events := f.run(t, "s1", orchestrator.Request{Content: "hi", ToolChoice: "forecast"})

	ev, ok := find(events, orchestrator.EventError)
	if !ok || ev.Code != orchestrator.CodeProvider {
		t.Fatalf("events = %v, want provider error", kinds(events))
	}
	if strings.Contains(ev.Text, "does not support") {
		t.Errorf("error text leaks gateway detail: %q", ev.Text)
	}
	if n := len(p.Calls()); n != 1 {
		t.Errorf("provider calls = %d, want 1", n)
	}
}

func TestProcessTurn_ToolsOmitted(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		capable bool
		disable bool
	}{
		{"disabled by request", true, true},
		{"model cannot call tools", false, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			weather := mcpmock.New("weather", mcp.Tool{Name: "forecast"})
			reg := newRegistry(t, []mcp.ServerDescriptor{server("weather")}, weather)
			p := &llmmock.Provider{
				StreamChunks:      []llm.Chunk{{Text: "x"}, {FinishReason: "stop"}},
				ModelCapabilities: types.ModelCapabilities{SupportsToolCalling: tc.capable},
			}
			f := newFixture(t, p, orchestrator.WithTools(reg))
			f.run(t, "s", orchestrator.Request{Content: "hi", DisableTools: tc.disable})
			if calls := p.Calls(); calls[0].Req.Tools != nil {
				t.Errorf("tools attached: %+v", calls[0].Req.Tools)
			}
		})
	}
}

func TestProcessTurn_StreamErrorAfterTokens(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "partial"},
		{Err: errors.New("connection reset")},
	}}
	f := newFixture(t, p)

	events := f.run(t, "s1", orchestrator.Request{Content: "hi"})

	want := []orchestrator.EventType{
		orchestrator.EventSessionStart,
		orchestrator.EventToken,
		orchestrator.EventError,
		orchestrator.EventEnd,
	}
	if got := kinds(events); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if msgs := f.stored(t, "s1"); len(msgs) != 1 {
		t.Errorf("stored %d messages, want only the user message", len(msgs))
	}
}

func TestProcessTurn_InlineAttachmentStored(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "a cat"}, {FinishReason: "stop"}}}
	store := attachmem.New("/v1/attachments")
	f := newFixture(t, p, orchestrator.WithAttachments(store))

	f.run(t, "s1", orchestrator.Request{Parts: []types.ContentPart{
		{Type: types.PartText, Text: "what is this?"},
		{Type: types.PartImage, URL: "data:image/png;base64,aGVsbG8="},
	}})

	user := f.stored(t, "s1")[0]
	img := user.Parts[1]
	if img.AttachmentID == "" || !strings.HasPrefix(img.URL, "/v1/attachments/") || img.MIMEType != "image/png" {
		t.Fatalf("stored part = %+v", img)
	}
	blob, err := store.Get(context.Background(), img.AttachmentID)
	if err != nil || string(blob.Data) != "hello" {
		t.Errorf("blob = %+v, err = %v", blob, err)
	}
	sent := p.Calls()[0].Req.Messages[0].Parts[1]
	if strings.HasPrefix(sent.URL, "data:") {
		t.Error("provider received inline data")
	}
}

func TestProcessTurn_ToolMediaBecomesAttachment(t *testing.T) {
	t.Parallel()
	charts := mcpmock.New("charts", mcp.Tool{Name: "plot"})
	charts.CallResult = &mcp.ToolResult{Content: "chart", Media: []mcp.Media{{MIMEType: "image/png", Data: []byte("png")}}}
	reg := newRegistry(t, []mcp.ServerDescriptor{server("charts")}, charts)

	p := toolCapable()
	p.StreamScript = [][]llm.Chunk{callChunks("c1", "plot", `{}`), {{Text: "here"}, {FinishReason: "stop"}}}
	f := newFixture(t, p, orchestrator.WithTools(reg), orchestrator.WithAttachments(attachmem.New("/a")))
	f.run(t, "s1", orchestrator.Request{Content: "plot it"})

	tool := f.stored(t, "s1")[2]
	if len(tool.Parts) != 2 || tool.Parts[1].Type != types.PartImage || tool.Parts[1].AttachmentID == "" {
		t.Errorf("tool parts = %+v", tool.Parts)
	}
}

func TestProcessTurn_CancelledDuringTool(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slow := mcpmock.New("slow", mcp.Tool{Name: "work"})
	slow.CallFunc = func(string, map[string]any) (*mcp.ToolResult, error) {
		cancel()
		return &mcp.ToolResult{Content: "partial"}, nil
	}
	reg := newRegistry(t, []mcp.ServerDescriptor{server("slow")}, slow)

	p := toolCapable()
	p.StreamScript = [][]llm.Chunk{callChunks("c1", "work", `{}`), {{Text: "never"}, {FinishReason: "stop"}}}
	f := newFixture(t, p, orchestrator.WithTools(reg))

	ch, err := f.orch.ProcessTurn(ctx, "s1", orchestrator.Request{Content: "go"})
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)
	if events[len(events)-1].Type != orchestrator.EventEnd {
		t.Fatalf("last event = %s", events[len(events)-1].Type)
	}
	if ev, ok := find(events, orchestrator.EventError); !ok || ev.Code != orchestrator.CodeCancelled {
		t.Errorf("events = %v, want cancelled error", kinds(events))
	}
	if n := len(p.Calls()); n != 1 {
		t.Errorf("provider calls = %d, want 1", n)
	}
	if msgs := f.stored(t, "s1"); len(msgs) != 3 {
		t.Errorf("stored %d messages, want 3", len(msgs))
	}
}

func TestProcessTurn_InvalidRequests(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &llmmock.Provider{})

	tests := []struct {
		name    string
		session string
		req     orchestrator.Request
		want    error
	}{
		{"missing session", "", orchestrator.Request{Content: "hi"}, orchestrator.ErrInvalidRequest},
		{"empty message", "s", orchestrator.Request{}, orchestrator.ErrInvalidRequest},
		{"unknown provider", "s", orchestrator.Request{Content: "hi", Provider: "nope"}, orchestrator.ErrUnknownProvider},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := f.orch.ProcessTurn(context.Background(), tc.session, tc.req); !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestEventJSON(t *testing.T) {
	t.Parallel()
	ev := orchestrator.Event{
		Type: orchestrator.EventToolFinish,
		Tool: &orchestrator.ToolEvent{CallID: "c1", Name: "forecast", Signal: orchestrator.SignalNoResults},
	}
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	s := string(b)
	for _, want := range []string{`"type":"tool_finish"`, `"signal":"no_results"`, `"call_id":"c1"`} {
		if !strings.Contains(s, want) {
			t.Errorf("%s missing %s", s, want)
		}
	}
}
