package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/toolrelay/pkg/provider/llm"
	"github.com/MrWong99/toolrelay/pkg/types"
)

// ── helpers ──────────────────────────────────────────────────────────────────

// sseServer replies to every request with the given SSE data lines followed
// by a [DONE] terminator.
func sseServer(t *testing.T, events ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range events {
			fmt.Fprintf(w, "data: %s\n\n", e)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func drain(ch <-chan llm.Chunk) []llm.Chunk {
	var out []llm.Chunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

// ── convertMessage ───────────────────────────────────────────────────────────

func TestConvertMessage_Roles(t *testing.T) {
	t.Parallel()

	sys, err := convertMessage(types.Message{Role: "system", Content: "You are helpful."})
	if err != nil || sys.OfSystem == nil {
		t.Fatalf("system: param=%+v err=%v", sys, err)
	}
	usr, err := convertMessage(types.Message{Role: "user", Content: "Hello!"})
	if err != nil || usr.OfUser == nil {
		t.Fatalf("user: param=%+v err=%v", usr, err)
	}
	tool, err := convertMessage(types.Message{Role: "tool", Content: "sunny", ToolCallID: "call_1"})
	if err != nil || tool.OfTool == nil {
		t.Fatalf("tool: param=%+v err=%v", tool, err)
	}
	if tool.OfTool.ToolCallID != "call_1" {
		t.Errorf("ToolCallID = %q, want call_1", tool.OfTool.ToolCallID)
	}
}

func TestConvertMessage_AssistantWithToolCalls(t *testing.T) {
	t.Parallel()

	msg := types.Message{
		Role: "assistant",
		ToolCalls: []types.ToolCall{
			{ID: "call_1", Name: "get_weather", Arguments: `{"city":"Berlin"}`},
		},
	}
	param, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfAssistant == nil {
		t.Fatal("expected OfAssistant to be set")
	}
	if len(param.OfAssistant.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(param.OfAssistant.ToolCalls))
	}
	tc := param.OfAssistant.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "get_weather" || tc.Function.Arguments != `{"city":"Berlin"}` {
		t.Errorf("unexpected tool call param: %+v", tc)
	}
}

func TestConvertMessage_UserParts(t *testing.T) {
	t.Parallel()

	msg := types.Message{Role: "user", Parts: []types.ContentPart{
		{Type: types.PartText, Text: "what is this?"},
		{Type: types.PartImage, URL: "https://example.com/cat.png"},
	}}
	param, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfUser == nil {
		t.Fatal("expected OfUser to be set")
	}
	if got := len(param.OfUser.Content.OfArrayOfContentParts); got != 2 {
		t.Errorf("content parts = %d, want 2", got)
	}
}

func TestConvertMessage_UnknownRole(t *testing.T) {
	t.Parallel()
	if _, err := convertMessage(types.Message{Role: "unknown", Content: "test"}); err == nil {
		t.Fatal("expected error for unknown role, got nil")
	}
}

// ── buildParams ──────────────────────────────────────────────────────────────

func TestBuildParams(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "gpt-4o"}
	temp := 0.2
	params, err := p.buildParams(llm.ChatRequest{
		Model:        "gpt-4o-mini",
		SystemPrompt: "be terse",
		Messages:     []types.Message{{Role: "user", Content: "hi"}},
		Tools: []types.ToolDefinition{
			{Name: "search", Description: "[web] search", Parameters: map[string]any{"type": "object"}},
		},
		ToolChoice:  "search",
		Temperature: &temp,
		MaxTokens:   64,
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if string(params.Model) != "gpt-4o-mini" {
		t.Errorf("Model = %q, want override gpt-4o-mini", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Errorf("Messages = %d, want 2 (system + user)", len(params.Messages))
	}
	if len(params.Tools) != 1 || params.Tools[0].Function.Name != "search" {
		t.Errorf("Tools = %+v", params.Tools)
	}
	if params.ToolChoice.OfChatCompletionNamedToolChoice == nil {
		t.Error("expected named tool choice to be set")
	}
}

func TestBuildParams_NoToolChoiceWithoutTools(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "gpt-4o"}
	params, err := p.buildParams(llm.ChatRequest{
		Messages:   []types.Message{{Role: "user", Content: "hi"}},
		ToolChoice: "search",
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if params.ToolChoice.OfChatCompletionNamedToolChoice != nil {
		t.Error("tool choice must not be sent without tools")
	}
	if string(params.Model) != "gpt-4o" {
		t.Errorf("Model = %q, want gpt-4o", params.Model)
	}
}

// ── extractReasoning ─────────────────────────────────────────────────────────

func TestExtractReasoning(t *testing.T) {
	t.Parallel()

	if got := extractReasoning(`{"content":"hi"}`); got != nil {
		t.Errorf("no reasoning: got %v, want nil", got)
	}
	if got := extractReasoning(`{"reasoning_content":"thinking hard"}`); got != "thinking hard" {
		t.Errorf("reasoning_content: got %v", got)
	}
	got := extractReasoning(`{"reasoning":"a","reasoning_details":[{"type":"summary","text":"b"}]}`)
	list, ok := got.([]any)
	if !ok || len(list) != 2 {
		t.Errorf("two fields: got %#v, want 2-element list", got)
	}
}

// ── StreamChat ───────────────────────────────────────────────────────────────

func TestStreamChat_RawDeltas(t *testing.T) {
	t.Parallel()

	srv := sseServer(t,
		`{"id":"gen-1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-2024","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"},"finish_reason":null}]}`,
		`{"id":"gen-1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-2024","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":null}]}`,
		`{"id":"gen-1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-2024","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"sea","arguments":""}}]},"finish_reason":null}]}`,
		`{"id":"gen-1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-2024","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"name":"rch","arguments":"{\"q\":"}}]},"finish_reason":null}]}`,
		`{"id":"gen-1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-2024","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]},"finish_reason":"tool_calls"}]}`,
		`{"id":"gen-1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-2024","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
	)

	p, err := New("sk-test", "gpt-4o", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, err := p.StreamChat(context.Background(), llm.ChatRequest{
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	chunks := drain(ch)
	if len(chunks) != 6 {
		t.Fatalf("chunks = %d, want 6", len(chunks))
	}

	var text, name, args string
	var finish string
	var usage *llm.Usage
	for _, c := range chunks {
		if c.Err != nil {
			t.Fatalf("unexpected stream error: %v", c.Err)
		}
		text += c.Text
		for _, d := range c.ToolCalls {
			if d.Index != 0 {
				t.Errorf("delta index = %d, want 0", d.Index)
			}
			name += d.Name
			args += d.Arguments
		}
		if c.FinishReason != "" {
			finish = c.FinishReason
		}
		if c.Usage != nil {
			usage = c.Usage
		}
	}
	if text != "Hello" {
		t.Errorf("text = %q, want Hello", text)
	}
	if name != "search" || args != `{"q":"go"}` {
		t.Errorf("tool call = %q(%q), want search({\"q\":\"go\"})", name, args)
	}
	if finish != "tool_calls" {
		t.Errorf("finish = %q, want tool_calls", finish)
	}
	if usage == nil || usage.TotalTokens != 15 {
		t.Errorf("usage = %+v, want total 15", usage)
	}
	if chunks[0].Model != "gpt-4o-2024" || chunks[0].GenerationID != "gen-1" {
		t.Errorf("model/id = %q/%q", chunks[0].Model, chunks[0].GenerationID)
	}
}

func TestStreamChat_StatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"This model does not support tools","type":"invalid_request_error"}}`)
	}))
	t.Cleanup(srv.Close)

	p, err := New("sk-test", "tiny-model", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.StreamChat(context.Background(), llm.ChatRequest{
		Messages: []types.Message{{Role: "user", Content: "hi"}},
		Tools:    []types.ToolDefinition{{Name: "x"}},
	})
	var pe *llm.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *llm.ProviderError", err)
	}
	if pe.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", pe.StatusCode)
	}
	if !llm.IsToolsUnsupported(err) {
		t.Error("IsToolsUnsupported = false, want true")
	}
}

// ── constructor / capabilities ───────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty API key without base URL")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("", "llama3", WithBaseURL("http://localhost:1234/v1")); err != nil {
		t.Errorf("keyless compatible endpoint: %v", err)
	}
}

func TestModelCapabilities(t *testing.T) {
	t.Parallel()

	if caps := modelCapabilities("gpt-4o-mini"); !caps.SupportsVision || !caps.SupportsToolCalling {
		t.Errorf("gpt-4o-mini caps = %+v", caps)
	}
	if caps := modelCapabilities("gpt-4"); caps.ContextWindow != 8_192 {
		t.Errorf("gpt-4 context window = %d, want 8192", caps.ContextWindow)
	}
	if caps := modelCapabilities("o1-mini"); caps.SupportsToolCalling {
		t.Error("o1-mini: expected SupportsToolCalling=false")
	}
	if caps := modelCapabilities("my-custom-model"); caps.ContextWindow <= 0 || caps.MaxOutputTokens <= 0 {
		t.Errorf("unknown model caps = %+v", caps)
	}
}
