package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/toolrelay/internal/config"
	"github.com/MrWong99/toolrelay/pkg/provider/embeddings"
	embmock "github.com/MrWong99/toolrelay/pkg/provider/embeddings/mock"
	"github.com/MrWong99/toolrelay/pkg/provider/llm"
	llmmock "github.com/MrWong99/toolrelay/pkg/provider/llm/mock"
)

const validYAML = `
server:
  listen_addr: ":8080"
  log_level: debug
providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
  fallbacks:
    - name: ollama
      base_url: http://localhost:11434
      model: llama3.2
  named:
    local:
      name: ollama
      model: qwen2.5
  embeddings:
    name: openai
    model: text-embedding-3-small
storage:
  postgres_dsn: "postgres://localhost/toolrelay"
  embedding_dimensions: 1536
registry:
  lazy: true
  port_min: 9000
  port_max: 9050
  probe_timeout: 200ms
  breaker:
    max_failures: 3
    reset_timeout: 10s
orchestrator:
  hop_limit: 4
  system_prompt: "You are helpful."
  no_result_phrases: ["nothing matched"]
mcp:
  servers:
    - id: calendar
      command: /usr/local/bin/calendar-mcp
      args: ["--readonly"]
      contexts: [scheduling]
      session_tools: [remember]
    - id: search
      url: https://search.example.com/mcp
      rate_limit: 2.5
      call_timeout: 20s
      clients:
        web: true
      auth:
        token_url: https://auth.example.com/token
        client_id: relay
        client_secret: s3cret
    - id: notes
      module: notes_server
      http_port: 9011
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q", cfg.Server.LogLevel)
	}
	if cfg.Providers.LLM.Model != "gpt-4o-mini" || len(cfg.Providers.Fallbacks) != 1 {
		t.Errorf("providers: %+v", cfg.Providers)
	}
	if cfg.Providers.Named["local"].Model != "qwen2.5" {
		t.Errorf("named providers: %+v", cfg.Providers.Named)
	}
	if !cfg.Registry.Lazy || cfg.Registry.ProbeTimeout != 200*time.Millisecond {
		t.Errorf("registry: %+v", cfg.Registry)
	}
	if cfg.Registry.Breaker.MaxFailures != 3 || cfg.Registry.Breaker.ResetTimeout != 10*time.Second {
		t.Errorf("breaker: %+v", cfg.Registry.Breaker)
	}
	if cfg.Orchestrator.HopLimit != 4 || len(cfg.Orchestrator.NoResultPhrases) != 1 {
		t.Errorf("orchestrator: %+v", cfg.Orchestrator)
	}
	if len(cfg.MCP.Servers) != 3 {
		t.Fatalf("servers: got %d, want 3", len(cfg.MCP.Servers))
	}
	search := cfg.MCP.Servers[1]
	if search.RateLimit != 2.5 || search.CallTimeout != 20*time.Second || !search.Clients["web"] {
		t.Errorf("search server: %+v", search)
	}
	if search.Auth == nil || search.Auth.ClientID != "relay" {
		t.Errorf("search auth: %+v", search.Auth)
	}
	if cfg.MCP.Servers[0].Args[0] != "--readonly" || !cfg.MCP.Servers[0].SessionAware("remember") {
		t.Errorf("calendar server: %+v", cfg.MCP.Servers[0])
	}
}

func TestLoadFromReader_EmptyIsValid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error for empty config: %v", err)
	}
	if len(cfg.MCP.Servers) != 0 {
		t.Errorf("servers: %+v", cfg.MCP.Servers)
	}
}

func TestLoadFromReader_RejectsUnknownFields(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":80\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLogLevel_Level(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		in   config.LogLevel
		want string
	}{
		{"", "INFO"},
		{config.LogDebug, "DEBUG"},
		{config.LogWarn, "WARN"},
		{config.LogError, "ERROR"},
	} {
		if got := tc.in.Level().String(); got != tc.want {
			t.Errorf("%q.Level() = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "invalid log level",
			yaml: "server:\n  log_level: bananas\n",
			want: []string{"log_level"},
		},
		{
			name: "incomplete tls",
			yaml: "server:\n  tls:\n    cert_file: a.pem\n",
			want: []string{"cert_file and key_file"},
		},
		{
			name: "sample ratio above one",
			yaml: "server:\n  trace_sample_ratio: 1.5\n",
			want: []string{"trace_sample_ratio"},
		},
		{
			name: "fallback without primary",
			yaml: "providers:\n  fallbacks:\n    - name: ollama\n",
			want: []string{"requires providers.llm"},
		},
		{
			name: "named provider without name",
			yaml: "providers:\n  llm:\n    name: openai\n  named:\n    local:\n      model: x\n",
			want: []string{"providers.named.local.name"},
		},
		{
			name: "embeddings in postgres without dimensions",
			yaml: "providers:\n  embeddings:\n    name: openai\nstorage:\n  postgres_dsn: postgres://x\n",
			want: []string{"embedding_dimensions"},
		},
		{
			name: "inverted port range",
			yaml: "registry:\n  port_min: 9100\n  port_max: 9000\n",
			want: []string{"exceeds port_max"},
		},
		{
			name: "negative hop limit",
			yaml: "orchestrator:\n  hop_limit: -1\n",
			want: []string{"hop_limit"},
		},
		{
			name: "server without launch method",
			yaml: "mcp:\n  servers:\n    - id: lonely\n",
			want: []string{"mcp.servers[0]", "one of command, module, url or http_port"},
		},
		{
			name: "duplicate server ids and several errors joined",
			yaml: "mcp:\n  servers:\n    - id: a\n      command: x\n    - id: a\n      url: http://h/mcp\n    - id: bad id\n      command: y\n",
			want: []string{"duplicate of mcp.servers[0]", "mcp.servers[2]"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			for _, w := range tc.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error should mention %q, got: %v", w, err)
				}
			}
		})
	}
}

func TestRegistry_UnknownLLM(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateLLM(config.ProviderEntry{Name: "nonexistent"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_UnknownEmbeddings(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateEmbeddings(config.ProviderEntry{Name: "nonexistent"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_RegisteredLLM(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	want := &llmmock.Provider{}
	var gotEntry config.ProviderEntry
	reg.RegisterLLM("test-llm", func(e config.ProviderEntry) (llm.Provider, error) {
		gotEntry = e
		return want, nil
	})
	reg.RegisterLLM("another", func(config.ProviderEntry) (llm.Provider, error) { return want, nil })

	p, err := reg.CreateLLM(config.ProviderEntry{Name: "test-llm", Model: "m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != want {
		t.Error("returned provider is not the registered one")
	}
	if gotEntry.Model != "m" {
		t.Errorf("factory received %+v", gotEntry)
	}
	if names := reg.LLMNames(); len(names) != 2 || names[0] != "another" {
		t.Errorf("LLMNames() = %v", names)
	}
}

func TestRegistry_RegisteredEmbeddings(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	want := &embmock.Provider{}
	reg.RegisterEmbeddings("test-emb", func(config.ProviderEntry) (embeddings.Provider, error) { return want, nil })

	p, err := reg.CreateEmbeddings(config.ProviderEntry{Name: "test-emb"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != want {
		t.Error("returned provider is not the registered one")
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("bad api key")
	reg.RegisterLLM("broken", func(config.ProviderEntry) (llm.Provider, error) { return nil, boom })

	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "broken"}); !errors.Is(err, boom) {
		t.Errorf("expected factory error, got %v", err)
	}
}
