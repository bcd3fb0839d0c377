package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/toolrelay/internal/config"
	"github.com/MrWong99/toolrelay/internal/resilience"
	"github.com/MrWong99/toolrelay/pkg/provider/llm"
	llmmock "github.com/MrWong99/toolrelay/pkg/provider/llm/mock"
)

func TestOptString(t *testing.T) {
	t.Parallel()
	opts := map[string]any{"org": "acme", "n": 3}
	if got := optString(opts, "org"); got != "acme" {
		t.Errorf("org = %q", got)
	}
	if got := optString(opts, "n"); got != "" {
		t.Errorf("non-string = %q", got)
	}
	if got := optString(nil, "org"); got != "" {
		t.Errorf("nil map = %q", got)
	}
}

func TestOptDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		value any
		want  time.Duration
	}{
		{"45s", 45 * time.Second},
		{30, 30 * time.Second},
		{1.5, 1500 * time.Millisecond},
		{"soon", 0},
		{nil, 0},
	}
	for _, tt := range tests {
		if got := optDuration(map[string]any{"timeout": tt.value}, "timeout"); got != tt.want {
			t.Errorf("optDuration(%v) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

// mockRegistry registers mock gateways for the names used in the tests.
func mockRegistry() *config.Registry {
	reg := config.NewRegistry()
	for _, name := range []string{"openai", "anthropic"} {
		reg.RegisterLLM(name, func(config.ProviderEntry) (llm.Provider, error) {
			return &llmmock.Provider{}, nil
		})
	}
	return reg
}

func TestBuildProviders_Fallbacks(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Providers: config.ProvidersConfig{
		LLM:       config.ProviderEntry{Name: "openai", Model: "gpt-4o"},
		Fallbacks: []config.ProviderEntry{{Name: "anthropic", Model: "claude"}},
		Named:     map[string]config.ProviderEntry{"cheap": {Name: "openai", Model: "gpt-4o-mini"}},
	}}

	ps, err := buildProviders(cfg, mockRegistry())
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	fb, ok := ps.LLM.(*resilience.LLMFallback)
	if !ok {
		t.Fatalf("LLM = %T, want *resilience.LLMFallback", ps.LLM)
	}
	if names := fb.Names(); len(names) != 2 || names[0] != "openai/gpt-4o" || names[1] != "anthropic/claude" {
		t.Errorf("fallback order = %v", names)
	}
	if _, ok := ps.Named["cheap"]; !ok {
		t.Error("named provider missing")
	}
	if ps.Embeddings != nil {
		t.Error("embeddings set without config")
	}
}

func TestBuildProviders_NoFallbacksKeepsPrimary(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Providers: config.ProvidersConfig{LLM: config.ProviderEntry{Name: "openai"}}}
	ps, err := buildProviders(cfg, mockRegistry())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ps.LLM.(*llmmock.Provider); !ok {
		t.Errorf("LLM = %T, want the mock itself", ps.LLM)
	}
}

func TestBuildProviders_UnknownProvider(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Providers: config.ProvidersConfig{LLM: config.ProviderEntry{Name: "nope"}}}
	if _, err := buildProviders(cfg, mockRegistry()); err == nil {
		t.Error("unknown provider accepted")
	}
}

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, 0)

	names := reg.LLMNames()
	for _, want := range append([]string{"openai"}, anyllmBackends...) {
		found := false
		for _, n := range names {
			found = found || n == want
		}
		if !found {
			t.Errorf("llm %q not registered", want)
		}
	}

	p, err := reg.CreateEmbeddings(config.ProviderEntry{Name: "openai", APIKey: "sk-test", Model: "custom", Options: map[string]any{"timeout": "5s"}})
	if err != nil {
		t.Fatalf("CreateEmbeddings: %v", err)
	}
	if p.ModelID() != "custom" {
		t.Errorf("ModelID = %q", p.ModelID())
	}
}

func TestPrintStartupSummary(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	printStartupSummary(&buf, &config.Config{
		Server:    config.ServerConfig{ListenAddr: ":8080"},
		Providers: config.ProvidersConfig{LLM: config.ProviderEntry{Name: "openai", Model: "a-very-long-model-name"}},
		Registry:  config.RegistryConfig{Lazy: true},
	})
	out := buf.String()
	for _, want := range []string{"openai / a-very-…", "lazy", ":8080", "memory"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestFirstLine(t *testing.T) {
	t.Parallel()
	if got := firstLine("one\ntwo", 10); got != "one" {
		t.Errorf("got %q", got)
	}
	if got := firstLine("abcdefgh", 5); got != "abcd…" {
		t.Errorf("got %q", got)
	}
}

// The validate command goes through the shared root command, so it does not
// run in parallel.
func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte(`
mcp:
  servers:
    - id: weather
      command: /usr/bin/weather
    - id: remote
      url: http://127.0.0.1:9100/mcp
      disabled: true
`), 0o644); err != nil {
		t.Fatal(err)
	}
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("server:\n  log_level: loud\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	t.Cleanup(func() { rootCmd.SetOut(nil); rootCmd.SetArgs(nil) })

	rootCmd.SetArgs([]string{"validate", "--config", good})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("validate good config: %v", err)
	}
	for _, want := range []string{"is valid", "tool servers: 2", "weather", "disabled"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}

	rootCmd.SetArgs([]string{"validate", "--config", bad})
	if err := rootCmd.Execute(); err == nil || !strings.Contains(err.Error(), "log_level") {
		t.Errorf("bad config error = %v", err)
	}

	rootCmd.SetArgs([]string{"validate", "--config", filepath.Join(dir, "missing.yaml")})
	if err := rootCmd.Execute(); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("missing config error = %v", err)
	}
}
