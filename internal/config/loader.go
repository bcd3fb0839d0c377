package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Unknown fields are rejected. An empty document yields the zero config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v must be within [0, 1]", r))
	}

	// Providers
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}
	for key, p := range cfg.Providers.Named {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("providers.named.%s.name is required", key))
		}
		validateProviderName("llm", p.Name)
	}
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if cfg.Providers.LLM.Name == "" {
		if len(cfg.Providers.Fallbacks) > 0 {
			errs = append(errs, errors.New("providers.fallbacks requires providers.llm"))
		}
		slog.Warn("no LLM provider configured; turns will be rejected")
	}

	// Embeddings ↔ tool index dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.Storage.PostgresDSN != "" && cfg.Storage.EmbeddingDimensions <= 0 {
		errs = append(errs, errors.New("storage.embedding_dimensions is required when embeddings are stored in postgres"))
	}
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; history and attachments are kept in memory only")
	}

	// Registry
	r := cfg.Registry
	if r.PortMin < 0 || r.PortMax < 0 || r.PortMin > 65535 || r.PortMax > 65535 {
		errs = append(errs, fmt.Errorf("registry port range %d-%d is out of range", r.PortMin, r.PortMax))
	}
	if r.PortMin != 0 && r.PortMax != 0 && r.PortMin > r.PortMax {
		errs = append(errs, fmt.Errorf("registry.port_min %d exceeds port_max %d", r.PortMin, r.PortMax))
	}
	if r.ProbeTimeout < 0 {
		errs = append(errs, errors.New("registry.probe_timeout must not be negative"))
	}
	if r.LaunchConcurrency < 0 {
		errs = append(errs, errors.New("registry.launch_concurrency must not be negative"))
	}

	// Orchestrator
	if cfg.Orchestrator.HopLimit < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.hop_limit %d must not be negative", cfg.Orchestrator.HopLimit))
	}

	// MCP servers
	seen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if err := srv.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
		if srv.ID == "" {
			continue
		}
		if prev, dup := seen[srv.ID]; dup {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of mcp.servers[%d]", prefix, srv.ID, prev))
		}
		seen[srv.ID] = i
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, possibly a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
