package main

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/toolrelay/internal/app"
	"github.com/MrWong99/toolrelay/internal/config"
	"github.com/MrWong99/toolrelay/internal/resilience"
	"github.com/MrWong99/toolrelay/pkg/provider/embeddings"
	oaembed "github.com/MrWong99/toolrelay/pkg/provider/embeddings/openai"
	"github.com/MrWong99/toolrelay/pkg/provider/llm"
	"github.com/MrWong99/toolrelay/pkg/provider/llm/anyllm"
	llmopenai "github.com/MrWong99/toolrelay/pkg/provider/llm/openai"
)

// anyllmBackends are the gateways served through any-llm-go: every backend it
// supports except openai, which has a native gateway.
var anyllmBackends = slices.DeleteFunc(anyllm.Backends(), func(name string) bool { return name == "openai" })

// registerBuiltinProviders wires the provider factories that ship with
// toolrelay into reg. dims, when positive, pins the embedding size so vectors
// match the pgvector column.
func registerBuiltinProviders(reg *config.Registry, dims int) {
	// openai uses the native SDK so reasoning content and OpenAI-compatible
	// servers (vLLM, OpenRouter, LM Studio) work through base_url.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, llmopenai.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, llmopenai.WithTimeout(d))
		}
		return llmopenai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range anyllmBackends {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// Ollama and other local servers expose an OpenAI-compatible /v1/embeddings
	// endpoint, so one factory covers them through base_url.
	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaembed.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oaembed.WithTimeout(d))
		}
		if dims > 0 {
			opts = append(opts, oaembed.WithDimensions(dims))
		}
		if n, ok := entry.Options["batch_size"].(int); ok {
			opts = append(opts, oaembed.WithBatchSize(n))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	slog.Debug("registered providers", "llm", reg.LLMNames(), "embeddings", []string{"openai"})
}

// buildProviders instantiates the providers named in cfg. The default gateway
// is wrapped with its fallbacks when any are configured.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{Named: make(map[string]llm.Provider)}
	pc := cfg.Providers

	if name := pc.LLM.Name; name != "" {
		primary, err := createLLM(reg, pc.LLM)
		if err != nil {
			return nil, err
		}
		ps.LLM = primary
		if len(pc.Fallbacks) > 0 {
			group := resilience.NewLLMFallback(primary, label(pc.LLM), resilience.FallbackConfig{})
			for _, entry := range pc.Fallbacks {
				fb, err := createLLM(reg, entry)
				if err != nil {
					return nil, fmt.Errorf("fallback: %w", err)
				}
				group.AddFallback(label(entry), fb)
			}
			ps.LLM = group
			slog.Info("llm fallbacks enabled", "order", group.Names())
		}
	}

	for key, entry := range pc.Named {
		p, err := createLLM(reg, entry)
		if err != nil {
			return nil, fmt.Errorf("named provider %q: %w", key, err)
		}
		ps.Named[key] = p
	}

	if name := pc.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(pc.Embeddings)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("embeddings provider not available, tool search stays lexical", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		} else {
			ps.Embeddings = p
			slog.Info("provider created", "kind", "embeddings", "name", name, "model", p.ModelID())
		}
	}

	return ps, nil
}

func createLLM(reg *config.Registry, entry config.ProviderEntry) (llm.Provider, error) {
	p, err := reg.CreateLLM(entry)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", entry.Name, "model", entry.Model)
	return p, nil
}

// label names a gateway in logs and breaker state.
func label(entry config.ProviderEntry) string {
	if entry.Model == "" {
		return entry.Name
	}
	return entry.Name + "/" + entry.Model
}

// optDuration reads a duration option given as a Go duration string
// ("30s") or a number of seconds.
func optDuration(opts map[string]any, key string) time.Duration {
	switch v := opts[key].(type) {
	case string:
		d, _ := time.ParseDuration(v)
		return d
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	}
	return 0
}
