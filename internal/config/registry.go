package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/toolrelay/pkg/provider/embeddings"
	"github.com/MrWong99/toolrelay/pkg/provider/llm"
)

// ErrProviderNotRegistered means no factory exists for a provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider from its config entry.
type Factory[T any] func(ProviderEntry) (T, error)

// factories is one kind's name-to-factory table.
type factories[T any] struct {
	kind   string
	byName map[string]Factory[T]
}

func (f *factories[T]) create(entry ProviderEntry) (T, error) {
	factory, ok := f.byName[entry.Name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	p, err := factory(entry)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("config: create %s provider %q: %w", f.kind, entry.Name, err)
	}
	return p, nil
}

// Registry maps provider names to factories, one table per provider kind.
// Registering a name again replaces the earlier factory. Safe for concurrent
// use.
type Registry struct {
	mu         sync.RWMutex
	llm        factories[llm.Provider]
	embeddings factories[embeddings.Provider]
}

func NewRegistry() *Registry {
	return &Registry{
		llm:        factories[llm.Provider]{kind: "llm", byName: map[string]Factory[llm.Provider]{}},
		embeddings: factories[embeddings.Provider]{kind: "embeddings", byName: map[string]Factory[embeddings.Provider]{}},
	}
}

func (r *Registry) RegisterLLM(name string, f Factory[llm.Provider]) {
	r.mu.Lock()
	r.llm.byName[name] = f
	r.mu.Unlock()
}

func (r *Registry) RegisterEmbeddings(name string, f Factory[embeddings.Provider]) {
	r.mu.Lock()
	r.embeddings.byName[name] = f
	r.mu.Unlock()
}

// LLMNames returns the registered LLM provider names, sorted.
func (r *Registry) LLMNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.llm.byName))
}

// CreateLLM builds the LLM provider registered under entry.Name. It returns
// an error wrapping [ErrProviderNotRegistered] for unknown names.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.llm.create(entry)
}

// CreateEmbeddings is [Registry.CreateLLM] for embedding providers.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.embeddings.create(entry)
}
