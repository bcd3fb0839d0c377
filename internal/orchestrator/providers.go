package orchestrator

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/MrWong99/toolrelay/pkg/provider/llm"
)

// ErrUnknownProvider is returned when a request names a provider that is not
// configured.
var ErrUnknownProvider = errors.New("orchestrator: unknown provider")

// Providers resolves a provider name from a request. The empty name selects
// the default provider.
type Providers interface {
	Resolve(name string) (llm.Provider, string, error)
}

// ProviderSet is a fixed set of named providers.
type ProviderSet struct {
	Default string
	Named   map[string]llm.Provider
}

var _ Providers = ProviderSet{}

// Resolve implements [Providers]. It returns the provider and its resolved
// name.
func (s ProviderSet) Resolve(name string) (llm.Provider, string, error) {
	if name == "" {
		name = s.Default
	}
	p, ok := s.Named[name]
	if !ok {
		return nil, "", fmt.Errorf("%w %q (configured: %v)", ErrUnknownProvider, name, slices.Sorted(maps.Keys(s.Named)))
	}
	return p, name, nil
}
