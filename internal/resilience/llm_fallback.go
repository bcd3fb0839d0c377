package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/toolrelay/pkg/provider/llm"
	"github.com/MrWong99/toolrelay/pkg/types"
)

// LLMFallback implements [llm.Provider] with failover across several model
// gateways. Each gateway has its own circuit breaker.
//
// Only opening the stream participates in failover. Once a stream is
// established, mid-stream errors reach the caller as Chunk.Err.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred
// gateway. Non-retryable provider errors (a 4xx other than 408 and 429) are
// returned straight away: a malformed request or a model that rejects tools
// fails the same way on the next gateway, and the caller may want to react to
// the original error.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	if cfg.Permanent == nil {
		cfg.Permanent = permanentProviderError
	}
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

func permanentProviderError(err error) bool {
	if llm.IsToolsUnsupported(err) {
		return true
	}
	var pe *llm.ProviderError
	return errors.As(err, &pe) && pe.StatusCode != 0 && !pe.Retryable()
}

// AddFallback registers an additional gateway.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Names returns the gateway names in try order.
func (f *LLMFallback) Names() []string { return f.group.Names() }

// StreamChat opens a stream on the first healthy gateway.
func (f *LLMFallback) StreamChat(ctx context.Context, req llm.ChatRequest) (<-chan llm.Chunk, error) {
	ch, err := ExecuteWithResult(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamChat(ctx, req)
	})
	if err != nil {
		// Surface the provider error itself so callers can inspect status and
		// detail.
		var pe *llm.ProviderError
		if errors.As(err, &pe) && !errors.Is(err, ErrAllFailed) {
			return nil, pe
		}
		return nil, err
	}
	return ch, nil
}

// Capabilities returns the primary's capabilities. Capabilities are static
// metadata and do not participate in failover.
func (f *LLMFallback) Capabilities() types.ModelCapabilities {
	return f.group.Primary().Capabilities()
}
