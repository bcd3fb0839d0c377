// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the orchestrator sends correct
// ChatRequests and to feed scripted streams without a live model gateway.
// All fields are safe to set before calling any method; mutating them during a
// concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    StreamChunks: []llm.Chunk{{Text: "Hello!"}, {FinishReason: "stop"}},
//	}
//	ch, err := p.StreamChat(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/toolrelay/pkg/provider/llm"
	"github.com/MrWong99/toolrelay/pkg/types"
)

// StreamCall records a single invocation of StreamChat.
type StreamCall struct {
	// Ctx is the context passed to StreamChat.
	Ctx context.Context
	// Req is the ChatRequest passed to StreamChat.
	Req llm.ChatRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// StreamScript holds one chunk sequence per call. The n-th call to
	// StreamChat replays StreamScript[n]. Once the script is exhausted the
	// last entry is repeated. When empty, StreamChunks is used for every call.
	StreamScript [][]llm.Chunk

	// StreamChunks is the sequence of Chunk values emitted on every call when
	// StreamScript is empty.
	StreamChunks []llm.Chunk

	// StreamErr, if non-nil, is returned as the error from StreamChat instead
	// of starting a channel.
	StreamErr error

	// StreamErrFunc, if non-nil, is consulted before StreamErr. A non-nil
	// return value fails the call.
	StreamErrFunc func(req llm.ChatRequest) error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities types.ModelCapabilities

	// --- Call records (read after test) ---

	// StreamCalls records every invocation of StreamChat in order.
	StreamCalls []StreamCall

	// CapabilitiesCallCount is the number of times Capabilities was called.
	CapabilitiesCallCount int

	scriptPos int
}

var _ llm.Provider = (*Provider)(nil)

// StreamChat records the call and returns a channel that replays the next
// scripted chunk sequence.
func (p *Provider) StreamChat(ctx context.Context, req llm.ChatRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	if p.StreamErrFunc != nil {
		if err := p.StreamErrFunc(req); err != nil {
			p.mu.Unlock()
			return nil, err
		}
	}
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	var src []llm.Chunk
	switch {
	case len(p.StreamScript) == 0:
		src = p.StreamChunks
	case p.scriptPos < len(p.StreamScript):
		src = p.StreamScript[p.scriptPos]
		p.scriptPos++
	default:
		src = p.StreamScript[len(p.StreamScript)-1]
	}
	chunks := make([]llm.Chunk, len(src))
	copy(chunks, src)
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// Capabilities records the call and returns ModelCapabilities.
func (p *Provider) Capabilities() types.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	return p.ModelCapabilities
}

// Calls returns a copy of the recorded StreamChat invocations.
func (p *Provider) Calls() []StreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StreamCall, len(p.StreamCalls))
	copy(out, p.StreamCalls)
	return out
}

// Reset clears all recorded calls and rewinds the script.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
	p.CapabilitiesCallCount = 0
	p.scriptPos = 0
}
