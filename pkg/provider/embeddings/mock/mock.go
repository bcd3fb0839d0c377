// Package mock is a scripted [embeddings.Provider] for tests.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/toolrelay/pkg/provider/embeddings"
)

var _ embeddings.Provider = (*Provider)(nil)

// Provider computes vectors with Vector and records every text it is asked
// to embed. The zero value returns nil vectors.
type Provider struct {
	// Vector maps one text to its embedding. Nil yields nil vectors.
	Vector func(text string) []float32
	// Err fails every call when set.
	Err   error
	Dims  int
	Model string

	mu      sync.Mutex
	queries []string
	batches [][]string
}

// Embed records text as a query.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.queries = append(p.queries, text)
	p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	return p.vector(text), nil
}

// EmbedBatch records texts as one batch.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.batches = append(p.batches, slices.Clone(texts))
	p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vector(t)
	}
	return out, nil
}

func (p *Provider) vector(text string) []float32 {
	if p.Vector == nil {
		return nil
	}
	return p.Vector(text)
}

func (p *Provider) Dimensions() int { return p.Dims }
func (p *Provider) ModelID() string { return p.Model }

// Queries returns the texts passed to Embed, in order.
func (p *Provider) Queries() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.queries)
}

// Batches returns the text slices passed to EmbedBatch, in order.
func (p *Provider) Batches() [][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.batches)
}
