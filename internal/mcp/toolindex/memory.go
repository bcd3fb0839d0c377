package toolindex

import (
	"cmp"
	"context"
	"math"
	"slices"
	"strings"
	"sync"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps vectors in process memory and ranks by brute-force cosine
// similarity. It suits catalogs of a few thousand tools.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

// Replace implements [Store].
func (m *MemoryStore) Replace(_ context.Context, entries []Entry) error {
	dim := -1
	for _, e := range entries {
		if dim >= 0 && len(e.Vector) != dim {
			return ErrDimensionMismatch
		}
		dim = len(e.Vector)
	}
	cp := slices.Clone(entries)
	m.mu.Lock()
	m.entries = cp
	m.mu.Unlock()
	return nil
}

// Search implements [Store].
func (m *MemoryStore) Search(_ context.Context, query []float32, k int) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hits := make([]Hit, 0, len(m.entries))
	for _, e := range m.entries {
		if len(e.Vector) != len(query) {
			return nil, ErrDimensionMismatch
		}
		hits = append(hits, Hit{
			Name:        e.Name,
			Server:      e.Server,
			Description: e.Description,
			Score:       cosine(query, e.Vector),
		})
	}
	slices.SortFunc(hits, func(a, b Hit) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Vectors implements [Store].
func (m *MemoryStore) Vectors(_ context.Context, model string) (map[string][]float32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]float32, len(m.entries))
	for _, e := range m.entries {
		if e.Model == model {
			out[e.Text] = e.Vector
		}
	}
	return out, nil
}

// cosine returns the cosine similarity of a and b, or 0 when either is the
// zero vector.
func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
