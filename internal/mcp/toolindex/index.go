// Package toolindex provides semantic search over the tool catalog.
//
// An [Index] embeds the name and description of every tool in a registry
// snapshot and stores the vectors in a [Store]. Queries are embedded with the
// same provider and ranked by cosine similarity. Without an embeddings
// provider the index answers from the registry's lexical digest instead.
//
// Rebuilds are driven by registry snapshots. [Index.Attach] subscribes to
// catalog rebuilds and [Index.Run] processes them in the background, always
// indexing the newest snapshot and skipping intermediate ones.
package toolindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/toolrelay/internal/mcp/registry"
	"github.com/MrWong99/toolrelay/pkg/provider/embeddings"
)

// ErrDimensionMismatch is returned when a vector's length does not match the
// store's dimensionality.
var ErrDimensionMismatch = errors.New("toolindex: embedding dimension mismatch")

// Entry is one indexed tool.
type Entry struct {
	Name        string
	Server      string
	Description string
	Text        string
	Model       string
	Vector      []float32
}

// Hit is one search result. Score is the cosine similarity in [-1, 1] for
// semantic results and the digest score for lexical ones.
type Hit struct {
	Name        string  `json:"name"`
	Server      string  `json:"server"`
	Description string  `json:"description,omitempty"`
	Score       float64 `json:"score"`
}

// Store persists tool vectors.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Replace makes entries the complete contents of the store.
	Replace(ctx context.Context, entries []Entry) error

	// Search returns the k entries most similar to query, best first.
	Search(ctx context.Context, query []float32, k int) ([]Hit, error)

	// Vectors returns the stored vectors keyed by embedding text, restricted to
	// model. The index reuses them to skip re-embedding unchanged tools.
	Vectors(ctx context.Context, model string) (map[string][]float32, error)
}

// Option configures an [Index].
type Option func(*Index)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(ix *Index) { ix.log = l } }

// WithStore replaces the default in-memory store.
func WithStore(s Store) Option { return func(ix *Index) { ix.store = s } }

// Index ranks tools by semantic similarity to a free-text query.
type Index struct {
	embedder embeddings.Provider // nil means lexical only
	store    Store
	log      *slog.Logger

	lexical atomic.Pointer[registry.Snapshot]
	built   atomic.Uint64 // version of the last indexed snapshot

	mu      sync.Mutex // serialises rebuilds
	pending atomic.Pointer[registry.Snapshot]
	kick    chan struct{}
}

// New creates an index. embedder may be nil, in which case Search falls back
// to the registry digest.
func New(embedder embeddings.Provider, opts ...Option) *Index {
	ix := &Index{
		embedder: embedder,
		store:    NewMemoryStore(),
		kick:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(ix)
	}
	if ix.log == nil {
		ix.log = slog.Default()
	}
	return ix
}

// Semantic reports whether the index has an embeddings provider.
func (ix *Index) Semantic() bool { return ix.embedder != nil }

// Attach subscribes the index to reg's catalog rebuilds and queues the
// current snapshot.
func (ix *Index) Attach(reg *registry.Registry) {
	reg.OnRebuild(ix.enqueue)
	ix.enqueue(reg.Snapshot())
}

// enqueue records snap as the newest snapshot without blocking.
func (ix *Index) enqueue(snap *registry.Snapshot) {
	ix.lexical.Store(snap)
	ix.pending.Store(snap)
	select {
	case ix.kick <- struct{}{}:
	default:
	}
}

// Run indexes queued snapshots until ctx ends.
func (ix *Index) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ix.kick:
		}
		snap := ix.pending.Swap(nil)
		if snap == nil {
			continue
		}
		if err := ix.Rebuild(ctx, snap); err != nil && ctx.Err() == nil {
			ix.log.Warn("tool index rebuild failed", "version", snap.Version, "err", err)
		}
	}
}

// text is what gets embedded for a binding.
func text(b registry.Binding) string {
	if b.Description == "" {
		return b.Name
	}
	return b.Name + ": " + b.Description
}

// Rebuild indexes every binding of snap. Tools whose text is unchanged since
// the last rebuild reuse their stored vector. Snapshots older than the last
// indexed one are ignored.
func (ix *Index) Rebuild(ctx context.Context, snap *registry.Snapshot) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.lexical.Store(snap)
	if ix.embedder == nil {
		return nil
	}
	if built := ix.built.Load(); built != 0 && snap.Version <= built {
		return nil
	}

	model := ix.embedder.ModelID()
	cached, err := ix.store.Vectors(ctx, model)
	if err != nil {
		return fmt.Errorf("toolindex: load vectors: %w", err)
	}

	bindings := snap.Bindings()
	entries := make([]Entry, len(bindings))
	var (
		missing []string
		slots   []int
	)
	for i, b := range bindings {
		entries[i] = Entry{Name: b.Name, Server: b.Server, Description: b.Description, Text: text(b), Model: model}
		if vec, ok := cached[entries[i].Text]; ok {
			entries[i].Vector = vec
			continue
		}
		missing = append(missing, entries[i].Text)
		slots = append(slots, i)
	}

	if len(missing) > 0 {
		vecs, err := ix.embedder.EmbedBatch(ctx, missing)
		if err != nil {
			return fmt.Errorf("toolindex: embed %d tools: %w", len(missing), err)
		}
		if len(vecs) != len(missing) {
			return fmt.Errorf("toolindex: provider returned %d vectors for %d texts", len(vecs), len(missing))
		}
		for j, i := range slots {
			entries[i].Vector = vecs[j]
		}
	}

	if err := ix.store.Replace(ctx, entries); err != nil {
		return fmt.Errorf("toolindex: store: %w", err)
	}
	ix.built.Store(snap.Version)
	ix.log.Debug("tool index rebuilt", "version", snap.Version, "tools", len(entries), "embedded", len(missing))
	return nil
}

// Version returns the snapshot version last indexed semantically.
func (ix *Index) Version() uint64 { return ix.built.Load() }

// Search returns up to limit tools ranked against query. Without an
// embeddings provider, or before the first semantic rebuild, it ranks with the
// lexical digest of the newest snapshot.
func (ix *Index) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	if ix.embedder == nil || ix.built.Load() == 0 {
		return ix.lexicalSearch(query, limit), nil
	}
	vec, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("toolindex: embed query: %w", err)
	}
	hits, err := ix.store.Search(ctx, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("toolindex: search: %w", err)
	}
	return hits, nil
}

func (ix *Index) lexicalSearch(query string, limit int) []Hit {
	snap := ix.lexical.Load()
	if snap == nil {
		return []Hit{}
	}
	buckets := snap.Digest([]string{query}, limit)
	key := registry.AllContext
	for k := range buckets {
		if k != registry.AllContext {
			key = k
		}
	}
	out := make([]Hit, 0, len(buckets[key]))
	for _, h := range buckets[key] {
		out = append(out, Hit{Name: h.Name, Server: h.Server, Description: h.Description, Score: h.Score})
	}
	return out
}
