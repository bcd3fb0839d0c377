// Package embeddings defines the text-embedding backend used to rank tools by
// semantic similarity to a free-text query.
package embeddings

import "context"

// Provider maps text to dense vectors. All vectors from one Provider have
// Dimensions() entries. Implementations must be safe for concurrent use.
type Provider interface {
	// Embed returns the vector for one text, passed through verbatim.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per text, in input order. On error no
	// partial result is returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	Dimensions() int

	// ModelID names the embedding model. The tool index stores it next to
	// each vector, so changing models forces a re-embed.
	ModelID() string
}
