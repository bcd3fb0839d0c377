package toolindex

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

var _ Store = (*PostgresStore)(nil)

// ddlToolEmbeddings returns the DDL with the embedding dimension substituted.
// The dimension is fixed at table creation time.
func ddlToolEmbeddings(dim int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS tool_embeddings (
    name         TEXT         PRIMARY KEY,
    server       TEXT         NOT NULL,
    description  TEXT         NOT NULL DEFAULT '',
    text         TEXT         NOT NULL,
    model        TEXT         NOT NULL,
    embedding    vector(%d)   NOT NULL,
    updated_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_tool_embeddings_embedding
    ON tool_embeddings USING hnsw (embedding vector_cosine_ops);
`, dim)
}

// PostgresStore keeps tool vectors in a pgvector table with an HNSW cosine
// index. Several toolrelay instances may share one table; the last rebuild
// wins.
type PostgresStore struct {
	pool *pgxpool.Pool
	dim  int
}

// NewPostgresStore connects to dsn, registers the pgvector types on every
// connection and creates the table when missing. dim must match the
// embeddings provider.
func NewPostgresStore(ctx context.Context, dsn string, dim int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("toolindex postgres: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("toolindex postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("toolindex postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlToolEmbeddings(dim)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("toolindex postgres: migrate: %w", err)
	}
	return &PostgresStore{pool: pool, dim: dim}, nil
}

// Replace implements [Store]. It upserts every entry and deletes rows for
// tools that are gone, in one transaction.
func (s *PostgresStore) Replace(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		if len(e.Vector) != s.dim {
			return fmt.Errorf("%w: tool %s has %d, want %d", ErrDimensionMismatch, e.Name, len(e.Vector), s.dim)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("toolindex postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const upsert = `
		INSERT INTO tool_embeddings (name, server, description, text, model, embedding, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (name) DO UPDATE SET
		    server      = EXCLUDED.server,
		    description = EXCLUDED.description,
		    text        = EXCLUDED.text,
		    model       = EXCLUDED.model,
		    embedding   = EXCLUDED.embedding,
		    updated_at  = EXCLUDED.updated_at`

	batch := &pgx.Batch{}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		batch.Queue(upsert, e.Name, e.Server, e.Description, e.Text, e.Model, pgvector.NewVector(e.Vector))
		names = append(names, e.Name)
	}
	batch.Queue(`DELETE FROM tool_embeddings WHERE NOT (name = ANY($1))`, names)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("toolindex postgres: replace: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("toolindex postgres: commit: %w", err)
	}
	return nil
}

// Search implements [Store]. Results are ordered by ascending cosine distance
// and scored as 1 - distance.
func (s *PostgresStore) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	if len(query) != s.dim {
		return nil, ErrDimensionMismatch
	}
	const q = `
		SELECT name, server, description, 1 - (embedding <=> $1) AS score
		FROM   tool_embeddings
		ORDER  BY embedding <=> $1, name
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(query), k)
	if err != nil {
		return nil, fmt.Errorf("toolindex postgres: search: %w", err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Hit, error) {
		var h Hit
		err := row.Scan(&h.Name, &h.Server, &h.Description, &h.Score)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("toolindex postgres: scan rows: %w", err)
	}
	if hits == nil {
		hits = []Hit{}
	}
	return hits, nil
}

// Vectors implements [Store].
func (s *PostgresStore) Vectors(ctx context.Context, model string) (map[string][]float32, error) {
	rows, err := s.pool.Query(ctx, `SELECT text, embedding FROM tool_embeddings WHERE model = $1`, model)
	if err != nil {
		return nil, fmt.Errorf("toolindex postgres: vectors: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]float32)
	for rows.Next() {
		var (
			text string
			vec  pgvector.Vector
		)
		if err := rows.Scan(&text, &vec); err != nil {
			return nil, fmt.Errorf("toolindex postgres: scan vector: %w", err)
		}
		out[text] = vec.Slice()
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("toolindex postgres: vectors: %w", err)
	}
	return out, nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the connection pool.
func (s *PostgresStore) Close() { s.pool.Close() }
