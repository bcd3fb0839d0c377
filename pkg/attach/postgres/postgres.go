// Package postgres provides an [attach.Store] that keeps attachment bytes in
// a PostgreSQL bytea column.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/toolrelay/pkg/attach"
)

var _ attach.Store = (*Store)(nil)

const ddl = `
CREATE TABLE IF NOT EXISTS attachments (
    id          UUID         PRIMARY KEY,
    mime_type   TEXT         NOT NULL,
    data        BYTEA        NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates the attachments table when missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("attach postgres: migrate: %w", err)
	}
	return nil
}

// Store is an [attach.Store] on a shared [pgxpool.Pool].
type Store struct {
	pool *pgxpool.Pool
	base string
}

// New wraps pool. The caller owns pool and must have run [Migrate].
func New(pool *pgxpool.Pool, baseURL string) *Store {
	return &Store{pool: pool, base: baseURL}
}

// Put implements [attach.Store].
func (s *Store) Put(ctx context.Context, data []byte, mimeType string) (attach.Ref, error) {
	if len(data) > attach.MaxSize {
		return attach.Ref{}, attach.ErrTooLarge
	}
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx, `INSERT INTO attachments (id, mime_type, data) VALUES ($1, $2, $3)`, id, mimeType, data)
	if err != nil {
		return attach.Ref{}, fmt.Errorf("attach postgres: put: %w", err)
	}
	return attach.Ref{ID: id, URL: attach.URLFor(s.base, id)}, nil
}

// Get implements [attach.Store].
func (s *Store) Get(ctx context.Context, id string) (attach.Blob, error) {
	if _, err := uuid.Parse(id); err != nil {
		return attach.Blob{}, fmt.Errorf("attach postgres: %s: %w", id, attach.ErrNotFound)
	}
	b := attach.Blob{ID: id}
	err := s.pool.QueryRow(ctx, `SELECT mime_type, data, created_at FROM attachments WHERE id = $1`, id).
		Scan(&b.MIMEType, &b.Data, &b.Created)
	if errors.Is(err, pgx.ErrNoRows) {
		return attach.Blob{}, fmt.Errorf("attach postgres: %s: %w", id, attach.ErrNotFound)
	}
	if err != nil {
		return attach.Blob{}, fmt.Errorf("attach postgres: get: %w", err)
	}
	return b, nil
}
