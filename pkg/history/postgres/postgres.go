// Package postgres provides a PostgreSQL-backed [history.Store].
//
// Sessions and messages live in two tables. Messages are stored as JSONB with
// a per-session sequence number so reads return them in append order even
// when timestamps collide. [Migrate] creates the tables and is safe to call
// on every start.
//
// Usage:
//
//	store, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.EnsureSession(ctx, "sess-1")
//	rec, _ := store.AppendMessage(ctx, "sess-1", msg, nil)
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/toolrelay/pkg/history"
	"github.com/MrWong99/toolrelay/pkg/types"
)

var (
	_ history.Store  = (*Store)(nil)
	_ history.Pinger = (*Store)(nil)
)

const ddl = `
CREATE TABLE IF NOT EXISTS chat_sessions (
    id          TEXT         PRIMARY KEY,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS chat_messages (
    id          UUID         PRIMARY KEY,
    session_id  TEXT         NOT NULL REFERENCES chat_sessions (id) ON DELETE CASCADE,
    seq         BIGINT       NOT NULL,
    role        TEXT         NOT NULL,
    message     JSONB        NOT NULL,
    metadata    JSONB        NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_session_seq
    ON chat_messages (session_id, seq);
`

// Migrate creates the history tables when missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("history postgres: migrate: %w", err)
	}
	return nil
}

// Store is a [history.Store] on a [pgxpool.Pool]. All methods are safe for
// concurrent use.
type Store struct {
	pool  *pgxpool.Pool
	owned bool
}

// New connects to dsn and runs [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool, owned: true}, nil
}

// NewWithPool wraps an existing pool. The caller keeps ownership of pool and
// must have run [Migrate].
func NewWithPool(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

// EnsureSession implements [history.Store].
func (s *Store) EnsureSession(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("history postgres: empty session id")
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO chat_sessions (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id)
	if err != nil {
		return fmt.Errorf("history postgres: ensure session: %w", err)
	}
	return nil
}

// AppendMessage implements [history.Store]. The sequence number is assigned
// under a row lock on the session so concurrent appends stay ordered.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg types.Message, metadata map[string]any) (history.Record, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return history.Record{}, fmt.Errorf("history postgres: encode message: %w", err)
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return history.Record{}, fmt.Errorf("history postgres: encode metadata: %w", err)
	}

	rec := history.Record{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Message:   msg,
		Metadata:  metadata,
	}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var locked string
		err := tx.QueryRow(ctx, `SELECT id FROM chat_sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return history.ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		const q = `
			INSERT INTO chat_messages (id, session_id, seq, role, message, metadata)
			SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4, $5
			FROM   chat_messages
			WHERE  session_id = $2
			RETURNING seq, created_at`
		return tx.QueryRow(ctx, q, rec.ID, sessionID, msg.Role, body, meta).Scan(&rec.Seq, &rec.Timestamp)
	})
	if err != nil {
		return history.Record{}, fmt.Errorf("history postgres: append to %s: %w", sessionID, err)
	}
	return rec, nil
}

// GetMessages implements [history.Store].
func (s *Store) GetMessages(ctx context.Context, sessionID string) ([]history.Record, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM chat_sessions WHERE id = $1)`, sessionID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("history postgres: get messages: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("history postgres: get %s: %w", sessionID, history.ErrSessionNotFound)
	}

	const q = `
		SELECT id, seq, message, metadata, created_at
		FROM   chat_messages
		WHERE  session_id = $1
		ORDER  BY seq`
	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("history postgres: get messages: %w", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Record, error) {
		var (
			rec       history.Record
			body      []byte
			meta      []byte
			createdAt time.Time
		)
		if err := row.Scan(&rec.ID, &rec.Seq, &body, &meta, &createdAt); err != nil {
			return rec, err
		}
		if err := json.Unmarshal(body, &rec.Message); err != nil {
			return rec, fmt.Errorf("decode message %s: %w", rec.ID, err)
		}
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return rec, fmt.Errorf("decode metadata %s: %w", rec.ID, err)
		}
		if len(rec.Metadata) == 0 {
			rec.Metadata = nil
		}
		rec.SessionID = sessionID
		rec.Timestamp = createdAt
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("history postgres: scan rows: %w", err)
	}
	if recs == nil {
		recs = []history.Record{}
	}
	return recs, nil
}

// Ping implements [history.Pinger].
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the pool when the store created it.
func (s *Store) Close() {
	if s.owned {
		s.pool.Close()
	}
}
