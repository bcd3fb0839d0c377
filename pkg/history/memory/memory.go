// Package memory provides an in-process [history.Store].
//
// Records are kept in maps guarded by a mutex and are lost on restart. It is
// the default store when no database is configured and the store used by
// orchestrator tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/toolrelay/pkg/history"
	"github.com/MrWong99/toolrelay/pkg/types"
)

var (
	_ history.Store  = (*Store)(nil)
	_ history.Pinger = (*Store)(nil)
)

// Store is an in-memory [history.Store]. The zero value is not usable;
// create instances with [New].
type Store struct {
	mu       sync.RWMutex
	sessions map[string][]history.Record
	now      func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{sessions: make(map[string][]history.Record), now: time.Now}
}

// EnsureSession implements [history.Store].
func (s *Store) EnsureSession(_ context.Context, id string) error {
	if id == "" {
		return errors.New("history memory: empty session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		s.sessions[id] = nil
	}
	return nil
}

// AppendMessage implements [history.Store].
func (s *Store) AppendMessage(_ context.Context, sessionID string, msg types.Message, metadata map[string]any) (history.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, ok := s.sessions[sessionID]
	if !ok {
		return history.Record{}, fmt.Errorf("history memory: append to %s: %w", sessionID, history.ErrSessionNotFound)
	}
	rec := history.Record{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Seq:       int64(len(recs) + 1),
		Message:   cloneMessage(msg),
		Metadata:  maps.Clone(metadata),
		Timestamp: s.now(),
	}
	s.sessions[sessionID] = append(recs, rec)
	return rec, nil
}

// GetMessages implements [history.Store].
func (s *Store) GetMessages(_ context.Context, sessionID string) ([]history.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("history memory: get %s: %w", sessionID, history.ErrSessionNotFound)
	}
	return slices.Clone(recs), nil
}

// Ping implements [history.Pinger]. It always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// cloneMessage copies the slices of msg so callers cannot mutate stored
// records.
func cloneMessage(m types.Message) types.Message {
	m.Parts = slices.Clone(m.Parts)
	m.ToolCalls = slices.Clone(m.ToolCalls)
	return m
}
