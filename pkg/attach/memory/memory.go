// Package memory provides an in-process [attach.Store].
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/toolrelay/pkg/attach"
)

var _ attach.Store = (*Store)(nil)

// Store keeps attachments in a map. Contents are lost on restart.
type Store struct {
	base  string
	mu    sync.RWMutex
	blobs map[string]attach.Blob
}

// New returns an empty store whose references point below baseURL.
func New(baseURL string) *Store {
	return &Store{base: baseURL, blobs: make(map[string]attach.Blob)}
}

// Put implements [attach.Store].
func (s *Store) Put(_ context.Context, data []byte, mimeType string) (attach.Ref, error) {
	if len(data) > attach.MaxSize {
		return attach.Ref{}, attach.ErrTooLarge
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.blobs[id] = attach.Blob{ID: id, MIMEType: mimeType, Data: slices.Clone(data), Created: time.Now()}
	s.mu.Unlock()
	return attach.Ref{ID: id, URL: attach.URLFor(s.base, id)}, nil
}

// Get implements [attach.Store].
func (s *Store) Get(_ context.Context, id string) (attach.Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[id]
	if !ok {
		return attach.Blob{}, fmt.Errorf("attach memory: %s: %w", id, attach.ErrNotFound)
	}
	b.Data = slices.Clone(b.Data)
	return b, nil
}

// Len returns the number of stored attachments.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
