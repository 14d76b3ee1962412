// Package memory provides an in-memory blob store for testing.
// Data is not persisted.
package memory

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/mailvault/mailvault/blob"
)

// Store implements blob.Store with in-memory storage.
// Thread-safe for concurrent use. Not suitable for production.
type Store struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// Ensure Store implements blob.Store.
var _ blob.Store = (*Store)(nil)

// New creates a new in-memory blob store.
func New() *Store {
	return &Store{
		blobs: make(map[string][]byte),
	}
}

// Put stores content at key.
func (s *Store) Put(_ context.Context, key, _ string, content io.Reader) (int64, error) {
	if err := blob.ValidateKey(key); err != nil {
		return 0, err
	}

	data, err := io.ReadAll(content)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.blobs[key] = data
	s.mu.Unlock()

	return int64(len(data)), nil
}

// Get returns a reader for the blob at key.
func (s *Store) Get(_ context.Context, key string) (io.ReadCloser, error) {
	if err := blob.ValidateKey(key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	data, ok := s.blobs[key]
	s.mu.RUnlock()

	if !ok {
		return nil, blob.ErrNotFound
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes the blob at key. Missing blobs are not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	if err := blob.ValidateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.blobs, key)
	s.mu.Unlock()

	return nil
}

// Len returns the number of stored blobs. Useful in tests asserting that
// orphaned blobs were cleaned up.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// Has reports whether a blob exists at key.
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[key]
	return ok
}
