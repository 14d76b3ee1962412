// Package cached provides a local-file caching wrapper for blob stores.
//
// Reads hit the local disk cache first and fall back to the backend,
// populating the cache on the way out. Writes and deletes invalidate the
// cached copy before touching the backend, so a stale read can only ever
// return a blob that existed at some point - never one that was replaced.
package cached

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mailvault/mailvault/blob"
)

// Store wraps a blob.Store with local file caching.
type Store struct {
	backend  blob.Store
	cacheDir string
	maxSize  int64
	ttl      time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	cacheSize int64
}

// Ensure Store implements blob.Store.
var _ blob.Store = (*Store)(nil)

// New creates a new cached blob store wrapping the given backend.
func New(backend blob.Store, opts ...Option) (*Store, error) {
	o := &options{
		cacheDir: os.TempDir(),
		maxSize:  1 << 30, // 1GB default
		ttl:      24 * time.Hour,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	cacheDir := filepath.Join(o.cacheDir, "mailvault-blobs")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	s := &Store{
		backend:  backend,
		cacheDir: cacheDir,
		maxSize:  o.maxSize,
		ttl:      o.ttl,
		logger:   o.logger,
	}

	s.cacheSize = s.scanCacheSize()
	return s, nil
}

// Put invalidates the cached copy and writes through to the backend.
func (s *Store) Put(ctx context.Context, key, contentType string, content io.Reader) (int64, error) {
	s.evict(key)
	return s.backend.Put(ctx, key, contentType, content)
}

// Get returns the cached copy when present, otherwise reads from the
// backend and populates the cache.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if f := s.openCached(key); f != nil {
		return f, nil
	}

	r, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read backend blob: %w", err)
	}

	s.populate(key, data)

	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete invalidates the cached copy and deletes from the backend.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.evict(key)
	return s.backend.Delete(ctx, key)
}

// cachePath maps a blob key to a flat cache filename.
func (s *Store) cachePath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.cacheDir, hex.EncodeToString(sum[:]))
}

// openCached returns a reader for a fresh cache entry, or nil on miss.
func (s *Store) openCached(key string) io.ReadCloser {
	path := s.cachePath(key)

	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	if s.ttl > 0 && time.Since(info.ModTime()) > s.ttl {
		s.evict(key)
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	return f
}

func (s *Store) populate(key string, data []byte) {
	if int64(len(data)) > s.maxSize {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Full wipe when over budget. Coarse, but the cache is best-effort.
	if s.cacheSize+int64(len(data)) > s.maxSize {
		if err := s.clearLocked(); err != nil {
			s.logger.Warn("failed to clear blob cache", "error", err)
			return
		}
	}

	path := s.cachePath(key)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		s.logger.Warn("failed to write blob cache entry", "error", err, "key", key)
		return
	}
	s.cacheSize += int64(len(data))
}

func (s *Store) evict(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.cachePath(key)
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if err := os.Remove(path); err == nil {
		s.cacheSize -= info.Size()
	}
}

func (s *Store) clearLocked() error {
	entries, err := os.ReadDir(s.cacheDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		_ = os.Remove(filepath.Join(s.cacheDir, e.Name()))
	}
	s.cacheSize = 0
	return nil
}

func (s *Store) scanCacheSize() int64 {
	var total int64
	entries, err := os.ReadDir(s.cacheDir)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		if info, err := e.Info(); err == nil {
			total += info.Size()
		}
	}
	return total
}
