package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter implements Limiter with in-process fixed windows.
// Limits only hold within one process - use RedisLimiter when intake
// runs on more than one node.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

type window struct {
	start time.Time
	count int
}

var _ Limiter = (*MemoryLimiter)(nil)

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow records one event against key within the current window.
func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int, windowSize time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}

	now := l.now().UTC()
	start := now.Truncate(windowSize)

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || w.start.Before(start) {
		w = &window{start: start}
		l.windows[key] = w
	}
	w.count++

	return w.count <= limit, nil
}
