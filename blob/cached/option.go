package cached

import (
	"log/slog"
	"time"
)

// options holds cache configuration.
type options struct {
	cacheDir string
	maxSize  int64
	ttl      time.Duration
	logger   *slog.Logger
}

// Option configures the cached store.
type Option func(*options)

// WithCacheDir sets the directory for cached blobs.
// Default is the OS temp directory.
func WithCacheDir(dir string) Option {
	return func(o *options) {
		if dir != "" {
			o.cacheDir = dir
		}
	}
}

// WithMaxSize sets the maximum total cache size in bytes.
// Default is 1GB.
func WithMaxSize(size int64) Option {
	return func(o *options) {
		if size > 0 {
			o.maxSize = size
		}
	}
}

// WithTTL sets the maximum age of a cache entry.
// Default is 24 hours. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl >= 0 {
			o.ttl = ttl
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
