package queue

import (
	"log/slog"
	"time"
)

// Default pool configuration values.
const (
	DefaultWorkers           = 10
	DefaultPollInterval      = time.Second
	DefaultSweepInterval     = time.Minute
	DefaultVisibilityTimeout = 5 * time.Minute
	DefaultJobTimeout        = time.Minute
	DefaultShutdownTimeout   = 30 * time.Second
)

// poolOptions holds worker pool configuration.
type poolOptions struct {
	workers           int
	pollInterval      time.Duration
	sweepInterval     time.Duration
	visibilityTimeout time.Duration
	jobTimeout        time.Duration
	shutdownTimeout   time.Duration
	logger            *slog.Logger
}

func newPoolOptions(opts ...PoolOption) *poolOptions {
	o := &poolOptions{
		workers:           DefaultWorkers,
		pollInterval:      DefaultPollInterval,
		sweepInterval:     DefaultSweepInterval,
		visibilityTimeout: DefaultVisibilityTimeout,
		jobTimeout:        DefaultJobTimeout,
		shutdownTimeout:   DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// PoolOption configures a worker pool.
type PoolOption func(*poolOptions)

// WithWorkers sets the maximum number of jobs running at once.
// Default is 10.
func WithWorkers(n int) PoolOption {
	return func(o *poolOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithPollInterval sets how often the pool checks for pending jobs.
// Default is 1 second.
func WithPollInterval(d time.Duration) PoolOption {
	return func(o *poolOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithSweepInterval sets how often stale claims are reclaimed.
// Default is 1 minute.
func WithSweepInterval(d time.Duration) PoolOption {
	return func(o *poolOptions) {
		if d > 0 {
			o.sweepInterval = d
		}
	}
}

// WithVisibilityTimeout sets how long a claim is honored before the
// sweep assumes the worker died. Must comfortably exceed the longest
// handler run. Default is 5 minutes.
func WithVisibilityTimeout(d time.Duration) PoolOption {
	return func(o *poolOptions) {
		if d > 0 {
			o.visibilityTimeout = d
		}
	}
}

// WithJobTimeout bounds a single handler run. Zero disables the bound.
// Default is 1 minute.
func WithJobTimeout(d time.Duration) PoolOption {
	return func(o *poolOptions) {
		if d >= 0 {
			o.jobTimeout = d
		}
	}
}

// WithShutdownTimeout sets how long Run waits for in-flight jobs during
// shutdown. Default is 30 seconds.
func WithShutdownTimeout(d time.Duration) PoolOption {
	return func(o *poolOptions) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// WithPoolLogger sets a custom logger.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(o *poolOptions) {
		if l != nil {
			o.logger = l
		}
	}
}
