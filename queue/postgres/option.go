package postgres

import (
	"log/slog"
	"time"
)

// Default configuration values.
const (
	DefaultTable       = "mv_queue_jobs"
	DefaultTimeout     = 10 * time.Second
	DefaultMaxAttempts = 3
)

// options holds PostgreSQL queue configuration.
type options struct {
	table       string
	timeout     time.Duration
	maxAttempts int
	logger      *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		table:       DefaultTable,
		timeout:     DefaultTimeout,
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a PostgreSQL queue.
type Option func(*options)

// WithTable sets the jobs table name.
func WithTable(name string) Option {
	return func(o *options) {
		if name != "" {
			o.table = name
		}
	}
}

// WithTimeout sets the operation timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithMaxAttempts sets how many claims a job gets before it is parked
// in failed. Default is 3.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
