package memory

// DefaultMaxAttempts matches the postgres queue default.
const DefaultMaxAttempts = 3

type options struct {
	maxAttempts int
}

func newOptions(opts ...Option) *options {
	o := &options{
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures an in-memory queue.
type Option func(*options)

// WithMaxAttempts sets how many claims a job gets before it is parked
// in failed. Default is 3.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}
