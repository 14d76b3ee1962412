// Package ratelimit provides fixed-window rate limiting for intake.
package ratelimit

import (
	"context"
	"time"
)

// Limiter answers whether one more event fits inside the current window
// for a key. Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow records one event against key and reports whether it stayed
	// within limit for the window. The event is counted even when the
	// answer is false - hammering a full window keeps it full.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Unlimited is a Limiter that always allows. Useful where a deployment
// runs without Redis and accepts unbounded intake.
type Unlimited struct{}

// Allow always reports true.
func (Unlimited) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return true, nil
}
