// Package retry provides exponential backoff for transient storage failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy configures backoff behavior.
type Policy struct {
	// MaxRetries is the maximum number of retry attempts (default: 3).
	// Zero means execute once with no retries.
	MaxRetries int

	// InitialBackoff is the delay before the first retry (default: 100ms).
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration (default: 30s).
	MaxBackoff time.Duration

	// Multiplier increases backoff after each retry (default: 2.0).
	Multiplier float64

	// Jitter adds randomness to prevent thundering herd (default: 0.1).
	// Value between 0 and 1 where 1 means +/- 100%.
	Jitter float64

	// IsRetryable determines if an error should be retried.
	// If nil, defaults to Transient.
	IsRetryable func(error) bool
}

// DefaultPolicy returns a Policy with sensible defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
		IsRetryable:    Transient,
	}
}

// Sentinel errors.
var (
	// ErrNotRetryable wraps non-retryable errors to stop retry attempts.
	ErrNotRetryable = errors.New("retry: error is not retryable")

	// ErrExhausted is returned when all retry attempts are used up.
	ErrExhausted = errors.New("retry: attempts exhausted")
)

// Do executes fn with retries according to the policy.
// The returned error wraps the last failure.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	p = applyDefaults(p)

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return &Error{Cause: lastErr, Attempts: attempt, Err: err}
			}
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !p.IsRetryable(err) {
			return &Error{Cause: err, Attempts: attempt + 1, Err: ErrNotRetryable}
		}

		// No sleep after the final attempt.
		if attempt < p.MaxRetries {
			select {
			case <-ctx.Done():
				return &Error{Cause: lastErr, Attempts: attempt + 1, Err: ctx.Err()}
			case <-time.After(backoff(p, attempt)):
			}
		}
	}

	return &Error{Cause: lastErr, Attempts: p.MaxRetries + 1, Err: ErrExhausted}
}

// DoWithResult executes fn with retries and returns its result value.
func DoWithResult[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, p, func(ctx context.Context) error {
		var fnErr error
		result, fnErr = fn(ctx)
		return fnErr
	})
	return result, err
}

// Error reports why a retried operation ultimately failed.
type Error struct {
	// Cause is the last error returned by the function.
	Cause error

	// Attempts is the number of attempts made.
	Attempts int

	// Err is the terminal condition (ErrExhausted, ErrNotRetryable, or a
	// context error).
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("retry failed after %d attempts (%s): %s", e.Attempts, e.Err, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	return errors.Is(e.Err, target) || errors.Is(e.Cause, target)
}

// backoff computes the delay before the next attempt.
func backoff(p Policy, attempt int) time.Duration {
	d := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.MaxBackoff) {
		d = float64(p.MaxBackoff)
	}
	if p.Jitter > 0 {
		spread := d * p.Jitter
		d = d - spread + (rand.Float64() * 2 * spread)
	}
	return time.Duration(d)
}

func applyDefaults(p Policy) Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 100 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 30 * time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	if p.IsRetryable == nil {
		p.IsRetryable = Transient
	}
	return p
}

// Transient reports whether err looks like a transient failure worth
// retrying. Errors carrying a Retryable() method decide for themselves;
// unknown errors default to retryable, since giving up on a transient
// network blip is worse than one wasted call on a permanent failure.
func Transient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrNotRetryable) {
		return false
	}

	var retryable interface{ Retryable() bool }
	if errors.As(err, &retryable) {
		return retryable.Retryable()
	}

	return true
}

// MarkNotRetryable wraps an error to indicate it should not be retried.
func MarkNotRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &notRetryableError{cause: err}
}

type notRetryableError struct {
	cause error
}

func (e *notRetryableError) Error() string   { return e.cause.Error() }
func (e *notRetryableError) Unwrap() error   { return e.cause }
func (e *notRetryableError) Retryable() bool { return false }
