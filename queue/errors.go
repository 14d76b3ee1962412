package queue

import "errors"

// Sentinel errors for the queue package.
var (
	// ErrNoJobs is returned by ClaimNext when no pending work exists.
	ErrNoJobs = errors.New("queue: no pending jobs")

	// ErrNotFound is returned when a job cannot be found.
	ErrNotFound = errors.New("queue: job not found")

	// ErrUnknownType is returned for job types the queue does not know.
	ErrUnknownType = errors.New("queue: unknown job type")

	// ErrInvalidPayload is returned when a payload fails validation.
	ErrInvalidPayload = errors.New("queue: invalid payload")

	// ErrNotConnected is returned when operations are attempted before Connect().
	ErrNotConnected = errors.New("queue: not connected")

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = errors.New("queue: already connected")

	// ErrNotProcessing is returned when Complete or Fail targets a job
	// that is not in the processing state. This usually means the stale
	// sweep reclaimed the job while the worker was still running it.
	ErrNotProcessing = errors.New("queue: job not processing")
)

// IsNoJobs reports whether err indicates an empty queue.
func IsNoJobs(err error) bool {
	return errors.Is(err, ErrNoJobs)
}
