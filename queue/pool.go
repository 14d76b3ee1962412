package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Handler processes one claimed job. Returning nil completes the job; any
// error fails the attempt. Wrap the error with NonRetryable to park the
// job immediately instead of retrying.
type Handler func(ctx context.Context, job *Job) error

// nonRetryableError marks a handler failure that must not be retried.
type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable wraps err so the pool parks the job in failed without
// burning the remaining attempts.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsRetryable reports whether a handler error should be retried.
func IsRetryable(err error) bool {
	var nr *nonRetryableError
	return !errors.As(err, &nr)
}

// Pool polls a Queue and dispatches claimed jobs to registered handlers.
//
// Concurrency is bounded by a weighted semaphore: at most Workers jobs run
// at once, and the poll loop blocks on capacity rather than claiming jobs
// it cannot start. A background sweep returns jobs abandoned by dead
// workers to pending after the visibility timeout.
type Pool struct {
	queue    Queue
	handlers map[JobType]Handler
	opts     *poolOptions
	logger   *slog.Logger

	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	running int32
}

// NewPool creates a worker pool draining the given queue.
// Register handlers with Handle before calling Run.
func NewPool(q Queue, opts ...PoolOption) *Pool {
	o := newPoolOptions(opts...)
	return &Pool{
		queue:    q,
		handlers: make(map[JobType]Handler),
		opts:     o,
		logger:   o.logger,
		sem:      semaphore.NewWeighted(int64(o.workers)),
	}
}

// Handle registers the handler for a job type. Must be called before Run.
func (p *Pool) Handle(t JobType, h Handler) {
	p.handlers[t] = h
}

// Run polls for jobs until ctx is cancelled, then drains in-flight work.
// Returns ctx.Err() after a clean drain, or an error if the drain timed
// out with jobs still running.
func (p *Pool) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return fmt.Errorf("pool already running")
	}
	defer atomic.StoreInt32(&p.running, 0)

	p.logger.Info("worker pool started",
		"workers", p.opts.workers,
		"poll_interval", p.opts.pollInterval,
		"visibility_timeout", p.opts.visibilityTimeout)

	poll := time.NewTicker(p.opts.pollInterval)
	defer poll.Stop()

	sweep := time.NewTicker(p.opts.sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return p.drain(ctx.Err())

		case <-sweep.C:
			cutoff := time.Now().UTC().Add(-p.opts.visibilityTimeout)
			if _, err := p.queue.ReclaimStale(ctx, cutoff); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error("stale sweep failed", "error", err)
			}

		case <-poll.C:
			p.claimBatch(ctx)
		}
	}
}

// claimBatch claims and dispatches jobs until the queue runs dry or all
// workers are busy.
func (p *Pool) claimBatch(ctx context.Context) {
	for {
		if !p.sem.TryAcquire(1) {
			return
		}

		job, err := p.queue.ClaimNext(ctx)
		if err != nil {
			p.sem.Release(1)
			if !errors.Is(err, ErrNoJobs) && !errors.Is(err, context.Canceled) {
				p.logger.Error("claim failed", "error", err)
			}
			return
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.sem.Release(1)
			p.runJob(ctx, job)
		}()
	}
}

// runJob executes one claimed job and reports the outcome to the queue.
func (p *Pool) runJob(ctx context.Context, job *Job) {
	logger := p.logger.With("job_id", job.ID, "job_type", job.Type, "attempt", job.Attempts)

	handler, ok := p.handlers[job.Type]
	if !ok {
		logger.Error("no handler registered")
		p.report(ctx, job, fmt.Errorf("%w: %s", ErrUnknownType, job.Type), false)
		return
	}

	jobCtx := ctx
	if p.opts.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, p.opts.jobTimeout)
		defer cancel()
	}

	start := time.Now()
	err := p.safeHandle(jobCtx, handler, job)
	elapsed := time.Since(start)

	if err != nil {
		logger.Warn("job failed", "error", err, "elapsed", elapsed)
		p.report(ctx, job, err, IsRetryable(err))
		return
	}

	logger.Debug("job completed", "elapsed", elapsed)
	if err := p.queue.Complete(ctx, job.ID); err != nil {
		// ErrNotProcessing here means the sweep reclaimed the job while
		// the handler ran; another worker will redo it. Handlers must be
		// idempotent for exactly this reason.
		logger.Warn("complete failed", "error", err)
	}
}

// safeHandle runs the handler, converting panics into failed attempts so
// one bad job cannot take down the pool.
func (p *Pool) safeHandle(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (p *Pool) report(ctx context.Context, job *Job, cause error, retryable bool) {
	if err := p.queue.Fail(ctx, job.ID, cause.Error(), retryable); err != nil {
		p.logger.Warn("fail report dropped", "job_id", job.ID, "error", err)
	}
}

// drain waits for in-flight jobs to finish, up to the shutdown timeout.
func (p *Pool) drain(cause error) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool drained")
		return cause
	case <-time.After(p.opts.shutdownTimeout):
		p.logger.Error("worker pool shutdown timed out", "timeout", p.opts.shutdownTimeout)
		return fmt.Errorf("pool shutdown timed out after %s", p.opts.shutdownTimeout)
	}
}
