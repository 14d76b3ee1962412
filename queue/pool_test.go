package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mailvault/mailvault/queue"
	"github.com/mailvault/mailvault/queue/memory"
)

func newPoolQueue(t *testing.T, opts ...memory.Option) *memory.Queue {
	t.Helper()
	q := memory.New(opts...)
	if err := q.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { q.Close(context.Background()) })
	return q
}

func startPool(t *testing.T, p *queue.Pool) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("pool did not stop")
		}
	})
	return cancel
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never held")
}

func enqueue(t *testing.T, q *memory.Queue, mailboxID string) *queue.Job {
	t.Helper()
	job, err := queue.NewJob(queue.TypeCleanupTemp, &queue.CleanupTempPayload{MailboxID: mailboxID})
	if err != nil {
		t.Fatalf("new job failed: %v", err)
	}
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	return job
}

func fastPool(q queue.Queue, opts ...queue.PoolOption) *queue.Pool {
	base := []queue.PoolOption{
		queue.WithWorkers(2),
		queue.WithPollInterval(5 * time.Millisecond),
		queue.WithSweepInterval(10 * time.Millisecond),
	}
	return queue.NewPool(q, append(base, opts...)...)
}

func TestPoolCompletesJobs(t *testing.T) {
	q := newPoolQueue(t)

	var handled int32
	p := fastPool(q)
	p.Handle(queue.TypeCleanupTemp, func(_ context.Context, _ *queue.Job) error {
		atomic.AddInt32(&handled, 1)
		return nil
	})

	job := enqueue(t, q, "mb-1")
	startPool(t, p)

	waitFor(t, func() bool {
		snap, ok := q.Get(job.ID)
		return ok && snap.Status == queue.StatusCompleted
	})
	if atomic.LoadInt32(&handled) != 1 {
		t.Errorf("expected handler to run once, ran %d times", handled)
	}
}

func TestPoolRetriesUntilExhausted(t *testing.T) {
	q := newPoolQueue(t, memory.WithMaxAttempts(3))

	var runs int32
	p := fastPool(q)
	p.Handle(queue.TypeCleanupTemp, func(_ context.Context, _ *queue.Job) error {
		atomic.AddInt32(&runs, 1)
		return errors.New("transient wobble")
	})

	job := enqueue(t, q, "mb-1")
	startPool(t, p)

	waitFor(t, func() bool {
		snap, ok := q.Get(job.ID)
		return ok && snap.Status == queue.StatusFailed
	})
	if got := atomic.LoadInt32(&runs); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
	snap, _ := q.Get(job.ID)
	if snap.LastError != "transient wobble" {
		t.Errorf("expected last error recorded, got %q", snap.LastError)
	}
}

func TestPoolNonRetryableParksImmediately(t *testing.T) {
	q := newPoolQueue(t, memory.WithMaxAttempts(3))

	var runs int32
	p := fastPool(q)
	p.Handle(queue.TypeCleanupTemp, func(_ context.Context, _ *queue.Job) error {
		atomic.AddInt32(&runs, 1)
		return queue.NonRetryable(errors.New("poison"))
	})

	job := enqueue(t, q, "mb-1")
	startPool(t, p)

	waitFor(t, func() bool {
		snap, ok := q.Get(job.ID)
		return ok && snap.Status == queue.StatusFailed
	})
	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Errorf("expected 1 attempt for non-retryable failure, got %d", got)
	}
}

func TestPoolRecoversFromPanic(t *testing.T) {
	q := newPoolQueue(t, memory.WithMaxAttempts(1))

	p := fastPool(q)
	p.Handle(queue.TypeCleanupTemp, func(_ context.Context, _ *queue.Job) error {
		panic("handler exploded")
	})

	job := enqueue(t, q, "mb-1")
	startPool(t, p)

	// The panic burns an attempt like any other failure; the pool survives.
	waitFor(t, func() bool {
		snap, ok := q.Get(job.ID)
		return ok && snap.Status == queue.StatusFailed
	})
}

func TestPoolUnknownTypeIsParked(t *testing.T) {
	q := newPoolQueue(t)

	// No handler for cleanup_temp registered.
	p := fastPool(q)
	p.Handle(queue.TypeProcessEmail, func(_ context.Context, _ *queue.Job) error {
		return nil
	})

	job := enqueue(t, q, "mb-1")
	startPool(t, p)

	waitFor(t, func() bool {
		snap, ok := q.Get(job.ID)
		return ok && snap.Status == queue.StatusFailed
	})
}

func TestPoolRunTwice(t *testing.T) {
	q := newPoolQueue(t)
	p := fastPool(q)

	startPool(t, p)
	time.Sleep(20 * time.Millisecond)

	if err := p.Run(context.Background()); err == nil {
		t.Error("expected second Run to fail")
	}
}

func TestNewJobValidation(t *testing.T) {
	tests := []struct {
		name    string
		jobType queue.JobType
		payload any
		wantErr error
	}{
		{
			name:    "unknown type",
			jobType: "mystery",
			payload: &queue.CleanupTempPayload{MailboxID: "mb"},
			wantErr: queue.ErrUnknownType,
		},
		{
			name:    "payload without validator",
			jobType: queue.TypeCleanupTemp,
			payload: "not a payload",
			wantErr: queue.ErrInvalidPayload,
		},
		{
			name:    "cleanup without mailbox",
			jobType: queue.TypeCleanupTemp,
			payload: &queue.CleanupTempPayload{},
			wantErr: queue.ErrInvalidPayload,
		},
		{
			name:    "process without email",
			jobType: queue.TypeProcessEmail,
			payload: &queue.ProcessEmailPayload{UserID: "u1"},
			wantErr: queue.ErrInvalidPayload,
		},
		{
			name:    "process without user",
			jobType: queue.TypeProcessEmail,
			payload: &queue.ProcessEmailPayload{EmailID: "e1"},
			wantErr: queue.ErrInvalidPayload,
		},
		{
			name:    "send without recipients",
			jobType: queue.TypeSendEmail,
			payload: &queue.SendEmailPayload{From: "a@b.org"},
			wantErr: queue.ErrInvalidPayload,
		},
		{
			name:    "valid cleanup",
			jobType: queue.TypeCleanupTemp,
			payload: &queue.CleanupTempPayload{MailboxID: "mb"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := queue.NewJob(tt.jobType, tt.payload)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if job.Status != queue.StatusPending {
				t.Errorf("expected pending, got %s", job.Status)
			}
		})
	}
}
