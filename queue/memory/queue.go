// Package memory provides an in-memory queue.Queue for testing.
// Jobs do not survive a restart - use the postgres queue in production.
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mailvault/mailvault/queue"
)

// Compile-time check
var _ queue.Queue = (*Queue)(nil)

// Queue implements queue.Queue with in-memory storage.
// Thread-safe for concurrent use. Not suitable for production.
type Queue struct {
	mu          sync.Mutex
	jobs        map[string]*queue.Job
	maxAttempts int
	connected   int32
}

// New creates a new in-memory queue.
func New(opts ...Option) *Queue {
	o := newOptions(opts...)
	return &Queue{
		jobs:        make(map[string]*queue.Job),
		maxAttempts: o.maxAttempts,
	}
}

// Connect marks the queue as connected.
func (q *Queue) Connect(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&q.connected, 0, 1) {
		return queue.ErrAlreadyConnected
	}
	return nil
}

// Close marks the queue as disconnected.
func (q *Queue) Close(_ context.Context) error {
	atomic.StoreInt32(&q.connected, 0)
	return nil
}

func (q *Queue) checkConnected() error {
	if atomic.LoadInt32(&q.connected) == 0 {
		return queue.ErrNotConnected
	}
	return nil
}

func cloneJob(j *queue.Job) *queue.Job {
	c := *j
	c.Payload = append([]byte(nil), j.Payload...)
	if j.ClaimedAt != nil {
		t := *j.ClaimedAt
		c.ClaimedAt = &t
	}
	return &c
}

// Enqueue adds a pending job.
func (q *Queue) Enqueue(_ context.Context, job *queue.Job) error {
	if err := q.checkConnected(); err != nil {
		return err
	}
	if job == nil || job.Type == "" || len(job.Payload) == 0 {
		return queue.ErrInvalidPayload
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	job.Status = queue.StatusPending
	job.CreatedAt = now
	job.UpdatedAt = now

	q.jobs[job.ID] = cloneJob(job)
	return nil
}

// ClaimNext claims the oldest pending job. The scan and the status flip
// happen under one lock acquisition, mirroring the row lock the postgres
// queue takes.
func (q *Queue) ClaimNext(_ context.Context) (*queue.Job, error) {
	if err := q.checkConnected(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var pending []*queue.Job
	for _, j := range q.jobs {
		if j.Status == queue.StatusPending {
			pending = append(pending, j)
		}
	}
	if len(pending) == 0 {
		return nil, queue.ErrNoJobs
	}

	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID < pending[j].ID
	})

	j := pending[0]
	now := time.Now().UTC()
	j.Status = queue.StatusProcessing
	j.Attempts++
	j.ClaimedAt = &now
	j.UpdatedAt = now

	return cloneJob(j), nil
}

// Complete marks a processing job as completed.
func (q *Queue) Complete(_ context.Context, id string) error {
	if err := q.checkConnected(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return queue.ErrNotFound
	}
	if j.Status != queue.StatusProcessing {
		return queue.ErrNotProcessing
	}

	j.Status = queue.StatusCompleted
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail records a failed attempt.
func (q *Queue) Fail(_ context.Context, id string, reason string, retryable bool) error {
	if err := q.checkConnected(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return queue.ErrNotFound
	}
	if j.Status != queue.StatusProcessing {
		return queue.ErrNotProcessing
	}

	if retryable && j.Attempts < q.maxAttempts {
		j.Status = queue.StatusPending
	} else {
		j.Status = queue.StatusFailed
	}
	j.LastError = reason
	j.ClaimedAt = nil
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// ReclaimStale returns processing jobs with claims older than cutoff to
// pending.
func (q *Queue) ReclaimStale(_ context.Context, cutoff time.Time) (int, error) {
	if err := q.checkConnected(); err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	count := 0
	for _, j := range q.jobs {
		if j.Status != queue.StatusProcessing || j.ClaimedAt == nil || !j.ClaimedAt.Before(cutoff) {
			continue
		}
		if j.Attempts < q.maxAttempts {
			j.Status = queue.StatusPending
		} else {
			j.Status = queue.StatusFailed
			j.LastError = "claim expired"
		}
		j.ClaimedAt = nil
		j.UpdatedAt = now
		count++
	}

	return count, nil
}

// Stats returns the number of jobs per status.
func (q *Queue) Stats(_ context.Context) (map[queue.JobStatus]int64, error) {
	if err := q.checkConnected(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	stats := make(map[queue.JobStatus]int64)
	for _, j := range q.jobs {
		stats[j.Status]++
	}
	return stats, nil
}

// Get returns a snapshot of a job by ID. Useful in tests.
func (q *Queue) Get(id string) (*queue.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return nil, false
	}
	return cloneJob(j), true
}
