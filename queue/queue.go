// Package queue provides a durable job queue for email lifecycle work.
//
// Jobs survive process restarts: a job is claimed, not removed, and only a
// successful handler run completes it. A worker that dies mid-job leaves the
// job in processing; the stale sweep returns it to pending once its claim
// ages past the visibility timeout. Retries are bounded - a job that keeps
// failing lands in failed and stays there for inspection.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// JobType identifies the work a job carries.
type JobType string

// Job types.
const (
	// TypeProcessEmail parses a stored raw message and backfills bodies,
	// headers and attachments.
	TypeProcessEmail JobType = "process_email"

	// TypeSendEmail delivers an outbound message through the configured
	// sender.
	TypeSendEmail JobType = "send_email"

	// TypeCleanupTemp removes an expired temporary mailbox and everything
	// under it.
	TypeCleanupTemp JobType = "cleanup_temp"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

// Job statuses. The legal transitions are pending -> processing,
// processing -> completed | failed | pending (retry or stale reclaim).
const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Job is one unit of queued work.
type Job struct {
	ID      string          `db:"id" json:"id"`
	Type    JobType         `db:"type" json:"type"`
	Payload json.RawMessage `db:"payload" json:"payload"`
	Status  JobStatus       `db:"status" json:"status"`

	// Attempts counts claims, not failures. It is incremented when a
	// worker claims the job, so a crash between claim and completion
	// still burns an attempt.
	Attempts int `db:"attempts" json:"attempts"`

	// LastError records why the most recent attempt failed.
	LastError string `db:"last_error" json:"last_error,omitempty"`

	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
	ClaimedAt *time.Time `db:"claimed_at" json:"claimed_at,omitempty"`
}

// ProcessEmailPayload asks a worker to parse the raw message of a stored
// email and backfill its bodies, headers and attachments.
type ProcessEmailPayload struct {
	EmailID string `json:"email_id"`
	UserID  string `json:"user_id"`
}

// Validate checks payload invariants.
func (p *ProcessEmailPayload) Validate() error {
	if p.EmailID == "" {
		return fmt.Errorf("%w: process_email requires email_id", ErrInvalidPayload)
	}
	if p.UserID == "" {
		return fmt.Errorf("%w: process_email requires user_id", ErrInvalidPayload)
	}
	return nil
}

// SendEmailPayload asks a worker to deliver an outbound message.
type SendEmailPayload struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject,omitempty"`
	Body    string   `json:"body,omitempty"`
}

// Validate checks payload invariants.
func (p *SendEmailPayload) Validate() error {
	if p.From == "" {
		return fmt.Errorf("%w: send_email requires from", ErrInvalidPayload)
	}
	if len(p.To) == 0 {
		return fmt.Errorf("%w: send_email requires at least one recipient", ErrInvalidPayload)
	}
	return nil
}

// CleanupTempPayload asks a worker to remove an expired temporary mailbox.
type CleanupTempPayload struct {
	MailboxID string `json:"mailbox_id"`
}

// Validate checks payload invariants.
func (p *CleanupTempPayload) Validate() error {
	if p.MailboxID == "" {
		return fmt.Errorf("%w: cleanup_temp requires mailbox_id", ErrInvalidPayload)
	}
	return nil
}

// NewJob builds a pending job from a typed payload, validating it before
// it can reach the queue. Malformed payloads are rejected here so a worker
// never claims a job it cannot decode.
func NewJob(jobType JobType, payload any) (*Job, error) {
	type validator interface{ Validate() error }

	switch jobType {
	case TypeProcessEmail, TypeSendEmail, TypeCleanupTemp:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, jobType)
	}

	v, ok := payload.(validator)
	if !ok {
		return nil, fmt.Errorf("%w: payload for %s", ErrInvalidPayload, jobType)
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	return &Job{
		Type:    jobType,
		Payload: raw,
		Status:  StatusPending,
	}, nil
}

// Queue is a durable job queue.
//
// All operations must be safe for concurrent use across processes. A job is
// claimed by at most one worker at a time; implementations enforce this with
// database-level arbitration (row locks, compare-and-swap), never with
// process-local locking.
type Queue interface {
	// Lifecycle
	Connect(ctx context.Context) error
	Close(ctx context.Context) error

	// Enqueue adds a pending job. The job must come from NewJob; jobs
	// with an unknown type or invalid payload are rejected.
	Enqueue(ctx context.Context, job *Job) error

	// ClaimNext atomically claims the oldest pending job: status moves to
	// processing, attempts is incremented and the claim time recorded.
	// Returns ErrNoJobs when the queue has no pending work.
	ClaimNext(ctx context.Context) (*Job, error)

	// Complete marks a processing job as completed.
	Complete(ctx context.Context, id string) error

	// Fail records a failed attempt. A retryable failure returns the job
	// to pending until its attempts are exhausted, then parks it in
	// failed. A non-retryable failure parks it immediately.
	Fail(ctx context.Context, id string, reason string, retryable bool) error

	// ReclaimStale returns processing jobs whose claim is older than
	// cutoff back to pending. Returns the number of jobs reclaimed.
	ReclaimStale(ctx context.Context, cutoff time.Time) (int, error)

	// Stats returns the number of jobs per status.
	Stats(ctx context.Context) (map[JobStatus]int64, error)
}
