// Package postgres provides a PostgreSQL implementation of queue.Queue.
//
// Claims use SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers never
// block each other and never claim the same job twice.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/mailvault/mailvault/queue"
)

// Compile-time check
var _ queue.Queue = (*Queue)(nil)

// Queue implements queue.Queue using PostgreSQL.
type Queue struct {
	db        *sqlx.DB
	opts      *options
	connected int32
	logger    *slog.Logger
}

// New creates a new PostgreSQL queue with the provided database connection.
// Call Connect() to initialize the schema and indexes.
func New(db *sqlx.DB, opts ...Option) *Queue {
	o := newOptions(opts...)
	return &Queue{
		db:     db,
		opts:   o,
		logger: o.logger,
	}
}

// NewFromDB creates a new PostgreSQL queue from a standard sql.DB connection.
func NewFromDB(db *sql.DB, opts ...Option) *Queue {
	return New(sqlx.NewDb(db, "postgres"), opts...)
}

// Connect initializes the schema and indexes.
func (q *Queue) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&q.connected, 0, 1) {
		return queue.ErrAlreadyConnected
	}

	if q.db == nil {
		atomic.StoreInt32(&q.connected, 0)
		return fmt.Errorf("postgres: db is required")
	}

	ctx, cancel := context.WithTimeout(ctx, q.opts.timeout)
	defer cancel()

	if err := q.db.PingContext(ctx); err != nil {
		atomic.StoreInt32(&q.connected, 0)
		return fmt.Errorf("postgres ping: %w", err)
	}

	if err := q.ensureSchema(ctx); err != nil {
		atomic.StoreInt32(&q.connected, 0)
		return fmt.Errorf("ensure schema: %w", err)
	}

	q.logger.Info("connected to PostgreSQL queue", "table", q.opts.table)
	return nil
}

// Close marks the queue as disconnected.
// The caller is responsible for closing the database connection.
func (q *Queue) Close(ctx context.Context) error {
	atomic.StoreInt32(&q.connected, 0)
	return nil
}

// ensureSchema creates the jobs table and indexes.
func (q *Queue) ensureSchema(ctx context.Context) error {
	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			type VARCHAR(50) NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}',
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			attempts INT NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			claimed_at TIMESTAMPTZ
		)
	`, q.opts.table)

	if _, err := q.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_pending ON %s(created_at, id) WHERE status = 'pending'`, q.opts.table, q.opts.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_stale ON %s(claimed_at) WHERE status = 'processing'`, q.opts.table, q.opts.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status ON %s(status)`, q.opts.table, q.opts.table),
	}

	for _, idx := range indexes {
		if _, err := q.db.ExecContext(ctx, idx); err != nil {
			q.logger.Warn("failed to create index", "error", err, "sql", idx)
		}
	}

	return nil
}

func (q *Queue) checkConnected() error {
	if atomic.LoadInt32(&q.connected) == 0 {
		return queue.ErrNotConnected
	}
	return nil
}

const jobColumns = `id, type, payload, status, attempts, last_error, created_at, updated_at, claimed_at`

// Enqueue adds a pending job.
func (q *Queue) Enqueue(ctx context.Context, job *queue.Job) error {
	if err := q.checkConnected(); err != nil {
		return err
	}
	if job == nil || job.Type == "" || len(job.Payload) == 0 {
		return queue.ErrInvalidPayload
	}

	ctx, cancel := context.WithTimeout(ctx, q.opts.timeout)
	defer cancel()

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	job.Status = queue.StatusPending
	job.CreatedAt = now
	job.UpdatedAt = now

	query := fmt.Sprintf(`
		INSERT INTO %s (id, type, payload, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, q.opts.table)

	if _, err := q.db.ExecContext(ctx, query,
		job.ID, job.Type, []byte(job.Payload), job.Status, job.Attempts,
		job.CreatedAt, job.UpdatedAt,
	); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}

	return nil
}

// ClaimNext claims the oldest pending job.
//
// The inner SELECT locks the candidate row; SKIP LOCKED makes racing
// workers pass over rows another worker holds, so each claim goes to
// exactly one worker without blocking.
func (q *Queue) ClaimNext(ctx context.Context) (*queue.Job, error) {
	if err := q.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, q.opts.timeout)
	defer cancel()

	now := time.Now().UTC()

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'processing', attempts = attempts + 1,
		    claimed_at = $1, updated_at = $1
		WHERE id = (
			SELECT id FROM %s
			WHERE status = 'pending'
			ORDER BY created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s
	`, q.opts.table, q.opts.table, jobColumns)

	var job queue.Job
	if err := q.db.GetContext(ctx, &job, query, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrNoJobs
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}

	return &job, nil
}

// Complete marks a processing job as completed.
func (q *Queue) Complete(ctx context.Context, id string) error {
	if err := q.checkConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, q.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET status = 'completed', updated_at = $1
		WHERE id = $2 AND status = 'processing'
	`, q.opts.table)

	result, err := q.db.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}

	return q.checkAffected(ctx, result, id)
}

// Fail records a failed attempt. Retryable failures return to pending
// until attempts are exhausted; everything else parks in failed.
func (q *Queue) Fail(ctx context.Context, id string, reason string, retryable bool) error {
	if err := q.checkConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, q.opts.timeout)
	defer cancel()

	// The retry decision happens in the same statement that reads
	// attempts, so two racing failure reports cannot both retry.
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = CASE
			WHEN $1 AND attempts < $2 THEN 'pending'
			ELSE 'failed'
		END,
		last_error = $3, claimed_at = NULL, updated_at = $4
		WHERE id = $5 AND status = 'processing'
	`, q.opts.table)

	result, err := q.db.ExecContext(ctx, query,
		retryable, q.opts.maxAttempts, reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}

	return q.checkAffected(ctx, result, id)
}

// ReclaimStale returns processing jobs with claims older than cutoff to
// pending. Attempts are not reset - a job that keeps stalling workers
// exhausts its attempts like any other repeated failure.
func (q *Queue) ReclaimStale(ctx context.Context, cutoff time.Time) (int, error) {
	if err := q.checkConnected(); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, q.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = CASE WHEN attempts < $1 THEN 'pending' ELSE 'failed' END,
		    last_error = CASE WHEN attempts < $1 THEN last_error ELSE 'claim expired' END,
		    claimed_at = NULL, updated_at = $2
		WHERE status = 'processing' AND claimed_at < $3
	`, q.opts.table)

	result, err := q.db.ExecContext(ctx, query, q.opts.maxAttempts, time.Now().UTC(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	if rows > 0 {
		q.logger.Info("reclaimed stale jobs", "count", rows, "cutoff", cutoff)
	}

	return int(rows), nil
}

// Stats returns the number of jobs per status.
func (q *Queue) Stats(ctx context.Context) (map[queue.JobStatus]int64, error) {
	if err := q.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, q.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, q.opts.table)

	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[queue.JobStatus]int64)
	for rows.Next() {
		var status queue.JobStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats[status] = count
	}

	return stats, rows.Err()
}

// checkAffected distinguishes a missing job from one that left the
// processing state (typically reclaimed by the stale sweep).
func (q *Queue) checkAffected(ctx context.Context, result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	existsQuery := fmt.Sprintf(`SELECT 1 FROM %s WHERE id = $1`, q.opts.table)
	var one int
	if err := q.db.GetContext(ctx, &one, existsQuery, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return queue.ErrNotFound
		}
		return fmt.Errorf("check job: %w", err)
	}

	return queue.ErrNotProcessing
}
