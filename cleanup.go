package mailvault

import (
	"context"
	"fmt"
	"time"

	"github.com/mailvault/mailvault/queue"
	"github.com/mailvault/mailvault/retry"
	"github.com/mailvault/mailvault/store"
)

// ReapResult contains the result of a reaper sweep.
type ReapResult struct {
	// EnqueuedCount is the number of cleanup jobs enqueued.
	EnqueuedCount int
	// Interrupted indicates the sweep stopped early (context cancelled).
	Interrupted bool
}

// ReapExpired enqueues a cleanup_temp job for every temporary mailbox whose
// TTL has elapsed. The deletion itself runs on the worker pool; the sweep
// only discovers and queues.
//
// This method should be called periodically by the application using its
// own scheduler (e.g. cron job, background worker). The library does not
// run the sweep automatically, giving applications full control over
// scheduling.
//
// Example with a simple ticker:
//
//	go func() {
//	    ticker := time.NewTicker(10 * time.Minute)
//	    defer ticker.Stop()
//	    for range ticker.C {
//	        result, err := svc.ReapExpired(ctx)
//	        if err != nil {
//	            log.Printf("reap error: %v", err)
//	        } else if result.EnqueuedCount > 0 {
//	            log.Printf("queued %d expired mailboxes", result.EnqueuedCount)
//	        }
//	    }
//	}()
func (s *service) ReapExpired(ctx context.Context) (*ReapResult, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, endSpan := s.otel.startSpan(ctx, "mailvault.reap")
	start := time.Now()
	result := &ReapResult{}
	var sweepErr error
	defer func() {
		endSpan(sweepErr)
		s.otel.recordReap(ctx, time.Since(start), result.EnqueuedCount, sweepErr)
	}()

	cutoff := s.opts.clock.Now().UTC().Add(-s.opts.tempMailTTL)
	batchSize := s.opts.reapBatchSize

	// Queued mailboxes stay in the expired set until their cleanup job
	// deletes them, so the sweep pages with a growing limit and skips the
	// prefix it has already queued. The listing is oldest first and
	// stable, which makes the prefix skip safe within one sweep.
	offset := 0
	for {
		if ctx.Err() != nil {
			result.Interrupted = true
			sweepErr = ctx.Err()
			return result, sweepErr
		}

		expired, err := s.store.ListExpiredTempMailboxes(ctx, cutoff, offset+batchSize)
		if err != nil {
			sweepErr = fmt.Errorf("list expired mailboxes: %w", err)
			return result, sweepErr
		}
		if offset >= len(expired) {
			break
		}
		batch := expired[offset:]

		for _, m := range batch {
			job, err := queue.NewJob(queue.TypeCleanupTemp, &queue.CleanupTempPayload{
				MailboxID: m.ID,
			})
			if err != nil {
				sweepErr = fmt.Errorf("build cleanup job: %w", err)
				return result, sweepErr
			}
			if err := s.queue.Enqueue(ctx, job); err != nil {
				// The mailbox is still expired; the next sweep will
				// pick it up again. Skip it for this one.
				s.logger.Warn("failed to enqueue cleanup job",
					"mailbox_id", m.ID, "error", err)
				continue
			}
			result.EnqueuedCount++
			s.logger.Debug("queued expired mailbox",
				"mailbox_id", m.ID, "address", m.Address)
		}

		if len(batch) < batchSize {
			break
		}
		offset += len(batch)
	}

	return result, nil
}

// purgeMailbox deletes every email under a mailbox and then the mailbox
// row itself. Missing rows are treated as already done, so the purge is
// idempotent and safe to retry.
func (s *service) purgeMailbox(ctx context.Context, mailboxID string) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Always page from offset zero: each pass deletes what it
		// listed, so the next page is the new front.
		emails, err := s.store.ListEmails(ctx, mailboxID, store.ListOptions{Limit: s.opts.reapBatchSize})
		if err != nil {
			if store.IsNotFound(err) {
				break
			}
			return fmt.Errorf("list emails: %w", err)
		}
		if len(emails) == 0 {
			break
		}

		for i := range emails {
			if err := s.deleteEmail(ctx, &emails[i]); err != nil {
				return err
			}
		}
	}

	if err := s.store.DeleteMailbox(ctx, mailboxID); err != nil && !store.IsNotFound(err) {
		return fmt.Errorf("delete mailbox: %w", err)
	}

	return nil
}

// deleteEmail removes one email: metadata and row in a single transaction,
// then the raw and attachment blobs. Blob deletes are idempotent, and a
// failed blob delete leaves an orphan rather than rolling back the row -
// orphans waste storage, resurrected rows corrupt the vault.
func (s *service) deleteEmail(ctx context.Context, e *store.Email) error {
	meta, err := s.store.GetEmailMetadata(ctx, e.ID)
	if err != nil && !store.IsNotFound(err) {
		return fmt.Errorf("get email metadata: %w", err)
	}

	if err := s.store.DeleteEmail(ctx, e.ID); err != nil {
		if store.IsNotFound(err) {
			// Someone else already deleted it; blobs were their problem.
			return nil
		}
		return fmt.Errorf("delete email: %w", err)
	}

	// Blob deletes are retried briefly before giving up; a transient blob
	// store blip should not orphan storage that a row delete already paid
	// for.
	for _, path := range e.BlobPaths(meta) {
		path := path
		err := retry.Do(ctx, blobDeletePolicy, func(ctx context.Context) error {
			return s.blobs.Delete(ctx, path)
		})
		if err != nil {
			s.logger.Warn("failed to delete blob, leaving orphan",
				"email_id", e.ID, "blob_path", path, "error", err)
		}
	}

	return nil
}

// blobDeletePolicy bounds best-effort blob cleanup. Short and shallow:
// the row delete already committed and the caller is not waiting on blobs.
var blobDeletePolicy = retry.Policy{
	MaxRetries:     2,
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     time.Second,
	Multiplier:     2.0,
	Jitter:         0.1,
}
