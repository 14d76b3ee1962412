package mailvault

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mailvault/mailvault/blob"
	"github.com/mailvault/mailvault/queue"
	"github.com/mailvault/mailvault/retry"
	"github.com/mailvault/mailvault/store"
)

// rawContentType is the content type stored with raw message blobs.
const rawContentType = "message/rfc822"

// InboundEmail is a message arriving from the outside, typically handed
// over by an SMTP frontend. To is the envelope recipient; it selects the
// mailbox. Raw is the complete unparsed message.
type InboundEmail struct {
	From string
	To   string
	Raw  []byte

	// ReceivedAt is when the message arrived. Zero means now.
	ReceivedAt time.Time
}

// StoreInbound durably stores an inbound email.
//
// The write protocol is blob first, row second: the raw bytes go to the
// blob store under a key derived from the not-yet-committed email ID, then
// the email and metadata rows commit in one transaction. If the
// transaction fails, a compensating delete removes the blob; if even that
// fails the blob is an orphan, which wastes storage but corrupts nothing.
// The reverse order would risk a committed row pointing at bytes that were
// never written.
//
// On success a process_email job is enqueued to parse the message in the
// background, and an EmailReceived event is published.
func (s *service) StoreInbound(ctx context.Context, in InboundEmail) (string, error) {
	if err := s.checkConnected(); err != nil {
		return "", err
	}

	in.To = normalizeAddress(in.To)
	if err := validateInbound(in, s.opts.maxRawSize); err != nil {
		return "", err
	}

	ctx, endSpan := s.otel.startSpan(ctx, "mailvault.store",
		attribute.String("to", in.To),
		attribute.Int("size", len(in.Raw)),
	)
	start := time.Now()
	var storeErr error
	defer func() {
		endSpan(storeErr)
		s.otel.recordStore(ctx, time.Since(start), int64(len(in.Raw)), storeErr)
	}()

	// Resolve the target mailbox. An unknown address is not found, same
	// answer as an address owned by nobody.
	mailbox, err := s.store.GetMailboxByAddress(ctx, in.To)
	if err != nil {
		if store.IsNotFound(err) {
			storeErr = fmt.Errorf("%w: no mailbox for %s", ErrNotFound, in.To)
		} else {
			storeErr = fmt.Errorf("resolve mailbox: %w", err)
		}
		return "", storeErr
	}

	// Rate limit and quota are per owning user, not per mailbox, so a
	// user cannot dodge limits by fanning out temp mailboxes.
	allowed, err := s.opts.limiter.Allow(ctx, "intake:"+mailbox.UserID,
		s.opts.hourlyRateLimit, s.opts.rateWindow)
	if err != nil {
		storeErr = fmt.Errorf("rate limit check: %w", err)
		return "", storeErr
	}
	if !allowed {
		storeErr = fmt.Errorf("%w: user %s", ErrRateLimited, mailbox.UserID)
		return "", storeErr
	}

	count, err := s.store.CountEmails(ctx, mailbox.UserID)
	if err != nil {
		storeErr = fmt.Errorf("count emails: %w", err)
		return "", storeErr
	}
	if count >= s.opts.maxEmailsPerUser {
		storeErr = fmt.Errorf("%w: user %s has %d stored emails",
			ErrQuotaExceeded, mailbox.UserID, count)
		return "", storeErr
	}

	// Bound concurrent intake so a burst cannot exhaust blob store
	// connections.
	if err := s.storeSem.Acquire(ctx, 1); err != nil {
		storeErr = err
		return "", storeErr
	}
	defer s.storeSem.Release(1)

	emailID := uuid.New().String()
	receivedAt := in.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.opts.clock.Now()
	}
	receivedAt = receivedAt.UTC()

	blobPath := blob.EmailKey(mailbox.UserID, receivedAt, emailID)

	size, err := s.blobs.Put(ctx, blobPath, rawContentType, bytes.NewReader(in.Raw))
	if err != nil {
		storeErr = fmt.Errorf("put raw blob: %w", err)
		return "", storeErr
	}

	email := &store.Email{
		ID:         emailID,
		MailboxID:  mailbox.ID,
		From:       in.From,
		To:         []string{in.To},
		BlobPath:   blobPath,
		Size:       size,
		ReceivedAt: receivedAt,
	}
	meta := &store.EmailMetadata{EmailID: emailID}

	if err := s.store.CreateEmail(ctx, email, meta); err != nil {
		// Compensating delete: the blob went in first, so take it back
		// out. If the delete fails too the blob is an orphan - logged,
		// harmless, reclaimable.
		delErr := retry.Do(ctx, blobDeletePolicy, func(ctx context.Context) error {
			return s.blobs.Delete(ctx, blobPath)
		})
		if delErr != nil {
			s.logger.Error("compensating blob delete failed, orphan left behind",
				"blob_path", blobPath, "error", delErr)
		}
		storeErr = fmt.Errorf("create email: %w", err)
		return "", storeErr
	}

	// The email is durable from here on. Enqueue failure means parsing is
	// delayed, not that intake failed; re-running intake would duplicate
	// the message.
	job, err := queue.NewJob(queue.TypeProcessEmail, &queue.ProcessEmailPayload{
		EmailID: emailID,
		UserID:  mailbox.UserID,
	})
	if err != nil {
		s.logger.Error("failed to build process job", "email_id", emailID, "error", err)
	} else if err := s.queue.Enqueue(ctx, job); err != nil {
		s.logger.Error("failed to enqueue process job", "email_id", emailID, "error", err)
	}

	s.logger.Info("inbound email stored",
		"email_id", emailID, "mailbox_id", mailbox.ID, "size", size)

	if err := s.events.EmailReceived.Publish(ctx, EmailReceivedEvent{
		EmailID:    emailID,
		MailboxID:  mailbox.ID,
		UserID:     mailbox.UserID,
		From:       in.From,
		To:         in.To,
		Size:       size,
		ReceivedAt: receivedAt,
	}); err != nil {
		if s.opts.eventErrorsFatal {
			storeErr = &EventPublishError{Event: "EmailReceived", EmailID: emailID, Err: err}
			return emailID, storeErr
		}
		s.opts.safeEventPublishFailure("EmailReceived", err)
	}

	return emailID, nil
}
