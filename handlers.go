package mailvault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mailvault/mailvault/blob"
	"github.com/mailvault/mailvault/queue"
	"github.com/mailvault/mailvault/store"
)

// RegisterHandlers registers this service's job handlers on a worker pool.
// Call before pool.Run. All handlers are idempotent: the stale-claim sweep
// can hand a job to a second worker while the first still runs, and both
// must converge on the same end state.
func (s *service) RegisterHandlers(pool *queue.Pool) {
	pool.Handle(queue.TypeProcessEmail, s.handleProcessEmail)
	pool.Handle(queue.TypeSendEmail, s.handleSendEmail)
	pool.Handle(queue.TypeCleanupTemp, s.handleCleanupTemp)
}

// classify bridges the service error taxonomy into the pool's retry
// decision: permanent errors park the job immediately.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if !IsRetryableError(err) {
		return queue.NonRetryable(err)
	}
	return err
}

// handleProcessEmail parses a stored raw message and backfills the email
// row and metadata: message id, address lists, subject, bodies, headers
// and extracted attachments.
func (s *service) handleProcessEmail(ctx context.Context, job *queue.Job) error {
	var p queue.ProcessEmailPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return queue.NonRetryable(fmt.Errorf("decode payload: %w", err))
	}

	ctx, endSpan := s.otel.startSpan(ctx, "mailvault.process",
		attribute.String("email_id", p.EmailID),
	)
	start := time.Now()
	var procErr error
	defer func() {
		endSpan(procErr)
		s.otel.recordProcess(ctx, time.Since(start), procErr)
	}()

	email, err := s.store.GetEmailOwned(ctx, p.EmailID, p.UserID)
	if err != nil {
		if store.IsNotFound(err) {
			// Deleted between enqueue and claim. The work is moot, and
			// moot work is done work.
			s.logger.Debug("email gone before processing", "email_id", p.EmailID)
			return nil
		}
		procErr = fmt.Errorf("get email: %w", err)
		return classify(procErr)
	}

	rc, err := s.blobs.Get(ctx, email.BlobPath)
	if err != nil {
		if blob.IsNotFound(err) {
			procErr = fmt.Errorf("%w: raw blob %s missing for email %s",
				ErrStorageInconsistency, email.BlobPath, email.ID)
			return queue.NonRetryable(procErr)
		}
		procErr = fmt.Errorf("get raw blob: %w", err)
		return procErr
	}
	raw, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		procErr = fmt.Errorf("read raw blob: %w", err)
		return procErr
	}

	parsed, headers, attachments, err := s.parseMessage(ctx, p.UserID, email, raw)
	if err != nil {
		// A message that does not parse today will not parse tomorrow.
		procErr = err
		return queue.NonRetryable(procErr)
	}

	if err := s.store.UpdateEmailParsed(ctx, parsed); err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		procErr = fmt.Errorf("update email: %w", err)
		return classify(procErr)
	}

	meta := &store.EmailMetadata{
		EmailID:     email.ID,
		Headers:     headers,
		Attachments: attachments,
	}
	if err := s.store.UpdateEmailMetadata(ctx, meta); err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		procErr = fmt.Errorf("update email metadata: %w", err)
		return classify(procErr)
	}

	s.logger.Debug("email processed",
		"email_id", email.ID, "attachments", len(attachments))
	return nil
}

// parseMessage extracts structured fields from raw message bytes and
// uploads any attachments. Attachment blobs written for a retried job are
// overwritten in place, keeping the handler idempotent.
func (s *service) parseMessage(ctx context.Context, userID string, email *store.Email, raw []byte) (*store.Email, map[string]string, []store.Attachment, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse message: %w", err)
	}

	parsed := *email
	headers := flattenHeader(&mr.Header)

	if subject, err := mr.Header.Subject(); err == nil {
		parsed.Subject = subject
	}
	if msgID, err := mr.Header.MessageID(); err == nil {
		parsed.MessageID = msgID
	}
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		parsed.From = from[0].Address
	}
	if to := addressStrings(&mr.Header, "To"); len(to) > 0 {
		parsed.To = to
	}
	parsed.CC = addressStrings(&mr.Header, "Cc")
	parsed.BCC = addressStrings(&mr.Header, "Bcc")

	var attachments []store.Attachment
	seen := make(map[string]int)

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, nil, fmt.Errorf("read part: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("read body part: %w", err)
			}
			switch contentType {
			case "text/plain":
				if parsed.TextBody == "" {
					parsed.TextBody = string(body)
				}
			case "text/html":
				if parsed.HTMLBody == "" {
					parsed.HTMLBody = string(body)
				}
			}

		case *mail.AttachmentHeader:
			// The filename comes off the wire. Reduce it to a bare name
			// before it becomes part of a blob key, and disambiguate
			// repeats so two descriptors never share one blob.
			filename, _ := h.Filename()
			filename = blob.SanitizeFilename(filename)
			if filename == "" {
				filename = fmt.Sprintf("attachment-%d", len(attachments)+1)
			}
			base := filename
			if n := seen[base]; n > 0 {
				ext := path.Ext(base)
				filename = fmt.Sprintf("%s-%d%s", strings.TrimSuffix(base, ext), n+1, ext)
			}
			seen[base]++
			contentType, _, _ := h.ContentType()

			key := blob.AttachmentKey(userID, email.ID, filename)
			size, err := s.blobs.Put(ctx, key, contentType, part.Body)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("put attachment blob: %w", err)
			}

			attachments = append(attachments, store.Attachment{
				Filename:    filename,
				ContentType: contentType,
				Size:        size,
				BlobPath:    key,
			})
		}
	}

	return &parsed, headers, attachments, nil
}

// flattenHeader copies header fields into a flat map. Repeated fields keep
// the first value, which is the interesting one for Received-style chains
// since go-message yields fields top-down.
func flattenHeader(h *mail.Header) map[string]string {
	out := make(map[string]string)
	fields := h.Fields()
	for fields.Next() {
		key := fields.Key()
		if _, ok := out[key]; ok {
			continue
		}
		text, err := fields.Text()
		if err != nil {
			// Undecodable field; keep the raw value rather than dropping it.
			text = fields.Value()
		}
		out[key] = text
	}
	return out
}

// addressStrings extracts bare addresses from an address list header.
func addressStrings(h *mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil || len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}

// handleSendEmail delivers an outbound message through the configured
// sender. Delivery transport (SMTP, provider API) lives outside this
// library.
func (s *service) handleSendEmail(ctx context.Context, job *queue.Job) error {
	var p queue.SendEmailPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return queue.NonRetryable(fmt.Errorf("decode payload: %w", err))
	}

	if s.opts.sender == nil {
		return queue.NonRetryable(ErrSenderRequired)
	}

	raw := buildOutboundMessage(p, s.opts.clock.Now().UTC())
	if err := s.opts.sender.Send(ctx, p.From, p.To, raw); err != nil {
		return classify(fmt.Errorf("send: %w", err))
	}

	s.logger.Info("outbound email sent", "from", p.From, "recipients", len(p.To))
	return nil
}

// handleCleanupTemp removes an expired temporary mailbox and everything
// under it. A mailbox that is already gone counts as success: the sweep
// can queue the same mailbox twice, and the second job must not fail.
func (s *service) handleCleanupTemp(ctx context.Context, job *queue.Job) error {
	var p queue.CleanupTempPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return queue.NonRetryable(fmt.Errorf("decode payload: %w", err))
	}

	mailbox, err := s.store.GetMailbox(ctx, p.MailboxID)
	if err != nil {
		if store.IsNotFound(err) {
			s.logger.Debug("mailbox gone before cleanup", "mailbox_id", p.MailboxID)
			return nil
		}
		return classify(fmt.Errorf("get mailbox: %w", err))
	}

	if err := s.purgeMailbox(ctx, mailbox.ID); err != nil {
		return classify(err)
	}

	s.logger.Info("temp mailbox reaped",
		"mailbox_id", mailbox.ID, "address", mailbox.Address)

	if err := s.events.MailboxExpired.Publish(ctx, MailboxExpiredEvent{
		MailboxID: mailbox.ID,
		Address:   mailbox.Address,
		UserID:    mailbox.UserID,
		ExpiredAt: s.opts.clock.Now().UTC(),
	}); err != nil {
		// The mailbox is gone either way; a lost event is not worth a retry
		// that would re-run the whole purge.
		s.opts.safeEventPublishFailure("MailboxExpired", err)
	}

	return nil
}

// buildOutboundMessage renders a minimal RFC 5322 message from a send
// payload.
func buildOutboundMessage(p queue.SendEmailPayload, now time.Time) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", p.From)
	for i, addr := range p.To {
		if i == 0 {
			fmt.Fprintf(&buf, "To: %s", addr)
		} else {
			fmt.Fprintf(&buf, ", %s", addr)
		}
	}
	buf.WriteString("\r\n")
	fmt.Fprintf(&buf, "Subject: %s\r\n", p.Subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", now.Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(p.Body)
	return buf.Bytes()
}
