package mailvault

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mailvault/mailvault/blob"
	"github.com/mailvault/mailvault/store"
)

// userClient is the default implementation of Client.
type userClient struct {
	userID      string
	service     *service
	validUserID bool // set by Client() after validation
}

// UserID returns the user this client is scoped to.
func (c *userClient) UserID() string {
	return c.userID
}

// checkAccess verifies the client is ready for operations.
// Returns ErrNotConnected if the service isn't connected,
// or ErrInvalidUserID if the user ID failed validation.
func (c *userClient) checkAccess() error {
	if err := c.service.checkConnected(); err != nil {
		return err
	}
	if !c.validUserID {
		return ErrInvalidUserID
	}
	return nil
}

// CreateMailbox creates a mailbox at the given address.
func (c *userClient) CreateMailbox(ctx context.Context, address string, temp bool) (*store.Mailbox, error) {
	return c.createMailbox(ctx, address, false, temp)
}

// CreateAlias creates an alias mailbox at the given address.
func (c *userClient) CreateAlias(ctx context.Context, address string) (*store.Mailbox, error) {
	return c.createMailbox(ctx, address, true, false)
}

func (c *userClient) createMailbox(ctx context.Context, address string, alias, temp bool) (*store.Mailbox, error) {
	if err := c.checkAccess(); err != nil {
		return nil, err
	}

	address = normalizeAddress(address)
	if err := validateAddress(address, c.service.opts.domain); err != nil {
		return nil, err
	}

	m := &store.Mailbox{
		ID:      uuid.New().String(),
		UserID:  c.userID,
		Address: address,
		IsAlias: alias,
		IsTemp:  temp,
	}

	// The store's unique index on address arbitrates racing creates for
	// the same address; exactly one caller wins.
	if err := c.service.store.CreateMailbox(ctx, m); err != nil {
		if store.IsDuplicateAddress(err) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAddress, address)
		}
		return nil, fmt.Errorf("create mailbox: %w", err)
	}

	c.service.logger.Info("mailbox created",
		"mailbox_id", m.ID, "address", address, "temp", temp)
	return m, nil
}

// Mailbox retrieves one of the user's mailboxes by ID.
// Mailboxes owned by other users read as ErrNotFound.
func (c *userClient) Mailbox(ctx context.Context, mailboxID string) (*store.Mailbox, error) {
	if err := c.checkAccess(); err != nil {
		return nil, err
	}

	m, err := c.service.store.GetMailboxOwned(ctx, mailboxID, c.userID)
	if err != nil {
		return nil, wrapStoreErr("get mailbox", err)
	}
	return m, nil
}

// Mailboxes lists the user's mailboxes.
func (c *userClient) Mailboxes(ctx context.Context) ([]store.Mailbox, error) {
	if err := c.checkAccess(); err != nil {
		return nil, err
	}
	return c.service.store.ListMailboxes(ctx, c.userID)
}

// DeleteMailbox removes a mailbox and everything stored under it:
// every email's rows and blobs, then the mailbox row itself.
func (c *userClient) DeleteMailbox(ctx context.Context, mailboxID string) error {
	if err := c.checkAccess(); err != nil {
		return err
	}

	// Ownership check up front; the purge below runs with service scope.
	if _, err := c.service.store.GetMailboxOwned(ctx, mailboxID, c.userID); err != nil {
		return wrapStoreErr("get mailbox", err)
	}

	return c.service.purgeMailbox(ctx, mailboxID)
}

// Email retrieves an email and its metadata.
// Emails outside the user's ownership chain read as ErrNotFound.
func (c *userClient) Email(ctx context.Context, emailID string) (*store.Email, *store.EmailMetadata, error) {
	if err := c.checkAccess(); err != nil {
		return nil, nil, err
	}

	ctx, endSpan := c.service.otel.startSpan(ctx, "mailvault.get",
		attribute.String("user_id", c.userID),
		attribute.String("email_id", emailID),
	)
	start := time.Now()
	var opErr error
	defer func() {
		endSpan(opErr)
		c.service.otel.recordGet(ctx, time.Since(start), opErr)
	}()

	e, err := c.service.store.GetEmailOwned(ctx, emailID, c.userID)
	if err != nil {
		opErr = wrapStoreErr("get email", err)
		return nil, nil, opErr
	}

	meta, err := c.service.store.GetEmailMetadata(ctx, emailID)
	if err != nil {
		opErr = wrapStoreErr("get email metadata", err)
		return nil, nil, opErr
	}

	return e, meta, nil
}

// EmailRaw returns the raw message bytes from the blob store.
func (c *userClient) EmailRaw(ctx context.Context, emailID string) ([]byte, error) {
	if err := c.checkAccess(); err != nil {
		return nil, err
	}

	e, err := c.service.store.GetEmailOwned(ctx, emailID, c.userID)
	if err != nil {
		return nil, wrapStoreErr("get email", err)
	}

	// The row is the source of truth for existence. A row pointing at a
	// missing blob is corruption, not absence - surface it as such rather
	// than returning empty bytes.
	rc, err := c.service.blobs.Get(ctx, e.BlobPath)
	if err != nil {
		if blob.IsNotFound(err) {
			return nil, fmt.Errorf("%w: raw blob %s missing for email %s",
				ErrStorageInconsistency, e.BlobPath, emailID)
		}
		return nil, fmt.Errorf("get raw blob: %w", err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read raw blob: %w", err)
	}
	return raw, nil
}

// Attachment streams an extracted attachment by filename.
func (c *userClient) Attachment(ctx context.Context, emailID, filename string) (io.ReadCloser, error) {
	if err := c.checkAccess(); err != nil {
		return nil, err
	}

	if _, err := c.service.store.GetEmailOwned(ctx, emailID, c.userID); err != nil {
		return nil, wrapStoreErr("get email", err)
	}

	meta, err := c.service.store.GetEmailMetadata(ctx, emailID)
	if err != nil {
		return nil, wrapStoreErr("get email metadata", err)
	}

	for _, a := range meta.Attachments {
		if a.Filename != filename {
			continue
		}
		rc, err := c.service.blobs.Get(ctx, a.BlobPath)
		if err != nil {
			if blob.IsNotFound(err) {
				return nil, fmt.Errorf("%w: attachment blob %s missing for email %s",
					ErrStorageInconsistency, a.BlobPath, emailID)
			}
			return nil, fmt.Errorf("get attachment blob: %w", err)
		}
		return rc, nil
	}

	return nil, fmt.Errorf("%w: attachment %s", ErrNotFound, filename)
}

// Emails lists emails in one of the user's mailboxes, newest first.
func (c *userClient) Emails(ctx context.Context, mailboxID string, opts ListOptions) ([]store.Email, error) {
	if err := c.checkAccess(); err != nil {
		return nil, err
	}

	ctx, endSpan := c.service.otel.startSpan(ctx, "mailvault.list",
		attribute.String("user_id", c.userID),
		attribute.String("mailbox_id", mailboxID),
	)
	start := time.Now()
	var opErr error
	var emails []store.Email
	defer func() {
		endSpan(opErr)
		c.service.otel.recordList(ctx, time.Since(start), len(emails), opErr)
	}()

	// Scope the mailbox to this user before listing. Listing itself is
	// keyed by mailbox ID only, so the ownership check must come first.
	if _, err := c.service.store.GetMailboxOwned(ctx, mailboxID, c.userID); err != nil {
		opErr = wrapStoreErr("get mailbox", err)
		return nil, opErr
	}

	emails, err := c.service.store.ListEmails(ctx, mailboxID, opts)
	if err != nil {
		opErr = fmt.Errorf("list emails: %w", err)
		return nil, opErr
	}
	return emails, nil
}

// DeleteEmail removes an email: metadata and row in one transaction, then
// blobs. A blob delete failure is logged, not rolled back - orphan blobs
// are reclaimable garbage while resurrecting a deleted row is not.
func (c *userClient) DeleteEmail(ctx context.Context, emailID string) error {
	if err := c.checkAccess(); err != nil {
		return err
	}

	ctx, endSpan := c.service.otel.startSpan(ctx, "mailvault.delete",
		attribute.String("user_id", c.userID),
		attribute.String("email_id", emailID),
	)
	start := time.Now()
	var opErr error
	defer func() {
		endSpan(opErr)
		c.service.otel.recordDelete(ctx, time.Since(start), opErr)
	}()

	e, err := c.service.store.GetEmailOwned(ctx, emailID, c.userID)
	if err != nil {
		opErr = wrapStoreErr("get email", err)
		return opErr
	}

	if err := c.service.deleteEmail(ctx, e); err != nil {
		opErr = err
		return opErr
	}

	// Publish event - the email is gone regardless of the outcome here.
	if err := c.service.events.EmailDeleted.Publish(ctx, EmailDeletedEvent{
		EmailID:   e.ID,
		MailboxID: e.MailboxID,
		UserID:    c.userID,
		DeletedAt: c.service.opts.clock.Now().UTC(),
	}); err != nil {
		if c.service.opts.eventErrorsFatal {
			opErr = &EventPublishError{Event: "EmailDeleted", EmailID: e.ID, Err: err}
			return opErr
		}
		c.service.opts.safeEventPublishFailure("EmailDeleted", err)
	}

	return nil
}

// wrapStoreErr maps store errors onto the service's error surface.
// Not-found stays not-found; everything else is wrapped with the operation.
func wrapStoreErr(op string, err error) error {
	if store.IsNotFound(err) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
