// Package store provides interfaces and types for relational email storage.
// Implementations are in the store/postgres and store/memory subpackages.
//
// # Architectural Principle: The Database Arbitrates
//
// This package avoids external coordination entirely. All concurrency
// concerns are handled through database-native mechanisms:
//
//  1. Unique Constraints: mailbox addresses and user emails are enforced by
//     unique indexes. Two racing creates never need a lock - the database
//     admits exactly one and the loser observes ErrDuplicateAddress.
//
//  2. Transactional Batches: an Email row and its EmailMetadata row are
//     created together or not at all, inside a single transaction.
//
//  3. Explicit Cascades: deleting a mailbox or an email cascades in the
//     caller's code path, not through hidden ON DELETE clauses, so the
//     cascade is visible and testable.
//
// Rows are plain structs. Modifications go through specific operations
// rather than general setters, so every mutation the system performs is
// named in the interface.
package store

import (
	"context"
	"time"
)

// ListOptions controls pagination for list operations.
type ListOptions struct {
	// Limit is the maximum number of rows to return. Zero means the
	// implementation default.
	Limit int
	// Offset skips the first N rows.
	Offset int
}

// Store is the relational storage interface.
//
// All operations must be safe for concurrent use. Implementations must use
// database-level atomicity (transactions, unique constraints) rather than
// external locking. See the package documentation for details.
type Store interface {
	// Lifecycle
	Connect(ctx context.Context) error
	Close(ctx context.Context) error

	UserStore
	MailboxStore
	EmailStore
}

// UserStore provides operations for tenant identities.
type UserStore interface {
	// CreateUser inserts a new user. The email address is globally unique;
	// a duplicate insert returns ErrDuplicateEmail.
	CreateUser(ctx context.Context, u *User) error

	// GetUser retrieves a user by ID.
	// Returns ErrNotFound if the user doesn't exist.
	GetUser(ctx context.Context, id string) (*User, error)

	// GetUserByEmail retrieves a user by login email.
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// DeleteUser removes the user row. Owned mailboxes are cascaded by the
	// caller before this is invoked.
	DeleteUser(ctx context.Context, id string) error
}

// MailboxStore provides operations for mailboxes.
type MailboxStore interface {
	// CreateMailbox inserts a new mailbox. The address is globally unique;
	// a duplicate insert returns ErrDuplicateAddress. Uniqueness is checked
	// by the insert itself, so two racing creates for the same address
	// resolve to exactly one winner.
	CreateMailbox(ctx context.Context, m *Mailbox) error

	// GetMailbox retrieves a mailbox by ID regardless of owner.
	GetMailbox(ctx context.Context, id string) (*Mailbox, error)

	// GetMailboxOwned retrieves a mailbox only if it belongs to userID.
	// A mailbox owned by someone else returns ErrNotFound, indistinguishable
	// from a mailbox that doesn't exist.
	GetMailboxOwned(ctx context.Context, id, userID string) (*Mailbox, error)

	// GetMailboxByAddress retrieves a mailbox by its address.
	GetMailboxByAddress(ctx context.Context, address string) (*Mailbox, error)

	// ListMailboxes returns all mailboxes owned by userID.
	ListMailboxes(ctx context.Context, userID string) ([]Mailbox, error)

	// DeleteMailbox removes the mailbox row. Emails under the mailbox are
	// cascaded by the caller before this is invoked.
	// Returns ErrNotFound if the mailbox doesn't exist.
	DeleteMailbox(ctx context.Context, id string) error

	// ListExpiredTempMailboxes returns temporary mailboxes created before
	// cutoff, oldest first, up to limit.
	ListExpiredTempMailboxes(ctx context.Context, cutoff time.Time, limit int) ([]Mailbox, error)
}

// EmailStore provides operations for stored emails and their metadata.
type EmailStore interface {
	// CreateEmail inserts the email row and its metadata row in a single
	// transaction - both or neither. The metadata row is mandatory: an
	// email without metadata never exists.
	CreateEmail(ctx context.Context, e *Email, meta *EmailMetadata) error

	// GetEmail retrieves an email by ID regardless of owner.
	GetEmail(ctx context.Context, id string) (*Email, error)

	// GetEmailOwned retrieves an email only if the ownership chain
	// Email -> Mailbox -> User terminates at userID. Foreign or missing
	// rows both return ErrNotFound.
	GetEmailOwned(ctx context.Context, id, userID string) (*Email, error)

	// GetEmailMetadata retrieves the metadata row for an email.
	GetEmailMetadata(ctx context.Context, emailID string) (*EmailMetadata, error)

	// UpdateEmailMetadata replaces the headers and attachment list of an
	// existing metadata row.
	UpdateEmailMetadata(ctx context.Context, meta *EmailMetadata) error

	// UpdateEmailParsed backfills the fields extracted from the raw
	// message: message id, address lists, subject and bodies. The row is
	// selected by e.ID; blob path, size and timestamps are not touched.
	UpdateEmailParsed(ctx context.Context, e *Email) error

	// ListEmails returns emails in a mailbox, newest received first.
	ListEmails(ctx context.Context, mailboxID string, opts ListOptions) ([]Email, error)

	// CountEmails returns the number of emails stored for a user across
	// all their mailboxes.
	CountEmails(ctx context.Context, userID string) (int64, error)

	// DeleteEmail removes the email and its metadata row in a single
	// transaction. Blob cleanup is the caller's responsibility; the
	// metadata row is the source of truth for existence.
	// Returns ErrNotFound if the email doesn't exist.
	DeleteEmail(ctx context.Context, id string) error
}
