package store

import "errors"

// Sentinel errors for the store package.
var (
	// ErrNotFound is returned when a row cannot be found. Ownership-scoped
	// lookups also return ErrNotFound for rows owned by another user.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidID is returned when an invalid ID is provided.
	ErrInvalidID = errors.New("store: invalid id")

	// ErrDuplicateAddress is returned when a mailbox address is already taken.
	ErrDuplicateAddress = errors.New("store: duplicate address")

	// ErrDuplicateEmail is returned when a user login email is already taken.
	ErrDuplicateEmail = errors.New("store: duplicate email")

	// ErrNotConnected is returned when operations are attempted before Connect().
	ErrNotConnected = errors.New("store: not connected")

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = errors.New("store: already connected")

	// ErrTransactionFailed is returned when a database transaction fails.
	// This indicates the atomic operation could not complete and no changes
	// were made.
	ErrTransactionFailed = errors.New("store: transaction failed")
)

// Error checking helpers.

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsDuplicateAddress(err error) bool {
	return errors.Is(err, ErrDuplicateAddress)
}

func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}
