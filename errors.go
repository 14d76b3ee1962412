package mailvault

import (
	"errors"
	"fmt"

	"github.com/mailvault/mailvault/blob"
	"github.com/mailvault/mailvault/queue"
	"github.com/mailvault/mailvault/store"
)

// Sentinel errors for the mailvault package.
// Use errors.Is() to check for these errors.
//
// These errors wrap corresponding store-level errors where applicable,
// so errors.Is(err, mailvault.ErrNotFound) will match both service-level
// and store-level "not found" errors.
var (
	// ErrNotFound is returned when a mailbox or email cannot be found.
	// Wraps store.ErrNotFound for consistent error checking.
	//
	// This is also what a tenant sees when they ask for a row owned by
	// someone else: foreign rows are masked as not found, never as a
	// distinct "forbidden" answer, so existence cannot be probed.
	ErrNotFound = fmt.Errorf("mailvault: %w", store.ErrNotFound)

	// ErrValidation is the class for all validation failures. Detailed
	// failures are reported via ValidationError, which unwraps to this.
	ErrValidation = errors.New("mailvault: validation failed")

	// ErrAccessDenied is returned when a token fails verification. It is
	// never returned for rows owned by other tenants - those read as
	// ErrNotFound.
	ErrAccessDenied = errors.New("mailvault: access denied")

	// ErrStorageInconsistency is returned when a relational row references
	// a blob that does not exist. A row without its blob is corruption;
	// callers must never receive empty bytes in its place.
	ErrStorageInconsistency = errors.New("mailvault: storage inconsistency")

	// ErrTransientIO is the class for failures worth retrying: network
	// blips, timeouts, transient backend errors.
	ErrTransientIO = errors.New("mailvault: transient io failure")

	// ErrRateLimited is returned when a user exceeds their hourly intake
	// rate limit.
	ErrRateLimited = errors.New("mailvault: rate limited")

	// ErrQuotaExceeded is returned when a user is at their stored-email
	// quota.
	ErrQuotaExceeded = errors.New("mailvault: email quota exceeded")

	// ErrDuplicateAddress is returned when a mailbox address is already
	// taken. Wraps store.ErrDuplicateAddress for consistent error checking.
	ErrDuplicateAddress = fmt.Errorf("mailvault: %w", store.ErrDuplicateAddress)

	// ErrInvalidID is returned when an invalid ID is provided.
	// Wraps store.ErrInvalidID for consistent error checking.
	ErrInvalidID = fmt.Errorf("mailvault: %w", store.ErrInvalidID)

	// ErrInvalidUserID is returned when a user ID contains invalid characters.
	ErrInvalidUserID = errors.New("mailvault: invalid user id")

	// ErrStoreRequired is returned when no relational store is configured.
	ErrStoreRequired = errors.New("mailvault: store is required")

	// ErrBlobStoreRequired is returned when no blob store is configured.
	ErrBlobStoreRequired = errors.New("mailvault: blob store is required")

	// ErrQueueRequired is returned when no job queue is configured.
	ErrQueueRequired = errors.New("mailvault: queue is required")

	// ErrDomainRequired is returned when no mail domain is configured.
	ErrDomainRequired = errors.New("mailvault: mail domain is required")

	// ErrVerifierRequired is returned by Authenticate when no credential
	// verifier is configured.
	ErrVerifierRequired = errors.New("mailvault: credential verifier is required")

	// ErrSenderRequired is returned when outbound delivery is attempted
	// without a configured sender.
	ErrSenderRequired = errors.New("mailvault: sender is required")

	// ErrNotConnected is returned when operations are attempted before Connect().
	// Wraps store.ErrNotConnected for consistent error checking.
	ErrNotConnected = fmt.Errorf("mailvault: %w", store.ErrNotConnected)

	// ErrAlreadyConnected is returned when Connect() is called twice.
	// Wraps store.ErrAlreadyConnected for consistent error checking.
	ErrAlreadyConnected = fmt.Errorf("mailvault: %w", store.ErrAlreadyConnected)
)

// ValidationError provides details about a validation failure.
type ValidationError struct {
	Field   string // The field that failed validation
	Message string // Human-readable error message
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("mailvault: validation failed for %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// IsValidationError checks if the error is a validation error and returns details.
func IsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// EventPublishError is returned when event publishing fails but the operation
// succeeded. The email was stored or deleted, but the event notification
// failed. Check the EmailID field to identify which email this applies to.
type EventPublishError struct {
	Event   string // The event name (e.g., "EmailReceived")
	EmailID string // The email ID the event was for
	Err     error  // The underlying publish error
}

func (e *EventPublishError) Error() string {
	return fmt.Sprintf("mailvault: event %s publish failed for email %s: %v", e.Event, e.EmailID, e.Err)
}

func (e *EventPublishError) Unwrap() error {
	return e.Err
}

// IsEventPublishError checks if the error is an event publish error and returns
// details. This is useful when eventErrorsFatal=true but you still want to know
// the email was stored.
func IsEventPublishError(err error) (*EventPublishError, bool) {
	var epe *EventPublishError
	if errors.As(err, &epe) {
		return epe, true
	}
	return nil, false
}

// IsRetryableError determines if an error is retryable.
// Returns true for temporary/transient errors, false for permanent errors.
// The worker pool uses this to decide whether a failed job goes back to
// pending or parks in failed.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Permanent errors that should not be retried (service-level)
	permanentErrors := []error{
		ErrNotFound,
		ErrValidation,
		ErrAccessDenied,
		ErrInvalidID,
		ErrInvalidUserID,
		ErrDuplicateAddress,
		ErrQuotaExceeded,
		ErrStorageInconsistency,
		ErrStoreRequired,
		ErrBlobStoreRequired,
		ErrQueueRequired,
		ErrDomainRequired,
		ErrVerifierRequired,
		ErrSenderRequired,
	}

	for _, permErr := range permanentErrors {
		if errors.Is(err, permErr) {
			return false
		}
	}

	// Also check lower-level permanent errors (in case they bubble up unwrapped)
	storePermanentErrors := []error{
		store.ErrNotFound,
		store.ErrInvalidID,
		store.ErrDuplicateAddress,
		store.ErrDuplicateEmail,
		blob.ErrNotFound,
		queue.ErrInvalidPayload,
		queue.ErrUnknownType,
	}

	for _, permErr := range storePermanentErrors {
		if errors.Is(err, permErr) {
			return false
		}
	}

	// Retryable errors
	retryableErrors := []error{
		ErrRateLimited,             // Rate limit can be waited out
		ErrTransientIO,             // Transient by definition
		ErrNotConnected,            // Connection can be re-established
		store.ErrNotConnected,      // Store connection can be re-established
		store.ErrTransactionFailed, // Transaction can be retried
	}

	for _, retryErr := range retryableErrors {
		if errors.Is(err, retryErr) {
			return true
		}
	}

	// For unknown errors, default to retryable (conservative approach)
	// as they might be transient network/timeout issues
	return true
}
