package mailvault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/mailvault/mailvault/blob"
	"github.com/mailvault/mailvault/queue"
	"github.com/mailvault/mailvault/store"
)

func TestSentinelWrapping(t *testing.T) {
	// Service-level sentinels must match their store-level counterparts,
	// so callers can check either layer with one errors.Is.
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"not found", ErrNotFound, store.ErrNotFound},
		{"duplicate address", ErrDuplicateAddress, store.ErrDuplicateAddress},
		{"invalid id", ErrInvalidID, store.ErrInvalidID},
		{"not connected", ErrNotConnected, store.ErrNotConnected},
		{"already connected", ErrAlreadyConnected, store.ErrAlreadyConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.target) {
				t.Errorf("expected %v to wrap %v", tt.err, tt.target)
			}
		})
	}
}

func TestValidationError(t *testing.T) {
	ve := &ValidationError{Field: "address", Message: "missing @"}

	if !errors.Is(ve, ErrValidation) {
		t.Error("expected ValidationError to unwrap to ErrValidation")
	}

	wrapped := fmt.Errorf("create mailbox: %w", ve)
	got, ok := IsValidationError(wrapped)
	if !ok {
		t.Fatal("expected IsValidationError to find wrapped ValidationError")
	}
	if got.Field != "address" {
		t.Errorf("expected field 'address', got %q", got.Field)
	}

	if _, ok := IsValidationError(errors.New("other")); ok {
		t.Error("expected no match for unrelated error")
	}
}

func TestEventPublishError(t *testing.T) {
	cause := errors.New("bus down")
	epe := &EventPublishError{Event: "EmailReceived", EmailID: "e1", Err: cause}

	if !errors.Is(epe, cause) {
		t.Error("expected EventPublishError to unwrap to its cause")
	}

	got, ok := IsEventPublishError(fmt.Errorf("store: %w", epe))
	if !ok {
		t.Fatal("expected IsEventPublishError to find wrapped error")
	}
	if got.EmailID != "e1" {
		t.Errorf("expected email e1, got %q", got.EmailID)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"not found", ErrNotFound, false},
		{"validation", &ValidationError{Field: "address", Message: "x"}, false},
		{"access denied", ErrAccessDenied, false},
		{"invalid user id", ErrInvalidUserID, false},
		{"duplicate address", ErrDuplicateAddress, false},
		{"quota exceeded", ErrQuotaExceeded, false},
		{"storage inconsistency", ErrStorageInconsistency, false},
		{"sender required", ErrSenderRequired, false},
		{"store not found unwrapped", store.ErrNotFound, false},
		{"blob not found", blob.ErrNotFound, false},
		{"invalid payload", queue.ErrInvalidPayload, false},
		{"unknown job type", queue.ErrUnknownType, false},
		{"rate limited", ErrRateLimited, true},
		{"transient io", ErrTransientIO, true},
		{"not connected", ErrNotConnected, true},
		{"store not connected", store.ErrNotConnected, true},
		{"transaction failed", store.ErrTransactionFailed, true},
		{"wrapped permanent", fmt.Errorf("get email: %w", ErrNotFound), false},
		{"wrapped retryable", fmt.Errorf("put blob: %w", ErrTransientIO), true},
		{"unknown defaults to retryable", errors.New("connection reset by peer"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryableError(tt.err); got != tt.want {
				t.Errorf("IsRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	t.Run("permanent errors become non-retryable", func(t *testing.T) {
		err := classify(fmt.Errorf("get email: %w", ErrStorageInconsistency))
		if queue.IsRetryable(err) {
			t.Error("expected non-retryable")
		}
	})

	t.Run("transient errors stay retryable", func(t *testing.T) {
		err := classify(fmt.Errorf("store: %w", ErrTransientIO))
		if !queue.IsRetryable(err) {
			t.Error("expected retryable")
		}
	})

	t.Run("nil passes through", func(t *testing.T) {
		if err := classify(nil); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	})
}
