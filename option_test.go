package mailvault

import (
	"errors"
	"testing"
	"time"
)

func TestNewOptionsDefaults(t *testing.T) {
	o := newOptions()

	if o.tempMailTTL != DefaultTempMailTTL {
		t.Errorf("expected TTL %s, got %s", DefaultTempMailTTL, o.tempMailTTL)
	}
	if o.maxEmailsPerUser != DefaultMaxEmailsPerUser {
		t.Errorf("expected quota %d, got %d", DefaultMaxEmailsPerUser, o.maxEmailsPerUser)
	}
	if o.hourlyRateLimit != DefaultHourlyRateLimit {
		t.Errorf("expected rate limit %d, got %d", DefaultHourlyRateLimit, o.hourlyRateLimit)
	}
	if o.maxRawSize != DefaultMaxRawSize {
		t.Errorf("expected max raw size %d, got %d", DefaultMaxRawSize, o.maxRawSize)
	}
	if o.maxConcurrentStores != DefaultMaxConcurrentStores {
		t.Errorf("expected %d concurrent stores, got %d", DefaultMaxConcurrentStores, o.maxConcurrentStores)
	}
	if o.reapBatchSize != DefaultReapBatchSize {
		t.Errorf("expected reap batch %d, got %d", DefaultReapBatchSize, o.reapBatchSize)
	}
	if o.shutdownTimeout != DefaultShutdownTimeout {
		t.Errorf("expected shutdown timeout %s, got %s", DefaultShutdownTimeout, o.shutdownTimeout)
	}
	if o.logger == nil {
		t.Error("expected default logger")
	}
	if o.clock == nil {
		t.Error("expected default clock")
	}
	if o.limiter == nil {
		t.Error("expected default limiter")
	}
	if o.onEventPublishFailure == nil {
		t.Error("expected default event failure handler")
	}
}

func TestOptionBounds(t *testing.T) {
	t.Run("ttl below minimum is ignored", func(t *testing.T) {
		o := newOptions(WithTempMailTTL(time.Second))
		if o.tempMailTTL != DefaultTempMailTTL {
			t.Errorf("expected default TTL kept, got %s", o.tempMailTTL)
		}

		o = newOptions(WithTempMailTTL(MinTempMailTTL))
		if o.tempMailTTL != MinTempMailTTL {
			t.Errorf("expected minimum TTL accepted, got %s", o.tempMailTTL)
		}
	})

	t.Run("shutdown timeout below minimum is ignored", func(t *testing.T) {
		o := newOptions(WithShutdownTimeout(time.Millisecond))
		if o.shutdownTimeout != DefaultShutdownTimeout {
			t.Errorf("expected default kept, got %s", o.shutdownTimeout)
		}
	})

	t.Run("non-positive limits are ignored", func(t *testing.T) {
		o := newOptions(
			WithMaxEmailsPerUser(0),
			WithHourlyRateLimit(-1),
			WithMaxRawSize(0),
			WithMaxConcurrentStores(-5),
			WithReapBatchSize(0),
		)
		if o.maxEmailsPerUser != DefaultMaxEmailsPerUser ||
			o.hourlyRateLimit != DefaultHourlyRateLimit ||
			o.maxRawSize != DefaultMaxRawSize ||
			o.maxConcurrentStores != DefaultMaxConcurrentStores ||
			o.reapBatchSize != DefaultReapBatchSize {
			t.Error("expected invalid limits to keep defaults")
		}
	})

	t.Run("nil collaborators are ignored", func(t *testing.T) {
		o := newOptions(WithLogger(nil), WithClock(nil), WithRateLimiter(nil))
		if o.logger == nil || o.clock == nil || o.limiter == nil {
			t.Error("expected nil options ignored")
		}
	})
}

func TestSafeEventPublishFailure(t *testing.T) {
	t.Run("calls the handler", func(t *testing.T) {
		var gotEvent string
		var gotErr error
		o := newOptions(WithEventPublishFailureHandler(func(event string, err error) {
			gotEvent = event
			gotErr = err
		}))

		cause := errors.New("bus down")
		o.safeEventPublishFailure("EmailReceived", cause)
		if gotEvent != "EmailReceived" {
			t.Errorf("expected event name passed, got %q", gotEvent)
		}
		if !errors.Is(gotErr, cause) {
			t.Errorf("expected cause passed, got %v", gotErr)
		}
	})

	t.Run("recovers a panicking handler", func(t *testing.T) {
		o := newOptions(WithEventPublishFailureHandler(func(string, error) {
			panic("handler exploded")
		}))

		// Must not propagate the panic.
		o.safeEventPublishFailure("EmailReceived", errors.New("x"))
	})
}
