package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiter(t *testing.T) {
	ctx := context.Background()

	t.Run("allows up to the limit", func(t *testing.T) {
		l := NewMemoryLimiter()

		for i := 0; i < 3; i++ {
			allowed, err := l.Allow(ctx, "user-1", 3, time.Hour)
			if err != nil {
				t.Fatalf("allow failed: %v", err)
			}
			if !allowed {
				t.Fatalf("event %d should be allowed", i+1)
			}
		}

		allowed, err := l.Allow(ctx, "user-1", 3, time.Hour)
		if err != nil {
			t.Fatalf("allow failed: %v", err)
		}
		if allowed {
			t.Error("expected fourth event denied")
		}
	})

	t.Run("keys are independent", func(t *testing.T) {
		l := NewMemoryLimiter()

		if ok, _ := l.Allow(ctx, "user-1", 1, time.Hour); !ok {
			t.Fatal("first event should be allowed")
		}
		if ok, _ := l.Allow(ctx, "user-1", 1, time.Hour); ok {
			t.Error("user-1 should be over limit")
		}
		if ok, _ := l.Allow(ctx, "user-2", 1, time.Hour); !ok {
			t.Error("user-2 should have a fresh window")
		}
	})

	t.Run("window rolls over", func(t *testing.T) {
		l := NewMemoryLimiter()
		now := time.Date(2026, time.May, 1, 10, 0, 0, 0, time.UTC)
		l.now = func() time.Time { return now }

		if ok, _ := l.Allow(ctx, "user-1", 1, time.Hour); !ok {
			t.Fatal("first event should be allowed")
		}
		if ok, _ := l.Allow(ctx, "user-1", 1, time.Hour); ok {
			t.Fatal("second event should be denied")
		}

		now = now.Add(time.Hour)
		if ok, _ := l.Allow(ctx, "user-1", 1, time.Hour); !ok {
			t.Error("new window should reset the counter")
		}
	})

	t.Run("zero limit disables limiting", func(t *testing.T) {
		l := NewMemoryLimiter()
		for i := 0; i < 100; i++ {
			if ok, _ := l.Allow(ctx, "user-1", 0, time.Hour); !ok {
				t.Fatal("zero limit should always allow")
			}
		}
	})
}

func TestUnlimited(t *testing.T) {
	var l Unlimited
	for i := 0; i < 10; i++ {
		ok, err := l.Allow(context.Background(), "any", 1, time.Hour)
		if err != nil || !ok {
			t.Fatalf("unlimited should always allow, got %v %v", ok, err)
		}
	}
}
