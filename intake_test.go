package mailvault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/mailvault/mailvault/queue"
	"github.com/mailvault/mailvault/ratelimit"
	"github.com/mailvault/mailvault/store"
)

// failingEmailStore wraps a real store and fails every CreateEmail, so
// tests can observe the compensating blob delete.
type failingEmailStore struct {
	store.Store
}

func (s *failingEmailStore) CreateEmail(context.Context, *store.Email, *store.EmailMetadata) error {
	return fmt.Errorf("%w: induced failure", store.ErrTransactionFailed)
}

func TestStoreInbound(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip through blob store", func(t *testing.T) {
		env := setupTestService(t)
		u, _ := createUserMailbox(t, env, "bob@login.test", "bob@example.com", false)

		raw := []byte("Subject: hello\r\n\r\nbody text\r\n")
		id, err := env.svc.StoreInbound(ctx, InboundEmail{
			From: "alice@elsewhere.org",
			To:   "bob@example.com",
			Raw:  raw,
		})
		if err != nil {
			t.Fatalf("store inbound failed: %v", err)
		}
		if id == "" {
			t.Fatal("expected non-empty email ID")
		}

		got, err := env.svc.Client(u.ID).EmailRaw(ctx, id)
		if err != nil {
			t.Fatalf("email raw failed: %v", err)
		}
		if !bytes.Equal(got, raw) {
			t.Errorf("raw bytes do not round trip: got %q, want %q", got, raw)
		}

		e, _, err := env.svc.Client(u.ID).Email(ctx, id)
		if err != nil {
			t.Fatalf("email failed: %v", err)
		}
		if e.Size != int64(len(raw)) {
			t.Errorf("expected size %d, got %d", len(raw), e.Size)
		}
		if e.From != "alice@elsewhere.org" {
			t.Errorf("unexpected from: %q", e.From)
		}
	})

	t.Run("address is normalized before lookup", func(t *testing.T) {
		env := setupTestService(t)
		createUserMailbox(t, env, "carol@login.test", "carol@example.com", false)

		_, err := env.svc.StoreInbound(ctx, InboundEmail{
			From: "a@b.org",
			To:   "  CAROL@Example.COM ",
			Raw:  []byte("Subject: x\r\n\r\nhi"),
		})
		if err != nil {
			t.Errorf("expected normalized address to resolve, got %v", err)
		}
	})

	t.Run("unknown address", func(t *testing.T) {
		env := setupTestService(t)

		_, err := env.svc.StoreInbound(ctx, InboundEmail{
			From: "a@b.org",
			To:   "nobody@example.com",
			Raw:  []byte("Subject: x\r\n\r\nhi"),
		})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("validation", func(t *testing.T) {
		env := setupTestService(t, WithMaxRawSize(64))
		createUserMailbox(t, env, "val@login.test", "val@example.com", false)

		tests := []struct {
			name string
			in   InboundEmail
		}{
			{"missing to", InboundEmail{From: "a@b.org", Raw: []byte("x")}},
			{"missing from", InboundEmail{To: "val@example.com", Raw: []byte("x")}},
			{"empty raw", InboundEmail{From: "a@b.org", To: "val@example.com"}},
			{"oversize raw", InboundEmail{
				From: "a@b.org", To: "val@example.com",
				Raw: bytes.Repeat([]byte("x"), 65),
			}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := env.svc.StoreInbound(ctx, tt.in)
				if !errors.Is(err, ErrValidation) {
					t.Errorf("expected ErrValidation, got %v", err)
				}
			})
		}
	})

	t.Run("rate limit is per owning user", func(t *testing.T) {
		env := setupTestService(t,
			WithRateLimiter(ratelimit.NewMemoryLimiter()),
			WithHourlyRateLimit(2),
		)
		// Two mailboxes, one owner. The second mailbox does not buy a
		// fresh window.
		u, _ := createUserMailbox(t, env, "rl@login.test", "rl@example.com", false)
		if _, err := env.svc.Client(u.ID).CreateMailbox(ctx, "rl2@example.com", true); err != nil {
			t.Fatalf("create second mailbox failed: %v", err)
		}

		in := func(to string) InboundEmail {
			return InboundEmail{From: "a@b.org", To: to, Raw: []byte("Subject: x\r\n\r\nhi")}
		}
		if _, err := env.svc.StoreInbound(ctx, in("rl@example.com")); err != nil {
			t.Fatalf("first inbound failed: %v", err)
		}
		if _, err := env.svc.StoreInbound(ctx, in("rl2@example.com")); err != nil {
			t.Fatalf("second inbound failed: %v", err)
		}
		_, err := env.svc.StoreInbound(ctx, in("rl@example.com"))
		if !errors.Is(err, ErrRateLimited) {
			t.Errorf("expected ErrRateLimited, got %v", err)
		}
	})

	t.Run("quota", func(t *testing.T) {
		env := setupTestService(t, WithMaxEmailsPerUser(1))
		createUserMailbox(t, env, "q@login.test", "q@example.com", false)

		in := InboundEmail{From: "a@b.org", To: "q@example.com", Raw: []byte("Subject: x\r\n\r\nhi")}
		if _, err := env.svc.StoreInbound(ctx, in); err != nil {
			t.Fatalf("first inbound failed: %v", err)
		}
		_, err := env.svc.StoreInbound(ctx, in)
		if !errors.Is(err, ErrQuotaExceeded) {
			t.Errorf("expected ErrQuotaExceeded, got %v", err)
		}
	})

	t.Run("failed row write compensates the blob", func(t *testing.T) {
		env := setupTestService(t)
		createUserMailbox(t, env, "comp@login.test", "comp@example.com", false)

		// Swap in a store that accepts everything except the email insert.
		failing, err := NewService(
			WithStore(&failingEmailStore{Store: env.store}),
			WithBlobStore(env.blobs),
			WithQueue(env.queue),
			WithDomain("example.com"),
		)
		if err != nil {
			t.Fatalf("NewService failed: %v", err)
		}
		// The inner store is already connected; Connect would double it up.
		fs := failing.(*service)
		fs.state = stateConnected
		if err := fs.initEventBus(ctx); err != nil {
			t.Fatalf("init event bus failed: %v", err)
		}

		_, err = fs.StoreInbound(ctx, InboundEmail{
			From: "a@b.org", To: "comp@example.com", Raw: []byte("Subject: x\r\n\r\nhi"),
		})
		if err == nil {
			t.Fatal("expected error from failing store")
		}
		if env.blobs.Len() != 0 {
			t.Errorf("expected compensating delete to empty the blob store, got %d blobs", env.blobs.Len())
		}
	})

	t.Run("enqueues a process job", func(t *testing.T) {
		env := setupTestService(t)
		createUserMailbox(t, env, "job@login.test", "job@example.com", false)

		id, err := env.svc.StoreInbound(ctx, InboundEmail{
			From: "a@b.org", To: "job@example.com", Raw: []byte("Subject: x\r\n\r\nhi"),
		})
		if err != nil {
			t.Fatalf("store inbound failed: %v", err)
		}

		job, err := env.queue.ClaimNext(ctx)
		if err != nil {
			t.Fatalf("claim failed: %v", err)
		}
		if job.Type != queue.TypeProcessEmail {
			t.Errorf("expected process_email job, got %s", job.Type)
		}
		var p queue.ProcessEmailPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			t.Fatalf("decode payload failed: %v", err)
		}
		if p.EmailID != id {
			t.Errorf("expected payload email %s, got %s", id, p.EmailID)
		}
	})
}
