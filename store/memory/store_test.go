package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mailvault/mailvault/store"
)

func newConnected(t *testing.T) *Store {
	t.Helper()
	s := New()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func seedMailbox(t *testing.T, s *Store, userID, address string, temp bool) *store.Mailbox {
	t.Helper()
	m := &store.Mailbox{UserID: userID, Address: address, IsTemp: temp}
	if err := s.CreateMailbox(context.Background(), m); err != nil {
		t.Fatalf("create mailbox failed: %v", err)
	}
	return m
}

func seedEmail(t *testing.T, s *Store, mailboxID string, receivedAt time.Time) *store.Email {
	t.Helper()
	e := &store.Email{
		MailboxID:  mailboxID,
		From:       "a@b.org",
		To:         []string{"x@example.com"},
		BlobPath:   "emails/" + mailboxID + "/" + receivedAt.Format("150405.000000000"),
		Size:       10,
		ReceivedAt: receivedAt,
	}
	if err := s.CreateEmail(context.Background(), e, &store.EmailMetadata{}); err != nil {
		t.Fatalf("create email failed: %v", err)
	}
	return e
}

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	if _, err := s.GetUser(ctx, "u1"); !errors.Is(err, store.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}

	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := s.Connect(ctx); !errors.Is(err, store.ErrAlreadyConnected) {
		t.Errorf("expected ErrAlreadyConnected, got %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestUsers(t *testing.T) {
	ctx := context.Background()
	s := newConnected(t)

	u := &store.User{Email: "alice@login.test"}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if u.ID == "" {
		t.Fatal("expected generated ID")
	}

	t.Run("duplicate email", func(t *testing.T) {
		err := s.CreateUser(ctx, &store.User{Email: "alice@login.test"})
		if !errors.Is(err, store.ErrDuplicateEmail) {
			t.Errorf("expected ErrDuplicateEmail, got %v", err)
		}
	})

	t.Run("get by id and email", func(t *testing.T) {
		got, err := s.GetUser(ctx, u.ID)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if got.Email != u.Email {
			t.Errorf("expected %q, got %q", u.Email, got.Email)
		}

		got, err = s.GetUserByEmail(ctx, "alice@login.test")
		if err != nil {
			t.Fatalf("get by email failed: %v", err)
		}
		if got.ID != u.ID {
			t.Errorf("expected %q, got %q", u.ID, got.ID)
		}
	})

	t.Run("returned user is a copy", func(t *testing.T) {
		got, _ := s.GetUser(ctx, u.ID)
		got.Email = "mutated"
		again, _ := s.GetUser(ctx, u.ID)
		if again.Email != u.Email {
			t.Error("store handed out its internal pointer")
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := s.DeleteUser(ctx, u.ID); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		if _, err := s.GetUser(ctx, u.ID); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if err := s.DeleteUser(ctx, u.ID); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound on second delete, got %v", err)
		}
	})
}

func TestMailboxes(t *testing.T) {
	ctx := context.Background()
	s := newConnected(t)

	mb := seedMailbox(t, s, "u1", "bob@example.com", false)

	t.Run("duplicate address across users", func(t *testing.T) {
		err := s.CreateMailbox(ctx, &store.Mailbox{UserID: "u2", Address: "bob@example.com"})
		if !errors.Is(err, store.ErrDuplicateAddress) {
			t.Errorf("expected ErrDuplicateAddress, got %v", err)
		}
	})

	t.Run("get by address", func(t *testing.T) {
		got, err := s.GetMailboxByAddress(ctx, "bob@example.com")
		if err != nil {
			t.Fatalf("get by address failed: %v", err)
		}
		if got.ID != mb.ID {
			t.Errorf("expected %q, got %q", mb.ID, got.ID)
		}
	})

	t.Run("owned lookup masks foreign rows", func(t *testing.T) {
		if _, err := s.GetMailboxOwned(ctx, mb.ID, "u1"); err != nil {
			t.Errorf("owner lookup failed: %v", err)
		}
		_, err := s.GetMailboxOwned(ctx, mb.ID, "u2")
		if !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound for foreign owner, got %v", err)
		}
	})

	t.Run("list per user", func(t *testing.T) {
		seedMailbox(t, s, "u1", "bob2@example.com", false)
		boxes, err := s.ListMailboxes(ctx, "u1")
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(boxes) != 2 {
			t.Errorf("expected 2 mailboxes, got %d", len(boxes))
		}
	})
}

func TestListExpiredTempMailboxes(t *testing.T) {
	ctx := context.Background()
	s := newConnected(t)

	now := time.Now().UTC()

	// Backdated temp mailboxes; CreateMailbox keeps a caller-set CreatedAt.
	for i := 0; i < 3; i++ {
		m := &store.Mailbox{
			UserID:    "u1",
			Address:   fmt.Sprintf("old%d@example.com", i),
			IsTemp:    true,
			CreatedAt: now.Add(-time.Duration(3-i) * time.Hour),
		}
		if err := s.CreateMailbox(ctx, m); err != nil {
			t.Fatalf("create mailbox failed: %v", err)
		}
	}
	seedMailbox(t, s, "u1", "fresh@example.com", true)
	seedMailbox(t, s, "u1", "permanent@example.com", false)

	t.Run("only stale temp mailboxes, oldest first", func(t *testing.T) {
		expired, err := s.ListExpiredTempMailboxes(ctx, now.Add(-time.Minute), 100)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(expired) != 3 {
			t.Fatalf("expected 3 expired, got %d", len(expired))
		}
		if expired[0].Address != "old0@example.com" {
			t.Errorf("expected oldest first, got %q", expired[0].Address)
		}
	})

	t.Run("limit caps the page", func(t *testing.T) {
		expired, err := s.ListExpiredTempMailboxes(ctx, now.Add(-time.Minute), 2)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(expired) != 2 {
			t.Errorf("expected 2 expired, got %d", len(expired))
		}
	})

	t.Run("cutoff excludes newer mailboxes", func(t *testing.T) {
		expired, err := s.ListExpiredTempMailboxes(ctx, now.Add(-90*time.Minute), 100)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(expired) != 2 {
			t.Errorf("expected 2 expired past the tighter cutoff, got %d", len(expired))
		}
	})

	t.Run("mailbox created exactly at the cutoff is expired", func(t *testing.T) {
		cutoff := now.Add(-4 * time.Hour)
		edge := &store.Mailbox{
			UserID:    "u1",
			Address:   "edge@example.com",
			IsTemp:    true,
			CreatedAt: cutoff,
		}
		if err := s.CreateMailbox(ctx, edge); err != nil {
			t.Fatalf("create mailbox failed: %v", err)
		}

		expired, err := s.ListExpiredTempMailboxes(ctx, cutoff, 100)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(expired) != 1 || expired[0].ID != edge.ID {
			t.Errorf("expected the boundary mailbox listed, got %v", expired)
		}
	})

	t.Run("equal timestamps order by id", func(t *testing.T) {
		ts := now.Add(-6 * time.Hour)
		for i := 0; i < 3; i++ {
			m := &store.Mailbox{
				UserID:    "u2",
				Address:   fmt.Sprintf("tie%d@example.com", i),
				IsTemp:    true,
				CreatedAt: ts,
			}
			if err := s.CreateMailbox(ctx, m); err != nil {
				t.Fatalf("create mailbox failed: %v", err)
			}
		}

		first, err := s.ListExpiredTempMailboxes(ctx, ts, 100)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(first) != 3 {
			t.Fatalf("expected 3 tied mailboxes, got %d", len(first))
		}
		for i := 1; i < len(first); i++ {
			if first[i-1].ID >= first[i].ID {
				t.Errorf("expected ID order for equal timestamps, got %q before %q",
					first[i-1].ID, first[i].ID)
			}
		}

		// The listing is stable: a second call pages the same order.
		second, err := s.ListExpiredTempMailboxes(ctx, ts, 100)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		for i := range first {
			if second[i].ID != first[i].ID {
				t.Errorf("expected stable listing, position %d changed", i)
			}
		}
	})
}

func TestEmails(t *testing.T) {
	ctx := context.Background()
	s := newConnected(t)

	mb := seedMailbox(t, s, "u1", "inbox@example.com", false)
	now := time.Now().UTC()

	var ids []string
	for i := 0; i < 5; i++ {
		e := seedEmail(t, s, mb.ID, now.Add(time.Duration(i)*time.Second))
		ids = append(ids, e.ID)
	}

	t.Run("list newest first with pagination", func(t *testing.T) {
		emails, err := s.ListEmails(ctx, mb.ID, store.ListOptions{Limit: 2})
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(emails) != 2 {
			t.Fatalf("expected 2 emails, got %d", len(emails))
		}
		if emails[0].ID != ids[4] {
			t.Errorf("expected newest first, got %s", emails[0].ID)
		}

		rest, err := s.ListEmails(ctx, mb.ID, store.ListOptions{Limit: 10, Offset: 2})
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(rest) != 3 {
			t.Errorf("expected 3 remaining, got %d", len(rest))
		}

		past, err := s.ListEmails(ctx, mb.ID, store.ListOptions{Offset: 99})
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(past) != 0 {
			t.Errorf("expected empty page past the end, got %d", len(past))
		}
	})

	t.Run("count is per owning user", func(t *testing.T) {
		other := seedMailbox(t, s, "u2", "other@example.com", false)
		seedEmail(t, s, other.ID, now)

		n, err := s.CountEmails(ctx, "u1")
		if err != nil {
			t.Fatalf("count failed: %v", err)
		}
		if n != 5 {
			t.Errorf("expected 5 emails for u1, got %d", n)
		}
	})

	t.Run("owned lookup masks foreign rows", func(t *testing.T) {
		if _, err := s.GetEmailOwned(ctx, ids[0], "u1"); err != nil {
			t.Errorf("owner lookup failed: %v", err)
		}
		_, err := s.GetEmailOwned(ctx, ids[0], "u2")
		if !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound for foreign owner, got %v", err)
		}
	})

	t.Run("delete removes email and metadata", func(t *testing.T) {
		if err := s.DeleteEmail(ctx, ids[0]); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		if _, err := s.GetEmail(ctx, ids[0]); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := s.GetEmailMetadata(ctx, ids[0]); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected metadata gone, got %v", err)
		}
	})
}

func TestUpdateEmailParsed(t *testing.T) {
	ctx := context.Background()
	s := newConnected(t)

	mb := seedMailbox(t, s, "u1", "parse@example.com", false)
	e := seedEmail(t, s, mb.ID, time.Now().UTC())

	parsed := *e
	parsed.MessageID = "msg-1@elsewhere.org"
	parsed.Subject = "parsed subject"
	parsed.To = []string{"one@example.com", "two@example.com"}
	parsed.TextBody = "text"
	parsed.HTMLBody = "<p>text</p>"

	if err := s.UpdateEmailParsed(ctx, &parsed); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got, err := s.GetEmail(ctx, e.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Subject != "parsed subject" {
		t.Errorf("expected subject updated, got %q", got.Subject)
	}
	if got.MessageID != "msg-1@elsewhere.org" {
		t.Errorf("expected message id updated, got %q", got.MessageID)
	}
	if len(got.To) != 2 {
		t.Errorf("expected To replaced, got %v", got.To)
	}
	// The original blob path and size survive the backfill.
	if got.BlobPath != e.BlobPath || got.Size != e.Size {
		t.Error("expected blob path and size untouched")
	}

	t.Run("unknown email", func(t *testing.T) {
		missing := parsed
		missing.ID = "nope"
		if err := s.UpdateEmailParsed(ctx, &missing); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestUpdateEmailMetadata(t *testing.T) {
	ctx := context.Background()
	s := newConnected(t)

	mb := seedMailbox(t, s, "u1", "meta@example.com", false)
	e := seedEmail(t, s, mb.ID, time.Now().UTC())

	meta := &store.EmailMetadata{
		EmailID: e.ID,
		Headers: map[string]string{"Subject": "hello"},
		Attachments: []store.Attachment{
			{Filename: "a.txt", ContentType: "text/plain", Size: 3, BlobPath: "attachments/u1/x/a.txt"},
		},
	}
	if err := s.UpdateEmailMetadata(ctx, meta); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got, err := s.GetEmailMetadata(ctx, e.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Headers["Subject"] != "hello" {
		t.Errorf("expected headers stored, got %v", got.Headers)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].Filename != "a.txt" {
		t.Errorf("expected attachment stored, got %v", got.Attachments)
	}

	t.Run("unknown email", func(t *testing.T) {
		err := s.UpdateEmailMetadata(ctx, &store.EmailMetadata{EmailID: "nope"})
		if !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}
