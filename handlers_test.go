package mailvault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mailvault/mailvault/queue"
)

// multipartFixture builds a multipart message with a plain body, an HTML
// body and a CSV attachment.
func multipartFixture(t *testing.T) []byte {
	t.Helper()
	return []byte(strings.Join([]string{
		"From: Alice Author <alice@elsewhere.org>",
		"To: Bob Builder <bob@example.com>, carol@example.com",
		"Cc: dave@elsewhere.org",
		"Subject: Quarterly report",
		"Message-Id: <report-123@elsewhere.org>",
		"Date: Mon, 02 Jan 2006 15:04:05 -0700",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="mixed-b"`,
		"",
		"--mixed-b",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Numbers attached.",
		"--mixed-b",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>Numbers attached.</p>",
		"--mixed-b",
		"Content-Type: text/csv",
		`Content-Disposition: attachment; filename="report.csv"`,
		"",
		"q1,q2",
		"10,20",
		"--mixed-b--",
		"",
	}, "\r\n"))
}

// attachmentFixture builds a multipart message with a plain body and one
// CSV attachment per filename, in order.
func attachmentFixture(t *testing.T, filenames ...string) []byte {
	t.Helper()
	lines := []string{
		"From: alice@elsewhere.org",
		"To: bob@example.com",
		"Subject: attachments",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="mixed-b"`,
		"",
		"--mixed-b",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"See attached.",
	}
	for i, name := range filenames {
		lines = append(lines,
			"--mixed-b",
			"Content-Type: text/csv",
			`Content-Disposition: attachment; filename="`+name+`"`,
			"",
			"col", "row-"+string(rune('a'+i)),
		)
	}
	lines = append(lines, "--mixed-b--", "")
	return []byte(strings.Join(lines, "\r\n"))
}

func storeFixtureEmail(t *testing.T, env *testEnv, address string, raw []byte) (userID, emailID string, job *queue.Job) {
	t.Helper()
	ctx := context.Background()

	u, _ := createUserMailbox(t, env, address+".login", address, false)

	emailID, err := env.svc.StoreInbound(ctx, InboundEmail{
		From: "envelope@elsewhere.org",
		To:   address,
		Raw:  raw,
	})
	if err != nil {
		t.Fatalf("store inbound failed: %v", err)
	}

	job, err = env.queue.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	return u.ID, emailID, job
}

func TestHandleProcessEmail(t *testing.T) {
	ctx := context.Background()

	t.Run("backfills parsed fields", func(t *testing.T) {
		env := setupTestService(t)
		userID, emailID, job := storeFixtureEmail(t, env, "parse@example.com", multipartFixture(t))

		if err := env.svc.handleProcessEmail(ctx, job); err != nil {
			t.Fatalf("process failed: %v", err)
		}

		e, meta, err := env.svc.Client(userID).Email(ctx, emailID)
		if err != nil {
			t.Fatalf("email failed: %v", err)
		}

		if e.Subject != "Quarterly report" {
			t.Errorf("expected subject backfilled, got %q", e.Subject)
		}
		if e.MessageID != "report-123@elsewhere.org" {
			t.Errorf("unexpected message id: %q", e.MessageID)
		}
		if e.From != "alice@elsewhere.org" {
			t.Errorf("expected header From to win, got %q", e.From)
		}
		if len(e.To) != 2 || e.To[0] != "bob@example.com" || e.To[1] != "carol@example.com" {
			t.Errorf("unexpected To list: %v", e.To)
		}
		if len(e.CC) != 1 || e.CC[0] != "dave@elsewhere.org" {
			t.Errorf("unexpected Cc list: %v", e.CC)
		}
		if e.TextBody != "Numbers attached." {
			t.Errorf("unexpected text body: %q", e.TextBody)
		}
		if e.HTMLBody != "<p>Numbers attached.</p>" {
			t.Errorf("unexpected html body: %q", e.HTMLBody)
		}

		if meta.Headers["Subject"] != "Quarterly report" {
			t.Errorf("expected headers captured, got %v", meta.Headers)
		}
		if len(meta.Attachments) != 1 {
			t.Fatalf("expected 1 attachment, got %d", len(meta.Attachments))
		}
		a := meta.Attachments[0]
		if a.Filename != "report.csv" {
			t.Errorf("unexpected attachment filename: %q", a.Filename)
		}
		if a.ContentType != "text/csv" {
			t.Errorf("unexpected attachment content type: %q", a.ContentType)
		}
		if !env.blobs.Has(a.BlobPath) {
			t.Error("expected attachment blob uploaded")
		}
	})

	t.Run("processing is idempotent", func(t *testing.T) {
		env := setupTestService(t)
		userID, emailID, job := storeFixtureEmail(t, env, "twice@example.com", multipartFixture(t))

		if err := env.svc.handleProcessEmail(ctx, job); err != nil {
			t.Fatalf("first run failed: %v", err)
		}
		if err := env.svc.handleProcessEmail(ctx, job); err != nil {
			t.Fatalf("second run failed: %v", err)
		}

		_, meta, err := env.svc.Client(userID).Email(ctx, emailID)
		if err != nil {
			t.Fatalf("email failed: %v", err)
		}
		if len(meta.Attachments) != 1 {
			t.Errorf("expected attachments not duplicated, got %d", len(meta.Attachments))
		}
	})

	t.Run("deleted email is done work", func(t *testing.T) {
		env := setupTestService(t)
		userID, emailID, job := storeFixtureEmail(t, env, "gone@example.com", multipartFixture(t))

		if err := env.svc.Client(userID).DeleteEmail(ctx, emailID); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		if err := env.svc.handleProcessEmail(ctx, job); err != nil {
			t.Errorf("expected nil for deleted email, got %v", err)
		}
	})

	t.Run("missing blob is non-retryable", func(t *testing.T) {
		env := setupTestService(t)
		userID, emailID, job := storeFixtureEmail(t, env, "noblob@example.com", multipartFixture(t))

		e, _, err := env.svc.Client(userID).Email(ctx, emailID)
		if err != nil {
			t.Fatalf("email failed: %v", err)
		}
		if err := env.blobs.Delete(ctx, e.BlobPath); err != nil {
			t.Fatalf("blob delete failed: %v", err)
		}

		err = env.svc.handleProcessEmail(ctx, job)
		if err == nil {
			t.Fatal("expected error for missing blob")
		}
		if queue.IsRetryable(err) {
			t.Error("expected non-retryable error")
		}
		if !errors.Is(err, ErrStorageInconsistency) {
			t.Errorf("expected ErrStorageInconsistency, got %v", err)
		}
	})

	t.Run("malformed payload is non-retryable", func(t *testing.T) {
		env := setupTestService(t)
		err := env.svc.handleProcessEmail(ctx, &queue.Job{
			Type:    queue.TypeProcessEmail,
			Payload: json.RawMessage(`{broken`),
		})
		if err == nil {
			t.Fatal("expected error for malformed payload")
		}
		if queue.IsRetryable(err) {
			t.Error("expected non-retryable error")
		}
	})

	t.Run("attachment filename cannot escape its namespace", func(t *testing.T) {
		env := setupTestService(t)
		raw := attachmentFixture(t, "../../2026/01/02/victim.eml")
		userID, emailID, job := storeFixtureEmail(t, env, "hostile@example.com", raw)

		if err := env.svc.handleProcessEmail(ctx, job); err != nil {
			t.Fatalf("process failed: %v", err)
		}

		_, meta, err := env.svc.Client(userID).Email(ctx, emailID)
		if err != nil {
			t.Fatalf("email failed: %v", err)
		}
		if len(meta.Attachments) != 1 {
			t.Fatalf("expected 1 attachment, got %d", len(meta.Attachments))
		}
		a := meta.Attachments[0]
		prefix := userID + "/attachments/" + emailID + "/"
		if !strings.HasPrefix(a.BlobPath, prefix) {
			t.Errorf("attachment key %q escaped namespace %q", a.BlobPath, prefix)
		}
		if a.Filename != "victim.eml" {
			t.Errorf("expected directory components stripped, got %q", a.Filename)
		}

		// The raw message blob is untouched and still round trips.
		got, err := env.svc.Client(userID).EmailRaw(ctx, emailID)
		if err != nil {
			t.Fatalf("email raw failed: %v", err)
		}
		if !bytes.Equal(got, raw) {
			t.Error("raw message no longer round trips after processing")
		}
	})

	t.Run("duplicate attachment filenames get distinct blobs", func(t *testing.T) {
		env := setupTestService(t)
		raw := attachmentFixture(t, "report.csv", "report.csv", "report.csv")
		userID, emailID, job := storeFixtureEmail(t, env, "dupes@example.com", raw)

		if err := env.svc.handleProcessEmail(ctx, job); err != nil {
			t.Fatalf("process failed: %v", err)
		}

		_, meta, err := env.svc.Client(userID).Email(ctx, emailID)
		if err != nil {
			t.Fatalf("email failed: %v", err)
		}
		if len(meta.Attachments) != 3 {
			t.Fatalf("expected 3 attachments, got %d", len(meta.Attachments))
		}
		names := make(map[string]bool)
		paths := make(map[string]bool)
		for _, a := range meta.Attachments {
			names[a.Filename] = true
			paths[a.BlobPath] = true
			if !env.blobs.Has(a.BlobPath) {
				t.Errorf("expected blob at %q", a.BlobPath)
			}
		}
		if len(names) != 3 || len(paths) != 3 {
			t.Errorf("expected distinct filenames and keys, got %v", meta.Attachments)
		}
		for _, want := range []string{"report.csv", "report-2.csv", "report-3.csv"} {
			if !names[want] {
				t.Errorf("expected filename %q, got %v", want, names)
			}
		}
	})

	t.Run("simple message without mime parts", func(t *testing.T) {
		env := setupTestService(t)
		raw := []byte(strings.Join([]string{
			"From: alice@elsewhere.org",
			"To: simple@example.com",
			"Subject: plain",
			"Content-Type: text/plain; charset=utf-8",
			"",
			"just a body",
			"",
		}, "\r\n"))
		userID, emailID, job := storeFixtureEmail(t, env, "simple@example.com", raw)

		if err := env.svc.handleProcessEmail(ctx, job); err != nil {
			t.Fatalf("process failed: %v", err)
		}
		e, _, err := env.svc.Client(userID).Email(ctx, emailID)
		if err != nil {
			t.Fatalf("email failed: %v", err)
		}
		if e.Subject != "plain" {
			t.Errorf("unexpected subject: %q", e.Subject)
		}
		if !strings.Contains(e.TextBody, "just a body") {
			t.Errorf("unexpected text body: %q", e.TextBody)
		}
	})
}

// recordingSender captures outbound sends.
type recordingSender struct {
	from string
	to   []string
	raw  []byte
}

func (s *recordingSender) Send(_ context.Context, from string, to []string, raw []byte) error {
	s.from = from
	s.to = append([]string(nil), to...)
	s.raw = append([]byte(nil), raw...)
	return nil
}

func TestHandleSendEmail(t *testing.T) {
	ctx := context.Background()

	newSendJob := func(t *testing.T) *queue.Job {
		t.Helper()
		job, err := queue.NewJob(queue.TypeSendEmail, &queue.SendEmailPayload{
			From:    "noreply@example.com",
			To:      []string{"dest@elsewhere.org"},
			Subject: "hello",
			Body:    "body text",
		})
		if err != nil {
			t.Fatalf("new job failed: %v", err)
		}
		return job
	}

	t.Run("delivers through the sender", func(t *testing.T) {
		sender := &recordingSender{}
		env := setupTestService(t, WithSender(sender))

		if err := env.svc.handleSendEmail(ctx, newSendJob(t)); err != nil {
			t.Fatalf("send failed: %v", err)
		}
		if sender.from != "noreply@example.com" {
			t.Errorf("unexpected from: %q", sender.from)
		}
		if len(sender.to) != 1 || sender.to[0] != "dest@elsewhere.org" {
			t.Errorf("unexpected to: %v", sender.to)
		}
		if !strings.Contains(string(sender.raw), "Subject: hello") {
			t.Errorf("rendered message missing subject: %q", sender.raw)
		}
		if !strings.Contains(string(sender.raw), "body text") {
			t.Errorf("rendered message missing body: %q", sender.raw)
		}
	})

	t.Run("without a sender is non-retryable", func(t *testing.T) {
		env := setupTestService(t)

		err := env.svc.handleSendEmail(ctx, newSendJob(t))
		if !errors.Is(err, ErrSenderRequired) {
			t.Errorf("expected ErrSenderRequired, got %v", err)
		}
		if queue.IsRetryable(err) {
			t.Error("expected non-retryable error")
		}
	})
}

func TestHandleCleanupTemp(t *testing.T) {
	ctx := context.Background()

	t.Run("purges mailbox and contents", func(t *testing.T) {
		env := setupTestService(t)
		u, mb := createUserMailbox(t, env, "tmp@login.test", "tmp@example.com", true)

		if _, err := env.svc.StoreInbound(ctx, InboundEmail{
			From: "a@b.org", To: "tmp@example.com", Raw: []byte("Subject: x\r\n\r\nhi"),
		}); err != nil {
			t.Fatalf("store inbound failed: %v", err)
		}

		job, err := queue.NewJob(queue.TypeCleanupTemp, &queue.CleanupTempPayload{MailboxID: mb.ID})
		if err != nil {
			t.Fatalf("new job failed: %v", err)
		}
		if err := env.svc.handleCleanupTemp(ctx, job); err != nil {
			t.Fatalf("cleanup failed: %v", err)
		}

		if _, err := env.svc.Client(u.ID).Mailbox(ctx, mb.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected mailbox gone, got %v", err)
		}
		if env.blobs.Len() != 0 {
			t.Errorf("expected blobs purged, got %d left", env.blobs.Len())
		}

		// A second run of the same job succeeds on the missing mailbox.
		if err := env.svc.handleCleanupTemp(ctx, job); err != nil {
			t.Errorf("expected idempotent cleanup, got %v", err)
		}
	})
}
