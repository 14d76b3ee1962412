package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mailvault/mailvault/store"
)

// emailRow mirrors store.Email with JSONB columns as raw bytes.
type emailRow struct {
	ID         string    `db:"id"`
	MailboxID  string    `db:"mailbox_id"`
	MessageID  string    `db:"message_id"`
	From       string    `db:"from_address"`
	To         []byte    `db:"to_addresses"`
	CC         []byte    `db:"cc_addresses"`
	BCC        []byte    `db:"bcc_addresses"`
	Subject    string    `db:"subject"`
	TextBody   string    `db:"text_body"`
	HTMLBody   string    `db:"html_body"`
	BlobPath   string    `db:"blob_path"`
	Size       int64     `db:"size"`
	ReceivedAt time.Time `db:"received_at"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r *emailRow) toEmail() (*store.Email, error) {
	e := &store.Email{
		ID:         r.ID,
		MailboxID:  r.MailboxID,
		MessageID:  r.MessageID,
		From:       r.From,
		Subject:    r.Subject,
		TextBody:   r.TextBody,
		HTMLBody:   r.HTMLBody,
		BlobPath:   r.BlobPath,
		Size:       r.Size,
		ReceivedAt: r.ReceivedAt,
		CreatedAt:  r.CreatedAt,
	}
	for _, pair := range []struct {
		raw []byte
		dst *[]string
	}{
		{r.To, &e.To},
		{r.CC, &e.CC},
		{r.BCC, &e.BCC},
	} {
		if len(pair.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(pair.raw, pair.dst); err != nil {
			return nil, fmt.Errorf("unmarshal addresses: %w", err)
		}
	}
	return e, nil
}

func marshalAddresses(addrs []string) ([]byte, error) {
	if addrs == nil {
		addrs = []string{}
	}
	return json.Marshal(addrs)
}

const emailColumns = `id, mailbox_id, message_id, from_address, to_addresses,
	       cc_addresses, bcc_addresses, subject, text_body, html_body,
	       blob_path, size, received_at, created_at`

func (s *Store) CreateEmail(ctx context.Context, e *store.Email, meta *store.EmailMetadata) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if e == nil || meta == nil {
		return store.ErrInvalidID
	}
	if _, err := uuid.Parse(e.MailboxID); err != nil {
		return store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if meta.ID == "" {
		meta.ID = uuid.New().String()
	}
	meta.EmailID = e.ID

	now := time.Now().UTC()
	e.CreatedAt = now
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = now
	}

	toJSON, err := marshalAddresses(e.To)
	if err != nil {
		return fmt.Errorf("marshal to: %w", err)
	}
	ccJSON, err := marshalAddresses(e.CC)
	if err != nil {
		return fmt.Errorf("marshal cc: %w", err)
	}
	bccJSON, err := marshalAddresses(e.BCC)
	if err != nil {
		return fmt.Errorf("marshal bcc: %w", err)
	}
	headersJSON, attachmentsJSON, err := marshalMetadata(meta)
	if err != nil {
		return err
	}

	// Email and metadata rows commit together or not at all.
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", store.ErrTransactionFailed, err)
	}
	defer tx.Rollback()

	insertEmail := fmt.Sprintf(`
		INSERT INTO %s (id, mailbox_id, message_id, from_address, to_addresses,
		                cc_addresses, bcc_addresses, subject, text_body, html_body,
		                blob_path, size, received_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, s.emailsTable())

	if _, err := tx.ExecContext(ctx, insertEmail,
		e.ID, e.MailboxID, e.MessageID, e.From, toJSON, ccJSON, bccJSON,
		e.Subject, e.TextBody, e.HTMLBody, e.BlobPath, e.Size,
		e.ReceivedAt, e.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert email: %w", err)
	}

	insertMeta := fmt.Sprintf(`
		INSERT INTO %s (id, email_id, headers, attachments)
		VALUES ($1, $2, $3, $4)
	`, s.metadataTable())

	if _, err := tx.ExecContext(ctx, insertMeta,
		meta.ID, meta.EmailID, headersJSON, attachmentsJSON,
	); err != nil {
		return fmt.Errorf("insert email metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", store.ErrTransactionFailed, err)
	}

	return nil
}

func (s *Store) GetEmail(ctx context.Context, id string) (*store.Email, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, emailColumns, s.emailsTable())

	var row emailRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get email: %w", err)
	}

	return row.toEmail()
}

func (s *Store) GetEmailOwned(ctx context.Context, id, userID string) (*store.Email, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrInvalidID
	}
	if _, err := uuid.Parse(userID); err != nil {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	// The join walks the ownership chain email -> mailbox -> user. A row
	// owned by someone else falls out of the predicate and reads as missing.
	query := fmt.Sprintf(`
		SELECT e.id, e.mailbox_id, e.message_id, e.from_address, e.to_addresses,
		       e.cc_addresses, e.bcc_addresses, e.subject, e.text_body, e.html_body,
		       e.blob_path, e.size, e.received_at, e.created_at
		FROM %s e
		JOIN %s m ON m.id = e.mailbox_id
		WHERE e.id = $1 AND m.user_id = $2
	`, s.emailsTable(), s.mailboxesTable())

	var row emailRow
	if err := s.db.GetContext(ctx, &row, query, id, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get email owned: %w", err)
	}

	return row.toEmail()
}

func (s *Store) GetEmailMetadata(ctx context.Context, emailID string) (*store.EmailMetadata, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(emailID); err != nil {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, email_id, headers, attachments
		FROM %s WHERE email_id = $1
	`, s.metadataTable())

	var row struct {
		ID          string `db:"id"`
		EmailID     string `db:"email_id"`
		Headers     []byte `db:"headers"`
		Attachments []byte `db:"attachments"`
	}
	if err := s.db.GetContext(ctx, &row, query, emailID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get email metadata: %w", err)
	}

	meta := &store.EmailMetadata{ID: row.ID, EmailID: row.EmailID}
	if len(row.Headers) > 0 {
		if err := json.Unmarshal(row.Headers, &meta.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	if len(row.Attachments) > 0 {
		if err := json.Unmarshal(row.Attachments, &meta.Attachments); err != nil {
			return nil, fmt.Errorf("unmarshal attachments: %w", err)
		}
	}

	return meta, nil
}

func (s *Store) UpdateEmailMetadata(ctx context.Context, meta *store.EmailMetadata) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if meta == nil {
		return store.ErrInvalidID
	}
	if _, err := uuid.Parse(meta.EmailID); err != nil {
		return store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	headersJSON, attachmentsJSON, err := marshalMetadata(meta)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE %s SET headers = $1, attachments = $2 WHERE email_id = $3
	`, s.metadataTable())

	result, err := s.db.ExecContext(ctx, query, headersJSON, attachmentsJSON, meta.EmailID)
	if err != nil {
		return fmt.Errorf("update email metadata: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return store.ErrNotFound
	}

	return nil
}

func (s *Store) UpdateEmailParsed(ctx context.Context, e *store.Email) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if e == nil {
		return store.ErrInvalidID
	}
	if _, err := uuid.Parse(e.ID); err != nil {
		return store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	toJSON, err := marshalAddresses(e.To)
	if err != nil {
		return fmt.Errorf("marshal to: %w", err)
	}
	ccJSON, err := marshalAddresses(e.CC)
	if err != nil {
		return fmt.Errorf("marshal cc: %w", err)
	}
	bccJSON, err := marshalAddresses(e.BCC)
	if err != nil {
		return fmt.Errorf("marshal bcc: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET message_id = $1, from_address = $2, to_addresses = $3,
		    cc_addresses = $4, bcc_addresses = $5, subject = $6,
		    text_body = $7, html_body = $8
		WHERE id = $9
	`, s.emailsTable())

	result, err := s.db.ExecContext(ctx, query,
		e.MessageID, e.From, toJSON, ccJSON, bccJSON,
		e.Subject, e.TextBody, e.HTMLBody, e.ID,
	)
	if err != nil {
		return fmt.Errorf("update email parsed: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return store.ErrNotFound
	}

	return nil
}

func (s *Store) ListEmails(ctx context.Context, mailboxID string, opts store.ListOptions) ([]store.Email, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(mailboxID); err != nil {
		return nil, store.ErrInvalidID
	}
	if opts.Limit <= 0 {
		opts.Limit = 20
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE mailbox_id = $1
		ORDER BY received_at DESC, id
		LIMIT $2 OFFSET $3
	`, emailColumns, s.emailsTable())

	var rows []emailRow
	if err := s.db.SelectContext(ctx, &rows, query, mailboxID, opts.Limit, opts.Offset); err != nil {
		return nil, fmt.Errorf("list emails: %w", err)
	}

	emails := make([]store.Email, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toEmail()
		if err != nil {
			return nil, err
		}
		emails = append(emails, *e)
	}

	return emails, nil
}

func (s *Store) CountEmails(ctx context.Context, userID string) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	if _, err := uuid.Parse(userID); err != nil {
		return 0, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT COUNT(*)
		FROM %s e
		JOIN %s m ON m.id = e.mailbox_id
		WHERE m.user_id = $1
	`, s.emailsTable(), s.mailboxesTable())

	var total int64
	if err := s.db.QueryRowContext(ctx, query, userID).Scan(&total); err != nil {
		return 0, fmt.Errorf("count emails: %w", err)
	}

	return total, nil
}

func (s *Store) DeleteEmail(ctx context.Context, id string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if _, err := uuid.Parse(id); err != nil {
		return store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", store.ErrTransactionFailed, err)
	}
	defer tx.Rollback()

	deleteMeta := fmt.Sprintf(`DELETE FROM %s WHERE email_id = $1`, s.metadataTable())
	if _, err := tx.ExecContext(ctx, deleteMeta, id); err != nil {
		return fmt.Errorf("delete email metadata: %w", err)
	}

	deleteEmail := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.emailsTable())
	result, err := tx.ExecContext(ctx, deleteEmail, id)
	if err != nil {
		return fmt.Errorf("delete email: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return store.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", store.ErrTransactionFailed, err)
	}

	return nil
}

func marshalMetadata(meta *store.EmailMetadata) (headers, attachments []byte, err error) {
	h := meta.Headers
	if h == nil {
		h = map[string]string{}
	}
	headers, err = json.Marshal(h)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal headers: %w", err)
	}

	a := meta.Attachments
	if a == nil {
		a = []store.Attachment{}
	}
	attachments, err = json.Marshal(a)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal attachments: %w", err)
	}

	return headers, attachments, nil
}
