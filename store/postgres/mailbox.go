package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mailvault/mailvault/store"
)

func (s *Store) CreateMailbox(ctx context.Context, m *store.Mailbox) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if m == nil || m.Address == "" {
		return store.ErrInvalidID
	}
	if _, err := uuid.Parse(m.UserID); err != nil {
		return store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	// The unique index on address arbitrates racing creates: exactly one
	// insert wins, the other observes ErrDuplicateAddress.
	query := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, address, is_alias, is_temp, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, s.mailboxesTable())

	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.UserID, m.Address, m.IsAlias, m.IsTemp, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateAddress
		}
		return fmt.Errorf("insert mailbox: %w", err)
	}

	return nil
}

func (s *Store) GetMailbox(ctx context.Context, id string) (*store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, user_id, address, is_alias, is_temp, created_at, updated_at
		FROM %s WHERE id = $1
	`, s.mailboxesTable())

	var m store.Mailbox
	if err := s.db.GetContext(ctx, &m, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get mailbox: %w", err)
	}

	return &m, nil
}

func (s *Store) GetMailboxOwned(ctx context.Context, id, userID string) (*store.Mailbox, error) {
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

	// Ownership is part of the predicate. A foreign mailbox and a missing
	// mailbox produce the same ErrNotFound.
	query := fmt.Sprintf(`
		SELECT id, user_id, address, is_alias, is_temp, created_at, updated_at
		FROM %s WHERE id = $1 AND user_id = $2
	`, s.mailboxesTable())

	var m store.Mailbox
	if err := s.db.GetContext(ctx, &m, query, id, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get mailbox owned: %w", err)
	}

	return &m, nil
}

func (s *Store) GetMailboxByAddress(ctx context.Context, address string) (*store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if address == "" {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, user_id, address, is_alias, is_temp, created_at, updated_at
		FROM %s WHERE address = $1
	`, s.mailboxesTable())

	var m store.Mailbox
	if err := s.db.GetContext(ctx, &m, query, address); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get mailbox by address: %w", err)
	}

	return &m, nil
}

func (s *Store) ListMailboxes(ctx context.Context, userID string) ([]store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(userID); err != nil {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, user_id, address, is_alias, is_temp, created_at, updated_at
		FROM %s WHERE user_id = $1
		ORDER BY created_at ASC
	`, s.mailboxesTable())

	var boxes []store.Mailbox
	if err := s.db.SelectContext(ctx, &boxes, query, userID); err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}

	return boxes, nil
}

func (s *Store) DeleteMailbox(ctx context.Context, id string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if _, err := uuid.Parse(id); err != nil {
		return store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.mailboxesTable())
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete mailbox: %w", err)
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

func (s *Store) ListExpiredTempMailboxes(ctx context.Context, cutoff time.Time, limit int) ([]store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, user_id, address, is_alias, is_temp, created_at, updated_at
		FROM %s
		WHERE is_temp = true AND created_at <= $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, s.mailboxesTable())

	var boxes []store.Mailbox
	if err := s.db.SelectContext(ctx, &boxes, query, cutoff, limit); err != nil {
		return nil, fmt.Errorf("list expired temp mailboxes: %w", err)
	}

	return boxes, nil
}
