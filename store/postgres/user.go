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

func (s *Store) CreateUser(ctx context.Context, u *store.User) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if u == nil || u.Email == "" {
		return store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	query := fmt.Sprintf(`
		INSERT INTO %s (id, email, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, s.usersTable())

	if _, err := s.db.ExecContext(ctx, query, u.ID, u.Email, u.PasswordHash, u.CreatedAt, u.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateEmail
		}
		return fmt.Errorf("insert user: %w", err)
	}

	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*store.User, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, email, password_hash, created_at, updated_at
		FROM %s WHERE id = $1
	`, s.usersTable())

	var u store.User
	if err := s.db.GetContext(ctx, &u, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*store.User, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if email == "" {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, email, password_hash, created_at, updated_at
		FROM %s WHERE email = $1
	`, s.usersTable())

	var u store.User
	if err := s.db.GetContext(ctx, &u, query, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}

	return &u, nil
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if _, err := uuid.Parse(id); err != nil {
		return store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.usersTable())
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
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
