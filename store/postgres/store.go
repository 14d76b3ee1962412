// Package postgres provides a PostgreSQL implementation of store.Store.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/mailvault/mailvault/store"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL.
type Store struct {
	db        *sqlx.DB
	opts      *options
	connected int32
	logger    *slog.Logger
}

// New creates a new PostgreSQL store with the provided database connection.
// Call Connect() to initialize the schema and indexes.
func New(db *sqlx.DB, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		db:     db,
		opts:   o,
		logger: o.logger,
	}
}

// NewFromDB creates a new PostgreSQL store from a standard sql.DB connection.
// This wraps the sql.DB with sqlx for enhanced functionality.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	return New(sqlx.NewDb(db, "postgres"), opts...)
}

// Connect initializes the schema and indexes.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}

	if s.db == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres: db is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres ping: %w", err)
	}

	if err := s.ensureSchema(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure schema: %w", err)
	}

	s.logger.Info("connected to PostgreSQL", "prefix", s.opts.prefix)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the database connection.
func (s *Store) Close(ctx context.Context) error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return nil
	}
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

// Table names derived from the configured prefix.
func (s *Store) usersTable() string     { return s.opts.prefix + "users" }
func (s *Store) mailboxesTable() string { return s.opts.prefix + "mailboxes" }
func (s *Store) emailsTable() string    { return s.opts.prefix + "emails" }
func (s *Store) metadataTable() string  { return s.opts.prefix + "email_metadata" }

// ensureSchema creates the required tables and indexes.
func (s *Store) ensureSchema(ctx context.Context) error {
	tables := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
				email VARCHAR(255) NOT NULL UNIQUE,
				password_hash TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`, s.usersTable()),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
				user_id UUID NOT NULL,
				address VARCHAR(255) NOT NULL UNIQUE,
				is_alias BOOLEAN NOT NULL DEFAULT FALSE,
				is_temp BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`, s.mailboxesTable()),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
				mailbox_id UUID NOT NULL,
				message_id TEXT NOT NULL DEFAULT '',
				from_address VARCHAR(255) NOT NULL,
				to_addresses JSONB NOT NULL DEFAULT '[]',
				cc_addresses JSONB NOT NULL DEFAULT '[]',
				bcc_addresses JSONB NOT NULL DEFAULT '[]',
				subject TEXT NOT NULL DEFAULT '',
				text_body TEXT NOT NULL DEFAULT '',
				html_body TEXT NOT NULL DEFAULT '',
				blob_path TEXT NOT NULL UNIQUE,
				size BIGINT NOT NULL DEFAULT 0,
				received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`, s.emailsTable()),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
				email_id UUID NOT NULL UNIQUE,
				headers JSONB NOT NULL DEFAULT '{}',
				attachments JSONB NOT NULL DEFAULT '[]'
			)
		`, s.metadataTable()),
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_user ON %s(user_id)`, s.mailboxesTable(), s.mailboxesTable()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_temp_created ON %s(created_at) WHERE is_temp = true`, s.mailboxesTable(), s.mailboxesTable()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_mailbox ON %s(mailbox_id, received_at DESC)`, s.emailsTable(), s.emailsTable()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_message_id ON %s(message_id)`, s.emailsTable(), s.emailsTable()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_email ON %s(email_id)`, s.metadataTable(), s.metadataTable()),
	}

	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			s.logger.Warn("failed to create index", "error", err, "sql", idx)
		}
	}

	return nil
}

// checkConnected returns error if not connected.
func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
