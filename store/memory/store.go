// Package memory provides an in-memory Store implementation for testing.
// This store is not suitable for production use - data is not persisted.
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mailvault/mailvault/store"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// Store implements store.Store with in-memory storage.
// Thread-safe for concurrent use. Not suitable for production.
type Store struct {
	mu        sync.RWMutex
	users     map[string]*store.User          // id -> user
	mailboxes map[string]*store.Mailbox       // id -> mailbox
	emails    map[string]*store.Email         // id -> email
	metadata  map[string]*store.EmailMetadata // emailID -> metadata
	connected int32
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		users:     make(map[string]*store.User),
		mailboxes: make(map[string]*store.Mailbox),
		emails:    make(map[string]*store.Email),
		metadata:  make(map[string]*store.EmailMetadata),
	}
}

// Connect marks the store as connected.
func (s *Store) Connect(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	return nil
}

// Close marks the store as disconnected.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

// Clone helpers. The store never hands out its internal pointers.

func cloneUser(u *store.User) *store.User {
	c := *u
	return &c
}

func cloneMailbox(m *store.Mailbox) *store.Mailbox {
	c := *m
	return &c
}

func cloneEmail(e *store.Email) *store.Email {
	c := *e
	c.To = append([]string(nil), e.To...)
	c.CC = append([]string(nil), e.CC...)
	c.BCC = append([]string(nil), e.BCC...)
	return &c
}

func cloneMetadata(m *store.EmailMetadata) *store.EmailMetadata {
	c := *m
	if m.Headers != nil {
		c.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			c.Headers[k] = v
		}
	}
	c.Attachments = append([]store.Attachment(nil), m.Attachments...)
	return &c
}

// =============================================================================
// User Operations
// =============================================================================

func (s *Store) CreateUser(_ context.Context, u *store.User) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if u == nil || u.Email == "" {
		return store.ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if existing.Email == u.Email {
			return store.ErrDuplicateEmail
		}
	}

	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	s.users[u.ID] = cloneUser(u)
	return nil
}

func (s *Store) GetUser(_ context.Context, id string) (*store.User, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, store.ErrInvalidID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*store.User, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if email == "" {
		return nil, store.ErrInvalidID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Email == email {
			return cloneUser(u), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) DeleteUser(_ context.Context, id string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if id == "" {
		return store.ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.users, id)
	return nil
}

// =============================================================================
// Mailbox Operations
// =============================================================================

func (s *Store) CreateMailbox(_ context.Context, m *store.Mailbox) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if m == nil || m.Address == "" || m.UserID == "" {
		return store.ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Uniqueness check happens under the same lock as the insert, mirroring
	// the database's insert-time arbitration.
	for _, existing := range s.mailboxes {
		if existing.Address == m.Address {
			return store.ErrDuplicateAddress
		}
	}

	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	s.mailboxes[m.ID] = cloneMailbox(m)
	return nil
}

func (s *Store) GetMailbox(_ context.Context, id string) (*store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, store.ErrInvalidID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.mailboxes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneMailbox(m), nil
}

func (s *Store) GetMailboxOwned(_ context.Context, id, userID string) (*store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if id == "" || userID == "" {
		return nil, store.ErrInvalidID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.mailboxes[id]
	if !ok || m.UserID != userID {
		// Foreign and missing are indistinguishable.
		return nil, store.ErrNotFound
	}
	return cloneMailbox(m), nil
}

func (s *Store) GetMailboxByAddress(_ context.Context, address string) (*store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if address == "" {
		return nil, store.ErrInvalidID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.mailboxes {
		if m.Address == address {
			return cloneMailbox(m), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListMailboxes(_ context.Context, userID string) ([]store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, store.ErrInvalidID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var boxes []store.Mailbox
	for _, m := range s.mailboxes {
		if m.UserID == userID {
			boxes = append(boxes, *cloneMailbox(m))
		}
	}
	sort.Slice(boxes, func(i, j int) bool {
		return boxes[i].CreatedAt.Before(boxes[j].CreatedAt)
	})
	return boxes, nil
}

func (s *Store) DeleteMailbox(_ context.Context, id string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if id == "" {
		return store.ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.mailboxes[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.mailboxes, id)
	return nil
}

func (s *Store) ListExpiredTempMailboxes(_ context.Context, cutoff time.Time, limit int) ([]store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// A mailbox created exactly at the cutoff counts as expired. The ID
	// tie-break keeps the listing stable for equal timestamps, which the
	// reaper's prefix-skip paging relies on.
	var boxes []store.Mailbox
	for _, m := range s.mailboxes {
		if m.IsTemp && !m.CreatedAt.After(cutoff) {
			boxes = append(boxes, *cloneMailbox(m))
		}
	}
	sort.Slice(boxes, func(i, j int) bool {
		if !boxes[i].CreatedAt.Equal(boxes[j].CreatedAt) {
			return boxes[i].CreatedAt.Before(boxes[j].CreatedAt)
		}
		return boxes[i].ID < boxes[j].ID
	})
	if len(boxes) > limit {
		boxes = boxes[:limit]
	}
	return boxes, nil
}

// =============================================================================
// Email Operations
// =============================================================================

func (s *Store) CreateEmail(_ context.Context, e *store.Email, meta *store.EmailMetadata) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if e == nil || meta == nil || e.MailboxID == "" {
		return store.ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

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

	// Both rows land under one lock acquisition - the same all-or-nothing
	// guarantee the postgres store gets from a transaction.
	s.emails[e.ID] = cloneEmail(e)
	s.metadata[e.ID] = cloneMetadata(meta)
	return nil
}

func (s *Store) GetEmail(_ context.Context, id string) (*store.Email, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, store.ErrInvalidID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.emails[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneEmail(e), nil
}

func (s *Store) GetEmailOwned(_ context.Context, id, userID string) (*store.Email, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if id == "" || userID == "" {
		return nil, store.ErrInvalidID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.emails[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	m, ok := s.mailboxes[e.MailboxID]
	if !ok || m.UserID != userID {
		return nil, store.ErrNotFound
	}
	return cloneEmail(e), nil
}

func (s *Store) GetEmailMetadata(_ context.Context, emailID string) (*store.EmailMetadata, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if emailID == "" {
		return nil, store.ErrInvalidID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, ok := s.metadata[emailID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneMetadata(meta), nil
}

func (s *Store) UpdateEmailMetadata(_ context.Context, meta *store.EmailMetadata) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if meta == nil || meta.EmailID == "" {
		return store.ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.metadata[meta.EmailID]
	if !ok {
		return store.ErrNotFound
	}
	meta.ID = existing.ID
	s.metadata[meta.EmailID] = cloneMetadata(meta)
	return nil
}

func (s *Store) UpdateEmailParsed(_ context.Context, parsed *store.Email) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if parsed == nil || parsed.ID == "" {
		return store.ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.emails[parsed.ID]
	if !ok {
		return store.ErrNotFound
	}
	e.MessageID = parsed.MessageID
	e.From = parsed.From
	e.To = append([]string(nil), parsed.To...)
	e.CC = append([]string(nil), parsed.CC...)
	e.BCC = append([]string(nil), parsed.BCC...)
	e.Subject = parsed.Subject
	e.TextBody = parsed.TextBody
	e.HTMLBody = parsed.HTMLBody
	return nil
}

func (s *Store) ListEmails(_ context.Context, mailboxID string, opts store.ListOptions) ([]store.Email, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if mailboxID == "" {
		return nil, store.ErrInvalidID
	}
	if opts.Limit <= 0 {
		opts.Limit = 20
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var emails []store.Email
	for _, e := range s.emails {
		if e.MailboxID == mailboxID {
			emails = append(emails, *cloneEmail(e))
		}
	}
	sort.Slice(emails, func(i, j int) bool {
		if !emails[i].ReceivedAt.Equal(emails[j].ReceivedAt) {
			return emails[i].ReceivedAt.After(emails[j].ReceivedAt)
		}
		return emails[i].ID < emails[j].ID
	})

	if opts.Offset >= len(emails) {
		return nil, nil
	}
	emails = emails[opts.Offset:]
	if len(emails) > opts.Limit {
		emails = emails[:opts.Limit]
	}
	return emails, nil
}

func (s *Store) CountEmails(_ context.Context, userID string) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	if userID == "" {
		return 0, store.ErrInvalidID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, e := range s.emails {
		if m, ok := s.mailboxes[e.MailboxID]; ok && m.UserID == userID {
			total++
		}
	}
	return total, nil
}

func (s *Store) DeleteEmail(_ context.Context, id string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if id == "" {
		return store.ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.emails[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.emails, id)
	delete(s.metadata, id)
	return nil
}
