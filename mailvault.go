package mailvault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport/noop"
	eventredis "github.com/rbaliyan/event/v3/transport/redis"
	"golang.org/x/sync/semaphore"

	"github.com/mailvault/mailvault/blob"
	"github.com/mailvault/mailvault/queue"
	"github.com/mailvault/mailvault/store"
)

// Type aliases for commonly used store types.
// These allow users to work with the mailvault package without importing
// store directly.
type (
	ListOptions = store.ListOptions
)

// ServiceHealth provides health and state information about the service.
type ServiceHealth interface {
	// IsConnected returns true if the service is connected and ready.
	IsConnected() bool
}

// Service manages the email persistence system (server-side).
// It coordinates the relational store, the blob store and the job queue,
// and creates tenant-scoped clients.
//
// Composed of:
//   - ServiceHealth: Health and state queries (IsConnected)
type Service interface {
	ServiceHealth

	// Connect establishes connections to the relational store and queue.
	Connect(ctx context.Context) error
	// Close closes all connections.
	Close(ctx context.Context) error

	// Client returns a tenant-scoped client for the given user.
	// The returned client shares the service's connections. Every lookup
	// through the client is bounded to the user's ownership chain; rows
	// owned by other tenants read as ErrNotFound.
	Client(userID string) Client

	// Authenticate verifies an opaque credential and returns a client
	// scoped to the resolved user. Requires a configured verifier.
	Authenticate(ctx context.Context, token string) (Client, error)

	// StoreInbound durably stores an inbound email: raw bytes to the blob
	// store first, then the relational rows, then a process_email job.
	// Returns the new email's ID.
	StoreInbound(ctx context.Context, in InboundEmail) (string, error)

	// ReapExpired enqueues a cleanup_temp job for every temporary mailbox
	// older than the configured TTL. Call this periodically using your
	// application's scheduler.
	ReapExpired(ctx context.Context) (*ReapResult, error)

	// RegisterHandlers registers this service's job handlers on a worker
	// pool. Call before pool.Run.
	RegisterHandlers(pool *queue.Pool)

	// Stats returns operational counters: jobs per queue status.
	Stats(ctx context.Context) (*ServiceStats, error)

	// Events returns per-service event instances for subscribing and
	// publishing. Each service has its own events bound to its own event
	// bus, enabling independent event routing and parallel testing.
	Events() *ServiceEvents
}

// Client is a tenant-scoped view of the vault. All reads and deletes are
// bounded to mailboxes owned by the client's user; anything outside that
// scope reads as ErrNotFound.
type Client interface {
	// UserID returns the user this client is scoped to.
	UserID() string

	// CreateMailbox creates a mailbox at the given address. temp marks
	// the mailbox for reaping after the configured TTL.
	CreateMailbox(ctx context.Context, address string, temp bool) (*store.Mailbox, error)
	// CreateAlias creates an alias mailbox at the given address.
	CreateAlias(ctx context.Context, address string) (*store.Mailbox, error)
	// Mailbox retrieves one of the user's mailboxes by ID.
	Mailbox(ctx context.Context, mailboxID string) (*store.Mailbox, error)
	// Mailboxes lists the user's mailboxes.
	Mailboxes(ctx context.Context) ([]store.Mailbox, error)
	// DeleteMailbox removes a mailbox and everything stored under it.
	DeleteMailbox(ctx context.Context, mailboxID string) error

	// Email retrieves an email and its metadata.
	Email(ctx context.Context, emailID string) (*store.Email, *store.EmailMetadata, error)
	// EmailRaw returns the raw message bytes from the blob store.
	// A row whose blob is missing returns ErrStorageInconsistency,
	// never empty bytes.
	EmailRaw(ctx context.Context, emailID string) ([]byte, error)
	// Attachment streams an extracted attachment by filename.
	Attachment(ctx context.Context, emailID, filename string) (io.ReadCloser, error)
	// Emails lists emails in one of the user's mailboxes, newest first.
	Emails(ctx context.Context, mailboxID string, opts ListOptions) ([]store.Email, error)
	// DeleteEmail removes an email: rows first, then blobs.
	DeleteEmail(ctx context.Context, emailID string) error
}

// Connection states for the service.
const (
	stateDisconnected int32 = 0
	stateConnecting   int32 = 1
	stateConnected    int32 = 2
)

// service is the default implementation of Service.
type service struct {
	store    store.Store
	blobs    blob.Store
	queue    queue.Queue
	logger   *slog.Logger
	opts     *options
	state    int32 // stateDisconnected, stateConnecting, or stateConnected
	otel     *otelInstrumentation
	storeSem *semaphore.Weighted // Limits concurrent StoreInbound operations
	eventBus *event.Bus          // Event bus for publishing events
	events   *ServiceEvents      // Per-service event instances
}

// NewService creates a new vault service.
// Call Connect() to establish connections to backends.
func NewService(opts ...Option) (Service, error) {
	o := newOptions(opts...)

	if o.store == nil {
		return nil, ErrStoreRequired
	}
	if o.blobs == nil {
		return nil, ErrBlobStoreRequired
	}
	if o.queue == nil {
		return nil, ErrQueueRequired
	}
	if o.domain == "" {
		return nil, ErrDomainRequired
	}

	// Initialize OTel instrumentation
	otelInstr, err := newOtelInstrumentation(o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	return &service{
		store:    o.store,
		blobs:    o.blobs,
		queue:    o.queue,
		logger:   o.logger,
		opts:     o,
		otel:     otelInstr,
		storeSem: semaphore.NewWeighted(int64(o.maxConcurrentStores)),
	}, nil
}

// Events returns per-service event instances for subscribing and publishing.
func (s *service) Events() *ServiceEvents {
	return s.events
}

// IsConnected returns true if the service is connected and ready.
func (s *service) IsConnected() bool {
	return atomic.LoadInt32(&s.state) == stateConnected
}

// checkConnected returns ErrNotConnected unless the service is ready.
func (s *service) checkConnected() error {
	if atomic.LoadInt32(&s.state) != stateConnected {
		return ErrNotConnected
	}
	return nil
}

// Connect establishes connections to the relational store and queue.
func (s *service) Connect(ctx context.Context) error {
	// Use three-state to prevent Client() from seeing partial initialization
	// stateDisconnected -> stateConnecting -> stateConnected
	if !atomic.CompareAndSwapInt32(&s.state, stateDisconnected, stateConnecting) {
		return ErrAlreadyConnected
	}

	// Reset to disconnected on failure, set to connected on success
	success := false
	defer func() {
		if success {
			atomic.StoreInt32(&s.state, stateConnected)
		} else {
			atomic.StoreInt32(&s.state, stateDisconnected)
		}
	}()

	if err := s.store.Connect(ctx); err != nil {
		return fmt.Errorf("connect store: %w", err)
	}

	if err := s.queue.Connect(ctx); err != nil {
		s.store.Close(ctx)
		return fmt.Errorf("connect queue: %w", err)
	}

	// Initialize event bus with appropriate transport
	if err := s.initEventBus(ctx); err != nil {
		s.queue.Close(ctx)
		s.store.Close(ctx)
		return fmt.Errorf("init event bus: %w", err)
	}

	success = true
	s.logger.Info("mailvault service connected", "domain", s.opts.domain)
	return nil
}

// busCounter generates unique suffixes for event bus names.
var busCounter int64

// initEventBus initializes the event bus for this service.
// Each service creates its own bus with uniquely named events, so multiple
// services can run in one process without colliding.
func (s *service) initEventBus(ctx context.Context) error {
	serviceName := s.opts.serviceName
	if serviceName == "" {
		serviceName = "mailvault"
	}
	// Each bus needs a unique name, so append a counter suffix
	busName := fmt.Sprintf("%s-%d", serviceName, atomic.AddInt64(&busCounter, 1))

	var bus *event.Bus
	var err error

	switch {
	case s.opts.eventTransport != nil:
		s.logger.Info("initializing event bus with custom transport")
		bus, err = event.NewBus(busName, event.WithTransport(s.opts.eventTransport))
	case s.opts.redisClient != nil:
		s.logger.Info("initializing event bus with Redis transport")
		t, transportErr := eventredis.New(s.opts.redisClient)
		if transportErr != nil {
			return fmt.Errorf("create redis transport: %w", transportErr)
		}
		bus, err = event.NewBus(busName, event.WithTransport(t))
	default:
		s.logger.Debug("initializing event bus with noop transport")
		bus, err = event.NewBus(busName, event.WithTransport(noop.New()))
	}

	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}
	s.eventBus = bus

	// Create and register per-service events (unique per service instance).
	s.events = newServiceEvents(busName)
	if err := registerServiceEvents(ctx, bus, s.events); err != nil {
		bus.Close(ctx)
		return fmt.Errorf("register service events: %w", err)
	}

	return nil
}

// Close closes connections to the backends.
func (s *service) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateConnected, stateDisconnected) {
		return nil
	}

	var errs []error

	// Wait for in-flight store operations to complete (graceful shutdown).
	// After setting state to disconnected, no new stores can start because
	// checkConnected fails. We acquire all semaphore slots to wait for
	// existing operations to finish.
	s.logger.Info("waiting for in-flight operations to complete...", "timeout", s.opts.shutdownTimeout)
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, s.opts.shutdownTimeout)
	defer shutdownCancel()
	if err := s.storeSem.Acquire(shutdownCtx, int64(s.opts.maxConcurrentStores)); err != nil {
		// Context cancelled or deadline exceeded - log but continue shutdown
		s.logger.Warn("timeout waiting for in-flight operations, proceeding with shutdown",
			"error", err)
		errs = append(errs, fmt.Errorf("graceful shutdown timeout: %w", err))
	} else {
		s.storeSem.Release(int64(s.opts.maxConcurrentStores))
		s.logger.Info("all in-flight operations completed")
	}

	// Close event bus only if using a real transport.
	// For noop transport, the bus doesn't hold resources.
	if s.eventBus != nil && (s.opts.eventTransport != nil || s.opts.redisClient != nil) {
		if err := s.eventBus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close event bus: %w", err))
		}
	}

	if err := s.queue.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close queue: %w", err))
	}

	if err := s.store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	return errors.Join(errs...)
}

// Client returns a tenant-scoped client for the given user.
func (s *service) Client(userID string) Client {
	return &userClient{
		userID:      userID,
		service:     s,
		validUserID: isValidUserID(userID),
	}
}

// Authenticate verifies a credential and returns a client scoped to the
// resolved user.
func (s *service) Authenticate(ctx context.Context, token string) (Client, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if s.opts.verifier == nil {
		return nil, ErrVerifierRequired
	}

	userID, err := s.opts.verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}
	if !isValidUserID(userID) {
		return nil, ErrInvalidUserID
	}

	return s.Client(userID), nil
}

// ServiceStats reports operational counters.
type ServiceStats struct {
	// Jobs is the number of queued jobs per status.
	Jobs map[queue.JobStatus]int64
}

// Stats returns operational counters for the service.
func (s *service) Stats(ctx context.Context) (*ServiceStats, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	jobs, err := s.queue.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}

	return &ServiceStats{Jobs: jobs}, nil
}
