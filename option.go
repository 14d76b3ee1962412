package mailvault

import (
	"context"
	"log/slog"
	"time"

	"github.com/rbaliyan/event/v3/transport"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mailvault/mailvault/blob"
	"github.com/mailvault/mailvault/queue"
	"github.com/mailvault/mailvault/ratelimit"
	"github.com/mailvault/mailvault/store"
)

// Default configuration values.
const (
	DefaultTempMailTTL = 24 * time.Hour // temp mailboxes live for a day
	MinTempMailTTL     = time.Minute    // floor for tests and aggressive deployments

	DefaultShutdownTimeout = 30 * time.Second // default graceful shutdown timeout
	MinShutdownTimeout     = 1 * time.Second  // minimum shutdown timeout

	// Intake limits
	DefaultMaxEmailsPerUser = 1000        // stored emails per user across mailboxes
	DefaultHourlyRateLimit  = 100         // inbound emails per user per hour
	DefaultRateWindow       = time.Hour   // rate limit window
	DefaultMaxRawSize       = 25 << 20    // 25 MB per raw message

	// Concurrency limits
	DefaultMaxConcurrentStores = 10 // max concurrent StoreInbound operations

	// Reaper
	DefaultReapBatchSize = 100 // expired mailboxes fetched per sweep batch
)

// Clock supplies the current time. Inject a fake in tests to drive
// expiry deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Sender delivers outbound messages. SMTP delivery itself lives outside
// this library; implementations typically wrap an SMTP client or a
// provider API.
type Sender interface {
	Send(ctx context.Context, from string, to []string, raw []byte) error
}

// CredentialVerifier turns an opaque credential into a user ID.
// Password hashing and token formats are the implementation's concern;
// the service only consumes the resulting identity.
type CredentialVerifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// options holds service configuration.
type options struct {
	store    store.Store
	blobs    blob.Store
	queue    queue.Queue
	limiter  ratelimit.Limiter
	verifier CredentialVerifier
	sender   Sender
	logger   *slog.Logger
	clock    Clock

	// Mail domain served by this deployment (required). Mailbox creates
	// for other domains are rejected.
	domain string

	// Temp mailbox lifetime
	tempMailTTL time.Duration

	// Intake limits
	maxEmailsPerUser int64
	hourlyRateLimit  int
	rateWindow       time.Duration
	maxRawSize       int64

	// Concurrency limits
	maxConcurrentStores int

	// Reaper
	reapBatchSize int

	// Shutdown
	shutdownTimeout time.Duration

	// OpenTelemetry
	tracingEnabled bool
	metricsEnabled bool
	serviceName    string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// Event handling
	eventErrorsFatal      bool                    // If true, event publishing failures cause operation to fail
	eventTransport        transport.Transport     // Event transport (optional, uses noop if nil)
	redisClient           redis.UniversalClient   // Redis client for event transport (optional, uses noop if nil)
	onEventPublishFailure EventPublishFailureFunc // Callback for event publish failures (always set)
}

// EventPublishFailureFunc is called when an event fails to publish.
// The eventName is the name of the event (e.g., "EmailReceived"), and err is
// the publish error.
type EventPublishFailureFunc func(eventName string, err error)

// safeEventPublishFailure calls the event failure callback with panic recovery.
// If the callback panics, the panic is logged and suppressed to prevent
// cascading failures.
func (o *options) safeEventPublishFailure(eventName string, err error) {
	if o.onEventPublishFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic in event publish failure handler",
				"event", eventName,
				"original_error", err,
				"panic", r,
			)
		}
	}()
	o.onEventPublishFailure(eventName, err)
}

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		logger:  slog.Default(),
		clock:   systemClock{},
		limiter: ratelimit.Unlimited{},
		// Temp mailbox defaults
		tempMailTTL: DefaultTempMailTTL,
		// Intake defaults
		maxEmailsPerUser: DefaultMaxEmailsPerUser,
		hourlyRateLimit:  DefaultHourlyRateLimit,
		rateWindow:       DefaultRateWindow,
		maxRawSize:       DefaultMaxRawSize,
		// Concurrency defaults
		maxConcurrentStores: DefaultMaxConcurrentStores,
		// Reaper defaults
		reapBatchSize: DefaultReapBatchSize,
		// Shutdown defaults
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}

	// Ensure event failure callback is always set
	if o.onEventPublishFailure == nil {
		o.onEventPublishFailure = func(eventName string, err error) {
			o.logger.Error("failed to publish event", "event", eventName, "error", err)
		}
	}

	return o
}

// Option configures a service.
type Option func(*options)

// --- Core Options ---

// WithStore sets the relational storage backend (required).
func WithStore(s store.Store) Option {
	return func(o *options) {
		if s != nil {
			o.store = s
		}
	}
}

// WithBlobStore sets the blob storage backend for raw messages and
// attachments (required).
func WithBlobStore(b blob.Store) Option {
	return func(o *options) {
		if b != nil {
			o.blobs = b
		}
	}
}

// WithQueue sets the durable job queue (required).
func WithQueue(q queue.Queue) Option {
	return func(o *options) {
		if q != nil {
			o.queue = q
		}
	}
}

// WithDomain sets the mail domain served by this deployment (required).
// Mailbox addresses must end in @domain.
func WithDomain(domain string) Option {
	return func(o *options) {
		if domain != "" {
			o.domain = domain
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock sets the time source. Tests inject a fake clock to drive
// temp mailbox expiry deterministically.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// --- Collaborator Options ---

// WithRateLimiter sets the intake rate limiter.
// Default allows everything; use ratelimit.NewRedisLimiter for limits
// that hold across a fleet.
func WithRateLimiter(l ratelimit.Limiter) Option {
	return func(o *options) {
		if l != nil {
			o.limiter = l
		}
	}
}

// WithVerifier sets the credential verifier used by Authenticate.
func WithVerifier(v CredentialVerifier) Option {
	return func(o *options) {
		if v != nil {
			o.verifier = v
		}
	}
}

// WithSender sets the outbound delivery collaborator used by send_email
// jobs.
func WithSender(s Sender) Option {
	return func(o *options) {
		if s != nil {
			o.sender = s
		}
	}
}

// --- Temp Mailbox Options ---

// WithTempMailTTL sets how long temporary mailboxes live before the
// reaper queues them for deletion. Default is 24 hours. Minimum is 1 minute.
func WithTempMailTTL(d time.Duration) Option {
	return func(o *options) {
		if d >= MinTempMailTTL {
			o.tempMailTTL = d
		}
	}
}

// WithReapBatchSize sets how many expired mailboxes a single reaper
// sweep fetches per batch. Default is 100.
func WithReapBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.reapBatchSize = n
		}
	}
}

// --- Intake Limit Options ---

// WithMaxEmailsPerUser sets the stored-email quota per user across all
// their mailboxes. Default is 1000.
func WithMaxEmailsPerUser(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxEmailsPerUser = n
		}
	}
}

// WithHourlyRateLimit sets the inbound emails accepted per user per
// rate window. Default is 100 per hour.
func WithHourlyRateLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.hourlyRateLimit = n
		}
	}
}

// WithRateWindow sets the rate limit window. Default is 1 hour.
func WithRateWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.rateWindow = d
		}
	}
}

// WithMaxRawSize sets the maximum raw message size in bytes.
// Default is 25 MB.
func WithMaxRawSize(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxRawSize = n
		}
	}
}

// --- Concurrency Options ---

// WithMaxConcurrentStores sets the maximum number of concurrent
// StoreInbound operations. This prevents resource exhaustion when many
// messages arrive simultaneously. Default is 10.
func WithMaxConcurrentStores(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrentStores = n
		}
	}
}

// WithShutdownTimeout sets the maximum time to wait for in-flight
// operations during graceful shutdown. When Close() is called, the service
// waits up to this duration for ongoing store operations to complete.
// Default is 30 seconds. Minimum is 1 second.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= MinShutdownTimeout {
			o.shutdownTimeout = d
		}
	}
}

// --- OTel Options ---

// WithTracing enables or disables OpenTelemetry tracing.
// When enabled, spans are created for all service operations.
// Default is disabled.
func WithTracing(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables or disables OpenTelemetry metrics.
// When enabled, metrics are collected for all service operations.
// Default is disabled.
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.metricsEnabled = enabled
	}
}

// WithOTel enables both OpenTelemetry tracing and metrics.
// This is a convenience function equivalent to calling
// WithTracing(true) and WithMetrics(true).
func WithOTel(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
		o.metricsEnabled = enabled
	}
}

// WithServiceName sets the service name for OpenTelemetry telemetry and
// event bus naming. Default is "mailvault".
func WithServiceName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.serviceName = name
		}
	}
}

// WithTracerProvider sets a custom OpenTelemetry tracer provider.
// Default uses the global tracer provider from otel.GetTracerProvider().
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithMeterProvider sets a custom OpenTelemetry meter provider.
// Default uses the global meter provider from otel.GetMeterProvider().
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// --- Event Options ---

// WithEventErrorsFatal configures whether event publishing failures should
// cause the operation to fail. By default, event failures are logged but
// the operation succeeds (the email is still stored).
//
// Set to true if your application requires guaranteed event delivery,
// for example when events drive critical downstream processes.
// Set to false (default) for fire-and-forget event publishing.
func WithEventErrorsFatal(fatal bool) Option {
	return func(o *options) {
		o.eventErrorsFatal = fatal
	}
}

// WithEventTransport sets the event transport for publishing and subscribing.
// When provided, events are published via the given transport for reliable
// delivery. If not provided, a noop transport is used (events are silently
// dropped).
func WithEventTransport(t transport.Transport) Option {
	return func(o *options) {
		if t != nil {
			o.eventTransport = t
		}
	}
}

// WithRedisClient sets a Redis client for the event transport.
// When provided, events are published to Redis Streams for reliable delivery.
// If not provided, a noop transport is used (events are silently dropped).
//
// Compatible with *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) {
		if client != nil {
			o.redisClient = client
		}
	}
}

// WithEventPublishFailureHandler sets a callback for event publishing
// failures. This callback is invoked whenever an event fails to publish (and
// eventErrorsFatal is false). Use this for custom logging, metrics, or
// alerting on event failures.
//
// By default, failures are logged using the configured logger.
func WithEventPublishFailureHandler(fn EventPublishFailureFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.onEventPublishFailure = fn
		}
	}
}
