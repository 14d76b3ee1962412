package mailvault

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3"
)

// Event names for email lifecycle events.
const (
	EventNameEmailReceived  = "mailvault.email.received"
	EventNameEmailDeleted   = "mailvault.email.deleted"
	EventNameMailboxExpired = "mailvault.mailbox.expired"
)

// EmailReceivedEvent is published when an inbound email has been durably
// stored (blob and rows committed). Parsing may still be pending.
type EmailReceivedEvent struct {
	EmailID    string    `json:"email_id"`
	MailboxID  string    `json:"mailbox_id"`
	UserID     string    `json:"user_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Size       int64     `json:"size"`
	ReceivedAt time.Time `json:"received_at"`
}

// EmailDeletedEvent is published when an email is permanently deleted,
// either by its owner or by the temp mailbox reaper.
type EmailDeletedEvent struct {
	EmailID   string    `json:"email_id"`
	MailboxID string    `json:"mailbox_id"`
	UserID    string    `json:"user_id"`
	DeletedAt time.Time `json:"deleted_at"`
}

// MailboxExpiredEvent is published when a temporary mailbox and its
// contents have been removed by the reaper.
type MailboxExpiredEvent struct {
	MailboxID string    `json:"mailbox_id"`
	Address   string    `json:"address"`
	UserID    string    `json:"user_id"`
	ExpiredAt time.Time `json:"expired_at"`
}

// ServiceEvents provides access to per-service event instances.
// Each service creates its own events bound to its own event bus,
// enabling independent event routing and parallel testing.
//
// Subscribe to events:
//
//	svc.Events().EmailReceived.Subscribe(ctx, handler)
//	svc.Events().EmailDeleted.Subscribe(ctx, handler)
//	svc.Events().MailboxExpired.Subscribe(ctx, handler)
type ServiceEvents struct {
	// EmailReceived is published when an inbound email is durably stored.
	EmailReceived event.Event[EmailReceivedEvent]

	// EmailDeleted is published when an email is permanently deleted.
	EmailDeleted event.Event[EmailDeletedEvent]

	// MailboxExpired is published when a temp mailbox is reaped.
	MailboxExpired event.Event[MailboxExpiredEvent]
}

// newServiceEvents creates per-service event instances with a unique name prefix.
func newServiceEvents(namePrefix string) *ServiceEvents {
	return &ServiceEvents{
		EmailReceived:  event.New[EmailReceivedEvent](namePrefix + "." + EventNameEmailReceived),
		EmailDeleted:   event.New[EmailDeletedEvent](namePrefix + "." + EventNameEmailDeleted),
		MailboxExpired: event.New[MailboxExpiredEvent](namePrefix + "." + EventNameMailboxExpired),
	}
}

// registerServiceEvents registers per-service events with the given bus.
func registerServiceEvents(ctx context.Context, bus *event.Bus, events *ServiceEvents) error {
	if err := event.Register(ctx, bus, events.EmailReceived); err != nil {
		return fmt.Errorf("register EmailReceived: %w", err)
	}
	if err := event.Register(ctx, bus, events.EmailDeleted); err != nil {
		return fmt.Errorf("register EmailDeleted: %w", err)
	}
	if err := event.Register(ctx, bus, events.MailboxExpired); err != nil {
		return fmt.Errorf("register MailboxExpired: %w", err)
	}
	return nil
}
