package store

import "time"

// Mailbox is an address owned by exactly one user.
type Mailbox struct {
	ID      string `db:"id" json:"id"`
	UserID  string `db:"user_id" json:"user_id"`
	Address string `db:"address" json:"address"`

	// IsAlias marks mailboxes that forward to a primary address.
	IsAlias bool `db:"is_alias" json:"is_alias"`

	// IsTemp marks mailboxes with an implicit expiry of CreatedAt + TTL.
	// Expiry is enforced by the reaper sweep, not by the database.
	IsTemp bool `db:"is_temp" json:"is_temp"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ExpiresAt returns the implicit expiry of a temporary mailbox.
// Only meaningful when IsTemp is true.
func (m *Mailbox) ExpiresAt(ttl time.Duration) time.Time {
	return m.CreatedAt.Add(ttl)
}

// Expired reports whether a temporary mailbox has passed its expiry.
// Permanent mailboxes never expire.
func (m *Mailbox) Expired(ttl time.Duration, now time.Time) bool {
	return m.IsTemp && !now.Before(m.ExpiresAt(ttl))
}
