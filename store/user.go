package store

import "time"

// User is a tenant identity. Users own mailboxes; mailboxes own emails.
// The password hash is opaque to this library - hashing and verification
// happen in the credential layer outside the core.
type User struct {
	ID           string    `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}
