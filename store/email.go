package store

import "time"

// Email is the relational half of a stored message. The raw RFC 822 bytes
// live in the blob store at BlobPath; Size is the byte length stored there.
// An email whose blob is unreachable is corrupt and must never be served.
type Email struct {
	ID        string   `db:"id" json:"id"`
	MailboxID string   `db:"mailbox_id" json:"mailbox_id"`
	MessageID string   `db:"message_id" json:"message_id"`
	From      string   `db:"from_address" json:"from"`
	To        []string `db:"-" json:"to"`
	CC        []string `db:"-" json:"cc,omitempty"`
	BCC       []string `db:"-" json:"bcc,omitempty"`
	Subject   string   `db:"subject" json:"subject,omitempty"`
	TextBody  string   `db:"text_body" json:"text_body,omitempty"`
	HTMLBody  string   `db:"html_body" json:"html_body,omitempty"`

	// BlobPath is the unique key of the raw message in the blob store.
	// Exactly one row references a given blob - blobs are never shared.
	BlobPath string `db:"blob_path" json:"blob_path"`
	Size     int64  `db:"size" json:"size"`

	ReceivedAt time.Time `db:"received_at" json:"received_at"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// EmailMetadata holds the parsed header map and attachment descriptors for
// an email. Exactly one metadata row exists per email - they are created
// together in one transaction or not at all.
type EmailMetadata struct {
	ID          string            `db:"id" json:"id"`
	EmailID     string            `db:"email_id" json:"email_id"`
	Headers     map[string]string `db:"-" json:"headers"`
	Attachments []Attachment      `db:"-" json:"attachments,omitempty"`
}

// Attachment describes one attachment extracted from a message. Each
// attachment's content is its own blob, owned by this descriptor alone.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	BlobPath    string `json:"blob_path"`
}

// BlobPaths returns every blob referenced by the email and its metadata:
// the raw message plus one blob per attachment. Used by delete cascades.
func (e *Email) BlobPaths(meta *EmailMetadata) []string {
	paths := []string{e.BlobPath}
	if meta != nil {
		for _, a := range meta.Attachments {
			if a.BlobPath != "" {
				paths = append(paths, a.BlobPath)
			}
		}
	}
	return paths
}
