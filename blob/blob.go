// Package blob defines key-addressed storage for raw message bytes.
//
// Unlike content-addressed stores, keys here are chosen by the caller and
// recorded in the relational store before use. The write protocol is always
// blob first, row second: a blob without a row is an orphan that cleanup can
// reclaim, but a row without a blob is corruption and must never happen.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned when no blob exists at the requested key.
var ErrNotFound = errors.New("blob: not found")

// Store is a key-addressed blob store.
type Store interface {
	// Put writes content at key, replacing any existing blob. Returns the
	// number of bytes written.
	Put(ctx context.Context, key, contentType string, content io.Reader) (int64, error)

	// Get returns a reader for the blob at key.
	// Returns ErrNotFound if no blob exists. Caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the blob at key. Deleting a missing blob is not an
	// error - deletes are retried and must be idempotent.
	Delete(ctx context.Context, key string) error
}

// EmailKey returns the canonical key for a raw message:
// userID/yyyy/mm/dd/emailID.eml, partitioned by receive date.
func EmailKey(userID string, received time.Time, emailID string) string {
	return path.Join(userID, received.UTC().Format("2006/01/02"), emailID+".eml")
}

// AttachmentKey returns the canonical key for an extracted attachment.
// The filename is reduced to a single path segment first, so a
// MIME-supplied name cannot address keys outside the attachment
// namespace for this email.
func AttachmentKey(userID, emailID, filename string) string {
	name := SanitizeFilename(filename)
	if name == "" {
		name = "attachment"
	}
	return path.Join(userID, "attachments", emailID, name)
}

// SanitizeFilename reduces a caller-supplied filename to a single safe
// path segment. Directory components, traversal segments and backslash
// separators are stripped. Returns "" when nothing usable remains.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	if name == "." || name == ".." || name == "/" {
		return ""
	}
	return name
}

// IsNotFound reports whether err indicates a missing blob.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// countingReader wraps an io.Reader and counts bytes read.
type countingReader struct {
	reader io.Reader
	bytes  int64
}

func (r *countingReader) Read(p []byte) (n int, err error) {
	n, err = r.reader.Read(p)
	r.bytes += int64(n)
	return n, err
}

// NewCountingReader wraps r so backends that do not report upload sizes can
// still return accurate byte counts.
func NewCountingReader(r io.Reader) (io.Reader, func() int64) {
	cr := &countingReader{reader: r}
	return cr, func() int64 { return cr.bytes }
}

// ValidateKey rejects keys that escape the store's namespace.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("blob: empty key")
	}
	if path.Clean("/"+key) != "/"+key {
		return fmt.Errorf("blob: invalid key: %s", key)
	}
	return nil
}
