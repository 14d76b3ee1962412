package gcs

import (
	"log/slog"
)

// options holds GCS store configuration.
type options struct {
	bucket string
	prefix string

	// Authentication
	credentialsJSON []byte
	credentialsFile string

	// Custom endpoint (for emulators)
	endpoint string

	// Logger
	logger *slog.Logger
}

// Option configures the GCS store.
type Option func(*options)

// WithBucket sets the GCS bucket name (required).
func WithBucket(bucket string) Option {
	return func(o *options) {
		o.bucket = bucket
	}
}

// WithPrefix sets the key prefix for stored blobs.
// Default is "emails".
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithCredentialsJSON sets service account key JSON for authentication.
func WithCredentialsJSON(json []byte) Option {
	return func(o *options) {
		o.credentialsJSON = json
	}
}

// WithCredentialsFile sets the path to a service account key file.
func WithCredentialsFile(path string) Option {
	return func(o *options) {
		o.credentialsFile = path
	}
}

// WithEndpoint sets a custom endpoint (for emulators, testing).
func WithEndpoint(endpoint string) Option {
	return func(o *options) {
		o.endpoint = endpoint
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
