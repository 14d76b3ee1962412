// Package gcs provides a Google Cloud Storage-backed blob store.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"cloud.google.com/go/auth/credentials"
	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/mailvault/mailvault/blob"
)

// Store implements blob.Store using Google Cloud Storage.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// Ensure Store implements blob.Store.
var _ blob.Store = (*Store)(nil)

// New creates a new GCS blob store.
func New(ctx context.Context, opts ...Option) (*Store, error) {
	o := &options{
		prefix: "emails",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	clientOpts, err := buildClientOptions(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("build client options: %w", err)
	}

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}

	return &Store{
		client: client,
		bucket: o.bucket,
		prefix: o.prefix,
		logger: o.logger,
	}, nil
}

// buildClientOptions builds GCS client options based on authentication settings.
func buildClientOptions(_ context.Context, o *options) ([]option.ClientOption, error) {
	var opts []option.ClientOption

	switch {
	case o.credentialsJSON != nil:
		// Use provided JSON credentials (service account key)
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
			CredentialsJSON: o.credentialsJSON,
		})
		if err != nil {
			return nil, fmt.Errorf("detect credentials from json: %w", err)
		}
		opts = append(opts, option.WithAuthCredentials(creds))

	case o.credentialsFile != "":
		// Use credentials from file
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
			CredentialsFile: o.credentialsFile,
		})
		if err != nil {
			return nil, fmt.Errorf("detect credentials from file: %w", err)
		}
		opts = append(opts, option.WithAuthCredentials(creds))

	default:
		// Application Default Credentials (env var, gcloud login,
		// Workload Identity, instance service accounts).
	}

	// Custom endpoint for emulators and testing.
	if o.endpoint != "" {
		opts = append(opts, option.WithEndpoint(o.endpoint))
	}

	return opts, nil
}

// Put uploads content at the given key.
func (s *Store) Put(ctx context.Context, key, contentType string, content io.Reader) (int64, error) {
	if err := blob.ValidateKey(key); err != nil {
		return 0, err
	}

	obj := s.client.Bucket(s.bucket).Object(s.objectKey(key))
	w := obj.NewWriter(ctx)
	w.ContentType = contentType

	n, err := io.Copy(w, content)
	if err != nil {
		_ = w.Close()
		return 0, fmt.Errorf("copy content to gcs: %w", err)
	}

	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("close gcs writer: %w", err)
	}

	s.logger.Debug("uploaded blob to gcs", "bucket", s.bucket, "key", key, "bytes", n)
	return n, nil
}

// Get returns a reader for the blob at key.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := blob.ValidateKey(key); err != nil {
		return nil, err
	}

	obj := s.client.Bucket(s.bucket).Object(s.objectKey(key))
	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, blob.ErrNotFound
		}
		return nil, fmt.Errorf("create gcs reader: %w", err)
	}

	return r, nil
}

// Delete removes the blob at key. Missing blobs are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := blob.ValidateKey(key); err != nil {
		return err
	}

	obj := s.client.Bucket(s.bucket).Object(s.objectKey(key))
	if err := obj.Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return fmt.Errorf("delete object from gcs: %w", err)
	}

	s.logger.Debug("deleted blob from gcs", "bucket", s.bucket, "key", key)
	return nil
}

// Close closes the GCS client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) objectKey(key string) string {
	return path.Join(s.prefix, key)
}
