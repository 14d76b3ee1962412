// Package s3 provides an S3-backed blob store.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/mailvault/mailvault/blob"
)

// Store implements blob.Store using AWS S3 or an S3-compatible service
// such as MinIO.
type Store struct {
	client *s3.Client
	tm     *transfermanager.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// Ensure Store implements blob.Store.
var _ blob.Store = (*Store)(nil)

// New creates a new S3 blob store.
// The context is used for AWS credential loading and configuration.
func New(ctx context.Context, opts ...Option) (*Store, error) {
	o := &options{
		region: "us-east-1",
		prefix: "emails",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	awsCfg, err := buildAWSConfig(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("build aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(opts *s3.Options) {
		if o.endpoint != "" {
			opts.BaseEndpoint = aws.String(o.endpoint)
			opts.UsePathStyle = o.usePathStyle
		}
	})

	return &Store{
		client: client,
		tm:     transfermanager.New(client),
		bucket: o.bucket,
		prefix: o.prefix,
		logger: o.logger,
	}, nil
}

// buildAWSConfig builds AWS config based on authentication options.
func buildAWSConfig(ctx context.Context, o *options) (aws.Config, error) {
	var optFns []func(*config.LoadOptions) error

	optFns = append(optFns, config.WithRegion(o.region))

	switch {
	case o.accessKey != "" && o.secretKey != "":
		// Static credentials (Access Key + Secret Key)
		creds := credentials.NewStaticCredentialsProvider(o.accessKey, o.secretKey, o.sessionToken)
		optFns = append(optFns, config.WithCredentialsProvider(creds))

	case o.roleARN != "":
		// IAM Role - use STS AssumeRole
		baseCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(o.region))
		if err != nil {
			return aws.Config{}, fmt.Errorf("load base config for role: %w", err)
		}
		stsCreds := newAssumeRoleProvider(baseCfg, o.roleARN, o.roleSessionName, o.externalID)
		optFns = append(optFns, config.WithCredentialsProvider(stsCreds))

	default:
		// Default credential chain (env vars, shared config, instance
		// roles, IRSA). No explicit credentials needed.
	}

	return config.LoadDefaultConfig(ctx, optFns...)
}

// Put uploads content at the given key.
func (s *Store) Put(ctx context.Context, key, contentType string, content io.Reader) (int64, error) {
	if err := blob.ValidateKey(key); err != nil {
		return 0, err
	}

	counted, bytes := blob.NewCountingReader(content)

	input := &transfermanager.UploadObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        counted,
		ContentType: aws.String(contentType),
	}

	if _, err := s.tm.UploadObject(ctx, input); err != nil {
		return 0, fmt.Errorf("upload to s3: %w", err)
	}

	s.logger.Debug("uploaded blob to s3", "bucket", s.bucket, "key", key, "bytes", bytes())
	return bytes(), nil
}

// Get returns a reader for the blob at key.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := blob.ValidateKey(key); err != nil {
		return nil, err
	}

	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, blob.ErrNotFound
		}
		return nil, fmt.Errorf("get object from s3: %w", err)
	}

	return output.Body, nil
}

// Delete removes the blob at key. Missing blobs are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := blob.ValidateKey(key); err != nil {
		return err
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return fmt.Errorf("delete object from s3: %w", err)
	}

	s.logger.Debug("deleted blob from s3", "bucket", s.bucket, "key", key)
	return nil
}

func (s *Store) objectKey(key string) string {
	return path.Join(s.prefix, key)
}
