// Package objectstore fetches and removes inbound raw messages stored in S3.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/shineum/maskrelay/internal/observe"
)

// ErrStorageClient means the raw message could not be fetched.
var ErrStorageClient = errors.New("failed to fetch email from S3")

// ObjectAPI is the subset of the S3 client used here.
// It exists to allow mocking in tests.
type ObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3 reads and deletes objects from S3.
type S3 struct {
	client  ObjectAPI
	logger  *slog.Logger
	metrics *observe.Metrics
}

// New creates an S3 store from an already loaded AWS config.
func New(awsCfg aws.Config, logger *slog.Logger, metrics *observe.Metrics) *S3 {
	return NewWithClient(s3.NewFromConfig(awsCfg), logger, metrics)
}

// NewWithClient creates an S3 store with an injected client.
// This is useful for testing.
func NewWithClient(client ObjectAPI, logger *slog.Logger, metrics *observe.Metrics) *S3 {
	return &S3{client: client, logger: logger, metrics: metrics}
}

// Fetch returns the full object body.
func (s *S3) Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("%w: missing bucket or key", ErrStorageClient)
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.logger.Error("s3_client_error_get_email", clientErrorAttrs(err, bucket, key)...)
		return nil, fmt.Errorf("%w: %w", ErrStorageClient, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		s.logger.Error("s3_client_error_get_email", clientErrorAttrs(err, bucket, key)...)
		return nil, fmt.Errorf("%w: %w", ErrStorageClient, err)
	}
	return data, nil
}

// Remove deletes the object and reports the returned delete marker.
// Failures are logged and counted, never returned.
func (s *S3) Remove(ctx context.Context, bucket, key string) bool {
	if bucket == "" || key == "" {
		return false
	}

	out, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.logger.Error("s3_client_error_delete_email", clientErrorAttrs(err, bucket, key)...)
		s.metrics.Incr("message_not_removed_from_s3", 1)
		return false
	}
	return aws.ToBool(out.DeleteMarker)
}

func clientErrorAttrs(err error, bucket, key string) []any {
	attrs := []any{
		slog.String("bucket", bucket),
		slog.String("key", key),
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		attrs = append(attrs,
			slog.String("code", apiErr.ErrorCode()),
			slog.String("message", apiErr.ErrorMessage()),
		)
	}
	return append(attrs, sloki.WrapError(err))
}
