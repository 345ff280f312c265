// Package s3 implements the blobstore interfaces on Amazon S3 and
// S3-compatible servers (MinIO, LocalStack).
//
// Version conditioning maps to S3's conditional requests: writes carry
// If-Match / If-None-Match headers and a precondition failure surfaces
// as blobstore.ErrVersionMismatch or ErrAlreadyExists. S3 has no native
// blob lease, so leases are emulated with a sidecar object per key (see
// lease.go); sidecars are hidden from listings.
package s3

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/marmos91/blobdict/internal/logger"
	"github.com/marmos91/blobdict/pkg/blobstore"
	"github.com/marmos91/blobdict/pkg/metrics"
)

// leaseSuffix names the sidecar object carrying a key's emulated lease.
const leaseSuffix = ".lease"

// Config contains configuration for the S3 container.
type Config struct {
	// Client is the configured S3 client
	Client *s3.Client

	// Bucket is the S3 bucket name
	Bucket string

	// KeyPrefix is an optional prefix for all object keys
	KeyPrefix string

	// MaxRetries is the maximum number of retry attempts for transient
	// errors (default: 3)
	MaxRetries uint

	// InitialBackoff is the initial backoff before the first retry
	// (default: 100ms); subsequent retries back off exponentially up to
	// MaxBackoff (default: 2s) by BackoffMultiplier (default: 2.0)
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64

	// Metrics is an optional metrics collector
	Metrics *metrics.Metrics
}

// retryConfig holds retry settings for S3 operations.
type retryConfig struct {
	maxRetries        uint
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
}

// Container implements blobstore.Container on one S3 bucket (optionally
// under a key prefix). It is safe for concurrent use.
type Container struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
	retry     retryConfig
	metrics   *metrics.Metrics
}

// NewClientFromConfig creates an S3 client from configuration
// parameters. When accessKeyID and secretAccessKey are empty the ambient
// AWS credential chain is used.
func NewClientFromConfig(
	ctx context.Context,
	endpoint,
	region,
	accessKeyID,
	secretAccessKey string,
	forcePathStyle bool,
) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if accessKeyID != "" && secretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
		o.UsePathStyle = forcePathStyle
	})

	return client, nil
}

// NewContainer creates a container over cfg.Bucket and verifies bucket
// access. The bucket must already exist.
func NewContainer(ctx context.Context, cfg Config) (*Container, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	initialBackoff := cfg.InitialBackoff
	if initialBackoff == 0 {
		initialBackoff = 100 * time.Millisecond
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff == 0 {
		maxBackoff = 2 * time.Second
	}
	backoffMultiplier := cfg.BackoffMultiplier
	if backoffMultiplier == 0 {
		backoffMultiplier = 2.0
	}

	_, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	return &Container{
		client:    cfg.Client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
		metrics:   cfg.Metrics,
		retry: retryConfig{
			maxRetries:        maxRetries,
			initialBackoff:    initialBackoff,
			maxBackoff:        maxBackoff,
			backoffMultiplier: backoffMultiplier,
		},
	}, nil
}

// Name returns the bucket name, with the key prefix when configured.
func (c *Container) Name() string {
	if c.keyPrefix != "" {
		return c.bucket + "/" + strings.TrimSuffix(c.keyPrefix, "/")
	}
	return c.bucket
}

// Object returns a handle for the named object.
func (c *Container) Object(name string) blobstore.Object {
	return &object{container: c, name: name}
}

// objectKey returns the full S3 key for an object name.
func (c *Container) objectKey(name string) string {
	return c.keyPrefix + name
}

// List enumerates objects under prefix. A non-empty delimiter collapses
// deeper names into prefix markers, like a directory listing. Lease
// sidecars are filtered out.
func (c *Container) List(ctx context.Context, prefix, delimiter string) ([]blobstore.ObjectInfo, error) {
	start := time.Now()
	var err error
	defer func() {
		c.metrics.ObserveBackendOp("list", time.Since(start), err)
	}()

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(c.objectKey(prefix)),
	}
	if delimiter != "" {
		input.Delimiter = aws.String(delimiter)
	}

	var infos []blobstore.ObjectInfo

	paginator := s3.NewListObjectsV2Paginator(c.client, input)
	for paginator.HasMorePages() {
		if err = ctx.Err(); err != nil {
			return nil, err
		}

		var page *s3.ListObjectsV2Output
		page, err = paginator.NextPage(ctx)
		if err != nil {
			err = c.wrapError("list", prefix, fmt.Errorf("failed to list objects: %w", err))
			return nil, err
		}

		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), c.keyPrefix)
			if strings.HasSuffix(name, leaseSuffix) {
				continue
			}
			infos = append(infos, blobstore.ObjectInfo{Name: name})
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimPrefix(aws.ToString(cp.Prefix), c.keyPrefix)
			infos = append(infos, blobstore.ObjectInfo{Name: name, IsPrefix: true})
		}
	}

	return infos, nil
}

// wrapError attaches operation context to a backend error.
func (c *Container) wrapError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &blobstore.StoreError{
		Op:        op,
		Container: c.bucket,
		Key:       key,
		Backend:   "s3",
		Err:       err,
	}
}

// withRetry runs fn, retrying transient failures with exponential
// backoff.
func (c *Container) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= int(c.retry.maxRetries); attempt++ {
		if attempt > 0 {
			backoff := c.calculateBackoff(attempt - 1)
			logger.Debug("retrying S3 operation", "op", op, "backoff", backoff, "attempt", attempt)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isRetryableError(lastErr) {
			return lastErr
		}
	}

	return lastErr
}

// calculateBackoff returns the backoff duration for a given attempt.
func (c *Container) calculateBackoff(attempt int) time.Duration {
	backoff := float64(c.retry.initialBackoff)
	for i := 0; i < attempt; i++ {
		backoff *= c.retry.backoffMultiplier
	}
	if backoff > float64(c.retry.maxBackoff) {
		backoff = float64(c.retry.maxBackoff)
	}
	return time.Duration(backoff)
}

// isRetryableError returns true if the error is transient and the
// operation should be retried.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttling", "ThrottlingException", "RequestThrottled", "SlowDown":
			return true
		case "InternalError", "ServiceUnavailable":
			return true
		case "NoSuchKey", "NotFound", "AccessDenied", "Forbidden",
			"PreconditionFailed", "InvalidRequest":
			return false
		}
	}

	errStr := err.Error()
	return strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "500")
}

// isNotFoundError returns true if the error indicates the object doesn't
// exist.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}

	errStr := err.Error()
	return strings.Contains(errStr, "StatusCode: 404") ||
		strings.Contains(errStr, "NotFound") ||
		strings.Contains(errStr, "NoSuchKey")
}

// isPreconditionFailed returns true for a rejected If-Match or
// If-None-Match condition (HTTP 412/304).
func isPreconditionFailed(err error) bool {
	if err == nil {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "NotModified", "ConditionalRequestConflict":
			return true
		}
	}

	errStr := err.Error()
	return strings.Contains(errStr, "StatusCode: 412") ||
		strings.Contains(errStr, "StatusCode: 304") ||
		strings.Contains(errStr, "PreconditionFailed")
}

// normalizeETag strips the quotes S3 puts around ETag values.
func normalizeETag(etag *string) string {
	return strings.Trim(aws.ToString(etag), `"`)
}
