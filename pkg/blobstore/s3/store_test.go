package s3

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaseDocActive(t *testing.T) {
	t.Parallel()

	now := time.Now()

	held := leaseDoc{Token: "t", Expires: now.Add(30 * time.Second), DurationSeconds: 30}
	assert.True(t, held.active(now))
	assert.False(t, held.active(now.Add(time.Minute)))

	infinite := leaseDoc{Token: "t", DurationSeconds: -1}
	assert.True(t, infinite.active(now))
	assert.True(t, infinite.active(now.Add(24*time.Hour)))
}

func TestLeaseDocRoundTrip(t *testing.T) {
	t.Parallel()

	doc := leaseDoc{Token: "abc", Expires: time.Now().Truncate(time.Second), DurationSeconds: 45}

	data, err := json.Marshal(doc)
	require.NoError(t, err)

	var decoded leaseDoc
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, doc.Token, decoded.Token)
	assert.Equal(t, doc.DurationSeconds, decoded.DurationSeconds)
	assert.True(t, doc.Expires.Equal(decoded.Expires))
}

func TestLeaseSidecarNaming(t *testing.T) {
	t.Parallel()

	c := &Container{bucket: "b", keyPrefix: "dict/"}
	o := &object{container: c, name: "jobs/42"}

	assert.Equal(t, "dict/jobs/42", o.key())
	assert.Equal(t, "dict/jobs/42.lease", o.leaseKey())
}

func TestCalculateBackoff(t *testing.T) {
	t.Parallel()

	c := &Container{
		retry: retryConfig{
			maxRetries:        3,
			initialBackoff:    100 * time.Millisecond,
			maxBackoff:        2 * time.Second,
			backoffMultiplier: 2.0,
		},
	}

	assert.Equal(t, 100*time.Millisecond, c.calculateBackoff(0))
	assert.Equal(t, 200*time.Millisecond, c.calculateBackoff(1))
	assert.Equal(t, 400*time.Millisecond, c.calculateBackoff(2))
	assert.Equal(t, 2*time.Second, c.calculateBackoff(10), "backoff must be capped")
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	throttled := &smithy.GenericAPIError{Code: "SlowDown"}
	assert.True(t, isRetryableError(throttled))

	notFound := &smithy.GenericAPIError{Code: "NoSuchKey"}
	assert.False(t, isRetryableError(notFound))
	assert.True(t, isNotFoundError(notFound))

	precondition := &smithy.GenericAPIError{Code: "PreconditionFailed"}
	assert.False(t, isRetryableError(precondition))
	assert.True(t, isPreconditionFailed(precondition))
	assert.False(t, isNotFoundError(precondition))

	assert.False(t, isRetryableError(context.Canceled))
	assert.False(t, isRetryableError(nil))
}

func TestNormalizeETag(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc123", normalizeETag(aws.String(`"abc123"`)))
	assert.Equal(t, "abc123", normalizeETag(aws.String("abc123")))
	assert.Equal(t, "", normalizeETag(nil))
}

func TestContainerName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "bucket", (&Container{bucket: "bucket"}).Name())
	assert.Equal(t, "bucket/dict", (&Container{bucket: "bucket", keyPrefix: "dict/"}).Name())
}

func TestNewContainerValidation(t *testing.T) {
	t.Parallel()

	_, err := NewContainer(context.Background(), Config{Bucket: "b"})
	assert.ErrorContains(t, err, "client is required")

	_, err = NewContainer(context.Background(), Config{Client: &awss3.Client{}})
	assert.ErrorContains(t, err, "bucket name is required")
}
