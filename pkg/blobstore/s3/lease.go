package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/marmos91/blobdict/pkg/blobstore"
)

// S3 has no lease primitive, so exclusion is emulated with one sidecar
// object per key ("<key>.lease") holding the token and expiry. The
// sidecar is created with If-None-Match and replaced with If-Match, so
// two contenders racing for the same lease collide on the conditional
// put and exactly one wins.

// leaseDoc is the sidecar wire format.
type leaseDoc struct {
	Token           string    `json:"token"`
	Expires         time.Time `json:"expires,omitzero"` // zero = infinite
	DurationSeconds int       `json:"duration_seconds"`
}

// active reports whether the lease is held at the given time.
func (d leaseDoc) active(now time.Time) bool {
	return d.Expires.IsZero() || now.Before(d.Expires)
}

func (o *object) leaseKey() string {
	return o.key() + leaseSuffix
}

// readLease downloads the sidecar. Returns the document, its ETag and
// whether a sidecar exists.
func (o *object) readLease(ctx context.Context) (leaseDoc, string, bool, error) {
	var doc leaseDoc
	var etag string

	err := o.container.withRetry(ctx, "get", func() error {
		out, getErr := o.container.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(o.container.bucket),
			Key:    aws.String(o.leaseKey()),
		})
		if getErr != nil {
			return getErr
		}
		defer out.Body.Close()

		body, readErr := io.ReadAll(out.Body)
		if readErr != nil {
			return readErr
		}

		if decodeErr := json.Unmarshal(body, &doc); decodeErr != nil {
			return fmt.Errorf("corrupt lease sidecar: %w", decodeErr)
		}
		etag = normalizeETag(out.ETag)
		return nil
	})

	if err != nil {
		if isNotFoundError(err) {
			return leaseDoc{}, "", false, nil
		}
		return leaseDoc{}, "", false, o.container.wrapError("lease-read", o.name, err)
	}

	return doc, etag, true, nil
}

// writeLease uploads the sidecar. When sidecarETag is empty the put is
// conditioned on the sidecar not existing; otherwise it must still carry
// that version. A lost race surfaces as ErrAlreadyLeased.
func (o *object) writeLease(ctx context.Context, doc leaseDoc, sidecarETag string) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode lease sidecar: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(o.container.bucket),
		Key:    aws.String(o.leaseKey()),
	}
	if sidecarETag == "" {
		input.IfNoneMatch = aws.String("*")
	} else {
		input.IfMatch = aws.String(sidecarETag)
	}

	err = o.container.withRetry(ctx, "put", func() error {
		input.Body = bytes.NewReader(data)
		_, putErr := o.container.client.PutObject(ctx, input)
		return putErr
	})

	if err != nil {
		if isPreconditionFailed(err) {
			return fmt.Errorf("%w: %s", blobstore.ErrAlreadyLeased, o.name)
		}
		return o.container.wrapError("lease-write", o.name, err)
	}

	return nil
}

// checkLease rejects a mutation when the object carries an active lease
// whose token differs from the presented one.
func (o *object) checkLease(ctx context.Context, token string) error {
	doc, _, found, err := o.readLease(ctx)
	if err != nil {
		return err
	}
	if !found || !doc.active(time.Now()) {
		return nil
	}
	if doc.Token != token {
		return fmt.Errorf("%w: %s", blobstore.ErrAlreadyLeased, o.name)
	}
	return nil
}

// AcquireLease takes an exclusive lease on the object for
// durationSeconds (blobstore.InfiniteLease for no expiry, capped at
// blobstore.MaxLeaseSeconds otherwise).
func (o *object) AcquireLease(ctx context.Context, durationSeconds int, cond blobstore.Conditions) (string, error) {
	start := time.Now()
	var err error
	defer func() {
		o.container.metrics.ObserveBackendOp("lease-acquire", time.Since(start), err)
	}()

	// Leases attach to existing objects only, and the version condition
	// is checked against the data object.
	var head *s3.HeadObjectOutput
	err = o.container.withRetry(ctx, "head", func() error {
		var headErr error
		head, headErr = o.container.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(o.container.bucket),
			Key:    aws.String(o.key()),
		})
		return headErr
	})
	if err != nil {
		if isNotFoundError(err) {
			err = fmt.Errorf("%w: %s", blobstore.ErrNotFound, o.name)
		} else {
			err = o.container.wrapError("lease-acquire", o.name, err)
		}
		return "", err
	}
	if cond.IfMatch != "" && normalizeETag(head.ETag) != cond.IfMatch {
		err = fmt.Errorf("%w: %s", blobstore.ErrVersionMismatch, o.name)
		return "", err
	}

	if durationSeconds != blobstore.InfiniteLease && durationSeconds > blobstore.MaxLeaseSeconds {
		durationSeconds = blobstore.MaxLeaseSeconds
	}

	existing, sidecarETag, found, err := o.readLease(ctx)
	if err != nil {
		return "", err
	}
	if found && existing.active(time.Now()) {
		err = fmt.Errorf("%w: %s", blobstore.ErrAlreadyLeased, o.name)
		return "", err
	}

	doc := leaseDoc{
		Token:           uuid.NewString(),
		DurationSeconds: durationSeconds,
	}
	if durationSeconds != blobstore.InfiniteLease {
		doc.Expires = time.Now().Add(time.Duration(durationSeconds) * time.Second)
	}

	// sidecarETag is empty when no sidecar exists, which turns this into
	// a create-if-absent; either way a racing contender loses the
	// conditional put.
	if err = o.writeLease(ctx, doc, sidecarETag); err != nil {
		return "", err
	}

	return doc.Token, nil
}

// RenewLease re-extends a held lease for its original duration.
func (o *object) RenewLease(ctx context.Context, token string) error {
	start := time.Now()
	var err error
	defer func() {
		o.container.metrics.ObserveBackendOp("lease-renew", time.Since(start), err)
	}()

	doc, sidecarETag, found, err := o.readLease(ctx)
	if err != nil {
		return err
	}
	if !found || doc.Token != token {
		err = fmt.Errorf("%w: %s", blobstore.ErrLeaseLost, o.name)
		return err
	}

	if doc.DurationSeconds != blobstore.InfiniteLease {
		doc.Expires = time.Now().Add(time.Duration(doc.DurationSeconds) * time.Second)
	}

	err = o.writeLease(ctx, doc, sidecarETag)
	if err != nil {
		// The conditional put lost to another writer taking over an
		// expired lease.
		if errors.Is(err, blobstore.ErrAlreadyLeased) {
			err = fmt.Errorf("%w: %s", blobstore.ErrLeaseLost, o.name)
		}
		return err
	}

	return nil
}

// BreakLease force-terminates a lease by deleting the sidecar. Breaking
// an already-gone lease is a no-op; breaking with a stale token fails
// with ErrLeaseLost.
//
// S3 deletes are not conditional: a takeover between the token check
// and the DeleteObject would be deleted along with the expired sidecar.
// The window only opens once the lease has already lapsed, and callers
// break with their own token before it expires, so the holder's live
// sidecar is never at risk from its own break.
func (o *object) BreakLease(ctx context.Context, token string) error {
	start := time.Now()
	var err error
	defer func() {
		o.container.metrics.ObserveBackendOp("lease-break", time.Since(start), err)
	}()

	doc, _, found, err := o.readLease(ctx)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if doc.Token != token && doc.active(time.Now()) {
		err = fmt.Errorf("%w: %s", blobstore.ErrLeaseLost, o.name)
		return err
	}

	err = o.container.withRetry(ctx, "delete", func() error {
		_, delErr := o.container.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(o.container.bucket),
			Key:    aws.String(o.leaseKey()),
		})
		return delErr
	})
	if err != nil {
		err = o.container.wrapError("lease-break", o.name, err)
		return err
	}

	return nil
}
