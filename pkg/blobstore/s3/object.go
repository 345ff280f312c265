package s3

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/marmos91/blobdict/pkg/blobstore"
)

// object implements blobstore.Object on one S3 key.
type object struct {
	container *Container
	name      string
}

func (o *object) Name() string {
	return o.name
}

func (o *object) key() string {
	return o.container.objectKey(o.name)
}

// Exists reports whether the object is present.
func (o *object) Exists(ctx context.Context) (bool, error) {
	start := time.Now()
	var err error
	defer func() {
		o.container.metrics.ObserveBackendOp("head", time.Since(start), err)
	}()

	err = o.container.withRetry(ctx, "head", func() error {
		_, headErr := o.container.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(o.container.bucket),
			Key:    aws.String(o.key()),
		})
		return headErr
	})

	if err != nil {
		if isNotFoundError(err) {
			err = nil
			return false, nil
		}
		err = o.container.wrapError("head", o.name, err)
		return false, err
	}

	return true, nil
}

// Properties returns the object's metadata snapshot, including the lease
// state read from the sidecar.
func (o *object) Properties(ctx context.Context) (blobstore.Properties, error) {
	start := time.Now()
	var err error
	defer func() {
		o.container.metrics.ObserveBackendOp("head", time.Since(start), err)
	}()

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
			err = o.container.wrapError("head", o.name, err)
		}
		return blobstore.Properties{}, err
	}

	leaseState := blobstore.LeaseStateAvailable
	doc, _, found, leaseErr := o.readLease(ctx)
	if leaseErr != nil {
		err = leaseErr
		return blobstore.Properties{}, err
	}
	if found && doc.active(time.Now()) {
		leaseState = blobstore.LeaseStateLeased
	}

	return blobstore.Properties{
		VersionToken: normalizeETag(head.ETag),
		Size:         aws.ToInt64(head.ContentLength),
		LastModified: aws.ToTime(head.LastModified),
		LeaseState:   leaseState,
	}, nil
}

// Read downloads the object content. cond.IfMatch conditions the
// download on the expected version token.
func (o *object) Read(ctx context.Context, cond blobstore.Conditions) ([]byte, blobstore.Properties, error) {
	start := time.Now()
	var err error
	defer func() {
		o.container.metrics.ObserveBackendOp("get", time.Since(start), err)
	}()

	input := &s3.GetObjectInput{
		Bucket: aws.String(o.container.bucket),
		Key:    aws.String(o.key()),
	}
	if cond.IfMatch != "" {
		input.IfMatch = aws.String(cond.IfMatch)
	}

	var data []byte
	var props blobstore.Properties

	err = o.container.withRetry(ctx, "get", func() error {
		out, getErr := o.container.client.GetObject(ctx, input)
		if getErr != nil {
			return getErr
		}
		defer out.Body.Close()

		body, readErr := io.ReadAll(out.Body)
		if readErr != nil {
			return readErr
		}

		sum := md5.Sum(body)
		data = body
		props = blobstore.Properties{
			VersionToken: normalizeETag(out.ETag),
			ContentMD5:   sum[:],
			Size:         int64(len(body)),
			LastModified: aws.ToTime(out.LastModified),
		}
		return nil
	})

	if err != nil {
		err = o.mapConditionError("get", cond, err)
		return nil, blobstore.Properties{}, err
	}

	return data, props, nil
}

// ReadRange downloads length bytes starting at offset; length -1 reads
// to the end.
func (o *object) ReadRange(ctx context.Context, offset, length int64, cond blobstore.Conditions) ([]byte, error) {
	start := time.Now()
	var err error
	defer func() {
		o.container.metrics.ObserveBackendOp("get", time.Since(start), err)
	}()

	var rangeHeader string
	if length < 0 {
		rangeHeader = fmt.Sprintf("bytes=%d-", offset)
	} else {
		rangeHeader = fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(o.container.bucket),
		Key:    aws.String(o.key()),
		Range:  aws.String(rangeHeader),
	}
	if cond.IfMatch != "" {
		input.IfMatch = aws.String(cond.IfMatch)
	}

	var data []byte
	err = o.container.withRetry(ctx, "get", func() error {
		out, getErr := o.container.client.GetObject(ctx, input)
		if getErr != nil {
			return getErr
		}
		defer out.Body.Close()

		body, readErr := io.ReadAll(out.Body)
		if readErr != nil {
			return readErr
		}
		data = body
		return nil
	})

	if err != nil {
		err = o.mapConditionError("get", cond, err)
		return nil, err
	}

	return data, nil
}

// Write uploads data. cond.IfMatch and cond.IfNoneMatch map to S3
// conditional puts; an active lease held by someone else rejects the
// write with blobstore.ErrAlreadyLeased.
func (o *object) Write(ctx context.Context, data []byte, cond blobstore.Conditions) (blobstore.Properties, error) {
	start := time.Now()
	var err error
	defer func() {
		o.container.metrics.ObserveBackendOp("put", time.Since(start), err)
	}()

	if err = o.checkLease(ctx, cond.LeaseToken); err != nil {
		return blobstore.Properties{}, err
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(o.container.bucket),
		Key:    aws.String(o.key()),
	}
	if cond.IfMatch != "" {
		input.IfMatch = aws.String(cond.IfMatch)
	}
	if cond.IfNoneMatch {
		input.IfNoneMatch = aws.String("*")
	}

	var etag string
	err = o.container.withRetry(ctx, "put", func() error {
		input.Body = bytes.NewReader(data)
		out, putErr := o.container.client.PutObject(ctx, input)
		if putErr != nil {
			return putErr
		}
		etag = normalizeETag(out.ETag)
		return nil
	})

	if err != nil {
		err = o.mapConditionError("put", cond, err)
		return blobstore.Properties{}, err
	}

	sum := md5.Sum(data)
	return blobstore.Properties{
		VersionToken: etag,
		ContentMD5:   sum[:],
		Size:         int64(len(data)),
		LastModified: time.Now(),
	}, nil
}

// Delete removes the object.
//
// S3 deletes are not natively conditional: when cond.IfMatch is set the
// current version is checked with a HeadObject first, which leaves a
// small window for a concurrent write between check and delete.
func (o *object) Delete(ctx context.Context, cond blobstore.Conditions) error {
	start := time.Now()
	var err error
	defer func() {
		o.container.metrics.ObserveBackendOp("delete", time.Since(start), err)
	}()

	if err = o.checkLease(ctx, cond.LeaseToken); err != nil {
		return err
	}

	if cond.IfMatch != "" {
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
				err = o.container.wrapError("delete", o.name, err)
			}
			return err
		}
		if normalizeETag(head.ETag) != cond.IfMatch {
			err = fmt.Errorf("%w: %s", blobstore.ErrVersionMismatch, o.name)
			return err
		}
	}

	err = o.container.withRetry(ctx, "delete", func() error {
		_, delErr := o.container.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(o.container.bucket),
			Key:    aws.String(o.key()),
		})
		return delErr
	})

	if err != nil {
		err = o.container.wrapError("delete", o.name, err)
		return err
	}

	return nil
}

// mapConditionError translates S3 errors to blobstore sentinels, taking
// the requested conditions into account.
func (o *object) mapConditionError(op string, cond blobstore.Conditions, err error) error {
	switch {
	case isNotFoundError(err):
		return fmt.Errorf("%w: %s", blobstore.ErrNotFound, o.name)
	case isPreconditionFailed(err):
		if cond.IfNoneMatch {
			return fmt.Errorf("%w: %s", blobstore.ErrAlreadyExists, o.name)
		}
		return fmt.Errorf("%w: %s", blobstore.ErrVersionMismatch, o.name)
	default:
		return o.container.wrapError(op, o.name, err)
	}
}
