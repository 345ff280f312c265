// Package blobstore defines the boundary between blobdict and the remote
// object store.
//
// The dictionary layers (lease registry, conditional object handle, index
// synchronizer, facade) are written against the Container and Object
// interfaces below. Drivers translate them to a concrete backend:
//
//   - blobstore/s3: Amazon S3 or S3-compatible storage
//   - blobstore/memory: in-process store for tests and embedding
//
// The interfaces intentionally expose only what the upper layers need:
// per-object conditional reads/writes/deletes keyed by an opaque version
// token, time-bounded exclusive leases, and prefix listing. Retry and
// backoff policy belongs to the driver, not to callers.
package blobstore

import (
	"context"
	"time"
)

// InfiniteLease requests a lease with no backend-side expiry.
const InfiniteLease = -1

// MaxLeaseSeconds is the longest bounded lease a backend grants for a
// single acquire or renew call. Holds longer than this are sustained by
// the lease registry re-extending the physical lease.
const MaxLeaseSeconds = 60

// LeaseState describes the lease status of an object as reported by the
// backend.
type LeaseState string

const (
	// LeaseStateAvailable means no process currently holds a lease.
	LeaseStateAvailable LeaseState = "available"

	// LeaseStateLeased means some process holds an active lease.
	LeaseStateLeased LeaseState = "leased"
)

// Properties is the metadata snapshot of a stored object.
type Properties struct {
	// VersionToken is the opaque revision identifier (ETag) of the current
	// content. It changes on every successful write.
	VersionToken string

	// ContentMD5 is the MD5 digest of the content, when the backend
	// tracks one. May be nil.
	ContentMD5 []byte

	// Size is the content length in bytes.
	Size int64

	// LastModified is the backend's modification timestamp.
	LastModified time.Time

	// LeaseState reports whether the object is currently leased.
	LeaseState LeaseState
}

// Conditions qualifies a read, write, delete or lease operation.
//
// The zero value imposes no conditions (last writer wins).
type Conditions struct {
	// IfMatch makes the operation succeed only while the object's current
	// version token equals this value. A mismatch fails with
	// ErrVersionMismatch.
	IfMatch string

	// IfNoneMatch makes a write succeed only if the object does not exist
	// yet. An existing object fails with ErrAlreadyExists.
	IfNoneMatch bool

	// LeaseToken authorizes operations on a leased object. Writes and
	// deletes against an object leased by another holder fail with
	// ErrAlreadyLeased.
	LeaseToken string
}

// ObjectInfo is one entry of a container listing.
type ObjectInfo struct {
	// Name is the full object name, or the common prefix when IsPrefix is
	// set.
	Name string

	// IsPrefix marks a prefix marker (a "directory") produced by
	// delimiter-based listing.
	IsPrefix bool
}

// Object is a handle to a single remote object.
//
// Implementations must be safe for concurrent use. All blocking calls take
// a context for cancellation.
type Object interface {
	// Name returns the object name within its container.
	Name() string

	// Exists reports whether the object is present in the backend.
	Exists(ctx context.Context) (bool, error)

	// Properties fetches the current metadata snapshot. Fails with
	// ErrNotFound for absent objects.
	Properties(ctx context.Context) (Properties, error)

	// Read downloads the full content. Fails with ErrNotFound for absent
	// objects and ErrVersionMismatch when cond.IfMatch is stale.
	Read(ctx context.Context, cond Conditions) ([]byte, Properties, error)

	// ReadRange downloads length bytes starting at offset. A length of -1
	// reads to the end of the object.
	ReadRange(ctx context.Context, offset, length int64, cond Conditions) ([]byte, error)

	// Write uploads content, subject to cond, and returns the new
	// metadata snapshot.
	Write(ctx context.Context, data []byte, cond Conditions) (Properties, error)

	// Delete removes the object, subject to cond. Deleting an absent
	// object fails with ErrNotFound; callers wanting idempotent deletes
	// check for it.
	Delete(ctx context.Context, cond Conditions) error

	// AcquireLease takes an exclusive lease for durationSeconds
	// (InfiniteLease for unbounded, at most MaxLeaseSeconds otherwise)
	// and returns the lease token. Fails with ErrAlreadyLeased while
	// another holder has the lease and with ErrVersionMismatch when
	// cond.IfMatch is stale.
	AcquireLease(ctx context.Context, durationSeconds int, cond Conditions) (string, error)

	// RenewLease re-extends a held lease for its original duration.
	// Fails with ErrLeaseLost when the token no longer identifies an
	// active lease.
	RenewLease(ctx context.Context, token string) error

	// BreakLease force-terminates a lease so the object can be leased
	// again immediately. Breaking an already-released lease is a no-op;
	// a stale token cannot break a lease another holder still owns and
	// fails with ErrLeaseLost.
	BreakLease(ctx context.Context, token string) error
}

// Container is a named namespace of objects.
type Container interface {
	// Name returns the container (bucket) name.
	Name() string

	// Object returns a handle for the named object. The object need not
	// exist yet.
	Object(name string) Object

	// List enumerates objects under prefix. A non-empty delimiter groups
	// deeper names into prefix markers, mirroring S3/Azure hierarchical
	// listing. Consistency is whatever the backend's listing API
	// provides.
	List(ctx context.Context, prefix, delimiter string) ([]ObjectInfo, error)
}
