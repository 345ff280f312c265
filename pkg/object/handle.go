// Package object implements the conditional object handle: per-key
// read/modify/write against the remote store with optimistic concurrency,
// plus lease-based exclusive locking through the lease registry.
//
// A Handle caches the last-observed version token (ETag) and content MD5
// of its object. Conditioned writes and deletes are validated by the
// backend against that token, so concurrent modification is detected
// without any client-side locking.
package object

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/blobdict/internal/logger"
	"github.com/marmos91/blobdict/pkg/blobstore"
	"github.com/marmos91/blobdict/pkg/lease"
)

// ErrLockTimeout is returned by Lock when the wait budget is exhausted
// before the backend lease could be acquired.
var ErrLockTimeout = errors.New("could not acquire lock in time")

// Unbounded disables a wait or duration budget (-1 semantics).
const Unbounded = -1

// DefaultPollInterval is the lock polling interval when none is given.
const DefaultPollInterval = 0.5

// WriteOptions qualifies a Write.
type WriteOptions struct {
	// Overwrite permits replacing an existing object. When false, a
	// collision fails with blobstore.ErrAlreadyExists.
	Overwrite bool

	// AllowChanged skips version-token conditioning: the write becomes
	// last-writer-wins. When false and a token is cached, a concurrent
	// change fails with blobstore.ErrVersionMismatch.
	AllowChanged bool
}

// LockOptions qualifies a Lock.
type LockOptions struct {
	// Duration is the requested hold in seconds; Unbounded holds until
	// Unlock. The physical backend lease is capped at
	// blobstore.MaxLeaseSeconds and re-extended by the registry.
	Duration float64

	// Wait bounds the time spent polling for a contended lease, in
	// seconds. Unbounded blocks indefinitely.
	Wait float64

	// PollInterval is the sleep between acquisition attempts, in seconds.
	// Zero means DefaultPollInterval.
	PollInterval float64

	// Identity scopes the lock locally (see lease.Identity).
	Identity lease.Identity

	// IgnoreChanged locks the object even if its content changed since
	// the last observation. When false, a stale version token fails with
	// blobstore.ErrVersionMismatch.
	IgnoreChanged bool

	// Autocreate creates an empty object before locking when the object
	// does not exist yet. Backends cannot lease absent objects.
	Autocreate bool
}

// Handle is a per-key wrapper over one remote object.
//
// A Handle is safe for concurrent use; its cached state is guarded by a
// mutex that is never held across a backend call.
type Handle struct {
	obj       blobstore.Object
	container blobstore.Container
	registry  *lease.Registry

	// instanceID makes instance-scoped lock identities unique per handle.
	instanceID string

	mu      sync.Mutex
	etag    string
	md5sum  []byte
	lockKey string // registry key of the lock most recently taken via this handle
}

// NewHandle creates a handle for the named object.
func NewHandle(container blobstore.Container, name string, registry *lease.Registry) *Handle {
	return &Handle{
		obj:        container.Object(name),
		container:  container,
		registry:   registry,
		instanceID: uuid.NewString(),
	}
}

// Name returns the object name within its container.
func (h *Handle) Name() string {
	return h.obj.Name()
}

// URI returns the stable identifier used for process- and custom-scoped
// lock identities.
func (h *Handle) URI() string {
	return fmt.Sprintf("%s/%s", h.container.Name(), h.obj.Name())
}

// VersionToken returns the last-observed version token, empty when none
// has been observed yet.
func (h *Handle) VersionToken() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.etag
}

// ContentMD5 returns the last-observed content digest, nil when unknown.
func (h *Handle) ContentMD5() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.md5sum
}

// Invalidate clears all cached state, forcing the next conditioned
// operation to proceed unconditioned.
func (h *Handle) Invalidate() {
	h.mu.Lock()
	h.etag = ""
	h.md5sum = nil
	h.mu.Unlock()
}

// leaseToken returns the backend token of the lease this handle holds, if
// any.
func (h *Handle) leaseToken() string {
	h.mu.Lock()
	key := h.lockKey
	h.mu.Unlock()

	if key == "" {
		return ""
	}

	l, ok := h.registry.Get(key)
	if !ok {
		return ""
	}
	return l.Token()
}

// HoldsLock reports whether this handle holds a lock that the registry
// is still tracking. Unlike Locked it never talks to the backend.
func (h *Handle) HoldsLock() bool {
	h.mu.Lock()
	key := h.lockKey
	h.mu.Unlock()

	if key == "" {
		return false
	}
	_, ok := h.registry.Get(key)
	return ok
}

// Exists reports whether the object is present in the backend.
func (h *Handle) Exists(ctx context.Context) (bool, error) {
	return h.obj.Exists(ctx)
}

// Read downloads the object content and records its version token and
// content digest. Absent objects fail with blobstore.ErrNotFound.
func (h *Handle) Read(ctx context.Context) ([]byte, error) {
	data, props, err := h.obj.Read(ctx, blobstore.Conditions{})
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			// A not-found observation invalidates any cached token.
			h.Invalidate()
		}
		return nil, err
	}

	h.mu.Lock()
	h.etag = props.VersionToken
	h.md5sum = props.ContentMD5
	h.mu.Unlock()

	return data, nil
}

// Write uploads data subject to opts and records the new version token.
func (h *Handle) Write(ctx context.Context, data []byte, opts WriteOptions) error {
	h.mu.Lock()
	cond := blobstore.Conditions{}
	if !opts.AllowChanged && h.etag != "" {
		cond.IfMatch = h.etag
	}
	if !opts.Overwrite {
		cond.IfNoneMatch = true
		cond.IfMatch = ""
	}
	h.mu.Unlock()

	cond.LeaseToken = h.leaseToken()

	props, err := h.obj.Write(ctx, data, cond)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.etag = props.VersionToken
	h.md5sum = props.ContentMD5
	h.mu.Unlock()

	return nil
}

// Delete removes the object. When allowChanged is false the delete is
// conditioned on the cached version token. A concurrent not-found is
// treated as success, making deletes idempotent. All cached state is
// cleared.
func (h *Handle) Delete(ctx context.Context, allowChanged bool) error {
	h.mu.Lock()
	cond := blobstore.Conditions{}
	if !allowChanged && h.etag != "" {
		cond.IfMatch = h.etag
	}
	h.mu.Unlock()

	cond.LeaseToken = h.leaseToken()

	err := h.obj.Delete(ctx, cond)
	if err != nil && !errors.Is(err, blobstore.ErrNotFound) {
		return err
	}

	h.Invalidate()
	return nil
}

// Locked reports whether the object currently carries a backend lease,
// held by anyone. This is a network call.
func (h *Handle) Locked(ctx context.Context) (bool, error) {
	props, err := h.obj.Properties(ctx)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return props.LeaseState == blobstore.LeaseStateLeased, nil
}

// Lock acquires a backend lease on the object and registers it with the
// lease registry under opts.Identity.
//
// If this process already holds the lock under the same identity, the
// recorded expiry is extended and Lock returns immediately. While the
// backend reports the object leased by someone else, Lock sleeps
// opts.PollInterval and retries, bounded by opts.Wait; on exhaustion it
// fails with ErrLockTimeout.
func (h *Handle) Lock(ctx context.Context, opts LockOptions) error {
	key := opts.Identity.Key(h.instanceID, h.URI())

	// Re-entrant path: extend the recorded expiry without touching the
	// backend.
	if _, held := h.registry.Get(key); held {
		if h.registry.Update(key, opts.Duration) {
			h.rememberLock(key)
			return nil
		}
	}

	if opts.Autocreate {
		if err := h.autocreate(ctx); err != nil {
			return err
		}
	}

	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	start := time.Now()

	for {
		h.mu.Lock()
		cond := blobstore.Conditions{}
		if !opts.IgnoreChanged && h.etag != "" {
			cond.IfMatch = h.etag
		}
		h.mu.Unlock()

		token, err := h.obj.AcquireLease(ctx, blobstore.MaxLeaseSeconds, cond)
		if err == nil {
			bl := &backendLease{obj: h.obj, token: token}
			if addErr := h.registry.Add(key, bl, lease.DefaultAutorenewSeconds, opts.Duration, nil, nil); addErr != nil {
				// Registry shut down between acquire and add; give the
				// lease back.
				_ = bl.Break(ctx)
				return addErr
			}
			h.rememberLock(key)
			logger.Debug("object locked", "key", h.obj.Name(), "lock_id", key, "duration_s", opts.Duration)
			return nil
		}

		if !errors.Is(err, blobstore.ErrAlreadyLeased) {
			return err
		}

		if opts.Wait != Unbounded && time.Since(start).Seconds() >= opts.Wait {
			return fmt.Errorf("%w (key=%s, waited=%.1fs)", ErrLockTimeout, h.obj.Name(), opts.Wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(pollInterval * float64(time.Second))):
		}
	}
}

// Unlock releases the lock held under identity via the registry, breaking
// the backend lease so other processes can acquire it immediately.
// Unlocking an unheld lock is a no-op.
func (h *Handle) Unlock(identity lease.Identity) {
	key := identity.Key(h.instanceID, h.URI())
	h.registry.Remove(key, true)

	h.mu.Lock()
	if h.lockKey == key {
		h.lockKey = ""
	}
	h.mu.Unlock()
}

// rememberLock records the registry key of the lock most recently taken
// through this handle, so writes and deletes can present its token.
func (h *Handle) rememberLock(key string) {
	h.mu.Lock()
	h.lockKey = key
	h.mu.Unlock()
}

// autocreate ensures the object exists before a lease is requested. A
// concurrent create by another process is fine.
func (h *Handle) autocreate(ctx context.Context) error {
	exists, err := h.obj.Exists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	props, err := h.obj.Write(ctx, nil, blobstore.Conditions{IfNoneMatch: true})
	if err != nil {
		if errors.Is(err, blobstore.ErrAlreadyExists) {
			return nil
		}
		return err
	}

	h.mu.Lock()
	h.etag = props.VersionToken
	h.md5sum = props.ContentMD5
	h.mu.Unlock()

	return nil
}

// backendLease adapts a blobstore lease to the registry's Renewable.
type backendLease struct {
	obj   blobstore.Object
	token string
}

func (l *backendLease) Token() string {
	return l.token
}

func (l *backendLease) Renew(ctx context.Context) error {
	return l.obj.RenewLease(ctx, l.token)
}

func (l *backendLease) Break(ctx context.Context) error {
	return l.obj.BreakLease(ctx, l.token)
}
