// Package memory implements an in-process blobstore driver.
//
// The driver keeps full version-token and lease semantics (conditional
// writes, exclusive time-bounded leases, prefix listing) so the upper
// layers can be exercised without network access. It backs the test
// suites and is usable as a real single-process backend.
package memory

import (
	"context"
	"crypto/md5"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/blobdict/pkg/blobstore"
)

// entry is the stored state of one object.
type entry struct {
	data     []byte
	etag     string
	md5sum   []byte
	modified time.Time
	lease    *leaseState
}

// leaseState tracks an active lease on an object.
type leaseState struct {
	token    string
	expires  time.Time // zero for infinite leases
	duration time.Duration
}

// Container is an in-memory blobstore.Container.
//
// All state is guarded by one mutex; operations are short and never block
// on I/O, so contention is not a concern at this scale.
type Container struct {
	name string

	mu      sync.Mutex
	objects map[string]*entry

	now func() time.Time
}

// Option customizes a Container.
type Option func(*Container)

// WithClock injects a clock, letting tests advance time to expire leases
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(c *Container) {
		c.now = now
	}
}

// NewContainer creates an empty in-memory container.
func NewContainer(name string, opts ...Option) *Container {
	c := &Container{
		name:    name,
		objects: make(map[string]*entry),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Name returns the container name.
func (c *Container) Name() string {
	return c.name
}

// Object returns a handle for the named object.
func (c *Container) Object(name string) blobstore.Object {
	return &object{container: c, name: name}
}

// List enumerates objects under prefix in lexical order. A non-empty
// delimiter folds deeper names into prefix markers.
func (c *Container) List(ctx context.Context, prefix, delimiter string) ([]blobstore.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	names := make([]string, 0, len(c.objects))
	for name := range c.objects {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	c.mu.Unlock()

	sort.Strings(names)

	var result []blobstore.ObjectInfo
	seenPrefixes := make(map[string]bool)

	for _, name := range names {
		if delimiter != "" {
			rest := name[len(prefix):]
			if idx := strings.Index(rest, delimiter); idx >= 0 {
				marker := prefix + rest[:idx+len(delimiter)]
				if !seenPrefixes[marker] {
					seenPrefixes[marker] = true
					result = append(result, blobstore.ObjectInfo{Name: marker, IsPrefix: true})
				}
				continue
			}
		}
		result = append(result, blobstore.ObjectInfo{Name: name})
	}

	return result, nil
}

// Len returns the number of stored objects.
func (c *Container) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.objects)
}

// leaseActive reports whether e carries an unexpired lease. Expired
// leases are reaped lazily by the callers holding the mutex.
func (c *Container) leaseActive(e *entry) bool {
	if e.lease == nil {
		return false
	}
	if e.lease.expires.IsZero() {
		return true
	}
	if c.now().After(e.lease.expires) {
		e.lease = nil
		return false
	}
	return true
}

// checkAccess validates lease and version conditions for a mutation of e.
// Must be called with the container mutex held.
func (c *Container) checkAccess(e *entry, cond blobstore.Conditions) error {
	if c.leaseActive(e) && cond.LeaseToken != e.lease.token {
		return blobstore.ErrAlreadyLeased
	}
	if cond.IfMatch != "" && cond.IfMatch != e.etag {
		return blobstore.ErrVersionMismatch
	}
	return nil
}

type object struct {
	container *Container
	name      string
}

func (o *object) Name() string {
	return o.name
}

func (o *object) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &blobstore.StoreError{
		Op:        op,
		Container: o.container.name,
		Key:       o.name,
		Backend:   "memory",
		Err:       err,
	}
}

func (o *object) Exists(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	c := o.container
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.objects[o.name]
	return ok, nil
}

func (o *object) properties(e *entry) blobstore.Properties {
	state := blobstore.LeaseStateAvailable
	if o.container.leaseActive(e) {
		state = blobstore.LeaseStateLeased
	}

	return blobstore.Properties{
		VersionToken: e.etag,
		ContentMD5:   e.md5sum,
		Size:         int64(len(e.data)),
		LastModified: e.modified,
		LeaseState:   state,
	}
}

func (o *object) Properties(ctx context.Context) (blobstore.Properties, error) {
	if err := ctx.Err(); err != nil {
		return blobstore.Properties{}, err
	}

	c := o.container
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.objects[o.name]
	if !ok {
		return blobstore.Properties{}, o.wrap("properties", blobstore.ErrNotFound)
	}

	return o.properties(e), nil
}

func (o *object) Read(ctx context.Context, cond blobstore.Conditions) ([]byte, blobstore.Properties, error) {
	if err := ctx.Err(); err != nil {
		return nil, blobstore.Properties{}, err
	}

	c := o.container
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.objects[o.name]
	if !ok {
		return nil, blobstore.Properties{}, o.wrap("read", blobstore.ErrNotFound)
	}

	if cond.IfMatch != "" && cond.IfMatch != e.etag {
		return nil, blobstore.Properties{}, o.wrap("read", blobstore.ErrVersionMismatch)
	}

	data := make([]byte, len(e.data))
	copy(data, e.data)

	return data, o.properties(e), nil
}

func (o *object) ReadRange(ctx context.Context, offset, length int64, cond blobstore.Conditions) ([]byte, error) {
	data, _, err := o.Read(ctx, cond)
	if err != nil {
		return nil, err
	}

	if offset >= int64(len(data)) {
		return nil, nil
	}

	end := int64(len(data))
	if length >= 0 && offset+length < end {
		end = offset + length
	}

	return data[offset:end], nil
}

func (o *object) Write(ctx context.Context, data []byte, cond blobstore.Conditions) (blobstore.Properties, error) {
	if err := ctx.Err(); err != nil {
		return blobstore.Properties{}, err
	}

	c := o.container
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.objects[o.name]

	if exists {
		if cond.IfNoneMatch {
			return blobstore.Properties{}, o.wrap("write", blobstore.ErrAlreadyExists)
		}
		if err := c.checkAccess(e, cond); err != nil {
			return blobstore.Properties{}, o.wrap("write", err)
		}
	} else {
		if cond.IfMatch != "" {
			return blobstore.Properties{}, o.wrap("write", blobstore.ErrVersionMismatch)
		}
		e = &entry{}
		c.objects[o.name] = e
	}

	sum := md5.Sum(data)

	e.data = make([]byte, len(data))
	copy(e.data, data)
	e.etag = uuid.NewString()
	e.md5sum = sum[:]
	e.modified = c.now()

	return o.properties(e), nil
}

func (o *object) Delete(ctx context.Context, cond blobstore.Conditions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c := o.container
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.objects[o.name]
	if !ok {
		return o.wrap("delete", blobstore.ErrNotFound)
	}

	if err := c.checkAccess(e, cond); err != nil {
		return o.wrap("delete", err)
	}

	delete(c.objects, o.name)
	return nil
}

func (o *object) AcquireLease(ctx context.Context, durationSeconds int, cond blobstore.Conditions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c := o.container
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.objects[o.name]
	if !ok {
		return "", o.wrap("lease", blobstore.ErrNotFound)
	}

	if c.leaseActive(e) {
		return "", o.wrap("lease", blobstore.ErrAlreadyLeased)
	}

	if cond.IfMatch != "" && cond.IfMatch != e.etag {
		return "", o.wrap("lease", blobstore.ErrVersionMismatch)
	}

	lease := &leaseState{token: uuid.NewString()}

	if durationSeconds != blobstore.InfiniteLease {
		if durationSeconds > blobstore.MaxLeaseSeconds {
			durationSeconds = blobstore.MaxLeaseSeconds
		}
		lease.duration = time.Duration(durationSeconds) * time.Second
		lease.expires = c.now().Add(lease.duration)
	}

	e.lease = lease
	return lease.token, nil
}

func (o *object) RenewLease(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c := o.container
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.objects[o.name]
	if !ok || !c.leaseActive(e) || e.lease.token != token {
		return o.wrap("renew", blobstore.ErrLeaseLost)
	}

	if !e.lease.expires.IsZero() {
		e.lease.expires = c.now().Add(e.lease.duration)
	}

	return nil
}

func (o *object) BreakLease(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c := o.container
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.objects[o.name]
	if !ok || e.lease == nil {
		// Breaking an absent or already-released lease is a no-op.
		return nil
	}

	// A stale token cannot break a lease another holder still owns.
	if e.lease.token != token && c.leaseActive(e) {
		return o.wrap("break", blobstore.ErrLeaseLost)
	}

	e.lease = nil
	return nil
}
