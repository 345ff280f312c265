// Package dict exposes a remote container folder as a key-value map.
//
// Every key is one object in the backend; values are raw bytes (see
// Typed for serialized access). Writes are conditioned on the version
// each key was last observed at, so concurrent modification surfaces as
// blobstore.ErrVersionMismatch instead of a silent overwrite. An
// optional index object keeps key enumeration to a single download; it
// is maintained with the merge protocol of pkg/index, so independent
// processes can share one namespace without a coordinator.
package dict

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/marmos91/blobdict/internal/logger"
	"github.com/marmos91/blobdict/pkg/blobstore"
	"github.com/marmos91/blobdict/pkg/index"
	"github.com/marmos91/blobdict/pkg/lease"
	"github.com/marmos91/blobdict/pkg/metrics"
	"github.com/marmos91/blobdict/pkg/object"
	"github.com/marmos91/blobdict/pkg/serializer"
	"github.com/marmos91/blobdict/pkg/transfer"
)

// DefaultWorkers bounds bulk fan-out when Options.Workers is zero.
const DefaultWorkers = 4

// Options configures a Dictionary.
type Options struct {
	// Container is the backend namespace holding the dictionary objects.
	Container blobstore.Container

	// Folder places all keys under a common prefix. Normalized to end
	// with "/". Empty means the container root.
	Folder string

	// Indexed maintains the shared index object so Keys does not depend
	// on backend listing.
	Indexed bool

	// Scope is the lock-identity string shared by cooperating dictionary
	// instances. Empty gives this dictionary a private scope, so its
	// locks exclude every other dictionary instance, local or remote.
	Scope string

	// Serializer encodes values for Typed access. Defaults to
	// serializer.Raw.
	Serializer serializer.Serializer

	// Registry renews held leases. When nil the dictionary owns a
	// private registry and stops it on Close.
	Registry *lease.Registry

	// Workers bounds concurrent backend calls in bulk operations.
	Workers int

	// CacheCapacity bounds the per-key handle cache.
	CacheCapacity int

	// Metrics is optional.
	Metrics *metrics.Metrics

	// IndexLockWait bounds the wait for the index lease, in seconds.
	IndexLockWait float64
}

// LockOptions qualifies a per-key Lock. Zero values select the
// defaults: hold and wait without bound, poll every half second.
type LockOptions struct {
	// Duration is the logical hold in seconds; 0 or Unbounded holds
	// until Unlock.
	Duration float64

	// Wait bounds the time spent waiting for a contended lock, in
	// seconds; 0 or Unbounded waits indefinitely.
	Wait float64

	// PollInterval is the sleep between acquisition attempts, in
	// seconds.
	PollInterval float64

	// Autocreate creates the object before locking when absent.
	Autocreate bool
}

// Item is one key-value pair of the dictionary.
type Item struct {
	Key   string
	Value []byte
}

// Dictionary is a concurrent map backed by a remote object container.
//
// All methods are safe for concurrent use within a process; cross-process
// coordination goes through conditioned writes, leases and the index
// protocol.
type Dictionary struct {
	container blobstore.Container
	folder    string
	handles   *object.Cache
	registry  *lease.Registry
	ownsReg   bool
	identity  lease.Identity
	ser       serializer.Serializer
	workers   int
	metrics   *metrics.Metrics

	mu  sync.Mutex
	idx *index.Synchronizer // nil when not indexed
}

// New creates a dictionary over opts.Container.
func New(opts Options) (*Dictionary, error) {
	if opts.Container == nil {
		return nil, errors.New("dict: Container is required")
	}

	folder := opts.Folder
	if folder != "" && !strings.HasSuffix(folder, "/") {
		folder += "/"
	}

	registry := opts.Registry
	ownsReg := false
	if registry == nil {
		registry = lease.NewRegistry(lease.WithMetrics(opts.Metrics))
		ownsReg = true
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	ser := opts.Serializer
	if ser == nil {
		ser = serializer.Raw{}
	}

	scope := opts.Scope
	if scope == "" {
		// Private scope: locks taken through this dictionary exclude
		// everybody, including other instances in this process.
		scope = "dict-" + uuid.NewString()
	}

	d := &Dictionary{
		container: opts.Container,
		folder:    folder,
		handles:   object.NewCache(opts.Container, registry, opts.CacheCapacity),
		registry:  registry,
		ownsReg:   ownsReg,
		identity:  lease.Custom(scope),
		ser:       ser,
		workers:   workers,
		metrics:   opts.Metrics,
	}

	if opts.Indexed {
		idxOpts := []index.Option{index.WithMetrics(opts.Metrics)}
		if opts.IndexLockWait != 0 {
			idxOpts = append(idxOpts, index.WithLockWait(opts.IndexLockWait))
		}
		d.idx = index.New(
			object.NewHandle(opts.Container, d.url(index.ObjectName), registry),
			d.identity,
			idxOpts...,
		)
	}

	return d, nil
}

// Close releases resources owned by the dictionary. When the lease
// registry is dictionary-owned it is stopped and all held leases are
// broken.
func (d *Dictionary) Close() {
	if d.ownsReg {
		d.registry.Stop(true)
	}
}

// Indexed reports whether this dictionary maintains the index object.
func (d *Dictionary) Indexed() bool {
	return d.idx != nil
}

// Serializer returns the value codec configured for Typed access.
func (d *Dictionary) Serializer() serializer.Serializer {
	return d.ser
}

// url maps a key to its object name within the container.
func (d *Dictionary) url(key string) string {
	return d.folder + key
}

// handle returns the shared per-key handle.
func (d *Dictionary) handle(key string) *object.Handle {
	return d.handles.Get(d.url(key))
}

// ============================================================================
// Single-key operations
// ============================================================================

// Get downloads the value stored under key. A missing key fails with
// ErrKeyNotFound.
func (d *Dictionary) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := d.handle(key).Read(ctx)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
		}
		return nil, err
	}
	return data, nil
}

// GetDefault downloads the value stored under key, returning def when
// the key is absent.
func (d *Dictionary) GetDefault(ctx context.Context, key string, def []byte) ([]byte, error) {
	data, err := d.Get(ctx, key)
	if errors.Is(err, ErrKeyNotFound) {
		return def, nil
	}
	return data, err
}

// SetDefault stores def under key unless the key already exists, and
// returns the value now stored.
func (d *Dictionary) SetDefault(ctx context.Context, key string, def []byte) ([]byte, error) {
	data, err := d.Get(ctx, key)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}

	err = d.handle(key).Write(ctx, def, object.WriteOptions{})
	if errors.Is(err, blobstore.ErrAlreadyExists) {
		// Raced with another writer; theirs wins.
		return d.Get(ctx, key)
	}
	if err != nil {
		return nil, err
	}

	if err := d.indexAdd(ctx, key); err != nil {
		return nil, err
	}
	return def, nil
}

// Set stores value under key, overwriting any previous value.
//
// When the key was read or written through this dictionary before, the
// write is conditioned on that observation and a concurrent change fails
// with blobstore.ErrVersionMismatch. Use ForceSet for last-writer-wins.
func (d *Dictionary) Set(ctx context.Context, key string, value []byte) error {
	return d.set(ctx, key, value, false)
}

// ForceSet stores value under key unconditionally, discarding any
// concurrent modification.
func (d *Dictionary) ForceSet(ctx context.Context, key string, value []byte) error {
	return d.set(ctx, key, value, true)
}

func (d *Dictionary) set(ctx context.Context, key string, value []byte, allowChanged bool) error {
	opts := object.WriteOptions{Overwrite: true, AllowChanged: allowChanged}
	if err := d.handle(key).Write(ctx, value, opts); err != nil {
		return err
	}
	return d.indexAdd(ctx, key)
}

// Delete removes key from the dictionary. Deleting an absent key is a
// no-op.
func (d *Dictionary) Delete(ctx context.Context, key string) error {
	if err := d.handle(key).Delete(ctx, true); err != nil {
		return err
	}
	return d.indexRemove(ctx, key)
}

// Contains reports whether key has a stored object.
func (d *Dictionary) Contains(ctx context.Context, key string) (bool, error) {
	return d.handle(key).Exists(ctx)
}

// ============================================================================
// Enumeration
// ============================================================================

// Keys enumerates the dictionary's keys.
//
// Indexed dictionaries download the index object, so the answer reflects
// indexed writes even when the backend's listing lags. Unindexed
// dictionaries fall back to a delimiter listing of the folder, whose
// consistency is whatever the backend provides.
func (d *Dictionary) Keys(ctx context.Context) ([]string, error) {
	if d.idx != nil {
		return d.idx.Read(ctx)
	}
	return d.listKeys(ctx)
}

// listKeys enumerates keys through the backend listing API, excluding
// the index sentinel and nested prefixes.
func (d *Dictionary) listKeys(ctx context.Context) ([]string, error) {
	infos, err := d.container.List(ctx, d.folder, "/")
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.IsPrefix {
			continue
		}
		key := strings.TrimPrefix(info.Name, d.folder)
		if key == "" || key == index.ObjectName {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Len returns the number of keys.
func (d *Dictionary) Len(ctx context.Context) (int, error) {
	keys, err := d.Keys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Values downloads every value, in key order.
func (d *Dictionary) Values(ctx context.Context) ([][]byte, error) {
	items, err := d.Items(ctx)
	if err != nil {
		return nil, err
	}

	values := make([][]byte, len(items))
	for i, item := range items {
		values[i] = item.Value
	}
	return values, nil
}

// Items downloads every key-value pair, in key order. Keys deleted
// between enumeration and download are skipped.
func (d *Dictionary) Items(ctx context.Context) ([]Item, error) {
	keys, err := d.Keys(ctx)
	if err != nil {
		return nil, err
	}

	byKey, err := d.GetMany(ctx, keys)
	if err != nil {
		var batch *BatchError
		if !errors.As(err, &batch) {
			return nil, err
		}
		for key, cause := range batch.Failures {
			if !errors.Is(cause, ErrKeyNotFound) {
				return nil, err
			}
			// Deleted under us; drop it.
			logger.Debug("key vanished during iteration", "key", key)
		}
	}

	items := make([]Item, 0, len(byKey))
	for _, key := range keys {
		if value, ok := byKey[key]; ok {
			items = append(items, Item{Key: key, Value: value})
		}
	}
	return items, nil
}

// Clear deletes every key. The index, when maintained, is rewritten
// once.
func (d *Dictionary) Clear(ctx context.Context) error {
	keys, err := d.Keys(ctx)
	if err != nil {
		return err
	}
	return d.DeleteMany(ctx, keys)
}

// Index returns the current content of the index object. Fails on
// unindexed dictionaries.
func (d *Dictionary) Index(ctx context.Context) ([]string, error) {
	if d.idx == nil {
		return nil, errors.New("dict: dictionary is not indexed")
	}
	return d.idx.Read(ctx)
}

// ============================================================================
// Bulk operations
// ============================================================================

// GetMany downloads the given keys concurrently, bounded by Workers.
//
// The returned map holds every key that downloaded successfully. When
// any key failed, the error is a *BatchError naming each failed key;
// the successful subset is still returned.
func (d *Dictionary) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	results := make(map[string][]byte, len(keys))
	failures := make(map[string]error)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)

	for _, key := range keys {
		g.Go(func() error {
			data, err := d.Get(gctx, key)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[key] = err
				return nil
			}
			results[key] = data
			return nil
		})
	}

	// Workers never return errors; the group is used for its bounded
	// fan-out and context plumbing.
	_ = g.Wait()

	if len(failures) > 0 {
		return results, &BatchError{Op: "get", Failures: failures}
	}
	return results, nil
}

// SetMany stores the given entries concurrently, bounded by Workers.
//
// Each write is conditioned like Set. Failed keys are reported in a
// *BatchError; successful keys stay written and are merged into the
// index in a single update.
func (d *Dictionary) SetMany(ctx context.Context, entries map[string][]byte) error {
	succeeded := make([]string, 0, len(entries))
	failures := make(map[string]error)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)

	for key, value := range entries {
		g.Go(func() error {
			err := d.handle(key).Write(gctx, value, object.WriteOptions{Overwrite: true})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[key] = err
				return nil
			}
			succeeded = append(succeeded, key)
			return nil
		})
	}

	_ = g.Wait()

	if err := d.indexAddAll(ctx, succeeded); err != nil {
		return err
	}

	if len(failures) > 0 {
		return &BatchError{Op: "set", Failures: failures}
	}
	return nil
}

// DeleteMany removes the given keys concurrently, bounded by Workers.
// Absent keys are no-ops. Successful deletes are removed from the index
// in a single update.
func (d *Dictionary) DeleteMany(ctx context.Context, keys []string) error {
	succeeded := make([]string, 0, len(keys))
	failures := make(map[string]error)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)

	for _, key := range keys {
		g.Go(func() error {
			err := d.handle(key).Delete(gctx, true)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[key] = err
				return nil
			}
			succeeded = append(succeeded, key)
			return nil
		})
	}

	_ = g.Wait()

	if err := d.indexRemoveAll(ctx, succeeded); err != nil {
		return err
	}

	if len(failures) > 0 {
		return &BatchError{Op: "delete", Failures: failures}
	}
	return nil
}

// ============================================================================
// Async operations
// ============================================================================

// AsyncSet starts the upload of value under key and returns immediately.
// The returned handle settles when the write (and index update, when
// indexed) finished; callers Join it to observe the outcome.
func (d *Dictionary) AsyncSet(ctx context.Context, key string, value []byte) *transfer.Progress {
	p := transfer.NewProgress(transfer.OpUpload, key)

	go func() {
		if err := d.Set(ctx, key, value); err != nil {
			p.Fail(err)
			return
		}
		p.Tick(int64(len(value)), int64(len(value)))
		p.Complete(nil)
	}()

	return p
}

// AsyncGet starts the download of key and returns immediately. After a
// successful Join the content is available via Result.
func (d *Dictionary) AsyncGet(ctx context.Context, key string) *transfer.Progress {
	p := transfer.NewProgress(transfer.OpDownload, key)

	go func() {
		data, err := d.Get(ctx, key)
		if err != nil {
			p.Fail(err)
			return
		}
		p.Tick(int64(len(data)), int64(len(data)))
		p.Complete(data)
	}()

	return p
}

// ============================================================================
// Locking
// ============================================================================

// Lock takes an exclusive lock on key, shared-scope with every
// dictionary configured with the same Scope string. The underlying
// backend lease is renewed automatically for the requested duration.
func (d *Dictionary) Lock(ctx context.Context, key string, opts LockOptions) error {
	duration := opts.Duration
	if duration == 0 {
		duration = object.Unbounded
	}
	wait := opts.Wait
	if wait == 0 {
		wait = object.Unbounded
	}

	return d.handle(key).Lock(ctx, object.LockOptions{
		Duration:      duration,
		Wait:          wait,
		PollInterval:  opts.PollInterval,
		Identity:      d.identity,
		IgnoreChanged: true,
		Autocreate:    opts.Autocreate,
	})
}

// Unlock releases the lock on key. Unlocking an unheld key is a no-op.
func (d *Dictionary) Unlock(key string) {
	d.handle(key).Unlock(d.identity)
}

// ============================================================================
// Index maintenance
// ============================================================================

func (d *Dictionary) indexAdd(ctx context.Context, key string) error {
	return d.indexAddAll(ctx, []string{key})
}

func (d *Dictionary) indexRemove(ctx context.Context, key string) error {
	return d.indexRemoveAll(ctx, []string{key})
}

// indexAddAll appends keys to the index in one merge-protected update.
func (d *Dictionary) indexAddAll(ctx context.Context, keys []string) error {
	if d.idx == nil || len(keys) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	current, err := d.idx.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read index: %w", err)
	}

	adding := make(map[string]bool, len(keys))
	for _, k := range keys {
		adding[k] = true
	}

	updated := make([]string, 0, len(current)+len(keys))
	for _, k := range current {
		if !adding[k] {
			updated = append(updated, k)
		}
	}
	updated = append(updated, keys...)

	return d.idx.Set(ctx, updated)
}

// indexRemoveAll drops keys from the index in one merge-protected
// update.
func (d *Dictionary) indexRemoveAll(ctx context.Context, keys []string) error {
	if d.idx == nil || len(keys) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	current, err := d.idx.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read index: %w", err)
	}

	removing := make(map[string]bool, len(keys))
	for _, k := range keys {
		removing[k] = true
	}

	updated := make([]string, 0, len(current))
	for _, k := range current {
		if !removing[k] {
			updated = append(updated, k)
		}
	}

	return d.idx.Set(ctx, updated)
}
