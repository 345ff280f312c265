// Package index maintains the shared index object of an indexed
// dictionary namespace.
//
// The index is one special object whose content enumerates all live keys.
// Multiple independent processes update it without a central coordinator:
// writers combine the backend lease with a version-conditioned write, and
// recover from concurrent modification with a single deterministic
// three-way merge. The merge is biased toward preserving deletions, so a
// stale writer can never resurrect keys another writer removed.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/marmos91/blobdict/internal/logger"
	"github.com/marmos91/blobdict/pkg/blobstore"
	"github.com/marmos91/blobdict/pkg/lease"
	"github.com/marmos91/blobdict/pkg/metrics"
	"github.com/marmos91/blobdict/pkg/object"
)

// ObjectName is the reserved name of the index object within a
// dictionary folder. It is excluded from iteration and listing results.
const ObjectName = "__--REMOTE_DICT--INDEX--__"

// ErrDiverged is returned when the index conflicts again during the
// single merge retry. The lease holder should be the only writer in that
// window, so a second conflict means the namespace is being modified
// outside the protocol and the caller must escalate rather than guess.
var ErrDiverged = errors.New("index diverged during merge retry")

// DefaultLockWait bounds the wait for the index lease, in seconds.
const DefaultLockWait = 60

// lockDuration is the requested hold on the index lease, long enough to
// cover a write, a re-read and the merge retry.
const lockDuration = 60

// Synchronizer serializes updates of one index object.
//
// It remembers the content this process last observed; that snapshot is
// the "old" side of the three-way merge when a conditioned write is
// rejected.
type Synchronizer struct {
	handle   *object.Handle
	identity lease.Identity
	lockWait float64
	metrics  *metrics.Metrics

	mu           sync.Mutex
	lastObserved []string
}

// Option customizes a Synchronizer.
type Option func(*Synchronizer)

// WithLockWait overrides the lease wait budget in seconds
// (lease.Unbounded to block indefinitely).
func WithLockWait(seconds float64) Option {
	return func(s *Synchronizer) {
		s.lockWait = seconds
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Synchronizer) {
		s.metrics = m
	}
}

// New creates a synchronizer over the given index object handle. identity
// scopes the index lease locally; each dictionary uses its own identity
// so independent dictionaries in one process still serialize through the
// backend.
func New(handle *object.Handle, identity lease.Identity, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		handle:   handle,
		identity: identity,
		lockWait: DefaultLockWait,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Read downloads the current index content. An absent index object is an
// empty key list. The downloaded content becomes this process's observed
// snapshot for subsequent merges.
func (s *Synchronizer) Read(ctx context.Context) ([]string, error) {
	data, err := s.handle.Read(ctx)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			s.observe(nil)
			return []string{}, nil
		}
		return nil, err
	}

	keys, err := decode(data)
	if err != nil {
		return nil, err
	}

	s.observe(keys)
	return keys, nil
}

// Set replaces the index content with newContent.
//
// The write is conditioned on the version this process last observed.
// When another writer got in between, the index is re-downloaded and the
// three-way merge of (observed, newContent, latest) is written instead,
// unconditioned; the held lease guarantees no further writer interleaves
// within that retry. The lease is released in all outcomes.
func (s *Synchronizer) Set(ctx context.Context, newContent []string) error {
	s.mu.Lock()
	oldContent := s.lastObserved
	s.mu.Unlock()

	lockOpts := object.LockOptions{
		Duration:      lockDuration,
		Wait:          s.lockWait,
		Identity:      s.identity,
		IgnoreChanged: true,
		Autocreate:    true,
	}

	if err := s.handle.Lock(ctx, lockOpts); err != nil {
		return fmt.Errorf("failed to lock index: %w", err)
	}
	// A partially-failed writer must never leave the namespace
	// deadlocked.
	defer s.handle.Unlock(s.identity)

	err := s.handle.Write(ctx, encode(newContent), object.WriteOptions{Overwrite: true})
	if err == nil {
		s.observe(newContent)
		return nil
	}

	if !errors.Is(err, blobstore.ErrVersionMismatch) {
		return err
	}

	// Someone else wrote the index since our last observation: merge.
	s.metrics.IndexConflict()

	latestData, err := s.handle.Read(ctx)
	if err != nil && !errors.Is(err, blobstore.ErrNotFound) {
		return fmt.Errorf("failed to re-read index after conflict: %w", err)
	}

	latestContent, err := decode(latestData)
	if err != nil {
		return err
	}

	merged := Merge(oldContent, newContent, latestContent)

	logger.Debug("index merged after conflict",
		"ours", len(newContent), "latest", len(latestContent), "merged", len(merged))

	// We hold the lease over the re-read and this write, so nothing can
	// interleave; a second rejection means writers outside the protocol.
	if err := s.handle.Write(ctx, encode(merged), object.WriteOptions{Overwrite: true, AllowChanged: true}); err != nil {
		if errors.Is(err, blobstore.ErrVersionMismatch) || errors.Is(err, blobstore.ErrAlreadyLeased) {
			return fmt.Errorf("%w: %v", ErrDiverged, err)
		}
		return err
	}

	s.metrics.IndexMerged()
	s.observe(merged)
	return nil
}

// observe records the content this process considers current.
func (s *Synchronizer) observe(keys []string) {
	s.mu.Lock()
	s.lastObserved = keys
	s.mu.Unlock()
}

// Merge reconciles three index states: old (what this writer observed
// before composing newContent), newContent (what this writer wants), and
// latest (what a concurrent writer left in the backend).
//
// The result is latest minus our removals, plus our additions in
// newContent order, except additions the concurrent writer deleted in the
// meantime. Deletions therefore win over resurrection, on both sides.
// The rule is deterministic but not commutative.
func Merge(old, newContent, latest []string) []string {
	oldSet := toSet(old)
	newSet := toSet(newContent)
	latestSet := toSet(latest)

	// Elements we added relative to our observation, in insertion order.
	var addedByUs []string
	for _, k := range newContent {
		if !oldSet[k] {
			addedByUs = append(addedByUs, k)
		}
	}

	// Elements we removed relative to our observation.
	removedByUs := make(map[string]bool)
	for _, k := range old {
		if !newSet[k] {
			removedByUs[k] = true
		}
	}

	// Elements somebody else removed between our observation and now.
	removedByOthers := make(map[string]bool)
	for _, k := range old {
		if !latestSet[k] {
			removedByOthers[k] = true
		}
	}

	merged := make([]string, 0, len(latest)+len(addedByUs))
	for _, k := range latest {
		if !removedByUs[k] {
			merged = append(merged, k)
		}
	}
	for _, k := range addedByUs {
		if !removedByOthers[k] {
			merged = append(merged, k)
		}
	}

	return merged
}

func toSet(keys []string) map[string]bool {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return set
}

// encode renders the key list as the index wire format (a JSON array).
func encode(keys []string) []byte {
	if keys == nil {
		keys = []string{}
	}
	data, _ := json.Marshal(keys)
	return data
}

// decode parses the index wire format. Empty content is an empty list.
func decode(data []byte) ([]string, error) {
	if len(data) == 0 {
		return []string{}, nil
	}

	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("corrupt index content: %w", err)
	}
	return keys, nil
}
