package index

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/blobdict/pkg/blobstore/memory"
	"github.com/marmos91/blobdict/pkg/lease"
	"github.com/marmos91/blobdict/pkg/object"
)

// ============================================================================
// Merge rule
// ============================================================================

func TestMergePreservesConcurrentAdditions(t *testing.T) {
	t.Parallel()

	// Writer 1 added c, writer 2 (already in the backend) added d.
	merged := Merge(
		[]string{"a", "b"},
		[]string{"a", "b", "c"},
		[]string{"a", "b", "d"},
	)

	assert.Equal(t, []string{"a", "b", "d", "c"}, merged)
}

func TestMergeDeleteWinsOverResurrection(t *testing.T) {
	t.Parallel()

	// The other writer deleted b; our stale set must not bring it back.
	merged := Merge(
		[]string{"a", "b"},
		[]string{"a", "b"},
		[]string{"a"},
	)

	assert.Equal(t, []string{"a"}, merged)
}

func TestMergeAppliesOurRemovals(t *testing.T) {
	t.Parallel()

	// We removed b; the other writer added d.
	merged := Merge(
		[]string{"a", "b"},
		[]string{"a"},
		[]string{"a", "b", "d"},
	)

	assert.Equal(t, []string{"a", "d"}, merged)
}

func TestMergePreservesInsertionOrder(t *testing.T) {
	t.Parallel()

	merged := Merge(
		[]string{},
		[]string{"z", "m", "a"},
		[]string{},
	)

	assert.Equal(t, []string{"z", "m", "a"}, merged)
}

func TestMergeEmptyInputs(t *testing.T) {
	t.Parallel()

	assert.Empty(t, Merge(nil, nil, nil))
	assert.Equal(t, []string{"a"}, Merge(nil, []string{"a"}, nil))
	assert.Equal(t, []string{"b"}, Merge(nil, nil, []string{"b"}))
}

// ============================================================================
// Synchronizer protocol
// ============================================================================

func newTestSync(t *testing.T) (*Synchronizer, *memory.Container, *lease.Registry) {
	t.Helper()

	container := memory.NewContainer("test")
	registry := lease.NewRegistry(lease.WithTickInterval(time.Hour))
	t.Cleanup(func() { registry.Stop(true) })

	handle := object.NewHandle(container, "dict/"+ObjectName, registry)
	return New(handle, lease.Instance()), container, registry
}

func TestReadAbsentIndex(t *testing.T) {
	s, _, _ := newTestSync(t)

	keys, err := s.Read(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestSetAndReadBack(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestSync(t)

	_, err := s.Read(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, []string{"a", "b"}))

	keys, err := s.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)
}

func TestSetMergesOnConflict(t *testing.T) {
	ctx := context.Background()
	s, container, registry := newTestSync(t)

	// Seed the index and let the synchronizer observe {a,b}.
	require.NoError(t, s.Set(ctx, []string{"a", "b"}))
	_, err := s.Read(ctx)
	require.NoError(t, err)

	// A concurrent writer (separate handle, fresh observation) sets
	// {a,b,d} behind our back.
	other := New(object.NewHandle(container, "dict/"+ObjectName, registry), lease.Instance())
	_, err = other.Read(ctx)
	require.NoError(t, err)
	require.NoError(t, other.Set(ctx, []string{"a", "b", "d"}))

	// Our stale write of {a,b,c} must merge, not clobber.
	require.NoError(t, s.Set(ctx, []string{"a", "b", "c"}))

	keys, err := s.Read(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, keys)
}

func TestSetDeleteWinsEndToEnd(t *testing.T) {
	ctx := context.Background()
	s, container, registry := newTestSync(t)

	require.NoError(t, s.Set(ctx, []string{"a", "b"}))
	_, err := s.Read(ctx)
	require.NoError(t, err)

	// The other writer deletes b.
	other := New(object.NewHandle(container, "dict/"+ObjectName, registry), lease.Instance())
	_, err = other.Read(ctx)
	require.NoError(t, err)
	require.NoError(t, other.Set(ctx, []string{"a"}))

	// Our stale rewrite of {a,b} must not resurrect b.
	require.NoError(t, s.Set(ctx, []string{"a", "b"}))

	keys, err := s.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, keys)
}

func TestSetReleasesLeaseOnSuccessAndConflict(t *testing.T) {
	ctx := context.Background()
	s, container, registry := newTestSync(t)

	require.NoError(t, s.Set(ctx, []string{"a"}))
	assert.Equal(t, 0, registry.Len(), "lease must be released after a clean set")

	// Conflict path: external change, then set again.
	other := New(object.NewHandle(container, "dict/"+ObjectName, registry), lease.Instance())
	_, err := other.Read(ctx)
	require.NoError(t, err)
	require.NoError(t, other.Set(ctx, []string{"a", "x"}))

	require.NoError(t, s.Set(ctx, []string{"a", "y"}))
	assert.Equal(t, 0, registry.Len(), "lease must be released after a merge retry")
}
