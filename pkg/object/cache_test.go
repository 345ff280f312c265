package object

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/blobdict/pkg/blobstore/memory"
	"github.com/marmos91/blobdict/pkg/lease"
)

func TestCacheReturnsSharedHandle(t *testing.T) {
	container := memory.NewContainer("test")
	registry := lease.NewRegistry(lease.WithTickInterval(time.Hour))
	defer registry.Stop(false)

	c := NewCache(container, registry, 4)

	h1 := c.Get("key")
	h2 := c.Get("key")
	assert.Same(t, h1, h2, "same name must yield the same handle")
	assert.Equal(t, 1, c.Len())
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	container := memory.NewContainer("test")
	registry := lease.NewRegistry(lease.WithTickInterval(time.Hour))
	defer registry.Stop(false)

	c := NewCache(container, registry, 2)

	a := c.Get("a")
	_ = c.Get("b")

	// Touch "a" so "b" is the eviction candidate.
	_ = c.Get("a")
	_ = c.Get("c")

	assert.Equal(t, 2, c.Len())
	assert.Same(t, a, c.Get("a"), "recently used handle must survive eviction")
}

func TestCacheKeepsLockedHandles(t *testing.T) {
	ctx := context.Background()
	container := memory.NewContainer("test")
	registry := lease.NewRegistry(lease.WithTickInterval(time.Hour))
	defer registry.Stop(true)

	c := NewCache(container, registry, 1)

	h := c.Get("held")
	require.NoError(t, h.Lock(ctx, LockOptions{Duration: lease.Unbounded, Wait: 0, Autocreate: true}))

	// Push other keys through the cache; the locked handle must not be
	// the eviction victim even though it is least recently used.
	_ = c.Get("a")
	_ = c.Get("b")

	assert.Same(t, h, c.Get("held"), "locked handle must survive eviction")

	// The surviving handle still presents its lease token, so the
	// holder's own write goes through.
	require.NoError(t, h.Write(ctx, []byte("v1"), WriteOptions{Overwrite: true, AllowChanged: true}))

	// Once unlocked the handle becomes evictable again and the cache
	// returns to its capacity.
	h.Unlock(lease.Instance())
	_ = c.Get("a")
	_ = c.Get("b")
	assert.Equal(t, 1, c.Len())
}
