package object

import (
	"container/list"
	"sync"

	"github.com/marmos91/blobdict/pkg/blobstore"
	"github.com/marmos91/blobdict/pkg/lease"
)

// DefaultCacheCapacity bounds the handle cache when no capacity is given.
const DefaultCacheCapacity = 1024

// Cache is a bounded LRU of object handles keyed by object name.
//
// Re-using a handle preserves its cached version token across facade
// operations, which is what makes conditioned writes meaningful. The
// bound keeps long-running processes from accumulating one handle per
// key ever touched.
type Cache struct {
	container blobstore.Container
	registry  *lease.Registry
	capacity  int

	mu    sync.Mutex
	ll    *list.List // front = most recently used
	items map[string]*list.Element
}

type cacheEntry struct {
	name   string
	handle *Handle
}

// NewCache creates a handle cache over container. capacity <= 0 selects
// DefaultCacheCapacity.
func NewCache(container blobstore.Container, registry *lease.Registry, capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}

	return &Cache{
		container: container,
		registry:  registry,
		capacity:  capacity,
		ll:        list.New(),
		items:     make(map[string]*list.Element),
	}
}

// Get returns the cached handle for name, creating one on first use. The
// returned handle is shared by all callers asking for the same name.
func (c *Cache) Get(name string) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[name]; ok {
		c.ll.MoveToFront(el)
		return el.Value.(*cacheEntry).handle
	}

	h := NewHandle(c.container, name, c.registry)
	el := c.ll.PushFront(&cacheEntry{name: name, handle: h})
	c.items[name] = el

	if c.ll.Len() > c.capacity {
		c.evict()
	}

	return h
}

// evict drops the least recently used entry whose handle does not hold
// a registry-tracked lock. Dropping a locked handle would orphan the
// lease linkage and the cached version token while the lock is live, so
// locked entries are skipped; the cache runs over capacity for as long
// as every entry is locked. Called with the mutex held.
func (c *Cache) evict() {
	for el := c.ll.Back(); el != nil; el = el.Prev() {
		entry := el.Value.(*cacheEntry)
		if entry.handle.HoldsLock() {
			continue
		}
		c.ll.Remove(el)
		delete(c.items, entry.name)
		return
	}
}

// Len returns the number of cached handles.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
