// Package memory provides an in-process tier.Cache implementation, for use
// in tests and the bundled demo where an external cache is not available.
//
// Grounded on the teacher's store/memory package: a mutex-guarded map with a
// container/heap expiration queue, evicted lazily on entry to any method.
package memory

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/sessionforge/sessionforge/tier"
)

type trackedItem struct {
	expires time.Time
	key     string
}

type trackedItems []*trackedItem

func (ti trackedItems) Len() int            { return len(ti) }
func (ti trackedItems) Less(i, j int) bool  { return ti[i].expires.Before(ti[j].expires) }
func (ti trackedItems) Swap(i, j int)       { ti[i], ti[j] = ti[j], ti[i] }
func (ti *trackedItems) Push(e any)         { *ti = append(*ti, e.(*trackedItem)) }
func (ti *trackedItems) Pop() any {
	n := len(*ti)
	e := (*ti)[n-1]
	(*ti)[n-1] = nil
	*ti = (*ti)[:n-1]
	return e
}

// Cache is a simple in-memory tier.Cache.
type Cache struct {
	// Clock can be overridden in tests.
	Clock func() time.Time

	mu        sync.Mutex
	items     map[string][]byte
	evictions trackedItems
}

// New returns a new Cache instance.
func New() *Cache {
	return &Cache{
		Clock: func() time.Time { return time.Now() },
		items: make(map[string][]byte),
	}
}

func (c *Cache) evict(t time.Time) {
	for len(c.evictions) > 0 && c.evictions[0].expires.Before(t) {
		item := heap.Pop(&c.evictions).(*trackedItem)
		delete(c.items, item.key)
	}
}

// Get implements tier.Cache.
func (c *Cache) Get(ctx context.Context, sidVal string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evict(c.Clock())
	v, ok := c.items[sidVal]
	if !ok {
		return nil, tier.ErrMiss
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Set implements tier.Cache.
func (c *Cache) Set(ctx context.Context, sidVal string, payload []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.Clock()
	c.evict(now)
	v := make([]byte, len(payload))
	copy(v, payload)
	c.items[sidVal] = v
	heap.Push(&c.evictions, &trackedItem{key: sidVal, expires: now.Add(ttl)})
	return nil
}

// Delete implements tier.Cache.
func (c *Cache) Delete(ctx context.Context, sidVal string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evict(c.Clock())
	delete(c.items, sidVal)
	return nil
}

// Flush implements tier.Cache.
func (c *Cache) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string][]byte)
	c.evictions = nil
	return nil
}

// Len reports the number of live (non-evicted) entries, for tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evict(c.Clock())
	return len(c.items)
}
