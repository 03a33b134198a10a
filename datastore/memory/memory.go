// Package memory provides an in-process tier.Datastore implementation, for
// use in tests and the bundled demo.
//
// sids sort lexicographically by their embedded expiration prefix (see
// internal/sid), so RangeDelete can be implemented with a simple sorted
// index rather than a real ordered store — the same property the reaper
// relies on against SQLite/PostgreSQL in production.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/sessionforge/sessionforge/tier"
)

// Datastore is an in-memory tier.Datastore implementation.
type Datastore struct {
	mu    sync.Mutex
	items map[string][]byte
}

// New returns a new Datastore.
func New() *Datastore {
	return &Datastore{items: make(map[string][]byte)}
}

// Get implements tier.Datastore.
func (d *Datastore) Get(ctx context.Context, sidVal string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.items[sidVal]
	if !ok {
		return nil, tier.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Put implements tier.Datastore.
func (d *Datastore) Put(ctx context.Context, sidVal string, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := make([]byte, len(payload))
	copy(v, payload)
	d.items[sidVal] = v
	return nil
}

// Delete implements tier.Datastore.
func (d *Datastore) Delete(ctx context.Context, sidVal string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.items, sidVal)
	return nil
}

// RangeDelete implements tier.Datastore.
func (d *Datastore) RangeDelete(ctx context.Context, upperBound string, batch int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.items))
	for k := range d.items {
		if k < upperBound {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if len(keys) > batch {
		keys = keys[:batch]
	}
	for _, k := range keys {
		delete(d.items, k)
	}
	return len(keys), nil
}

// Len reports the number of stored records, for tests.
func (d *Datastore) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}
