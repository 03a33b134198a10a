package tier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCache and fakeDatastore are minimal in-memory stand-ins used to drive
// the Load/Store/Delete policy decisions under test, independent of any
// concrete backend implementation.
type fakeCache struct {
	mu      sync.Mutex
	data    map[string][]byte
	setErr  error
	getErr  error
	setCall int
}

func newFakeCache() *fakeCache { return &fakeCache{data: map[string][]byte{}} }

func (c *fakeCache) Get(ctx context.Context, sid string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	v, ok := c.data[sid]
	if !ok {
		return nil, ErrMiss
	}
	return v, nil
}

func (c *fakeCache) Set(ctx context.Context, sid string, payload []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setCall++
	if c.setErr != nil {
		return c.setErr
	}
	c.data[sid] = payload
	return nil
}

func (c *fakeCache) Delete(ctx context.Context, sid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, sid)
	return nil
}

func (c *fakeCache) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = map[string][]byte{}
	return nil
}

type fakeDatastore struct {
	mu     sync.Mutex
	data   map[string][]byte
	putErr error
}

func newFakeDatastore() *fakeDatastore { return &fakeDatastore{data: map[string][]byte{}} }

func (d *fakeDatastore) Get(ctx context.Context, sid string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.data[sid]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (d *fakeDatastore) Put(ctx context.Context, sid string, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.putErr != nil {
		return d.putErr
	}
	d.data[sid] = payload
	return nil
}

func (d *fakeDatastore) Delete(ctx context.Context, sid string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.data, sid)
	return nil
}

func (d *fakeDatastore) RangeDelete(ctx context.Context, upperBound string, batch int) (int, error) {
	return 0, nil
}

func TestStoreUsesCookieUnderThreshold(t *testing.T) {
	cache, ds := newFakeCache(), newFakeDatastore()
	st := New(cache, ds)
	result := st.Store(context.Background(), "sid-a", []byte("small"), time.Minute, StorePolicy{CookieOnlyThreshold: 1024})
	assert.True(t, result.UseCookie)
	assert.Empty(t, ds.data)
	assert.Empty(t, cache.data)
}

func TestStorePersistAnywayWritesBothCookieAndBackends(t *testing.T) {
	cache, ds := newFakeCache(), newFakeDatastore()
	st := New(cache, ds)
	result := st.Store(context.Background(), "sid-a", []byte("small"), time.Minute, StorePolicy{CookieOnlyThreshold: 1024, PersistAnyway: true})
	assert.True(t, result.UseCookie)
	assert.Contains(t, ds.data, "sid-a")
	assert.Contains(t, cache.data, "sid-a")
}

func TestStoreOverThresholdWritesBackendsOnly(t *testing.T) {
	cache, ds := newFakeCache(), newFakeDatastore()
	st := New(cache, ds)
	payload := make([]byte, 2048)
	result := st.Store(context.Background(), "sid-a", payload, time.Minute, StorePolicy{CookieOnlyThreshold: 1024})
	assert.False(t, result.UseCookie)
	assert.Contains(t, ds.data, "sid-a")
	assert.Contains(t, cache.data, "sid-a")
}

func TestStoreExpiresCookieWhenMovingToBackend(t *testing.T) {
	cache, ds := newFakeCache(), newFakeDatastore()
	st := New(cache, ds)
	payload := make([]byte, 2048)
	result := st.Store(context.Background(), "sid-a", payload, time.Minute, StorePolicy{CookieOnlyThreshold: 1024, HadCookiePayload: true})
	assert.True(t, result.ExpireCookie)
}

func TestStoreMemOnlySkipsDatastore(t *testing.T) {
	cache, ds := newFakeCache(), newFakeDatastore()
	st := New(cache, ds)
	payload := make([]byte, 2048)
	st.Store(context.Background(), "sid-a", payload, time.Minute, StorePolicy{CookieOnlyThreshold: 1024, MemOnly: true})
	assert.NotContains(t, ds.data, "sid-a")
	assert.Contains(t, cache.data, "sid-a")
}

func TestStoreRetriesCacheOnDatastoreFailure(t *testing.T) {
	cache, ds := newFakeCache(), newFakeDatastore()
	ds.putErr = errors.New("boom")
	st := New(cache, ds)
	payload := make([]byte, 2048)
	st.Store(context.Background(), "sid-a", payload, time.Minute, StorePolicy{CookieOnlyThreshold: 1024})
	assert.Equal(t, 2, cache.setCall)
}

func TestLoadFallsBackToDatastoreOnCacheMiss(t *testing.T) {
	cache, ds := newFakeCache(), newFakeDatastore()
	ds.data["sid-a"] = []byte("payload")
	st := New(cache, ds)
	payload, status := st.Load(context.Background(), "sid-a", false)
	assert.Equal(t, StatusFound, status)
	assert.Equal(t, []byte("payload"), payload)
}

func TestLoadReportsLostWhenNeitherTierHasRecord(t *testing.T) {
	st := New(newFakeCache(), newFakeDatastore())
	_, status := st.Load(context.Background(), "sid-a", false)
	assert.Equal(t, StatusLost, status)
}

func TestLoadRespectsNoDatastore(t *testing.T) {
	cache, ds := newFakeCache(), newFakeDatastore()
	ds.data["sid-a"] = []byte("payload")
	st := New(cache, ds)
	_, status := st.Load(context.Background(), "sid-a", true)
	assert.Equal(t, StatusLost, status)
}

func TestDeleteSwallowsBackendErrors(t *testing.T) {
	st := New(newFakeCache(), newFakeDatastore())
	require.NotPanics(t, func() {
		st.Delete(context.Background(), "sid-a")
	})
}
