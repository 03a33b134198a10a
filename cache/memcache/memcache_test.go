package memcache_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memcacheCache "github.com/sessionforge/sessionforge/cache/memcache"
	"github.com/sessionforge/sessionforge/tier"
)

// getTestMemcacheServer returns the Memcached address for testing, following
// the MEMCACHE_TEST_ADDR environment variable, or a local default.
func getTestMemcacheServer() string {
	addr := os.Getenv("MEMCACHE_TEST_ADDR")
	if addr == "" {
		addr = "localhost:11211"
	}
	return addr
}

func newTestCache(t *testing.T) *memcacheCache.Cache {
	t.Helper()
	c := memcacheCache.NewWithConfig(memcacheCache.Config{
		Servers: []string{getTestMemcacheServer()},
		Timeout: time.Second,
	})
	ctx := context.Background()
	if err := c.Set(ctx, "sessionforge-probe", []byte("x"), time.Second); err != nil {
		t.Skipf("skipping memcache test: %v (is Memcached running?)", err)
	}
	return c
}

func TestGetSetDeleteRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Delete(ctx, "sid-a"))
	_, err := c.Get(ctx, "sid-a")
	assert.ErrorIs(t, err, tier.ErrMiss)

	require.NoError(t, c.Set(ctx, "sid-a", []byte("payload"), time.Minute))
	got, err := c.Get(ctx, "sid-a")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	require.NoError(t, c.Delete(ctx, "sid-a"))
	_, err = c.Get(ctx, "sid-a")
	assert.ErrorIs(t, err, tier.ErrMiss)
}

func TestDefaultTimeout(t *testing.T) {
	c := memcacheCache.New(getTestMemcacheServer())
	ctx := context.Background()
	if err := c.Set(ctx, "sessionforge-probe", []byte("x"), time.Second); err != nil {
		t.Skipf("skipping memcache test: %v (is Memcached running?)", err)
	}
	require.NoError(t, c.Delete(ctx, "sessionforge-probe"))
}
