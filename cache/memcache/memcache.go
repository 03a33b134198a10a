// Package memcache provides a Memcached-backed tier.Cache implementation.
//
// Grounded on Morditux-dbsession/memcached.go: a default client timeout to
// avoid hanging indefinitely when Memcached is unreachable, and mapping of
// memcache.ErrCacheMiss onto tier.ErrMiss.
package memcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/sessionforge/sessionforge/tier"
)

// Cache is a Memcached-based tier.Cache implementation.
type Cache struct {
	client *memcache.Client
}

// Config holds configuration for a Memcached-backed Cache.
type Config struct {
	Servers []string
	// Timeout bounds individual Memcached operations. Defaults to 1s if
	// unset, to prevent indefinite hangs if Memcached is down.
	Timeout time.Duration
}

// New returns a new Cache talking to the given Memcached servers, using a
// default 1s operation timeout.
func New(servers ...string) *Cache {
	return NewWithConfig(Config{Servers: servers, Timeout: time.Second})
}

// NewWithConfig returns a new Cache using explicit configuration.
func NewWithConfig(cfg Config) *Cache {
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	client := memcache.New(cfg.Servers...)
	client.Timeout = cfg.Timeout
	return &Cache{client: client}
}

// Get implements tier.Cache.
func (c *Cache) Get(ctx context.Context, sidVal string) ([]byte, error) {
	item, err := c.client.Get(sidVal)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, tier.ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("memcache cache: get failed: %w", err)
	}
	return item.Value, nil
}

// Set implements tier.Cache.
func (c *Cache) Set(ctx context.Context, sidVal string, payload []byte, ttl time.Duration) error {
	err := c.client.Set(&memcache.Item{
		Key:        sidVal,
		Value:      payload,
		Expiration: int32(ttl.Seconds()),
	})
	if err != nil {
		return fmt.Errorf("memcache cache: set failed: %w", err)
	}
	return nil
}

// Delete implements tier.Cache.
func (c *Cache) Delete(ctx context.Context, sidVal string) error {
	err := c.client.Delete(sidVal)
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return fmt.Errorf("memcache cache: delete failed: %w", err)
	}
	return nil
}

// Flush implements tier.Cache.
func (c *Cache) Flush(ctx context.Context) error {
	if err := c.client.FlushAll(); err != nil {
		return fmt.Errorf("memcache cache: flush failed: %w", err)
	}
	return nil
}
