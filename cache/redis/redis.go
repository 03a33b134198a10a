// Package redis provides a Redis-backed tier.Cache implementation.
//
// Grounded on the teacher's store/redis/redis.go, generalized from a
// JSON-marshaled generic S to the raw []byte session payload the StorageTier
// deals in.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/sessionforge/sessionforge/tier"
)

// Cache is a Redis-based tier.Cache implementation.
type Cache struct {
	rc     *goredis.Client
	prefix string
}

// New returns a new Cache using the provided Redis client. Keys are stored
// under the given prefix, namespacing this deployment's sessions within a
// shared Redis instance.
func New(rc *goredis.Client, prefix string) *Cache {
	return &Cache{rc: rc, prefix: prefix}
}

func (c *Cache) key(sidVal string) string {
	return fmt.Sprintf("%s:%s", c.prefix, sidVal)
}

// Get implements tier.Cache.
func (c *Cache) Get(ctx context.Context, sidVal string) ([]byte, error) {
	val, err := c.rc.Get(ctx, c.key(sidVal)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, tier.ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis cache: get failed: %w", err)
	}
	return val, nil
}

// Set implements tier.Cache.
func (c *Cache) Set(ctx context.Context, sidVal string, payload []byte, ttl time.Duration) error {
	if err := c.rc.Set(ctx, c.key(sidVal), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis cache: set failed: %w", err)
	}
	return nil
}

// Delete implements tier.Cache.
func (c *Cache) Delete(ctx context.Context, sidVal string) error {
	if err := c.rc.Del(ctx, c.key(sidVal)).Err(); err != nil {
		return fmt.Errorf("redis cache: delete failed: %w", err)
	}
	return nil
}

// Flush implements tier.Cache. It flushes only keys under this cache's
// prefix, scanning in batches to avoid blocking a shared Redis instance.
func (c *Cache) Flush(ctx context.Context) error {
	iter := c.rc.Scan(ctx, 0, c.prefix+":*", 1000).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 1000 {
			if err := c.rc.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis cache: flush failed: %w", err)
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis cache: scan failed: %w", err)
	}
	if len(keys) > 0 {
		if err := c.rc.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("redis cache: flush failed: %w", err)
		}
	}
	return nil
}
