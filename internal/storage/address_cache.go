package storage

import (
	"context"
	"time"
)

// ActiveAddressKey holds the cached set of active monitored addresses
const ActiveAddressKey = "registry:active"

// ActiveAddressCache stores the registry's active set in Redis
type ActiveAddressCache struct {
	redis *RedisCache
	ttl   time.Duration
}

// NewActiveAddressCache creates a cache whose entries expire after ttl
func NewActiveAddressCache(redis *RedisCache, ttl time.Duration) *ActiveAddressCache {
	return &ActiveAddressCache{redis: redis, ttl: ttl}
}

// Get returns the cached set; ok is false on a miss
func (c *ActiveAddressCache) Get(ctx context.Context) ([]string, bool, error) {
	return c.redis.GetSet(ctx, ActiveAddressKey)
}

// Set replaces the cached set
func (c *ActiveAddressCache) Set(ctx context.Context, addresses []string) error {
	return c.redis.ReplaceSet(ctx, ActiveAddressKey, addresses, c.ttl)
}

// Invalidate drops the cached set so the next read goes to Postgres
func (c *ActiveAddressCache) Invalidate(ctx context.Context) error {
	return c.redis.Del(ctx, ActiveAddressKey)
}
