package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type MemoryCache struct {
	c *gocache.Cache
}

// NewMemoryCache defaultExpiration 为 0 时条目不过期
func NewMemoryCache(defaultExpiration, cleanupInterval time.Duration) *MemoryCache {
	if defaultExpiration == 0 {
		defaultExpiration = gocache.NoExpiration
	}
	return &MemoryCache{
		c: gocache.New(defaultExpiration, cleanupInterval),
	}
}

func (m *MemoryCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	// 存编码后的副本，避免调用方后续修改影响缓存内容
	b, err := encode(value)
	if err != nil {
		return err
	}
	if ttl == 0 {
		ttl = gocache.NoExpiration
	}
	m.c.Set(key, b, ttl)
	return nil
}

func (m *MemoryCache) Get(ctx context.Context, key string, target interface{}) error {
	val, found := m.c.Get(key)
	if !found {
		return ErrMiss
	}
	return decode(val.([]byte), target)
}

func (m *MemoryCache) Delete(ctx context.Context, key string) error {
	m.c.Delete(key)
	return nil
}
