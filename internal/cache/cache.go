package cache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CachedModels represents a cached model listing
type CachedModels struct {
	Models    []string
	Timestamp time.Time
}

// GenerateCacheKey generates a cache key from the backend name and URL
func GenerateCacheKey(backend, baseURL string) string {
	h := sha256.New()
	h.Write([]byte(backend))
	h.Write([]byte{0})
	h.Write([]byte(baseURL))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// ModelCache keeps model listings for ttl. Concurrent misses for the same key
// share one fetch.
type ModelCache struct {
	ttl     time.Duration
	entries sync.Map // key -> CachedModels
	group   singleflight.Group
	now     func() time.Time
}

// NewModelCache creates a cache; a ttl of zero disables caching
func NewModelCache(ttl time.Duration) *ModelCache {
	return &ModelCache{ttl: ttl, now: time.Now}
}

// Get returns the cached listing for key if it has not expired
func (c *ModelCache) Get(key string) ([]string, bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		return nil, false
	}
	entry := v.(CachedModels)
	if c.now().Sub(entry.Timestamp) >= c.ttl {
		c.entries.Delete(key)
		return nil, false
	}
	return slices.Clone(entry.Models), true
}

// Store caches models under key
func (c *ModelCache) Store(key string, models []string) {
	if c.ttl <= 0 {
		return
	}
	c.entries.Store(key, CachedModels{
		Models:    slices.Clone(models),
		Timestamp: c.now(),
	})
}

// Invalidate drops the listing for key
func (c *ModelCache) Invalidate(key string) {
	c.entries.Delete(key)
}

// Fetch returns the cached listing for key or loads it with fetch. Failed
// fetches are not cached.
func (c *ModelCache) Fetch(ctx context.Context, key string, fetch func(context.Context) ([]string, error)) ([]string, error) {
	if models, ok := c.Get(key); ok {
		return models, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		models, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.Store(key, models)
		return models, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]string)), nil
}
