package cache

import (
	"context"
	"sync"
)

// MemoryCache is a bounded in-process vector cache. When full it evicts an
// arbitrary entry; embedding lookups are content-addressed so any eviction
// policy only costs recomputation.
type MemoryCache struct {
	mu       sync.RWMutex
	vectors  map[string][]float32
	maxItems int
}

// NewMemoryCache returns a cache holding at most maxItems vectors.
func NewMemoryCache(maxItems int) *MemoryCache {
	if maxItems <= 0 {
		maxItems = 10000
	}
	return &MemoryCache{
		vectors:  make(map[string][]float32),
		maxItems: maxItems,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vector, ok := c.vectors[key]
	return vector, ok
}

func (c *MemoryCache) Set(_ context.Context, key string, vector []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.vectors) >= c.maxItems {
		for k := range c.vectors {
			delete(c.vectors, k)
			break
		}
	}
	c.vectors[key] = vector
}

// Len returns the number of cached vectors.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.vectors)
}
