package cache

import (
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"
)

const (
	MinCacheSize = 16 // Minimum: a handful of hot names
)

// Cache is a bounded LRU from names to segment offsets. It holds no segment
// memory; callers verify a cached offset before trusting it.
type Cache struct {
	lru *freelru.SyncedLRU[string, uint64]

	// Stats
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

func hashName(s string) uint32 {
	return uint32(xxhash.Sum64String(s))
}

// NewCache creates a cache holding at most maxSize names.
func NewCache(maxSize int) (*Cache, error) {
	maxSize = max(maxSize, MinCacheSize)

	lru, err := freelru.NewSynced[string, uint64](uint32(maxSize), hashName)
	if err != nil {
		return nil, err
	}
	c := &Cache{lru: lru}
	lru.SetOnEvict(func(string, uint64) {
		c.evictions.Add(1)
	})
	return c, nil
}

// Put adds a name, replacing any existing entry.
func (c *Cache) Put(name string, off uint64) {
	c.lru.Add(name, off)
}

// Get retrieves the offset cached for name.
// Returns (offset, true) on cache hit, (0, false) on miss.
func (c *Cache) Get(name string) (uint64, bool) {
	off, ok := c.lru.Get(name)
	if !ok {
		c.misses.Add(1)
		return 0, false
	}
	c.hits.Add(1)
	return off, true
}

// Delete removes a name from the cache.
func (c *Cache) Delete(name string) {
	c.lru.Remove(name)
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// Size returns current number of cached entries
func (c *Cache) Size() int {
	return c.lru.Len()
}

type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Stats returns cache statistics
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

// ClearStats resets the cache's positive incrementing statistics
func (c *Cache) ClearStats() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.evictions.Store(0)
}
