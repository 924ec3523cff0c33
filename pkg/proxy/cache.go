// Package proxy serves stored objects through an in-process edge cache,
// so repeat downloads of immutable result images never leave the
// gateway.
package proxy

import (
	"sync"
	"time"
)

// CacheStats holds cache performance statistics.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// cacheEntry wraps a cached body with expiration time and access time for LRU.
type cacheEntry struct {
	contentType string
	body        []byte
	expiration  time.Time
	accessTime  time.Time
	sequence    int64 // tiebreak when access times are equal
}

func (e *cacheEntry) isExpired() bool {
	return time.Now().After(e.expiration)
}

// CacheConfig bounds the edge cache.
type CacheConfig struct {
	// MaxEntries caps the number of cached objects (default 1000).
	MaxEntries int

	// MaxBodyBytes caps the size of a single cacheable body; larger
	// bodies are served but never cached (default 8 MiB).
	MaxBodyBytes int

	// TTL bounds an entry's lifetime (default 1h). Objects are
	// immutable, the TTL only bounds memory held for cold keys.
	TTL time.Duration
}

// DefaultCacheConfig returns a CacheConfig with default values.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxEntries:   1000,
		MaxBodyBytes: 8 << 20,
		TTL:          time.Hour,
	}
}

// Cache is an in-memory LRU byte cache with TTL support, keyed by
// request path.
type Cache struct {
	config  CacheConfig
	entries map[string]*cacheEntry

	mu        sync.Mutex
	hits      int64
	misses    int64
	evictions int64
	sequence  int64
}

// NewCache creates a byte cache. Zero config fields fall back to the
// defaults.
func NewCache(config CacheConfig) *Cache {
	def := DefaultCacheConfig()
	if config.MaxEntries <= 0 {
		config.MaxEntries = def.MaxEntries
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = def.MaxBodyBytes
	}
	if config.TTL <= 0 {
		config.TTL = def.TTL
	}
	return &Cache{
		config:  config,
		entries: make(map[string]*cacheEntry, config.MaxEntries),
	}
}

// Get retrieves a cached body and its content type.
// Returns false on a miss or an expired entry.
func (c *Cache) Get(key string) (contentType string, body []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists || entry.isExpired() {
		c.misses++
		return "", nil, false
	}
	entry.accessTime = time.Now()
	c.hits++
	return entry.contentType, entry.body, true
}

// Set stores a body under key. Bodies over MaxBodyBytes are silently
// skipped.
func (c *Cache) Set(key, contentType string, body []byte) {
	if len(body) > c.config.MaxBodyBytes {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	_, exists := c.entries[key]

	// Evict least recently used when at capacity.
	if len(c.entries) >= c.config.MaxEntries && !exists {
		var oldestKey string
		var oldestTime time.Time
		var oldestSeq int64
		first := true
		for k, entry := range c.entries {
			if first || entry.accessTime.Before(oldestTime) ||
				(entry.accessTime.Equal(oldestTime) && entry.sequence < oldestSeq) {
				oldestKey = k
				oldestTime = entry.accessTime
				oldestSeq = entry.sequence
				first = false
			}
		}
		if oldestKey != "" {
			delete(c.entries, oldestKey)
			c.evictions++
		}
	}

	seq := c.sequence
	c.sequence++
	c.entries[key] = &cacheEntry{
		contentType: contentType,
		body:        body,
		expiration:  now.Add(c.config.TTL),
		accessTime:  now,
		sequence:    seq,
	}
}

// Stats returns cache statistics.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}
