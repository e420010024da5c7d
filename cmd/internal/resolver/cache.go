package resolver

import (
	"sync"
	"time"
)

// Cache is the descriptor cache port. Implementations must be safe for
// concurrent use; entries are replaced wholesale, never mutated in place.
type Cache interface {
	Get(key string) ([]FormatDescriptor, bool)
	Set(key string, descs []FormatDescriptor, ttl time.Duration)
	Invalidate(key string)
}

type memoryEntry struct {
	descs     []FormatDescriptor
	expiresAt time.Time
}

// MemoryCache is the default in-process Cache with per-entry TTL.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get returns the cached descriptors for key when present and unexpired.
func (c *MemoryCache) Get(key string) ([]FormatDescriptor, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || c.now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.descs, true
}

// Set stores descriptors under key for ttl.
func (c *MemoryCache) Set(key string, descs []FormatDescriptor, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = memoryEntry{descs: descs, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
}

// Invalidate drops the entry for key.
func (c *MemoryCache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
