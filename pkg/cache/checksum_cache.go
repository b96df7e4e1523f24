// Package cache provides checksum caching for stored audio files.
//
// Hashing a sample means reading the whole file. Verify hashes every file
// in the tree, so repeated verification of an unchanged tree would re-read
// everything. The cache remembers the digest of a file keyed by its path,
// size and modification time; any write to the file changes the key.
//
// Features:
// - LRU eviction for bounded memory
// - TTL expiration so digests are re-read periodically
// - Thread-safe operations
// - Cache hit/miss statistics
//
// Usage:
//
//	sums := cache.NewChecksumCache(4096, time.Hour)
//
//	key := cache.KeyFor(path, info)
//	if sum, ok := sums.Get(key); ok {
//		return sum // Cache hit
//	}
//	sum := hashFile(path)
//	sums.Put(key, sum)
package cache

import (
	"container/list"
	"hash/fnv"
	"io/fs"
	"strconv"
	"sync"
	"time"
)

// ChecksumCache is a thread-safe LRU cache of file digests.
//
// The cache uses:
// - Hash map for O(1) lookups
// - Doubly-linked list for LRU ordering
// - TTL for automatic expiration
type ChecksumCache struct {
	mu sync.Mutex

	// Configuration
	maxSize int
	ttl     time.Duration
	enabled bool
	now     func() time.Time

	// LRU list and map
	list  *list.List
	items map[uint64]*list.Element

	// Statistics
	hits   uint64
	misses uint64
}

type cacheEntry struct {
	key       uint64
	sum       string
	expiresAt time.Time
}

// NewChecksumCache creates a new checksum cache.
//
// Parameters:
//   - maxSize: Maximum number of cached digests (LRU eviction when exceeded)
//   - ttl: Time-to-live for cached entries (0 = no expiration)
func NewChecksumCache(maxSize int, ttl time.Duration) *ChecksumCache {
	if maxSize <= 0 {
		maxSize = 4096
	}
	return &ChecksumCache{
		maxSize: maxSize,
		ttl:     ttl,
		enabled: true,
		now:     time.Now,
		list:    list.New(),
		items:   make(map[uint64]*list.Element, maxSize),
	}
}

// Key hashes a file identity. Same path, size and mtime = same key.
func Key(path string, size int64, modTime time.Time) uint64 {
	h := fnv.New64a()
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(size, 10)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(modTime.UnixNano(), 10)))
	return h.Sum64()
}

// KeyFor is Key for a stat result.
func KeyFor(path string, info fs.FileInfo) uint64 {
	return Key(path, info.Size(), info.ModTime())
}

// Get returns the cached digest if present and not expired.
// Moves the entry to front of LRU list on hit.
func (c *ChecksumCache) Get(key uint64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		c.misses++
		return "", false
	}

	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return "", false
	}

	entry := elem.Value.(*cacheEntry)
	if c.ttl > 0 && c.now().After(entry.expiresAt) {
		c.removeElement(elem)
		c.misses++
		return "", false
	}

	c.list.MoveToFront(elem)
	c.hits++
	return entry.sum, true
}

// Put records a digest.
//
// If the cache is full, the least recently used entry is evicted.
// If the key already exists, the digest and its TTL are refreshed.
func (c *ChecksumCache) Put(key uint64, sum string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return
	}

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.sum = sum
		if c.ttl > 0 {
			entry.expiresAt = c.now().Add(c.ttl)
		}
		c.list.MoveToFront(elem)
		return
	}

	for c.list.Len() >= c.maxSize {
		c.evictOldest()
	}

	entry := &cacheEntry{key: key, sum: sum}
	if c.ttl > 0 {
		entry.expiresAt = c.now().Add(c.ttl)
	}
	c.items[key] = c.list.PushFront(entry)
}

// Remove removes an entry from the cache.
func (c *ChecksumCache) Remove(key uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// Clear removes all entries from the cache.
func (c *ChecksumCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.list.Init()
	c.items = make(map[uint64]*list.Element, c.maxSize)
}

// Len returns the number of cached entries.
func (c *ChecksumCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// Stats returns cache statistics.
func (c *ChecksumCache) Stats() CacheStats {
	c.mu.Lock()
	hits, misses, size := c.hits, c.misses, c.list.Len()
	c.mu.Unlock()

	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return CacheStats{
		Size:    size,
		MaxSize: c.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
	}
}

// CacheStats holds cache performance statistics.
type CacheStats struct {
	Size    int     `json:"size"`     // Current number of entries
	MaxSize int     `json:"max_size"` // Maximum capacity
	Hits    uint64  `json:"hits"`     // Number of cache hits
	Misses  uint64  `json:"misses"`   // Number of cache misses
	HitRate float64 `json:"hit_rate"` // Hit rate percentage (0-100)
}

// SetEnabled enables or disables the cache. Disabling drops every entry.
func (c *ChecksumCache) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled

	if !enabled {
		c.list.Init()
		c.items = make(map[uint64]*list.Element, c.maxSize)
	}
}

// evictOldest removes the least recently used entry.
// Caller must hold the lock.
func (c *ChecksumCache) evictOldest() {
	if elem := c.list.Back(); elem != nil {
		c.removeElement(elem)
	}
}

// removeElement removes an element from the cache.
// Caller must hold the lock.
func (c *ChecksumCache) removeElement(elem *list.Element) {
	c.list.Remove(elem)
	delete(c.items, elem.Value.(*cacheEntry).key)
}
