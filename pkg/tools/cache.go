package tools

import (
	"crypto/md5"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultCacheTTL is how long a cached tool result stays fresh.
	DefaultCacheTTL = 5 * time.Minute
	// DefaultCacheSize is the target entry count; the aggressive sweep
	// triggers at 120% of it.
	DefaultCacheSize = 100
)

type cacheEntry struct {
	value      string
	insertedAt time.Time
}

// Cache holds recent results of side-effect-free tools, keyed by a 128-bit
// digest of the tool name and canonical-JSON arguments. Mutating tools
// never reach it.
type Cache struct {
	mu      sync.RWMutex
	entries map[[md5.Size]byte]cacheEntry
	ttl     time.Duration
	target  int
	now     func() time.Time
}

// NewCache creates a cache; zero values select the defaults.
func NewCache(ttl time.Duration, target int) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if target <= 0 {
		target = DefaultCacheSize
	}
	return &Cache{
		entries: make(map[[md5.Size]byte]cacheEntry),
		ttl:     ttl,
		target:  target,
		now:     time.Now,
	}
}

// cacheKey digests the tool name and arguments. encoding/json sorts map
// keys, so equal argument maps digest identically regardless of insertion
// order.
func cacheKey(tool string, args map[string]interface{}) [md5.Size]byte {
	canonical, err := json.Marshal(args)
	if err != nil {
		canonical = []byte("{}")
	}
	h := md5.New()
	h.Write([]byte(tool))
	h.Write([]byte{0})
	h.Write(canonical)
	var key [md5.Size]byte
	copy(key[:], h.Sum(nil))
	return key
}

// Get returns the fresh cached result for a call, sweeping opportunistically.
func (c *Cache) Get(tool string, args map[string]interface{}) (string, bool) {
	if c == nil {
		return "", false
	}
	key := cacheKey(tool, args)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	if c.now().Sub(entry.insertedAt) > c.ttl {
		c.mu.Lock()
		c.sweepLocked()
		c.mu.Unlock()
		return "", false
	}
	return entry.value, true
}

// Put stores a result and enforces the size policy.
func (c *Cache) Put(tool string, args map[string]interface{}, value string) {
	if c == nil {
		return
	}
	key := cacheKey(tool, args)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cacheEntry{value: value, insertedAt: c.now()}
	c.sweepLocked()
	if len(c.entries) > c.target*12/10 {
		c.evictOldestLocked(len(c.entries) - c.target)
	}
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) sweepLocked() {
	cutoff := c.now().Add(-c.ttl)
	for key, entry := range c.entries {
		if entry.insertedAt.Before(cutoff) {
			delete(c.entries, key)
		}
	}
}

// evictOldestLocked removes n entries in insertion order.
func (c *Cache) evictOldestLocked(n int) {
	type aged struct {
		key [md5.Size]byte
		at  time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for key, entry := range c.entries {
		all = append(all, aged{key, entry.insertedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })

	for i := 0; i < n && i < len(all); i++ {
		delete(c.entries, all[i].key)
	}
}
