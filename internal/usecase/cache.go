package usecase

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"healthsync/internal/domain"
)

// QueryCache is a TTL + LRU cache for platform query results. Encrypted
// metrics are cached as-is; plaintext sensitive values never enter the
// cache (the executor seals before caching). Safe for concurrent use.
type QueryCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
	now      func() time.Time
}

type cacheEntry struct {
	key       string
	metrics   []domain.HealthMetric
	expiresAt time.Time
}

// NewQueryCache creates a cache with the given TTL and entry capacity.
func NewQueryCache(ttl time.Duration, capacity int) *QueryCache {
	if ttl <= 0 {
		ttl = 4 * time.Hour
	}
	if capacity <= 0 {
		capacity = 128
	}
	return &QueryCache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

// CacheKey derives the cache key for a query over [start, end).
func CacheKey(t domain.MetricType, start, end time.Time) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", t, start.UnixNano(), end.UnixNano())))
	return hex.EncodeToString(h[:16]) // 128-bit key, sufficient for cache dedup
}

// Get returns the cached result for key, or false when absent or expired.
// Expired entries are evicted on access.
func (c *QueryCache) Get(key string) ([]domain.HealthMetric, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if c.now().After(entry.expiresAt) {
		c.removeLocked(el)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry.metrics, true
}

// Put stores a query result, evicting the least recently used entry when
// the cache is at capacity.
func (c *QueryCache) Put(key string, metrics []domain.HealthMetric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.metrics = metrics
		entry.expiresAt = c.now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	for len(c.entries) >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}

	el := c.order.PushFront(&cacheEntry{
		key:       key,
		metrics:   metrics,
		expiresAt: c.now().Add(c.ttl),
	})
	c.entries[key] = el
}

// Invalidate removes a single entry.
func (c *QueryCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
}

// InvalidateAll clears the cache. Called on key rotation so stale sealed
// values never outlive their key generation.
func (c *QueryCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

// Len returns the number of live entries (for testing).
func (c *QueryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// removeLocked drops an element from both index and order list.
// Caller must hold mu.
func (c *QueryCache) removeLocked(el *list.Element) {
	entry := el.Value.(*cacheEntry)
	delete(c.entries, entry.key)
	c.order.Remove(el)
}
