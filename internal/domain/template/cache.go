package template

import (
	"container/list"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Cache stores rendered results. Errors are reported as cache unavailability
// and never fail a render.
type Cache interface {
	Get(key string) (*RenderResult, bool, error)
	Set(key string, value *RenderResult) error
}

// CacheStats reports render cache counters.
type CacheStats struct {
	Size        int   `json:"size"`
	Capacity    int   `json:"capacity"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
}

type cacheEntry struct {
	key        string
	value      *RenderResult
	insertedAt time.Time
}

var _ Cache = (*RenderCache)(nil)

// RenderCache is a bounded TTL cache evicting in insertion order.
// Reads do not refresh an entry's position.
type RenderCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time
	items    map[string]*list.Element
	order    *list.List // front = oldest insertion

	hits, misses, evictions, expirations int64
}

// NewRenderCache creates a cache holding at most capacity entries for ttl each.
func NewRenderCache(capacity int, ttl time.Duration, now func() time.Time) *RenderCache {
	if capacity <= 0 {
		capacity = 1000
	}
	if now == nil {
		now = time.Now
	}
	return &RenderCache{
		capacity: capacity,
		ttl:      ttl,
		now:      now,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get returns a copy of the cached value; entries older than the TTL are misses.
func (c *RenderCache) Get(key string) (*RenderResult, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false, nil
	}
	entry := elem.Value.(*cacheEntry)
	if c.ttl > 0 && c.now().Sub(entry.insertedAt) > c.ttl {
		c.order.Remove(elem)
		delete(c.items, key)
		c.expirations++
		c.misses++
		return nil, false, nil
	}

	c.hits++
	return entry.value.clone(), true, nil
}

// Set inserts value, evicting the oldest insertion when at capacity.
// Re-setting a key counts as a fresh insertion.
func (c *RenderCache) Set(key string, value *RenderResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.Remove(elem)
		delete(c.items, key)
	}

	for c.order.Len() >= c.capacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
		c.evictions++
	}

	c.items[key] = c.order.PushBack(&cacheEntry{key: key, value: value.clone(), insertedAt: c.now()})
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (c *RenderCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *RenderCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Size:        c.order.Len(),
		Capacity:    c.capacity,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
}

// CacheKey derives the cache key from the request signature.
func CacheKey(req *RenderRequest, language string) string {
	h := xxhash.New()
	for _, part := range []string{req.TemplateType, string(req.Channel), req.UserRole, req.UserID, language, req.Options.ABTestOverride, req.Priority} {
		_, _ = h.WriteString(part)
		_, _ = h.WriteString("\x00")
	}
	// encoding/json sorts map keys, so equal maps hash equally.
	if data, err := json.Marshal(req.Data); err == nil {
		_, _ = h.Write(data)
	}
	_, _ = h.WriteString("\x00")
	if ctx, err := json.Marshal(req.Context); err == nil {
		_, _ = h.Write(ctx)
	}
	return req.TemplateType + ":" + string(req.Channel) + ":" + strconv.FormatUint(h.Sum64(), 16)
}
