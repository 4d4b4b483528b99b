// Package cache provides the caches behind idempotent results, FX rates,
// device novelty and rate counters.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

const defaultLocalEntries = 10000

// scopedKey keeps tenants apart without string joins, so "a:b"/"c" and
// "a"/"b:c" never collide.
type scopedKey struct {
	tenant string
	key    string
}

type lruEntry struct {
	id      scopedKey
	value   []byte
	expires time.Time
}

type window struct {
	count   int64
	expires time.Time
}

// LRUCache is an in-process Cache with per-entry TTLs and least recently used
// eviction. It is the community tier cache and the L1 of TwoPhaseCache.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[scopedKey]*list.Element
	recency  *list.List
	windows  map[scopedKey]*window
	now      func() time.Time
}

// NewLRUCache creates a cache holding at most capacity entries.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = defaultLocalEntries
	}
	return &LRUCache{
		capacity: capacity,
		entries:  make(map[scopedKey]*list.Element),
		recency:  list.New(),
		windows:  make(map[scopedKey]*window),
		now:      time.Now,
	}
}

func scope(tenantID, key string) (scopedKey, error) {
	if tenantID == "" {
		return scopedKey{}, fmt.Errorf("tenantID is required")
	}
	return scopedKey{tenant: tenantID, key: key}, nil
}

// Get returns the live value for key, or nil.
func (c *LRUCache) Get(_ context.Context, tenantID string, key string) ([]byte, error) {
	id, err := scope(tenantID, key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem := c.live(id)
	if elem == nil {
		return nil, nil
	}
	c.recency.MoveToFront(elem)
	return elem.Value.(*lruEntry).value, nil
}

// Set stores value until ttl elapses.
func (c *LRUCache) Set(_ context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	id, err := scope(tenantID, key)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(id, value, ttl)
	return nil
}

// Delete drops key if present.
func (c *LRUCache) Delete(_ context.Context, tenantID string, key string) error {
	id, err := scope(tenantID, key)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[id]; ok {
		c.drop(elem)
	}
	return nil
}

// SetIfAbsent stores value only when no live entry exists and reports
// whether it did.
func (c *LRUCache) SetIfAbsent(_ context.Context, tenantID string, key string, value []byte, ttl time.Duration) (bool, error) {
	id, err := scope(tenantID, key)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live(id) != nil {
		return false, nil
	}
	c.put(id, value, ttl)
	return true, nil
}

// IncrementCounter counts within a fixed window that opens on the first
// increment. Counters do not compete with entries for capacity.
func (c *LRUCache) IncrementCounter(_ context.Context, tenantID string, key string, span time.Duration) (int64, error) {
	id, err := scope(tenantID, key)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	w, ok := c.windows[id]
	if ok && now.Before(w.expires) {
		w.count++
		return w.count, nil
	}
	if len(c.windows) >= c.capacity {
		for k, old := range c.windows {
			if !now.Before(old.expires) {
				delete(c.windows, k)
			}
		}
	}
	c.windows[id] = &window{count: 1, expires: now.Add(span)}
	return 1, nil
}

// Ping always succeeds.
func (c *LRUCache) Ping(context.Context) error {
	return nil
}

// Close empties the cache.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[scopedKey]*list.Element)
	c.recency.Init()
	c.windows = make(map[scopedKey]*window)
	return nil
}

// Stats returns the entry count and capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recency.Len(), c.capacity
}

// live returns the element for id, dropping it if expired. Caller holds c.mu.
func (c *LRUCache) live(id scopedKey) *list.Element {
	elem, ok := c.entries[id]
	if !ok {
		return nil
	}
	if !c.now().Before(elem.Value.(*lruEntry).expires) {
		c.drop(elem)
		return nil
	}
	return elem
}

// put inserts or refreshes id and evicts past capacity. Caller holds c.mu.
func (c *LRUCache) put(id scopedKey, value []byte, ttl time.Duration) {
	expires := c.now().Add(ttl)
	if elem, ok := c.entries[id]; ok {
		e := elem.Value.(*lruEntry)
		e.value = value
		e.expires = expires
		c.recency.MoveToFront(elem)
		return
	}

	c.entries[id] = c.recency.PushFront(&lruEntry{id: id, value: value, expires: expires})
	for c.recency.Len() > c.capacity {
		c.drop(c.recency.Back())
	}
}

func (c *LRUCache) drop(elem *list.Element) {
	c.recency.Remove(elem)
	delete(c.entries, elem.Value.(*lruEntry).id)
}
