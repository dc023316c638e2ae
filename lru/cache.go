// Package lru implements a generic, thread-safe LRU cache whose entries expire
// after a fixed time-to-live.
//
// Get, Put and Delete are O(1). Expired entries are dropped lazily on access
// or eagerly by PurgeExpired.
package lru

import (
	"container/list"
	"sync"
	"time"
)

type entry[K comparable, V any] struct {
	key       K
	val       V
	expiresAt time.Time
}

// Cache is a bounded LRU cache with per-entry expiry.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List // front = most recently used
	items    map[K]*list.Element
	now      func() time.Time
}

// New creates a cache holding at most capacity entries, each valid for ttl.
// A ttl <= 0 disables expiry. Panics if capacity < 1.
func New[K comparable, V any](capacity int, ttl time.Duration) *Cache[K, V] {
	if capacity < 1 {
		panic("lru: capacity must be >= 1")
	}
	return &Cache[K, V]{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[K]*list.Element, capacity),
		now:      time.Now,
	}
}

// SetClock replaces the time source (for testing).
func (c *Cache[K, V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get returns the live value for key and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	if c.expired(e) {
		c.removeElement(el)
		var zero V
		return zero, false
	}
	c.order.MoveToFront(el)
	return e.val, true
}

// Put inserts or refreshes key. When the cache is full the least recently
// used entry is evicted and its key returned with true.
func (c *Cache[K, V]) Put(key K, val V) (K, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.now().Add(c.ttl)
	}

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[K, V])
		e.val = val
		e.expiresAt = expiresAt
		c.order.MoveToFront(el)
		var zero K
		return zero, false
	}

	var (
		evictedKey K
		evicted    bool
	)
	if len(c.items) >= c.capacity {
		victim := c.order.Back()
		evictedKey = victim.Value.(*entry[K, V]).key
		c.removeElement(victim)
		evicted = true
	}

	c.items[key] = c.order.PushFront(&entry[K, V]{key: key, val: val, expiresAt: expiresAt})
	return evictedKey, evicted
}

// Delete removes key. Returns true if it was present.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(el)
	return true
}

// Len returns the number of stored entries, including expired ones not yet
// purged.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// PurgeExpired drops every expired entry and returns how many were removed.
func (c *Cache[K, V]) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if c.expired(el.Value.(*entry[K, V])) {
			c.removeElement(el)
			n++
		}
		el = prev
	}
	return n
}

func (c *Cache[K, V]) expired(e *entry[K, V]) bool {
	return !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt)
}

func (c *Cache[K, V]) removeElement(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*entry[K, V]).key)
}
