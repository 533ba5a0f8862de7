// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package cache

import (
	"sync"
	"time"
)

type lruEntry[K comparable, V any] struct {
	key       K
	value     V
	prev      *lruEntry[K, V]
	next      *lruEntry[K, V]
	expiresAt time.Time
}

// LRU is a thread-safe least recently used cache with per-entry TTL.
//
// Get, Add and Remove are O(1). Expired entries are dropped lazily on access
// or in bulk by CleanupExpired. The list uses head and tail sentinels:
// head.next is the most recently used entry, tail.prev the least.
type LRU[K comparable, V any] struct {
	mu sync.Mutex

	capacity int
	ttl      time.Duration
	items    map[K]*lruEntry[K, V]
	head     *lruEntry[K, V]
	tail     *lruEntry[K, V]

	now func() time.Time

	hits   int64
	misses int64
}

// NewLRU creates a cache holding at most capacity entries, each living for ttl.
func NewLRU[K comparable, V any](capacity int, ttl time.Duration) *LRU[K, V] {
	if capacity <= 0 {
		capacity = 10000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	c := &LRU[K, V]{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[K]*lruEntry[K, V], capacity),
		head:     &lruEntry[K, V]{},
		tail:     &lruEntry[K, V]{},
		now:      time.Now,
	}
	c.head.next = c.tail
	c.tail.prev = c.head
	return c
}

// Get returns the value for key and marks it most recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.items[key]; ok {
		if c.now().After(entry.expiresAt) {
			c.removeEntry(entry)
		} else {
			c.moveToFront(entry)
			c.hits++
			return entry.value, true
		}
	}

	c.misses++
	var zero V
	return zero, false
}

// Contains reports whether key is cached without touching recency or stats.
func (c *LRU[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.items[key]
	return ok && !c.now().After(entry.expiresAt)
}

// Add inserts or replaces key, evicting the least recently used entry when full.
func (c *LRU[K, V]) Add(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)

	if entry, ok := c.items[key]; ok {
		entry.value = value
		entry.expiresAt = expiresAt
		c.moveToFront(entry)
		return
	}

	entry := &lruEntry[K, V]{key: key, value: value, expiresAt: expiresAt}
	c.addToFront(entry)
	c.items[key] = entry

	for len(c.items) > c.capacity {
		c.evictOldest()
	}
}

// Remove deletes key and reports whether it was present.
func (c *LRU[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.items[key]; ok {
		c.removeEntry(entry)
		return true
	}
	return false
}

// Len returns the number of entries, including expired ones not yet dropped.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Clear empties the cache.
func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[K]*lruEntry[K, V], c.capacity)
	c.head.next = c.tail
	c.tail.prev = c.head
}

// CleanupExpired drops every expired entry and returns how many were removed.
func (c *LRU[K, V]) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for entry := c.tail.prev; entry != c.head; {
		prev := entry.prev
		if now.After(entry.expiresAt) {
			c.removeEntry(entry)
			removed++
		}
		entry = prev
	}
	return removed
}

// Stats returns hit and miss counters and the current size.
func (c *LRU[K, V]) Stats() (hits, misses int64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, len(c.items)
}

// The helpers below require c.mu.

func (c *LRU[K, V]) addToFront(entry *lruEntry[K, V]) {
	entry.prev = c.head
	entry.next = c.head.next
	c.head.next.prev = entry
	c.head.next = entry
}

func (c *LRU[K, V]) moveToFront(entry *lruEntry[K, V]) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	c.addToFront(entry)
}

func (c *LRU[K, V]) removeEntry(entry *lruEntry[K, V]) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	delete(c.items, entry.key)
}

func (c *LRU[K, V]) evictOldest() {
	if oldest := c.tail.prev; oldest != c.head {
		c.removeEntry(oldest)
	}
}
