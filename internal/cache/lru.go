// Package cache provides a small in-process LRU with per-entry TTL, used to
// serve immutable transfer records without a store round trip.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// LRU evicts the least recently used entry once capacity is reached.
// Entries also expire ttl after their last Put. Safe for concurrent use.
type LRU[K comparable, V any] struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	index map[K]*list.Element
	// recency holds *node values, most recently used at the front.
	recency *list.List
	clock   func() time.Time

	hits   int64
	misses int64
}

type node[K comparable, V any] struct {
	key     K
	val     V
	expires time.Time
}

func NewLRU[K comparable, V any](capacity int, ttl time.Duration) *LRU[K, V] {
	return &LRU[K, V]{
		cap:     capacity,
		ttl:     ttl,
		index:   make(map[K]*list.Element, capacity),
		recency: list.New(),
		clock:   time.Now,
	}
}

// Get returns the cached value when present and unexpired. An expired entry
// is dropped on access.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	var zero V
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.index[key]
	if !ok {
		c.misses++
		return zero, false
	}
	n := elem.Value.(*node[K, V])
	if !c.clock().Before(n.expires) {
		c.drop(elem)
		c.misses++
		return zero, false
	}

	c.recency.MoveToFront(elem)
	c.hits++
	return n.val, true
}

// Put stores value under key, resetting its TTL. The oldest entry is evicted
// when the cache is full.
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.index[key]; ok {
		n := elem.Value.(*node[K, V])
		n.val = value
		n.expires = c.clock().Add(c.ttl)
		c.recency.MoveToFront(elem)
		return
	}

	if c.recency.Len() >= c.cap {
		if oldest := c.recency.Back(); oldest != nil {
			c.drop(oldest)
		}
	}
	c.index[key] = c.recency.PushFront(&node[K, V]{
		key:     key,
		val:     value,
		expires: c.clock().Add(c.ttl),
	})
}

// Remove deletes key from the cache if present.
func (c *LRU[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.index[key]; ok {
		c.drop(elem)
	}
}

// Len counts resident entries, expired-but-unswept included.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recency.Len()
}

// Stats reports lifetime hit and miss counts.
func (c *LRU[K, V]) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *LRU[K, V]) drop(elem *list.Element) {
	c.recency.Remove(elem)
	delete(c.index, elem.Value.(*node[K, V]).key)
}
