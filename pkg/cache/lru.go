// Package cache provides the data keyed cache contract used by engines and a
// fixed capacity LRU implementation of it.
package cache

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/polisai/polis-flow/pkg/domain"
)

// DataKeyedCache stores values under keys derived from request data. Engines
// key it with serialized evidence, so K is normally string.
type DataKeyedCache[K comparable, V any] interface {
	// Get returns the value for key and whether it was present.
	Get(key K) (V, bool)
	// Put stores value under key.
	Put(key K, value V)
}

// LRU is a DataKeyedCache that evicts the least recently read or written
// entry once capacity is reached. Safe for concurrent use.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[K]*list.Element
	onEvict  func(K, V)
}

type lruItem[K comparable, V any] struct {
	key   K
	value V
}

// LRUOption customises an LRU.
type LRUOption[K comparable, V any] func(*LRU[K, V])

// WithEvictCallback registers fn to run, under the cache lock, whenever an
// entry is evicted to make room.
func WithEvictCallback[K comparable, V any](fn func(K, V)) LRUOption[K, V] {
	return func(c *LRU[K, V]) {
		c.onEvict = fn
	}
}

// NewLRU creates an LRU holding at most capacity entries.
func NewLRU[K comparable, V any](capacity int, opts ...LRUOption[K, V]) (*LRU[K, V], error) {
	if capacity < 1 {
		return nil, fmt.Errorf("new lru with capacity %d: %w", capacity, domain.ErrCacheCapacity)
	}
	c := &LRU[K, V]{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[K]*list.Element, capacity),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get returns the cached value and promotes it to most recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(lruItem[K, V]).value, true
}

// Put inserts or replaces key, evicting the least recently used entry when the
// cache is full.
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value = lruItem[K, V]{key: key, value: value}
		c.order.MoveToFront(elem)
		return
	}

	if c.order.Len() >= c.capacity {
		if tail := c.order.Back(); tail != nil {
			c.order.Remove(tail)
			item := tail.Value.(lruItem[K, V])
			delete(c.entries, item.key)
			if c.onEvict != nil {
				c.onEvict(item.key, item.value)
			}
		}
	}

	c.entries[key] = c.order.PushFront(lruItem[K, V]{key: key, value: value})
}

// Len returns the number of cached entries.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Capacity returns the maximum number of entries.
func (c *LRU[K, V]) Capacity() int {
	return c.capacity
}

// Keys returns the cached keys, most recently used first.
func (c *LRU[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]K, 0, c.order.Len())
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(lruItem[K, V]).key)
	}
	return keys
}

// Clear drops every entry without invoking the evict callback.
func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[K]*list.Element, c.capacity)
}
