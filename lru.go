package bucket

import (
	"container/list"
	"sync"
)

// LRUCache is a thread-safe LRU cache
type LRUCache[K comparable, V any] struct {
	capacity int
	cache    map[K]*list.Element
	list     *list.List
	mu       sync.Mutex
}

type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

// defaultLRUSize keeps roughly a month of submissions resident.
const defaultLRUSize = 50000

// NewLRUCache creates a new LRU cache with the given capacity. When the
// cache is full the least recently accessed item is evicted.
func NewLRUCache[K comparable, V any](capacity int) *LRUCache[K, V] {
	if capacity <= 0 {
		capacity = defaultLRUSize
	}
	return &LRUCache[K, V]{
		capacity: capacity,
		cache:    make(map[K]*list.Element),
		list:     list.New(),
	}
}

// Get retrieves a value from the cache
func (lru *LRUCache[K, V]) Get(key K) (V, bool) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if elem, ok := lru.cache[key]; ok {
		lru.list.MoveToFront(elem)
		return elem.Value.(*lruEntry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Put stores a value in the cache
func (lru *LRUCache[K, V]) Put(key K, value V) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if elem, ok := lru.cache[key]; ok {
		elem.Value.(*lruEntry[K, V]).value = value
		lru.list.MoveToFront(elem)
		return
	}

	if lru.list.Len() >= lru.capacity {
		if back := lru.list.Back(); back != nil {
			delete(lru.cache, back.Value.(*lruEntry[K, V]).key)
			lru.list.Remove(back)
		}
	}

	lru.cache[key] = lru.list.PushFront(&lruEntry[K, V]{key: key, value: value})
}

// Delete removes a key from the cache
func (lru *LRUCache[K, V]) Delete(key K) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if elem, ok := lru.cache[key]; ok {
		delete(lru.cache, key)
		lru.list.Remove(elem)
	}
}

// Clear removes all entries from the cache
func (lru *LRUCache[K, V]) Clear() {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	lru.cache = make(map[K]*list.Element)
	lru.list = list.New()
}

// Size returns the current number of entries
func (lru *LRUCache[K, V]) Size() int {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return len(lru.cache)
}
