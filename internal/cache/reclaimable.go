package cache

import (
	"fmt"
	"runtime"
	"sync"
	"weak"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Reclaimable caches values that are expensive to build but can be rebuilt at any
// time. The most recently used entries are held strongly; older ones are only
// weakly reachable, so they are reused while something else still holds them and
// rebuilt once the garbage collector has reclaimed them.
type Reclaimable[K comparable, V any] struct {
	mu     sync.Mutex
	strong *lru.Cache[K, *V]
	weak   map[K]weak.Pointer[V]
}

type reclaimEntry[K comparable, V any] struct {
	key K
	ptr weak.Pointer[V]
}

// NewReclaimable creates a cache holding at most size strong references.
func NewReclaimable[K comparable, V any](size int) (*Reclaimable[K, V], error) {
	if size <= 0 {
		size = 1
	}
	strong, err := lru.New[K, *V](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create reclaimable cache: %w", err)
	}
	return &Reclaimable[K, V]{
		strong: strong,
		weak:   make(map[K]weak.Pointer[V]),
	}, nil
}

// Get returns the live value for key, if any.
func (c *Reclaimable[K, V]) Get(key K) (*V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(key)
}

// GetOrCreate returns the cached value for key, calling build when it is absent or
// has been reclaimed. The bool reports a cache hit. build runs without the lock held;
// when two callers race, the first stored value wins.
func (c *Reclaimable[K, V]) GetOrCreate(key K, build func() (*V, error)) (*V, bool, error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}

	v, err := build()
	if err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.lookupLocked(key); ok {
		return existing, false, nil
	}
	c.storeLocked(key, v)
	return v, false, nil
}

// Len returns the number of strongly held entries.
func (c *Reclaimable[K, V]) Len() int {
	return c.strong.Len()
}

// Purge drops all entries.
func (c *Reclaimable[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strong.Purge()
	clear(c.weak)
}

func (c *Reclaimable[K, V]) lookupLocked(key K) (*V, bool) {
	if v, ok := c.strong.Get(key); ok {
		return v, true
	}
	wp, ok := c.weak[key]
	if !ok {
		return nil, false
	}
	v := wp.Value()
	if v == nil {
		delete(c.weak, key)
		return nil, false
	}
	// Still alive elsewhere, promote it again.
	c.strong.Add(key, v)
	return v, true
}

func (c *Reclaimable[K, V]) storeLocked(key K, v *V) {
	wp := weak.Make(v)
	c.weak[key] = wp
	c.strong.Add(key, v)
	runtime.AddCleanup(v, c.forget, reclaimEntry[K, V]{key: key, ptr: wp})
}

func (c *Reclaimable[K, V]) forget(e reclaimEntry[K, V]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.weak[e.key]; ok && cur == e.ptr {
		delete(c.weak, e.key)
	}
}
