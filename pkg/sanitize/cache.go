package sanitize

import (
	"container/list"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// resultCache memoizes sanitization results for identical input
// strings, which repeat heavily in hot logging loops. It is a bounded
// LRU keyed by an xxhash of the raw string, shared read/write across
// all producers.
type resultCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[uint64]*list.Element

	hits   int64
	misses int64
}

type cacheEntry struct {
	key uint64
	raw string
	out string
}

func newResultCache(max int) *resultCache {
	if max <= 0 {
		max = 4096
	}
	return &resultCache{
		max:     max,
		order:   list.New(),
		entries: make(map[uint64]*list.Element, max),
	}
}

// get returns the cached result for raw, if present.
func (c *resultCache) get(raw string) (string, bool) {
	key := xxhash.Sum64String(raw)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok || elem.Value.(*cacheEntry).raw != raw {
		c.misses++
		return "", false
	}
	c.order.MoveToFront(elem)
	c.hits++
	return elem.Value.(*cacheEntry).out, true
}

// put stores the result for raw, evicting the least recently used
// entry when full.
func (c *resultCache) put(raw, out string) {
	key := xxhash.Sum64String(raw)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value.(*cacheEntry).raw = raw
		elem.Value.(*cacheEntry).out = out
		c.order.MoveToFront(elem)
		return
	}

	for c.order.Len() >= c.max {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}

	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, raw: raw, out: out})
}

// clear empties the cache; long-running processes call this to bound
// memory growth across workload shifts.
func (c *resultCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[uint64]*list.Element, c.max)
}

// stats returns hit and miss counts.
func (c *resultCache) stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// size returns the current entry count.
func (c *resultCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
