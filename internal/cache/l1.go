package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/pipecoord/pipecoord/pkg/types"
)

// L1Cache is a thread-safe, bounded in-process map with FIFO eviction and a
// freshness window.
type L1Cache struct {
	mu        sync.Mutex
	maxItems  int
	freshness time.Duration
	items     map[string]*l1Item
	evictList *list.List

	stats types.CacheStats
}

type l1Item struct {
	key        string
	data       []byte
	insertedAt time.Time
	element    *list.Element
}

// NewL1Cache creates an L1 tier bounded to maxItems entries, each fresh for
// the given window.
func NewL1Cache(maxItems int, freshness time.Duration) *L1Cache {
	if maxItems <= 0 {
		maxItems = 1024
	}
	if freshness <= 0 {
		freshness = 5 * time.Second
	}
	return &L1Cache{
		maxItems:  maxItems,
		freshness: freshness,
		items:     make(map[string]*l1Item),
		evictList: list.New(),
		stats:     types.CacheStats{Capacity: maxItems},
	}
}

// Get returns the value at key if it is still within the freshness window.
func (c *L1Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.items[key]
	if !exists {
		c.stats.Misses++
		return nil, false
	}
	if time.Since(item.insertedAt) > c.freshness {
		c.removeItem(item)
		c.stats.Misses++
		return nil, false
	}

	c.stats.Hits++

	out := make([]byte, len(item.data))
	copy(out, item.data)
	return out, true
}

// Set stores the value at key, evicting the oldest-inserted entry when the
// map is full. A rewrite of an existing key restarts its freshness window
// and moves it to the back of the eviction order.
func (c *L1Cache) Set(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data := make([]byte, len(value))
	copy(data, value)

	if item, exists := c.items[key]; exists {
		item.data = data
		item.insertedAt = time.Now()
		c.evictList.MoveToBack(item.element)
		return
	}

	item := &l1Item{
		key:        key,
		data:       data,
		insertedAt: time.Now(),
	}
	item.element = c.evictList.PushBack(item)
	c.items[key] = item

	for len(c.items) > c.maxItems {
		c.evictOldest()
	}
}

// Delete removes the entry at key.
func (c *L1Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, exists := c.items[key]; exists {
		c.removeItem(item)
	}
}

// Len returns the current number of entries.
func (c *L1Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns a copy of the tier's counters.
func (c *L1Cache) Stats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Items = len(c.items)
	total := stats.Hits + stats.Misses
	if total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// Caller must hold c.mu.
func (c *L1Cache) evictOldest() {
	element := c.evictList.Front()
	if element == nil {
		return
	}
	c.removeItem(element.Value.(*l1Item))
	c.stats.Evictions++
}

// Caller must hold c.mu.
func (c *L1Cache) removeItem(item *l1Item) {
	c.evictList.Remove(item.element)
	delete(c.items, item.key)
}
