package humanizer

import (
	"container/list"
	"sync"
)

// parseCache is a bounded LRU of parse results keyed by the verbatim raw
// string. Only parse results are cached, never selections, which must be
// drawn fresh for every send.
type parseCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
}

type cacheEntry struct {
	key  string
	tmpl *Template
}

func newParseCache(capacity int) *parseCache {
	if capacity <= 0 {
		capacity = 100
	}
	return &parseCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (c *parseCache) get(key string) (*Template, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).tmpl, true
}

func (c *parseCache) add(key string, tmpl *Template) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		el.Value.(*cacheEntry).tmpl = tmpl
		return
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, tmpl: tmpl})
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

func (c *parseCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
