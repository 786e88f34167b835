package coordinator

import (
	"container/list"
	"sync"
)

// lruCache is a size-bounded, project-scoped cache for search/recall
// results. Keys are canonical fingerprints of the query arguments;
// values carry the owning project so a mutation can invalidate every
// cached result for that project without needing to know the key shape.
type lruCache struct {
	mu      sync.Mutex
	maxSize int
	ll      *list.List
	items   map[string]*list.Element
}

type cacheEntry struct {
	key     string
	project string
	value   any
}

func newLRUCache(maxSize int) *lruCache {
	if maxSize < 1 {
		maxSize = 1
	}
	return &lruCache{
		maxSize: maxSize,
		ll:      list.New(),
		items:   make(map[string]*list.Element),
	}
}

func (c *lruCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).value, true
}

func (c *lruCache) Set(key, project string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*cacheEntry).value = value
		el.Value.(*cacheEntry).project = project
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&cacheEntry{key: key, project: project, value: value})
	c.items[key] = el

	for c.ll.Len() > c.maxSize {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}

// InvalidateProject evicts every cached entry belonging to project. A
// full-scale deployment would index entries by project to avoid the
// linear scan; at the bounded sizes this cache runs at (hundreds to a
// few thousand entries) the scan costs less than the query it saves.
func (c *lruCache) InvalidateProject(project string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toRemove []*list.Element
	for el := c.ll.Front(); el != nil; el = el.Next() {
		if el.Value.(*cacheEntry).project == project {
			toRemove = append(toRemove, el)
		}
	}
	for _, el := range toRemove {
		c.ll.Remove(el)
		delete(c.items, el.Value.(*cacheEntry).key)
	}
}

func (c *lruCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
