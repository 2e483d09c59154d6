package frontier

import "container/list"

// lruSet is a size-bounded set with O(1) hit/insert and least-recently-used
// eviction. The RequestQueue uses it to remember recently handled ids while
// store writes propagate.
type lruSet struct {
	cap int
	ll  *list.List
	m   map[string]*list.Element
}

func newLRUSet(capacity int) *lruSet {
	if capacity <= 0 {
		capacity = 1
	}
	return &lruSet{cap: capacity, ll: list.New(), m: make(map[string]*list.Element)}
}

// add inserts id; returns true if it was already present.
func (s *lruSet) add(id string) bool {
	if e, ok := s.m[id]; ok {
		s.ll.MoveToFront(e)
		return true
	}
	s.m[id] = s.ll.PushFront(id)
	if s.ll.Len() > s.cap {
		tail := s.ll.Back()
		if tail != nil {
			s.ll.Remove(tail)
			delete(s.m, tail.Value.(string))
		}
	}
	return false
}

func (s *lruSet) has(id string) bool {
	_, ok := s.m[id]
	return ok
}

func (s *lruSet) len() int { return s.ll.Len() }

func (s *lruSet) clear() {
	s.ll.Init()
	s.m = make(map[string]*list.Element)
}

// cachedRequest is the value kept in the dedup cache: the canonical id the
// store assigned to a uniqueKey, plus whether it was handled at cache time.
type cachedRequest struct {
	id        string
	isHandled bool
}

type lruCacheEntry struct {
	key string
	val cachedRequest
}

// lruCache is a size-bounded map from dedup-cache keys to cachedRequest
// records. It is purely a local shortcut; canonical ids always originate
// from the store.
type lruCache struct {
	cap int
	ll  *list.List
	m   map[string]*list.Element
}

func newLRUCache(capacity int) *lruCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &lruCache{cap: capacity, ll: list.New(), m: make(map[string]*list.Element)}
}

func (c *lruCache) get(key string) (cachedRequest, bool) {
	e, ok := c.m[key]
	if !ok {
		return cachedRequest{}, false
	}
	c.ll.MoveToFront(e)
	return e.Value.(*lruCacheEntry).val, true
}

func (c *lruCache) put(key string, val cachedRequest) {
	if e, ok := c.m[key]; ok {
		e.Value.(*lruCacheEntry).val = val
		c.ll.MoveToFront(e)
		return
	}
	c.m[key] = c.ll.PushFront(&lruCacheEntry{key: key, val: val})
	if c.ll.Len() > c.cap {
		tail := c.ll.Back()
		if tail != nil {
			c.ll.Remove(tail)
			delete(c.m, tail.Value.(*lruCacheEntry).key)
		}
	}
}

func (c *lruCache) len() int { return c.ll.Len() }

func (c *lruCache) clear() {
	c.ll.Init()
	c.m = make(map[string]*list.Element)
}
