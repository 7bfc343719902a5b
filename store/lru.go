package store

import (
	"container/list"
	"sync"
)

// handleCache keeps a bounded number of recently used document handles keyed
// by path. Returning the same handle for the same path is what serializes
// concurrent access to one file, so callers must fetch through the cache
// rather than hold handles across frames.
type handleCache[V any] struct {
	mu  sync.Mutex
	cap int
	ll  *list.List
	idx map[string]*list.Element
}

type handleEntry[V any] struct {
	key string
	val V
}

func newHandleCache[V any](capacity int) *handleCache[V] {
	return &handleCache[V]{
		cap: capacity,
		ll:  list.New(),
		idx: map[string]*list.Element{},
	}
}

func (c *handleCache[V]) get(key string, create func() V) V {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.idx[key]; ok {
		c.ll.MoveToFront(el)
		return el.Value.(*handleEntry[V]).val
	}

	val := create()
	c.idx[key] = c.ll.PushFront(&handleEntry[V]{key: key, val: val})
	for c.ll.Len() > c.cap {
		last := c.ll.Back()
		c.ll.Remove(last)
		delete(c.idx, last.Value.(*handleEntry[V]).key)
	}
	return val
}

func (c *handleCache[V]) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ll.Init()
	c.idx = map[string]*list.Element{}
}
