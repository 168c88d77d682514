package cachekit

import (
	"container/list"
	"context"
	"sync"
)

// MemoryStorage is the in-process reference Storage implementation: an
// LRU-bounded map guarded by a single mutex. A single mutex makes Update
// trivially linearizable, which is the whole of the CAS contract this
// backend needs to satisfy — there is no external store to race against.
type MemoryStorage struct {
	mu         sync.Mutex
	maxEntries int
	items      map[string]*list.Element
	order      *list.List // front = most recently used
}

type memoryStorageEntry struct {
	key   string
	entry *CacheEntry
}

// NewMemoryStorage returns a Storage bounded to maxEntries. A maxEntries
// of 0 means unbounded.
func NewMemoryStorage(maxEntries int) *MemoryStorage {
	return &MemoryStorage{
		maxEntries: maxEntries,
		items:      map[string]*list.Element{},
		order:      list.New(),
	}
}

// Get returns the entry at key. If the entry carries a body, the
// returned resource has been Acquire()'d on the caller's behalf — the
// caller must Release it exactly once when done reading, so that a
// concurrent Remove/eviction/replacement cannot dispose the resource
// out from under an in-flight read (§5 shared-resource policy).
func (c *MemoryStorage) Get(ctx context.Context, key string) (*CacheEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}
	c.order.MoveToFront(el)
	entry := el.Value.(*memoryStorageEntry).entry
	if entry != nil && entry.Body != nil {
		entry.Body.Acquire()
	}
	return entry, true, nil
}

func (c *MemoryStorage) Put(ctx context.Context, key string, entry *CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, entry)
	return nil
}

func (c *MemoryStorage) putLocked(key string, entry *CacheEntry) {
	if el, ok := c.items[key]; ok {
		me := el.Value.(*memoryStorageEntry)
		// Drop the storage's reference to a superseded body; a body carried
		// over unchanged into the new entry is still owned by it.
		if old := me.entry; old != nil && old.Body != nil && (entry == nil || entry.Body != old.Body) {
			old.Body.Release()
		}
		me.entry = entry
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&memoryStorageEntry{key: key, entry: entry})
	c.items[key] = el
	c.evictLocked()
}

func (c *MemoryStorage) evictLocked() {
	if c.maxEntries <= 0 {
		return
	}
	for len(c.items) > c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			return
		}
		me := oldest.Value.(*memoryStorageEntry)
		if me.entry != nil && me.entry.Body != nil {
			me.entry.Body.Release()
		}
		delete(c.items, me.key)
		c.order.Remove(oldest)
	}
}

func (c *MemoryStorage) Update(ctx context.Context, key string, f UpdateFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var current *CacheEntry
	if el, ok := c.items[key]; ok {
		current = el.Value.(*memoryStorageEntry).entry
	}
	next, ok := f(current)
	if !ok {
		return nil
	}
	c.putLocked(key, next)
	return nil
}

func (c *MemoryStorage) Remove(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil
	}
	me := el.Value.(*memoryStorageEntry)
	if me.entry != nil && me.entry.Body != nil {
		me.entry.Body.Release()
	}
	delete(c.items, key)
	c.order.Remove(el)
	return nil
}

func (c *MemoryStorage) GetMany(ctx context.Context, keys []string) (map[string]*CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]*CacheEntry, len(keys))
	for _, key := range keys {
		if el, ok := c.items[key]; ok {
			c.order.MoveToFront(el)
			out[key] = el.Value.(*memoryStorageEntry).entry
		}
	}
	return out, nil
}

// Len reports the number of entries currently stored, for test and
// metrics use.
func (c *MemoryStorage) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
