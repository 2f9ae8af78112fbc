package features

import (
	"container/list"
	"sync"
)

type cacheEntry struct {
	vector  Vector
	element *list.Element
}

// CachedCodec wraps a codec with an in-memory LRU keyed by item. Errors are
// never cached. Returned vectors are shared with the cache and must not be
// modified.
type CachedCodec struct {
	codec   Codec
	cache   map[string]cacheEntry
	lruList *list.List
	maxSize int
	mu      sync.Mutex

	hits, misses int
}

var _ Codec = (*CachedCodec)(nil)

// NewCachedCodec keeps at most maxSize vectors (default 1000).
func NewCachedCodec(codec Codec, maxSize int) *CachedCodec {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &CachedCodec{
		codec:   codec,
		cache:   make(map[string]cacheEntry),
		lruList: list.New(),
		maxSize: maxSize,
	}
}

func (c *CachedCodec) Encode(item string) (Vector, error) {
	c.mu.Lock()
	if entry, ok := c.cache[item]; ok {
		c.lruList.MoveToFront(entry.element)
		c.hits++
		c.mu.Unlock()
		return entry.vector, nil
	}
	c.misses++
	c.mu.Unlock()

	v, err := c.codec.Encode(item)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.cache[item]; ok {
		// filled concurrently
		c.lruList.MoveToFront(entry.element)
		return entry.vector, nil
	}

	if c.lruList.Len() >= c.maxSize {
		oldest := c.lruList.Back()
		if oldest != nil {
			delete(c.cache, oldest.Value.(string))
			c.lruList.Remove(oldest)
		}
	}

	element := c.lruList.PushFront(item)
	c.cache[item] = cacheEntry{vector: v, element: element}
	return v, nil
}

func (c *CachedCodec) Config() Config {
	return c.codec.Config()
}

func (c *CachedCodec) Clear() {
	c.mu.Lock()
	c.cache = make(map[string]cacheEntry)
	c.lruList.Init()
	c.mu.Unlock()
}

// Size returns the number of cached vectors.
func (c *CachedCodec) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

func (c *CachedCodec) MaxSize() int {
	return c.maxSize
}

// Stats returns the hit and miss counters.
func (c *CachedCodec) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
