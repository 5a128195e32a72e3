package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const defaultLRUSize = 10000

// LRUCache is a thread-safe LRU with per-entry expiry. It is the community
// cache and the L1 of TwoPhaseCache.
type LRUCache struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List // front is most recently used
	now     func() time.Time
}

type lruEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// NewLRUCache creates an LRU holding at most maxSize entries.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = defaultLRUSize
	}
	return &LRUCache{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// Get returns the value of key, or nil when missing or expired.
func (c *LRUCache) Get(_ context.Context, datasetID, key string) ([]byte, error) {
	if datasetID == "" {
		return nil, ErrDatasetRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[datasetID+":"+key]
	if !ok {
		return nil, nil
	}
	entry := elem.Value.(*lruEntry)
	if c.now().After(entry.expiresAt) {
		c.remove(elem)
		return nil, nil
	}
	c.order.MoveToFront(elem)
	return entry.value, nil
}

// Set stores value for ttl, evicting least recently used entries over capacity.
func (c *LRUCache) Set(_ context.Context, datasetID, key string, value []byte, ttl time.Duration) error {
	if datasetID == "" {
		return ErrDatasetRequired
	}
	full := datasetID + ":" + key

	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(ttl)
	if elem, ok := c.items[full]; ok {
		entry := elem.Value.(*lruEntry)
		entry.value = value
		entry.expiresAt = expires
		c.order.MoveToFront(elem)
		return nil
	}

	c.items[full] = c.order.PushFront(&lruEntry{key: full, value: value, expiresAt: expires})
	for c.order.Len() > c.maxSize {
		c.remove(c.order.Back())
	}
	return nil
}

// Delete removes key.
func (c *LRUCache) Delete(_ context.Context, datasetID, key string) error {
	if datasetID == "" {
		return ErrDatasetRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[datasetID+":"+key]; ok {
		c.remove(elem)
	}
	return nil
}

// GetQueryResult returns a cached query result, or nil on a miss.
func (c *LRUCache) GetQueryResult(ctx context.Context, datasetID, key string) (*domain.QueryResult, error) {
	return getQueryResult(ctx, c, datasetID, key)
}

// SetQueryResult caches a query result.
func (c *LRUCache) SetQueryResult(ctx context.Context, datasetID, key string, res *domain.QueryResult, ttl time.Duration) error {
	return setQueryResult(ctx, c, datasetID, key, res, ttl)
}

// Ping always succeeds.
func (c *LRUCache) Ping(context.Context) error { return nil }

// Close drops every entry.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	return nil
}

// Stats returns the entry count and capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len(), c.maxSize
}

func (c *LRUCache) remove(elem *list.Element) {
	if elem == nil {
		return
	}
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*lruEntry).key)
}
