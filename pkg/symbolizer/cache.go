package symbolizer

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/elastic/devfiler/pkg/model"
	"github.com/elastic/devfiler/pkg/store"
)

// Cache is the two-tier symbol cache: a bounded in-memory LRU in front of
// the persistent symbols keyspace.
type Cache struct {
	mem     *lru.Cache[model.FrameRef, model.SymbolResult]
	store   *store.Store
	metrics *metrics
}

func NewCache(size int, s *store.Store, m *metrics) (*Cache, error) {
	mem, err := lru.New[model.FrameRef, model.SymbolResult](size)
	if err != nil {
		return nil, err
	}
	return &Cache{mem: mem, store: s, metrics: m}, nil
}

// Get looks the frame up in memory first, then in the store. Store hits are
// promoted to memory.
func (c *Cache) Get(ctx context.Context, ref model.FrameRef) (model.SymbolResult, bool, error) {
	if r, ok := c.mem.Get(ref); ok {
		c.metrics.cacheOperations.WithLabelValues(cacheMemory, statusHit).Inc()
		return r, true, nil
	}
	c.metrics.cacheOperations.WithLabelValues(cacheMemory, statusMiss).Inc()
	r, err := c.store.GetSymbol(ctx, ref)
	if err != nil {
		return model.SymbolResult{}, false, err
	}
	if r == nil {
		c.metrics.cacheOperations.WithLabelValues(cacheStore, statusMiss).Inc()
		return model.SymbolResult{}, false, nil
	}
	c.metrics.cacheOperations.WithLabelValues(cacheStore, statusHit).Inc()
	c.mem.Add(ref, *r)
	return *r, true, nil
}

// Put persists the results of a resolution pass and then fills the memory
// tier. Results computed against an outdated generation are dropped by the
// store and never reach memory.
func (c *Cache) Put(ctx context.Context, exe model.ExecutableID, gen uint64, results map[uint64]model.SymbolResult) error {
	if len(results) == 0 {
		return nil
	}
	if err := c.store.PutSymbols(ctx, exe, gen, results); err != nil {
		return errors.Wrapf(err, "persisting %d symbols of %s", len(results), exe)
	}
	for addr, r := range results {
		c.mem.Add(model.FrameRef{Executable: exe, Address: addr}, r)
	}
	return nil
}

// Invalidate drops every memory entry of an executable.
func (c *Cache) Invalidate(exe model.ExecutableID) {
	for _, ref := range c.mem.Keys() {
		if ref.Executable == exe {
			c.mem.Remove(ref)
		}
	}
}

func (c *Cache) Len() int { return c.mem.Len() }
