package cache

import (
	"context"
	"sort"
	"sync"

	"github.com/rickgao/marketfeed/internal/model"
)

// LatestCache aggregates ticks per instrument. Each update overlays only the
// fields it carries, so a later ltpc tick does not erase depth from a full tick.
type LatestCache struct {
	mu    sync.RWMutex
	ticks map[model.InstrumentKey]model.Tick
}

// NewLatestCache creates an empty cache.
func NewLatestCache() *LatestCache {
	return &LatestCache{ticks: make(map[model.InstrumentKey]model.Tick)}
}

func (c *LatestCache) Name() string { return "latest" }

func (c *LatestCache) Handle(_ context.Context, tick model.Tick) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.ticks[tick.Key]; ok {
		c.ticks[tick.Key] = prev.Merge(tick)
		return nil
	}
	c.ticks[tick.Key] = model.Tick{}.Merge(tick)
	return nil
}

// Get returns the merged tick for key.
func (c *LatestCache) Get(key model.InstrumentKey) (model.Tick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.ticks[key]
	return t, ok
}

// All returns every cached tick ordered by key.
func (c *LatestCache) All() []model.Tick {
	c.mu.RLock()
	out := make([]model.Tick, 0, len(c.ticks))
	for _, t := range c.ticks {
		out = append(out, t)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Remove forgets keys, typically after they are unsubscribed.
func (c *LatestCache) Remove(keys ...model.InstrumentKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.ticks, k)
	}
}

// Len returns the number of cached instruments.
func (c *LatestCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ticks)
}
