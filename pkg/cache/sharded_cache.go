package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
)

const numShards = 16

// MarkPriceCache holds the latest mark price per symbol, sharded to keep ticker
// writes from contending with position reads.
type MarkPriceCache struct {
	shards [numShards]*priceShard
	now    func() time.Time
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]priceEntry
}

type priceEntry struct {
	price     float64
	updatedAt time.Time
	skipped   uint64 // throttled updates since the last accepted one
}

// NewMarkPriceCache creates a new sharded cache.
func NewMarkPriceCache() *MarkPriceCache {
	c := &MarkPriceCache{now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{
			items: make(map[string]priceEntry),
		}
	}
	return c
}

// SetClock replaces the time source; used by tests.
func (c *MarkPriceCache) SetClock(now func() time.Time) { c.now = now }

func (c *MarkPriceCache) getShard(key string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a price for a symbol unconditionally.
func (c *MarkPriceCache) Set(symbol string, price float64) {
	shard := c.getShard(symbol)
	shard.mu.Lock()
	shard.items[symbol] = priceEntry{price: price, updatedAt: c.now()}
	shard.mu.Unlock()
}

// SetThrottled stores price only if the previous accepted update for symbol is at
// least minInterval old. It reports whether the price was accepted.
func (c *MarkPriceCache) SetThrottled(symbol string, price float64, minInterval time.Duration) bool {
	now := c.now()
	shard := c.getShard(symbol)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.items[symbol]
	if ok && now.Sub(entry.updatedAt) < minInterval {
		entry.skipped++
		shard.items[symbol] = entry
		return false
	}
	shard.items[symbol] = priceEntry{price: price, updatedAt: now}
	return true
}

// Get retrieves a price for a symbol.
func (c *MarkPriceCache) Get(symbol string) (float64, bool) {
	shard := c.getShard(symbol)
	shard.mu.RLock()
	entry, ok := shard.items[symbol]
	shard.mu.RUnlock()
	return entry.price, ok
}

// Cleanup removes entries older than maxAge.
func (c *MarkPriceCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := c.now().Add(-maxAge)

	for _, shard := range c.shards {
		shard.mu.Lock()
		for sym, entry := range shard.items {
			if entry.updatedAt.Before(cutoff) {
				delete(shard.items, sym)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Run drops prices older than maxAge every interval until ctx is done, so a symbol
// whose stream went quiet stops feeding unrealized pnl.
func (c *MarkPriceCache) Run(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 || maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Cleanup(maxAge); n > 0 {
				logx.Infof("cache: dropped %d stale prices max_age=%s", n, maxAge)
			}
		}
	}
}

// GetAll returns all cached prices (for the admin API).
func (c *MarkPriceCache) GetAll() map[string]float64 {
	result := make(map[string]float64)
	for _, shard := range c.shards {
		shard.mu.RLock()
		for sym, entry := range shard.items {
			result[sym] = entry.price
		}
		shard.mu.RUnlock()
	}
	return result
}

// CacheStats provides cache statistics.
type CacheStats struct {
	TotalItems int           `json:"total_items"`
	Throttled  uint64        `json:"throttled"`
	OldestAge  time.Duration `json:"oldest_age"`
}

// Stats returns cache statistics.
func (c *MarkPriceCache) Stats() CacheStats {
	stats := CacheStats{}
	var oldest time.Time

	for _, shard := range c.shards {
		shard.mu.RLock()
		stats.TotalItems += len(shard.items)
		for _, entry := range shard.items {
			stats.Throttled += entry.skipped
			if oldest.IsZero() || entry.updatedAt.Before(oldest) {
				oldest = entry.updatedAt
			}
		}
		shard.mu.RUnlock()
	}

	if !oldest.IsZero() {
		stats.OldestAge = c.now().Sub(oldest)
	}
	return stats
}

// LastPriceKey is the cache key for last-trade prices, kept apart from mark prices
// which are stored under the bare symbol.
func LastPriceKey(symbol string) string { return symbol + "@last" }
