// Package market provides the local order book cache and the WebSocket
// market data feed that keeps it fresh.
//
// The cache holds one snapshot per symbol. It has a single writer (the feed
// consumer goroutine) and many readers; readers always receive copies, so a
// snapshot can be inspected without holding any lock. Validation queries must
// fail when a snapshot is stale — older than the configured max age — or when
// the upstream feed is known to be disconnected.
package market

import (
	"fmt"
	"sync"
	"time"

	"github.com/peycheff-com/titan-trading-system-sub000/pkg/types"
)

// ErrStale and ErrStaleDisconnected distinguish the two staleness failure
// modes surfaced by the L2 validator.
var (
	ErrStale             = fmt.Errorf("%s", types.ReasonStaleCache)
	ErrStaleDisconnected = fmt.Errorf("%s", types.ReasonStaleCacheDisconnected)
	ErrUnknownSymbol     = fmt.Errorf("symbol not in cache")
)

// Cache maintains per-symbol order book snapshots with age tracking.
type Cache struct {
	maxAge time.Duration

	mu        sync.RWMutex
	books     map[string]types.OrderBookSnapshot
	connected bool
	now       func() time.Time
}

// NewCache creates a cache whose entries go stale after maxAge.
func NewCache(maxAge time.Duration) *Cache {
	return &Cache{
		maxAge: maxAge,
		books:  make(map[string]types.OrderBookSnapshot),
		now:    time.Now,
	}
}

// Update replaces the book for a symbol. Called only by the feed consumer.
// Bids must be sorted descending and asks ascending by price.
func (c *Cache) Update(symbol string, bids, asks []types.PriceLevel) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.books[symbol] = types.OrderBookSnapshot{
		Symbol:    symbol,
		Bids:      bids,
		Asks:      asks,
		UpdatedAt: c.now(),
		Connected: c.connected,
	}
}

// SetConnected records the upstream feed state. A disconnected feed makes
// every entry stale regardless of age.
func (c *Cache) SetConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
}

// Connected reports the current upstream feed state.
func (c *Cache) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Snapshot returns a copy of the current book for a symbol without any
// freshness check. Use Fresh for validation paths.
func (c *Cache) Snapshot(symbol string) (types.OrderBookSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap, ok := c.books[symbol]
	if !ok {
		return types.OrderBookSnapshot{}, false
	}
	return copySnapshot(snap), true
}

// Fresh returns the book for a symbol, failing with ErrStaleDisconnected when
// the feed is down and ErrStale when the entry has outlived maxAge.
func (c *Cache) Fresh(symbol string) (types.OrderBookSnapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected {
		return types.OrderBookSnapshot{}, ErrStaleDisconnected
	}
	snap, ok := c.books[symbol]
	if !ok {
		return types.OrderBookSnapshot{}, ErrUnknownSymbol
	}
	if c.now().Sub(snap.UpdatedAt) > c.maxAge {
		return types.OrderBookSnapshot{}, ErrStale
	}
	return copySnapshot(snap), nil
}

// Age returns how old a symbol's entry is. Second return is false when the
// symbol has never been seen.
func (c *Cache) Age(symbol string) (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap, ok := c.books[symbol]
	if !ok {
		return 0, false
	}
	return c.now().Sub(snap.UpdatedAt), true
}

// Symbols lists every symbol currently cached.
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.books))
	for sym := range c.books {
		out = append(out, sym)
	}
	return out
}

func copySnapshot(snap types.OrderBookSnapshot) types.OrderBookSnapshot {
	out := snap
	out.Bids = append([]types.PriceLevel(nil), snap.Bids...)
	out.Asks = append([]types.PriceLevel(nil), snap.Asks...)
	return out
}
