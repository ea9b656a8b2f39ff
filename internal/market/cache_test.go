package market

import (
	"errors"
	"testing"
	"time"

	"github.com/peycheff-com/titan-trading-system-sub000/pkg/types"
)

func seedCache(t *testing.T) *Cache {
	t.Helper()
	c := NewCache(100 * time.Millisecond)
	c.SetConnected(true)
	c.Update("BTCUSDT", []types.PriceLevel{
		{Price: 50000, Size: 1},
		{Price: 49990, Size: 2},
	}, []types.PriceLevel{
		{Price: 50010, Size: 1.5},
		{Price: 50020, Size: 2.5},
	})
	return c
}

func TestFreshReturnsCopy(t *testing.T) {
	t.Parallel()
	c := seedCache(t)

	snap, err := c.Fresh("BTCUSDT")
	if err != nil {
		t.Fatalf("fresh: %v", err)
	}

	// Mutating the returned snapshot must not affect the cache.
	snap.Bids[0].Price = 1

	again, err := c.Fresh("BTCUSDT")
	if err != nil {
		t.Fatalf("fresh: %v", err)
	}
	if again.Bids[0].Price != 50000 {
		t.Error("cache snapshot was mutated through a reader copy")
	}
}

func TestFreshFailsWhenDisconnected(t *testing.T) {
	t.Parallel()
	c := seedCache(t)
	c.SetConnected(false)

	_, err := c.Fresh("BTCUSDT")
	if !errors.Is(err, ErrStaleDisconnected) {
		t.Errorf("expected ErrStaleDisconnected, got %v", err)
	}
}

func TestFreshFailsWhenAged(t *testing.T) {
	t.Parallel()
	c := seedCache(t)

	// Push the clock past maxAge.
	base := time.Now()
	c.now = func() time.Time { return base.Add(200 * time.Millisecond) }

	_, err := c.Fresh("BTCUSDT")
	if !errors.Is(err, ErrStale) {
		t.Errorf("expected ErrStale, got %v", err)
	}
}

func TestFreshUnknownSymbol(t *testing.T) {
	t.Parallel()
	c := seedCache(t)

	_, err := c.Fresh("ETHUSDT")
	if !errors.Is(err, ErrUnknownSymbol) {
		t.Errorf("expected ErrUnknownSymbol, got %v", err)
	}
}

func TestUpdateRefreshesAge(t *testing.T) {
	t.Parallel()
	c := seedCache(t)

	age, ok := c.Age("BTCUSDT")
	if !ok {
		t.Fatal("expected age for seeded symbol")
	}
	if age > 50*time.Millisecond {
		t.Errorf("fresh entry unexpectedly old: %v", age)
	}
}
