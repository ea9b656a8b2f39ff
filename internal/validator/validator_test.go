package validator

import (
	"log/slog"
	"math"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/peycheff-com/titan-trading-system-sub000/internal/market"
	"github.com/peycheff-com/titan-trading-system-sub000/pkg/types"
)

func testValidator(t *testing.T) (*Validator, *market.Cache) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cache := market.NewCache(time.Second)
	cache.SetConnected(true)
	v := New(cache, 60, 0.10, 0.15, 5, logger)
	return v, cache
}

// book seeds a balanced two-sided book around 100.
func book(cache *market.Cache, symbol string, bidSz, askSz float64) {
	cache.Update(symbol,
		[]types.PriceLevel{
			{Price: 99.99, Size: bidSz},
			{Price: 99.98, Size: bidSz},
			{Price: 99.97, Size: bidSz},
		},
		[]types.PriceLevel{
			{Price: 100.01, Size: askSz},
			{Price: 100.02, Size: askSz},
			{Price: 100.03, Size: askSz},
		})
}

func req(symbol string, side types.Side) Request {
	return Request{Symbol: symbol, Side: side, Size: 1, StructureScore: 75, MomentumScore: 50}
}

func TestStaleCacheAborts(t *testing.T) {
	t.Parallel()
	v, cache := testValidator(t)

	res := v.Validate(req("BTCUSDT", types.SideBuy))
	assert.False(t, res.Valid)
	assert.Equal(t, types.ReasonStaleCache, res.Reason)
	assert.Equal(t, RecommendAbort, res.Recommendation)

	cache.SetConnected(false)
	res = v.Validate(req("BTCUSDT", types.SideBuy))
	assert.Equal(t, types.ReasonStaleCacheDisconnected, res.Reason)
}

func TestStructureBelowThreshold(t *testing.T) {
	t.Parallel()
	v, cache := testValidator(t)
	book(cache, "BTCUSDT", 10, 10)

	r := req("BTCUSDT", types.SideBuy)
	r.StructureScore = 59
	res := v.Validate(r)
	assert.False(t, res.Valid)
	assert.Equal(t, types.ReasonStructureBelow, res.Reason)
}

func TestInsufficientDepth(t *testing.T) {
	t.Parallel()
	v, cache := testValidator(t)
	book(cache, "BTCUSDT", 10, 0.1)

	r := req("BTCUSDT", types.SideBuy)
	r.Size = 5 // asks hold 0.3 total
	res := v.Validate(r)
	assert.False(t, res.Valid)
	assert.Equal(t, types.ReasonInsufficientDepth, res.Reason)
}

func TestSpreadExceeded(t *testing.T) {
	t.Parallel()
	v, cache := testValidator(t)
	cache.Update("BTCUSDT",
		[]types.PriceLevel{{Price: 99, Size: 100}},
		[]types.PriceLevel{{Price: 101, Size: 100}})

	res := v.Validate(req("BTCUSDT", types.SideBuy))
	assert.False(t, res.Valid)
	assert.Equal(t, types.ReasonSpreadExceeded, res.Reason)
}

func TestMomentumWidensThresholds(t *testing.T) {
	t.Parallel()

	base := Preset{MaxSpreadPct: 0.10, MaxSlippagePct: 0.15}
	spread, slip := widen(base, 50)
	assert.Equal(t, 0.10, spread)
	assert.Equal(t, 0.15, slip)

	spread, slip = widen(base, 85)
	assert.InDelta(t, 0.125, spread, 1e-9)
	assert.InDelta(t, 0.1875, slip, 1e-9)

	spread, _ = widen(base, 95)
	assert.InDelta(t, 0.15, spread, 1e-9)
}

func TestOBIGatingBuy(t *testing.T) {
	t.Parallel()
	v, cache := testValidator(t)

	// Thin bids: OBI = 1/10 = 0.1 → heavy sell wall, passive execution.
	book(cache, "BTCUSDT", 1, 10)
	res := v.Validate(req("BTCUSDT", types.SideBuy))
	assert.True(t, res.Valid)
	assert.Equal(t, types.ReasonHeavySellWall, res.Reason)
	assert.Equal(t, RecommendLimit, res.Recommendation)

	// Heavy bids: OBI = 10 → market entry permitted.
	book(cache, "BTCUSDT", 10, 1)
	res = v.Validate(req("BTCUSDT", types.SideBuy))
	assert.True(t, res.Valid)
	assert.Equal(t, RecommendMarket, res.Recommendation)

	// Balanced book defaults to LIMIT.
	book(cache, "BTCUSDT", 10, 10)
	res = v.Validate(req("BTCUSDT", types.SideBuy))
	assert.True(t, res.Valid)
	assert.Equal(t, RecommendLimit, res.Recommendation)
	assert.Empty(t, res.Reason)
}

func TestOBIGatingSellMirrors(t *testing.T) {
	t.Parallel()
	v, cache := testValidator(t)

	// Heavy bids against a SELL: buy wall, stay passive.
	book(cache, "BTCUSDT", 10, 1)
	res := v.Validate(req("BTCUSDT", types.SideSell))
	assert.True(t, res.Valid)
	assert.Equal(t, types.ReasonHeavyBuyWall, res.Reason)
	assert.Equal(t, RecommendLimit, res.Recommendation)

	// Thin bids favor the seller: market entry.
	book(cache, "BTCUSDT", 1, 10)
	res = v.Validate(req("BTCUSDT", types.SideSell))
	assert.Equal(t, RecommendMarket, res.Recommendation)
}

func TestExpectedSlippage(t *testing.T) {
	t.Parallel()

	levels := []types.PriceLevel{
		{Price: 100, Size: 1},
		{Price: 101, Size: 1},
	}

	// Size 1 fills entirely at best: zero slippage.
	pct, covered := expectedSlippagePct(levels, 1)
	assert.True(t, covered)
	assert.InDelta(t, 0, pct, 1e-9)

	// Size 2 averages 100.5 vs best 100: 0.5%.
	pct, covered = expectedSlippagePct(levels, 2)
	assert.True(t, covered)
	assert.InDelta(t, 0.5, pct, 1e-9)

	// Size 3 cannot be absorbed.
	pct, covered = expectedSlippagePct(levels, 3)
	assert.False(t, covered)
	assert.True(t, math.IsInf(pct, 1))
}

func TestClassify(t *testing.T) {
	t.Parallel()
	assert.Equal(t, AssetCrypto, classify("BTCUSDT"))
	assert.Equal(t, AssetCrypto, classify("eth-perp"))
	assert.Equal(t, AssetEquity, classify("AAPL"))
}
