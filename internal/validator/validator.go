// Package validator gates executions on live L2 microstructure: cache
// freshness, market structure score, depth, spread, expected slippage, and
// order book imbalance. Checks run in a fixed order and the first failure
// wins.
package validator

import (
	"errors"
	"log/slog"
	"math"
	"strings"

	"github.com/peycheff-com/titan-trading-system-sub000/internal/market"
	"github.com/peycheff-com/titan-trading-system-sub000/pkg/types"
)

// Recommendation is the execution style the validator suggests.
type Recommendation string

const (
	RecommendAbort  Recommendation = "ABORT"
	RecommendLimit  Recommendation = "LIMIT"
	RecommendMarket Recommendation = "MARKET"
)

// AssetClass selects the threshold preset.
type AssetClass string

const (
	AssetCrypto AssetClass = "crypto"
	AssetEquity AssetClass = "equity"
)

// Preset holds the per-asset-class limits before momentum widening.
type Preset struct {
	MaxSpreadPct   float64
	MaxSlippagePct float64
}

// Request describes the execution being validated.
type Request struct {
	Symbol         string
	Side           types.Side
	Size           float64
	StructureScore float64
	MomentumScore  float64
}

// Result carries the verdict plus the measurements that produced it.
type Result struct {
	Valid          bool
	Reason         types.ReasonCode
	Recommendation Recommendation

	SpreadPct   float64
	SlippagePct float64
	OBI         float64
}

// Validator is safe for concurrent use; it only reads the market cache.
type Validator struct {
	cache        *market.Cache
	minStructure float64
	obiDepth     int
	presets      map[AssetClass]Preset
	logger       *slog.Logger
}

// New builds a validator. maxSpreadPct/maxSlippagePct are the crypto
// defaults; the equity preset runs at half those limits.
func New(cache *market.Cache, minStructure, maxSpreadPct, maxSlippagePct float64, obiDepth int, logger *slog.Logger) *Validator {
	return &Validator{
		cache:        cache,
		minStructure: minStructure,
		obiDepth:     obiDepth,
		presets: map[AssetClass]Preset{
			AssetCrypto: {MaxSpreadPct: maxSpreadPct, MaxSlippagePct: maxSlippagePct},
			AssetEquity: {MaxSpreadPct: maxSpreadPct / 2, MaxSlippagePct: maxSlippagePct / 2},
		},
		logger: logger.With("component", "validator"),
	}
}

// Validate runs the check sequence against the current book for the symbol.
func (v *Validator) Validate(req Request) Result {
	snap, err := v.cache.Fresh(req.Symbol)
	if err != nil {
		reason := types.ReasonStaleCache
		if errors.Is(err, market.ErrStaleDisconnected) {
			reason = types.ReasonStaleCacheDisconnected
		}
		return abort(reason)
	}

	if req.StructureScore < v.minStructure {
		return abort(types.ReasonStructureBelow)
	}

	preset := v.presets[classify(req.Symbol)]
	maxSpread, maxSlippage := widen(preset, req.MomentumScore)

	levels := snap.Asks
	if req.Side == types.SideSell {
		levels = snap.Bids
	}
	slippage, covered := expectedSlippagePct(levels, req.Size)
	if !covered {
		return abort(types.ReasonInsufficientDepth)
	}

	spread, ok := snap.SpreadPct()
	if !ok {
		return abort(types.ReasonInsufficientDepth)
	}
	if spread > maxSpread {
		return abort(types.ReasonSpreadExceeded)
	}

	if slippage > maxSlippage {
		return abort(types.ReasonSlippageExceeded)
	}

	res := Result{
		Valid:          true,
		Recommendation: RecommendLimit,
		SpreadPct:      spread,
		SlippagePct:    slippage,
	}

	// OBI gating. A wall on the taking side keeps the execution passive;
	// imbalance in our favor permits immediate taker entry. An unreadable
	// imbalance stays passive too.
	obi, ok := snap.OBI(v.obiDepth)
	if ok {
		res.OBI = obi
		switch req.Side {
		case types.SideBuy:
			if obi < 0.5 {
				res.Reason = types.ReasonHeavySellWall
			} else if obi > 2.0 {
				res.Recommendation = RecommendMarket
			}
		case types.SideSell:
			if obi > 2.0 {
				res.Reason = types.ReasonHeavyBuyWall
			} else if obi < 0.5 {
				res.Recommendation = RecommendMarket
			}
		}
	}

	v.logger.Debug("validated",
		"symbol", req.Symbol, "side", req.Side,
		"spread_pct", res.SpreadPct, "slippage_pct", res.SlippagePct, "obi", res.OBI,
		"recommendation", res.Recommendation)
	return res
}

func abort(reason types.ReasonCode) Result {
	return Result{Reason: reason, Recommendation: RecommendAbort}
}

// widen relaxes the preset on strong momentum: 25% above 80, 50% above 90.
func widen(p Preset, momentum float64) (maxSpread, maxSlippage float64) {
	factor := 1.0
	switch {
	case momentum > 90:
		factor = 1.5
	case momentum > 80:
		factor = 1.25
	}
	return p.MaxSpreadPct * factor, p.MaxSlippagePct * factor
}

// expectedSlippagePct walks the book levels the order would consume and
// returns the size-weighted average fill price's deviation from the best
// level, in percent. covered=false when the visible depth cannot absorb the
// size.
func expectedSlippagePct(levels []types.PriceLevel, size float64) (pct float64, covered bool) {
	if len(levels) == 0 || size <= 0 {
		return math.Inf(1), false
	}

	best := levels[0].Price
	remaining := size
	notional := 0.0
	for _, lvl := range levels {
		take := math.Min(remaining, lvl.Size)
		notional += take * lvl.Price
		remaining -= take
		if remaining <= 0 {
			break
		}
	}
	if remaining > 0 {
		return math.Inf(1), false
	}

	avg := notional / size
	return math.Abs(avg-best) / best * 100, true
}

// classify infers the asset class from the symbol. Quote suffixes used by
// the supported crypto venues map to the crypto preset, everything else is
// treated as equity.
func classify(symbol string) AssetClass {
	s := strings.ToUpper(symbol)
	for _, suffix := range []string{"USDT", "USDC", "USD", "BTC", "ETH", "PERP"} {
		if strings.HasSuffix(s, suffix) {
			return AssetCrypto
		}
	}
	return AssetEquity
}
