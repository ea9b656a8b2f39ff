// Package strategy implements the execution styles: Limit-or-Kill for
// maker-phase entries and the alpha-decaying Limit Chaser for taker-phase
// entries, plus the pyramiding monitor that adds layers into winners.
package strategy

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peycheff-com/titan-trading-system-sub000/pkg/types"
)

// OrderGateway is the slice of the broker gateway strategies need.
type OrderGateway interface {
	SendOrder(ctx context.Context, req types.OrderRequest) (types.OrderAck, error)
	OrderStatus(ctx context.Context, signalID, symbol, orderID string) (types.OrderStatus, error)
	CancelOrder(ctx context.Context, signalID, symbol, orderID string) error
	ForceMarket() bool
}

// BookReader supplies fresh order book snapshots.
type BookReader interface {
	Fresh(symbol string) (types.OrderBookSnapshot, error)
}

// Params describes one entry execution.
type Params struct {
	SignalID      string
	Symbol        string
	Side          types.Side
	Size          decimal.Decimal
	Class         types.SignalClass
	AlphaHalfLife time.Duration
	UrgencyScore  float64
	PostOnly      bool
}

// MarketConditions captures the book at decision time for diagnostics.
type MarketConditions struct {
	BestBid   float64 `json:"best_bid"`
	BestAsk   float64 `json:"best_ask"`
	SpreadPct float64 `json:"spread_pct"`
	OBI       float64 `json:"obi"`
}

// Result is the uniform strategy outcome.
type Result struct {
	Success     bool             `json:"success"`
	SignalID    string           `json:"signal_id"`
	Reason      types.ReasonCode `json:"reason"`
	Fill        types.Fill       `json:"fill"`
	ChaseTimeMs int64            `json:"chase_time_ms"`
	ChaseTicks  int              `json:"chase_ticks"`
	Market      MarketConditions `json:"market_conditions"`

	// Limit-or-Kill miss diagnostics.
	BidAtEntry  float64 `json:"bid_at_entry,omitempty"`
	CurrentBid  float64 `json:"current_bid,omitempty"`
	MovementPct float64 `json:"movement_pct,omitempty"`
}

// Strategy executes one entry and reports the outcome. Implementations
// return an error only for infrastructure failures; trading outcomes
// (missed entry, expired alpha) are carried in the Result.
type Strategy interface {
	Execute(ctx context.Context, p Params) (Result, error)
}

// effectiveHalfLife resolves the alpha half-life: explicit value, else the
// class default, stretched 1.5x for very urgent signals.
func effectiveHalfLife(p Params) time.Duration {
	hl := p.AlphaHalfLife
	if hl <= 0 {
		hl = p.Class.DefaultAlphaHalfLife()
	}
	if p.UrgencyScore > 95 {
		hl = time.Duration(float64(hl) * 1.5)
	}
	return hl
}

// remainingAlpha is 0.5^(elapsed/halfLife).
func remainingAlpha(elapsed, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 0
	}
	return math.Pow(0.5, float64(elapsed)/float64(halfLife))
}

// tickFromPrice derives a tick size from price magnitude when the venue
// does not supply one.
func tickFromPrice(price float64) float64 {
	switch {
	case price >= 10000:
		return 1
	case price >= 1000:
		return 0.1
	case price >= 100:
		return 0.01
	case price >= 1:
		return 0.001
	default:
		return 0.0001
	}
}

func conditions(snap types.OrderBookSnapshot, obiDepth int) MarketConditions {
	var cond MarketConditions
	if bid, ok := snap.BestBid(); ok {
		cond.BestBid = bid.Price
	}
	if ask, ok := snap.BestAsk(); ok {
		cond.BestAsk = ask.Price
	}
	cond.SpreadPct, _ = snap.SpreadPct()
	cond.OBI, _ = snap.OBI(obiDepth)
	return cond
}

// touchPrice is the passive entry price: bid for BUY, ask for SELL.
func touchPrice(snap types.OrderBookSnapshot, side types.Side) (float64, bool) {
	if side == types.SideBuy {
		if bid, ok := snap.BestBid(); ok {
			return bid.Price, true
		}
		return 0, false
	}
	if ask, ok := snap.BestAsk(); ok {
		return ask.Price, true
	}
	return 0, false
}

// crossPrice is the aggressive starting price: ask for BUY, bid for SELL.
func crossPrice(snap types.OrderBookSnapshot, side types.Side) (float64, bool) {
	if side == types.SideBuy {
		if ask, ok := snap.BestAsk(); ok {
			return ask.Price, true
		}
		return 0, false
	}
	if bid, ok := snap.BestBid(); ok {
		return bid.Price, true
	}
	return 0, false
}
