// Package risk computes position sizes from account equity, the active
// phase policy, and the signal's stop distance. It is the only place order
// size is derived, so the hard risk ceiling is enforced here regardless of
// what the upstream signal asks for.
package risk

import (
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/peycheff-com/titan-trading-system-sub000/internal/phase"
)

// Sizer turns (equity, policy, entry, stop) into an order size.
type Sizer struct {
	maxRiskPct decimal.Decimal // hard ceiling across all phases
	logger     *slog.Logger
}

// NewSizer builds a sizer. maxRiskPct is a fraction (0.02 = 2%).
func NewSizer(maxRiskPct float64, logger *slog.Logger) *Sizer {
	return &Sizer{
		maxRiskPct: decimal.NewFromFloat(maxRiskPct),
		logger:     logger.With("component", "risk_sizer"),
	}
}

// Size computes the position size in units:
//
//	risk_amount = equity · min(policy.RiskPct, maxRiskPct)
//	size        = risk_amount / |entry − stop|
//
// capped so the notional never exceeds equity · policy.MaxLeverage. The
// requested size, when positive, acts as an additional upper bound: the
// signal may ask for less than the risk budget allows, never more.
func (s *Sizer) Size(equity decimal.Decimal, policy phase.Config, entry, stop, requested decimal.Decimal) (decimal.Decimal, error) {
	if !equity.IsPositive() {
		return decimal.Zero, fmt.Errorf("size: equity %s is not positive", equity)
	}
	if !entry.IsPositive() {
		return decimal.Zero, fmt.Errorf("size: entry %s is not positive", entry)
	}
	stopDist := entry.Sub(stop).Abs()
	if stopDist.IsZero() {
		return decimal.Zero, fmt.Errorf("size: stop equals entry")
	}

	riskPct := decimal.NewFromFloat(policy.RiskPct)
	if riskPct.GreaterThan(s.maxRiskPct) {
		riskPct = s.maxRiskPct
	}
	size := equity.Mul(riskPct).Div(stopDist)

	// Leverage cap on notional.
	maxNotional := equity.Mul(decimal.NewFromInt(int64(policy.MaxLeverage)))
	if notional := size.Mul(entry); notional.GreaterThan(maxNotional) {
		size = maxNotional.Div(entry)
		s.logger.Debug("size clamped by leverage",
			"max_leverage", policy.MaxLeverage, "size", size.String())
	}

	if requested.IsPositive() && requested.LessThan(size) {
		size = requested
	}
	if !size.IsPositive() {
		return decimal.Zero, fmt.Errorf("size: computed size %s is not positive", size)
	}
	return size, nil
}
