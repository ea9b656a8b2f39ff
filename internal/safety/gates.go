// Package safety holds the pre-trade gates, the heartbeat dead-man switch,
// and the statistical drift guard. Everything here exists to stop trading,
// never to start it.
package safety

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/peycheff-com/titan-trading-system-sub000/pkg/types"
)

// GateError carries the rejection reason plus the HTTP status the webhook
// layer maps it to.
type GateError struct {
	Code       types.ReasonCode
	HTTPStatus int
	Message    string
}

func (e *GateError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// FundingBand bounds the acceptable funding-rate proxy. Rates above Max
// suppress new longs (crowded greed), rates below Min suppress new shorts.
type FundingBand struct {
	Min float64
	Max float64
}

// Gates runs the per-signal pre-trade checks, short-circuiting on the first
// failure.
type Gates struct {
	armed func() bool

	mu        sync.Mutex
	whitelist map[string]struct{} // empty = not enforced

	maxConsecutiveLosses int
	maxDailyDDPct        float64
	maxWeeklyDDPct       float64
	cooldown             time.Duration

	consecutiveLosses int
	dailyPnLPct       float64
	weeklyPnLPct      float64
	cooldownUntil     time.Time

	funding     map[string]float64
	fundingBand FundingBand

	logger *slog.Logger
	now    func() time.Time
}

// NewGates builds the gate set. armed reports the master-arm switch.
func NewGates(armed func() bool, whitelist []string, maxConsecutiveLosses int, maxDailyDDPct, maxWeeklyDDPct float64, cooldown time.Duration, band FundingBand, logger *slog.Logger) *Gates {
	wl := make(map[string]struct{}, len(whitelist))
	for _, sym := range whitelist {
		wl[sym] = struct{}{}
	}
	return &Gates{
		armed:                armed,
		whitelist:            wl,
		maxConsecutiveLosses: maxConsecutiveLosses,
		maxDailyDDPct:        maxDailyDDPct,
		maxWeeklyDDPct:       maxWeeklyDDPct,
		cooldown:             cooldown,
		funding:              make(map[string]float64),
		fundingBand:          band,
		logger:               logger.With("component", "safety_gates"),
		now:                  time.Now,
	}
}

// Check runs the gates for one signal. First failure wins.
func (g *Gates) Check(symbol string, direction types.Direction) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.whitelist) > 0 {
		if _, ok := g.whitelist[symbol]; !ok {
			return &GateError{Code: types.ReasonAssetDisabled, HTTPStatus: 403,
				Message: fmt.Sprintf("%s is not whitelisted", symbol)}
		}
	}

	if !g.armed() {
		return &GateError{Code: types.ReasonExecutionDisabled, HTTPStatus: 200,
			Message: "master arm is off"}
	}

	if g.now().Before(g.cooldownUntil) {
		return &GateError{Code: types.ReasonCircuitBreaker, HTTPStatus: 200,
			Message: fmt.Sprintf("circuit breaker open until %s", g.cooldownUntil.Format(time.RFC3339))}
	}

	if rate, ok := g.funding[symbol]; ok {
		adverse := (direction == types.LONG && rate > g.fundingBand.Max) ||
			(direction == types.SHORT && rate < g.fundingBand.Min)
		if adverse {
			return &GateError{Code: types.ReasonFundingAdverse, HTTPStatus: 200,
				Message: fmt.Sprintf("funding %f adverse for %s entry", rate, direction)}
		}
	}
	return nil
}

// RecordTrade feeds a closed trade into the loss counters, tripping the
// breaker when a limit is breached.
func (g *Gates) RecordTrade(rec types.TradeRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()

	pnlPct, _ := rec.PnLPct.Float64()
	if rec.PnL.IsNegative() {
		g.consecutiveLosses++
	} else if rec.PnL.IsPositive() {
		g.consecutiveLosses = 0
	}
	g.dailyPnLPct += pnlPct
	g.weeklyPnLPct += pnlPct

	switch {
	case g.consecutiveLosses >= g.maxConsecutiveLosses:
		g.tripLocked(fmt.Sprintf("%d consecutive losses", g.consecutiveLosses))
	case g.dailyPnLPct <= -g.maxDailyDDPct:
		g.tripLocked(fmt.Sprintf("daily drawdown %.2f%%", g.dailyPnLPct))
	case g.weeklyPnLPct <= -g.maxWeeklyDDPct:
		g.tripLocked(fmt.Sprintf("weekly drawdown %.2f%%", g.weeklyPnLPct))
	}
}

func (g *Gates) tripLocked(why string) {
	g.cooldownUntil = g.now().Add(g.cooldown)
	g.consecutiveLosses = 0
	g.logger.Warn("circuit breaker tripped", "reason", why, "cooldown_until", g.cooldownUntil)
}

// BreakerOpen reports whether the cooldown is active.
func (g *Gates) BreakerOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.now().Before(g.cooldownUntil)
}

// SetFunding records the latest funding-rate proxy for a symbol.
func (g *Gates) SetFunding(symbol string, rate float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.funding[symbol] = rate
}

// ResetDaily zeroes the daily drawdown accumulator. Run from the scheduler
// at the session boundary.
func (g *Gates) ResetDaily() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dailyPnLPct = 0
}

// ResetWeekly zeroes the weekly drawdown accumulator.
func (g *Gates) ResetWeekly() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.weeklyPnLPct = 0
}
