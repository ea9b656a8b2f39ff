package safety

import (
	"log/slog"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// DriftGuard watches two statistical tripwires: a Z-score on the rolling
// realized-PnL window against the strategy's expected edge, and a
// peak-to-current equity drop inside a short time window (flash crash).
type DriftGuard struct {
	windowSize  int
	zThreshold  float64 // negative
	expectMean  float64
	expectStdev float64 // <=0 = use sample stdev

	ddVelocityPct float64 // positive magnitude
	ddWindow      time.Duration

	mu      sync.Mutex
	pnls    []float64
	equity  []equityPoint
	tripped bool

	events chan Event
	logger *slog.Logger
	now    func() time.Time
}

type equityPoint struct {
	at    time.Time
	value float64
}

// NewDriftGuard builds the guard.
func NewDriftGuard(windowSize int, zThreshold, expectMean, expectStdev, ddVelocityPct float64, ddWindow time.Duration, logger *slog.Logger) *DriftGuard {
	return &DriftGuard{
		windowSize:    windowSize,
		zThreshold:    zThreshold,
		expectMean:    expectMean,
		expectStdev:   expectStdev,
		ddVelocityPct: ddVelocityPct,
		ddWindow:      ddWindow,
		events:        make(chan Event, 8),
		logger:        logger.With("component", "drift_guard"),
		now:           time.Now,
	}
}

// Events delivers safety_stop and hard_kill notifications.
func (d *DriftGuard) Events() <-chan Event { return d.events }

// Tripped reports whether either tripwire has fired since the last Reset.
func (d *DriftGuard) Tripped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tripped
}

// Reset clears both windows. Fresh data must accumulate before the guard
// can fire again.
func (d *DriftGuard) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pnls = nil
	d.equity = nil
	d.tripped = false
	d.logger.Info("drift guard reset")
}

// RecordPnL adds one realized PnL observation. Returns true when the
// Z-score tripwire fires: the window is full and the observed mean sits
// below the expected edge by more than the threshold allows.
func (d *DriftGuard) RecordPnL(pnl float64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pnls = append(d.pnls, pnl)
	if len(d.pnls) > d.windowSize {
		d.pnls = d.pnls[len(d.pnls)-d.windowSize:]
	}
	if d.tripped || len(d.pnls) < d.windowSize {
		return false
	}

	mean, std := stat.MeanStdDev(d.pnls, nil)
	if d.expectStdev > 0 {
		std = d.expectStdev
	}
	if std == 0 {
		return false
	}
	z := (mean - d.expectMean) / std
	if z >= d.zThreshold {
		return false
	}

	d.tripped = true
	d.logger.Error("pnl drift tripwire", "z_score", z, "threshold", d.zThreshold, "window", d.windowSize)
	d.emit(Event{Kind: EventSafetyStop, Reason: FlattenSafetyStop, At: d.now()})
	return true
}

// RecordEquity adds one equity snapshot. Returns true when the drawdown
// velocity tripwire fires: equity fell from its in-window peak by at least
// the configured percentage.
func (d *DriftGuard) RecordEquity(equity float64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.equity = append(d.equity, equityPoint{at: now, value: equity})
	cutoff := now.Add(-d.ddWindow)
	for len(d.equity) > 0 && d.equity[0].at.Before(cutoff) {
		d.equity = d.equity[1:]
	}
	if d.tripped || len(d.equity) < 2 {
		return false
	}

	peak := d.equity[0].value
	for _, pt := range d.equity {
		if pt.value > peak {
			peak = pt.value
		}
	}
	if peak <= 0 {
		return false
	}
	dropPct := (equity - peak) / peak * 100
	if dropPct > -d.ddVelocityPct {
		return false
	}

	d.tripped = true
	d.logger.Error("flash crash tripwire", "drop_pct", dropPct, "window", d.ddWindow)
	d.emit(Event{Kind: EventHardKill, Reason: FlattenFlashCrashProtection, At: now})
	return true
}

func (d *DriftGuard) emit(ev Event) {
	select {
	case d.events <- ev:
	default:
	}
}
