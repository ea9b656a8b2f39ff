// Package ratelimit paces outbound broker calls with a token bucket and
// surfaces queue pressure to the execution layer: strategies treat the
// force-market signal as a hint to skip maker attempts, and sustained
// pressure raises an operator alert.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Signal is a pressure notification.
type Signal string

const (
	// SignalApproaching fires when queue depth passes the warning threshold.
	SignalApproaching Signal = "approaching"
	// SignalForceMarket fires when depth passes the force-market threshold.
	SignalForceMarket Signal = "force_market"
	// SignalAlert fires after N consecutive warning-level samples.
	SignalAlert Signal = "alert"
)

// Limiter wraps a token bucket with queue-depth accounting. Waiters are
// served in FIFO order by the underlying bucket.
type Limiter struct {
	lim *rate.Limiter

	warnDepth  int64
	forceDepth int64
	alertAfter int

	depth atomic.Int64

	mu          sync.Mutex
	consecutive int

	events chan Signal
	logger *slog.Logger
}

// New builds a limiter admitting perSec calls per second with a burst of one.
func New(perSec, warnDepth, forceDepth, alertAfter int, logger *slog.Logger) *Limiter {
	return &Limiter{
		lim:        rate.NewLimiter(rate.Limit(perSec), 1),
		warnDepth:  int64(warnDepth),
		forceDepth: int64(forceDepth),
		alertAfter: alertAfter,
		events:     make(chan Signal, 16),
		logger:     logger.With("component", "ratelimit"),
	}
}

// Acquire blocks until a token is available or ctx is done. Queue pressure
// signals are emitted on entry, before waiting.
func (l *Limiter) Acquire(ctx context.Context) error {
	depth := l.depth.Add(1)
	defer l.depth.Add(-1)

	l.observe(depth)
	return l.lim.Wait(ctx)
}

// Depth reports how many callers are currently queued or executing.
func (l *Limiter) Depth() int { return int(l.depth.Load()) }

// ForceMarket reports whether current pressure warrants skipping maker
// attempts.
func (l *Limiter) ForceMarket() bool { return l.depth.Load() > l.forceDepth }

// Events delivers pressure signals. Slow consumers lose signals rather than
// blocking callers.
func (l *Limiter) Events() <-chan Signal { return l.events }

func (l *Limiter) observe(depth int64) {
	if depth <= l.warnDepth {
		l.mu.Lock()
		l.consecutive = 0
		l.mu.Unlock()
		return
	}

	if depth > l.forceDepth {
		l.logger.Warn("rate limit queue saturated, forcing market execution", "depth", depth)
		l.emit(SignalForceMarket)
	} else {
		l.logger.Debug("rate limit queue approaching saturation", "depth", depth)
		l.emit(SignalApproaching)
	}

	l.mu.Lock()
	l.consecutive++
	fire := l.consecutive == l.alertAfter
	l.mu.Unlock()
	if fire {
		l.logger.Warn("sustained rate limit pressure", "consecutive_warnings", l.alertAfter)
		l.emit(SignalAlert)
	}
}

func (l *Limiter) emit(s Signal) {
	select {
	case l.events <- s:
	default:
	}
}
