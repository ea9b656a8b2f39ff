package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peycheff-com/titan-trading-system-sub000/pkg/types"
)

// LimitChaser walks a limit order toward the touch one tick at a time,
// giving up as soon as the signal's edge has decayed or the book turns
// hostile. Every outcome carries the chase diagnostics.
type LimitChaser struct {
	gateway  OrderGateway
	books    BookReader
	obiDepth int

	chaseInterval time.Duration
	maxChaseTime  time.Duration
	maxChaseTicks int
	minAlpha      float64
	tickSize      float64 // 0 = derive from price

	logger *slog.Logger
}

// NewLimitChaser builds the taker-phase strategy. Defaults: 200ms interval,
// 1s budget, 5 ticks, alpha floor 0.3.
func NewLimitChaser(gateway OrderGateway, books BookReader, obiDepth int, chaseInterval, maxChaseTime time.Duration, maxChaseTicks int, minAlpha float64, logger *slog.Logger) *LimitChaser {
	if chaseInterval <= 0 {
		chaseInterval = 200 * time.Millisecond
	}
	if maxChaseTime <= 0 {
		maxChaseTime = time.Second
	}
	if maxChaseTicks <= 0 {
		maxChaseTicks = 5
	}
	if minAlpha <= 0 {
		minAlpha = 0.3
	}
	return &LimitChaser{
		gateway:       gateway,
		books:         books,
		obiDepth:      obiDepth,
		chaseInterval: chaseInterval,
		maxChaseTime:  maxChaseTime,
		maxChaseTicks: maxChaseTicks,
		minAlpha:      minAlpha,
		logger:        logger.With("component", "limit_chaser"),
	}
}

// Execute runs one chase.
func (s *LimitChaser) Execute(ctx context.Context, p Params) (Result, error) {
	snap, err := s.books.Fresh(p.Symbol)
	if err != nil {
		return Result{SignalID: p.SignalID}, fmt.Errorf("chaser %s: book: %w", p.SignalID, err)
	}

	halfLife := effectiveHalfLife(p)
	price, ok := crossPrice(snap, p.Side)
	if !ok {
		return Result{SignalID: p.SignalID}, fmt.Errorf("chaser %s: empty book side", p.SignalID)
	}
	tick := s.tickSize
	if tick <= 0 {
		tick = tickFromPrice(price)
	}
	prevOBI, _ := snap.OBI(s.obiDepth)
	start := time.Now()

	fail := func(reason types.ReasonCode, ticks int, cond MarketConditions) Result {
		return Result{
			SignalID:    p.SignalID,
			Reason:      reason,
			ChaseTimeMs: time.Since(start).Milliseconds(),
			ChaseTicks:  ticks,
			Market:      cond,
		}
	}

	orderID, err := s.place(ctx, p, price)
	if err != nil {
		return fail(types.ReasonTimeout, 0, conditions(snap, s.obiDepth)), err
	}

	ticks := 0
	ticker := time.NewTicker(s.chaseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = s.gateway.CancelOrder(ctx, p.SignalID, p.Symbol, orderID)
			return fail(types.ReasonTimeout, ticks, conditions(snap, s.obiDepth)), ctx.Err()
		case <-ticker.C:
		}

		snap, err = s.books.Fresh(p.Symbol)
		if err != nil {
			s.logger.Warn("book read failed mid-chase", "signal_id", p.SignalID, "error", err)
			continue
		}
		cond := conditions(snap, s.obiDepth)

		if alpha := remainingAlpha(time.Since(start), halfLife); alpha < s.minAlpha {
			_ = s.gateway.CancelOrder(ctx, p.SignalID, p.Symbol, orderID)
			s.logger.Info("alpha expired", "signal_id", p.SignalID, "alpha", alpha, "ticks", ticks)
			return fail(types.ReasonAlphaExpired, ticks, cond), nil
		}

		// Book turning against our side kills the chase immediately.
		obi, obiOK := snap.OBI(s.obiDepth)
		worsening := obiOK &&
			((p.Side == types.SideBuy && obi < prevOBI) || (p.Side == types.SideSell && obi > prevOBI))
		if obiOK {
			prevOBI = obi
		}
		if worsening {
			_ = s.gateway.CancelOrder(ctx, p.SignalID, p.Symbol, orderID)
			s.logger.Info("obi worsening", "signal_id", p.SignalID, "obi", obi, "ticks", ticks)
			return fail(types.ReasonOBIWorsening, ticks, cond), nil
		}

		status, serr := s.gateway.OrderStatus(ctx, p.SignalID, p.Symbol, orderID)
		if serr != nil {
			s.logger.Warn("status poll failed", "signal_id", p.SignalID, "error", serr)
			continue
		}
		if status.State == types.OrderFilled {
			return Result{
				Success:     true,
				SignalID:    p.SignalID,
				Reason:      types.ReasonFilled,
				Fill:        types.Fill{Filled: true, OrderID: orderID, FillPrice: status.AvgFillPrice, FillSize: status.FilledSize},
				ChaseTimeMs: time.Since(start).Milliseconds(),
				ChaseTicks:  ticks,
				Market:      cond,
			}, nil
		}

		if time.Since(start) >= s.maxChaseTime {
			_ = s.gateway.CancelOrder(ctx, p.SignalID, p.Symbol, orderID)
			return fail(types.ReasonFillTimeout, ticks, cond), nil
		}
		if ticks >= s.maxChaseTicks {
			_ = s.gateway.CancelOrder(ctx, p.SignalID, p.Symbol, orderID)
			return fail(types.ReasonMaxTicksExceeded, ticks, cond), nil
		}

		// Still pending: re-price one tick more aggressive.
		if cerr := s.gateway.CancelOrder(ctx, p.SignalID, p.Symbol, orderID); cerr != nil {
			s.logger.Warn("cancel before re-price failed", "signal_id", p.SignalID, "error", cerr)
			continue
		}
		if p.Side == types.SideBuy {
			price += tick
		} else {
			price -= tick
		}
		ticks++
		orderID, err = s.place(ctx, p, price)
		if err != nil {
			return fail(types.ReasonTimeout, ticks, cond), err
		}
	}
}

func (s *LimitChaser) place(ctx context.Context, p Params, price float64) (string, error) {
	ack, err := s.gateway.SendOrder(ctx, types.OrderRequest{
		SignalID: p.SignalID,
		Symbol:   p.Symbol,
		Side:     p.Side,
		Kind:     types.OrderLimit,
		Price:    decimal.NewFromFloat(price),
		Size:     p.Size,
		PostOnly: p.PostOnly,
	})
	if err != nil {
		return "", err
	}
	return ack.OrderID, nil
}
