package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peycheff-com/titan-trading-system-sub000/pkg/types"
)

// LimitOrKill posts a passive limit at the touch and gives it a fixed fill
// window. It never chases: at the deadline the remainder is canceled, any
// partial is kept, and a clean miss reports how far the market moved away.
type LimitOrKill struct {
	gateway  OrderGateway
	books    BookReader
	obiDepth int

	pollInterval time.Duration
	fillWindow   time.Duration

	logger *slog.Logger
}

// NewLimitOrKill builds the maker-phase strategy. Defaults: poll every
// 100ms, 5s fill window.
func NewLimitOrKill(gateway OrderGateway, books BookReader, obiDepth int, pollInterval, fillWindow time.Duration, logger *slog.Logger) *LimitOrKill {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	if fillWindow <= 0 {
		fillWindow = 5 * time.Second
	}
	return &LimitOrKill{
		gateway:      gateway,
		books:        books,
		obiDepth:     obiDepth,
		pollInterval: pollInterval,
		fillWindow:   fillWindow,
		logger:       logger.With("component", "limit_or_kill"),
	}
}

// Execute runs one Limit-or-Kill attempt.
func (s *LimitOrKill) Execute(ctx context.Context, p Params) (Result, error) {
	snap, err := s.books.Fresh(p.Symbol)
	if err != nil {
		return Result{SignalID: p.SignalID}, fmt.Errorf("limit-or-kill %s: book: %w", p.SignalID, err)
	}

	entryPrice, ok := touchPrice(snap, p.Side)
	if !ok {
		return Result{SignalID: p.SignalID}, fmt.Errorf("limit-or-kill %s: empty book side", p.SignalID)
	}
	cond := conditions(snap, s.obiDepth)

	// Saturated rate limiter: skip the maker attempt entirely.
	if s.gateway.ForceMarket() {
		return s.executeMarket(ctx, p, cond)
	}

	ack, err := s.gateway.SendOrder(ctx, types.OrderRequest{
		SignalID: p.SignalID,
		Symbol:   p.Symbol,
		Side:     p.Side,
		Kind:     types.OrderLimit,
		Price:    decimal.NewFromFloat(entryPrice),
		Size:     p.Size,
		PostOnly: true,
	})
	if err != nil {
		return Result{SignalID: p.SignalID, Market: cond}, err
	}

	deadline := time.Now().Add(s.fillWindow)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var last types.OrderStatus
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			_ = s.gateway.CancelOrder(ctx, p.SignalID, p.Symbol, ack.OrderID)
			return Result{SignalID: p.SignalID, Market: cond}, ctx.Err()
		case <-ticker.C:
		}

		status, serr := s.gateway.OrderStatus(ctx, p.SignalID, p.Symbol, ack.OrderID)
		if serr != nil {
			s.logger.Warn("status poll failed", "signal_id", p.SignalID, "error", serr)
			continue
		}
		last = status

		if status.State == types.OrderFilled {
			return Result{
				Success:  true,
				SignalID: p.SignalID,
				Reason:   types.ReasonFilled,
				Fill:     types.Fill{Filled: true, OrderID: ack.OrderID, FillPrice: status.AvgFillPrice, FillSize: status.FilledSize},
				Market:   cond,
			}, nil
		}
	}

	// Window elapsed. Keep any partial, cancel the rest.
	if cerr := s.gateway.CancelOrder(ctx, p.SignalID, p.Symbol, ack.OrderID); cerr != nil {
		s.logger.Error("cancel after fill window failed", "signal_id", p.SignalID, "error", cerr)
	}

	if last.FilledSize.IsPositive() {
		return Result{
			Success:  true,
			SignalID: p.SignalID,
			Reason:   types.ReasonPartiallyFilled,
			Fill:     types.Fill{Filled: true, OrderID: ack.OrderID, FillPrice: last.AvgFillPrice, FillSize: last.FilledSize},
			Market:   cond,
		}, nil
	}

	res := Result{
		SignalID:   p.SignalID,
		Reason:     types.ReasonMissedEntry,
		Market:     cond,
		BidAtEntry: entryPrice,
	}
	if fresh, ferr := s.books.Fresh(p.Symbol); ferr == nil {
		if current, cok := touchPrice(fresh, p.Side); cok {
			res.CurrentBid = current
			if entryPrice != 0 {
				res.MovementPct = (current - entryPrice) / entryPrice * 100
			}
		}
	}
	return res, nil
}

// executeMarket is the force-market fallback: a single immediate taker order.
func (s *LimitOrKill) executeMarket(ctx context.Context, p Params, cond MarketConditions) (Result, error) {
	ack, err := s.gateway.SendOrder(ctx, types.OrderRequest{
		SignalID: p.SignalID,
		Symbol:   p.Symbol,
		Side:     p.Side,
		Kind:     types.OrderMarket,
		Size:     p.Size,
	})
	if err != nil {
		return Result{SignalID: p.SignalID, Market: cond}, err
	}
	status, err := s.gateway.OrderStatus(ctx, p.SignalID, p.Symbol, ack.OrderID)
	if err != nil {
		return Result{SignalID: p.SignalID, Market: cond}, err
	}
	return Result{
		Success:  true,
		SignalID: p.SignalID,
		Reason:   types.ReasonFilled,
		Fill:     types.Fill{Filled: true, OrderID: ack.OrderID, FillPrice: status.AvgFillPrice, FillSize: status.FilledSize},
		Market:   cond,
	}, nil
}
