package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/peycheff-com/titan-trading-system-sub000/internal/ratelimit"
	"github.com/peycheff-com/titan-trading-system-sub000/pkg/types"
)

// EventKind classifies gateway events.
type EventKind string

const (
	EventOrderFilled        EventKind = "order:filled"
	EventOrderRejected      EventKind = "order:rejected"
	EventOrderCanceled      EventKind = "order:canceled"
	EventPositionsFlattened EventKind = "positions:flattened"
)

// Event is emitted on order lifecycle transitions and flattens.
type Event struct {
	Kind     EventKind
	SignalID string
	OrderID  string
	Symbol   string
	At       time.Time
}

// Gateway fronts an Adapter with rate limiting, a circuit breaker, and
// event emission. Every external call consults the limiter first; repeated
// venue failures open the breaker so the safety layer can react instead of
// hammering a failing venue.
type Gateway struct {
	adapter Adapter
	limiter *ratelimit.Limiter
	breaker *gobreaker.CircuitBreaker
	events  chan Event
	logger  *slog.Logger
}

// NewGateway wraps an adapter. The breaker opens after 5 consecutive
// failures and probes again after 30s.
func NewGateway(adapter Adapter, limiter *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	log := logger.With("component", "broker_gateway")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "broker",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return &Gateway{
		adapter: adapter,
		limiter: limiter,
		breaker: breaker,
		events:  make(chan Event, 64),
		logger:  log,
	}
}

// Events delivers order lifecycle events. Slow consumers lose events rather
// than blocking execution.
func (g *Gateway) Events() <-chan Event { return g.events }

// ForceMarket exposes the limiter's pressure hint to strategies.
func (g *Gateway) ForceMarket() bool { return g.limiter.ForceMarket() }

// call runs fn behind the rate limiter and the circuit breaker.
func (g *Gateway) call(ctx context.Context, op string, fn func() error) error {
	if err := g.limiter.Acquire(ctx); err != nil {
		return fmt.Errorf("%s: rate limiter: %w", op, err)
	}
	_, err := g.breaker.Execute(func() (any, error) {
		return nil, fn()
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SendOrder places an order. Immediate venue rejection emits order:rejected.
func (g *Gateway) SendOrder(ctx context.Context, req types.OrderRequest) (types.OrderAck, error) {
	var ack types.OrderAck
	err := g.call(ctx, "send order", func() error {
		var aerr error
		ack, aerr = g.adapter.SendOrder(ctx, req)
		return aerr
	})
	if err != nil {
		g.emit(Event{Kind: EventOrderRejected, SignalID: req.SignalID, Symbol: req.Symbol, At: time.Now()})
		return types.OrderAck{}, err
	}
	if ack.State == types.OrderRejected {
		g.emit(Event{Kind: EventOrderRejected, SignalID: req.SignalID, OrderID: ack.OrderID, Symbol: req.Symbol, At: time.Now()})
	}
	return ack, nil
}

// OrderStatus polls an order, emitting order:filled on the first observation
// of a full fill.
func (g *Gateway) OrderStatus(ctx context.Context, signalID, symbol, orderID string) (types.OrderStatus, error) {
	var status types.OrderStatus
	err := g.call(ctx, "order status", func() error {
		var aerr error
		status, aerr = g.adapter.OrderStatus(ctx, orderID)
		return aerr
	})
	if err != nil {
		return types.OrderStatus{}, err
	}
	if status.State == types.OrderFilled {
		g.emit(Event{Kind: EventOrderFilled, SignalID: signalID, OrderID: orderID, Symbol: symbol, At: time.Now()})
	}
	return status, nil
}

// CancelOrder cancels an order and emits order:canceled.
func (g *Gateway) CancelOrder(ctx context.Context, signalID, symbol, orderID string) error {
	if err := g.call(ctx, "cancel order", func() error {
		return g.adapter.CancelOrder(ctx, orderID)
	}); err != nil {
		return err
	}
	g.emit(Event{Kind: EventOrderCanceled, SignalID: signalID, OrderID: orderID, Symbol: symbol, At: time.Now()})
	return nil
}

// UpdateStopLoss moves the venue-side stop.
func (g *Gateway) UpdateStopLoss(ctx context.Context, symbol string, stop decimal.Decimal) error {
	return g.call(ctx, "update stop", func() error {
		return g.adapter.UpdateStopLoss(ctx, symbol, stop)
	})
}

// UpdateTakeProfit moves one venue-side take-profit level.
func (g *Gateway) UpdateTakeProfit(ctx context.Context, symbol string, level int, price decimal.Decimal) error {
	return g.call(ctx, "update take-profit", func() error {
		return g.adapter.UpdateTakeProfit(ctx, symbol, level, price)
	})
}

// Positions lists venue positions.
func (g *Gateway) Positions(ctx context.Context) ([]types.BrokerPosition, error) {
	var positions []types.BrokerPosition
	err := g.call(ctx, "get positions", func() error {
		var aerr error
		positions, aerr = g.adapter.Positions(ctx)
		return aerr
	})
	return positions, err
}

// Equity fetches the account's current equity.
func (g *Gateway) Equity(ctx context.Context) (decimal.Decimal, error) {
	var equity decimal.Decimal
	err := g.call(ctx, "get equity", func() error {
		var aerr error
		equity, aerr = g.adapter.Equity(ctx)
		return aerr
	})
	return equity, err
}

// ClosePosition market-closes one symbol.
func (g *Gateway) ClosePosition(ctx context.Context, symbol string) error {
	return g.call(ctx, "close position", func() error {
		return g.adapter.ClosePosition(ctx, symbol)
	})
}

// CloseAllPositions flattens the venue and emits positions:flattened.
func (g *Gateway) CloseAllPositions(ctx context.Context) error {
	if err := g.call(ctx, "close all positions", func() error {
		return g.adapter.CloseAllPositions(ctx)
	}); err != nil {
		return err
	}
	g.emit(Event{Kind: EventPositionsFlattened, At: time.Now()})
	return nil
}

// TestConnection pings the venue, bypassing the breaker so probes work even
// while it is open.
func (g *Gateway) TestConnection(ctx context.Context) error {
	if err := g.limiter.Acquire(ctx); err != nil {
		return err
	}
	return g.adapter.TestConnection(ctx)
}

func (g *Gateway) emit(ev Event) {
	select {
	case g.events <- ev:
	default:
		g.logger.Warn("event channel full, dropping", "kind", ev.Kind, "signal_id", ev.SignalID)
	}
}
