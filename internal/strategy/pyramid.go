package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/peycheff-com/titan-trading-system-sub000/internal/shadow"
	"github.com/peycheff-com/titan-trading-system-sub000/pkg/types"
)

// maxPyramidLayers caps the total layer count per position.
const maxPyramidLayers = 4

// pyramidTrigger is the favorable move, relative to entry, that earns a
// new layer.
var pyramidTrigger = decimal.NewFromFloat(0.02)

// PyramidGateway is the slice of the broker gateway the monitor needs.
type PyramidGateway interface {
	SendOrder(ctx context.Context, req types.OrderRequest) (types.OrderAck, error)
	OrderStatus(ctx context.Context, signalID, symbol, orderID string) (types.OrderStatus, error)
	UpdateStopLoss(ctx context.Context, symbol string, stop decimal.Decimal) error
	ClosePosition(ctx context.Context, symbol string) error
}

// PyramidMonitor watches open positions and adds layers into winners while
// the regime stays Risk-On. A Risk-Off transition closes the whole stack.
// Only active in the taker phase; the engine stops calling Evaluate when the
// phase disallows pyramiding.
type PyramidMonitor struct {
	state   *shadow.State
	books   BookReader
	gateway PyramidGateway

	mu      sync.RWMutex
	regimes map[string]types.RegimeVector

	logger *slog.Logger
}

// markPrice is the exit-side touch: bid marks a LONG, ask marks a SHORT.
func markPrice(snap types.OrderBookSnapshot, side types.Direction) (float64, bool) {
	if side == types.LONG {
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

// NewPyramidMonitor builds the monitor.
func NewPyramidMonitor(state *shadow.State, books BookReader, gateway PyramidGateway, logger *slog.Logger) *PyramidMonitor {
	return &PyramidMonitor{
		state:   state,
		books:   books,
		gateway: gateway,
		regimes: make(map[string]types.RegimeVector),
		logger:  logger.With("component", "pyramid"),
	}
}

// SetRegime records the latest regime vector seen for a symbol. Signals are
// the only regime source, so the engine feeds this from every admitted
// payload.
func (m *PyramidMonitor) SetRegime(symbol string, rv types.RegimeVector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regimes[symbol] = rv
}

func (m *PyramidMonitor) regime(pos shadow.Position) types.RegimeVector {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rv, ok := m.regimes[pos.Symbol]; ok {
		return rv
	}
	return pos.RegimeAtEntry
}

// Evaluate runs one pass over all open positions. Positions closed by a
// Risk-Off transition are returned as trade records.
func (m *PyramidMonitor) Evaluate(ctx context.Context) []types.TradeRecord {
	var closed []types.TradeRecord
	for _, pos := range m.state.Positions() {
		snap, err := m.books.Fresh(pos.Symbol)
		if err != nil {
			m.logger.Warn("book unavailable, skipping", "symbol", pos.Symbol, "error", err)
			continue
		}

		if !m.regime(pos).RiskOn() {
			rec, err := m.closeStack(ctx, pos, snap)
			if err != nil {
				m.logger.Error("regime kill close failed", "symbol", pos.Symbol, "error", err)
				continue
			}
			closed = append(closed, rec)
			continue
		}

		if err := m.maybeAddLayer(ctx, pos, snap); err != nil {
			m.logger.Warn("pyramid layer add failed", "symbol", pos.Symbol, "error", err)
		}
	}
	return closed
}

func (m *PyramidMonitor) closeStack(ctx context.Context, pos shadow.Position, snap types.OrderBookSnapshot) (types.TradeRecord, error) {
	mark, ok := markPrice(snap, pos.Side)
	if !ok {
		return types.TradeRecord{}, fmt.Errorf("empty book side for %s", pos.Symbol)
	}
	exit := decimal.NewFromFloat(mark)

	rec, err := m.state.ClosePosition(pos.Symbol, exit, types.CloseRegimeKill)
	if err != nil {
		return types.TradeRecord{}, err
	}
	if err := m.gateway.ClosePosition(ctx, pos.Symbol); err != nil {
		// Shadow is already flat; reconciliation will surface the divergence.
		m.logger.Error("broker close failed after shadow close", "symbol", pos.Symbol, "error", err)
	}
	m.logger.Info("regime kill", "symbol", pos.Symbol, "pnl", rec.PnL.String())
	return rec, nil
}

func (m *PyramidMonitor) maybeAddLayer(ctx context.Context, pos shadow.Position, snap types.OrderBookSnapshot) error {
	totalLayers := pos.PyramidLayers + 1
	if totalLayers >= maxPyramidLayers {
		return nil
	}

	markF, ok := markPrice(snap, pos.Side)
	if !ok {
		return fmt.Errorf("empty book side for %s", pos.Symbol)
	}
	mark := decimal.NewFromFloat(markF)
	trigger := pos.EntryPrice.Mul(decimal.NewFromInt(1).Add(pyramidTrigger))
	triggered := mark.GreaterThanOrEqual(trigger)
	if pos.Side == types.SHORT {
		trigger = pos.EntryPrice.Mul(decimal.NewFromInt(1).Sub(pyramidTrigger))
		triggered = mark.LessThanOrEqual(trigger)
	}
	if !triggered {
		return nil
	}

	layerSize := pos.Size.Div(decimal.NewFromInt(int64(totalLayers)))
	signalID := fmt.Sprintf("%s_pyr%d", pos.SignalIDs[len(pos.SignalIDs)-1], totalLayers)

	if _, err := m.state.ProcessIntent(types.SignalPayload{
		SignalID:  signalID,
		Type:      types.SignalConfirm,
		Symbol:    pos.Symbol,
		Direction: pos.Side,
		Size:      layerSize,
		Entry:     mark,
		StopLoss:  pos.Stop,
		Regime:    m.regime(pos),
	}); err != nil {
		return err
	}

	ack, err := m.gateway.SendOrder(ctx, types.OrderRequest{
		SignalID: signalID,
		Symbol:   pos.Symbol,
		Side:     pos.Side.EntrySide(),
		Kind:     types.OrderMarket,
		Size:     layerSize,
	})
	if err != nil {
		return err
	}
	status, err := m.gateway.OrderStatus(ctx, signalID, pos.Symbol, ack.OrderID)
	if err != nil {
		return err
	}

	updated, err := m.state.ConfirmExecution(signalID, types.Fill{
		Filled:    true,
		OrderID:   ack.OrderID,
		FillPrice: status.AvgFillPrice,
		FillSize:  status.FilledSize,
	})
	if err != nil {
		return err
	}
	m.logger.Info("pyramid layer added",
		"symbol", pos.Symbol, "layers", updated.PyramidLayers+1, "entry", updated.EntryPrice.String())

	// From the second layer on, trail the stop to the blended entry.
	if updated.PyramidLayers >= 1 {
		if err := m.state.UpdateStop(pos.Symbol, updated.EntryPrice); err != nil {
			return err
		}
		if err := m.gateway.UpdateStopLoss(ctx, pos.Symbol, updated.EntryPrice); err != nil {
			m.logger.Error("broker stop trail failed", "symbol", pos.Symbol, "error", err)
		}
	}
	return nil
}
