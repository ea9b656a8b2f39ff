package broker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peycheff-com/titan-trading-system-sub000/internal/ratelimit"
	"github.com/peycheff-com/titan-trading-system-sub000/pkg/types"
)

// fakeAdapter records calls and returns scripted responses.
type fakeAdapter struct {
	sendAck    types.OrderAck
	sendErr    error
	status     types.OrderStatus
	cancelErr  error
	positions  []types.BrokerPosition
	closeAllN  int
	sendCalls  int
	cancelN    int
	statusErrs int
}

func (f *fakeAdapter) SendOrder(_ context.Context, _ types.OrderRequest) (types.OrderAck, error) {
	f.sendCalls++
	return f.sendAck, f.sendErr
}
func (f *fakeAdapter) OrderStatus(_ context.Context, _ string) (types.OrderStatus, error) {
	if f.statusErrs > 0 {
		f.statusErrs--
		return types.OrderStatus{}, errors.New("venue down")
	}
	return f.status, nil
}
func (f *fakeAdapter) CancelOrder(_ context.Context, _ string) error { f.cancelN++; return f.cancelErr }
func (f *fakeAdapter) UpdateStopLoss(_ context.Context, _ string, _ decimal.Decimal) error {
	return nil
}
func (f *fakeAdapter) UpdateTakeProfit(_ context.Context, _ string, _ int, _ decimal.Decimal) error {
	return nil
}
func (f *fakeAdapter) Positions(_ context.Context) ([]types.BrokerPosition, error) {
	return f.positions, nil
}
func (f *fakeAdapter) Equity(_ context.Context) (decimal.Decimal, error) {
	return decimal.NewFromInt(1000), nil
}
func (f *fakeAdapter) ClosePosition(_ context.Context, _ string) error { return nil }
func (f *fakeAdapter) CloseAllPositions(_ context.Context) error       { f.closeAllN++; return nil }
func (f *fakeAdapter) TestConnection(_ context.Context) error          { return nil }

func testGateway(t *testing.T, adapter Adapter) *Gateway {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	limiter := ratelimit.New(50, 5, 8, 3, logger)
	return NewGateway(adapter, limiter, logger)
}

func TestSendOrderEmitsRejectedOnError(t *testing.T) {
	t.Parallel()
	fake := &fakeAdapter{sendErr: errors.New("insufficient margin")}
	g := testGateway(t, fake)

	_, err := g.SendOrder(context.Background(), types.OrderRequest{SignalID: "sig1", Symbol: "BTCUSDT"})
	require.Error(t, err)

	ev := <-g.Events()
	assert.Equal(t, EventOrderRejected, ev.Kind)
	assert.Equal(t, "sig1", ev.SignalID)
}

func TestOrderStatusEmitsFilled(t *testing.T) {
	t.Parallel()
	fake := &fakeAdapter{status: types.OrderStatus{OrderID: "o1", State: types.OrderFilled}}
	g := testGateway(t, fake)

	status, err := g.OrderStatus(context.Background(), "sig1", "BTCUSDT", "o1")
	require.NoError(t, err)
	assert.Equal(t, types.OrderFilled, status.State)

	ev := <-g.Events()
	assert.Equal(t, EventOrderFilled, ev.Kind)
	assert.Equal(t, "o1", ev.OrderID)
}

func TestCancelOrderEmitsCanceled(t *testing.T) {
	t.Parallel()
	fake := &fakeAdapter{}
	g := testGateway(t, fake)

	require.NoError(t, g.CancelOrder(context.Background(), "sig1", "BTCUSDT", "o1"))
	assert.Equal(t, 1, fake.cancelN)

	ev := <-g.Events()
	assert.Equal(t, EventOrderCanceled, ev.Kind)
}

func TestCloseAllEmitsFlattened(t *testing.T) {
	t.Parallel()
	fake := &fakeAdapter{}
	g := testGateway(t, fake)

	require.NoError(t, g.CloseAllPositions(context.Background()))
	assert.Equal(t, 1, fake.closeAllN)

	ev := <-g.Events()
	assert.Equal(t, EventPositionsFlattened, ev.Kind)
}

func TestBreakerOpensOnConsecutiveFailures(t *testing.T) {
	t.Parallel()
	fake := &fakeAdapter{statusErrs: 10}
	g := testGateway(t, fake)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := g.OrderStatus(ctx, "sig1", "BTCUSDT", "o1")
		require.Error(t, err)
	}

	// Breaker is now open: the adapter is no longer reached.
	before := fake.statusErrs
	_, err := g.OrderStatus(ctx, "sig1", "BTCUSDT", "o1")
	require.Error(t, err)
	assert.Equal(t, before, fake.statusErrs, "open breaker must short-circuit the venue call")
}
