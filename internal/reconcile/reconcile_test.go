package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peycheff-com/titan-trading-system-sub000/internal/safety"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/shadow"
	"github.com/peycheff-com/titan-trading-system-sub000/pkg/types"
)

type fakeBroker struct {
	positions []types.BrokerPosition
	err       error
}

func (f *fakeBroker) Positions(_ context.Context) ([]types.BrokerPosition, error) {
	return f.positions, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func stateWithPosition(t *testing.T, symbol string, side types.Direction, size string) *shadow.State {
	t.Helper()
	s := shadow.New(0, testLogger())
	_, err := s.ProcessIntent(types.SignalPayload{
		SignalID:  "titan_" + symbol + "_100_15",
		Symbol:    symbol,
		Direction: side,
		Size:      decimal.RequireFromString(size),
		Entry:     decimal.RequireFromString("100"),
	})
	require.NoError(t, err)
	_, err = s.ConfirmExecution("titan_"+symbol+"_100_15", types.Fill{
		Filled: true, FillSize: decimal.RequireFromString(size), FillPrice: decimal.RequireFromString("100"),
	})
	require.NoError(t, err)
	return s
}

func newReconciler(state *shadow.State, broker PositionSource, epsilon string, flatten func(context.Context, safety.FlattenReason), disarm func()) *Reconciler {
	if flatten == nil {
		flatten = func(context.Context, safety.FlattenReason) {}
	}
	if disarm == nil {
		disarm = func() {}
	}
	return New(state, broker, time.Second, decimal.RequireFromString(epsilon), 3, flatten, disarm, testLogger())
}

func TestDiffInSync(t *testing.T) {
	t.Parallel()
	state := stateWithPosition(t, "BTCUSDT", types.LONG, "1")
	broker := &fakeBroker{positions: []types.BrokerPosition{
		{Symbol: "BTCUSDT", Side: types.LONG, Size: decimal.RequireFromString("1")},
	}}

	r := newReconciler(state, broker, "0", nil, nil)
	mismatches, err := r.Diff(context.Background())
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestDiffMissingInBroker(t *testing.T) {
	t.Parallel()
	state := stateWithPosition(t, "BTCUSDT", types.LONG, "1")
	broker := &fakeBroker{}

	r := newReconciler(state, broker, "0", nil, nil)
	mismatches, err := r.Diff(context.Background())
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, MissingInBroker, mismatches[0].Kind)
	assert.Equal(t, "BTCUSDT", mismatches[0].Symbol)
}

func TestDiffMissingInShadow(t *testing.T) {
	t.Parallel()
	state := shadow.New(0, testLogger())
	broker := &fakeBroker{positions: []types.BrokerPosition{
		{Symbol: "ETHUSDT", Side: types.SHORT, Size: decimal.RequireFromString("2")},
	}}

	r := newReconciler(state, broker, "0", nil, nil)
	mismatches, err := r.Diff(context.Background())
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, MissingInShadow, mismatches[0].Kind)
}

func TestDiffSizeMismatchRespectsEpsilon(t *testing.T) {
	t.Parallel()
	state := stateWithPosition(t, "BTCUSDT", types.LONG, "1")
	broker := &fakeBroker{positions: []types.BrokerPosition{
		{Symbol: "BTCUSDT", Side: types.LONG, Size: decimal.RequireFromString("1.0005")},
	}}

	// Inside tolerance.
	r := newReconciler(state, broker, "0.001", nil, nil)
	mismatches, err := r.Diff(context.Background())
	require.NoError(t, err)
	assert.Empty(t, mismatches)

	// Exact-match policy flags it.
	r = newReconciler(state, broker, "0", nil, nil)
	mismatches, err = r.Diff(context.Background())
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, SizeMismatch, mismatches[0].Kind)
}

func TestDiffSideMismatch(t *testing.T) {
	t.Parallel()
	state := stateWithPosition(t, "BTCUSDT", types.LONG, "1")
	broker := &fakeBroker{positions: []types.BrokerPosition{
		{Symbol: "BTCUSDT", Side: types.SHORT, Size: decimal.RequireFromString("1")},
	}}

	r := newReconciler(state, broker, "0", nil, nil)
	mismatches, err := r.Diff(context.Background())
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, SideMismatch, mismatches[0].Kind)
}

func TestCycleFlattensAfterConsecutiveMismatches(t *testing.T) {
	t.Parallel()
	state := stateWithPosition(t, "BTCUSDT", types.LONG, "1")
	broker := &fakeBroker{}

	flattens := 0
	disarms := 0
	var gotReason safety.FlattenReason
	r := newReconciler(state, broker, "0",
		func(_ context.Context, reason safety.FlattenReason) { flattens++; gotReason = reason },
		func() { disarms++ })
	ctx := context.Background()

	r.Cycle(ctx)
	r.Cycle(ctx)
	assert.Equal(t, 0, flattens)

	r.Cycle(ctx)
	assert.Equal(t, 1, flattens)
	assert.Equal(t, 1, disarms)
	assert.Equal(t, safety.FlattenConsecutiveMismatch, gotReason)
}

func TestCycleSyncResetsConsecutive(t *testing.T) {
	t.Parallel()
	state := stateWithPosition(t, "BTCUSDT", types.LONG, "1")
	broker := &fakeBroker{}

	flattens := 0
	r := newReconciler(state, broker, "0",
		func(context.Context, safety.FlattenReason) { flattens++ }, nil)
	ctx := context.Background()

	r.Cycle(ctx)
	r.Cycle(ctx)

	// Broker catches up: sync resets the streak.
	broker.positions = []types.BrokerPosition{{Symbol: "BTCUSDT", Side: types.LONG, Size: decimal.RequireFromString("1")}}
	r.Cycle(ctx)

	broker.positions = nil
	r.Cycle(ctx)
	r.Cycle(ctx)
	assert.Equal(t, 0, flattens)
}

func TestCycleSkipsOnBrokerError(t *testing.T) {
	t.Parallel()
	state := stateWithPosition(t, "BTCUSDT", types.LONG, "1")
	broker := &fakeBroker{err: errors.New("venue down")}

	flattens := 0
	r := newReconciler(state, broker, "0",
		func(context.Context, safety.FlattenReason) { flattens++ }, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r.Cycle(ctx)
	}
	assert.Equal(t, 0, flattens, "fetch failures are not mismatches")
}
