package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peycheff-com/titan-trading-system-sub000/internal/shadow"
	"github.com/peycheff-com/titan-trading-system-sub000/pkg/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := Open("sqlite", filepath.Join(t.TempDir(), "titan.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	_, err := Open("mysql", "dsn", logger)
	assert.Error(t, err)
}

func TestRecordAndQueryTrades(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	closed := time.Now().UTC().Truncate(time.Second)
	rec := types.TradeRecord{
		SignalIDs:  []string{"titan_BTCUSDT_100_15", "titan_BTCUSDT_100_15_pyr1"},
		Symbol:     "BTCUSDT",
		Side:       types.LONG,
		Size:       decimal.NewFromFloat(0.5),
		EntryPrice: decimal.NewFromInt(50000),
		ExitPrice:  decimal.NewFromInt(51000),
		PnL:        decimal.NewFromInt(500),
		PnLPct:     decimal.NewFromInt(2),
		Reason:     types.CloseRegimeKill,
		ClosedAt:   closed,
	}
	require.NoError(t, s.RecordTrade(ctx, rec))

	trades, err := s.TradesSince(ctx, closed.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, trades, 1)
	got := trades[0]
	assert.Equal(t, rec.SignalIDs, got.SignalIDs)
	assert.Equal(t, types.LONG, got.Side)
	assert.True(t, rec.PnL.Equal(got.PnL))
	assert.Equal(t, types.CloseRegimeKill, got.Reason)

	// Cutoff after the trade excludes it.
	trades, err = s.TradesSince(ctx, closed.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestPositionRoundTrip(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	pos := shadow.Position{
		Symbol:     "ETHUSDT",
		Side:       types.SHORT,
		Size:       decimal.NewFromInt(2),
		EntryPrice: decimal.NewFromInt(3000),
		Stop:       decimal.NewFromInt(3100),
		OpenedAt:   time.Now().UTC().Truncate(time.Second),
		SignalIDs:  []string{"titan_ETHUSDT_200_5"},
	}
	require.NoError(t, s.SavePosition(ctx, pos))

	loaded, err := s.LoadPositions(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "ETHUSDT", loaded[0].Symbol)
	assert.Equal(t, types.SHORT, loaded[0].Side)
	assert.True(t, pos.Stop.Equal(loaded[0].Stop))

	// Upsert replaces rather than duplicates.
	pos.Size = decimal.NewFromInt(3)
	require.NoError(t, s.SavePosition(ctx, pos))
	loaded, err = s.LoadPositions(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.True(t, decimal.NewFromInt(3).Equal(loaded[0].Size))

	require.NoError(t, s.DeletePosition(ctx, "ETHUSDT"))
	loaded, err = s.LoadPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestRecordFlatten(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordFlatten(ctx, FlattenRecord{
		PositionsClosed: 2,
		Symbols:         []string{"BTCUSDT", "ETHUSDT"},
		TriggerReason:   "DEAD_MANS_SWITCH",
	}))

	var count int
	require.NoError(t, s.db.Get(&count,
		`SELECT COUNT(*) FROM system_events WHERE severity = 'CRITICAL' AND event_type = 'emergency_flatten'`))
	assert.Equal(t, 1, count)
}
