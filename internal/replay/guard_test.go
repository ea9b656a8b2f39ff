package replay

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peycheff-com/titan-trading-system-sub000/pkg/types"
)

func testGuard(t *testing.T) *Guard {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(5*time.Second, 5*time.Minute, "", logger)
}

func TestCheckAcceptsFreshSignal(t *testing.T) {
	t.Parallel()
	g := testGuard(t)

	err := g.Check(context.Background(), "titan_BTCUSDT_100_15", time.Now().Format(time.RFC3339))
	require.NoError(t, err)
}

func TestCheckRejectsMissingID(t *testing.T) {
	t.Parallel()
	g := testGuard(t)

	err := g.Check(context.Background(), "", time.Now().Format(time.RFC3339))
	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, types.ReasonMissingSignalID, re.Code)
	assert.Equal(t, 400, re.HTTPStatus)
}

func TestCheckRejectsMalformedTimestamp(t *testing.T) {
	t.Parallel()
	g := testGuard(t)

	err := g.Check(context.Background(), "titan_BTCUSDT_100_15", "yesterday")
	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, types.ReasonInvalidTimestamp, re.Code)
}

func TestCheckRejectsDrift(t *testing.T) {
	t.Parallel()
	g := testGuard(t)

	stale := time.Now().Add(-time.Minute).Format(time.RFC3339)
	err := g.Check(context.Background(), "titan_BTCUSDT_100_15", stale)
	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, types.ReasonTimestampDrift, re.Code)
	assert.Equal(t, 400, re.HTTPStatus)

	// Future drift is rejected too.
	future := time.Now().Add(time.Minute).Format(time.RFC3339)
	err = g.Check(context.Background(), "titan_BTCUSDT_101_15", future)
	require.ErrorAs(t, err, &re)
	assert.Equal(t, types.ReasonTimestampDrift, re.Code)
}

func TestCheckRejectsDuplicate(t *testing.T) {
	t.Parallel()
	g := testGuard(t)
	ctx := context.Background()

	ts := time.Now().Format(time.RFC3339)
	require.NoError(t, g.Check(ctx, "titan_BTCUSDT_100_15", ts))

	// Same id with a refreshed timestamp is still a duplicate.
	err := g.Check(ctx, "titan_BTCUSDT_100_15", time.Now().Format(time.RFC3339))
	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, types.ReasonDuplicateSignal, re.Code)
	assert.Equal(t, 409, re.HTTPStatus)

	// Different bar index is a new signal.
	require.NoError(t, g.Check(ctx, "titan_BTCUSDT_101_15", ts))
}

func TestSeen(t *testing.T) {
	t.Parallel()
	g := testGuard(t)
	ctx := context.Background()

	assert.False(t, g.Seen(ctx, "titan_BTCUSDT_100_15"))
	require.NoError(t, g.Check(ctx, "titan_BTCUSDT_100_15", time.Now().Format(time.RFC3339)))
	assert.True(t, g.Seen(ctx, "titan_BTCUSDT_100_15"))
}

func TestDuplicateExpiresAfterTTL(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	g := New(5*time.Second, 50*time.Millisecond, "", logger)
	ctx := context.Background()

	ts := time.Now().Format(time.RFC3339)
	require.NoError(t, g.Check(ctx, "titan_BTCUSDT_100_15", ts))
	time.Sleep(80 * time.Millisecond)
	require.NoError(t, g.Check(ctx, "titan_BTCUSDT_100_15", time.Now().Format(time.RFC3339)))
}
