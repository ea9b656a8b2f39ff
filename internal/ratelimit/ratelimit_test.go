package ratelimit

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimiter(t *testing.T, perSec int) *Limiter {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(perSec, 5, 8, 3, logger)
}

func TestAcquirePaces(t *testing.T) {
	t.Parallel()
	l := testLimiter(t, 50)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire(ctx))
	}
	// 5 calls at 50/s with burst 1: four 20ms waits.
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestAcquireRespectsContext(t *testing.T) {
	t.Parallel()
	l := testLimiter(t, 1)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx))

	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	err := l.Acquire(cctx)
	assert.Error(t, err)
	assert.Equal(t, 0, l.Depth(), "depth must drain on cancellation")
}

func TestPressureSignals(t *testing.T) {
	t.Parallel()
	l := testLimiter(t, 50)

	l.observe(6)
	l.observe(7)
	assert.Equal(t, SignalApproaching, <-l.Events())
	assert.Equal(t, SignalApproaching, <-l.Events())

	l.observe(9)
	assert.Equal(t, SignalForceMarket, <-l.Events())
	// Third consecutive warning-level sample raises the alert.
	assert.Equal(t, SignalAlert, <-l.Events())

	// Pressure relief resets the alert counter.
	l.observe(1)
	l.observe(6)
	l.observe(6)
	<-l.Events()
	<-l.Events()
	select {
	case s := <-l.Events():
		t.Fatalf("unexpected signal %s", s)
	default:
	}
}

func TestForceMarketHint(t *testing.T) {
	t.Parallel()
	l := testLimiter(t, 50)

	assert.False(t, l.ForceMarket())
	l.depth.Store(9)
	assert.True(t, l.ForceMarket())
	l.depth.Store(0)
	assert.False(t, l.ForceMarket())
}
