package phase

import (
	"log/slog"
	"os"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/peycheff-com/titan-trading-system-sub000/pkg/types"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(0.10, 0.05, logger)
}

func TestStartsInPhase1(t *testing.T) {
	t.Parallel()
	m := testManager(t)

	cfg := m.Current()
	assert.Equal(t, 1, cfg.Phase)
	assert.Equal(t, types.ModeMaker, cfg.ExecutionMode)
	assert.False(t, cfg.PyramidingAllowed)
	assert.True(t, cfg.Allows(types.ClassScalp))
	assert.False(t, cfg.Allows(types.ClassDay))
}

func TestTransitionToPhase2(t *testing.T) {
	t.Parallel()
	m := testManager(t)

	m.UpdateEquity(decimal.NewFromInt(1500))

	cfg := m.Current()
	assert.Equal(t, 2, cfg.Phase)
	assert.Equal(t, types.ModeTaker, cfg.ExecutionMode)
	assert.True(t, cfg.PyramidingAllowed)
	assert.Equal(t, 20, cfg.MaxLeverage)
	assert.True(t, cfg.Allows(types.ClassDay))
	assert.True(t, cfg.Allows(types.ClassSwing))
	assert.False(t, cfg.Allows(types.ClassScalp))

	ev := <-m.Events()
	assert.Equal(t, 1, ev.From)
	assert.Equal(t, 2, ev.To)
}

func TestBoundaryIsInclusive(t *testing.T) {
	t.Parallel()
	m := testManager(t)

	m.UpdateEquity(decimal.NewFromInt(1000))
	assert.Equal(t, 2, m.Current().Phase)

	m.UpdateEquity(decimal.RequireFromString("999.99"))
	assert.Equal(t, 1, m.Current().Phase)
}

func TestDropBackDisablesPyramiding(t *testing.T) {
	t.Parallel()
	m := testManager(t)

	m.UpdateEquity(decimal.NewFromInt(1500))
	<-m.Events()

	m.UpdateEquity(decimal.NewFromInt(800))
	cfg := m.Current()
	assert.Equal(t, 1, cfg.Phase)
	assert.False(t, cfg.PyramidingAllowed)

	ev := <-m.Events()
	assert.Equal(t, 2, ev.From)
	assert.Equal(t, 1, ev.To)
}

func TestNoEventWithoutCrossing(t *testing.T) {
	t.Parallel()
	m := testManager(t)

	m.UpdateEquity(decimal.NewFromInt(500))
	m.UpdateEquity(decimal.NewFromInt(700))

	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected transition %+v", ev)
	default:
	}
}

func TestValidateSignal(t *testing.T) {
	t.Parallel()
	m := testManager(t)

	ok, _ := m.ValidateSignal(types.ClassScalp)
	assert.True(t, ok)

	m.UpdateEquity(decimal.NewFromInt(1500))
	ok, reason := m.ValidateSignal(types.ClassScalp)
	assert.False(t, ok)
	assert.Equal(t, types.ReasonClassNotAllowed, reason)
}
