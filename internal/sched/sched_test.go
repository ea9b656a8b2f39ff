package sched

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersJobs(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	s, err := New(Hooks{
		GCIntents:   func() {},
		ResetDaily:  func() {},
		ResetWeekly: func() {},
	}, "@every 30s", logger)
	require.NoError(t, err)

	s.Start()
	s.Stop()
}

func TestNewRejectsBadSnapshotSpec(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	_, err := New(Hooks{Snapshot: func(_ context.Context) {}}, "not a cron spec", logger)
	assert.Error(t, err)
}
