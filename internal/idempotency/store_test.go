package idempotency

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peycheff-com/titan-trading-system-sub000/pkg/types"
)

func testStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(ttl, "", logger)
}

func TestProcessExecutesOnce(t *testing.T) {
	t.Parallel()
	s := testStore(t, time.Minute)
	ctx := context.Background()

	var calls int32
	fn := func() types.ResponseEnvelope {
		atomic.AddInt32(&calls, 1)
		return types.ResponseEnvelope{SignalID: "titan_BTCUSDT_100_15", Status: "ok"}
	}

	first := s.Process(ctx, "titan_BTCUSDT_100_15", fn)
	require.False(t, first.Cached)
	assert.Equal(t, "ok", first.Response.Status)

	second := s.Process(ctx, "titan_BTCUSDT_100_15", fn)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Response.SignalID, second.Response.SignalID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestProcessConcurrentSameID(t *testing.T) {
	t.Parallel()
	s := testStore(t, time.Minute)
	ctx := context.Background()

	var calls int32
	fn := func() types.ResponseEnvelope {
		atomic.AddInt32(&calls, 1)
		time.Sleep(10 * time.Millisecond) // widen the race window
		return types.ResponseEnvelope{SignalID: "id", Status: "ok"}
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Process(ctx, "id", fn)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "fn must run at most once per id")
}

func TestProcessDistinctIDs(t *testing.T) {
	t.Parallel()
	s := testStore(t, time.Minute)
	ctx := context.Background()

	var calls int32
	fn := func() types.ResponseEnvelope {
		atomic.AddInt32(&calls, 1)
		return types.ResponseEnvelope{Status: "ok"}
	}

	s.Process(ctx, "a", fn)
	s.Process(ctx, "b", fn)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestLookupMissThenHit(t *testing.T) {
	t.Parallel()
	s := testStore(t, time.Minute)
	ctx := context.Background()

	_, found := s.Lookup(ctx, "missing")
	assert.False(t, found)

	env := types.ResponseEnvelope{SignalID: "x", Status: "ok"}
	s.Save(ctx, "x", env)

	got, found := s.Lookup(ctx, "x")
	require.True(t, found)
	assert.Equal(t, env.SignalID, got.SignalID)
}

func TestEntryExpires(t *testing.T) {
	t.Parallel()
	s := testStore(t, 50*time.Millisecond)
	ctx := context.Background()

	s.Save(ctx, "x", types.ResponseEnvelope{Status: "ok"})
	time.Sleep(80 * time.Millisecond)

	_, found := s.Lookup(ctx, "x")
	assert.False(t, found)
}

func TestProcessReleasesInflightEntry(t *testing.T) {
	t.Parallel()
	s := testStore(t, time.Minute)
	ctx := context.Background()

	fn := func() types.ResponseEnvelope { return types.ResponseEnvelope{Status: "ok"} }
	for _, id := range []string{"a", "b", "c"} {
		s.Process(ctx, id, fn)
		s.Process(ctx, id, fn) // cached path releases too
	}

	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	assert.Empty(t, s.inflight, "per-id locks must not accumulate")
}
