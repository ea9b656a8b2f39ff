package console

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func staticProvider(state map[string]any) SnapshotProvider {
	return func() map[string]any { return state }
}

func TestDiffSnapshot(t *testing.T) {
	t.Parallel()

	// First snapshot is sent whole.
	current := map[string]any{"equity": 1000.0, "phase": 1}
	assert.Equal(t, current, diffSnapshot(nil, current))

	// Only changed keys survive.
	next := map[string]any{"equity": 1010.0, "phase": 1}
	delta := diffSnapshot(current, next)
	assert.Equal(t, map[string]any{"equity": 1010.0}, delta)

	// Unchanged state produces an empty delta.
	assert.Empty(t, diffSnapshot(next, next))

	// Removed keys are tombstoned.
	delta = diffSnapshot(next, map[string]any{"equity": 1010.0})
	assert.Equal(t, map[string]any{"phase": nil}, delta)
}

func TestEncodeCompressesLargePayloads(t *testing.T) {
	t.Parallel()
	hub := NewHub(4, time.Second, 2048, staticProvider(nil), testLogger())

	small, binary, err := hub.encode(Frame{Type: FramePong, Timestamp: time.Now()})
	require.NoError(t, err)
	assert.False(t, binary)
	assert.Contains(t, string(small), FramePong)

	big, binary, err := hub.encode(Frame{
		Type:      FrameStateUpdate,
		Timestamp: time.Now(),
		Data:      strings.Repeat("positions and equity ", 300),
	})
	require.NoError(t, err)
	assert.True(t, binary)

	zr, err := gzip.NewReader(bytes.NewReader(big))
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)
	var frame Frame
	require.NoError(t, json.Unmarshal(raw, &frame))
	assert.Equal(t, FrameStateUpdate, frame.Type)
}

func TestFlushBatches(t *testing.T) {
	t.Parallel()
	hub := NewHub(4, time.Second, 0, staticProvider(nil), testLogger())
	b := NewBroadcaster(hub, staticProvider(nil), time.Second, time.Second, 10, testLogger())

	b.Publish(FrameEquityUpdate, 1000)
	b.Publish(FramePositionUpdate, "BTCUSDT")
	b.mu.Lock()
	assert.Len(t, b.pending, 2)
	b.mu.Unlock()

	b.Flush()
	b.mu.Lock()
	assert.Empty(t, b.pending)
	b.mu.Unlock()
}

func TestFlushRespectsMaxBatchSize(t *testing.T) {
	t.Parallel()
	hub := NewHub(4, time.Second, 0, staticProvider(nil), testLogger())
	b := NewBroadcaster(hub, staticProvider(nil), time.Second, time.Second, 3, testLogger())

	for i := 0; i < 5; i++ {
		b.Publish(FrameEquityUpdate, i)
	}
	b.Flush()

	b.mu.Lock()
	assert.Len(t, b.pending, 2, "overflow stays queued for the next flush")
	b.mu.Unlock()
}

func TestSnapshotQueuesOnlyDeltas(t *testing.T) {
	t.Parallel()
	hub := NewHub(4, time.Second, 0, staticProvider(nil), testLogger())
	state := map[string]any{"equity": 1000.0}
	b := NewBroadcaster(hub, staticProvider(state), time.Second, time.Second, 10, testLogger())

	b.snapshot()
	b.mu.Lock()
	require.Len(t, b.pending, 1)
	b.mu.Unlock()

	// Identical state adds nothing.
	b.snapshot()
	b.mu.Lock()
	assert.Len(t, b.pending, 1)
	b.mu.Unlock()
}

func dialConsole(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	require.NoError(t, err)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

func TestWelcomeFrameCarriesSnapshot(t *testing.T) {
	t.Parallel()
	hub := NewHub(2, time.Second, 0, staticProvider(map[string]any{"phase": float64(1)}), testLogger())
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn := dialConsole(t, srv.URL)
	defer conn.Close()

	welcome := readFrame(t, conn)
	assert.Equal(t, FrameConnected, welcome.Type)
	data, ok := welcome.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), data["phase"])
}

func TestPingPongAndRequestState(t *testing.T) {
	t.Parallel()
	hub := NewHub(2, time.Second, 0, staticProvider(map[string]any{"armed": true}), testLogger())
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn := dialConsole(t, srv.URL)
	defer conn.Close()
	readFrame(t, conn) // welcome

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("PING")))
	assert.Equal(t, FramePong, readFrame(t, conn).Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("REQUEST_STATE")))
	state := readFrame(t, conn)
	assert.Equal(t, FrameStateUpdate, state.Type)
}

func TestClientCapCloses1013(t *testing.T) {
	t.Parallel()
	hub := NewHub(1, time.Second, 0, staticProvider(nil), testLogger())
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	first := dialConsole(t, srv.URL)
	defer first.Close()
	readFrame(t, first)

	second := dialConsole(t, srv.URL)
	defer second.Close()
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := second.ReadMessage()
	require.Error(t, err)
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseTryAgainLater, closeErr.Code)
}

func TestPushAfterBroadcastDropIsNoOp(t *testing.T) {
	t.Parallel()
	hub := NewHub(4, time.Second, 0, staticProvider(nil), testLogger())

	// Unbuffered send with no write pump: the broadcast cannot deliver,
	// drops the client, and closes its channel.
	c := &client{hub: hub, send: make(chan []byte)}
	hub.mu.Lock()
	hub.clients[c] = true
	hub.mu.Unlock()

	hub.Broadcast(Frame{Type: FrameStateUpdate, Timestamp: time.Now()})
	assert.Equal(t, 0, hub.ClientCount())

	// A concurrent PING reply racing the drop must not write the closed
	// channel.
	require.NotPanics(t, func() {
		c.push(Frame{Type: FramePong, Timestamp: time.Now()})
	})
}
