// Package console streams operator state over WebSocket: batched and
// delta-compressed snapshots, gzip above a payload threshold, and critical
// events that bypass batching. A disconnected console never affects
// trading.
package console

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

// Frame types pushed to console clients.
const (
	FrameConnected       = "CONNECTED"
	FramePong            = "PONG"
	FrameStateUpdate     = "STATE_UPDATE"
	FrameBatch           = "BATCH"
	FrameEquityUpdate    = "EQUITY_UPDATE"
	FramePositionUpdate  = "POSITION_UPDATE"
	FramePhaseChange     = "PHASE_CHANGE"
	FrameRegimeChange    = "REGIME_CHANGE"
	FrameMasterArmChange = "MASTER_ARM_CHANGE"
	FrameEmergencyFlat   = "EMERGENCY_FLATTEN"
	FrameConfigChange    = "CONFIG_CHANGE"
)

// Frame is one console message.
type Frame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// SnapshotProvider returns the current full state for welcome frames and
// REQUEST_STATE replies.
type SnapshotProvider func() map[string]any

// Hub owns the console client set.
type Hub struct {
	maxClients        int
	heartbeatInterval time.Duration
	compressThreshold int
	provider          SnapshotProvider

	mu      sync.RWMutex
	clients map[*client]bool

	upgrader websocket.Upgrader
	logger   *slog.Logger
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub builds the hub. compressThreshold is in bytes; payloads above it
// are gzipped and sent as binary frames.
func NewHub(maxClients int, heartbeatInterval time.Duration, compressThreshold int, provider SnapshotProvider, logger *slog.Logger) *Hub {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	return &Hub{
		maxClients:        maxClients,
		heartbeatInterval: heartbeatInterval,
		compressThreshold: compressThreshold,
		provider:          provider,
		clients:           make(map[*client]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.With("component", "console_hub"),
	}
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades /ws/console connections. Beyond capacity the connection
// is closed immediately with 1013 (try again later).
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("console upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	if len(h.clients) >= h.maxClients {
		h.mu.Unlock()
		h.logger.Warn("console at capacity, rejecting client", "max", h.maxClients)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "console at capacity")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, 64)}
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("console client connected", "count", count)

	go c.writePump()
	go c.readPump()

	// Welcome frame carries the current snapshot.
	c.push(Frame{Type: FrameConnected, Timestamp: time.Now(), Data: h.provider()})
}

// Broadcast sends one frame to every client. Slow clients are dropped
// rather than ever blocking the caller.
func (h *Hub) Broadcast(f Frame) {
	raw, binary, err := h.encode(f)
	if err != nil {
		h.logger.Error("encode console frame", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		payload := raw
		if binary {
			payload = append([]byte{1}, raw...)
		} else {
			payload = append([]byte{0}, raw...)
		}
		select {
		case c.send <- payload:
		default:
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// encode marshals a frame and gzips it above the threshold. The returned
// bool marks compressed (binary) payloads.
func (h *Hub) encode(f Frame) ([]byte, bool, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, false, err
	}
	if h.compressThreshold <= 0 || len(raw) <= h.compressThreshold {
		return raw, false, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, false, err
	}
	if err := zw.Close(); err != nil {
		return nil, false, err
	}
	return buf.Bytes(), true, nil
}

func (c *client) push(f Frame) {
	raw, binary, err := c.hub.encode(f)
	if err != nil {
		c.hub.logger.Error("encode console frame", "error", err)
		return
	}
	prefix := byte(0)
	if binary {
		prefix = 1
	}
	payload := append([]byte{prefix}, raw...)

	// send is closed by whichever side removes the client from the set,
	// always under the hub lock. Membership gates every write.
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- payload:
	default:
		delete(c.hub.clients, c)
		close(c.send)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.heartbeatInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			msgType := websocket.TextMessage
			if payload[0] == 1 {
				msgType = websocket.BinaryMessage
			}
			if err := c.conn.WriteMessage(msgType, payload[1:]); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.mu.Lock()
		if _, ok := c.hub.clients[c]; ok {
			delete(c.hub.clients, c)
			close(c.send)
		}
		c.hub.mu.Unlock()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		switch string(bytes.TrimSpace(msg)) {
		case "PING":
			c.push(Frame{Type: FramePong, Timestamp: time.Now()})
		case "REQUEST_STATE":
			c.push(Frame{Type: FrameStateUpdate, Timestamp: time.Now(), Data: c.hub.provider()})
		}
	}
}
