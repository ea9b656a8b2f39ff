package webhook

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	statusWriteWait  = 10 * time.Second
	statusPongWait   = 60 * time.Second
	statusPingPeriod = (statusPongWait * 9) / 10
)

// StatusEvent is one push-only frame on /ws/status.
type StatusEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// StatusHub fans out status events to connected clients. Push-only: client
// messages are drained and ignored.
type StatusHub struct {
	clients    map[*statusClient]bool
	register   chan *statusClient
	unregister chan *statusClient
	broadcast  chan []byte
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

type statusClient struct {
	hub  *StatusHub
	conn *websocket.Conn
	send chan []byte
}

// NewStatusHub creates the hub.
func NewStatusHub(logger *slog.Logger) *StatusHub {
	return &StatusHub{
		clients:    make(map[*statusClient]bool),
		register:   make(chan *statusClient),
		unregister: make(chan *statusClient),
		broadcast:  make(chan []byte, 256),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.With("component", "status_hub"),
	}
}

// Run drives registration and broadcast until the process exits.
func (h *StatusHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.logger.Info("status client connected", "count", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.logger.Info("status client disconnected", "count", len(h.clients))

		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

// Publish pushes one event to every client. Never blocks trading paths.
func (h *StatusHub) Publish(eventType string, data any) {
	raw, err := json.Marshal(StatusEvent{Type: eventType, Timestamp: time.Now(), Data: data})
	if err != nil {
		h.logger.Error("marshal status event", "error", err)
		return
	}
	select {
	case h.broadcast <- raw:
	default:
		h.logger.Warn("status broadcast channel full, dropping", "type", eventType)
	}
}

// HandleWS upgrades /ws/status connections.
func (h *StatusHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("status upgrade failed", "error", err)
		return
	}
	client := &statusClient{hub: h, conn: conn, send: make(chan []byte, 64)}
	h.register <- client
	go client.writePump()
	go client.readPump()
}

func (c *statusClient) writePump() {
	ticker := time.NewTicker(statusPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(statusWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(statusWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *statusClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(statusPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(statusPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
		// Push-only stream, client messages are ignored.
	}
}
