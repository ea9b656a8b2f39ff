// feed.go implements the WebSocket market data consumer that keeps the
// order book cache fresh.
//
// The feed auto-reconnects with exponential backoff (1s → 30s max) and
// re-subscribes to all tracked symbols on reconnection. A read deadline
// ensures silent upstream failures are detected within ~2 missed pings.
// The cache's connected flag mirrors the socket state so validation fails
// closed while the feed is down.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peycheff-com/titan-trading-system-sub000/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

// depthEvent is the upstream L2 depth message.
type depthEvent struct {
	EventType string             `json:"event_type"` // "depth"
	Symbol    string             `json:"symbol"`
	Bids      []types.PriceLevel `json:"bids"` // descending
	Asks      []types.PriceLevel `json:"asks"` // ascending
	Timestamp string             `json:"timestamp"`
}

type subscribeMsg struct {
	Operation string   `json:"op"` // "subscribe" | "unsubscribe"
	Symbols   []string `json:"symbols"`
}

// Feed maintains the market data WebSocket connection and writes every depth
// update into the cache. It is the cache's single writer.
type Feed struct {
	url    string
	cache  *Cache
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	subscribedMu sync.RWMutex
	subscribed   map[string]bool
}

// NewFeed creates a feed that serves the given cache.
func NewFeed(url string, cache *Cache, symbols []string, logger *slog.Logger) *Feed {
	subscribed := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		subscribed[s] = true
	}
	return &Feed{
		url:        url,
		cache:      cache,
		subscribed: subscribed,
		logger:     logger.With("component", "market_feed"),
	}
}

// Run connects and maintains the connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		f.cache.SetConnected(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("market feed disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds symbols to the live subscription.
func (f *Feed) Subscribe(symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		f.subscribed[s] = true
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(subscribeMsg{Operation: "subscribe", Symbols: symbols})
}

// Unsubscribe removes symbols from the live subscription.
func (f *Feed) Unsubscribe(symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		delete(f.subscribed, s)
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(subscribeMsg{Operation: "unsubscribe", Symbols: symbols})
}

// Close tears down the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.cache.SetConnected(true)
	f.logger.Info("market feed connected", "url", f.url)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *Feed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	symbols := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		symbols = append(symbols, s)
	}
	f.subscribedMu.RUnlock()

	if len(symbols) == 0 {
		return nil
	}
	return f.writeJSON(subscribeMsg{Operation: "subscribe", Symbols: symbols})
}

func (f *Feed) dispatchMessage(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json feed message")
		return
	}

	switch envelope.EventType {
	case "depth":
		var evt depthEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal depth event", "error", err)
			return
		}
		f.cache.Update(evt.Symbol, evt.Bids, evt.Asks)

	case "ping", "info":
		f.logger.Debug("ignoring event", "type", envelope.EventType)

	default:
		f.logger.Debug("unknown feed event type", "type", envelope.EventType)
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("market feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("market feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
