// Package broker provides the uniform order-management surface over a venue
// adapter. The Gateway wraps an Adapter with rate limiting, a circuit
// breaker, bounded retry, and event emission; the REST adapter talks to an
// exchange-style HTTP API.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/peycheff-com/titan-trading-system-sub000/pkg/types"
)

// Adapter is the venue-specific implementation behind the Gateway.
type Adapter interface {
	SendOrder(ctx context.Context, req types.OrderRequest) (types.OrderAck, error)
	OrderStatus(ctx context.Context, orderID string) (types.OrderStatus, error)
	CancelOrder(ctx context.Context, orderID string) error
	UpdateStopLoss(ctx context.Context, symbol string, stop decimal.Decimal) error
	UpdateTakeProfit(ctx context.Context, symbol string, level int, price decimal.Decimal) error
	Positions(ctx context.Context) ([]types.BrokerPosition, error)
	Equity(ctx context.Context) (decimal.Decimal, error)
	ClosePosition(ctx context.Context, symbol string) error
	CloseAllPositions(ctx context.Context) error
	TestConnection(ctx context.Context) error
}

// RESTAdapter implements Adapter over an exchange-style HTTP API.
type RESTAdapter struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewRESTAdapter creates the adapter. Requests carry the API key header,
// retry on 5xx, and time out per call.
func NewRESTAdapter(baseURL, apiKey, apiSecret string, timeout time.Duration, logger *slog.Logger) *RESTAdapter {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-API-Key", apiKey).
		SetHeader("X-API-Secret", apiSecret)

	return &RESTAdapter{http: httpClient, logger: logger.With("component", "broker_rest")}
}

type orderBody struct {
	SignalID   string `json:"signal_id"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Type       string `json:"type"`
	Price      string `json:"price,omitempty"`
	Size       string `json:"size"`
	PostOnly   bool   `json:"post_only,omitempty"`
	ReduceOnly bool   `json:"reduce_only,omitempty"`
}

// SendOrder places an order. Every send is tagged with its signal id so the
// venue-side audit trail lines up with shadow state.
func (a *RESTAdapter) SendOrder(ctx context.Context, req types.OrderRequest) (types.OrderAck, error) {
	body := orderBody{
		SignalID:   req.SignalID,
		Symbol:     req.Symbol,
		Side:       string(req.Side),
		Type:       string(req.Kind),
		Size:       req.Size.String(),
		PostOnly:   req.PostOnly,
		ReduceOnly: req.ReduceOnly,
	}
	if req.Kind == types.OrderLimit {
		body.Price = req.Price.String()
	}

	var ack types.OrderAck
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&ack).
		Post("/orders")
	if err != nil {
		return types.OrderAck{}, fmt.Errorf("send order %s: %w", req.SignalID, err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return types.OrderAck{}, fmt.Errorf("send order %s: status %d: %s", req.SignalID, resp.StatusCode(), resp.String())
	}
	return ack, nil
}

// OrderStatus fetches the current state of an order.
func (a *RESTAdapter) OrderStatus(ctx context.Context, orderID string) (types.OrderStatus, error) {
	var status types.OrderStatus
	resp, err := a.http.R().
		SetContext(ctx).
		SetResult(&status).
		Get("/orders/" + orderID)
	if err != nil {
		return types.OrderStatus{}, fmt.Errorf("order status %s: %w", orderID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderStatus{}, fmt.Errorf("order status %s: status %d: %s", orderID, resp.StatusCode(), resp.String())
	}
	return status, nil
}

// CancelOrder cancels one order by id.
func (a *RESTAdapter) CancelOrder(ctx context.Context, orderID string) error {
	resp, err := a.http.R().SetContext(ctx).Delete("/orders/" + orderID)
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel order %s: status %d: %s", orderID, resp.StatusCode(), resp.String())
	}
	return nil
}

// UpdateStopLoss moves the venue-side stop for a symbol.
func (a *RESTAdapter) UpdateStopLoss(ctx context.Context, symbol string, stop decimal.Decimal) error {
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"symbol": symbol, "stop": stop.String()}).
		Put("/positions/" + symbol + "/stop")
	if err != nil {
		return fmt.Errorf("update stop %s: %w", symbol, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("update stop %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
	}
	return nil
}

// UpdateTakeProfit moves one take-profit level for a symbol.
func (a *RESTAdapter) UpdateTakeProfit(ctx context.Context, symbol string, level int, price decimal.Decimal) error {
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"symbol": symbol, "level": level, "price": price.String()}).
		Put("/positions/" + symbol + "/take-profit")
	if err != nil {
		return fmt.Errorf("update take-profit %s: %w", symbol, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("update take-profit %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
	}
	return nil
}

// Positions lists the venue's open positions.
func (a *RESTAdapter) Positions(ctx context.Context) ([]types.BrokerPosition, error) {
	var positions []types.BrokerPosition
	resp, err := a.http.R().
		SetContext(ctx).
		SetResult(&positions).
		Get("/positions")
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get positions: status %d: %s", resp.StatusCode(), resp.String())
	}
	return positions, nil
}

// Equity fetches the account's current equity.
func (a *RESTAdapter) Equity(ctx context.Context) (decimal.Decimal, error) {
	var account struct {
		Equity decimal.Decimal `json:"equity"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetResult(&account).
		Get("/account")
	if err != nil {
		return decimal.Zero, fmt.Errorf("get equity: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return decimal.Zero, fmt.Errorf("get equity: status %d: %s", resp.StatusCode(), resp.String())
	}
	return account.Equity, nil
}

// ClosePosition market-closes one symbol.
func (a *RESTAdapter) ClosePosition(ctx context.Context, symbol string) error {
	resp, err := a.http.R().SetContext(ctx).Delete("/positions/" + symbol)
	if err != nil {
		return fmt.Errorf("close position %s: %w", symbol, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("close position %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
	}
	return nil
}

// CloseAllPositions market-closes everything in one venue call.
func (a *RESTAdapter) CloseAllPositions(ctx context.Context) error {
	resp, err := a.http.R().SetContext(ctx).Delete("/positions")
	if err != nil {
		return fmt.Errorf("close all positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("close all positions: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// TestConnection pings the venue.
func (a *RESTAdapter) TestConnection(ctx context.Context) error {
	resp, err := a.http.R().SetContext(ctx).Get("/ping")
	if err != nil {
		return fmt.Errorf("test connection: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("test connection: status %d", resp.StatusCode())
	}
	return nil
}
