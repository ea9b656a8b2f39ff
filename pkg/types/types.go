// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the execution core — signal
// payloads, order and position representations, order book snapshots, and
// machine-readable reason codes. It has no dependencies on internal packages,
// so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Direction is the position direction carried by trading signals.
// +1 = LONG, -1 = SHORT.
type Direction int

const (
	LONG  Direction = 1
	SHORT Direction = -1
)

// Valid reports whether the direction is one of the two allowed values.
func (d Direction) Valid() bool { return d == LONG || d == SHORT }

// EntrySide maps a position direction to the order side that opens it.
func (d Direction) EntrySide() Side {
	if d == LONG {
		return SideBuy
	}
	return SideSell
}

// ExitSide maps a position direction to the order side that closes it.
func (d Direction) ExitSide() Side {
	if d == LONG {
		return SideSell
	}
	return SideBuy
}

func (d Direction) String() string {
	if d == LONG {
		return "LONG"
	}
	return "SHORT"
}

// SignalType enumerates the webhook message types.
type SignalType string

const (
	SignalPrepare   SignalType = "PREPARE"
	SignalConfirm   SignalType = "CONFIRM"
	SignalAbort     SignalType = "ABORT"
	SignalHeartbeat SignalType = "HEARTBEAT"
)

// SignalClass categorizes the holding horizon of a signal. The phase manager
// decides which classes are tradeable at the current equity band.
type SignalClass string

const (
	ClassScalp SignalClass = "SCALP"
	ClassDay   SignalClass = "DAY"
	ClassSwing SignalClass = "SWING"
)

// DefaultAlphaHalfLife returns the alpha decay half-life implied by the
// signal class when the payload does not carry an explicit one.
func (c SignalClass) DefaultAlphaHalfLife() time.Duration {
	switch c {
	case ClassScalp:
		return 10 * time.Second
	case ClassDay:
		return 30 * time.Second
	case ClassSwing:
		return 120 * time.Second
	default:
		return 30 * time.Second
	}
}

// IntentStatus is the lifecycle state of an Intent inside shadow state.
type IntentStatus string

const (
	IntentPending   IntentStatus = "PENDING"
	IntentValidated IntentStatus = "VALIDATED"
	IntentExecuted  IntentStatus = "EXECUTED"
	IntentRejected  IntentStatus = "REJECTED"
)

// Terminal reports whether the status admits no further transitions.
func (s IntentStatus) Terminal() bool {
	return s == IntentExecuted || s == IntentRejected
}

// ExecutionMode selects how entries are worked against the book.
type ExecutionMode string

const (
	ModeMaker ExecutionMode = "MAKER" // post-only passive placement
	ModeTaker ExecutionMode = "TAKER" // aggressive price-taking (limit chaser)
)

// ————————————————————————————————————————————————————————————————————————
// Reason codes
// ————————————————————————————————————————————————————————————————————————

// ReasonCode is a machine-readable rejection or failure reason surfaced in
// response envelopes and strategy results.
type ReasonCode string

const (
	// Admission layer
	ReasonMissingSignalID  ReasonCode = "MISSING_SIGNAL_ID"
	ReasonInvalidTimestamp ReasonCode = "INVALID_TIMESTAMP"
	ReasonTimestampDrift   ReasonCode = "TIMESTAMP_DRIFT_EXCEEDED"
	ReasonDuplicateSignal  ReasonCode = "DUPLICATE_SIGNAL_ID"
	ReasonUnauthorized     ReasonCode = "UNAUTHORIZED"

	// L2 validator
	ReasonStaleCache             ReasonCode = "STALE_L2_CACHE"
	ReasonStaleCacheDisconnected ReasonCode = "STALE_L2_CACHE_DISCONNECTED"
	ReasonStructureBelow         ReasonCode = "STRUCTURE_BELOW_THRESHOLD"
	ReasonInsufficientDepth      ReasonCode = "INSUFFICIENT_DEPTH"
	ReasonSpreadExceeded         ReasonCode = "SPREAD_EXCEEDED"
	ReasonSlippageExceeded       ReasonCode = "SLIPPAGE_EXCEEDED"
	ReasonHeavySellWall          ReasonCode = "HEAVY_SELL_WALL"
	ReasonHeavyBuyWall           ReasonCode = "HEAVY_BUY_WALL"

	// Business gates
	ReasonAssetDisabled     ReasonCode = "ASSET_DISABLED"
	ReasonExecutionDisabled ReasonCode = "EXECUTION_DISABLED_BY_OPERATOR"
	ReasonCircuitBreaker    ReasonCode = "CIRCUIT_BREAKER_OPEN"
	ReasonClassNotAllowed   ReasonCode = "SIGNAL_CLASS_NOT_ALLOWED"
	ReasonFundingAdverse    ReasonCode = "FUNDING_REGIME_ADVERSE"
	ReasonZombieSignal      ReasonCode = "ZOMBIE_SIGNAL"

	// Execution
	ReasonFilled           ReasonCode = "FILLED"
	ReasonPartiallyFilled  ReasonCode = "PARTIALLY_FILLED"
	ReasonMissedEntry      ReasonCode = "MISSED_ENTRY"
	ReasonAlphaExpired     ReasonCode = "ALPHA_EXPIRED"
	ReasonOBIWorsening     ReasonCode = "OBI_WORSENING"
	ReasonFillTimeout      ReasonCode = "FILL_TIMEOUT"
	ReasonMaxTicksExceeded ReasonCode = "MAX_TICKS_EXCEEDED"
	ReasonTimeout          ReasonCode = "TIMEOUT"
)

// CloseReason explains why a position (or part of it) was closed.
type CloseReason string

const (
	CloseStop             CloseReason = "STOP"
	CloseRegimeKill       CloseReason = "REGIME_KILL"
	CloseDeadMansSwitch   CloseReason = "DEAD_MANS_SWITCH"
	CloseHardKill         CloseReason = "HARD_KILL"
	CloseAbort            CloseReason = "ABORT"
	CloseReconcileFlatten CloseReason = "RECONCILE_FLATTEN"
	CloseManual           CloseReason = "MANUAL"
)

// CloseTakeProfit returns the reason for hitting take-profit level n (1-based).
func CloseTakeProfit(n int) CloseReason {
	switch n {
	case 1:
		return "TP1"
	case 2:
		return "TP2"
	case 3:
		return "TP3"
	default:
		return CloseReason("TP" + itoa(n))
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// ————————————————————————————————————————————————————————————————————————
// Regime vector
// ————————————————————————————————————————————————————————————————————————

// RegimeVector carries the upstream model's read of market conditions.
// Trend/vol/regime states are ternary (-1, 0, +1); scores are 0..100.
type RegimeVector struct {
	TrendState           int     `json:"trend_state"`
	VolState             int     `json:"vol_state"`
	RegimeState          int     `json:"regime_state"`
	MarketStructureScore float64 `json:"market_structure_score"`
	MomentumScore        float64 `json:"momentum_score"`
	ModelRecommendation  string  `json:"model_recommendation"` // TREND_FOLLOW, MEAN_REVERT, NO_TRADE, ...

	// Optional flags
	FDI             float64 `json:"fdi,omitempty"`
	IsSqueeze       bool    `json:"is_squeeze,omitempty"`
	RSIReset        bool    `json:"rsi_reset,omitempty"`
	EfficiencyRatio float64 `json:"efficiency_ratio,omitempty"`
}

// RiskOn reports whether the regime supports adding exposure.
func (r RegimeVector) RiskOn() bool {
	return r.RegimeState > 0 && r.ModelRecommendation != "NO_TRADE"
}

// ————————————————————————————————————————————————————————————————————————
// Webhook payloads
// ————————————————————————————————————————————————————————————————————————

// SignalPayload is the JSON body accepted by the webhook endpoint.
// PREPARE and CONFIRM carry the full trade parameters; ABORT and HEARTBEAT
// only need SignalID / Timestamp.
type SignalPayload struct {
	SignalID  string     `json:"signal_id"`
	Type      SignalType `json:"type"`
	Symbol    string     `json:"symbol"`
	Timestamp string     `json:"timestamp"` // ISO-8601

	Direction   Direction         `json:"direction,omitempty"`
	Size        decimal.Decimal   `json:"size,omitempty"`
	Entry       decimal.Decimal   `json:"entry,omitempty"`
	StopLoss    decimal.Decimal   `json:"stop,omitempty"`
	TakeProfits []decimal.Decimal `json:"takeprofits,omitempty"`

	Regime          RegimeVector `json:"regime_vector,omitempty"`
	SignalClass     SignalClass  `json:"signal_type,omitempty"`
	AlphaHalfLifeMs int64        `json:"alpha_half_life_ms,omitempty"`
	UrgencyScore    float64      `json:"urgency_score,omitempty"`
}

// ResponseEnvelope is returned for every webhook request and cached by the
// idempotency store so duplicate signals observe the original outcome.
type ResponseEnvelope struct {
	SignalID  string     `json:"signal_id"`
	Timestamp time.Time  `json:"timestamp"`
	Status    string     `json:"status,omitempty"` // "ok" on success
	Error     ReasonCode `json:"error,omitempty"`
	Message   string     `json:"message,omitempty"`
	Result    any        `json:"result,omitempty"`
}

// OK reports whether the envelope represents a success.
func (e ResponseEnvelope) OK() bool { return e.Status == "ok" }

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level. Float64 is sufficient here: book
// levels feed ratio metrics (OBI, spread%), never position arithmetic.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBookSnapshot is a point-in-time copy of one symbol's L2 book.
// Bids are sorted descending by price, asks ascending.
type OrderBookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	UpdatedAt time.Time    `json:"updated_at"`
	Connected bool         `json:"connected"`
}

// BestBid returns the highest bid, or false on an empty side.
func (s OrderBookSnapshot) BestBid() (PriceLevel, bool) {
	if len(s.Bids) == 0 {
		return PriceLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the lowest ask, or false on an empty side.
func (s OrderBookSnapshot) BestAsk() (PriceLevel, bool) {
	if len(s.Asks) == 0 {
		return PriceLevel{}, false
	}
	return s.Asks[0], true
}

// Spread returns bestAsk - bestBid, or false if either side is empty.
func (s OrderBookSnapshot) Spread() (float64, bool) {
	bid, okB := s.BestBid()
	ask, okA := s.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return ask.Price - bid.Price, true
}

// SpreadPct returns the spread as a percentage of the mid price.
func (s OrderBookSnapshot) SpreadPct() (float64, bool) {
	spread, ok := s.Spread()
	if !ok {
		return 0, false
	}
	bid, _ := s.BestBid()
	ask, _ := s.BestAsk()
	mid := (bid.Price + ask.Price) / 2
	if mid <= 0 {
		return 0, false
	}
	return spread / mid * 100, true
}

// OBI computes order book imbalance over the top-N levels:
// Σ bid sizes / Σ ask sizes. >1 favors bids, <1 favors asks.
// Returns false when either side has no size within depth.
func (s OrderBookSnapshot) OBI(depth int) (float64, bool) {
	var bidSum, askSum float64
	for i, lvl := range s.Bids {
		if i >= depth {
			break
		}
		bidSum += lvl.Size
	}
	for i, lvl := range s.Asks {
		if i >= depth {
			break
		}
		askSum += lvl.Size
	}
	if bidSum == 0 || askSum == 0 {
		return 0, false
	}
	return bidSum / askSum, true
}

// ————————————————————————————————————————————————————————————————————————
// Orders and fills
// ————————————————————————————————————————————————————————————————————————

// OrderKind distinguishes limit and market orders at the broker boundary.
type OrderKind string

const (
	OrderLimit  OrderKind = "LIMIT"
	OrderMarket OrderKind = "MARKET"
)

// OrderState is the broker-reported lifecycle state of an order.
type OrderState string

const (
	OrderOpen            OrderState = "OPEN"
	OrderFilled          OrderState = "FILLED"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderCanceled        OrderState = "CANCELED"
	OrderRejected        OrderState = "REJECTED"
)

// OrderRequest is the uniform order representation sent through the broker
// gateway. Every request is tagged with the signal id that produced it.
type OrderRequest struct {
	SignalID   string          `json:"signal_id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Kind       OrderKind       `json:"kind"`
	Price      decimal.Decimal `json:"price,omitempty"` // ignored for MARKET
	Size       decimal.Decimal `json:"size"`
	PostOnly   bool            `json:"post_only,omitempty"`
	ReduceOnly bool            `json:"reduce_only,omitempty"`
}

// OrderAck acknowledges an accepted order.
type OrderAck struct {
	OrderID string     `json:"order_id"`
	State   OrderState `json:"state"`
}

// OrderStatus is the broker's view of an order's progress.
type OrderStatus struct {
	OrderID      string          `json:"order_id"`
	State        OrderState      `json:"state"`
	FilledSize   decimal.Decimal `json:"filled_size"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
}

// Fill is the execution outcome handed to shadow state on CONFIRM.
type Fill struct {
	Filled    bool            `json:"filled"`
	OrderID   string          `json:"order_id,omitempty"`
	FillPrice decimal.Decimal `json:"fill_price"`
	FillSize  decimal.Decimal `json:"fill_size"`
}

// BrokerPosition is a position as reported by the broker, used by the
// reconciliation loop to diff against shadow state.
type BrokerPosition struct {
	Symbol     string          `json:"symbol"`
	Side       Direction       `json:"side"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entry_price"`
}

// ————————————————————————————————————————————————————————————————————————
// Trade records
// ————————————————————————————————————————————————————————————————————————

// TradeRecord is the immutable record produced on any position close.
type TradeRecord struct {
	SignalIDs  []string        `json:"signal_ids"` // intent chain, entry first
	Symbol     string          `json:"symbol"`
	Side       Direction       `json:"side"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	PnL        decimal.Decimal `json:"pnl"`
	PnLPct     decimal.Decimal `json:"pnl_pct"`
	Reason     CloseReason     `json:"reason"`
	ClosedAt   time.Time       `json:"closed_at"`
}
