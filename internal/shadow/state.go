// Package shadow is the authoritative in-process view of intents and
// positions. Every trading decision consults this state, and the
// reconciliation loop continuously compares it against the broker.
//
// All mutations are serialized behind a single mutex (single-writer
// discipline) so pyramiding arithmetic and status transitions are atomic.
// Readers receive deep copies. Prices and sizes are decimals so VWAP entry
// math and realized PnL accumulate without floating drift.
package shadow

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peycheff-com/titan-trading-system-sub000/pkg/types"
)

// DefaultIntentTTL bounds how long a PENDING intent may wait for its CONFIRM.
const DefaultIntentTTL = 5 * time.Minute

// Intent is a trade the system has admitted but not necessarily executed.
type Intent struct {
	SignalID      string             `json:"signal_id"`
	Symbol        string             `json:"symbol"`
	Direction     types.Direction    `json:"direction"`
	Size          decimal.Decimal    `json:"size"`
	Entry         decimal.Decimal    `json:"entry"`
	StopLoss      decimal.Decimal    `json:"stop_loss"`
	TakeProfits   []decimal.Decimal  `json:"take_profits"`
	Regime        types.RegimeVector `json:"regime"`
	Class         types.SignalClass  `json:"class"`
	AlphaHalfLife time.Duration      `json:"alpha_half_life"`
	Status        types.IntentStatus `json:"status"`
	RejectReason  string             `json:"reject_reason,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}

// Position is an open position owned exclusively by shadow state.
// At most one Position exists per symbol.
type Position struct {
	Symbol        string             `json:"symbol"`
	Side          types.Direction    `json:"side"`
	Size          decimal.Decimal    `json:"size"`
	EntryPrice    decimal.Decimal    `json:"entry_price"` // volume-weighted
	Stop          decimal.Decimal    `json:"stop"`
	TakeProfits   []decimal.Decimal  `json:"take_profits"`
	OpenedAt      time.Time          `json:"opened_at"`
	PhaseAtEntry  int                `json:"phase_at_entry"`
	RegimeAtEntry types.RegimeVector `json:"regime_at_entry"`
	PyramidLayers int                `json:"pyramid_layers"`
	SignalIDs     []string           `json:"signal_ids"` // entry intent chain, append-only
}

// State holds all intents, open positions, and the trade history.
type State struct {
	mu        sync.RWMutex
	intents   map[string]*Intent
	positions map[string]*Position
	trades    []types.TradeRecord
	intentTTL time.Duration
	phase     int // phase stamped onto newly opened positions
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an empty shadow state.
func New(intentTTL time.Duration, logger *slog.Logger) *State {
	if intentTTL <= 0 {
		intentTTL = DefaultIntentTTL
	}
	return &State{
		intents:   make(map[string]*Intent),
		positions: make(map[string]*Position),
		intentTTL: intentTTL,
		phase:     1,
		logger:    logger.With("component", "shadow"),
		now:       time.Now,
	}
}

// SetPhase records the current phase so new positions carry it.
func (s *State) SetPhase(phase int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = phase
}

// ProcessIntent admits a PREPARE/CONFIRM payload as a PENDING intent.
// Deterministic and idempotent within the intent TTL: re-admitting an id
// returns the existing intent unchanged.
func (s *State) ProcessIntent(p types.SignalPayload) (Intent, error) {
	if !p.Direction.Valid() {
		return Intent{}, fmt.Errorf("intent %s: direction must be +1 or -1", p.SignalID)
	}
	if !p.Size.IsPositive() {
		return Intent{}, fmt.Errorf("intent %s: size must be > 0", p.SignalID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.intents[p.SignalID]; ok {
		return *copyIntent(existing), nil
	}

	halfLife := p.SignalClass.DefaultAlphaHalfLife()
	if p.AlphaHalfLifeMs > 0 {
		halfLife = time.Duration(p.AlphaHalfLifeMs) * time.Millisecond
	}

	intent := &Intent{
		SignalID:      p.SignalID,
		Symbol:        p.Symbol,
		Direction:     p.Direction,
		Size:          p.Size,
		Entry:         p.Entry,
		StopLoss:      p.StopLoss,
		TakeProfits:   append([]decimal.Decimal(nil), p.TakeProfits...),
		Regime:        p.Regime,
		Class:         p.SignalClass,
		AlphaHalfLife: halfLife,
		Status:        types.IntentPending,
		CreatedAt:     s.now(),
	}
	s.intents[p.SignalID] = intent
	return *copyIntent(intent), nil
}

// ValidateIntent transitions PENDING → VALIDATED.
func (s *State) ValidateIntent(signalID string) (Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[signalID]
	if !ok {
		return Intent{}, fmt.Errorf("intent %s not found", signalID)
	}
	if intent.Status != types.IntentPending {
		return Intent{}, fmt.Errorf("intent %s: cannot validate from %s", signalID, intent.Status)
	}
	intent.Status = types.IntentValidated
	return *copyIntent(intent), nil
}

// RejectIntent transitions a non-terminal intent to REJECTED.
func (s *State) RejectIntent(signalID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[signalID]
	if !ok {
		return fmt.Errorf("intent %s not found", signalID)
	}
	if intent.Status.Terminal() {
		return fmt.Errorf("intent %s: already %s", signalID, intent.Status)
	}
	intent.Status = types.IntentRejected
	intent.RejectReason = reason
	return nil
}

// Intent returns a copy of an intent.
func (s *State) Intent(signalID string) (Intent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	intent, ok := s.intents[signalID]
	if !ok {
		return Intent{}, false
	}
	return *copyIntent(intent), true
}

// ConfirmExecution transitions VALIDATED (or PENDING) → EXECUTED when the
// fill carries size, REJECTED otherwise. On EXECUTED it opens a new Position
// or pyramids into the existing one:
//
//	new_size  = old_size + fill_size
//	new_entry = (old_size·old_entry + fill_size·fill_price) / new_size
func (s *State) ConfirmExecution(signalID string, fill types.Fill) (Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[signalID]
	if !ok {
		return Position{}, fmt.Errorf("intent %s not found", signalID)
	}
	if intent.Status.Terminal() {
		return Position{}, fmt.Errorf("intent %s: already %s", signalID, intent.Status)
	}

	if !fill.Filled || !fill.FillSize.IsPositive() {
		intent.Status = types.IntentRejected
		intent.RejectReason = "no fill"
		return Position{}, fmt.Errorf("intent %s: rejected, no fill", signalID)
	}

	intent.Status = types.IntentExecuted

	pos, exists := s.positions[intent.Symbol]
	if !exists {
		pos = &Position{
			Symbol:        intent.Symbol,
			Side:          intent.Direction,
			Size:          fill.FillSize,
			EntryPrice:    fill.FillPrice,
			Stop:          intent.StopLoss,
			TakeProfits:   append([]decimal.Decimal(nil), intent.TakeProfits...),
			OpenedAt:      s.now(),
			PhaseAtEntry:  s.phase,
			RegimeAtEntry: intent.Regime,
			SignalIDs:     []string{signalID},
		}
		s.positions[intent.Symbol] = pos
		return *copyPosition(pos), nil
	}

	if pos.Side != intent.Direction {
		return Position{}, fmt.Errorf("intent %s: open %s position on %s conflicts with %s intent",
			signalID, pos.Side, intent.Symbol, intent.Direction)
	}

	// Pyramid: volume-weighted entry over the combined size.
	oldNotional := pos.EntryPrice.Mul(pos.Size)
	addNotional := fill.FillPrice.Mul(fill.FillSize)
	newSize := pos.Size.Add(fill.FillSize)
	pos.EntryPrice = oldNotional.Add(addNotional).Div(newSize)
	pos.Size = newSize
	pos.PyramidLayers++
	pos.SignalIDs = append(pos.SignalIDs, signalID)
	return *copyPosition(pos), nil
}

// IsZombieSignal reports whether a close-style signal references a symbol
// with no open position.
func (s *State) IsZombieSignal(symbol, signalID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.positions[symbol]; ok {
		return false
	}
	s.logger.Debug("zombie signal", "symbol", symbol, "signal_id", signalID)
	return true
}

// Position returns a copy of the open position for a symbol.
func (s *State) Position(symbol string) (Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *copyPosition(pos), true
}

// Positions returns copies of all open positions.
func (s *State) Positions() []Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Position, 0, len(s.positions))
	for _, pos := range s.positions {
		out = append(out, *copyPosition(pos))
	}
	return out
}

// UpdateStop moves the stop of an open position.
func (s *State) UpdateStop(symbol string, stop decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[symbol]
	if !ok {
		return fmt.Errorf("no open position for %s", symbol)
	}
	pos.Stop = stop
	return nil
}

// ClosePosition fully closes a position, producing an immutable TradeRecord.
func (s *State) ClosePosition(symbol string, exitPrice decimal.Decimal, reason types.CloseReason) (types.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked(symbol, exitPrice, decimal.Zero, reason)
}

// ClosePartialPosition reduces a position by closeSize (0 < closeSize < size)
// at exitPrice. The entry price is unchanged.
func (s *State) ClosePartialPosition(symbol string, exitPrice, closeSize decimal.Decimal, reason types.CloseReason) (types.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[symbol]
	if !ok {
		return types.TradeRecord{}, fmt.Errorf("no open position for %s", symbol)
	}
	if !closeSize.IsPositive() || closeSize.GreaterThanOrEqual(pos.Size) {
		return types.TradeRecord{}, fmt.Errorf("partial close size %s out of (0, %s)", closeSize, pos.Size)
	}
	return s.closeLocked(symbol, exitPrice, closeSize, reason)
}

// CloseAllPositions flattens everything, pricing each close via priceFn.
// Used by the safety paths; a priceFn error skips pricing but never blocks
// the flatten (the position closes at its entry price, PnL zero).
func (s *State) CloseAllPositions(priceFn func(symbol string) (decimal.Decimal, error), reason types.CloseReason) []types.TradeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]types.TradeRecord, 0, len(s.positions))
	for symbol, pos := range s.positions {
		exit, err := priceFn(symbol)
		if err != nil {
			s.logger.Error("flatten price lookup failed, closing at entry", "symbol", symbol, "error", err)
			exit = pos.EntryPrice
		}
		rec, cerr := s.closeLocked(symbol, exit, decimal.Zero, reason)
		if cerr != nil {
			continue
		}
		records = append(records, rec)
	}
	return records
}

// closeLocked performs the close. closeSize zero means full close.
func (s *State) closeLocked(symbol string, exitPrice, closeSize decimal.Decimal, reason types.CloseReason) (types.TradeRecord, error) {
	pos, ok := s.positions[symbol]
	if !ok {
		return types.TradeRecord{}, fmt.Errorf("no open position for %s", symbol)
	}

	full := closeSize.IsZero()
	if full {
		closeSize = pos.Size
	}

	pnl := realizedPnL(pos.Side, pos.EntryPrice, exitPrice, closeSize)
	var pnlPct decimal.Decimal
	if !pos.EntryPrice.IsZero() {
		diff := exitPrice.Sub(pos.EntryPrice)
		if pos.Side == types.SHORT {
			diff = pos.EntryPrice.Sub(exitPrice)
		}
		pnlPct = diff.Div(pos.EntryPrice).Mul(decimal.NewFromInt(100))
	}

	rec := types.TradeRecord{
		SignalIDs:  append([]string(nil), pos.SignalIDs...),
		Symbol:     symbol,
		Side:       pos.Side,
		Size:       closeSize,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exitPrice,
		PnL:        pnl,
		PnLPct:     pnlPct,
		Reason:     reason,
		ClosedAt:   s.now(),
	}
	s.trades = append(s.trades, rec)

	if full {
		delete(s.positions, symbol)
	} else {
		pos.Size = pos.Size.Sub(closeSize)
	}
	return rec, nil
}

// realizedPnL computes (exit − entry)·size for LONG, (entry − exit)·size for SHORT.
func realizedPnL(side types.Direction, entry, exit, size decimal.Decimal) decimal.Decimal {
	if side == types.LONG {
		return exit.Sub(entry).Mul(size)
	}
	return entry.Sub(exit).Mul(size)
}

// TradeHistory returns a copy of all trade records.
func (s *State) TradeHistory() []types.TradeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.TradeRecord(nil), s.trades...)
}

// GCExpiredIntents removes PENDING intents older than the TTL and returns
// how many were collected.
func (s *State) GCExpiredIntents() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.intentTTL)
	collected := 0
	for id, intent := range s.intents {
		if intent.Status == types.IntentPending && intent.CreatedAt.Before(cutoff) {
			delete(s.intents, id)
			collected++
		}
	}
	if collected > 0 {
		s.logger.Debug("garbage-collected expired intents", "count", collected)
	}
	return collected
}

// Snapshot is the serializable view of all open positions.
type Snapshot struct {
	Positions []Position `json:"positions"`
	TakenAt   time.Time  `json:"taken_at"`
}

// Serialize captures open positions as JSON.
func (s *State) Serialize() ([]byte, error) {
	snap := Snapshot{Positions: s.Positions(), TakenAt: s.now()}
	return json.Marshal(snap)
}

// Restore loads open positions from a serialized snapshot, replacing any
// current positions. Used on restart.
func (s *State) Restore(data []byte) error {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal shadow snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions = make(map[string]*Position, len(snap.Positions))
	for i := range snap.Positions {
		pos := snap.Positions[i]
		if _, dup := s.positions[pos.Symbol]; dup {
			panic(fmt.Sprintf("shadow invariant violated: two positions for %s in snapshot", pos.Symbol))
		}
		s.positions[pos.Symbol] = &pos
	}
	return nil
}

func copyIntent(in *Intent) *Intent {
	out := *in
	out.TakeProfits = append([]decimal.Decimal(nil), in.TakeProfits...)
	return &out
}

func copyPosition(in *Position) *Position {
	out := *in
	out.TakeProfits = append([]decimal.Decimal(nil), in.TakeProfits...)
	out.SignalIDs = append([]string(nil), in.SignalIDs...)
	return &out
}
