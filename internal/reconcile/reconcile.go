// Package reconcile continuously compares shadow state against the broker's
// view. Shadow state is authoritative for decisions, but a persistent
// divergence means one of them is wrong, and the only safe response to not
// knowing your own position is to have no position.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peycheff-com/titan-trading-system-sub000/internal/safety"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/shadow"
	"github.com/peycheff-com/titan-trading-system-sub000/pkg/types"
)

// MismatchKind classifies one divergence.
type MismatchKind string

const (
	MissingInShadow MismatchKind = "MISSING_IN_SHADOW"
	MissingInBroker MismatchKind = "MISSING_IN_BROKER"
	SizeMismatch    MismatchKind = "SIZE_MISMATCH"
	SideMismatch    MismatchKind = "SIDE_MISMATCH"
)

// Mismatch is one divergence found in a cycle.
type Mismatch struct {
	Kind   MismatchKind `json:"kind"`
	Symbol string       `json:"symbol"`
	Detail string       `json:"detail"`
}

// EventKind classifies reconciliation events.
type EventKind string

const (
	EventSyncOK   EventKind = "sync_ok"
	EventMismatch EventKind = "mismatch"
)

// Event is one cycle's outcome.
type Event struct {
	Kind       EventKind  `json:"kind"`
	Mismatches []Mismatch `json:"mismatches,omitempty"`
	At         time.Time  `json:"at"`
}

// PositionSource is the slice of the broker gateway the reconciler needs.
type PositionSource interface {
	Positions(ctx context.Context) ([]types.BrokerPosition, error)
}

// Reconciler periodically diffs shadow against broker positions.
type Reconciler struct {
	state  *shadow.State
	broker PositionSource

	interval       time.Duration
	epsilon        decimal.Decimal
	maxConsecutive int

	consecutive int

	flatten func(ctx context.Context, reason safety.FlattenReason)
	disarm  func()

	events chan Event
	logger *slog.Logger
}

// New builds a reconciler. epsilon is the size tolerance; zero demands
// exact equality.
func New(state *shadow.State, broker PositionSource, interval time.Duration, epsilon decimal.Decimal, maxConsecutive int, flatten func(ctx context.Context, reason safety.FlattenReason), disarm func(), logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reconciler{
		state:          state,
		broker:         broker,
		interval:       interval,
		epsilon:        epsilon,
		maxConsecutive: maxConsecutive,
		flatten:        flatten,
		disarm:         disarm,
		events:         make(chan Event, 16),
		logger:         logger.With("component", "reconcile"),
	}
}

// Events delivers per-cycle outcomes.
func (r *Reconciler) Events() <-chan Event { return r.events }

// Run cycles until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Cycle(ctx)
		}
	}
}

// Cycle runs one comparison and reacts to the outcome. A broker fetch
// failure is logged and skipped; it is not a mismatch.
func (r *Reconciler) Cycle(ctx context.Context) {
	mismatches, err := r.Diff(ctx)
	if err != nil {
		r.logger.Warn("broker position fetch failed, skipping cycle", "error", err)
		return
	}

	if len(mismatches) == 0 {
		r.consecutive = 0
		r.emit(Event{Kind: EventSyncOK, At: time.Now()})
		return
	}

	r.consecutive++
	r.logger.Warn("reconciliation mismatch",
		"count", len(mismatches), "consecutive", r.consecutive, "first", mismatches[0])
	r.emit(Event{Kind: EventMismatch, Mismatches: mismatches, At: time.Now()})

	if r.consecutive >= r.maxConsecutive {
		r.logger.Error("consecutive mismatch limit reached, flattening", "consecutive", r.consecutive)
		r.flatten(ctx, safety.FlattenConsecutiveMismatch)
		r.disarm()
		r.consecutive = 0
	}
}

// Diff fetches broker positions and compares them to shadow by symbol.
func (r *Reconciler) Diff(ctx context.Context) ([]Mismatch, error) {
	brokerPositions, err := r.broker.Positions(ctx)
	if err != nil {
		return nil, err
	}

	byBroker := make(map[string]types.BrokerPosition, len(brokerPositions))
	for _, bp := range brokerPositions {
		byBroker[bp.Symbol] = bp
	}

	var mismatches []Mismatch
	seen := make(map[string]struct{})
	for _, sp := range r.state.Positions() {
		seen[sp.Symbol] = struct{}{}
		bp, ok := byBroker[sp.Symbol]
		if !ok {
			mismatches = append(mismatches, Mismatch{Kind: MissingInBroker, Symbol: sp.Symbol,
				Detail: fmt.Sprintf("shadow holds %s %s", sp.Side, sp.Size)})
			continue
		}
		if bp.Side != sp.Side {
			mismatches = append(mismatches, Mismatch{Kind: SideMismatch, Symbol: sp.Symbol,
				Detail: fmt.Sprintf("shadow %s vs broker %s", sp.Side, bp.Side)})
			continue
		}
		if sp.Size.Sub(bp.Size).Abs().GreaterThan(r.epsilon) {
			mismatches = append(mismatches, Mismatch{Kind: SizeMismatch, Symbol: sp.Symbol,
				Detail: fmt.Sprintf("shadow %s vs broker %s", sp.Size, bp.Size)})
		}
	}
	for _, bp := range brokerPositions {
		if _, ok := seen[bp.Symbol]; !ok {
			mismatches = append(mismatches, Mismatch{Kind: MissingInShadow, Symbol: bp.Symbol,
				Detail: fmt.Sprintf("broker holds %s %s", bp.Side, bp.Size)})
		}
	}

	sort.Slice(mismatches, func(i, j int) bool { return mismatches[i].Symbol < mismatches[j].Symbol })
	return mismatches, nil
}

func (r *Reconciler) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
	}
}
