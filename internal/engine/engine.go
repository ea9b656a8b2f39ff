// Package engine is the central orchestrator of the execution core.
//
// It owns the master-arm switch and the emergency flatten path, routes
// admitted webhook signals through the gate/validate/size/execute pipeline,
// and pumps events from the broker gateway, phase manager, safety layer, and
// reconciler out to the status stream and the operator console.
//
// Lifecycle: New() → Attach() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peycheff-com/titan-trading-system-sub000/internal/broker"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/config"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/console"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/market"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/metrics"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/phase"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/ratelimit"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/reconcile"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/risk"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/safety"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/shadow"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/store"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/strategy"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/validator"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/webhook"
	"github.com/peycheff-com/titan-trading-system-sub000/pkg/types"
)

const (
	equityInterval  = 15 * time.Second
	pyramidInterval = 5 * time.Second
)

// Deps bundles everything the engine wires together. Store, Status, and
// Console may be nil; the engine degrades to logging only.
type Deps struct {
	Config    *config.Config
	State     *shadow.State
	Books     *market.Cache
	Validator *validator.Validator
	Gateway   *broker.Gateway
	Maker     strategy.Strategy
	Taker     strategy.Strategy
	Pyramid   *strategy.PyramidMonitor
	Phases    *phase.Manager
	Gates     *safety.Gates
	Drift     *safety.DriftGuard
	Sizer     *risk.Sizer
	Store     *store.Store
	Metrics   *metrics.Metrics
	Status    *webhook.StatusHub
	Console   *console.Broadcaster

	// Limiter and ConsoleHub are only read for gauge updates.
	Limiter    *ratelimit.Limiter
	ConsoleHub *console.Hub
}

// Engine orchestrates the execution core.
type Engine struct {
	cfg        *config.Config
	state      *shadow.State
	books      *market.Cache
	validator  *validator.Validator
	gateway    *broker.Gateway
	maker      strategy.Strategy
	taker      strategy.Strategy
	pyramid    *strategy.PyramidMonitor
	phases     *phase.Manager
	gates      *safety.Gates
	drift      *safety.DriftGuard
	sizer      *risk.Sizer
	db         *store.Store
	metrics    *metrics.Metrics
	status     *webhook.StatusHub
	console    *console.Broadcaster
	limiter    *ratelimit.Limiter
	consoleHub *console.Hub

	deadMans   *safety.DeadMans
	reconciler *reconcile.Reconciler

	armed      atomic.Bool
	flattening atomic.Bool

	// chases maps signal id → cancel for the in-flight execution, so ABORT
	// can kill an active chase.
	chasesMu sync.Mutex
	chases   map[string]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New wires the engine. The dead-man switch and reconciler are attached
// afterwards because their flatten callbacks point back at the engine.
func New(d Deps, logger *slog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        d.Config,
		state:      d.State,
		books:      d.Books,
		validator:  d.Validator,
		gateway:    d.Gateway,
		maker:      d.Maker,
		taker:      d.Taker,
		pyramid:    d.Pyramid,
		phases:     d.Phases,
		gates:      d.Gates,
		drift:      d.Drift,
		sizer:      d.Sizer,
		db:         d.Store,
		metrics:    d.Metrics,
		status:     d.Status,
		console:    d.Console,
		limiter:    d.Limiter,
		consoleHub: d.ConsoleHub,
		chases:     make(map[string]context.CancelFunc),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.With("component", "engine"),
	}
}

// Attach hands the engine the components whose construction needed the
// engine's flatten and disarm callbacks.
func (e *Engine) Attach(dm *safety.DeadMans, rec *reconcile.Reconciler) {
	e.deadMans = dm
	e.reconciler = rec
}

// Start launches the background loops: safety watchers, reconciliation,
// event pumps, the equity poller, and the pyramiding ticker.
func (e *Engine) Start() {
	e.run(func() { e.deadMans.Run(e.ctx) })
	e.run(func() { e.reconciler.Run(e.ctx) })
	e.run(e.pumpGatewayEvents)
	e.run(e.pumpPhaseEvents)
	e.run(e.pumpSafetyEvents)
	e.run(e.pumpReconcileEvents)
	e.run(e.equityLoop)
	e.run(e.pyramidLoop)
	e.logger.Info("engine started")
}

// Stop cancels every loop and waits for them to exit.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

func (e *Engine) run(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// Armed reports the master-arm state. Wire this into safety.NewGates.
func (e *Engine) Armed() bool { return e.armed.Load() }

// Arm enables execution.
func (e *Engine) Arm() {
	if e.armed.Swap(true) {
		return
	}
	e.metrics.MasterArm.Set(1)
	e.logger.Warn("master arm ON")
	e.publish("master_arm_change", map[string]any{"armed": true})
	if e.console != nil {
		e.console.PublishCritical(console.FrameMasterArmChange, map[string]any{"armed": true})
	}
}

// Disarm disables execution. Positions stay open; only new entries stop.
func (e *Engine) Disarm() {
	if !e.armed.Swap(false) {
		return
	}
	e.metrics.MasterArm.Set(0)
	e.logger.Warn("master arm OFF")
	e.publish("master_arm_change", map[string]any{"armed": false})
	if e.console != nil {
		e.console.PublishCritical(console.FrameMasterArmChange, map[string]any{"armed": false})
	}
}

// EmergencyFlatten closes everything, shadow first, then the venue, then
// disarms. Local state always flattens even when the venue call fails;
// reconciliation will surface any divergence afterwards. Concurrent
// invocations collapse into one.
func (e *Engine) EmergencyFlatten(ctx context.Context, reason safety.FlattenReason) {
	if !e.flattening.CompareAndSwap(false, true) {
		return
	}
	defer e.flattening.Store(false)

	e.logger.Error("EMERGENCY FLATTEN", "reason", reason)
	e.metrics.EmergencyFlats.Inc()
	e.cancelAllChases()

	records := e.state.CloseAllPositions(e.flattenPrice, closeReasonFor(reason))
	if err := e.gateway.CloseAllPositions(ctx); err != nil {
		e.logger.Error("venue flatten failed, shadow is flat", "error", err)
	}
	e.Disarm()

	symbols := make([]string, 0, len(records))
	for _, rec := range records {
		symbols = append(symbols, rec.Symbol)
		e.recordClosedTrade(ctx, rec)
	}
	if e.db != nil {
		if err := e.db.RecordFlatten(ctx, store.FlattenRecord{
			PositionsClosed: len(records),
			Symbols:         symbols,
			TriggerReason:   string(reason),
		}); err != nil {
			e.logger.Error("flatten audit write failed", "error", err)
		}
	}
	if e.console != nil {
		e.console.PublishCritical(console.FrameEmergencyFlat, map[string]any{
			"reason":           string(reason),
			"positions_closed": len(records),
			"symbols":          symbols,
		})
	}
	e.publish("emergency_flatten", map[string]any{"reason": string(reason), "closed": len(records)})
}

// flattenPrice prices an emergency close from the cached book, exit side.
func (e *Engine) flattenPrice(symbol string) (decimal.Decimal, error) {
	snap, err := e.books.Fresh(symbol)
	if err != nil {
		// Fall back to any cached copy; a flatten must not wait for data.
		var ok bool
		snap, ok = e.books.Snapshot(symbol)
		if !ok {
			return decimal.Zero, err
		}
	}
	pos, ok := e.state.Position(symbol)
	if !ok {
		return decimal.Zero, market.ErrUnknownSymbol
	}
	level, lok := snap.BestBid()
	if pos.Side == types.SHORT {
		level, lok = snap.BestAsk()
	}
	if !lok {
		return decimal.Zero, market.ErrStale
	}
	return decimal.NewFromFloat(level.Price), nil
}

func closeReasonFor(reason safety.FlattenReason) types.CloseReason {
	switch reason {
	case safety.FlattenDeadMansSwitch:
		return types.CloseDeadMansSwitch
	case safety.FlattenConsecutiveMismatch:
		return types.CloseReconcileFlatten
	default:
		return types.CloseHardKill
	}
}

// recordClosedTrade feeds a close into the breaker counters, the drift
// guard, persistence, and the console.
func (e *Engine) recordClosedTrade(ctx context.Context, rec types.TradeRecord) {
	e.gates.RecordTrade(rec)
	pnl, _ := rec.PnL.Float64()
	e.drift.RecordPnL(pnl)

	if e.db != nil {
		if err := e.db.RecordTrade(ctx, rec); err != nil {
			e.logger.Error("trade persist failed", "symbol", rec.Symbol, "error", err)
		}
		if _, open := e.state.Position(rec.Symbol); !open {
			if err := e.db.DeletePosition(ctx, rec.Symbol); err != nil {
				e.logger.Error("position snapshot delete failed", "symbol", rec.Symbol, "error", err)
			}
		}
	}
	e.metrics.OpenPositions.Set(float64(len(e.state.Positions())))
	if e.console != nil {
		e.console.Publish(console.FramePositionUpdate, rec)
	}
}

func (e *Engine) registerChase(signalID string, cancel context.CancelFunc) {
	e.chasesMu.Lock()
	defer e.chasesMu.Unlock()
	e.chases[signalID] = cancel
}

func (e *Engine) unregisterChase(signalID string) {
	e.chasesMu.Lock()
	defer e.chasesMu.Unlock()
	delete(e.chases, signalID)
}

// cancelChase kills one in-flight execution. Reports whether one existed.
func (e *Engine) cancelChase(signalID string) bool {
	e.chasesMu.Lock()
	defer e.chasesMu.Unlock()
	cancel, ok := e.chases[signalID]
	if ok {
		cancel()
		delete(e.chases, signalID)
	}
	return ok
}

func (e *Engine) cancelAllChases() {
	e.chasesMu.Lock()
	defer e.chasesMu.Unlock()
	for id, cancel := range e.chases {
		cancel()
		delete(e.chases, id)
	}
}

// publish mirrors an event onto the status stream.
func (e *Engine) publish(eventType string, data any) {
	if e.status != nil {
		e.status.Publish(eventType, data)
	}
}

// Snapshot is the console's full-state provider.
func (e *Engine) Snapshot() map[string]any {
	policy := e.phases.Current()
	return map[string]any{
		"armed":             e.Armed(),
		"phase":             policy.Phase,
		"phase_label":       policy.Label,
		"execution_mode":    string(policy.ExecutionMode),
		"equity":            e.phases.Equity().String(),
		"positions":         e.state.Positions(),
		"breaker_open":      e.gates.BreakerOpen(),
		"drift_tripped":     e.drift.Tripped(),
		"missed_heartbeats": e.deadMans.Missed(),
		"feed_connected":    e.books.Connected(),
	}
}

// ——— background loops ———

func (e *Engine) equityLoop() {
	ticker := time.NewTicker(equityInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}

		equity, err := e.gateway.Equity(e.ctx)
		if err != nil {
			e.logger.Warn("equity poll failed", "error", err)
			continue
		}
		e.phases.UpdateEquity(equity)
		f, _ := equity.Float64()
		e.metrics.Equity.Set(f)
		if e.drift.RecordEquity(f) {
			e.EmergencyFlatten(e.ctx, safety.FlattenFlashCrashProtection)
		}
		if e.console != nil {
			e.console.Publish(console.FrameEquityUpdate, map[string]any{"equity": equity.String()})
		}
		if e.limiter != nil {
			e.metrics.QueueDepth.Set(float64(e.limiter.Depth()))
		}
		if e.consoleHub != nil {
			e.metrics.ConsoleClients.Set(float64(e.consoleHub.ClientCount()))
		}
	}
}

func (e *Engine) pyramidLoop() {
	ticker := time.NewTicker(pyramidInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}
		if !e.Armed() || !e.phases.Current().PyramidingAllowed {
			continue
		}
		for _, rec := range e.pyramid.Evaluate(e.ctx) {
			e.recordClosedTrade(e.ctx, rec)
			e.publish("regime_kill", rec)
		}
	}
}

func (e *Engine) pumpGatewayEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev := <-e.gateway.Events():
			if ev.Kind == broker.EventOrderFilled {
				e.metrics.OrdersFilled.Inc()
			}
			e.publish(string(ev.Kind), ev)
		}
	}
}

func (e *Engine) pumpPhaseEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case tr := <-e.phases.Events():
			e.state.SetPhase(tr.To)
			e.metrics.Phase.Set(float64(tr.To))
			e.publish("phase_change", tr)
			if e.console != nil {
				e.console.Publish(console.FramePhaseChange, tr)
			}
		}
	}
}

func (e *Engine) pumpSafetyEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev := <-e.deadMans.Events():
			e.publish(string(ev.Kind), ev)
		case ev := <-e.drift.Events():
			e.publish(string(ev.Kind), ev)
			switch ev.Kind {
			case safety.EventSafetyStop:
				e.EmergencyFlatten(e.ctx, safety.FlattenSafetyStop)
			case safety.EventHardKill:
				e.EmergencyFlatten(e.ctx, safety.FlattenFlashCrashProtection)
			}
		}
	}
}

func (e *Engine) pumpReconcileEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev := <-e.reconciler.Events():
			if ev.Kind == reconcile.EventMismatch {
				e.metrics.ReconcileErrors.Inc()
			}
			e.publish(string(ev.Kind), ev)
		}
	}
}
