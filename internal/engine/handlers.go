package engine

import (
	"context"
	"errors"
	"time"

	"github.com/peycheff-com/titan-trading-system-sub000/internal/console"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/safety"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/shadow"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/strategy"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/validator"
	"github.com/peycheff-com/titan-trading-system-sub000/pkg/types"
)

// HandlePrepare registers the intent and warms the decision path: the regime
// vector is cached for pyramiding and the book is pre-validated so the
// CONFIRM leg arrives with a known-good market. The validation verdict here
// is advisory; CONFIRM re-validates at execution time.
func (e *Engine) HandlePrepare(ctx context.Context, p types.SignalPayload) types.ResponseEnvelope {
	e.metrics.SignalsReceived.WithLabelValues(string(p.Type)).Inc()

	intent, err := e.state.ProcessIntent(p)
	if err != nil {
		return e.fail(p.SignalID, "", err.Error())
	}
	e.pyramid.SetRegime(p.Symbol, p.Regime)

	preview := e.validator.Validate(e.validationRequest(intent))
	return e.ok(p.SignalID, map[string]any{
		"intent_status":  intent.Status,
		"valid":          preview.Valid,
		"recommendation": preview.Recommendation,
		"spread_pct":     preview.SpreadPct,
		"obi":            preview.OBI,
	})
}

// HandleConfirm runs the full execution pipeline: gates, phase policy,
// L2 validation, sizing, then the phase-appropriate entry strategy. Policy
// rejections and entry misses mark the intent REJECTED so a replayed CONFIRM
// cannot execute; a transient venue failure leaves it VALIDATED.
func (e *Engine) HandleConfirm(ctx context.Context, p types.SignalPayload) types.ResponseEnvelope {
	e.metrics.SignalsReceived.WithLabelValues(string(p.Type)).Inc()

	// CONFIRM without a prior PREPARE is admitted on its own payload.
	intent, err := e.state.ProcessIntent(p)
	if err != nil {
		return e.fail(p.SignalID, "", err.Error())
	}
	if intent.Status.Terminal() {
		return e.fail(p.SignalID, types.ReasonDuplicateSignal, "intent already "+string(intent.Status))
	}
	e.pyramid.SetRegime(p.Symbol, p.Regime)

	if err := e.gates.Check(intent.Symbol, intent.Direction); err != nil {
		var gerr *safety.GateError
		code := types.ReasonExecutionDisabled
		if errors.As(err, &gerr) {
			code = gerr.Code
		}
		return e.reject(intent, code, err.Error())
	}
	if e.drift.Tripped() {
		return e.reject(intent, types.ReasonCircuitBreaker, "safety stop active")
	}
	if ok, code := e.phases.ValidateSignal(intent.Class); !ok {
		return e.reject(intent, code, "signal class not allowed in current phase")
	}

	vres := e.validator.Validate(e.validationRequest(intent))
	if !vres.Valid {
		return e.reject(intent, vres.Reason, "market validation failed")
	}

	policy := e.phases.Current()
	size, err := e.sizer.Size(e.phases.Equity(), policy, intent.Entry, intent.StopLoss, intent.Size)
	if err != nil {
		return e.reject(intent, "", err.Error())
	}
	if _, err := e.state.ValidateIntent(p.SignalID); err != nil {
		return e.fail(p.SignalID, "", err.Error())
	}

	strat, label := e.selectStrategy(policy.ExecutionMode, vres.Recommendation)
	e.metrics.OrdersPlaced.WithLabelValues(label).Inc()

	params := strategy.Params{
		SignalID:      p.SignalID,
		Symbol:        intent.Symbol,
		Side:          intent.Direction.EntrySide(),
		Size:          size,
		Class:         intent.Class,
		AlphaHalfLife: intent.AlphaHalfLife,
		UrgencyScore:  p.UrgencyScore,
		PostOnly:      policy.ExecutionMode == types.ModeMaker && vres.Recommendation != validator.RecommendMarket,
	}

	// The chase is cancelable by an ABORT arriving on a parallel request.
	cctx, cancel := context.WithCancel(ctx)
	e.registerChase(p.SignalID, cancel)
	defer func() {
		e.unregisterChase(p.SignalID)
		cancel()
	}()

	result, err := strat.Execute(cctx, params)
	e.metrics.ExecutionLatency.Observe(float64(result.ChaseTimeMs) / 1000)
	if result.ChaseTicks > 0 {
		e.metrics.ChaseTicks.Observe(float64(result.ChaseTicks))
	}
	if err != nil {
		// Transient venue failure after the gateway's retries. The intent
		// stays VALIDATED, no position is opened; reconciliation or a
		// manual retry settles it.
		e.logger.Error("entry execution failed", "signal_id", p.SignalID, "error", err)
		env := e.fail(p.SignalID, result.Reason, "ERROR: "+err.Error())
		env.Result = result
		return env
	}
	if !result.Success {
		e.metrics.OrdersMissed.WithLabelValues(string(result.Reason)).Inc()
		if rerr := e.state.RejectIntent(p.SignalID, string(result.Reason)); rerr != nil {
			e.logger.Warn("reject after miss failed", "signal_id", p.SignalID, "error", rerr)
		}
		env := e.fail(p.SignalID, result.Reason, "entry not filled")
		env.Result = result
		return env
	}

	pos, err := e.state.ConfirmExecution(p.SignalID, result.Fill)
	if err != nil {
		return e.fail(p.SignalID, "", err.Error())
	}
	e.armProtectiveOrders(ctx, intent)
	e.persistPosition(ctx, pos)

	e.metrics.OrdersFilled.Inc()
	e.metrics.OpenPositions.Set(float64(len(e.state.Positions())))
	if e.console != nil {
		e.console.Publish(console.FramePositionUpdate, pos)
	}
	e.publish("position_opened", pos)

	return e.ok(p.SignalID, result)
}

// HandleAbort kills an in-flight chase, voids a pending intent, or closes
// the position the signal chain opened. An abort for a signal whose position
// is already gone is a zombie and must be a no-op.
func (e *Engine) HandleAbort(ctx context.Context, p types.SignalPayload) types.ResponseEnvelope {
	e.metrics.SignalsReceived.WithLabelValues(string(p.Type)).Inc()

	if e.cancelChase(p.SignalID) {
		return e.ok(p.SignalID, map[string]any{"action": "chase_canceled"})
	}

	if intent, ok := e.state.Intent(p.SignalID); ok && !intent.Status.Terminal() {
		if err := e.state.RejectIntent(p.SignalID, string(types.CloseAbort)); err != nil {
			return e.fail(p.SignalID, "", err.Error())
		}
		return e.ok(p.SignalID, map[string]any{"action": "intent_voided"})
	}

	if pos, ok := e.state.Position(p.Symbol); ok && inChain(pos, p.SignalID) {
		exit, err := e.flattenPrice(p.Symbol)
		if err != nil {
			return e.fail(p.SignalID, types.ReasonStaleCache, "no exit price: "+err.Error())
		}
		rec, err := e.state.ClosePosition(p.Symbol, exit, types.CloseAbort)
		if err != nil {
			return e.fail(p.SignalID, "", err.Error())
		}
		if cerr := e.gateway.ClosePosition(ctx, p.Symbol); cerr != nil {
			e.logger.Error("venue close on abort failed", "symbol", p.Symbol, "error", cerr)
		}
		e.recordClosedTrade(ctx, rec)
		return e.ok(p.SignalID, rec)
	}

	e.logger.Info("zombie abort ignored", "signal_id", p.SignalID, "symbol", p.Symbol)
	env := e.ok(p.SignalID, nil)
	env.Message = string(types.ReasonZombieSignal)
	return env
}

// HandleHeartbeat feeds the dead-man's switch.
func (e *Engine) HandleHeartbeat(ctx context.Context, p types.SignalPayload) types.ResponseEnvelope {
	e.metrics.SignalsReceived.WithLabelValues(string(p.Type)).Inc()
	e.deadMans.Beat()
	return e.ok(p.SignalID, map[string]any{
		"armed": e.Armed(),
		"phase": e.phases.Current().Phase,
	})
}

// selectStrategy maps the phase's execution mode to an entry strategy. A
// MARKET recommendation from the validator overrides maker mode: when the
// book is running away, waiting passively forfeits the entry.
func (e *Engine) selectStrategy(mode types.ExecutionMode, rec validator.Recommendation) (strategy.Strategy, string) {
	if mode == types.ModeMaker && rec != validator.RecommendMarket {
		return e.maker, "limit_or_kill"
	}
	return e.taker, "limit_chaser"
}

func (e *Engine) validationRequest(intent shadow.Intent) validator.Request {
	size, _ := intent.Size.Float64()
	return validator.Request{
		Symbol:         intent.Symbol,
		Side:           intent.Direction.EntrySide(),
		Size:           size,
		StructureScore: intent.Regime.MarketStructureScore,
		MomentumScore:  intent.Regime.MomentumScore,
	}
}

// armProtectiveOrders pushes the stop and take-profit ladder to the venue.
// Failures log and continue; the shadow copy still enforces exits locally.
func (e *Engine) armProtectiveOrders(ctx context.Context, intent shadow.Intent) {
	if !intent.StopLoss.IsZero() {
		if err := e.gateway.UpdateStopLoss(ctx, intent.Symbol, intent.StopLoss); err != nil {
			e.logger.Error("venue stop placement failed", "symbol", intent.Symbol, "error", err)
		}
	}
	for i, tp := range intent.TakeProfits {
		if err := e.gateway.UpdateTakeProfit(ctx, intent.Symbol, i+1, tp); err != nil {
			e.logger.Error("venue take-profit placement failed", "symbol", intent.Symbol, "level", i+1, "error", err)
		}
	}
}

func (e *Engine) persistPosition(ctx context.Context, pos shadow.Position) {
	if e.db == nil {
		return
	}
	if err := e.db.SavePosition(ctx, pos); err != nil {
		e.logger.Error("position persist failed", "symbol", pos.Symbol, "error", err)
	}
}

// reject marks the intent REJECTED and returns the error envelope.
func (e *Engine) reject(intent shadow.Intent, code types.ReasonCode, msg string) types.ResponseEnvelope {
	if code != "" {
		e.metrics.SignalsRejected.WithLabelValues(string(code)).Inc()
	}
	if err := e.state.RejectIntent(intent.SignalID, string(code)); err != nil {
		e.logger.Warn("intent reject failed", "signal_id", intent.SignalID, "error", err)
	}
	e.publish("signal_rejected", map[string]any{"signal_id": intent.SignalID, "reason": code})
	return e.fail(intent.SignalID, code, msg)
}

func (e *Engine) ok(signalID string, result any) types.ResponseEnvelope {
	return types.ResponseEnvelope{
		SignalID:  signalID,
		Timestamp: time.Now().UTC(),
		Status:    "ok",
		Result:    result,
	}
}

func (e *Engine) fail(signalID string, code types.ReasonCode, msg string) types.ResponseEnvelope {
	return types.ResponseEnvelope{
		SignalID:  signalID,
		Timestamp: time.Now().UTC(),
		Status:    "error",
		Error:     code,
		Message:   msg,
	}
}

func inChain(pos shadow.Position, signalID string) bool {
	for _, id := range pos.SignalIDs {
		if id == signalID {
			return true
		}
	}
	return false
}
