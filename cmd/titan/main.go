// Titan execution core — the deterministic execution layer between an
// upstream signal brain and a perpetual futures venue.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	engine/              — orchestrator: master arm, signal pipeline, emergency flatten, event pumps
//	webhook/             — HMAC-authenticated signal ingestion, status stream, HTTP server
//	replay/, idempotency — admission layer: timestamp drift, duplicate ids, cached responses
//	shadow/              — local source of truth for intents, positions, and trade history
//	validator/           — L2 microstructure checks: spread, slippage, order book imbalance
//	strategy/            — entry execution: limit-or-kill (phase 1), limit chaser (phase 2), pyramiding
//	phase/               — equity-band policy: risk %, leverage, execution mode, signal classes
//	safety/              — pre-trade gates, dead-man's switch, statistical drift guard
//	reconcile/           — shadow vs venue position diffing with escalation to flatten
//	broker/              — venue gateway: rate limiting, circuit breaker, REST adapter
//	market/              — order book cache fed by the venue WebSocket
//	store/               — SQL persistence for trades, position snapshots, and audit events
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/peycheff-com/titan-trading-system-sub000/internal/broker"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/config"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/console"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/engine"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/idempotency"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/market"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/metrics"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/phase"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/ratelimit"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/reconcile"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/replay"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/risk"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/safety"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/sched"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/shadow"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/store"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/strategy"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/validator"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/webhook"
)

func main() {
	cfg, v, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	logger.Info("titan execution core starting", "config", cfg.Summary())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Market data.
	cache := market.NewCache(cfg.Validation.CacheMaxAge)
	feed := market.NewFeed(cfg.Market.FeedURL, cache, cfg.Market.Symbols, logger)

	// Shadow state with boot recovery from the last persisted snapshot.
	state := shadow.New(cfg.Replay.SignalCacheTTL, logger)
	db, err := store.Open(cfg.Database.Type, cfg.Database.DSN, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	restorePositions(ctx, db, state, logger)

	// Venue access.
	limiter := ratelimit.New(cfg.Execution.RateLimitPerSec, 5, 8, 3, logger)
	adapter := broker.NewRESTAdapter(
		cfg.Broker.BaseURL,
		cfg.Credentials.BrokerAPIKey, cfg.Credentials.BrokerAPISecret,
		cfg.Broker.RequestTimeout, logger)
	gateway := broker.NewGateway(adapter, limiter, logger)

	// Decision components.
	vd := validator.New(cache,
		cfg.Validation.MinStructureThreshold,
		cfg.Validation.MaxSpreadPct, cfg.Validation.MaxSlippagePct,
		cfg.Validation.OBIDepth, logger)
	phases := phase.New(cfg.Risk.Phase1RiskPct, cfg.Risk.Phase2RiskPct, logger)
	sizer := risk.NewSizer(cfg.Risk.MaxRiskPct, logger)
	maker := strategy.NewLimitOrKill(gateway, cache, cfg.Validation.OBIDepth,
		cfg.Execution.PollInterval, cfg.Execution.FillWindow, logger)
	taker := strategy.NewLimitChaser(gateway, cache, cfg.Validation.OBIDepth,
		cfg.Execution.ChaseInterval, cfg.Execution.MaxChaseTime,
		cfg.Execution.MaxChaseTicks, cfg.Execution.MinAlphaThreshold, logger)
	pyramid := strategy.NewPyramidMonitor(state, cache, gateway, logger)

	// Safety layer. The gates read the engine's arm switch through a
	// closure because the engine is built afterwards.
	var eng *engine.Engine
	gates := safety.NewGates(
		func() bool { return eng.Armed() },
		cfg.Safety.AssetWhitelist,
		cfg.Safety.MaxConsecutiveLosses,
		cfg.Safety.MaxDailyDrawdownPct, cfg.Safety.MaxWeeklyDrawdownPct,
		cfg.Safety.CircuitBreakerCooldown,
		safety.FundingBand{Min: cfg.Safety.FundingBandMin, Max: cfg.Safety.FundingBandMax},
		logger)
	drift := safety.NewDriftGuard(
		cfg.Safety.ZScoreWindow, cfg.Safety.ZScoreThreshold, 0, 0,
		cfg.Safety.DrawdownVelocityPct, cfg.Safety.DrawdownTimeWindow, logger)

	// Operator surfaces.
	m := metrics.New(prometheus.DefaultRegisterer)
	statusHub := webhook.NewStatusHub(logger)
	provider := func() map[string]any {
		if eng == nil {
			return nil
		}
		return eng.Snapshot()
	}
	consoleHub := console.NewHub(cfg.Console.MaxClients, cfg.Console.HeartbeatInterval,
		cfg.Console.CompressThreshold, provider, logger)
	broadcaster := console.NewBroadcaster(consoleHub, provider,
		cfg.Console.SnapshotInterval, cfg.Console.BatchInterval,
		cfg.Console.MaxBatchSize, logger)

	eng = engine.New(engine.Deps{
		Config:     cfg,
		State:      state,
		Books:      cache,
		Validator:  vd,
		Gateway:    gateway,
		Maker:      maker,
		Taker:      taker,
		Pyramid:    pyramid,
		Phases:     phases,
		Gates:      gates,
		Drift:      drift,
		Sizer:      sizer,
		Store:      db,
		Metrics:    m,
		Status:     statusHub,
		Console:    broadcaster,
		Limiter:    limiter,
		ConsoleHub: consoleHub,
	}, logger)

	dm := safety.NewDeadMans(
		cfg.Safety.HeartbeatExpected, cfg.Safety.HeartbeatCheck,
		cfg.Safety.MaxMissedHeartbeats,
		func() bool { return true }, // perps trade around the clock
		eng.EmergencyFlatten, eng.Disarm, logger)
	rec := reconcile.New(state, gateway,
		cfg.Safety.ReconcileInterval,
		decimal.NewFromFloat(cfg.Safety.ReconcileSizeEpsilon),
		cfg.Safety.MaxConsecutiveMismatches,
		eng.EmergencyFlatten, eng.Disarm, logger)
	eng.Attach(dm, rec)

	// Signal ingestion.
	guard := replay.New(cfg.Replay.MaxTimestampDrift, cfg.Replay.SignalCacheTTL,
		cfg.Replay.RedisAddr, logger)
	idem := idempotency.New(cfg.Replay.SignalCacheTTL, cfg.Replay.RedisAddr, logger)
	dispatcher := webhook.NewDispatcher(cfg.Credentials.HMACSecret,
		cfg.Server.AllowedSources, guard, idem, eng, logger)
	server := webhook.NewServer(cfg.Server.ListenAddr, dispatcher, statusHub,
		consoleHub.HandleWS, logger)

	// Housekeeping.
	scheduler, err := sched.New(sched.Hooks{
		GCIntents:   func() { state.GCExpiredIntents() },
		ResetDaily:  gates.ResetDaily,
		ResetWeekly: gates.ResetWeekly,
		Snapshot:    func(ctx context.Context) { snapshotPositions(ctx, db, state, logger) },
	}, "@every 30s", logger)
	if err != nil {
		logger.Error("failed to build scheduler", "error", err)
		os.Exit(1)
	}

	// Config hot reload: validated snapshots are logged and announced; the
	// running components keep their boot-time tuning until restart.
	reloader := config.NewReloader(v)
	go watchReloads(ctx, reloader, broadcaster, logger)

	if err := gateway.TestConnection(ctx); err != nil {
		logger.Warn("venue connection check failed", "error", err)
	}

	go func() {
		if err := feed.Run(ctx); err != nil {
			logger.Error("market feed stopped", "error", err)
		}
	}()
	go broadcaster.Run(ctx)
	eng.Start()
	scheduler.Start()
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	if cfg.Safety.MasterArmOnBoot {
		eng.Arm()
	} else {
		logger.Warn("master arm is OFF, signals will be rejected until armed")
	}
	logger.Info("titan execution core started",
		"listen_addr", cfg.Server.ListenAddr,
		"symbols", cfg.Market.Symbols,
		"phase", phases.Current().Label)

	<-ctx.Done()
	logger.Info("received shutdown signal")

	if err := server.Stop(); err != nil {
		logger.Error("failed to stop http server", "error", err)
	}
	scheduler.Stop()
	eng.Stop()
	snapshotPositions(context.Background(), db, state, logger)
	if err := db.Close(); err != nil {
		logger.Error("failed to close store", "error", err)
	}
}

// restorePositions seeds shadow state from the last persisted snapshot so a
// restart does not orphan open positions.
func restorePositions(ctx context.Context, db *store.Store, state *shadow.State, logger *slog.Logger) {
	saved, err := db.LoadPositions(ctx)
	if err != nil {
		logger.Error("position restore failed", "error", err)
		return
	}
	if len(saved) == 0 {
		return
	}
	raw, err := json.Marshal(shadow.Snapshot{Positions: saved, TakenAt: time.Now().UTC()})
	if err != nil {
		logger.Error("position restore failed", "error", err)
		return
	}
	if err := state.Restore(raw); err != nil {
		logger.Error("position restore failed", "error", err)
		return
	}
	logger.Info("restored positions from store", "count", len(saved))
}

func snapshotPositions(ctx context.Context, db *store.Store, state *shadow.State, logger *slog.Logger) {
	for _, pos := range state.Positions() {
		if err := db.SavePosition(ctx, pos); err != nil {
			logger.Error("position snapshot failed", "symbol", pos.Symbol, "error", err)
		}
	}
}

func watchReloads(ctx context.Context, r *config.Reloader, b *console.Broadcaster, logger *slog.Logger) {
	updates := r.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case next := <-updates:
			logger.Info("config reloaded", "config", next.Summary())
			b.Publish(console.FrameConfigChange, next.Summary())
		case err := <-r.Errs():
			logger.Error("config reload rejected", "error", err)
		}
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "trace", "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error", "fatal":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
