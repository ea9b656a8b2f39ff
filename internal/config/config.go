// Package config defines all configuration for the execution core.
//
// Configuration is environment-first: every knob is an environment variable,
// optionally seeded from a .env file (godotenv) and overridable by a YAML
// overlay file (TITAN_CONFIG) that is watched for hot reload. Validation is
// fail-fast — the process exits with code 1 on any violation at boot.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the top-level configuration snapshot. Snapshots are immutable;
// hot reload produces a fresh value and publishes it to subscribers.
type Config struct {
	Credentials CredentialsConfig
	Risk        RiskConfig
	Execution   ExecutionConfig
	Validation  ValidationConfig
	Safety      SafetyConfig
	Replay      ReplayConfig
	Server      ServerConfig
	Broker      BrokerConfig
	Market      MarketConfig
	Console     ConsoleConfig
	Database    DatabaseConfig
	Logging     LoggingConfig
}

// CredentialsConfig holds broker and webhook secrets.
type CredentialsConfig struct {
	BrokerAPIKey    string
	BrokerAPISecret string
	HMACSecret      string
}

// RiskConfig bounds per-trade risk across phases.
type RiskConfig struct {
	MaxRiskPct    float64 // hard ceiling across all phases
	Phase1RiskPct float64
	Phase2RiskPct float64
}

// ExecutionConfig tunes fees, rate limiting, and chase behavior.
type ExecutionConfig struct {
	MakerFeePct     float64
	TakerFeePct     float64
	RateLimitPerSec int

	ChaseInterval     time.Duration
	MaxChaseTime      time.Duration
	MaxChaseTicks     int
	MinAlphaThreshold float64
	PollInterval      time.Duration // limit-or-kill status poll
	FillWindow        time.Duration // limit-or-kill total wait
}

// ValidationConfig tunes the L2 microstructure validator and book cache.
type ValidationConfig struct {
	MinStructureThreshold float64
	MaxSpreadPct          float64
	MaxSlippagePct        float64
	CacheMaxAge           time.Duration // WS_CACHE_MAX_AGE_MS
	OBIDepth              int
}

// SafetyConfig tunes circuit breakers and kill switches.
type SafetyConfig struct {
	MaxConsecutiveLosses  int
	MaxDailyDrawdownPct   float64
	MaxWeeklyDrawdownPct  float64
	CircuitBreakerCooldown time.Duration // CIRCUIT_BREAKER_COOLDOWN_HOURS
	ZScoreThreshold       float64        // must be <= 0
	ZScoreWindow          int
	DrawdownVelocityPct   float64
	DrawdownTimeWindow    time.Duration

	HeartbeatExpected  time.Duration
	HeartbeatCheck     time.Duration
	MaxMissedHeartbeats int

	ReconcileInterval        time.Duration
	MaxConsecutiveMismatches int
	ReconcileSizeEpsilon     float64

	AssetWhitelist []string // empty = whitelist not enforced
	FundingBandMin float64  // SHORT entries blocked when funding below this
	FundingBandMax float64  // LONG entries blocked when funding above this

	// MasterArmOnBoot arms execution at startup. Off by default: a fresh
	// deploy must be armed deliberately.
	MasterArmOnBoot bool
}

// ReplayConfig tunes the anti-replay admission checks.
type ReplayConfig struct {
	MaxTimestampDrift time.Duration // MAX_TIMESTAMP_DRIFT_MS
	SignalCacheTTL    time.Duration // SIGNAL_CACHE_TTL_MS
	RedisAddr         string        // empty = in-memory only
}

// ServerConfig holds the webhook/console HTTP listener settings.
type ServerConfig struct {
	ListenAddr     string
	AllowedSources []string // X-Source allow-list
}

// BrokerConfig holds broker REST/WS endpoints.
type BrokerConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
}

// MarketConfig holds the market data feed settings.
type MarketConfig struct {
	FeedURL string
	Symbols []string
}

// ConsoleConfig tunes the operator console fan-out.
type ConsoleConfig struct {
	MaxClients        int
	HeartbeatInterval time.Duration
	SnapshotInterval  time.Duration
	BatchInterval     time.Duration
	MaxBatchSize      int
	CompressThreshold int // bytes
}

// DatabaseConfig selects and configures the persistence backend.
type DatabaseConfig struct {
	Type string // postgres | sqlite
	DSN  string
}

type LoggingConfig struct {
	Level  string
	Format string // json | text
}

// Load reads configuration from the environment (plus optional .env and the
// TITAN_CONFIG YAML overlay) and validates it.
func Load() (*Config, *viper.Viper, error) {
	// .env is optional; ignore absence.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if overlay := v.GetString("TITAN_CONFIG"); overlay != "" {
		v.SetConfigFile(overlay)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("read config overlay: %w", err)
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("MAX_RISK_PCT", 0.02)
	v.SetDefault("PHASE_1_RISK_PCT", 0.05)
	v.SetDefault("PHASE_2_RISK_PCT", 0.03)

	v.SetDefault("MAKER_FEE_PCT", 0.0005)
	v.SetDefault("TAKER_FEE_PCT", 0.0006)
	v.SetDefault("RATE_LIMIT_PER_SEC", 10)
	v.SetDefault("CHASE_INTERVAL_MS", 200)
	v.SetDefault("MAX_CHASE_TIME_MS", 1000)
	v.SetDefault("MAX_CHASE_TICKS", 5)
	v.SetDefault("MIN_ALPHA_THRESHOLD", 0.3)
	v.SetDefault("FILL_POLL_INTERVAL_MS", 100)
	v.SetDefault("FILL_WINDOW_MS", 5000)

	v.SetDefault("MIN_STRUCTURE_THRESHOLD", 60.0)
	v.SetDefault("MAX_SPREAD_PCT", 0.1)
	v.SetDefault("MAX_SLIPPAGE_PCT", 0.15)
	v.SetDefault("WS_CACHE_MAX_AGE_MS", 100)
	v.SetDefault("OBI_DEPTH", 5)

	v.SetDefault("MAX_CONSECUTIVE_LOSSES", 3)
	v.SetDefault("MAX_DAILY_DRAWDOWN_PCT", 5.0)
	v.SetDefault("MAX_WEEKLY_DRAWDOWN_PCT", 10.0)
	v.SetDefault("CIRCUIT_BREAKER_COOLDOWN_HOURS", 4)
	v.SetDefault("ZSCORE_SAFETY_THRESHOLD", -2.0)
	v.SetDefault("ZSCORE_WINDOW", 20)
	v.SetDefault("DRAWDOWN_VELOCITY_THRESHOLD", 2.0)
	v.SetDefault("DRAWDOWN_TIME_WINDOW_MS", 300_000)

	v.SetDefault("HEARTBEAT_EXPECTED_INTERVAL_MS", 60_000)
	v.SetDefault("HEARTBEAT_CHECK_INTERVAL_MS", 15_000)
	v.SetDefault("MAX_MISSED_HEARTBEATS", 3)

	v.SetDefault("RECONCILE_INTERVAL_MS", 5000)
	v.SetDefault("MAX_CONSECUTIVE_MISMATCHES", 3)
	v.SetDefault("RECONCILE_SIZE_EPSILON", 0.0)
	v.SetDefault("FUNDING_BAND_MIN", -0.01)
	v.SetDefault("FUNDING_BAND_MAX", 0.01)
	v.SetDefault("MASTER_ARM_ON_BOOT", false)

	v.SetDefault("MAX_TIMESTAMP_DRIFT_MS", 5000)
	v.SetDefault("SIGNAL_CACHE_TTL_MS", 300_000)

	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("WEBHOOK_ALLOWED_SOURCES", "tradingview,titan-brain")
	v.SetDefault("BROKER_REQUEST_TIMEOUT_MS", 10_000)

	v.SetDefault("CONSOLE_MAX_CLIENTS", 8)
	v.SetDefault("CONSOLE_HEARTBEAT_INTERVAL_MS", 30_000)
	v.SetDefault("CONSOLE_SNAPSHOT_INTERVAL_MS", 1000)
	v.SetDefault("CONSOLE_BATCH_INTERVAL_MS", 250)
	v.SetDefault("CONSOLE_MAX_BATCH_SIZE", 32)
	v.SetDefault("CONSOLE_COMPRESS_THRESHOLD", 2048)

	v.SetDefault("DATABASE_TYPE", "sqlite")
	v.SetDefault("DATABASE_DSN", "titan.db")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

func fromViper(v *viper.Viper) *Config {
	ms := func(key string) time.Duration {
		return time.Duration(v.GetInt64(key)) * time.Millisecond
	}
	list := func(key string) []string {
		raw := v.GetString(key)
		if raw == "" {
			return nil
		}
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}

	return &Config{
		Credentials: CredentialsConfig{
			BrokerAPIKey:    v.GetString("BROKER_API_KEY"),
			BrokerAPISecret: v.GetString("BROKER_API_SECRET"),
			HMACSecret:      v.GetString("HMAC_SECRET"),
		},
		Risk: RiskConfig{
			MaxRiskPct:    v.GetFloat64("MAX_RISK_PCT"),
			Phase1RiskPct: v.GetFloat64("PHASE_1_RISK_PCT"),
			Phase2RiskPct: v.GetFloat64("PHASE_2_RISK_PCT"),
		},
		Execution: ExecutionConfig{
			MakerFeePct:       v.GetFloat64("MAKER_FEE_PCT"),
			TakerFeePct:       v.GetFloat64("TAKER_FEE_PCT"),
			RateLimitPerSec:   v.GetInt("RATE_LIMIT_PER_SEC"),
			ChaseInterval:     ms("CHASE_INTERVAL_MS"),
			MaxChaseTime:      ms("MAX_CHASE_TIME_MS"),
			MaxChaseTicks:     v.GetInt("MAX_CHASE_TICKS"),
			MinAlphaThreshold: v.GetFloat64("MIN_ALPHA_THRESHOLD"),
			PollInterval:      ms("FILL_POLL_INTERVAL_MS"),
			FillWindow:        ms("FILL_WINDOW_MS"),
		},
		Validation: ValidationConfig{
			MinStructureThreshold: v.GetFloat64("MIN_STRUCTURE_THRESHOLD"),
			MaxSpreadPct:          v.GetFloat64("MAX_SPREAD_PCT"),
			MaxSlippagePct:        v.GetFloat64("MAX_SLIPPAGE_PCT"),
			CacheMaxAge:           ms("WS_CACHE_MAX_AGE_MS"),
			OBIDepth:              v.GetInt("OBI_DEPTH"),
		},
		Safety: SafetyConfig{
			MaxConsecutiveLosses:   v.GetInt("MAX_CONSECUTIVE_LOSSES"),
			MaxDailyDrawdownPct:    v.GetFloat64("MAX_DAILY_DRAWDOWN_PCT"),
			MaxWeeklyDrawdownPct:   v.GetFloat64("MAX_WEEKLY_DRAWDOWN_PCT"),
			CircuitBreakerCooldown: time.Duration(v.GetInt("CIRCUIT_BREAKER_COOLDOWN_HOURS")) * time.Hour,
			ZScoreThreshold:        v.GetFloat64("ZSCORE_SAFETY_THRESHOLD"),
			ZScoreWindow:           v.GetInt("ZSCORE_WINDOW"),
			DrawdownVelocityPct:    v.GetFloat64("DRAWDOWN_VELOCITY_THRESHOLD"),
			DrawdownTimeWindow:     ms("DRAWDOWN_TIME_WINDOW_MS"),

			HeartbeatExpected:   ms("HEARTBEAT_EXPECTED_INTERVAL_MS"),
			HeartbeatCheck:      ms("HEARTBEAT_CHECK_INTERVAL_MS"),
			MaxMissedHeartbeats: v.GetInt("MAX_MISSED_HEARTBEATS"),

			ReconcileInterval:        ms("RECONCILE_INTERVAL_MS"),
			MaxConsecutiveMismatches: v.GetInt("MAX_CONSECUTIVE_MISMATCHES"),
			ReconcileSizeEpsilon:     v.GetFloat64("RECONCILE_SIZE_EPSILON"),

			AssetWhitelist:  list("ASSET_WHITELIST"),
			FundingBandMin:  v.GetFloat64("FUNDING_BAND_MIN"),
			FundingBandMax:  v.GetFloat64("FUNDING_BAND_MAX"),
			MasterArmOnBoot: v.GetBool("MASTER_ARM_ON_BOOT"),
		},
		Replay: ReplayConfig{
			MaxTimestampDrift: ms("MAX_TIMESTAMP_DRIFT_MS"),
			SignalCacheTTL:    ms("SIGNAL_CACHE_TTL_MS"),
			RedisAddr:         v.GetString("REDIS_ADDR"),
		},
		Server: ServerConfig{
			ListenAddr:     v.GetString("LISTEN_ADDR"),
			AllowedSources: list("WEBHOOK_ALLOWED_SOURCES"),
		},
		Broker: BrokerConfig{
			BaseURL:        v.GetString("BROKER_BASE_URL"),
			RequestTimeout: ms("BROKER_REQUEST_TIMEOUT_MS"),
		},
		Market: MarketConfig{
			FeedURL: v.GetString("MARKET_FEED_URL"),
			Symbols: list("MARKET_SYMBOLS"),
		},
		Console: ConsoleConfig{
			MaxClients:        v.GetInt("CONSOLE_MAX_CLIENTS"),
			HeartbeatInterval: ms("CONSOLE_HEARTBEAT_INTERVAL_MS"),
			SnapshotInterval:  ms("CONSOLE_SNAPSHOT_INTERVAL_MS"),
			BatchInterval:     ms("CONSOLE_BATCH_INTERVAL_MS"),
			MaxBatchSize:      v.GetInt("CONSOLE_MAX_BATCH_SIZE"),
			CompressThreshold: v.GetInt("CONSOLE_COMPRESS_THRESHOLD"),
		},
		Database: DatabaseConfig{
			Type: v.GetString("DATABASE_TYPE"),
			DSN:  v.GetString("DATABASE_DSN"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Credentials.BrokerAPIKey == "" {
		return fmt.Errorf("BROKER_API_KEY is required")
	}
	if c.Credentials.BrokerAPISecret == "" {
		return fmt.Errorf("BROKER_API_SECRET is required")
	}
	if len(c.Credentials.HMACSecret) < 32 {
		return fmt.Errorf("HMAC_SECRET must be at least 32 characters")
	}
	if c.Risk.MaxRiskPct < 0.01 || c.Risk.MaxRiskPct > 0.20 {
		return fmt.Errorf("MAX_RISK_PCT must be in [0.01, 0.20], got %v", c.Risk.MaxRiskPct)
	}
	if c.Risk.Phase1RiskPct < 0.01 || c.Risk.Phase1RiskPct > 0.50 {
		return fmt.Errorf("PHASE_1_RISK_PCT must be in [0.01, 0.50], got %v", c.Risk.Phase1RiskPct)
	}
	if c.Risk.Phase2RiskPct < 0.01 || c.Risk.Phase2RiskPct > 0.50 {
		return fmt.Errorf("PHASE_2_RISK_PCT must be in [0.01, 0.50], got %v", c.Risk.Phase2RiskPct)
	}
	if c.Execution.MakerFeePct < 0 || c.Execution.MakerFeePct > 0.01 {
		return fmt.Errorf("MAKER_FEE_PCT must be in [0, 0.01], got %v", c.Execution.MakerFeePct)
	}
	if c.Execution.TakerFeePct < 0 || c.Execution.TakerFeePct > 0.01 {
		return fmt.Errorf("TAKER_FEE_PCT must be in [0, 0.01], got %v", c.Execution.TakerFeePct)
	}
	if c.Execution.RateLimitPerSec < 1 || c.Execution.RateLimitPerSec > 50 {
		return fmt.Errorf("RATE_LIMIT_PER_SEC must be in [1, 50], got %d", c.Execution.RateLimitPerSec)
	}
	if c.Validation.MinStructureThreshold < 0 || c.Validation.MinStructureThreshold > 100 {
		return fmt.Errorf("MIN_STRUCTURE_THRESHOLD must be in [0, 100], got %v", c.Validation.MinStructureThreshold)
	}
	if age := c.Validation.CacheMaxAge; age < 10*time.Millisecond || age > time.Second {
		return fmt.Errorf("WS_CACHE_MAX_AGE_MS must be in [10, 1000], got %v", age)
	}
	if c.Safety.ZScoreThreshold > 0 {
		return fmt.Errorf("ZSCORE_SAFETY_THRESHOLD must be <= 0, got %v", c.Safety.ZScoreThreshold)
	}
	if c.Safety.FundingBandMin > c.Safety.FundingBandMax {
		return fmt.Errorf("FUNDING_BAND_MIN must not exceed FUNDING_BAND_MAX")
	}
	if d := c.Replay.MaxTimestampDrift; d < time.Second || d > 30*time.Second {
		return fmt.Errorf("MAX_TIMESTAMP_DRIFT_MS must be in [1000, 30000], got %v", d)
	}
	switch c.Database.Type {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("DATABASE_TYPE must be postgres or sqlite, got %q", c.Database.Type)
	}
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of trace|debug|info|warn|error|fatal, got %q", c.Logging.Level)
	}
	return nil
}

// Summary returns a loggable map of the effective configuration with secrets
// masked.
func (c *Config) Summary() map[string]any {
	return map[string]any{
		"broker_api_key":     mask(c.Credentials.BrokerAPIKey),
		"hmac_secret":        mask(c.Credentials.HMACSecret),
		"max_risk_pct":       c.Risk.MaxRiskPct,
		"rate_limit_per_sec": c.Execution.RateLimitPerSec,
		"database_type":      c.Database.Type,
		"redis_addr":         c.Replay.RedisAddr,
		"listen_addr":        c.Server.ListenAddr,
		"log_level":          c.Logging.Level,
	}
}

func mask(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

// Reloader watches the YAML overlay (when configured) and publishes freshly
// validated snapshots to subscribers. Snapshots that fail validation are
// dropped and logged by the caller via the Errs channel.
type Reloader struct {
	v *viper.Viper

	mu   sync.Mutex
	subs []chan *Config
	errs chan error
}

// NewReloader wires hot reload on the viper instance returned by Load.
func NewReloader(v *viper.Viper) *Reloader {
	r := &Reloader{v: v, errs: make(chan error, 4)}
	if v.ConfigFileUsed() != "" {
		v.OnConfigChange(func(fsnotify.Event) { r.publish() })
		v.WatchConfig()
	}
	return r
}

// Subscribe returns a channel that receives each validated config snapshot.
func (r *Reloader) Subscribe() <-chan *Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan *Config, 1)
	r.subs = append(r.subs, ch)
	return ch
}

// Errs surfaces reload validation failures.
func (r *Reloader) Errs() <-chan error { return r.errs }

func (r *Reloader) publish() {
	cfg := fromViper(r.v)
	if err := cfg.Validate(); err != nil {
		select {
		case r.errs <- fmt.Errorf("config reload rejected: %w", err):
		default:
		}
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- cfg:
		default:
			// Subscriber is slow; drop the stale snapshot and deliver the new one.
			select {
			case <-ch:
			default:
			}
			ch <- cfg
		}
	}
}
