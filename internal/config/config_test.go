package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := &Config{}
	cfg.Credentials.BrokerAPIKey = "key"
	cfg.Credentials.BrokerAPISecret = "secret"
	cfg.Credentials.HMACSecret = "0123456789abcdef0123456789abcdef"
	cfg.Risk.MaxRiskPct = 0.02
	cfg.Risk.Phase1RiskPct = 0.05
	cfg.Risk.Phase2RiskPct = 0.03
	cfg.Execution.MakerFeePct = 0.0005
	cfg.Execution.TakerFeePct = 0.0006
	cfg.Execution.RateLimitPerSec = 10
	cfg.Validation.MinStructureThreshold = 60
	cfg.Validation.CacheMaxAge = 100 * time.Millisecond
	cfg.Safety.ZScoreThreshold = -2.0
	cfg.Replay.MaxTimestampDrift = 5 * time.Second
	cfg.Database.Type = "sqlite"
	cfg.Logging.Level = "info"
	return cfg
}

func TestValidateAccepts(t *testing.T) {
	t.Parallel()
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"short hmac secret", func(c *Config) { c.Credentials.HMACSecret = "short" }},
		{"missing broker key", func(c *Config) { c.Credentials.BrokerAPIKey = "" }},
		{"max risk too high", func(c *Config) { c.Risk.MaxRiskPct = 0.5 }},
		{"max risk too low", func(c *Config) { c.Risk.MaxRiskPct = 0.001 }},
		{"taker fee out of range", func(c *Config) { c.Execution.TakerFeePct = 0.02 }},
		{"rate limit zero", func(c *Config) { c.Execution.RateLimitPerSec = 0 }},
		{"rate limit too high", func(c *Config) { c.Execution.RateLimitPerSec = 51 }},
		{"structure over 100", func(c *Config) { c.Validation.MinStructureThreshold = 101 }},
		{"cache age too small", func(c *Config) { c.Validation.CacheMaxAge = time.Millisecond }},
		{"positive zscore threshold", func(c *Config) { c.Safety.ZScoreThreshold = 1.0 }},
		{"drift too small", func(c *Config) { c.Replay.MaxTimestampDrift = 100 * time.Millisecond }},
		{"drift too large", func(c *Config) { c.Replay.MaxTimestampDrift = time.Minute }},
		{"bad database type", func(c *Config) { c.Database.Type = "mysql" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSummaryMasksSecrets(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	summary := cfg.Summary()

	hmac, _ := summary["hmac_secret"].(string)
	if hmac == cfg.Credentials.HMACSecret {
		t.Error("hmac secret leaked into summary")
	}
	key, _ := summary["broker_api_key"].(string)
	if key == cfg.Credentials.BrokerAPIKey && len(cfg.Credentials.BrokerAPIKey) > 4 {
		t.Error("broker api key leaked into summary")
	}
}
