// Package config loads the replication pipeline's configuration from
// environment variables (optionally via a .env file), using viper for
// binding and defaults. Grounded on the teacher's internal/config's
// Load/Validate shape, generalized from the Polymarket YAML-plus-env
// pattern in 0xtitan6-polymarket-mm/internal/config/config.go to a
// pure env-var surface, since §6 names environment variables as the
// configuration mechanism rather than a YAML file.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Strategy mirrors risk.Strategy's string values without importing
// package risk, which keeps config free of a dependency on the
// component it configures.
type Strategy string

const (
	CapitalProportional Strategy = "capital_proportional"
	FixedRatio           Strategy = "fixed_ratio"
	RiskBased            Strategy = "risk_based"
)

// Config is every tunable named in §6's configuration table.
type Config struct {
	LeaderClientID    string
	LeaderAPIKey      string
	LeaderAPISecret   string
	FollowerClientID  string
	FollowerAPIKey    string
	FollowerAPISecret string

	Environment   string // "sandbox" or "production"
	BrokerBaseURL string
	StreamURL     string

	SizingStrategy Strategy
	CopyRatio      decimal.Decimal
	MaxPositionPct decimal.Decimal
	MaxPositionVal decimal.Decimal

	RateLimitPerSecond float64
	RateLimitBackend   string // "local" or "redis"
	RedisAddr          string

	RetryAttempts          int
	RetryBaseDelay         time.Duration
	RetryBackoffMultiplier float64
	MaxBackoff             time.Duration

	CircuitThreshold   int
	CircuitSuccessNeed int
	CircuitTimeout     time.Duration

	HeartbeatTimeout     time.Duration
	MaxReconnectAttempts int

	FundsCacheTTL time.Duration

	StorePath   string
	StoreDriver string

	EnableCopyTrading bool
	DryRun            bool

	LogLevel   string
	HealthPort int
}

// Load reads a .env file if present (missing is not an error) then binds
// every recognized environment variable through viper, applying the
// defaults from §6.
func Load() (*Config, error) {
	_ = godotenv.Load() // optional; absence is fine in production where env is set directly

	v := viper.New()
	v.SetEnvPrefix("COPYTRADER")
	v.AutomaticEnv()

	bind := []string{
		"LEADER_CLIENT_ID", "LEADER_API_KEY", "LEADER_API_SECRET",
		"FOLLOWER_CLIENT_ID", "FOLLOWER_API_KEY", "FOLLOWER_API_SECRET",
		"ENVIRONMENT", "BROKER_BASE_URL", "STREAM_URL",
		"SIZING_STRATEGY", "COPY_RATIO", "MAX_POSITION_PCT", "MAX_POSITION_VALUE",
		"RATE_LIMIT_PER_SECOND", "RATE_LIMIT_BACKEND", "REDIS_ADDR",
		"RETRY_ATTEMPTS", "RETRY_BASE_DELAY_MS", "RETRY_BACKOFF_MULTIPLIER", "MAX_BACKOFF_MS",
		"CIRCUIT_THRESHOLD", "CIRCUIT_SUCCESS_THRESHOLD", "CIRCUIT_TIMEOUT_MS",
		"HEARTBEAT_TIMEOUT_MS", "MAX_RECONNECT_ATTEMPTS",
		"FUNDS_CACHE_TTL_MS",
		"STORE_PATH", "STORE_DRIVER",
		"ENABLE_COPY_TRADING", "DRY_RUN",
		"LOG_LEVEL", "HEALTH_PORT",
	}
	for _, key := range bind {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	v.SetDefault("ENVIRONMENT", "sandbox")
	v.SetDefault("SIZING_STRATEGY", string(CapitalProportional))
	v.SetDefault("COPY_RATIO", "1")
	v.SetDefault("MAX_POSITION_PCT", "0")
	v.SetDefault("MAX_POSITION_VALUE", "0")
	v.SetDefault("RATE_LIMIT_PER_SECOND", 5.0)
	v.SetDefault("RATE_LIMIT_BACKEND", "local")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("RETRY_ATTEMPTS", 3)
	v.SetDefault("RETRY_BASE_DELAY_MS", 500)
	v.SetDefault("RETRY_BACKOFF_MULTIPLIER", 2.0)
	v.SetDefault("MAX_BACKOFF_MS", 30000)
	v.SetDefault("CIRCUIT_THRESHOLD", 5)
	v.SetDefault("CIRCUIT_SUCCESS_THRESHOLD", 2)
	v.SetDefault("CIRCUIT_TIMEOUT_MS", 60000)
	v.SetDefault("HEARTBEAT_TIMEOUT_MS", 15000)
	v.SetDefault("MAX_RECONNECT_ATTEMPTS", 10)
	v.SetDefault("FUNDS_CACHE_TTL_MS", 5000)
	v.SetDefault("STORE_PATH", "data/copytrader.db")
	v.SetDefault("STORE_DRIVER", "sqlite")
	v.SetDefault("ENABLE_COPY_TRADING", false)
	v.SetDefault("DRY_RUN", true)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HEALTH_PORT", 9090)

	copyRatio, err := decimal.NewFromString(v.GetString("COPY_RATIO"))
	if err != nil {
		return nil, fmt.Errorf("config: COPY_RATIO: %w", err)
	}
	maxPositionPct, err := decimal.NewFromString(v.GetString("MAX_POSITION_PCT"))
	if err != nil {
		return nil, fmt.Errorf("config: MAX_POSITION_PCT: %w", err)
	}
	maxPositionVal, err := decimal.NewFromString(v.GetString("MAX_POSITION_VALUE"))
	if err != nil {
		return nil, fmt.Errorf("config: MAX_POSITION_VALUE: %w", err)
	}

	cfg := &Config{
		LeaderClientID:    v.GetString("LEADER_CLIENT_ID"),
		LeaderAPIKey:      v.GetString("LEADER_API_KEY"),
		LeaderAPISecret:   v.GetString("LEADER_API_SECRET"),
		FollowerClientID:  v.GetString("FOLLOWER_CLIENT_ID"),
		FollowerAPIKey:    v.GetString("FOLLOWER_API_KEY"),
		FollowerAPISecret: v.GetString("FOLLOWER_API_SECRET"),

		Environment:   v.GetString("ENVIRONMENT"),
		BrokerBaseURL: v.GetString("BROKER_BASE_URL"),
		StreamURL:     v.GetString("STREAM_URL"),

		SizingStrategy: Strategy(v.GetString("SIZING_STRATEGY")),
		CopyRatio:      copyRatio,
		MaxPositionPct: maxPositionPct,
		MaxPositionVal: maxPositionVal,

		RateLimitPerSecond: v.GetFloat64("RATE_LIMIT_PER_SECOND"),
		RateLimitBackend:   v.GetString("RATE_LIMIT_BACKEND"),
		RedisAddr:          v.GetString("REDIS_ADDR"),

		RetryAttempts:          v.GetInt("RETRY_ATTEMPTS"),
		RetryBaseDelay:         time.Duration(v.GetInt("RETRY_BASE_DELAY_MS")) * time.Millisecond,
		RetryBackoffMultiplier: v.GetFloat64("RETRY_BACKOFF_MULTIPLIER"),
		MaxBackoff:             time.Duration(v.GetInt("MAX_BACKOFF_MS")) * time.Millisecond,

		CircuitThreshold:   v.GetInt("CIRCUIT_THRESHOLD"),
		CircuitSuccessNeed: v.GetInt("CIRCUIT_SUCCESS_THRESHOLD"),
		CircuitTimeout:     time.Duration(v.GetInt("CIRCUIT_TIMEOUT_MS")) * time.Millisecond,

		HeartbeatTimeout:     time.Duration(v.GetInt("HEARTBEAT_TIMEOUT_MS")) * time.Millisecond,
		MaxReconnectAttempts: v.GetInt("MAX_RECONNECT_ATTEMPTS"),

		FundsCacheTTL: time.Duration(v.GetInt("FUNDS_CACHE_TTL_MS")) * time.Millisecond,

		StorePath:   v.GetString("STORE_PATH"),
		StoreDriver: v.GetString("STORE_DRIVER"),

		EnableCopyTrading: v.GetBool("ENABLE_COPY_TRADING"),
		DryRun:            v.GetBool("DRY_RUN"),

		LogLevel:   v.GetString("LOG_LEVEL"),
		HealthPort: v.GetInt("HEALTH_PORT"),
	}

	return cfg, cfg.Validate()
}

// Validate checks required fields and value ranges, per the teacher's
// Validate-after-Load convention.
func (c *Config) Validate() error {
	if c.LeaderClientID == "" || c.FollowerClientID == "" {
		return fmt.Errorf("config: LEADER_CLIENT_ID and FOLLOWER_CLIENT_ID are required")
	}
	if c.BrokerBaseURL == "" {
		return fmt.Errorf("config: BROKER_BASE_URL is required")
	}
	if c.StreamURL == "" {
		return fmt.Errorf("config: STREAM_URL is required")
	}
	switch c.SizingStrategy {
	case CapitalProportional, FixedRatio, RiskBased:
	default:
		return fmt.Errorf("config: SIZING_STRATEGY must be one of capital_proportional, fixed_ratio, risk_based, got %q", c.SizingStrategy)
	}
	if c.RateLimitPerSecond <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_PER_SECOND must be > 0")
	}
	if c.RateLimitBackend != "local" && c.RateLimitBackend != "redis" {
		return fmt.Errorf("config: RATE_LIMIT_BACKEND must be local or redis, got %q", c.RateLimitBackend)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("config: RETRY_ATTEMPTS must be >= 1")
	}
	return nil
}
