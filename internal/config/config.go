// Package config loads runtime configuration from the environment. A .env
// file in the working directory is read first when present; variables
// already set in the environment win over it.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/mqk/execution-engine/internal/execution"
)

const (
	BrokerPaper  = "paper"
	BrokerAlpaca = "alpaca"
)

// Config holds all runtime configuration for the execution engine. Money
// values are micros.
type Config struct {
	Port     int
	LogLevel string

	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	// RunID scopes the outbox and inbox. A restart must reuse it for
	// recovery to find in-doubt rows.
	RunID        string
	RunIDDefault bool

	DispatcherID      string
	DispatchInterval  time.Duration
	DispatchBatch     int
	ClaimTTL          time.Duration
	SweepInterval     time.Duration
	ReconcileInterval time.Duration
	ReconcileFresh    time.Duration

	InitialCashMicros  int64
	MaxGrossMicros     int64
	MaxPerSymbolMicros int64

	Broker          string
	AlpacaAPIKey    string
	AlpacaAPISecret string
	AlpacaBaseURL   string

	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, applies defaults,
// and validates values. It returns an error for any invalid value.
func Load() (*Config, error) {
	_ = godotenv.Load()

	port, err := getInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}

	logLevel := strings.ToLower(getStr("LOG_LEVEL", "info"))
	if !isValidLogLevel(logLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", logLevel)
	}

	cfg := &Config{
		Port:            port,
		LogLevel:        logLevel,
		DatabaseURL:     getStr("DATABASE_URL", ""),
		RedisURL:        getStr("REDIS_URL", ""),
		DispatcherID:    getStr("DISPATCHER_ID", defaultDispatcherID()),
		Broker:          strings.ToLower(getStr("BROKER", BrokerPaper)),
		AlpacaAPIKey:    getStr("ALPACA_API_KEY", ""),
		AlpacaAPISecret: getStr("ALPACA_API_SECRET", ""),
		AlpacaBaseURL:   getStr("ALPACA_BASE_URL", "https://paper-api.alpaca.markets"),
	}

	cfg.RunID = getStr("RUN_ID", "")
	if cfg.RunID == "" {
		cfg.RunID, cfg.RunIDDefault = uuid.NewString(), true
	} else if _, err := uuid.Parse(cfg.RunID); err != nil {
		return nil, fmt.Errorf("invalid RUN_ID: %w", err)
	}

	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"CACHE_TTL", 30 * time.Second, &cfg.CacheTTL},
		{"DISPATCH_INTERVAL", 500 * time.Millisecond, &cfg.DispatchInterval},
		{"CLAIM_TTL", 2 * time.Minute, &cfg.ClaimTTL},
		{"SWEEP_INTERVAL", 30 * time.Second, &cfg.SweepInterval},
		{"RECONCILE_INTERVAL", 15 * time.Second, &cfg.ReconcileInterval},
		{"RECONCILE_FRESHNESS", time.Minute, &cfg.ReconcileFresh},
		{"SHUTDOWN_TIMEOUT", 10 * time.Second, &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		v, err := getDuration(d.key, d.def)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		if v <= 0 {
			return nil, fmt.Errorf("invalid %s: must be positive, got %s", d.key, v)
		}
		*d.dst = v
	}

	if cfg.DispatchBatch, err = getInt("DISPATCH_BATCH", 50); err != nil {
		return nil, fmt.Errorf("invalid DISPATCH_BATCH: %w", err)
	}
	if cfg.DispatchBatch <= 0 {
		return nil, fmt.Errorf("invalid DISPATCH_BATCH: must be positive, got %d", cfg.DispatchBatch)
	}

	money := []struct {
		key string
		def string
		dst *int64
	}{
		{"INITIAL_CASH", "100000", &cfg.InitialCashMicros},
		{"MAX_GROSS_EXPOSURE", "0", &cfg.MaxGrossMicros},
		{"MAX_SYMBOL_EXPOSURE", "0", &cfg.MaxPerSymbolMicros},
	}
	for _, m := range money {
		v, err := getMicros(m.key, m.def)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", m.key, err)
		}
		if v < 0 {
			return nil, fmt.Errorf("invalid %s: must not be negative", m.key)
		}
		*m.dst = v
	}

	switch cfg.Broker {
	case BrokerPaper:
	case BrokerAlpaca:
		if cfg.AlpacaAPIKey == "" || cfg.AlpacaAPISecret == "" {
			return nil, fmt.Errorf("BROKER=alpaca requires ALPACA_API_KEY and ALPACA_API_SECRET")
		}
	default:
		return nil, fmt.Errorf("invalid BROKER: %q, must be one of: paper, alpaca", cfg.Broker)
	}

	return cfg, nil
}

// SlogLevel maps LogLevel onto a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func defaultDispatcherID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

// getMicros parses a decimal amount such as "100000.00" into micros.
func getMicros(key, defaultVal string) (int64, error) {
	d, err := decimal.NewFromString(getStr(key, defaultVal))
	if err != nil {
		return 0, err
	}
	return execution.DecimalToMicros(d)
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
