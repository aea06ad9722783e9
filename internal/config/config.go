package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all runtime configuration for the brokerage engine.
type Config struct {
	Port        int
	LogLevel    string
	DatabaseURL string
	RedisURL    string
	TickChannel string

	CommissionRate    decimal.Decimal
	CommissionMin     decimal.Decimal
	SettlementLagDays int
	InitialCash       decimal.Decimal

	CacheTTL        time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, applies defaults,
// and validates values. It returns an error for any invalid value.
func Load() (*Config, error) {
	port, err := getInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}

	logLevel := getStr("LOG_LEVEL", "info")
	if !isValidLogLevel(logLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", logLevel)
	}

	commissionRate, err := getDecimal("COMMISSION_RATE", "0.00015")
	if err != nil {
		return nil, fmt.Errorf("invalid COMMISSION_RATE: %w", err)
	}
	if commissionRate.IsNegative() {
		return nil, fmt.Errorf("invalid COMMISSION_RATE: must not be negative")
	}

	commissionMin, err := getDecimal("COMMISSION_MIN", "100")
	if err != nil {
		return nil, fmt.Errorf("invalid COMMISSION_MIN: %w", err)
	}
	if commissionMin.IsNegative() {
		return nil, fmt.Errorf("invalid COMMISSION_MIN: must not be negative")
	}

	settlementLag, err := getInt("SETTLEMENT_LAG_DAYS", 3)
	if err != nil {
		return nil, fmt.Errorf("invalid SETTLEMENT_LAG_DAYS: %w", err)
	}
	if settlementLag < 0 {
		return nil, fmt.Errorf("invalid SETTLEMENT_LAG_DAYS: must not be negative")
	}

	initialCash, err := getDecimal("INITIAL_CASH", "100000000")
	if err != nil {
		return nil, fmt.Errorf("invalid INITIAL_CASH: %w", err)
	}
	if initialCash.IsNegative() {
		return nil, fmt.Errorf("invalid INITIAL_CASH: must not be negative")
	}

	cacheTTL, err := getDuration("CACHE_TTL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid CACHE_TTL: %w", err)
	}

	readTimeout, err := getDuration("READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid READ_TIMEOUT: %w", err)
	}

	writeTimeout, err := getDuration("WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid WRITE_TIMEOUT: %w", err)
	}

	idleTimeout, err := getDuration("IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid IDLE_TIMEOUT: %w", err)
	}

	shutdownTimeout, err := getDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	return &Config{
		Port:              port,
		LogLevel:          logLevel,
		DatabaseURL:       getStr("DATABASE_URL", ""),
		RedisURL:          getStr("REDIS_URL", ""),
		TickChannel:       getStr("TICK_CHANNEL", "ticks"),
		CommissionRate:    commissionRate,
		CommissionMin:     commissionMin,
		SettlementLagDays: settlementLag,
		InitialCash:       initialCash,
		CacheTTL:          cacheTTL,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ShutdownTimeout:   shutdownTimeout,
	}, nil
}

// SlogLevel maps the configured log level onto a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
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

func getDecimal(key, defaultVal string) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		v = defaultVal
	}
	return decimal.NewFromString(v)
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
