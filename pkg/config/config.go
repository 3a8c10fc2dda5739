package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the replication engine.
type Config struct {
	Port string

	// Database
	DBPath string

	// Bootstrap config (masters + relationships) synced into the DB on start.
	BootstrapPath string

	// Venues
	Platforms        []string
	VenueRatePerSec  float64
	VenueBurst       int
	WorkersPerVenue  int
	DryRun           bool
	MockFeeRate      float64 // decimal (e.g. 0.0004 = 4 bps)
	MockSlippageBps  float64 // slippage applied on simulated fills (bps)
	MockLatencyMinMs int     // simulated venue latency lower bound
	MockLatencyMaxMs int     // simulated venue latency upper bound

	// Retry policy
	RetryMaxAttempts int
	RetryBackoffBase time.Duration
	RetryBackoffCap  time.Duration

	// Risk monitor
	RiskMonitorInterval time.Duration

	// Auth
	JWTSecret string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                getEnv("PORT", "8080"),
		DBPath:              getEnv("DB_PATH", "./data/copytrade.db"),
		BootstrapPath:       getEnv("BOOTSTRAP_PATH", ""),
		Platforms:           splitAndTrim(getEnv("PLATFORMS", "binance,bybit")),
		VenueRatePerSec:     getEnvFloat("VENUE_RATE_PER_SEC", 50),
		VenueBurst:          getEnvInt("VENUE_BURST", 100),
		WorkersPerVenue:     getEnvInt("WORKERS_PER_VENUE", 8),
		DryRun:              getEnv("DRY_RUN", "true") == "true",
		MockFeeRate:         getEnvFloat("MOCK_FEE_RATE", 0.0004),
		MockSlippageBps:     getEnvFloat("MOCK_SLIPPAGE_BPS", 2),
		MockLatencyMinMs:    getEnvInt("MOCK_LATENCY_MIN_MS", 0),
		MockLatencyMaxMs:    getEnvInt("MOCK_LATENCY_MAX_MS", 0),
		RetryMaxAttempts:    getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBackoffBase:    getEnvDuration("RETRY_BACKOFF_BASE", 200*time.Millisecond),
		RetryBackoffCap:     getEnvDuration("RETRY_BACKOFF_CAP", 2*time.Second),
		RiskMonitorInterval: getEnvDuration("RISK_MONITOR_INTERVAL", 5*time.Second),
		JWTSecret:           getEnv("JWT_SECRET", "dev-secret"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
