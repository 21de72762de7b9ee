// Package config loads process configuration from the environment and the
// risk-control limits from a YAML file.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the engine process.
type Config struct {
	Port string

	// Database
	DBPath string

	// Engine
	ConcurrencyProfile string // "relaxed" or "hft"
	Replay             bool
	BarSizeSec         int

	// Market data
	FeedKind   string // "mock" or "stream"
	StreamURL  string
	Symbols    []string // "BASE/QUOTE" pairs
	PriceScale int64

	// Paper adapter simulation
	PaperFeeRate         float64 // decimal (e.g. 0.0004 = 4 bps)
	PaperSlippageBps     float64
	PaperLatencyMinMs    int
	PaperLatencyMaxMs    int
	PaperPartialFillProb float64
	PaperOrdersPerSec    float64

	// Risk control
	RiskConfigPath string
	RiskDisabled   bool

	// Audit
	DropCopyEnabled bool
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the process still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                 getEnv("PORT", "8080"),
		DBPath:               getEnv("DB_PATH", "./data/engine.db"),
		ConcurrencyProfile:   getEnv("CONCURRENCY_PROFILE", "relaxed"),
		Replay:               getEnv("REPLAY", "false") == "true",
		BarSizeSec:           getEnvInt("BAR_SIZE_SEC", 60),
		FeedKind:             getEnv("FEED_KIND", "mock"),
		StreamURL:            os.Getenv("STREAM_URL"),
		Symbols:              splitAndTrim(getEnv("SYMBOLS", "BTC/USDT,ETH/USDT")),
		PriceScale:           int64(getEnvInt("PRICE_SCALE", 100)),
		PaperFeeRate:         getEnvFloat("PAPER_FEE_RATE", 0.0004),
		PaperSlippageBps:     getEnvFloat("PAPER_SLIPPAGE_BPS", 2),
		PaperLatencyMinMs:    getEnvInt("PAPER_LATENCY_MIN_MS", 5),
		PaperLatencyMaxMs:    getEnvInt("PAPER_LATENCY_MAX_MS", 50),
		PaperPartialFillProb: getEnvFloat("PAPER_PARTIAL_FILL_PROB", 0.2),
		PaperOrdersPerSec:    getEnvFloat("PAPER_ORDERS_PER_SEC", 0),
		RiskConfigPath:       getEnv("RISK_CONFIG_PATH", "./risk.yaml"),
		RiskDisabled:         getEnv("RISK_DISABLED", "false") == "true",
		DropCopyEnabled:      getEnv("DROPCOPY_ENABLED", "true") == "true",
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
