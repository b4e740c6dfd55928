// Package config loads engine configuration from the environment (via a
// .env file when present) and strategy instances from YAML.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the trading engine.
type Config struct {
	Port   string
	DBPath string

	// Market data
	Symbols     []string
	Interval    string
	UseMockFeed bool

	// Execution
	DryRun         bool
	InitialBalance float64
	BalanceSource  string // "fixed" or "exchange"
	FeeRate        float64
	SlippageBps    float64

	// Binance
	BinanceAPIKey    string
	BinanceAPISecret string
	BinanceTestnet   bool

	// API server
	JWTSecret string

	// Alerting
	TelegramToken  string
	TelegramChatID int64

	// Strategy instances
	StrategyConfig string

	// Risk limit overrides, wire-keyed, only the keys set in the env.
	RiskOverrides map[string]any
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the engine still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		DBPath:           getEnv("DB_PATH", "./data/trading.db"),
		Symbols:          splitAndTrim(getEnv("SYMBOLS", "BTCUSDT,ETHUSDT")),
		Interval:         getEnv("INTERVAL", "1m"),
		UseMockFeed:      getEnv("USE_MOCK_FEED", "true") == "true",
		DryRun:           getEnv("DRY_RUN", "true") == "true",
		InitialBalance:   getEnvFloat("INITIAL_BALANCE", 10000),
		BalanceSource:    strings.ToLower(getEnv("BALANCE_SOURCE", "fixed")),
		FeeRate:          getEnvFloat("FEE_RATE", 0.001),
		SlippageBps:      getEnvFloat("SLIPPAGE_BPS", 5),
		BinanceAPIKey:    os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret: os.Getenv("BINANCE_API_SECRET"),
		BinanceTestnet:   getEnv("BINANCE_TESTNET", "false") == "true",
		JWTSecret:        getEnv("JWT_SECRET", "dev-secret"),
		TelegramToken:    os.Getenv("TELEGRAM_TOKEN"),
		StrategyConfig:   getEnv("STRATEGY_CONFIG", "./strategies.yaml"),
	}

	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	overrides, err := riskOverrides()
	if err != nil {
		return nil, err
	}
	cfg.RiskOverrides = overrides

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("SYMBOLS must name at least one symbol")
	}
	if c.BalanceSource != "fixed" && c.BalanceSource != "exchange" {
		return fmt.Errorf("BALANCE_SOURCE %q: must be fixed or exchange", c.BalanceSource)
	}
	if c.InitialBalance <= 0 {
		return fmt.Errorf("INITIAL_BALANCE %.2f must be positive", c.InitialBalance)
	}
	if !c.DryRun && (c.BinanceAPIKey == "" || c.BinanceAPISecret == "") {
		return fmt.Errorf("live trading requires BINANCE_API_KEY and BINANCE_API_SECRET")
	}
	if c.BalanceSource == "exchange" && c.BinanceAPIKey == "" {
		return fmt.Errorf("BALANCE_SOURCE=exchange requires BINANCE_API_KEY")
	}
	return nil
}

// riskOverrides collects RISK_* environment overrides under their risk
// config wire keys. A set-but-unparsable override is an error rather than
// a silently applied default.
func riskOverrides() (map[string]any, error) {
	floats := map[string]string{
		"RISK_CAPITAL_PCT":         "capital_pct",
		"RISK_MAX_EXPOSURE":        "max_exposure",
		"RISK_MAX_SYMBOL_EXPOSURE": "max_symbol_exposure",
		"RISK_MAX_DAILY_LOSS":      "max_daily_loss",
		"RISK_STOP_LOSS_PCT":       "stop_loss_pct",
		"RISK_TAKE_PROFIT_PCT":     "take_profit_pct",
		"RISK_MAX_VOLATILITY":      "max_volatility",
	}
	ints := map[string]string{
		"RISK_MAX_POSITIONS":      "max_positions",
		"RISK_MIN_TRADE_INTERVAL": "min_time_between_trades",
	}
	out := make(map[string]any)
	for env, key := range floats {
		if v := os.Getenv(env); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", env, err)
			}
			out[key] = f
		}
	}
	for env, key := range ints {
		if v := os.Getenv(env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", env, err)
			}
			out[key] = n
		}
	}
	if v := os.Getenv("RISK_CHECK_VOLATILITY"); v != "" {
		out["check_volatility"] = v == "true"
	}
	return out, nil
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
