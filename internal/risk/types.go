package risk

import (
	"fmt"
	"time"

	"trading-engine/pkg/exchange"
)

// Config defines the risk limits applied to every new trade. Percentages
// are expressed as whole percents of the account balance (5 means 5%).
type Config struct {
	MaxCapitalPerTrade   float64       `json:"capital_pct"`
	MaxTotalExposure     float64       `json:"max_exposure"`
	MaxSymbolExposure    float64       `json:"max_symbol_exposure"`
	MaxOpenPositions     int           `json:"max_positions"`
	MaxDailyLoss         float64       `json:"max_daily_loss"`
	DefaultStopLoss      float64       `json:"stop_loss_pct"`
	DefaultTakeProfit    float64       `json:"take_profit_pct"`
	MinTimeBetweenTrades time.Duration `json:"-"`
	CheckVolatility      bool          `json:"check_volatility"`
	MaxVolatility        float64       `json:"max_volatility"`
}

// DefaultConfig returns the stock limits: 5% capital per trade, 50% total
// and 20% per-symbol exposure, 5 open positions, 10% daily loss, 2%/5%
// exits, one trade per symbol per minute.
func DefaultConfig() Config {
	return Config{
		MaxCapitalPerTrade:   5.0,
		MaxTotalExposure:     50.0,
		MaxSymbolExposure:    20.0,
		MaxOpenPositions:     5,
		MaxDailyLoss:         10.0,
		DefaultStopLoss:      2.0,
		DefaultTakeProfit:    5.0,
		MinTimeBetweenTrades: 60 * time.Second,
		CheckVolatility:      true,
		MaxVolatility:        5.0,
	}
}

func (c Config) Validate() error {
	percents := []struct {
		name  string
		value float64
	}{
		{"capital_pct", c.MaxCapitalPerTrade},
		{"max_exposure", c.MaxTotalExposure},
		{"max_symbol_exposure", c.MaxSymbolExposure},
		{"max_daily_loss", c.MaxDailyLoss},
		{"max_volatility", c.MaxVolatility},
	}
	for _, p := range percents {
		if p.value <= 0 {
			return fmt.Errorf("%s %.2f must be positive", p.name, p.value)
		}
	}
	if c.DefaultStopLoss < 0 || c.DefaultTakeProfit < 0 {
		return fmt.Errorf("exit percentages must not be negative")
	}
	if c.MaxOpenPositions < 1 {
		return fmt.Errorf("max_positions %d must be at least 1", c.MaxOpenPositions)
	}
	if c.MinTimeBetweenTrades < 0 {
		return fmt.Errorf("min_time_between_trades must not be negative")
	}
	return nil
}

// Map returns the configuration under its wire key names, with the trade
// interval in seconds.
func (c Config) Map() map[string]any {
	return map[string]any{
		"capital_pct":             c.MaxCapitalPerTrade,
		"max_exposure":            c.MaxTotalExposure,
		"max_symbol_exposure":     c.MaxSymbolExposure,
		"max_positions":           c.MaxOpenPositions,
		"max_daily_loss":          c.MaxDailyLoss,
		"stop_loss_pct":           c.DefaultStopLoss,
		"take_profit_pct":         c.DefaultTakeProfit,
		"min_time_between_trades": int(c.MinTimeBetweenTrades / time.Second),
		"check_volatility":        c.CheckVolatility,
		"max_volatility":          c.MaxVolatility,
	}
}

// Position is the exposure record the risk manager keeps per open trade.
type Position struct {
	ID         string        `json:"id"`
	Symbol     string        `json:"symbol"`
	Side       exchange.Side `json:"side"`
	Quantity   float64       `json:"quantity"`
	EntryPrice float64       `json:"entryPrice"`
	EntryTime  time.Time     `json:"entryTime"`
}

// Notional is the entry value the exposure books carry for the position.
func (p Position) Notional() float64 { return p.Quantity * p.EntryPrice }

// Statistics is a point-in-time snapshot of the risk books. Drawdown is
// measured on realized PnL against its running peak.
type Statistics struct {
	TotalExposure   float64   `json:"totalExposure"`
	TodayPnL        float64   `json:"todayPnL"`
	OpenPositions   int       `json:"openPositions"`
	MaxDrawdown     float64   `json:"maxDrawdown"`
	CurrentDrawdown float64   `json:"currentDrawdown"`
	LastReset       time.Time `json:"lastReset"`
}

// AlertType classifies a risk-limit breach.
type AlertType string

const (
	AlertDailyLoss      AlertType = "DAILY_LOSS_LIMIT"
	AlertTotalExposure  AlertType = "TOTAL_EXPOSURE_LIMIT"
	AlertSymbolExposure AlertType = "SYMBOL_EXPOSURE_LIMIT"
	AlertMaxPositions   AlertType = "MAX_POSITIONS_LIMIT"
	AlertVolatility     AlertType = "VOLATILITY_ALERT"
)

// Alert records one limit breach with the value that tripped it.
type Alert struct {
	Type    AlertType `json:"type"`
	Symbol  string    `json:"symbol"`
	Message string    `json:"message"`
	Current float64   `json:"current"`
	Limit   float64   `json:"limit"`
	At      time.Time `json:"at"`
}

// BalanceProvider supplies the account balance the limit checks are
// measured against. Implementations must not block: return a cached or
// fixed value, never a live network call.
type BalanceProvider interface {
	AvailableBalance() float64
}

// FixedBalance is a BalanceProvider with a constant value, used for
// dry runs and backtests.
type FixedBalance float64

func (b FixedBalance) AvailableBalance() float64 { return float64(b) }

// VolatilityCheck reports whether a symbol's current volatility permits a
// new trade. A nil check always permits.
type VolatilityCheck func(symbol string, price float64) bool
