package strategy

import (
	"time"

	"trading-engine/pkg/exchange"
)

// SignalType is the action a strategy asks for.
type SignalType string

const (
	SignalHold       SignalType = "HOLD"
	SignalBuy        SignalType = "BUY"
	SignalSell       SignalType = "SELL"
	SignalCloseLong  SignalType = "CLOSE_LONG"
	SignalCloseShort SignalType = "CLOSE_SHORT"
	SignalCancel     SignalType = "CANCEL"
)

// Actionable reports whether the signal asks for an order.
func (t SignalType) Actionable() bool {
	return t == SignalBuy || t == SignalSell || t == SignalCloseLong || t == SignalCloseShort
}

// Signal is one per-tick decision emitted by a strategy. HOLD signals carry
// a diagnostic Message instead of trade fields.
type Signal struct {
	Type       SignalType         `json:"type"`
	Strategy   string             `json:"strategy"`
	Symbol     string             `json:"symbol"`
	Price      float64            `json:"price"`
	Quantity   float64            `json:"quantity"`
	StopLoss   float64            `json:"stopLoss"`
	TakeProfit float64            `json:"takeProfit"`
	Strength   float64            `json:"strength"` // [0, 1]
	Message    string             `json:"message"`
	Parameters map[string]float64 `json:"parameters,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// Position is one open trade tracked by the engine on behalf of a strategy.
type Position struct {
	ID            string            `json:"id"`
	Symbol        string            `json:"symbol"`
	Side          exchange.Side     `json:"side"`
	EntryPrice    float64           `json:"entryPrice"`
	Quantity      float64           `json:"quantity"`
	EntryTime     time.Time         `json:"entryTime"`
	StopLoss      float64           `json:"stopLoss"`
	TakeProfit    float64           `json:"takeProfit"`
	Strategy      string            `json:"strategy"`
	CurrentPrice  float64           `json:"currentPrice"`
	UnrealizedPnL float64           `json:"unrealizedPnL"`
	Commission    float64           `json:"commission"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Notional is the entry value of the position.
func (p Position) Notional() float64 { return p.EntryPrice * p.Quantity }

// State is the lifecycle state of a strategy.
type State int

const (
	StateInactive State = iota
	StateActive
	StatePaused
	StateError
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StatePaused:
		return "PAUSED"
	case StateError:
		return "ERROR"
	default:
		return "INACTIVE"
	}
}

// ParseState is the inverse of State.String. Unknown input maps to INACTIVE.
func ParseState(s string) State {
	switch s {
	case "ACTIVE":
		return StateActive
	case "PAUSED":
		return StatePaused
	case "ERROR":
		return StateError
	default:
		return StateInactive
	}
}

// Metrics is the per-strategy trade ledger summary, updated on every
// closed trade.
type Metrics struct {
	TotalTrades          int           `json:"totalTrades"`
	WinningTrades        int           `json:"winningTrades"`
	LosingTrades         int           `json:"losingTrades"`
	WinRate              float64       `json:"winRate"` // percent
	TotalPnL             float64       `json:"totalPnL"`
	AverageTrade         float64       `json:"averageTrade"`
	BestTrade            float64       `json:"bestTrade"`
	WorstTrade           float64       `json:"worstTrade"`
	MaxDrawdown          float64       `json:"maxDrawdown"`
	CurrentDrawdown      float64       `json:"currentDrawdown"`
	ProfitFactor         float64       `json:"profitFactor"`
	RecoveryFactor       float64       `json:"recoveryFactor"`
	SharpeRatio          float64       `json:"sharpeRatio"`
	SortinoRatio         float64       `json:"sortinoRatio"`
	Volatility           float64       `json:"volatility"`
	ConsecutiveWins      int           `json:"consecutiveWins"`
	ConsecutiveLosses    int           `json:"consecutiveLosses"`
	MaxConsecutiveWins   int           `json:"maxConsecutiveWins"`
	MaxConsecutiveLosses int           `json:"maxConsecutiveLosses"`
	AverageHoldTime      time.Duration `json:"averageHoldTime"`
	LastTradeTime        time.Time     `json:"lastTradeTime"`
	StartTime            time.Time     `json:"startTime"`
}

// Statistics is the engine's own per-strategy trade counter, kept separate
// from the strategy's Metrics so a misbehaving strategy cannot corrupt it.
type Statistics struct {
	Strategy        string    `json:"strategy"`
	TotalTrades     int       `json:"totalTrades"`
	WinningTrades   int       `json:"winningTrades"`
	LosingTrades    int       `json:"losingTrades"`
	WinRate         float64   `json:"winRate"`
	TotalPnL        float64   `json:"totalPnL"`
	MaxDrawdown     float64   `json:"maxDrawdown"`
	CurrentDrawdown float64   `json:"currentDrawdown"`
	LastTradeTime   time.Time `json:"lastTradeTime"`
	StartTime       time.Time `json:"startTime"`
}

// SignalCallback receives every actionable signal an engine execution
// produced.
type SignalCallback func(strategy string, sig Signal)

// PositionCallback receives position open/update/close notifications.
type PositionCallback func(strategy string, pos Position)

// ErrorCallback receives strategy failures surfaced by the engine.
type ErrorCallback func(strategy string, err error)
