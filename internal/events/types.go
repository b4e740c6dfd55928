package events

import (
	"time"

	"trading-engine/pkg/exchange"
)

// Topic enumerates the broker's channels.
type Topic string

const (
	TopicTick           Topic = "market.tick"
	TopicTicker         Topic = "market.ticker"
	TopicSignal         Topic = "strategy.signal"
	TopicOrderSubmitted Topic = "order.submitted"
	TopicOrderFilled    Topic = "order.filled"
	TopicOrderPartial   Topic = "order.partially_filled"
	TopicOrderCanceled  Topic = "order.canceled"
	TopicOrderRejected  Topic = "order.rejected"
	TopicPositionOpened Topic = "position.opened"
	TopicPositionClosed Topic = "position.closed"
	TopicRiskAlert      Topic = "risk.alert"
	TopicBalance        Topic = "balance.update"
)

// TickEvent carries one closed candle and the ticker state at close. It
// is the unit of work the engine loop consumes.
type TickEvent struct {
	Symbol   string
	Interval string
	Kline    exchange.Kline
	Ticker   exchange.Ticker
}

// TickerEvent is a live price snapshot between candle closes.
type TickerEvent struct {
	Symbol string
	Last   float64
	Bid    float64
	Ask    float64
	Time   time.Time
}

// SignalEvent is an actionable strategy signal on its way to execution.
type SignalEvent struct {
	Strategy string
	Symbol   string
	Type     string
	Price    float64
	Strength float64
	Message  string
	Time     time.Time
}

// OrderEvent is the payload of every order lifecycle topic.
type OrderEvent struct {
	OrderID    string
	ClientID   string
	Strategy   string
	Symbol     string
	Side       string
	Status     string
	Price      float64
	Quantity   float64
	FilledQty  float64
	Commission float64
	Reason     string
	Time       time.Time
}

// PositionEvent reports a position opening or closing.
type PositionEvent struct {
	PositionID string
	Strategy   string
	Symbol     string
	Side       string
	EntryPrice float64
	Quantity   float64
	ExitPrice  float64
	PnL        float64
	Time       time.Time
}

// RiskEvent is a risk manager alert worth surfacing.
type RiskEvent struct {
	Kind     string
	Strategy string
	Symbol   string
	Message  string
	Time     time.Time
}

// BalanceEvent is a balance change notice.
type BalanceEvent struct {
	Asset  string
	Free   float64
	Locked float64
	Time   time.Time
}
