package db

// Position row lifecycle states.
const (
	PositionOpen   = "OPEN"
	PositionClosed = "CLOSED"
)

// Order is a trading order row. Times are unix milliseconds.
type Order struct {
	ID              string  `json:"id"`
	ClientOrderID   string  `json:"clientOrderId"`
	ExchangeOrderID string  `json:"exchangeOrderId"`
	Strategy        string  `json:"strategy"`
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"`
	Type            string  `json:"type"`
	Price           float64 `json:"price"`
	Quantity        float64 `json:"quantity"`
	FilledQty       float64 `json:"filledQty"`
	Status          string  `json:"status"`
	Reason          string  `json:"reason"`
	CreatedAt       int64   `json:"createdAt"`
	UpdatedAt       int64   `json:"updatedAt"`
}

// Trade is one fill row.
type Trade struct {
	ID         string  `json:"id"`
	OrderID    string  `json:"orderId"`
	Strategy   string  `json:"strategy"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Price      float64 `json:"price"`
	Quantity   float64 `json:"quantity"`
	Fee        float64 `json:"fee"`
	PnL        float64 `json:"pnl"`
	ExecutedAt int64   `json:"executedAt"`
}

// Position is a position row, open or closed.
type Position struct {
	ID         string  `json:"id"`
	Strategy   string  `json:"strategy"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	EntryPrice float64 `json:"entryPrice"`
	Quantity   float64 `json:"quantity"`
	StopLoss   float64 `json:"stopLoss"`
	TakeProfit float64 `json:"takeProfit"`
	EntryTime  int64   `json:"entryTime"`
	ExitPrice  float64 `json:"exitPrice"`
	ExitTime   int64   `json:"exitTime"`
	PnL        float64 `json:"pnl"`
	Status     string  `json:"status"`
}

// StrategyInstance is a configured strategy row; parameters are the raw
// JSON overlay applied on the family defaults.
type StrategyInstance struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	Symbol     string `json:"symbol"`
	Interval   string `json:"interval"`
	Parameters string `json:"parameters"`
	IsActive   bool   `json:"isActive"`
	UpdatedAt  int64  `json:"updatedAt"`
}

// RiskDay is one day's realized risk metrics. Day is formatted
// YYYY-MM-DD in local time.
type RiskDay struct {
	Day         string  `json:"day"`
	RealizedPnL float64 `json:"realizedPnl"`
	Trades      int     `json:"trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	MaxDrawdown float64 `json:"maxDrawdown"`
}

// User is an operator account for the control API.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    int64
}
