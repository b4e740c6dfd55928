package exchange

import "time"

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType mirrors the venue's order type set.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopLoss   OrderType = "STOP_LOSS"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT"
	OrderTypeLimitMaker OrderType = "LIMIT_MAKER"
)

// TimeInForce for limit orders.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// OrderStatus is the normalized lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusUnknown         OrderStatus = "UNKNOWN"
)

// Kline is one closed candle. Times are unix milliseconds.
type Kline struct {
	Symbol    string  `json:"symbol"`
	OpenTime  int64   `json:"openTime"`
	CloseTime int64   `json:"closeTime"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Ticker is a 24h rolling snapshot for one symbol.
type Ticker struct {
	Symbol       string    `json:"symbol"`
	Last         float64   `json:"last"`
	Bid          float64   `json:"bid"`
	Ask          float64   `json:"ask"`
	Volume24h    float64   `json:"volume24h"`
	Change24h    float64   `json:"change24h"`
	ChangePct24h float64   `json:"changePct24h"`
	Timestamp    time.Time `json:"timestamp"`
}

// Trade is one public trade print.
type Trade struct {
	Symbol   string  `json:"symbol"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	IsBuyer  bool    `json:"isBuyer"`
	Time     int64   `json:"time"`
}

// DepthLevel is one side level of the order book.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// Depth is a partial order book snapshot.
type Depth struct {
	Symbol       string       `json:"symbol"`
	Bids         []DepthLevel `json:"bids"`
	Asks         []DepthLevel `json:"asks"`
	LastUpdateID int64        `json:"lastUpdateId"`
}

// OrderRequest is a venue-neutral order submission.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	TimeInForce   TimeInForce
	Quantity      float64
	Price         float64
	StopPrice     float64
	ClientOrderID string
}

// OrderResult is the normalized venue response to a submission or query.
type OrderResult struct {
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string
	Side            Side
	Status          OrderStatus
	Price           float64
	OrigQty         float64
	ExecutedQty     float64
	QuoteQty        float64
	Commission      float64
	TransactTime    int64
}

// Balance is one asset's free/locked amounts.
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}
