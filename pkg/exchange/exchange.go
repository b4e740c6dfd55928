// Package exchange defines the venue-neutral contract the trading engine
// talks to. Concrete clients live in subpackages (binance). Streaming
// methods hand back a receive-only channel plus a stop function; the
// channel is closed when the subscription ends.
package exchange

import "context"

// MarketData is the read-only market data surface.
type MarketData interface {
	// GetKlines returns up to limit closed candles in ascending open time.
	// startTime/endTime are unix ms; zero means unset.
	GetKlines(ctx context.Context, symbol, interval string, limit int, startTime, endTime int64) ([]Kline, error)
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
}

// Trading is the private order management surface.
type Trading interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (*OrderResult, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderResult, error)
	GetAccountBalance(ctx context.Context, asset string) (*Balance, error)
}

// Streams is the push market data surface.
type Streams interface {
	SubscribeKlines(ctx context.Context, symbol, interval string) (<-chan Kline, func(), error)
	SubscribeTicker(ctx context.Context, symbol string) (<-chan Ticker, func(), error)
	SubscribeTrades(ctx context.Context, symbol string) (<-chan Trade, func(), error)
	SubscribeDepth(ctx context.Context, symbol string) (<-chan Depth, func(), error)
}

// Exchange is the full collaborator contract.
type Exchange interface {
	MarketData
	Trading
	Streams
}
