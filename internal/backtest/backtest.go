// Package backtest replays historical candles through a strategy and
// accounts the resulting trades with the same long-only model the
// original dry runs used: slippage moves every fill against the trade
// and the fee is charged on the quote value. Position callbacks fire
// exactly as they would live, so strategies that gate their exits on
// being in a position behave the same way under replay.
package backtest

import (
	"fmt"
	"log"
	"time"

	"trading-engine/internal/strategy"
	"trading-engine/pkg/exchange"
)

// Config sets the accounting model for a run. SlippagePercent is a
// whole percent (0.05 means 0.05%); FeeRate is a fraction of the quote
// value per fill.
type Config struct {
	InitialBalance  float64
	FeeRate         float64
	SlippagePercent float64
	Symbol          string
	Interval        string
	RiskFreeRate    float64 // annual, for the Sharpe ratio
}

// DefaultConfig is the stock setup: 10000 quote units, 0.1% fee, 0.05%
// slippage, hourly BTCUSDT candles, 2% risk-free rate.
func DefaultConfig() Config {
	return Config{
		InitialBalance:  10000,
		FeeRate:         0.001,
		SlippagePercent: 0.05,
		Symbol:          "BTCUSDT",
		Interval:        "1h",
		RiskFreeRate:    0.02,
	}
}

// Backtester replays candles through one strategy.
type Backtester struct {
	cfg   Config
	strat strategy.Strategy
	data  []exchange.Kline

	balance   float64
	costBasis float64 // quote spent opening the position, before fee
	open      *strategy.Position
	trades    []TradeRecord
	wins      int
	losses    int
}

// New builds a backtester for one strategy. Load data with SetData,
// LoadCSV or FetchKlines before calling Run.
func New(cfg Config, strat strategy.Strategy) *Backtester {
	return &Backtester{cfg: cfg, strat: strat}
}

// SetData installs the candles to replay, oldest first.
func (b *Backtester) SetData(klines []exchange.Kline) {
	b.data = klines
}

// Run replays the loaded candles and returns the accounting. The
// strategy is reset first, so runs are repeatable.
func (b *Backtester) Run() (*Result, error) {
	if b.strat == nil {
		return nil, fmt.Errorf("no strategy configured")
	}
	if len(b.data) == 0 {
		return nil, fmt.Errorf("no historical data loaded")
	}
	if b.cfg.InitialBalance <= 0 {
		return nil, fmt.Errorf("initial balance %.2f must be positive", b.cfg.InitialBalance)
	}
	if err := b.strat.Reset(); err != nil {
		return nil, fmt.Errorf("reset strategy: %w", err)
	}
	if err := b.strat.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize strategy: %w", err)
	}

	b.balance = b.cfg.InitialBalance
	b.costBasis = 0
	b.open = nil
	b.trades = nil
	b.wins, b.losses = 0, 0

	equity := make([]Point, 0, len(b.data))
	drawdown := make([]Point, 0, len(b.data))
	returns := make([]float64, 0, len(b.data))
	peak := b.cfg.InitialBalance
	maxDD := 0.0
	prev := 0.0

	for i, k := range b.data {
		sig := b.strat.Update([]exchange.Kline{k}, tickerOf(b.cfg.Symbol, k))
		if sig.Type != strategy.SignalHold && b.strat.ValidateSignal(sig) {
			b.execute(sig, k)
		}
		b.mark(k.Close)

		eq := b.equity(k.Close)
		equity = append(equity, Point{Timestamp: k.OpenTime, Value: eq})
		if eq > peak {
			peak = eq
		}
		dd := (peak - eq) / peak * 100
		drawdown = append(drawdown, Point{Timestamp: k.OpenTime, Value: dd})
		if dd > maxDD {
			maxDD = dd
		}
		if i > 0 {
			returns = append(returns, (eq-prev)/prev)
		}
		prev = eq
	}

	winRate := 0.0
	if n := len(b.trades); n > 0 {
		winRate = float64(b.wins) / float64(n) * 100
	}
	res := &Result{
		Summary: Summary{
			InitialBalance: b.cfg.InitialBalance,
			FinalBalance:   prev,
			TotalReturn:    (prev - b.cfg.InitialBalance) / b.cfg.InitialBalance * 100,
			MaxDrawdown:    maxDD,
			SharpeRatio:    sharpeRatio(returns, b.cfg.RiskFreeRate),
			TotalTrades:    len(b.trades),
			WinningTrades:  b.wins,
			LosingTrades:   b.losses,
			WinRate:        winRate,
			Symbol:         b.cfg.Symbol,
			Interval:       b.cfg.Interval,
			StartTime:      b.data[0].OpenTime,
			EndTime:        b.data[len(b.data)-1].CloseTime,
		},
		EquityCurve:   equity,
		DrawdownCurve: drawdown,
		Trades:        b.trades,
	}
	log.Printf("backtest %s %s: %d candles, %d trades, return %.2f%%, max drawdown %.2f%%, sharpe %.2f",
		res.Summary.Symbol, res.Summary.Interval, len(b.data),
		res.Summary.TotalTrades, res.Summary.TotalReturn, res.Summary.MaxDrawdown, res.Summary.SharpeRatio)
	return res, nil
}

// execute books one signal against the long-only model.
func (b *Backtester) execute(sig strategy.Signal, k exchange.Kline) {
	slip := 1 + b.cfg.SlippagePercent/100
	switch sig.Type {
	case strategy.SignalBuy:
		if b.open != nil {
			return
		}
		price := k.Close * slip
		qty := b.strat.PositionSize(b.cfg.Symbol, price, b.balance)
		cost := qty * price
		// Full-size strategies leave no room for the fee; shave the
		// order instead of refusing it.
		if maxCost := b.balance / (1 + b.cfg.FeeRate); cost > maxCost {
			cost = maxCost
			qty = cost / price
		}
		if qty <= 0 || cost <= 0 {
			return
		}
		fee := cost * b.cfg.FeeRate
		b.balance -= cost + fee
		b.costBasis = cost
		pos := strategy.Position{
			ID:           fmt.Sprintf("bt_%d", k.OpenTime),
			Symbol:       b.cfg.Symbol,
			Side:         exchange.SideBuy,
			EntryPrice:   price,
			Quantity:     qty,
			EntryTime:    time.UnixMilli(k.OpenTime),
			StopLoss:     sig.StopLoss,
			TakeProfit:   sig.TakeProfit,
			Strategy:     b.strat.Name(),
			CurrentPrice: price,
			Commission:   fee,
		}
		b.open = &pos
		b.strat.OnPositionOpened(pos)
		b.trades = append(b.trades, TradeRecord{
			Timestamp: k.OpenTime,
			Type:      "BUY",
			Price:     price,
			Quantity:  qty,
			PnL:       -fee,
			Balance:   b.balance,
		})

	case strategy.SignalSell, strategy.SignalCloseLong:
		if b.open == nil {
			return
		}
		price := k.Close / slip
		proceeds := b.open.Quantity * price
		fee := proceeds * b.cfg.FeeRate
		net := proceeds - fee
		pnl := net - b.costBasis
		b.balance += net
		b.trades = append(b.trades, TradeRecord{
			Timestamp: k.OpenTime,
			Type:      "SELL",
			Price:     price,
			Quantity:  b.open.Quantity,
			PnL:       pnl,
			Balance:   b.balance,
		})
		if pnl > 0 {
			b.wins++
		} else {
			b.losses++
		}
		closed := *b.open
		b.open = nil
		b.costBasis = 0
		b.strat.OnPositionClosed(closed, price, pnl)
	}
}

// mark refreshes the open position's view of the market so exit checks
// inside the strategy see current numbers.
func (b *Backtester) mark(price float64) {
	if b.open == nil {
		return
	}
	b.open.CurrentPrice = price
	b.open.UnrealizedPnL = (price-b.open.EntryPrice)*b.open.Quantity - b.open.Commission
	b.strat.OnPositionUpdated(*b.open)
}

// equity is cash plus the position marked at the given price.
func (b *Backtester) equity(price float64) float64 {
	if b.open == nil {
		return b.balance
	}
	return b.balance + b.open.Quantity*price
}

// tickerOf derives the ticker view of a candle for strategies that read
// both inputs.
func tickerOf(symbol string, k exchange.Kline) exchange.Ticker {
	return exchange.Ticker{
		Symbol:    symbol,
		Last:      k.Close,
		Bid:       k.Close,
		Ask:       k.Close,
		Volume24h: k.Volume,
		Timestamp: time.UnixMilli(k.CloseTime),
	}
}
