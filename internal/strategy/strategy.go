// Package strategy hosts the trading strategies, the engine that runs
// them and the per-strategy trade accounting. A strategy is a pure
// decision maker: it consumes closed candles plus a ticker snapshot and
// emits at most one Signal per tick. Order routing, risk checks and
// persistence live with the callers.
package strategy

import (
	"log"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"trading-engine/pkg/exchange"
)

// minSignalStrength is the validation floor for actionable signals.
const minSignalStrength = 0.3

// maxStoredErrors bounds the per-strategy error ring.
const maxStoredErrors = 50

// Strategy is the single contract every trading strategy implements.
// Implementations embed Core for identity, state, errors and metrics and
// add the family-specific decision logic.
type Strategy interface {
	// Identity.
	Name() string
	Description() string
	Version() string
	Kind() string
	State() State

	// Configuration. Configure overlays params onto the current
	// configuration, validating the staged result before committing it.
	Configure(params map[string]any) error
	Config() map[string]any

	// Lifecycle. Initialize is idempotent; Start initializes when needed.
	Initialize() error
	Shutdown() error
	Reset() error
	Start() error
	Stop() error
	Pause() error
	Resume() error

	// Update is the per-tick entry point. It never returns an error for
	// ordinary market-data shortfalls; it answers HOLD with a message.
	Update(klines []exchange.Kline, ticker exchange.Ticker) Signal

	// Position callbacks, filtered by Position.Strategy.
	OnPositionOpened(pos Position)
	OnPositionClosed(pos Position, exitPrice, pnl float64)
	OnPositionUpdated(pos Position)

	// Order callbacks.
	OnOrderFilled(orderID string, pos Position)
	OnOrderCanceled(orderID, reason string)
	OnOrderRejected(orderID, reason string)

	// Metrics.
	Metrics() Metrics
	CustomMetrics() map[string]float64
	UpdateMetrics(pos Position, pnl float64)

	// Trade checks.
	ValidateSignal(sig Signal) bool
	CanTrade(symbol string) bool
	PositionSize(symbol string, price, balance float64) float64
	ShouldClose(pos Position) bool
	ExitLevels(entryPrice float64, side exchange.Side) (stopLoss, takeProfit float64)

	// Persistence.
	Serialize() ([]byte, error)
	Deserialize(data []byte) error

	// Diagnostics.
	Errors() []string
	ClearErrors()
	LastExecution() time.Time
	InPosition() bool
	PositionID() string

	// BindExchange hands the strategy the venue collaborator. Strategies
	// may ignore it; decisions are made from the data passed to Update.
	BindExchange(ex exchange.Exchange)
}

// Core carries everything the strategies share: identity, lifecycle state,
// the error ring, position binding and the trade metrics ledger. Embed it
// by value and seed it with newCore.
//
// Lock order: a strategy's own data mutex is acquired before Core's mutex,
// never the other way around.
type Core struct {
	name        string
	description string
	version     string
	kind        string

	mu            sync.Mutex
	state         State
	errs          []string
	lastExecution time.Time
	inPosition    bool
	positionID    string
	positionSide  exchange.Side
	ex            exchange.Exchange

	metrics     Metrics
	balance     float64
	peakBalance float64
	grossProfit float64
	grossLoss   float64
	holdTime    time.Duration
	tradePnLs   []float64
}

func newCore(name, description, kind string) Core {
	return Core{
		name:        name,
		description: description,
		version:     "1.0.0",
		kind:        kind,
		metrics:     Metrics{StartTime: time.Now()},
	}
}

func (c *Core) Name() string        { return c.name }
func (c *Core) Description() string { return c.description }
func (c *Core) Version() string     { return c.version }
func (c *Core) Kind() string        { return c.kind }

func (c *Core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Core) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// BindExchange stores the venue collaborator for strategies that want it.
func (c *Core) BindExchange(ex exchange.Exchange) {
	c.mu.Lock()
	c.ex = ex
	c.mu.Unlock()
}

// Exchange returns the bound venue collaborator, nil when unbound.
func (c *Core) Exchange() exchange.Exchange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ex
}

// recordError appends to the bounded error ring and logs.
func (c *Core) recordError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.errs = append(c.errs, err.Error())
	if len(c.errs) > maxStoredErrors {
		c.errs = c.errs[len(c.errs)-maxStoredErrors:]
	}
	c.mu.Unlock()
	log.Printf("[%s] error: %v", c.name, err)
}

func (c *Core) Errors() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.errs))
	copy(out, c.errs)
	return out
}

func (c *Core) ClearErrors() {
	c.mu.Lock()
	c.errs = nil
	c.mu.Unlock()
}

// touch stamps the last execution time.
func (c *Core) touch(at time.Time) {
	c.mu.Lock()
	c.lastExecution = at
	c.mu.Unlock()
}

func (c *Core) LastExecution() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastExecution
}

// bindPosition marks the strategy as holding the given position.
func (c *Core) bindPosition(id string, side exchange.Side) {
	c.mu.Lock()
	c.inPosition = true
	c.positionID = id
	c.positionSide = side
	c.mu.Unlock()
}

// releasePosition clears the tracked position.
func (c *Core) releasePosition() {
	c.mu.Lock()
	c.inPosition = false
	c.positionID = ""
	c.positionSide = ""
	c.mu.Unlock()
}

func (c *Core) InPosition() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inPosition
}

func (c *Core) PositionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positionID
}

// PositionSide returns the side of the tracked position, "" when flat.
func (c *Core) PositionSide() exchange.Side {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positionSide
}

// Default order callbacks; strategies that care override them.

func (c *Core) OnOrderFilled(orderID string, pos Position) {
	log.Printf("[%s] order filled: %s %s qty=%.8f", c.name, orderID, pos.Symbol, pos.Quantity)
}

func (c *Core) OnOrderCanceled(orderID, reason string) {
	log.Printf("[%s] order canceled: %s (%s)", c.name, orderID, reason)
}

func (c *Core) OnOrderRejected(orderID, reason string) {
	log.Printf("[%s] order rejected: %s (%s)", c.name, orderID, reason)
}

// Metrics returns a copy of the trade ledger summary.
func (c *Core) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// UpdateMetrics folds one closed trade into the ledger. The drawdown is
// tracked against the running equity peak of the strategy's own PnL curve.
func (c *Core) UpdateMetrics(pos Position, pnl float64) {
	c.applyTrade(pos, pnl, time.Now())
}

func (c *Core) applyTrade(pos Position, pnl float64, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := &c.metrics
	m.TotalTrades++
	m.TotalPnL += pnl

	if pnl > 0 {
		m.WinningTrades++
		m.ConsecutiveWins++
		m.ConsecutiveLosses = 0
		if m.ConsecutiveWins > m.MaxConsecutiveWins {
			m.MaxConsecutiveWins = m.ConsecutiveWins
		}
		c.grossProfit += pnl
	} else {
		m.LosingTrades++
		m.ConsecutiveLosses++
		m.ConsecutiveWins = 0
		if m.ConsecutiveLosses > m.MaxConsecutiveLosses {
			m.MaxConsecutiveLosses = m.ConsecutiveLosses
		}
		c.grossLoss += -pnl
	}

	c.balance += pnl
	if c.balance > c.peakBalance {
		c.peakBalance = c.balance
	}
	m.CurrentDrawdown = c.peakBalance - c.balance
	if m.CurrentDrawdown > m.MaxDrawdown {
		m.MaxDrawdown = m.CurrentDrawdown
	}

	m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	m.AverageTrade = m.TotalPnL / float64(m.TotalTrades)
	if m.TotalTrades == 1 || pnl > m.BestTrade {
		m.BestTrade = pnl
	}
	if m.TotalTrades == 1 || pnl < m.WorstTrade {
		m.WorstTrade = pnl
	}
	if c.grossLoss > 0 {
		m.ProfitFactor = c.grossProfit / c.grossLoss
	} else {
		m.ProfitFactor = c.grossProfit
	}
	if m.MaxDrawdown > 0 {
		m.RecoveryFactor = m.TotalPnL / m.MaxDrawdown
	}

	if !pos.EntryTime.IsZero() && now.After(pos.EntryTime) {
		c.holdTime += now.Sub(pos.EntryTime)
	}
	m.AverageHoldTime = c.holdTime / time.Duration(m.TotalTrades)
	m.LastTradeTime = now

	c.tradePnLs = append(c.tradePnLs, pnl)
	if len(c.tradePnLs) >= 2 {
		mean := stat.Mean(c.tradePnLs, nil)
		std := stat.StdDev(c.tradePnLs, nil)
		m.Volatility = std
		if std > 0 {
			m.SharpeRatio = mean / std
		}
		if down := downsideDeviation(c.tradePnLs); down > 0 {
			m.SortinoRatio = mean / down
		}
	}
}

// resetMetrics zeroes the ledger and restarts the measurement window.
func (c *Core) resetMetrics(start time.Time) {
	c.mu.Lock()
	c.metrics = Metrics{StartTime: start}
	c.balance = 0
	c.peakBalance = 0
	c.grossProfit = 0
	c.grossLoss = 0
	c.holdTime = 0
	c.tradePnLs = nil
	c.mu.Unlock()
}

// downsideDeviation is the root mean square of the negative returns.
func downsideDeviation(pnls []float64) float64 {
	var sum float64
	for _, p := range pnls {
		if p < 0 {
			sum += p * p
		}
	}
	return math.Sqrt(sum / float64(len(pnls)))
}

// holdSignal builds the HOLD answer strategies return on quiet or
// short-data ticks.
func holdSignal(name, symbol, message string, at time.Time) Signal {
	return Signal{
		Type:      SignalHold,
		Strategy:  name,
		Symbol:    symbol,
		Message:   message,
		Timestamp: at,
	}
}

// exitLevels computes the directional stop-loss and take-profit offsets
// shared by all families.
func exitLevels(entryPrice float64, side exchange.Side, stopLossPct, takeProfitPct float64) (float64, float64) {
	sl := stopLossPct / 100
	tp := takeProfitPct / 100
	if side == exchange.SideBuy {
		return entryPrice * (1 - sl), entryPrice * (1 + tp)
	}
	return entryPrice * (1 + sl), entryPrice * (1 - tp)
}

// tickTime picks the event clock for one update: the close time of the
// last candle when present, the wall clock otherwise. Backtests therefore
// throttle and stamp signals in simulated time.
func tickTime(klines []exchange.Kline) time.Time {
	if n := len(klines); n > 0 && klines[n-1].CloseTime > 0 {
		return time.UnixMilli(klines[n-1].CloseTime)
	}
	return time.Now()
}

// closesOf extracts the close series of a candle batch.
func closesOf(klines []exchange.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Close
	}
	return out
}

// volumesOf extracts the volume series of a candle batch.
func volumesOf(klines []exchange.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Volume
	}
	return out
}

// signalPrice prefers the live ticker price and falls back to the last
// close.
func signalPrice(ticker exchange.Ticker, klines []exchange.Kline) float64 {
	if ticker.Last > 0 {
		return ticker.Last
	}
	if n := len(klines); n > 0 {
		return klines[n-1].Close
	}
	return 0
}
