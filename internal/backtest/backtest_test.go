package backtest

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"trading-engine/internal/strategy"
	"trading-engine/pkg/exchange"
)

// scriptStrategy replays a fixed signal sequence, one entry per candle,
// so the accounting can be checked against hand-computed numbers.
type scriptStrategy struct {
	name    string
	signals []strategy.SignalType
	size    float64
	i       int
	opened  int
	closed  int
	lastPnL float64
}

var _ strategy.Strategy = (*scriptStrategy)(nil)

func newScript(size float64, signals ...strategy.SignalType) *scriptStrategy {
	return &scriptStrategy{name: "script", signals: signals, size: size}
}

func (s *scriptStrategy) Name() string           { return s.name }
func (s *scriptStrategy) Description() string    { return "scripted test strategy" }
func (s *scriptStrategy) Version() string        { return "1.0.0" }
func (s *scriptStrategy) Kind() string           { return "script" }
func (s *scriptStrategy) State() strategy.State  { return strategy.StateActive }
func (s *scriptStrategy) Configure(map[string]any) error { return nil }
func (s *scriptStrategy) Config() map[string]any { return map[string]any{} }
func (s *scriptStrategy) Initialize() error      { return nil }
func (s *scriptStrategy) Shutdown() error        { return nil }
func (s *scriptStrategy) Reset() error           { s.i = 0; return nil }
func (s *scriptStrategy) Start() error           { return nil }
func (s *scriptStrategy) Stop() error            { return nil }
func (s *scriptStrategy) Pause() error           { return nil }
func (s *scriptStrategy) Resume() error          { return nil }

func (s *scriptStrategy) Update(klines []exchange.Kline, ticker exchange.Ticker) strategy.Signal {
	typ := strategy.SignalHold
	if s.i < len(s.signals) {
		typ = s.signals[s.i]
	}
	s.i++
	return strategy.Signal{
		Type:      typ,
		Strategy:  s.name,
		Symbol:    ticker.Symbol,
		Price:     ticker.Last,
		Timestamp: ticker.Timestamp,
	}
}

func (s *scriptStrategy) OnPositionOpened(strategy.Position) { s.opened++ }
func (s *scriptStrategy) OnPositionClosed(_ strategy.Position, _ float64, pnl float64) {
	s.closed++
	s.lastPnL = pnl
}
func (s *scriptStrategy) OnPositionUpdated(strategy.Position)      {}
func (s *scriptStrategy) OnOrderFilled(string, strategy.Position)  {}
func (s *scriptStrategy) OnOrderCanceled(string, string)           {}
func (s *scriptStrategy) OnOrderRejected(string, string)           {}
func (s *scriptStrategy) Metrics() strategy.Metrics                { return strategy.Metrics{} }
func (s *scriptStrategy) CustomMetrics() map[string]float64        { return map[string]float64{} }
func (s *scriptStrategy) UpdateMetrics(strategy.Position, float64) {}
func (s *scriptStrategy) ValidateSignal(strategy.Signal) bool      { return true }
func (s *scriptStrategy) CanTrade(symbol string) bool              { return symbol != "" }

func (s *scriptStrategy) PositionSize(_ string, price, balance float64) float64 {
	if price <= 0 {
		return 0
	}
	return balance * s.size / price
}

func (s *scriptStrategy) ShouldClose(strategy.Position) bool { return false }
func (s *scriptStrategy) ExitLevels(float64, exchange.Side) (float64, float64) {
	return 0, 0
}
func (s *scriptStrategy) Serialize() ([]byte, error)        { return []byte("{}"), nil }
func (s *scriptStrategy) Deserialize([]byte) error          { return nil }
func (s *scriptStrategy) Errors() []string                  { return nil }
func (s *scriptStrategy) ClearErrors()                      {}
func (s *scriptStrategy) LastExecution() time.Time          { return time.Time{} }
func (s *scriptStrategy) InPosition() bool                  { return s.opened > s.closed }
func (s *scriptStrategy) PositionID() string                { return "" }
func (s *scriptStrategy) BindExchange(exchange.Exchange)    {}

// candles builds one flat candle per price, an hour apart.
func candles(prices ...float64) []exchange.Kline {
	base := int64(1700000000000)
	out := make([]exchange.Kline, len(prices))
	for i, p := range prices {
		out[i] = exchange.Kline{
			OpenTime:  base + int64(i)*3600000,
			CloseTime: base + int64(i+1)*3600000 - 1,
			Open:      p,
			High:      p,
			Low:       p,
			Close:     p,
			Volume:    10,
		}
	}
	return out
}

func TestRunAccounting(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SlippagePercent = 0
	cfg.RiskFreeRate = 0
	script := newScript(0.1,
		strategy.SignalHold, strategy.SignalBuy, strategy.SignalHold,
		strategy.SignalSell, strategy.SignalHold)

	bt := New(cfg, script)
	bt.SetData(candles(100, 100, 110, 120, 120))
	res, err := bt.Run()
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	s := res.Summary
	// Buy 10 @ 100 (cost 1000, fee 1), sell @ 120 (proceeds 1200, fee
	// 1.2): final balance 10000 - 1001 + 1198.8.
	if math.Abs(s.FinalBalance-10197.8) > 1e-6 {
		t.Fatalf("FinalBalance=%v, expected 10197.8", s.FinalBalance)
	}
	if math.Abs(s.TotalReturn-1.978) > 1e-6 {
		t.Fatalf("TotalReturn=%v, expected 1.978", s.TotalReturn)
	}
	if s.TotalTrades != 2 || s.WinningTrades != 1 || s.LosingTrades != 0 {
		t.Fatalf("trades=%d/%d/%d, expected 2 total, 1 win, 0 losses",
			s.TotalTrades, s.WinningTrades, s.LosingTrades)
	}
	if math.Abs(s.WinRate-50) > 1e-9 {
		t.Fatalf("WinRate=%v, expected 50", s.WinRate)
	}

	if len(res.Trades) != 2 {
		t.Fatalf("trade records=%d, expected 2", len(res.Trades))
	}
	buy, sell := res.Trades[0], res.Trades[1]
	if buy.Type != "BUY" || buy.Price != 100 || math.Abs(buy.Quantity-10) > 1e-9 {
		t.Fatalf("buy=%+v, expected 10 @ 100", buy)
	}
	if math.Abs(buy.PnL+1) > 1e-9 {
		t.Fatalf("buy pnl=%v, expected -1 (entry fee)", buy.PnL)
	}
	if sell.Type != "SELL" || sell.Price != 120 || math.Abs(sell.PnL-198.8) > 1e-6 {
		t.Fatalf("sell=%+v, expected pnl 198.8 @ 120", sell)
	}

	if len(res.EquityCurve) != 5 {
		t.Fatalf("equity points=%d, expected 5", len(res.EquityCurve))
	}
	if res.EquityCurve[0].Value != 10000 {
		t.Fatalf("equity[0]=%v, expected 10000", res.EquityCurve[0].Value)
	}
	// Right after the buy the entry fee drags equity under the peak.
	if math.Abs(res.EquityCurve[1].Value-9999) > 1e-9 {
		t.Fatalf("equity[1]=%v, expected 9999", res.EquityCurve[1].Value)
	}
	if math.Abs(s.MaxDrawdown-0.01) > 1e-9 {
		t.Fatalf("MaxDrawdown=%v, expected 0.01", s.MaxDrawdown)
	}

	if script.opened != 1 || script.closed != 1 {
		t.Fatalf("callbacks opened=%d closed=%d, expected 1/1", script.opened, script.closed)
	}
	if math.Abs(script.lastPnL-198.8) > 1e-6 {
		t.Fatalf("callback pnl=%v, expected 198.8", script.lastPnL)
	}
	if s.StartTime != 1700000000000 {
		t.Fatalf("StartTime=%d, expected the first open time", s.StartTime)
	}
}

func TestSlippageWorksAgainstBothSides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FeeRate = 0
	cfg.SlippagePercent = 1
	script := newScript(0.1, strategy.SignalBuy, strategy.SignalSell)

	bt := New(cfg, script)
	bt.SetData(candles(100, 100))
	res, err := bt.Run()
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Trades) != 2 {
		t.Fatalf("trades=%d, expected 2", len(res.Trades))
	}
	if got := res.Trades[0].Price; math.Abs(got-101) > 1e-9 {
		t.Fatalf("buy price=%v, expected 101", got)
	}
	if got := res.Trades[1].Price; math.Abs(got-100.0/1.01) > 1e-9 {
		t.Fatalf("sell price=%v, expected %v", got, 100.0/1.01)
	}
	// A flat market with round-trip slippage can only lose.
	if res.Trades[1].PnL >= 0 || res.Summary.LosingTrades != 1 {
		t.Fatalf("pnl=%v losses=%d, expected a losing round trip", res.Trades[1].PnL, res.Summary.LosingTrades)
	}
}

func TestFullSizeBuyLeavesRoomForFee(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SlippagePercent = 0
	script := newScript(1.0, strategy.SignalBuy)

	bt := New(cfg, script)
	bt.SetData(candles(100))
	res, err := bt.Run()
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades=%d, expected the full-size buy to execute", len(res.Trades))
	}
	if bal := res.Trades[0].Balance; bal < -1e-9 || bal > 1e-6 {
		t.Fatalf("balance after full-size buy=%v, expected ~0 without going negative", bal)
	}
}

func TestPositionGating(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SlippagePercent = 0

	t.Run("second buy while long is ignored", func(t *testing.T) {
		script := newScript(0.1, strategy.SignalBuy, strategy.SignalBuy, strategy.SignalSell)
		bt := New(cfg, script)
		bt.SetData(candles(100, 100, 100))
		res, err := bt.Run()
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if res.Summary.TotalTrades != 2 || script.opened != 1 {
			t.Fatalf("trades=%d opened=%d, expected 2 and 1", res.Summary.TotalTrades, script.opened)
		}
	})

	t.Run("sell with no position is ignored", func(t *testing.T) {
		script := newScript(0.1, strategy.SignalSell)
		bt := New(cfg, script)
		bt.SetData(candles(100))
		res, err := bt.Run()
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if res.Summary.TotalTrades != 0 {
			t.Fatalf("trades=%d, expected 0", res.Summary.TotalTrades)
		}
	})

	t.Run("close long exits like a sell", func(t *testing.T) {
		script := newScript(0.1, strategy.SignalBuy, strategy.SignalCloseLong)
		bt := New(cfg, script)
		bt.SetData(candles(100, 110))
		res, err := bt.Run()
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if res.Summary.TotalTrades != 2 || res.Summary.WinningTrades != 1 {
			t.Fatalf("summary=%+v, expected a winning round trip", res.Summary)
		}
	})
}

func TestRunRequiresData(t *testing.T) {
	bt := New(DefaultConfig(), newScript(0.1))
	if _, err := bt.Run(); err == nil || !strings.Contains(err.Error(), "no historical data") {
		t.Fatalf("Run() error = %v, expected no historical data", err)
	}
}

func TestSharpeRatio(t *testing.T) {
	if got := sharpeRatio(nil, 0.02); got != 0 {
		t.Fatalf("sharpeRatio(nil)=%v, expected 0", got)
	}
	if got := sharpeRatio([]float64{0.01}, 0.02); got != 0 {
		t.Fatalf("sharpeRatio(single)=%v, expected 0", got)
	}
	if got := sharpeRatio([]float64{0.01, 0.01, 0.01}, 0); got != 0 {
		t.Fatalf("sharpeRatio(constant)=%v, expected 0 for zero volatility", got)
	}
	if got := sharpeRatio([]float64{0.01, 0.02, 0.015, 0.03}, 0); got <= 0 {
		t.Fatalf("sharpeRatio(positive drift)=%v, expected > 0", got)
	}
	if got := sharpeRatio([]float64{-0.01, -0.02, -0.015}, 0); got >= 0 {
		t.Fatalf("sharpeRatio(negative drift)=%v, expected < 0", got)
	}
}

func TestLoadCSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "klines.csv")
	content := strings.Join([]string{
		"open_time,open,high,low,close,volume,close_time",
		"1700000000000,100,105,99,104,12.5,1700003599999",
		"1700003600000,104,110,103,109,8.25,1700007199999",
		"1700007200000,109,111", // short row, skipped
		"",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	klines, err := LoadCSV(path)
	if err != nil {
		t.Fatalf("LoadCSV() error = %v", err)
	}
	if len(klines) != 2 {
		t.Fatalf("klines=%d, expected 2", len(klines))
	}
	k := klines[0]
	if k.OpenTime != 1700000000000 || k.Open != 100 || k.High != 105 || k.Low != 99 || k.Close != 104 {
		t.Fatalf("kline=%+v, expected the first CSV row", k)
	}
	if k.Volume != 12.5 || k.CloseTime != 1700003599999 {
		t.Fatalf("kline=%+v, expected volume 12.5 and close time", k)
	}

	bad := filepath.Join(dir, "bad.csv")
	if err := os.WriteFile(bad, []byte("h\nnot,a,number,at,all,in,row\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := LoadCSV(bad); err == nil {
		t.Fatalf("LoadCSV(bad) error = nil, expected parse failure")
	}

	if _, err := LoadCSV(filepath.Join(dir, "missing.csv")); err == nil {
		t.Fatalf("LoadCSV(missing) error = nil, expected open failure")
	}
}

// pagedMarketData serves canned kline pages the way the venue would.
type pagedMarketData struct {
	pages  map[int64][]exchange.Kline
	limits []int
}

func (p *pagedMarketData) GetKlines(_ context.Context, _, _ string, limit int, startTime, _ int64) ([]exchange.Kline, error) {
	p.limits = append(p.limits, limit)
	return p.pages[startTime], nil
}

func (p *pagedMarketData) GetTicker(context.Context, string) (*exchange.Ticker, error) {
	return nil, nil
}

func TestFetchKlinesPages(t *testing.T) {
	mk := func(open, close int64) exchange.Kline {
		return exchange.Kline{OpenTime: open, CloseTime: close, Close: 100}
	}
	md := &pagedMarketData{pages: map[int64][]exchange.Kline{
		1000: {mk(1000, 1999), mk(2000, 2999)},
		3000: {mk(3000, 3999)},
	}}

	out, err := FetchKlines(context.Background(), md, "BTCUSDT", "1h",
		time.UnixMilli(1000), time.UnixMilli(3500))
	if err != nil {
		t.Fatalf("FetchKlines() error = %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("klines=%d, expected 3 across two pages", len(out))
	}
	for i := 1; i < len(out); i++ {
		if out[i].OpenTime <= out[i-1].OpenTime {
			t.Fatalf("klines out of order at %d: %d after %d", i, out[i].OpenTime, out[i-1].OpenTime)
		}
	}
	for _, l := range md.limits {
		if l != 1000 {
			t.Fatalf("page limit=%d, expected 1000", l)
		}
	}

	if _, err := FetchKlines(context.Background(), md, "BTCUSDT", "1h",
		time.UnixMilli(3500), time.UnixMilli(1000)); err == nil {
		t.Fatalf("FetchKlines() error = nil, expected start/end validation")
	}
}
