package strategy

import (
	"math"
	"testing"
	"time"

	"trading-engine/pkg/exchange"
)

var _ Strategy = (*SMAStrategy)(nil)

// Windows 2/3/4 make every average checkable by hand. The slope filter
// stays off unless a test exercises it: slopes need three computed
// samples and would veto the very first cross.
func testSMAParams() SMAParams {
	p := DefaultSMAParams()
	p.FastPeriod = 2
	p.SlowPeriod = 3
	p.LongPeriod = 4
	p.UseSlopeFilter = false
	return p
}

// Ensures a fast/slow cross in each direction emits the matching signal
// with percent-based exit levels.
func TestSMAStrategyCrossSignals(t *testing.T) {
	s, err := NewSMAStrategy("sma-btc", testSMAParams())
	if err != nil {
		t.Fatalf("NewSMAStrategy returned %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start returned %v", err)
	}
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	falling := []exchange.Kline{
		testKline("BTCUSDT", 0, start, 10, 1000),
		testKline("BTCUSDT", 1, start, 9, 1000),
		testKline("BTCUSDT", 2, start, 8, 1000),
		testKline("BTCUSDT", 3, start, 7, 1000),
	}
	sig := s.Update(falling, exchange.Ticker{Symbol: "BTCUSDT", Last: 7})
	if sig.Type != SignalSell {
		t.Fatalf("type=%s, expected %s", sig.Type, SignalSell)
	}
	if sig.Message != "Death Cross" {
		t.Fatalf("message=%q, expected %q", sig.Message, "Death Cross")
	}
	if sig.Price != 7 {
		t.Fatalf("price=%v, expected ticker price 7", sig.Price)
	}
	if math.Abs(sig.StopLoss-7*1.02) > 1e-9 {
		t.Fatalf("stopLoss=%v, expected %v", sig.StopLoss, 7*1.02)
	}
	if math.Abs(sig.TakeProfit-7*0.96) > 1e-9 {
		t.Fatalf("takeProfit=%v, expected %v", sig.TakeProfit, 7*0.96)
	}
	if fast, slow := sig.Parameters["fastSMA"], sig.Parameters["slowSMA"]; fast >= slow {
		t.Fatalf("fastSMA=%v slowSMA=%v, expected fast below slow on a death cross", fast, slow)
	}

	k := testKline("BTCUSDT", 4, start, 12, 1000)
	sig = s.Update([]exchange.Kline{k}, exchange.Ticker{Symbol: "BTCUSDT", Last: 12})
	if sig.Type != SignalBuy {
		t.Fatalf("type=%s, expected %s", sig.Type, SignalBuy)
	}
	if sig.Message != "Golden Cross" {
		t.Fatalf("message=%q, expected %q", sig.Message, "Golden Cross")
	}

	cm := s.CustomMetrics()
	if cm["DeathCrosses"] != 1 || cm["GoldenCrosses"] != 1 {
		t.Fatalf("crosses=%v/%v, expected 1/1", cm["DeathCrosses"], cm["GoldenCrosses"])
	}
	if cm["Signal_Death Cross"] != 1 {
		t.Fatalf("Signal_Death Cross=%v, expected 1", cm["Signal_Death Cross"])
	}
}

// Ensures the slope filter vetoes a first cross with no slope history and
// clears once the fast average has a measurable slope.
func TestSMAStrategyValidateSlopeFilter(t *testing.T) {
	p := testSMAParams()
	p.UseSlopeFilter = true
	s, err := NewSMAStrategy("sma-btc", p)
	if err != nil {
		t.Fatalf("NewSMAStrategy returned %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start returned %v", err)
	}
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	falling := []exchange.Kline{
		testKline("BTCUSDT", 0, start, 10, 1000),
		testKline("BTCUSDT", 1, start, 9, 1000),
		testKline("BTCUSDT", 2, start, 8, 1000),
		testKline("BTCUSDT", 3, start, 7, 1000),
	}
	s.Update(falling, exchange.Ticker{Symbol: "BTCUSDT", Last: 7})

	strong := Signal{Strategy: "sma-btc", Type: SignalSell, Strength: 0.5}
	if s.ValidateSignal(strong) {
		t.Fatalf("ValidateSignal=true with an unmeasured slope, expected rejection")
	}

	s.Update([]exchange.Kline{testKline("BTCUSDT", 4, start, 6, 1000)},
		exchange.Ticker{Symbol: "BTCUSDT", Last: 6})
	s.Update([]exchange.Kline{testKline("BTCUSDT", 5, start, 5, 1000)},
		exchange.Ticker{Symbol: "BTCUSDT", Last: 5})
	if !s.ValidateSignal(strong) {
		t.Fatalf("ValidateSignal=false on a steady decline, expected the slope filter to pass")
	}
}

// Ensures the volume filter rejects signals on thin volume and passes on a
// surge.
func TestSMAStrategyValidateVolumeFilter(t *testing.T) {
	p := testSMAParams()
	p.UseVolumeFilter = true
	s, err := NewSMAStrategy("sma-btc", p)
	if err != nil {
		t.Fatalf("NewSMAStrategy returned %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start returned %v", err)
	}
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	flat := []exchange.Kline{
		testKline("BTCUSDT", 0, start, 10, 10),
		testKline("BTCUSDT", 1, start, 10, 10),
		testKline("BTCUSDT", 2, start, 10, 10),
		testKline("BTCUSDT", 3, start, 10, 10),
	}
	s.Update(flat, exchange.Ticker{Symbol: "BTCUSDT", Last: 10})

	strong := Signal{Strategy: "sma-btc", Type: SignalBuy, Strength: 0.5}
	if s.ValidateSignal(strong) {
		t.Fatalf("ValidateSignal=true at average volume, expected rejection below 1.5x")
	}

	s.Update([]exchange.Kline{testKline("BTCUSDT", 4, start, 10, 100)},
		exchange.Ticker{Symbol: "BTCUSDT", Last: 10})
	if !s.ValidateSignal(strong) {
		t.Fatalf("ValidateSignal=false on a volume surge, expected pass")
	}
}

// Ensures a long exits when the fast average crosses back under the slow
// one.
func TestSMAStrategyShouldCloseOnCrossDown(t *testing.T) {
	s, err := NewSMAStrategy("sma-btc", testSMAParams())
	if err != nil {
		t.Fatalf("NewSMAStrategy returned %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start returned %v", err)
	}
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rising := []exchange.Kline{
		testKline("BTCUSDT", 0, start, 10, 1000),
		testKline("BTCUSDT", 1, start, 11, 1000),
		testKline("BTCUSDT", 2, start, 12, 1000),
		testKline("BTCUSDT", 3, start, 13, 1000),
	}
	s.Update(rising, exchange.Ticker{Symbol: "BTCUSDT", Last: 13})

	pos := Position{ID: "p1", Symbol: "BTCUSDT", Side: exchange.SideBuy,
		EntryPrice: 12, Quantity: 1, Strategy: "sma-btc"}
	s.OnPositionOpened(pos)
	if s.ShouldClose(pos) {
		t.Fatalf("ShouldClose=true while the fast average leads, expected false")
	}

	s.Update([]exchange.Kline{testKline("BTCUSDT", 4, start, 5, 1000)},
		exchange.Ticker{Symbol: "BTCUSDT", Last: 5})
	if !s.ShouldClose(pos) {
		t.Fatalf("ShouldClose=false after the fast average crossed under, expected true")
	}
}

// Ensures a snapshot rebuilds the current averages from the history tail.
func TestSMAStrategySnapshotRoundTrip(t *testing.T) {
	s, err := NewSMAStrategy("sma-btc", testSMAParams())
	if err != nil {
		t.Fatalf("NewSMAStrategy returned %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start returned %v", err)
	}
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	falling := []exchange.Kline{
		testKline("BTCUSDT", 0, start, 10, 1000),
		testKline("BTCUSDT", 1, start, 9, 1000),
		testKline("BTCUSDT", 2, start, 8, 1000),
		testKline("BTCUSDT", 3, start, 7, 1000),
	}
	s.Update(falling, exchange.Ticker{Symbol: "BTCUSDT", Last: 7})
	s.Update([]exchange.Kline{testKline("BTCUSDT", 4, start, 12, 1000)},
		exchange.Ticker{Symbol: "BTCUSDT", Last: 12})

	data, err := s.Serialize()
	if err != nil {
		t.Fatalf("Serialize returned %v", err)
	}

	restored, err := NewSMAStrategy("sma-btc", testSMAParams())
	if err != nil {
		t.Fatalf("NewSMAStrategy returned %v", err)
	}
	if err := restored.Start(); err != nil {
		t.Fatalf("Start returned %v", err)
	}
	if err := restored.Deserialize(data); err != nil {
		t.Fatalf("Deserialize returned %v", err)
	}

	cm, cm2 := s.CustomMetrics(), restored.CustomMetrics()
	for _, key := range []string{"CurrentFastSMA", "CurrentSlowSMA", "CurrentSpread"} {
		if math.Abs(cm2[key]-cm[key]) > 1e-9 {
			t.Fatalf("%s=%v after restore, expected %v", key, cm2[key], cm[key])
		}
	}

	sig := restored.Update([]exchange.Kline{testKline("BTCUSDT", 5, start, 12, 1000)},
		exchange.Ticker{Symbol: "BTCUSDT", Last: 12})
	if sig.Type != SignalHold {
		t.Fatalf("type=%s right after restore, expected HOLD until the window refills", sig.Type)
	}
}
