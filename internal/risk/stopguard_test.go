package risk

import (
	"math"
	"strings"
	"testing"

	"trading-engine/pkg/exchange"
)

// Ensures a trailing stop on a long ratchets up behind the high-water
// price and fires when the price falls back through it.
func TestStopGuardTrailingLong(t *testing.T) {
	g := NewStopGuard()
	err := g.Track(Entry{
		Strategy:    "rsi",
		Symbol:      "BTCUSDT",
		Side:        exchange.SideBuy,
		EntryPrice:  100,
		Quantity:    1,
		StopLoss:    98,
		Trailing:    true,
		TrailOffset: 0.02,
	})
	if err != nil {
		t.Fatalf("Track() error = %v", err)
	}

	if fired := g.UpdatePrice("BTCUSDT", 105); len(fired) != 0 {
		t.Fatalf("UpdatePrice(105) fired %v, expected none", fired)
	}
	active := g.Active()
	if len(active) != 1 {
		t.Fatalf("Active()=%d entries, expected 1", len(active))
	}
	if got := active[0].StopLoss; math.Abs(got-102.9) > 1e-9 {
		t.Fatalf("trailed stop=%v, expected 102.9", got)
	}

	// A pullback that stays above the trailed stop does not loosen it.
	if fired := g.UpdatePrice("BTCUSDT", 103); len(fired) != 0 {
		t.Fatalf("UpdatePrice(103) fired %v, expected none", fired)
	}
	if got := g.Active()[0].StopLoss; math.Abs(got-102.9) > 1e-9 {
		t.Fatalf("stop after pullback=%v, expected 102.9", got)
	}

	fired := g.UpdatePrice("BTCUSDT", 102)
	if len(fired) != 1 {
		t.Fatalf("UpdatePrice(102) fired %d, expected 1", len(fired))
	}
	d := fired[0]
	if d.Strategy != "rsi" || d.Symbol != "BTCUSDT" || d.Action != "CLOSE" {
		t.Fatalf("decision=%+v, expected rsi/BTCUSDT/CLOSE", d)
	}
	if d.Reason != "Stop loss triggered at 102.00" {
		t.Fatalf("reason=%q, expected stop loss at 102.00", d.Reason)
	}
	if d.Price != 102 {
		t.Fatalf("decision price=%v, expected 102", d.Price)
	}
	if g.Watching("rsi", "BTCUSDT") {
		t.Fatalf("Watching()=true after trigger, expected disarmed")
	}
}

// Ensures a trailing short with no preset stop arms one from the first
// tick and follows the low-water price down.
func TestStopGuardTrailingShort(t *testing.T) {
	g := NewStopGuard()
	err := g.Track(Entry{
		Strategy:    "macd",
		Symbol:      "ETHUSDT",
		Side:        exchange.SideSell,
		EntryPrice:  100,
		Quantity:    2,
		Trailing:    true,
		TrailOffset: 0.02,
	})
	if err != nil {
		t.Fatalf("Track() error = %v", err)
	}

	if fired := g.UpdatePrice("ETHUSDT", 95); len(fired) != 0 {
		t.Fatalf("UpdatePrice(95) fired %v, expected none", fired)
	}
	if got := g.Active()[0].StopLoss; math.Abs(got-96.9) > 1e-9 {
		t.Fatalf("trailed stop=%v, expected 96.9", got)
	}

	fired := g.UpdatePrice("ETHUSDT", 97)
	if len(fired) != 1 {
		t.Fatalf("UpdatePrice(97) fired %d, expected 1", len(fired))
	}
	if !strings.HasPrefix(fired[0].Reason, "Stop loss triggered") {
		t.Fatalf("reason=%q, expected a stop loss trigger", fired[0].Reason)
	}
}

// Ensures take-profit levels fire on the correct side and that the stop
// is checked before the take-profit when both would trigger.
func TestStopGuardTakeProfit(t *testing.T) {
	t.Run("short take profit", func(t *testing.T) {
		g := NewStopGuard()
		err := g.Track(Entry{
			Strategy:   "macd",
			Symbol:     "ETHUSDT",
			Side:       exchange.SideSell,
			EntryPrice: 100,
			Quantity:   1,
			StopLoss:   102,
			TakeProfit: 95,
		})
		if err != nil {
			t.Fatalf("Track() error = %v", err)
		}
		if fired := g.UpdatePrice("ETHUSDT", 96); len(fired) != 0 {
			t.Fatalf("UpdatePrice(96) fired %v, expected none", fired)
		}
		fired := g.UpdatePrice("ETHUSDT", 95)
		if len(fired) != 1 || fired[0].Reason != "Take profit triggered at 95.00" {
			t.Fatalf("UpdatePrice(95) fired %v, expected take profit at 95.00", fired)
		}
	})

	t.Run("stop loss wins a tie", func(t *testing.T) {
		g := NewStopGuard()
		err := g.Track(Entry{
			Strategy:   "sma",
			Symbol:     "BTCUSDT",
			Side:       exchange.SideBuy,
			EntryPrice: 100,
			Quantity:   1,
			StopLoss:   100,
			TakeProfit: 100,
		})
		if err != nil {
			t.Fatalf("Track() error = %v", err)
		}
		fired := g.UpdatePrice("BTCUSDT", 100)
		if len(fired) != 1 {
			t.Fatalf("fired %d decisions, expected 1", len(fired))
		}
		if !strings.HasPrefix(fired[0].Reason, "Stop loss triggered") {
			t.Fatalf("reason=%q, expected the stop loss to win", fired[0].Reason)
		}
	})
}

// Ensures watches on the same symbol are independent per strategy and
// that simultaneous triggers come back in strategy order.
func TestStopGuardPerStrategyIsolation(t *testing.T) {
	g := NewStopGuard()
	entries := []Entry{
		{Strategy: "rsi", Symbol: "BTCUSDT", Side: exchange.SideBuy, EntryPrice: 100, Quantity: 1, StopLoss: 98},
		{Strategy: "sma", Symbol: "BTCUSDT", Side: exchange.SideBuy, EntryPrice: 100, Quantity: 1, StopLoss: 95},
	}
	for _, entry := range entries {
		if err := g.Track(entry); err != nil {
			t.Fatalf("Track(%s) error = %v", entry.Strategy, err)
		}
	}

	fired := g.UpdatePrice("BTCUSDT", 97)
	if len(fired) != 1 || fired[0].Strategy != "rsi" {
		t.Fatalf("UpdatePrice(97) fired %v, expected only rsi", fired)
	}
	if g.Watching("rsi", "BTCUSDT") || !g.Watching("sma", "BTCUSDT") {
		t.Fatalf("expected rsi disarmed and sma still armed")
	}
	fired = g.UpdatePrice("BTCUSDT", 94)
	if len(fired) != 1 || fired[0].Strategy != "sma" {
		t.Fatalf("UpdatePrice(94) fired %v, expected only sma", fired)
	}

	g2 := NewStopGuard()
	for _, name := range []string{"zeta", "alpha"} {
		err := g2.Track(Entry{Strategy: name, Symbol: "BTCUSDT", Side: exchange.SideBuy, EntryPrice: 100, Quantity: 1, StopLoss: 98})
		if err != nil {
			t.Fatalf("Track(%s) error = %v", name, err)
		}
	}
	fired = g2.UpdatePrice("BTCUSDT", 97)
	if len(fired) != 2 || fired[0].Strategy != "alpha" || fired[1].Strategy != "zeta" {
		t.Fatalf("simultaneous triggers=%v, expected [alpha zeta]", fired)
	}
}

// Ensures Track validates its entry, replaces an existing watch for the
// same strategy and symbol, and that releases and foreign ticks are safe.
func TestStopGuardTrackAndRelease(t *testing.T) {
	g := NewStopGuard()

	if err := g.Track(Entry{Symbol: "BTCUSDT", Side: exchange.SideBuy, EntryPrice: 100}); err == nil {
		t.Fatalf("Track() without strategy: expected error")
	}
	if err := g.Track(Entry{Strategy: "rsi", Symbol: "BTCUSDT", Side: exchange.SideBuy}); err == nil {
		t.Fatalf("Track() without entry price: expected error")
	}
	if err := g.Track(Entry{Strategy: "rsi", Symbol: "BTCUSDT", Side: exchange.SideBuy, EntryPrice: 100, Trailing: true}); err == nil {
		t.Fatalf("Track() trailing without offset: expected error")
	}

	first := Entry{Strategy: "rsi", Symbol: "BTCUSDT", Side: exchange.SideBuy, EntryPrice: 100, Quantity: 1, StopLoss: 90}
	second := first
	second.StopLoss = 95
	if err := g.Track(first); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	if err := g.Track(second); err != nil {
		t.Fatalf("Track() replacement error = %v", err)
	}
	active := g.Active()
	if len(active) != 1 || active[0].StopLoss != 95 {
		t.Fatalf("Active()=%v, expected one watch with stop 95", active)
	}

	if fired := g.UpdatePrice("DOGEUSDT", 50); fired != nil {
		t.Fatalf("UpdatePrice() on unwatched symbol fired %v, expected nil", fired)
	}
	if fired := g.UpdatePrice("BTCUSDT", 0); fired != nil {
		t.Fatalf("UpdatePrice() with zero price fired %v, expected nil", fired)
	}

	g.Release("ghost", "BTCUSDT")
	g.Release("rsi", "BTCUSDT")
	if g.Watching("rsi", "BTCUSDT") {
		t.Fatalf("Watching()=true after release, expected false")
	}
	if got := len(g.Active()); got != 0 {
		t.Fatalf("Active()=%d, expected 0", got)
	}
}
