package indicator

import (
	"math"
	"testing"
	"time"
)

func feedMACD(m *MACD, start time.Time, closes ...float64) []Detection {
	var out []Detection
	for i, c := range closes {
		det := m.Update([]float64{c}, start.Add(time.Duration(i)*time.Minute))
		if det.Event != EventNone {
			out = append(out, det)
		}
	}
	return out
}

// Ensures no values are computed and no events fire until the close window
// reaches slowPeriod+signalPeriod samples.
func TestMACDValidityGate(t *testing.T) {
	m := NewMACD(DefaultMACDConfig())
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	need := m.Config().SlowPeriod + m.Config().SignalPeriod
	for i := 0; i < need-1; i++ {
		det := m.Update([]float64{100}, start.Add(time.Duration(i)*time.Minute))
		if det.Event != EventNone {
			t.Fatalf("event %q fired at tick %d, expected none before %d closes", det.Event, i+1, need)
		}
		if m.Current().Valid {
			t.Fatalf("Current().Valid=true at tick %d, expected false before %d closes", i+1, need)
		}
	}

	m.Update([]float64{100}, start.Add(time.Duration(need)*time.Minute))
	if !m.Current().Valid {
		t.Fatalf("Current().Valid=false after %d closes, expected true", need)
	}
	if !m.Ready() {
		t.Fatalf("Ready()=false after %d closes, expected true", need)
	}
}

// Ensures the EMA seeds from the first window element and folds the whole
// window with the 2/(N+1) multiplier.
func TestEMA(t *testing.T) {
	tests := []struct {
		name   string
		window []float64
		period int
		want   float64
	}{
		{"short window", []float64{1}, 2, 0},
		{"empty window", nil, 3, 0},
		{"constant", []float64{5, 5, 5, 5}, 3, 5},
		{"seeded fold", []float64{1, 2, 3}, 2, 23.0 / 9.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ema(tt.window, tt.period)
			if math.Abs(got-tt.want) > 1e-12 {
				t.Fatalf("ema=%v, expected %v", got, tt.want)
			}
		})
	}
}

// Ensures a flat series produces no events and a single jump above it fires
// a full-strength bullish crossover.
func TestMACDBullishCrossoverOnJump(t *testing.T) {
	m := NewMACD(DefaultMACDConfig())
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	flat := make([]float64, 40)
	for i := range flat {
		flat[i] = 100
	}
	if got := feedMACD(m, start, flat...); len(got) != 0 {
		t.Fatalf("flat series fired %d events, expected none", len(got))
	}

	det := m.Update([]float64{110}, start.Add(41*time.Minute))
	if det.Event != MACDBullishCrossover {
		t.Fatalf("event=%q, expected %q", det.Event, MACDBullishCrossover)
	}
	if det.Direction != DirectionLong {
		t.Fatalf("direction=%v, expected %v", det.Direction, DirectionLong)
	}
	if det.Strength != 1 {
		t.Fatalf("strength=%v, expected 1", det.Strength)
	}
	if det.Reason != "Bullish Crossover" {
		t.Fatalf("reason=%q, expected %q", det.Reason, "Bullish Crossover")
	}
	if m.Current().MACD <= 0 {
		t.Fatalf("MACD=%v after jump, expected positive", m.Current().MACD)
	}
}

// Ensures the mirrored drop fires a bearish crossover.
func TestMACDBearishCrossoverOnDrop(t *testing.T) {
	m := NewMACD(DefaultMACDConfig())
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	flat := make([]float64, 40)
	for i := range flat {
		flat[i] = 100
	}
	feedMACD(m, start, flat...)

	det := m.Update([]float64{90}, start.Add(41*time.Minute))
	if det.Event != MACDBearishCrossover {
		t.Fatalf("event=%q, expected %q", det.Event, MACDBearishCrossover)
	}
	if det.Direction != DirectionShort {
		t.Fatalf("direction=%v, expected %v", det.Direction, DirectionShort)
	}
}

// Ensures trend classification covers all sign combinations of the MACD
// line against the signal line and zero.
func TestMACDTrendClassification(t *testing.T) {
	tests := []struct {
		name string
		v    MACDValues
		want MACDTrend
	}{
		{"strong bullish", MACDValues{MACD: 1, Signal: 0.5, Valid: true}, MACDTrendStrongBullish},
		{"bullish below zero", MACDValues{MACD: -0.3, Signal: -0.5, Valid: true}, MACDTrendBullish},
		{"strong bearish", MACDValues{MACD: -0.5, Signal: -0.2, Valid: true}, MACDTrendStrongBearish},
		{"bearish above zero", MACDValues{MACD: 0.3, Signal: 0.5, Valid: true}, MACDTrendBearish},
		{"equal lines", MACDValues{MACD: 0.5, Signal: 0.5, Valid: true}, MACDTrendNeutral},
		{"invalid", MACDValues{MACD: 1, Signal: 0.5}, MACDTrendNeutral},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := macdTrendOf(tt.v); got != tt.want {
				t.Fatalf("trend=%v, expected %v", got, tt.want)
			}
		})
	}
}

// Ensures trend names survive a String/Parse round trip.
func TestMACDTrendStringRoundTrip(t *testing.T) {
	trends := []MACDTrend{
		MACDTrendNeutral, MACDTrendStrongBullish, MACDTrendBullish,
		MACDTrendBearish, MACDTrendStrongBearish,
	}
	for _, tr := range trends {
		if got := ParseMACDTrend(tr.String()); got != tr {
			t.Fatalf("ParseMACDTrend(%q)=%v, expected %v", tr.String(), got, tr)
		}
	}
}

// Ensures config validation rejects bad period combinations.
func TestMACDConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*MACDConfig)
		wantErr bool
	}{
		{"defaults", func(c *MACDConfig) {}, false},
		{"zero fast", func(c *MACDConfig) { c.FastPeriod = 0 }, true},
		{"fast above slow", func(c *MACDConfig) { c.FastPeriod = 30 }, true},
		{"slow too large", func(c *MACDConfig) { c.SlowPeriod = 150 }, true},
		{"zero signal", func(c *MACDConfig) { c.SignalPeriod = 0 }, true},
		{"signal too large", func(c *MACDConfig) { c.SignalPeriod = 25 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultMACDConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate()=%v, expected error=%v", err, tt.wantErr)
			}
		})
	}
}

// Ensures Restore reinstates the current value and history but leaves the
// machine quiet until the price window refills.
func TestMACDRestore(t *testing.T) {
	m := NewMACD(DefaultMACDConfig())
	current := MACDValues{MACD: 0.5, Signal: 0.3, Histogram: 0.2, Valid: true}
	history := []MACDValues{{MACD: 0.4}, {MACD: 0.45}, current}

	m.Restore(current, history)

	if got := m.Current().MACD; got != 0.5 {
		t.Fatalf("Current().MACD=%v, expected 0.5", got)
	}
	if got := len(m.History(0)); got != 3 {
		t.Fatalf("history length=%v, expected 3", got)
	}
	if m.Ready() {
		t.Fatalf("Ready()=true after restore, expected false until window refills")
	}

	det := m.Update([]float64{100}, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	if det.Event != EventNone {
		t.Fatalf("event %q fired right after restore, expected none", det.Event)
	}
}

// Ensures Momentum averages the MACD deltas over the requested window.
func TestMACDMomentum(t *testing.T) {
	m := NewMACD(DefaultMACDConfig())
	m.history = []MACDValues{{MACD: 1}, {MACD: 2}, {MACD: 4}}

	if got := m.Momentum(2); got != 1.5 {
		t.Fatalf("Momentum(2)=%v, expected 1.5", got)
	}
	if got := m.Momentum(5); got != 0 {
		t.Fatalf("Momentum(5)=%v with short history, expected 0", got)
	}
}
