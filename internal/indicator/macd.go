package indicator

import (
	"fmt"
	"math"
	"time"
)

// MACD detection events, in priority order: crossovers, histogram,
// momentum, trend confirmation, divergence.
const (
	MACDBullishCrossover          Event = "macd_bullish_crossover"
	MACDBearishCrossover          Event = "macd_bearish_crossover"
	MACDZeroCrossUp               Event = "macd_zero_line_cross_up"
	MACDZeroCrossDown             Event = "macd_zero_line_cross_down"
	MACDHistogramTurnPositive     Event = "macd_histogram_turn_positive"
	MACDHistogramTurnNegative     Event = "macd_histogram_turn_negative"
	MACDHistogramAcceleratingUp   Event = "macd_histogram_accelerating_up"
	MACDHistogramAcceleratingDown Event = "macd_histogram_accelerating_down"
	MACDMomentumUp                Event = "macd_momentum_acceleration_up"
	MACDMomentumDown              Event = "macd_momentum_acceleration_down"
	MACDTrendConfirmBullish       Event = "macd_trend_confirmation_bullish"
	MACDTrendConfirmBearish       Event = "macd_trend_confirmation_bearish"
	MACDDivergenceBullish         Event = "macd_divergence_bullish"
	MACDDivergenceBearish         Event = "macd_divergence_bearish"
)

// MACDThrottle is the minimum spacing between two identical MACD events.
const MACDThrottle = 5 * time.Minute

var macdEvents = map[Event]struct {
	dir   Direction
	label string
}{
	MACDBullishCrossover:          {DirectionLong, "Bullish Crossover"},
	MACDBearishCrossover:          {DirectionShort, "Bearish Crossover"},
	MACDZeroCrossUp:               {DirectionLong, "Zero Line Cross Up"},
	MACDZeroCrossDown:             {DirectionShort, "Zero Line Cross Down"},
	MACDHistogramTurnPositive:     {DirectionLong, "Histogram Turn Positive"},
	MACDHistogramTurnNegative:     {DirectionShort, "Histogram Turn Negative"},
	MACDHistogramAcceleratingUp:   {DirectionLong, "Histogram Accelerating Up"},
	MACDHistogramAcceleratingDown: {DirectionShort, "Histogram Accelerating Down"},
	MACDMomentumUp:                {DirectionLong, "Momentum Acceleration Up"},
	MACDMomentumDown:              {DirectionShort, "Momentum Acceleration Down"},
	MACDTrendConfirmBullish:       {DirectionLong, "Trend Confirmation Bullish"},
	MACDTrendConfirmBearish:       {DirectionShort, "Trend Confirmation Bearish"},
	MACDDivergenceBullish:         {DirectionLong, "Bullish Divergence"},
	MACDDivergenceBearish:         {DirectionShort, "Bearish Divergence"},
}

// MACDTrend classifies the MACD line against the signal line and zero.
type MACDTrend int

const (
	MACDTrendNeutral MACDTrend = iota
	MACDTrendStrongBullish
	MACDTrendBullish
	MACDTrendBearish
	MACDTrendStrongBearish
)

func (t MACDTrend) String() string {
	switch t {
	case MACDTrendStrongBullish:
		return "STRONG_BULLISH"
	case MACDTrendBullish:
		return "BULLISH"
	case MACDTrendBearish:
		return "BEARISH"
	case MACDTrendStrongBearish:
		return "STRONG_BEARISH"
	default:
		return "NEUTRAL"
	}
}

// ParseMACDTrend is the inverse of MACDTrend.String.
func ParseMACDTrend(s string) MACDTrend {
	switch s {
	case "STRONG_BULLISH":
		return MACDTrendStrongBullish
	case "BULLISH":
		return MACDTrendBullish
	case "BEARISH":
		return MACDTrendBearish
	case "STRONG_BEARISH":
		return MACDTrendStrongBearish
	default:
		return MACDTrendNeutral
	}
}

// MACDConfig are the tunables of the MACD state machine.
type MACDConfig struct {
	FastPeriod               int
	SlowPeriod               int
	SignalPeriod             int
	MinHistogramChange       float64
	TrendConfirmationPeriods int
	DivergenceLookback       int
	UseZeroLineCross         bool
	UseHistogramAnalysis     bool
	UseDivergence            bool
}

// DefaultMACDConfig returns the standard 12/26/9 setup.
func DefaultMACDConfig() MACDConfig {
	return MACDConfig{
		FastPeriod:               12,
		SlowPeriod:               26,
		SignalPeriod:             9,
		MinHistogramChange:       0.0005,
		TrendConfirmationPeriods: 3,
		DivergenceLookback:       20,
		UseZeroLineCross:         true,
		UseHistogramAnalysis:     true,
		UseDivergence:            true,
	}
}

// Validate checks period ranges and their ordering.
func (c MACDConfig) Validate() error {
	if c.FastPeriod <= 0 || c.FastPeriod > 50 {
		return fmt.Errorf("fastPeriod %d out of range (0, 50]", c.FastPeriod)
	}
	if c.SlowPeriod <= 0 || c.SlowPeriod > 100 {
		return fmt.Errorf("slowPeriod %d out of range (0, 100]", c.SlowPeriod)
	}
	if c.FastPeriod >= c.SlowPeriod {
		return fmt.Errorf("fastPeriod %d must be less than slowPeriod %d", c.FastPeriod, c.SlowPeriod)
	}
	if c.SignalPeriod <= 0 || c.SignalPeriod > 20 {
		return fmt.Errorf("signalPeriod %d out of range (0, 20]", c.SignalPeriod)
	}
	return nil
}

// MACDValues is one computed sample of the MACD pipeline.
type MACDValues struct {
	FastEMA         float64   `json:"fastEMA"`
	SlowEMA         float64   `json:"slowEMA"`
	MACD            float64   `json:"macd"`
	Signal          float64   `json:"signal"`
	Histogram       float64   `json:"histogram"`
	PrevMACD        float64   `json:"prevMACD"`
	PrevHistogram   float64   `json:"prevHistogram"`
	MACDChange      float64   `json:"macdChange"`
	HistogramChange float64   `json:"histogramChange"`
	Valid           bool      `json:"valid"`
	Timestamp       time.Time `json:"timestamp"`
}

// MACD is the MACD state machine for one symbol. Not safe for concurrent
// use; the owning strategy serializes access.
type MACD struct {
	cfg           MACDConfig
	closes        []float64
	macdForSignal []float64
	history       []MACDValues
	signals       []SignalRecord
	current       MACDValues
	previous      MACDValues
}

func NewMACD(cfg MACDConfig) *MACD {
	return &MACD{cfg: cfg}
}

// Config returns the active configuration.
func (m *MACD) Config() MACDConfig { return m.cfg }

// SetConfig swaps the configuration. Windows are kept; new periods take
// effect from the next update.
func (m *MACD) SetConfig(cfg MACDConfig) { m.cfg = cfg }

// Ready reports whether enough closes accumulated for the full pipeline.
func (m *MACD) Ready() bool {
	return len(m.closes) >= m.cfg.SlowPeriod+m.cfg.SignalPeriod
}

// Current returns the latest computed values (zero Valid before Ready).
func (m *MACD) Current() MACDValues { return m.current }

// Previous returns the values of the tick before the current one.
func (m *MACD) Previous() MACDValues { return m.previous }

// Trend classifies the current values.
func (m *MACD) Trend() MACDTrend { return macdTrendOf(m.current) }

// History returns up to n of the most recent computed samples.
func (m *MACD) History(n int) []MACDValues {
	if n <= 0 || n > len(m.history) {
		n = len(m.history)
	}
	out := make([]MACDValues, n)
	copy(out, m.history[len(m.history)-n:])
	return out
}

// SignalHistory returns up to n of the most recent emitted events.
func (m *MACD) SignalHistory(n int) []SignalRecord {
	if n <= 0 || n > len(m.signals) {
		n = len(m.signals)
	}
	out := make([]SignalRecord, n)
	copy(out, m.signals[len(m.signals)-n:])
	return out
}

// Momentum is the mean MACD change over the last periods samples.
func (m *MACD) Momentum(periods int) float64 {
	if periods <= 0 || len(m.history) < periods+1 {
		return 0
	}
	var total float64
	for i := len(m.history) - periods; i < len(m.history); i++ {
		total += m.history[i].MACD - m.history[i-1].MACD
	}
	return total / float64(periods)
}

// Reset drops all accumulated state.
func (m *MACD) Reset() {
	m.closes = nil
	m.macdForSignal = nil
	m.history = nil
	m.signals = nil
	m.current = MACDValues{}
	m.previous = MACDValues{}
}

// Restore reinstates a snapshotted current value and history. Price windows
// are not part of snapshots; the machine re-accumulates them before it
// emits again.
func (m *MACD) Restore(current MACDValues, history []MACDValues) {
	m.current = current
	m.history = nil
	for _, v := range history {
		v.Valid = true
		m.history = append(m.history, v)
	}
	if len(m.history) > maxValueHistory {
		m.history = m.history[len(m.history)-maxValueHistory:]
	}
}

// Update ingests freshly closed candle prices, recomputes the pipeline and
// runs the detection chain. It returns the zero Detection while the window
// is short, when nothing fires, or when the throttle suppresses a repeat.
func (m *MACD) Update(closes []float64, now time.Time) Detection {
	for _, c := range closes {
		if finite(c) && c > 0 {
			m.closes = pushFloat(m.closes, c, maxInt(m.cfg.SlowPeriod*3, 200))
		}
	}
	if !m.Ready() {
		return Detection{}
	}

	m.previous = m.current
	m.current = m.compute(now)
	if !m.current.Valid {
		return Detection{}
	}

	m.history = append(m.history, m.current)
	if len(m.history) > maxValueHistory {
		m.history = m.history[len(m.history)-maxValueHistory:]
	}

	event := m.detect(m.current, m.previous)
	if event == EventNone || !allowSignal(m.signals, event, now, MACDThrottle) {
		return Detection{}
	}

	info := macdEvents[event]
	det := Detection{
		Event:     event,
		Direction: info.dir,
		Strength:  m.strength(event, m.current),
		Reason:    info.label,
		At:        now,
	}
	m.signals = record(m.signals, SignalRecord{
		Event:     event,
		Direction: info.dir.String(),
		Strength:  det.Strength,
		Price:     m.closes[len(m.closes)-1],
		Timestamp: now,
	})
	return det
}

func (m *MACD) compute(now time.Time) MACDValues {
	var v MACDValues
	if len(m.closes) < m.cfg.SlowPeriod {
		return v
	}
	v.FastEMA = ema(m.closes, m.cfg.FastPeriod)
	v.SlowEMA = ema(m.closes, m.cfg.SlowPeriod)
	v.MACD = v.FastEMA - v.SlowEMA

	m.macdForSignal = pushFloat(m.macdForSignal, v.MACD, maxInt(m.cfg.SignalPeriod*2, 50))
	if len(m.macdForSignal) >= m.cfg.SignalPeriod {
		v.Signal = ema(m.macdForSignal, m.cfg.SignalPeriod)
	}
	v.Histogram = v.MACD - v.Signal

	v.PrevMACD = m.current.MACD
	v.MACDChange = v.MACD - v.PrevMACD
	v.PrevHistogram = m.current.Histogram
	v.HistogramChange = v.Histogram - v.PrevHistogram
	v.Timestamp = now
	v.Valid = finite(v.MACD) && finite(v.Signal) && finite(v.Histogram)
	return v
}

func (m *MACD) detect(cur, prev MACDValues) Event {
	// Crossovers first.
	if prev.MACD <= prev.Signal && cur.MACD > cur.Signal {
		return MACDBullishCrossover
	}
	if prev.MACD >= prev.Signal && cur.MACD < cur.Signal {
		return MACDBearishCrossover
	}
	if m.cfg.UseZeroLineCross {
		if prev.MACD <= 0 && cur.MACD > 0 {
			return MACDZeroCrossUp
		}
		if prev.MACD >= 0 && cur.MACD < 0 {
			return MACDZeroCrossDown
		}
	}

	if m.cfg.UseHistogramAnalysis {
		if prev.Histogram <= 0 && cur.Histogram > 0 {
			return MACDHistogramTurnPositive
		}
		if prev.Histogram >= 0 && cur.Histogram < 0 {
			return MACDHistogramTurnNegative
		}
		if math.Abs(cur.HistogramChange) > m.cfg.MinHistogramChange {
			if cur.HistogramChange > 0 && cur.Histogram > 0 {
				return MACDHistogramAcceleratingUp
			}
			if cur.HistogramChange < 0 && cur.Histogram < 0 {
				return MACDHistogramAcceleratingDown
			}
		}
	}

	if cur.MACD > prev.MACD && cur.Histogram > prev.Histogram && cur.HistogramChange > 0 {
		return MACDMomentumUp
	}
	if cur.MACD < prev.MACD && cur.Histogram < prev.Histogram && cur.HistogramChange < 0 {
		return MACDMomentumDown
	}

	if m.trendConfirmed(MACDTrendBullish) {
		return MACDTrendConfirmBullish
	}
	if m.trendConfirmed(MACDTrendBearish) {
		return MACDTrendConfirmBearish
	}

	if m.cfg.UseDivergence {
		res := divergence(m.closes, m.macdSeries(), m.cfg.DivergenceLookback)
		if res.bullish {
			return MACDDivergenceBullish
		}
		if res.bearish {
			return MACDDivergenceBearish
		}
	}
	return EventNone
}

// trendConfirmed requires at least 2/3 of the last confirmation periods to
// classify to exactly the given trend.
func (m *MACD) trendConfirmed(trend MACDTrend) bool {
	n := m.cfg.TrendConfirmationPeriods
	if n <= 0 || len(m.history) < n {
		return false
	}
	count := 0
	for _, v := range m.history[len(m.history)-n:] {
		if macdTrendOf(v) == trend {
			count++
		}
	}
	return count >= n*2/3
}

func (m *MACD) strength(e Event, v MACDValues) float64 {
	s := 0.5
	switch e {
	case MACDBullishCrossover, MACDBearishCrossover:
		s = math.Min(1, math.Abs(v.MACD-v.Signal)/0.01)
	case MACDZeroCrossUp, MACDZeroCrossDown:
		s = math.Min(1, math.Abs(v.MACD)/0.005)
	case MACDHistogramTurnPositive, MACDHistogramTurnNegative:
		s = math.Min(1, math.Abs(v.HistogramChange)/0.001)
	case MACDDivergenceBullish, MACDDivergenceBearish:
		s = 0.9
	case MACDMomentumUp, MACDMomentumDown:
		s = math.Min(1, math.Abs(v.HistogramChange)/0.002)
	}
	return clamp01(s)
}

func (m *MACD) macdSeries() []float64 {
	out := make([]float64, len(m.history))
	for i, v := range m.history {
		out[i] = v.MACD
	}
	return out
}

func macdTrendOf(v MACDValues) MACDTrend {
	if !v.Valid {
		return MACDTrendNeutral
	}
	switch {
	case v.MACD > v.Signal && v.MACD > 0:
		return MACDTrendStrongBullish
	case v.MACD > v.Signal && v.MACD <= 0:
		return MACDTrendBullish
	case v.MACD < v.Signal && v.MACD < 0:
		return MACDTrendStrongBearish
	case v.MACD < v.Signal && v.MACD >= 0:
		return MACDTrendBearish
	default:
		return MACDTrendNeutral
	}
}

// ema seeds from the first element and folds the whole window with the
// standard 2/(period+1) multiplier. Windows shorter than the period yield 0.
func ema(window []float64, period int) float64 {
	if period <= 0 || len(window) < period {
		return 0
	}
	mult := 2.0 / (float64(period) + 1.0)
	out := window[0]
	for i := 1; i < len(window); i++ {
		out = window[i]*mult + out*(1.0-mult)
	}
	return out
}
