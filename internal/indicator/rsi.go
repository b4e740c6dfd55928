package indicator

import (
	"fmt"
	"math"
	"time"
)

// RSI detection events, in priority order: momentum, zone transitions,
// divergence.
const (
	RSIMomentumBullish     Event = "rsi_momentum_bullish"
	RSIMomentumBearish     Event = "rsi_momentum_bearish"
	RSIBuyOversold         Event = "rsi_buy_oversold"
	RSISellOverbought      Event = "rsi_sell_overbought"
	RSIBuyOversoldExit     Event = "rsi_buy_oversold_exit"
	RSISellOverboughtExit  Event = "rsi_sell_overbought_exit"
	RSIExtremeReversalBuy  Event = "rsi_extreme_reversal_buy"
	RSIExtremeReversalSell Event = "rsi_extreme_reversal_sell"
	RSIDivergenceBullish   Event = "rsi_divergence_bullish"
	RSIDivergenceBearish   Event = "rsi_divergence_bearish"
)

// RSIThrottle is the minimum spacing between two identical RSI events.
const RSIThrottle = 10 * time.Minute

var rsiEvents = map[Event]struct {
	dir   Direction
	label string
}{
	RSIMomentumBullish:     {DirectionLong, "Bullish Momentum"},
	RSIMomentumBearish:     {DirectionShort, "Bearish Momentum"},
	RSIBuyOversold:         {DirectionLong, "Buy Oversold"},
	RSISellOverbought:      {DirectionShort, "Sell Overbought"},
	RSIBuyOversoldExit:     {DirectionLong, "Buy Oversold Exit"},
	RSISellOverboughtExit:  {DirectionShort, "Sell Overbought Exit"},
	RSIExtremeReversalBuy:  {DirectionLong, "Extreme Reversal Buy"},
	RSIExtremeReversalSell: {DirectionShort, "Extreme Reversal Sell"},
	RSIDivergenceBullish:   {DirectionLong, "Bullish Divergence"},
	RSIDivergenceBearish:   {DirectionShort, "Bearish Divergence"},
}

// RSIZone buckets the oscillator value between the configured thresholds.
type RSIZone int

const (
	RSIZoneExtremeOversold RSIZone = iota
	RSIZoneOversold
	RSIZoneNeutralLow
	RSIZoneNeutralHigh
	RSIZoneOverbought
	RSIZoneExtremeOverbought
)

func (z RSIZone) String() string {
	switch z {
	case RSIZoneExtremeOversold:
		return "EXTREME_OVERSOLD"
	case RSIZoneOversold:
		return "OVERSOLD"
	case RSIZoneNeutralLow:
		return "NEUTRAL_LOW"
	case RSIZoneNeutralHigh:
		return "NEUTRAL_HIGH"
	case RSIZoneOverbought:
		return "OVERBOUGHT"
	default:
		return "EXTREME_OVERBOUGHT"
	}
}

// ParseRSIZone is the inverse of RSIZone.String.
func ParseRSIZone(s string) RSIZone {
	switch s {
	case "EXTREME_OVERSOLD":
		return RSIZoneExtremeOversold
	case "OVERSOLD":
		return RSIZoneOversold
	case "NEUTRAL_HIGH":
		return RSIZoneNeutralHigh
	case "OVERBOUGHT":
		return RSIZoneOverbought
	case "EXTREME_OVERBOUGHT":
		return RSIZoneExtremeOverbought
	default:
		return RSIZoneNeutralLow
	}
}

// RSIConfig are the tunables of the RSI state machine.
type RSIConfig struct {
	Period             int
	Oversold           float64
	Overbought         float64
	ExtremeOversold    float64
	ExtremeOverbought  float64
	ChangeThreshold    float64
	DivergenceLookback int
	MinPeriods         int
	UseDivergence      bool
}

// DefaultRSIConfig returns the standard 14-period setup.
func DefaultRSIConfig() RSIConfig {
	return RSIConfig{
		Period:             14,
		Oversold:           30,
		Overbought:         70,
		ExtremeOversold:    20,
		ExtremeOverbought:  80,
		ChangeThreshold:    5.0,
		DivergenceLookback: 20,
		MinPeriods:         20,
		UseDivergence:      true,
	}
}

// Validate checks the period range and threshold ordering.
func (c RSIConfig) Validate() error {
	if c.Period < 2 || c.Period > 50 {
		return fmt.Errorf("period %d out of range [2, 50]", c.Period)
	}
	if c.Oversold >= c.Overbought {
		return fmt.Errorf("oversold %.1f must be below overbought %.1f", c.Oversold, c.Overbought)
	}
	if c.ExtremeOversold >= c.Oversold {
		return fmt.Errorf("extremeOversold %.1f must be below oversold %.1f", c.ExtremeOversold, c.Oversold)
	}
	if c.ExtremeOverbought <= c.Overbought {
		return fmt.Errorf("extremeOverbought %.1f must be above overbought %.1f", c.ExtremeOverbought, c.Overbought)
	}
	return nil
}

// RSIValues is one computed sample of the RSI pipeline.
type RSIValues struct {
	RSI         float64   `json:"rsi"`
	PreviousRSI float64   `json:"previousRSI"`
	Change      float64   `json:"change"`
	AverageGain float64   `json:"averageGain"`
	AverageLoss float64   `json:"averageLoss"`
	PeriodCount int       `json:"periodCount"`
	Valid       bool      `json:"valid"`
	Timestamp   time.Time `json:"timestamp"`
}

// RSI is the RSI state machine for one symbol. Not safe for concurrent
// use; the owning strategy serializes access.
type RSI struct {
	cfg      RSIConfig
	closes   []float64
	history  []RSIValues
	signals  []SignalRecord
	current  RSIValues
	previous RSIValues
	zone     RSIZone
	prevZone RSIZone
}

func NewRSI(cfg RSIConfig) *RSI {
	return &RSI{cfg: cfg, zone: RSIZoneNeutralLow, prevZone: RSIZoneNeutralLow}
}

func (r *RSI) Config() RSIConfig       { return r.cfg }
func (r *RSI) SetConfig(cfg RSIConfig) { r.cfg = cfg }

// Ready reports whether enough closes accumulated to compute a value.
func (r *RSI) Ready() bool { return len(r.closes) >= r.cfg.Period+1 }

func (r *RSI) Current() RSIValues  { return r.current }
func (r *RSI) Previous() RSIValues { return r.previous }
func (r *RSI) Zone() RSIZone       { return r.zone }

// ZoneOf buckets an arbitrary value with the active thresholds.
func (r *RSI) ZoneOf(rsi float64) RSIZone {
	switch {
	case rsi <= r.cfg.ExtremeOversold:
		return RSIZoneExtremeOversold
	case rsi <= r.cfg.Oversold:
		return RSIZoneOversold
	case rsi < 50:
		return RSIZoneNeutralLow
	case rsi < r.cfg.Overbought:
		return RSIZoneNeutralHigh
	case rsi < r.cfg.ExtremeOverbought:
		return RSIZoneOverbought
	default:
		return RSIZoneExtremeOverbought
	}
}

// History returns up to n of the most recent computed samples.
func (r *RSI) History(n int) []RSIValues {
	if n <= 0 || n > len(r.history) {
		n = len(r.history)
	}
	out := make([]RSIValues, n)
	copy(out, r.history[len(r.history)-n:])
	return out
}

// SignalHistory returns up to n of the most recent emitted events.
func (r *RSI) SignalHistory(n int) []SignalRecord {
	if n <= 0 || n > len(r.signals) {
		n = len(r.signals)
	}
	out := make([]SignalRecord, n)
	copy(out, r.signals[len(r.signals)-n:])
	return out
}

// Momentum is the mean RSI change over the last periods samples.
func (r *RSI) Momentum(periods int) float64 {
	if periods <= 0 || len(r.history) < periods+1 {
		return 0
	}
	var total float64
	for _, v := range r.history[len(r.history)-periods:] {
		total += v.Change
	}
	return total / float64(periods)
}

// Reversing reports a directional run over the samples before the current
// one whose direction the current change breaks.
func (r *RSI) Reversing(periods int) bool {
	if periods < 2 || len(r.history) < periods+1 {
		return false
	}
	run := r.history[len(r.history)-periods-1 : len(r.history)-1]
	rising, falling := true, true
	for i := 1; i < len(run); i++ {
		if run[i].RSI <= run[i-1].RSI {
			rising = false
		}
		if run[i].RSI >= run[i-1].RSI {
			falling = false
		}
	}
	change := r.current.Change
	return (rising && change < 0) || (falling && change > 0)
}

// Reset drops all accumulated state.
func (r *RSI) Reset() {
	r.closes = nil
	r.history = nil
	r.signals = nil
	r.current = RSIValues{}
	r.previous = RSIValues{}
	r.zone = RSIZoneNeutralLow
	r.prevZone = RSIZoneNeutralLow
}

// Restore reinstates a snapshotted current value and history.
func (r *RSI) Restore(current RSIValues, zone RSIZone, history []RSIValues) {
	r.current = current
	r.zone = zone
	r.history = nil
	for _, v := range history {
		v.Valid = true
		r.history = append(r.history, v)
	}
	if len(r.history) > maxValueHistory {
		r.history = r.history[len(r.history)-maxValueHistory:]
	}
}

// Update ingests freshly closed candle prices, recomputes the oscillator
// and runs the detection chain.
func (r *RSI) Update(closes []float64, now time.Time) Detection {
	for _, c := range closes {
		if !finite(c) || c <= 0 {
			continue
		}
		r.closes = pushFloat(r.closes, c, maxInt(r.cfg.Period*3, 200))
	}
	if !r.Ready() {
		return Detection{}
	}

	r.previous = r.current
	r.prevZone = r.zone
	r.current = r.compute(now)
	if !r.current.Valid {
		return Detection{}
	}
	r.zone = r.ZoneOf(r.current.RSI)

	r.history = append(r.history, r.current)
	if len(r.history) > maxValueHistory {
		r.history = r.history[len(r.history)-maxValueHistory:]
	}

	event := r.detect()
	if event == EventNone || !allowSignal(r.signals, event, now, RSIThrottle) {
		return Detection{}
	}

	info := rsiEvents[event]
	det := Detection{
		Event:     event,
		Direction: info.dir,
		Strength:  r.strength(event, r.current),
		Reason:    info.label,
		At:        now,
	}
	r.signals = record(r.signals, SignalRecord{
		Event:     event,
		Direction: info.dir.String(),
		Strength:  det.Strength,
		Price:     r.closes[len(r.closes)-1],
		Timestamp: now,
	})
	return det
}

func (r *RSI) compute(now time.Time) RSIValues {
	var v RSIValues
	if len(r.closes) < r.cfg.Period+1 {
		return v
	}
	avgGain, avgLoss := r.averages()
	if avgLoss == 0 {
		v.RSI = 100
	} else {
		rs := avgGain / avgLoss
		v.RSI = 100 - 100/(1+rs)
	}
	v.AverageGain = avgGain
	v.AverageLoss = avgLoss
	v.PreviousRSI = r.current.RSI
	v.Change = v.RSI - v.PreviousRSI
	v.PeriodCount = len(r.closes)
	v.Timestamp = now
	v.Valid = finite(v.RSI) && v.RSI >= 0 && v.RSI <= 100
	return v
}

// averages are plain means of the last period gains and losses.
func (r *RSI) averages() (gain, loss float64) {
	n := len(r.closes)
	period := r.cfg.Period
	var gainSum, lossSum float64
	for i := n - period; i < n; i++ {
		change := r.closes[i] - r.closes[i-1]
		if change > 0 {
			gainSum += change
		} else {
			lossSum += -change
		}
	}
	return gainSum / float64(period), lossSum / float64(period)
}

func (r *RSI) detect() Event {
	cur, prev := r.current, r.previous
	if prev.Valid {
		// Momentum acceleration on the winning side of 50.
		if cur.Change > r.cfg.ChangeThreshold && cur.Change > prev.Change && cur.RSI > 50 {
			return RSIMomentumBullish
		}
		if cur.Change < -r.cfg.ChangeThreshold && cur.Change < prev.Change && cur.RSI < 50 {
			return RSIMomentumBearish
		}
	}

	// Zone entries.
	if r.zone == RSIZoneOversold && r.prevZone != RSIZoneOversold && r.prevZone != RSIZoneExtremeOversold {
		return RSIBuyOversold
	}
	if r.zone == RSIZoneOverbought && r.prevZone != RSIZoneOverbought && r.prevZone != RSIZoneExtremeOverbought {
		return RSISellOverbought
	}
	// Zone exits back to neutral.
	if (r.prevZone == RSIZoneOversold || r.prevZone == RSIZoneExtremeOversold) &&
		(r.zone == RSIZoneNeutralLow || r.zone == RSIZoneNeutralHigh) {
		return RSIBuyOversoldExit
	}
	if (r.prevZone == RSIZoneOverbought || r.prevZone == RSIZoneExtremeOverbought) &&
		(r.zone == RSIZoneNeutralHigh || r.zone == RSIZoneNeutralLow) {
		return RSISellOverboughtExit
	}
	// Reversals inside the extreme zones.
	if r.zone == RSIZoneExtremeOversold && r.Reversing(3) {
		return RSIExtremeReversalBuy
	}
	if r.zone == RSIZoneExtremeOverbought && r.Reversing(3) {
		return RSIExtremeReversalSell
	}

	if r.cfg.UseDivergence {
		res := divergence(r.closes, r.rsiSeries(), r.cfg.DivergenceLookback)
		if res.bullish {
			return RSIDivergenceBullish
		}
		if res.bearish {
			return RSIDivergenceBearish
		}
	}
	return EventNone
}

func (r *RSI) strength(e Event, v RSIValues) float64 {
	s := 0.5
	switch e {
	case RSIBuyOversold:
		s = math.Max(0, (r.cfg.Oversold-v.RSI)/r.cfg.Oversold)
	case RSISellOverbought:
		s = math.Max(0, (v.RSI-r.cfg.Overbought)/(100-r.cfg.Overbought))
	case RSIExtremeReversalBuy, RSIExtremeReversalSell:
		s = 0.9
	case RSIDivergenceBullish, RSIDivergenceBearish:
		s = 0.8
	case RSIMomentumBullish, RSIMomentumBearish:
		s = math.Min(1, math.Abs(v.Change)/20)
	}
	return clamp01(s)
}

func (r *RSI) rsiSeries() []float64 {
	out := make([]float64, len(r.history))
	for i, v := range r.history {
		out[i] = v.RSI
	}
	return out
}
