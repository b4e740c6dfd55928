package indicator

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// SMA detection events, in priority order: crossovers, trend events,
// triple alignment.
const (
	SMAGoldenCross         Event = "sma_golden_cross"
	SMADeathCross          Event = "sma_death_cross"
	SMATrendAcceleration   Event = "sma_trend_acceleration"
	SMATrendDeceleration   Event = "sma_trend_deceleration"
	SMAPullbackBuy         Event = "sma_pullback_buy"
	SMAPullbackSell        Event = "sma_pullback_sell"
	SMATripleAlignmentBull Event = "sma_triple_alignment_bull"
	SMATripleAlignmentBear Event = "sma_triple_alignment_bear"
)

// SMAThrottle is the minimum spacing between two identical SMA events.
const SMAThrottle = 15 * time.Minute

// slopePoints is the regression window: the two most recent history
// samples plus the current one.
const slopePoints = 3

var smaEvents = map[Event]struct {
	dir   Direction
	label string
}{
	SMAGoldenCross:         {DirectionLong, "Golden Cross"},
	SMADeathCross:          {DirectionShort, "Death Cross"},
	SMATrendAcceleration:   {DirectionLong, "Trend Acceleration"},
	SMATrendDeceleration:   {DirectionShort, "Trend Deceleration"},
	SMAPullbackBuy:         {DirectionLong, "Pullback Buy"},
	SMAPullbackSell:        {DirectionShort, "Pullback Sell"},
	SMATripleAlignmentBull: {DirectionLong, "Triple Alignment Bull"},
	SMATripleAlignmentBear: {DirectionShort, "Triple Alignment Bear"},
}

// SMATrend classifies the fast/slow spread and the fast slope.
type SMATrend int

const (
	SMATrendSideways SMATrend = iota
	SMATrendStrongUp
	SMATrendWeakUp
	SMATrendWeakDown
	SMATrendStrongDown
)

func (t SMATrend) String() string {
	switch t {
	case SMATrendStrongUp:
		return "STRONG_UPTREND"
	case SMATrendWeakUp:
		return "WEAK_UPTREND"
	case SMATrendWeakDown:
		return "WEAK_DOWNTREND"
	case SMATrendStrongDown:
		return "STRONG_DOWNTREND"
	default:
		return "SIDEWAYS"
	}
}

// ParseSMATrend is the inverse of SMATrend.String.
func ParseSMATrend(s string) SMATrend {
	switch s {
	case "STRONG_UPTREND":
		return SMATrendStrongUp
	case "WEAK_UPTREND":
		return SMATrendWeakUp
	case "WEAK_DOWNTREND":
		return SMATrendWeakDown
	case "STRONG_DOWNTREND":
		return SMATrendStrongDown
	default:
		return SMATrendSideways
	}
}

// Bullish reports whether the trend points up.
func (t SMATrend) Bullish() bool { return t == SMATrendStrongUp || t == SMATrendWeakUp }

// Bearish reports whether the trend points down.
func (t SMATrend) Bearish() bool { return t == SMATrendStrongDown || t == SMATrendWeakDown }

// SMAConfig are the tunables of the SMA state machine.
type SMAConfig struct {
	FastPeriod      int
	SlowPeriod      int
	LongPeriod      int
	UseTripleMA     bool
	UseSlopeFilter  bool
	MinSlope        float64
	UseVolumeFilter bool
	VolumeThreshold float64
}

// DefaultSMAConfig returns the standard 10/20/50 dual-MA setup.
func DefaultSMAConfig() SMAConfig {
	return SMAConfig{
		FastPeriod:      10,
		SlowPeriod:      20,
		LongPeriod:      50,
		UseTripleMA:     false,
		UseSlopeFilter:  true,
		MinSlope:        0.001,
		UseVolumeFilter: false,
		VolumeThreshold: 1.5,
	}
}

// Validate checks period ordering.
func (c SMAConfig) Validate() error {
	if c.FastPeriod <= 0 {
		return fmt.Errorf("fastPeriod %d must be positive", c.FastPeriod)
	}
	if c.FastPeriod >= c.SlowPeriod {
		return fmt.Errorf("fastPeriod %d must be less than slowPeriod %d", c.FastPeriod, c.SlowPeriod)
	}
	if c.UseTripleMA && c.SlowPeriod >= c.LongPeriod {
		return fmt.Errorf("slowPeriod %d must be less than longPeriod %d", c.SlowPeriod, c.LongPeriod)
	}
	return nil
}

// SMAValues is one computed sample of the moving-average pipeline. LongSMA
// and LongSlope stay zero outside triple-MA mode.
type SMAValues struct {
	FastSMA       float64   `json:"fastSMA"`
	SlowSMA       float64   `json:"slowSMA"`
	LongSMA       float64   `json:"longSMA"`
	FastSlope     float64   `json:"fastSlope"`
	SlowSlope     float64   `json:"slowSlope"`
	LongSlope     float64   `json:"longSlope"`
	Spread        float64   `json:"spread"`
	SpreadPercent float64   `json:"spreadPercent"`
	PeriodCount   int       `json:"periodCount"`
	Valid         bool      `json:"valid"`
	Timestamp     time.Time `json:"timestamp"`
}

// SMATrendAnalysis tracks the classified trend across updates.
type SMATrendAnalysis struct {
	Current    SMATrend
	Previous   SMATrend
	Strength   float64
	Changing   bool
	StartedAt  time.Time
	Duration   time.Duration
	Support    float64
	Resistance float64
}

// SMA is the moving-average state machine for one symbol. Not safe for
// concurrent use; the owning strategy serializes access.
type SMA struct {
	cfg          SMAConfig
	closes       []float64
	volumes      []float64
	history      []SMAValues
	signals      []SignalRecord
	current      SMAValues
	previous     SMAValues
	trend        SMATrendAnalysis
	trendChanges int
}

func NewSMA(cfg SMAConfig) *SMA {
	return &SMA{cfg: cfg}
}

func (s *SMA) Config() SMAConfig       { return s.cfg }
func (s *SMA) SetConfig(cfg SMAConfig) { s.cfg = cfg }

// Ready reports whether enough closes accumulated. The long period counts
// toward the gate even in dual-MA mode.
func (s *SMA) Ready() bool {
	need := maxInt(s.cfg.FastPeriod, maxInt(s.cfg.SlowPeriod, s.cfg.LongPeriod))
	return len(s.closes) >= need
}

func (s *SMA) Current() SMAValues  { return s.current }
func (s *SMA) Previous() SMAValues { return s.previous }

// Trend returns the tracked trend analysis.
func (s *SMA) Trend() SMATrendAnalysis { return s.trend }

// TrendChanges is the number of trend flips seen since the last reset.
func (s *SMA) TrendChanges() int { return s.trendChanges }

// History returns up to n of the most recent computed samples.
func (s *SMA) History(n int) []SMAValues {
	if n <= 0 || n > len(s.history) {
		n = len(s.history)
	}
	out := make([]SMAValues, n)
	copy(out, s.history[len(s.history)-n:])
	return out
}

// SignalHistory returns up to n of the most recent emitted events.
func (s *SMA) SignalHistory(n int) []SignalRecord {
	if n <= 0 || n > len(s.signals) {
		n = len(s.signals)
	}
	out := make([]SignalRecord, n)
	copy(out, s.signals[len(s.signals)-n:])
	return out
}

// Levels returns the active moving averages sorted ascending, for use as
// support/resistance ladders.
func (s *SMA) Levels() []float64 {
	if !s.current.Valid {
		return nil
	}
	levels := []float64{s.current.FastSMA, s.current.SlowSMA}
	if s.cfg.UseTripleMA && s.current.LongSMA > 0 {
		levels = append(levels, s.current.LongSMA)
	}
	sort.Float64s(levels)
	return levels
}

// Support is the nearest dynamic support: the lowest active MA while
// trending up, the slow MA otherwise.
func (s *SMA) Support() float64 {
	if !s.current.Valid {
		return 0
	}
	if s.trend.Current.Bullish() {
		lv := s.Levels()
		if len(lv) > 0 {
			return lv[0]
		}
	}
	return s.current.SlowSMA
}

// Resistance mirrors Support for downtrends.
func (s *SMA) Resistance() float64 {
	if !s.current.Valid {
		return 0
	}
	if s.trend.Current.Bearish() {
		lv := s.Levels()
		if len(lv) > 0 {
			return lv[len(lv)-1]
		}
	}
	return s.current.SlowSMA
}

// AverageVolume is the mean of the last periods volume samples.
func (s *SMA) AverageVolume(periods int) float64 {
	if periods <= 0 || len(s.volumes) == 0 {
		return 0
	}
	if periods > len(s.volumes) {
		periods = len(s.volumes)
	}
	var sum float64
	for _, v := range s.volumes[len(s.volumes)-periods:] {
		sum += v
	}
	return sum / float64(periods)
}

// VolumeConfirmed reports whether volume clears the configured multiple of
// the 20-sample average. Always true while the filter is off or the window
// is empty.
func (s *SMA) VolumeConfirmed(volume float64) bool {
	if !s.cfg.UseVolumeFilter {
		return true
	}
	avg := s.AverageVolume(20)
	if avg <= 0 {
		return true
	}
	return volume >= avg*s.cfg.VolumeThreshold
}

// SlopeConfirmed reports whether the fast slope clears the configured
// minimum. Always true while the filter is off.
func (s *SMA) SlopeConfirmed() bool {
	if !s.cfg.UseSlopeFilter {
		return true
	}
	return math.Abs(s.current.FastSlope) >= s.cfg.MinSlope
}

// Reset drops all accumulated state.
func (s *SMA) Reset() {
	s.closes = nil
	s.volumes = nil
	s.history = nil
	s.signals = nil
	s.current = SMAValues{}
	s.previous = SMAValues{}
	s.trend = SMATrendAnalysis{}
	s.trendChanges = 0
}

// Restore reinstates a snapshotted current value and history. Price and
// volume windows are not part of snapshots; the machine re-accumulates
// them before it emits again.
func (s *SMA) Restore(current SMAValues, history []SMAValues) {
	s.current = current
	s.history = nil
	for _, v := range history {
		v.Valid = true
		s.history = append(s.history, v)
	}
	if len(s.history) > maxValueHistory {
		s.history = s.history[len(s.history)-maxValueHistory:]
	}
}

// Update ingests freshly closed candle prices and volumes, recomputes the
// moving averages and runs the detection chain. volumes may be shorter
// than closes; missing entries are skipped.
func (s *SMA) Update(closes, volumes []float64, now time.Time) Detection {
	for _, c := range closes {
		if finite(c) && c > 0 {
			s.closes = pushFloat(s.closes, c, maxInt(s.cfg.LongPeriod*2, 200))
		}
	}
	for _, v := range volumes {
		if finite(v) && v >= 0 {
			s.volumes = pushFloat(s.volumes, v, 200)
		}
	}
	if !s.Ready() {
		return Detection{}
	}

	s.previous = s.current
	s.current = s.compute(now)
	if !s.validValues(s.current) {
		return Detection{}
	}

	s.history = append(s.history, s.current)
	if len(s.history) > maxValueHistory {
		s.history = s.history[len(s.history)-maxValueHistory:]
	}

	s.updateTrend(now)

	event := s.detect(s.current, s.previous)
	if event == EventNone || !allowSignal(s.signals, event, now, SMAThrottle) {
		return Detection{}
	}

	info := smaEvents[event]
	det := Detection{
		Event:     event,
		Direction: info.dir,
		Strength:  s.strength(event, s.current, s.previous),
		Reason:    info.label,
		At:        now,
	}
	s.signals = record(s.signals, SignalRecord{
		Event:     event,
		Direction: info.dir.String(),
		Strength:  det.Strength,
		Price:     s.closes[len(s.closes)-1],
		Timestamp: now,
	})
	return det
}

func (s *SMA) compute(now time.Time) SMAValues {
	var v SMAValues
	if len(s.closes) < s.cfg.SlowPeriod {
		return v
	}
	v.FastSMA = sma(s.closes, s.cfg.FastPeriod)
	v.SlowSMA = sma(s.closes, s.cfg.SlowPeriod)
	if s.cfg.UseTripleMA && len(s.closes) >= s.cfg.LongPeriod {
		v.LongSMA = sma(s.closes, s.cfg.LongPeriod)
	}

	// Slopes need two settled history samples behind the current value.
	if len(s.history) >= slopePoints-1 {
		v.FastSlope = s.slopeOf(func(h SMAValues) float64 { return h.FastSMA }, v.FastSMA)
		v.SlowSlope = s.slopeOf(func(h SMAValues) float64 { return h.SlowSMA }, v.SlowSMA)
		if s.cfg.UseTripleMA {
			v.LongSlope = s.slopeOf(func(h SMAValues) float64 { return h.LongSMA }, v.LongSMA)
		}
	}

	v.Spread = v.FastSMA - v.SlowSMA
	if v.SlowSMA != 0 {
		v.SpreadPercent = v.Spread / v.SlowSMA * 100
	}
	v.PeriodCount = len(s.closes)
	v.Timestamp = now
	v.Valid = true
	return v
}

// slopeOf regresses the last slopePoints samples of one MA series, the
// current value included, against x = 0..slopePoints-1.
func (s *SMA) slopeOf(pick func(SMAValues) float64, current float64) float64 {
	series := make([]float64, 0, slopePoints)
	for _, h := range s.history[len(s.history)-(slopePoints-1):] {
		series = append(series, pick(h))
	}
	series = append(series, current)

	xs := make([]float64, slopePoints)
	for i := range xs {
		xs[i] = float64(i)
	}
	_, slope := stat.LinearRegression(xs, series, nil, false)
	if !finite(slope) {
		return 0
	}
	return slope
}

func (s *SMA) validValues(v SMAValues) bool {
	return v.Valid &&
		finite(v.FastSMA) && v.FastSMA > 0 &&
		finite(v.SlowSMA) && v.SlowSMA > 0 &&
		(!s.cfg.UseTripleMA || v.LongSMA > 0)
}

func (s *SMA) updateTrend(now time.Time) {
	newTrend := s.trendOf(s.current)
	if newTrend != s.trend.Current {
		s.trend.Previous = s.trend.Current
		s.trend.Current = newTrend
		s.trend.StartedAt = now
		s.trend.Changing = true
		s.trendChanges++
	} else {
		s.trend.Changing = false
	}
	s.trend.Strength = s.trendStrength(s.current)
	if !s.trend.StartedAt.IsZero() {
		s.trend.Duration = now.Sub(s.trend.StartedAt)
	}
	s.trend.Support = s.Support()
	s.trend.Resistance = s.Resistance()
}

func (s *SMA) trendOf(v SMAValues) SMATrend {
	if !s.validValues(v) {
		return SMATrendSideways
	}
	spread := math.Abs(v.SpreadPercent)
	if v.FastSMA > v.SlowSMA {
		if spread > 1.0 && v.FastSlope > s.cfg.MinSlope {
			return SMATrendStrongUp
		}
		if spread > 0.5 {
			return SMATrendWeakUp
		}
	} else {
		if spread > 1.0 && v.FastSlope < -s.cfg.MinSlope {
			return SMATrendStrongDown
		}
		if spread > 0.5 {
			return SMATrendWeakDown
		}
	}
	return SMATrendSideways
}

func (s *SMA) trendStrength(v SMAValues) float64 {
	spread := math.Min(1, math.Abs(v.SpreadPercent)/2)
	slope := math.Min(1, math.Abs(v.FastSlope)*200)
	return (spread + slope) / 2
}

func (s *SMA) detect(cur, prev SMAValues) Event {
	// Crossovers first.
	if prev.FastSMA <= prev.SlowSMA && cur.FastSMA > cur.SlowSMA {
		return SMAGoldenCross
	}
	if prev.FastSMA >= prev.SlowSMA && cur.FastSMA < cur.SlowSMA {
		return SMADeathCross
	}

	// Slope-driven trend events.
	if cur.FastSlope > prev.FastSlope && cur.FastSlope > s.cfg.MinSlope*2 {
		return SMATrendAcceleration
	}
	if cur.FastSlope < prev.FastSlope && math.Abs(cur.FastSlope) < s.cfg.MinSlope {
		return SMATrendDeceleration
	}

	// Pullback toward the fast MA inside a strong trend.
	if len(s.closes) > 0 && cur.FastSMA > 0 {
		last := s.closes[len(s.closes)-1]
		dist := math.Abs(last-cur.FastSMA) / cur.FastSMA
		if cur.FastSMA > cur.SlowSMA && s.trend.Current == SMATrendStrongUp && dist < 0.005 {
			return SMAPullbackBuy
		}
		if cur.FastSMA < cur.SlowSMA && s.trend.Current == SMATrendStrongDown && dist < 0.005 {
			return SMAPullbackSell
		}
	}

	// Triple alignment fires on the transition into full ordering.
	if s.cfg.UseTripleMA && cur.LongSMA > 0 && prev.LongSMA > 0 {
		if alignedBull(cur) && !alignedBull(prev) {
			return SMATripleAlignmentBull
		}
		if alignedBear(cur) && !alignedBear(prev) {
			return SMATripleAlignmentBear
		}
	}
	return EventNone
}

func alignedBull(v SMAValues) bool {
	return v.FastSMA > v.SlowSMA && v.SlowSMA > v.LongSMA
}

func alignedBear(v SMAValues) bool {
	return v.FastSMA < v.SlowSMA && v.SlowSMA < v.LongSMA
}

func (s *SMA) strength(e Event, cur, prev SMAValues) float64 {
	str := 0.5
	switch e {
	case SMAGoldenCross, SMADeathCross:
		str = math.Min(1, math.Abs(cur.SpreadPercent)*2+math.Abs(cur.FastSlope)*100)
	case SMATripleAlignmentBull, SMATripleAlignmentBear:
		str = 0.8 + math.Min(0.2, math.Abs(cur.FastSlope)*50)
	case SMATrendAcceleration, SMATrendDeceleration:
		str = math.Min(1, math.Abs(cur.FastSlope-prev.FastSlope)*1000)
	}
	return clamp01(str)
}

// sma is the mean of the last period values, 0 while the window is short.
func sma(window []float64, period int) float64 {
	if period <= 0 || len(window) < period {
		return 0
	}
	var sum float64
	for _, v := range window[len(window)-period:] {
		sum += v
	}
	return sum / float64(period)
}
