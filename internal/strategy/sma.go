package strategy

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"trading-engine/internal/indicator"
	"trading-engine/pkg/exchange"
)

// SMAStrategy trades moving-average crossovers, pullbacks to the fast
// average and triple-MA alignments, with optional slope and volume filters.
type SMAStrategy struct {
	Core

	mu          sync.Mutex
	params      SMAParams
	ind         *indicator.SMA
	initialized bool
	lastVolume  float64

	signalCounts  map[string]float64
	goldenCrosses float64
	deathCrosses  float64

	trendTime   map[string]float64 // seconds spent per trend label
	lastTrend   indicator.SMATrend
	lastTrendAt time.Time
}

// NewSMAStrategy builds a named SMA strategy with validated parameters.
func NewSMAStrategy(name string, params SMAParams) (*SMAStrategy, error) {
	if name == "" {
		return nil, fmt.Errorf("strategy name required")
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("sma params: %w", err)
	}
	return &SMAStrategy{
		Core:         newCore(name, "SMA crossover, pullback and triple-alignment signals", "sma"),
		params:       params,
		ind:          indicator.NewSMA(params.indicatorConfig()),
		signalCounts: map[string]float64{},
		trendTime:    map[string]float64{},
	}, nil
}

// Params returns a copy of the active parameters.
func (s *SMAStrategy) Params() SMAParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// Configure overlays the given keys onto the current parameters, committing
// only if the staged result validates.
func (s *SMAStrategy) Configure(params map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.params
	if err := decodeParams(params, &next); err != nil {
		return fmt.Errorf("sma config: %w", err)
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("sma config rejected: %w", err)
	}
	s.params = next
	s.ind.SetConfig(next.indicatorConfig())
	return nil
}

func (s *SMAStrategy) Config() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return paramsMap(s.params)
}

// Initialize clears all market state. It is idempotent until Shutdown or
// Reset.
func (s *SMAStrategy) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	s.clearLocked(time.Now())
	s.initialized = true
	log.Printf("[%s] initialized: fast=%d slow=%d long=%d triple=%v slope=%v volume=%v",
		s.Name(), s.params.FastPeriod, s.params.SlowPeriod, s.params.LongPeriod,
		s.params.UseTripleMA, s.params.UseSlopeFilter, s.params.UseVolumeFilter)
	return nil
}

func (s *SMAStrategy) clearLocked(now time.Time) {
	s.ind = indicator.NewSMA(s.params.indicatorConfig())
	s.signalCounts = map[string]float64{}
	s.trendTime = map[string]float64{}
	s.goldenCrosses, s.deathCrosses = 0, 0
	s.lastVolume = 0
	s.lastTrend = indicator.SMATrendSideways
	s.lastTrendAt = time.Time{}
	s.releasePosition()
	s.resetMetrics(now)
}

func (s *SMAStrategy) Shutdown() error {
	s.mu.Lock()
	s.initialized = false
	s.mu.Unlock()
	s.setState(StateInactive)
	return nil
}

// Reset keeps the configuration but drops data, metrics and the tracked
// position.
func (s *SMAStrategy) Reset() error {
	s.mu.Lock()
	s.clearLocked(time.Now())
	s.mu.Unlock()
	s.setState(StateInactive)
	return nil
}

// Start activates the strategy, initializing it first when needed.
func (s *SMAStrategy) Start() error {
	if err := s.Initialize(); err != nil {
		return err
	}
	s.setState(StateActive)
	log.Printf("[%s] started", s.Name())
	return nil
}

func (s *SMAStrategy) Stop() error {
	s.setState(StateInactive)
	log.Printf("[%s] stopped", s.Name())
	return nil
}

func (s *SMAStrategy) Pause() error {
	s.setState(StatePaused)
	return nil
}

func (s *SMAStrategy) Resume() error {
	s.setState(StateActive)
	return nil
}

// Update ingests freshly closed candles plus the current ticker and
// answers with at most one signal.
func (s *SMAStrategy) Update(klines []exchange.Kline, ticker exchange.Ticker) Signal {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := tickTime(klines)
	defer s.touch(at)

	if !s.initialized || len(klines) == 0 {
		return holdSignal(s.Name(), ticker.Symbol, "strategy not initialized or no data", at)
	}

	det := s.ind.Update(closesOf(klines), volumesOf(klines), at)
	s.lastVolume = klines[len(klines)-1].Volume
	if !s.ind.Ready() {
		return holdSignal(s.Name(), ticker.Symbol, "insufficient data for SMA calculation", at)
	}
	cur := s.ind.Current()
	if !cur.Valid {
		return holdSignal(s.Name(), ticker.Symbol, "invalid SMA values", at)
	}

	s.accountTrend(at)

	if det.Event == indicator.EventNone {
		return holdSignal(s.Name(), ticker.Symbol, "", at)
	}
	s.countSignal(det)

	price := signalPrice(ticker, klines)
	typ, side := SignalBuy, exchange.SideBuy
	if det.Direction == indicator.DirectionShort {
		typ, side = SignalSell, exchange.SideSell
	}
	sl, tp := exitLevels(price, side, s.params.StopLossPercent, s.params.TakeProfitPercent)

	sig := Signal{
		Type:       typ,
		Strategy:   s.Name(),
		Symbol:     ticker.Symbol,
		Price:      price,
		StopLoss:   sl,
		TakeProfit: tp,
		Strength:   det.Strength,
		Message:    det.Reason,
		Parameters: map[string]float64{
			"fastSMA": cur.FastSMA,
			"slowSMA": cur.SlowSMA,
			"spread":  cur.Spread,
		},
		Timestamp: at,
	}
	log.Printf("[%s] %s %s @ %.4f strength=%.2f fast=%.4f slow=%.4f (%s)",
		s.Name(), sig.Type, sig.Symbol, price, sig.Strength, cur.FastSMA, cur.SlowSMA, det.Reason)
	return sig
}

// accountTrend charges elapsed time to the previous trend bucket.
func (s *SMAStrategy) accountTrend(now time.Time) {
	trend := s.ind.Trend().Current
	if !s.lastTrendAt.IsZero() {
		s.trendTime[s.lastTrend.String()] += now.Sub(s.lastTrendAt).Seconds()
	}
	s.lastTrend = trend
	s.lastTrendAt = now
}

func (s *SMAStrategy) countSignal(det indicator.Detection) {
	s.signalCounts[det.Reason]++
	switch det.Event {
	case indicator.SMAGoldenCross:
		s.goldenCrosses++
	case indicator.SMADeathCross:
		s.deathCrosses++
	}
}

func (s *SMAStrategy) OnPositionOpened(pos Position) {
	if pos.Strategy != s.Name() {
		return
	}
	s.bindPosition(pos.ID, pos.Side)
	cur := s.currentValues()
	log.Printf("[%s] position opened: %s (%s) fast=%.4f slow=%.4f spread=%.4f",
		s.Name(), pos.ID, pos.Side, cur.FastSMA, cur.SlowSMA, cur.Spread)
}

func (s *SMAStrategy) OnPositionClosed(pos Position, exitPrice, pnl float64) {
	if pos.Strategy != s.Name() || pos.ID != s.PositionID() {
		return
	}
	s.releasePosition()
	s.UpdateMetrics(pos, pnl)
	log.Printf("[%s] position closed: %s exit=%.4f pnl=%.2f", s.Name(), pos.ID, exitPrice, pnl)
}

func (s *SMAStrategy) OnPositionUpdated(pos Position) {
	if pos.Strategy != s.Name() || pos.ID != s.PositionID() {
		return
	}
	if s.ShouldClose(pos) {
		log.Printf("[%s] exit conditions met for %s", s.Name(), pos.ID)
	}
}

func (s *SMAStrategy) currentValues() indicator.SMAValues {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ind.Current()
}

func (s *SMAStrategy) CustomMetrics() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.customMetricsLocked()
}

func (s *SMAStrategy) customMetricsLocked() map[string]float64 {
	cur := s.ind.Current()
	trend := s.ind.Trend()
	out := map[string]float64{
		"GoldenCrosses":  s.goldenCrosses,
		"DeathCrosses":   s.deathCrosses,
		"TrendChanges":   float64(s.ind.TrendChanges()),
		"CurrentFastSMA": cur.FastSMA,
		"CurrentSlowSMA": cur.SlowSMA,
		"CurrentSpread":  cur.Spread,
		"TrendStrength":  trend.Strength,
	}
	for label, n := range s.signalCounts {
		out["Signal_"+label] = n
	}
	for label, secs := range s.trendTime {
		out["Trend_"+label] = secs
	}
	return out
}

// ValidateSignal re-checks a signal before execution: ownership, the
// strength floor and the optional slope and volume filters.
func (s *SMAStrategy) ValidateSignal(sig Signal) bool {
	if sig.Strategy != s.Name() {
		return false
	}
	if sig.Type == SignalHold {
		return true
	}
	if sig.Strength < minSignalStrength {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.params.UseSlopeFilter && !s.ind.SlopeConfirmed() {
		return false
	}
	if s.params.UseVolumeFilter && !s.ind.VolumeConfirmed(s.lastVolume) {
		return false
	}
	return true
}

func (s *SMAStrategy) CanTrade(symbol string) bool {
	if symbol == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ind.Ready()
}

// PositionSize converts the configured capital fraction into a base-asset
// quantity.
func (s *SMAStrategy) PositionSize(symbol string, price, balance float64) float64 {
	if price <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return balance * s.params.PositionSize / price
}

// ShouldClose asks for an exit on an opposite crossover or a confirmed
// trend flip against the position.
func (s *SMAStrategy) ShouldClose(pos Position) bool {
	if !s.InPosition() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, prev := s.ind.Current(), s.ind.Previous()
	if !cur.Valid || !prev.Valid {
		return false
	}
	if pos.Side == exchange.SideBuy && cur.FastSMA < cur.SlowSMA && prev.FastSMA >= prev.SlowSMA {
		return true
	}
	if pos.Side == exchange.SideSell && cur.FastSMA > cur.SlowSMA && prev.FastSMA <= prev.SlowSMA {
		return true
	}
	trend := s.ind.Trend()
	if trend.Changing {
		if pos.Side == exchange.SideBuy && trend.Current.Bearish() {
			return true
		}
		if pos.Side == exchange.SideSell && trend.Current.Bullish() {
			return true
		}
	}
	return false
}

func (s *SMAStrategy) ExitLevels(entryPrice float64, side exchange.Side) (float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return exitLevels(entryPrice, side, s.params.StopLossPercent, s.params.TakeProfitPercent)
}

type smaSnapshot struct {
	Type              string                `json:"type"`
	Name              string                `json:"name"`
	Config            map[string]any        `json:"config"`
	Metrics           map[string]float64    `json:"metrics"`
	InPosition        bool                  `json:"inPosition"`
	CurrentPositionID string                `json:"currentPositionId"`
	CurrentTrend      string                `json:"currentTrend"`
	History           []indicator.SMAValues `json:"history"`
}

// Serialize captures config, counters and the indicator tail so a restart
// can resume without replaying the whole window.
func (s *SMAStrategy) Serialize() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := smaSnapshot{
		Type:              "SMAStrategy",
		Name:              s.Name(),
		Config:            paramsMap(s.params),
		Metrics:           s.customMetricsLocked(),
		InPosition:        s.InPosition(),
		CurrentPositionID: s.PositionID(),
		CurrentTrend:      s.ind.Trend().Current.String(),
		History:           s.ind.History(100),
	}
	return json.Marshal(snap)
}

// Deserialize restores configuration, position binding and the indicator
// tail. The latest history entry becomes the current reading; price
// windows rebuild from live data before new signals fire.
func (s *SMAStrategy) Deserialize(data []byte) error {
	var snap smaSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("sma snapshot: %w", err)
	}
	if len(snap.Config) > 0 {
		if err := s.Configure(snap.Config); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.InPosition && snap.CurrentPositionID != "" {
		s.bindPosition(snap.CurrentPositionID, "")
	}
	var cur indicator.SMAValues
	if n := len(snap.History); n > 0 {
		cur = snap.History[n-1]
	}
	s.ind.Restore(cur, snap.History)
	return nil
}
