package strategy

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"trading-engine/internal/indicator"
	"trading-engine/pkg/exchange"
)

// MACDStrategy trades MACD line/signal crossovers, histogram momentum and
// price/MACD divergences.
type MACDStrategy struct {
	Core

	mu          sync.Mutex
	params      MACDParams
	ind         *indicator.MACD
	initialized bool

	signalCounts       map[string]float64
	crossovers         float64
	zeroLineCrosses    float64
	histogramReversals float64
	divergences        float64

	trendTime   map[string]float64 // seconds spent per trend label
	lastTrend   indicator.MACDTrend
	lastTrendAt time.Time
}

// NewMACDStrategy builds a named MACD strategy with validated parameters.
func NewMACDStrategy(name string, params MACDParams) (*MACDStrategy, error) {
	if name == "" {
		return nil, fmt.Errorf("strategy name required")
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("macd params: %w", err)
	}
	return &MACDStrategy{
		Core:         newCore(name, "MACD crossover, histogram and divergence signals", "macd"),
		params:       params,
		ind:          indicator.NewMACD(params.indicatorConfig()),
		signalCounts: map[string]float64{},
		trendTime:    map[string]float64{},
	}, nil
}

// Params returns a copy of the active parameters.
func (s *MACDStrategy) Params() MACDParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// Configure overlays the given keys onto the current parameters. The
// staged result is validated before anything is committed; on rejection
// the running configuration is untouched.
func (s *MACDStrategy) Configure(params map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.params
	if err := decodeParams(params, &next); err != nil {
		return fmt.Errorf("macd config: %w", err)
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("macd config rejected: %w", err)
	}
	s.params = next
	s.ind.SetConfig(next.indicatorConfig())
	return nil
}

func (s *MACDStrategy) Config() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return paramsMap(s.params)
}

// Initialize clears all market state. It is idempotent until Shutdown or
// Reset.
func (s *MACDStrategy) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	s.clearLocked(time.Now())
	s.initialized = true
	log.Printf("[%s] initialized: fast=%d slow=%d signal=%d divergence=%v",
		s.Name(), s.params.FastPeriod, s.params.SlowPeriod, s.params.SignalPeriod, s.params.UseDivergence)
	return nil
}

func (s *MACDStrategy) clearLocked(now time.Time) {
	s.ind = indicator.NewMACD(s.params.indicatorConfig())
	s.signalCounts = map[string]float64{}
	s.trendTime = map[string]float64{}
	s.crossovers, s.zeroLineCrosses = 0, 0
	s.histogramReversals, s.divergences = 0, 0
	s.lastTrend = indicator.MACDTrendNeutral
	s.lastTrendAt = time.Time{}
	s.releasePosition()
	s.resetMetrics(now)
}

func (s *MACDStrategy) Shutdown() error {
	s.mu.Lock()
	s.initialized = false
	s.mu.Unlock()
	s.setState(StateInactive)
	return nil
}

// Reset keeps the configuration but drops data, metrics and the tracked
// position.
func (s *MACDStrategy) Reset() error {
	s.mu.Lock()
	s.clearLocked(time.Now())
	s.mu.Unlock()
	s.setState(StateInactive)
	return nil
}

// Start activates the strategy, initializing it first when needed.
func (s *MACDStrategy) Start() error {
	if err := s.Initialize(); err != nil {
		return err
	}
	s.setState(StateActive)
	log.Printf("[%s] started", s.Name())
	return nil
}

func (s *MACDStrategy) Stop() error {
	s.setState(StateInactive)
	log.Printf("[%s] stopped", s.Name())
	return nil
}

func (s *MACDStrategy) Pause() error {
	s.setState(StatePaused)
	return nil
}

func (s *MACDStrategy) Resume() error {
	s.setState(StateActive)
	return nil
}

// Update ingests freshly closed candles plus the current ticker and
// answers with at most one signal. Data shortfalls produce HOLD with a
// diagnostic message, never an error.
func (s *MACDStrategy) Update(klines []exchange.Kline, ticker exchange.Ticker) Signal {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := tickTime(klines)
	defer s.touch(at)

	if !s.initialized || len(klines) == 0 {
		return holdSignal(s.Name(), ticker.Symbol, "strategy not initialized or no data", at)
	}

	det := s.ind.Update(closesOf(klines), at)
	if !s.ind.Ready() {
		return holdSignal(s.Name(), ticker.Symbol, "insufficient data for MACD calculation", at)
	}
	cur := s.ind.Current()
	if !cur.Valid {
		return holdSignal(s.Name(), ticker.Symbol, "invalid MACD values", at)
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
			"macd":      cur.MACD,
			"signal":    cur.Signal,
			"histogram": cur.Histogram,
		},
		Timestamp: at,
	}
	log.Printf("[%s] %s %s @ %.4f strength=%.2f (%s)",
		s.Name(), sig.Type, sig.Symbol, price, sig.Strength, det.Reason)
	return sig
}

// accountTrend charges elapsed time to the previous trend bucket.
func (s *MACDStrategy) accountTrend(now time.Time) {
	trend := s.ind.Trend()
	if !s.lastTrendAt.IsZero() {
		s.trendTime[s.lastTrend.String()] += now.Sub(s.lastTrendAt).Seconds()
	}
	s.lastTrend = trend
	s.lastTrendAt = now
}

func (s *MACDStrategy) countSignal(det indicator.Detection) {
	s.signalCounts[det.Reason]++
	switch det.Event {
	case indicator.MACDBullishCrossover, indicator.MACDBearishCrossover:
		s.crossovers++
	case indicator.MACDZeroCrossUp, indicator.MACDZeroCrossDown:
		s.zeroLineCrosses++
	case indicator.MACDHistogramTurnPositive, indicator.MACDHistogramTurnNegative:
		s.histogramReversals++
	case indicator.MACDDivergenceBullish, indicator.MACDDivergenceBearish:
		s.divergences++
	}
}

func (s *MACDStrategy) OnPositionOpened(pos Position) {
	if pos.Strategy != s.Name() {
		return
	}
	s.bindPosition(pos.ID, pos.Side)
	cur := s.currentValues()
	log.Printf("[%s] position opened: %s (%s) macd=%.4f signal=%.4f histogram=%.4f",
		s.Name(), pos.ID, pos.Side, cur.MACD, cur.Signal, cur.Histogram)
}

func (s *MACDStrategy) OnPositionClosed(pos Position, exitPrice, pnl float64) {
	if pos.Strategy != s.Name() || pos.ID != s.PositionID() {
		return
	}
	s.releasePosition()
	s.UpdateMetrics(pos, pnl)
	log.Printf("[%s] position closed: %s exit=%.4f pnl=%.2f", s.Name(), pos.ID, exitPrice, pnl)
}

func (s *MACDStrategy) OnPositionUpdated(pos Position) {
	if pos.Strategy != s.Name() || pos.ID != s.PositionID() {
		return
	}
	if s.ShouldClose(pos) {
		log.Printf("[%s] exit conditions met for %s", s.Name(), pos.ID)
	}
}

func (s *MACDStrategy) currentValues() indicator.MACDValues {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ind.Current()
}

func (s *MACDStrategy) CustomMetrics() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.customMetricsLocked()
}

func (s *MACDStrategy) customMetricsLocked() map[string]float64 {
	cur := s.ind.Current()
	out := map[string]float64{
		"CurrentMACD":        cur.MACD,
		"CurrentSignal":      cur.Signal,
		"CurrentHistogram":   cur.Histogram,
		"HistogramChange":    cur.HistogramChange,
		"CurrentTrend":       float64(s.ind.Trend()),
		"CrossoverSignals":   s.crossovers,
		"DivergenceSignals":  s.divergences,
		"ZeroLineCrosses":    s.zeroLineCrosses,
		"HistogramReversals": s.histogramReversals,
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
// strength floor and the histogram-change filter.
func (s *MACDStrategy) ValidateSignal(sig Signal) bool {
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
	return math.Abs(s.ind.Current().HistogramChange) >= s.params.MinHistogramChange/2
}

func (s *MACDStrategy) CanTrade(symbol string) bool {
	if symbol == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ind.Ready()
}

// PositionSize converts the configured capital fraction into a base-asset
// quantity.
func (s *MACDStrategy) PositionSize(symbol string, price, balance float64) float64 {
	if price <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return balance * s.params.PositionSize / price
}

// ShouldClose asks for an exit on an opposite crossover or a strong
// histogram swing against the position.
func (s *MACDStrategy) ShouldClose(pos Position) bool {
	if !s.InPosition() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, prev := s.ind.Current(), s.ind.Previous()
	if !cur.Valid || !prev.Valid {
		return false
	}
	if pos.Side == exchange.SideBuy && cur.MACD < cur.Signal && prev.MACD >= prev.Signal {
		return true
	}
	if pos.Side == exchange.SideSell && cur.MACD > cur.Signal && prev.MACD <= prev.Signal {
		return true
	}
	if math.Abs(cur.HistogramChange) > s.params.MinHistogramChange*2 {
		if pos.Side == exchange.SideBuy && cur.HistogramChange < 0 {
			return true
		}
		if pos.Side == exchange.SideSell && cur.HistogramChange > 0 {
			return true
		}
	}
	return false
}

func (s *MACDStrategy) ExitLevels(entryPrice float64, side exchange.Side) (float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return exitLevels(entryPrice, side, s.params.StopLossPercent, s.params.TakeProfitPercent)
}

type macdSnapshot struct {
	Type              string                 `json:"type"`
	Name              string                 `json:"name"`
	Config            map[string]any         `json:"config"`
	Metrics           map[string]float64     `json:"metrics"`
	InPosition        bool                   `json:"inPosition"`
	CurrentPositionID string                 `json:"currentPositionId"`
	CurrentMACD       float64                `json:"currentMACD"`
	CurrentSignal     float64                `json:"currentSignal"`
	CurrentHistogram  float64                `json:"currentHistogram"`
	CurrentTrend      string                 `json:"currentTrend"`
	History           []indicator.MACDValues `json:"history"`
}

// Serialize captures config, counters and the indicator tail so a restart
// can resume without replaying the whole window.
func (s *MACDStrategy) Serialize() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.ind.Current()
	snap := macdSnapshot{
		Type:              "MACDStrategy",
		Name:              s.Name(),
		Config:            paramsMap(s.params),
		Metrics:           s.customMetricsLocked(),
		InPosition:        s.InPosition(),
		CurrentPositionID: s.PositionID(),
		CurrentMACD:       cur.MACD,
		CurrentSignal:     cur.Signal,
		CurrentHistogram:  cur.Histogram,
		CurrentTrend:      s.ind.Trend().String(),
		History:           s.ind.History(100),
	}
	return json.Marshal(snap)
}

// Deserialize restores configuration, position binding and the indicator
// tail. Price windows rebuild from live data before new signals fire.
func (s *MACDStrategy) Deserialize(data []byte) error {
	var snap macdSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("macd snapshot: %w", err)
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
	cur := indicator.MACDValues{
		MACD:      snap.CurrentMACD,
		Signal:    snap.CurrentSignal,
		Histogram: snap.CurrentHistogram,
		Valid:     true,
	}
	s.ind.Restore(cur, snap.History)
	return nil
}
