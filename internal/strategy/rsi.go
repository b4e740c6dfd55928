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

// RSIStrategy trades overbought/oversold reversals, extreme-zone exits and
// price/RSI divergences.
type RSIStrategy struct {
	Core

	mu          sync.Mutex
	params      RSIParams
	ind         *indicator.RSI
	initialized bool

	signalCounts      map[string]float64
	oversoldEntries   float64
	overboughtEntries float64
	divergences       float64

	zoneTime   map[string]float64 // seconds spent per zone label
	lastZone   indicator.RSIZone
	lastZoneAt time.Time
}

// NewRSIStrategy builds a named RSI strategy with validated parameters.
func NewRSIStrategy(name string, params RSIParams) (*RSIStrategy, error) {
	if name == "" {
		return nil, fmt.Errorf("strategy name required")
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("rsi params: %w", err)
	}
	return &RSIStrategy{
		Core:         newCore(name, "RSI overbought/oversold and divergence signals", "rsi"),
		params:       params,
		ind:          indicator.NewRSI(params.indicatorConfig()),
		signalCounts: map[string]float64{},
		zoneTime:     map[string]float64{},
	}, nil
}

// Params returns a copy of the active parameters.
func (s *RSIStrategy) Params() RSIParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// Configure overlays the given keys onto the current parameters, committing
// only if the staged result validates.
func (s *RSIStrategy) Configure(params map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.params
	if err := decodeParams(params, &next); err != nil {
		return fmt.Errorf("rsi config: %w", err)
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("rsi config rejected: %w", err)
	}
	s.params = next
	s.ind.SetConfig(next.indicatorConfig())
	return nil
}

func (s *RSIStrategy) Config() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return paramsMap(s.params)
}

// Initialize clears all market state. It is idempotent until Shutdown or
// Reset.
func (s *RSIStrategy) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	s.clearLocked(time.Now())
	s.initialized = true
	log.Printf("[%s] initialized: period=%d oversold=%.0f overbought=%.0f divergence=%v",
		s.Name(), s.params.RSIPeriod, s.params.OversoldThreshold, s.params.OverboughtThreshold, s.params.UseDivergence)
	return nil
}

func (s *RSIStrategy) clearLocked(now time.Time) {
	s.ind = indicator.NewRSI(s.params.indicatorConfig())
	s.signalCounts = map[string]float64{}
	s.zoneTime = map[string]float64{}
	s.oversoldEntries, s.overboughtEntries, s.divergences = 0, 0, 0
	s.lastZone = indicator.RSIZoneNeutralLow
	s.lastZoneAt = time.Time{}
	s.releasePosition()
	s.resetMetrics(now)
}

func (s *RSIStrategy) Shutdown() error {
	s.mu.Lock()
	s.initialized = false
	s.mu.Unlock()
	s.setState(StateInactive)
	return nil
}

// Reset keeps the configuration but drops data, metrics and the tracked
// position.
func (s *RSIStrategy) Reset() error {
	s.mu.Lock()
	s.clearLocked(time.Now())
	s.mu.Unlock()
	s.setState(StateInactive)
	return nil
}

// Start activates the strategy, initializing it first when needed.
func (s *RSIStrategy) Start() error {
	if err := s.Initialize(); err != nil {
		return err
	}
	s.setState(StateActive)
	log.Printf("[%s] started", s.Name())
	return nil
}

func (s *RSIStrategy) Stop() error {
	s.setState(StateInactive)
	log.Printf("[%s] stopped", s.Name())
	return nil
}

func (s *RSIStrategy) Pause() error {
	s.setState(StatePaused)
	return nil
}

func (s *RSIStrategy) Resume() error {
	s.setState(StateActive)
	return nil
}

// Update ingests freshly closed candles plus the current ticker and
// answers with at most one signal.
func (s *RSIStrategy) Update(klines []exchange.Kline, ticker exchange.Ticker) Signal {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := tickTime(klines)
	defer s.touch(at)

	if !s.initialized || len(klines) == 0 {
		return holdSignal(s.Name(), ticker.Symbol, "strategy not initialized or no data", at)
	}

	det := s.ind.Update(closesOf(klines), at)
	if !s.ind.Ready() {
		return holdSignal(s.Name(), ticker.Symbol, "insufficient data for RSI calculation", at)
	}
	cur := s.ind.Current()
	if !cur.Valid {
		return holdSignal(s.Name(), ticker.Symbol, "invalid RSI values", at)
	}

	s.accountZone(at)

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
			"rsi":       cur.RSI,
			"rsiChange": cur.Change,
			"zone":      float64(s.ind.Zone()),
		},
		Timestamp: at,
	}
	log.Printf("[%s] %s %s @ %.4f strength=%.2f rsi=%.1f (%s)",
		s.Name(), sig.Type, sig.Symbol, price, sig.Strength, cur.RSI, det.Reason)
	return sig
}

// accountZone charges elapsed time to the previous zone bucket and counts
// entries into the oversold and overbought bands.
func (s *RSIStrategy) accountZone(now time.Time) {
	zone := s.ind.Zone()
	if !s.lastZoneAt.IsZero() {
		s.zoneTime[s.lastZone.String()] += now.Sub(s.lastZoneAt).Seconds()
	}
	if zone != s.lastZone {
		switch zone {
		case indicator.RSIZoneOversold, indicator.RSIZoneExtremeOversold:
			if s.lastZone != indicator.RSIZoneOversold && s.lastZone != indicator.RSIZoneExtremeOversold {
				s.oversoldEntries++
			}
		case indicator.RSIZoneOverbought, indicator.RSIZoneExtremeOverbought:
			if s.lastZone != indicator.RSIZoneOverbought && s.lastZone != indicator.RSIZoneExtremeOverbought {
				s.overboughtEntries++
			}
		}
	}
	s.lastZone = zone
	s.lastZoneAt = now
}

func (s *RSIStrategy) countSignal(det indicator.Detection) {
	s.signalCounts[det.Reason]++
	switch det.Event {
	case indicator.RSIDivergenceBullish, indicator.RSIDivergenceBearish:
		s.divergences++
	}
}

func (s *RSIStrategy) OnPositionOpened(pos Position) {
	if pos.Strategy != s.Name() {
		return
	}
	s.bindPosition(pos.ID, pos.Side)
	cur := s.currentValues()
	log.Printf("[%s] position opened: %s (%s) rsi=%.1f zone=%s",
		s.Name(), pos.ID, pos.Side, cur.RSI, s.currentZone())
}

func (s *RSIStrategy) OnPositionClosed(pos Position, exitPrice, pnl float64) {
	if pos.Strategy != s.Name() || pos.ID != s.PositionID() {
		return
	}
	s.releasePosition()
	s.UpdateMetrics(pos, pnl)
	log.Printf("[%s] position closed: %s exit=%.4f pnl=%.2f", s.Name(), pos.ID, exitPrice, pnl)
}

func (s *RSIStrategy) OnPositionUpdated(pos Position) {
	if pos.Strategy != s.Name() || pos.ID != s.PositionID() {
		return
	}
	if s.ShouldClose(pos) {
		log.Printf("[%s] exit conditions met for %s", s.Name(), pos.ID)
	}
}

func (s *RSIStrategy) currentValues() indicator.RSIValues {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ind.Current()
}

func (s *RSIStrategy) currentZone() indicator.RSIZone {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ind.Zone()
}

func (s *RSIStrategy) CustomMetrics() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.customMetricsLocked()
}

func (s *RSIStrategy) customMetricsLocked() map[string]float64 {
	cur := s.ind.Current()
	out := map[string]float64{
		"CurrentRSI":        cur.RSI,
		"RSIChange":         cur.Change,
		"CurrentZone":       float64(s.ind.Zone()),
		"OversoldEntries":   s.oversoldEntries,
		"OverboughtEntries": s.overboughtEntries,
		"DivergenceSignals": s.divergences,
	}
	for label, n := range s.signalCounts {
		out["Signal_"+label] = n
	}
	for label, secs := range s.zoneTime {
		out["Zone_"+label] = secs
	}
	return out
}

// ValidateSignal re-checks a signal before execution: ownership, the
// strength floor and the RSI-change filter.
func (s *RSIStrategy) ValidateSignal(sig Signal) bool {
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
	return math.Abs(s.ind.Current().Change) >= s.params.RSIChangeThreshold/2
}

func (s *RSIStrategy) CanTrade(symbol string) bool {
	if symbol == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ind.Ready()
}

// PositionSize converts the configured capital fraction into a base-asset
// quantity.
func (s *RSIStrategy) PositionSize(symbol string, price, balance float64) float64 {
	if price <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return balance * s.params.PositionSize / price
}

// ShouldClose asks for an exit when the RSI reaches the opposite band or
// reverses against the position.
func (s *RSIStrategy) ShouldClose(pos Position) bool {
	if !s.InPosition() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.ind.Current()
	if !cur.Valid {
		return false
	}
	if pos.Side == exchange.SideBuy && cur.RSI >= s.params.OverboughtThreshold {
		return true
	}
	if pos.Side == exchange.SideSell && cur.RSI <= s.params.OversoldThreshold {
		return true
	}
	if s.ind.Reversing(2) {
		if pos.Side == exchange.SideBuy && cur.Change < 0 {
			return true
		}
		if pos.Side == exchange.SideSell && cur.Change > 0 {
			return true
		}
	}
	return false
}

func (s *RSIStrategy) ExitLevels(entryPrice float64, side exchange.Side) (float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return exitLevels(entryPrice, side, s.params.StopLossPercent, s.params.TakeProfitPercent)
}

type rsiSnapshot struct {
	Type              string                `json:"type"`
	Name              string                `json:"name"`
	Config            map[string]any        `json:"config"`
	Metrics           map[string]float64    `json:"metrics"`
	InPosition        bool                  `json:"inPosition"`
	CurrentPositionID string                `json:"currentPositionId"`
	CurrentRSI        float64               `json:"currentRSI"`
	PreviousRSI       float64               `json:"previousRSI"`
	CurrentZone       string                `json:"currentZone"`
	History           []indicator.RSIValues `json:"history"`
}

// Serialize captures config, counters and the indicator tail so a restart
// can resume without replaying the whole window.
func (s *RSIStrategy) Serialize() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.ind.Current()
	snap := rsiSnapshot{
		Type:              "RSIStrategy",
		Name:              s.Name(),
		Config:            paramsMap(s.params),
		Metrics:           s.customMetricsLocked(),
		InPosition:        s.InPosition(),
		CurrentPositionID: s.PositionID(),
		CurrentRSI:        cur.RSI,
		PreviousRSI:       cur.PreviousRSI,
		CurrentZone:       s.ind.Zone().String(),
		History:           s.ind.History(100),
	}
	return json.Marshal(snap)
}

// Deserialize restores configuration, position binding and the indicator
// tail. Price windows rebuild from live data before new signals fire.
func (s *RSIStrategy) Deserialize(data []byte) error {
	var snap rsiSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("rsi snapshot: %w", err)
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
	cur := indicator.RSIValues{
		RSI:         snap.CurrentRSI,
		PreviousRSI: snap.PreviousRSI,
		Change:      snap.CurrentRSI - snap.PreviousRSI,
		Valid:       true,
	}
	s.ind.Restore(cur, indicator.ParseRSIZone(snap.CurrentZone), snap.History)
	return nil
}
