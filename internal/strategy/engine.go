package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"trading-engine/pkg/exchange"
)

// ErrNoSnapshot is returned by SnapshotStore implementations when no
// snapshot exists for a strategy. Engine.LoadAll treats it as "nothing to
// restore" rather than a failure.
var ErrNoSnapshot = errors.New("snapshot not found")

// SnapshotStore persists serialized strategy state across restarts.
type SnapshotStore interface {
	SaveSnapshot(strategy string, data []byte) error
	LoadSnapshot(strategy string) ([]byte, error)
}

// Engine owns the registered strategies, drives their execution and keeps
// its own position and statistics books. Engine statistics are tracked
// independently of each strategy's internal metrics, so a misbehaving
// strategy cannot corrupt the engine's view.
//
// Lock order: posMu before mu when both are needed. Strategy calls and
// callbacks always happen with no engine lock held.
type Engine struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	states     map[string]State
	stats      map[string]*Statistics
	ex         exchange.Exchange

	posMu         sync.RWMutex
	positions     map[string]*Position
	positionOwner map[string]string   // position ID -> strategy name
	byStrategy    map[string][]string // strategy name -> position IDs

	cbMu       sync.RWMutex
	onSignal   []SignalCallback
	onPosition []PositionCallback
	onError    []ErrorCallback

	store  SnapshotStore
	posSeq atomic.Uint64
}

// NewEngine builds an empty engine. The snapshot store may be nil, which
// disables persistence.
func NewEngine(store SnapshotStore) *Engine {
	return &Engine{
		strategies:    make(map[string]Strategy),
		states:        make(map[string]State),
		stats:         make(map[string]*Statistics),
		positions:     make(map[string]*Position),
		positionOwner: make(map[string]string),
		byStrategy:    make(map[string][]string),
		store:         store,
	}
}

// SetExchange binds the venue collaborator to the engine and to every
// strategy registered from now on.
func (e *Engine) SetExchange(ex exchange.Exchange) {
	e.mu.Lock()
	e.ex = ex
	e.mu.Unlock()
}

// SetSnapshotStore swaps the persistence backend.
func (e *Engine) SetSnapshotStore(store SnapshotStore) {
	e.mu.Lock()
	e.store = store
	e.mu.Unlock()
}

// Register adds a strategy under its name and initializes it. The
// registration is rolled back if initialization fails.
func (e *Engine) Register(s Strategy) error {
	if s == nil {
		return fmt.Errorf("nil strategy")
	}
	name := s.Name()
	if name == "" {
		return fmt.Errorf("strategy name required")
	}

	e.mu.Lock()
	if _, exists := e.strategies[name]; exists {
		e.mu.Unlock()
		return fmt.Errorf("strategy %q already registered", name)
	}
	e.strategies[name] = s
	e.states[name] = StateInactive
	e.stats[name] = &Statistics{Strategy: name, StartTime: time.Now()}
	ex := e.ex
	e.mu.Unlock()

	if ex != nil {
		s.BindExchange(ex)
	}
	if err := s.Initialize(); err != nil {
		e.mu.Lock()
		delete(e.strategies, name)
		delete(e.states, name)
		delete(e.stats, name)
		e.mu.Unlock()
		return fmt.Errorf("initialize strategy %q: %w", name, err)
	}

	log.Printf("strategy %s registered (%s)", name, s.Kind())
	return nil
}

// Remove stops a strategy best-effort and drops it together with its
// tracked positions.
func (e *Engine) Remove(name string) error {
	e.mu.Lock()
	s, ok := e.strategies[name]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("unknown strategy %q", name)
	}
	delete(e.strategies, name)
	delete(e.states, name)
	delete(e.stats, name)
	e.mu.Unlock()

	if err := s.Stop(); err != nil {
		log.Printf("stop strategy %s during removal: %v", name, err)
	}

	e.posMu.Lock()
	for _, id := range e.byStrategy[name] {
		delete(e.positions, id)
		delete(e.positionOwner, id)
	}
	delete(e.byStrategy, name)
	e.posMu.Unlock()

	log.Printf("strategy %s removed", name)
	return nil
}

// Get returns the registered strategy by name.
func (e *Engine) Get(name string) (Strategy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.strategies[name]
	return s, ok
}

// Names lists registered strategy names in sorted order.
func (e *Engine) Names() []string {
	e.mu.RLock()
	names := make([]string, 0, len(e.strategies))
	for name := range e.strategies {
		names = append(names, name)
	}
	e.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Count reports how many strategies are registered.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.strategies)
}

// StrategyState returns the engine's view of a strategy's state. Unknown
// names report StateInactive.
func (e *Engine) StrategyState(name string) State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.states[name]
}

func (e *Engine) strategy(name string) (Strategy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.strategies[name]
	return s, ok
}

func (e *Engine) setError(name string, err error) {
	e.mu.Lock()
	e.states[name] = StateError
	e.mu.Unlock()
	log.Printf("strategy %s error: %v", name, err)
	e.notifyError(name, err)
}

// StartStrategy activates a strategy. A start failure parks it in
// StateError and is reported through the error callbacks.
func (e *Engine) StartStrategy(name string) error {
	s, ok := e.strategy(name)
	if !ok {
		return fmt.Errorf("unknown strategy %q", name)
	}
	if err := s.Start(); err != nil {
		e.setError(name, err)
		return fmt.Errorf("start strategy %q: %w", name, err)
	}
	e.mu.Lock()
	e.states[name] = StateActive
	e.mu.Unlock()
	return nil
}

func (e *Engine) StopStrategy(name string) error {
	s, ok := e.strategy(name)
	if !ok {
		return fmt.Errorf("unknown strategy %q", name)
	}
	if err := s.Stop(); err != nil {
		e.setError(name, err)
		return fmt.Errorf("stop strategy %q: %w", name, err)
	}
	e.mu.Lock()
	e.states[name] = StateInactive
	e.mu.Unlock()
	return nil
}

func (e *Engine) PauseStrategy(name string) error {
	s, ok := e.strategy(name)
	if !ok {
		return fmt.Errorf("unknown strategy %q", name)
	}
	if err := s.Pause(); err != nil {
		e.setError(name, err)
		return fmt.Errorf("pause strategy %q: %w", name, err)
	}
	e.mu.Lock()
	e.states[name] = StatePaused
	e.mu.Unlock()
	return nil
}

func (e *Engine) ResumeStrategy(name string) error {
	s, ok := e.strategy(name)
	if !ok {
		return fmt.Errorf("unknown strategy %q", name)
	}
	if err := s.Resume(); err != nil {
		e.setError(name, err)
		return fmt.Errorf("resume strategy %q: %w", name, err)
	}
	e.mu.Lock()
	e.states[name] = StateActive
	e.mu.Unlock()
	return nil
}

// StartAll activates every registered strategy, collecting failures.
func (e *Engine) StartAll() error {
	var errs []error
	for _, name := range e.Names() {
		if err := e.StartStrategy(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopAll deactivates every registered strategy, collecting failures.
func (e *Engine) StopAll() error {
	var errs []error
	for _, name := range e.Names() {
		if err := e.StopStrategy(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ResetStrategy clears a strategy's market state and the engine's
// statistics for it. Open positions are left registered; close them first
// if the reset should forget them.
func (e *Engine) ResetStrategy(name string) error {
	s, ok := e.strategy(name)
	if !ok {
		return fmt.Errorf("unknown strategy %q", name)
	}
	if err := s.Reset(); err != nil {
		return fmt.Errorf("reset strategy %q: %w", name, err)
	}
	e.mu.Lock()
	e.states[name] = StateInactive
	e.stats[name] = &Statistics{Strategy: name, StartTime: time.Now()}
	e.mu.Unlock()
	return nil
}

// ValidateStrategy reports whether the named strategy is registered,
// healthy and warm enough to trade the symbol.
func (e *Engine) ValidateStrategy(name, symbol string) error {
	e.mu.RLock()
	s, ok := e.strategies[name]
	state := e.states[name]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown strategy %q", name)
	}
	if state == StateError {
		return fmt.Errorf("strategy %q is in error state", name)
	}
	if !s.CanTrade(symbol) {
		return fmt.Errorf("strategy %q cannot trade %s yet", name, symbol)
	}
	return nil
}

// Execute runs one strategy against the given market data. It never
// returns an error: failures degrade to HOLD with a diagnostic message. A
// panicking strategy is parked in StateError so it stops executing until
// an operator intervenes.
func (e *Engine) Execute(name string, klines []exchange.Kline, ticker exchange.Ticker) Signal {
	e.mu.RLock()
	s, ok := e.strategies[name]
	state := e.states[name]
	e.mu.RUnlock()

	if !ok {
		return holdSignal(name, ticker.Symbol, "unknown strategy", time.Now())
	}
	if state != StateActive {
		return holdSignal(name, ticker.Symbol, "strategy is not active", time.Now())
	}

	sig := e.runUpdate(s, name, klines, ticker)

	if sig.Type != SignalHold {
		e.mu.RLock()
		active := e.states[name] == StateActive
		e.mu.RUnlock()
		if !active || !s.ValidateSignal(sig) {
			sig = holdSignal(name, ticker.Symbol, "signal validation failed", sig.Timestamp)
		}
	}

	sig.Strategy = name
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now()
	}
	if sig.Type != SignalHold {
		e.notifySignal(name, sig)
	}
	return sig
}

// runUpdate isolates a single strategy update so one panicking strategy
// cannot take the engine down.
func (e *Engine) runUpdate(s Strategy, name string, klines []exchange.Kline, ticker exchange.Ticker) (sig Signal) {
	defer func() {
		if r := recover(); r != nil {
			e.setError(name, fmt.Errorf("update panicked: %v", r))
			sig = holdSignal(name, ticker.Symbol, fmt.Sprintf("execution error: %v", r), time.Now())
		}
	}()
	return s.Update(klines, ticker)
}

// ExecuteAll runs every registered strategy against the same market data
// and returns their signals in name order.
func (e *Engine) ExecuteAll(klines []exchange.Kline, ticker exchange.Ticker) []Signal {
	names := e.Names()
	out := make([]Signal, 0, len(names))
	for _, name := range names {
		out = append(out, e.Execute(name, klines, ticker))
	}
	return out
}

// RegisterPosition records a filled entry and notifies the owning
// strategy.
func (e *Engine) RegisterPosition(pos Position) error {
	if pos.ID == "" {
		return fmt.Errorf("position id required")
	}
	if pos.Strategy == "" {
		return fmt.Errorf("position strategy required")
	}

	e.posMu.Lock()
	if _, exists := e.positions[pos.ID]; exists {
		e.posMu.Unlock()
		return fmt.Errorf("position %q already registered", pos.ID)
	}
	p := pos
	e.positions[pos.ID] = &p
	e.positionOwner[pos.ID] = pos.Strategy
	e.byStrategy[pos.Strategy] = append(e.byStrategy[pos.Strategy], pos.ID)
	e.posMu.Unlock()

	if s, ok := e.strategy(pos.Strategy); ok {
		s.OnPositionOpened(pos)
	}
	e.notifyPosition(pos.Strategy, pos)
	log.Printf("position %s opened: %s %s %s qty=%.6f @ %.4f",
		pos.ID, pos.Strategy, pos.Side, pos.Symbol, pos.Quantity, pos.EntryPrice)
	return nil
}

// ClosePosition removes a tracked position, realizes its profit and loss
// at the exit price and updates the engine's statistics for the owner.
func (e *Engine) ClosePosition(positionID string, exitPrice float64) error {
	e.posMu.Lock()
	p, ok := e.positions[positionID]
	if !ok {
		e.posMu.Unlock()
		return fmt.Errorf("unknown position %q", positionID)
	}
	pos := *p
	delete(e.positions, positionID)
	delete(e.positionOwner, positionID)
	ids := e.byStrategy[pos.Strategy]
	for i, id := range ids {
		if id == positionID {
			e.byStrategy[pos.Strategy] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	e.posMu.Unlock()

	pnl := pnlAt(pos, exitPrice)
	e.updateStats(pos.Strategy, pnl)

	if s, ok := e.strategy(pos.Strategy); ok {
		s.OnPositionClosed(pos, exitPrice, pnl)
	}
	pos.CurrentPrice = exitPrice
	pos.UnrealizedPnL = 0
	e.notifyPosition(pos.Strategy, pos)
	log.Printf("position %s closed: exit=%.4f pnl=%.2f", positionID, exitPrice, pnl)
	return nil
}

// UpdatePosition marks a tracked position to the given price and lets the
// owning strategy inspect the refreshed state.
func (e *Engine) UpdatePosition(positionID string, currentPrice float64) error {
	e.posMu.Lock()
	p, ok := e.positions[positionID]
	if !ok {
		e.posMu.Unlock()
		return fmt.Errorf("unknown position %q", positionID)
	}
	p.CurrentPrice = currentPrice
	p.UnrealizedPnL = pnlAt(*p, currentPrice)
	pos := *p
	e.posMu.Unlock()

	if s, ok := e.strategy(pos.Strategy); ok {
		s.OnPositionUpdated(pos)
	}
	return nil
}

// pnlAt values a position at the given price, net of entry commission.
func pnlAt(pos Position, price float64) float64 {
	diff := price - pos.EntryPrice
	if pos.Side == exchange.SideSell {
		diff = -diff
	}
	return diff*pos.Quantity - pos.Commission
}

// Position returns a copy of one tracked position.
func (e *Engine) Position(id string) (Position, bool) {
	e.posMu.RLock()
	defer e.posMu.RUnlock()
	if p, ok := e.positions[id]; ok {
		return *p, true
	}
	return Position{}, false
}

// Positions returns copies of all tracked positions.
func (e *Engine) Positions() []Position {
	e.posMu.RLock()
	defer e.posMu.RUnlock()
	out := make([]Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, *p)
	}
	return out
}

// StrategyPositions returns copies of the positions owned by one strategy.
func (e *Engine) StrategyPositions(name string) []Position {
	e.posMu.RLock()
	defer e.posMu.RUnlock()
	ids := e.byStrategy[name]
	out := make([]Position, 0, len(ids))
	for _, id := range ids {
		if p, ok := e.positions[id]; ok {
			out = append(out, *p)
		}
	}
	return out
}

// PositionCount reports how many positions are tracked.
func (e *Engine) PositionCount() int {
	e.posMu.RLock()
	defer e.posMu.RUnlock()
	return len(e.positions)
}

// GeneratePositionID produces a unique position identifier.
func (e *Engine) GeneratePositionID() string {
	return fmt.Sprintf("pos_%d_%d", time.Now().UnixMilli(), e.posSeq.Add(1))
}

// updateStats folds a realized trade into the engine-side statistics.
// Drawdown grows by the loss amount and is paid back down by wins.
func (e *Engine) updateStats(name string, pnl float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.stats[name]
	if !ok {
		st = &Statistics{Strategy: name, StartTime: time.Now()}
		e.stats[name] = st
	}
	st.TotalTrades++
	st.TotalPnL += pnl
	if pnl > 0 {
		st.WinningTrades++
		st.CurrentDrawdown = math.Max(0, st.CurrentDrawdown-pnl)
	} else {
		st.LosingTrades++
		st.CurrentDrawdown += math.Abs(pnl)
		if st.CurrentDrawdown > st.MaxDrawdown {
			st.MaxDrawdown = st.CurrentDrawdown
		}
	}
	st.WinRate = float64(st.WinningTrades) / float64(st.TotalTrades) * 100
	st.LastTradeTime = time.Now()
}

// StrategyStatistics returns a copy of the engine-side statistics for one
// strategy.
func (e *Engine) StrategyStatistics(name string) (Statistics, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if st, ok := e.stats[name]; ok {
		return *st, true
	}
	return Statistics{}, false
}

// AllStatistics returns a copy of the engine-side statistics for every
// strategy.
func (e *Engine) AllStatistics() map[string]Statistics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]Statistics, len(e.stats))
	for name, st := range e.stats {
		out[name] = *st
	}
	return out
}

// PnL reports a strategy's realized profit and loss, zero for unknown
// names.
func (e *Engine) PnL(name string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if st, ok := e.stats[name]; ok {
		return st.TotalPnL
	}
	return 0
}

// TotalPnL sums realized profit and loss across all strategies.
func (e *Engine) TotalPnL() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var total float64
	for _, st := range e.stats {
		total += st.TotalPnL
	}
	return total
}

// OnSignal registers a callback for actionable signals.
func (e *Engine) OnSignal(cb SignalCallback) {
	e.cbMu.Lock()
	e.onSignal = append(e.onSignal, cb)
	e.cbMu.Unlock()
}

// OnPosition registers a callback for position open and close events.
func (e *Engine) OnPosition(cb PositionCallback) {
	e.cbMu.Lock()
	e.onPosition = append(e.onPosition, cb)
	e.cbMu.Unlock()
}

// OnError registers a callback for strategy failures.
func (e *Engine) OnError(cb ErrorCallback) {
	e.cbMu.Lock()
	e.onError = append(e.onError, cb)
	e.cbMu.Unlock()
}

func (e *Engine) notifySignal(strategy string, sig Signal) {
	e.cbMu.RLock()
	cbs := make([]SignalCallback, len(e.onSignal))
	copy(cbs, e.onSignal)
	e.cbMu.RUnlock()
	for _, cb := range cbs {
		recoverCall("signal", func() { cb(strategy, sig) })
	}
}

func (e *Engine) notifyPosition(strategy string, pos Position) {
	e.cbMu.RLock()
	cbs := make([]PositionCallback, len(e.onPosition))
	copy(cbs, e.onPosition)
	e.cbMu.RUnlock()
	for _, cb := range cbs {
		recoverCall("position", func() { cb(strategy, pos) })
	}
}

func (e *Engine) notifyError(strategy string, err error) {
	e.cbMu.RLock()
	cbs := make([]ErrorCallback, len(e.onError))
	copy(cbs, e.onError)
	e.cbMu.RUnlock()
	for _, cb := range cbs {
		recoverCall("error", func() { cb(strategy, err) })
	}
}

func recoverCall(what string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("%s callback panicked: %v", what, r)
		}
	}()
	f()
}

// SaveStrategy serializes one strategy into the snapshot store.
func (e *Engine) SaveStrategy(name string) error {
	e.mu.RLock()
	store := e.store
	e.mu.RUnlock()
	if store == nil {
		return fmt.Errorf("no snapshot store configured")
	}
	s, ok := e.strategy(name)
	if !ok {
		return fmt.Errorf("unknown strategy %q", name)
	}
	data, err := s.Serialize()
	if err != nil {
		return fmt.Errorf("serialize strategy %q: %w", name, err)
	}
	return store.SaveSnapshot(name, data)
}

// LoadStrategy restores one strategy from the snapshot store.
func (e *Engine) LoadStrategy(name string) error {
	e.mu.RLock()
	store := e.store
	e.mu.RUnlock()
	if store == nil {
		return fmt.Errorf("no snapshot store configured")
	}
	s, ok := e.strategy(name)
	if !ok {
		return fmt.Errorf("unknown strategy %q", name)
	}
	data, err := store.LoadSnapshot(name)
	if err != nil {
		return fmt.Errorf("load snapshot %q: %w", name, err)
	}
	if err := s.Deserialize(data); err != nil {
		return fmt.Errorf("restore strategy %q: %w", name, err)
	}
	log.Printf("✓ restored state for strategy %s", name)
	return nil
}

// SaveAll snapshots every registered strategy, collecting failures.
func (e *Engine) SaveAll() error {
	var errs []error
	for _, name := range e.Names() {
		if err := e.SaveStrategy(name); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	log.Printf("💾 all strategy states saved")
	return nil
}

// LoadAll restores every registered strategy that has a snapshot. Missing
// snapshots are skipped.
func (e *Engine) LoadAll() error {
	var errs []error
	for _, name := range e.Names() {
		err := e.LoadStrategy(name)
		if err == nil || errors.Is(err, ErrNoSnapshot) {
			continue
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ExportAll serializes every registered strategy into a name-keyed map.
func (e *Engine) ExportAll() (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	for _, name := range e.Names() {
		s, ok := e.strategy(name)
		if !ok {
			continue
		}
		data, err := s.Serialize()
		if err != nil {
			return nil, fmt.Errorf("serialize strategy %q: %w", name, err)
		}
		out[name] = data
	}
	return out, nil
}

// Import restores strategies from a name-keyed map. Names without a
// registered strategy are skipped.
func (e *Engine) Import(snapshots map[string]json.RawMessage) error {
	var errs []error
	for name, data := range snapshots {
		s, ok := e.strategy(name)
		if !ok {
			log.Printf("skipping snapshot for unregistered strategy %s", name)
			continue
		}
		if err := s.Deserialize(data); err != nil {
			errs = append(errs, fmt.Errorf("restore strategy %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// SaveToFile writes all strategy snapshots to a JSON file.
func (e *Engine) SaveToFile(path string) error {
	snapshots, err := e.ExportAll()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(snapshots, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshots: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write snapshots: %w", err)
	}
	log.Printf("💾 saved %d strategy states to %s", len(snapshots), path)
	return nil
}

// LoadFromFile restores all strategy snapshots from a JSON file.
func (e *Engine) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read snapshots: %w", err)
	}
	var snapshots map[string]json.RawMessage
	if err := json.Unmarshal(data, &snapshots); err != nil {
		return fmt.Errorf("decode snapshots: %w", err)
	}
	return e.Import(snapshots)
}
