package risk

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"trading-engine/pkg/exchange"
)

const maxStoredAlerts = 100

// Manager is the single admission gate for new trades and the exposure
// ledger for open ones. It tracks per-symbol and total entry notional,
// today's realized PnL with a lazy local-midnight reset, and realized
// drawdown against the running profit peak.
//
// One mutex guards all books. The balance provider is consulted outside
// the lock and must be non-blocking.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	balance BalanceProvider

	positions      map[string]Position
	symbolExposure map[string]float64
	lastTrade      map[string]time.Time
	totalExposure  float64

	todayPnL   float64
	startOfDay time.Time

	totalRealized float64
	maxProfit     float64
	maxDrawdown   float64

	volatility VolatilityCheck
	alerts     []Alert
	onAlert    func(Alert)
}

// NewManager builds a risk manager over the given limits and balance
// source.
func NewManager(cfg Config, balance BalanceProvider) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("risk config: %w", err)
	}
	if balance == nil {
		return nil, fmt.Errorf("balance provider required")
	}
	m := &Manager{
		cfg:            cfg,
		balance:        balance,
		positions:      make(map[string]Position),
		symbolExposure: make(map[string]float64),
		lastTrade:      make(map[string]time.Time),
		startOfDay:     time.Now(),
	}
	log.Printf("risk: manager ready: capital=%.1f%% exposure=%.1f%%/%.1f%% positions=%d daily_loss=%.1f%%",
		cfg.MaxCapitalPerTrade, cfg.MaxSymbolExposure, cfg.MaxTotalExposure,
		cfg.MaxOpenPositions, cfg.MaxDailyLoss)
	return m, nil
}

// Config returns a copy of the active limits.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Configure overlays recognized keys onto the current limits, committing
// only if the staged result validates. Unknown keys are ignored.
func (m *Manager) Configure(raw map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	staged := m.cfg
	for key, value := range raw {
		var err error
		switch key {
		case "capital_pct":
			staged.MaxCapitalPerTrade, err = floatValue(key, value)
		case "max_exposure":
			staged.MaxTotalExposure, err = floatValue(key, value)
		case "max_symbol_exposure":
			staged.MaxSymbolExposure, err = floatValue(key, value)
		case "max_positions":
			var n float64
			n, err = floatValue(key, value)
			staged.MaxOpenPositions = int(n)
		case "max_daily_loss":
			staged.MaxDailyLoss, err = floatValue(key, value)
		case "stop_loss_pct":
			staged.DefaultStopLoss, err = floatValue(key, value)
		case "take_profit_pct":
			staged.DefaultTakeProfit, err = floatValue(key, value)
		case "min_time_between_trades":
			var sec float64
			sec, err = floatValue(key, value)
			staged.MinTimeBetweenTrades = time.Duration(sec * float64(time.Second))
		case "check_volatility":
			b, ok := value.(bool)
			if !ok {
				err = fmt.Errorf("risk config %s: expected bool, got %T", key, value)
			}
			staged.CheckVolatility = b
		case "max_volatility":
			staged.MaxVolatility, err = floatValue(key, value)
		}
		if err != nil {
			return err
		}
	}
	if err := staged.Validate(); err != nil {
		return fmt.Errorf("risk config: %w", err)
	}
	m.cfg = staged
	return nil
}

func floatValue(key string, value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("risk config %s: expected number, got %T", key, value)
	}
}

// SetVolatilityCheck installs the pluggable volatility gate. A nil check
// restores the default pass-through.
func (m *Manager) SetVolatilityCheck(check VolatilityCheck) {
	m.mu.Lock()
	m.volatility = check
	m.mu.Unlock()
}

// SetAlertHandler installs a callback invoked, outside the manager lock,
// for every recorded limit breach.
func (m *Manager) SetAlertHandler(handler func(Alert)) {
	m.mu.Lock()
	m.onAlert = handler
	m.mu.Unlock()
}

// CalculatePositionSize converts the per-trade capital budget into a
// quantity, clamped by the remaining total and per-symbol exposure
// budgets. Exhausted budgets yield 0.
func (m *Manager) CalculatePositionSize(symbol string, price, availableBalance float64) float64 {
	if price <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	amount := availableBalance * m.cfg.MaxCapitalPerTrade / 100
	if remaining := availableBalance*m.cfg.MaxTotalExposure/100 - m.totalExposure; remaining < amount {
		amount = remaining
	}
	if remaining := availableBalance*m.cfg.MaxSymbolExposure/100 - m.symbolExposure[symbol]; remaining < amount {
		amount = remaining
	}
	if amount <= 0 {
		return 0
	}
	return amount / price
}

// PositionSize sizes a trade against the current account balance.
func (m *Manager) PositionSize(symbol string, price float64) float64 {
	return m.CalculatePositionSize(symbol, price, m.balance.AvailableBalance())
}

// CheckPositionAllowed is the admission gate: parameter sanity, position
// count, daily loss, symbol exposure, trade frequency and the optional
// volatility check must all pass. Denials are not errors; limit breaches
// are recorded as alerts.
func (m *Manager) CheckPositionAllowed(symbol string, side exchange.Side, quantity, price float64) bool {
	if symbol == "" || quantity <= 0 || price <= 0 {
		return false
	}
	balance := m.balance.AvailableBalance()
	now := time.Now()

	m.mu.Lock()
	m.rollDayLocked(now)
	var alert *Alert
	allowed := true
	switch {
	case len(m.positions) >= m.cfg.MaxOpenPositions:
		allowed = false
		alert = &Alert{
			Type:    AlertMaxPositions,
			Symbol:  symbol,
			Message: fmt.Sprintf("open positions %d at limit %d", len(m.positions), m.cfg.MaxOpenPositions),
			Current: float64(len(m.positions)),
			Limit:   float64(m.cfg.MaxOpenPositions),
			At:      now,
		}
	case !m.dailyLossOKLocked(balance):
		limit := balance * m.cfg.MaxDailyLoss / 100
		allowed = false
		alert = &Alert{
			Type:    AlertDailyLoss,
			Symbol:  symbol,
			Message: fmt.Sprintf("daily loss %.2f at limit %.2f", -m.todayPnL, limit),
			Current: -m.todayPnL,
			Limit:   limit,
			At:      now,
		}
	case !m.symbolExposureOKLocked(symbol, quantity*price, balance):
		limit := balance * m.cfg.MaxSymbolExposure / 100
		allowed = false
		alert = &Alert{
			Type:    AlertSymbolExposure,
			Symbol:  symbol,
			Message: fmt.Sprintf("%s exposure %.2f would exceed limit %.2f", symbol, m.symbolExposure[symbol]+quantity*price, limit),
			Current: m.symbolExposure[symbol] + quantity*price,
			Limit:   limit,
			At:      now,
		}
	case !m.tradeFrequencyOKLocked(symbol, now):
		allowed = false
	}
	if alert != nil {
		m.recordAlertLocked(*alert)
	}
	checkVol := allowed && m.cfg.CheckVolatility
	maxVol := m.cfg.MaxVolatility
	volatility := m.volatility
	handler := m.onAlert
	m.mu.Unlock()

	if checkVol && volatility != nil && !volatility(symbol, price) {
		a := Alert{
			Type:    AlertVolatility,
			Symbol:  symbol,
			Message: fmt.Sprintf("%s volatility above %.1f%%", symbol, maxVol),
			Current: 0,
			Limit:   maxVol,
			At:      now,
		}
		m.mu.Lock()
		m.recordAlertLocked(a)
		m.mu.Unlock()
		alert = &a
		allowed = false
	}
	if alert != nil && handler != nil {
		handler(*alert)
	}
	return allowed
}

// CheckMaxOpenPositions reports whether a new position would stay under
// the open-position limit.
func (m *Manager) CheckMaxOpenPositions() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions) < m.cfg.MaxOpenPositions
}

// CheckMaxDailyLoss reports whether today's realized loss is still below
// the configured share of the account balance. The daily bucket resets
// lazily on the first read past local midnight.
func (m *Manager) CheckMaxDailyLoss() bool {
	balance := m.balance.AvailableBalance()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked(time.Now())
	return m.dailyLossOKLocked(balance)
}

// CheckSymbolExposure reports whether adding the given notional keeps the
// symbol inside its exposure budget.
func (m *Manager) CheckSymbolExposure(symbol string, addedExposure float64) bool {
	balance := m.balance.AvailableBalance()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.symbolExposureOKLocked(symbol, addedExposure, balance)
}

// CheckTradeFrequency reports whether the per-symbol trade interval has
// elapsed since the last registration.
func (m *Manager) CheckTradeFrequency(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tradeFrequencyOKLocked(symbol, time.Now())
}

// CheckMarketVolatility runs the pluggable volatility gate; without one
// installed every symbol passes.
func (m *Manager) CheckMarketVolatility(symbol string, price float64) bool {
	m.mu.Lock()
	volatility := m.volatility
	m.mu.Unlock()
	if volatility == nil {
		return true
	}
	return volatility(symbol, price)
}

func (m *Manager) dailyLossOKLocked(balance float64) bool {
	return -m.todayPnL < balance*m.cfg.MaxDailyLoss/100
}

func (m *Manager) symbolExposureOKLocked(symbol string, added, balance float64) bool {
	return m.symbolExposure[symbol]+added <= balance*m.cfg.MaxSymbolExposure/100
}

func (m *Manager) tradeFrequencyOKLocked(symbol string, now time.Time) bool {
	last, ok := m.lastTrade[symbol]
	if !ok {
		return true
	}
	return now.Sub(last) >= m.cfg.MinTimeBetweenTrades
}

// rollDayLocked discards the daily PnL bucket once the local calendar day
// has advanced.
func (m *Manager) rollDayLocked(now time.Time) {
	if dayOf(now).After(dayOf(m.startOfDay)) {
		m.startOfDay = now
		m.todayPnL = 0
	}
}

func dayOf(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}

// RegisterPosition adds a position's entry notional to the exposure books
// and stamps the symbol's last-trade time. A registration that pushes
// total exposure past its budget is accepted but raises an alert, since
// sizing should have prevented it.
func (m *Manager) RegisterPosition(pos Position) error {
	if pos.ID == "" {
		return fmt.Errorf("position id required")
	}
	balance := m.balance.AvailableBalance()
	now := time.Now()

	m.mu.Lock()
	if _, exists := m.positions[pos.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("position %q already registered", pos.ID)
	}
	exposure := pos.Notional()
	m.positions[pos.ID] = pos
	m.symbolExposure[pos.Symbol] += exposure
	m.totalExposure += exposure
	m.lastTrade[pos.Symbol] = now

	var alert *Alert
	if limit := balance * m.cfg.MaxTotalExposure / 100; m.totalExposure > limit {
		alert = &Alert{
			Type:    AlertTotalExposure,
			Symbol:  pos.Symbol,
			Message: fmt.Sprintf("total exposure %.2f exceeds limit %.2f", m.totalExposure, limit),
			Current: m.totalExposure,
			Limit:   limit,
			At:      now,
		}
		m.recordAlertLocked(*alert)
	}
	handler := m.onAlert
	m.mu.Unlock()

	if alert != nil && handler != nil {
		handler(*alert)
	}
	return nil
}

// ClosePosition releases the position's entry notional from the exposure
// books and folds the realized pnl into today's bucket and the drawdown
// ledger. Exposure release uses the entry notional, keeping the books
// symmetric with registration.
func (m *Manager) ClosePosition(positionID string, exitPrice, pnl float64) error {
	m.mu.Lock()
	pos, ok := m.positions[positionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown position %q", positionID)
	}
	exposure := pos.Notional()
	m.symbolExposure[pos.Symbol] -= exposure
	m.totalExposure -= exposure
	delete(m.positions, positionID)

	m.todayPnL += pnl
	m.totalRealized += pnl
	if m.totalRealized > m.maxProfit {
		m.maxProfit = m.totalRealized
	}
	if dd := m.maxProfit - m.totalRealized; dd > m.maxDrawdown {
		m.maxDrawdown = dd
	}
	today := m.todayPnL
	m.mu.Unlock()

	log.Printf("risk: position %s closed exit=%.4f pnl=%.2f today=%.2f", positionID, exitPrice, pnl, today)
	return nil
}

// OpenPositions returns the tracked positions ordered by id.
func (m *Manager) OpenPositions() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TotalExposure returns the summed entry notional of all open positions.
func (m *Manager) TotalExposure() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalExposure
}

// SymbolExposure returns the entry notional open on one symbol.
func (m *Manager) SymbolExposure(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.symbolExposure[symbol]
}

// TodayPnL returns today's realized PnL, rolling the daily bucket first.
func (m *Manager) TodayPnL() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked(time.Now())
	return m.todayPnL
}

// Statistics returns a snapshot of the risk books.
func (m *Manager) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked(time.Now())
	return Statistics{
		TotalExposure:   m.totalExposure,
		TodayPnL:        m.todayPnL,
		OpenPositions:   len(m.positions),
		MaxDrawdown:     m.maxDrawdown,
		CurrentDrawdown: m.maxProfit - m.totalRealized,
		LastReset:       m.startOfDay,
	}
}

// CalculateExitLevels derives the default stop-loss and take-profit
// prices from an entry, direction-flipped for shorts.
func (m *Manager) CalculateExitLevels(symbol string, side exchange.Side, entryPrice float64) (float64, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sl := m.cfg.DefaultStopLoss / 100
	tp := m.cfg.DefaultTakeProfit / 100
	if side == exchange.SideBuy {
		return entryPrice * (1 - sl), entryPrice * (1 + tp)
	}
	return entryPrice * (1 + sl), entryPrice * (1 - tp)
}

// IsWithinRiskLimits reports whether the books currently respect the
// position-count, daily-loss and total-exposure limits.
func (m *Manager) IsWithinRiskLimits() bool {
	balance := m.balance.AvailableBalance()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked(time.Now())
	if len(m.positions) > m.cfg.MaxOpenPositions {
		return false
	}
	if !m.dailyLossOKLocked(balance) {
		return false
	}
	return m.totalExposure <= balance*m.cfg.MaxTotalExposure/100
}

// ResetDailyStats force-resets the daily bucket, normally left to the
// lazy midnight roll.
func (m *Manager) ResetDailyStats() {
	m.mu.Lock()
	prev := m.todayPnL
	m.todayPnL = 0
	m.startOfDay = time.Now()
	m.mu.Unlock()
	log.Printf("risk: daily stats reset (prev pnl=%.2f)", prev)
}

func (m *Manager) recordAlertLocked(a Alert) {
	m.alerts = append(m.alerts, a)
	if len(m.alerts) > maxStoredAlerts {
		m.alerts = m.alerts[len(m.alerts)-maxStoredAlerts:]
	}
}

// ActiveAlerts returns the recorded limit breaches, oldest first.
func (m *Manager) ActiveAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// ClearAlerts drops all recorded alerts.
func (m *Manager) ClearAlerts() {
	m.mu.Lock()
	m.alerts = nil
	m.mu.Unlock()
}
