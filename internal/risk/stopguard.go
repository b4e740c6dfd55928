package risk

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"trading-engine/pkg/exchange"
)

// Entry is one armed exit watch. Stop-loss or take-profit may be zero to
// disable that side. With Trailing set, the stop ratchets behind the best
// price seen at TrailOffset (a fraction, 0.02 = 2%) and never loosens.
type Entry struct {
	Strategy    string
	Symbol      string
	Side        exchange.Side
	EntryPrice  float64
	Quantity    float64
	StopLoss    float64
	TakeProfit  float64
	Trailing    bool
	TrailOffset float64

	mark float64
}

// Decision is a fired exit: the watcher only reports, the caller closes.
type Decision struct {
	Strategy string
	Symbol   string
	Action   string
	Reason   string
	Price    float64
	At       time.Time
}

// StopGuard watches armed stop-loss and take-profit levels against the
// price stream. Entries are keyed by strategy and symbol, so independent
// strategies can hold the same symbol with different exits.
type StopGuard struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewStopGuard builds an empty watcher.
func NewStopGuard() *StopGuard {
	return &StopGuard{entries: make(map[string]*Entry)}
}

func guardKey(strategy, symbol string) string {
	return strategy + ":" + symbol
}

// Track arms an exit watch, replacing any previous one for the same
// strategy and symbol.
func (g *StopGuard) Track(entry Entry) error {
	if entry.Strategy == "" || entry.Symbol == "" {
		return fmt.Errorf("strategy and symbol required")
	}
	if entry.EntryPrice <= 0 {
		return fmt.Errorf("entry price must be positive, got %.4f", entry.EntryPrice)
	}
	if entry.Trailing && entry.TrailOffset <= 0 {
		return fmt.Errorf("trailing stop requires a positive offset")
	}
	entry.mark = entry.EntryPrice
	g.mu.Lock()
	g.entries[guardKey(entry.Strategy, entry.Symbol)] = &entry
	g.mu.Unlock()
	return nil
}

// Release disarms the watch for one strategy and symbol.
func (g *StopGuard) Release(strategy, symbol string) {
	g.mu.Lock()
	delete(g.entries, guardKey(strategy, symbol))
	g.mu.Unlock()
}

// UpdatePrice feeds one price tick to every watch on the symbol. Trailing
// stops ratchet first, then the stop-loss is checked before the
// take-profit. Fired watches are disarmed and reported.
func (g *StopGuard) UpdatePrice(symbol string, price float64) []Decision {
	if price <= 0 {
		return nil
	}
	now := time.Now()
	var fired []Decision
	g.mu.Lock()
	for key, entry := range g.entries {
		if entry.Symbol != symbol {
			continue
		}
		entry.ratchet(price)
		reason, ok := entry.trigger(price)
		if !ok {
			continue
		}
		fired = append(fired, Decision{
			Strategy: entry.Strategy,
			Symbol:   entry.Symbol,
			Action:   "CLOSE",
			Reason:   reason,
			Price:    price,
			At:       now,
		})
		delete(g.entries, key)
	}
	g.mu.Unlock()
	sort.Slice(fired, func(i, j int) bool { return fired[i].Strategy < fired[j].Strategy })
	return fired
}

// ratchet advances the trailing stop behind the best price seen. The stop
// only ever tightens.
func (e *Entry) ratchet(price float64) {
	if !e.Trailing {
		return
	}
	if e.Side == exchange.SideBuy {
		if price > e.mark {
			e.mark = price
		}
		if candidate := e.mark * (1 - e.TrailOffset); candidate > e.StopLoss {
			e.StopLoss = candidate
		}
		return
	}
	if price < e.mark {
		e.mark = price
	}
	if candidate := e.mark * (1 + e.TrailOffset); e.StopLoss == 0 || candidate < e.StopLoss {
		e.StopLoss = candidate
	}
}

func (e *Entry) trigger(price float64) (string, bool) {
	if e.Side == exchange.SideBuy {
		if e.StopLoss > 0 && price <= e.StopLoss {
			return fmt.Sprintf("Stop loss triggered at %.2f", price), true
		}
		if e.TakeProfit > 0 && price >= e.TakeProfit {
			return fmt.Sprintf("Take profit triggered at %.2f", price), true
		}
		return "", false
	}
	if e.StopLoss > 0 && price >= e.StopLoss {
		return fmt.Sprintf("Stop loss triggered at %.2f", price), true
	}
	if e.TakeProfit > 0 && price <= e.TakeProfit {
		return fmt.Sprintf("Take profit triggered at %.2f", price), true
	}
	return "", false
}

// Active returns the armed watches ordered by strategy then symbol.
func (g *StopGuard) Active() []Entry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Entry, 0, len(g.entries))
	for _, entry := range g.entries {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Strategy != out[j].Strategy {
			return out[i].Strategy < out[j].Strategy
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Watching reports whether a watch is armed for the strategy and symbol.
func (g *StopGuard) Watching(strategy, symbol string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.entries[guardKey(strategy, symbol)]
	return ok
}
