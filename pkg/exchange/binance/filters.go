package binance

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// SymbolFilters are the venue's order constraints for one symbol, taken
// from exchangeInfo. Zero values disable the corresponding check.
type SymbolFilters struct {
	StepSize    decimal.Decimal
	TickSize    decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// QuantizeQty floors a quantity to the lot step.
func (f SymbolFilters) QuantizeQty(qty float64) float64 {
	return quantize(qty, f.StepSize)
}

// QuantizePrice floors a price to the tick size.
func (f SymbolFilters) QuantizePrice(price float64) float64 {
	return quantize(price, f.TickSize)
}

// CheckOrder validates a quantized order against minQty and minNotional.
// The notional check is skipped for market orders (price unknown).
func (f SymbolFilters) CheckOrder(qty, price float64) error {
	q := decimal.NewFromFloat(qty)
	if !f.MinQty.IsZero() && q.LessThan(f.MinQty) {
		return fmt.Errorf("quantity %s below minQty %s", q, f.MinQty)
	}
	if price > 0 && !f.MinNotional.IsZero() {
		notional := q.Mul(decimal.NewFromFloat(price))
		if notional.LessThan(f.MinNotional) {
			return fmt.Errorf("notional %s below minNotional %s", notional, f.MinNotional)
		}
	}
	return nil
}

// quantize floors v to a multiple of step. Decimal arithmetic keeps the
// result exact where float division would smear the last digit.
func quantize(v float64, step decimal.Decimal) float64 {
	if step.IsZero() || v <= 0 {
		return v
	}
	d := decimal.NewFromFloat(v)
	out, _ := d.Div(step).Floor().Mul(step).Float64()
	return out
}

type filterTable struct {
	mu sync.RWMutex
	m  map[string]SymbolFilters
}

func newFilterTable() *filterTable {
	return &filterTable{m: make(map[string]SymbolFilters)}
}

func (t *filterTable) get(symbol string) (SymbolFilters, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.m[symbol]
	return f, ok
}

func (t *filterTable) put(symbol string, f SymbolFilters) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[symbol] = f
}

// load parses an exchangeInfo response body into the table.
func (t *filterTable) load(body []byte) error {
	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				StepSize    string `json:"stepSize"`
				TickSize    string `json:"tickSize"`
				MinQty      string `json:"minQty"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return fmt.Errorf("decode exchange info: %w", err)
	}
	for _, s := range info.Symbols {
		var f SymbolFilters
		for _, raw := range s.Filters {
			switch raw.FilterType {
			case "LOT_SIZE":
				f.StepSize = parseDecimal(raw.StepSize)
				f.MinQty = parseDecimal(raw.MinQty)
			case "PRICE_FILTER":
				f.TickSize = parseDecimal(raw.TickSize)
			case "MIN_NOTIONAL", "NOTIONAL":
				f.MinNotional = parseDecimal(raw.MinNotional)
			}
		}
		t.put(s.Symbol, f)
	}
	return nil
}

// parseDecimal tolerates empty and malformed strings as zero.
func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Decimal{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}
	}
	return d
}
