// Package order is the execution path: a bounded queue of orders drained
// by an executor that submits them to the exchange gateway (or simulates
// fills in dry-run mode), persists the resulting rows and publishes
// lifecycle events on the bus.
package order

import (
	"fmt"
	"time"

	"trading-engine/pkg/exchange"
)

// Order is one unit of work for the executor. Price is the limit price
// for LIMIT orders and the reference price for MARKET orders (used for
// the balance reservation and for dry-run fills).
type Order struct {
	ID          string
	Strategy    string
	PositionID  string
	Symbol      string
	Side        exchange.Side
	Type        exchange.OrderType
	TimeInForce exchange.TimeInForce
	Quantity    float64
	Price       float64
	StopPrice   float64
	CreatedAt   time.Time
}

// Validate checks the fields every order needs before execution.
func (o Order) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("order id required")
	}
	if o.Symbol == "" {
		return fmt.Errorf("order %s: symbol required", o.ID)
	}
	if o.Side != exchange.SideBuy && o.Side != exchange.SideSell {
		return fmt.Errorf("order %s: invalid side %q", o.ID, o.Side)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("order %s: quantity must be positive, got %v", o.ID, o.Quantity)
	}
	if o.Type == exchange.OrderTypeLimit && o.Price <= 0 {
		return fmt.Errorf("order %s: limit order needs a price", o.ID)
	}
	return nil
}

// Notional returns the order's quote value at its reference price.
func (o Order) Notional() float64 {
	return o.Price * o.Quantity
}
