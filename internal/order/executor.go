package order

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"

	"trading-engine/internal/balance"
	"trading-engine/internal/events"
	"trading-engine/pkg/cache"
	"trading-engine/pkg/db"
	"trading-engine/pkg/exchange"
)

// SimConfig tunes the dry-run fill model.
type SimConfig struct {
	FeeRate      float64 // decimal, e.g. 0.001 = 10 bps per fill
	SlippageBps  float64 // max adverse slippage in basis points
	LatencyMinMs int     // simulated gateway latency lower bound
	LatencyMaxMs int     // simulated gateway latency upper bound
}

// Executor persists orders, fills them against the venue (or the dry-run
// simulator), settles the cash flow through the balance manager and
// emits lifecycle events. One instance serves both modes so persistence
// and event flow stay identical either way.
type Executor struct {
	Store   *db.Store
	Bus     *events.Bus
	Gateway exchange.Trading
	Balance *balance.Manager
	Cache   *cache.PriceCache

	DryRun bool
	Sim    SimConfig

	instance  string
	onLatency func(time.Duration)
}

func NewExecutor(store *db.Store, bus *events.Bus, gateway exchange.Trading, bal *balance.Manager) *Executor {
	return &Executor{
		Store:    store,
		Bus:      bus,
		Gateway:  gateway,
		Balance:  bal,
		instance: instanceTag(),
	}
}

// EnableDryRun switches the executor to simulated fills.
func (e *Executor) EnableDryRun(sim SimConfig) {
	e.DryRun = true
	e.Sim = sim
	log.Printf("executor: dry-run enabled (fee=%.4f slippage=%.1fbps)", sim.FeeRate, sim.SlippageBps)
}

// SetLatencyObserver installs a callback receiving each gateway
// round-trip duration (real or simulated), typically a histogram.
func (e *Executor) SetLatencyObserver(fn func(time.Duration)) {
	e.onLatency = fn
}

// Handle runs one order through the full pipeline: persist, reserve,
// fill, settle, record. It returns the fill outcome so the caller can
// register the resulting position.
func (e *Executor) Handle(ctx context.Context, o Order) (*exchange.OrderResult, error) {
	if e.Store == nil {
		return nil, fmt.Errorf("executor: store not configured")
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	if o.Type == "" {
		o.Type = exchange.OrderTypeMarket
	}
	if err := o.Validate(); err != nil {
		log.Printf("executor: rejecting order: %v", err)
		return nil, err
	}

	ref := e.referencePrice(o)
	clientID := e.clientOrderID(o.ID)

	row := db.Order{
		ID:            o.ID,
		ClientOrderID: clientID,
		Strategy:      o.Strategy,
		Symbol:        o.Symbol,
		Side:          string(o.Side),
		Type:          string(o.Type),
		Price:         o.Price,
		Quantity:      o.Quantity,
		Status:        string(exchange.OrderStatusNew),
		CreatedAt:     o.CreatedAt.UnixMilli(),
	}
	if err := e.Store.InsertOrder(ctx, row); err != nil {
		log.Printf("executor: store order: %v", err)
		return nil, err
	}
	e.publish(events.TopicOrderSubmitted, events.OrderEvent{
		OrderID:  o.ID,
		ClientID: clientID,
		Strategy: o.Strategy,
		Symbol:   o.Symbol,
		Side:     string(o.Side),
		Status:   string(exchange.OrderStatusNew),
		Price:    o.Price,
		Quantity: o.Quantity,
	})

	reserved, err := e.reserve(o, ref)
	if err != nil {
		e.reject(ctx, o, clientID, err.Error())
		return nil, err
	}

	res, err := e.fill(ctx, o, clientID, ref)
	if err != nil {
		if reserved > 0 {
			e.Balance.Unlock(reserved)
		}
		e.reject(ctx, o, clientID, err.Error())
		return nil, err
	}

	e.settle(o, res, reserved)
	e.record(ctx, o, clientID, res)
	return res, nil
}

// referencePrice resolves the price used for reservations and dry-run
// fills: the order's own price, else the cached last trade.
func (e *Executor) referencePrice(o Order) float64 {
	if o.Price > 0 {
		return o.Price
	}
	if e.Cache != nil {
		if p, ok := e.Cache.Get(o.Symbol); ok {
			return p
		}
	}
	return 0
}

// reserve locks quote funds for a buy before it goes out. Headroom for
// slippage and fee keeps the fill from overrunning the reservation.
func (e *Executor) reserve(o Order, ref float64) (float64, error) {
	if e.Balance == nil || o.Side != exchange.SideBuy || ref <= 0 {
		return 0, nil
	}
	amount := ref * o.Quantity * (1 + e.Sim.SlippageBps/10000) * (1 + e.Sim.FeeRate)
	if err := e.Balance.Lock(amount); err != nil {
		return 0, err
	}
	return amount, nil
}

// fill executes the order: against the venue in live mode, against the
// simulator in dry-run mode.
func (e *Executor) fill(ctx context.Context, o Order, clientID string, ref float64) (*exchange.OrderResult, error) {
	if e.DryRun {
		return e.simulate(o, clientID, ref)
	}
	if e.Gateway == nil {
		return nil, fmt.Errorf("no exchange gateway configured")
	}
	req := exchange.OrderRequest{
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          o.Type,
		TimeInForce:   o.TimeInForce,
		Quantity:      o.Quantity,
		Price:         o.Price,
		StopPrice:     o.StopPrice,
		ClientOrderID: clientID,
	}
	start := time.Now()
	res, err := e.Gateway.PlaceOrder(ctx, req)
	e.observeLatency(time.Since(start))
	if err != nil {
		log.Printf("executor: submit %s %s failed: %v", o.Side, o.Symbol, err)
		return nil, err
	}
	return res, nil
}

// simulate fills the order locally the way the venue would: adverse
// slippage bounded by SlippageBps, fee on the quote value, and a spread
// of gateway latency so downstream timing stays realistic.
func (e *Executor) simulate(o Order, clientID string, ref float64) (*exchange.OrderResult, error) {
	if ref <= 0 {
		return nil, fmt.Errorf("no reference price for %s", o.Symbol)
	}
	price := ref
	if frac := e.Sim.SlippageBps / 10000; frac > 0 {
		noise := rand.Float64() * frac
		if o.Side == exchange.SideBuy {
			price *= 1 + noise
		} else {
			price *= 1 - noise
		}
	}
	if delay := e.simLatency(); delay > 0 {
		time.Sleep(delay)
		e.observeLatency(delay)
	}
	quote := price * o.Quantity
	return &exchange.OrderResult{
		ExchangeOrderID: "sim-" + clientID,
		ClientOrderID:   clientID,
		Symbol:          o.Symbol,
		Side:            o.Side,
		Status:          exchange.OrderStatusFilled,
		Price:           price,
		OrigQty:         o.Quantity,
		ExecutedQty:     o.Quantity,
		QuoteQty:        quote,
		Commission:      quote * e.Sim.FeeRate,
		TransactTime:    time.Now().UnixMilli(),
	}, nil
}

func (e *Executor) simLatency() time.Duration {
	min, max := e.Sim.LatencyMinMs, e.Sim.LatencyMaxMs
	if max <= 0 {
		return 0
	}
	if min < 0 {
		min = 0
	}
	if min > max {
		min, max = max, min
	}
	ms := min
	if span := max - min; span > 0 {
		ms += rand.Intn(span + 1)
	}
	return time.Duration(ms) * time.Millisecond
}

// settle converts the reservation into cash movements. Buys consume the
// reservation and release the remainder; sells credit the proceeds. The
// periodic venue sync trues up anything this approximates (mixed-asset
// commissions, resting remainders).
func (e *Executor) settle(o Order, res *exchange.OrderResult, reserved float64) {
	if e.Balance == nil {
		return
	}
	if o.Side == exchange.SideBuy {
		spent := res.QuoteQty + res.Commission
		if spent > reserved {
			spent = reserved
		}
		if spent > 0 {
			e.Balance.Deduct(spent)
		}
		if rem := reserved - spent; rem > 0 {
			e.Balance.Unlock(rem)
		}
		return
	}
	if proceeds := res.QuoteQty - res.Commission; proceeds > 0 {
		e.Balance.Add(proceeds)
	}
}

// record stores the fill outcome and publishes the matching lifecycle
// event. Persistence failures are logged rather than returned: the fill
// already happened, so the caller must not treat it as a trade failure.
func (e *Executor) record(ctx context.Context, o Order, clientID string, res *exchange.OrderResult) {
	status := res.Status
	if status == "" {
		status = exchange.OrderStatusNew
	}
	fillPrice := res.Price
	if fillPrice <= 0 {
		fillPrice = o.Price
	}
	if res.ExchangeOrderID != "" {
		if err := e.Store.MarkOrderSubmitted(ctx, o.ID, res.ExchangeOrderID); err != nil {
			log.Printf("executor: mark submitted: %v", err)
		}
	}
	if err := e.Store.MarkOrderStatus(ctx, o.ID, string(status), res.ExecutedQty, fillPrice, ""); err != nil {
		log.Printf("executor: mark status: %v", err)
	}

	if res.ExecutedQty > 0 {
		trade := db.Trade{
			ID:         uuid.NewString(),
			OrderID:    o.ID,
			Strategy:   o.Strategy,
			Symbol:     o.Symbol,
			Side:       string(o.Side),
			Price:      fillPrice,
			Quantity:   res.ExecutedQty,
			Fee:        res.Commission,
			ExecutedAt: res.TransactTime,
		}
		if err := e.Store.InsertTrade(ctx, trade); err != nil {
			log.Printf("executor: store trade: %v", err)
		}
	}

	log.Printf("executor: %s %s %s qty=%.6f price=%.4f status=%s exch_id=%s",
		o.Side, o.Type, o.Symbol, res.ExecutedQty, fillPrice, status, res.ExchangeOrderID)

	if topic, ok := topicFor(status); ok {
		e.publish(topic, events.OrderEvent{
			OrderID:    o.ID,
			ClientID:   clientID,
			Strategy:   o.Strategy,
			Symbol:     o.Symbol,
			Side:       string(o.Side),
			Status:     string(status),
			Price:      fillPrice,
			Quantity:   o.Quantity,
			FilledQty:  res.ExecutedQty,
			Commission: res.Commission,
		})
	}
}

func (e *Executor) reject(ctx context.Context, o Order, clientID, reason string) {
	if err := e.Store.MarkOrderStatus(ctx, o.ID, string(exchange.OrderStatusRejected), 0, o.Price, reason); err != nil {
		log.Printf("executor: mark rejected: %v", err)
	}
	e.publish(events.TopicOrderRejected, events.OrderEvent{
		OrderID:  o.ID,
		ClientID: clientID,
		Strategy: o.Strategy,
		Symbol:   o.Symbol,
		Side:     string(o.Side),
		Status:   string(exchange.OrderStatusRejected),
		Price:    o.Price,
		Quantity: o.Quantity,
		Reason:   reason,
	})
}

// Cancel aborts a working order, at the venue first when one is attached.
func (e *Executor) Cancel(ctx context.Context, orderID string) error {
	row, err := e.Store.OrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	switch exchange.OrderStatus(row.Status) {
	case exchange.OrderStatusNew, exchange.OrderStatusPartiallyFilled:
	default:
		return fmt.Errorf("order %s is %s, not cancelable", orderID, row.Status)
	}
	if !e.DryRun && e.Gateway != nil && row.ExchangeOrderID != "" {
		if err := e.Gateway.CancelOrder(ctx, row.Symbol, row.ExchangeOrderID); err != nil {
			return fmt.Errorf("cancel at venue: %w", err)
		}
	}
	const reason = "canceled by operator"
	if err := e.Store.MarkOrderStatus(ctx, orderID, string(exchange.OrderStatusCanceled), row.FilledQty, row.Price, reason); err != nil {
		return err
	}
	e.publish(events.TopicOrderCanceled, events.OrderEvent{
		OrderID:   row.ID,
		ClientID:  row.ClientOrderID,
		Strategy:  row.Strategy,
		Symbol:    row.Symbol,
		Side:      row.Side,
		Status:    string(exchange.OrderStatusCanceled),
		Price:     row.Price,
		Quantity:  row.Quantity,
		FilledQty: row.FilledQty,
		Reason:    reason,
	})
	log.Printf("executor: canceled order %s (%s)", orderID, row.Symbol)
	return nil
}

// StartResync periodically reconciles rows still marked working against
// the venue; resting limit orders fill while nobody is watching.
func (e *Executor) StartResync(ctx context.Context, interval time.Duration) {
	if e.DryRun || e.Gateway == nil {
		return
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.ResyncOpenOrders(ctx); err != nil {
					log.Printf("executor: resync: %v", err)
				}
			}
		}
	}()
	log.Printf("✓ order resync started (interval: %v)", interval)
}

// ResyncOpenOrders asks the venue about every order still marked working
// locally and advances the ones that moved.
func (e *Executor) ResyncOpenOrders(ctx context.Context) error {
	if e.Gateway == nil {
		return nil
	}
	open, err := e.Store.OpenOrders(ctx)
	if err != nil {
		return err
	}
	for _, row := range open {
		if row.ExchangeOrderID == "" {
			continue
		}
		res, err := e.Gateway.GetOrderStatus(ctx, row.Symbol, row.ExchangeOrderID)
		if err != nil {
			log.Printf("executor: resync %s: %v", row.ID, err)
			continue
		}
		if string(res.Status) == row.Status {
			continue
		}
		e.advance(ctx, row, res)
	}
	return nil
}

// advance applies a venue-observed transition to a stored order.
func (e *Executor) advance(ctx context.Context, row db.Order, res *exchange.OrderResult) {
	price := res.Price
	if price <= 0 {
		price = row.Price
	}
	if err := e.Store.MarkOrderStatus(ctx, row.ID, string(res.Status), res.ExecutedQty, price, ""); err != nil {
		log.Printf("executor: resync mark %s: %v", row.ID, err)
		return
	}
	if res.Status == exchange.OrderStatusFilled && res.ExecutedQty > row.FilledQty {
		trade := db.Trade{
			ID:         uuid.NewString(),
			OrderID:    row.ID,
			Strategy:   row.Strategy,
			Symbol:     row.Symbol,
			Side:       row.Side,
			Price:      price,
			Quantity:   res.ExecutedQty - row.FilledQty,
			Fee:        res.Commission,
			ExecutedAt: res.TransactTime,
		}
		if err := e.Store.InsertTrade(ctx, trade); err != nil {
			log.Printf("executor: resync trade %s: %v", row.ID, err)
		}
	}
	log.Printf("executor: resync advanced %s %s -> %s (filled %.6f)", row.ID, row.Status, res.Status, res.ExecutedQty)
	if topic, ok := topicFor(res.Status); ok {
		e.publish(topic, events.OrderEvent{
			OrderID:    row.ID,
			ClientID:   row.ClientOrderID,
			Strategy:   row.Strategy,
			Symbol:     row.Symbol,
			Side:       row.Side,
			Status:     string(res.Status),
			Price:      price,
			Quantity:   row.Quantity,
			FilledQty:  res.ExecutedQty,
			Commission: res.Commission,
		})
	}
}

// topicFor maps an observed status to its lifecycle topic. NEW has no
// follow-up topic; submitted is published up front.
func topicFor(status exchange.OrderStatus) (events.Topic, bool) {
	switch status {
	case exchange.OrderStatusFilled:
		return events.TopicOrderFilled, true
	case exchange.OrderStatusPartiallyFilled:
		return events.TopicOrderPartial, true
	case exchange.OrderStatusCanceled:
		return events.TopicOrderCanceled, true
	case exchange.OrderStatusRejected, exchange.OrderStatusExpired:
		return events.TopicOrderRejected, true
	}
	return "", false
}

func (e *Executor) publish(topic events.Topic, ev events.OrderEvent) {
	if e.Bus == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	e.Bus.Publish(topic, ev)
}

func (e *Executor) observeLatency(d time.Duration) {
	if e.onLatency != nil {
		e.onLatency(d)
	}
}

// clientOrderID builds the venue-visible id: instance tag plus the order
// id, trimmed to the venue's 36 character limit.
func (e *Executor) clientOrderID(orderID string) string {
	id := strings.ReplaceAll(orderID, "-", "")
	if len(id) > 20 {
		id = id[:20]
	}
	return e.instance + "-" + id
}

// instanceTag derives a stable per-host prefix for client order ids so
// orders placed by this engine are recognizable at the venue across
// restarts.
func instanceTag() string {
	id, err := machineid.ID()
	if err != nil {
		return "eng"
	}
	id = strings.ReplaceAll(id, "-", "")
	if len(id) < 8 {
		return "eng"
	}
	return id[:8]
}
