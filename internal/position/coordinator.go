// Package position owns the trade lifecycle. The coordinator turns
// strategy signals into sized orders, registers fills with the strategy
// engine, the risk books and the database in one motion, and drives
// exits from stop watches and close signals. Every register and close
// goes through this one funnel so the three books cannot drift apart.
package position

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"trading-engine/internal/events"
	"trading-engine/internal/order"
	"trading-engine/internal/risk"
	"trading-engine/internal/strategy"
	"trading-engine/pkg/db"
	"trading-engine/pkg/exchange"
)

// Coordinator funnels position opens, marks and closes through the
// strategy engine, the risk manager and the store. Fills arrive on the
// single queue drain goroutine, which serializes every register and
// close; the closing set keeps at most one exit order in flight per
// position.
type Coordinator struct {
	Engine *strategy.Engine
	Risk   *risk.Manager
	Guard  *risk.StopGuard
	Store  *db.Store
	Queue  *order.Queue
	Exec   *order.Executor
	Bus    *events.Bus

	// TrailingStop converts new stop-loss watches into trailing stops
	// ratcheting TrailOffset (a fraction, 0.02 = 2%) behind the best
	// price.
	TrailingStop bool
	TrailOffset  float64

	mu      sync.Mutex
	pending map[string]pendingEntry // order ID -> entry intent
	closing map[string]string       // position ID -> exit order ID
}

// pendingEntry is the intent behind an entry order while it waits in
// the queue: the exit levels survive the trip so the fill can arm its
// watch.
type pendingEntry struct {
	stopLoss   float64
	takeProfit float64
}

// NewCoordinator wires the coordinator over its books. Guard and Bus
// may be nil; everything else is required.
func NewCoordinator(engine *strategy.Engine, riskMgr *risk.Manager, guard *risk.StopGuard, store *db.Store, queue *order.Queue, exec *order.Executor, bus *events.Bus) *Coordinator {
	return &Coordinator{
		Engine:  engine,
		Risk:    riskMgr,
		Guard:   guard,
		Store:   store,
		Queue:   queue,
		Exec:    exec,
		Bus:     bus,
		pending: make(map[string]pendingEntry),
		closing: make(map[string]string),
	}
}

// HandleSignal turns one strategy signal into queue work: entries are
// sized and admitted by the risk manager, close signals fan out to the
// matching open positions, and CANCEL withdraws the strategy's resting
// orders.
func (c *Coordinator) HandleSignal(ctx context.Context, sig strategy.Signal) {
	switch sig.Type {
	case strategy.SignalBuy:
		c.enter(sig, exchange.SideBuy)
	case strategy.SignalSell:
		c.enter(sig, exchange.SideSell)
	case strategy.SignalCloseLong:
		c.closeSide(sig, exchange.SideBuy)
	case strategy.SignalCloseShort:
		c.closeSide(sig, exchange.SideSell)
	case strategy.SignalCancel:
		c.cancelWorking(ctx, sig)
	}
}

// enter opens a position in the signal's direction. An opposite-side
// position held by the same strategy is closed instead: a reversal
// exits first and the strategy re-enters on a later signal. A same-side
// position absorbs the signal, so strategies cannot pyramid.
func (c *Coordinator) enter(sig strategy.Signal, side exchange.Side) {
	for _, pos := range c.Engine.StrategyPositions(sig.Strategy) {
		if pos.Symbol != sig.Symbol {
			continue
		}
		if pos.Side == side {
			return
		}
		if err := c.RequestClose(pos.ID, sig.Price, "reversal on "+string(sig.Type)+" signal"); err != nil {
			log.Printf("position %s reversal close: %v", pos.ID, err)
		}
		return
	}

	qty := sig.Quantity
	if qty <= 0 {
		qty = c.Risk.PositionSize(sig.Symbol, sig.Price)
	}
	if qty <= 0 {
		log.Printf("⚠️ %s %s: no risk budget for entry", sig.Strategy, sig.Symbol)
		return
	}
	if !c.Risk.CheckPositionAllowed(sig.Symbol, side, qty, sig.Price) {
		log.Printf("⚠️ %s %s: entry denied by risk limits", sig.Strategy, sig.Symbol)
		return
	}

	sl, tp := sig.StopLoss, sig.TakeProfit
	if sl <= 0 && tp <= 0 {
		sl, tp = c.Risk.CalculateExitLevels(sig.Symbol, side, sig.Price)
	}

	o := order.Order{
		ID:       uuid.NewString(),
		Strategy: sig.Strategy,
		Symbol:   sig.Symbol,
		Side:     side,
		Quantity: qty,
		Price:    sig.Price,
	}
	c.mu.Lock()
	c.pending[o.ID] = pendingEntry{stopLoss: sl, takeProfit: tp}
	c.mu.Unlock()

	if err := c.Queue.Enqueue(o); err != nil {
		c.mu.Lock()
		delete(c.pending, o.ID)
		c.mu.Unlock()
		log.Printf("❌ %s %s entry dropped: %v", sig.Strategy, sig.Symbol, err)
	}
}

// closeSide flattens the strategy's positions on the given side.
func (c *Coordinator) closeSide(sig strategy.Signal, side exchange.Side) {
	for _, pos := range c.Engine.StrategyPositions(sig.Strategy) {
		if pos.Symbol != sig.Symbol || pos.Side != side {
			continue
		}
		if err := c.RequestClose(pos.ID, sig.Price, string(sig.Type)+" signal"); err != nil {
			log.Printf("position %s close: %v", pos.ID, err)
		}
	}
}

// cancelWorking withdraws the strategy's resting orders on the symbol.
func (c *Coordinator) cancelWorking(ctx context.Context, sig strategy.Signal) {
	rows, err := c.Store.OpenOrders(ctx)
	if err != nil {
		log.Printf("cancel for %s: load open orders: %v", sig.Strategy, err)
		return
	}
	for _, row := range rows {
		if row.Strategy != sig.Strategy || row.Symbol != sig.Symbol {
			continue
		}
		if err := c.Exec.Cancel(ctx, row.ID); err != nil {
			log.Printf("cancel order %s: %v", row.ID, err)
		}
	}
}

// RequestClose queues a market order that flattens the position. At
// most one close is in flight per position: a stop firing while a close
// signal is already queued, or an operator double-submitting, is
// absorbed silently.
func (c *Coordinator) RequestClose(positionID string, price float64, reason string) error {
	pos, ok := c.Engine.Position(positionID)
	if !ok {
		return fmt.Errorf("unknown position %q", positionID)
	}

	c.mu.Lock()
	if _, inFlight := c.closing[positionID]; inFlight {
		c.mu.Unlock()
		return nil
	}
	o := order.Order{
		ID:         uuid.NewString(),
		Strategy:   pos.Strategy,
		PositionID: positionID,
		Symbol:     pos.Symbol,
		Side:       pos.Side.Opposite(),
		Quantity:   pos.Quantity,
		Price:      price,
	}
	c.closing[positionID] = o.ID
	c.mu.Unlock()

	if err := c.Queue.Enqueue(o); err != nil {
		c.clearClosing(positionID)
		return err
	}
	log.Printf("position %s close requested: %s", positionID, reason)
	return nil
}

// Process is the queue drain handler: it executes one order and settles
// the outcome into the books.
func (c *Coordinator) Process(ctx context.Context, o order.Order) {
	res, err := c.Exec.Handle(ctx, o)

	c.mu.Lock()
	entry, isEntry := c.pending[o.ID]
	delete(c.pending, o.ID)
	c.mu.Unlock()

	if err != nil {
		if o.PositionID != "" {
			c.clearClosing(o.PositionID)
			log.Printf("⚠️ position %s close failed, position stays open: %v", o.PositionID, err)
		}
		return
	}
	if res.Status != exchange.OrderStatusFilled && res.Status != exchange.OrderStatusPartiallyFilled {
		// Market orders fill or reject; a resting order here means a
		// manual limit was routed through the queue. The resync loop
		// owns it from now on.
		log.Printf("order %s left working (%s), books unchanged", o.ID, res.Status)
		return
	}

	switch {
	case isEntry:
		c.openFromFill(ctx, o, entry, res)
	case o.PositionID != "":
		c.settleClose(ctx, o, res)
	}
}

// openFromFill registers a filled entry with every book. The risk books
// go first: if the engine then refuses the position, the exposure is
// released with zero realized PnL and nothing else has happened yet.
func (c *Coordinator) openFromFill(ctx context.Context, o order.Order, entry pendingEntry, res *exchange.OrderResult) {
	price := res.Price
	if price <= 0 {
		price = o.Price
	}
	qty := res.ExecutedQty
	if qty <= 0 {
		qty = o.Quantity
	}
	now := time.Now()
	pos := strategy.Position{
		ID:           c.Engine.GeneratePositionID(),
		Symbol:       o.Symbol,
		Side:         o.Side,
		EntryPrice:   price,
		Quantity:     qty,
		EntryTime:    now,
		StopLoss:     entry.stopLoss,
		TakeProfit:   entry.takeProfit,
		Strategy:     o.Strategy,
		CurrentPrice: price,
		Commission:   res.Commission,
	}

	if err := c.Risk.RegisterPosition(risk.Position{
		ID:         pos.ID,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Quantity:   pos.Quantity,
		EntryPrice: pos.EntryPrice,
		EntryTime:  now,
	}); err != nil {
		log.Printf("❌ position %s: risk register: %v", pos.ID, err)
		return
	}
	if err := c.Engine.RegisterPosition(pos); err != nil {
		_ = c.Risk.ClosePosition(pos.ID, pos.EntryPrice, 0)
		log.Printf("❌ position %s: engine register: %v", pos.ID, err)
		return
	}
	if err := c.Store.SavePosition(ctx, db.Position{
		ID:         pos.ID,
		Strategy:   pos.Strategy,
		Symbol:     pos.Symbol,
		Side:       string(pos.Side),
		EntryPrice: pos.EntryPrice,
		Quantity:   pos.Quantity,
		StopLoss:   pos.StopLoss,
		TakeProfit: pos.TakeProfit,
		EntryTime:  now.UnixMilli(),
		Status:     db.PositionOpen,
	}); err != nil {
		log.Printf("⚠️ position %s: persist: %v", pos.ID, err)
	}
	c.track(pos)
	c.publish(events.TopicPositionOpened, events.PositionEvent{
		PositionID: pos.ID,
		Strategy:   pos.Strategy,
		Symbol:     pos.Symbol,
		Side:       string(pos.Side),
		EntryPrice: pos.EntryPrice,
		Quantity:   pos.Quantity,
		Time:       now,
	})
}

// settleClose realizes a filled close order against every book. The
// exit commission is folded into an effective exit price (longs sell a
// little lower, shorts cover a little higher) so the engine statistics,
// the risk books and the stored row all carry the same PnL.
func (c *Coordinator) settleClose(ctx context.Context, o order.Order, res *exchange.OrderResult) {
	defer c.clearClosing(o.PositionID)

	pos, ok := c.Engine.Position(o.PositionID)
	if !ok {
		log.Printf("⚠️ close fill for unknown position %q", o.PositionID)
		return
	}
	price := res.Price
	if price <= 0 {
		price = o.Price
	}

	effective := price
	if res.Commission > 0 && pos.Quantity > 0 {
		fee := res.Commission / pos.Quantity
		if pos.Side == exchange.SideBuy {
			effective = price - fee
		} else {
			effective = price + fee
		}
	}
	pnl := realized(pos, effective)

	if err := c.Engine.ClosePosition(pos.ID, effective); err != nil {
		log.Printf("❌ position %s: engine close: %v", pos.ID, err)
		return
	}
	if err := c.Risk.ClosePosition(pos.ID, effective, pnl); err != nil {
		log.Printf("⚠️ position %s: risk close: %v", pos.ID, err)
	}
	if err := c.Store.MarkPositionClosed(ctx, pos.ID, price, pnl, res.TransactTime); err != nil {
		log.Printf("⚠️ position %s: persist close: %v", pos.ID, err)
	}
	if c.Guard != nil {
		c.Guard.Release(pos.Strategy, pos.Symbol)
	}
	c.recordDay(ctx, pnl)
	c.publish(events.TopicPositionClosed, events.PositionEvent{
		PositionID: pos.ID,
		Strategy:   pos.Strategy,
		Symbol:     pos.Symbol,
		Side:       string(pos.Side),
		EntryPrice: pos.EntryPrice,
		Quantity:   pos.Quantity,
		ExitPrice:  price,
		PnL:        pnl,
		Time:       time.Now(),
	})
}

// realized values a position at the exit price, net of entry
// commission. Mirrors the engine's own realization math.
func realized(pos strategy.Position, exit float64) float64 {
	diff := exit - pos.EntryPrice
	if pos.Side == exchange.SideSell {
		diff = -diff
	}
	return diff*pos.Quantity - pos.Commission
}

// MarkPrice folds a live price into every open position on the symbol
// and fires any exit watch it crosses.
func (c *Coordinator) MarkPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	for _, pos := range c.Engine.Positions() {
		if pos.Symbol == symbol {
			_ = c.Engine.UpdatePosition(pos.ID, price)
		}
	}
	if c.Guard == nil {
		return
	}
	for _, dec := range c.Guard.UpdatePrice(symbol, price) {
		c.publish(events.TopicRiskAlert, events.RiskEvent{
			Kind:     "EXIT_TRIGGERED",
			Strategy: dec.Strategy,
			Symbol:   dec.Symbol,
			Message:  dec.Reason,
			Time:     dec.At,
		})
		for _, pos := range c.Engine.StrategyPositions(dec.Strategy) {
			if pos.Symbol != dec.Symbol {
				continue
			}
			if err := c.RequestClose(pos.ID, dec.Price, dec.Reason); err != nil {
				log.Printf("⚠️ stop guard close %s: %v", pos.ID, err)
			}
		}
	}
}

// Restore re-registers the positions persisted as open, so a restart
// resumes exposure accounting and exit watches where it left off.
func (c *Coordinator) Restore(ctx context.Context) error {
	rows, err := c.Store.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}
	restored := 0
	for _, row := range rows {
		pos := strategy.Position{
			ID:           row.ID,
			Symbol:       row.Symbol,
			Side:         exchange.Side(row.Side),
			EntryPrice:   row.EntryPrice,
			Quantity:     row.Quantity,
			EntryTime:    time.UnixMilli(row.EntryTime),
			StopLoss:     row.StopLoss,
			TakeProfit:   row.TakeProfit,
			Strategy:     row.Strategy,
			CurrentPrice: row.EntryPrice,
		}
		if err := c.Risk.RegisterPosition(risk.Position{
			ID:         pos.ID,
			Symbol:     pos.Symbol,
			Side:       pos.Side,
			Quantity:   pos.Quantity,
			EntryPrice: pos.EntryPrice,
			EntryTime:  pos.EntryTime,
		}); err != nil {
			log.Printf("⚠️ restore %s: risk register: %v", row.ID, err)
			continue
		}
		if err := c.Engine.RegisterPosition(pos); err != nil {
			_ = c.Risk.ClosePosition(pos.ID, pos.EntryPrice, 0)
			log.Printf("⚠️ restore %s: engine register: %v", row.ID, err)
			continue
		}
		c.track(pos)
		restored++
	}
	if restored > 0 {
		log.Printf("✓ restored %d open positions", restored)
	}
	return nil
}

// track arms the exit watch for a position.
func (c *Coordinator) track(pos strategy.Position) {
	if c.Guard == nil || (pos.StopLoss <= 0 && pos.TakeProfit <= 0) {
		return
	}
	entry := risk.Entry{
		Strategy:   pos.Strategy,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		EntryPrice: pos.EntryPrice,
		Quantity:   pos.Quantity,
		StopLoss:   pos.StopLoss,
		TakeProfit: pos.TakeProfit,
	}
	if c.TrailingStop && c.TrailOffset > 0 && pos.StopLoss > 0 {
		entry.Trailing = true
		entry.TrailOffset = c.TrailOffset
	}
	if err := c.Guard.Track(entry); err != nil {
		log.Printf("⚠️ position %s: arm exit watch: %v", pos.ID, err)
	}
}

// recordDay folds one realized trade into today's risk metrics row.
func (c *Coordinator) recordDay(ctx context.Context, pnl float64) {
	day := time.Now().Format("2006-01-02")
	rd := db.RiskDay{Day: day}
	if existing, err := c.Store.RiskDayByDate(ctx, day); err == nil {
		rd = *existing
	}
	rd.RealizedPnL += pnl
	rd.Trades++
	if pnl >= 0 {
		rd.Wins++
	} else {
		rd.Losses++
	}
	if dd := c.Risk.Statistics().CurrentDrawdown; dd > rd.MaxDrawdown {
		rd.MaxDrawdown = dd
	}
	if err := c.Store.UpsertRiskDay(ctx, rd); err != nil {
		log.Printf("⚠️ risk day upsert: %v", err)
	}
}

func (c *Coordinator) publish(topic events.Topic, payload any) {
	if c.Bus != nil {
		c.Bus.Publish(topic, payload)
	}
}

func (c *Coordinator) clearClosing(positionID string) {
	c.mu.Lock()
	delete(c.closing, positionID)
	c.mu.Unlock()
}
