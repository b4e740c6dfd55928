package monitor

import (
	"context"
	"log"
	"sync"
	"time"

	"trading-engine/internal/events"
)

// pendingTTL bounds how long an unfilled order keeps its submission
// timestamp for latency pairing.
const pendingTTL = 10 * time.Minute

// Monitor consumes the event bus, keeps the Prometheus instruments
// current and forwards risk alerts to the configured sinks. Optional
// probe funcs cover the two numbers no event carries.
type Monitor struct {
	Bus     *events.Bus
	Metrics *Metrics

	// DepthFn and ExposureFn are polled periodically when set.
	DepthFn    func() int
	ExposureFn func() float64

	// Cooldown throttles repeated alerts of the same kind and symbol.
	Cooldown time.Duration

	sinks []AlertSink

	mu        sync.Mutex
	submitted map[string]time.Time
	lastAlert map[string]time.Time
}

// New builds a monitor over the bus. The sinks receive every risk alert
// that clears the cooldown; pass at least a LogSink.
func New(bus *events.Bus, metrics *Metrics, sinks ...AlertSink) *Monitor {
	return &Monitor{
		Bus:       bus,
		Metrics:   metrics,
		Cooldown:  time.Minute,
		sinks:     sinks,
		submitted: make(map[string]time.Time),
		lastAlert: make(map[string]time.Time),
	}
}

// Start subscribes to the bus and consumes it until ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Metrics == nil {
		log.Println("monitor not fully configured; skipping")
		return
	}

	ticks, unsubTicks := m.Bus.Subscribe(events.TopicTick, 256)
	signals, unsubSignals := m.Bus.Subscribe(events.TopicSignal, 64)
	submitted, unsubSubmitted := m.Bus.Subscribe(events.TopicOrderSubmitted, 64)
	filled, unsubFilled := m.Bus.Subscribe(events.TopicOrderFilled, 64)
	partial, unsubPartial := m.Bus.Subscribe(events.TopicOrderPartial, 64)
	canceled, unsubCanceled := m.Bus.Subscribe(events.TopicOrderCanceled, 64)
	rejected, unsubRejected := m.Bus.Subscribe(events.TopicOrderRejected, 64)
	opened, unsubOpened := m.Bus.Subscribe(events.TopicPositionOpened, 64)
	closed, unsubClosed := m.Bus.Subscribe(events.TopicPositionClosed, 64)
	alerts, unsubAlerts := m.Bus.Subscribe(events.TopicRiskAlert, 64)
	balances, unsubBalances := m.Bus.Subscribe(events.TopicBalance, 64)

	go func() {
		defer func() {
			unsubTicks()
			unsubSignals()
			unsubSubmitted()
			unsubFilled()
			unsubPartial()
			unsubCanceled()
			unsubRejected()
			unsubOpened()
			unsubClosed()
			unsubAlerts()
			unsubBalances()
		}()

		probe := time.NewTicker(15 * time.Second)
		defer probe.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case msg, ok := <-ticks:
				if !ok {
					return
				}
				if ev, ok := msg.(events.TickEvent); ok {
					m.Metrics.TicksProcessed.WithLabelValues(ev.Symbol).Inc()
				}

			case msg, ok := <-signals:
				if !ok {
					return
				}
				if ev, ok := msg.(events.SignalEvent); ok {
					m.Metrics.SignalsGenerated.WithLabelValues(ev.Strategy, ev.Type).Inc()
				}

			case msg, ok := <-submitted:
				if !ok {
					return
				}
				if ev, ok := msg.(events.OrderEvent); ok {
					m.Metrics.OrdersTotal.WithLabelValues(ev.Side, ev.Status).Inc()
					m.rememberSubmit(ev)
				}

			case msg, ok := <-filled:
				if !ok {
					return
				}
				if ev, ok := msg.(events.OrderEvent); ok {
					m.Metrics.OrdersTotal.WithLabelValues(ev.Side, ev.Status).Inc()
					m.observeFill(ev)
				}

			case msg, ok := <-partial:
				if !ok {
					return
				}
				if ev, ok := msg.(events.OrderEvent); ok {
					m.Metrics.OrdersTotal.WithLabelValues(ev.Side, ev.Status).Inc()
				}

			case msg, ok := <-canceled:
				if !ok {
					return
				}
				if ev, ok := msg.(events.OrderEvent); ok {
					m.Metrics.OrdersTotal.WithLabelValues(ev.Side, ev.Status).Inc()
					m.forgetSubmit(ev.OrderID)
				}

			case msg, ok := <-rejected:
				if !ok {
					return
				}
				if ev, ok := msg.(events.OrderEvent); ok {
					m.Metrics.OrdersTotal.WithLabelValues(ev.Side, ev.Status).Inc()
					m.forgetSubmit(ev.OrderID)
				}

			case msg, ok := <-opened:
				if !ok {
					return
				}
				if _, ok := msg.(events.PositionEvent); ok {
					m.Metrics.OpenPositions.Inc()
				}

			case msg, ok := <-closed:
				if !ok {
					return
				}
				if ev, ok := msg.(events.PositionEvent); ok {
					m.Metrics.OpenPositions.Dec()
					m.Metrics.RealizedPnL.Add(ev.PnL)
				}

			case msg, ok := <-alerts:
				if !ok {
					return
				}
				if ev, ok := msg.(events.RiskEvent); ok {
					m.Metrics.RiskAlerts.WithLabelValues(ev.Kind).Inc()
					m.forward(ev)
				}

			case msg, ok := <-balances:
				if !ok {
					return
				}
				if ev, ok := msg.(events.BalanceEvent); ok {
					m.Metrics.Balance.WithLabelValues(ev.Asset, "free").Set(ev.Free)
					m.Metrics.Balance.WithLabelValues(ev.Asset, "locked").Set(ev.Locked)
				}

			case <-probe.C:
				if m.DepthFn != nil {
					m.Metrics.QueueDepth.Set(float64(m.DepthFn()))
				}
				if m.ExposureFn != nil {
					m.Metrics.Exposure.Set(m.ExposureFn())
				}
				m.sweepSubmitted()
			}
		}
	}()

	log.Printf("monitor started: %d alert sinks", len(m.sinks))
}

func (m *Monitor) rememberSubmit(ev events.OrderEvent) {
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	m.mu.Lock()
	m.submitted[ev.OrderID] = at
	m.mu.Unlock()
}

func (m *Monitor) observeFill(ev events.OrderEvent) {
	m.mu.Lock()
	t0, ok := m.submitted[ev.OrderID]
	delete(m.submitted, ev.OrderID)
	m.mu.Unlock()
	if !ok {
		return
	}
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	if d := at.Sub(t0); d >= 0 {
		m.Metrics.OrderFillLatency.Observe(d.Seconds())
	}
}

func (m *Monitor) forgetSubmit(orderID string) {
	m.mu.Lock()
	delete(m.submitted, orderID)
	m.mu.Unlock()
}

func (m *Monitor) sweepSubmitted() {
	cutoff := time.Now().Add(-pendingTTL)
	m.mu.Lock()
	for id, at := range m.submitted {
		if at.Before(cutoff) {
			delete(m.submitted, id)
		}
	}
	m.mu.Unlock()
}

// forward fans one alert out to every sink, at most once per cooldown
// window per kind and symbol.
func (m *Monitor) forward(ev events.RiskEvent) {
	key := ev.Kind + "|" + ev.Symbol
	now := time.Now()

	m.mu.Lock()
	if last, ok := m.lastAlert[key]; ok && now.Sub(last) < m.Cooldown {
		m.mu.Unlock()
		return
	}
	m.lastAlert[key] = now
	m.mu.Unlock()

	for _, sink := range m.sinks {
		if err := sink.Send(ev); err != nil {
			log.Printf("⚠️ alert sink %s: %v", sink.Name(), err)
		}
	}
}
