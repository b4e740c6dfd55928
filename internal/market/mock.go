package market

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"trading-engine/internal/events"
	"trading-engine/pkg/cache"
	"trading-engine/pkg/exchange"
)

// MockFeed synthesizes a random-walk market for development and dry
// runs. It honors the same contract as the live feed, with candle
// periods compressed to TickEvery so strategies see action quickly.
type MockFeed struct {
	Bus        *events.Bus
	Cache      *cache.PriceCache
	Symbols    []string
	Interval   string
	StartPrice float64
	Step       float64 // max absolute move per candle
	TickEvery  time.Duration

	mu     sync.Mutex
	prices map[string]float64
	cancel context.CancelFunc
}

func (m *MockFeed) defaults() {
	if len(m.Symbols) == 0 {
		m.Symbols = []string{"BTCUSDT"}
	}
	if m.StartPrice == 0 {
		m.StartPrice = 100
	}
	if m.Step == 0 {
		m.Step = 0.5
	}
	if m.TickEvery == 0 {
		m.TickEvery = time.Second
	}
	if m.Interval == "" {
		m.Interval = "1m"
	}
	if m.prices == nil {
		m.prices = make(map[string]float64, len(m.Symbols))
		for _, sym := range m.Symbols {
			m.prices[sym] = m.StartPrice
		}
	}
}

// Warmup generates synthetic history so strategies pass their validity
// gates before the first live tick.
func (m *MockFeed) Warmup(ctx context.Context, limit int) (map[string][]exchange.Kline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults()

	if limit <= 0 {
		limit = 200
	}
	period := IntervalDuration(m.Interval)
	now := time.Now().Truncate(period)

	out := make(map[string][]exchange.Kline, len(m.Symbols))
	for _, sym := range m.Symbols {
		price := m.prices[sym]
		klines := make([]exchange.Kline, 0, limit)
		for i := limit; i > 0; i-- {
			openAt := now.Add(-time.Duration(i) * period)
			k, next := m.nextCandle(sym, price, openAt, period)
			klines = append(klines, k)
			price = next
		}
		m.prices[sym] = price
		if m.Cache != nil {
			m.Cache.Set(sym, price)
		}
		out[sym] = klines
	}
	return out, nil
}

// Start begins emitting one closed candle per symbol every TickEvery.
func (m *MockFeed) Start(ctx context.Context) error {
	m.mu.Lock()
	m.defaults()
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	log.Printf("market: mock feed started for %v every %s", m.Symbols, m.TickEvery)
	go func() {
		ticker := time.NewTicker(m.TickEvery)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.emit()
			}
		}
	}()
	return nil
}

// Stop ends the emit loop.
func (m *MockFeed) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *MockFeed) emit() {
	period := IntervalDuration(m.Interval)
	now := time.Now()

	m.mu.Lock()
	type tick struct {
		kline exchange.Kline
		last  float64
	}
	ticks := make([]tick, 0, len(m.Symbols))
	for _, sym := range m.Symbols {
		k, next := m.nextCandle(sym, m.prices[sym], now.Add(-period), period)
		m.prices[sym] = next
		ticks = append(ticks, tick{kline: k, last: next})
	}
	m.mu.Unlock()

	for _, t := range ticks {
		if m.Cache != nil {
			m.Cache.Set(t.kline.Symbol, t.last)
		}
		m.Bus.Publish(events.TopicTick, events.TickEvent{
			Symbol:   t.kline.Symbol,
			Interval: m.Interval,
			Kline:    t.kline,
			Ticker: exchange.Ticker{
				Symbol:    t.kline.Symbol,
				Last:      t.last,
				Bid:       t.last * 0.9995,
				Ask:       t.last * 1.0005,
				Volume24h: t.kline.Volume,
				Timestamp: now,
			},
		})
		m.Bus.Publish(events.TopicTicker, events.TickerEvent{
			Symbol: t.kline.Symbol,
			Last:   t.last,
			Bid:    t.last * 0.9995,
			Ask:    t.last * 1.0005,
			Time:   now,
		})
	}
}

// nextCandle advances the walk one period and shapes a plausible candle
// around it. Prices are floored away from zero.
func (m *MockFeed) nextCandle(symbol string, open float64, openAt time.Time, period time.Duration) (exchange.Kline, float64) {
	move := (rand.Float64()*2 - 1) * m.Step
	close := open + move
	if close < m.Step {
		close = m.Step
	}
	high := open
	if close > high {
		high = close
	}
	high += rand.Float64() * m.Step / 2
	low := open
	if close < low {
		low = close
	}
	low -= rand.Float64() * m.Step / 2
	if low < 0 {
		low = 0
	}

	return exchange.Kline{
		Symbol:    symbol,
		OpenTime:  openAt.UnixMilli(),
		CloseTime: openAt.Add(period).UnixMilli() - 1,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    50 + rand.Float64()*100,
	}, close
}
