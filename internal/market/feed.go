// Package market produces the tick stream the engine runs on: closed
// candles paired with the freshest ticker, published to the event bus.
// The live feed rides the exchange websockets with a REST snapshot
// fallback; the mock feed synthesizes a random walk for development.
package market

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"trading-engine/internal/events"
	"trading-engine/pkg/cache"
	"trading-engine/pkg/exchange"
)

const snapshotEvery = 5 * time.Minute

// Source is the market data producer main starts.
type Source interface {
	// Warmup returns recent closed candles per symbol, oldest first, and
	// marks where live streaming picks up.
	Warmup(ctx context.Context, limit int) (map[string][]exchange.Kline, error)
	Start(ctx context.Context) error
	Stop()
}

// Feed streams closed candles and live tickers from the exchange.
type Feed struct {
	Data     exchange.MarketData
	Streams  exchange.Streams
	Bus      *events.Bus
	Cache    *cache.PriceCache
	Symbols  []string
	Interval string

	mu       sync.Mutex
	stops    []func()
	lastOpen map[string]int64
	tickers  map[string]exchange.Ticker
}

// Warmup fetches up to limit closed candles per symbol. The forming
// candle the venue appends is dropped; its open time becomes the floor
// for deduplication against the websocket stream.
func (f *Feed) Warmup(ctx context.Context, limit int) (map[string][]exchange.Kline, error) {
	if limit <= 0 {
		limit = 200
	}
	out := make(map[string][]exchange.Kline, len(f.Symbols))
	for _, sym := range f.Symbols {
		klines, err := f.Data.GetKlines(ctx, sym, f.Interval, limit+1, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("warmup %s: %w", sym, err)
		}
		if len(klines) > 0 {
			klines = klines[:len(klines)-1]
		}
		if len(klines) > 0 {
			last := klines[len(klines)-1]
			f.mu.Lock()
			if f.lastOpen == nil {
				f.lastOpen = make(map[string]int64)
			}
			f.lastOpen[sym] = last.OpenTime
			f.mu.Unlock()
			if f.Cache != nil {
				f.Cache.Set(sym, last.Close)
			}
		}
		out[sym] = klines
		log.Printf("market: warmed up %s with %d candles", sym, len(klines))
	}
	return out, nil
}

// Start subscribes kline and ticker streams for every symbol and begins
// the snapshot poll. Fails fast if any subscription cannot be opened.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.lastOpen == nil {
		f.lastOpen = make(map[string]int64)
	}
	if f.tickers == nil {
		f.tickers = make(map[string]exchange.Ticker)
	}
	f.mu.Unlock()

	for _, sym := range f.Symbols {
		klines, stopK, err := f.Streams.SubscribeKlines(ctx, sym, f.Interval)
		if err != nil {
			f.Stop()
			return fmt.Errorf("subscribe klines %s: %w", sym, err)
		}
		f.addStop(stopK)

		tickers, stopT, err := f.Streams.SubscribeTicker(ctx, sym)
		if err != nil {
			f.Stop()
			return fmt.Errorf("subscribe ticker %s: %w", sym, err)
		}
		f.addStop(stopT)

		go func() {
			for k := range klines {
				f.publishKline(k)
			}
		}()
		go func() {
			for t := range tickers {
				f.handleTicker(t)
			}
		}()
		log.Printf("market: streaming %s %s", sym, f.Interval)
	}

	go f.pollSnapshots(ctx)
	return nil
}

// Stop ends all stream subscriptions.
func (f *Feed) Stop() {
	f.mu.Lock()
	stops := f.stops
	f.stops = nil
	f.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}

func (f *Feed) addStop(stop func()) {
	f.mu.Lock()
	f.stops = append(f.stops, stop)
	f.mu.Unlock()
}

// publishKline emits one tick per closed candle. Candles at or before
// the last published open time are duplicates from the snapshot poll or
// a websocket replay and are dropped.
func (f *Feed) publishKline(k exchange.Kline) {
	f.mu.Lock()
	if last, ok := f.lastOpen[k.Symbol]; ok && k.OpenTime <= last {
		f.mu.Unlock()
		return
	}
	f.lastOpen[k.Symbol] = k.OpenTime
	tk, haveTicker := f.tickers[k.Symbol]
	f.mu.Unlock()

	if !haveTicker {
		tk = tickerFromKline(k)
	}
	if f.Cache != nil {
		f.Cache.Set(k.Symbol, k.Close)
	}
	f.Bus.Publish(events.TopicTick, events.TickEvent{
		Symbol:   k.Symbol,
		Interval: f.Interval,
		Kline:    k,
		Ticker:   tk,
	})
}

func (f *Feed) handleTicker(t exchange.Ticker) {
	f.mu.Lock()
	f.tickers[t.Symbol] = t
	f.mu.Unlock()

	if f.Cache != nil {
		f.Cache.Set(t.Symbol, t.Last)
	}
	f.Bus.Publish(events.TopicTicker, events.TickerEvent{
		Symbol: t.Symbol,
		Last:   t.Last,
		Bid:    t.Bid,
		Ask:    t.Ask,
		Time:   t.Timestamp,
	})
}

// pollSnapshots papers over silent websocket stalls: the latest closed
// candle is fetched over REST and runs through the same dedup gate.
func (f *Feed) pollSnapshots(ctx context.Context) {
	ticker := time.NewTicker(snapshotEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sym := range f.Symbols {
				klines, err := f.Data.GetKlines(ctx, sym, f.Interval, 2, 0, 0)
				if err != nil {
					log.Printf("market: snapshot %s: %v", sym, err)
					continue
				}
				// The last element is the forming candle.
				if len(klines) >= 2 {
					f.publishKline(klines[len(klines)-2])
				}
			}
		}
	}
}

// tickerFromKline stands in until the first real ticker arrives.
func tickerFromKline(k exchange.Kline) exchange.Ticker {
	return exchange.Ticker{
		Symbol:    k.Symbol,
		Last:      k.Close,
		Volume24h: k.Volume,
		Timestamp: time.UnixMilli(k.CloseTime),
	}
}

// IntervalDuration converts a venue interval token (1m, 5m, 1h, 4h, 1d)
// into a duration. Unknown tokens default to one minute.
func IntervalDuration(interval string) time.Duration {
	if len(interval) < 2 {
		return time.Minute
	}
	n, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil || n <= 0 {
		return time.Minute
	}
	switch interval[len(interval)-1] {
	case 's':
		return time.Duration(n) * time.Second
	case 'm':
		return time.Duration(n) * time.Minute
	case 'h':
		return time.Duration(n) * time.Hour
	case 'd':
		return time.Duration(n) * 24 * time.Hour
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour
	default:
		return time.Minute
	}
}
