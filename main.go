package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"trading-engine/internal/api"
	"trading-engine/internal/balance"
	"trading-engine/internal/events"
	"trading-engine/internal/market"
	"trading-engine/internal/monitor"
	"trading-engine/internal/order"
	"trading-engine/internal/position"
	"trading-engine/internal/risk"
	"trading-engine/internal/strategy"
	"trading-engine/pkg/cache"
	"trading-engine/pkg/config"
	"trading-engine/pkg/db"
	"trading-engine/pkg/exchange"
	"trading-engine/pkg/exchange/binance"
)

// warmupCandles must cover the longest indicator lookback any strategy
// family uses at default settings, with headroom for operator-tuned
// periods.
const warmupCandles = 200

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ config: %v", err)
	}

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}
	mode := "LIVE"
	if cfg.DryRun {
		mode = "DRY_RUN"
	}
	log.Printf("🚀 trading engine %s starting in %s mode", buildVersion, mode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()
	prices := cache.New()

	store, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("❌ open database: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		log.Fatalf("❌ migrations: %v", err)
	}
	log.Printf("💾 database ready at %s", cfg.DBPath)

	// Exchange gateway. Pure mock dry-runs need no venue at all; the
	// gateway exists as soon as any of market data, execution or balance
	// has to talk to Binance.
	venue := "mock"
	var gateway *binance.Exchange
	if !cfg.UseMockFeed || !cfg.DryRun || cfg.BalanceSource == "exchange" {
		gateway = binance.NewExchange(binance.Config{
			APIKey:    cfg.BinanceAPIKey,
			APISecret: cfg.BinanceAPISecret,
			Testnet:   cfg.BinanceTestnet,
		})
		venue = "binance"
		if cfg.BinanceTestnet {
			venue = "binance-testnet"
		}
	}

	// Balance
	var balanceMgr *balance.Manager
	if cfg.BalanceSource == "exchange" {
		balanceMgr = balance.NewManager(gateway, "USDT", 30*time.Second)
		balanceMgr.Start(ctx)
		log.Println("✓ balance manager syncing from exchange")
	} else {
		balanceMgr = balance.NewFixed(cfg.InitialBalance)
		log.Printf("✓ fixed balance initialized: %.2f USDT", cfg.InitialBalance)
	}
	balanceMgr.SetOnChange(func(b balance.Balance) {
		bus.Publish(events.TopicBalance, events.BalanceEvent{
			Asset:  balanceMgr.Asset(),
			Free:   b.Available,
			Locked: b.Locked,
			Time:   time.Now(),
		})
	})

	// Risk
	riskMgr, err := risk.NewManager(risk.DefaultConfig(), balanceMgr)
	if err != nil {
		log.Fatalf("❌ risk manager: %v", err)
	}
	if len(cfg.RiskOverrides) > 0 {
		if err := riskMgr.Configure(cfg.RiskOverrides); err != nil {
			log.Fatalf("❌ risk overrides: %v", err)
		}
	}
	riskMgr.SetAlertHandler(func(a risk.Alert) {
		bus.Publish(events.TopicRiskAlert, events.RiskEvent{
			Kind:    string(a.Type),
			Symbol:  a.Symbol,
			Message: a.Message,
			Time:    a.At,
		})
	})
	rc := riskMgr.Config()
	log.Printf("🛡️ risk limits: exposure %.0f%%, daily loss %.0f%%, max positions %d",
		rc.MaxTotalExposure, rc.MaxDailyLoss, rc.MaxOpenPositions)

	// Strategies
	eng := strategy.NewEngine(snapshotStore{store: store})
	if gateway != nil {
		eng.SetExchange(gateway)
	}
	instances, err := config.LoadStrategies(cfg.StrategyConfig)
	if err != nil {
		log.Fatalf("❌ strategy config: %v", err)
	}
	bindings, err := registerInstances(ctx, store, eng, instances, cfg.Interval)
	if err != nil {
		log.Fatalf("❌ register strategies: %v", err)
	}
	// Snapshots overlay the freshly started strategies, so restore runs
	// after the active ones are up.
	if err := eng.LoadAll(); err != nil {
		log.Printf("⚠️ restore strategy state: %v", err)
	}
	log.Printf("✓ %d strategies registered", eng.Count())

	// Order flow
	queue := order.NewQueue(256)
	var trading exchange.Trading
	if gateway != nil && !cfg.DryRun {
		trading = gateway
	}
	exec := order.NewExecutor(store, bus, trading, balanceMgr)
	if cfg.DryRun {
		exec.EnableDryRun(order.SimConfig{FeeRate: cfg.FeeRate, SlippageBps: cfg.SlippageBps})
		log.Printf("✓ dry-run execution (fee %.4f, slippage %.0f bps)", cfg.FeeRate, cfg.SlippageBps)
	}

	guard := risk.NewStopGuard()
	coord := position.NewCoordinator(eng, riskMgr, guard, store, queue, exec, bus)
	if err := coord.Restore(ctx); err != nil {
		log.Printf("⚠️ restore positions: %v", err)
	}

	// Monitoring
	metrics := monitor.NewMetrics("trading_engine")
	sinks := []monitor.AlertSink{monitor.LogSink{}}
	if cfg.TelegramToken != "" {
		tg, err := monitor.NewTelegramSink(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			log.Printf("⚠️ telegram sink: %v", err)
		} else {
			sinks = append(sinks, tg)
			log.Println("📱 telegram alerts enabled")
		}
	}
	mon := monitor.New(bus, metrics, sinks...)
	mon.DepthFn = queue.Len
	mon.ExposureFn = riskMgr.TotalExposure
	mon.Start(ctx)

	// Market data (mock first, real later)
	var feed market.Source
	if cfg.UseMockFeed {
		feed = &market.MockFeed{Bus: bus, Cache: prices, Symbols: cfg.Symbols, Interval: cfg.Interval}
	} else {
		feed = &market.Feed{Data: gateway, Streams: gateway, Bus: bus, Cache: prices, Symbols: cfg.Symbols, Interval: cfg.Interval}
	}
	history, err := feed.Warmup(ctx, warmupCandles)
	if err != nil {
		log.Fatalf("❌ warmup: %v", err)
	}
	// Indicators accumulate whatever candles they are handed, so the
	// warmup window is fed exactly once here and the live loop hands
	// over single candles from then on. Signals raised on historical
	// data are stale and dropped.
	for sym, ks := range history {
		if len(ks) == 0 {
			continue
		}
		last := tickerOf(sym, ks[len(ks)-1])
		seeded := 0
		for _, b := range bindings[sym] {
			if b.interval != cfg.Interval || eng.StrategyState(b.name) != strategy.StateActive {
				continue
			}
			eng.Execute(b.name, ks, last)
			seeded++
		}
		log.Printf("✓ warmed up %s with %d candles (%d strategies seeded)", sym, len(ks), seeded)
	}

	// Subscribe before the feed starts so the first candle is not lost.
	ticks, unsubTicks := bus.Subscribe(events.TopicTick, 256)
	defer unsubTicks()
	tickers, unsubTickers := bus.Subscribe(events.TopicTicker, 256)
	defer unsubTickers()

	// Engine loop: one closed candle in, strategy signals out.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ticks:
				if !ok {
					return
				}
				if ev, ok := msg.(events.TickEvent); ok {
					handleTick(ctx, ev, bindings, eng, coord, bus, metrics)
				}
			}
		}
	}()

	// Live prices keep position marks and the stop guard current.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-tickers:
				if !ok {
					return
				}
				if ev, ok := msg.(events.TickerEvent); ok {
					coord.MarkPrice(ev.Symbol, ev.Last)
				}
			}
		}
	}()

	go queue.Drain(ctx, func(o order.Order) {
		coord.Process(ctx, o)
	})
	exec.StartResync(ctx, 30*time.Second)

	// API
	gin.SetMode(gin.ReleaseMode)
	server := api.NewServer(bus, store, eng, riskMgr, balanceMgr, coord, queue, prices, metrics,
		api.SystemMeta{
			DryRun:      cfg.DryRun,
			Venue:       venue,
			Symbols:     cfg.Symbols,
			Interval:    cfg.Interval,
			UseMockFeed: cfg.UseMockFeed,
			Version:     buildVersion,
		},
		cfg.JWTSecret,
	)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("❌ api server: %v", err)
		}
	}()
	log.Printf("✓ control api listening on :%s", cfg.Port)

	if err := feed.Start(ctx); err != nil {
		log.Fatalf("❌ market feed: %v", err)
	}
	log.Printf("🚀 feed running: %v @ %s", cfg.Symbols, cfg.Interval)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("🛑 shutting down")

	feed.Stop()
	queue.Close()
	cancel()
	if err := eng.SaveAll(); err != nil {
		log.Printf("⚠️ save strategy state: %v", err)
	}
	log.Println("✓ shutdown complete")
}

// binding ties one registered strategy to the market data it consumes.
type binding struct {
	name     string
	interval string
}

// registerInstances builds each configured strategy, reapplies operator
// state persisted in the database, and starts the active ones. It
// returns the symbol bindings the engine loop dispatches on.
func registerInstances(ctx context.Context, store *db.Store, eng *strategy.Engine, instances []config.StrategyInstance, feedInterval string) (map[string][]binding, error) {
	saved := make(map[string]db.StrategyInstance)
	rows, err := store.StrategyInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("load saved instances: %w", err)
	}
	for _, row := range rows {
		saved[row.ID] = row
	}

	bindings := make(map[string][]binding)
	for _, inst := range instances {
		params := inst.Parameters
		active := inst.IsActive
		if row, ok := saved[inst.ID]; ok {
			// Changes made through the API outlive restarts; the YAML
			// file only seeds new instances.
			active = row.IsActive
			if row.Parameters != "" {
				var overlay map[string]any
				if err := json.Unmarshal([]byte(row.Parameters), &overlay); err == nil && len(overlay) > 0 {
					params = overlay
				}
			}
		}

		st, err := buildStrategy(inst, params)
		if err != nil {
			return nil, err
		}
		if err := eng.Register(st); err != nil {
			return nil, err
		}
		if inst.Interval != feedInterval {
			log.Printf("⚠️ strategy %s wants %s candles but the feed streams %s; it will not receive ticks",
				inst.ID, inst.Interval, feedInterval)
		}
		bindings[inst.Symbol] = append(bindings[inst.Symbol], binding{name: inst.ID, interval: inst.Interval})

		cfgJSON, err := json.Marshal(st.Config())
		if err != nil {
			cfgJSON = []byte("{}")
		}
		if err := store.UpsertStrategyInstance(ctx, db.StrategyInstance{
			ID:         inst.ID,
			Name:       inst.Name,
			Type:       inst.Type,
			Symbol:     inst.Symbol,
			Interval:   inst.Interval,
			Parameters: string(cfgJSON),
			IsActive:   active,
			UpdatedAt:  time.Now().UnixMilli(),
		}); err != nil {
			log.Printf("⚠️ persist strategy %s: %v", inst.ID, err)
		}

		if active {
			if err := eng.StartStrategy(inst.ID); err != nil {
				log.Printf("⚠️ start strategy %s: %v", inst.ID, err)
			}
		}
	}
	return bindings, nil
}

// buildStrategy constructs one strategy from its family defaults and
// overlays the instance parameters.
func buildStrategy(inst config.StrategyInstance, params map[string]any) (strategy.Strategy, error) {
	var (
		st  strategy.Strategy
		err error
	)
	switch inst.Type {
	case "macd":
		st, err = strategy.NewMACDStrategy(inst.ID, strategy.DefaultMACDParams())
	case "rsi":
		st, err = strategy.NewRSIStrategy(inst.ID, strategy.DefaultRSIParams())
	case "sma":
		st, err = strategy.NewSMAStrategy(inst.ID, strategy.DefaultSMAParams())
	default:
		return nil, fmt.Errorf("strategy %q: unknown type %q", inst.ID, inst.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("strategy %q: %w", inst.ID, err)
	}
	if len(params) > 0 {
		if err := st.Configure(params); err != nil {
			return nil, fmt.Errorf("strategy %q: %w", inst.ID, err)
		}
	}
	return st, nil
}

// handleTick runs every strategy bound to the candle's symbol. Each
// strategy keeps its own history, so only the newly closed candle is
// handed over. A panicking strategy must not take down the loop, so
// dispatch is fenced with a recover that surfaces the failure as a
// risk alert.
func handleTick(ctx context.Context, ev events.TickEvent, bindings map[string][]binding, eng *strategy.Engine, coord *position.Coordinator, bus *events.Bus, metrics *monitor.Metrics) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("🚨 tick processing panic: %v", r)
			bus.Publish(events.TopicRiskAlert, events.RiskEvent{
				Kind:    "ENGINE_PANIC",
				Symbol:  ev.Symbol,
				Message: fmt.Sprintf("tick processing panic: %v", r),
				Time:    time.Now(),
			})
		}
	}()

	start := time.Now()
	for _, b := range bindings[ev.Symbol] {
		if b.interval != ev.Interval {
			continue
		}
		sig := eng.Execute(b.name, []exchange.Kline{ev.Kline}, ev.Ticker)
		if sig.Type.Actionable() {
			coord.HandleSignal(ctx, sig)
		}
	}
	metrics.ObserveTickHandle(time.Since(start))
}

func tickerOf(symbol string, k exchange.Kline) exchange.Ticker {
	return exchange.Ticker{
		Symbol:    symbol,
		Last:      k.Close,
		Bid:       k.Close,
		Ask:       k.Close,
		Volume24h: k.Volume,
		Timestamp: time.UnixMilli(k.CloseTime),
	}
}

// snapshotStore adapts the sqlite store to the engine's snapshot
// contract.
type snapshotStore struct {
	store *db.Store
}

func (s snapshotStore) SaveSnapshot(name string, data []byte) error {
	return s.store.SaveStrategySnapshot(context.Background(), name, data)
}

func (s snapshotStore) LoadSnapshot(name string) ([]byte, error) {
	data, err := s.store.LoadStrategySnapshot(context.Background(), name)
	if errors.Is(err, db.ErrNotFound) {
		return nil, strategy.ErrNoSnapshot
	}
	return data, err
}
