// Command backtest replays historical candles through one strategy and
// prints the accounting. Data comes from a CSV export or, when no file
// is given, from the venue's public kline endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"trading-engine/internal/backtest"
	"trading-engine/internal/strategy"
	"trading-engine/pkg/exchange"
	"trading-engine/pkg/exchange/binance"
)

func main() {
	var (
		csvPath  = flag.String("csv", "", "CSV file with open_time,open,high,low,close,volume,close_time rows")
		symbol   = flag.String("symbol", "BTCUSDT", "trading pair")
		interval = flag.String("interval", "1h", "candle interval")
		strat    = flag.String("strategy", "macd", "strategy kind: macd, rsi or sma")
		startStr = flag.String("start", "", "window start (YYYY-MM-DD), used when fetching from the venue")
		endStr   = flag.String("end", "", "window end (YYYY-MM-DD), used when fetching from the venue")
		balance  = flag.Float64("balance", 10000, "initial quote balance")
		fee      = flag.Float64("fee", 0.001, "fee rate per fill, as a fraction")
		slip     = flag.Float64("slippage", 0.05, "slippage per fill, in percent")
		testnet  = flag.Bool("testnet", false, "fetch candles from the testnet")
		outPath  = flag.String("out", "", "write the full result as JSON to this file")
	)
	flag.Parse()

	s, err := buildStrategy(*strat)
	if err != nil {
		log.Fatalf("❌ backtest: %v", err)
	}

	klines, err := loadData(*csvPath, *symbol, *interval, *startStr, *endStr, *testnet)
	if err != nil {
		log.Fatalf("❌ backtest: %v", err)
	}

	cfg := backtest.Config{
		InitialBalance:  *balance,
		FeeRate:         *fee,
		SlippagePercent: *slip,
		Symbol:          *symbol,
		Interval:        *interval,
		RiskFreeRate:    0.02,
	}
	bt := backtest.New(cfg, s)
	bt.SetData(klines)

	res, err := bt.Run()
	if err != nil {
		log.Fatalf("❌ backtest: %v", err)
	}

	printSummary(res.Summary)
	if *outPath != "" {
		if err := res.Save(*outPath); err != nil {
			log.Fatalf("❌ backtest: %v", err)
		}
	}
}

func buildStrategy(kind string) (strategy.Strategy, error) {
	switch strings.ToLower(kind) {
	case "macd":
		return strategy.NewMACDStrategy("macd-backtest", strategy.DefaultMACDParams())
	case "rsi":
		return strategy.NewRSIStrategy("rsi-backtest", strategy.DefaultRSIParams())
	case "sma":
		return strategy.NewSMAStrategy("sma-backtest", strategy.DefaultSMAParams())
	default:
		return nil, fmt.Errorf("unknown strategy kind %q (want macd, rsi or sma)", kind)
	}
}

func loadData(csvPath, symbol, interval, startStr, endStr string, testnet bool) ([]exchange.Kline, error) {
	if csvPath != "" {
		return backtest.LoadCSV(csvPath)
	}

	end := time.Now()
	if endStr != "" {
		var err error
		if end, err = parseDate(endStr); err != nil {
			return nil, err
		}
	}
	start := end.AddDate(0, 0, -30)
	if startStr != "" {
		var err error
		if start, err = parseDate(startStr); err != nil {
			return nil, err
		}
	}
	log.Printf("fetching %s %s candles from %s to %s",
		symbol, interval, start.Format(time.DateOnly), end.Format(time.DateOnly))

	client := binance.New(binance.Config{Testnet: testnet})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	return backtest.FetchKlines(ctx, client, symbol, interval, start, end)
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.DateOnly, "2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q (want YYYY-MM-DD)", s)
}

func printSummary(s backtest.Summary) {
	fmt.Println("========== Backtest Results ==========")
	fmt.Printf("Pair:            %s (%s)\n", s.Symbol, s.Interval)
	fmt.Printf("Initial Balance: %.2f\n", s.InitialBalance)
	fmt.Printf("Final Balance:   %.2f\n", s.FinalBalance)
	fmt.Printf("Total Return:    %.2f%%\n", s.TotalReturn)
	fmt.Printf("Max Drawdown:    %.2f%%\n", s.MaxDrawdown)
	fmt.Printf("Sharpe Ratio:    %.2f\n", s.SharpeRatio)
	fmt.Printf("Total Trades:    %d (%d wins, %d losses)\n", s.TotalTrades, s.WinningTrades, s.LosingTrades)
	fmt.Printf("Win Rate:        %.2f%%\n", s.WinRate)
	fmt.Println("======================================")
}
