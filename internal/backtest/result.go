package backtest

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
)

// Summary is the headline accounting of one run. Return, drawdown and
// win rate are whole percents.
type Summary struct {
	InitialBalance float64 `json:"initialBalance"`
	FinalBalance   float64 `json:"finalBalance"`
	TotalReturn    float64 `json:"totalReturn"`
	MaxDrawdown    float64 `json:"maxDrawdown"`
	SharpeRatio    float64 `json:"sharpeRatio"`
	TotalTrades    int     `json:"totalTrades"`
	WinningTrades  int     `json:"winningTrades"`
	LosingTrades   int     `json:"losingTrades"`
	WinRate        float64 `json:"winRate"`
	Symbol         string  `json:"pair"`
	Interval       string  `json:"timeframe"`
	StartTime      int64   `json:"startTimestamp"`
	EndTime        int64   `json:"endTimestamp"`
}

// Point is one sample of a performance curve.
type Point struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// TradeRecord is one executed replay trade. PnL on a buy is the entry
// fee; on a sell it is the realized round-trip result.
type TradeRecord struct {
	Timestamp int64   `json:"timestamp"`
	Type      string  `json:"type"`
	Price     float64 `json:"price"`
	Quantity  float64 `json:"quantity"`
	PnL       float64 `json:"pnl"`
	Balance   float64 `json:"balance"`
}

// Result is the complete outcome of one run.
type Result struct {
	Summary       Summary       `json:"summary"`
	EquityCurve   []Point       `json:"equityCurve"`
	DrawdownCurve []Point       `json:"drawdownCurve"`
	Trades        []TradeRecord `json:"trades"`
}

// Save writes the result as indented JSON.
func (r *Result) Save(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	log.Printf("💾 backtest results saved to %s", path)
	return nil
}
