package backtest

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"time"

	"trading-engine/pkg/exchange"
)

// LoadCSV reads candles from a CSV export: one header line, then
// open_time,open,high,low,close,volume,close_time rows. Extra columns
// are ignored; rows missing fields are skipped.
func LoadCSV(path string) ([]exchange.Kline, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}

	var out []exchange.Kline
	for i, row := range rows {
		if i == 0 || len(row) < 7 {
			continue
		}
		k, err := parseRow(row)
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", i+1, err)
		}
		out = append(out, k)
	}
	log.Printf("loaded %d candles from %s", len(out), path)
	return out, nil
}

func parseRow(row []string) (exchange.Kline, error) {
	var k exchange.Kline
	var err error
	if k.OpenTime, err = strconv.ParseInt(row[0], 10, 64); err != nil {
		return k, fmt.Errorf("open time %q: %w", row[0], err)
	}
	floats := []struct {
		dst  *float64
		name string
		raw  string
	}{
		{&k.Open, "open", row[1]},
		{&k.High, "high", row[2]},
		{&k.Low, "low", row[3]},
		{&k.Close, "close", row[4]},
		{&k.Volume, "volume", row[5]},
	}
	for _, f := range floats {
		if *f.dst, err = strconv.ParseFloat(f.raw, 64); err != nil {
			return k, fmt.Errorf("%s %q: %w", f.name, f.raw, err)
		}
	}
	if k.CloseTime, err = strconv.ParseInt(row[6], 10, 64); err != nil {
		return k, fmt.Errorf("close time %q: %w", row[6], err)
	}
	return k, nil
}

// FetchKlines pulls the window from the venue in pages of up to 1000
// candles, oldest first, pausing briefly between requests.
func FetchKlines(ctx context.Context, md exchange.MarketData, symbol, interval string, start, end time.Time) ([]exchange.Kline, error) {
	const page = 1000
	startMs, endMs := start.UnixMilli(), end.UnixMilli()
	if startMs >= endMs {
		return nil, fmt.Errorf("start %s is not before end %s", start.Format(time.DateOnly), end.Format(time.DateOnly))
	}

	var out []exchange.Kline
	cursor := startMs
	for cursor < endMs {
		klines, err := md.GetKlines(ctx, symbol, interval, page, cursor, 0)
		if err != nil {
			return nil, fmt.Errorf("fetch klines from %d: %w", cursor, err)
		}
		if len(klines) == 0 {
			break
		}
		for _, k := range klines {
			if k.OpenTime >= startMs && k.OpenTime <= endMs {
				out = append(out, k)
			}
		}
		cursor = klines[len(klines)-1].CloseTime + 1

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	log.Printf("loaded %d candles from the venue for %s %s", len(out), symbol, interval)
	return out, nil
}
