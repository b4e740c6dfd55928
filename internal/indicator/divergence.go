package indicator

// extremum is a local high or low within a series window.
type extremum struct {
	index int
	value float64
}

// localMinima scans the trailing lookback elements with a 3-point window
// and returns the local lows in index order.
func localMinima(series []float64, lookback int) []extremum {
	return localExtrema(series, lookback, func(a, b, c float64) bool {
		return b < a && b < c
	})
}

// localMaxima is the mirror of localMinima.
func localMaxima(series []float64, lookback int) []extremum {
	return localExtrema(series, lookback, func(a, b, c float64) bool {
		return b > a && b > c
	})
}

func localExtrema(series []float64, lookback int, match func(a, b, c float64) bool) []extremum {
	n := len(series)
	if n < lookback+2 {
		return nil
	}
	start := n - lookback + 1
	if start < 1 {
		start = 1
	}
	var out []extremum
	for i := start; i < n-1; i++ {
		if match(series[i-1], series[i], series[i+1]) {
			out = append(out, extremum{index: i, value: series[i]})
		}
	}
	return out
}

// divergenceResult reports the comparison of the latest two extrema of a
// price series against the oscillator's over the same lookback.
type divergenceResult struct {
	bullish bool
	bearish bool
}

// divergence is bullish when price makes a lower low while the oscillator
// makes a higher low; bearish is the mirror on highs.
func divergence(prices, osc []float64, lookback int) divergenceResult {
	var res divergenceResult
	if len(prices) < lookback || len(osc) < lookback {
		return res
	}
	priceLows := localMinima(prices, lookback)
	oscLows := localMinima(osc, lookback)
	if len(priceLows) >= 2 && len(oscLows) >= 2 {
		pPrev, pLast := priceLows[len(priceLows)-2], priceLows[len(priceLows)-1]
		oPrev, oLast := oscLows[len(oscLows)-2], oscLows[len(oscLows)-1]
		if pLast.value < pPrev.value && oLast.value > oPrev.value {
			res.bullish = true
		}
	}
	priceHighs := localMaxima(prices, lookback)
	oscHighs := localMaxima(osc, lookback)
	if len(priceHighs) >= 2 && len(oscHighs) >= 2 {
		pPrev, pLast := priceHighs[len(priceHighs)-2], priceHighs[len(priceHighs)-1]
		oPrev, oLast := oscHighs[len(oscHighs)-2], oscHighs[len(oscHighs)-1]
		if pLast.value > pPrev.value && oLast.value < oPrev.value {
			res.bearish = true
		}
	}
	return res
}
