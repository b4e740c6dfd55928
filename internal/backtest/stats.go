package backtest

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// sharpeRatio annualizes the mean excess return over its volatility.
// The risk-free rate is annual and is brought down to a daily rate
// before subtraction; the ratio is scaled back up by √365.
func sharpeRatio(returns []float64, riskFree float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	daily := riskFree / 365
	excess := make([]float64, len(returns))
	for i, r := range returns {
		excess[i] = r - daily
	}
	mean, std := stat.MeanStdDev(excess, nil)
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return mean / std * math.Sqrt(365)
}
