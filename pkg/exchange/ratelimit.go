package exchange

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// WeightLimiter paces outgoing REST calls against a per-minute request
// weight budget and tracks the authoritative usage the venue reports in
// response headers. Pacing is proactive (token bucket), the header feed
// is the ground truth.
type WeightLimiter struct {
	pacer *rate.Limiter
	limit int

	mu          sync.Mutex
	observed    int
	windowStart time.Time
	window      time.Duration
}

// NewWeightLimiter builds a limiter for a weight budget per minute
// (1200 for Binance spot).
func NewWeightLimiter(limitPerMinute int) *WeightLimiter {
	if limitPerMinute <= 0 {
		limitPerMinute = 1200
	}
	return &WeightLimiter{
		pacer:       rate.NewLimiter(rate.Limit(limitPerMinute)/60, limitPerMinute/4),
		limit:       limitPerMinute,
		windowStart: time.Now(),
		window:      time.Minute,
	}
}

// Wait blocks until the call's weight fits the pacing budget or the
// context is canceled.
func (w *WeightLimiter) Wait(ctx context.Context, weight int) error {
	if weight <= 0 {
		weight = 1
	}
	return w.pacer.WaitN(ctx, weight)
}

// Observe feeds the used-weight response header back into the limiter.
// Non-numeric or empty values are ignored.
func (w *WeightLimiter) Observe(headerValue string) {
	if headerValue == "" {
		return
	}
	used, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}
	w.mu.Lock()
	if time.Since(w.windowStart) >= w.window {
		w.windowStart = time.Now()
	}
	w.observed = used
	limit := w.limit
	w.mu.Unlock()

	pct := float64(used) / float64(limit) * 100
	if pct >= 95 {
		log.Printf("exchange: ⚠️ rate limit critical %d/%d (%.1f%%)", used, limit, pct)
	} else if pct >= 80 {
		log.Printf("exchange: rate limit warning %d/%d (%.1f%%)", used, limit, pct)
	}
}

// Usage returns the last observed weight, the budget, and the fraction
// used as a percentage. A lapsed window reads as zero.
func (w *WeightLimiter) Usage() (used, limit int, pct float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if time.Since(w.windowStart) >= w.window {
		return 0, w.limit, 0
	}
	return w.observed, w.limit, float64(w.observed) / float64(w.limit) * 100
}

// Saturated reports whether observed usage is close enough to the budget
// that non-urgent calls should back off.
func (w *WeightLimiter) Saturated() bool {
	_, _, pct := w.Usage()
	return pct >= 90
}
