// Package monitor exposes the engine's operational metrics through
// Prometheus and forwards risk alerts from the event bus to pluggable
// sinks. Everything it knows arrives over the bus; nothing in the hot
// path calls into this package directly.
package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus instruments. Create one per
// process; the instruments register on the default registry, which
// Handler serves.
type Metrics struct {
	TicksProcessed   *prometheus.CounterVec
	SignalsGenerated *prometheus.CounterVec
	OrdersTotal      *prometheus.CounterVec
	RiskAlerts       *prometheus.CounterVec

	OpenPositions prometheus.Gauge
	Exposure      prometheus.Gauge
	Balance       *prometheus.GaugeVec
	RealizedPnL   prometheus.Gauge
	QueueDepth    prometheus.Gauge

	OrderFillLatency prometheus.Histogram
	TickHandleTime   prometheus.Histogram

	APIRequests *prometheus.CounterVec
	APILatency  prometheus.Histogram
}

// NewMetrics registers the engine's instruments under the namespace on
// the default registry.
func NewMetrics(namespace string) *Metrics {
	return newMetrics(namespace, prometheus.DefaultRegisterer)
}

func newMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "trading_engine"
	}
	auto := promauto.With(reg)
	return &Metrics{
		TicksProcessed: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_processed_total",
			Help:      "Closed candles consumed from the market feed",
		}, []string{"symbol"}),
		SignalsGenerated: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Actionable signals emitted by strategies",
		}, []string{"strategy", "type"}),
		OrdersTotal: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Order lifecycle transitions by side and status",
		}, []string{"side", "status"}),
		RiskAlerts: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_alerts_total",
			Help:      "Risk alerts published on the bus",
		}, []string{"kind"}),

		OpenPositions: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Currently open positions across all strategies",
		}),
		Exposure: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "exposure_quote",
			Help:      "Total open exposure in quote units",
		}),
		Balance: auto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "balance_quote",
			Help:      "Account balance by asset and state",
		}, []string{"asset", "state"}),
		RealizedPnL: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realized_pnl_quote",
			Help:      "Cumulative realized profit and loss since start",
		}),
		QueueDepth: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "order_queue_depth",
			Help:      "Orders waiting in the execution queue",
		}),

		OrderFillLatency: auto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_fill_latency_seconds",
			Help:      "Time from order submission to fill",
			Buckets:   prometheus.DefBuckets,
		}),
		TickHandleTime: auto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_handle_seconds",
			Help:      "Time spent handling one closed candle end to end",
			Buckets:   prometheus.DefBuckets,
		}),

		APIRequests: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Control API requests by route and status",
		}, []string{"method", "route", "status"}),
		APILatency: auto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_seconds",
			Help:      "Control API request handling time",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// ObserveTickHandle records how long one candle took through the
// strategy engine and order pipeline.
func (m *Metrics) ObserveTickHandle(d time.Duration) {
	m.TickHandleTime.Observe(d.Seconds())
}

// Handler serves the default registry for Prometheus scrapes.
func Handler() http.Handler {
	return promhttp.Handler()
}
