// Package monitor serves the operational surface: prometheus metrics and a
// component health endpoint on one listener. Counters and histograms are fed
// from bus events and the provider latency hook; gauges are polled from the
// owning components.
package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fxcore"

// Metrics holds every exported series.
type Metrics struct {
	OrdersCreated     prometheus.Counter
	OrdersRejected    prometheus.Counter
	Fills             prometheus.Counter
	Slices            *prometheus.CounterVec
	Settlements       *prometheus.CounterVec
	SettlementRetries prometheus.Counter

	QuoteLatency      *prometheus.HistogramVec
	ExecuteLatency    *prometheus.HistogramVec
	ExecutionDuration prometheus.Histogram
	BatchSize         prometheus.Histogram

	OpenOrders         prometheus.Gauge
	PendingSettlements prometheus.Gauge
	OpenPositions      prometheus.Gauge
}

// NewMetrics builds and registers the series on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "created_total",
			Help:      "Orders accepted onto the book.",
		}),
		OrdersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "rejected_total",
			Help:      "Orders rejected by validation, compliance or reservation.",
		}),
		Fills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "fills_total",
			Help:      "Provider fills applied to orders.",
		}),
		Slices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "slices_total",
			Help:      "Executed slices by algorithm.",
		}, []string{"algorithm"}),
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "settlements_total",
			Help:      "Settlement lifecycle transitions by resulting status.",
		}, []string{"status"}),
		SettlementRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "retries_total",
			Help:      "Settlement retry attempts scheduled after transient failures.",
		}),
		QuoteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "quote_latency_seconds",
			Help:      "Provider quote round-trip latency.",
			Buckets:   latencyBuckets,
		}, []string{"provider"}),
		ExecuteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "execute_latency_seconds",
			Help:      "Provider execution round-trip latency.",
			Buckets:   latencyBuckets,
		}, []string{"provider"}),
		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "duration_seconds",
			Help:      "Wall time from dispatch to completed execution.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "batch_size",
			Help:      "Settlements collapsed into one netting batch.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
		}),
		OpenOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "open",
			Help:      "Orders currently resting on the book.",
		}),
		PendingSettlements: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "pending",
			Help:      "Settlements waiting in the due pool.",
		}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "analytics",
			Name:      "open_positions",
			Help:      "Non-flat positions across all users.",
		}),
	}

	reg.MustRegister(
		m.OrdersCreated, m.OrdersRejected, m.Fills, m.Slices,
		m.Settlements, m.SettlementRetries,
		m.QuoteLatency, m.ExecuteLatency, m.ExecutionDuration, m.BatchSize,
		m.OpenOrders, m.PendingSettlements, m.OpenPositions,
	)
	return m
}

// latencyBuckets spans sub-millisecond sim responses up to slow network
// venues.
var latencyBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

// ObserveProviderLatency matches the provider registry's observer hook.
func (m *Metrics) ObserveProviderLatency(provider, op string, d time.Duration) {
	switch op {
	case "quote":
		m.QuoteLatency.WithLabelValues(provider).Observe(d.Seconds())
	case "execute":
		m.ExecuteLatency.WithLabelValues(provider).Observe(d.Seconds())
	}
}
