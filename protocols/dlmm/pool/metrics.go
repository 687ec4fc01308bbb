package pool

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pool's instrumentation. A registerer is required by
// Config; pass prometheus.NewRegistry() when scraping is not needed.
type Metrics struct {
	swapDuration *prometheus.HistogramVec
	swapsTotal   prometheus.Counter
	swapSteps    prometheus.Histogram
	feesTotal    *prometheus.CounterVec
	liquidityOps *prometheus.CounterVec
}

// NewMetrics creates and registers the pool metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		swapDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dlmm",
			Name:      "swap_duration_seconds",
			Help:      "Wall time of a full multi-bin swap.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, []string{}),
		swapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dlmm",
			Name:      "swaps_total",
			Help:      "Completed swaps.",
		}),
		swapSteps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dlmm",
			Name:      "swap_bins_crossed",
			Help:      "Bins consumed per swap.",
			Buckets:   prometheus.LinearBuckets(1, 2, 10),
		}),
		feesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dlmm",
			Name:      "fees_total",
			Help:      "Swap fees by kind.",
		}, []string{"kind"}),
		liquidityOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dlmm",
			Name:      "liquidity_ops_total",
			Help:      "Position operations by kind.",
		}, []string{"op"}),
	}
	reg.MustRegister(m.swapDuration, m.swapsTotal, m.swapSteps, m.feesTotal, m.liquidityOps)
	return m
}
