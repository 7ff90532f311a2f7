// Package metrics exposes the Receipt Engine's counters as Prometheus
// collectors (C11), served at /admin/metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agentmeter/paygate/internal/reason"
)

// Collectors groups the counters and histograms the pipeline feeds on every
// terminal receipt.
type Collectors struct {
	RequestsTotal   *prometheus.CounterVec
	LatencySeconds  *prometheus.HistogramVec
	RevenueUSDC     prometheus.Counter
}

// New registers collectors against registry and returns them.
func New(registry *prometheus.Registry) *Collectors {
	factory := promauto.With(registry)
	return &Collectors{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_requests_total",
			Help: "Total gateway requests by outcome and reason code.",
		}, []string{"outcome", "reason_code"}),
		LatencySeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "paygate_request_latency_seconds",
			Help:    "Upstream request latency in seconds for SUCCESS outcomes.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool_id"}),
		RevenueUSDC: factory.NewCounter(prometheus.CounterOpts{
			Name: "paygate_revenue_usdc_total",
			Help: "Cumulative captured revenue in USDC.",
		}),
	}
}

// Observe records one terminal receipt's worth of metrics.
func (c *Collectors) Observe(outcome reason.Outcome, reasonCode reason.Code, toolID string, latencyMs *int64, priceUSDC float64) {
	c.RequestsTotal.WithLabelValues(string(outcome), string(reasonCode)).Inc()
	if outcome == reason.Success {
		c.RevenueUSDC.Add(priceUSDC)
		if latencyMs != nil {
			c.LatencySeconds.WithLabelValues(toolID).Observe(float64(*latencyMs) / 1000.0)
		}
	}
}
