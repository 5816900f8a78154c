package delegation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the delegation flow.
// A nil *Metrics disables instrumentation.
type Metrics struct {
	DelegationsTotal   *prometheus.CounterVec
	SettledCostUSD     *prometheus.HistogramVec
	DeliveryLatencyMS  prometheus.Histogram
	BreakerState       prometheus.Gauge
	BreakerTransitions *prometheus.CounterVec
}

// NewMetrics registers the delegation instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DelegationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delegation_total",
				Help: "Total delegations settled, by final status",
			},
			[]string{"status"},
		),
		SettledCostUSD: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "delegation_settled_cost_usd",
				Help:    "Actual settled cost per delegation",
				Buckets: []float64{0.01, 0.1, 1, 5, 10, 50, 100, 500, 1000},
			},
			[]string{"status"},
		),
		DeliveryLatencyMS: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "delegation_delivery_latency_ms",
				Help:    "Delivery stage latency in milliseconds",
				Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 3000, 4500, 8000},
			},
		),
		BreakerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "delegation_breaker_state",
				Help: "Circuit breaker state: 0 closed, 1 half_open, 2 open",
			},
		),
		BreakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delegation_breaker_evaluations_total",
				Help: "Breaker state observations, by state",
			},
			[]string{"state"},
		),
	}
}

// ObserveDelegation records one settled delegation.
func (m *Metrics) ObserveDelegation(status string, actualCostUSD, latencyMS float64) {
	if m == nil {
		return
	}
	m.DelegationsTotal.WithLabelValues(status).Inc()
	m.SettledCostUSD.WithLabelValues(status).Observe(actualCostUSD)
	m.DeliveryLatencyMS.Observe(latencyMS)
}

// ObserveBreaker records a breaker evaluation outcome.
func (m *Metrics) ObserveBreaker(state string) {
	if m == nil {
		return
	}
	value := 0.0
	switch state {
	case BreakerHalfOpen:
		value = 1.0
	case BreakerOpen:
		value = 2.0
	}
	m.BreakerState.Set(value)
	m.BreakerTransitions.WithLabelValues(state).Inc()
}
