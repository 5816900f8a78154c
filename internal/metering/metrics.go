package metering

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the cost stream to Prometheus. A nil *Metrics
// disables instrumentation.
type Metrics struct {
	EventsTotal *prometheus.CounterVec
	SpendUSD    *prometheus.CounterVec
}

// NewMetrics registers the metering instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metering_events_total",
				Help: "Cost events recorded, by operation",
			},
			[]string{"operation"},
		),
		SpendUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metering_spend_usd_total",
				Help: "Cumulative recorded spend in USD, by operation",
			},
			[]string{"operation"},
		),
	}
}

// ObserveCost records one event sample.
func (m *Metrics) ObserveCost(operation string, costUSD float64) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(operation).Inc()
	if costUSD > 0 {
		m.SpendUSD.WithLabelValues(operation).Add(costUSD)
	}
}
