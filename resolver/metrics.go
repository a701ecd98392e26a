package resolver

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ddi_resolver_calls_total",
		Help: "Resolver invocations by outcome (hit, miss, error).",
	}, []string{"resolver", "outcome"})

	latency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ddi_resolver_latency_seconds",
		Help:    "Resolver call latency.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40},
	}, []string{"resolver"})
)

func observe(name, outcome string, d time.Duration) {
	callsTotal.WithLabelValues(name, outcome).Inc()
	latency.WithLabelValues(name).Observe(d.Seconds())
}
