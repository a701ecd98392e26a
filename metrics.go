package ddi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ddi_queries_total",
		Help: "Queries by terminal status.",
	}, []string{"status"})

	queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ddi_query_duration_seconds",
		Help:    "End-to-end query latency.",
		Buckets: []float64{.01, .05, .25, 1, 2.5, 5, 10, 30, 60},
	}, []string{"from_cache"})

	storeWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ddi_store_writes_total",
		Help: "Record store, graph mirror and query log writes by outcome.",
	}, []string{"store", "outcome"})
)

func observeWrite(store string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	storeWrites.WithLabelValues(store, outcome).Inc()
}
