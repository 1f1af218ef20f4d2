package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	gwCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "gateway",
		Name:      "calls_total",
		Help:      "Gateway calls by operation and outcome.",
	}, []string{"operation", "outcome"}) // outcome: ok, unavailable, duplicate, rejected, not_found

	gwLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Subsystem: "gateway",
		Name:      "call_duration_seconds",
		Help:      "Gateway round-trip latency by operation.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"operation"})

	gwUnknownStatus = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "gateway",
		Name:      "unknown_status_total",
		Help:      "Responses whose status word was not recognized (treated as pending).",
	}, []string{"operation"})
)

func init() {
	prometheus.MustRegister(gwCalls, gwLatency, gwUnknownStatus)
}
