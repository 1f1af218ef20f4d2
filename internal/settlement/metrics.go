package settlement

import (
	"github.com/paynest/escrowd/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	settlementsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "settlement",
		Name:      "started_total",
		Help:      "StartSettlement calls by outcome.",
	}, []string{"outcome"})

	settlementsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "settlement",
		Name:      "finished_total",
		Help:      "Settlements reaching a terminal stage.",
	}, []string{"stage"})

	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "settlement",
		Name:      "transitions_total",
		Help:      "Recorded settlement transitions by audit action.",
	}, []string{"action"})

	payoutClaims = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "settlement",
		Name:      "payout_claims_total",
		Help:      "Payout initiation claims: won, lost to a live claim, or reclaimed after TTL.",
	}, []string{"result"})

	payoutDuplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "settlement",
		Name:      "payout_duplicate_reference_total",
		Help:      "Payout creates the gateway reported as duplicates.",
	})

	gatewayErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "settlement",
		Name:      "gateway_errors_total",
		Help:      "Gateway failures seen during reconcile.",
	}, []string{"op"})

	receiptFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "settlement",
		Name:      "receipt_failures_total",
		Help:      "Receipt compositions that failed and were left for the next reconcile.",
	})

	webhooksReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "settlement",
		Name:      "webhooks_total",
		Help:      "Webhook deliveries by leg and outcome.",
	}, []string{"leg", "outcome"})

	reconcileDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "settlement",
		Name:      "reconcile_duration_seconds",
		Help:      "Reconcile latency including gateway round trips.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"outcome"})

	pollerBatch = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "settlement",
		Name:      "poller_batch_size",
		Help:      "Active settlements picked up by the last poller pass.",
	})
)

func init() {
	prometheus.MustRegister(
		settlementsStarted,
		settlementsFinished,
		transitions,
		payoutClaims,
		payoutDuplicates,
		gatewayErrors,
		receiptFailures,
		webhooksReceived,
		reconcileDuration,
		pollerBatch,
	)
}
