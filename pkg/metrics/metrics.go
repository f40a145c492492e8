package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersSubmitted counts accepted order submissions by side (buy/sell).
var OrdersSubmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "execd_orders_submitted_total",
		Help: "Total number of orders accepted for execution",
	},
	[]string{"side"},
)

// OrdersTerminal counts orders reaching a terminal state by status.
var OrdersTerminal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "execd_orders_terminal_total",
		Help: "Total number of orders reaching a terminal state",
	},
	[]string{"status"},
)

// VenueRetries counts retry attempts against the execution venue.
var VenueRetries = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "execd_venue_retries_total",
		Help: "Total number of venue retry attempts",
	},
)

// Reconciliations counts outcomes of idempotency-key reconciliation before
// a retry (recovered = adopted venue state without resubmission).
var Reconciliations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "execd_reconciliations_total",
		Help: "Total number of pre-retry venue reconciliations by outcome",
	},
	[]string{"outcome"},
)

// RetriesExhausted counts orders left pending for manual reconciliation.
var RetriesExhausted = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "execd_retries_exhausted_total",
		Help: "Total number of orders whose retries exhausted without resolution",
	},
)

// ExecutionLatency records submit-to-terminal latency distribution.
var ExecutionLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "execd_execution_latency_seconds",
		Help:    "Latency in seconds from submission to terminal state",
		Buckets: prometheus.DefBuckets,
	},
)

// InflightExecutions tracks executions currently in progress.
var InflightExecutions = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "execd_inflight_executions",
		Help: "Number of order executions currently in flight",
	},
)

func init() {
	prometheus.MustRegister(
		OrdersSubmitted,
		OrdersTerminal,
		VenueRetries,
		Reconciliations,
		RetriesExhausted,
		ExecutionLatency,
		InflightExecutions,
	)
}
