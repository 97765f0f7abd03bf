package library

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ledgerOpsTotal counts ledger operations by outcome.
	ledgerOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "library_ledger_operations_total",
		Help: "Total inventory ledger operations by operation and outcome",
	}, []string{"op", "outcome"})

	ledgerOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "library_ledger_operation_duration_seconds",
		Help:    "Inventory ledger operation latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
	}, []string{"op"})
)

func observe(op string, start time.Time, err error) {
	ledgerOpsTotal.WithLabelValues(op, Outcome(err)).Inc()
	ledgerOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
