// Package metrics holds the Prometheus collectors shared by the ledger binaries.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"stock-ledger/internal/models"
)

const namespace = "stock_ledger"

// Outcome labels
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_total",
		Help:      "Ledger operations by kind and outcome.",
	}, []string{"operation", "outcome"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "operation_duration_seconds",
		Help:      "Latency of ledger operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	versionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "version_conflicts_total",
		Help:      "Compare-and-set attempts lost to a concurrent writer.",
	})

	compensations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "compensations_total",
		Help:      "Reservation lines rolled back after a failed reserve.",
	})

	idempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "idempotent_replays_total",
		Help:      "Requests answered from a stored idempotency result.",
	})

	lowStockItems = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "low_stock_items",
		Help:      "Products under the low-stock threshold at the last scan.",
	})

	relayPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_published_total",
		Help:      "Movements relayed to the event sink.",
	}, []string{"sink"})
)

// ObserveOperation records the outcome and latency of one operation.
func ObserveOperation(operation string, started time.Time, err error) {
	operationDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	operationsTotal.WithLabelValues(operation, outcomeOf(err)).Inc()
}

// ObserveReplay counts a request served from the idempotency store.
func ObserveReplay() { idempotentReplays.Inc() }

func VersionConflict() { versionConflicts.Inc() }

func Compensated(lines int) { compensations.Add(float64(lines)) }

func SetLowStockItems(n int) { lowStockItems.Set(float64(n)) }

func RelayPublished(sink string, n int) { relayPublished.WithLabelValues(sink).Add(float64(n)) }

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case models.IsRetryable(err), models.IsSystemError(err):
		return OutcomeFailed
	case models.CodeOf(err) == models.ErrorCodeInternalError:
		return OutcomeFailed
	default:
		return OutcomeRejected
	}
}
