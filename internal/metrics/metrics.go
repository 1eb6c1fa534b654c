// Package metrics holds the Prometheus collectors exported by the settlement engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GatewayCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_gateway_calls_total",
		Help: "Gateway calls by operation and outcome",
	}, []string{"operation", "outcome"})

	LedgerRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_ledger_rejections_total",
		Help: "Locally rejected operations by reason",
	}, []string{"operation", "reason"})

	SubscriptionChargesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_subscription_charges_total",
		Help: "Subscription periods charged",
	})

	SubscriptionSuspensionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_subscription_suspensions_total",
		Help: "Subscriptions suspended for insufficient funds",
	})

	ExpiredRollbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_expired_rollbacks_total",
		Help: "Pending operations refunded by the expiry sweep",
	})

	ReconciliationDriftTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_reconciliation_drift_total",
		Help: "Accounts found outside their reconciliation window",
	})

	InvariantViolationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_invariant_violations_total",
		Help: "Detected conservation violations",
	})

	PendingOperations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_pending_operations",
		Help: "Open holds in the pending operation guard",
	})

	MailboxDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_mailbox_depth",
		Help: "Messages waiting for the engine loop",
	})

	ProcessDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settlement_process_duration_seconds",
		Help:    "Duration of scheduler passes",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	SnapshotSavesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_snapshot_saves_total",
		Help: "Snapshot saves by outcome",
	}, []string{"outcome"})

	SnapshotVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_snapshot_version",
		Help: "Version of the last stored snapshot",
	})
)
