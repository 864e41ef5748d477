// Package metrics holds the Prometheus collectors of the exchange core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counter: orders accepted at placement
	OrdersPlacedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_orders_placed_total",
			Help: "Total number of orders accepted at placement",
		},
		[]string{"side"},
	)

	// Counter: orders rejected at placement, by error kind
	OrdersRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_orders_rejected_total",
			Help: "Total number of orders rejected at placement",
		},
		[]string{"reason"},
	)

	OrdersCancelledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "exchange_orders_cancelled_total",
			Help: "Total number of orders cancelled by their owner",
		},
	)

	// Counter: committed matches (one per Transaction row)
	MatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_matches_total",
			Help: "Total number of committed matches",
		},
		[]string{"coin"},
	)

	// Counter: aborted match iterations, by error kind
	MatchFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_match_failures_total",
			Help: "Total number of match iterations rolled back",
		},
		[]string{"reason"},
	)

	// Counter: resting orders passed over because their owner could not
	// cover the settlement
	CounterpartiesSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "exchange_counterparties_skipped_total",
			Help: "Total number of counterparties skipped for insufficient funds",
		},
	)

	// Histogram: time one new-order signal spends in the matching loop
	MatchLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "exchange_match_latency_seconds",
			Help:    "Time spent matching one aggressor order",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
	)

	// Counter: ledger operations, by operation and result
	LedgerOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_ledger_operations_total",
			Help: "Total number of deposits, withdrawals and transfers",
		},
		[]string{"op", "result"},
	)

	// Counter: live-update messages, by type and outcome
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_notifications_total",
			Help: "Live-update messages queued or dropped",
		},
		[]string{"type", "outcome"},
	)

	// Gauge: open WebSocket connections
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "exchange_ws_connections",
			Help: "Currently open WebSocket connections",
		},
	)

	// Counter: new-order signals received by the intake
	SignalsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_signals_received_total",
			Help: "New-order signals received from the event bus",
		},
		[]string{"outcome"},
	)
)
