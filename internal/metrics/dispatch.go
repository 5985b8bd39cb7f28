// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatchTotal counts dispatched intents by aggregate outcome.
	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copyfleet_dispatch_total",
		Help: "Total dispatched intents by aggregate outcome",
	}, []string{"outcome", "source"})

	// DispatchRejected counts intents rejected before fan-out.
	DispatchRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copyfleet_dispatch_rejected_total",
		Help: "Intents rejected by structural validation before fan-out",
	}, []string{"reason"})

	// DispatchFanout tracks the eligible-set size per dispatch.
	DispatchFanout = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "copyfleet_dispatch_fanout_sessions",
		Help:    "Number of eligible sessions per dispatched intent",
		Buckets: prometheus.LinearBuckets(0, 1, 16),
	})

	// OrderPhaseTransitions counts order record phase transitions.
	OrderPhaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copyfleet_order_phase_transitions_total",
		Help: "Order record phase transitions",
	}, []string{"phase"})

	// OrdersOrphaned counts submissions that produced neither ack nor error.
	OrdersOrphaned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "copyfleet_orders_orphaned_total",
		Help: "Orders submitted without acknowledgement within the budget",
	})

	// ReconciliationMatches counts post-hoc fills discovered by the scraper.
	ReconciliationMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copyfleet_reconciliation_total",
		Help: "Reconciliation outcomes for non-terminal order records",
	}, []string{"result"})
)
