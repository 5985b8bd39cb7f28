// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProbeDuration tracks probe latency per layer.
	ProbeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "copyfleet_probe_duration_seconds",
		Help:    "Duration of health probes per layer",
		Buckets: prometheus.ExponentialBuckets(0.001, 2.0, 14), // 1ms to ~8s
	}, []string{"layer"})

	// ProbeFailures counts probe failures by layer.
	ProbeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copyfleet_probe_failures_total",
		Help: "Probe failures per layer",
	}, []string{"layer"})

	// HealthTransitions counts health state transitions per channel.
	HealthTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copyfleet_health_transitions_total",
		Help: "Health state transitions per session channel",
	}, []string{"account", "channel", "to"})

	// FailureClassifications counts classified channel failures.
	FailureClassifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copyfleet_failure_classifications_total",
		Help: "Classified channel failures",
	}, []string{"classification"})

	// Failovers counts primary-to-backup channel failovers.
	Failovers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copyfleet_channel_failovers_total",
		Help: "Primary to backup channel failovers",
	}, []string{"account"})

	// RecoveryAttempts counts recovery ladder invocations by strategy and result.
	RecoveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copyfleet_recovery_attempts_total",
		Help: "Recovery ladder attempts by strategy and result",
	}, []string{"strategy", "result"})
)
