// SPDX-License-Identifier: MIT

// Package metrics defines the Prometheus instrumentation for the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionPhase tracks the lifecycle phase of each session (one series per
	// account, value is a phase ordinal so dashboards can graph transitions).
	SessionPhase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "copyfleet_session_phase",
		Help: "Current lifecycle phase ordinal per session",
	}, []string{"account"})

	// SessionHealth tracks the health state of each session channel.
	SessionHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "copyfleet_session_health",
		Help: "Current health state ordinal per session channel",
	}, []string{"account", "channel"})

	// SessionRestarts counts browser restarts per session.
	SessionRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copyfleet_session_restarts_total",
		Help: "Total browser process restarts per session",
	}, []string{"account", "reason"})

	// SessionRetired counts sessions that exhausted their restart budget.
	SessionRetired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "copyfleet_session_retired_total",
		Help: "Total sessions retired after exhausting the restart budget",
	})

	// SessionStartupDuration tracks time from LAUNCHING to READY.
	SessionStartupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "copyfleet_session_startup_duration_seconds",
		Help:    "Time for a session to reach READY from launch",
		Buckets: prometheus.ExponentialBuckets(0.5, 2.0, 10), // 0.5s to ~256s
	}, []string{"account"})

	// SessionProcessRSS tracks resident memory of each browser process.
	SessionProcessRSS = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "copyfleet_session_process_rss_bytes",
		Help: "Resident set size of the session browser process",
	}, []string{"account"})
)

// SetSessionPhase records the phase ordinal for an account.
func SetSessionPhase(account string, ordinal int) {
	SessionPhase.WithLabelValues(account).Set(float64(ordinal))
}

// SetSessionHealth records the health ordinal for an account channel.
func SetSessionHealth(account, channel string, ordinal int) {
	SessionHealth.WithLabelValues(account, channel).Set(float64(ordinal))
}
