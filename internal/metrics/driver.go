// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DriverOperationDuration tracks driver-measured overhead per operation.
	DriverOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "copyfleet_driver_operation_duration_seconds",
		Help:    "Driver-measured overhead per operation",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2.0, 12), // 0.5ms to ~2s
	}, []string{"operation"})

	// DriverErrors counts driver operation errors by classified kind.
	DriverErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copyfleet_driver_errors_total",
		Help: "Driver operation errors by classified kind",
	}, []string{"kind"})

	// GovernorMode tracks the governor mode per session (0=optimal 1=degraded 2=critical).
	GovernorMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "copyfleet_governor_mode",
		Help: "Driver performance governor mode per session",
	}, []string{"account"})

	// GovernorViolations counts per-operation budget violations.
	GovernorViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copyfleet_governor_violations_total",
		Help: "Operations that exceeded the hard latency budget",
	}, []string{"account"})

	// WriteVerifyRetries counts field write-verify loop retries.
	WriteVerifyRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "copyfleet_write_verify_retries_total",
		Help: "Retries of the field write-verify loop",
	})

	// DriverInjections counts driver script injections by result.
	DriverInjections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copyfleet_driver_injections_total",
		Help: "Driver script injections by result",
	}, []string{"result"})
)
