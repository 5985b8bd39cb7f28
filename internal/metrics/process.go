// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	procTerminate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copyfleet_proc_terminate_total",
		Help: "Process group termination signals by signal and result",
	}, []string{"signal", "result"})

	procWait = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copyfleet_proc_wait_total",
		Help: "Process wait outcomes after termination",
	}, []string{"result"})

	// CircuitBreakerState tracks breaker state per component (0=closed 1=half-open 2=open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "copyfleet_circuit_breaker_state",
		Help: "Circuit breaker state per component",
	}, []string{"component"})
)

// IncProcTerminate records a termination signal attempt.
func IncProcTerminate(signal, result string) {
	procTerminate.WithLabelValues(signal, result).Inc()
}

// IncProcWait records a process wait outcome.
func IncProcWait(result string) {
	procWait.WithLabelValues(result).Inc()
}

// SetCircuitBreakerState records the breaker state ordinal for a component.
func SetCircuitBreakerState(component, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	CircuitBreakerState.WithLabelValues(component).Set(v)
}
