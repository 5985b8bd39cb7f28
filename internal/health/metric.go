// SPDX-License-Identifier: MIT

// Package health runs the connection health monitor: the probe scheduler,
// the per-channel rolling metrics, failure classification, and the recovery
// ladder. It is the single authority over session health state.
package health

import (
	"time"

	"github.com/tradewright/copyfleet/internal/probe"
)

// Classification names why a channel is unhealthy.
type Classification string

const (
	ClassNetworkDisconnection  Classification = "NETWORK_DISCONNECTION"
	ClassSlowResponse          Classification = "SLOW_RESPONSE"
	ClassAuthenticationExpired Classification = "AUTHENTICATION_EXPIRED"
	ClassDOMUnresponsive       Classification = "DOM_UNRESPONSIVE"
	ClassRuntimeFailure        Classification = "RUNTIME_FAILURE"
	ClassDriverMissing         Classification = "DRIVER_MISSING"
	ClassApplicationStale      Classification = "APPLICATION_STALE"
)

// baseSeverity anchors each classification on the 1..10 scale; the trend
// adjustment moves it at most two points.
var baseSeverity = map[Classification]int{
	ClassNetworkDisconnection:  8,
	ClassAuthenticationExpired: 7,
	ClassRuntimeFailure:        7,
	ClassDOMUnresponsive:       6,
	ClassDriverMissing:         5,
	ClassApplicationStale:      4,
	ClassSlowResponse:          3,
}

// classify maps a failed ladder run to a classification. ladder is the
// failing probe result; flags are meaningful only for the application layer.
func classify(res probe.Result, flags probe.AppFlags) Classification {
	switch res.Layer {
	case probe.LayerTCP, probe.LayerHTTP:
		return ClassNetworkDisconnection
	case probe.LayerRuntime:
		return ClassRuntimeFailure
	case probe.LayerDOM:
		return ClassDOMUnresponsive
	case probe.LayerApplication:
		switch {
		case !flags.Authenticated:
			return ClassAuthenticationExpired
		case !flags.DriverLoaded:
			return ClassDriverMissing
		default:
			return ClassApplicationStale
		}
	}
	return ClassSlowResponse
}

// sample is one completed ladder run for a channel.
type sample struct {
	ok      bool
	latency time.Duration
	at      time.Time
}

const metricWindow = 20

// Metric is the rolling health record of one channel. Not safe for
// concurrent use; the monitor owns each instance from a single goroutine.
type Metric struct {
	window []sample

	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastClassification   Classification
	LastSeverity         int
}

// Record appends a ladder outcome and maintains the streak counters.
func (m *Metric) Record(ok bool, latency time.Duration) {
	m.window = append(m.window, sample{ok: ok, latency: latency, at: time.Now()})
	if len(m.window) > metricWindow {
		m.window = m.window[1:]
	}
	if ok {
		m.ConsecutiveSuccesses++
		m.ConsecutiveFailures = 0
	} else {
		m.ConsecutiveFailures++
		m.ConsecutiveSuccesses = 0
	}
}

// AverageLatency over the window; zero when empty.
func (m *Metric) AverageLatency() time.Duration {
	if len(m.window) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range m.window {
		sum += s.latency
	}
	return sum / time.Duration(len(m.window))
}

// FailureRate over the window.
func (m *Metric) FailureRate() float64 {
	if len(m.window) == 0 {
		return 0
	}
	failed := 0
	for _, s := range m.window {
		if !s.ok {
			failed++
		}
	}
	return float64(failed) / float64(len(m.window))
}

// Severity scores the latest classification 1..10, nudged by the window
// trend: a channel failing more than half its recent checks scores higher,
// a mostly-clean window scores lower.
func (m *Metric) Severity(class Classification) int {
	sev := baseSeverity[class]
	if sev == 0 {
		sev = 5
	}
	switch rate := m.FailureRate(); {
	case rate > 0.5:
		sev += 2
	case rate > 0.25:
		sev++
	case rate < 0.1:
		sev--
	}
	if sev < 1 {
		sev = 1
	}
	if sev > 10 {
		sev = 10
	}
	return sev
}
