// SPDX-License-Identifier: MIT

package driver

import (
	"sync"
	"time"

	"github.com/tradewright/copyfleet/internal/metrics"
)

// Mode is the governor's validation thoroughness level.
type Mode int

const (
	ModeOptimal Mode = iota
	ModeDegraded
	ModeCritical
)

func (m Mode) String() string {
	switch m {
	case ModeOptimal:
		return "OPTIMAL"
	case ModeDegraded:
		return "DEGRADED"
	case ModeCritical:
		return "CRITICAL"
	}
	return "UNKNOWN"
}

// Governor adapts validation depth to observed operation overhead. It keeps a
// rolling window of the last K driver-measured durations; the running average
// drives the mode. Downgrades and upgrades step one level at a time.
type Governor struct {
	mu sync.Mutex

	account string
	budget  time.Duration // hard per-operation budget
	soft    time.Duration // approach threshold, derived from budget

	window     []time.Duration
	size       int
	next       int
	filled     int
	violations int // violations currently inside the window

	mode Mode

	// AlertFn fires when the governor enters CRITICAL. Optional.
	AlertFn func(account string, avg time.Duration)
}

// NewGovernor builds a governor over a rolling window of k samples.
func NewGovernor(account string, budget time.Duration, k int) *Governor {
	if k <= 0 {
		k = 50
	}
	return &Governor{
		account: account,
		budget:  budget,
		soft:    budget * 7 / 10,
		window:  make([]time.Duration, k),
		size:    k,
	}
}

// Observe records one operation's driver-measured overhead and re-derives
// the mode.
func (g *Governor) Observe(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.filled == g.size {
		if g.window[g.next] > g.budget {
			g.violations--
		}
	} else {
		g.filled++
	}
	g.window[g.next] = d
	g.next = (g.next + 1) % g.size
	if d > g.budget {
		g.violations++
		metrics.GovernorViolations.WithLabelValues(g.account).Inc()
	}

	avg := g.averageLocked()
	target := g.mode
	switch {
	case avg > g.budget:
		target = ModeCritical
	case avg > g.soft:
		target = ModeDegraded
	default:
		target = ModeOptimal
	}

	// One level per observation, both directions.
	prev := g.mode
	if target > g.mode {
		g.mode++
	} else if target < g.mode {
		g.mode--
	}
	metrics.GovernorMode.WithLabelValues(g.account).Set(float64(g.mode))

	if g.mode == ModeCritical && prev != ModeCritical && g.AlertFn != nil {
		g.AlertFn(g.account, avg)
	}
}

// Reset drops the sample window and returns the governor to OPTIMAL, for use
// when the underlying browser session is replaced.
func (g *Governor) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next = 0
	g.filled = 0
	g.violations = 0
	g.mode = ModeOptimal
	metrics.GovernorMode.WithLabelValues(g.account).Set(float64(ModeOptimal))
}

func (g *Governor) averageLocked() time.Duration {
	if g.filled == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < g.filled; i++ {
		sum += g.window[i]
	}
	return sum / time.Duration(g.filled)
}

// Mode returns the current thoroughness level.
func (g *Governor) Mode() Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// Average returns the rolling average overhead.
func (g *Governor) Average() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.averageLocked()
}

// ViolationRate returns the fraction of window samples over the hard budget.
func (g *Governor) ViolationRate() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.filled == 0 {
		return 0
	}
	return float64(g.violations) / float64(g.filled)
}
