// SPDX-License-Identifier: MIT

// Package probe implements the layered health checks: TCP reachability,
// debug-endpoint HTTP, script-exec round-trip, DOM readiness and application
// state. Probes are stateless and carry independent deadlines; retry policy
// belongs to the health monitor, not here.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/tradewright/copyfleet/internal/cdp"
	"github.com/tradewright/copyfleet/internal/metrics"
)

// Layer identifies one rung of the probe ladder.
type Layer string

const (
	LayerTCP         Layer = "tcp"
	LayerHTTP        Layer = "http"
	LayerRuntime     Layer = "runtime"
	LayerDOM         Layer = "dom"
	LayerApplication Layer = "application"
)

// Result is the outcome of a single probe.
type Result struct {
	Layer   Layer
	OK      bool
	Latency time.Duration
	Detail  string
}

// AppFlags is the application-state interrogation result.
type AppFlags struct {
	Authenticated    bool `json:"authenticated"`
	TradingInterface bool `json:"tradingInterface"`
	MarketData       bool `json:"marketData"`
	DriverLoaded     bool `json:"driverLoaded"`
}

const defaultDeadline = 5 * time.Second

func observe(layer Layer, ok bool, latency time.Duration) {
	metrics.ProbeDuration.WithLabelValues(string(layer)).Observe(latency.Seconds())
	if !ok {
		metrics.ProbeFailures.WithLabelValues(string(layer)).Inc()
	}
}

// TCP performs a connect-then-close reachability check against the port.
func TCP(ctx context.Context, port int) Result {
	start := time.Now()
	d := net.Dialer{Timeout: defaultDeadline}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	latency := time.Since(start)
	if err != nil {
		observe(LayerTCP, false, latency)
		return Result{Layer: LayerTCP, Latency: latency, Detail: err.Error()}
	}
	_ = conn.Close()
	observe(LayerTCP, true, latency)
	return Result{Layer: LayerTCP, OK: true, Latency: latency}
}

// HTTP fetches the debug tab listing; OK iff it parses to a nonempty list.
func HTTP(ctx context.Context, port int) Result {
	ctx, cancel := context.WithTimeout(ctx, defaultDeadline)
	defer cancel()

	start := time.Now()
	tabs, err := cdp.ListTabs(ctx, port)
	latency := time.Since(start)
	if err != nil {
		observe(LayerHTTP, false, latency)
		return Result{Layer: LayerHTTP, Latency: latency, Detail: err.Error()}
	}
	observe(LayerHTTP, true, latency)
	return Result{Layer: LayerHTTP, OK: true, Latency: latency, Detail: fmt.Sprintf("%d tabs", len(tabs))}
}

// runtimeToken is the constant round-trip expression and its expected value.
const (
	runtimeExpr  = `(6*7).toString()`
	runtimeToken = `"42"`
)

// Runtime evaluates a constant expression on the live tab and verifies the
// returned value. This is the tightest reliability signal and the latency
// source the monitor uses for liveness.
func Runtime(ctx context.Context, ev cdp.Evaluator) Result {
	ctx, cancel := context.WithTimeout(ctx, defaultDeadline)
	defer cancel()

	start := time.Now()
	raw, err := ev.Eval(ctx, runtimeExpr)
	latency := time.Since(start)
	if err != nil {
		observe(LayerRuntime, false, latency)
		return Result{Layer: LayerRuntime, Latency: latency, Detail: err.Error()}
	}
	if strings.TrimSpace(string(raw)) != runtimeToken {
		observe(LayerRuntime, false, latency)
		return Result{Layer: LayerRuntime, Latency: latency, Detail: fmt.Sprintf("unexpected value %s", raw)}
	}
	observe(LayerRuntime, true, latency)
	return Result{Layer: LayerRuntime, OK: true, Latency: latency}
}

// domReadyExpr checks document completeness, body presence and at least one
// visible application element.
const domReadyExpr = `(() => {
  if (document.readyState !== 'complete') return 'loading';
  if (!document.body) return 'no-body';
  const el = document.querySelector('.trading-panel, .order-ticket, .platform-root');
  if (!el) return 'no-app-element';
  const r = el.getBoundingClientRect();
  if (r.width === 0 && r.height === 0) return 'app-element-hidden';
  return 'ready';
})()`

// DOM evaluates the page readiness predicate.
func DOM(ctx context.Context, ev cdp.Evaluator) Result {
	ctx, cancel := context.WithTimeout(ctx, defaultDeadline)
	defer cancel()

	start := time.Now()
	raw, err := ev.Eval(ctx, domReadyExpr)
	latency := time.Since(start)
	if err != nil {
		observe(LayerDOM, false, latency)
		return Result{Layer: LayerDOM, Latency: latency, Detail: err.Error()}
	}
	var state string
	if err := json.Unmarshal(raw, &state); err != nil {
		observe(LayerDOM, false, latency)
		return Result{Layer: LayerDOM, Latency: latency, Detail: fmt.Sprintf("unparseable readiness %s", raw)}
	}
	ok := state == "ready"
	observe(LayerDOM, ok, latency)
	return Result{Layer: LayerDOM, OK: ok, Latency: latency, Detail: state}
}

// appStateExpr interrogates application health. Authenticated derives from
// the absence of the login form; driver presence from the published names.
const appStateExpr = `(() => ({
  authenticated: !document.querySelector('form.login, #login-form, input[name="password"]'),
  tradingInterface: !!document.querySelector('.order-ticket, .trading-panel'),
  marketData: !!document.querySelector('.market-analyzer .price, .quote-board'),
  driverLoaded: !!(window.__fleetDriver && typeof window.__fleetDriver.preValidate === 'function')
}))()`

// Application returns the application-state flags.
func Application(ctx context.Context, ev cdp.Evaluator) (Result, AppFlags) {
	ctx, cancel := context.WithTimeout(ctx, defaultDeadline)
	defer cancel()

	start := time.Now()
	raw, err := ev.Eval(ctx, appStateExpr)
	latency := time.Since(start)
	if err != nil {
		observe(LayerApplication, false, latency)
		return Result{Layer: LayerApplication, Latency: latency, Detail: err.Error()}, AppFlags{}
	}
	var flags AppFlags
	if err := json.Unmarshal(raw, &flags); err != nil {
		observe(LayerApplication, false, latency)
		return Result{Layer: LayerApplication, Latency: latency, Detail: fmt.Sprintf("unparseable flags %s", raw)}, AppFlags{}
	}
	// The probe itself succeeds when the page answered; the monitor judges
	// the flags.
	observe(LayerApplication, true, latency)
	return Result{Layer: LayerApplication, OK: true, Latency: latency}, flags
}
