// SPDX-License-Identifier: MIT

// Package driver owns the in-page agent: the embedded script, its published
// ABI, and the deterministic operation state machines that drive it through
// the script-evaluation bridge.
package driver

import (
	"context"
	"encoding/json"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/tradewright/copyfleet/internal/cdp"
	"github.com/tradewright/copyfleet/internal/metrics"
)

//go:embed driver.js
var driverScript string

// abiNames is the versioned driver ABI: every published entry point the
// out-of-process side depends on. Verified after each injection; a missing
// name means the driver is absent and must be re-injected before use.
var abiNames = []string{
	"preValidate",
	"selectOrderType",
	"openTypeDropdown",
	"closeTypeDropdown",
	"pickTypeOption",
	"writeField",
	"readField",
	"clickSubmit",
	"postValidate",
	"changeTicketSymbol",
	"readTicketSymbol",
	"readAnalyzerSymbol",
	"switchAccount",
	"scrapeAccounts",
	"exitPosition",
	"cancelWorkingOrders",
	"armSimulator",
}

var ErrDriverMissing = errors.New("in-page driver missing")

// Inject evaluates the driver script in the page and verifies the ABI.
// Injection is idempotent: the script refuses to overwrite a live driver of
// the same version.
func Inject(ctx context.Context, ev cdp.Evaluator) error {
	if _, err := ev.Eval(ctx, driverScript); err != nil {
		metrics.DriverInjections.WithLabelValues("error").Inc()
		return fmt.Errorf("inject driver: %w", err)
	}
	if err := VerifyABI(ctx, ev); err != nil {
		metrics.DriverInjections.WithLabelValues("abi_mismatch").Inc()
		return err
	}
	metrics.DriverInjections.WithLabelValues("ok").Inc()
	return nil
}

// VerifyABI checks that every published entry point is present and callable.
func VerifyABI(ctx context.Context, ev cdp.Evaluator) error {
	expr := fmt.Sprintf(`(() => {
  const d = window.__fleetDriver;
  if (!d) return ['__namespace'];
  const missing = [];
  for (const name of %s) {
    if (typeof d[name] !== 'function') missing.push(name);
  }
  return missing;
})()`, jsStringArray(abiNames))

	raw, err := ev.Eval(ctx, expr)
	if err != nil {
		return fmt.Errorf("verify driver abi: %w", err)
	}
	var missing []string
	if err := json.Unmarshal(raw, &missing); err != nil {
		return fmt.Errorf("verify driver abi: parse: %w", err)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrDriverMissing, strings.Join(missing, ", "))
	}
	return nil
}

func jsStringArray(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = fmt.Sprintf("%q", n)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}
