// SPDX-License-Identifier: MIT

package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const opDeadline = 2 * time.Second

// ChangeSymbol programs the order-ticket symbol input and verifies the
// read-back. The market-analyzer input is snapshotted before and after:
// silently updating the analyzer would desynchronize trading from
// observation, so any drift fails the operation.
func (d *Driver) ChangeSymbol(ctx context.Context, symbol string) error {
	before, err := call(ctx, d.Ev, opDeadline, "readAnalyzerSymbol")
	if err != nil {
		return err
	}

	res, err := call(ctx, d.Ev, opDeadline, "changeTicketSymbol", symbol)
	if err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("change symbol: %s", res.ErrorText)
	}
	if res.Value != symbol {
		return fmt.Errorf("change symbol: ticket read-back %q != %q", res.Value, symbol)
	}

	after, err := call(ctx, d.Ev, opDeadline, "readAnalyzerSymbol")
	if err != nil {
		return err
	}
	if before.OK && after.OK && before.Value != after.Value {
		return fmt.Errorf("change symbol: market-analyzer input drifted from %q to %q", before.Value, after.Value)
	}
	return nil
}

// SwitchAccount selects the account by label and verifies the selection took
// effect with the dropdown closed.
func (d *Driver) SwitchAccount(ctx context.Context, label string) error {
	res, err := call(ctx, d.Ev, opDeadline, "switchAccount", label)
	if err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("switch account %q: %s", label, res.ErrorText)
	}
	return nil
}

// AccountRow is one scraped row of the account table.
type AccountRow struct {
	Account   string `json:"account"`
	Balance   string `json:"balance"`
	OpenPnl   string `json:"openPnl"`
	Positions string `json:"positions"`
	Fills     string `json:"fills"`
}

// ScrapeAccounts returns a structured snapshot of the account table.
func (d *Driver) ScrapeAccounts(ctx context.Context) ([]AccountRow, error) {
	res, err := call(ctx, d.Ev, opDeadline, "scrapeAccounts")
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, fmt.Errorf("scrape accounts: %s", res.ErrorText)
	}
	var rows []AccountRow
	if err := json.Unmarshal(res.Rows, &rows); err != nil {
		return nil, fmt.Errorf("scrape accounts: parse rows: %w", err)
	}
	return rows, nil
}

// ExitPosition confirms the exit UI action for the given symbol.
func (d *Driver) ExitPosition(ctx context.Context, symbol, option string) error {
	res, err := call(ctx, d.Ev, opDeadline, "exitPosition", symbol, option)
	if err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("exit position %q: %s", symbol, res.ErrorText)
	}
	return nil
}

// CancelWorkingOrders cancels pending orders for the symbol, best-effort.
func (d *Driver) CancelWorkingOrders(ctx context.Context, symbol string) (int, error) {
	res, err := call(ctx, d.Ev, opDeadline, "cancelWorkingOrders", symbol)
	if err != nil {
		return 0, err
	}
	var n int
	fmt.Sscanf(res.Value, "%d", &n)
	return n, nil
}

// SimulatorOptions arms the in-page error simulator. Test-only hooks.
type SimulatorOptions struct {
	SilentAck   bool    `json:"silentAck"`
	FundsBanner bool    `json:"fundsBanner"`
	SlowMS      float64 `json:"slowMs"`
	FailWrite   bool    `json:"failWrite"`
}

// ArmSimulator configures induced failure modes inside the page.
func (d *Driver) ArmSimulator(ctx context.Context, opts SimulatorOptions) error {
	res, err := call(ctx, d.Ev, opDeadline, "armSimulator", opts)
	if err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("arm simulator failed")
	}
	return nil
}

// ReadTicket reads the symbol and quantity currently programmed into the
// order ticket, lifting state off a channel before it is demoted.
func (d *Driver) ReadTicket(ctx context.Context) (string, int, error) {
	sym, err := call(ctx, d.Ev, opDeadline, "readTicketSymbol")
	if err != nil {
		return "", 0, err
	}
	if !sym.OK {
		return "", 0, fmt.Errorf("read ticket symbol: %s", sym.ErrorText)
	}
	symbol := strings.TrimSpace(sym.Value)

	qty, err := call(ctx, d.Ev, opDeadline, "readField", selQty)
	if err != nil {
		return symbol, 0, err
	}
	n := 0
	if qty.OK {
		if parsed, err := strconv.Atoi(strings.TrimSpace(qty.Value)); err == nil {
			n = parsed
		}
	}
	return symbol, n, nil
}

// RestoreTicket programs symbol and quantity back into the order ticket,
// used after a restart to restore the preserved trading context.
func (d *Driver) RestoreTicket(ctx context.Context, symbol string, quantity int) error {
	if symbol != "" {
		if err := d.ChangeSymbol(ctx, symbol); err != nil {
			return err
		}
	}
	if quantity > 0 {
		res, err := call(ctx, d.Ev, opDeadline, "writeField", selQty, fmt.Sprintf("%d", quantity))
		if err != nil {
			return err
		}
		if !res.OK {
			return fmt.Errorf("restore quantity: %s", res.ErrorText)
		}
	}
	return nil
}
