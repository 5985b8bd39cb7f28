// SPDX-License-Identifier: MIT

package driver

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradewright/copyfleet/internal/order"
)

// fakePage implements cdp.Evaluator over an in-memory DOM stand-in. It parses
// the driver-call expressions the real channel would evaluate and replays
// canned results, so the state machines can be exercised without a browser.
type fakePage struct {
	mu     sync.Mutex
	fields map[string]string
	calls  []string

	results    map[string]opResult // canned result per entry point
	failFrom   map[string]int      // entry point fails from this 1-based call on
	counts     map[string]int
	deadFields map[string]bool // writes to these selectors never stick
	silentAck  bool
	abiMissing []string
	rows       string

	onCall func(name string)
}

func newFakePage() *fakePage {
	return &fakePage{
		fields:     make(map[string]string),
		results:    make(map[string]opResult),
		failFrom:   make(map[string]int),
		counts:     make(map[string]int),
		deadFields: make(map[string]bool),
	}
}

func (p *fakePage) Eval(_ context.Context, expr string) (json.RawMessage, error) {
	const prefix = "window.__fleetDriver."
	if !strings.HasPrefix(expr, prefix) {
		if strings.Contains(expr, "const d = window.__fleetDriver") {
			b, _ := json.Marshal(p.abiMissing)
			return b, nil
		}
		// driver.js injection itself
		return json.RawMessage(`null`), nil
	}

	rest := expr[len(prefix):]
	open := strings.Index(rest, "(")
	name := rest[:open]
	var args []json.RawMessage
	if raw := rest[open+1 : len(rest)-1]; raw != "" {
		if err := json.Unmarshal([]byte("["+raw+"]"), &args); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	p.calls = append(p.calls, name)
	p.counts[name]++
	n := p.counts[name]
	hook := p.onCall
	p.mu.Unlock()
	if hook != nil {
		hook(name)
	}

	if from, ok := p.failFrom[name]; ok && n >= from {
		return p.marshal(opResult{OK: false, Error: "ORDER_REJECTION", ErrorText: "order was rejected"})
	}
	if res, ok := p.results[name]; ok {
		return p.marshal(res)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch name {
	case "writeField":
		var sel, val string
		_ = json.Unmarshal(args[0], &sel)
		_ = json.Unmarshal(args[1], &val)
		if !p.deadFields[sel] {
			p.fields[sel] = val
		}
		return p.marshal(opResult{OK: true, OverheadMS: 1})
	case "readField":
		var sel string
		_ = json.Unmarshal(args[0], &sel)
		return p.marshal(opResult{OK: true, Value: p.fields[sel], OverheadMS: 1})
	case "postValidate":
		ack := !p.silentAck
		return p.marshal(opResult{OK: true, Acknowledged: &ack, OverheadMS: 1})
	case "changeTicketSymbol":
		var sym string
		_ = json.Unmarshal(args[0], &sym)
		p.fields["ticket"] = sym
		return p.marshal(opResult{OK: true, Value: sym})
	case "readTicketSymbol":
		return p.marshal(opResult{OK: true, Value: p.fields["ticket"]})
	case "readAnalyzerSymbol":
		return p.marshal(opResult{OK: true, Value: p.fields["analyzer"]})
	case "scrapeAccounts":
		return p.marshal(opResult{OK: true, Rows: json.RawMessage(p.rows)})
	case "cancelWorkingOrders":
		return p.marshal(opResult{OK: true, Value: "1"})
	default:
		return p.marshal(opResult{OK: true, OverheadMS: 1})
	}
}

func (p *fakePage) marshal(r opResult) (json.RawMessage, error) {
	return json.Marshal(r)
}

func (p *fakePage) callNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakePage) called(name string) bool {
	for _, c := range p.callNames() {
		if c == name {
			return true
		}
	}
	return false
}

func limitIntent() order.Intent {
	return order.Intent{
		ID:       "intent-1",
		Action:   order.ActionBuy,
		Symbol:   "NQZ5",
		Quantity: 2,
		Kind:     order.KindLimit,
		Price:    20000,
		TickSize: 0.25,
	}
}

func newTestDriver(page *fakePage) *Driver {
	return New("acct-1", page, nil, nil, 3)
}

func TestSubmitOrderHappyPath(t *testing.T) {
	page := newFakePage()
	d := newTestDriver(page)

	in := limitIntent()
	rec := order.NewRecord("acct-1", &in)

	out, err := d.SubmitOrder(context.Background(), &in, rec)
	require.NoError(t, err)
	assert.True(t, out.Acked)
	assert.Equal(t, order.PhaseAcknowledged, rec.Phase())

	// The machine visits every state in lattice order.
	var visited []string
	for _, n := range page.callNames() {
		switch n {
		case "preValidate", "selectOrderType", "openTypeDropdown", "pickTypeOption", "clickSubmit", "postValidate":
			visited = append(visited, n)
		}
	}
	assert.Equal(t, []string{
		"preValidate", "selectOrderType", "openTypeDropdown", "pickTypeOption", "clickSubmit", "postValidate",
	}, visited)

	assert.Equal(t, "2", page.fields[selQty])
	assert.Equal(t, "20000", page.fields[selPrice])
}

func TestSubmitOrderMarketSkipsPriceField(t *testing.T) {
	page := newFakePage()
	d := newTestDriver(page)

	in := limitIntent()
	in.Kind = order.KindMarket
	in.Price = 0
	rec := order.NewRecord("acct-1", &in)

	out, err := d.SubmitOrder(context.Background(), &in, rec)
	require.NoError(t, err)
	assert.True(t, out.Acked)
	_, priceWritten := page.fields[selPrice]
	assert.False(t, priceWritten, "market intents must not program the price field")
}

func TestSubmitOrderRejectionClassified(t *testing.T) {
	page := newFakePage()
	page.results["preValidate"] = opResult{
		OK: false, Error: "ORDER_REJECTION", ErrorText: "Insufficient Funds for this order",
	}
	d := newTestDriver(page)

	in := limitIntent()
	rec := order.NewRecord("acct-1", &in)

	out, err := d.SubmitOrder(context.Background(), &in, rec)
	require.NoError(t, err, "trading-level failures are outcomes, not errors")
	assert.False(t, out.Acked)
	assert.Equal(t, order.ErrKindInsufficientFunds, out.Kind)
	assert.Equal(t, order.PhaseRejected, rec.Phase())
	assert.Equal(t, order.ErrKindInsufficientFunds, rec.RejectionKind)
	assert.False(t, page.called("clickSubmit"), "a rejected pre-validation never reaches submit")
}

func TestSubmitOrderSilentAckOrphans(t *testing.T) {
	page := newFakePage()
	page.silentAck = true
	d := newTestDriver(page)

	in := limitIntent()
	rec := order.NewRecord("acct-1", &in)

	out, err := d.SubmitOrder(context.Background(), &in, rec)
	require.NoError(t, err)
	assert.False(t, out.Acked, "no acknowledgement is never a success")
	assert.Equal(t, order.PhaseOrphaned, rec.Phase())
	assert.Contains(t, out.Reason, "orphaned")
}

func TestWriteVerifyRetriesThenSucceeds(t *testing.T) {
	page := newFakePage()
	// First read of the quantity field returns a stale value; the loop
	// rewrites and succeeds on the second pass.
	stale := true
	page.onCall = func(name string) {
		if name == "readField" && stale {
			stale = false
			page.mu.Lock()
			page.fields[selQty] = "0"
			page.mu.Unlock()
		}
	}
	d := newTestDriver(page)

	in := limitIntent()
	rec := order.NewRecord("acct-1", &in)

	out, err := d.SubmitOrder(context.Background(), &in, rec)
	require.NoError(t, err)
	assert.True(t, out.Acked)
	assert.Equal(t, "2", page.fields[selQty])
}

func TestWriteVerifyExhaustionFails(t *testing.T) {
	page := newFakePage()
	page.deadFields[selQty] = true
	d := New("acct-1", page, nil, nil, 2)

	in := limitIntent()
	rec := order.NewRecord("acct-1", &in)

	out, err := d.SubmitOrder(context.Background(), &in, rec)
	require.NoError(t, err)
	assert.Equal(t, order.ErrKindValidationTimeout, out.Kind)
	assert.Equal(t, order.PhaseRejected, rec.Phase())
	assert.False(t, page.called("clickSubmit"))
}

func TestCancellationClosesDropdownAndNeverSubmits(t *testing.T) {
	page := newFakePage()
	ctx, cancel := context.WithCancel(context.Background())
	page.onCall = func(name string) {
		if name == "openTypeDropdown" {
			cancel()
		}
	}
	d := newTestDriver(page)

	in := limitIntent()
	rec := order.NewRecord("acct-1", &in)

	out, err := d.SubmitOrder(ctx, &in, rec)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.False(t, out.Acked)
	assert.True(t, page.called("closeTypeDropdown"), "open dropdown must be cleaned up on cancel")
	assert.False(t, page.called("clickSubmit"), "cancellation must never press submit")
}

func TestCriticalModeSkipsCosmeticStates(t *testing.T) {
	page := newFakePage()
	gov := NewGovernor("acct-1", time.Millisecond, 4)
	gov.Observe(10 * time.Millisecond)
	gov.Observe(10 * time.Millisecond)
	require.Equal(t, ModeCritical, gov.Mode())

	d := New("acct-1", page, nil, gov, 3)
	in := limitIntent()
	rec := order.NewRecord("acct-1", &in)

	out, err := d.SubmitOrder(context.Background(), &in, rec)
	require.NoError(t, err)
	assert.True(t, out.Acked)
	assert.False(t, page.called("selectOrderType"))
	assert.False(t, page.called("openTypeDropdown"))
	assert.False(t, page.called("pickTypeOption"))
	assert.True(t, page.called("clickSubmit"))
	assert.True(t, page.called("postValidate"))
}

func ladderFor(t *testing.T, in *order.Intent) ([]order.Intent, []*order.Record) {
	t.Helper()
	require.NoError(t, in.Validate())
	subs := in.SubIntents()
	records := make([]*order.Record, len(subs))
	for i := range subs {
		records[i] = order.NewRecord("acct-1", &subs[i])
	}
	return subs, records
}

func TestSubmitScaleIn(t *testing.T) {
	page := newFakePage()
	d := newTestDriver(page)

	in := limitIntent()
	in.Quantity = 6
	in.ScaleIn = &order.ScaleIn{Levels: 3, SpacingTicks: 4}
	subs, records := ladderFor(t, &in)

	require.NoError(t, d.SubmitScaleIn(context.Background(), subs, records))
	for _, rec := range records {
		assert.Equal(t, order.PhaseAcknowledged, rec.Phase())
	}
	// The last level wrote the deepest price: 20000 - 2*4*0.25.
	assert.Equal(t, "19998", page.fields[selPrice])
}

func TestSubmitScaleInStopsAtFailedLevel(t *testing.T) {
	page := newFakePage()
	page.failFrom["preValidate"] = 2
	d := newTestDriver(page)

	in := limitIntent()
	in.Quantity = 6
	in.ScaleIn = &order.ScaleIn{Levels: 3, SpacingTicks: 4}
	subs, records := ladderFor(t, &in)

	require.NoError(t, d.SubmitScaleIn(context.Background(), subs, records))
	assert.Equal(t, order.PhaseAcknowledged, records[0].Phase())
	assert.Equal(t, order.PhaseRejected, records[1].Phase())
	assert.Equal(t, order.PhasePreValidated, records[2].Phase(), "a failed level stops the ladder")
}

func TestSubmitBracketTearsDownOnChildFailure(t *testing.T) {
	page := newFakePage()
	// Parent pre-validates fine; the first child's pre-validation fails.
	page.failFrom["preValidate"] = 2
	d := newTestDriver(page)

	in := limitIntent()
	in.Bracket = &order.Bracket{TakeProfit: true, TakeProfitTicks: 100, StopLoss: true, StopLossTicks: 40}
	parent := order.NewRecord("acct-1", &in)

	res, err := d.SubmitBracket(context.Background(), &in, parent)
	require.NoError(t, err)
	assert.True(t, res.Parent.Acked)
	require.Len(t, res.Children, 1)
	assert.Equal(t, order.PhaseRejected, res.Children[0].Phase())

	assert.Equal(t, order.PhasePartial, parent.Phase(), "a torn bracket is PARTIAL, never a silent success")
	assert.True(t, page.called("cancelWorkingOrders"), "submitted legs get a best-effort cancel")
}

func TestSubmitBracketChildPrices(t *testing.T) {
	page := newFakePage()
	d := newTestDriver(page)

	in := limitIntent() // BUY @ 20000, tick 0.25
	in.Bracket = &order.Bracket{TakeProfit: true, TakeProfitTicks: 100, StopLoss: true, StopLossTicks: 40}
	parent := order.NewRecord("acct-1", &in)

	res, err := d.SubmitBracket(context.Background(), &in, parent)
	require.NoError(t, err)
	require.Len(t, res.Children, 2)
	assert.Len(t, parent.Children, 2)

	// Last write was the stop child: 20000 - 40*0.25.
	assert.Equal(t, "19990", page.fields[selPrice])
}

func TestSubmitBracketSingleLeg(t *testing.T) {
	page := newFakePage()
	d := newTestDriver(page)

	in := limitIntent() // BUY @ 20000, tick 0.25
	in.Bracket = &order.Bracket{StopLoss: true, StopLossTicks: 40}
	parent := order.NewRecord("acct-1", &in)

	res, err := d.SubmitBracket(context.Background(), &in, parent)
	require.NoError(t, err)
	require.Len(t, res.Children, 1, "only the enabled leg is submitted")
	assert.Equal(t, order.PhaseAcknowledged, parent.Phase())

	// The lone child is the stop: 20000 - 40*0.25.
	assert.Equal(t, "19990", page.fields[selPrice])
}

func TestChangeSymbolDetectsAnalyzerDrift(t *testing.T) {
	page := newFakePage()
	page.fields["analyzer"] = "NQZ5"
	page.onCall = func(name string) {
		if name == "changeTicketSymbol" {
			page.mu.Lock()
			page.fields["analyzer"] = "ESH26"
			page.mu.Unlock()
		}
	}
	d := newTestDriver(page)

	err := d.ChangeSymbol(context.Background(), "ESH26")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drifted")
}

func TestReadTicket(t *testing.T) {
	page := newFakePage()
	page.fields["ticket"] = "NQZ5"
	page.fields[selQty] = "3"
	d := newTestDriver(page)

	symbol, qty, err := d.ReadTicket(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "NQZ5", symbol)
	assert.Equal(t, 3, qty)
}

func TestScrapeAccounts(t *testing.T) {
	page := newFakePage()
	page.rows = `[{"account":"acct-1","balance":"50000.00","openPnl":"-12.50","positions":"1","fills":"2"}]`
	d := newTestDriver(page)

	rows, err := d.ScrapeAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "acct-1", rows[0].Account)
	assert.Equal(t, "2", rows[0].Fills)
}

func TestAccountOps(t *testing.T) {
	page := newFakePage()
	d := newTestDriver(page)
	ctx := context.Background()

	require.NoError(t, d.SwitchAccount(ctx, "acct-2"))
	require.NoError(t, d.ExitPosition(ctx, "NQZ5", "market"))

	n, err := d.CancelWorkingOrders(ctx, "NQZ5")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, d.ArmSimulator(ctx, SimulatorOptions{SilentAck: true}))
	assert.True(t, page.called("armSimulator"))

	page.results["switchAccount"] = opResult{OK: false, ErrorText: "no such account"}
	err = d.SwitchAccount(ctx, "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such account")
}

func TestInjectVerifiesABI(t *testing.T) {
	t.Run("complete abi", func(t *testing.T) {
		page := newFakePage()
		assert.NoError(t, Inject(context.Background(), page))
	})

	t.Run("missing entry point", func(t *testing.T) {
		page := newFakePage()
		page.abiMissing = []string{"clickSubmit"}
		err := Inject(context.Background(), page)
		require.ErrorIs(t, err, ErrDriverMissing)
		assert.Contains(t, err.Error(), "clickSubmit")
	})
}

func TestTrimFloat(t *testing.T) {
	assert.Equal(t, "20000", trimFloat(20000))
	assert.Equal(t, "0.25", trimFloat(0.25))
	assert.Equal(t, "19999.5", trimFloat(19999.5))
}
