// SPDX-License-Identifier: MIT

package driver

import (
	"context"
	"strconv"
	"time"

	"github.com/tradewright/copyfleet/internal/order"
)

// BracketResult reports a bracket composition: the parent plus both children.
type BracketResult struct {
	Parent   Outcome
	Children []*order.Record
}

// SubmitBracket composes the entry plus one child per enabled protection
// leg: a take-profit limit and/or a stop-loss stop, all sharing the parent
// record's fingerprint lineage. A child failure triggers a best-effort
// cancel of the already-submitted legs and surfaces PARTIAL on the parent.
func (d *Driver) SubmitBracket(ctx context.Context, in *order.Intent, parent *order.Record) (BracketResult, error) {
	res := BracketResult{}

	out, err := d.SubmitOrder(ctx, in, parent)
	res.Parent = out
	if err != nil || !out.Acked {
		return res, err
	}

	entry, ok := d.entryPrice(ctx, in)
	if !ok {
		d.abandonBracket(ctx, in, parent, "entry price unavailable for bracket children")
		return res, nil
	}

	tick := in.TickSize
	exitAction := order.ActionSell
	sign := 1.0
	if in.Action == order.ActionSell {
		exitAction = order.ActionBuy
		sign = -1.0
	}

	var children []order.Intent
	if in.Bracket.TakeProfit {
		children = append(children, order.Intent{
			ID: in.ID, Action: exitAction, Symbol: in.Symbol, Quantity: in.Quantity,
			Kind: order.KindLimit, TickSize: tick,
			Price: entry + sign*float64(in.Bracket.TakeProfitTicks)*tick,
		})
	}
	if in.Bracket.StopLoss {
		children = append(children, order.Intent{
			ID: in.ID, Action: exitAction, Symbol: in.Symbol, Quantity: in.Quantity,
			Kind: order.KindStop, TickSize: tick,
			Price: entry - sign*float64(in.Bracket.StopLossTicks)*tick,
		})
	}

	for i := range children {
		childRec := order.NewRecord(d.Account, &children[i])
		parent.Children = append(parent.Children, childRec.Fingerprint)
		res.Children = append(res.Children, childRec)

		childOut, err := d.SubmitOrder(ctx, &children[i], childRec)
		if err != nil || !childOut.Acked {
			d.abandonBracket(ctx, in, parent, "bracket child failed: "+childOut.Reason)
			return res, err
		}
	}
	return res, nil
}

// abandonBracket cancels submitted legs best-effort and marks the parent
// PARTIAL. The safe outcome for a torn bracket is PARTIAL, never a silent
// success.
func (d *Driver) abandonBracket(ctx context.Context, in *order.Intent, parent *order.Record, reason string) {
	cancelCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := call(cancelCtx, d.Ev, 2*time.Second, "cancelWorkingOrders", in.Symbol); err != nil {
		d.logger.Warn().Err(err).Str("event", "driver.bracket_cancel_failed").Msg("best-effort leg cancel failed")
	}
	if err := parent.Advance(order.PhasePartial, reason); err != nil {
		d.logger.Error().Err(err).Msg("parent already terminal while tearing down bracket")
	}
}

// entryPrice resolves the reference price for bracket children: the intent's
// explicit price, else the ticket's pre-filled price field.
func (d *Driver) entryPrice(ctx context.Context, in *order.Intent) (float64, bool) {
	if in.Price > 0 {
		return in.Price, true
	}
	res, err := call(ctx, d.Ev, 500*time.Millisecond, "readField", selPrice)
	if err != nil || !res.OK {
		return 0, false
	}
	f, err := strconv.ParseFloat(res.Value, 64)
	if err != nil || f <= 0 {
		return 0, false
	}
	return f, true
}

// SubmitScaleIn walks a pre-materialized ladder level by level, one record
// per sub-intent. The dispatcher owns record creation and divisibility;
// records[i] tracks subs[i].
func (d *Driver) SubmitScaleIn(ctx context.Context, subs []order.Intent, records []*order.Record) error {
	for i := range subs {
		rec := records[i]

		var err error
		if subs[i].Bracket.Enabled() {
			_, err = d.SubmitBracket(ctx, &subs[i], rec)
		} else {
			_, err = d.SubmitOrder(ctx, &subs[i], rec)
		}
		if err != nil {
			return err
		}
		if p := rec.Phase(); p.IsTerminal() && p != order.PhaseFilled {
			// A failed level stops the ladder; submitted levels stand.
			return nil
		}
	}
	return nil
}
