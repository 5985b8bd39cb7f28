// SPDX-License-Identifier: MIT

package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradewright/copyfleet/internal/cdp"
	"github.com/tradewright/copyfleet/internal/log"
	"github.com/tradewright/copyfleet/internal/metrics"
	"github.com/tradewright/copyfleet/internal/order"
)

// selectors the Go side needs to address directly. They must stay in sync
// with the SEL table inside driver.js.
const (
	selQty    = ".order-ticket input.qty-input"
	selPrice  = ".order-ticket input.price-input"
	selTicket = ".order-ticket input.symbol-input"
)

// state names of the submission machine, in lattice order.
const (
	statePreValidate  = "PRE_VALIDATE"
	stateSelectType   = "SELECT_TYPE"
	stateOpenDropdown = "OPEN_DROPDOWN"
	statePickOption   = "PICK_OPTION"
	stateWritePrice   = "WRITE_PRICE"
	stateVerifyPrice  = "VERIFY_PRICE"
	stateSubmit       = "SUBMIT"
	statePostValidate = "POST_VALIDATE"
)

// stateDeadlines bounds each state's wall-clock time. Their sum is the
// per-operation wall budget the dispatcher grants (budget + grace).
var stateDeadlines = map[string]time.Duration{
	statePreValidate:  500 * time.Millisecond,
	stateSelectType:   250 * time.Millisecond,
	stateOpenDropdown: 250 * time.Millisecond,
	statePickOption:   250 * time.Millisecond,
	stateWritePrice:   750 * time.Millisecond,
	stateVerifyPrice:  250 * time.Millisecond,
	stateSubmit:       1500 * time.Millisecond,
	statePostValidate: 1500 * time.Millisecond,
}

var (
	ErrCancelled    = errors.New("operation cancelled")
	ErrWriteVerify  = errors.New("write-verify loop exhausted")
	ErrStateTimeout = errors.New("state deadline exceeded")
)

// Outcome reports one driver operation back to the dispatcher.
type Outcome struct {
	Kind     order.ErrorKind
	Reason   string
	Overhead time.Duration // driver-measured overhead, governor input
	Acked    bool
}

// Driver executes trading operations inside one session through its channel.
type Driver struct {
	Account    string
	Ev         cdp.Evaluator
	Classifier order.Classifier
	Governor   *Governor

	// WriteRetries bounds the write-verify loop.
	WriteRetries int

	logger zerolog.Logger
}

// New wires a driver for a session channel.
func New(account string, ev cdp.Evaluator, classifier order.Classifier, gov *Governor, writeRetries int) *Driver {
	if classifier == nil {
		classifier = order.NewSubstringClassifier()
	}
	if writeRetries <= 0 {
		writeRetries = 3
	}
	return &Driver{
		Account:      account,
		Ev:           ev,
		Classifier:   classifier,
		Governor:     gov,
		WriteRetries: writeRetries,
		logger:       log.WithComponent("driver").With().Str(log.FieldAccount, account).Logger(),
	}
}

// submission tracks one run through the machine.
type submission struct {
	intent   *order.Intent
	rec      *order.Record
	overhead time.Duration
	opened   bool // a dropdown is open and needs cleanup on cancel
}

// SubmitOrder drives a single intent through the submission state machine,
// advancing the record's phases as it goes. Bridge-level failures return an
// error; trading-level failures close the record and return a nil error with
// the outcome describing the classification.
func (d *Driver) SubmitOrder(ctx context.Context, in *order.Intent, rec *order.Record) (Outcome, error) {
	start := time.Now()
	sub := &submission{intent: in, rec: rec}

	out, err := d.run(ctx, sub)
	out.Overhead = sub.overhead

	if d.Governor != nil {
		d.Governor.Observe(sub.overhead)
	}
	metrics.DriverOperationDuration.WithLabelValues("submitOrder").Observe(time.Since(start).Seconds())
	if out.Kind != "" && out.Kind != order.ErrKindUnknown {
		metrics.DriverErrors.WithLabelValues(string(out.Kind)).Inc()
	}
	return out, err
}

func (d *Driver) run(ctx context.Context, sub *submission) (Outcome, error) {
	type step struct {
		name string
		fn   func(context.Context, *submission) (*Outcome, error)
	}
	mode := ModeOptimal
	if d.Governor != nil {
		mode = d.Governor.Mode()
	}

	steps := []step{
		{statePreValidate, d.stepPreValidate},
		{stateSelectType, d.stepSelectType},
		{stateOpenDropdown, d.stepOpenDropdown},
		{statePickOption, d.stepPickOption},
		{stateWritePrice, d.stepWriteFields},
		{stateVerifyPrice, d.stepVerifyPrice},
		{stateSubmit, d.stepSubmit},
		{statePostValidate, d.stepPostValidate},
	}
	// CRITICAL keeps only the essentials: validate, write, submit, validate.
	if mode == ModeCritical {
		steps = []step{
			{statePreValidate, d.stepPreValidate},
			{stateWritePrice, d.stepWriteFields},
			{stateSubmit, d.stepSubmit},
			{statePostValidate, d.stepPostValidate},
		}
	}

	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			d.cleanup(sub)
			return Outcome{Kind: order.ErrKindConnectionTimeout, Reason: "cancelled before " + st.name}, ErrCancelled
		}
		done, err := st.fn(ctx, sub)
		if err != nil {
			d.cleanup(sub)
			return Outcome{Kind: order.ErrKindConnectionTimeout, Reason: err.Error()}, err
		}
		if done != nil {
			return *done, nil
		}
	}
	// DONE: acknowledged submission.
	return Outcome{Acked: true}, nil
}

// cleanup runs best-effort teardown at a cancellation boundary: close any
// open dropdown, never press submit.
func (d *Driver) cleanup(sub *submission) {
	if !sub.opened {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	if _, err := call(ctx, d.Ev, 250*time.Millisecond, "closeTypeDropdown"); err != nil {
		d.logger.Debug().Err(err).Msg("dropdown cleanup failed")
	}
	sub.opened = false
}

// fail closes the record with a classification and returns the terminal outcome.
func (d *Driver) fail(sub *submission, res *opResult, state string) (*Outcome, error) {
	kind := res.kind(d.Classifier)
	reason := res.ErrorText
	if reason == "" {
		reason = string(kind)
	}
	if err := sub.rec.Reject(kind, reason); err != nil {
		d.logger.Error().Err(err).Str("state", state).Msg("record rejection failed")
	}
	d.logger.Warn().
		Str("event", "driver.submit_failed").
		Str("state", state).
		Str("kind", string(kind)).
		Str("reason", reason).
		Msg("order submission failed")
	return &Outcome{Kind: kind, Reason: reason}, nil
}

func (d *Driver) stepPreValidate(ctx context.Context, sub *submission) (*Outcome, error) {
	res, err := call(ctx, d.Ev, stateDeadlines[statePreValidate], "preValidate", sub.intent)
	if err != nil {
		return nil, err
	}
	sub.overhead += res.overhead()
	if !res.OK {
		return d.fail(sub, res, statePreValidate)
	}
	return nil, nil
}

func (d *Driver) stepSelectType(ctx context.Context, sub *submission) (*Outcome, error) {
	res, err := call(ctx, d.Ev, stateDeadlines[stateSelectType], "selectOrderType")
	if err != nil {
		return nil, err
	}
	sub.overhead += res.overhead()
	if !res.OK {
		return d.fail(sub, res, stateSelectType)
	}
	return nil, nil
}

func (d *Driver) stepOpenDropdown(ctx context.Context, sub *submission) (*Outcome, error) {
	res, err := call(ctx, d.Ev, stateDeadlines[stateOpenDropdown], "openTypeDropdown")
	if err != nil {
		return nil, err
	}
	sub.overhead += res.overhead()
	if !res.OK {
		return d.fail(sub, res, stateOpenDropdown)
	}
	sub.opened = true
	return nil, nil
}

func (d *Driver) stepPickOption(ctx context.Context, sub *submission) (*Outcome, error) {
	res, err := call(ctx, d.Ev, stateDeadlines[statePickOption], "pickTypeOption", string(sub.intent.Kind))
	if err != nil {
		return nil, err
	}
	sub.overhead += res.overhead()
	sub.opened = false // picking closes the dropdown
	if !res.OK {
		return d.fail(sub, res, statePickOption)
	}
	return nil, nil
}

// stepWriteFields programs quantity and, for priced intents, the price field
// using the write-verify loop.
func (d *Driver) stepWriteFields(ctx context.Context, sub *submission) (*Outcome, error) {
	if out, err := d.writeVerify(ctx, sub, selQty, fmt.Sprintf("%d", sub.intent.Quantity)); out != nil || err != nil {
		return out, err
	}
	if sub.intent.Kind != order.KindMarket {
		if out, err := d.writeVerify(ctx, sub, selPrice, trimFloat(sub.intent.Price)); out != nil || err != nil {
			return out, err
		}
	}
	return nil, nil
}

// stepVerifyPrice re-reads the price field; skipped for MARKET intents.
func (d *Driver) stepVerifyPrice(ctx context.Context, sub *submission) (*Outcome, error) {
	if sub.intent.Kind == order.KindMarket {
		return nil, nil
	}
	res, err := call(ctx, d.Ev, stateDeadlines[stateVerifyPrice], "readField", selPrice)
	if err != nil {
		return nil, err
	}
	sub.overhead += res.overhead()
	if !res.OK {
		return d.fail(sub, res, stateVerifyPrice)
	}
	if res.Value != trimFloat(sub.intent.Price) {
		mismatch := &opResult{
			Error:     "VALIDATION_TIMEOUT",
			ErrorText: fmt.Sprintf("price read-back %q != %q", res.Value, trimFloat(sub.intent.Price)),
		}
		return d.fail(sub, mismatch, stateVerifyPrice)
	}
	return nil, nil
}

func (d *Driver) stepSubmit(ctx context.Context, sub *submission) (*Outcome, error) {
	res, err := call(ctx, d.Ev, stateDeadlines[stateSubmit], "clickSubmit", stateDeadlines[stateSubmit].Milliseconds()-100)
	if err != nil {
		return nil, err
	}
	sub.overhead += res.overhead()
	if !res.OK {
		return d.fail(sub, res, stateSubmit)
	}
	if err := sub.rec.Advance(order.PhaseSubmitted, ""); err != nil {
		return nil, err
	}
	return nil, nil
}

func (d *Driver) stepPostValidate(ctx context.Context, sub *submission) (*Outcome, error) {
	deepScan := true
	if d.Governor != nil && d.Governor.Mode() != ModeOptimal {
		deepScan = false
	}
	res, err := call(ctx, d.Ev, stateDeadlines[statePostValidate], "postValidate",
		stateDeadlines[statePostValidate].Milliseconds()-100, deepScan)
	if err != nil {
		return nil, err
	}
	sub.overhead += res.overhead()
	if !res.OK {
		return d.fail(sub, res, statePostValidate)
	}
	if res.Acknowledged == nil || !*res.Acknowledged {
		// A successful-looking click without an acknowledgment is an orphan,
		// never a success: the silent-failure invariant.
		if err := sub.rec.Advance(order.PhaseOrphaned, "no acknowledgement within budget"); err != nil {
			return nil, err
		}
		d.logger.Error().
			Str("event", "driver.orphaned").
			Str(log.FieldFingerprint, sub.rec.Fingerprint).
			Msg("submission produced neither ack nor error within the budget")
		return &Outcome{Kind: order.ErrKindUnknown, Reason: "orphaned: no acknowledgement"}, nil
	}
	if err := sub.rec.Advance(order.PhaseAcknowledged, ""); err != nil {
		return nil, err
	}
	return nil, nil
}

// writeVerify programs a field and reads it back, retrying with a small
// backoff. The final mismatch fails the state.
func (d *Driver) writeVerify(ctx context.Context, sub *submission, selector, value string) (*Outcome, error) {
	deadline := stateDeadlines[stateWritePrice]
	for attempt := 0; attempt <= d.WriteRetries; attempt++ {
		res, err := call(ctx, d.Ev, deadline, "writeField", selector, value)
		if err != nil {
			return nil, err
		}
		sub.overhead += res.overhead()
		if !res.OK {
			return d.fail(sub, res, stateWritePrice)
		}

		read, err := call(ctx, d.Ev, deadline, "readField", selector)
		if err != nil {
			return nil, err
		}
		sub.overhead += read.overhead()
		if read.OK && read.Value == value {
			return nil, nil
		}
		metrics.WriteVerifyRetries.Inc()
		select {
		case <-ctx.Done():
			return nil, ErrCancelled
		case <-time.After(time.Duration(attempt+1) * 20 * time.Millisecond):
		}
	}
	mismatch := &opResult{
		Error:     "VALIDATION_TIMEOUT",
		ErrorText: fmt.Sprintf("%v: field %s never reflected %q", ErrWriteVerify, selector, value),
	}
	return d.fail(sub, mismatch, stateWritePrice)
}

func trimFloat(f float64) string {
	s := fmt.Sprintf("%.6f", f)
	for len(s) > 0 && s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	if len(s) > 0 && s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}
	return s
}
