// SPDX-License-Identifier: MIT

// Package dispatch validates trade intents and fans them out across every
// eligible session in parallel, aggregating per-account outcomes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tradewright/copyfleet/internal/catalog"
	"github.com/tradewright/copyfleet/internal/config"
	"github.com/tradewright/copyfleet/internal/driver"
	"github.com/tradewright/copyfleet/internal/log"
	"github.com/tradewright/copyfleet/internal/metrics"
	"github.com/tradewright/copyfleet/internal/order"
	"github.com/tradewright/copyfleet/internal/resilience"
	"github.com/tradewright/copyfleet/internal/session"
	"github.com/tradewright/copyfleet/internal/session/recovery"
)

// Aggregate is the fleet-level verdict of one dispatch.
type Aggregate string

const (
	AggregateSuccess Aggregate = "SUCCESS"
	AggregatePartial Aggregate = "PARTIAL"
	AggregateFailure Aggregate = "FAILURE"
)

var (
	ErrNoEligibleSessions = errors.New("no eligible sessions")
	ErrUnknownAccount     = errors.New("unknown account")
)

// AccountResult is one session's outcome for a dispatched intent.
type AccountResult struct {
	Account     string          `json:"account"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	Phase       order.Phase     `json:"phase,omitempty"`
	Kind        order.ErrorKind `json:"error_kind,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Acked       bool            `json:"acked"`
}

// Result is the aggregate dispatch outcome.
type Result struct {
	IntentID   string          `json:"intent_id"`
	Aggregate  Aggregate       `json:"aggregate"`
	PerAccount []AccountResult `json:"per_account"`
}

// Engine owns fan-out: per-account governors, circuit breakers, and the
// post-dispatch reconciliation worker.
type Engine struct {
	cfg      *config.Config
	registry *session.Registry
	store    *recovery.Store
	catalog  *catalog.Catalog
	logger   zerolog.Logger

	classifier order.Classifier

	mu        sync.Mutex
	breakers  map[string]*resilience.CircuitBreaker
	governors map[string]*driver.Governor

	reconcileWG sync.WaitGroup

	// AlertFn surfaces operator alerts (orphans, critical governors).
	AlertFn func(account, message string)
}

// New builds the dispatch engine.
func New(cfg *config.Config, reg *session.Registry, store *recovery.Store, cat *catalog.Catalog) *Engine {
	e := &Engine{
		cfg:        cfg,
		registry:   reg,
		store:      store,
		catalog:    cat,
		logger:     log.WithComponent("dispatch"),
		classifier: order.NewSubstringClassifier(),
		breakers:   make(map[string]*resilience.CircuitBreaker),
		governors:  make(map[string]*driver.Governor),
	}
	e.AlertFn = func(account, message string) {
		e.logger.Error().
			Str(log.FieldEvent, "operator.alert").
			Str(log.FieldAccount, account).
			Msg(message)
	}
	return e
}

// Governor returns the per-account latency governor, creating it on first use.
func (e *Engine) Governor(account string) *driver.Governor {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.governors[account]
	if !ok {
		g = driver.NewGovernor(account, e.cfg.OperationBudget, e.cfg.GovernorWindow)
		g.AlertFn = func(account string, avg time.Duration) {
			e.AlertFn(account, fmt.Sprintf("driver governor critical: average overhead %s over %s budget",
				avg, e.cfg.OperationBudget))
		}
		e.governors[account] = g
	}
	return g
}

func (e *Engine) breaker(account string) *resilience.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[account]
	if !ok {
		b = resilience.NewCircuitBreaker("dispatch_"+account, 3, 30*time.Second)
		e.breakers[account] = b
	}
	return b
}

func (e *Engine) instruments() *catalog.Catalog {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.catalog
}

// SetCatalog swaps the instrument table. Dispatches already in flight finish
// on the table they resolved against.
func (e *Engine) SetCatalog(c *catalog.Catalog) {
	if c == nil {
		return
	}
	e.mu.Lock()
	e.catalog = c
	e.mu.Unlock()
}

// Instruments snapshots the live instrument table for the operator API.
func (e *Engine) Instruments() []catalog.Instrument {
	return e.instruments().Instruments()
}

// NoteRecovered clears dispatch-side penalty state for an account once the
// health monitor reports its session back at HEALTHY: the circuit breaker
// closes and the governor drops samples measured against the replaced page.
func (e *Engine) NoteRecovered(account string) {
	e.mu.Lock()
	b := e.breakers[account]
	g := e.governors[account]
	e.mu.Unlock()

	if b == nil && g == nil {
		return
	}
	if b != nil {
		b.RecordSuccess()
	}
	if g != nil {
		g.Reset()
	}
	e.logger.Info().
		Str(log.FieldEvent, "dispatch.recovered").
		Str(log.FieldAccount, account).
		Msg("breaker closed and governor reset after recovery")
}

// Dispatch validates the intent and fans it out. A structural validation
// error returns (zero Result, err) and maps to a 400 upstream; everything
// past validation is reported through the Result.
func (e *Engine) Dispatch(ctx context.Context, in *order.Intent, source string) (Result, error) {
	if err := in.Validate(); err != nil {
		metrics.DispatchRejected.WithLabelValues(rejectionLabel(err)).Inc()
		return Result{}, err
	}
	table := e.instruments()
	in.TickSize = table.TickSize(in.Symbol, in.TickSize)
	if b := in.Bracket; b.Enabled() {
		tp, sl := table.BracketTicks(in.Symbol)
		if b.TakeProfit && b.TakeProfitTicks == 0 {
			b.TakeProfitTicks = tp
		}
		if b.StopLoss && b.StopLossTicks == 0 {
			b.StopLossTicks = sl
		}
	}

	targets, err := e.targets(in)
	if err != nil {
		metrics.DispatchTotal.WithLabelValues(string(AggregateFailure), source).Inc()
		return Result{IntentID: in.ID, Aggregate: AggregateFailure}, err
	}
	metrics.DispatchFanout.Observe(float64(len(targets)))

	e.logger.Info().
		Str(log.FieldEvent, "dispatch.fanout").
		Str(log.FieldIntentID, in.ID).
		Str(log.FieldSymbol, in.Symbol).
		Str(log.FieldAction, string(in.Action)).
		Int(log.FieldQuantity, in.Quantity).
		Str(log.FieldOrderKind, string(in.Kind)).
		Int("sessions", len(targets)).
		Msg("dispatching intent")

	results := make([]AccountResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, sess := range targets {
		i, sess := i, sess
		g.Go(func() error {
			results[i] = e.dispatchToSession(gctx, sess, in)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{IntentID: in.ID, Aggregate: aggregate(results), PerAccount: results}
	metrics.DispatchTotal.WithLabelValues(string(res.Aggregate), source).Inc()
	return res, nil
}

// targets resolves the fan-out set. Only state probes may bypass the
// READY ∧ HEALTHY gate.
func (e *Engine) targets(in *order.Intent) ([]*session.Session, error) {
	if in.Account != "" && in.Account != "all" {
		sess, ok := e.registry.Get(in.Account)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAccount, in.Account)
		}
		if !sess.Eligible() && !in.StateProbe {
			return nil, fmt.Errorf("%w: %s is %s/%s", ErrNoEligibleSessions,
				in.Account, sess.Phase(), sess.Health())
		}
		return []*session.Session{sess}, nil
	}

	var targets []*session.Session
	if in.StateProbe {
		for _, sess := range e.registry.Snapshot() {
			if sess.Phase() != session.PhaseRetired {
				targets = append(targets, sess)
			}
		}
	} else {
		targets = e.registry.Eligible()
	}
	if len(targets) == 0 {
		return nil, ErrNoEligibleSessions
	}
	return targets, nil
}

// dispatchToSession runs one intent against one session under the session's
// single-flight lock and its wall deadline.
func (e *Engine) dispatchToSession(ctx context.Context, sess *session.Session, in *order.Intent) AccountResult {
	res := AccountResult{Account: sess.Account}

	br := e.breaker(sess.Account)
	if !br.Allow() {
		res.Kind = order.ErrKindConnectionTimeout
		res.Reason = "circuit breaker open"
		return res
	}
	gov := e.Governor(sess.Account)
	if gov.Mode() == driver.ModeCritical && !in.StateProbe {
		res.Kind = order.ErrKindValidationTimeout
		res.Reason = "driver governor critical, refusing new intents"
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.OperationBudget+e.cfg.DispatchGrace)
	defer cancel()

	sess.Lock()
	defer sess.Unlock()

	ch := sess.Active()
	if ch == nil {
		res.Kind = order.ErrKindConnectionTimeout
		res.Reason = "no active channel"
		br.RecordFailure()
		return res
	}
	d := driver.New(sess.Account, ch, e.classifier, gov, e.cfg.WriteVerifyRetries)

	// Materialize: align the ticket symbol with the intent before submitting.
	if err := e.ensureSymbol(ctx, sess, d, in); err != nil {
		res.Kind = order.ErrKindDOMElementMissing
		res.Reason = err.Error()
		br.RecordFailure()
		return res
	}

	// The dispatcher owns record creation at fan-out: one record per ladder
	// level, a single record otherwise. The same fingerprints tracked here
	// are the ones cleared below.
	subs := []order.Intent{*in}
	if in.ScaleIn != nil && in.ScaleIn.Levels > 1 {
		subs = in.SubIntents()
	}
	records := make([]*order.Record, len(subs))
	fingerprints := make([]string, len(subs))
	for i := range subs {
		records[i] = order.NewRecord(sess.Account, &subs[i])
		fingerprints[i] = records[i].Fingerprint
	}
	res.Fingerprint = fingerprints[0]
	e.trackInFlight(sess, fingerprints, true)

	var (
		out order.Phase
		err error
	)
	switch {
	case len(records) > 1:
		err = d.SubmitScaleIn(ctx, subs, records)
		out = scaleInPhase(records)
	case in.Bracket.Enabled():
		_, err = d.SubmitBracket(ctx, in, records[0])
		out = records[0].Phase()
	default:
		_, err = d.SubmitOrder(ctx, in, records[0])
		out = records[0].Phase()
	}
	e.scheduleReconcile(sess, records)

	e.trackInFlight(sess, fingerprints, false)
	res.Phase = out
	res.Acked = out == order.PhaseAcknowledged || out == order.PhaseFilled
	if err != nil {
		// Bridge-level failure: the breaker counts these, not trading
		// rejections.
		res.Kind = order.ErrKindConnectionTimeout
		res.Reason = err.Error()
		br.RecordFailure()
		return res
	}
	br.RecordSuccess()
	if !res.Acked {
		res.Kind, res.Reason = recordFailure(records[0])
	}
	if out == order.PhaseOrphaned {
		e.AlertFn(sess.Account, "order "+res.Fingerprint+" orphaned: submission produced neither ack nor error")
	}
	return res
}

// ensureSymbol aligns the session's ticket with the intent symbol and
// persists the context change.
func (e *Engine) ensureSymbol(ctx context.Context, sess *session.Session, d *driver.Driver, in *order.Intent) error {
	tc := sess.Context()
	if tc.Symbol == in.Symbol {
		return nil
	}
	if err := d.ChangeSymbol(ctx, in.Symbol); err != nil {
		return fmt.Errorf("symbol change: %w", err)
	}
	updated := sess.MutateContext(func(tc *session.TradingContext) {
		tc.Symbol = in.Symbol
		tc.Quantity = in.Quantity
		tc.TickSize = in.TickSize
	})
	if err := e.store.Save(sess.Account, updated); err != nil {
		e.logger.Warn().Err(err).Str(log.FieldAccount, sess.Account).Msg("context persist failed")
	}
	return nil
}

// trackInFlight records or clears a batch of fingerprints in the persisted
// context. One snapshot write covers the whole batch.
func (e *Engine) trackInFlight(sess *session.Session, fingerprints []string, add bool) {
	updated := sess.MutateContext(func(tc *session.TradingContext) {
		if add {
			tc.InFlight = append(tc.InFlight, fingerprints...)
			return
		}
		drop := make(map[string]struct{}, len(fingerprints))
		for _, fp := range fingerprints {
			drop[fp] = struct{}{}
		}
		kept := tc.InFlight[:0]
		for _, fp := range tc.InFlight {
			if _, gone := drop[fp]; !gone {
				kept = append(kept, fp)
			}
		}
		tc.InFlight = kept
	})
	if err := e.store.Save(sess.Account, updated); err != nil {
		e.logger.Warn().Err(err).Str(log.FieldAccount, sess.Account).Msg("context persist failed")
	}
}

func recordFailure(rec *order.Record) (order.ErrorKind, string) {
	if rec.RejectionKind != "" {
		return rec.RejectionKind, rec.RejectionReason
	}
	if rec.Phase() == order.PhaseOrphaned {
		return order.ErrKindUnknown, "orphaned: no acknowledgement"
	}
	return order.ErrKindUnknown, string(rec.Phase())
}

// scaleInPhase folds the ladder's records into one reportable phase.
func scaleInPhase(records []*order.Record) order.Phase {
	if len(records) == 0 {
		return order.PhaseRejected
	}
	acked := 0
	for _, r := range records {
		if p := r.Phase(); p == order.PhaseAcknowledged || p == order.PhaseFilled {
			acked++
		}
	}
	switch acked {
	case len(records):
		return order.PhaseAcknowledged
	case 0:
		return records[0].Phase()
	default:
		return order.PhasePartial
	}
}

// aggregate folds per-account outcomes: every account acked is SUCCESS, none
// is FAILURE, anything between is PARTIAL. One account's funds rejection
// never blocks the others.
func aggregate(results []AccountResult) Aggregate {
	acked := 0
	for _, r := range results {
		if r.Acked {
			acked++
		}
	}
	switch acked {
	case len(results):
		if len(results) == 0 {
			return AggregateFailure
		}
		return AggregateSuccess
	case 0:
		return AggregateFailure
	default:
		return AggregatePartial
	}
}

func rejectionLabel(err error) string {
	switch {
	case errors.Is(err, order.ErrScaleInDivisibility):
		return "scale_in_divisibility"
	case errors.Is(err, order.ErrScaleInLevels):
		return "scale_in_levels"
	case errors.Is(err, order.ErrMissingSymbol):
		return "missing_symbol"
	case errors.Is(err, order.ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, order.ErrMissingPrice):
		return "missing_price"
	case errors.Is(err, order.ErrInvalidAction), errors.Is(err, order.ErrInvalidKind):
		return "invalid_enum"
	default:
		return "other"
	}
}
