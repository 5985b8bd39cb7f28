// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/tradewright/copyfleet/internal/cdp"
	"github.com/tradewright/copyfleet/internal/config"
	"github.com/tradewright/copyfleet/internal/driver"
	"github.com/tradewright/copyfleet/internal/log"
	"github.com/tradewright/copyfleet/internal/metrics"
	"github.com/tradewright/copyfleet/internal/probe"
	"github.com/tradewright/copyfleet/internal/session"
	"github.com/tradewright/copyfleet/internal/session/recovery"
)

// Recoverer is the supervisor surface the recovery ladder escalates through.
type Recoverer interface {
	ResetBridge(ctx context.Context, account string) error
	Reauthenticate(ctx context.Context, account string) error
	RequestRestart(account, reason string) bool
	Alive(sess *session.Session) bool
}

// Monitor schedules the probe ladder over the fleet and owns every health
// state change. Nothing else may call Session.SetHealth.
type Monitor struct {
	cfg      *config.Config
	registry *session.Registry
	rec      Recoverer
	store    *recovery.Store
	logger   zerolog.Logger

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	mu         sync.Mutex
	channels   map[string]*Metric // "<account>/<channel>"
	recovering map[string]bool

	// OnEligible fires when a session's health returns to HEALTHY, so the
	// dispatcher can resume routing to it.
	OnEligible func(account string)
}

// New builds a monitor over the registry. The store supplies the persisted
// trading context when a failover target must be re-seeded.
func New(cfg *config.Config, reg *session.Registry, rec Recoverer, store *recovery.Store) *Monitor {
	return &Monitor{
		cfg:      cfg,
		registry: reg,
		rec:      rec,
		store:    store,
		logger:   log.WithComponent("health"),
		sem:      semaphore.NewWeighted(int64(cfg.ProbeParallelism)),
		// Pace probe starts so a big fleet does not thundering-herd the
		// browsers at every tick.
		limiter:    rate.NewLimiter(rate.Limit(cfg.ProbeParallelism*4), cfg.ProbeParallelism),
		channels:   make(map[string]*Metric),
		recovering: make(map[string]bool),
	}
}

// Run drives the check loop until the context ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep checks every active session, primaries first, then backups.
func (m *Monitor) sweep(ctx context.Context) {
	sessions := m.registry.Snapshot()

	var wg sync.WaitGroup
	run := func(sess *session.Session, channel string, ev *cdp.Channel) {
		if ev == nil {
			return
		}
		if err := m.limiter.Wait(ctx); err != nil {
			return
		}
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer m.sem.Release(1)
			m.check(ctx, sess, channel, ev)
		}()
	}

	for _, sess := range sessions {
		if skipPhase(sess.Phase()) {
			continue
		}
		run(sess, "primary", sess.Primary())
	}
	wg.Wait()
	for _, sess := range sessions {
		if skipPhase(sess.Phase()) {
			continue
		}
		run(sess, "backup", sess.Backup())
	}
	wg.Wait()
}

// skipPhase excludes sessions that are not up yet or are gone for good.
func skipPhase(p session.LifecyclePhase) bool {
	switch p {
	case session.PhaseInitial, session.PhaseLaunching, session.PhaseConnecting,
		session.PhaseLoading, session.PhaseAuthenticating, session.PhaseRetired:
		return true
	}
	return false
}

// ladderOutcome is one full run of the probe ladder against a channel.
type ladderOutcome struct {
	ok       bool
	slow     bool // failed purely on latency, every layer answered
	failing  probe.Result
	flags    probe.AppFlags
	response time.Duration // runtime round-trip, the liveness latency source
}

// ladder walks TCP → HTTP → Runtime → DOM → Application, stopping at the
// first failure. Application flags that signal a broken page downgrade an
// otherwise answering channel to a failure.
func (m *Monitor) ladder(ctx context.Context, port int, ev cdp.Evaluator) ladderOutcome {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	if res := probe.TCP(ctx, port); !res.OK {
		return ladderOutcome{failing: res}
	}
	if res := probe.HTTP(ctx, port); !res.OK {
		return ladderOutcome{failing: res}
	}
	rt := probe.Runtime(ctx, ev)
	if !rt.OK {
		return ladderOutcome{failing: rt, response: rt.Latency}
	}
	if res := probe.DOM(ctx, ev); !res.OK {
		return ladderOutcome{failing: res, response: rt.Latency}
	}
	app, flags := probe.Application(ctx, ev)
	if !app.OK {
		return ladderOutcome{failing: app, flags: flags, response: rt.Latency}
	}
	if !flags.Authenticated || !flags.TradingInterface || !flags.DriverLoaded {
		return ladderOutcome{failing: app, flags: flags, response: rt.Latency}
	}
	// A technically-live channel that answers too slowly counts as failed.
	if rt.Latency > m.cfg.FailedResponse {
		slow := rt
		slow.OK = false
		slow.Detail = "runtime round-trip exceeded the failure bound"
		return ladderOutcome{slow: true, failing: slow, flags: flags, response: rt.Latency}
	}
	return ladderOutcome{ok: true, flags: flags, response: rt.Latency}
}

// check runs the ladder against one channel and applies the state rules.
func (m *Monitor) check(ctx context.Context, sess *session.Session, channel string, ev *cdp.Channel) {
	out := m.ladder(ctx, sess.Port, ev)

	key := sess.Account + "/" + channel
	m.mu.Lock()
	metric, ok := m.channels[key]
	if !ok {
		metric = &Metric{}
		m.channels[key] = metric
	}
	metric.Record(out.ok, out.response)

	var class Classification
	severity := 0
	if !out.ok {
		class = classify(out.failing, out.flags)
		if out.slow {
			class = ClassSlowResponse
		}
		severity = metric.Severity(class)
		metric.LastClassification = class
		metric.LastSeverity = severity
	}
	next := m.nextState(sess.Health(), metric, out)
	m.mu.Unlock()

	if !out.ok {
		metrics.FailureClassifications.WithLabelValues(string(class)).Inc()
		m.logger.Warn().
			Str(log.FieldEvent, "health.check_failed").
			Str(log.FieldAccount, sess.Account).
			Str(log.FieldChannel, channel).
			Str(log.FieldProbeLayer, string(out.failing.Layer)).
			Str("classification", string(class)).
			Int(log.FieldSeverity, severity).
			Str("detail", out.failing.Detail).
			Msg("probe ladder failed")
	}

	// Only the primary channel speaks for the session.
	if channel != "primary" {
		metrics.SetSessionHealth(sess.Account, channel, next.Ordinal())
		return
	}
	m.applyState(ctx, sess, next, class)
}

// nextState applies the threshold rules to the streaks. Caller holds m.mu.
func (m *Monitor) nextState(current session.HealthState, metric *Metric, out ladderOutcome) session.HealthState {
	if !out.ok {
		if metric.ConsecutiveFailures >= m.cfg.FailureThreshold {
			return session.HealthFailed
		}
		return session.HealthDegraded
	}
	if out.response > m.cfg.DegradedResponse {
		return session.HealthDegraded
	}
	switch current {
	case session.HealthHealthy:
		return session.HealthHealthy
	default:
		// Recovery needs a streak, one clean check is not enough.
		if metric.ConsecutiveSuccesses >= m.cfg.RecoveryThreshold {
			return session.HealthHealthy
		}
		if current == session.HealthUnknown {
			return session.HealthRecovering
		}
		return current
	}
}

// applyState commits the verdict and drives transitions and recovery.
func (m *Monitor) applyState(ctx context.Context, sess *session.Session, next session.HealthState, class Classification) {
	prev := sess.Health()
	if prev != next {
		metrics.HealthTransitions.WithLabelValues(sess.Account, "primary", string(next)).Inc()
		m.logger.Info().
			Str(log.FieldEvent, "health.transition").
			Str(log.FieldAccount, sess.Account).
			Str(log.FieldOldHealth, string(prev)).
			Str(log.FieldNewHealth, string(next)).
			Msg("health state changed")
	}
	sess.SetHealth(next)

	if prev != session.HealthHealthy && next == session.HealthHealthy && m.OnEligible != nil {
		m.OnEligible(sess.Account)
	}

	if next == session.HealthFailed {
		m.mu.Lock()
		busy := m.recovering[sess.Account]
		if !busy {
			m.recovering[sess.Account] = true
		}
		m.mu.Unlock()
		if !busy {
			go m.recover(ctx, sess, class)
		}
	}
}

// recover escalates through the ladder: bridge reset, driver re-injection,
// re-authentication, channel failover, supervisor restart. Each rung is
// verified with a probe before declaring victory.
func (m *Monitor) recover(ctx context.Context, sess *session.Session, class Classification) {
	defer func() {
		m.mu.Lock()
		delete(m.recovering, sess.Account)
		m.mu.Unlock()
	}()

	sess.SetHealth(session.HealthRecovering)
	logger := m.logger.With().Str(log.FieldAccount, sess.Account).Logger()

	// A dead browser process makes every lighter rung pointless.
	if !m.rec.Alive(sess) {
		metrics.RecoveryAttempts.WithLabelValues("restart", "requested").Inc()
		m.rec.RequestRestart(sess.Account, "process_dead")
		return
	}

	type rung struct {
		name   string
		apply  func(context.Context) error
		verify func(context.Context) bool
	}
	verifyRuntime := func(ctx context.Context) bool {
		ch := sess.Active()
		return ch != nil && probe.Runtime(ctx, ch).OK
	}
	verifyDriver := func(ctx context.Context) bool {
		ch := sess.Active()
		if ch == nil {
			return false
		}
		res, flags := probe.Application(ctx, ch)
		return res.OK && flags.DriverLoaded
	}
	verifyAuth := func(ctx context.Context) bool {
		ch := sess.Active()
		if ch == nil {
			return false
		}
		res, flags := probe.Application(ctx, ch)
		return res.OK && flags.Authenticated && flags.DriverLoaded
	}

	rungs := []rung{
		{"bridge_reset", func(ctx context.Context) error {
			return m.rec.ResetBridge(ctx, sess.Account)
		}, verifyRuntime},
		{"driver_reinject", func(ctx context.Context) error {
			ch := sess.Active()
			if ch == nil {
				return cdp.ErrChannelClosed
			}
			return driver.Inject(ctx, ch)
		}, verifyDriver},
		{"reauthenticate", func(ctx context.Context) error {
			return m.rec.Reauthenticate(ctx, sess.Account)
		}, verifyAuth},
		{"failover", func(ctx context.Context) error {
			demoted := sess.Primary()
			if !sess.Failover() {
				return cdp.ErrChannelClosed
			}
			m.syncAfterFailover(ctx, sess, demoted)
			return nil
		}, verifyRuntime},
	}

	for _, r := range rungs {
		if ctx.Err() != nil {
			return
		}
		rungCtx, cancel := context.WithTimeout(ctx, m.cfg.StartupPhaseBudget)
		err := r.apply(rungCtx)
		verified := err == nil && r.verify(rungCtx)
		cancel()

		result := "failed"
		if verified {
			result = "ok"
		}
		metrics.RecoveryAttempts.WithLabelValues(r.name, result).Inc()
		logger.Info().
			Str(log.FieldEvent, "health.recovery_rung").
			Str("strategy", r.name).
			Str("result", result).
			Msg("recovery rung attempted")
		if verified {
			// Health returns to HEALTHY only through the success streak;
			// the next sweeps confirm the repair.
			m.mu.Lock()
			if metric := m.channels[sess.Account+"/primary"]; metric != nil {
				metric.ConsecutiveFailures = 0
			}
			m.mu.Unlock()
			return
		}
	}

	metrics.RecoveryAttempts.WithLabelValues("restart", "requested").Inc()
	m.rec.RequestRestart(sess.Account, "recovery_exhausted")
}

// syncAfterFailover carries the trading context onto the channel that just
// became active. The demoted channel is asked for its last ticket state
// first; when it no longer answers, the persisted snapshot is the source of
// truth.
func (m *Monitor) syncAfterFailover(ctx context.Context, sess *session.Session, demoted *cdp.Channel) {
	logger := m.logger.With().Str(log.FieldAccount, sess.Account).Logger()

	// Ticket reads and writes obey the single-flight rule like any other
	// session operation.
	sess.Lock()
	defer sess.Unlock()

	tc := sess.Context()
	synced := false
	if demoted != nil {
		readCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		d := driver.New(sess.Account, demoted, nil, nil, m.cfg.WriteVerifyRetries)
		symbol, qty, err := d.ReadTicket(readCtx)
		cancel()
		if err == nil && symbol != "" {
			tc.Symbol = symbol
			if qty > 0 {
				tc.Quantity = qty
			}
			synced = true
		}
	}
	if !synced {
		if stored, err := m.store.Load(sess.Account); err == nil {
			tc = stored
		}
	}

	active := sess.Active()
	if active == nil {
		return
	}
	applyCtx, cancel := context.WithTimeout(ctx, m.cfg.StartupPhaseBudget)
	defer cancel()
	d := driver.New(sess.Account, active, nil, nil, m.cfg.WriteVerifyRetries)
	if err := d.SwitchAccount(applyCtx, sess.Account); err != nil {
		logger.Warn().Err(err).Msg("account switch on failover target failed")
	}
	if err := d.RestoreTicket(applyCtx, tc.Symbol, tc.Quantity); err != nil {
		logger.Warn().Err(err).Msg("ticket sync on failover target failed")
		return
	}
	sess.SetContext(tc)
	if err := m.store.Save(sess.Account, tc); err != nil {
		logger.Warn().Err(err).Msg("context persist failed")
	}
	logger.Info().
		Str(log.FieldEvent, "health.failover_synced").
		Str(log.FieldSymbol, tc.Symbol).
		Int("quantity", tc.Quantity).
		Msg("trading context carried onto failover channel")
}
