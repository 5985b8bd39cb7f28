// SPDX-License-Identifier: MIT

// Package supervisor owns the browser fleet: it launches one process per
// credential, walks each session through the startup lattice to READY, keeps
// it authenticated, and restarts crashed sessions under a bounded backoff
// policy. The reserved bootstrap listener on port 9222 is never launched or
// killed here.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
	gops "github.com/shirou/gopsutil/v3/process"

	"github.com/tradewright/copyfleet/internal/cdp"
	"github.com/tradewright/copyfleet/internal/config"
	"github.com/tradewright/copyfleet/internal/creds"
	"github.com/tradewright/copyfleet/internal/driver"
	"github.com/tradewright/copyfleet/internal/log"
	"github.com/tradewright/copyfleet/internal/metrics"
	"github.com/tradewright/copyfleet/internal/session"
	"github.com/tradewright/copyfleet/internal/session/recovery"
)

// Restart reasons, used as metric labels.
const (
	reasonShutdown    = "shutdown"
	reasonProcessExit = "process_exit"
	reasonAuthLost    = "auth_lost"
	reasonStartup     = "startup_failure"
)

var ErrNoEligibleSessions = errors.New("no session reached READY")

// Supervisor runs one goroutine per session and serializes restart decisions
// per account.
type Supervisor struct {
	cfg      *config.Config
	registry *session.Registry
	ports    *session.PortAllocator
	store    *recovery.Store
	logger   zerolog.Logger

	mu       sync.Mutex
	restarts map[string]chan string
	creds    map[string]creds.Credential

	wg sync.WaitGroup

	// AlertFn surfaces operator alerts (retirement, orphan suspicion).
	// Defaults to an error-level log entry.
	AlertFn func(account, message string)
}

// New wires a supervisor over the shared registry, port pool and recovery store.
func New(cfg *config.Config, reg *session.Registry, ports *session.PortAllocator, store *recovery.Store) *Supervisor {
	s := &Supervisor{
		cfg:      cfg,
		registry: reg,
		ports:    ports,
		store:    store,
		logger:   log.WithComponent("supervisor"),
		restarts: make(map[string]chan string),
		creds:    make(map[string]creds.Credential),
	}
	s.AlertFn = func(account, message string) {
		s.logger.Error().
			Str(log.FieldEvent, "operator.alert").
			Str(log.FieldAccount, account).
			Msg(message)
	}
	return s
}

// StartFleet allocates ports, registers one session per credential and starts
// their lifecycle goroutines. It returns immediately; Wait blocks until all
// sessions are torn down.
func (s *Supervisor) StartFleet(ctx context.Context, credentials []creds.Credential) error {
	for _, cred := range credentials {
		if err := s.addSession(ctx, cred); err != nil {
			return err
		}
	}
	return nil
}

// Reload starts sessions for credentials added since startup. Existing
// sessions are left alone; removal requires a daemon restart.
func (s *Supervisor) Reload(ctx context.Context, credentials []creds.Credential) (int, error) {
	added := 0
	for _, cred := range credentials {
		if _, exists := s.registry.Get(cred.Label); exists {
			continue
		}
		if err := s.addSession(ctx, cred); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

func (s *Supervisor) addSession(ctx context.Context, cred creds.Credential) error {
	port, err := s.ports.Acquire(cred.Label)
	if err != nil {
		return fmt.Errorf("allocate port for %s: %w", cred.Label, err)
	}
	sess := session.NewSession(cred.Label, cred.Identity, port, port+s.cfg.BackupPortShift)
	if err := s.registry.Register(sess); err != nil {
		s.ports.Release(port)
		return fmt.Errorf("register %s: %w", cred.Label, err)
	}

	s.mu.Lock()
	s.restarts[cred.Label] = make(chan string, 1)
	s.creds[cred.Label] = cred
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runSession(ctx, sess, cred)
	return nil
}

// Wait blocks until every session goroutine has exited.
func (s *Supervisor) Wait() { s.wg.Wait() }

// RequestRestart asks the session's lifecycle goroutine to restart the
// browser. Used by the health monitor's last recovery rung. Returns false for
// unknown accounts or when a restart is already pending.
func (s *Supervisor) RequestRestart(account, reason string) bool {
	s.mu.Lock()
	ch, ok := s.restarts[account]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- reason:
		return true
	default:
		return false
	}
}

// Alive is the cheap local liveness assertion: the browser pid still exists.
// The monitor consults it before escalating to an expensive restart.
func (s *Supervisor) Alive(sess *session.Session) bool {
	pid := sess.GetPID()
	if pid <= 0 {
		return false
	}
	exists, err := gops.PidExists(int32(pid))
	return err == nil && exists
}

// runSession is the per-account lifecycle loop: start, supervise, and on
// crash restart with exponential backoff until the budget is spent.
func (s *Supervisor) runSession(ctx context.Context, sess *session.Session, cred creds.Credential) {
	defer s.wg.Done()

	for {
		startedAt := time.Now()
		cmd, err := s.startOnce(ctx, sess, cred)

		reason := reasonStartup
		if err == nil {
			metrics.SessionStartupDuration.WithLabelValues(sess.Account).Observe(time.Since(startedAt).Seconds())
			reason = s.supervise(ctx, sess, cmd, cred)
		} else if ctx.Err() == nil {
			s.logger.Error().Err(err).
				Str(log.FieldAccount, sess.Account).
				Msg("session startup failed")
		}

		if reason == reasonShutdown || ctx.Err() != nil {
			s.teardown(sess)
			return
		}

		if sess.Phase() != session.PhaseCrashed {
			_ = sess.Transition(session.PhaseCrashed)
		}
		sess.SetHealth(session.HealthFailed)
		s.teardown(sess)
		metrics.SessionRestarts.WithLabelValues(sess.Account, reason).Inc()

		attempt := sess.IncRestarts()
		if attempt > s.cfg.RestartMaxAttempts {
			s.retire(sess, fmt.Sprintf("restart budget exhausted after %d attempts", attempt-1))
			return
		}

		// Profile corruption is a common crash-loop cause; wipe it once the
		// first clean relaunch has failed too.
		if attempt >= 2 && sess.ProfileDir != "" {
			if err := os.RemoveAll(sess.ProfileDir); err != nil {
				s.logger.Warn().Err(err).Str(log.FieldAccount, sess.Account).Msg("profile wipe failed")
			}
		}

		backoff := restartBackoff(attempt, s.cfg.RestartBackoffBase, s.cfg.RestartBackoffCap)
		s.logger.Warn().
			Str(log.FieldEvent, "session.restart").
			Str(log.FieldAccount, sess.Account).
			Str("reason", reason).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("restarting session")
		sleepCtx(ctx, backoff)
		if ctx.Err() != nil {
			return
		}
	}
}

// startOnce walks one life through LAUNCHING → CONNECTING → LOADING →
// AUTHENTICATING → READY. Any failure leaves the caller to tear down and
// decide on a retry.
func (s *Supervisor) startOnce(ctx context.Context, sess *session.Session, cred creds.Credential) (*exec.Cmd, error) {
	if err := sess.Transition(session.PhaseLaunching); err != nil {
		return nil, err
	}
	cmd, err := s.launch(ctx, sess)
	if err != nil {
		return nil, err
	}

	if err := sess.Transition(session.PhaseConnecting); err != nil {
		return cmd, err
	}
	if err := s.awaitListener(ctx, sess.Port); err != nil {
		return cmd, fmt.Errorf("debug listener on %d: %w", sess.Port, err)
	}

	if err := sess.Transition(session.PhaseLoading); err != nil {
		return cmd, err
	}
	tab, err := s.appTab(ctx, sess.Port)
	if err != nil {
		return cmd, err
	}
	primary, err := cdp.Dial(ctx, sess.Port, tab.WebSocketDebuggerURL)
	if err != nil {
		return cmd, fmt.Errorf("dial primary channel: %w", err)
	}
	sess.SetChannels(primary, s.dialBackup(ctx, sess, tab))

	if err := sess.Transition(session.PhaseAuthenticating); err != nil {
		return cmd, err
	}
	if err := s.authenticate(ctx, primary, cred); err != nil {
		return cmd, err
	}

	if err := driver.Inject(ctx, primary); err != nil {
		return cmd, err
	}
	s.restoreContext(ctx, sess, cred)

	if err := sess.Transition(session.PhaseReady); err != nil {
		return cmd, err
	}
	s.logger.Info().
		Str(log.FieldEvent, "session.ready").
		Str(log.FieldAccount, sess.Account).
		Int(log.FieldPort, sess.Port).
		Int(log.FieldPID, sess.GetPID()).
		Msg("session ready")
	return cmd, nil
}

// awaitListener polls the debug endpoint until it answers or the phase budget
// runs out.
func (s *Supervisor) awaitListener(ctx context.Context, port int) error {
	deadline := time.Now().Add(s.cfg.StartupPhaseBudget)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := cdp.ListTabs(ctx, port); err == nil {
			return nil
		}
		sleepCtx(ctx, 500*time.Millisecond)
	}
	return errors.New("listener never came up within the phase budget")
}

// appTab finds the application tab, creating one if the browser started blank.
func (s *Supervisor) appTab(ctx context.Context, port int) (cdp.Tab, error) {
	tab, err := cdp.FindTab(ctx, port, s.cfg.AppURL)
	if err == nil {
		return tab, nil
	}
	return cdp.NewTab(ctx, port, s.cfg.AppURL)
}

// dialBackup opens the redundant channel: preferably against the alternate
// listener, falling back to a second connection on the primary listener. A
// missing backup is tolerated; failover just becomes unavailable.
func (s *Supervisor) dialBackup(ctx context.Context, sess *session.Session, primaryTab cdp.Tab) *cdp.Channel {
	if tab, err := cdp.FindTab(ctx, sess.BackupPort, s.cfg.AppURL); err == nil {
		if ch, err := cdp.Dial(ctx, sess.BackupPort, tab.WebSocketDebuggerURL); err == nil {
			return ch
		}
	}
	ch, err := cdp.Dial(ctx, sess.Port, primaryTab.WebSocketDebuggerURL)
	if err != nil {
		s.logger.Warn().Err(err).
			Str(log.FieldAccount, sess.Account).
			Msg("backup channel unavailable")
		return nil
	}
	return ch
}

// restoreContext loads the persisted trading context and programs it back
// into the page. A fresh session seeds a context carrying only the identity.
func (s *Supervisor) restoreContext(ctx context.Context, sess *session.Session, cred creds.Credential) {
	tc, err := s.store.Load(sess.Account)
	if errors.Is(err, recovery.ErrNoSnapshot) {
		tc = session.TradingContext{Identity: cred.Identity}
		sess.SetContext(tc)
		if err := s.store.Save(sess.Account, tc); err != nil {
			s.logger.Warn().Err(err).Str(log.FieldAccount, sess.Account).Msg("seed snapshot failed")
		}
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str(log.FieldAccount, sess.Account).Msg("context load failed")
		return
	}

	// Fingerprints still marked in-flight belonged to the previous life:
	// their adjudication died with the process, so they are orphans now.
	if len(tc.InFlight) > 0 {
		for _, fp := range tc.InFlight {
			metrics.OrdersOrphaned.Inc()
			s.logger.Error().
				Str(log.FieldEvent, "session.stale_in_flight").
				Str(log.FieldAccount, sess.Account).
				Str(log.FieldFingerprint, fp).
				Msg("order was in flight when the session died")
		}
		s.AlertFn(sess.Account, fmt.Sprintf("%d order(s) were in flight at crash; check the account table", len(tc.InFlight)))
		tc.InFlight = nil
		if err := s.store.Save(sess.Account, tc); err != nil {
			s.logger.Warn().Err(err).Str(log.FieldAccount, sess.Account).Msg("snapshot rewrite failed")
		}
	}
	sess.SetContext(tc)

	d := driver.New(sess.Account, sess.Active(), nil, nil, s.cfg.WriteVerifyRetries)
	if err := d.SwitchAccount(ctx, sess.Account); err != nil {
		s.logger.Warn().Err(err).Str(log.FieldAccount, sess.Account).Msg("account switch during restore failed")
	}
	if err := d.RestoreTicket(ctx, tc.Symbol, tc.Quantity); err != nil {
		s.logger.Warn().Err(err).Str(log.FieldAccount, sess.Account).Msg("ticket restore failed")
		return
	}
	s.logger.Info().
		Str(log.FieldEvent, "session.context_restored").
		Str(log.FieldAccount, sess.Account).
		Str(log.FieldSymbol, tc.Symbol).
		Int("quantity", tc.Quantity).
		Msg("trading context restored")
}

// supervise watches a running session: process exit, restart requests, the
// login sentinel and process sampling. Returns the restart reason.
func (s *Supervisor) supervise(ctx context.Context, sess *session.Session, cmd *exec.Cmd, cred creds.Credential) string {
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	sentinel := time.NewTicker(s.cfg.LoginSentinelEvery)
	defer sentinel.Stop()
	sample := time.NewTicker(15 * time.Second)
	defer sample.Stop()

	s.mu.Lock()
	restartCh := s.restarts[sess.Account]
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return reasonShutdown
		case err := <-exited:
			s.logger.Error().Err(err).
				Str(log.FieldEvent, "session.crashed").
				Str(log.FieldAccount, sess.Account).
				Msg("browser process exited")
			return reasonProcessExit
		case reason := <-restartCh:
			return reason
		case <-sentinel.C:
			if !s.checkLogin(ctx, sess, cred) {
				return reasonAuthLost
			}
		case <-sample.C:
			s.sampleProcess(sess)
		}
	}
}

// checkLogin re-runs authentication when the login form reappears mid-life.
// Returns false when re-authentication is hopeless and a restart is needed.
func (s *Supervisor) checkLogin(ctx context.Context, sess *session.Session, cred creds.Credential) bool {
	ch := sess.Active()
	if ch == nil {
		return true
	}
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	status, err := pageStatus(probeCtx, ch)
	cancel()
	if err != nil || status != statusLogin {
		// Channel errors are the monitor's problem, not the sentinel's.
		return true
	}

	s.logger.Warn().
		Str(log.FieldEvent, "session.auth_lost").
		Str(log.FieldAccount, sess.Account).
		Msg("login form reappeared, re-authenticating")
	return s.reauthenticate(ctx, sess, cred) == nil
}

// Reauthenticate replays credentials into a live session whose authentication
// lapsed, then re-installs the driver and trading context. The health
// monitor's recovery ladder calls this rung directly.
func (s *Supervisor) Reauthenticate(ctx context.Context, account string) error {
	sess, ok := s.registry.Get(account)
	if !ok {
		return fmt.Errorf("unknown account %q", account)
	}
	s.mu.Lock()
	cred, ok := s.creds[account]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no credential for account %q", account)
	}
	return s.reauthenticate(ctx, sess, cred)
}

func (s *Supervisor) reauthenticate(ctx context.Context, sess *session.Session, cred creds.Credential) error {
	ch := sess.Active()
	if ch == nil {
		return errors.New("no active channel")
	}
	if sess.Phase() == session.PhaseReady || sess.Phase() == session.PhaseDegraded {
		if err := sess.Transition(session.PhaseRecovering); err != nil {
			return err
		}
	}
	if err := sess.Transition(session.PhaseAuthenticating); err != nil {
		return err
	}
	if err := s.authenticate(ctx, ch, cred); err != nil {
		return err
	}
	// The page likely reloaded across the re-login; the driver goes with it.
	if err := driver.Inject(ctx, ch); err != nil {
		return err
	}
	s.restoreContext(ctx, sess, cred)
	return sess.Transition(session.PhaseReady)
}

// ResetBridge tears down and redials the primary channel of a session whose
// websocket wedged while the page itself may still be fine. First rung of the
// recovery ladder.
func (s *Supervisor) ResetBridge(ctx context.Context, account string) error {
	sess, ok := s.registry.Get(account)
	if !ok {
		return fmt.Errorf("unknown account %q", account)
	}
	tab, err := s.appTab(ctx, sess.Port)
	if err != nil {
		return err
	}
	fresh, err := cdp.Dial(ctx, sess.Port, tab.WebSocketDebuggerURL)
	if err != nil {
		return fmt.Errorf("redial primary channel: %w", err)
	}
	if old := sess.Primary(); old != nil {
		_ = old.Close()
	}
	sess.SetChannels(fresh, sess.Backup())
	return nil
}

// sampleProcess feeds the RSS gauge from the live browser process.
func (s *Supervisor) sampleProcess(sess *session.Session) {
	pid := sess.GetPID()
	if pid <= 0 {
		return
	}
	p, err := gops.NewProcess(int32(pid))
	if err != nil {
		return
	}
	if mi, err := p.MemoryInfo(); err == nil && mi != nil {
		metrics.SessionProcessRSS.WithLabelValues(sess.Account).Set(float64(mi.RSS))
	}
}

// teardown flushes the trading context, kills the process group and closes
// both channels. Idempotent.
func (s *Supervisor) teardown(sess *session.Session) {
	if err := s.store.Save(sess.Account, sess.Context()); err != nil {
		s.logger.Warn().Err(err).Str(log.FieldAccount, sess.Account).Msg("context flush failed")
	}
	if ch := sess.Primary(); ch != nil {
		_ = ch.Close()
	}
	if ch := sess.Backup(); ch != nil {
		_ = ch.Close()
	}
	if pid := sess.GetPID(); pid > 0 {
		if err := s.terminateGroup(pid); err != nil {
			s.logger.Error().Err(err).
				Str(log.FieldAccount, sess.Account).
				Int(log.FieldPID, pid).
				Msg("process group termination failed")
		}
		sess.SetPID(0)
	}
}

// retire parks the session terminally: restart budget spent.
func (s *Supervisor) retire(sess *session.Session, why string) {
	_ = sess.Transition(session.PhaseRetired)
	sess.SetHealth(session.HealthFailed)
	metrics.SessionRetired.Inc()
	s.ports.Release(sess.Port)
	if err := s.store.Delete(sess.Account); err != nil {
		s.logger.Warn().Err(err).Str(log.FieldAccount, sess.Account).Msg("snapshot cleanup failed")
	}
	s.AlertFn(sess.Account, "session retired: "+why)
}

func restartBackoff(attempt int, base, limit time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}
