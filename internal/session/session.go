// SPDX-License-Identifier: MIT

package session

import (
	"sync"
	"time"

	"github.com/tradewright/copyfleet/internal/cdp"
	"github.com/tradewright/copyfleet/internal/log"
	"github.com/tradewright/copyfleet/internal/metrics"
)

// TradingContext is the state preserved across restarts. Every mutation is
// persisted through the recovery store, so the on-disk copy is never more
// than one intent behind live state.
type TradingContext struct {
	Symbol   string   `json:"symbol"`
	Quantity int      `json:"quantity"`
	TPTicks  int      `json:"tp"`
	SLTicks  int      `json:"sl"`
	TickSize float64  `json:"tick"`
	Identity string   `json:"identity"`
	InFlight []string `json:"in_flight_fingerprints"`
}

// Session is one authenticated browser instance on one debug port
// representing one trading account.
type Session struct {
	mu sync.Mutex

	Account    string
	Identity   string
	Port       int
	BackupPort int
	PID        int
	ProfileDir string

	phase  LifecyclePhase
	health HealthState

	primary *cdp.Channel
	backup  *cdp.Channel
	active  *cdp.Channel // points at primary or backup

	context  TradingContext
	restarts int

	CreatedAt time.Time

	// opMu serializes driver operations: one in-flight operation per
	// session at any time.
	opMu sync.Mutex
}

// NewSession creates a session at INITIAL for the given account.
func NewSession(account, identity string, port, backupPort int) *Session {
	return &Session{
		Account:    account,
		Identity:   identity,
		Port:       port,
		BackupPort: backupPort,
		phase:      PhaseInitial,
		health:     HealthUnknown,
		CreatedAt:  time.Now(),
	}
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() LifecyclePhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Transition moves the session through the lifecycle lattice, rejecting
// illegal moves and emitting a structured event per transition.
func (s *Session) Transition(to LifecyclePhase) error {
	s.mu.Lock()
	from := s.phase
	if err := checkTransition(from, to); err != nil {
		s.mu.Unlock()
		return err
	}
	s.phase = to
	s.mu.Unlock()

	metrics.SetSessionPhase(s.Account, to.Ordinal())
	logger := log.WithComponent("session")
	logger.Info().
		Str(log.FieldEvent, "session.phase").
		Str(log.FieldAccount, s.Account).
		Str(log.FieldOldPhase, string(from)).
		Str(log.FieldNewPhase, string(to)).
		Msg("lifecycle transition")
	return nil
}

// Health returns the current health state.
func (s *Session) Health() HealthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

// SetHealth records the monitor's verdict. Only the health monitor calls
// this; it is the single authority for eligibility gating.
func (s *Session) SetHealth(h HealthState) {
	s.mu.Lock()
	old := s.health
	s.health = h
	s.mu.Unlock()
	if old != h {
		metrics.SetSessionHealth(s.Account, "active", h.Ordinal())
	}
}

// Eligible reports whether the session may receive new intents.
func (s *Session) Eligible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == PhaseReady && s.health == HealthHealthy
}

// Context returns a copy of the trading context.
func (s *Session) Context() TradingContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx := s.context
	ctx.InFlight = append([]string(nil), s.context.InFlight...)
	return ctx
}

// SetContext replaces the trading context.
func (s *Session) SetContext(tc TradingContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.context = tc
}

// MutateContext applies fn to the context under the session lock and returns
// the updated copy for persistence.
func (s *Session) MutateContext(fn func(*TradingContext)) TradingContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.context)
	ctx := s.context
	ctx.InFlight = append([]string(nil), s.context.InFlight...)
	return ctx
}

// Channels

// SetChannels installs the primary (and optional backup) channel; the
// primary becomes active.
func (s *Session) SetChannels(primary, backup *cdp.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.primary = primary
	s.backup = backup
	s.active = primary
}

// Active returns the channel trade dispatch should use.
func (s *Session) Active() *cdp.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Primary returns the primary channel.
func (s *Session) Primary() *cdp.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primary
}

// Backup returns the backup channel, which may be nil.
func (s *Session) Backup() *cdp.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backup
}

// Failover switches the active channel to the backup. Returns false when no
// backup is installed.
func (s *Session) Failover() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backup == nil {
		return false
	}
	s.active = s.backup
	metrics.Failovers.WithLabelValues(s.Account).Inc()
	return true
}

// Restarts returns the restart counter.
func (s *Session) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// IncRestarts bumps and returns the restart counter.
func (s *Session) IncRestarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restarts++
	return s.restarts
}

// Lock serializes one driver operation; callers must Unlock.
func (s *Session) Lock() { s.opMu.Lock() }

// Unlock releases the operation slot.
func (s *Session) Unlock() { s.opMu.Unlock() }

// SetPID records the browser process id.
func (s *Session) SetPID(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PID = pid
}

// GetPID returns the browser process id.
func (s *Session) GetPID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PID
}
