// SPDX-License-Identifier: MIT

// Package session defines the per-account session model: the lifecycle
// lattice, the orthogonal health state, the preserved trading context, and
// the identity-addressed registry.
package session

import (
	"errors"
	"fmt"
)

// LifecyclePhase is the per-life startup/teardown lattice. Forward-only
// within one life; DEGRADED, RECOVERING and CRASHED may loop back to
// AUTHENTICATING across a restart. RETIRED is terminal.
type LifecyclePhase string

const (
	PhaseInitial        LifecyclePhase = "INITIAL"
	PhaseLaunching      LifecyclePhase = "LAUNCHING"
	PhaseConnecting     LifecyclePhase = "CONNECTING"
	PhaseLoading        LifecyclePhase = "LOADING"
	PhaseAuthenticating LifecyclePhase = "AUTHENTICATING"
	PhaseReady          LifecyclePhase = "READY"
	PhaseDegraded       LifecyclePhase = "DEGRADED"
	PhaseRecovering     LifecyclePhase = "RECOVERING"
	PhaseCrashed        LifecyclePhase = "CRASHED"
	PhaseRetired        LifecyclePhase = "RETIRED"
)

// Ordinal gives each phase a stable ordinal for metrics and forward checks.
func (p LifecyclePhase) Ordinal() int {
	switch p {
	case PhaseInitial:
		return 0
	case PhaseLaunching:
		return 1
	case PhaseConnecting:
		return 2
	case PhaseLoading:
		return 3
	case PhaseAuthenticating:
		return 4
	case PhaseReady:
		return 5
	case PhaseDegraded:
		return 6
	case PhaseRecovering:
		return 7
	case PhaseCrashed:
		return 8
	case PhaseRetired:
		return 9
	}
	return -1
}

// IsTerminal reports whether the phase ends the session for good.
func (p LifecyclePhase) IsTerminal() bool { return p == PhaseRetired }

// legalTransitions is the explicit decision table for phase moves.
var legalTransitions = map[LifecyclePhase][]LifecyclePhase{
	PhaseInitial:        {PhaseLaunching, PhaseRetired},
	PhaseLaunching:      {PhaseConnecting, PhaseCrashed, PhaseRetired},
	PhaseConnecting:     {PhaseLoading, PhaseCrashed, PhaseRetired},
	PhaseLoading:        {PhaseAuthenticating, PhaseCrashed, PhaseRetired},
	PhaseAuthenticating: {PhaseReady, PhaseCrashed, PhaseRetired},
	PhaseReady:          {PhaseDegraded, PhaseRecovering, PhaseCrashed, PhaseRetired},
	PhaseDegraded:       {PhaseReady, PhaseRecovering, PhaseCrashed, PhaseAuthenticating, PhaseRetired},
	PhaseRecovering:     {PhaseReady, PhaseDegraded, PhaseCrashed, PhaseAuthenticating, PhaseRetired},
	PhaseCrashed:        {PhaseLaunching, PhaseAuthenticating, PhaseRetired},
	PhaseRetired:        {},
}

var ErrIllegalTransition = errors.New("illegal lifecycle transition")

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to LifecyclePhase) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// checkTransition returns a descriptive error for an illegal move.
func checkTransition(from, to LifecyclePhase) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// HealthState classifies a session channel, orthogonal to LifecyclePhase:
// a session can be READY with a DEGRADED channel.
type HealthState string

const (
	HealthHealthy    HealthState = "HEALTHY"
	HealthDegraded   HealthState = "DEGRADED"
	HealthFailed     HealthState = "FAILED"
	HealthRecovering HealthState = "RECOVERING"
	HealthUnknown    HealthState = "UNKNOWN"
)

// Ordinal gives each health state a stable ordinal for metrics.
func (h HealthState) Ordinal() int {
	switch h {
	case HealthHealthy:
		return 0
	case HealthDegraded:
		return 1
	case HealthFailed:
		return 2
	case HealthRecovering:
		return 3
	}
	return 4
}
