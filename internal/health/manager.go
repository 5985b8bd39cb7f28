// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"
	"time"

	"github.com/tradewright/copyfleet/internal/session"
)

// Status is the component status reported by liveness/readiness checks.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is one component's verdict.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the liveness probe body.
type HealthResponse struct {
	Status    Status                 `json:"status"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// ReadinessResponse is the readiness probe body.
type ReadinessResponse struct {
	Ready     bool                   `json:"ready"`
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker is one pluggable component check.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager aggregates component checks into liveness and readiness verdicts.
type Manager struct {
	version  string
	checkers []Checker
}

// NewManager creates an empty manager.
func NewManager(version string) *Manager {
	return &Manager{version: version}
}

// RegisterChecker adds a component check.
func (m *Manager) RegisterChecker(c Checker) {
	m.checkers = append(m.checkers, c)
}

// Health is the liveness verdict: the process is alive, component checks are
// informational.
func (m *Manager) Health(ctx context.Context) HealthResponse {
	resp := HealthResponse{
		Status:    StatusHealthy,
		Version:   m.version,
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult),
	}
	for _, c := range m.checkers {
		result := c.Check(ctx)
		resp.Checks[c.Name()] = result
		switch result.Status {
		case StatusUnhealthy:
			resp.Status = StatusUnhealthy
		case StatusDegraded:
			if resp.Status == StatusHealthy {
				resp.Status = StatusDegraded
			}
		}
	}
	return resp
}

// Ready is the readiness verdict: any unhealthy component refuses traffic.
func (m *Manager) Ready(ctx context.Context) ReadinessResponse {
	health := m.Health(ctx)
	return ReadinessResponse{
		Ready:     health.Status != StatusUnhealthy,
		Status:    health.Status,
		Timestamp: health.Timestamp,
		Checks:    health.Checks,
	}
}

// FleetChecker reports readiness from the session registry: at least one
// session dispatchable means ready, a fleet with live-but-unhealthy sessions
// is degraded, an entirely dark fleet is unhealthy.
type FleetChecker struct {
	Registry *session.Registry
}

func (fc *FleetChecker) Name() string { return "fleet" }

func (fc *FleetChecker) Check(_ context.Context) CheckResult {
	all := fc.Registry.Snapshot()
	eligible := len(fc.Registry.Eligible())
	retired := 0
	for _, s := range all {
		if s.Phase() == session.PhaseRetired {
			retired++
		}
	}
	msg := fmt.Sprintf("%d/%d sessions eligible, %d retired", eligible, len(all), retired)
	switch {
	case len(all) == 0:
		return CheckResult{Status: StatusUnhealthy, Message: "no sessions registered"}
	case eligible == 0:
		return CheckResult{Status: StatusUnhealthy, Message: msg}
	case eligible < len(all)-retired:
		return CheckResult{Status: StatusDegraded, Message: msg}
	default:
		return CheckResult{Status: StatusHealthy, Message: msg}
	}
}

// StalenessChecker surfaces a pending credential reload.
type StalenessChecker struct {
	Stale func() bool
}

func (sc *StalenessChecker) Name() string { return "credentials" }

func (sc *StalenessChecker) Check(_ context.Context) CheckResult {
	if sc.Stale != nil && sc.Stale() {
		return CheckResult{Status: StatusDegraded, Message: "credential store changed on disk, reload pending"}
	}
	return CheckResult{Status: StatusHealthy}
}
