// SPDX-License-Identifier: MIT

// Package config loads the daemon configuration with precedence
// environment > defaults, validates it once at startup, and hands out
// immutable snapshots. Hot changes go through the reload endpoint only.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Reserved ports. The bootstrap port is immutable infrastructure: it is never
// assigned to a session, never launched and never killed by this daemon.
const (
	BootstrapPort = 9222
)

// Config is the complete daemon configuration.
type Config struct {
	// HTTP surface
	ListenAddr        string
	WebhookPassphrase string
	WebhookRateLimit  int // requests per minute per IP

	// Fleet
	CredentialsPath string
	CatalogPath     string // optional instrument table file; empty keeps the built-in
	RecoveryDir     string
	ProfileRoot     string
	BrowserBinary   string
	AppURL          string
	PortRangeStart  int // first debug port of the per-account pool
	PortRangeSize   int
	BackupPortShift int // backup channel listener offset from the primary port

	// Health monitor
	CheckInterval     time.Duration
	ProbeTimeout      time.Duration
	DegradedResponse  time.Duration
	FailedResponse    time.Duration
	FailureThreshold  int
	RecoveryThreshold int
	ProbeParallelism  int

	// Supervisor
	RestartMaxAttempts int
	RestartBackoffBase time.Duration
	RestartBackoffCap  time.Duration
	StartupPhaseBudget time.Duration
	LoginSentinelEvery time.Duration
	TerminateGrace     time.Duration

	// Driver
	OperationBudget    time.Duration // hard per-operation latency budget
	DispatchGrace      time.Duration
	GovernorWindow     int
	WriteVerifyRetries int

	// Logging
	LogLevel string
}

// Load builds the configuration from environment variables over defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:        ParseString("COPYFLEET_LISTEN", ":8080"),
		WebhookPassphrase: ParseString("COPYFLEET_WEBHOOK_PASSPHRASE", ""),
		WebhookRateLimit:  ParseInt("COPYFLEET_WEBHOOK_RATE_LIMIT", 60),

		CredentialsPath: ParseString("COPYFLEET_CREDENTIALS", "credentials.txt"),
		CatalogPath:     ParseString("COPYFLEET_CATALOG", ""),
		RecoveryDir:     ParseString("COPYFLEET_RECOVERY_DIR", "recovery"),
		ProfileRoot:     ParseString("COPYFLEET_PROFILE_ROOT", "profiles"),
		BrowserBinary:   ParseString("COPYFLEET_BROWSER", "chromium"),
		AppURL:          ParseString("COPYFLEET_APP_URL", "https://trader.example.com/"),
		PortRangeStart:  ParseInt("COPYFLEET_PORT_START", 9301),
		PortRangeSize:   ParseInt("COPYFLEET_PORT_COUNT", 50),
		BackupPortShift: ParseInt("COPYFLEET_BACKUP_PORT_SHIFT", 100),

		CheckInterval:     ParseDuration("COPYFLEET_CHECK_INTERVAL", 5*time.Second),
		ProbeTimeout:      ParseDuration("COPYFLEET_PROBE_TIMEOUT", 5*time.Second),
		DegradedResponse:  ParseDuration("COPYFLEET_DEGRADED_RESPONSE", 2*time.Second),
		FailedResponse:    ParseDuration("COPYFLEET_FAILED_RESPONSE", 5*time.Second),
		FailureThreshold:  ParseInt("COPYFLEET_FAILURE_THRESHOLD", 3),
		RecoveryThreshold: ParseInt("COPYFLEET_RECOVERY_THRESHOLD", 2),
		ProbeParallelism:  ParseInt("COPYFLEET_PROBE_PARALLELISM", 4),

		RestartMaxAttempts: ParseInt("COPYFLEET_RESTART_MAX", 3),
		RestartBackoffBase: ParseDuration("COPYFLEET_RESTART_BACKOFF_BASE", 2*time.Second),
		RestartBackoffCap:  ParseDuration("COPYFLEET_RESTART_BACKOFF_CAP", 30*time.Second),
		StartupPhaseBudget: ParseDuration("COPYFLEET_STARTUP_PHASE_BUDGET", 45*time.Second),
		LoginSentinelEvery: ParseDuration("COPYFLEET_LOGIN_SENTINEL_EVERY", 30*time.Second),
		TerminateGrace:     ParseDuration("COPYFLEET_TERMINATE_GRACE", 5*time.Second),

		OperationBudget:    ParseDuration("COPYFLEET_OPERATION_BUDGET", 10*time.Millisecond),
		DispatchGrace:      ParseDuration("COPYFLEET_DISPATCH_GRACE", 6*time.Second),
		GovernorWindow:     ParseInt("COPYFLEET_GOVERNOR_WINDOW", 50),
		WriteVerifyRetries: ParseInt("COPYFLEET_WRITE_VERIFY_RETRIES", 3),

		LogLevel: ParseString("COPYFLEET_LOG_LEVEL", "info"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that could violate port or timing invariants.
func (c *Config) Validate() error {
	var errs []error
	if c.PortRangeStart <= 1024 {
		errs = append(errs, fmt.Errorf("port range start %d must be above 1024", c.PortRangeStart))
	}
	if c.PortRangeSize <= 0 {
		errs = append(errs, fmt.Errorf("port range size must be > 0, got %d", c.PortRangeSize))
	}
	if within(BootstrapPort, c.PortRangeStart, c.PortRangeSize) {
		errs = append(errs, fmt.Errorf("port range [%d,%d) must not contain the reserved bootstrap port %d",
			c.PortRangeStart, c.PortRangeStart+c.PortRangeSize, BootstrapPort))
	}
	if c.BackupPortShift != 0 && within(BootstrapPort, c.PortRangeStart+c.BackupPortShift, c.PortRangeSize) {
		errs = append(errs, fmt.Errorf("backup port range must not contain the reserved bootstrap port %d", BootstrapPort))
	}
	if c.CheckInterval <= 0 {
		errs = append(errs, errors.New("check interval must be > 0"))
	}
	if c.FailureThreshold <= 0 || c.RecoveryThreshold <= 0 {
		errs = append(errs, errors.New("failure and recovery thresholds must be > 0"))
	}
	if c.ProbeParallelism <= 0 {
		errs = append(errs, errors.New("probe parallelism must be > 0"))
	}
	if c.OperationBudget <= 0 {
		errs = append(errs, errors.New("operation budget must be > 0"))
	}
	if c.RestartMaxAttempts <= 0 {
		errs = append(errs, errors.New("restart max attempts must be > 0"))
	}
	if c.RestartBackoffBase <= 0 || c.RestartBackoffCap < c.RestartBackoffBase {
		errs = append(errs, errors.New("restart backoff base must be > 0 and <= cap"))
	}
	if c.AppURL == "" {
		errs = append(errs, errors.New("application URL is required"))
	}
	return errors.Join(errs...)
}

func within(port, start, size int) bool {
	return port >= start && port < start+size
}
