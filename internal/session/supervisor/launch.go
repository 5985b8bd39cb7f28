// SPDX-License-Identifier: MIT

package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/tradewright/copyfleet/internal/procgroup"
	"github.com/tradewright/copyfleet/internal/session"
)

// browserArgs builds the launch flags for one session. Every session gets its
// own profile directory and debug port; the bootstrap listener on 9222 is
// never launched here.
func browserArgs(profileDir string, port int, appURL string) []string {
	return []string{
		fmt.Sprintf("--remote-debugging-port=%d", port),
		fmt.Sprintf("--user-data-dir=%s", profileDir),
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-notifications",
		"--disable-popup-blocking",
		"--disable-session-crashed-bubble",
		"--disable-save-password-bubble",
		"--disable-infobars",
		"--disable-gpu",
		"--no-sandbox",
		appURL,
	}
}

// launch starts the browser process as a process-group leader and records its
// pid on the session.
func (s *Supervisor) launch(ctx context.Context, sess *session.Session) (*exec.Cmd, error) {
	profileDir := filepath.Join(s.cfg.ProfileRoot, sess.Account)
	sess.ProfileDir = profileDir

	cmd := exec.CommandContext(ctx, s.cfg.BrowserBinary, browserArgs(profileDir, sess.Port, s.cfg.AppURL)...)
	procgroup.Set(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}
	sess.SetPID(cmd.Process.Pid)
	return cmd, nil
}

// terminateGroup reaps the whole browser process tree.
func (s *Supervisor) terminateGroup(pid int) error {
	return procgroup.KillGroup(pid, s.cfg.TerminateGrace, s.cfg.TerminateGrace)
}
