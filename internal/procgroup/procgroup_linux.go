// SPDX-License-Identifier: MIT

//go:build linux

package procgroup

import (
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/tradewright/copyfleet/internal/log"
	"github.com/tradewright/copyfleet/internal/metrics"
)

func set(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func killGroup(pid int, grace, timeout time.Duration) error {
	if pid <= 0 {
		return nil
	}
	logger := log.WithComponent("procgroup")

	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil // already gone
	}

	// Negative pid targets the group leader and all children; valid because
	// the process was spawned with Setpgid.
	logger.Debug().Int(log.FieldPID, pid).Msg("sending SIGTERM to process group")
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			metrics.IncProcTerminate("SIGTERM", "esrch")
			return nil
		}
		metrics.IncProcTerminate("SIGTERM", "error")
		_ = proc.Signal(syscall.SIGTERM)
	} else {
		metrics.IncProcTerminate("SIGTERM", "sent")
	}

	done := make(chan struct{})
	go func() {
		_, _ = proc.Wait()
		close(done)
	}()

	select {
	case <-done:
		metrics.IncProcWait("exit0")
		return nil
	case <-time.After(grace):
	}

	logger.Warn().Int(log.FieldPID, pid).Msg("SIGTERM grace exceeded, sending SIGKILL to process group")
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		if err == syscall.ESRCH {
			metrics.IncProcTerminate("SIGKILL", "esrch")
			return nil
		}
		metrics.IncProcTerminate("SIGKILL", "error")
		_ = proc.Kill()
	} else {
		metrics.IncProcTerminate("SIGKILL", "sent")
	}

	select {
	case <-done:
		metrics.IncProcWait("forced_exit0")
		return nil
	case <-time.After(timeout):
		metrics.IncProcWait("forced_error")
		return ErrKillFailed
	}
}
