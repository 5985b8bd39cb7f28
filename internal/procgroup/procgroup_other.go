// SPDX-License-Identifier: MIT

//go:build !linux

package procgroup

import (
	"os"
	"os/exec"
	"time"

	"github.com/tradewright/copyfleet/internal/log"
	"github.com/tradewright/copyfleet/internal/metrics"
)

func set(cmd *exec.Cmd) {
	// Best-effort: no process-group semantics off linux.
}

func killGroup(pid int, grace, timeout time.Duration) error {
	if pid <= 0 {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}

	logger := log.WithComponent("procgroup")
	logger.Debug().Int(log.FieldPID, pid).
		Msg("sending interrupt to root process (non-linux fallback)")
	_ = proc.Signal(os.Interrupt)
	metrics.IncProcTerminate("SIGTERM", "sent")

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
		_ = proc.Kill()
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
