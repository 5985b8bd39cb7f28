// SPDX-License-Identifier: MIT

// Package procgroup starts and reaps whole browser process trees. Browsers
// fork renderer and GPU children; killing only the root leaks them, so every
// session process is spawned as a process-group leader and terminated as a
// group.
package procgroup

import (
	"errors"
	"os/exec"
	"time"
)

var ErrKillFailed = errors.New("kill operation failed")

// Set configures the command to start in a new process group. Mandatory for
// KillGroup to function as a group reaper.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// KillGroup terminates an entire process group tree: SIGTERM, grace wait,
// then SIGKILL. The process must have been spawned with procgroup.Set.
func KillGroup(pid int, grace, timeout time.Duration) error {
	return killGroup(pid, grace, timeout)
}
