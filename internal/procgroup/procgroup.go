// Package procgroup starts subprocesses as process-group leaders and tears
// the whole group down on stop, so helpers like the segmenter cannot leave
// orphaned children behind.
package procgroup

import (
	"os/exec"
	"syscall"
	"time"
)

// Set configures the command to start in a new process group. It must be
// called before cmd.Start for Terminate to reach the whole tree.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// Terminate gracefully stops a process group: SIGTERM, wait up to grace for
// the process to exit, then SIGKILL. waitCh must deliver the result of
// cmd.Wait exactly once; that result is returned so callers observe the real
// exit error. Safe to call with a nil or unstarted command.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = signalGroup(cmd, syscall.SIGTERM)

	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
	}

	_ = signalGroup(cmd, syscall.SIGKILL)
	return <-waitCh
}
