//go:build unix

package server

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// setProcessGroup puts the child in its own process group so the whole
// tree can be signaled at once.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateTree signals the process group rooted at pid: SIGTERM, a
// bounded grace wait on exited, then SIGKILL. A group that is already
// gone is not an error.
func terminateTree(ctx context.Context, pid int, exited <-chan struct{}) error {
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
		if err == unix.ESRCH {
			return nil
		}
		// Group signal refused; fall back to the process itself.
		if perr := unix.Kill(pid, unix.SIGTERM); perr != nil {
			if perr == unix.ESRCH {
				return nil
			}
			return fmt.Errorf("signaling server process %d: %w", pid, perr)
		}
	}

	select {
	case <-exited:
		return nil
	case <-ctx.Done():
	case <-time.After(killGrace):
	}

	unix.Kill(-pid, unix.SIGKILL)
	unix.Kill(pid, unix.SIGKILL)
	return nil
}

// processAlive reports whether pid exists. EPERM still means alive.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
