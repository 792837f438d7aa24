//go:build windows

package server

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// setProcessGroup is a no-op on windows; taskkill handles the tree.
func setProcessGroup(cmd *exec.Cmd) {}

// terminateTree force-kills the process tree rooted at pid. On windows
// the managed server runs under the subsystem bridge, so killing the
// bridge's tree reaps the server with it.
func terminateTree(ctx context.Context, pid int, exited <-chan struct{}) error {
	out, err := exec.CommandContext(ctx, "taskkill", "/PID", strconv.Itoa(pid), "/T", "/F").CombinedOutput()
	if err != nil {
		msg := string(bytes.TrimSpace(out))
		// "not found" means the tree is already gone.
		if strings.Contains(msg, "not found") {
			return nil
		}
		return fmt.Errorf("taskkill pid %d: %v: %s", pid, err, msg)
	}
	return nil
}

// processAlive reports whether pid shows up in the task list.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	out, err := exec.Command("tasklist", "/FI", "PID eq "+strconv.Itoa(pid), "/NH").Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), strconv.Itoa(pid))
}
