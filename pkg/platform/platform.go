// Package platform selects the execution environment for the managed
// server and resolves its installation paths.
//
// Loom's backend server always runs in a POSIX environment. On Linux and
// macOS that is the host itself; on Windows the server executes inside the
// WSL subsystem while loom runs natively. The Strategy interface hides that
// split: callers build commands and resolve paths through it and never
// branch on the OS themselves.
package platform

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
)

// ErrEnvironmentUnavailable reports that the execution environment for the
// managed server (or one of its helper tools) is missing or not responding.
var ErrEnvironmentUnavailable = errors.New("execution environment unavailable")

// Strategy abstracts the environment the managed server executes in.
// Exactly one implementation is selected at startup.
type Strategy interface {
	// Name identifies the strategy ("native" or "subsystem").
	Name() string

	// HomeDir returns the user's home directory as seen by the execution
	// environment. On the subsystem this is the home inside WSL, not the
	// Windows profile directory.
	HomeDir(ctx context.Context) (string, error)

	// ShellCommand wraps a logical shell command line so it runs inside
	// the execution environment.
	ShellCommand(ctx context.Context, script string) *exec.Cmd

	// TranslatePath converts a host-view path into the execution
	// environment's view. Identity on native.
	TranslatePath(ctx context.Context, hostPath string) (string, error)

	// ServerCommand builds the command that launches the managed server's
	// run script from its source directory: a direct invocation on native,
	// a cd-and-run sequence through the bridge shell on the subsystem.
	ServerCommand(ctx context.Context, sourceDir, script string) (*exec.Cmd, error)

	// NotifiesFileChanges reports whether native file-change notification
	// works for files written inside the execution environment. When
	// false the log tailer polls instead.
	NotifiesFileChanges() bool

	// MissingRequirements runs the platform preflight and returns a
	// human-readable message for the first missing requirement, or ""
	// when everything is present. It never returns an error: failures
	// are the message.
	MissingRequirements(ctx context.Context) string
}

// Select returns the strategy for the current OS.
func Select() Strategy {
	if runtime.GOOS == "windows" {
		return NewSubsystem()
	}
	return Native{}
}
