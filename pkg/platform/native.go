package platform

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
)

// Native runs the managed server directly on the host (Linux, macOS).
type Native struct{}

// Name identifies the strategy.
func (Native) Name() string { return "native" }

// HomeDir returns the host user's home directory.
func (Native) HomeDir(ctx context.Context) (string, error) {
	return os.UserHomeDir()
}

// ShellCommand runs the script through the host shell.
func (Native) ShellCommand(ctx context.Context, script string) *exec.Cmd {
	return exec.CommandContext(ctx, "sh", "-c", script)
}

// TranslatePath is the identity on native platforms.
func (Native) TranslatePath(ctx context.Context, hostPath string) (string, error) {
	return hostPath, nil
}

// ServerCommand invokes the run script directly, with the source directory
// as working directory.
func (Native) ServerCommand(ctx context.Context, sourceDir, script string) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, filepath.Join(sourceDir, script))
	cmd.Dir = sourceDir
	return cmd, nil
}

// NotifiesFileChanges reports that fsnotify works on the host filesystem.
func (Native) NotifiesFileChanges() bool { return true }

// MissingRequirements passes unconditionally. It must not spawn anything:
// native platforms have no preflight.
func (Native) MissingRequirements(ctx context.Context) string { return "" }
