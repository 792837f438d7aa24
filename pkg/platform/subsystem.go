package platform

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

const (
	defaultBridge     = "wsl.exe"
	defaultTranslator = "wslpath"

	// Minimum subsystem version the managed server is supported on.
	requiredSubsystemVersion = "2"
)

// Subsystem runs the managed server inside the Windows Subsystem for Linux
// while loom itself runs natively on Windows. All commands are wrapped
// through the bridge executable, and host paths are translated with
// wslpath before the subsystem sees them.
type Subsystem struct {
	// Bridge is the subsystem entry command. Overridable so tests can
	// substitute a fake.
	Bridge string
	// Translator converts host paths to subsystem paths.
	Translator string
}

// NewSubsystem returns a Subsystem strategy with the standard bridge.
func NewSubsystem() *Subsystem {
	return &Subsystem{Bridge: defaultBridge, Translator: defaultTranslator}
}

// Name identifies the strategy.
func (s *Subsystem) Name() string { return "subsystem" }

// HomeDir resolves the user's home as seen inside the subsystem by asking
// its shell. The bridge erroring or printing nothing means the subsystem
// is not usable.
func (s *Subsystem) HomeDir(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, s.Bridge, "-e", "sh", "-c", "echo $HOME").Output()
	if err != nil {
		return "", fmt.Errorf("resolving subsystem home via %s: %v: %w", s.Bridge, err, ErrEnvironmentUnavailable)
	}
	home := firstLine(normalizeOutput(out))
	if home == "" {
		return "", fmt.Errorf("subsystem shell returned no home directory: %w", ErrEnvironmentUnavailable)
	}
	return home, nil
}

// ShellCommand wraps the script so it runs inside the subsystem's shell.
func (s *Subsystem) ShellCommand(ctx context.Context, script string) *exec.Cmd {
	return exec.CommandContext(ctx, s.Bridge, "-e", "sh", "-c", script)
}

// TranslatePath converts a host path to its subsystem equivalent.
func (s *Subsystem) TranslatePath(ctx context.Context, hostPath string) (string, error) {
	out, err := exec.CommandContext(ctx, s.Bridge, "-e", s.Translator, "-a", hostPath).Output()
	if err != nil {
		return "", fmt.Errorf("translating %q via %s: %v: %w", hostPath, s.Translator, err, ErrEnvironmentUnavailable)
	}
	translated := firstLine(normalizeOutput(out))
	if translated == "" {
		return "", fmt.Errorf("%s returned no translation for %q: %w", s.Translator, hostPath, ErrEnvironmentUnavailable)
	}
	return translated, nil
}

// ServerCommand launches the run script through the bridge shell, changing
// into the translated source directory first.
func (s *Subsystem) ServerCommand(ctx context.Context, sourceDir, script string) (*exec.Cmd, error) {
	translated, err := s.TranslatePath(ctx, sourceDir)
	if err != nil {
		return nil, err
	}
	return s.ShellCommand(ctx, "cd "+Quote(translated)+" && ./"+script), nil
}

// NotifiesFileChanges reports false: change events do not cross the
// subsystem filesystem boundary, so the tailer must poll.
func (s *Subsystem) NotifiesFileChanges() bool { return false }

// MissingRequirements verifies the subsystem is usable: the bridge is on
// PATH, its status output parses to a supported version, and the path
// translation helper responds. Returns the first failure's message, "" if
// all pass.
func (s *Subsystem) MissingRequirements(ctx context.Context) string {
	if _, err := exec.LookPath(s.Bridge); err != nil {
		return fmt.Sprintf("%s was not found on PATH. Install the Windows Subsystem for Linux to run the Loom server.", s.Bridge)
	}

	out, err := exec.CommandContext(ctx, s.Bridge, "--status").Output()
	if err != nil {
		return fmt.Sprintf("%s --status failed (%v). Make sure the subsystem is installed and enabled.", s.Bridge, err)
	}
	status := parseStatus(normalizeOutput(out))
	if v := status["Default Version"]; v != requiredSubsystemVersion {
		if v == "" {
			return fmt.Sprintf("could not determine the subsystem default version from %s --status output.", s.Bridge)
		}
		return fmt.Sprintf("subsystem default version is %s; version %s is required.", v, requiredSubsystemVersion)
	}

	if _, err := s.TranslatePath(ctx, "/"); err != nil {
		return fmt.Sprintf("path translation helper %s is not responding (%v).", s.Translator, err)
	}

	return ""
}

// normalizeOutput strips the NUL bytes and carriage returns the bridge
// emits (its status output is UTF-16LE on real systems).
func normalizeOutput(out []byte) string {
	var b strings.Builder
	b.Grow(len(out))
	for _, c := range out {
		if c == 0 || c == '\r' {
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}

// parseStatus splits "Key: Value" lines into a map. Lines without a colon
// are skipped; missing keys simply stay absent so lookups default to "".
func parseStatus(out string) map[string]string {
	status := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		status[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return status
}
