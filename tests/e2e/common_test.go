package main_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

var loomBinaryPath string
var loomBinaryDir string

var (
	scriptTUISupported      = true
	scriptTUIDisabledReason string
)

func TestMain(m *testing.M) {
	// Build the binary once for all tests
	if err := buildLoomOnce(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build loom binary: %v\n", err)
		os.Exit(1)
	}

	scriptTUISupported, scriptTUIDisabledReason = detectScriptTUICapability(loomBinaryPath)

	code := m.Run()
	if loomBinaryDir != "" {
		_ = os.RemoveAll(loomBinaryDir)
	}
	os.Exit(code)
}

func buildLoomOnce() error {
	tempDir, err := os.MkdirTemp("", "loom-e2e-build-*")
	if err != nil {
		return err
	}
	loomBinaryDir = tempDir

	binName := "loom"
	if runtime.GOOS == "windows" {
		binName += ".exe"
	}
	binPath := filepath.Join(tempDir, binName)

	cmd := exec.Command("go", "build", "-o", binPath, "../../cmd/loom")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("go build failed: %v\n%s", err, out)
	}

	loomBinaryPath = binPath
	return nil
}

// loomBinary returns the path to the pre-built binary.
func loomBinary(t *testing.T) string {
	t.Helper()
	if loomBinaryPath == "" {
		t.Fatal("loom binary not built")
	}
	return loomBinaryPath
}

// envWith returns base with the given KEY=VALUE entries replacing any
// existing values for the same keys. Plain append is not enough: Go
// child processes resolve duplicate env keys first-wins.
func envWith(base []string, overrides ...string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		replaced := false
		for _, ov := range overrides {
			if i := strings.IndexByte(ov, '='); i > 0 && strings.HasPrefix(kv, ov[:i+1]) {
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, kv)
		}
	}
	return append(out, overrides...)
}

// hermeticEnvFor points HOME and the XDG dirs at the given directory so
// a loom invocation never touches the real user state.
func hermeticEnvFor(home string) []string {
	return envWith(os.Environ(),
		"HOME="+home,
		"XDG_CONFIG_HOME="+filepath.Join(home, ".config"),
		"XDG_DATA_HOME="+filepath.Join(home, ".local", "share"),
		"XDG_STATE_HOME="+filepath.Join(home, ".local", "state"),
	)
}

func hermeticEnv(t *testing.T) ([]string, string) {
	t.Helper()
	home := t.TempDir()
	return hermeticEnvFor(home), home
}

func detectScriptTUICapability(loomPath string) (bool, string) {
	if _, err := exec.LookPath("script"); err != nil {
		return false, "script command not available"
	}
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		return false, "script TUI harness unsupported on this OS"
	}
	if loomPath == "" {
		return false, "loom binary path is empty"
	}

	tempDir, err := os.MkdirTemp("", "loom-e2e-tui-cap-*")
	if err != nil {
		return false, fmt.Sprintf("failed to create temp dir: %v", err)
	}
	defer func() { _ = os.RemoveAll(tempDir) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := scriptTUICommand(ctx, loomPath)
	if cmd == nil {
		return false, "script command unavailable"
	}
	cmd.Dir = tempDir
	cmd.Env = envWith(hermeticEnvFor(tempDir),
		"TERM=xterm-256color",
		"LOOM_TUI_AUTOCLOSE_MS=250",
	)

	outFile := filepath.Join(tempDir, "script.out")
	f, err := os.Create(outFile)
	if err != nil {
		return false, fmt.Sprintf("failed to create output file: %v", err)
	}
	cmd.Stdout = f
	cmd.Stderr = f

	runErr := cmd.Run()
	_ = f.Close()

	if ctx.Err() == context.DeadlineExceeded {
		return false, "loom did not auto-exit under script (PTY/CI mismatch)"
	}
	if runErr != nil {
		return false, fmt.Sprintf("script TUI run failed: %v", runErr)
	}

	return true, ""
}

// skipIfNoScript skips the test if the script command is unavailable.
func skipIfNoScript(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("script"); err != nil {
		t.Skip("skipping: script command not available")
	}
	if !scriptTUISupported {
		if scriptTUIDisabledReason != "" {
			t.Skipf("skipping: %s", scriptTUIDisabledReason)
		}
		t.Skip("skipping: script-based TUI harness unavailable")
	}
}

// scriptTUICommand creates an exec.Cmd that runs the loom binary under
// `script` to provide a pseudo-TTY for TUI tests.
func scriptTUICommand(ctx context.Context, loomPath string, args ...string) *exec.Cmd {
	if _, err := exec.LookPath("script"); err != nil {
		return nil
	}

	switch runtime.GOOS {
	case "darwin":
		scriptArgs := []string{"-q", "/dev/null", loomPath}
		scriptArgs = append(scriptArgs, args...)
		return exec.CommandContext(ctx, "script", scriptArgs...)

	case "linux":
		cmdStr := loomPath
		for _, arg := range args {
			if strings.ContainsAny(arg, " \t") {
				cmdStr += " \"" + arg + "\""
			} else {
				cmdStr += " " + arg
			}
		}
		return exec.CommandContext(ctx, "script", "-q", "-e", "-f", "-c", cmdStr, "/dev/null")

	default:
		return nil
	}
}

// runCmdToFile runs a command and captures stdout+stderr to a temp file.
func runCmdToFile(t *testing.T, cmd *exec.Cmd) ([]byte, error) {
	t.Helper()
	if cmd == nil {
		return nil, fmt.Errorf("nil cmd")
	}

	outPath := filepath.Join(t.TempDir(), "cmd.out")
	f, err := os.Create(outPath)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	cmd.Stdout = f
	cmd.Stderr = f

	runErr := cmd.Run()
	_ = f.Close()

	out, readErr := os.ReadFile(outPath)
	if readErr != nil {
		return nil, fmt.Errorf("read output file: %w (run err: %v)", readErr, runErr)
	}
	return out, runErr
}
