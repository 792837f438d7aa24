package platform

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/vanderheijden86/loom/pkg/testutil"
)

// fakeBridge writes a script that impersonates the subsystem bridge:
// --status prints the given status text, -e executes the wrapped command
// (with wslpath emulated inline since the host has none).
func fakeBridge(t *testing.T, statusText string) string {
	t.Helper()
	body := `
case "$1" in
  --status)
    printf '%s'
    exit 0
    ;;
  -e)
    shift
    if [ "$1" = "wslpath" ]; then
      echo "$3"
      exit 0
    fi
    exec "$@"
    ;;
esac
exit 1
`
	body = strings.Replace(body, "%s", escapeForPrintf(statusText), 1)
	return testutil.WriteScript(t, t.TempDir(), "bridge.sh", body)
}

func escapeForPrintf(s string) string {
	return strings.ReplaceAll(s, "\n", `\n`)
}

func TestSubsystemHomeDir(t *testing.T) {
	t.Setenv("HOME", "/home/subsys")
	s := &Subsystem{Bridge: fakeBridge(t, ""), Translator: "wslpath"}

	home, err := s.HomeDir(context.Background())
	if err != nil {
		t.Fatalf("HomeDir: %v", err)
	}
	if home != "/home/subsys" {
		t.Errorf("expected /home/subsys, got %q", home)
	}
}

func TestSubsystemHomeDirEmptyOutput(t *testing.T) {
	t.Setenv("HOME", "")
	s := &Subsystem{Bridge: fakeBridge(t, ""), Translator: "wslpath"}

	_, err := s.HomeDir(context.Background())
	if !errors.Is(err, ErrEnvironmentUnavailable) {
		t.Errorf("expected ErrEnvironmentUnavailable for empty home, got %v", err)
	}
}

func TestSubsystemHomeDirBridgeMissing(t *testing.T) {
	s := &Subsystem{Bridge: "/nonexistent/bridge", Translator: "wslpath"}

	_, err := s.HomeDir(context.Background())
	if !errors.Is(err, ErrEnvironmentUnavailable) {
		t.Errorf("expected ErrEnvironmentUnavailable for missing bridge, got %v", err)
	}
}

func TestSubsystemTranslatePath(t *testing.T) {
	s := &Subsystem{Bridge: fakeBridge(t, ""), Translator: "wslpath"}

	got, err := s.TranslatePath(context.Background(), "/tmp/loom")
	if err != nil {
		t.Fatalf("TranslatePath: %v", err)
	}
	if got != "/tmp/loom" {
		t.Errorf("expected echoed path, got %q", got)
	}
}

func TestSubsystemMissingRequirements(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		bridge     func(t *testing.T) string
		wantSubstr string
	}{
		{
			name:       "bridge not on path",
			bridge:     func(t *testing.T) string { return "/nonexistent/wsl.exe" },
			wantSubstr: "not found on PATH",
		},
		{
			name: "all requirements pass",
			bridge: func(t *testing.T) string {
				return fakeBridge(t, "Default Distribution: Ubuntu\nDefault Version: 2\n")
			},
			wantSubstr: "",
		},
		{
			name: "wrong version",
			bridge: func(t *testing.T) string {
				return fakeBridge(t, "Default Version: 1\n")
			},
			wantSubstr: "version is 1",
		},
		{
			name: "malformed status output",
			bridge: func(t *testing.T) string {
				return fakeBridge(t, "complete garbage with no keys\n")
			},
			wantSubstr: "could not determine",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Subsystem{Bridge: tt.bridge(t), Translator: "wslpath"}
			msg := s.MissingRequirements(ctx)
			if tt.wantSubstr == "" {
				if msg != "" {
					t.Errorf("expected pass, got %q", msg)
				}
				return
			}
			if !strings.Contains(msg, tt.wantSubstr) {
				t.Errorf("expected message containing %q, got %q", tt.wantSubstr, msg)
			}
		})
	}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		name string
		in   string
		key  string
		want string
	}{
		{"normal", "Default Version: 2\n", "Default Version", "2"},
		{"padded", "  Default Version :  2  \n", "Default Version", "2"},
		{"missing key", "Other: x\n", "Default Version", ""},
		{"no colon lines skipped", "garbage\nDefault Version: 2\n", "Default Version", "2"},
		{"empty input", "", "Default Version", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseStatus(tt.in)[tt.key]
			if got != tt.want {
				t.Errorf("parseStatus(%q)[%q] = %q, want %q", tt.in, tt.key, got, tt.want)
			}
		})
	}
}

func TestNormalizeOutput(t *testing.T) {
	// UTF-16LE-ish bytes: every other byte NUL, CRLF line endings.
	in := []byte{'V', 0, ':', 0, ' ', 0, '2', 0, '\r', 0, '\n', 0}
	got := normalizeOutput(in)
	if got != "V: 2\n" {
		t.Errorf("normalizeOutput = %q, want %q", got, "V: 2\n")
	}
}

func TestNativeStrategy(t *testing.T) {
	ctx := context.Background()
	n := Native{}

	if msg := n.MissingRequirements(ctx); msg != "" {
		t.Errorf("native preflight must pass, got %q", msg)
	}
	if got, err := n.TranslatePath(ctx, "/x/y"); err != nil || got != "/x/y" {
		t.Errorf("native translate must be identity, got %q err %v", got, err)
	}
	if !n.NotifiesFileChanges() {
		t.Error("native must report change notification support")
	}

	cmd, err := n.ServerCommand(ctx, "/srv/loom/src", "run.sh")
	if err != nil {
		t.Fatalf("ServerCommand: %v", err)
	}
	if cmd.Path != "/srv/loom/src/run.sh" {
		t.Errorf("ServerCommand path = %q, want the script invoked directly", cmd.Path)
	}
	if cmd.Dir != "/srv/loom/src" {
		t.Errorf("ServerCommand dir = %q, want the source dir", cmd.Dir)
	}
}

func TestSubsystemServerCommand(t *testing.T) {
	bridge := fakeBridge(t, "Default Version: 2")
	s := &Subsystem{Bridge: bridge, Translator: "wslpath"}

	cmd, err := s.ServerCommand(context.Background(), "/srv/loom/src", "run.sh")
	if err != nil {
		t.Fatalf("ServerCommand: %v", err)
	}
	script := cmd.Args[len(cmd.Args)-1]
	if !strings.Contains(script, "cd ") || !strings.Contains(script, "./run.sh") {
		t.Errorf("script = %q, want a cd-and-run sequence", script)
	}
}
