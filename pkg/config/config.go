// Package config handles loading and saving loom configuration.
//
// Configuration follows the XDG Base Directory specification:
//   - Config:  ~/.config/loom/config.yaml (plus hooks.yaml)
//   - Data:    ~/.local/share/loom/ (session history database)
//   - State:   ~/.local/state/loom/ (daemon runtime state)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the config file is absent or a field is unset.
const (
	DefaultListenAddr      = "127.0.0.1:7680"
	DefaultReadinessMarker = "Application startup complete"
	DefaultHealthURL       = "http://127.0.0.1:8338/healthz"
	DefaultBootstrapURL    = "https://raw.githubusercontent.com/vanderheijden86/loom-server/main/install.sh"
	DefaultPollInterval    = 500 * time.Millisecond
)

// Duration wraps time.Duration so YAML values can be written as "30s", "2m".
type Duration time.Duration

// UnmarshalYAML parses a duration string; bare integers are rejected so a
// config typo like `step_timeout: 30` fails loudly instead of meaning 30ns.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in time.Duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ServerConfig controls how the managed server is started and observed.
type ServerConfig struct {
	ReadinessMarker string   `yaml:"readiness_marker,omitempty"` // substring watched for in server stderr
	ReadyTimeout    Duration `yaml:"ready_timeout,omitempty"`    // 0 = wait until the process exits
	HealthURL       string   `yaml:"health_url,omitempty"`       // used by the HTTP readiness probe
}

// InstallConfig controls installer behavior.
type InstallConfig struct {
	StepTimeout  Duration `yaml:"step_timeout,omitempty"` // 0 = no timeout on install steps
	BootstrapURL string   `yaml:"bootstrap_url,omitempty"`
}

// TailConfig controls log tailing.
type TailConfig struct {
	PollInterval Duration `yaml:"poll_interval,omitempty"`
	ForcePoll    bool     `yaml:"force_poll,omitempty"` // skip fsnotify, always poll
}

// DaemonConfig controls the loomd HTTP surface.
type DaemonConfig struct {
	Listen string `yaml:"listen,omitempty"` // host:port, loopback by default
}

// Config is the top-level configuration for loom.
type Config struct {
	InstallRoot string        `yaml:"install_root,omitempty"` // overrides the ~/.loom default
	Server      ServerConfig  `yaml:"server,omitempty"`
	Install     InstallConfig `yaml:"install,omitempty"`
	Tail        TailConfig    `yaml:"tail,omitempty"`
	Daemon      DaemonConfig  `yaml:"daemon,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			ReadinessMarker: DefaultReadinessMarker,
			HealthURL:       DefaultHealthURL,
		},
		Install: InstallConfig{
			BootstrapURL: DefaultBootstrapURL,
		},
		Tail: TailConfig{
			PollInterval: Duration(DefaultPollInterval),
		},
		Daemon: DaemonConfig{
			Listen: DefaultListenAddr,
		},
	}
}

// ConfigDir returns the XDG config directory for loom.
func ConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "loom")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "loom")
}

// DataDir returns the XDG data directory for loom.
func DataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "loom")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "share", "loom")
}

// StateDir returns the XDG state directory for loom.
func StateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "loom")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "state", "loom")
}

// ConfigPath returns the full path to config.yaml.
func ConfigPath() string {
	dir := ConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// HooksPath returns the full path to hooks.yaml.
func HooksPath() string {
	dir := ConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "hooks.yaml")
}

// HistoryDBPath returns the full path to the session history database.
func HistoryDBPath() string {
	dir := DataDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "history.db")
}

// Load reads the config file from the XDG config directory.
// Returns DefaultConfig if the file doesn't exist.
func Load() (Config, error) {
	path := ConfigPath()
	if path == "" {
		return DefaultConfig(), nil
	}
	return LoadFrom(path)
}

// LoadFrom reads config from a specific path.
// Returns DefaultConfig if the file doesn't exist.
func LoadFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}

	// Unset fields fall back to defaults so a sparse file stays usable.
	if cfg.Server.ReadinessMarker == "" {
		cfg.Server.ReadinessMarker = DefaultReadinessMarker
	}
	if cfg.Server.HealthURL == "" {
		cfg.Server.HealthURL = DefaultHealthURL
	}
	if cfg.Install.BootstrapURL == "" {
		cfg.Install.BootstrapURL = DefaultBootstrapURL
	}
	if cfg.Tail.PollInterval == 0 {
		cfg.Tail.PollInterval = Duration(DefaultPollInterval)
	}
	if cfg.Daemon.Listen == "" {
		cfg.Daemon.Listen = DefaultListenAddr
	}

	cfg.InstallRoot = expandHome(cfg.InstallRoot)

	return cfg, nil
}

// Save writes the config to the XDG config directory.
func Save(cfg Config) error {
	path := ConfigPath()
	if path == "" {
		return fmt.Errorf("cannot determine config directory")
	}
	return SaveTo(cfg, path)
}

// SaveTo writes the config to a specific path.
func SaveTo(cfg Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
