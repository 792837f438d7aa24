// Package hooks runs user-defined commands at server lifecycle points.
// Hooks are configured in hooks.yaml under the loom config directory and
// fire around server starts and stops and after installs.
package hooks

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vanderheijden86/loom/pkg/config"
)

// Phase identifies when a hook runs.
type Phase string

const (
	// PreStart runs before the server is spawned. Failure cancels the start.
	PreStart Phase = "pre_start"
	// PostReady runs once the server reports readiness.
	PostReady Phase = "post_ready"
	// PostStop runs after the server process is gone, however it ended.
	PostStop Phase = "post_stop"
	// PostInstall runs after a successful installation.
	PostInstall Phase = "post_install"
)

// Hook defines a single hook configuration.
type Hook struct {
	Name    string            `yaml:"name" json:"name"`
	Command string            `yaml:"command" json:"command"`
	Timeout time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	OnError string            `yaml:"on_error,omitempty" json:"on_error,omitempty"` // "fail" or "continue"
}

// Config holds all hook configurations.
type Config struct {
	Hooks HooksByPhase `yaml:"hooks" json:"hooks"`
}

// HooksByPhase organizes hooks by their execution phase.
type HooksByPhase struct {
	PreStart    []Hook `yaml:"pre_start,omitempty" json:"pre_start,omitempty"`
	PostReady   []Hook `yaml:"post_ready,omitempty" json:"post_ready,omitempty"`
	PostStop    []Hook `yaml:"post_stop,omitempty" json:"post_stop,omitempty"`
	PostInstall []Hook `yaml:"post_install,omitempty" json:"post_install,omitempty"`
}

// DefaultTimeout is the default hook execution timeout.
const DefaultTimeout = 30 * time.Second

// Loader loads hook configuration from hooks.yaml.
type Loader struct {
	configDir string
	config    *Config
	warnings  []string
}

// LoaderOption configures the loader.
type LoaderOption func(*Loader)

// WithConfigDir sets the directory holding hooks.yaml (default: the
// loom config directory).
func WithConfigDir(dir string) LoaderOption {
	return func(l *Loader) {
		l.configDir = dir
	}
}

// NewLoader creates a new hook loader with options.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{}

	for _, opt := range opts {
		opt(l)
	}

	if l.configDir == "" {
		l.configDir = config.ConfigDir()
	}

	return l
}

// Load reads hooks.yaml. A missing file means no hooks and is not an
// error.
func (l *Loader) Load() error {
	configPath := filepath.Join(l.configDir, "hooks.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			l.config = &Config{}
			return nil
		}
		return fmt.Errorf("reading hooks config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", configPath, err)
	}

	l.normalizeConfig(&cfg)

	l.config = &cfg
	return nil
}

// normalizeConfig applies defaults and validates hooks.
func (l *Loader) normalizeConfig(cfg *Config) {
	cfg.Hooks.PreStart, l.warnings = normalizeHooks(cfg.Hooks.PreStart, PreStart, l.warnings)
	cfg.Hooks.PostReady, l.warnings = normalizeHooks(cfg.Hooks.PostReady, PostReady, l.warnings)
	cfg.Hooks.PostStop, l.warnings = normalizeHooks(cfg.Hooks.PostStop, PostStop, l.warnings)
	cfg.Hooks.PostInstall, l.warnings = normalizeHooks(cfg.Hooks.PostInstall, PostInstall, l.warnings)
}

// normalizeHooks applies defaults, drops empty commands, and accumulates warnings.
func normalizeHooks(hooks []Hook, phase Phase, warnings []string) ([]Hook, []string) {
	var out []Hook
	for i := range hooks {
		hook := hooks[i]
		if strings.TrimSpace(hook.Command) == "" {
			warnings = append(warnings, fmt.Sprintf("%s hook %d has empty command; skipping", phase, i+1))
			continue
		}
		if hook.Timeout == 0 {
			hook.Timeout = DefaultTimeout
		}
		if hook.OnError == "" {
			if phase == PreStart {
				hook.OnError = "fail" // a failing pre_start hook cancels the start
			} else {
				hook.OnError = "continue"
			}
		}
		if hook.Name == "" {
			hook.Name = fmt.Sprintf("%s-%d", phase, i+1)
		}
		out = append(out, hook)
	}
	return out, warnings
}

// Config returns the loaded configuration (or empty if not loaded).
func (l *Loader) Config() *Config {
	if l.config == nil {
		return &Config{}
	}
	return l.config
}

// HasHooks returns true if any hooks are configured.
func (l *Loader) HasHooks() bool {
	if l.config == nil {
		return false
	}
	h := l.config.Hooks
	return len(h.PreStart) > 0 || len(h.PostReady) > 0 || len(h.PostStop) > 0 || len(h.PostInstall) > 0
}

// GetHooks returns hooks for a specific phase.
func (l *Loader) GetHooks(phase Phase) []Hook {
	if l.config == nil {
		return nil
	}
	return l.config.Hooks.forPhase(phase)
}

func (h HooksByPhase) forPhase(phase Phase) []Hook {
	switch phase {
	case PreStart:
		return h.PreStart
	case PostReady:
		return h.PostReady
	case PostStop:
		return h.PostStop
	case PostInstall:
		return h.PostInstall
	default:
		return nil
	}
}

// Warnings returns any warnings from loading.
func (l *Loader) Warnings() []string {
	return l.warnings
}

// LoadDefault creates a loader and loads with default settings.
func LoadDefault() (*Loader, error) {
	loader := NewLoader()
	if err := loader.Load(); err != nil {
		return nil, err
	}
	return loader, nil
}

// UnmarshalYAML implements custom YAML unmarshalling for Duration
func (h *Hook) UnmarshalYAML(node *yaml.Node) error {
	// WARNING: This struct must match Hook definition exactly, except for Timeout which is string.
	// If you add a field to Hook, you MUST add it here too.
	type hookDTO struct {
		Name    string            `yaml:"name"`
		Command string            `yaml:"command"`
		Timeout string            `yaml:"timeout,omitempty"`
		Env     map[string]string `yaml:"env,omitempty"`
		OnError string            `yaml:"on_error,omitempty"`
	}

	var dto hookDTO
	if err := node.Decode(&dto); err != nil {
		return err
	}

	h.Name = dto.Name
	h.Command = dto.Command
	h.Env = dto.Env
	h.OnError = dto.OnError

	// Parse timeout
	if dto.Timeout != "" {
		d, err := time.ParseDuration(dto.Timeout)
		if err == nil {
			h.Timeout = d
		} else {
			// Fallback: try numeric value (assumed seconds)
			// This handles cases like "timeout: 30" which YAML decodes as string "30"
			// but time.ParseDuration rejects (missing unit).
			var seconds float64
			if _, scanErr := fmt.Sscanf(dto.Timeout, "%f", &seconds); scanErr == nil {
				h.Timeout = time.Duration(seconds * float64(time.Second))
			} else {
				return fmt.Errorf("invalid timeout %q: %w", dto.Timeout, err)
			}
		}
	}

	return nil
}
