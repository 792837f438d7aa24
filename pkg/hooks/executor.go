package hooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/vanderheijden86/loom/pkg/debug"
)

// maxSummaryOutput bounds stderr excerpts in the summary.
const maxSummaryOutput = 200

// Result records one hook execution.
type Result struct {
	Hook     string
	Phase    Phase
	Success  bool
	Error    error
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Executor runs configured hooks for lifecycle phases. Commands execute
// through `sh -c` with the caller-provided LOOM_* variables layered on
// top of the process environment. A nil Executor runs nothing.
type Executor struct {
	cfg *Config

	mu      sync.Mutex
	results []Result
}

// NewExecutor creates an executor over the given configuration.
func NewExecutor(cfg *Config) *Executor {
	return &Executor{cfg: cfg}
}

// Attach loads hooks.yaml from configDir and returns an executor, or
// nil when no hooks are configured.
func Attach(configDir string) (*Executor, error) {
	loader := NewLoader(WithConfigDir(configDir))
	if err := loader.Load(); err != nil {
		return nil, err
	}
	for _, w := range loader.Warnings() {
		debug.Log("hooks: %s", w)
	}
	if !loader.HasHooks() {
		return nil, nil
	}
	return NewExecutor(loader.Config()), nil
}

// RunPhase executes all hooks of the phase in order. pre_start stops at
// the first failing hook; the other phases always run every hook and
// report failures only for hooks with on_error "fail".
func (e *Executor) RunPhase(ctx context.Context, phase string, env map[string]string) error {
	if e == nil || e.cfg == nil {
		return nil
	}
	hooks := e.cfg.Hooks.forPhase(Phase(phase))
	if len(hooks) == 0 {
		return nil
	}

	stopOnFail := Phase(phase) == PreStart
	var errs []error
	for _, hook := range hooks {
		res := e.runHook(ctx, Phase(phase), hook, env)

		e.mu.Lock()
		e.results = append(e.results, res)
		e.mu.Unlock()

		if res.Success {
			continue
		}
		if hook.OnError == "fail" {
			if stopOnFail {
				return res.Error
			}
			errs = append(errs, res.Error)
		}
	}
	return errors.Join(errs...)
}

func (e *Executor) runHook(ctx context.Context, phase Phase, hook Hook, env map[string]string) Result {
	hctx := ctx
	if hook.Timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, hook.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(hctx, "sh", "-c", hook.Command)
	cmd.Env = os.Environ()
	cmd.Env = append(cmd.Env, "LOOM_PHASE="+string(phase))
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	for k, v := range hook.Env {
		// Hook-local env values may reference the OS environment.
		cmd.Env = append(cmd.Env, k+"="+os.ExpandEnv(v))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	res := Result{
		Hook:     hook.Name,
		Phase:    phase,
		Success:  err == nil,
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: duration,
	}
	if err != nil {
		if hctx.Err() == context.DeadlineExceeded {
			res.Error = fmt.Errorf("hook %q timed out after %s", hook.Name, hook.Timeout)
		} else {
			res.Error = fmt.Errorf("hook %q: %w", hook.Name, err)
		}
		debug.Log("hook %s/%s failed in %s: %v", phase, hook.Name, duration.Round(time.Millisecond), res.Error)
	} else {
		debug.Log("hook %s/%s ok in %s", phase, hook.Name, duration.Round(time.Millisecond))
	}
	return res
}

// Results returns all executions so far, in run order.
func (e *Executor) Results() []Result {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

// Summary renders a human-readable recap of all hook runs, with stderr
// excerpts for failures.
func (e *Executor) Summary() string {
	results := e.Results()
	if len(results) == 0 {
		return ""
	}

	succeeded, failed := 0, 0
	for _, r := range results {
		if r.Success {
			succeeded++
		} else {
			failed++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "hooks: %d succeeded, %d failed\n", succeeded, failed)
	for _, r := range results {
		if r.Success {
			continue
		}
		fmt.Fprintf(&b, "  %s/%s: %v\n", r.Phase, r.Hook, r.Error)
		if r.Stderr != "" {
			fmt.Fprintf(&b, "    stderr: %s\n", truncateOutput(r.Stderr))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncateOutput(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxSummaryOutput {
		return s
	}
	return s[:maxSummaryOutput] + "..."
}
