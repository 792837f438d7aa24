package installer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/vanderheijden86/loom/pkg/debug"
	"github.com/vanderheijden86/loom/pkg/platform"
)

// pipeGrace bounds how long a finished or cancelled step may keep its
// output pipes open through lingering grandchildren.
const pipeGrace = 5 * time.Second

// ExecuteInstallStep runs one step of the installer script and blocks until
// the subprocess exits. Stdout is mirrored into the server log file while
// also being captured in the result; stderr is captured only. The returned
// StepResult is never accompanied by an error: spawn failures and non-zero
// exits are folded into its Err field so callers have a single path to
// render.
//
// When the installer was configured with a step timeout, the subprocess is
// killed after that duration and the result carries the context error text.
func (inst *Installer) ExecuteInstallStep(ctx context.Context, step string) StepResult {
	started := time.Now()
	result := inst.runStep(ctx, step)
	elapsed := time.Since(started)

	debug.Log("install step %s finished in %s (err=%q)", step, elapsed.Round(time.Millisecond), result.Err)
	if inst.observer != nil {
		inst.observer(step, elapsed, result)
	}
	return result
}

func (inst *Installer) runStep(ctx context.Context, step string) StepResult {
	sourceDir, err := inst.resolver.SourceDir(ctx)
	if err != nil {
		return StepResult{Err: fmt.Sprintf("resolving source directory: %v", err)}
	}
	scriptPath, err := inst.strategy.TranslatePath(ctx, filepath.Join(sourceDir, installScriptName))
	if err != nil {
		return StepResult{Err: fmt.Sprintf("translating script path: %v", err)}
	}

	if inst.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inst.stepTimeout)
		defer cancel()
	}

	logFile, err := inst.openLogFile(ctx)
	if err != nil {
		debug.Log("install step %s: log file unavailable: %v", step, err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	var outBuf, errBuf bytes.Buffer
	cmd := inst.strategy.ShellCommand(ctx, platform.Quote(scriptPath)+" "+step)
	cmd.Stdout = &outBuf
	if logFile != nil {
		cmd.Stdout = io.MultiWriter(&outBuf, logFile)
	}
	cmd.Stderr = &errBuf
	cmd.WaitDelay = pipeGrace
	debug.Log("install step %s: %v", step, cmd.Args)

	runErr := cmd.Run()
	result := StepResult{Stdout: outBuf.String(), Stderr: errBuf.String()}
	switch {
	case runErr == nil:
	case ctx.Err() != nil:
		result.Err = ctx.Err().Error()
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.Err = "1"
		} else {
			result.Err = runErr.Error()
		}
	}
	return result
}

// openLogFile opens the server log for appending, creating the install
// root on first use.
func (inst *Installer) openLogFile(ctx context.Context) (*os.File, error) {
	logPath, err := inst.resolver.LogFilePath(ctx)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating install root: %w", err)
	}
	return os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}
