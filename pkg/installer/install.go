package installer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/vanderheijden86/loom/pkg/debug"
	"github.com/vanderheijden86/loom/pkg/platform"
)

// InstallLocalServer downloads the server source by piping the bootstrap
// script into a shell. Output is mirrored to the server log file. The
// download tool is probed first; when it is unavailable the result is an
// error and nothing has been written to disk.
func (inst *Installer) InstallLocalServer(ctx context.Context) CheckResult {
	if err := inst.verifyDownloadTool(ctx); err != nil {
		return CheckResult{Status: StatusError, Message: err.Error()}
	}

	root, err := inst.resolver.InstallRoot(ctx)
	if err != nil {
		return CheckResult{Status: StatusError, Message: err.Error()}
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return CheckResult{Status: StatusError, Message: "creating install root: " + err.Error()}
	}
	logPath, err := inst.resolver.LogFilePath(ctx)
	if err != nil {
		return CheckResult{Status: StatusError, Message: err.Error()}
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return CheckResult{Status: StatusError, Message: "opening server log: " + err.Error()}
	}
	defer logFile.Close()

	script := fmt.Sprintf("%s -fsSL %s | sh -s -- download",
		platform.Quote(inst.downloadTool), platform.Quote(inst.bootstrapURL))
	cmd := inst.strategy.ShellCommand(ctx, script)
	cmd.Dir = root
	cmd.Stdout = logFile
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	debug.Log("bootstrap: %v", cmd.Args)

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return CheckResult{Status: StatusError, Message: "bootstrap failed: " + msg}
	}
	return CheckResult{Status: StatusSuccess, Message: "server downloaded to " + root}
}

// verifyDownloadTool confirms the configured download tool runs at all.
func (inst *Installer) verifyDownloadTool(ctx context.Context) error {
	cmd := inst.strategy.ShellCommand(ctx, platform.Quote(inst.downloadTool)+" --version")
	if out, err := cmd.CombinedOutput(); err != nil {
		debug.Log("download tool probe failed: %v (%s)", err, bytes.TrimSpace(out))
		return fmt.Errorf("%s is not available: %w", inst.downloadTool, err)
	}
	return nil
}

// InstallConda installs the bundled miniconda under the install root.
func (inst *Installer) InstallConda(ctx context.Context) StepResult {
	return inst.ExecuteInstallStep(ctx, StepInstallConda)
}

// CreateCondaEnvironment creates the server's conda environment.
func (inst *Installer) CreateCondaEnvironment(ctx context.Context) StepResult {
	return inst.ExecuteInstallStep(ctx, StepCreateEnv)
}

// InstallDependencies installs the server's Python dependencies into its
// conda environment.
func (inst *Installer) InstallDependencies(ctx context.Context) StepResult {
	return inst.ExecuteInstallStep(ctx, StepInstallDeps)
}

// InstallPhase names one stage of a full installation.
type InstallPhase string

const (
	PhaseDownload InstallPhase = "download"
	PhaseConda    InstallPhase = "conda"
	PhaseEnv      InstallPhase = "environment"
	PhaseDeps     InstallPhase = "dependencies"
)

// InstallPhases lists the phases of a full installation in order.
var InstallPhases = []InstallPhase{PhaseDownload, PhaseConda, PhaseEnv, PhaseDeps}

// EnsureInstalled brings the installation to a runnable state, executing
// only the phases whose checks fail. After every phase that ran, report
// is invoked with its outcome (nil report is fine). The first failing
// phase stops the sequence and is returned as an error.
func (inst *Installer) EnsureInstalled(ctx context.Context, report func(InstallPhase, CheckResult)) error {
	emit := func(phase InstallPhase, res CheckResult) {
		if report != nil {
			report(phase, res)
		}
	}
	fail := func(phase InstallPhase, res CheckResult) error {
		emit(phase, res)
		return fmt.Errorf("install phase %s: %s", phase, res.Message)
	}

	installed, err := inst.CheckIfInstalledLocally(ctx)
	if err != nil {
		return fail(PhaseDownload, CheckResult{Status: StatusError, Message: err.Error()})
	}
	if !installed {
		res := inst.InstallLocalServer(ctx)
		if res.Status != StatusSuccess {
			return fail(PhaseDownload, res)
		}
		emit(PhaseDownload, res)
	}

	haveConda, err := inst.CheckIfCondaBinExists(ctx)
	if err != nil {
		return fail(PhaseConda, CheckResult{Status: StatusError, Message: err.Error()})
	}
	if !haveConda {
		res := inst.InstallConda(ctx)
		if !res.OK() {
			return fail(PhaseConda, stepFailure(res))
		}
		emit(PhaseConda, CheckResult{Status: StatusSuccess, Message: "conda installed"})
	}

	haveEnv, err := inst.CheckIfCondaEnvironmentExists(ctx)
	if err != nil {
		return fail(PhaseEnv, CheckResult{Status: StatusError, Message: err.Error()})
	}
	if !haveEnv {
		res := inst.CreateCondaEnvironment(ctx)
		if !res.OK() {
			return fail(PhaseEnv, stepFailure(res))
		}
		emit(PhaseEnv, CheckResult{Status: StatusSuccess, Message: "environment created"})
	}

	if deps := inst.CheckDependencies(ctx); deps.Status != StatusSuccess {
		res := inst.InstallDependencies(ctx)
		if !res.OK() {
			return fail(PhaseDeps, stepFailure(res))
		}
		if deps = inst.CheckDependencies(ctx); deps.Status != StatusSuccess {
			return fail(PhaseDeps, deps)
		}
		emit(PhaseDeps, deps)
	}
	return nil
}

// stepFailure folds a failed StepResult into a CheckResult, preferring
// stderr as the message.
func stepFailure(res StepResult) CheckResult {
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = "exit status " + res.Err
	}
	return CheckResult{Status: StatusError, Message: msg}
}
