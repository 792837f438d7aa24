package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	json "github.com/goccy/go-json"

	"github.com/vanderheijden86/loom/pkg/debug"
)

// CheckMissingSystemRequirements reports what the host is missing before
// an install can proceed. The empty string means the host is ready.
func (inst *Installer) CheckMissingSystemRequirements(ctx context.Context) string {
	return inst.strategy.MissingRequirements(ctx)
}

// CheckIfInstalledLocally reports whether the server code has been
// downloaded, keyed off the source directory the bootstrap creates.
func (inst *Installer) CheckIfInstalledLocally(ctx context.Context) (bool, error) {
	sourceDir, err := inst.resolver.SourceDir(ctx)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(sourceDir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

// CheckLocalServerVersion returns the installed server version with all
// whitespace removed. It fails when no version marker exists.
func (inst *Installer) CheckLocalServerVersion(ctx context.Context) (string, error) {
	sourceDir, err := inst.resolver.SourceDir(ctx)
	if err != nil {
		return "", err
	}
	raw, err := os.ReadFile(filepath.Join(sourceDir, versionMarkerFile))
	if err != nil {
		return "", fmt.Errorf("reading version marker: %w", err)
	}
	version := stripSpace(string(raw))
	debug.Log("local server version %q", version)
	return version, nil
}

// CheckIfCondaBinExists reports whether the bundled conda binary is on
// disk under the install root.
func (inst *Installer) CheckIfCondaBinExists(ctx context.Context) (bool, error) {
	root, err := inst.resolver.InstallRoot(ctx)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(condaBinPath(root))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}

// CheckIfCondaEnvironmentExists reports whether the server's conda
// environment has been created. The environment counts as present only
// when conda itself lists it and its directory exists under the install
// root; either alone can be stale.
func (inst *Installer) CheckIfCondaEnvironmentExists(ctx context.Context) (bool, error) {
	root, err := inst.resolver.InstallRoot(ctx)
	if err != nil {
		return false, err
	}
	res := inst.ExecuteInstallStep(ctx, StepListEnvs)
	if !res.OK() {
		return false, fmt.Errorf("listing conda environments: %s", res.Err)
	}
	listed := strings.Contains(res.Stdout, condaEnvName)
	info, err := os.Stat(condaEnvDir(root))
	onDisk := err == nil && info.IsDir()
	debug.Log("conda env check: listed=%t onDisk=%t", listed, onDisk)
	return listed && onDisk, nil
}

// installedPackage is one entry of the package listing emitted by the
// installer script, a pip-style JSON array.
type installedPackage struct {
	Name string `json:"name"`
}

// CheckDependencies verifies that every required Python package is
// installed in the server's environment. Missing packages produce an
// error result naming them; they are never silently tolerated.
func (inst *Installer) CheckDependencies(ctx context.Context) CheckResult {
	sourceDir, err := inst.resolver.SourceDir(ctx)
	if err != nil {
		return CheckResult{Status: StatusError, Message: err.Error()}
	}
	if _, err := os.Stat(filepath.Join(sourceDir, depsMarkerFile)); err != nil {
		return CheckResult{Status: StatusError, Message: "dependencies have not been installed"}
	}

	res := inst.ExecuteInstallStep(ctx, StepListPackages)
	if !res.OK() {
		return CheckResult{Status: StatusError, Message: "listing installed packages: " + res.Err}
	}

	var installed []installedPackage
	if err := json.Unmarshal([]byte(res.Stdout), &installed); err != nil {
		return CheckResult{Status: StatusError, Message: "parsing package listing: " + err.Error()}
	}
	have := make(map[string]bool, len(installed))
	for _, pkg := range installed {
		have[strings.ToLower(pkg.Name)] = true
	}

	var missing []string
	for _, want := range inst.required {
		if !have[strings.ToLower(want)] {
			missing = append(missing, want)
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Status:  StatusError,
			Message: "missing dependencies: " + strings.Join(missing, ", "),
			Data:    missing,
		}
	}
	return CheckResult{Status: StatusSuccess, Message: "all dependencies installed"}
}

// stripSpace removes every whitespace rune, covering markers written with
// trailing newlines or Windows line endings.
func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
