// Package installer bootstraps the Loom server installation: it downloads
// the server code, manages the conda environment it runs in, and verifies
// prerequisites.
//
// Every operation reports failure through its return value rather than an
// error dialog or panic: checks return a message or a structured result
// the caller renders. Only programming errors surface as Go errors.
package installer

import (
	"path/filepath"
	"time"

	"github.com/vanderheijden86/loom/pkg/config"
	"github.com/vanderheijden86/loom/pkg/platform"
)

// Marker files written by the external installer script, only read here.
const (
	versionMarkerFile = "LATEST_VERSION"
	depsMarkerFile    = "INSTALLED_DEPENDENCIES"
)

const (
	installScriptName   = "install.sh"
	condaEnvName        = "loom"
	defaultDownloadTool = "curl"
)

// Install-step arguments understood by the installer script.
const (
	StepInstallConda = "install_conda"
	StepCreateEnv    = "create_conda_environment"
	StepInstallDeps  = "install_dependencies"
	StepListEnvs     = "list_environments"
	StepListPackages = "list_installed_packages"
)

// RequiredPackages are the Python packages the server needs before it can
// boot. CheckDependencies diffs the environment's installed packages
// against this list.
var RequiredPackages = []string{"fastapi", "uvicorn", "huggingface_hub", "torch"}

// Result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// StepResult is the immutable outcome of one install-step invocation.
// Err is "" on success, "1" when the step exited non-zero, or the spawn
// error text when the process never started.
type StepResult struct {
	Err    string `json:"error"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// OK reports whether the step succeeded.
func (r StepResult) OK() bool { return r.Err == "" }

// CheckResult is the structured outcome of a verification operation.
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// StepObserver is notified after each install-step subprocess completes.
type StepObserver func(step string, elapsed time.Duration, result StepResult)

// Installer runs install steps and checks against one installation.
type Installer struct {
	resolver     *platform.Resolver
	strategy     platform.Strategy
	bootstrapURL string
	stepTimeout  time.Duration
	downloadTool string
	required     []string
	observer     StepObserver
}

// Option customizes an Installer.
type Option func(*Installer)

// WithDownloadTool overrides the download tool probed and used by
// InstallLocalServer. Tests point this at a fake.
func WithDownloadTool(tool string) Option {
	return func(inst *Installer) { inst.downloadTool = tool }
}

// WithRequiredPackages overrides the dependency allow-list.
func WithRequiredPackages(pkgs []string) Option {
	return func(inst *Installer) { inst.required = pkgs }
}

// WithStepObserver registers a callback invoked after every install step.
func WithStepObserver(fn StepObserver) Option {
	return func(inst *Installer) { inst.observer = fn }
}

// New returns an Installer over the given resolver, configured from the
// install section of the loom config. Zero-valued config fields fall back
// to defaults.
func New(resolver *platform.Resolver, cfg config.InstallConfig, opts ...Option) *Installer {
	inst := &Installer{
		resolver:     resolver,
		strategy:     resolver.Strategy(),
		bootstrapURL: cfg.BootstrapURL,
		stepTimeout:  cfg.StepTimeout.Std(),
		downloadTool: defaultDownloadTool,
		required:     RequiredPackages,
	}
	if inst.bootstrapURL == "" {
		inst.bootstrapURL = config.DefaultBootstrapURL
	}
	for _, opt := range opts {
		opt(inst)
	}
	return inst
}

// condaBinPath returns the fixed conda binary location under the root.
func condaBinPath(root string) string {
	return filepath.Join(root, "miniconda3", "bin", "conda")
}

// condaEnvDir returns the on-disk directory for the server's environment.
func condaEnvDir(root string) string {
	return filepath.Join(root, "envs", condaEnvName)
}
