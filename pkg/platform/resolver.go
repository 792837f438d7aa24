package platform

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/vanderheijden86/loom/pkg/debug"
	"github.com/vanderheijden86/loom/pkg/metrics"
)

const (
	installRootName = ".loom"
	sourceSubdir    = "src"
	logFileName     = "server.log"
)

// Paths bundles the three resolved installation paths.
type Paths struct {
	Root    string
	Source  string
	LogFile string
}

// Resolver computes the managed server's installation paths for one
// strategy. All methods are side-effect-free: nothing is created on disk.
//
// The resolved root is memoized per instance so repeated calls do not
// re-spawn the subsystem's home-resolution helper; results are
// deterministic for a fixed environment, so this only saves subprocess
// round trips. Failures are not cached.
type Resolver struct {
	strategy Strategy
	override string // non-empty replaces the <home>/.loom default

	mu   sync.Mutex
	root string
}

// NewResolver returns a Resolver for the given strategy. A non-empty
// rootOverride (from config) replaces the per-user default root.
func NewResolver(strategy Strategy, rootOverride string) *Resolver {
	return &Resolver{strategy: strategy, override: rootOverride}
}

// Strategy returns the strategy this resolver was built with.
func (r *Resolver) Strategy() Strategy { return r.strategy }

// InstallRoot returns the fixed, user-scoped base directory the managed
// server lives under. On the subsystem platform the home is resolved
// through the bridge helper and ErrEnvironmentUnavailable propagates.
func (r *Resolver) InstallRoot(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.root != "" {
		return r.root, nil
	}
	if r.override != "" {
		r.root = r.override
		return r.root, nil
	}

	stop := metrics.Timer(metrics.HomeResolution)
	home, err := r.strategy.HomeDir(ctx)
	stop()
	if err != nil {
		return "", err
	}
	r.root = filepath.Join(home, installRootName)
	debug.Log("resolved install root %q (strategy %s)", r.root, r.strategy.Name())
	return r.root, nil
}

// SourceDir returns the directory the managed server's code is installed
// into, always a subpath of InstallRoot.
func (r *Resolver) SourceDir(ctx context.Context) (string, error) {
	root, err := r.InstallRoot(ctx)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, sourceSubdir), nil
}

// LogFilePath returns the append-only server log path, always a subpath
// of InstallRoot.
func (r *Resolver) LogFilePath(ctx context.Context) (string, error) {
	root, err := r.InstallRoot(ctx)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, logFileName), nil
}

// Resolve returns all three paths at once.
func (r *Resolver) Resolve(ctx context.Context) (Paths, error) {
	root, err := r.InstallRoot(ctx)
	if err != nil {
		return Paths{}, err
	}
	return Paths{
		Root:    root,
		Source:  filepath.Join(root, sourceSubdir),
		LogFile: filepath.Join(root, logFileName),
	}, nil
}
