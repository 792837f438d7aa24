// Package daemon exposes the lifecycle manager over a local HTTP API.
//
// loomd wires the installer, the process controller, the history store,
// and the log tailer behind a small echo server bound to loopback. Every
// route maps onto one lifecycle operation and answers JSON; the log
// stream is served as server-sent events. Handlers take narrow
// interfaces so tests can substitute fakes for the subprocess-heavy
// implementations.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vanderheijden86/loom/internal/state"
	"github.com/vanderheijden86/loom/pkg/debug"
	"github.com/vanderheijden86/loom/pkg/installer"
	"github.com/vanderheijden86/loom/pkg/metrics"
	"github.com/vanderheijden86/loom/pkg/server"
	"github.com/vanderheijden86/loom/pkg/tailer"
)

// defaultGraceful bounds how long shutdown waits for in-flight requests.
const defaultGraceful = 5 * time.Second

// Lifecycle is the process-controller surface the daemon serves.
type Lifecycle interface {
	Start(ctx context.Context) (server.StartResult, error)
	Kill(ctx context.Context) error
	Info() server.Info
}

// Checker runs the installer's verification operations.
type Checker interface {
	CheckMissingSystemRequirements(ctx context.Context) string
	CheckIfInstalledLocally(ctx context.Context) (bool, error)
	CheckLocalServerVersion(ctx context.Context) (string, error)
	CheckIfCondaBinExists(ctx context.Context) (bool, error)
	CheckIfCondaEnvironmentExists(ctx context.Context) (bool, error)
	CheckDependencies(ctx context.Context) installer.CheckResult
}

// StepRunner runs the installer's mutating operations.
type StepRunner interface {
	InstallLocalServer(ctx context.Context) installer.CheckResult
	InstallConda(ctx context.Context) installer.StepResult
	CreateCondaEnvironment(ctx context.Context) installer.StepResult
	InstallDependencies(ctx context.Context) installer.StepResult
}

// History is the state-store surface the daemon reads and reconciles.
type History interface {
	LastSession(ctx context.Context) (state.Session, error)
	MarkOrphaned(ctx context.Context, id string) error
	RecentSessions(ctx context.Context, n int) ([]state.Session, error)
}

// Adopter takes over a surviving server process from a previous run.
type Adopter interface {
	Adopt(pid int, sessionID string, startedAt time.Time, logPath string) bool
}

var (
	_ Lifecycle  = (*server.Controller)(nil)
	_ Adopter    = (*server.Controller)(nil)
	_ Checker    = (*installer.Installer)(nil)
	_ StepRunner = (*installer.Installer)(nil)
	_ History    = (*state.Store)(nil)
)

// Options carries the wired components the daemon serves. Lifecycle,
// Checks, Steps, History, and LogPath are required. Collector is
// optional and gates the /metrics route; Tail options are passed
// through to the log tailer.
type Options struct {
	Lifecycle Lifecycle
	Checks    Checker
	Steps     StepRunner
	History   History
	LogPath   string
	Tail      []tailer.Option
	Collector *metrics.PrometheusCollector
	Graceful  time.Duration
}

// Daemon is the HTTP surface over one wired lifecycle stack.
type Daemon struct {
	e        *echo.Echo
	hub      *hub
	graceful time.Duration

	quit     chan struct{}
	quitOnce sync.Once
}

// New builds the routing tree over the given components.
func New(opts Options) (*Daemon, error) {
	switch {
	case opts.Lifecycle == nil:
		return nil, errors.New("lifecycle controller is required")
	case opts.Checks == nil || opts.Steps == nil:
		return nil, errors.New("installer is required")
	case opts.History == nil:
		return nil, errors.New("history store is required")
	case opts.LogPath == "":
		return nil, errors.New("log path is required")
	}

	h, err := newHub(opts.LogPath, opts.Tail...)
	if err != nil {
		return nil, fmt.Errorf("preparing log stream: %w", err)
	}

	d := &Daemon{
		hub:      h,
		graceful: opts.Graceful,
		quit:     make(chan struct{}),
	}
	if d.graceful <= 0 {
		d.graceful = defaultGraceful
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = serializer{}

	e.GET("/v1/requirements", RequirementsHandler(opts.Checks))
	e.GET("/v1/installed", InstalledHandler(opts.Checks))
	e.GET("/v1/version", VersionHandler(opts.Checks))
	e.POST("/v1/server/start", StartHandler(opts.Lifecycle))
	e.POST("/v1/server/kill", KillHandler(opts.Lifecycle))
	e.GET("/v1/server/status", StatusHandler(opts.Lifecycle, opts.Checks))
	e.POST("/v1/install", InstallHandler(opts.Steps))
	e.POST("/v1/install/conda", InstallCondaHandler(opts.Steps))
	e.POST("/v1/install/env", InstallEnvHandler(opts.Steps))
	e.POST("/v1/install/deps", InstallDepsHandler(opts.Steps))
	e.GET("/v1/conda", CondaHandler(opts.Checks))
	e.GET("/v1/conda/env", CondaEnvHandler(opts.Checks))
	e.GET("/v1/deps", DepsHandler(opts.Checks))
	e.GET("/v1/logs/stream", streamHandler(h, d.quit))
	e.GET("/v1/history", HistoryHandler(opts.History))
	if opts.Collector != nil {
		e.GET("/metrics", echo.WrapHandler(
			promhttp.HandlerFor(opts.Collector.Registry(), promhttp.HandlerOpts{}),
		))
	}

	d.e = e
	return d, nil
}

// Handler exposes the routing tree for tests and embedding.
func (d *Daemon) Handler() http.Handler { return d.e }

// Serve runs the HTTP surface on addr until ctx is canceled. A clean
// shutdown returns nil.
func (d *Daemon) Serve(ctx context.Context, addr string) error {
	stop := make(chan error, 1)
	go func() { stop <- d.e.Start(addr) }()

	select {
	case err := <-stop:
		return err
	case <-ctx.Done():
	}

	// Wake streaming handlers first so they do not hold shutdown open
	// for the full graceful period.
	d.quitOnce.Do(func() { close(d.quit) })

	sctx, cancel := context.WithTimeout(context.Background(), d.graceful)
	defer cancel()
	if err := d.e.Shutdown(sctx); err != nil {
		d.e.Close()
	}
	if err := <-stop; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Recover reconciles the history store with reality after a daemon
// restart: a session recorded as live is adopted when its process still
// runs and marked orphaned when it does not. Returns whether a process
// was adopted.
func Recover(ctx context.Context, hist History, ad Adopter) (bool, error) {
	last, err := hist.LastSession(ctx)
	if errors.Is(err, state.ErrNoSessions) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading last session: %w", err)
	}
	if !last.Live() {
		return false, nil
	}

	if ad.Adopt(last.PID, last.ID, last.StartedAt, last.LogPath) {
		debug.Log("adopted session %s pid=%d", last.ID, last.PID)
		return true, nil
	}
	if err := hist.MarkOrphaned(ctx, last.ID); err != nil {
		return false, fmt.Errorf("marking session %s orphaned: %w", last.ID, err)
	}
	debug.Log("session %s pid=%d is gone, marked orphaned", last.ID, last.PID)
	return false, nil
}
