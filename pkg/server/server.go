// Package server owns the managed backend server's process lifecycle:
// spawning it, mirroring its output into the append-only log, detecting
// readiness, and tearing the whole process tree down again.
//
// A Controller tracks zero or one managed process. Starting while a
// process is live is rejected with ErrAlreadyRunning; killing while
// nothing runs is a no-op. All state transitions are driven by the
// process itself (readiness observed in its output, exit observed by a
// single waiter goroutine), never by callers guessing.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vanderheijden86/loom/pkg/config"
	"github.com/vanderheijden86/loom/pkg/debug"
	"github.com/vanderheijden86/loom/pkg/metrics"
	"github.com/vanderheijden86/loom/pkg/platform"
)

// launchScript is the entry point the installer places in the source dir.
const launchScript = "run.sh"

// stderrTailLimit bounds the stderr kept in memory for error reports.
const stderrTailLimit = 4096

// killGrace is how long the process tree gets to exit after SIGTERM
// before SIGKILL escalation.
const killGrace = 5 * time.Second

// adoptedPollInterval is the liveness poll cadence for adopted processes,
// which have no wait handle.
const adoptedPollInterval = 500 * time.Millisecond

// ErrAlreadyRunning is returned by Start while a managed server is
// starting or running. The second start is rejected, never queued.
var ErrAlreadyRunning = errors.New("managed server is already running")

// State is the controller's lifecycle state.
type State string

const (
	StateNotRunning State = "not_running"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateFailed     State = "failed"
)

// Session outcomes recorded in the history store.
const (
	outcomeExited = "exited"
	outcomeFailed = "failed"
	outcomeKilled = "killed"
)

// Hook phases fired by the controller.
const (
	phasePreStart  = "pre_start"
	phasePostReady = "post_ready"
	phasePostStop  = "post_stop"
)

// StartResult is the outcome of a start operation. Status is "success"
// when the server became ready or exited cleanly, "error" otherwise;
// Message carries the stderr tail and log path for failed starts.
type StartResult struct {
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// Info is a point-in-time snapshot of the controller for status surfaces.
type Info struct {
	State     State     `json:"state"`
	PID       int       `json:"pid,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Ready     bool      `json:"ready"`
	Adopted   bool      `json:"adopted,omitempty"`
	LogPath   string    `json:"log_path,omitempty"`
}

// HookRunner executes user hooks for a lifecycle phase. Implemented by
// hooks.Executor; nil disables hooks.
type HookRunner interface {
	RunPhase(ctx context.Context, phase string, env map[string]string) error
}

// SessionRecorder persists session lifecycle events. Implemented by
// state.Store; nil disables recording.
type SessionRecorder interface {
	BeginSession(ctx context.Context, pid int, logPath string) (string, error)
	MarkReady(ctx context.Context, id string) error
	EndSession(ctx context.Context, id string, exitCode int, status string) error
}

// Controller manages the zero-or-one backend server process.
type Controller struct {
	resolver  *platform.Resolver
	strategy  platform.Strategy
	cfg       config.ServerConfig
	readiness Readiness
	hooks     HookRunner
	recorder  SessionRecorder
	collector metrics.Collector

	mu     sync.Mutex
	state  State
	handle *handle
}

// handle tracks one live managed process. cmd is nil for adopted
// processes, which are killable but not observed through a pipe.
type handle struct {
	cmd       *exec.Cmd
	pid       int
	sessionID string
	startedAt time.Time
	logPath   string
	adopted   bool

	ready     atomic.Bool
	readyOnce sync.Once
	readyCh   chan struct{}

	killed atomic.Bool

	// waitDone is closed by the monitor goroutine after the exit is fully
	// observed and recorded; exitCode is valid only after that.
	waitDone chan struct{}
	exitCode int

	tail *stderrTail
}

func (h *handle) hookEnv() map[string]string {
	return map[string]string{
		"LOOM_PID":        strconv.Itoa(h.pid),
		"LOOM_SESSION_ID": h.sessionID,
		"LOOM_LOG_PATH":   h.logPath,
	}
}

// Option customizes a Controller.
type Option func(*Controller)

// WithReadiness replaces the readiness policy.
func WithReadiness(r Readiness) Option {
	return func(c *Controller) { c.readiness = r }
}

// WithHooks wires the user-hook executor into lifecycle transitions.
func WithHooks(h HookRunner) Option {
	return func(c *Controller) { c.hooks = h }
}

// WithRecorder wires the session history store.
func WithRecorder(r SessionRecorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithCollector replaces the no-op metrics collector.
func WithCollector(col metrics.Collector) Option {
	return func(c *Controller) { c.collector = col }
}

// New returns a Controller over the given resolver, configured from the
// server section of the loom config.
func New(resolver *platform.Resolver, cfg config.ServerConfig, opts ...Option) *Controller {
	marker := cfg.ReadinessMarker
	if marker == "" {
		marker = config.DefaultReadinessMarker
	}
	c := &Controller{
		resolver:  resolver,
		strategy:  resolver.Strategy(),
		cfg:       cfg,
		readiness: MarkerReadiness(marker),
		collector: metrics.Noop{},
		state:     StateNotRunning,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info returns a snapshot for status surfaces.
func (c *Controller) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := Info{State: c.state}
	if h := c.handle; h != nil {
		info.PID = h.pid
		info.SessionID = h.sessionID
		info.StartedAt = h.startedAt
		info.Ready = h.ready.Load()
		info.Adopted = h.adopted
		info.LogPath = h.logPath
	}
	return info
}

// Start spawns the managed server and blocks until it becomes ready,
// exits, or the configured ready timeout expires. A second start while
// one is starting, running, or stopping returns ErrAlreadyRunning.
//
// Readiness is decided by the configured Readiness policy over the
// child's stderr (and, for probing policies, an out-of-band check); the
// server keeps running after Start returns. An exit before readiness
// with code 0 still counts as success. Spawn failures return an error;
// everything the server itself did wrong comes back in the StartResult.
func (c *Controller) Start(ctx context.Context) (StartResult, error) {
	c.mu.Lock()
	switch c.state {
	case StateStarting, StateRunning, StateStopping:
		c.mu.Unlock()
		return StartResult{}, ErrAlreadyRunning
	}
	c.state = StateStarting
	c.mu.Unlock()

	res, err := c.doStart(ctx)
	return res, err
}

func (c *Controller) doStart(ctx context.Context) (StartResult, error) {
	paths, err := c.resolver.Resolve(ctx)
	if err != nil {
		c.setState(StateFailed)
		return StartResult{}, fmt.Errorf("resolving paths: %w", err)
	}

	if c.hooks != nil {
		if err := c.hooks.RunPhase(ctx, phasePreStart, map[string]string{"LOOM_LOG_PATH": paths.LogFile}); err != nil {
			c.setState(StateNotRunning)
			return StartResult{}, fmt.Errorf("pre_start hook: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(paths.LogFile), 0o755); err != nil {
		c.setState(StateFailed)
		return StartResult{}, fmt.Errorf("creating install root: %w", err)
	}
	logFile, err := os.OpenFile(paths.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		c.setState(StateFailed)
		return StartResult{}, fmt.Errorf("opening server log: %w", err)
	}

	// The child must outlive the start request: its lifetime is governed
	// by Kill, not by the caller's context.
	spawnCtx := context.WithoutCancel(ctx)
	cmd, err := c.strategy.ServerCommand(spawnCtx, paths.Source, launchScript)
	if err != nil {
		logFile.Close()
		c.setState(StateFailed)
		return StartResult{}, fmt.Errorf("building server command: %w", err)
	}
	cmd.Stdout = logFile
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		logFile.Close()
		c.setState(StateFailed)
		return StartResult{}, err
	}
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		c.setState(StateFailed)
		return StartResult{}, fmt.Errorf("spawning server: %w", err)
	}

	h := &handle{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		logPath:   paths.LogFile,
		readyCh:   make(chan struct{}),
		waitDone:  make(chan struct{}),
		exitCode:  -1,
		tail:      newStderrTail(stderrTailLimit),
	}
	if c.recorder != nil {
		id, rerr := c.recorder.BeginSession(spawnCtx, h.pid, paths.LogFile)
		if rerr != nil {
			debug.Log("recording session start: %v", rerr)
		}
		h.sessionID = id
	}

	c.mu.Lock()
	c.handle = h
	c.mu.Unlock()

	c.collector.ServerStarted()
	debug.Log("server spawned pid=%d log=%s", h.pid, paths.LogFile)

	scanDone := make(chan struct{})
	go c.scanStderr(h, stderrPipe, logFile, scanDone)
	go c.monitorExit(h, logFile, scanDone)
	if interval := c.readiness.ProbeInterval(); interval > 0 {
		go c.probeReadiness(spawnCtx, h, interval)
	}

	var timeoutCh <-chan time.Time
	if t := c.cfg.ReadyTimeout.Std(); t > 0 {
		timer := time.NewTimer(t)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-h.readyCh:
		return StartResult{Status: "success", Code: 0}, nil

	case <-h.waitDone:
		if h.exitCode == 0 {
			return StartResult{Status: "success", Code: 0}, nil
		}
		return StartResult{
			Status: "error",
			Code:   h.exitCode,
			Message: fmt.Sprintf("server exited with code %d before becoming ready: %s (log: %s)",
				h.exitCode, h.tail.String(), h.logPath),
		}, nil

	case <-timeoutCh:
		// A server that is not ready in time is reaped, not leaked.
		if kerr := c.Kill(context.WithoutCancel(ctx)); kerr != nil {
			debug.Log("killing unready server: %v", kerr)
		}
		return StartResult{
			Status:  "error",
			Code:    -1,
			Message: fmt.Sprintf("server not ready after %s (log: %s)", c.cfg.ReadyTimeout.Std(), h.logPath),
		}, nil

	case <-ctx.Done():
		// The caller gave up waiting; the server keeps starting and the
		// monitor goroutines drive any further transitions.
		return StartResult{}, ctx.Err()
	}
}

// Kill terminates the whole process tree of the managed server. With no
// live handle it returns nil immediately and spawns nothing.
func (c *Controller) Kill(ctx context.Context) error {
	c.mu.Lock()
	h := c.handle
	if h == nil {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopping
	c.mu.Unlock()

	h.killed.Store(true)
	debug.Log("killing server pid=%d", h.pid)

	started := time.Now()
	err := terminateTree(ctx, h.pid, h.waitDone)

	select {
	case <-h.waitDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	wait := time.Since(started)
	metrics.ServerKill.Record(wait)
	c.collector.ServerKilled(wait)
	return err
}

// Adopt takes over a surviving server process from a previous daemon
// run. The process is killable through the controller but its output is
// no longer observed; liveness is polled instead. Returns false when the
// pid is dead or a managed process already exists.
func (c *Controller) Adopt(pid int, sessionID string, startedAt time.Time, logPath string) bool {
	// pid 0 would signal our own process group on the liveness check.
	if pid <= 0 || !processAlive(pid) {
		return false
	}
	c.mu.Lock()
	if c.handle != nil {
		c.mu.Unlock()
		return false
	}
	h := &handle{
		pid:       pid,
		sessionID: sessionID,
		startedAt: startedAt,
		logPath:   logPath,
		adopted:   true,
		readyCh:   make(chan struct{}),
		waitDone:  make(chan struct{}),
		exitCode:  -1,
	}
	h.ready.Store(true)
	close(h.readyCh)
	c.handle = h
	c.state = StateRunning
	c.mu.Unlock()

	debug.Log("adopted surviving server pid=%d session=%s", pid, sessionID)
	go c.monitorAdopted(h)
	return true
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// markReady flips the handle to ready exactly once: state moves to
// Running, readyCh unblocks Start, then metrics, the session record, and
// the post_ready hook follow.
func (c *Controller) markReady(h *handle) {
	h.readyOnce.Do(func() {
		h.ready.Store(true)
		latency := time.Since(h.startedAt)

		c.mu.Lock()
		if c.handle == h && c.state == StateStarting {
			c.state = StateRunning
		}
		c.mu.Unlock()
		close(h.readyCh)

		metrics.ServerStart.Record(latency)
		c.collector.ServerReady(latency)
		if c.recorder != nil && h.sessionID != "" {
			if err := c.recorder.MarkReady(context.Background(), h.sessionID); err != nil {
				debug.Log("recording readiness: %v", err)
			}
		}
		if c.hooks != nil {
			if err := c.hooks.RunPhase(context.Background(), phasePostReady, h.hookEnv()); err != nil {
				debug.Log("post_ready hook: %v", err)
			}
		}
		debug.Log("server ready pid=%d after %s", h.pid, latency.Round(time.Millisecond))
	})
}

// scanStderr mirrors the child's stderr into the log file while feeding
// each line to the stderr tail and the readiness policy.
func (c *Controller) scanStderr(h *handle, r io.Reader, logFile io.Writer, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(io.TeeReader(r, logFile))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		h.tail.Add(line)
		if !h.ready.Load() && c.readiness.ReadyLine(line) {
			c.markReady(h)
		}
	}
}

// monitorExit is the sole caller of cmd.Wait. It runs once per spawn,
// finalizes controller state, and closes waitDone for Kill and Start to
// observe.
func (c *Controller) monitorExit(h *handle, logFile *os.File, scanDone <-chan struct{}) {
	<-scanDone
	err := h.cmd.Wait()
	logFile.Close()

	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}
	c.finalize(h, code)
}

// monitorAdopted polls an adopted process until it disappears.
func (c *Controller) monitorAdopted(h *handle) {
	for processAlive(h.pid) {
		time.Sleep(adoptedPollInterval)
	}
	c.finalize(h, -1)
}

func (c *Controller) finalize(h *handle, code int) {
	h.exitCode = code

	outcome := outcomeExited
	switch {
	case h.killed.Load():
		outcome = outcomeKilled
	case code != 0:
		outcome = outcomeFailed
	}

	c.mu.Lock()
	if c.handle == h {
		c.handle = nil
		if outcome == outcomeFailed && !h.ready.Load() {
			c.state = StateFailed
		} else {
			c.state = StateNotRunning
		}
	}
	c.mu.Unlock()

	c.collector.ServerExited(code)
	if c.recorder != nil && h.sessionID != "" {
		if err := c.recorder.EndSession(context.Background(), h.sessionID, code, outcome); err != nil {
			debug.Log("recording session end: %v", err)
		}
	}
	if c.hooks != nil {
		if err := c.hooks.RunPhase(context.Background(), phasePostStop, h.hookEnv()); err != nil {
			debug.Log("post_stop hook: %v", err)
		}
	}
	debug.Log("server gone pid=%d code=%d outcome=%s", h.pid, code, outcome)
	close(h.waitDone)
}

// probeReadiness drives out-of-band readiness policies.
func (c *Controller) probeReadiness(ctx context.Context, h *handle, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.readyCh:
			return
		case <-h.waitDone:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.readiness.ReadyProbe(ctx) {
				c.markReady(h)
				return
			}
		}
	}
}

// stderrTail keeps the last max bytes of stderr for error reports.
type stderrTail struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newStderrTail(max int) *stderrTail {
	return &stderrTail{max: max}
}

func (t *stderrTail) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, line...)
	t.buf = append(t.buf, '\n')
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
}

func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
