// Package ui renders the interactive loom dashboard: a live status
// header, the streamed server log, and single-key lifecycle actions on
// top of bubbletea.
package ui

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/vanderheijden86/loom/pkg/installer"
	"github.com/vanderheijden86/loom/pkg/server"
	"github.com/vanderheijden86/loom/pkg/tailer"
)

// logBuffer bounds lines queued between the tail goroutine and the
// message loop. The sink drops rather than stalls when full, so a burst
// of server output can never wedge the tailer.
const logBuffer = 256

// maxLogLines is the scrollback kept in the viewport. The log file on
// disk keeps the full history.
const maxLogLines = 500

// infoRefreshEvery is the cadence of the status snapshot in the header.
// Dependency checks spawn subprocesses and only run on demand.
const infoRefreshEvery = time.Second

// Lifecycle is the controller surface the dashboard drives.
type Lifecycle interface {
	Start(ctx context.Context) (server.StartResult, error)
	Kill(ctx context.Context) error
	Info() server.Info
}

// Checker answers the install-state questions shown in the header.
type Checker interface {
	CheckIfInstalledLocally(ctx context.Context) (bool, error)
	CheckLocalServerVersion(ctx context.Context) (string, error)
	CheckDependencies(ctx context.Context) installer.CheckResult
}

// InstallRunner performs a full installation, reporting per-phase results.
type InstallRunner interface {
	EnsureInstalled(ctx context.Context, report func(installer.InstallPhase, installer.CheckResult)) error
}

// Options wires the dashboard to a lifecycle stack.
type Options struct {
	Lifecycle Lifecycle
	Checks    Checker
	Installer InstallRunner
	LogPath   string          // server log streamed into the viewport
	Tail      []tailer.Option // extra tail options (poll interval, force poll)
	Version   string          // loom's own version, shown in the header
}

type logLineMsg string

type tailErrMsg struct{ err error }

type infoTickMsg struct{}

type checksDoneMsg struct {
	installed bool
	version   string
}

type startDoneMsg struct {
	res server.StartResult
	err error
}

type killDoneMsg struct{ err error }

type depsDoneMsg struct{ res installer.CheckResult }

type installPhaseMsg struct {
	phase installer.InstallPhase
	res   installer.CheckResult
}

type installDoneMsg struct{ err error }

// Model is the bubbletea model for the dashboard.
type Model struct {
	lifecycle Lifecycle
	checks    Checker
	install   InstallRunner
	tail      *tailer.Tailer

	theme   Theme
	spin    spinner.Model
	logView viewport.Model

	lines     chan string  // tail sink -> message loop
	installCh chan tea.Msg // install phases -> message loop

	width  int
	height int
	sized  bool // first WindowSizeMsg seen

	info       server.Info
	installed  bool
	serverVer  string
	deps       *installer.CheckResult
	logLines   []string
	appVersion string

	starting   bool
	killing    bool
	installing bool
	checking   bool

	showHelp bool
	helpView string

	status    string
	statusErr bool
	quitting  bool
}

// NewModel builds the dashboard and its log tail. The tailer is not yet
// subscribed; Init takes care of that once the program runs.
func NewModel(opts Options) (Model, error) {
	if opts.Lifecycle == nil || opts.Checks == nil || opts.Installer == nil {
		return Model{}, errors.New("ui: lifecycle, checks, and installer are all required")
	}

	lines := make(chan string, logBuffer)
	sink := func(line string) {
		select {
		case lines <- line:
		default:
		}
	}
	tailOpts := append([]tailer.Option(nil), opts.Tail...)
	tailOpts = append(tailOpts,
		tailer.WithSink(sink),
		tailer.WithOnError(func(err error) { sink("[loom] log stream error: " + err.Error()) }),
	)
	tl, err := tailer.New(opts.LogPath, tailOpts...)
	if err != nil {
		return Model{}, fmt.Errorf("preparing log tail: %w", err)
	}

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(ColorWarning)

	return Model{
		lifecycle: opts.Lifecycle,
		checks:    opts.Checks,
		install:   opts.Installer,
		tail:      tl,
		theme:     DefaultTheme(),
		spin:      sp,
		lines:     lines,
		// Sized so one full install can report every phase plus the
		// final outcome without ever blocking the worker goroutine.
		installCh:  make(chan tea.Msg, len(installer.InstallPhases)+1),
		info:       opts.Lifecycle.Info(),
		appVersion: opts.Version,
	}, nil
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeTail(m.tail),
		waitForLine(m.lines),
		runChecks(m.checks),
		infoTick(),
	)
}

func subscribeTail(t *tailer.Tailer) tea.Cmd {
	return func() tea.Msg {
		if err := t.Subscribe(); err != nil {
			return tailErrMsg{err}
		}
		return nil
	}
}

// waitForLine hands the next tail line to the message loop. Update
// re-arms it after every delivery.
func waitForLine(lines chan string) tea.Cmd {
	return func() tea.Msg {
		return logLineMsg(<-lines)
	}
}

func infoTick() tea.Cmd {
	return tea.Tick(infoRefreshEvery, func(time.Time) tea.Msg { return infoTickMsg{} })
}

func runChecks(c Checker) tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()
		msg := checksDoneMsg{}
		if ok, err := c.CheckIfInstalledLocally(ctx); err == nil && ok {
			msg.installed = true
			if v, err := c.CheckLocalServerVersion(ctx); err == nil {
				msg.version = v
			}
		}
		return msg
	}
}

func startServer(lc Lifecycle) tea.Cmd {
	return func() tea.Msg {
		res, err := lc.Start(context.Background())
		return startDoneMsg{res: res, err: err}
	}
}

func killServer(lc Lifecycle) tea.Cmd {
	return func() tea.Msg {
		return killDoneMsg{err: lc.Kill(context.Background())}
	}
}

func checkDeps(c Checker) tea.Cmd {
	return func() tea.Msg {
		return depsDoneMsg{res: c.CheckDependencies(context.Background())}
	}
}

// runInstall drives the installer in the background; phase results
// arrive through ch so the viewport can narrate progress as it happens.
func runInstall(r InstallRunner, ch chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		err := r.EnsureInstalled(context.Background(), func(phase installer.InstallPhase, res installer.CheckResult) {
			ch <- installPhaseMsg{phase: phase, res: res}
		})
		ch <- installDoneMsg{err: err}
		return nil
	}
}

func waitForInstall(ch chan tea.Msg) tea.Cmd {
	return func() tea.Msg { return <-ch }
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		vw, vh := m.viewportSize()
		if !m.sized {
			m.logView = viewport.New(vw, vh)
			m.sized = true
		} else {
			m.logView.Width = vw
			m.logView.Height = vh
		}
		m.refreshLog()
		if m.showHelp {
			m.helpView = renderHelp(m.width)
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		if !m.busy() {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case logLineMsg:
		m.appendLog(string(msg))
		return m, waitForLine(m.lines)

	case tailErrMsg:
		if msg.err != nil {
			m.setStatus("log stream: "+msg.err.Error(), true)
		}
		return m, nil

	case infoTickMsg:
		if m.quitting {
			return m, nil
		}
		m.info = m.lifecycle.Info()
		return m, infoTick()

	case checksDoneMsg:
		m.installed = msg.installed
		m.serverVer = msg.version
		return m, nil

	case startDoneMsg:
		m.starting = false
		m.info = m.lifecycle.Info()
		switch {
		case errors.Is(msg.err, server.ErrAlreadyRunning):
			m.setStatus("server is already running", true)
		case msg.err != nil:
			m.setStatus("start failed: "+msg.err.Error(), true)
		case msg.res.Status == "error":
			m.setStatus("server did not become ready: "+firstLine(msg.res.Message), true)
		default:
			m.setStatus("server is up", false)
		}
		return m, nil

	case killDoneMsg:
		m.killing = false
		m.info = m.lifecycle.Info()
		if msg.err != nil {
			m.setStatus("kill failed: "+msg.err.Error(), true)
		} else {
			m.setStatus("server stopped", false)
		}
		return m, nil

	case depsDoneMsg:
		m.checking = false
		res := msg.res
		m.deps = &res
		if res.Status == installer.StatusSuccess {
			m.setStatus("dependencies ok", false)
		} else {
			m.setStatus(firstLine(res.Message), true)
		}
		return m, nil

	case installPhaseMsg:
		m.appendLog(fmt.Sprintf("[loom] install %s: %s", msg.phase, firstLine(msg.res.Message)))
		return m, waitForInstall(m.installCh)

	case installDoneMsg:
		m.installing = false
		if msg.err != nil {
			m.setStatus("install failed: "+msg.err.Error(), true)
		} else {
			m.setStatus("install complete", false)
		}
		// Refresh the header's install state and server version.
		return m, runChecks(m.checks)
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.showHelp {
		switch msg.String() {
		case "?", "esc", "q", "enter":
			m.showHelp = false
		}
		return m, nil
	}

	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		m.tail.Unsubscribe()
		return m, tea.Quit

	case "s":
		if m.starting || m.installing {
			m.setStatus("an operation is already in flight", true)
			return m, nil
		}
		m.starting = true
		m.setStatus("starting server", false)
		return m, tea.Batch(startServer(m.lifecycle), m.spin.Tick)

	case "K":
		if m.killing {
			return m, nil
		}
		m.killing = true
		m.setStatus("killing server", false)
		return m, killServer(m.lifecycle)

	case "i":
		if m.starting || m.installing {
			m.setStatus("an operation is already in flight", true)
			return m, nil
		}
		m.installing = true
		m.setStatus("installing local server", false)
		return m, tea.Batch(runInstall(m.install, m.installCh), waitForInstall(m.installCh), m.spin.Tick)

	case "d":
		if m.checking {
			return m, nil
		}
		m.checking = true
		m.setStatus("checking dependencies", false)
		return m, tea.Batch(checkDeps(m.checks), m.spin.Tick)

	case "y":
		if err := clipboard.WriteAll(m.tail.Path()); err != nil {
			m.setStatus("copy failed: "+err.Error(), true)
		} else {
			m.setStatus("log path copied", false)
		}
		return m, nil

	case "?":
		m.showHelp = true
		if m.helpView == "" {
			m.helpView = renderHelp(m.width)
		}
		return m, nil
	}

	// Everything else scrolls the log.
	var cmd tea.Cmd
	m.logView, cmd = m.logView.Update(msg)
	return m, cmd
}

func (m Model) busy() bool {
	return m.starting || m.installing || m.checking
}

// appendLog adds a line to the scrollback. The viewport follows new
// output unless the user has scrolled up.
func (m *Model) appendLog(line string) {
	m.logLines = append(m.logLines, line)
	if len(m.logLines) > maxLogLines {
		m.logLines = m.logLines[len(m.logLines)-maxLogLines:]
	}
	m.refreshLog()
}

func (m *Model) refreshLog() {
	if !m.sized {
		return
	}
	fit := make([]string, len(m.logLines))
	for i, line := range m.logLines {
		fit[i] = truncateLine(line, m.logView.Width)
	}
	follow := m.logView.AtBottom()
	m.logView.SetContent(strings.Join(fit, "\n"))
	if follow {
		m.logView.GotoBottom()
	}
}

func (m *Model) setStatus(s string, isErr bool) {
	m.status = s
	m.statusErr = isErr
}

func (m Model) viewportSize() (int, int) {
	w := m.width - 2
	if w < 20 {
		w = 20
	}
	h := m.height - 6
	if h < 3 {
		h = 3
	}
	return w, h
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if !m.sized {
		return ""
	}
	if m.showHelp {
		return m.helpView
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.headerView(),
		m.checksView(),
		m.theme.LogFrame.Render(m.logView.View()),
		m.footerView(),
		m.statusView(),
	)
}

func (m Model) headerView() string {
	t := m.theme
	parts := []string{t.Title.Render("loom") + " " + t.Label.Render(m.appVersion)}

	switch {
	case m.installing:
		parts = append(parts, t.Busy.Render(m.spin.View()+" installing"))
	case m.starting:
		parts = append(parts, t.Busy.Render(m.spin.View()+" starting"))
	default:
		parts = append(parts, m.stateView())
	}

	if m.info.PID > 0 {
		parts = append(parts, t.Label.Render("pid ")+t.Value.Render(strconv.Itoa(m.info.PID)))
	}
	if m.info.Ready {
		parts = append(parts, t.Up.Render("ready"))
	}
	if m.info.Adopted {
		parts = append(parts, t.Label.Render("adopted"))
	}
	return " " + strings.Join(parts, t.Label.Render(" · "))
}

func (m Model) stateView() string {
	t := m.theme
	label := strings.ReplaceAll(string(m.info.State), "_", " ")
	switch m.info.State {
	case server.StateRunning:
		return t.Up.Render("● " + label)
	case server.StateStarting, server.StateStopping:
		return t.Busy.Render("◐ " + label)
	case server.StateFailed:
		return t.Failed.Render("✗ " + label)
	default:
		return t.Down.Render("○ " + label)
	}
}

func (m Model) checksView() string {
	t := m.theme
	var install string
	if m.installed {
		install = t.Up.Render("✓ installed")
		if m.serverVer != "" {
			install += t.Label.Render(" · server " + m.serverVer)
		}
	} else {
		install = t.Label.Render("not installed (press i)")
	}

	var deps string
	switch {
	case m.checking:
		deps = t.Busy.Render(m.spin.View() + " checking deps")
	case m.deps == nil:
		deps = t.Label.Render("deps not checked (press d)")
	case m.deps.Status == installer.StatusSuccess:
		deps = t.Up.Render("deps ok")
	default:
		deps = t.Failed.Render("deps: " + firstLine(m.deps.Message))
	}
	return " " + install + t.Label.Render(" · ") + deps
}

func (m Model) footerView() string {
	return " " + m.theme.Hint.Render("s start · K kill · i install · d deps · y copy log path · ? help · q quit")
}

func (m Model) statusView() string {
	if m.status == "" {
		return ""
	}
	style := m.theme.Status
	if m.statusErr {
		style = m.theme.StatusErr
	}
	return " " + style.Render(truncateLine(m.status, m.width-2))
}

// truncateLine trims a line to the viewport width so wrapped rows never
// break the scrollback math.
func truncateLine(s string, width int) string {
	if width <= 0 || runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}

// firstLine keeps status output to a single row; check messages can
// carry a multi-line stderr tail.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
