// Command loom manages the local backend server: an interactive
// dashboard by default, plus one-shot flags for scripting.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	json "github.com/goccy/go-json"
	"golang.org/x/term"

	"github.com/vanderheijden86/loom/internal/daemon"
	"github.com/vanderheijden86/loom/internal/state"
	"github.com/vanderheijden86/loom/pkg/config"
	"github.com/vanderheijden86/loom/pkg/debug"
	"github.com/vanderheijden86/loom/pkg/export"
	"github.com/vanderheijden86/loom/pkg/hooks"
	"github.com/vanderheijden86/loom/pkg/installer"
	"github.com/vanderheijden86/loom/pkg/platform"
	"github.com/vanderheijden86/loom/pkg/server"
	"github.com/vanderheijden86/loom/pkg/tailer"
	"github.com/vanderheijden86/loom/pkg/ui"
	"github.com/vanderheijden86/loom/pkg/version"
)

// History rows pulled into a --report image.
const (
	reportSessionLimit = 30
	reportStepLimit    = 200
)

func main() {
	helpFlag := flag.Bool("help", false, "Show help")
	versionFlag := flag.Bool("version", false, "Show version")
	guideFlag := flag.Bool("guide", false, "Show the getting-started guide")
	robotStatusFlag := flag.Bool("robot-status", false, "Print status as JSON and exit")
	startFlag := flag.Bool("start", false, "Start the server and exit")
	killFlag := flag.Bool("kill", false, "Kill the server process tree and exit")
	installFlag := flag.Bool("install", false, "Install the local server and exit")
	yesFlag := flag.Bool("yes", false, "Skip confirmation prompts (use with --install)")
	checkDepsFlag := flag.Bool("check-deps", false, "Check python dependencies and exit")
	reportFlag := flag.String("report", "", "Render session history to an SVG or PNG file and exit")
	configFlag := flag.String("config", "", "Path to config.yaml (default: user config dir)")
	debugFlag := flag.Bool("debug", false, "Log debug output to stderr")
	flag.Parse()

	if *debugFlag {
		debug.SetEnabled(true)
	}

	if *helpFlag {
		fmt.Println("Usage: loom [options]")
		fmt.Println("\nLifecycle manager for the local backend server.")
		flag.PrintDefaults()
		os.Exit(0)
	}

	if *versionFlag {
		fmt.Printf("loom %s\n", version.Version)
		os.Exit(0)
	}

	if *guideFlag {
		fmt.Println(ui.RenderMarkdown(ui.GuideMarkdown, outputWidth()))
		os.Exit(0)
	}

	if *reportFlag != "" {
		if err := writeReport(*reportFlag); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing report: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("report written to %s\n", *reportFlag)
		os.Exit(0)
	}

	if *robotStatusFlag {
		if err := printRobotStatus(*configFlag); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if *startFlag {
		if err := startOnce(*configFlag); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if *killFlag {
		if err := killOnce(*configFlag); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if *installFlag {
		if err := installOnce(*configFlag, *yesFlag); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if *checkDepsFlag {
		if err := checkDepsOnce(*configFlag); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if !stdinIsTerminal() || !term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Fprintln(os.Stderr, "loom needs a terminal; use --robot-status or --start for scripting")
		os.Exit(1)
	}

	if err := runDashboard(*configFlag); err != nil {
		fmt.Fprintf(os.Stderr, "Error running dashboard: %v\n", err)
		os.Exit(1)
	}
}

// app is the wired lifecycle stack behind every loom mode.
type app struct {
	cfg      config.Config
	strategy platform.Strategy
	resolver *platform.Resolver
	store    *state.Store // nil when no data directory is available
	ctrl     *server.Controller
	inst     *installer.Installer
	hooks    *hooks.Executor // nil when no hooks are configured
	logPath  string
}

func buildApp(configPath string) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	strategy := platform.Select()
	resolver := platform.NewResolver(strategy, cfg.InstallRoot)

	var st *state.Store
	if dbPath := config.HistoryDBPath(); dbPath != "" {
		st, err = state.Open(dbPath)
		if err != nil {
			return nil, fmt.Errorf("opening history: %w", err)
		}
	}

	executor, err := hooks.Attach(config.ConfigDir())
	if err != nil {
		if st != nil {
			st.Close()
		}
		return nil, fmt.Errorf("loading hooks: %w", err)
	}

	var ctrlOpts []server.Option
	if st != nil {
		ctrlOpts = append(ctrlOpts, server.WithRecorder(st))
	}
	if executor != nil {
		ctrlOpts = append(ctrlOpts, server.WithHooks(executor))
	}
	ctrl := server.New(resolver, cfg.Server, ctrlOpts...)
	inst := installer.New(resolver, cfg.Install)

	logPath, err := resolver.LogFilePath(context.Background())
	if err != nil {
		if st != nil {
			st.Close()
		}
		return nil, fmt.Errorf("resolving log path: %w", err)
	}

	return &app{
		cfg:      cfg,
		strategy: strategy,
		resolver: resolver,
		store:    st,
		ctrl:     ctrl,
		inst:     inst,
		hooks:    executor,
		logPath:  logPath,
	}, nil
}

// EnsureInstalled runs the full install flow and fires the post_install
// hook once everything is in place. Hook failures are logged, not
// surfaced: the install itself already succeeded.
func (a *app) EnsureInstalled(ctx context.Context, report func(installer.InstallPhase, installer.CheckResult)) error {
	if err := a.inst.EnsureInstalled(ctx, report); err != nil {
		return err
	}
	env := map[string]string{"LOOM_LOG_PATH": a.logPath}
	if err := a.hooks.RunPhase(ctx, string(hooks.PostInstall), env); err != nil {
		debug.Log("post_install hook: %v", err)
	}
	return nil
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
}

// recoverSession reconciles the history with reality: a server that
// survived a previous run is adopted, a dead one is marked orphaned.
func (a *app) recoverSession(ctx context.Context) {
	if a.store == nil {
		return
	}
	if _, err := daemon.Recover(ctx, a.store, a.ctrl); err != nil {
		debug.Log("session recovery: %v", err)
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			return config.Config{}, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("loading config %s: %w", path, err)
	}
	return cfg, nil
}

// statusPayload is the --robot-status wire shape.
type statusPayload struct {
	Loom          string      `json:"loom_version"`
	Server        server.Info `json:"server"`
	Installed     bool        `json:"installed"`
	ServerVersion string      `json:"server_version,omitempty"`
}

func printRobotStatus(configPath string) error {
	a, err := buildApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()
	ctx := context.Background()
	a.recoverSession(ctx)

	out := statusPayload{Loom: version.Version, Server: a.ctrl.Info()}
	if ok, err := a.inst.CheckIfInstalledLocally(ctx); err == nil && ok {
		out.Installed = true
		if v, err := a.inst.CheckLocalServerVersion(ctx); err == nil {
			out.ServerVersion = v
		}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func startOnce(configPath string) error {
	a, err := buildApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()
	ctx := context.Background()
	a.recoverSession(ctx)

	res, err := a.ctrl.Start(ctx)
	if err != nil {
		return err
	}
	if res.Status != "success" {
		return fmt.Errorf("server did not become ready: %s", res.Message)
	}
	info := a.ctrl.Info()
	if info.PID > 0 {
		fmt.Printf("server running: pid %d\nlog: %s\n", info.PID, info.LogPath)
	} else {
		fmt.Println("server ran and exited cleanly")
	}
	return nil
}

func killOnce(configPath string) error {
	a, err := buildApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()
	ctx := context.Background()
	a.recoverSession(ctx)

	info := a.ctrl.Info()
	if info.PID == 0 {
		fmt.Println("no managed server is running")
		return nil
	}
	if err := a.ctrl.Kill(ctx); err != nil {
		return err
	}
	fmt.Printf("killed pid %d\n", info.PID)
	return nil
}

func installOnce(configPath string, yes bool) error {
	a, err := buildApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()
	ctx := context.Background()

	root, err := a.resolver.InstallRoot(ctx)
	if err != nil {
		return fmt.Errorf("resolving install root: %w", err)
	}

	if !yes {
		ok, err := confirmInstall(root)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("install cancelled")
			return nil
		}
	}

	err = a.EnsureInstalled(ctx, func(phase installer.InstallPhase, res installer.CheckResult) {
		fmt.Printf("  %-12s %s\n", phase, res.Message)
	})
	if err != nil {
		return err
	}
	fmt.Println("install complete")
	return nil
}

func checkDepsOnce(configPath string) error {
	a, err := buildApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	res := a.inst.CheckDependencies(context.Background())
	if res.Status != installer.StatusSuccess {
		return errors.New(res.Message)
	}
	fmt.Println("dependencies ok")
	return nil
}

// writeReport renders the recorded history straight from the database;
// no controller or config is involved.
func writeReport(outPath string) error {
	dbPath := config.HistoryDBPath()
	if dbPath == "" {
		return errors.New("cannot determine data directory")
	}
	st, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	sessions, err := st.RecentSessions(ctx, reportSessionLimit)
	if err != nil {
		return err
	}
	steps, err := st.RecentSteps(ctx, reportStepLimit)
	if err != nil {
		return err
	}
	return export.SaveReport(export.ReportOptions{
		Path:     outPath,
		Sessions: exportSessions(sessions),
		Steps:    exportSteps(steps),
	})
}

func exportSessions(rows []state.Session) []export.Session {
	out := make([]export.Session, len(rows))
	for i, r := range rows {
		out[i] = export.Session{
			ID:        r.ID,
			PID:       r.PID,
			Status:    r.Status,
			StartedAt: r.StartedAt,
			ReadyAt:   r.ReadyAt,
			EndedAt:   r.EndedAt,
		}
	}
	return out
}

func exportSteps(rows []state.StepRun) []export.StepRun {
	out := make([]export.StepRun, len(rows))
	for i, r := range rows {
		out[i] = export.StepRun{
			Step:     r.Step,
			Duration: time.Duration(r.DurationMs) * time.Millisecond,
			OK:       r.ExitCode == 0,
		}
	}
	return out
}

func runDashboard(configPath string) error {
	a, err := buildApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()
	a.recoverSession(context.Background())

	m, err := ui.NewModel(ui.Options{
		Lifecycle: a.ctrl,
		Checks:    a.inst,
		Installer: a,
		LogPath:   a.logPath,
		Tail:      tailOptions(a.cfg, a.strategy),
		Version:   version.Version,
	})
	if err != nil {
		return err
	}
	return runTUIProgram(m)
}

func tailOptions(cfg config.Config, strategy platform.Strategy) []tailer.Option {
	var opts []tailer.Option
	if d := cfg.Tail.PollInterval.Std(); d > 0 {
		opts = append(opts, tailer.WithPollInterval(d))
	}
	if cfg.Tail.ForcePoll || !strategy.NotifiesFileChanges() {
		opts = append(opts, tailer.WithForcePoll(true))
	}
	return opts
}

func runTUIProgram(m ui.Model) error {
	p := tea.NewProgram(
		m,
		tea.WithAltScreen(),
		tea.WithoutSignalHandler(),
	)

	runDone := make(chan struct{})
	defer close(runDone)

	// Graceful shutdown on SIGINT/SIGTERM; a second signal kills the
	// program at once.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-runDone:
			return
		case <-sigCh:
		}

		p.Quit()

		select {
		case <-runDone:
			return
		case <-sigCh:
		case <-time.After(5 * time.Second):
		}

		p.Kill()
	}()

	// Optional auto-quit for automated tests: set LOOM_TUI_AUTOCLOSE_MS.
	if v := os.Getenv("LOOM_TUI_AUTOCLOSE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			go func() {
				timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
				defer timer.Stop()

				select {
				case <-runDone:
					return
				case <-timer.C:
				}

				p.Quit()

				select {
				case <-runDone:
					return
				case <-time.After(2 * time.Second):
				}

				p.Kill()
			}()
		}
	}

	if _, err := p.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) || errors.Is(err, tea.ErrInterrupted) {
			return nil
		}
		return err
	}
	return nil
}

func confirmInstall(root string) (bool, error) {
	confirmed := false
	form := newForm(huh.NewGroup(
		huh.NewConfirm().
			Title("Install the local server?").
			Description(fmt.Sprintf("Conda and the python environment will be set up under %s.", root)).
			Affirmative("Install").
			Negative("Cancel").
			Value(&confirmed),
	))
	if err := form.Run(); err != nil {
		return false, err
	}
	return confirmed, nil
}

func newForm(groups ...*huh.Group) *huh.Form {
	form := huh.NewForm(groups...).WithTheme(huh.ThemeDracula())
	if !stdinIsTerminal() {
		form = form.WithAccessible(true)
	}
	return form
}

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func outputWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 8 {
		if w > 100 {
			return 100
		}
		return w
	}
	return 80
}
