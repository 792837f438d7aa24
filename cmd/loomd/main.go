// Command loomd serves the loom lifecycle manager over a loopback HTTP
// API. It owns the managed server process, the install scripts, the
// session history database, and the log stream; loom and other local
// clients talk to it instead of spawning subprocesses themselves.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/vanderheijden86/loom/internal/daemon"
	"github.com/vanderheijden86/loom/internal/state"
	"github.com/vanderheijden86/loom/pkg/config"
	"github.com/vanderheijden86/loom/pkg/debug"
	"github.com/vanderheijden86/loom/pkg/hooks"
	"github.com/vanderheijden86/loom/pkg/installer"
	"github.com/vanderheijden86/loom/pkg/metrics"
	"github.com/vanderheijden86/loom/pkg/platform"
	"github.com/vanderheijden86/loom/pkg/server"
	"github.com/vanderheijden86/loom/pkg/tailer"
	"github.com/vanderheijden86/loom/pkg/version"
)

func main() {
	help := flag.Bool("help", false, "Show help")
	versionFlag := flag.Bool("version", false, "Show version")
	listenFlag := flag.String("listen", "", "Listen address (default from config, "+config.DefaultListenAddr+")")
	configFlag := flag.String("config", "", "Path to config.yaml (default: XDG config dir)")
	dbFlag := flag.String("db", "", "Path to the session history database (default: XDG data dir)")
	debugFlag := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *help {
		fmt.Println("Usage: loomd [options]")
		fmt.Println("\nLocal daemon managing the loom server lifecycle.")
		flag.PrintDefaults()
		os.Exit(0)
	}

	if *versionFlag {
		fmt.Printf("loomd %s\n", version.Version)
		os.Exit(0)
	}

	if *debugFlag {
		debug.SetEnabled(true)
	}

	if err := run(*configFlag, *dbFlag, *listenFlag); err != nil {
		fmt.Fprintf(os.Stderr, "loomd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, dbPath, listen string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if listen == "" {
		listen = cfg.Daemon.Listen
	}

	if dbPath == "" {
		if dbPath = config.HistoryDBPath(); dbPath == "" {
			return fmt.Errorf("cannot determine data directory, pass --db")
		}
	}
	st, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening history database: %w", err)
	}
	defer st.Close()

	strategy := platform.Select()
	resolver := platform.NewResolver(strategy, cfg.InstallRoot)
	collector := metrics.NewPrometheusCollector("loom")

	executor, err := hooks.Attach(config.ConfigDir())
	if err != nil {
		return fmt.Errorf("loading hooks: %w", err)
	}

	ctrlOpts := []server.Option{
		server.WithRecorder(st),
		server.WithCollector(collector),
	}
	if executor != nil {
		ctrlOpts = append(ctrlOpts, server.WithHooks(executor))
	}
	ctrl := server.New(resolver, cfg.Server, ctrlOpts...)

	inst := installer.New(resolver, cfg.Install,
		installer.WithStepObserver(stepObserver(st, collector)))

	logPath, err := resolver.LogFilePath(context.Background())
	if err != nil {
		return fmt.Errorf("resolving log path: %w", err)
	}

	tailOpts := []tailer.Option{tailer.WithCollector(collector)}
	if d := cfg.Tail.PollInterval.Std(); d > 0 {
		tailOpts = append(tailOpts, tailer.WithPollInterval(d))
	}
	if cfg.Tail.ForcePoll || !strategy.NotifiesFileChanges() {
		tailOpts = append(tailOpts, tailer.WithForcePoll(true))
	}

	d, err := daemon.New(daemon.Options{
		Lifecycle: ctrl,
		Checks:    inst,
		Steps:     inst,
		History:   st,
		LogPath:   logPath,
		Tail:      tailOpts,
		Collector: collector,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reconcile history with reality before accepting requests, so a
	// client's immediate start cannot race the takeover of a surviving
	// server process.
	if _, err := daemon.Recover(ctx, st, ctrl); err != nil {
		debug.Log("session recovery: %v", err)
	}

	done := make(chan struct{})
	defer close(done)

	// Graceful shutdown on SIGINT/SIGTERM; a second signal exits at once.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-done:
			return
		case <-sigCh:
		}

		cancel()

		select {
		case <-done:
			return
		case <-sigCh:
		}

		os.Exit(1)
	}()

	fmt.Fprintf(os.Stderr, "loomd %s listening on %s\n", version.Version, listen)
	return d.Serve(ctx, listen)
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			return cfg, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return cfg, fmt.Errorf("loading config %s: %w", path, err)
	}
	return cfg, nil
}

// stepObserver feeds install-step outcomes into the run history and the
// metrics pipeline. The recorded exit code is parsed from the result:
// success is 0, a numeric Err keeps its value, and spawn or timeout
// failures record -1.
func stepObserver(st *state.Store, col metrics.Collector) installer.StepObserver {
	return func(step string, elapsed time.Duration, res installer.StepResult) {
		metrics.InstallStep.Record(elapsed)
		col.StepRan(step, elapsed, res.OK())

		code := 0
		if !res.OK() {
			if n, err := strconv.Atoi(res.Err); err == nil {
				code = n
			} else {
				code = -1
			}
		}
		startedAt := time.Now().Add(-elapsed)
		if err := st.RecordStep(context.Background(), step, startedAt, elapsed, code, res.Err); err != nil {
			debug.Log("recording step %s: %v", step, err)
		}
	}
}
