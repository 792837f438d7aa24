//go:build ignore

// seed_history.go fills a loom history database with plausible sessions
// and install steps, for trying out loom --report without running real
// servers.
//
// Usage: go run scripts/seed_history.go [dbpath]
//
// With no argument the default history location is used.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/vanderheijden86/loom/internal/state"
	"github.com/vanderheijden86/loom/pkg/config"
)

func main() {
	dbPath := config.HistoryDBPath()
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}
	if dbPath == "" {
		fmt.Fprintln(os.Stderr, "cannot determine history path, pass one explicitly")
		os.Exit(1)
	}

	st, err := state.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", dbPath, err)
		os.Exit(1)
	}
	defer st.Close()

	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	steps := []string{"install_conda", "create_conda_environment", "install_dependencies"}
	now := time.Now()
	for i, step := range steps {
		started := now.Add(time.Duration(-90+i*20) * time.Minute)
		d := time.Duration(20+rng.Intn(100)) * time.Second
		if err := st.RecordStep(ctx, step, started, d, 0, ""); err != nil {
			fmt.Fprintf(os.Stderr, "record step: %v\n", err)
			os.Exit(1)
		}
	}

	outcomes := []struct {
		status string
		code   int
		ready  bool
	}{
		{state.StatusExited, 0, true},
		{state.StatusFailed, 1, false},
		{state.StatusKilled, -1, true},
		{state.StatusExited, 0, true},
	}
	for i, oc := range outcomes {
		id, err := st.BeginSession(ctx, 4000+i, "/tmp/loom-server.log")
		if err != nil {
			fmt.Fprintf(os.Stderr, "begin session: %v\n", err)
			os.Exit(1)
		}
		if oc.ready {
			if err := st.MarkReady(ctx, id); err != nil {
				fmt.Fprintf(os.Stderr, "mark ready: %v\n", err)
				os.Exit(1)
			}
		}
		if err := st.EndSession(ctx, id, oc.code, oc.status); err != nil {
			fmt.Fprintf(os.Stderr, "end session: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Printf("seeded %s with %d sessions and %d steps\n", dbPath, len(outcomes), len(steps))
	fmt.Println("try: loom --report /tmp/loom-report.svg")
}
