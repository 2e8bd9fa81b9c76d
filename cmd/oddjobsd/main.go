// Command oddjobsd is the runbook-driven job engine's daemon: it loads a
// runbook, recovers durable state, and serves the RPC control surface
// until terminated. Grounded on `cmd/conductord/main.go`'s flag-parse,
// build, signal-wait, shutdown shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/groblegark/oddjobs/internal/daemon"
)

var (
	version = "dev"
	commit  = "unknown"
)

const shutdownTimeout = 15 * time.Second

func main() {
	var (
		configPath  = flag.String("config", "", "Path to config YAML (default: <state-dir>/config.yaml if present)")
		stateDir    = flag.String("state-dir", "", "Override state_dir")
		runbookPath = flag.String("runbook", "", "Override runbook_path")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("oddjobsd %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := daemon.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "oddjobsd: load config:", err)
		os.Exit(1)
	}
	if *stateDir != "" {
		cfg.StateDir = *stateDir
	}
	if *runbookPath != "" {
		cfg.RunbookPath = *runbookPath
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "oddjobsd: invalid config:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "oddjobsd: build daemon:", err)
		os.Exit(1)
	}

	port, err := d.Start(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "oddjobsd: start:", err)
		os.Exit(1)
	}
	slog.Default().Info("oddjobsd started", "rpc_port", port, "state_dir", cfg.StateDir)

	<-ctx.Done()
	slog.Default().Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintln(os.Stderr, "oddjobsd: shutdown:", err)
		os.Exit(1)
	}
}
