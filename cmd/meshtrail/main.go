// Meshtrail bridges Meshtastic GPS position reports from MQTT brokers
// into a SQLite track store and exposes an HTTP API for managing broker
// subscriptions and querying positions.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	meshtrail serve        Start the bridge and API server
//	meshtrail init [dir]   Initialize a working directory with defaults
//	meshtrail version      Print version and build information
//	meshtrail -o json version
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/meshtrail/meshtrail/internal/api"
	"github.com/meshtrail/meshtrail/internal/bridge"
	"github.com/meshtrail/meshtrail/internal/buildinfo"
	"github.com/meshtrail/meshtrail/internal/config"
	"github.com/meshtrail/meshtrail/internal/dedupe"
	"github.com/meshtrail/meshtrail/internal/events"
	"github.com/meshtrail/meshtrail/internal/store"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the meshtrail command. All OS-level
// dependencies are injected as parameters: ctx controls process
// lifetime (cancelling it triggers graceful shutdown), stdout/stderr
// receive all output, and args is os.Args[1:].
//
// Arguments are parsed by hand. The flag package relies on package-level
// globals (flag.CommandLine), which makes it impossible to call run()
// concurrently from tests; the argument surface is small enough that
// manual parsing is clearer than bringing in a CLI framework.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// meshtrail is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Meshtrail - Meshtastic GPS position bridge")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: meshtrail [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the bridge and API server")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./meshtrail.yaml, ~/.config/meshtrail/config.yaml, /etc/meshtrail/config.yaml")
	return nil
}

// runServe handles the "meshtrail serve" subcommand. It is the primary
// operating mode: loads config, opens the track store, starts the
// connection supervisor and the HTTP API, and blocks until a shutdown
// signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The HTTP server drains in-flight requests
//  3. The supervisor's reconcile loop exits, then all MQTT connections
//     are disconnected
//  4. The database is closed via defer
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Meshtrail", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	// .env is optional; it carries the legacy single-broker knobs for
	// deployments that predate broker configs.
	if err := godotenv.Load(); err == nil {
		logger.Debug(".env loaded")
	}

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that we know the desired level. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"store", cfg.Store.Path,
		"reconcile_interval_sec", cfg.Sync.ReconcileIntervalSec,
	)

	// --- Track store ---
	// SQLite is the system of record: broker configs and every accepted
	// position.
	db, err := sql.Open("sqlite3", cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.Store.Path, err)
	}
	defer db.Close()

	st, err := store.NewStore(db)
	if err != nil {
		return fmt.Errorf("initialize store %s: %w", cfg.Store.Path, err)
	}
	logger.Info("track store opened", "path", cfg.Store.Path)

	// --- Dedup filter ---
	// One filter shared by every connection, so a device heard through
	// two brokers still dedupes as a single track.
	distance := cfg.Sync.DedupeDistanceMeters
	window := time.Duration(cfg.Sync.DedupeWindowSec) * time.Second

	legacy, legacyMode := config.LegacyBrokerFromEnv()
	if legacyMode && legacy.DedupeDistanceMeters > 0 {
		distance = legacy.DedupeDistanceMeters
	}
	filter := dedupe.New(distance, window)
	logger.Info("dedup filter configured", "distance_m", distance, "window", window)

	// --- Event bus ---
	// Feeds the WebSocket event feed on /api/events.
	bus := events.New()

	// --- Signal handling ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Legacy single-broker mode ---
	// When MQTT_BROKER is set, one extra connection runs outside the
	// supervisor's reconciliation, directly from environment knobs.
	if legacyMode {
		conn := bridge.LegacyConnection(legacy, st, filter, bus, logger)
		if err := conn.Start(ctx); err != nil {
			return fmt.Errorf("legacy broker connection: %w", err)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			_ = conn.Stop(stopCtx)
		}()
		logger.Info("legacy broker connection started",
			"broker", legacy.Broker, "topic", legacy.Topic)
	}

	// --- Connection supervisor ---
	interval := time.Duration(cfg.Sync.ReconcileIntervalSec) * time.Second
	supervisor := bridge.NewSupervisor(st, st, filter, bus, interval, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		supervisor.Run(ctx)
	}()

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, st, supervisor, bus, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		_ = server.Shutdown(context.Background())
	}()

	// Start the API server. This blocks until the server is shut down
	// (via context cancellation or fatal error).
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	// Wait for the reconcile loop to exit before disconnecting, so a
	// late tick cannot resurrect a connection we just stopped.
	wg.Wait()
	supervisor.Shutdown()

	logger.Info("Meshtrail stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level. All log output goes through slog; this helper standardizes the
// handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
