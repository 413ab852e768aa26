// Mcpgate is an MCP gateway: it exposes an OpenAI-compatible chat
// completions API and orchestrates tool use against MCP servers on
// behalf of the calling client.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	mcpgate serve              Start the API server
//	mcpgate version            Print version and build information
//	mcpgate -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mcpgate/mcpgate/internal/agent"
	"github.com/mcpgate/mcpgate/internal/api"
	"github.com/mcpgate/mcpgate/internal/buildinfo"
	"github.com/mcpgate/mcpgate/internal/config"
	"github.com/mcpgate/mcpgate/internal/events"
	"github.com/mcpgate/mcpgate/internal/llm"
	"github.com/mcpgate/mcpgate/internal/session"
	"github.com/mcpgate/mcpgate/internal/store"
	"github.com/mcpgate/mcpgate/internal/stream"
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

// run is the real entry point for the mcpgate command. All OS-level
// dependencies are injected as parameters so that the full lifecycle
// can be driven from tests. Arguments are parsed by hand: the flag
// package relies on package-level globals (flag.CommandLine), which
// makes it impossible to call run() concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
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
			return fmt.Errorf("unknown flag: %s", args[i])
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
		return runServe(ctx, stdout, configPath)
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
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "mcpgate - MCP gateway with an OpenAI-compatible API")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mcpgate [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/mcpgate/config.yaml, /etc/mcpgate/config.yaml")
	return nil
}

// runServe starts the gateway and blocks until shutdown.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		level, err = config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
	}
	logger := newLogger(stdout, level)
	slog.SetDefault(logger)

	logger.Info("starting", "build", buildinfo.String())
	logger.Info("config loaded", "path", cfgPath)

	if cfg.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if len(cfg.Models) == 0 {
		return fmt.Errorf("at least one model must be configured")
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("config store opened", "driver", cfg.Store.Driver, "path", cfg.Store.Path)

	backend := llm.NewOpenAIClient(cfg.Backend.BaseURL, cfg.Backend.APIKey, cfg.Backend.Timeout(), logger)

	// A dead backend should be loud at startup, but not fatal: it may
	// simply not be up yet.
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	if err := backend.Ping(pingCtx); err != nil {
		logger.Warn("backend unreachable at startup", "base_url", cfg.Backend.BaseURL, "error", err)
	}
	cancelPing()

	bus := events.New()

	sessions := session.NewManager(session.Config{
		IdleTimeout:   cfg.Sessions.IdleTimeout(),
		SweepInterval: cfg.Sessions.SweepInterval(),
		MaxHistory:    cfg.Sessions.MaxHistory,
		Bus:           bus,
	}, session.Dial(logger), logger)

	loop := agent.NewLoop(logger, backend, bus, agent.Config{
		MaxIterations:   cfg.Agent.MaxIterations,
		ToolParallelism: cfg.Agent.ToolParallelism,
		ToolTimeout:     cfg.Agent.ToolTimeout(),
	})

	server := api.NewServer(api.Config{
		Listen: fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port),
		Token:  cfg.Auth.Token,
	}, loop, sessions, stream.NewRegistry(logger), st, bus, logger)

	// SIGINT/SIGTERM cancellation flows through the same ctx used by
	// all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Idle session eviction sweep.
	go sessions.Run(ctx)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		_ = server.Shutdown(context.Background())
		sessions.CloseAll()
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("mcpgate stopped")
	return nil
}

// newLogger creates a structured logger that writes text logs to w at
// the given level. All log output goes through slog.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file.
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

// openStore builds the config store from the configured driver.
func openStore(cfg *config.Config) (store.ConfigStore, error) {
	models, global := store.FromConfig(cfg)
	switch cfg.Store.Driver {
	case "", "file":
		return store.NewFileStore(cfg.Store.Path, models, global)
	case "sqlite":
		return store.NewSQLiteStore(cfg.Store.Path, models, global)
	default:
		return nil, fmt.Errorf("unknown store driver %q (expected file or sqlite)", cfg.Store.Driver)
	}
}
