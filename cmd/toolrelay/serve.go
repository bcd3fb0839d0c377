package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/toolrelay/internal/app"
	"github.com/MrWong99/toolrelay/internal/config"
	"github.com/MrWong99/toolrelay/internal/observe"
)

// shutdownTimeout bounds the graceful shutdown after a signal.
const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	Long: `Start the HTTP server, launch or attach to the configured tool servers and
accept turns until SIGINT or SIGTERM. The config file is watched; tool
servers, orchestrator settings and the log level are applied on change.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var level slog.LevelVar
	logger := newLogger(os.Stderr, cfg.Server.LogLevel, &level)
	slog.SetDefault(logger)
	slog.Info("toolrelay starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	// Telemetry must be up before the first metrics instrument is created.
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		SampleRatio:    cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Storage.EmbeddingDimensions)
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		return err
	}

	printStartupSummary(cmd.OutOrStdout(), cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLevelVar(&level), app.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}

	watcher, err := config.NewWatcher(configPath, func(old, next *config.Config) {
		d := application.Reload(ctx, old, next)
		slog.Info("config reloaded",
			"servers_changed", d.ServersChanged,
			"orchestrator_changed", d.OrchestratorChanged,
			"restart_required", d.RestartRequired,
		)
	}, config.WithWatcherLogger(logger.With("component", "config")))
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready, press Ctrl+C to shut down")
	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║        toolrelay startup summary      ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printProvider(w, "LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	fmt.Fprintf(w, "║  %-12s    : %-19d ║\n", "Fallbacks", len(cfg.Providers.Fallbacks))
	fmt.Fprintf(w, "║  %-12s    : %-19d ║\n", "Named LLMs", len(cfg.Providers.Named))
	printProvider(w, "Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	storage := "memory"
	if cfg.Storage.PostgresDSN != "" {
		storage = "postgres"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", "Storage", storage)
	fmt.Fprintf(w, "║  %-12s    : %-19d ║\n", "MCP servers", len(cfg.MCP.Servers))
	mode := "eager"
	if cfg.Registry.Lazy {
		mode = "lazy"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", "Launch", mode)
	if cfg.Server.ListenAddr != "" {
		fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", "Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printProvider(w io.Writer, kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", kind, value)
}
