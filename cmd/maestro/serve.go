package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/maestro/internal/app"
	"github.com/MrWong99/maestro/internal/config"
	"github.com/MrWong99/maestro/internal/observe"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the assist server",
		Long: `Run the assist server.

With --config the file is watched: log level and sampling changes apply
immediately, other changes are logged and take effect on restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *configPath, cmd.OutOrStdout())
		},
	}
}

func runServe(ctx context.Context, configPath string, out io.Writer) error {
	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	slog.SetDefault(newLogger(level))

	// ── Load configuration ────────────────────────────────────────────────────
	var (
		application *app.App
		watcher     *config.Watcher
		cfg         *config.Config
		err         error
	)
	if configPath != "" {
		watcher, err = config.NewWatcher(configPath, func(_, _ *config.Config, d config.ConfigDiff) {
			if application != nil {
				application.ApplyDiff(d)
			}
		})
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("config file %q not found", configPath)
			}
			return err
		}
		cfg = watcher.Current()
	} else if cfg, err = config.Load(""); err != nil {
		return err
	}
	level.Set(cfg.Server.LogLevel.Level())

	slog.Info("maestro starting",
		"version", version,
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Stage backends ────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	app.RegisterBuiltinBackends(reg)

	backends, err := app.BuildBackends(cfg, reg)
	if err != nil {
		return fmt.Errorf("build backends: %w", err)
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(out, cfg)

	application, err = app.New(ctx, cfg, backends, app.WithLevelVar(level))
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}

	// The watcher starts only once the callback target exists.
	if watcher != nil {
		go func() {
			if err := watcher.Run(ctx); err != nil {
				slog.Warn("config watcher stopped", "err", err)
			}
		}()
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("shutdown: %w", err))
	}
	return runErr
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║              Maestro startup summary              ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════════════════╣")
	printStage(w, "Transcribe", cfg.Stages.Transcribe)
	printStage(w, "Generate", cfg.Stages.Generate)
	printStage(w, "Synthesize", cfg.Stages.Synthesize)
	printRow(w, "HTTP addr", cfg.Server.HTTPAddr)
	printRow(w, "gRPC addr", cfg.Server.GRPCAddr)
	if cfg.Server.WSAddr != "" {
		printRow(w, "WS addr", cfg.Server.WSAddr)
	} else {
		printRow(w, "WS addr", "(shares HTTP)")
	}
	fmt.Fprintf(w, "║  %-12s    : %-30d ║\n", "Concurrency", cfg.Pipeline.MaxConcurrency)
	if cfg.Events.Enabled {
		printRow(w, "Events", cfg.Events.Topic)
	} else {
		printRow(w, "Events", "(log only)")
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════╝")
}

func printStage(w io.Writer, name string, e config.StageEntry) {
	value := string(e.Transport)
	if e.Model != "" {
		value += " / " + e.Model
	}
	if n := len(e.Fallbacks); n > 0 {
		value += fmt.Sprintf(" (+%d)", n)
	}
	printRow(w, name, value)
}

func printRow(w io.Writer, key, value string) {
	if r := []rune(value); len(r) > 30 {
		value = string(r[:29]) + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-30s ║\n", key, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
