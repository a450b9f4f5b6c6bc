// Command claw runs the CiRA CLAW gateway: the rule evaluation core
// supervising a fleet of edge inference nodes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/siridech-bo/cira-claw/engine"
	"github.com/siridech-bo/cira-claw/engine/config"
	"github.com/siridech-bo/cira-claw/engine/models"
	"github.com/siridech-bo/cira-claw/engine/telemetry/events"
)

const (
	exitOK          = 0
	exitConfigError = 1
	exitStoreError  = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "path to gateway config YAML (default <root>/claw.yaml)")
		logLevel   = flag.String("log-level", "", "override log level (debug|info|warn|error)")
	)
	flag.Parse()

	cfg, err := config.Load(resolveConfigPath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "claw: %v\n", err)
		return exitConfigError
	}
	if *logLevel != "" {
		cfg.Telemetry.LogLevel = *logLevel
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)}))
	slog.SetDefault(logger)

	eng, err := engine.New(engine.Options{Config: cfg, Logger: logger})
	if err != nil {
		if models.KindOf(err) == models.KindFatal {
			logger.Error("rule store unavailable", slog.String("error", err.Error()))
			return exitStoreError
		}
		logger.Error("engine construction failed", slog.String("error", err.Error()))
		return exitConfigError
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Hand-edited rule files appear without a restart.
	go func() {
		err := eng.Store().Watch(ctx,
			func() { logger.Info("rule catalogue reloaded from disk") },
			func(err error) { logger.Warn("rule catalogue reload failed", slog.String("error", err.Error())) },
		)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("rules watcher stopped", slog.String("error", err.Error()))
		}
	}()

	// Config edits are validated on the fly; applying a new cadence needs a
	// restart, so an accepted change is surfaced loudly.
	cfgPath := resolveConfigPath(*configPath)
	go func() {
		watcher := config.NewWatcher(cfgPath,
			func(ch config.Change) {
				logger.Warn("config file changed; restart the gateway to apply",
					slog.String("path", cfgPath), slog.String("checksum", ch.Checksum))
			},
			func(err error) { logger.Warn("config reload rejected", slog.String("error", err.Error())) },
		)
		if err := watcher.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("config watcher stopped", slog.String("error", err.Error()))
		}
	}()

	eng.RegisterObserver(func(ev events.Event) {
		if ev.Severity == "error" {
			logger.Error("telemetry", slog.String("category", ev.Category), slog.String("type", ev.Type))
		}
	})

	if err := eng.Start(ctx); err != nil {
		logger.Error("engine start failed", slog.String("error", err.Error()))
		return exitConfigError
	}
	logger.Info("claw gateway running",
		slog.String("root", cfg.Root),
		slog.Duration("tick_interval", cfg.TickInterval),
		slog.Int("nodes", len(cfg.Nodes)),
	)

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.TickInterval)
	defer cancel()
	if err := eng.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown did not finish cleanly", slog.String("error", err.Error()))
		return exitStoreError
	}
	logger.Info("claw gateway stopped")
	return exitOK
}

func resolveConfigPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	root := os.Getenv(config.EnvHome)
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		root = filepath.Join(home, ".cira")
	}
	return filepath.Join(root, "claw.yaml")
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
