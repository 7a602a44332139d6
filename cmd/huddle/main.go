// Command huddle is the LAN conferencing hub server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/huddle/internal/app"
	"github.com/MrWong99/huddle/internal/config"
	"github.com/MrWong99/huddle/internal/observe"
)

const shutdownGrace = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ─────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	host := flag.String("host", "", "bind address for all listeners (overrides config)")
	port := flag.Int("port", 0, "control channel TCP port (overrides config)")
	audioPort := flag.Int("audio-port", 0, "audio UDP port (overrides config)")
	videoPort := flag.Int("video-port", 0, "video UDP port (overrides config)")
	uploadDir := flag.String("upload-dir", "", "directory for uploaded files (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	metricsAddr := flag.String("metrics-addr", "", "HTTP listen address for /metrics and health (overrides config)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "huddle: %v\n", err)
		return 1
	}

	// Flags win over file values.
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.ControlPort = *port
	}
	if *audioPort != 0 {
		cfg.Media.AudioPort = *audioPort
	}
	if *videoPort != 0 {
		cfg.Media.VideoPort = *videoPort
	}
	if *uploadDir != "" {
		cfg.Transfer.UploadDir = *uploadDir
	}
	if *logLevel != "" {
		cfg.Log.Level = config.LogLevel(*logLevel)
	}
	if *metricsAddr != "" {
		cfg.Server.MetricsAddr = *metricsAddr
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "huddle: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "huddle"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		otelShutdown(flushCtx)
	}()

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(cfg, logger)
	if err != nil {
		slog.Error("failed to start server", "err", err)
		return 1
	}

	slog.Info("huddle ready — press Ctrl+C to shut down")
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig reads the config file, falling back to defaults when the
// default path simply doesn't exist. An explicitly named missing file is
// still an error.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) && !flagWasSet("config") {
		return config.Default(), nil
	}
	return nil, err
}

func flagWasSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
