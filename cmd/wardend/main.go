// Command wardend is the warden background daemon.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/wardenlabs/warden/internal/config"
	"github.com/wardenlabs/warden/internal/daemon"
	"github.com/wardenlabs/warden/internal/logging"
)

// Version is set at build time.
var Version = "dev"

func main() {
	os.Exit(run())
}

func run() (exitCode int) {
	defer func() {
		if r := recover(); r != nil {
			logging.CapturePanic(r, "component", "main")
			fmt.Fprintf(os.Stderr, "FATAL: unrecovered panic: %v\n", r)
			exitCode = 2
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}

	if err := logging.Init(logging.Config{
		Level:     parseLogLevel(cfg.Daemon.LogLevel),
		SentryDSN: cfg.Daemon.SentryDSN,
		Env:       getEnv(),
		Version:   Version,
		LogFile:   cfg.Daemon.LogFile,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	defer logging.Flush(2 * time.Second)

	d, err := daemon.New(cfg, Version)
	if err != nil {
		logging.Error("failed to initialize daemon", "error", err)
		return 1
	}

	logging.Info("starting wardend",
		"version", Version,
		"state_dir", cfg.Daemon.StateDir,
		"sentry", cfg.Daemon.SentryDSN != "",
	)

	if err := d.Run(); err != nil {
		logging.Error("daemon error", "error", err)
		return 1
	}
	return 0
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv() string {
	if env := os.Getenv("WARDEN_ENV"); env != "" {
		return env
	}
	return "development"
}
