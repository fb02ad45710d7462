// Command presenced runs the voice presence runtime: capture, turn taking,
// transcription, routing between the constrained and baseline arms, and playback.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/loqalabs/loqa-presence/internal/config"
	"github.com/loqalabs/loqa-presence/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run returns the process exit code: 0 on clean shutdown, 1 on a config or
// runtime failure, 2 on bad flags.
func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("presenced", flag.ContinueOnError)
	fs.SetOutput(stderr)
	defaultConfig := "presence.yaml"
	if v := os.Getenv("LOQA_PRESENCE_CONFIG"); v != "" {
		defaultConfig = v
	}
	configPath := fs.String("config", defaultConfig, "YAML config file; empty runs on defaults and LOQA_* env")
	logLevel := fs.String("log-level", "", "Override telemetry.log_level (debug, info, warn, error)")
	checkOnly := fs.Bool("check", false, "Validate the configuration and exit")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Fprintln(stdout, version)
		return 0
	}

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(stdout, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("invalid configuration", slog.String("path", *configPath), slog.String("error", err.Error()))
		return 1
	}
	if *logLevel != "" {
		cfg.Telemetry.LogLevel = *logLevel
	}
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Telemetry.LogLevel))); err != nil {
		logger.Warn("unknown log level, using info", slog.String("level", cfg.Telemetry.LogLevel))
	}

	if *checkOnly {
		logger.Info("configuration valid",
			slog.String("path", *configPath),
			slog.String("depth", cfg.Capture.Depth),
			slog.String("rollout_mode", cfg.Rollout.Mode),
			slog.Bool("rollout_enabled", cfg.Rollout.Enabled))
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt := runtime.New(cfg, logger.With(slog.String("runtime", cfg.RuntimeName)))
	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime stopped", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("presence runtime shut down")
	return 0
}
