// Command callbridge is the main entry point for the callbridge phone-to-AI
// voice server.
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

	"github.com/MrWong99/callbridge/internal/app"
	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	reloadEvery := flag.Duration("reload-interval", 5*time.Second, "how often to poll the config file for changes (0 disables hot reload)")
	traceSample := flag.Float64("trace-sample", 1, "fraction of new traces to sample")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "callbridge: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "callbridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("callbridge starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:      "callbridge",
		ServiceVersion:   version,
		TraceSampleRatio: *traceSample,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(telemetry.MeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	opts := []app.Option{
		app.WithLevelVar(level),
		app.WithMetrics(metrics),
		app.WithMetricsHandler(telemetry.MetricsHandler()),
	}
	if *reloadEvery > 0 {
		opts = append(opts, app.WithConfigFile(*configPath, *reloadEvery))
	}
	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	printStartupSummary(cfg, *reloadEvery)
	slog.Info("server ready; press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, reload time.Duration) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       callbridge: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Listen addr", cfg.Server.ListenAddr)
	printRow("Stream URL", orDefault(cfg.Server.StreamURL(), "(from Host header)"))
	printRow("Model", orDefault(cfg.Realtime.Model, "(default)"))
	printRow("Voice", orDefault(cfg.Realtime.Voice, "(default)"))
	printRow("Static prompts", fmt.Sprint(len(cfg.Prompts.Static)))
	printRow("Postgres", enabled(cfg.Prompts.PostgresDSN != ""))
	printRow("Redis cache", enabled(cfg.Prompts.RedisAddr != ""))
	if reload > 0 {
		printRow("Hot reload", reload.String())
	} else {
		printRow("Hot reload", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func enabled(on bool) string {
	if on {
		return "enabled"
	}
	return "(disabled)"
}
