// Command voxmood is the main entry point for the voxmood speech-emotion
// server.
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

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxmood/internal/app"
	"github.com/MrWong99/voxmood/internal/config"
	"github.com/MrWong99/voxmood/internal/observe"
	"github.com/MrWong99/voxmood/internal/resilience"
	"github.com/MrWong99/voxmood/pkg/provider/model"
	"github.com/MrWong99/voxmood/pkg/provider/model/onnx"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload hot-reloadable settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxmood: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxmood: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("voxmood starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxmood",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Model registry ────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinModels(reg)

	var loader model.Loader
	if cfg.Model.Path != "" {
		loader, err = buildModelLoader(reg, cfg)
		if err != nil {
			slog.Error("failed to build model loader", "err", err, "registered", reg.Models())
			return 1
		}
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, loader)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, func(old, updated *config.Config) {
			d := config.Diff(old, updated)
			if !d.Changed() {
				return
			}
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level updated", "level", d.NewLogLevel)
			}
			application.ApplyDiff(d)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	exit := 0
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		exit = 1
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	if exit == 0 {
		slog.Info("goodbye")
	}
	return exit
}

// ── Model wiring ──────────────────────────────────────────────────────────────

// registerBuiltinModels wires all built-in model factories into reg.
func registerBuiltinModels(reg *config.Registry) {
	reg.RegisterModel("onnx", func(mc config.ModelConfig) (model.Loader, error) {
		if mc.Path == "" {
			return nil, errors.New("onnx: model.path is required")
		}
		return onnx.Loader(onnx.Config{
			Path:              mc.Path,
			SharedLibraryPath: mc.SharedLibrary,
			InputName:         mc.InputName,
			OutputName:        mc.OutputName,
			IntraOpThreads:    mc.Threads,
		}), nil
	})
}

// buildModelLoader creates the loader for cfg.Model. Configured fallbacks
// are wrapped in a [resilience.ModelFallback], each behind its own breaker.
func buildModelLoader(reg *config.Registry, cfg *config.Config) (model.Loader, error) {
	primary, err := reg.CreateModel(cfg.Model)
	if err != nil {
		return nil, err
	}
	if len(cfg.Model.Fallbacks) == 0 {
		return primary, nil
	}

	fb := resilience.NewModelFallback(primary, cfg.Model.Path, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Inference.MaxFailures,
			ResetTimeout: cfg.Inference.ResetTimeout,
		},
	})
	for i, mc := range cfg.Model.Fallbacks {
		l, err := reg.CreateModel(mc)
		if err != nil {
			return nil, fmt.Errorf("model.fallbacks[%d]: %w", i, err)
		}
		fb.AddFallback(mc.Path, l)
	}
	slog.Info("model fallbacks configured", "order", fb.Names())
	return fb.Loader(), nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         voxmood · startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Model", orUnset(cfg.Model.Name+" "+cfg.Model.Path, cfg.Model.Path))
	window := "from model"
	if cfg.Model.WindowSamples > 0 {
		window = fmt.Sprintf("%d @ 16kHz", cfg.Model.WindowSamples)
	}
	printRow("Window", window)
	printRow("Hop", fmt.Sprintf("%.2fs", cfg.Inference.HopSeconds))
	printRow("Mode", string(cfg.Session.Mode))
	printRow("Smoothing", fmt.Sprintf("a=%.2f hold=%s", cfg.Smoothing.Alpha, cfg.Smoothing.Hold))
	printRow("Timeline", orUnset("postgres", cfg.Store.PostgresDSN))
	if cfg.Microphone.Enabled {
		printRow("Microphone", fmt.Sprintf("%dHz x%d", cfg.Microphone.SampleRate, cfg.Microphone.Channels))
	} else {
		printRow("Microphone", "(disabled)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	fmt.Printf("║  %-15s : %-19s ║\n", kind, value)
}

// orUnset returns value, or a placeholder when guard is empty.
func orUnset(value, guard string) string {
	if guard == "" {
		return "(not configured)"
	}
	return value
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
