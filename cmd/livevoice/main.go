// Command livevoice serves a duplex voice session between the local
// microphone and speaker and a hosted live agent.
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

	"github.com/MrWong99/livevoice/internal/app"
	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/internal/resilience"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/audio/ffmpeg"
	"github.com/MrWong99/livevoice/pkg/provider/live"
	"github.com/MrWong99/livevoice/pkg/provider/live/gemini"
	"github.com/MrWong99/livevoice/pkg/provider/live/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "livevoice: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "livevoice: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("livevoice starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Backend registry ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	backends, err := buildBackends(cfg, reg)
	if err != nil {
		slog.Error("failed to build backends", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Config watcher ────────────────────────────────────────────────────────
	// The callback only fires from Watcher.Run, which starts after
	// application is assigned.
	var application *app.App
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config, d config.ConfigDiff) {
		application.ApplyConfig(old, new, d)
	})
	if err != nil {
		slog.Error("failed to watch config", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err = app.New(ctx, cfg, backends,
		app.WithWatcher(watcher),
		app.WithLogLevel(&level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = application.Shutdown(shutdownCtx)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinBackends wires the providers and devices that ship with
// livevoice into reg.
func registerBuiltinBackends(reg *config.Registry) {
	reg.RegisterProvider("gemini-live", func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.RegisterProvider("openai-realtime", func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []openai.Option
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, opts...), nil
	})

	reg.RegisterMicrophone("ffmpeg", func(in config.InputConfig) (audio.Microphone, error) {
		mic := ffmpeg.NewMicrophone(
			ffmpeg.WithFFmpegBinary(in.Binary),
			ffmpeg.WithInputBackend(in.Backend),
			ffmpeg.WithInputDevice(in.Device),
		)
		return &deviceMicrophone{Microphone: mic, rate: in.SampleRate, channels: in.Channels}, nil
	})

	reg.RegisterOutput("ffmpeg", func(out config.OutputConfig) (audio.OutputDevice, error) {
		player := ffmpeg.NewPlayer(
			ffmpeg.WithFFplayBinary(out.Binary),
			ffmpeg.WithRenderBlock(out.RenderBlock),
		)
		return &deviceOutput{OutputDevice: player, rate: out.SampleRate, channels: out.Channels}, nil
	})

	for _, kind := range []string{"provider", "input", "output"} {
		for _, name := range reg.Names(kind) {
			slog.Debug("registered backend", "kind", kind, "name", name)
		}
	}
}

// buildBackends instantiates the provider and devices named in cfg. The
// primary provider and its fallbacks are each guarded by a circuit breaker.
func buildBackends(cfg *config.Config, reg *config.Registry) (*app.Backends, error) {
	group := resilience.NewGroup[live.Provider](resilience.BreakerConfig{
		MaxFailures:  cfg.Breaker.MaxFailures,
		ResetTimeout: cfg.Breaker.ResetTimeout,
	})
	for _, entry := range append([]config.ProviderEntry{cfg.Provider}, cfg.Fallbacks...) {
		p, err := reg.CreateProvider(entry)
		if err != nil {
			return nil, fmt.Errorf("create provider %q: %w", entry.Name, err)
		}
		group.Add(entry.Name, p)
		slog.Info("backend created", "kind", "provider", "name", entry.Name)
	}
	p, err := resilience.NewFailover(group)
	if err != nil {
		return nil, err
	}

	mic, err := reg.CreateMicrophone(cfg.Audio.Input)
	if err != nil {
		return nil, fmt.Errorf("create microphone %q: %w", cfg.Audio.Input.Name, err)
	}
	slog.Info("backend created", "kind", "input", "name", cfg.Audio.Input.Name)

	out, err := reg.CreateOutput(cfg.Audio.Output)
	if err != nil {
		return nil, fmt.Errorf("create output %q: %w", cfg.Audio.Output.Name, err)
	}
	slog.Info("backend created", "kind", "output", "name", cfg.Audio.Output.Name)

	return &app.Backends{Provider: p, Microphone: mic, Output: out}, nil
}

// deviceMicrophone opens the capture device at the configured hardware
// format instead of the wire format. The capture pipeline converts.
type deviceMicrophone struct {
	audio.Microphone
	rate, channels int
}

func (m *deviceMicrophone) Open(ctx context.Context, f audio.Format) (audio.InputStream, error) {
	return m.Microphone.Open(ctx, override(f, m.rate, m.channels))
}

// deviceOutput opens the output context at the configured hardware format.
type deviceOutput struct {
	audio.OutputDevice
	rate, channels int
}

func (d *deviceOutput) Open(ctx context.Context, f audio.Format) (audio.OutputContext, error) {
	return d.OutputDevice.Open(ctx, override(f, d.rate, d.channels))
}

func override(f audio.Format, rate, channels int) audio.Format {
	if rate > 0 {
		f.SampleRate = rate
	}
	if channels > 0 {
		f.Channels = channels
	}
	return f
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       livevoice startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Provider", cfg.Provider.Name, cfg.Provider.Model)
	for _, fb := range cfg.Fallbacks {
		printRow("Fallback", fb.Name, fb.Model)
	}
	printRow("Voice", cfg.Session.Voice, "")
	printRow("Input", cfg.Audio.Input.Name, cfg.Audio.Input.Device)
	printRow("Output", cfg.Audio.Output.Name, "")
	printRow("Journal", string(cfg.Journal.Backend), "")
	fmt.Printf("║  %-12s    : %-19s ║\n", "Rates", fmt.Sprintf("%d / %d Hz", cfg.Session.InputSampleRate, cfg.Session.OutputSampleRate))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  %-12s    : %-19s ║\n", "Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, name, detail string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if detail != "" {
		value = name + " / " + detail
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}
