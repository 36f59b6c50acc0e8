// Command braintone runs the neurofeedback loop: it calibrates each
// configured subject against an EEG feature stream and drives an actuator
// with the normalized running value.
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

	"github.com/MrWong99/braintone/internal/app"
	"github.com/MrWong99/braintone/internal/config"
	"github.com/MrWong99/braintone/internal/observe"
	"github.com/MrWong99/braintone/pkg/actuator"
	"github.com/MrWong99/braintone/pkg/actuator/console"
	"github.com/MrWong99/braintone/pkg/actuator/tone"
	"github.com/MrWong99/braintone/pkg/feature"
	"github.com/MrWong99/braintone/pkg/feature/fake"
	"github.com/MrWong99/braintone/pkg/feature/wsfeed"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: braintone [flags] [config.yaml]\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() > 0 {
		*configPath = flag.Arg(0)
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "braintone: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "braintone: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(newLogger(&level))

	slog.Info("braintone starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		SetGlobal:      true,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(provider.Meter)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Registry ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	opts := []app.Option{
		app.WithMetrics(metrics),
		app.WithMetricsHandler(provider.MetricsHandler()),
		app.WithLevelVar(&level),
	}
	if *watch {
		opts = append(opts, app.WithConfigWatch(*configPath, 0))
	}
	application, err := app.New(ctx, cfg, reg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Built-in implementations ──────────────────────────────────────────────────

// registerBuiltins wires the sources and actuators that ship with braintone
// into reg.
func registerBuiltins(reg *config.Registry) {
	// ── Sources ───────────────────────────────────────────────────────────────

	reg.RegisterSource("fake", func(e config.Entry, layout feature.Layout) (feature.Source, error) {
		opts := []fake.Option{fake.WithLayout(layout)}
		delay, err := e.OptDuration("delay", 500*time.Millisecond)
		if err != nil {
			return nil, err
		}
		opts = append(opts, fake.WithDelay(delay))
		if _, ok := e.Options["seed"]; ok {
			seed, err := e.OptInt("seed", 0)
			if err != nil {
				return nil, err
			}
			opts = append(opts, fake.WithSeed(uint64(seed)))
		}
		return fake.New(opts...), nil
	})

	reg.RegisterSource("wsfeed", func(e config.Entry, layout feature.Layout) (feature.Source, error) {
		url, err := e.OptString("url", "")
		if err != nil {
			return nil, err
		}
		if url == "" {
			return nil, errors.New("wsfeed: options.url is required")
		}
		headers, err := e.OptMap("headers")
		if err != nil {
			return nil, err
		}
		var opts []wsfeed.Option
		for k, v := range headers {
			opts = append(opts, wsfeed.WithHeader(k, v))
		}
		return wsfeed.New(url, layout, opts...)
	})

	// ── Actuators ─────────────────────────────────────────────────────────────

	reg.RegisterActuator("console", func(config.Entry) (actuator.Actuator, error) {
		return console.New(os.Stdout), nil
	})

	reg.RegisterActuator("tone", newToneActuator)

	sources, actuators := reg.Names()
	slog.Debug("registered implementations", "sources", sources, "actuators", actuators)
}

// fileTone closes the output file after the tone stream stops.
type fileTone struct {
	*tone.Actuator
	f *os.File
}

func (t fileTone) Close() error {
	return errors.Join(t.Actuator.Close(), t.f.Close())
}

// newToneActuator builds the pitch synthesizer. options.output is a file
// path, or "-" (the default) for stdout.
func newToneActuator(e config.Entry) (actuator.Actuator, error) {
	def := tone.DefaultConfig()

	floats := map[string]*float64{
		"base_hz":     &def.BaseHz,
		"hz_per_step": &def.HzPerStep,
		"min_hz":      &def.MinHz,
		"max_hz":      &def.MaxHz,
		"amplitude":   &def.Amplitude,
	}
	for key, dst := range floats {
		v, err := e.OptFloat(key, *dst)
		if err != nil {
			return nil, err
		}
		*dst = v
	}
	rate, err := e.OptInt("sample_rate", def.Format.SampleRate)
	if err != nil {
		return nil, err
	}
	channels, err := e.OptInt("channels", def.Format.Channels)
	if err != nil {
		return nil, err
	}
	frame, err := e.OptDuration("frame", def.Frame)
	if err != nil {
		return nil, err
	}
	output, err := e.OptString("output", "-")
	if err != nil {
		return nil, err
	}

	opts := []tone.Option{
		tone.WithFormat(tone.Format{SampleRate: rate, Channels: channels}),
		tone.WithFrame(frame),
		tone.WithPitchMap(def.BaseHz, def.HzPerStep, def.MinHz, def.MaxHz),
		tone.WithAmplitude(def.Amplitude),
	}

	if output == "-" {
		return tone.New(os.Stdout, opts...)
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("tone: open output: %w", err)
	}
	a, err := tone.New(f, opts...)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return fileTone{Actuator: a, f: f}, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	s := cfg.Session
	fmt.Fprintln(os.Stderr, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(os.Stderr, "║       braintone · startup summary     ║")
	fmt.Fprintln(os.Stderr, "╠═══════════════════════════════════════╣")
	for _, sub := range cfg.Subjects {
		printRow("Subject", sub.Name+" ("+sub.Source.Name+" → "+sub.Actuator.Name+")")
	}
	printRow("Training", fmt.Sprintf("%d samples", s.TrainingSampleCount))
	if s.TestDuration > 0 {
		printRow("Test duration", s.TestDuration.String())
	} else {
		printRow("Test duration", "(until stopped)")
	}
	printRow("Avg kernel", fmt.Sprintf("%g", s.AvgKernel))
	printRow("Auto start", fmt.Sprintf("%t", s.AutoStart))
	printRow("Re-arm", fmt.Sprintf("%t", s.Rearm))
	switch {
	case cfg.Journal.Path != "" && cfg.Journal.PostgresDSN != "":
		printRow("Journal", "file + postgres")
	case cfg.Journal.Path != "":
		printRow("Journal", "file")
	case cfg.Journal.PostgresDSN != "":
		printRow("Journal", "postgres")
	default:
		printRow("Journal", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Fprintln(os.Stderr, "╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Fprintf(os.Stderr, "║  %-14s  : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
