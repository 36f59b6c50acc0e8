package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure returned by [Validate].
var ErrInvalidConfig = errors.New("config: invalid configuration")

// KnownSources and KnownActuators list the built-in implementation names.
// [Validate] warns about names outside these lists, which may still be
// registered by an embedding program.
var (
	KnownSources   = []string{"fake", "wsfeed"}
	KnownActuators = []string{"console", "tone", "multi"}
)

// Load reads the YAML configuration file at path and returns a validated
// [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default], applies
// defaults and validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg is coherent and reports every failure at once,
// wrapped in [ErrInvalidConfig].
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	s := cfg.Session
	if s.TrainingSampleCount <= 1 {
		errs = append(errs, fmt.Errorf("session.training_sample_count must be greater than 1, got %d", s.TrainingSampleCount))
	}
	if s.DropCount < 0 {
		errs = append(errs, fmt.Errorf("session.drop_count must not be negative, got %d", s.DropCount))
	}
	if s.AvgKernel < 1 {
		errs = append(errs, fmt.Errorf("session.avg_kernel must be at least 1, got %g", s.AvgKernel))
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"test_duration", s.TestDuration},
		{"settle_delay", s.SettleDelay},
		{"hardware_timeout", s.HardwareTimeout},
		{"acquire_timeout", s.AcquireTimeout},
		{"stall_threshold", s.StallThreshold},
		{"retry_backoff", s.RetryBackoff},
		{"rearm_delay", s.RearmDelay},
	} {
		if d.v < 0 {
			errs = append(errs, fmt.Errorf("session.%s must not be negative, got %s", d.name, d.v))
		}
	}
	if s.MaxArtifactRetries < 0 {
		errs = append(errs, fmt.Errorf("session.max_artifact_retries must not be negative, got %d", s.MaxArtifactRetries))
	}
	if s.EyeBlinkThreshold <= 0 {
		errs = append(errs, fmt.Errorf("session.eye_blink_threshold must be positive, got %g", s.EyeBlinkThreshold))
	}
	if s.PitchScale <= 0 {
		errs = append(errs, fmt.Errorf("session.pitch_scale must be positive, got %g", s.PitchScale))
	}
	if s.OutputFloor != nil && s.OutputCeil != nil && *s.OutputFloor > *s.OutputCeil {
		errs = append(errs, fmt.Errorf("session.output_floor %g is above session.output_ceil %g", *s.OutputFloor, *s.OutputCeil))
	}
	if s.StallThreshold > 0 && s.AcquireTimeout > 0 && s.StallThreshold > s.AcquireTimeout {
		slog.Warn("session.stall_threshold exceeds session.acquire_timeout; stalls surface as timeouts only",
			"stall_threshold", s.StallThreshold, "acquire_timeout", s.AcquireTimeout)
	}

	errs = append(errs, validateFeatures(cfg.Features)...)

	if len(cfg.Subjects) == 0 {
		errs = append(errs, errors.New("subjects: at least one subject is required"))
	}
	seen := make(map[string]int, len(cfg.Subjects))
	for i, sub := range cfg.Subjects {
		prefix := fmt.Sprintf("subjects[%d]", i)
		if sub.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := seen[sub.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of subjects[%d]", prefix, sub.Name, prev))
			}
			seen[sub.Name] = i
		}
		if sub.Source.Name == "" {
			errs = append(errs, fmt.Errorf("%s.source.name is required", prefix))
		}
		warnUnknown("source", sub.Source.Name, KnownSources)
		errs = append(errs, validateActuator(prefix+".actuator", sub.Actuator)...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func validateFeatures(f FeaturesConfig) []error {
	var errs []error
	if f.ChannelCount <= 0 {
		errs = append(errs, fmt.Errorf("features.channel_count must be positive, got %d", f.ChannelCount))
	}
	if f.HeaderLength < 0 || f.WindowWidth < 0 {
		errs = append(errs, errors.New("features.header_length and features.window_width must not be negative"))
	}
	if f.Scan.SecondChannel < 0 || f.Scan.ChannelStride < 0 {
		errs = append(errs, errors.New("features.scan.channel_stride and features.scan.second_channel must not be negative"))
	}
	n := f.Layout().Len()
	if n <= 0 {
		return append(errs, errors.New("features: layout is empty; enable time_series, fft or power_bands"))
	}
	if err := f.ScanLayout().Validate(n); err != nil {
		errs = append(errs, fmt.Errorf("features.scan: %w", err))
	}
	return errs
}

func validateActuator(prefix string, e Entry) []error {
	if e.Name == "" {
		return []error{fmt.Errorf("%s.name is required", prefix)}
	}
	warnUnknown("actuator", e.Name, KnownActuators)
	if e.Name != "multi" {
		if len(e.Outputs) > 0 {
			return []error{fmt.Errorf("%s.outputs is only valid for the multi actuator", prefix)}
		}
		return nil
	}
	if len(e.Outputs) == 0 {
		return []error{fmt.Errorf("%s: multi actuator needs at least one output", prefix)}
	}
	var errs []error
	for i, out := range e.Outputs {
		errs = append(errs, validateActuator(fmt.Sprintf("%s.outputs[%d]", prefix, i), out)...)
	}
	return errs
}

func warnUnknown(kind, name string, known []string) {
	if name == "" || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown implementation name, may be a typo or registered by the embedding program",
		"kind", kind, "name", name, "known", known)
}
