// Package config provides the configuration schema, loader, hot-reload
// watcher and source/actuator registry for braintone.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/braintone/internal/processing"
	"github.com/MrWong99/braintone/internal/session"
	"github.com/MrWong99/braintone/pkg/actuator"
	"github.com/MrWong99/braintone/pkg/feature"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to a [slog.Level]. Unknown levels map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Session  SessionConfig   `yaml:"session"`
	Features FeaturesConfig  `yaml:"features"`
	Subjects []SubjectConfig `yaml:"subjects"`
	Journal  JournalConfig   `yaml:"journal"`
}

// ServerConfig holds the control API and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the metrics, health and control API
	// (e.g. ":9090"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`
}

// SessionConfig holds the neurofeedback parameters shared by all subjects.
type SessionConfig struct {
	// TrainingSampleCount peak pairs are collected per calibration. Must be
	// greater than one.
	TrainingSampleCount int `yaml:"training_sample_count"`

	// DropCount deliveries are discarded before training starts.
	DropCount int `yaml:"drop_count"`

	// TestDuration is the length of the sampling phase. 0s samples until
	// shutdown.
	TestDuration time.Duration `yaml:"test_duration"`

	AvgKernel   float64       `yaml:"avg_kernel"`
	SettleDelay time.Duration `yaml:"settle_delay"`

	RequireHardwarePresent bool          `yaml:"require_hardware_present"`
	HardwareTimeout        time.Duration `yaml:"hardware_timeout"`
	HardwarePoll           time.Duration `yaml:"hardware_poll"`

	// AcquireTimeout bounds each wait for a delivery. 0s blocks like the
	// producer contract.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	StallThreshold time.Duration `yaml:"stall_threshold"`

	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerReset    time.Duration `yaml:"breaker_reset"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`

	// MaxArtifactRetries bounds consecutive eye-blink rejections; 0 is
	// unbounded.
	MaxArtifactRetries int     `yaml:"max_artifact_retries"`
	EyeBlinkThreshold  float64 `yaml:"eye_blink_threshold"`
	PitchScale         float64 `yaml:"pitch_scale"`

	OutputFloor *float64 `yaml:"output_floor"`
	OutputCeil  *float64 `yaml:"output_ceil"`

	IdleBeep IdleBeepConfig `yaml:"idle_beep"`

	// AutoStart starts every subject's session at boot. Otherwise sessions
	// wait for POST /sessions/{subject}/start.
	AutoStart bool `yaml:"auto_start"`

	// Rearm starts a new run RearmDelay after the previous one ended.
	Rearm      bool          `yaml:"rearm"`
	RearmDelay time.Duration `yaml:"rearm_delay"`
}

// IdleBeepConfig is the actuator beep mode while waiting for hardware.
type IdleBeepConfig struct {
	Value  float64       `yaml:"value"`
	Period time.Duration `yaml:"period"`
}

// FeaturesConfig mirrors the feature groups enabled on the producer.
type FeaturesConfig struct {
	HeaderLength int        `yaml:"header_length"`
	ChannelCount int        `yaml:"channel_count"`
	WindowWidth  int        `yaml:"window_width"`
	TimeSeries   bool       `yaml:"time_series"`
	FFT          bool       `yaml:"fft"`
	PowerBands   []string   `yaml:"power_bands"`
	Scan         ScanConfig `yaml:"scan"`
}

// ScanConfig selects the peak windows. The second window starts
// SecondChannel × ChannelStride values after the first. A zero
// ChannelStride is derived from the layout.
type ScanConfig struct {
	Start         int `yaml:"start"`
	Width         int `yaml:"width"`
	ChannelStride int `yaml:"channel_stride"`
	SecondChannel int `yaml:"second_channel"`
}

// SubjectConfig binds one subject to a feature source and an actuator.
type SubjectConfig struct {
	Name     string `yaml:"name"`
	Source   Entry  `yaml:"source"`
	Actuator Entry  `yaml:"actuator"`
}

// Entry selects a registered implementation by name. Options are passed to
// the factory unchanged. Outputs is only used by the "multi" actuator.
type Entry struct {
	Name    string         `yaml:"name"`
	Options map[string]any `yaml:"options"`
	Outputs []Entry        `yaml:"outputs"`
}

// JournalConfig selects where finished runs are recorded. Both may be set.
type JournalConfig struct {
	// Path of a JSON Lines file. Empty disables the file journal.
	Path string `yaml:"path"`

	// PostgresDSN of the session_runs database. Empty disables it.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Default returns the reference configuration. [LoadFromReader] decodes on
// top of it, so omitted keys keep these values and explicit zeros survive.
func Default() *Config {
	return &Config{
		Server: ServerConfig{ListenAddr: ":9090", LogLevel: LogInfo},
		Session: SessionConfig{
			TrainingSampleCount: session.DefaultTrainingSampleCount,
			DropCount:           processing.DefaultDropCount,
			TestDuration:        session.DefaultTestDuration,
			AvgKernel:           session.DefaultAvgKernel,
			SettleDelay:         session.DefaultSettleDelay,
			HardwareTimeout:     30 * time.Second,
			HardwarePoll:        session.DefaultHardwarePoll,
			StallThreshold:      2 * time.Second,
			BreakerFailures:     session.DefaultBreakerFailures,
			BreakerReset:        session.DefaultBreakerReset,
			RetryBackoff:        session.DefaultRetryBackoff,
			EyeBlinkThreshold:   processing.DefaultEyeBlinkThreshold,
			PitchScale:          processing.DefaultPitchScale,
			IdleBeep: IdleBeepConfig{
				Value:  actuator.DefaultIdle.Value,
				Period: actuator.DefaultIdle.Period,
			},
			AutoStart:  true,
			RearmDelay: 5 * time.Second,
		},
		Features: FeaturesConfig{
			ChannelCount: 4,
			WindowWidth:  110,
			FFT:          true,
			Scan: ScanConfig{
				Start:         processing.DefaultScanStart,
				Width:         processing.DefaultScanWidth,
				SecondChannel: processing.DefaultScanChannel,
			},
		},
	}
}

// ApplyDefaults fills values that must not stay empty after decoding.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Features.Scan.ChannelStride == 0 {
		cfg.Features.Scan.ChannelStride = cfg.Features.Layout().ChannelStride()
	}
	if cfg.Session.IdleBeep == (IdleBeepConfig{}) {
		cfg.Session.IdleBeep = IdleBeepConfig{Value: actuator.DefaultIdle.Value, Period: actuator.DefaultIdle.Period}
	}
}

// Layout converts the feature groups to a [feature.Layout].
func (f FeaturesConfig) Layout() feature.Layout {
	return feature.Layout{
		HeaderLength: f.HeaderLength,
		Channels:     f.ChannelCount,
		WindowWidth:  f.WindowWidth,
		TimeSeries:   f.TimeSeries,
		FFT:          f.FFT,
		PowerBands:   append([]string(nil), f.PowerBands...),
	}
}

// ScanLayout converts the scan block to a [processing.ScanLayout].
func (f FeaturesConfig) ScanLayout() processing.ScanLayout {
	stride := f.Scan.ChannelStride
	if stride == 0 {
		stride = f.Layout().ChannelStride()
	}
	return processing.ScanLayout{
		Start:        f.Scan.Start,
		Width:        f.Scan.Width,
		SecondOffset: f.Scan.SecondChannel * stride,
	}
}

// SessionFor builds the session parameters for subject.
func (c *Config) SessionFor(subject string) session.Config {
	s := c.Session
	return session.Config{
		Subject:             subject,
		TrainingSampleCount: s.TrainingSampleCount,
		TestDuration:        s.TestDuration,
		AvgKernel:           s.AvgKernel,
		SettleDelay:         s.SettleDelay,
		RequireHardware:     s.RequireHardwarePresent,
		HardwareTimeout:     s.HardwareTimeout,
		HardwarePoll:        s.HardwarePoll,
		AcquireTimeout:      s.AcquireTimeout,
		StallThreshold:      s.StallThreshold,
		BreakerFailures:     s.BreakerFailures,
		BreakerReset:        s.BreakerReset,
		MaxArtifactRetries:  s.MaxArtifactRetries,
		EyeBlinkThreshold:   s.EyeBlinkThreshold,
		PitchScale:          s.PitchScale,
		OutputFloor:         s.OutputFloor,
		OutputCeil:          s.OutputCeil,
		Scan:                c.Features.ScanLayout(),
		DropCount:           s.DropCount,
		RetryBackoff:        s.RetryBackoff,
		Idle:                actuator.IdleParams{Value: s.IdleBeep.Value, Period: s.IdleBeep.Period},
	}
}

// Subject returns the subject named name.
func (c *Config) Subject(name string) (SubjectConfig, bool) {
	for _, s := range c.Subjects {
		if s.Name == name {
			return s, true
		}
	}
	return SubjectConfig{}, false
}
