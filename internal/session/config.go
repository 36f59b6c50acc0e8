package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/braintone/internal/processing"
	"github.com/MrWong99/braintone/pkg/actuator"
	"github.com/MrWong99/braintone/pkg/feature"
)

// Default session parameters.
const (
	DefaultTrainingSampleCount = 60
	DefaultTestDuration        = 120 * time.Second
	DefaultAvgKernel           = 10
	DefaultSettleDelay         = 3 * time.Second
	DefaultHardwarePoll        = 500 * time.Millisecond
	DefaultRetryBackoff        = 250 * time.Millisecond
	DefaultBreakerFailures     = 5
	DefaultBreakerReset        = 5 * time.Second
)

// Config holds the parameters of one subject's session.
type Config struct {
	Subject string

	// TrainingSampleCount is the number of peak pairs collected during
	// calibration. Must be greater than one.
	TrainingSampleCount int

	// TestDuration is the wall-clock length of the sampling phase. Zero
	// samples until the context is cancelled.
	TestDuration time.Duration

	// AvgKernel is the running average kernel. Must be at least one.
	AvgKernel float64

	// SettleDelay is slept between calibration and sampling.
	SettleDelay time.Duration

	// RequireHardware waits for the source to report the EEG hardware
	// present before calibrating. HardwareTimeout bounds the wait; zero
	// waits until cancelled.
	RequireHardware bool
	HardwareTimeout time.Duration
	HardwarePoll    time.Duration

	// AcquireTimeout bounds each wait for a delivery. Zero blocks.
	AcquireTimeout time.Duration

	// StallThreshold marks the session stalled while a wait runs longer.
	StallThreshold time.Duration

	// BreakerFailures consecutive acquisition timeouts open the breaker for
	// BreakerReset.
	BreakerFailures int
	BreakerReset    time.Duration

	// MaxArtifactRetries bounds consecutive eye-blink rejections. Zero
	// retries forever.
	MaxArtifactRetries int

	EyeBlinkThreshold float64
	PitchScale        float64

	// OutputFloor and OutputCeil optionally clamp the smoothed value.
	OutputFloor *float64
	OutputCeil  *float64

	// Scan selects the peak windows. The zero value is replaced by
	// [processing.DefaultScanLayout] for the source layout.
	Scan processing.ScanLayout

	// DropCount deliveries are discarded at the start of calibration.
	DropCount int

	// RetryBackoff is slept after a failed acquisition.
	RetryBackoff time.Duration

	// Idle is the actuator beep mode while waiting for hardware.
	Idle actuator.IdleParams
}

// DefaultConfig returns the reference parameters for subject.
func DefaultConfig(subject string) Config {
	return Config{
		Subject:             subject,
		TrainingSampleCount: DefaultTrainingSampleCount,
		TestDuration:        DefaultTestDuration,
		AvgKernel:           DefaultAvgKernel,
		SettleDelay:         DefaultSettleDelay,
		HardwarePoll:        DefaultHardwarePoll,
		BreakerFailures:     DefaultBreakerFailures,
		BreakerReset:        DefaultBreakerReset,
		EyeBlinkThreshold:   processing.DefaultEyeBlinkThreshold,
		PitchScale:          processing.DefaultPitchScale,
		DropCount:           processing.DefaultDropCount,
		RetryBackoff:        DefaultRetryBackoff,
		Idle:                actuator.DefaultIdle,
	}
}

// withDefaults fills fields whose zero value is not meaningful.
func (c Config) withDefaults(layout feature.Layout) Config {
	if c.AvgKernel == 0 {
		c.AvgKernel = DefaultAvgKernel
	}
	if c.HardwarePoll <= 0 {
		c.HardwarePoll = DefaultHardwarePoll
	}
	if c.EyeBlinkThreshold == 0 {
		c.EyeBlinkThreshold = processing.DefaultEyeBlinkThreshold
	}
	if c.PitchScale == 0 {
		c.PitchScale = processing.DefaultPitchScale
	}
	if c.BreakerFailures <= 0 {
		c.BreakerFailures = DefaultBreakerFailures
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = DefaultBreakerReset
	}
	if c.DropCount < 0 {
		c.DropCount = 0
	}
	if c.Idle == (actuator.IdleParams{}) {
		c.Idle = actuator.DefaultIdle
	}
	if c.Scan == (processing.ScanLayout{}) {
		c.Scan = processing.DefaultScanLayout(layout.ChannelStride())
	}
	return c
}

// Validate checks the configuration against the source layout. All problems
// are reported together.
func (c Config) Validate(layout feature.Layout) error {
	var errs []error
	if c.Subject == "" {
		errs = append(errs, errors.New("session: subject is required"))
	}
	if c.TrainingSampleCount <= 1 {
		errs = append(errs, fmt.Errorf("%w: training sample count must be greater than 1, got %d",
			processing.ErrTrainingFailure, c.TrainingSampleCount))
	}
	if c.AvgKernel < 1 {
		errs = append(errs, fmt.Errorf("%w, got %g", processing.ErrInvalidKernel, c.AvgKernel))
	}
	if c.TestDuration < 0 || c.SettleDelay < 0 || c.AcquireTimeout < 0 || c.StallThreshold < 0 {
		errs = append(errs, errors.New("session: durations must not be negative"))
	}
	if c.MaxArtifactRetries < 0 {
		errs = append(errs, fmt.Errorf("session: max artifact retries must not be negative, got %d", c.MaxArtifactRetries))
	}
	if c.EyeBlinkThreshold <= 0 {
		errs = append(errs, fmt.Errorf("session: eye blink threshold must be positive, got %g", c.EyeBlinkThreshold))
	}
	if c.OutputFloor != nil && c.OutputCeil != nil && *c.OutputFloor > *c.OutputCeil {
		errs = append(errs, fmt.Errorf("session: output floor %g above ceiling %g", *c.OutputFloor, *c.OutputCeil))
	}
	n := layout.Len()
	if n <= 0 {
		errs = append(errs, errors.New("session: feature layout is empty"))
	} else if err := c.Scan.Validate(n); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
