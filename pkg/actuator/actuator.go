// Package actuator defines the output side of the feedback loop: the device
// that turns the smoothed alpha-band value into something the subject can
// perceive (a pitch, a line on a console, a buzzer).
//
// An [Actuator] has three modes:
//
//   - output: SetOutput drives it with the current running value
//   - idle:   SetIdle puts it in a periodic beep while the session waits for
//     hardware
//   - off:    Off silences it
//
// Implementations must be safe for concurrent use; the session worker is the
// only writer in practice but HTTP handlers may call Off during shutdown.
package actuator

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by actuators that have been closed.
var ErrClosed = errors.New("actuator: closed")

// IdleParams configures the waiting-for-hardware beep. The actuator emits
// Value for the first half of every Period and is silent for the second.
type IdleParams struct {
	Value  float64
	Period time.Duration
}

// DefaultIdle is the beep used while waiting for the EEG hardware.
var DefaultIdle = IdleParams{Value: 50, Period: 500 * time.Millisecond}

// On reports whether the beep is sounding at elapsed time since idle mode
// began.
func (p IdleParams) On(elapsed time.Duration) bool {
	if p.Period <= 0 {
		return true
	}
	return elapsed%p.Period < p.Period/2
}

// Actuator drives the feedback output.
type Actuator interface {
	// SetOutput sets the output level to value (pitch-domain units).
	SetOutput(ctx context.Context, value float64) error

	// SetIdle switches to beep mode.
	SetIdle(ctx context.Context, p IdleParams) error

	// Off silences the actuator. It is idempotent.
	Off(ctx context.Context) error

	// Close releases the actuator. Further calls return [ErrClosed].
	Close() error
}

// Multi fans every call out to all of its actuators. Errors are joined; a
// failing actuator does not stop the others from being driven.
type Multi []Actuator

var _ Actuator = Multi(nil)

// SetOutput implements [Actuator].
func (m Multi) SetOutput(ctx context.Context, value float64) error {
	return m.each(func(a Actuator) error { return a.SetOutput(ctx, value) })
}

// SetIdle implements [Actuator].
func (m Multi) SetIdle(ctx context.Context, p IdleParams) error {
	return m.each(func(a Actuator) error { return a.SetIdle(ctx, p) })
}

// Off implements [Actuator].
func (m Multi) Off(ctx context.Context) error {
	return m.each(func(a Actuator) error { return a.Off(ctx) })
}

// Close implements [Actuator].
func (m Multi) Close() error {
	return m.each(func(a Actuator) error { return a.Close() })
}

func (m Multi) each(fn func(Actuator) error) error {
	var errs []error
	for _, a := range m {
		if err := fn(a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
