package processing

import (
	"errors"
	"fmt"
)

// ErrInvalidKernel is returned for an averaging kernel below one.
var ErrInvalidKernel = errors.New("processing: averaging kernel must be >= 1")

// DefaultPitchScale maps a normalized score equal to the eye-blink threshold
// to 100 pitch units.
const DefaultPitchScale = 3.5

// PitchScale converts a normalized score to pitch-domain units.
func PitchScale(score, scale float64) float64 {
	return score * 100 / scale
}

// RunningAverage is an exponential moving average with smoothing 1/Kernel.
// The zero value is not usable; construct with [NewRunningAverage].
type RunningAverage struct {
	kernel float64
	value  float64
}

// NewRunningAverage returns a filter starting at zero.
func NewRunningAverage(kernel float64) (*RunningAverage, error) {
	if kernel < 1 {
		return nil, fmt.Errorf("%w, got %v", ErrInvalidKernel, kernel)
	}
	return &RunningAverage{kernel: kernel}, nil
}

// Update folds x into the average and returns the new value.
func (r *RunningAverage) Update(x float64) float64 {
	r.value += (x - r.value) / r.kernel
	return r.value
}

// Value returns the current average.
func (r *RunningAverage) Value() float64 { return r.value }

// Reset returns the average to zero.
func (r *RunningAverage) Reset() { r.value = 0 }

// Clamp bounds a value. Nil bounds are open.
type Clamp struct {
	Floor *float64
	Ceil  *float64
}

// Apply returns x limited to the configured bounds.
func (c Clamp) Apply(x float64) float64 {
	if c.Floor != nil && x < *c.Floor {
		x = *c.Floor
	}
	if c.Ceil != nil && x > *c.Ceil {
		x = *c.Ceil
	}
	return x
}
