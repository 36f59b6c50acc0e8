// Package processing implements the feature normalization pipeline: peak
// extraction from a feature vector, baseline calibration, z-score
// normalization with eye-blink rejection, and the running-average filter that
// feeds the actuator.
//
// Everything in this package is single-subject and single-goroutine. The
// session layer owns concurrency.
package processing

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/MrWong99/braintone/pkg/feature"
)

// ErrInvalidScanLayout is returned for a scan layout that cannot select any
// values (zero width, negative start or offset).
var ErrInvalidScanLayout = errors.New("processing: invalid scan layout")

// Acquirer delivers one feature vector per call, blocking until it is ready.
// The vector is only valid until the next call.
type Acquirer interface {
	Acquire(ctx context.Context) (feature.Vector, error)
}

// AcquirerFunc adapts a function to [Acquirer].
type AcquirerFunc func(ctx context.Context) (feature.Vector, error)

// Acquire implements [Acquirer].
func (f AcquirerFunc) Acquire(ctx context.Context) (feature.Vector, error) { return f(ctx) }

// PeakPair holds the peak magnitude of the left and right channel windows.
type PeakPair struct {
	Left  float64
	Right float64
}

// At returns the peak for channel 0 (left) or 1 (right).
func (p PeakPair) At(c int) float64 {
	if c == 0 {
		return p.Left
	}
	return p.Right
}

// ScanLayout selects the two windows whose maxima form a [PeakPair]. The left
// window is [Start, Start+Width), the right one is shifted by SecondOffset.
type ScanLayout struct {
	Start        int
	Width        int
	SecondOffset int
}

// Reference scan window: three bins from index 4, second channel three
// channel strides further.
const (
	DefaultScanStart   = 4
	DefaultScanWidth   = 3
	DefaultScanChannel = 3
)

// DefaultScanLayout returns the reference scan layout for a channel stride.
func DefaultScanLayout(channelStride int) ScanLayout {
	return ScanLayout{
		Start:        DefaultScanStart,
		Width:        DefaultScanWidth,
		SecondOffset: DefaultScanChannel * channelStride,
	}
}

// Validate checks the layout on its own and, when vectorLen > 0, that both
// windows fit inside a vector of that length.
func (l ScanLayout) Validate(vectorLen int) error {
	if l.Width <= 0 {
		return fmt.Errorf("%w: width must be positive, got %d", ErrInvalidScanLayout, l.Width)
	}
	if l.Start < 0 || l.SecondOffset < 0 {
		return fmt.Errorf("%w: start %d and second offset %d must not be negative",
			ErrInvalidScanLayout, l.Start, l.SecondOffset)
	}
	if vectorLen > 0 {
		if end := l.Start + l.SecondOffset + l.Width; end > vectorLen {
			return fmt.Errorf("%w: second window ends at %d, vector has %d values",
				ErrInvalidScanLayout, end, vectorLen)
		}
	}
	return nil
}

// ExtractPeaks returns the maximum of each scan window. No interpolation is
// done; the result is the raw bin value.
func ExtractPeaks(v feature.Vector, l ScanLayout) (PeakPair, error) {
	if err := l.Validate(0); err != nil {
		return PeakPair{}, err
	}
	left, err := v.Window(l.Start, l.Width)
	if err != nil {
		return PeakPair{}, fmt.Errorf("processing: left window: %w", err)
	}
	right, err := v.Window(l.Start+l.SecondOffset, l.Width)
	if err != nil {
		return PeakPair{}, fmt.Errorf("processing: right window: %w", err)
	}
	return PeakPair{Left: floats.Max(left), Right: floats.Max(right)}, nil
}
