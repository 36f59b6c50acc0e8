// Package feature defines the boundary between braintone and an external
// EEG feature producer.
//
// The producer computes feature vectors (time series, FFT bins, power bands)
// and hands them over one delivery at a time. braintone only ever reads a
// delivery through a [Vector], a read-only view that is valid between a
// completed [Source.Wait] and the next [Source.Request]. The [Layout] describes
// which feature groups the producer emits and therefore how long each vector is.
//
// This package lives under pkg/ because producer adapters outside this
// repository are expected to implement [Source].
package feature

import (
	"errors"
	"fmt"
)

// ErrVectorLength is returned when a delivered vector, or a window read from
// it, does not fit the configured [Layout].
var ErrVectorLength = errors.New("feature: vector length mismatch")

// Vector is a read-only, length-checked view over one feature delivery.
//
// The backing buffer is owned by the [Source]; it is overwritten by the next
// delivery, so callers must not keep a Vector (or any slice obtained from it)
// across acquisition cycles.
type Vector struct {
	data []float64
}

// NewVector wraps data in a [Vector]. It does not copy.
func NewVector(data []float64) Vector {
	return Vector{data: data}
}

// Len returns the number of features in the vector.
func (v Vector) Len() int { return len(v.data) }

// At returns the feature at index i. It panics if i is out of range, like a
// slice index would.
func (v Vector) At(i int) float64 { return v.data[i] }

// Window returns the contiguous range [start, start+width). The returned slice
// aliases the source buffer and must be treated as read-only.
func (v Vector) Window(start, width int) ([]float64, error) {
	if start < 0 || width < 0 || start+width > len(v.data) {
		return nil, fmt.Errorf("%w: window [%d,%d) outside vector of length %d",
			ErrVectorLength, start, start+width, len(v.data))
	}
	return v.data[start : start+width : start+width], nil
}

// Copy returns a detached copy of the vector's features.
func (v Vector) Copy() []float64 {
	out := make([]float64, len(v.data))
	copy(out, v.data)
	return out
}

// Layout describes the feature groups a producer emits. The order in the
// vector is: frame-info header, time series, FFT bins, then one entry per
// channel for each enabled power band.
type Layout struct {
	// HeaderLength is the number of frame-info values preceding the features.
	HeaderLength int

	// Channels is the number of EEG channels.
	Channels int

	// WindowWidth is the acquisition window in samples.
	WindowWidth int

	// TimeSeries enables the raw window: WindowWidth × Channels values.
	TimeSeries bool

	// FFT enables the spectrum: WindowWidth/2 × Channels values.
	FFT bool

	// PowerBands lists the enabled power bands (e.g. "alpha", "beta"),
	// each contributing Channels values.
	PowerBands []string
}

// Len returns the expected vector length for the layout.
func (l Layout) Len() int {
	n := l.HeaderLength
	if l.TimeSeries {
		n += l.WindowWidth * l.Channels
	}
	if l.FFT {
		n += l.WindowWidth / 2 * l.Channels
	}
	n += len(l.PowerBands) * l.Channels
	return n
}

// ChannelStride returns the distance between two consecutive channels in the
// first enabled per-channel group: the FFT bin count when FFT is the leading
// group after the header, otherwise the time-series window width. It returns 0
// when neither group is enabled.
func (l Layout) ChannelStride() int {
	switch {
	case l.TimeSeries:
		return l.WindowWidth
	case l.FFT:
		return l.WindowWidth / 2
	default:
		return 0
	}
}

// Check verifies that a delivery of length n matches the layout.
func (l Layout) Check(n int) error {
	if want := l.Len(); n != want {
		return fmt.Errorf("%w: got %d values, layout expects %d", ErrVectorLength, n, want)
	}
	return nil
}
