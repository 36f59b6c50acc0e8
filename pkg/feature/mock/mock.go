// Package mock provides a scripted [feature.Source] for unit tests.
//
// Set the exported fields before use and inspect the call counters after:
//
//	src := &mock.Source{
//	    LayoutResult: feature.Layout{Channels: 4, WindowWidth: 110, FFT: true},
//	    Deliveries:   [][]float64{first, second},
//	}
//
// Deliveries are returned in order; once exhausted the last one is repeated.
// All methods are safe for concurrent use.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/braintone/pkg/feature"
)

// Source is a mock implementation of [feature.Source] and
// [feature.HardwareProber].
type Source struct {
	mu sync.Mutex

	// LayoutResult is returned by [Source.Layout].
	LayoutResult feature.Layout

	// Deliveries are handed out by successive Wait calls.
	Deliveries [][]float64

	// WaitFunc, when set, replaces the scripted deliveries. It receives the
	// zero-based index of the Wait call.
	WaitFunc func(ctx context.Context, call int) ([]float64, error)

	// Block makes Wait block until ctx is done, simulating a stalled producer.
	Block bool

	// RequestError is returned by Request when non-nil.
	RequestError error

	// WaitError is returned by Wait when non-nil.
	WaitError error

	// HardwarePresentResult and HardwarePresentError are returned by
	// HardwarePresent.
	HardwarePresentResult bool
	HardwarePresentError  error

	// CallCountRequest records how many times Request was called.
	CallCountRequest int

	// CallCountWait records how many times Wait was called.
	CallCountWait int

	// CallCountHardwarePresent records how many times HardwarePresent was called.
	CallCountHardwarePresent int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// Outstanding is true between a Request and the matching Wait.
	Outstanding bool

	// OverlappingRequests counts Requests issued while one was outstanding.
	OverlappingRequests int

	buf []float64
}

var (
	_ feature.Source         = (*Source)(nil)
	_ feature.HardwareProber = (*Source)(nil)
)

// Request implements [feature.Source].
func (s *Source) Request(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountRequest++
	if s.RequestError != nil {
		return s.RequestError
	}
	if s.Outstanding {
		s.OverlappingRequests++
	}
	s.Outstanding = true
	return nil
}

// Wait implements [feature.Source]. The returned vector is backed by an
// internal buffer that is overwritten by the next Wait, like a real producer.
func (s *Source) Wait(ctx context.Context) (feature.Vector, error) {
	s.mu.Lock()
	call := s.CallCountWait
	s.CallCountWait++
	block := s.Block
	waitFn := s.WaitFunc
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return feature.Vector{}, ctx.Err()
	}

	var (
		data []float64
		err  error
	)
	if waitFn != nil {
		data, err = waitFn(ctx, call)
	} else {
		s.mu.Lock()
		err = s.WaitError
		if err == nil && len(s.Deliveries) > 0 {
			data = s.Deliveries[min(call, len(s.Deliveries)-1)]
		}
		s.mu.Unlock()
	}
	if err != nil {
		return feature.Vector{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Outstanding = false
	s.buf = append(s.buf[:0], data...)
	return feature.NewVector(s.buf), nil
}

// Layout implements [feature.Source].
func (s *Source) Layout() feature.Layout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.LayoutResult
}

// HardwarePresent implements [feature.HardwareProber].
func (s *Source) HardwarePresent(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountHardwarePresent++
	return s.HardwarePresentResult, s.HardwarePresentError
}

// Close implements [feature.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return nil
}

// Calls returns the Request and Wait call counts under the lock.
func (s *Source) Calls() (requests, waits int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountRequest, s.CallCountWait
}

// PeakVector builds a delivery of length n whose two scan windows of the
// given width, starting at start and start+offset, are filled with left and
// right respectively. All other values are zero. It is a convenience for
// processing tests.
func PeakVector(n, start, width, offset int, left, right float64) []float64 {
	v := make([]float64, n)
	for i := 0; i < width; i++ {
		v[start+i] = left
		v[start+offset+i] = right
	}
	return v
}
