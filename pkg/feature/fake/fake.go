// Package fake provides a synthetic [feature.Source] that fills every delivery
// with uniformly distributed random values after a fixed delay. It stands in
// for the real producer during bench tests and demos.
package fake

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/MrWong99/braintone/pkg/feature"
)

// Defaults match the reference producer: four channels of 55 FFT bins and a
// half-second delivery cadence.
const (
	defaultDelay = 500 * time.Millisecond
)

// DefaultLayout is the layout produced when [WithLayout] is not given.
var DefaultLayout = feature.Layout{Channels: 4, WindowWidth: 110, FFT: true}

// Option configures a [Source].
type Option func(*Source)

// WithDelay sets the simulated acquisition delay per delivery. Zero disables it.
func WithDelay(d time.Duration) Option {
	return func(s *Source) {
		if d >= 0 {
			s.delay = d
		}
	}
}

// WithSeed makes the generated stream reproducible.
func WithSeed(seed uint64) Option {
	return func(s *Source) {
		s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// WithLayout overrides the vector layout.
func WithLayout(l feature.Layout) Option {
	return func(s *Source) { s.layout = l }
}

// Source is a random feature generator. Deliveries are drawn from [0, 1).
type Source struct {
	layout feature.Layout
	delay  time.Duration

	mu        sync.Mutex
	rng       *rand.Rand
	buf       []float64
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

var (
	_ feature.Source         = (*Source)(nil)
	_ feature.HardwareProber = (*Source)(nil)
)

// New returns a ready-to-use random feature source.
func New(opts ...Option) *Source {
	s := &Source{
		layout: DefaultLayout,
		delay:  defaultDelay,
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	s.buf = make([]float64, s.layout.Len())
	return s
}

// Request implements [feature.Source].
func (s *Source) Request(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return feature.ErrClosed
	}
	return nil
}

// Wait implements [feature.Source]. It sleeps for the configured delay and
// then regenerates the whole buffer.
func (s *Source) Wait(ctx context.Context) (feature.Vector, error) {
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return feature.Vector{}, ctx.Err()
		case <-s.done:
			return feature.Vector{}, feature.ErrClosed
		case <-t.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return feature.Vector{}, feature.ErrClosed
	}
	for i := range s.buf {
		s.buf[i] = s.rng.Float64()
	}
	return feature.NewVector(s.buf), nil
}

// Layout implements [feature.Source].
func (s *Source) Layout() feature.Layout { return s.layout }

// HardwarePresent implements [feature.HardwareProber]. The generator has no
// hardware and always reports present while open.
func (s *Source) HardwarePresent(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed, nil
}

// Close implements [feature.Source].
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
	return nil
}
