// Package tone provides a pitch-synthesizer [actuator.Actuator]. It streams
// raw 16-bit little-endian PCM to an io.Writer at real-time cadence: a sine
// whose frequency follows the running value while in output mode, a periodic
// beep while idle, and silence when off.
//
// The stream can be piped to any player that accepts raw PCM, e.g.
//
//	braintone config.yaml | aplay -f S16_LE -r 16000 -c 1
package tone

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/braintone/pkg/actuator"
)

type mode int

const (
	modeOff mode = iota
	modeOutput
	modeIdle
)

// Config controls the synthesized stream and the value → frequency mapping.
type Config struct {
	Format Format

	// Frame is the duration of one written PCM chunk.
	Frame time.Duration

	// Frequency = BaseHz + value × HzPerStep, clamped to [MinHz, MaxHz].
	BaseHz    float64
	HzPerStep float64
	MinHz     float64
	MaxHz     float64

	// Amplitude is the peak int16 sample value.
	Amplitude float64
}

// DefaultConfig returns a 16 kHz mono stream in 20 ms frames mapping value 0
// to 440 Hz and each unit to 4 Hz.
func DefaultConfig() Config {
	return Config{
		Format:    Format{SampleRate: 16000, Channels: 1},
		Frame:     20 * time.Millisecond,
		BaseHz:    440,
		HzPerStep: 4,
		MinHz:     110,
		MaxHz:     1760,
		Amplitude: 16000,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.Format.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("tone: sample rate must be positive, got %d", c.Format.SampleRate))
	}
	if c.Format.Channels != 1 && c.Format.Channels != 2 {
		errs = append(errs, fmt.Errorf("tone: channels must be 1 or 2, got %d", c.Format.Channels))
	}
	if c.Frame <= 0 {
		errs = append(errs, fmt.Errorf("tone: frame duration must be positive, got %s", c.Frame))
	}
	if c.MinHz <= 0 || c.MaxHz < c.MinHz {
		errs = append(errs, fmt.Errorf("tone: invalid frequency range [%v, %v]", c.MinHz, c.MaxHz))
	}
	if c.MaxHz*2 > float64(c.Format.SampleRate) {
		errs = append(errs, fmt.Errorf("tone: max_hz %v is above the Nyquist limit of %s", c.MaxHz, c.Format))
	}
	if c.Amplitude <= 0 || c.Amplitude > 32767 {
		errs = append(errs, fmt.Errorf("tone: amplitude must be in (0, 32767], got %v", c.Amplitude))
	}
	return errors.Join(errs...)
}

// Frequency maps a pitch-domain value to Hz.
func (c Config) Frequency(value float64) float64 {
	return min(max(c.BaseHz+value*c.HzPerStep, c.MinHz), c.MaxHz)
}

// Option configures an [Actuator].
type Option func(*Config)

// WithFormat sets the output sample rate and channel count.
func WithFormat(f Format) Option {
	return func(c *Config) { c.Format = f }
}

// WithFrame sets the PCM chunk duration.
func WithFrame(d time.Duration) Option {
	return func(c *Config) { c.Frame = d }
}

// WithPitchMap sets the value → frequency mapping.
func WithPitchMap(baseHz, hzPerStep, minHz, maxHz float64) Option {
	return func(c *Config) {
		c.BaseHz, c.HzPerStep, c.MinHz, c.MaxHz = baseHz, hzPerStep, minHz, maxHz
	}
}

// WithAmplitude sets the peak sample value.
func WithAmplitude(a float64) Option {
	return func(c *Config) { c.Amplitude = a }
}

// Actuator is a streaming sine synthesizer.
type Actuator struct {
	cfg Config
	w   io.Writer
	now func() time.Time

	mu        sync.Mutex
	mode      mode
	value     float64
	idle      actuator.IdleParams
	idleSince time.Time
	phase     float64
	err       error
	closed    bool

	done chan struct{}
	wg   sync.WaitGroup
}

var _ actuator.Actuator = (*Actuator)(nil)

// New validates the configuration and starts streaming silence to w.
func New(w io.Writer, opts ...Option) (*Actuator, error) {
	if w == nil {
		return nil, errors.New("tone: writer is required")
	}
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := newActuator(w, cfg)
	a.wg.Add(1)
	go a.stream()
	return a, nil
}

func newActuator(w io.Writer, cfg Config) *Actuator {
	return &Actuator{
		cfg:  cfg,
		w:    w,
		now:  time.Now,
		done: make(chan struct{}),
	}
}

// Config returns the active configuration.
func (a *Actuator) Config() Config { return a.cfg }

// SetOutput implements [actuator.Actuator].
func (a *Actuator) SetOutput(_ context.Context, value float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.usable(); err != nil {
		return err
	}
	a.mode = modeOutput
	a.value = value
	return nil
}

// SetIdle implements [actuator.Actuator].
func (a *Actuator) SetIdle(_ context.Context, p actuator.IdleParams) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.usable(); err != nil {
		return err
	}
	a.mode = modeIdle
	a.idle = p
	a.idleSince = a.now()
	return nil
}

// Off implements [actuator.Actuator].
func (a *Actuator) Off(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.usable(); err != nil {
		return err
	}
	a.mode = modeOff
	return nil
}

// Close stops the stream. It does not close the underlying writer.
func (a *Actuator) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()
	close(a.done)
	a.wg.Wait()
	return nil
}

// usable must be called with mu held.
func (a *Actuator) usable() error {
	if a.closed {
		return actuator.ErrClosed
	}
	if a.err != nil {
		return fmt.Errorf("tone: stream failed: %w", a.err)
	}
	return nil
}

func (a *Actuator) stream() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.Frame)
	defer ticker.Stop()
	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
		}
		frame := a.render()
		if _, err := a.w.Write(frame); err != nil {
			slog.Warn("tone: write failed, stopping stream", "err", err)
			a.mu.Lock()
			a.err = err
			a.mu.Unlock()
			return
		}
	}
}

// render produces the next frame for the current mode.
func (a *Actuator) render() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	freq := 0.0
	switch a.mode {
	case modeOutput:
		freq = a.cfg.Frequency(a.value)
	case modeIdle:
		if a.idle.On(a.now().Sub(a.idleSince)) {
			freq = a.cfg.Frequency(a.idle.Value)
		}
	}

	n := a.cfg.Format.samplesPer(float64(a.cfg.Frame) / float64(time.Millisecond))
	var pcm []byte
	pcm, a.phase = sineMono16(n, freq, a.cfg.Format.SampleRate, a.cfg.Amplitude, a.phase)
	if a.cfg.Format.Channels == 2 {
		pcm = monoToStereo(pcm)
	}
	return pcm
}
