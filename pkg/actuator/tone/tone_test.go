package tone

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/braintone/pkg/actuator"
)

// zeroCrossings counts sign changes in 16-bit mono PCM; a sine of f Hz over
// d seconds crosses zero about 2·f·d times.
func zeroCrossings(pcm []byte) int {
	n := 0
	prev := int16(binary.LittleEndian.Uint16(pcm))
	for i := 2; i+1 < len(pcm); i += 2 {
		s := int16(binary.LittleEndian.Uint16(pcm[i:]))
		if (prev < 0) != (s < 0) {
			n++
		}
		prev = s
	}
	return n
}

func silent(pcm []byte) bool {
	for _, b := range pcm {
		if b != 0 {
			return false
		}
	}
	return true
}

func TestConfig_Frequency(t *testing.T) {
	t.Parallel()
	c := DefaultConfig()
	tests := []struct {
		value float64
		want  float64
	}{
		{0, 440},
		{10, 480},
		{-50, 240},
		{-1000, 110},
		{1000, 1760},
	}
	for _, tc := range tests {
		if got := c.Frequency(tc.value); got != tc.want {
			t.Errorf("Frequency(%v) = %v, want %v", tc.value, got, tc.want)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bad := DefaultConfig()
	bad.Format.Channels = 3
	bad.MaxHz = 9000
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for 3 channels and max above Nyquist")
	}
}

func TestRender_Modes(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Frame = 100 * time.Millisecond
	a := newActuator(&bytes.Buffer{}, cfg)
	ctx := context.Background()

	if f := a.render(); !silent(f) {
		t.Error("a fresh actuator should be silent")
	}
	if got, want := len(a.render()), 1600*2; got != want {
		t.Errorf("frame bytes = %d, want %d", got, want)
	}

	_ = a.SetOutput(ctx, 10) // 480 Hz
	f := a.render()
	if silent(f) {
		t.Fatal("output mode rendered silence")
	}
	// 480 Hz over 0.1 s: about 96 crossings.
	if zc := zeroCrossings(f); zc < 90 || zc > 100 {
		t.Errorf("zero crossings = %d, want about 96", zc)
	}

	_ = a.Off(ctx)
	if f := a.render(); !silent(f) {
		t.Error("off mode should render silence")
	}
}

func TestRender_IdleBeeps(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	a := newActuator(&bytes.Buffer{}, cfg)
	now := time.Unix(0, 0)
	a.now = func() time.Time { return now }

	_ = a.SetIdle(context.Background(), actuator.IdleParams{Value: 50, Period: 500 * time.Millisecond})

	now = now.Add(100 * time.Millisecond)
	if silent(a.render()) {
		t.Error("beep should sound in the first half of the period")
	}
	now = now.Add(300 * time.Millisecond) // 400ms into the period
	if !silent(a.render()) {
		t.Error("beep should be silent in the second half of the period")
	}
}

func TestRender_Stereo(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Format.Channels = 2
	a := newActuator(&bytes.Buffer{}, cfg)
	_ = a.SetOutput(context.Background(), 0)
	f := a.render()
	if got, want := len(f), 320*4; got != want {
		t.Fatalf("frame bytes = %d, want %d", got, want)
	}
	for i := 0; i+3 < len(f); i += 4 {
		if f[i] != f[i+2] || f[i+1] != f[i+3] {
			t.Fatalf("L/R differ at sample %d", i/4)
		}
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func TestNew_StreamsUntilClose(t *testing.T) {
	t.Parallel()
	var out lockedBuffer
	a, err := New(&out, WithFrame(5*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = a.SetOutput(context.Background(), 25)

	deadline := time.Now().Add(2 * time.Second)
	for out.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if out.Len() == 0 {
		t.Fatal("no PCM written")
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	n := out.Len()
	time.Sleep(30 * time.Millisecond)
	if out.Len() != n {
		t.Error("stream kept writing after Close")
	}
	if err := a.SetOutput(context.Background(), 1); !errors.Is(err, actuator.ErrClosed) {
		t.Errorf("SetOutput after Close = %v, want ErrClosed", err)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestNew_WriteErrorSurfaces(t *testing.T) {
	t.Parallel()
	a, err := New(failingWriter{}, WithFrame(time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := a.SetOutput(context.Background(), 1); err != nil {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("write error never surfaced through SetOutput")
}
