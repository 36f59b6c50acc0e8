// Package console provides an [actuator.Actuator] that prints the running
// value as text, one line per sample.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/MrWong99/braintone/pkg/actuator"
)

// Actuator writes "sample value: N" lines to an io.Writer. N is the value
// truncated toward zero.
type Actuator struct {
	mu     sync.Mutex
	w      io.Writer
	idle   bool
	closed bool
}

var _ actuator.Actuator = (*Actuator)(nil)

// New returns a console actuator writing to w. A nil w selects os.Stdout.
func New(w io.Writer) *Actuator {
	if w == nil {
		w = os.Stdout
	}
	return &Actuator{w: w}
}

// SetOutput implements [actuator.Actuator].
func (a *Actuator) SetOutput(_ context.Context, value float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return actuator.ErrClosed
	}
	a.idle = false
	_, err := fmt.Fprintf(a.w, "sample value: %d\n", int(value))
	return err
}

// SetIdle implements [actuator.Actuator]. It prints a single notice rather
// than one line per beep.
func (a *Actuator) SetIdle(_ context.Context, p actuator.IdleParams) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return actuator.ErrClosed
	}
	if a.idle {
		return nil
	}
	a.idle = true
	_, err := fmt.Fprintf(a.w, "waiting for hardware (beep %v every %s)\n", p.Value, p.Period)
	return err
}

// Off implements [actuator.Actuator].
func (a *Actuator) Off(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return actuator.ErrClosed
	}
	a.idle = false
	return nil
}

// Close implements [actuator.Actuator].
func (a *Actuator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}
