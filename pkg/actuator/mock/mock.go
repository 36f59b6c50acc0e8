// Package mock provides an in-memory [actuator.Actuator] that records every
// call for assertions in unit tests.
//
//	act := &mock.Actuator{}
//	// ... run the session ...
//	if got := act.Outputs(); len(got) == 0 { ... }
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/braintone/pkg/actuator"
)

// Call names recorded in [Actuator.Sequence].
const (
	CallSetOutput = "SetOutput"
	CallSetIdle   = "SetIdle"
	CallOff       = "Off"
	CallClose     = "Close"
)

// Actuator is a mock implementation of [actuator.Actuator].
type Actuator struct {
	mu sync.Mutex

	// SetOutputError is returned by SetOutput when non-nil.
	SetOutputError error

	// SetIdleError is returned by SetIdle when non-nil.
	SetIdleError error

	// SetIdleFunc, when set, is called by SetIdle after the call is recorded
	// and its result replaces SetIdleError. It runs without the lock held.
	SetIdleFunc func(ctx context.Context, p actuator.IdleParams) error

	// OffError is returned by Off when non-nil.
	OffError error

	// OutputValues holds every value passed to SetOutput, in order.
	OutputValues []float64

	// IdleCalls holds every IdleParams passed to SetIdle, in order.
	IdleCalls []actuator.IdleParams

	// CallCountOff records how many times Off was called.
	CallCountOff int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// Sequence records the method names in call order.
	Sequence []string
}

var _ actuator.Actuator = (*Actuator)(nil)

// SetOutput implements [actuator.Actuator].
func (a *Actuator) SetOutput(_ context.Context, value float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Sequence = append(a.Sequence, CallSetOutput)
	if a.SetOutputError != nil {
		return a.SetOutputError
	}
	a.OutputValues = append(a.OutputValues, value)
	return nil
}

// SetIdle implements [actuator.Actuator].
func (a *Actuator) SetIdle(ctx context.Context, p actuator.IdleParams) error {
	a.mu.Lock()
	a.Sequence = append(a.Sequence, CallSetIdle)
	a.IdleCalls = append(a.IdleCalls, p)
	fn, err := a.SetIdleFunc, a.SetIdleError
	a.mu.Unlock()
	if fn != nil {
		return fn(ctx, p)
	}
	return err
}

// Off implements [actuator.Actuator].
func (a *Actuator) Off(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Sequence = append(a.Sequence, CallOff)
	a.CallCountOff++
	return a.OffError
}

// Close implements [actuator.Actuator].
func (a *Actuator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Sequence = append(a.Sequence, CallClose)
	a.CallCountClose++
	return nil
}

// Outputs returns a copy of the recorded output values.
func (a *Actuator) Outputs() []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]float64(nil), a.OutputValues...)
}

// Calls returns a copy of the recorded call sequence.
func (a *Actuator) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.Sequence...)
}
