// Package resilience guards the feature-source acquisition path with a
// three-state circuit breaker (closed → open → half-open). A producer that
// keeps timing out trips the breaker; the acquirer marks the subject stalled
// when the breaker opens and probes the producer again once the reset
// timeout has elapsed. Each run gets a fresh breaker.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// open and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probes through. Enough
	// successes close the breaker, any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the tuning knobs for a [CircuitBreaker].
type Config struct {
	// Name labels log lines, typically the subject name.
	Name string

	// MaxFailures consecutive failures open the breaker. Default: 3.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 5s.
	ResetTimeout time.Duration

	// HalfOpenProbes successful probes close the breaker. Default: 1.
	HalfOpenProbes int

	// IsFailure classifies errors. When nil every non-nil error except
	// context.Canceled counts. Errors that are not failures are returned to
	// the caller but leave the breaker untouched.
	IsFailure func(error) bool

	// OnStateChange, if set, is called after every transition with the
	// breaker lock released.
	OnStateChange func(from, to State)

	// Now defaults to time.Now.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg Config

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	probesStarted int
	probesPassed  int
}

// NewCircuitBreaker creates a breaker in the closed state. Zero-value config
// fields take their defaults.
func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 5 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Execute runs fn unless the breaker is open. In half-open state at most
// HalfOpenProbes calls are in flight; the rest get [ErrCircuitOpen].
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	var changes []transition
	switch cb.state {
	case StateOpen:
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		changes = append(changes, cb.setState(StateHalfOpen))
		cb.probesStarted, cb.probesPassed = 0, 0
	case StateHalfOpen:
		if cb.probesStarted >= cb.cfg.HalfOpenProbes {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	probe := cb.state == StateHalfOpen
	if probe {
		cb.probesStarted++
	}
	cb.mu.Unlock()
	cb.notify(changes)

	err := fn()

	cb.mu.Lock()
	switch {
	case err == nil:
		changes = cb.recordSuccess(probe)
	case cb.cfg.IsFailure(err):
		changes = cb.recordFailure(probe)
	default:
		changes = nil
		if probe {
			// Not a verdict on the producer; give the probe slot back.
			cb.probesStarted--
		}
	}
	cb.mu.Unlock()
	cb.notify(changes)
	return err
}

type transition struct{ from, to State }

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(to State) transition {
	t := transition{from: cb.state, to: to}
	cb.state = to
	return t
}

// recordFailure must be called with mu held.
func (cb *CircuitBreaker) recordFailure(probe bool) []transition {
	if probe {
		cb.openedAt = cb.cfg.Now()
		slog.Warn("circuit breaker re-opened by failed probe", "name", cb.cfg.Name)
		return []transition{cb.setState(StateOpen)}
	}
	cb.failures++
	if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
		cb.openedAt = cb.cfg.Now()
		slog.Warn("circuit breaker opened", "name", cb.cfg.Name, "consecutive_failures", cb.failures)
		return []transition{cb.setState(StateOpen)}
	}
	return nil
}

// recordSuccess must be called with mu held.
func (cb *CircuitBreaker) recordSuccess(probe bool) []transition {
	cb.failures = 0
	if !probe {
		return nil
	}
	cb.probesPassed++
	if cb.state == StateHalfOpen && cb.probesPassed >= cb.cfg.HalfOpenProbes {
		slog.Info("circuit breaker closed after successful probes", "name", cb.cfg.Name)
		return []transition{cb.setState(StateClosed)}
	}
	return nil
}

func (cb *CircuitBreaker) notify(changes []transition) {
	if cb.cfg.OnStateChange == nil {
		return
	}
	for _, t := range changes {
		if t.from != t.to {
			cb.cfg.OnStateChange(t.from, t.to)
		}
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}
