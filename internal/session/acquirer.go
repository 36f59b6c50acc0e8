package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/braintone/internal/observe"
	"github.com/MrWong99/braintone/internal/resilience"
	"github.com/MrWong99/braintone/pkg/feature"
)

// ErrAcquireTimeout is returned when a delivery does not arrive within the
// configured acquire timeout.
var ErrAcquireTimeout = errors.New("session: acquire timeout")

// AcquirerConfig configures an [Acquirer].
type AcquirerConfig struct {
	Subject string

	// Timeout bounds each wait. Zero blocks until the producer answers or
	// the context is cancelled.
	Timeout time.Duration

	// StallThreshold marks the acquirer stalled when a wait runs longer.
	// Zero disables stall detection.
	StallThreshold time.Duration

	// BreakerFailures consecutive timeouts open the circuit breaker for
	// BreakerReset. Zero disables the breaker. Errors from a producer that
	// answers are never counted.
	BreakerFailures int
	BreakerReset    time.Duration

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Acquirer performs one request → wait round trip per call against a
// [feature.Source]. It enforces a single outstanding request, applies the
// optional timeout, feeds the circuit breaker and tracks whether the producer
// is stalled.
type Acquirer struct {
	src     feature.Source
	cfg     AcquirerConfig
	breaker *resilience.CircuitBreaker

	mu           sync.Mutex // serialises round trips
	stalled      atomic.Bool
	lastDelivery atomic.Int64 // unix nanos
}

// NewAcquirer wraps src.
func NewAcquirer(src feature.Source, cfg AcquirerConfig) *Acquirer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	a := &Acquirer{src: src, cfg: cfg}
	if cfg.BreakerFailures > 0 {
		a.breaker = resilience.NewCircuitBreaker(resilience.Config{
			Name:          cfg.Subject,
			MaxFailures:   cfg.BreakerFailures,
			ResetTimeout:  cfg.BreakerReset,
			IsFailure:     isTimeout,
			OnStateChange: a.breakerChanged,
		})
	}
	return a
}

// Acquire implements processing.Acquirer.
func (a *Acquirer) Acquire(ctx context.Context) (feature.Vector, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.breaker == nil {
		return a.roundTrip(ctx)
	}
	var v feature.Vector
	err := a.breaker.Execute(func() error {
		var err error
		v, err = a.roundTrip(ctx)
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		a.recordError(ctx, observe.ErrKindCircuitOpen)
	}
	return v, err
}

// breakerChanged keeps the stalled flag in step with the breaker: opening
// means the producer stopped answering, closing means a probe got through.
func (a *Acquirer) breakerChanged(from, to resilience.State) {
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.RecordBreakerTransition(context.Background(), a.cfg.Subject, from.String(), to.String())
	}
	switch to {
	case resilience.StateOpen:
		a.stalled.Store(true)
		a.cfg.Logger.Warn("feature source breaker open, pausing requests",
			"subject", a.cfg.Subject, "reset", a.cfg.BreakerReset)
	case resilience.StateClosed:
		a.stalled.Store(false)
		a.cfg.Logger.Info("feature source breaker closed", "subject", a.cfg.Subject)
	}
}

func (a *Acquirer) roundTrip(ctx context.Context) (feature.Vector, error) {
	start := time.Now()
	if err := a.src.Request(ctx); err != nil {
		a.recordError(ctx, observe.ErrKindSource)
		return feature.Vector{}, fmt.Errorf("session: request: %w", err)
	}

	waitCtx := ctx
	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}
	if a.cfg.StallThreshold > 0 {
		watchdog := time.AfterFunc(a.cfg.StallThreshold, func() {
			if !a.stalled.Swap(true) {
				a.cfg.Logger.Warn("feature source stalled",
					"subject", a.cfg.Subject, "waiting", a.cfg.StallThreshold)
			}
		})
		defer watchdog.Stop()
	}

	v, err := a.src.Wait(waitCtx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			a.stalled.Store(true)
			a.recordError(ctx, observe.ErrKindTimeout)
			return feature.Vector{}, fmt.Errorf("%w after %s", ErrAcquireTimeout, a.cfg.Timeout)
		}
		if ctx.Err() == nil {
			a.recordError(ctx, observe.ErrKindSource)
		}
		return feature.Vector{}, fmt.Errorf("session: wait: %w", err)
	}

	if a.stalled.Swap(false) {
		a.cfg.Logger.Info("feature source recovered", "subject", a.cfg.Subject)
	}
	now := time.Now()
	a.lastDelivery.Store(now.UnixNano())
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.RecordAcquire(ctx, a.cfg.Subject, now.Sub(start).Seconds())
	}
	return v, nil
}

func (a *Acquirer) recordError(ctx context.Context, kind string) {
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.RecordAcquireError(ctx, a.cfg.Subject, kind)
	}
}

// Stalled reports whether the producer is currently considered stalled: a
// wait exceeded the stall threshold or timed out, or the breaker opened and
// no delivery has arrived since.
func (a *Acquirer) Stalled() bool {
	return a.stalled.Load()
}

// BreakerState returns the circuit breaker state, or "" when the breaker is
// disabled.
func (a *Acquirer) BreakerState() string {
	if a.breaker == nil {
		return ""
	}
	return a.breaker.State().String()
}

// LastDelivery returns the time of the last successful delivery.
func (a *Acquirer) LastDelivery() time.Time {
	n := a.lastDelivery.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// isStall reports whether err means the producer is not answering, as
// opposed to answering with something unusable.
func isStall(err error) bool {
	return isTimeout(err) || errors.Is(err, resilience.ErrCircuitOpen)
}

// isTimeout is the breaker's failure classification. The parent context
// running out is the end of a run, not a verdict on the producer.
func isTimeout(err error) bool {
	return errors.Is(err, ErrAcquireTimeout)
}
