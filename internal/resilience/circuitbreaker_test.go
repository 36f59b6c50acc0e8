package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errStall = errors.New("acquire timeout")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(cfg Config) (*CircuitBreaker, *clock, *[]string) {
	clk := &clock{now: time.Unix(1000, 0)}
	var transitions []string
	cfg.Now = clk.Now
	cfg.OnStateChange = func(from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}
	return NewCircuitBreaker(cfg), clk, &transitions
}

func fail() error    { return errStall }
func succeed() error { return nil }

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(Config{Name: "player-1"})
	if cb.cfg.MaxFailures != 3 || cb.cfg.ResetTimeout != 5*time.Second || cb.cfg.HalfOpenProbes != 1 {
		t.Errorf("defaults = %d/%s/%d, want 3/5s/1",
			cb.cfg.MaxFailures, cb.cfg.ResetTimeout, cb.cfg.HalfOpenProbes)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	cb, _, transitions := newTestBreaker(Config{MaxFailures: 3, ResetTimeout: time.Minute})

	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	_ = cb.Execute(succeed)
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed: a success must reset the count", cb.State())
	}
	_ = cb.Execute(fail)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("open breaker: err = %v, called = %v", err, called)
	}
	if got := *transitions; len(got) != 1 || got[0] != "closed->open" {
		t.Errorf("transitions = %v", got)
	}
}

func TestCircuitBreaker_ProbeCloses(t *testing.T) {
	t.Parallel()
	cb, clk, transitions := newTestBreaker(Config{MaxFailures: 1, ResetTimeout: time.Second, HalfOpenProbes: 2})

	_ = cb.Execute(fail)
	clk.Advance(time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after timeout", cb.State())
	}

	for i := range 2 {
		if err := cb.Execute(succeed); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if got := *transitions; len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if (*transitions)[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, (*transitions)[i], want[i])
		}
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	t.Parallel()
	cb, clk, _ := newTestBreaker(Config{MaxFailures: 1, ResetTimeout: time.Second})

	_ = cb.Execute(fail)
	clk.Advance(time.Second)
	if err := cb.Execute(fail); !errors.Is(err, errStall) {
		t.Fatalf("probe err = %v, want errStall", err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after failed probe", cb.State())
	}
	clk.Advance(500 * time.Millisecond)
	if err := cb.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen before the new timeout", err)
	}
}

func TestCircuitBreaker_CancellationIsNotAFailure(t *testing.T) {
	t.Parallel()
	cb, _, _ := newTestBreaker(Config{MaxFailures: 1})
	err := cb.Execute(func() error { return context.Canceled })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled passed through", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want untouched breaker", cb.State())
	}
}

func TestCircuitBreaker_CustomClassifier(t *testing.T) {
	t.Parallel()
	benign := errors.New("bad packet")
	cb, _, _ := newTestBreaker(Config{
		MaxFailures: 1,
		IsFailure:   func(err error) bool { return errors.Is(err, errStall) },
	})
	_ = cb.Execute(func() error { return benign })
	if cb.State() != StateClosed {
		t.Fatal("non-failure error opened the breaker")
	}
	_ = cb.Execute(fail)
	if cb.State() != StateOpen {
		t.Fatal("classified failure did not open the breaker")
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
