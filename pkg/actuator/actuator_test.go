package actuator_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/braintone/pkg/actuator"
	"github.com/MrWong99/braintone/pkg/actuator/console"
	"github.com/MrWong99/braintone/pkg/actuator/mock"
)

func TestIdleParams_On(t *testing.T) {
	t.Parallel()
	p := actuator.IdleParams{Value: 50, Period: 500 * time.Millisecond}
	tests := []struct {
		elapsed time.Duration
		want    bool
	}{
		{0, true},
		{249 * time.Millisecond, true},
		{250 * time.Millisecond, false},
		{499 * time.Millisecond, false},
		{500 * time.Millisecond, true},
	}
	for _, tc := range tests {
		if got := p.On(tc.elapsed); got != tc.want {
			t.Errorf("On(%s) = %v, want %v", tc.elapsed, got, tc.want)
		}
	}
	if !(actuator.IdleParams{}).On(time.Hour) {
		t.Error("zero period should mean a continuous tone")
	}
}

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	boom := errors.New("boom")
	a := &mock.Actuator{}
	b := &mock.Actuator{SetOutputError: boom}
	m := actuator.Multi{a, b}

	err := m.SetOutput(ctx, 12)
	if !errors.Is(err, boom) {
		t.Fatalf("SetOutput err = %v, want boom", err)
	}
	if got := a.Outputs(); len(got) != 1 || got[0] != 12 {
		t.Errorf("first actuator outputs = %v, want [12]", got)
	}

	if err := m.Off(ctx); err != nil {
		t.Fatalf("Off: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if a.CallCountOff != 1 || b.CallCountOff != 1 || a.CallCountClose != 1 || b.CallCountClose != 1 {
		t.Errorf("Off/Close not fanned out: a=%d/%d b=%d/%d",
			a.CallCountOff, a.CallCountClose, b.CallCountOff, b.CallCountClose)
	}
}

func TestConsole_PrintsTruncatedValue(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	c := console.New(&buf)
	ctx := context.Background()

	_ = c.SetIdle(ctx, actuator.DefaultIdle)
	_ = c.SetIdle(ctx, actuator.DefaultIdle)
	_ = c.Off(ctx)
	_ = c.SetOutput(ctx, 42.9)
	_ = c.SetOutput(ctx, -3.7)

	want := "waiting for hardware (beep 50 every 500ms)\n" +
		"sample value: 42\n" +
		"sample value: -3\n"
	if got := buf.String(); got != want {
		t.Errorf("output =\n%q\nwant\n%q", got, want)
	}

	_ = c.Close()
	if err := c.SetOutput(ctx, 1); !errors.Is(err, actuator.ErrClosed) {
		t.Errorf("SetOutput after Close = %v, want ErrClosed", err)
	}
}
