package config_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/braintone/internal/config"
	"github.com/MrWong99/braintone/pkg/actuator"
	actmock "github.com/MrWong99/braintone/pkg/actuator/mock"
	"github.com/MrWong99/braintone/pkg/feature"
	"github.com/MrWong99/braintone/pkg/feature/mock"
)

func TestRegistry_CreateSource(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	layout := feature.Layout{Channels: 4, WindowWidth: 110, FFT: true}
	reg.RegisterSource("scripted", func(e config.Entry, l feature.Layout) (feature.Source, error) {
		return &mock.Source{LayoutResult: l}, nil
	})

	src, err := reg.CreateSource(config.Entry{Name: "scripted"}, layout)
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	if src.Layout().Len() != 220 {
		t.Errorf("layout not passed to factory: %+v", src.Layout())
	}

	if _, err := reg.CreateSource(config.Entry{Name: "missing"}, layout); !errors.Is(err, config.ErrNotRegistered) {
		t.Errorf("err = %v, want ErrNotRegistered", err)
	}
}

func TestRegistry_CreateActuatorMulti(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	var built []*actmock.Actuator
	reg.RegisterActuator("rec", func(config.Entry) (actuator.Actuator, error) {
		a := &actmock.Actuator{}
		built = append(built, a)
		return a, nil
	})

	act, err := reg.CreateActuator(config.Entry{Name: "multi", Outputs: []config.Entry{{Name: "rec"}, {Name: "rec"}}})
	if err != nil {
		t.Fatalf("CreateActuator: %v", err)
	}
	if err := act.SetOutput(context.Background(), 7); err != nil {
		t.Fatal(err)
	}
	for i, a := range built {
		if out := a.Outputs(); len(out) != 1 || out[0] != 7 {
			t.Errorf("output %d got %v", i, out)
		}
	}
}

func TestRegistry_MultiClosesOnFailure(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	first := &actmock.Actuator{}
	reg.RegisterActuator("ok", func(config.Entry) (actuator.Actuator, error) { return first, nil })
	reg.RegisterActuator("bad", func(config.Entry) (actuator.Actuator, error) { return nil, errors.New("no device") })

	_, err := reg.CreateActuator(config.Entry{Name: "multi", Outputs: []config.Entry{{Name: "ok"}, {Name: "bad"}}})
	if err == nil {
		t.Fatal("expected error")
	}
	if first.CallCountClose != 1 {
		t.Errorf("first output closed %d times, want 1", first.CallCountClose)
	}
}

func TestEntry_Options(t *testing.T) {
	t.Parallel()
	e := config.Entry{Options: map[string]any{
		"url":     "ws://x",
		"delay":   "250ms",
		"seed":    7,
		"base_hz": 440.5,
		"headers": map[string]any{"X-Token": "abc", "X-N": 2},
		"bad":     []any{1},
	}}

	if s, err := e.OptString("url", ""); err != nil || s != "ws://x" {
		t.Errorf("OptString = %q, %v", s, err)
	}
	if s, _ := e.OptString("missing", "def"); s != "def" {
		t.Errorf("OptString default = %q", s)
	}
	if d, err := e.OptDuration("delay", 0); err != nil || d != 250*time.Millisecond {
		t.Errorf("OptDuration = %s, %v", d, err)
	}
	if n, err := e.OptInt("seed", 0); err != nil || n != 7 {
		t.Errorf("OptInt = %d, %v", n, err)
	}
	if _, err := e.OptInt("base_hz", 0); err == nil {
		t.Error("OptInt accepted a fraction")
	}
	if f, err := e.OptFloat("base_hz", 0); err != nil || f != 440.5 {
		t.Errorf("OptFloat = %g, %v", f, err)
	}
	if m, err := e.OptMap("headers"); err != nil || m["X-Token"] != "abc" || m["X-N"] != "2" {
		t.Errorf("OptMap = %v, %v", m, err)
	}
	if _, err := e.OptString("bad", ""); err == nil {
		t.Error("OptString accepted a list")
	}
	if _, err := e.OptDuration("url", 0); err == nil {
		t.Error("OptDuration accepted ws://x")
	}
}
