package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/braintone/pkg/actuator"
	"github.com/MrWong99/braintone/pkg/feature"
)

// ErrNotRegistered is returned by the Create* methods when no factory has
// been registered under the requested name.
var ErrNotRegistered = errors.New("config: implementation not registered")

// SourceFactory builds a feature source for the configured layout.
type SourceFactory func(entry Entry, layout feature.Layout) (feature.Source, error)

// ActuatorFactory builds an actuator.
type ActuatorFactory func(entry Entry) (actuator.Actuator, error)

// Registry maps implementation names to factories. The "multi" actuator is
// built in: it combines the actuators listed in [Entry.Outputs]. It is safe
// for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	sources   map[string]SourceFactory
	actuators map[string]ActuatorFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		sources:   make(map[string]SourceFactory),
		actuators: make(map[string]ActuatorFactory),
	}
}

// RegisterSource registers a source factory under name, replacing any
// previous registration.
func (r *Registry) RegisterSource(name string, f SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = f
}

// RegisterActuator registers an actuator factory under name.
func (r *Registry) RegisterActuator(name string, f ActuatorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actuators[name] = f
}

// CreateSource instantiates the source registered under entry.Name.
func (r *Registry) CreateSource(entry Entry, layout feature.Layout) (feature.Source, error) {
	r.mu.RLock()
	f, ok := r.sources[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: source/%q", ErrNotRegistered, entry.Name)
	}
	src, err := f(entry, layout)
	if err != nil {
		return nil, fmt.Errorf("config: create source %q: %w", entry.Name, err)
	}
	return src, nil
}

// CreateActuator instantiates the actuator registered under entry.Name. On
// failure inside a multi actuator the outputs built so far are closed.
func (r *Registry) CreateActuator(entry Entry) (actuator.Actuator, error) {
	if entry.Name == "multi" {
		multi := make(actuator.Multi, 0, len(entry.Outputs))
		for _, out := range entry.Outputs {
			a, err := r.CreateActuator(out)
			if err != nil {
				_ = multi.Close()
				return nil, err
			}
			multi = append(multi, a)
		}
		return multi, nil
	}

	r.mu.RLock()
	f, ok := r.actuators[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: actuator/%q", ErrNotRegistered, entry.Name)
	}
	a, err := f(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create actuator %q: %w", entry.Name, err)
	}
	return a, nil
}

// Names returns the registered source and actuator names.
func (r *Registry) Names() (sources, actuators []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for n := range r.sources {
		sources = append(sources, n)
	}
	for n := range r.actuators {
		actuators = append(actuators, n)
	}
	return sources, actuators
}

// ── Option accessors ───────────────────────────────────────────────────────

// OptString returns the string option key, or def when unset.
func (e Entry) OptString(key, def string) (string, error) {
	v, ok := e.Options[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("option %q: want string, got %T", key, v)
	}
	return s, nil
}

// OptFloat returns the numeric option key, or def when unset.
func (e Entry) OptFloat(key string, def float64) (float64, error) {
	v, ok := e.Options[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float64:
		return n, nil
	}
	return 0, fmt.Errorf("option %q: want number, got %T", key, v)
}

// OptInt returns the integer option key, or def when unset.
func (e Entry) OptInt(key string, def int) (int, error) {
	f, err := e.OptFloat(key, float64(def))
	if err != nil {
		return 0, err
	}
	if f != float64(int(f)) {
		return 0, fmt.Errorf("option %q: want integer, got %g", key, f)
	}
	return int(f), nil
}

// OptDuration returns the duration option key ("500ms", "2s"), or def when
// unset.
func (e Entry) OptDuration(key string, def time.Duration) (time.Duration, error) {
	s, err := e.OptString(key, "")
	if err != nil {
		return 0, err
	}
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("option %q: %w", key, err)
	}
	return d, nil
}

// OptMap returns the nested string-keyed option key, or nil when unset.
func (e Entry) OptMap(key string) (map[string]string, error) {
	v, ok := e.Options[key]
	if !ok || v == nil {
		return nil, nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("option %q: want mapping, got %T", key, v)
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		out[k] = fmt.Sprint(val)
	}
	return out, nil
}
