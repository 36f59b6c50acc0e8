// Package session runs the neurofeedback loop for one subject: wait for the
// EEG hardware, calibrate a baseline, then sample, smooth and drive the
// actuator until the test duration elapses.
//
// A [Session] is an explicit state machine:
//
//	Uninitialized → WaitingHardware → Calibrating → Ready → Sampling → Stopped
//	                                       ↓
//	                                     Failed
//
// WaitingHardware is skipped when hardware presence is not required. Stopped
// and Failed sessions can be started again (re-armed); each run retrains from
// scratch and restarts the running average at zero.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/braintone/internal/observe"
	"github.com/MrWong99/braintone/internal/processing"
	"github.com/MrWong99/braintone/pkg/actuator"
	"github.com/MrWong99/braintone/pkg/feature"
)

var (
	// ErrSessionActive is returned by Start while a run is in progress.
	ErrSessionActive = errors.New("session: already active")

	// ErrNotCalibrated is returned when sampling is attempted without a
	// validated baseline.
	ErrNotCalibrated = errors.New("session: not calibrated")

	// ErrHardwareAbsent is returned when the EEG hardware does not report
	// presence within the hardware timeout.
	ErrHardwareAbsent = errors.New("session: eeg hardware absent")
)

// State is the lifecycle state of a [Session].
type State int

const (
	StateUninitialized State = iota
	StateWaitingHardware
	StateCalibrating
	StateReady
	StateSampling
	StateStopped
	StateFailed
)

var stateNames = [...]string{
	StateUninitialized:   "uninitialized",
	StateWaitingHardware: "waiting_hardware",
	StateCalibrating:     "calibrating",
	StateReady:           "ready",
	StateSampling:        "sampling",
	StateStopped:         "stopped",
	StateFailed:          "failed",
}

// String returns the snake_case name of the state.
func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("session: unknown state %q", b)
}

// Active reports whether a run is in progress in this state.
func (s State) Active() bool {
	switch s {
	case StateWaitingHardware, StateCalibrating, StateReady, StateSampling:
		return true
	}
	return false
}

// Run outcomes reported in [Result.Outcome].
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// Result summarises one run.
type Result struct {
	RunID      string              `json:"run_id"`
	Subject    string              `json:"subject"`
	StartedAt  time.Time           `json:"started_at"`
	EndedAt    time.Time           `json:"ended_at"`
	Baseline   processing.Baseline `json:"baseline"`
	Samples    int64               `json:"samples"`
	Artifacts  int64               `json:"artifacts"`
	FinalValue float64             `json:"final_value"`
	Outcome    string              `json:"outcome"`
	Error      string              `json:"error,omitempty"`
}

// Recorder persists finished runs. See internal/journal.
type Recorder interface {
	Record(ctx context.Context, r Result) error
}

// Snapshot is a point-in-time view of a session for health checks and the
// control API.
type Snapshot struct {
	Subject        string               `json:"subject"`
	State          State                `json:"state"`
	RunID          string               `json:"run_id,omitempty"`
	StartedAt      time.Time            `json:"started_at,omitzero"`
	Baseline       *processing.Baseline `json:"baseline,omitempty"`
	RunningValue   float64              `json:"running_value"`
	Samples        int64                `json:"samples"`
	Artifacts      int64                `json:"artifacts"`
	AcquireErrors  int64                `json:"acquire_errors"`
	TrainingDone   int                  `json:"training_done"`
	TrainingTotal  int                  `json:"training_total"`
	Stalled        bool                 `json:"stalled"`
	Breaker        string               `json:"breaker,omitempty"`
	ArtifactStorm  bool                 `json:"artifact_storm"`
	LastDelivery   time.Time            `json:"last_delivery,omitzero"`
	LastError      string               `json:"last_error,omitempty"`
	PendingChanges bool                 `json:"pending_changes"`
}

// Option configures a [Session].
type Option func(*Session)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithLogger sets the base logger. Defaults to slog.Default with a subject
// attribute.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithRecorder sets where finished runs are journaled.
func WithRecorder(r Recorder) Option {
	return func(s *Session) { s.recorder = r }
}

// Session owns one subject's source and actuator.
type Session struct {
	src      feature.Source
	act      actuator.Actuator
	metrics  *observe.Metrics
	log      *slog.Logger
	recorder Recorder
	subject  string

	mu            sync.Mutex
	cfg           Config
	pending       *Config
	state         State
	active        bool
	runID         string
	startedAt     time.Time
	baseline      processing.Baseline
	running       float64
	samples       int64
	artifacts     int64
	acquireErrors int64
	trainingDone  int
	artifactStorm bool
	lastErr       error
	acq           *Acquirer
}

// New creates a session in the Uninitialized state. The configuration is
// validated against the source layout.
func New(cfg Config, src feature.Source, act actuator.Actuator, opts ...Option) (*Session, error) {
	if src == nil || act == nil {
		return nil, errors.New("session: source and actuator are required")
	}
	cfg = cfg.withDefaults(src.Layout())
	if err := cfg.Validate(src.Layout()); err != nil {
		return nil, err
	}
	s := &Session{src: src, act: act, cfg: cfg, subject: cfg.Subject}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("subject", s.subject)
	return s, nil
}

// Subject returns the subject name.
func (s *Session) Subject() string { return s.subject }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Baseline returns the baseline of the current or last run, if one was
// computed.
func (s *Session) Baseline() (processing.Baseline, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseline, !s.baseline.IsZero()
}

// Snapshot returns a consistent view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Subject:        s.subject,
		State:          s.state,
		RunID:          s.runID,
		StartedAt:      s.startedAt,
		RunningValue:   s.running,
		Samples:        s.samples,
		Artifacts:      s.artifacts,
		AcquireErrors:  s.acquireErrors,
		TrainingDone:   s.trainingDone,
		TrainingTotal:  s.cfg.TrainingSampleCount,
		ArtifactStorm:  s.artifactStorm,
		PendingChanges: s.pending != nil,
	}
	if !s.baseline.IsZero() {
		b := s.baseline
		snap.Baseline = &b
	}
	if s.acq != nil {
		snap.Stalled = s.state.Active() && s.acq.Stalled()
		snap.LastDelivery = s.acq.LastDelivery()
		snap.Breaker = s.acq.BreakerState()
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}

// UpdateConfig stages a new configuration. It takes effect at the next
// Start; a running calibration or sampling loop is not disturbed.
func (s *Session) UpdateConfig(cfg Config) error {
	cfg.Subject = s.subject
	cfg = cfg.withDefaults(s.src.Layout())
	if err := cfg.Validate(s.src.Layout()); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		s.cfg = cfg
		s.pending = nil
		return nil
	}
	s.pending = &cfg
	return nil
}

// Close releases the source and the actuator.
func (s *Session) Close() error {
	return errors.Join(s.src.Close(), s.act.Close())
}

// Start runs one full session and blocks until it ends. It returns nil when
// the test duration elapsed, ctx.Err() when cancelled, and the failure
// otherwise. Start is allowed from Uninitialized, Stopped and Failed.
func (s *Session) Start(ctx context.Context) (Result, error) {
	cfg, err := s.begin()
	if err != nil {
		return Result{}, err
	}
	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	ctx, span := observe.StartSpan(ctx, "session.run",
		trace.WithAttributes(attribute.String("subject", cfg.Subject), attribute.String("run_id", s.currentRunID())))
	defer span.End()
	log := observe.Logger(ctx, s.log)

	err = s.run(ctx, cfg, log)
	res := s.finish(ctx, err, log)
	if err != nil && res.Outcome == OutcomeFailed {
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (s *Session) currentRunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// Busy reports whether a run has been claimed and not yet finished. It turns
// true before the state leaves Uninitialized, Stopped or Failed.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// begin claims the session for a run and resets per-run state.
func (s *Session) begin() (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return Config{}, ErrSessionActive
	}
	switch s.state {
	case StateUninitialized, StateStopped, StateFailed:
	default:
		return Config{}, fmt.Errorf("%w: state %s", ErrSessionActive, s.state)
	}
	if s.pending != nil {
		s.cfg = *s.pending
		s.pending = nil
	}
	s.active = true
	s.runID = uuid.NewString()
	s.startedAt = time.Now()
	s.baseline = processing.Baseline{}
	s.running = 0
	s.samples, s.artifacts, s.acquireErrors = 0, 0, 0
	s.trainingDone = 0
	s.artifactStorm = false
	s.lastErr = nil
	s.acq = NewAcquirer(s.src, AcquirerConfig{
		Subject:         s.cfg.Subject,
		Timeout:         s.cfg.AcquireTimeout,
		StallThreshold:  s.cfg.StallThreshold,
		BreakerFailures: s.cfg.BreakerFailures,
		BreakerReset:    s.cfg.BreakerReset,
		Metrics:         s.metrics,
		Logger:          s.log,
	})
	return s.cfg, nil
}

func (s *Session) run(ctx context.Context, cfg Config, log *slog.Logger) error {
	if err := s.act.SetIdle(ctx, cfg.Idle); err != nil {
		log.Warn("actuator idle mode failed", "err", err)
	}

	if cfg.RequireHardware {
		s.setState(ctx, StateWaitingHardware)
		if err := s.waitHardware(ctx, cfg, log); err != nil {
			return err
		}
	}
	if err := s.act.Off(ctx); err != nil {
		log.Warn("actuator off failed", "err", err)
	}

	s.setState(ctx, StateCalibrating)
	baseline, err := s.calibrate(ctx, cfg, log)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.baseline = baseline
	s.mu.Unlock()
	s.setState(ctx, StateReady)

	log.Info("about to start task", "settle", cfg.SettleDelay)
	if err := sleep(ctx, cfg.SettleDelay); err != nil {
		return err
	}
	return s.sample(ctx, cfg, log)
}

// waitHardware polls the source until it reports the hardware present.
func (s *Session) waitHardware(ctx context.Context, cfg Config, log *slog.Logger) error {
	prober, ok := s.src.(feature.HardwareProber)
	if !ok {
		log.Info("source cannot report hardware presence, assuming present")
		return nil
	}
	if cfg.HardwareTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.HardwareTimeout)
		defer cancel()
	}
	log.Info("waiting for eeg hardware", "timeout", cfg.HardwareTimeout)
	for {
		present, err := prober.HardwarePresent(ctx)
		switch {
		case err == nil && present:
			log.Info("eeg hardware present")
			return nil
		case err != nil && ctx.Err() == nil:
			log.Warn("hardware probe failed", "err", err)
		}
		if err := sleep(ctx, cfg.HardwarePoll); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%w after %s", ErrHardwareAbsent, cfg.HardwareTimeout)
			}
			return err
		}
	}
}

func (s *Session) calibrate(ctx context.Context, cfg Config, log *slog.Logger) (processing.Baseline, error) {
	ctx, span := observe.StartSpan(ctx, "session.calibrate",
		trace.WithAttributes(attribute.Int("samples", cfg.TrainingSampleCount)))
	defer span.End()
	start := time.Now()

	cal := processing.NewCalibrator(cfg.Scan)
	cal.DropCount = cfg.DropCount
	cal.Logger = log
	cal.Progress = func(done, total int) {
		s.mu.Lock()
		s.trainingDone = done
		s.mu.Unlock()
		s.metrics.RecordTrainingProgress(ctx, cfg.Subject, done, total)
	}

	log.Info("training started", "samples", cfg.TrainingSampleCount)
	b, err := cal.Run(ctx, s.retrying(cfg, log), cfg.TrainingSampleCount)
	s.metrics.RecordTraining(ctx, cfg.Subject, time.Since(start).Seconds())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return processing.Baseline{}, err
	}
	return b, nil
}

// sample runs the feedback loop until the test duration elapses or ctx is
// cancelled.
func (s *Session) sample(ctx context.Context, cfg Config, log *slog.Logger) error {
	norm, err := s.beginSampling(cfg)
	if err != nil {
		return err
	}
	ctx, span := observe.StartSpan(ctx, "session.sample_loop")
	defer span.End()

	norm.Logger = log
	norm.OnArtifact = func(float64) {
		s.mu.Lock()
		s.artifacts++
		s.mu.Unlock()
		s.metrics.RecordArtifact(ctx, cfg.Subject)
	}
	avg, err := processing.NewRunningAverage(cfg.AvgKernel)
	if err != nil {
		return err
	}
	clamp := processing.Clamp{Floor: cfg.OutputFloor, Ceil: cfg.OutputCeil}
	acquire := s.retrying(cfg, log)

	loopCtx := ctx
	if cfg.TestDuration > 0 {
		var cancel context.CancelFunc
		loopCtx, cancel = context.WithTimeout(ctx, cfg.TestDuration)
		defer cancel()
	}

	for {
		if loopCtx.Err() != nil {
			// Only the parent's cancellation is an error; the test duration
			// running out is the normal end of the run.
			return ctx.Err()
		}
		score, err := norm.Next(loopCtx, acquire)
		switch {
		case err == nil:
		case loopCtx.Err() != nil:
			continue
		case errors.Is(err, processing.ErrPersistentArtifact):
			s.mu.Lock()
			storm := s.artifactStorm
			s.artifactStorm = true
			s.mu.Unlock()
			if !storm {
				log.Warn("persistent artifact, subject may be blinking or moving", "err", err)
			}
			continue
		default:
			s.mu.Lock()
			s.acquireErrors++
			s.lastErr = err
			s.mu.Unlock()
			log.Warn("sample failed, retrying", "err", err, "backoff", cfg.RetryBackoff)
			_ = sleep(loopCtx, cfg.RetryBackoff)
			continue
		}

		value := clamp.Apply(avg.Update(processing.PitchScale(score, cfg.PitchScale)))
		if err := s.act.SetOutput(ctx, value); err != nil {
			log.Warn("actuator output failed", "err", err)
		}
		s.mu.Lock()
		s.running = value
		s.samples++
		s.artifactStorm = false
		s.mu.Unlock()
		s.metrics.RecordSample(ctx, cfg.Subject, value)
		log.Debug("sample value", "value", int(value), "score", score)
	}
}

// beginSampling moves Ready → Sampling. It is the only way into Sampling.
func (s *Session) beginSampling(cfg Config) (*processing.Normalizer, error) {
	s.mu.Lock()
	state, b := s.state, s.baseline
	s.mu.Unlock()
	if state != StateReady || b.IsZero() {
		return nil, fmt.Errorf("%w: state %s", ErrNotCalibrated, state)
	}
	norm, err := processing.NewNormalizer(b, cfg.Scan)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotCalibrated, err)
	}
	norm.EyeBlinkThreshold = cfg.EyeBlinkThreshold
	norm.MaxArtifactRetries = cfg.MaxArtifactRetries
	s.setState(context.Background(), StateSampling)
	return norm, nil
}

// retrying returns an acquirer that rides out producer stalls: timeouts and
// an open breaker are retried after RetryBackoff until ctx ends. Any other
// error is returned to the caller.
func (s *Session) retrying(cfg Config, log *slog.Logger) processing.Acquirer {
	s.mu.Lock()
	acq := s.acq
	s.mu.Unlock()
	return processing.AcquirerFunc(func(ctx context.Context) (feature.Vector, error) {
		for {
			v, err := acq.Acquire(ctx)
			if err == nil || !isStall(err) || ctx.Err() != nil {
				return v, err
			}
			s.mu.Lock()
			s.acquireErrors++
			s.lastErr = err
			s.mu.Unlock()
			log.Debug("acquire stalled, retrying", "err", err)
			if err := sleep(ctx, cfg.RetryBackoff); err != nil {
				return feature.Vector{}, err
			}
		}
	})
}

// finish moves the session to its terminal state, silences the actuator and
// journals the run.
func (s *Session) finish(ctx context.Context, runErr error, log *slog.Logger) Result {
	bg := context.WithoutCancel(ctx)
	if err := s.act.Off(bg); err != nil {
		log.Warn("actuator off failed", "err", err)
	}

	outcome := OutcomeCompleted
	terminal := StateStopped
	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled) || (ctx.Err() != nil && errors.Is(runErr, ctx.Err())):
		outcome = OutcomeCancelled
	default:
		outcome = OutcomeFailed
		terminal = StateFailed
	}
	s.setState(bg, terminal)

	s.mu.Lock()
	s.active = false
	if outcome == OutcomeFailed {
		s.lastErr = runErr
	}
	if s.pending != nil {
		s.cfg = *s.pending
		s.pending = nil
	}
	res := Result{
		RunID:      s.runID,
		Subject:    s.subject,
		StartedAt:  s.startedAt,
		EndedAt:    time.Now(),
		Baseline:   s.baseline,
		Samples:    s.samples,
		Artifacts:  s.artifacts,
		FinalValue: s.running,
		Outcome:    outcome,
	}
	s.mu.Unlock()
	if runErr != nil {
		res.Error = runErr.Error()
	}

	switch outcome {
	case OutcomeFailed:
		log.Error("session failed", "err", runErr)
	default:
		log.Info("session stopped", "outcome", outcome, "samples", res.Samples,
			"artifacts", res.Artifacts, "final_value", res.FinalValue)
	}
	s.metrics.RecordRun(bg, res.Subject, outcome)
	if s.recorder != nil {
		if err := s.recorder.Record(bg, res); err != nil {
			log.Warn("journal write failed", "err", err)
		}
	}
	return res
}

func (s *Session) setState(ctx context.Context, to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from != to {
		s.log.Debug("session state", "from", from, "to", to)
	}
	s.metrics.RecordState(ctx, s.subject, int(to))
}

// sleep waits for d or until ctx is done. Non-positive d returns at once.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
