// Package observe provides application-wide observability primitives for
// braintone: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// bridges them to Prometheus so they can be scraped from /metrics. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all braintone metrics.
const meterName = "github.com/MrWong99/braintone"

// Acquisition error kinds used with [Metrics.RecordAcquireError].
const (
	ErrKindTimeout     = "timeout"
	ErrKindCircuitOpen = "circuit_open"
	ErrKindSource      = "source"
)

// Metrics holds all OpenTelemetry instruments for the application. All
// fields are safe for concurrent use.
type Metrics struct {
	// ── Latency ──

	// AcquireDuration tracks request → delivery latency per subject.
	AcquireDuration metric.Float64Histogram

	// TrainingDuration tracks the wall time of a full calibration run.
	TrainingDuration metric.Float64Histogram

	// ── Counters ──

	// Samples counts normalized samples fed to the actuator.
	Samples metric.Int64Counter

	// Artifacts counts samples rejected as eye blinks.
	Artifacts metric.Int64Counter

	// AcquireErrors counts failed acquisitions by kind.
	AcquireErrors metric.Int64Counter

	// Runs counts finished session runs by outcome.
	Runs metric.Int64Counter

	// BreakerTransitions counts acquisition circuit breaker state changes.
	BreakerTransitions metric.Int64Counter

	// ── Gauges ──

	// RunningValue is the latest smoothed output per subject.
	RunningValue metric.Float64Gauge

	// TrainingProgress is the fraction of training samples collected.
	TrainingProgress metric.Float64Gauge

	// SessionState is the numeric session state per subject.
	SessionState metric.Int64Gauge

	// ActiveSessions tracks subjects currently calibrating or sampling.
	ActiveSessions metric.Int64UpDownCounter

	// ── HTTP middleware ──

	// HTTPRequestDuration tracks control API request time.
	HTTPRequestDuration metric.Float64Histogram
}

// acquireBuckets are histogram boundaries in seconds sized around the
// producer's half-second delivery cadence.
var acquireBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 0.75, 1, 2, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.AcquireDuration, err = m.Float64Histogram("braintone.acquire.duration",
		metric.WithDescription("Latency from feature request to delivery."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(acquireBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TrainingDuration, err = m.Float64Histogram("braintone.training.duration",
		metric.WithDescription("Wall time of a calibration run."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.Samples, err = m.Int64Counter("braintone.samples",
		metric.WithDescription("Normalized samples delivered to the actuator."),
	); err != nil {
		return nil, err
	}
	if met.Artifacts, err = m.Int64Counter("braintone.artifacts",
		metric.WithDescription("Samples rejected as eye-blink artifacts."),
	); err != nil {
		return nil, err
	}
	if met.AcquireErrors, err = m.Int64Counter("braintone.acquire.errors",
		metric.WithDescription("Failed feature acquisitions by kind."),
	); err != nil {
		return nil, err
	}
	if met.Runs, err = m.Int64Counter("braintone.session.runs",
		metric.WithDescription("Finished session runs by outcome."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("braintone.breaker.transitions",
		metric.WithDescription("Acquisition circuit breaker state changes."),
	); err != nil {
		return nil, err
	}

	if met.RunningValue, err = m.Float64Gauge("braintone.running_value",
		metric.WithDescription("Latest smoothed output value."),
	); err != nil {
		return nil, err
	}
	if met.TrainingProgress, err = m.Float64Gauge("braintone.training.progress",
		metric.WithDescription("Fraction of training samples collected."),
	); err != nil {
		return nil, err
	}
	if met.SessionState, err = m.Int64Gauge("braintone.session.state",
		metric.WithDescription("Current session state (see session.State)."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("braintone.active_sessions",
		metric.WithDescription("Sessions currently calibrating or sampling."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("braintone.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

func subjectAttr(subject string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("subject", subject))
}

// RecordAcquire records one successful acquisition's latency in seconds.
func (m *Metrics) RecordAcquire(ctx context.Context, subject string, seconds float64) {
	m.AcquireDuration.Record(ctx, seconds, subjectAttr(subject))
}

// RecordTraining records the wall time of a calibration run in seconds.
func (m *Metrics) RecordTraining(ctx context.Context, subject string, seconds float64) {
	m.TrainingDuration.Record(ctx, seconds, subjectAttr(subject))
}

// RecordAcquireError counts a failed acquisition.
func (m *Metrics) RecordAcquireError(ctx context.Context, subject, kind string) {
	m.AcquireErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("subject", subject),
		attribute.String("kind", kind),
	))
}

// RecordSample counts a delivered sample and updates the running value gauge.
func (m *Metrics) RecordSample(ctx context.Context, subject string, running float64) {
	m.Samples.Add(ctx, 1, subjectAttr(subject))
	m.RunningValue.Record(ctx, running, subjectAttr(subject))
}

// RecordArtifact counts a rejected eye-blink sample.
func (m *Metrics) RecordArtifact(ctx context.Context, subject string) {
	m.Artifacts.Add(ctx, 1, subjectAttr(subject))
}

// RecordTrainingProgress sets the training progress gauge to done/total.
func (m *Metrics) RecordTrainingProgress(ctx context.Context, subject string, done, total int) {
	if total <= 0 {
		return
	}
	m.TrainingProgress.Record(ctx, float64(done)/float64(total), subjectAttr(subject))
}

// RecordState sets the session state gauge.
func (m *Metrics) RecordState(ctx context.Context, subject string, state int) {
	m.SessionState.Record(ctx, int64(state), subjectAttr(subject))
}

// RecordRun counts a finished run.
func (m *Metrics) RecordRun(ctx context.Context, subject, outcome string) {
	m.Runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("subject", subject),
		attribute.String("outcome", outcome),
	))
}

// RecordBreakerTransition counts a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, subject, from, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("subject", subject),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}
