package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestTraceID_EmptyWithoutSpan(t *testing.T) {
	if got := TraceID(context.Background()); got != "" {
		t.Errorf("TraceID(background) = %q, want empty", got)
	}
}

func TestStartSpan_RecordsName(t *testing.T) {
	_, _, exp := testSetup(t)

	ctx, span := StartSpan(context.Background(), "session.calibrate")
	if TraceID(ctx) == "" {
		t.Error("span context has no trace id")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "session.calibrate" {
		t.Fatalf("spans = %v, want one named session.calibrate", spans)
	}
}

func TestLogger_EnrichesWithTrace(t *testing.T) {
	_, _, _ = testSetup(t)

	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	Logger(context.Background(), base).Info("plain")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("logger without span added trace_id: %s", buf.String())
	}
	buf.Reset()

	ctx, span := StartSpan(context.Background(), "x")
	defer span.End()
	Logger(ctx, base).Info("traced")
	out := buf.String()
	if !strings.Contains(out, "trace_id="+TraceID(ctx)) || !strings.Contains(out, "span_id=") {
		t.Errorf("log line missing trace attributes: %s", out)
	}
}

func TestInitProvider_ServesPrometheus(t *testing.T) {
	ctx := context.Background()
	p, err := InitProvider(ctx, ProviderConfig{ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	defer p.Shutdown(ctx)

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordArtifact(ctx, "player-1")

	rec := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "braintone_artifacts") {
		t.Errorf("/metrics missing braintone_artifacts:\n%s", body)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Error("/metrics missing Go runtime collector output")
	}
}
