package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/braintone/internal/observe"
	"github.com/MrWong99/braintone/internal/resilience"
	"github.com/MrWong99/braintone/pkg/feature/mock"
)

func TestAcquirer_Delivery(t *testing.T) {
	t.Parallel()
	src := &mock.Source{LayoutResult: testLayout, Deliveries: [][]float64{peakVec(1, 2)}}
	a := NewAcquirer(src, AcquirerConfig{Subject: "s", Metrics: testMetrics(t)})

	v, err := a.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if v.Len() != testLayout.Len() {
		t.Errorf("len = %d, want %d", v.Len(), testLayout.Len())
	}
	if req, waits := src.Calls(); req != 1 || waits != 1 {
		t.Errorf("calls = %d/%d, want 1/1", req, waits)
	}
	if a.Stalled() || a.LastDelivery().IsZero() {
		t.Errorf("stalled = %v, last delivery = %v", a.Stalled(), a.LastDelivery())
	}
}

func TestAcquirer_RequestError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	src := &mock.Source{RequestError: boom}
	a := NewAcquirer(src, AcquirerConfig{Subject: "s"})

	if _, err := a.Acquire(context.Background()); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	if _, waits := src.Calls(); waits != 0 {
		t.Errorf("waited %d times after failed request", waits)
	}
}

func TestAcquirer_TimeoutMarksStalled(t *testing.T) {
	t.Parallel()
	src := &mock.Source{Block: true}
	a := NewAcquirer(src, AcquirerConfig{Subject: "s", Timeout: 5 * time.Millisecond, Metrics: testMetrics(t)})

	_, err := a.Acquire(context.Background())
	if !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("err = %v, want ErrAcquireTimeout", err)
	}
	if !isStall(err) || !a.Stalled() {
		t.Error("timeout not reported as a stall")
	}

	src.Block = false
	src.Deliveries = [][]float64{peakVec(1, 1)}
	if _, err := a.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire after recovery: %v", err)
	}
	if a.Stalled() {
		t.Error("still stalled after delivery")
	}
}

func TestAcquirer_CancelIsNotTimeout(t *testing.T) {
	t.Parallel()
	src := &mock.Source{Block: true}
	a := NewAcquirer(src, AcquirerConfig{Subject: "s", Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(5*time.Millisecond, cancel)
	_, err := a.Acquire(ctx)
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrAcquireTimeout) {
		t.Errorf("err = %v, want context.Canceled only", err)
	}
}

func TestAcquirer_StallWatchdog(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	src := &mock.Source{
		WaitFunc: func(ctx context.Context, _ int) ([]float64, error) {
			<-release
			return peakVec(1, 1), nil
		},
	}
	a := NewAcquirer(src, AcquirerConfig{Subject: "s", StallThreshold: 2 * time.Millisecond})

	done := make(chan error, 1)
	go func() {
		_, err := a.Acquire(context.Background())
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !a.Stalled() {
		if time.Now().After(deadline) {
			t.Fatal("watchdog never marked the acquirer stalled")
		}
		time.Sleep(time.Millisecond)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if a.Stalled() {
		t.Error("stall not cleared by delivery")
	}
}

func TestAcquirer_BreakerOpens(t *testing.T) {
	t.Parallel()
	src := &mock.Source{Block: true}
	a := NewAcquirer(src, AcquirerConfig{
		Subject:         "s",
		Timeout:         2 * time.Millisecond,
		BreakerFailures: 2,
		BreakerReset:    time.Hour,
	})

	for range 2 {
		if _, err := a.Acquire(context.Background()); !errors.Is(err, ErrAcquireTimeout) {
			t.Fatalf("err = %v, want ErrAcquireTimeout", err)
		}
	}
	_, err := a.Acquire(context.Background())
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if !isStall(err) || !a.Stalled() {
		t.Error("open breaker not reported as a stall")
	}
	if req, _ := src.Calls(); req != 2 {
		t.Errorf("requests = %d, want 2 (open breaker must not touch the source)", req)
	}
}

func TestAcquirer_ProducerErrorsKeepBreakerClosed(t *testing.T) {
	t.Parallel()
	badFrame := errors.New("wsfeed: protocol error: bad frame")
	src := &mock.Source{WaitError: badFrame}
	a := NewAcquirer(src, AcquirerConfig{
		Subject:         "s",
		Timeout:         time.Second,
		BreakerFailures: 2,
		BreakerReset:    time.Hour,
	})

	for i := range 10 {
		_, err := a.Acquire(context.Background())
		if !errors.Is(err, badFrame) {
			t.Fatalf("call %d: err = %v, want the producer error", i, err)
		}
		if isStall(err) {
			t.Fatalf("call %d: producer error classified as a stall", i)
		}
	}
	if a.Stalled() {
		t.Error("answering producer reported as stalled")
	}
	if req, _ := src.Calls(); req != 10 {
		t.Errorf("requests = %d, want 10", req)
	}
}

func TestAcquirer_BreakerTransitionsDriveStall(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	var blocked atomic.Bool
	blocked.Store(true)
	src := &mock.Source{WaitFunc: func(ctx context.Context, _ int) ([]float64, error) {
		if blocked.Load() {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return peakVec(1, 1), nil
	}}
	a := NewAcquirer(src, AcquirerConfig{
		Subject:         "s",
		Timeout:         2 * time.Millisecond,
		BreakerFailures: 1,
		BreakerReset:    5 * time.Millisecond,
		Metrics:         m,
	})

	if _, err := a.Acquire(context.Background()); !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("err = %v, want ErrAcquireTimeout", err)
	}
	if !a.Stalled() {
		t.Fatal("not stalled after the breaker opened")
	}

	blocked.Store(false)
	time.Sleep(10 * time.Millisecond)
	if _, err := a.Acquire(context.Background()); err != nil {
		t.Fatalf("probe Acquire: %v", err)
	}
	if a.Stalled() {
		t.Error("still stalled after the breaker closed")
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "braintone.breaker.transitions" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				to, _ := dp.Attributes.Value(attribute.Key("to"))
				got[to.AsString()] += dp.Value
			}
		}
	}
	for _, to := range []string{"open", "half-open", "closed"} {
		if got[to] != 1 {
			t.Errorf("transitions to %s = %d, want 1 (all: %v)", to, got[to], got)
		}
	}
}
