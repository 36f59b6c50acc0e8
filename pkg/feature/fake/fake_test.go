package fake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/braintone/pkg/feature"
)

func TestSource_DeliversLayoutLength(t *testing.T) {
	t.Parallel()
	src := New(WithDelay(0), WithSeed(7))
	defer src.Close()

	ctx := context.Background()
	if err := src.Request(ctx); err != nil {
		t.Fatalf("Request: %v", err)
	}
	v, err := src.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if v.Len() != 220 {
		t.Fatalf("Len = %d, want 220", v.Len())
	}
	if err := src.Layout().Check(v.Len()); err != nil {
		t.Fatalf("layout check: %v", err)
	}
	for i := 0; i < v.Len(); i++ {
		if x := v.At(i); x < 0 || x >= 1 {
			t.Fatalf("value[%d] = %v, want in [0,1)", i, x)
		}
	}
}

func TestSource_SeedIsReproducible(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	draw := func() []float64 {
		src := New(WithDelay(0), WithSeed(42))
		defer src.Close()
		_ = src.Request(ctx)
		v, err := src.Wait(ctx)
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
		return v.Copy()
	}
	a, b := draw(), draw()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("value[%d] differs: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestSource_WaitHonoursContext(t *testing.T) {
	t.Parallel()
	src := New(WithDelay(time.Hour))
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_ = src.Request(ctx)
	if _, err := src.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait err = %v, want DeadlineExceeded", err)
	}
}

func TestSource_CloseUnblocksWait(t *testing.T) {
	t.Parallel()
	src := New(WithDelay(time.Hour))
	_ = src.Request(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := src.Wait(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	_ = src.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, feature.ErrClosed) {
			t.Fatalf("Wait err = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Close")
	}

	if err := src.Request(context.Background()); !errors.Is(err, feature.ErrClosed) {
		t.Errorf("Request after Close = %v, want ErrClosed", err)
	}
	present, _ := src.HardwarePresent(context.Background())
	if present {
		t.Error("closed source should not report hardware present")
	}
}
