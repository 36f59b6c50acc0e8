package wsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/braintone/pkg/feature"
)

var testLayout = feature.Layout{Channels: 2, WindowWidth: 4, FFT: true}

// producer is a minimal feature producer. Each request is answered with
// next(), status requests with present.
func producer(t *testing.T, present bool, next func() []float64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var m message
			if err := json.Unmarshal(data, &m); err != nil {
				return
			}
			switch m.Type {
			case "request":
				// A stray text frame first; clients must skip it.
				_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"noise"}`))
				if err := conn.Write(ctx, websocket.MessageBinary, Encode(next())); err != nil {
					return
				}
			case "status":
				out, _ := json.Marshal(message{Type: "status", HardwarePresent: present})
				if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New("", testLayout); err == nil {
		t.Error("expected error for empty url")
	}
	if _, err := New("ws://x", feature.Layout{}); err == nil {
		t.Error("expected error for empty layout")
	}
}

func TestSource_RequestWait(t *testing.T) {
	t.Parallel()
	n := 0.0
	srv := producer(t, true, func() []float64 {
		n++
		return []float64{n, 1, 2, 3, 4, 5, 6, 7}
	})
	src, err := New(wsURL(srv), testLayout)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for want := 1.0; want <= 3; want++ {
		if err := src.Request(ctx); err != nil {
			t.Fatalf("Request: %v", err)
		}
		v, err := src.Wait(ctx)
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
		if v.Len() != 8 {
			t.Fatalf("Len = %d, want 8", v.Len())
		}
		if v.At(0) != want || v.At(7) != 7 {
			t.Errorf("delivery = %v, want first value %v", v.Copy(), want)
		}
	}
}

func TestSource_HardwarePresent(t *testing.T) {
	t.Parallel()
	for _, present := range []bool{true, false} {
		srv := producer(t, present, func() []float64 { return make([]float64, 8) })
		src, err := New(wsURL(srv), testLayout)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		got, err := src.HardwarePresent(ctx)
		cancel()
		_ = src.Close()
		if err != nil {
			t.Fatalf("HardwarePresent: %v", err)
		}
		if got != present {
			t.Errorf("HardwarePresent = %v, want %v", got, present)
		}
	}
}

func TestSource_WrongLength(t *testing.T) {
	t.Parallel()
	srv := producer(t, true, func() []float64 { return []float64{1, 2, 3} })
	src, err := New(wsURL(srv), testLayout)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := src.Request(ctx); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if _, err := src.Wait(ctx); !errors.Is(err, feature.ErrVectorLength) {
		t.Fatalf("Wait err = %v, want ErrVectorLength", err)
	}
}

func TestSource_WaitTimeoutThenRedial(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		first := calls.Add(1) == 1
		for {
			_, _, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if first {
				// Never answer on the first connection.
				continue
			}
			_ = conn.Write(r.Context(), websocket.MessageBinary, Encode(make([]float64, 8)))
		}
	}))
	t.Cleanup(srv.Close)

	src, err := New(wsURL(srv), testLayout)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer src.Close()

	ctx := context.Background()
	if err := src.Request(ctx); err != nil {
		t.Fatalf("Request: %v", err)
	}
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	_, err = src.Wait(short)
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait err = %v, want DeadlineExceeded", err)
	}

	long, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := src.Request(long); err != nil {
		t.Fatalf("Request after timeout: %v", err)
	}
	if _, err := src.Wait(long); err != nil {
		t.Fatalf("Wait after redial: %v", err)
	}
}

func TestSource_Closed(t *testing.T) {
	t.Parallel()
	src, err := New("ws://127.0.0.1:1", testLayout)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = src.Close()
	if err := src.Request(context.Background()); !errors.Is(err, feature.ErrClosed) {
		t.Errorf("Request err = %v, want ErrClosed", err)
	}
	if _, err := src.Wait(context.Background()); !errors.Is(err, feature.ErrClosed) {
		t.Errorf("Wait err = %v, want ErrClosed", err)
	}
}

func TestDecode_RejectsPartialFloat(t *testing.T) {
	t.Parallel()
	src, _ := New("ws://x", testLayout)
	if _, err := src.decode(make([]byte, 13)); !errors.Is(err, ErrProtocol) {
		t.Errorf("decode err = %v, want ErrProtocol", err)
	}
}
