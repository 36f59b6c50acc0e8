package feature

import (
	"context"
	"errors"
)

// ErrClosed is returned by [Source] methods after Close has been called.
var ErrClosed = errors.New("feature: source closed")

// Source is a producer of feature vectors.
//
// The acquisition contract is strictly sequential: a caller issues Request,
// then Wait, and only then the next Request. At most one request is
// outstanding per Source. Wait blocks until the producer has filled its
// buffer or ctx is done; the returned [Vector] stays valid until the next
// Request.
//
// Implementations need not be safe for concurrent acquisition, but Close must
// be safe to call from another goroutine to unblock a pending Wait.
type Source interface {
	// Request asks the producer for the next delivery.
	Request(ctx context.Context) error

	// Wait blocks until the requested delivery is available.
	Wait(ctx context.Context) (Vector, error)

	// Layout returns the layout every delivery conforms to.
	Layout() Layout

	// Close releases the producer connection. Subsequent calls are no-ops.
	Close() error
}

// HardwareProber is implemented by sources that can tell whether the EEG
// hardware behind the producer is connected and streaming.
type HardwareProber interface {
	HardwarePresent(ctx context.Context) (bool, error)
}
