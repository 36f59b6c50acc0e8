// Package wsfeed implements a [feature.Source] that talks to a feature
// producer over a WebSocket connection.
//
// Wire protocol (one connection per subject):
//
//   - client → producer, text:   {"type":"request"}  asks for the next delivery
//   - producer → client, binary: N little-endian float64 values (one delivery)
//   - client → producer, text:   {"type":"status"}   asks for hardware status
//   - producer → client, text:   {"type":"status","hardware_present":true}
//
// Reading with a cancelled context tears the WebSocket down, so a Wait that
// times out leaves the source disconnected; the next Request dials again.
package wsfeed

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/braintone/pkg/feature"
)

// ErrProtocol is returned when the producer sends a malformed message.
var ErrProtocol = errors.New("wsfeed: protocol error")

// message is the JSON envelope for text frames.
type message struct {
	Type            string `json:"type"`
	HardwarePresent bool   `json:"hardware_present,omitempty"`
}

// Option configures a [Source].
type Option func(*Source)

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) { s.httpClient = c }
}

// WithHeader adds a header to the WebSocket handshake request.
func WithHeader(key, value string) Option {
	return func(s *Source) {
		if s.header == nil {
			s.header = http.Header{}
		}
		s.header.Add(key, value)
	}
}

// Source is a WebSocket feature source.
type Source struct {
	url        string
	layout     feature.Layout
	httpClient *http.Client
	header     http.Header

	mu     sync.Mutex
	conn   *websocket.Conn
	buf    []float64
	closed bool
}

var (
	_ feature.Source         = (*Source)(nil)
	_ feature.HardwareProber = (*Source)(nil)
)

// New creates a Source for the producer at url. No connection is made until
// the first Request or [Source.Connect].
func New(url string, layout feature.Layout, opts ...Option) (*Source, error) {
	if url == "" {
		return nil, errors.New("wsfeed: url is required")
	}
	if layout.Len() == 0 {
		return nil, errors.New("wsfeed: layout has no features")
	}
	s := &Source{url: url, layout: layout}
	for _, o := range opts {
		o(s)
	}
	s.buf = make([]float64, layout.Len())
	return s, nil
}

// Connect dials the producer if not already connected.
func (s *Source) Connect(ctx context.Context) error {
	_, err := s.connection(ctx)
	return err
}

func (s *Source) connection(ctx context.Context) (*websocket.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, feature.ErrClosed
	}
	if s.conn != nil {
		return s.conn, nil
	}
	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{
		HTTPClient: s.httpClient,
		HTTPHeader: s.header,
	})
	if err != nil {
		return nil, fmt.Errorf("wsfeed: dial %q: %w", s.url, err)
	}
	// Deliveries are small, but leave room for large time-series layouts.
	conn.SetReadLimit(int64(s.layout.Len())*8 + 4096)
	s.conn = conn
	slog.Debug("wsfeed: connected", "url", s.url)
	return conn, nil
}

// drop forgets a broken connection so the next call redials.
func (s *Source) drop(conn *websocket.Conn, reason string) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close(websocket.StatusGoingAway, reason)
}

// Request implements [feature.Source].
func (s *Source) Request(ctx context.Context) error {
	conn, err := s.connection(ctx)
	if err != nil {
		return err
	}
	if err := s.writeJSON(ctx, conn, message{Type: "request"}); err != nil {
		s.drop(conn, "write failed")
		return fmt.Errorf("wsfeed: request: %w", err)
	}
	return nil
}

// Wait implements [feature.Source]. Text frames that arrive before the
// delivery are ignored.
func (s *Source) Wait(ctx context.Context) (feature.Vector, error) {
	s.mu.Lock()
	conn := s.conn
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return feature.Vector{}, feature.ErrClosed
	}
	if conn == nil {
		return feature.Vector{}, fmt.Errorf("wsfeed: wait without a connection: %w", ErrProtocol)
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			s.drop(conn, "read failed")
			if ctxErr := ctx.Err(); ctxErr != nil {
				return feature.Vector{}, ctxErr
			}
			return feature.Vector{}, fmt.Errorf("wsfeed: read: %w", err)
		}
		if typ != websocket.MessageBinary {
			continue
		}
		return s.decode(data)
	}
}

// decode copies a binary delivery into the reusable buffer.
func (s *Source) decode(data []byte) (feature.Vector, error) {
	if len(data)%8 != 0 {
		return feature.Vector{}, fmt.Errorf("%w: delivery of %d bytes is not a float64 array", ErrProtocol, len(data))
	}
	if err := s.layout.Check(len(data) / 8); err != nil {
		return feature.Vector{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.buf {
		s.buf[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return feature.NewVector(s.buf), nil
}

// HardwarePresent implements [feature.HardwareProber]. It must not be called
// while a request is outstanding.
func (s *Source) HardwarePresent(ctx context.Context) (bool, error) {
	conn, err := s.connection(ctx)
	if err != nil {
		return false, err
	}
	if err := s.writeJSON(ctx, conn, message{Type: "status"}); err != nil {
		s.drop(conn, "write failed")
		return false, fmt.Errorf("wsfeed: status: %w", err)
	}
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			s.drop(conn, "read failed")
			return false, fmt.Errorf("wsfeed: status read: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		var m message
		if err := json.Unmarshal(data, &m); err != nil {
			return false, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if m.Type == "status" {
			return m.HardwarePresent, nil
		}
	}
}

// Layout implements [feature.Source].
func (s *Source) Layout() feature.Layout { return s.layout }

// Close implements [feature.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.closed = true
	s.mu.Unlock()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "source closed")
	}
	return nil
}

func (s *Source) writeJSON(ctx context.Context, conn *websocket.Conn, m message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Encode serialises a delivery in the wire format. Producers written in Go
// and tests use it to build binary frames.
func Encode(values []float64) []byte {
	out := make([]byte, len(values)*8)
	for i, v := range values {
		binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
	}
	return out
}
