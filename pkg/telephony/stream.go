// Package telephony implements the server side of a Twilio-style bidirectional
// media stream.
//
// The platform connects over a websocket and exchanges JSON frames: inbound
// start, media, mark and stop events, outbound media, clear and mark directives.
// Audio is 8 kHz G.711 µ-law, base64-framed; payloads are passed through
// encoded.
//
// [Handler] upgrades incoming requests and hands each [Stream] to a callback
// that owns it for the lifetime of the call.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// ErrStreamClosed is returned by send methods after the stream has closed.
var ErrStreamClosed = errors.New("telephony: stream closed")

const defaultEventBuffer = 64

// Stream is one accepted media-stream connection. Send methods are safe for
// concurrent use.
type Stream struct {
	conn   *websocket.Conn
	events chan Event

	writeMu sync.Mutex

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newStream(conn *websocket.Conn) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		conn:   conn,
		events: make(chan Event, defaultEventBuffer),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.receiveLoop()
	return s
}

// Events returns inbound events in arrival order. The channel is closed when
// the connection ends.
func (s *Stream) Events() <-chan Event { return s.events }

// Done is closed once the receive loop has exited.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err reports why the receive loop ended, or nil after a local Close.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// SendMedia writes one outbound audio frame addressed to streamSID.
func (s *Stream) SendMedia(streamSID, payload string) error {
	data, err := EncodeMedia(streamSID, payload)
	if err != nil {
		return fmt.Errorf("telephony: encode media: %w", err)
	}
	return s.write(data)
}

// SendClear asks the platform to drop any audio it has buffered for playback.
func (s *Stream) SendClear(streamSID string) error {
	data, err := EncodeClear(streamSID)
	if err != nil {
		return fmt.Errorf("telephony: encode clear: %w", err)
	}
	return s.write(data)
}

// SendMark writes a named mark directive.
func (s *Stream) SendMark(streamSID, name string) error {
	data, err := EncodeMark(streamSID, name)
	if err != nil {
		return fmt.Errorf("telephony: encode mark: %w", err)
	}
	return s.write(data)
}

// Close ends the connection. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	_ = s.conn.Close(websocket.StatusNormalClosure, "call ended")
	return nil
}

func (s *Stream) write(data []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrStreamClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("telephony: write: %w", err)
	}
	return nil
}

func (s *Stream) receiveLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.setErr(err)
			}
			return
		}

		evt, err := Decode(data)
		if err != nil {
			slog.Warn("telephony: discarding malformed frame", "err", err, "bytes", len(data))
			continue
		}

		select {
		case s.events <- evt:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// Handler returns an http.Handler that accepts media-stream websockets and
// calls serve for each one. serve owns the stream; the handler closes it
// after serve returns.
func Handler(serve func(ctx context.Context, s *Stream)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// Telephony platforms do not send a browser Origin.
			InsecureSkipVerify: true,
		})
		if err != nil {
			slog.Warn("telephony: websocket accept failed", "err", err, "remote", r.RemoteAddr)
			return
		}
		s := newStream(conn)
		defer s.Close()
		serve(r.Context(), s)
	})
}

// Dial connects to a media-stream endpoint as the platform would. It is used
// by tests and local tooling.
func Dial(ctx context.Context, url string) (*Stream, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("telephony: dial: %w", err)
	}
	return newStream(conn), nil
}
