// Package realtime implements a client for OpenAI-style Realtime speech-to-speech
// sessions.
//
// A [Client] dials the Realtime websocket endpoint with bearer-token
// authentication and returns a [Session]. The session exposes typed send
// operations for the client control messages used by the call bridge
// (session.update, input_audio_buffer.append, conversation.item.create,
// response.create, conversation.item.truncate) and delivers every server
// message as a decoded [Event] on a single channel, in arrival order.
//
// Malformed server messages are discarded and logged; the session stays open.
// Read errors terminate the session: the Events channel is closed and Err
// reports the cause.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
)

const (
	defaultModel   = "gpt-4o-realtime-preview-2024-10-01"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// defaultEventBuffer is the depth of the channel returned by Session.Events.
	defaultEventBuffer = 64
)

// ErrSessionClosed is returned by send operations after Close or after the
// receive loop has terminated.
var ErrSessionClosed = errors.New("realtime: session closed")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the model requested in the connect URL.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithBaseURL overrides the base websocket URL. Primarily used in tests to
// point at a local server.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithEventBuffer sets the buffer depth of the Events channel.
func WithEventBuffer(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.eventBuf = n
		}
	}
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client opens Realtime sessions. It holds no per-session state and is safe
// for concurrent use; every call gets its own connection.
type Client struct {
	apiKey   string
	model    string
	baseURL  string
	eventBuf int
}

// New creates a Client authenticating with apiKey.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:   apiKey,
		model:    defaultModel,
		baseURL:  defaultBaseURL,
		eventBuf: defaultEventBuffer,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect dials a new session. The returned Session is already receiving;
// callers must call Close when done.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("realtime: parse base url: %w", err)
	}
	q := u.Query()
	q.Set("model", c.model)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	// Audio deltas can exceed the library's 32 KiB default read limit.
	conn.SetReadLimit(1 << 22)

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:   conn,
		events: make(chan Event, c.eventBuf),
		ctx:    sessCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.receiveLoop()
	return s, nil
}

// ── Session ────────────────────────────────────────────────────────────────────

// Session is one open Realtime connection. Send methods are safe for
// concurrent use; writes are serialised.
type Session struct {
	conn   *websocket.Conn
	events chan Event

	writeMu sync.Mutex

	mu     sync.Mutex
	errVal error
	closed bool

	discarded atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Events returns the channel on which decoded server events arrive. It is
// closed when the session ends.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed once the receive loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error that terminated the receive loop, or nil if the
// session was closed locally.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Discarded returns how many server messages could not be decoded.
func (s *Session) Discarded() int64 { return s.discarded.Load() }

// UpdateSession sends a session.update message.
func (s *Session) UpdateSession(cfg SessionConfig) error {
	return s.writeJSON(sessionUpdateMessage{Type: TypeSessionUpdate, Session: cfg})
}

// AppendAudio sends an input_audio_buffer.append message. payload is the
// base64-encoded audio in the negotiated input format.
func (s *Session) AppendAudio(payload string) error {
	return s.writeJSON(appendAudioMessage{Type: TypeInputAudioAppend, Audio: payload})
}

// CreateItem sends a conversation.item.create message.
func (s *Session) CreateItem(item Item) error {
	return s.writeJSON(createItemMessage{Type: TypeItemCreate, Item: item})
}

// CreateResponse sends a response.create message. A nil params requests a
// default response using the session configuration.
func (s *Session) CreateResponse(params *ResponseParams) error {
	return s.writeJSON(createResponseMessage{Type: TypeResponseCreate, Response: params})
}

// Truncate sends a conversation.item.truncate message telling the server the
// assistant item was only heard up to audioEndMs.
func (s *Session) Truncate(itemID string, contentIndex, audioEndMs int) error {
	return s.writeJSON(truncateMessage{
		Type:         TypeItemTruncate,
		ItemID:       itemID,
		ContentIndex: contentIndex,
		AudioEndMs:   audioEndMs,
	})
}

// Close terminates the session and closes the Events channel once the
// receive loop exits. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// writeJSON marshals v and writes it as a text websocket message.
func (s *Session) writeJSON(v any) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("realtime: write: %w", err)
	}
	return nil
}

// receiveLoop reads server messages and forwards decoded events. It owns the
// events channel and closes it on exit.
func (s *Session) receiveLoop() {
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

		evt, err := DecodeEvent(data)
		if err != nil {
			s.discarded.Add(1)
			slog.Warn("realtime: discarding malformed server event", "err", err, "bytes", len(data))
			continue
		}

		select {
		case s.events <- evt:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}
