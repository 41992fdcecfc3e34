// Package mock provides in-memory implementations of [bridge.AISession] and
// [bridge.TelephonyStream] for use in unit tests.
//
// Both mocks record every call and let the test push inbound events. They are
// safe for concurrent use. A shared [Recorder] captures the interleaving of
// calls across both legs.
//
// Example:
//
//	rec := &mock.Recorder{}
//	ai := mock.NewAISession(rec)
//	tel := mock.NewTelephonyStream(rec)
//	tel.Push(telephony.Event{Kind: telephony.KindStart, StreamSID: "MZ1", CallSID: "CA123"})
//	ai.Push(realtime.Event{Type: realtime.TypeSpeechStarted, AudioStartMs: 500})
package mock

import (
	"errors"
	"sync"

	"github.com/MrWong99/callbridge/internal/bridge"
	"github.com/MrWong99/callbridge/pkg/realtime"
	"github.com/MrWong99/callbridge/pkg/telephony"
)

// Compile-time interface assertions.
var (
	_ bridge.AISession       = (*AISession)(nil)
	_ bridge.TelephonyStream = (*TelephonyStream)(nil)
)

// ErrClosed is returned by send methods after Close.
var ErrClosed = errors.New("mock: closed")

// Recorder keeps the order of calls made on one or more mocks. Each entry
// is a short operation name such as "realtime.truncate" or "telephony.clear".
type Recorder struct {
	mu  sync.Mutex
	ops []string
}

func (r *Recorder) add(op string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
}

// Ops returns a copy of the recorded operation names.
func (r *Recorder) Ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.ops))
	copy(out, r.ops)
	return out
}

// feed is an event channel that can be closed while pushers are blocked on
// it. Pushes never hold the mock's call lock.
type feed[E any] struct {
	pushMu sync.RWMutex
	events chan E
	quit   chan struct{}
	once   sync.Once
}

func newFeed[E any]() *feed[E] {
	return &feed[E]{events: make(chan E, 256), quit: make(chan struct{})}
}

func (f *feed[E]) push(evt E) {
	f.pushMu.RLock()
	defer f.pushMu.RUnlock()
	select {
	case <-f.quit:
		return
	default:
	}
	select {
	case f.events <- evt:
	case <-f.quit:
	}
}

func (f *feed[E]) end() {
	f.once.Do(func() {
		close(f.quit)
		f.pushMu.Lock()
		close(f.events)
		f.pushMu.Unlock()
	})
}

// ── AISession ─────────────────────────────────────────────────────────────────

// TruncateCall records the arguments of a single [AISession.Truncate] call.
type TruncateCall struct {
	ItemID       string
	ContentIndex int
	AudioEndMs   int
}

// AISession is a mock implementation of [bridge.AISession].
type AISession struct {
	rec *Recorder

	mu     sync.Mutex
	closed bool

	*feed[realtime.Event]

	// OnCreateResponse, when set, is called after each CreateResponse call is
	// recorded, outside the mock's lock. Tests use it to script replies.
	OnCreateResponse func(params *realtime.ResponseParams)

	// SendErr, when non-nil, is returned by every send method.
	SendErr error

	// ErrValue is returned by Err.
	ErrValue error

	Updates   []realtime.SessionConfig
	Appends   []string
	Items     []realtime.Item
	Responses []*realtime.ResponseParams
	Truncates []TruncateCall
}

// NewAISession returns an open mock AI session. rec may be nil.
func NewAISession(rec *Recorder) *AISession {
	return &AISession{rec: rec, feed: newFeed[realtime.Event]()}
}

// Push delivers evt on the Events channel. It blocks while the channel is
// full. Events pushed after EndEvents or Close are dropped.
func (s *AISession) Push(evt realtime.Event) { s.push(evt) }

// EndEvents closes the Events channel, simulating a remote close.
func (s *AISession) EndEvents() { s.end() }

// Events implements [bridge.AISession].
func (s *AISession) Events() <-chan realtime.Event { return s.events }

// UpdateSession implements [bridge.AISession].
func (s *AISession) UpdateSession(cfg realtime.SessionConfig) error {
	return s.record("realtime.session_update", func() { s.Updates = append(s.Updates, cfg) })
}

// AppendAudio implements [bridge.AISession].
func (s *AISession) AppendAudio(payload string) error {
	return s.record("realtime.append", func() { s.Appends = append(s.Appends, payload) })
}

// CreateItem implements [bridge.AISession].
func (s *AISession) CreateItem(item realtime.Item) error {
	return s.record("realtime.item_create", func() { s.Items = append(s.Items, item) })
}

// CreateResponse implements [bridge.AISession].
func (s *AISession) CreateResponse(params *realtime.ResponseParams) error {
	if err := s.record("realtime.response_create", func() { s.Responses = append(s.Responses, params) }); err != nil {
		return err
	}
	s.mu.Lock()
	hook := s.OnCreateResponse
	s.mu.Unlock()
	if hook != nil {
		hook(params)
	}
	return nil
}

// Truncate implements [bridge.AISession].
func (s *AISession) Truncate(itemID string, contentIndex, audioEndMs int) error {
	return s.record("realtime.truncate", func() {
		s.Truncates = append(s.Truncates, TruncateCall{ItemID: itemID, ContentIndex: contentIndex, AudioEndMs: audioEndMs})
	})
}

// Err implements [bridge.AISession].
func (s *AISession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrValue
}

// Close implements [bridge.AISession]. It ends the Events channel.
func (s *AISession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.rec.add("realtime.close")
	s.EndEvents()
	return nil
}

// Closed reports whether Close was called.
func (s *AISession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Snapshot returns copies of the recorded calls.
func (s *AISession) Snapshot() (updates []realtime.SessionConfig, appends []string, items []realtime.Item, responses []*realtime.ResponseParams, truncates []TruncateCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	updates = append(updates, s.Updates...)
	appends = append(appends, s.Appends...)
	items = append(items, s.Items...)
	responses = append(responses, s.Responses...)
	truncates = append(truncates, s.Truncates...)
	return
}

func (s *AISession) record(op string, apply func()) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.SendErr != nil {
		err := s.SendErr
		s.mu.Unlock()
		return err
	}
	apply()
	s.mu.Unlock()
	s.rec.add(op)
	return nil
}

// ── TelephonyStream ───────────────────────────────────────────────────────────

// MediaCall records the arguments of a single [TelephonyStream.SendMedia] call.
type MediaCall struct {
	StreamSID string
	Payload   string
}

// TelephonyStream is a mock implementation of [bridge.TelephonyStream].
type TelephonyStream struct {
	rec *Recorder

	mu     sync.Mutex
	closed bool

	*feed[telephony.Event]

	// SendErr, when non-nil, is returned by every send method.
	SendErr error

	Media  []MediaCall
	Clears []string
	Marks  []string
}

// NewTelephonyStream returns an open mock telephony stream. rec may be nil.
func NewTelephonyStream(rec *Recorder) *TelephonyStream {
	return &TelephonyStream{rec: rec, feed: newFeed[telephony.Event]()}
}

// Push delivers evt on the Events channel. It blocks while the channel is
// full. Dropped after Hangup.
func (s *TelephonyStream) Push(evt telephony.Event) { s.push(evt) }

// Hangup closes the Events channel, simulating the platform disconnecting.
func (s *TelephonyStream) Hangup() { s.end() }

// Events implements [bridge.TelephonyStream].
func (s *TelephonyStream) Events() <-chan telephony.Event { return s.events }

// SendMedia implements [bridge.TelephonyStream].
func (s *TelephonyStream) SendMedia(streamSID, payload string) error {
	return s.record("telephony.media", func() {
		s.Media = append(s.Media, MediaCall{StreamSID: streamSID, Payload: payload})
	})
}

// SendClear implements [bridge.TelephonyStream].
func (s *TelephonyStream) SendClear(streamSID string) error {
	return s.record("telephony.clear", func() { s.Clears = append(s.Clears, streamSID) })
}

// SendMark implements [bridge.TelephonyStream].
func (s *TelephonyStream) SendMark(streamSID, name string) error {
	return s.record("telephony.mark", func() { s.Marks = append(s.Marks, name) })
}

// Close implements [bridge.TelephonyStream].
func (s *TelephonyStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.rec.add("telephony.close")
	s.Hangup()
	return nil
}

// Closed reports whether Close was called.
func (s *TelephonyStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Snapshot returns copies of the recorded calls.
func (s *TelephonyStream) Snapshot() (media []MediaCall, clears []string, marks []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	media = append(media, s.Media...)
	clears = append(clears, s.Clears...)
	marks = append(marks, s.Marks...)
	return
}

func (s *TelephonyStream) record(op string, apply func()) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.SendErr != nil {
		err := s.SendErr
		s.mu.Unlock()
		return err
	}
	apply()
	s.mu.Unlock()
	s.rec.add(op)
	return nil
}
