package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/MrWong99/callbridge/pkg/realtime"
)

// SilentRequestKey is the response metadata key that tags a text-only
// response with the id of the silent request that asked for it.
const SilentRequestKey = "silent_request_id"

var (
	// ErrSessionClosed is returned to pending silent requests when the call
	// tears down before their answer arrives.
	ErrSessionClosed = errors.New("bridge: session closed")

	// ErrRequestTimeout is returned when a silent request's wait expires.
	ErrRequestTimeout = errors.New("bridge: silent request timed out")
)

// silentSender is the subset of an AI session a [Multiplexer] writes to.
type silentSender interface {
	CreateItem(realtime.Item) error
	CreateResponse(*realtime.ResponseParams) error
}

type silentResult struct {
	text string
	err  error
}

type pendingRequest struct {
	id   uint64
	text strings.Builder
	done chan silentResult
}

// Multiplexer issues hidden text-only turns on an AI session and routes
// their responses back to the waiting caller.
//
// The call's event loop feeds every AI event through [Multiplexer.HandleEvent];
// requests are made from a separate goroutine. All methods are safe for
// concurrent use.
type Multiplexer struct {
	send silentSender

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*pendingRequest
	// responses maps server response ids to the request that created them.
	// Entries outlive their request so late events are still recognised.
	responses map[string]uint64
	closed    bool
}

// NewMultiplexer returns a Multiplexer writing to send.
func NewMultiplexer(send silentSender) *Multiplexer {
	return &Multiplexer{
		send:      send,
		pending:   make(map[uint64]*pendingRequest),
		responses: make(map[string]uint64),
	}
}

// Request sends prompt as a hidden user turn plus a text-only response
// request and blocks until the tagged response completes, ctx is done, or
// the multiplexer is abandoned. A ctx deadline yields [ErrRequestTimeout];
// partial text is discarded.
func (m *Multiplexer) Request(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrSessionClosed
	}
	m.nextID++
	req := &pendingRequest{id: m.nextID, done: make(chan silentResult, 1)}
	m.pending[req.id] = req
	m.mu.Unlock()

	if err := m.send.CreateItem(realtime.UserText(prompt)); err != nil {
		m.remove(req.id)
		return "", fmt.Errorf("bridge: silent request %d: create item: %w", req.id, err)
	}
	if err := m.send.CreateResponse(&realtime.ResponseParams{
		Modalities: []string{"text"},
		Metadata:   map[string]string{SilentRequestKey: strconv.FormatUint(req.id, 10)},
	}); err != nil {
		m.remove(req.id)
		return "", fmt.Errorf("bridge: silent request %d: create response: %w", req.id, err)
	}

	select {
	case res := <-req.done:
		return res.text, res.err
	case <-ctx.Done():
		if !m.remove(req.id) {
			// Resolved concurrently with the deadline.
			res := <-req.done
			return res.text, res.err
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w (id %d)", ErrRequestTimeout, req.id)
		}
		return "", ctx.Err()
	}
}

// HandleEvent routes evt to its silent request. It reports whether evt
// belongs to a silent response; such events must not be treated as
// audible assistant output.
func (m *Multiplexer) HandleEvent(evt realtime.Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if evt.Type == realtime.TypeResponseCreated {
		raw, ok := evt.MetadataValue(SilentRequestKey)
		if !ok {
			return false
		}
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || evt.Response.ID == "" {
			return true
		}
		m.responses[evt.Response.ID] = id
		return true
	}

	respID := evt.ResponseID
	if respID == "" && evt.Response != nil {
		respID = evt.Response.ID
	}
	if respID == "" {
		return false
	}
	id, ok := m.responses[respID]
	if !ok {
		return false
	}

	switch evt.Type {
	case realtime.TypeTextDelta:
		if req, ok := m.pending[id]; ok {
			req.text.WriteString(evt.Delta)
		}
	case realtime.TypeTextDone:
		if req, ok := m.pending[id]; ok {
			text := evt.Text
			if text == "" {
				text = req.text.String()
			}
			delete(m.pending, id)
			req.done <- silentResult{text: text}
		}
	case realtime.TypeResponseDone:
		delete(m.responses, respID)
	}
	return true
}

// Abandon rejects every pending request with [ErrSessionClosed]. Further
// requests fail immediately. Idempotent.
func (m *Multiplexer) Abandon() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for id, req := range m.pending {
		delete(m.pending, id)
		req.done <- silentResult{err: ErrSessionClosed}
	}
}

// Pending returns the number of outstanding requests.
func (m *Multiplexer) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// remove drops id from the pending set and reports whether it was present.
func (m *Multiplexer) remove(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[id]; !ok {
		return false
	}
	delete(m.pending, id)
	return true
}
