package telephony

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies an inbound telephony event.
type Kind int

const (
	// KindOther is any control event the bridge does not act on (connected,
	// dtmf, ...).
	KindOther Kind = iota

	// KindStart confirms the media stream and carries the stream and call ids.
	KindStart

	// KindMedia carries one inbound audio frame.
	KindMedia

	// KindMark acknowledges playback of a previously sent mark directive.
	KindMark

	// KindStop signals the platform ended the stream (caller hung up).
	KindStop
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindMedia:
		return "media"
	case KindMark:
		return "mark"
	case KindStop:
		return "stop"
	default:
		return "other"
	}
}

// Event is one decoded inbound message from the telephony platform.
type Event struct {
	Kind Kind

	// Name is the raw event name as sent by the platform.
	Name string

	// StreamSID and CallSID are set on start events (and echoed on others when
	// the platform includes them).
	StreamSID string
	CallSID   string

	// CustomParameters holds the <Parameter> values embedded in the TwiML
	// stream directive. Set on start events only.
	CustomParameters map[string]string

	// Payload is the base64-encoded 8 kHz µ-law audio of a media event, kept
	// encoded so it can be relayed without a decode/encode round trip.
	Payload string

	// Timestamp is the platform's media timestamp in milliseconds since stream
	// start, as a string.
	Timestamp string

	// MarkName is set on mark events.
	MarkName string
}

// wire types for the media-stream JSON protocol.
type message struct {
	Event     string     `json:"event"`
	StreamSID string     `json:"streamSid,omitempty"`
	Start     *startBody `json:"start,omitempty"`
	Media     *mediaBody `json:"media,omitempty"`
	Mark      *markBody  `json:"mark,omitempty"`
}

type startBody struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	AccountSID       string            `json:"accountSid,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type mediaBody struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type markBody struct {
	Name string `json:"name"`
}

// ErrMalformed wraps every decode failure of an inbound frame.
var ErrMalformed = errors.New("telephony: malformed frame")

// Decode parses one inbound frame.
func Decode(data []byte) (Event, error) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	evt := Event{Name: msg.Event, StreamSID: msg.StreamSID}
	switch msg.Event {
	case "start":
		if msg.Start == nil || msg.Start.StreamSID == "" {
			return Event{}, fmt.Errorf("%w: start event without streamSid", ErrMalformed)
		}
		evt.Kind = KindStart
		evt.StreamSID = msg.Start.StreamSID
		evt.CallSID = msg.Start.CallSID
		evt.CustomParameters = msg.Start.CustomParameters
	case "media":
		if msg.Media == nil {
			return Event{}, fmt.Errorf("%w: media event without media body", ErrMalformed)
		}
		evt.Kind = KindMedia
		evt.Payload = msg.Media.Payload
		evt.Timestamp = msg.Media.Timestamp
	case "mark":
		evt.Kind = KindMark
		if msg.Mark != nil {
			evt.MarkName = msg.Mark.Name
		}
	case "stop":
		evt.Kind = KindStop
	case "":
		return Event{}, fmt.Errorf("%w: missing event name", ErrMalformed)
	default:
		evt.Kind = KindOther
	}
	return evt, nil
}

// EncodeMedia builds an outbound media frame.
func EncodeMedia(streamSID, payload string) ([]byte, error) {
	return json.Marshal(message{
		Event:     "media",
		StreamSID: streamSID,
		Media:     &mediaBody{Payload: payload},
	})
}

// EncodeClear builds a clear directive that discards audio buffered on the
// platform side.
func EncodeClear(streamSID string) ([]byte, error) {
	return json.Marshal(message{Event: "clear", StreamSID: streamSID})
}

// EncodeMark builds a mark directive; the platform echoes it back once all
// audio sent before it has played.
func EncodeMark(streamSID, name string) ([]byte, error) {
	return json.Marshal(message{Event: "mark", StreamSID: streamSID, Mark: &markBody{Name: name}})
}
