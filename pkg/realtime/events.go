package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client event types.
const (
	TypeSessionUpdate    = "session.update"
	TypeInputAudioAppend = "input_audio_buffer.append"
	TypeItemCreate       = "conversation.item.create"
	TypeItemTruncate     = "conversation.item.truncate"
	TypeResponseCreate   = "response.create"
	TypeResponseCancel   = "response.cancel"
)

// Server event types consumed by the call bridge. Any other type is still
// delivered with its raw Type string.
const (
	TypeSessionCreated         = "session.created"
	TypeSessionUpdated         = "session.updated"
	TypeResponseCreated        = "response.created"
	TypeResponseDone           = "response.done"
	TypeAudioDelta             = "response.audio.delta"
	TypeAudioDone              = "response.audio.done"
	TypeAudioTranscriptDelta   = "response.audio_transcript.delta"
	TypeAudioTranscriptDone    = "response.audio_transcript.done"
	TypeTextDelta              = "response.text.delta"
	TypeTextDone               = "response.text.done"
	TypeInputTranscriptionDone = "conversation.item.input_audio_transcription.completed"
	TypeSpeechStarted          = "input_audio_buffer.speech_started"
	TypeSpeechStopped          = "input_audio_buffer.speech_stopped"
	TypeError                  = "error"
)

// Audio formats accepted by session.update.
const (
	FormatPCM16    = "pcm16"
	FormatG711ULaw = "g711_ulaw"
	FormatG711ALaw = "g711_alaw"
)

// ── Outgoing messages ─────────────────────────────────────────────────────────

// SessionConfig is the session object carried by session.update.
type SessionConfig struct {
	Modalities              []string       `json:"modalities,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	Voice                   string         `json:"voice,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string         `json:"output_audio_format,omitempty"`
	InputAudioTranscription *Transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection `json:"turn_detection,omitempty"`
	Temperature             float64        `json:"temperature,omitempty"`
}

// Transcription enables input audio transcription with the given model.
type Transcription struct {
	Model string `json:"model"`
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

// Item is a conversation item for conversation.item.create.
type Item struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
}

// ContentPart is one content element of an Item.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// UserText builds a user message item carrying text.
func UserText(text string) Item {
	return Item{
		Type:    "message",
		Role:    "user",
		Content: []ContentPart{{Type: "input_text", Text: text}},
	}
}

// ResponseParams overrides session defaults for one response.create.
type ResponseParams struct {
	Modalities   []string          `json:"modalities,omitempty"`
	Instructions string            `json:"instructions,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type createItemMessage struct {
	Type string `json:"type"`
	Item Item   `json:"item"`
}

type createResponseMessage struct {
	Type     string          `json:"type"`
	Response *ResponseParams `json:"response,omitempty"`
}

type truncateMessage struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int    `json:"audio_end_ms"`
}

// ── Incoming events ───────────────────────────────────────────────────────────

// Event is a decoded server event. Only the fields relevant to Type are set.
type Event struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`

	// response.* and conversation.* events
	ResponseID   string `json:"response_id,omitempty"`
	ItemID       string `json:"item_id,omitempty"`
	ContentIndex int    `json:"content_index,omitempty"`

	// response.audio.delta (base64 audio), response.text.delta,
	// response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// response.text.done
	Text string `json:"text,omitempty"`

	// response.audio_transcript.done,
	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// input_audio_buffer.speech_started / speech_stopped
	AudioStartMs int `json:"audio_start_ms,omitempty"`
	AudioEndMs   int `json:"audio_end_ms,omitempty"`

	// response.created / response.done
	Response *ResponseInfo `json:"response,omitempty"`

	// error
	Error *ErrorDetail `json:"error,omitempty"`
}

// ResponseInfo is the response object carried by response.created and
// response.done.
type ResponseInfo struct {
	ID       string            `json:"id"`
	Status   string            `json:"status,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ErrorDetail is the nested error object of an error event.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Error implements error.
func (e *ErrorDetail) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("realtime: %s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("realtime: %s: %s", e.Type, e.Message)
}

var errMissingType = errors.New("realtime: event without type")

// DecodeEvent parses one server message.
func DecodeEvent(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("realtime: decode event: %w", err)
	}
	if evt.Type == "" {
		return Event{}, errMissingType
	}
	return evt, nil
}

// MetadataValue returns the response metadata value for key, if the event
// carries a response object.
func (e Event) MetadataValue(key string) (string, bool) {
	if e.Response == nil || e.Response.Metadata == nil {
		return "", false
	}
	v, ok := e.Response.Metadata[key]
	return v, ok
}
