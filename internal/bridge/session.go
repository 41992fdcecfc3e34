package bridge

import (
	"strings"
	"time"
)

// Speaker identifies who produced a transcript segment.
type Speaker string

const (
	SpeakerCaller    Speaker = "caller"
	SpeakerAssistant Speaker = "assistant"
)

// Segment is one finalised transcript utterance.
type Segment struct {
	Speaker Speaker
	Text    string
	At      time.Time
}

// CallSession is the state of one phone call. It is owned by the bridge's
// event loop goroutine and never shared.
type CallSession struct {
	// ID is a locally generated session identifier, valid before the
	// telephony platform assigns a call SID.
	ID string

	// CallSID and StreamSID are unset until the telephony start event.
	CallSID   string
	StreamSID string

	// LookupKey is the key handed to the prompt resolver.
	LookupKey string

	// Instructions is the resolved system prompt. Valid once
	// InstructionsResolved is true.
	Instructions         string
	InstructionsResolved bool

	// AcceptedAt is when the telephony connection was accepted.
	AcceptedAt time.Time

	// AIStartedAt is the local clock reading when the AI leg opened; remote
	// audio offsets are measured from the same origin.
	AIStartedAt time.Time

	// LastSpeechStartMs is the most recent remote speech-start offset.
	LastSpeechStartMs int

	// LastAssistantItem is the id of the assistant item whose audio is
	// currently playing. Cleared as soon as it has been truncated.
	LastAssistantItem string

	// Deadline is when the duration limit fires. Zero until stream start.
	Deadline time.Time

	transcript []Segment
}

func newCallSession(id string, now time.Time) *CallSession {
	return &CallSession{ID: id, AcceptedAt: now}
}

// Append adds a transcript segment in arrival order. Blank text is ignored.
func (s *CallSession) Append(speaker Speaker, text string, at time.Time) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.transcript = append(s.transcript, Segment{Speaker: speaker, Text: text, At: at})
}

// Transcript returns a copy of all segments in order.
func (s *CallSession) Transcript() []Segment {
	out := make([]Segment, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// CallerTranscript returns the caller's segments in order.
func (s *CallSession) CallerTranscript() []string { return s.texts(SpeakerCaller) }

// AssistantTranscript returns the assistant's segments in order.
func (s *CallSession) AssistantTranscript() []string { return s.texts(SpeakerAssistant) }

func (s *CallSession) texts(who Speaker) []string {
	var out []string
	for _, seg := range s.transcript {
		if seg.Speaker == who {
			out = append(out, seg.Text)
		}
	}
	return out
}

// FormatTranscript renders segments as "Caller: ..." / "Assistant: ..." lines.
func FormatTranscript(segs []Segment) string {
	var b strings.Builder
	for _, seg := range segs {
		switch seg.Speaker {
		case SpeakerCaller:
			b.WriteString("Caller: ")
		default:
			b.WriteString("Assistant: ")
		}
		b.WriteString(seg.Text)
		b.WriteByte('\n')
	}
	return b.String()
}
