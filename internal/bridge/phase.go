package bridge

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned by [Transition] when a trigger does not
// apply to the current phase.
var ErrInvalidTransition = errors.New("bridge: invalid phase transition")

// Phase is the lifecycle position of one call.
type Phase int32

const (
	// PhaseConnecting is the phase before the telephony connection is accepted.
	PhaseConnecting Phase = iota

	// PhaseAwaitingStreamStart waits for the telephony start event. The AI leg
	// is dialled concurrently.
	PhaseAwaitingStreamStart

	// PhaseInitializing has stream and call identifiers and waits for the AI
	// leg, the startup delay and the resolved instructions.
	PhaseInitializing

	// PhaseActive relays audio and watches for barge-in and farewells.
	PhaseActive

	// PhaseFinalizing runs the summary exchange. Outbound audio still plays;
	// inbound audio is no longer forwarded.
	PhaseFinalizing

	// PhaseClosed is terminal. Both legs are closed.
	PhaseClosed
)

// String returns the upper-case phase name used in logs.
func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "CONNECTING"
	case PhaseAwaitingStreamStart:
		return "AWAITING_STREAM_START"
	case PhaseInitializing:
		return "INITIALIZING"
	case PhaseActive:
		return "ACTIVE"
	case PhaseFinalizing:
		return "FINALIZING"
	case PhaseClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("Phase(%d)", int32(p))
	}
}

// Trigger is an event that may move a call to another phase.
type Trigger int

const (
	// TriggerAccepted fires when the telephony websocket is accepted.
	TriggerAccepted Trigger = iota

	// TriggerStreamStarted fires on the telephony start event.
	TriggerStreamStarted

	// TriggerConfigured fires once session.update and the opening turn are sent.
	TriggerConfigured

	// TriggerDurationLimit fires when the per-call wall-clock limit expires.
	TriggerDurationLimit

	// TriggerFarewell fires once a farewell was detected and playout settled.
	TriggerFarewell

	// TriggerEndRequested fires on an explicit end signal, e.g. shutdown.
	TriggerEndRequested

	// TriggerFinalized fires when the summary exchange completed or timed out.
	TriggerFinalized

	// TriggerLegClosed fires when either leg closes or fails.
	TriggerLegClosed
)

// String returns the trigger name used in logs.
func (t Trigger) String() string {
	switch t {
	case TriggerAccepted:
		return "accepted"
	case TriggerStreamStarted:
		return "stream_started"
	case TriggerConfigured:
		return "configured"
	case TriggerDurationLimit:
		return "duration_limit"
	case TriggerFarewell:
		return "farewell"
	case TriggerEndRequested:
		return "end_requested"
	case TriggerFinalized:
		return "finalized"
	case TriggerLegClosed:
		return "leg_closed"
	default:
		return fmt.Sprintf("Trigger(%d)", int(t))
	}
}

// Transition returns the phase that follows p on trigger t. It has no side
// effects. Triggers that do not apply to p return p unchanged and an error
// wrapping [ErrInvalidTransition].
func Transition(p Phase, t Trigger) (Phase, error) {
	if p == PhaseClosed {
		return p, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, t, p)
	}
	if t == TriggerLegClosed {
		return PhaseClosed, nil
	}

	switch {
	case p == PhaseConnecting && t == TriggerAccepted:
		return PhaseAwaitingStreamStart, nil
	case p == PhaseAwaitingStreamStart && t == TriggerStreamStarted:
		return PhaseInitializing, nil
	case p == PhaseInitializing && t == TriggerConfigured:
		return PhaseActive, nil
	case p == PhaseActive && t == TriggerFarewell:
		return PhaseFinalizing, nil
	case (p == PhaseInitializing || p == PhaseActive) &&
		(t == TriggerDurationLimit || t == TriggerEndRequested):
		return PhaseFinalizing, nil
	case p == PhaseFinalizing && t == TriggerFinalized:
		return PhaseClosed, nil
	}
	return p, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, t, p)
}

// relaysInbound reports whether caller audio is forwarded to the AI leg in p.
func (p Phase) relaysInbound() bool {
	return p >= PhaseAwaitingStreamStart && p < PhaseFinalizing
}

// relaysOutbound reports whether AI audio is forwarded to the caller in p.
func (p Phase) relaysOutbound() bool {
	return p == PhaseActive || p == PhaseFinalizing
}
