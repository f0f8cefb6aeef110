// Package guard implements the DataChannel send guard.
//
// WebRTC DataChannels can transition to closing/closed asynchronously between
// the moment a caller decides to send and the moment the send executes. Naive
// code that calls Send unconditionally hits an invalid-state error from the
// transport. TrySend converts that failure mode into a quiet boolean result;
// retry policy, if any, belongs to the caller.
package guard

import "log/slog"

// State is a transport handle's ready state. StateUnknown covers handles that
// cannot report a ready state at all.
type State string

const (
	StateUnknown    State = ""
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

func (s State) String() string {
	if s == StateUnknown {
		return "unknown"
	}
	return string(s)
}

// Transport is the minimal handle TrySend operates on. Both the pion
// DataChannel adapter and the scripted mock transport implement it.
type Transport interface {
	Label() string
	ReadyState() State
	SendText(data string) error
	Close() error
}

// TrySend sends payload over t if, and only if, t is ready for it.
//
// It fails closed: a nil handle, an unknown ready state, any state other than
// open, or a transmit error all yield false. Send failures are never
// propagated to the caller. kind describes the payload for logging ("welcome
// message", "chat response", ...). A nil log falls back to slog.Default().
//
// Exactly one log line is emitted per call, recording success or the specific
// rejection reason.
func TrySend(log *slog.Logger, t Transport, payload any, kind string) bool {
	if log == nil {
		log = slog.Default()
	}

	if t == nil {
		log.Warn("cannot send: no transport handle", "kind", kind)
		return false
	}

	state := t.ReadyState()
	if state == StateUnknown {
		log.Warn("cannot send: transport does not report a ready state",
			"kind", kind, "label", t.Label())
		return false
	}
	if state != StateOpen {
		log.Warn("cannot send: transport not open",
			"kind", kind, "label", t.Label(), "state", state.String())
		return false
	}

	text, err := Encode(payload)
	if err != nil {
		log.Warn("cannot send: payload not encodable",
			"kind", kind, "label", t.Label(), "err", err)
		return false
	}

	if err := t.SendText(text); err != nil {
		log.Error("send failed", "kind", kind, "label", t.Label(), "err", err)
		return false
	}

	log.Info("sent", "kind", kind, "label", t.Label())
	return true
}
