// Package engine abstracts the external WebRTC engine behind a small
// capability interface. The harness core never touches ICE, SDP or media
// itself: it hands an offer to an Engine and gets back an answer plus a peer
// handle, and later receives transport handles through callbacks.
//
// Two implementations exist: Pion (the real engine) and Mock (a deterministic
// fixture). Callers pick one at construction time.
package engine

import (
	"context"
	"errors"

	"github.com/openavatarchat/webrtc-harness/internal/guard"
)

// ErrNegotiationFailed wraps engine-side rejection of an offer (malformed
// SDP, unsupported media and so on). It is reported to the caller, never
// retried locally.
var ErrNegotiationFailed = errors.New("negotiation failed")

// Description is a JSON-friendly session description.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is a trickle ICE candidate in the browser's JSON shape.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Transport extends the guard's send handle with lifecycle event
// registration. Handlers are invoked synchronously in delivery order: open
// before any message, messages in receipt order, close terminal.
type Transport interface {
	guard.Transport
	OnOpen(func())
	OnMessage(func(data []byte))
	OnClose(func())
}

// Peer is the negotiated connection handle.
type Peer interface {
	// AddRemoteCandidate feeds a trickled remote candidate to the engine.
	AddRemoteCandidate(c Candidate) error
	Close() error
}

// Callbacks are registered before negotiation so no event is missed.
type Callbacks struct {
	// OnTransport fires when the remote peer establishes a DataChannel.
	OnTransport func(Transport)

	// OnLocalCandidate, when non-nil, enables trickle ICE: local candidates
	// are delivered as they are gathered and Negotiate does not wait for
	// gathering to complete.
	OnLocalCandidate func(Candidate)

	// OnPeerClosed fires when the engine tears the connection down on its own
	// (ICE failure, remote close).
	OnPeerClosed func()
}

// Engine negotiates sessions. The implementation owns ICE gathering and SDP
// construction entirely.
type Engine interface {
	// Name identifies the implementation ("pion" or "mock") for diagnostics.
	Name() string

	// Negotiate consumes an offer and produces a locally generated answer.
	// Errors satisfying errors.Is(err, ErrNegotiationFailed) indicate the
	// offer was rejected.
	Negotiate(ctx context.Context, offer Description, cb Callbacks) (Peer, Description, error)
}
