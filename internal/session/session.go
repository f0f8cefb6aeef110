package session

import (
	"sync"

	"github.com/openavatarchat/webrtc-harness/internal/guard"
)

// State is a session's lifecycle state. Transitions only move forward:
// Negotiating -> Open -> Closing -> Closed.
type State int

const (
	StateNegotiating State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// Peer is the negotiated connection handle a session owns. The engine package
// provides the concrete implementations.
type Peer interface {
	Close() error
}

// Session pairs a peer connection handle with the DataChannel handle the
// remote side opens on it. All lifecycle mutation goes through the Registry;
// the accessors here only read under the session lock.
type Session struct {
	id string

	mu        sync.Mutex
	state     State
	transport guard.Transport
	peer      Peer
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transport returns the attached DataChannel handle, or nil while the remote
// peer has not opened one.
func (s *Session) Transport() guard.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

func (s *Session) Peer() Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// advanceLocked moves the state forward. Backward moves are refused; the
// caller decides whether that is worth a warning.
func (s *Session) advanceLocked(next State) bool {
	if next <= s.state {
		return next == s.state
	}
	s.state = next
	return true
}
