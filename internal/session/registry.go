// Package session tracks signaling sessions and their transport handles.
//
// The Registry is the single owner of session lifecycle: every mutation
// (creation, peer/transport binding, state advancement, removal) goes through
// its methods, and no component holds a private copy of session state.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/openavatarchat/webrtc-harness/internal/guard"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrTooManySessions = errors.New("too many sessions")
)

type Registry struct {
	log         *slog.Logger
	maxSessions int

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry builds an empty registry. maxSessions <= 0 means unlimited.
func NewRegistry(log *slog.Logger, maxSessions int) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:         log,
		maxSessions: maxSessions,
		sessions:    make(map[string]*Session),
	}
}

// Create inserts a new session in the negotiating state. When explicitID is
// empty a fresh identifier is generated. A collision on a generated id is an
// internal invariant violation, not a user-facing error; a collision on an
// explicit id means the caller failed to resolve the existing session first.
func (r *Registry) Create(explicitID string) (*Session, error) {
	id := explicitID
	if id == "" {
		id = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		return nil, ErrTooManySessions
	}
	if _, ok := r.sessions[id]; ok {
		return nil, fmt.Errorf("session id %q already registered", id)
	}

	sess := &Session{id: id, state: StateNegotiating}
	r.sessions[id] = sess
	return sess, nil
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// BindPeer attaches the negotiated connection handle to a session.
func (r *Registry) BindPeer(id string, p Peer) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	sess.mu.Lock()
	sess.peer = p
	sess.mu.Unlock()
	return nil
}

// AttachTransport binds a DataChannel handle to an existing session. At most
// one channel is expected per session; a replacement closes the prior handle
// and logs a warning rather than leaking it.
func (r *Registry) AttachTransport(id string, t guard.Transport) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	sess.mu.Lock()
	old := sess.transport
	sess.transport = t
	sess.mu.Unlock()

	if old != nil {
		r.log.Warn("replacing existing transport handle", "session_id", id, "label", old.Label())
		_ = old.Close()
	}
	return nil
}

// Advance moves a session's state forward. Backward transitions are refused
// with a warning; re-asserting the current state is a no-op.
func (r *Registry) Advance(id string, next State) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	sess.mu.Lock()
	ok = sess.advanceLocked(next)
	current := sess.state
	sess.mu.Unlock()

	if !ok {
		r.log.Warn("refusing backward session state transition",
			"session_id", id, "state", current.String(), "requested", next.String())
	}
	return nil
}

// Remove deletes a session, marks it closed and releases its handles. It is
// idempotent: removing an unknown id is a no-op. The return value reports
// whether this call deleted the session, so racing close paths can each call
// Remove and still account for the removal exactly once.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return false
	}

	sess.mu.Lock()
	sess.advanceLocked(StateClosed)
	t := sess.transport
	p := sess.peer
	sess.transport = nil
	sess.peer = nil
	sess.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
	if p != nil {
		_ = p.Close()
	}
	return true
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ChannelCount reports how many sessions currently have a transport attached.
func (r *Registry) ChannelCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, sess := range r.sessions {
		if sess.Transport() != nil {
			n++
		}
	}
	return n
}

// ActiveIDs returns the ids of sessions with an attached transport.
func (r *Registry) ActiveIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id, sess := range r.sessions {
		if sess.Transport() != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// Each invokes fn for every registered session. fn must not call back into
// mutating registry methods.
func (r *Registry) Each(fn func(*Session)) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	for _, sess := range sessions {
		fn(sess)
	}
}

// CloseAll removes every session. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Remove(id)
	}
}
