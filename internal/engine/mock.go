package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/openavatarchat/webrtc-harness/internal/guard"
)

// MockAnswerSDP is the canned answer the mock engine produces. It is not
// valid SDP; it only needs to be non-empty and recognizable in logs.
const MockAnswerSDP = "mock-answer-sdp-with-datachannel-support"

// Mock is a deterministic Engine fixture. It performs no networking: offers
// are shallow-validated, the answer is canned, and (when AutoTransport is
// set) an already-open scripted transport is delivered synchronously so the
// send-guard and message-routing paths can be exercised end to end.
type Mock struct {
	// AutoTransport delivers an open ScriptedTransport during Negotiate.
	AutoTransport bool

	// TransportLabel is the label of auto-delivered transports.
	TransportLabel string

	mu    sync.Mutex
	peers []*MockPeer
}

func NewMock() *Mock {
	return &Mock{AutoTransport: true, TransportLabel: "test"}
}

func (e *Mock) Name() string { return "mock" }

func (e *Mock) Negotiate(_ context.Context, offer Description, cb Callbacks) (Peer, Description, error) {
	if offer.Type != "offer" {
		return nil, Description{}, fmt.Errorf("%w: sdp type %q, expected \"offer\"", ErrNegotiationFailed, offer.Type)
	}
	if offer.SDP == "" {
		return nil, Description{}, fmt.Errorf("%w: empty sdp", ErrNegotiationFailed)
	}

	peer := &MockPeer{onClosed: cb.OnPeerClosed}

	if e.AutoTransport {
		t := NewScriptedTransport(e.TransportLabel)
		peer.transport = t
		if cb.OnTransport != nil {
			cb.OnTransport(t)
		}
		t.SetReadyState(guard.StateOpen)
	}

	e.mu.Lock()
	e.peers = append(e.peers, peer)
	e.mu.Unlock()

	return peer, Description{Type: "answer", SDP: MockAnswerSDP}, nil
}

// Peers returns every peer negotiated so far, in order. Test helper.
func (e *Mock) Peers() []*MockPeer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*MockPeer(nil), e.peers...)
}

type MockPeer struct {
	mu        sync.Mutex
	closed    bool
	transport *ScriptedTransport
	onClosed  func()
}

func (p *MockPeer) AddRemoteCandidate(Candidate) error { return nil }

// Transport returns the auto-delivered transport, or nil.
func (p *MockPeer) Transport() *ScriptedTransport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transport
}

func (p *MockPeer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	t := p.transport
	p.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
	return nil
}

// ScriptedTransport is an in-memory Transport with a controllable ready state
// and recorded sends. Lifecycle handlers run synchronously; a handler
// registered after the corresponding transition already happened is invoked
// immediately, which keeps mock negotiation order-independent.
type ScriptedTransport struct {
	label string

	mu        sync.Mutex
	state     guard.State
	sent      []string
	sendErr   error
	onOpen    func()
	onMessage func(data []byte)
	onClose   func()
}

func NewScriptedTransport(label string) *ScriptedTransport {
	return &ScriptedTransport{label: label, state: guard.StateConnecting}
}

func (t *ScriptedTransport) Label() string { return t.label }

func (t *ScriptedTransport) ReadyState() guard.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetReadyState transitions the scripted handle, firing open/close handlers.
func (t *ScriptedTransport) SetReadyState(state guard.State) {
	t.mu.Lock()
	t.state = state
	var fire func()
	switch state {
	case guard.StateOpen:
		fire = t.onOpen
	case guard.StateClosed:
		fire = t.onClose
	}
	t.mu.Unlock()

	if fire != nil {
		fire()
	}
}

func (t *ScriptedTransport) SendText(data string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	if t.state != guard.StateOpen {
		return fmt.Errorf("transport %q is %s", t.label, t.state)
	}
	t.sent = append(t.sent, data)
	return nil
}

// FailSends makes subsequent SendText calls return err.
func (t *ScriptedTransport) FailSends(err error) {
	t.mu.Lock()
	t.sendErr = err
	t.mu.Unlock()
}

// Sent returns a copy of everything transmitted so far.
func (t *ScriptedTransport) Sent() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.sent...)
}

func (t *ScriptedTransport) Close() error {
	t.SetReadyState(guard.StateClosed)
	return nil
}

func (t *ScriptedTransport) OnOpen(fn func()) {
	t.mu.Lock()
	t.onOpen = fn
	open := t.state == guard.StateOpen
	t.mu.Unlock()

	if open && fn != nil {
		fn()
	}
}

func (t *ScriptedTransport) OnMessage(fn func(data []byte)) {
	t.mu.Lock()
	t.onMessage = fn
	t.mu.Unlock()
}

func (t *ScriptedTransport) OnClose(fn func()) {
	t.mu.Lock()
	t.onClose = fn
	closed := t.state == guard.StateClosed
	t.mu.Unlock()

	if closed && fn != nil {
		fn()
	}
}

// Deliver feeds an inbound message to the registered message handler, in call
// order, mirroring a remote send.
func (t *ScriptedTransport) Deliver(data []byte) {
	t.mu.Lock()
	fn := t.onMessage
	t.mu.Unlock()

	if fn != nil {
		fn(data)
	}
}
