package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/openavatarchat/webrtc-harness/internal/guard"
)

func TestMockNegotiate(t *testing.T) {
	e := NewMock()

	var got Transport
	peer, answer, err := e.Negotiate(context.Background(), Description{Type: "offer", SDP: "v=0"}, Callbacks{
		OnTransport: func(tr Transport) { got = tr },
	})
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if answer.Type != "answer" || answer.SDP == "" {
		t.Fatalf("unexpected answer: %#v", answer)
	}
	if got == nil {
		t.Fatalf("no transport delivered")
	}
	if got.ReadyState() != guard.StateOpen {
		t.Fatalf("transport state = %v, want open", got.ReadyState())
	}
	if peer.(*MockPeer).Transport() == nil {
		t.Fatalf("peer lost its transport handle")
	}
}

func TestMockNegotiate_RejectsBadOffer(t *testing.T) {
	e := NewMock()

	for _, tc := range []struct {
		name  string
		offer Description
	}{
		{"wrong type", Description{Type: "answer", SDP: "v=0"}},
		{"empty sdp", Description{Type: "offer"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := e.Negotiate(context.Background(), tc.offer, Callbacks{})
			if !errors.Is(err, ErrNegotiationFailed) {
				t.Fatalf("err = %v, want ErrNegotiationFailed", err)
			}
		})
	}
}

func TestScriptedTransport_LateHandlerRegistration(t *testing.T) {
	tr := NewScriptedTransport("test")
	tr.SetReadyState(guard.StateOpen)

	opened := false
	tr.OnOpen(func() { opened = true })
	if !opened {
		t.Fatalf("open handler registered after transition did not fire")
	}
}

func TestScriptedTransport_DeliverAndRecord(t *testing.T) {
	tr := NewScriptedTransport("test")
	tr.SetReadyState(guard.StateOpen)

	var inbound []string
	tr.OnMessage(func(data []byte) { inbound = append(inbound, string(data)) })
	tr.Deliver([]byte(`{"type":"chat"}`))
	tr.Deliver([]byte(`{"type":"test"}`))

	if len(inbound) != 2 || inbound[0] != `{"type":"chat"}` {
		t.Fatalf("delivery order broken: %v", inbound)
	}

	if err := tr.SendText("out"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent := tr.Sent(); len(sent) != 1 || sent[0] != "out" {
		t.Fatalf("sent = %v", sent)
	}
}

func TestMockPeerClose_ClosesTransport(t *testing.T) {
	e := NewMock()
	peer, _, err := e.Negotiate(context.Background(), Description{Type: "offer", SDP: "v=0"}, Callbacks{})
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}

	mp := peer.(*MockPeer)
	if err := mp.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if mp.Transport().ReadyState() != guard.StateClosed {
		t.Fatalf("transport not closed with peer")
	}
	// Idempotent.
	if err := mp.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
