package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/openavatarchat/webrtc-harness/internal/engine"
	"github.com/openavatarchat/webrtc-harness/internal/guard"
	"github.com/openavatarchat/webrtc-harness/internal/metrics"
	"github.com/openavatarchat/webrtc-harness/internal/session"
)

func newTestExchange(t *testing.T, maxSessions int) (*Exchange, *engine.Mock, *session.Registry, *metrics.Metrics) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := session.NewRegistry(log, maxSessions)
	eng := engine.NewMock()
	m := metrics.New()
	return NewExchange(log, reg, eng, m), eng, reg, m
}

func validOffer() engine.Description {
	return engine.Description{Type: "offer", SDP: "v=0 fake offer"}
}

func decodeSent(t *testing.T, raw string) map[string]any {
	t.Helper()

	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("sent payload is not JSON: %v (%q)", err, raw)
	}
	return out
}

func TestExchange_HandleOffer_AttachesOpenTransport(t *testing.T) {
	x, eng, reg, m := newTestExchange(t, 0)

	answer, err := x.HandleOffer(context.Background(), validOffer(), "")
	if err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	if answer.Type != "answer" || answer.SDP != engine.MockAnswerSDP {
		t.Fatalf("unexpected answer: %#v", answer)
	}
	if reg.Len() != 1 || reg.ChannelCount() != 1 {
		t.Fatalf("registry: %d sessions, %d channels", reg.Len(), reg.ChannelCount())
	}

	tr := eng.Peers()[0].Transport()
	sent := tr.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent = %v, want one welcome message", sent)
	}
	welcome := decodeSent(t, sent[0])
	if welcome["type"] != "server_ready" {
		t.Fatalf("welcome = %v", welcome)
	}

	if m.Get(metrics.SessionsCreated) != 1 || m.Get(metrics.TransportsAttached) != 1 {
		t.Fatalf("unexpected counters: %v", m.Snapshot())
	}
}

func TestExchange_HandleOffer_RejectsBadOffer(t *testing.T) {
	x, _, reg, m := newTestExchange(t, 0)

	_, err := x.HandleOffer(context.Background(), engine.Description{Type: "answer", SDP: "v=0"}, "")
	if !errors.Is(err, engine.ErrNegotiationFailed) {
		t.Fatalf("err = %v, want ErrNegotiationFailed", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("failed negotiation left %d sessions", reg.Len())
	}
	if m.Get(metrics.NegotiationFailures) != 1 {
		t.Fatalf("negotiation failure not counted")
	}
}

func TestExchange_HandleOffer_TooManySessions(t *testing.T) {
	x, _, _, _ := newTestExchange(t, 1)

	if _, err := x.HandleOffer(context.Background(), validOffer(), ""); err != nil {
		t.Fatalf("first offer: %v", err)
	}
	_, err := x.HandleOffer(context.Background(), validOffer(), "")
	if !errors.Is(err, session.ErrTooManySessions) {
		t.Fatalf("err = %v, want ErrTooManySessions", err)
	}
}

func TestExchange_ReofferReplacesSession(t *testing.T) {
	x, eng, reg, _ := newTestExchange(t, 0)

	if _, err := x.HandleOffer(context.Background(), validOffer(), "repeat"); err != nil {
		t.Fatalf("first offer: %v", err)
	}
	if _, err := x.HandleOffer(context.Background(), validOffer(), "repeat"); err != nil {
		t.Fatalf("second offer: %v", err)
	}

	if reg.Len() != 1 {
		t.Fatalf("registry has %d sessions, want 1", reg.Len())
	}
	peers := eng.Peers()
	if len(peers) != 2 {
		t.Fatalf("engine negotiated %d peers, want 2", len(peers))
	}
	if got := peers[0].Transport().ReadyState(); got != guard.StateClosed {
		t.Fatalf("old transport state = %q, want closed", got)
	}
	if got := peers[1].Transport().ReadyState(); got != guard.StateOpen {
		t.Fatalf("new transport state = %q, want open", got)
	}
}

func TestExchange_TransportCloseRemovesSession(t *testing.T) {
	x, eng, reg, m := newTestExchange(t, 0)

	if _, err := x.HandleOffer(context.Background(), validOffer(), ""); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}

	if err := eng.Peers()[0].Transport().Close(); err != nil {
		t.Fatalf("close transport: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("session survived transport close")
	}
	if m.Get(metrics.SessionsRemoved) != 1 {
		t.Fatalf("removal not counted")
	}
}

func TestExchange_DoubleRemoveCountsOnce(t *testing.T) {
	x, _, reg, m := newTestExchange(t, 0)

	if _, err := x.HandleOffer(context.Background(), validOffer(), "dup"); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}

	// The transport close path and the WebSocket teardown path can both reach
	// remove for the same session; only the winning call may count.
	x.remove("dup")
	x.remove("dup")

	if reg.Len() != 0 {
		t.Fatalf("session survived removal")
	}
	if got := m.Get(metrics.SessionsRemoved); got != 1 {
		t.Fatalf("SessionsRemoved = %d, want 1", got)
	}
}

func TestExchange_RouteChat(t *testing.T) {
	x, eng, _, _ := newTestExchange(t, 0)

	if _, err := x.HandleOffer(context.Background(), validOffer(), ""); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	tr := eng.Peers()[0].Transport()

	tr.Deliver([]byte(`{"type":"chat","id":"msg-1","data":"hi"}`))

	sent := tr.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent = %v, want welcome + chat response", sent)
	}
	resp := decodeSent(t, sent[1])
	if resp["type"] != "chat_response" || resp["id"] != "msg-1" || resp["message"] != "Echo: hi" {
		t.Fatalf("chat response = %v", resp)
	}
}

func TestExchange_RouteChatDefaults(t *testing.T) {
	x, eng, _, _ := newTestExchange(t, 0)

	if _, err := x.HandleOffer(context.Background(), validOffer(), ""); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	tr := eng.Peers()[0].Transport()

	tr.Deliver([]byte(`{"type":"chat"}`))

	resp := decodeSent(t, tr.Sent()[1])
	if resp["message"] != "Echo: No data" {
		t.Fatalf("message = %v, want Echo: No data", resp["message"])
	}
	if id, _ := resp["id"].(string); id == "" {
		t.Fatalf("chat response without id should get a generated one: %v", resp)
	}
}

func TestExchange_RouteStopChat(t *testing.T) {
	x, eng, _, _ := newTestExchange(t, 0)

	if _, err := x.HandleOffer(context.Background(), validOffer(), ""); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	tr := eng.Peers()[0].Transport()

	tr.Deliver([]byte(`{"type":"stop_chat"}`))

	resp := decodeSent(t, tr.Sent()[1])
	if resp["type"] != "chat_stopped" || resp["message"] != "Chat stopped" {
		t.Fatalf("stop response = %v", resp)
	}
}

func TestExchange_RouteTestReportsChannelState(t *testing.T) {
	x, eng, _, _ := newTestExchange(t, 0)

	if _, err := x.HandleOffer(context.Background(), validOffer(), ""); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	tr := eng.Peers()[0].Transport()

	tr.Deliver([]byte(`{"type":"test"}`))

	resp := decodeSent(t, tr.Sent()[1])
	if resp["type"] != "test_response" || resp["channel_state"] != "open" {
		t.Fatalf("test response = %v", resp)
	}
	ts, _ := resp["timestamp"].(string)
	if _, err := time.Parse(time.RFC3339, ts); err != nil {
		t.Fatalf("timestamp %q not RFC3339: %v", ts, err)
	}
}

func TestExchange_RouteEchoesUnknownTypes(t *testing.T) {
	x, eng, _, _ := newTestExchange(t, 0)

	if _, err := x.HandleOffer(context.Background(), validOffer(), ""); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	tr := eng.Peers()[0].Transport()

	tr.Deliver([]byte(`{"type":"ping","nonce":42}`))

	resp := decodeSent(t, tr.Sent()[1])
	if resp["type"] != "echo" {
		t.Fatalf("echo response = %v", resp)
	}
	original, _ := resp["original"].(map[string]any)
	if original["type"] != "ping" || original["nonce"] != float64(42) {
		t.Fatalf("echoed original = %v", original)
	}
}

func TestExchange_RouteInvalidJSON(t *testing.T) {
	x, eng, reg, m := newTestExchange(t, 0)

	if _, err := x.HandleOffer(context.Background(), validOffer(), ""); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	tr := eng.Peers()[0].Transport()

	tr.Deliver([]byte(`not json at all`))

	resp := decodeSent(t, tr.Sent()[1])
	if resp["type"] != "error" || !strings.Contains(resp["message"].(string), "Invalid JSON") {
		t.Fatalf("error response = %v", resp)
	}
	if m.Get(metrics.ParseErrors) != 1 {
		t.Fatalf("parse error not counted")
	}
	if reg.Len() != 1 {
		t.Fatalf("parse error must not tear the session down")
	}
}
