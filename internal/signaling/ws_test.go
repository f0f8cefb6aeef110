package signaling

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openavatarchat/webrtc-harness/internal/config"
	"github.com/openavatarchat/webrtc-harness/internal/engine"
	"github.com/openavatarchat/webrtc-harness/internal/httpserver"
	"github.com/openavatarchat/webrtc-harness/internal/metrics"
)

func dialSignal(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/webrtc/signal"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readSignal(t *testing.T, conn *websocket.Conn) signalMessage {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read signal message: %v", err)
	}
	msg, err := parseSignalMessage(raw)
	if err != nil {
		t.Fatalf("parse signal message: %v (%s)", err, raw)
	}
	return msg
}

func wsOffer() signalMessage {
	return signalMessage{
		Type: messageTypeOffer,
		SDP:  &engine.Description{Type: "offer", SDP: "v=0 fake offer"},
	}
}

func TestWebSocketSignal_OfferAnswer(t *testing.T) {
	h := newTestHarness(t, 0)
	conn := dialSignal(t, h.ts)

	if err := conn.WriteJSON(wsOffer()); err != nil {
		t.Fatalf("send offer: %v", err)
	}

	msg := readSignal(t, conn)
	if msg.Type != messageTypeAnswer {
		t.Fatalf("message = %#v, want answer", msg)
	}
	if msg.SDP == nil || msg.SDP.SDP != engine.MockAnswerSDP {
		t.Fatalf("unexpected answer sdp: %#v", msg.SDP)
	}
	if h.registry.Len() != 1 {
		t.Fatalf("registry has %d sessions, want 1", h.registry.Len())
	}
}

func TestWebSocketSignal_SecondOfferRejected(t *testing.T) {
	h := newTestHarness(t, 0)
	conn := dialSignal(t, h.ts)

	if err := conn.WriteJSON(wsOffer()); err != nil {
		t.Fatalf("send offer: %v", err)
	}
	if msg := readSignal(t, conn); msg.Type != messageTypeAnswer {
		t.Fatalf("first response = %#v, want answer", msg)
	}

	if err := conn.WriteJSON(wsOffer()); err != nil {
		t.Fatalf("send second offer: %v", err)
	}
	msg := readSignal(t, conn)
	if msg.Type != messageTypeError || msg.Code != "unexpected_message" {
		t.Fatalf("second response = %#v, want unexpected_message error", msg)
	}
}

func TestWebSocketSignal_CandidateBeforeOfferRejected(t *testing.T) {
	h := newTestHarness(t, 0)
	conn := dialSignal(t, h.ts)

	cand := engine.Candidate{Candidate: "candidate:1 1 udp 1 192.0.2.1 3478 typ host"}
	if err := conn.WriteJSON(signalMessage{Type: messageTypeCandidate, Candidate: &cand}); err != nil {
		t.Fatalf("send candidate: %v", err)
	}

	msg := readSignal(t, conn)
	if msg.Type != messageTypeError || msg.Code != "unexpected_message" {
		t.Fatalf("response = %#v, want unexpected_message error", msg)
	}
}

func TestWebSocketSignal_CandidateAfterOfferAccepted(t *testing.T) {
	h := newTestHarness(t, 0)
	conn := dialSignal(t, h.ts)

	if err := conn.WriteJSON(wsOffer()); err != nil {
		t.Fatalf("send offer: %v", err)
	}
	if msg := readSignal(t, conn); msg.Type != messageTypeAnswer {
		t.Fatalf("first response = %#v, want answer", msg)
	}

	cand := engine.Candidate{Candidate: "candidate:1 1 udp 1 192.0.2.1 3478 typ host"}
	if err := conn.WriteJSON(signalMessage{Type: messageTypeCandidate, Candidate: &cand}); err != nil {
		t.Fatalf("send candidate: %v", err)
	}

	// The mock peer swallows candidates; the connection must stay usable.
	if err := conn.WriteJSON(signalMessage{Type: messageTypeClose}); err != nil {
		t.Fatalf("send close: %v", err)
	}
	waitForSessionCount(t, h, 0)
}

func TestWebSocketSignal_RejectsUnknownFields(t *testing.T) {
	h := newTestHarness(t, 0)
	conn := dialSignal(t, h.ts)

	raw := `{"type":"offer","sdp":{"type":"offer","sdp":"v=0"},"extra":true}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("send message: %v", err)
	}

	msg := readSignal(t, conn)
	if msg.Type != messageTypeError || msg.Code != "bad_message" {
		t.Fatalf("response = %#v, want bad_message error", msg)
	}
	if h.registry.Len() != 0 {
		t.Fatalf("rejected message created a session")
	}
}

func TestWebSocketSignal_RejectsBinary(t *testing.T) {
	h := newTestHarness(t, 0)
	conn := dialSignal(t, h.ts)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("send binary: %v", err)
	}

	msg := readSignal(t, conn)
	if msg.Type != messageTypeError || msg.Code != "bad_message" {
		t.Fatalf("response = %#v, want bad_message error", msg)
	}
}

func TestWebSocketSignal_CloseTearsDownSession(t *testing.T) {
	h := newTestHarness(t, 0)
	conn := dialSignal(t, h.ts)

	if err := conn.WriteJSON(wsOffer()); err != nil {
		t.Fatalf("send offer: %v", err)
	}
	if msg := readSignal(t, conn); msg.Type != messageTypeAnswer {
		t.Fatalf("response = %#v, want answer", msg)
	}
	if h.registry.Len() != 1 {
		t.Fatalf("registry has %d sessions, want 1", h.registry.Len())
	}

	if err := conn.WriteJSON(signalMessage{Type: messageTypeClose}); err != nil {
		t.Fatalf("send close: %v", err)
	}
	waitForSessionCount(t, h, 0)
}

func TestWebSocketSignal_RateLimited(t *testing.T) {
	x, _, reg, m := newTestExchange(t, 0)
	srv := NewServer(Config{
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Exchange: x,
		Registry: reg,
		Metrics:  m,

		ICEServers: config.DefaultICEServers(),
		Version:    "test",

		MaxSignalingMessageBytes:      config.DefaultMaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: 1,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	conn := dialSignal(t, ts)

	if err := conn.WriteJSON(wsOffer()); err != nil {
		t.Fatalf("send offer: %v", err)
	}
	if msg := readSignal(t, conn); msg.Type != messageTypeAnswer {
		t.Fatalf("first response = %#v, want answer", msg)
	}

	// Accepted candidates produce no response, so the first message read back
	// is the rate limit rejection even if the bucket refills mid-burst.
	cand := engine.Candidate{Candidate: "candidate:1 1 udp 1 192.0.2.1 3478 typ host"}
	for i := 0; i < 10; i++ {
		if err := conn.WriteJSON(signalMessage{Type: messageTypeCandidate, Candidate: &cand}); err != nil {
			t.Fatalf("send candidate: %v", err)
		}
	}

	msg := readSignal(t, conn)
	if msg.Type != messageTypeError || msg.Code != "rate_limited" {
		t.Fatalf("response = %#v, want rate_limited error", msg)
	}
	if m.Get(metrics.SignalingRateLimited) == 0 {
		t.Fatalf("rate limit rejection not counted")
	}
}

// The upgrade must work through httpserver's middleware chain, where the
// request logger wraps the ResponseWriter and hijacking goes through Unwrap.
func TestWebSocketSignal_ThroughMiddlewareChain(t *testing.T) {
	x, _, reg, m := newTestExchange(t, 0)
	sig := NewServer(Config{
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Exchange: x,
		Registry: reg,
		Metrics:  m,

		ICEServers: config.DefaultICEServers(),
		Version:    "test",

		MaxSignalingMessageBytes:      config.DefaultMaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: config.DefaultMaxSignalingMessagesPerSecond,
	})

	hs := httpserver.New(config.Config{ListenAddr: "127.0.0.1:0"},
		slog.New(slog.NewTextHandler(io.Discard, nil)), httpserver.BuildInfo{Version: "test"})
	sig.RegisterRoutes(hs.Mux())
	ts := httptest.NewServer(hs.Handler())
	t.Cleanup(ts.Close)

	conn := dialSignal(t, ts)

	if err := conn.WriteJSON(wsOffer()); err != nil {
		t.Fatalf("send offer: %v", err)
	}
	msg := readSignal(t, conn)
	if msg.Type != messageTypeAnswer {
		t.Fatalf("response = %#v, want answer", msg)
	}
	if reg.Len() != 1 {
		t.Fatalf("registry has %d sessions, want 1", reg.Len())
	}

	if err := conn.WriteJSON(signalMessage{Type: messageTypeClose}); err != nil {
		t.Fatalf("send close: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for reg.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if reg.Len() != 0 {
		t.Fatalf("session survived close through middleware chain")
	}
}

// Session teardown after a close message is asynchronous relative to the
// client's write, so poll with a deadline.
func waitForSessionCount(t *testing.T, h *testHarness, want int) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.registry.Len() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("registry has %d sessions, want %d", h.registry.Len(), want)
}
