package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openavatarchat/webrtc-harness/internal/engine"
	"github.com/openavatarchat/webrtc-harness/internal/metrics"
	"github.com/openavatarchat/webrtc-harness/internal/ratelimit"
	"github.com/openavatarchat/webrtc-harness/internal/session"
)

const wsWriteWait = 1 * time.Second

func (s *Server) handleWebSocketSignal(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		// The harness is a diagnostic tool meant to be poked from anywhere.
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ws := &wsSession{
		srv:  s,
		conn: conn,
		req:  r,
		limiter: ratelimit.NewTokenBucket(
			ratelimit.RealClock{},
			int64(s.maxSignalingMessagesPerSecond),
			int64(s.maxSignalingMessagesPerSecond),
		),
		maxMessageBytes: s.maxSignalingMessageBytes,
	}
	ws.run()
}

// wsSession is one signaling WebSocket: at most one offer, then trickled
// candidates in both directions until either side closes.
type wsSession struct {
	srv  *Server
	conn *websocket.Conn
	req  *http.Request

	limiter         *ratelimit.TokenBucket
	maxMessageBytes int64

	sess *session.Session

	writeMu sync.Mutex

	// Local candidates gathered before the answer goes out are buffered so
	// the client never sees a candidate for an answer it does not have yet.
	answerMu   sync.Mutex
	answerSent bool
	candBuf    []engine.Candidate

	closeOnce sync.Once
}

func (wss *wsSession) run() {
	defer wss.Close()

	wss.conn.SetReadLimit(wss.maxMessageBytes)

	var haveOffer bool
	for {
		msgType, data, err := wss.conn.ReadMessage()
		if err != nil {
			return
		}
		// Rate limit after reading so bytes already in the TCP receive buffer
		// are consumed. Closing with unread data risks an abortive close that
		// hides the close code from the client.
		if wss.limiter != nil && !wss.limiter.Allow(1) {
			wss.srv.metrics.Inc(metrics.SignalingRateLimited)
			_ = wss.fail("rate_limited", "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			_ = wss.fail("bad_message", "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := parseSignalMessage(data)
		if err != nil {
			_ = wss.fail("bad_message", err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}

		switch msg.Type {
		case messageTypeOffer:
			if haveOffer {
				_ = wss.fail("unexpected_message", "offer already received", websocket.ClosePolicyViolation, "unexpected message")
				return
			}
			haveOffer = true
			if err := wss.handleOffer(*msg.SDP); err != nil {
				return
			}
		case messageTypeCandidate:
			if !haveOffer {
				_ = wss.fail("unexpected_message", "candidate received before offer", websocket.ClosePolicyViolation, "unexpected message")
				return
			}
			if err := wss.handleRemoteCandidate(*msg.Candidate); err != nil {
				_ = wss.fail("bad_message", err.Error(), websocket.ClosePolicyViolation, "bad message")
				return
			}
		case messageTypeClose:
			return
		default:
			_ = wss.fail("bad_message", fmt.Sprintf("unexpected message type %q", msg.Type), websocket.ClosePolicyViolation, "bad message")
			return
		}
	}
}

func (wss *wsSession) handleOffer(offer engine.Description) error {
	onLocalCandidate := func(cand engine.Candidate) {
		wss.answerMu.Lock()
		if !wss.answerSent {
			wss.candBuf = append(wss.candBuf, cand)
			wss.answerMu.Unlock()
			return
		}
		wss.answerMu.Unlock()

		_ = wss.send(signalMessage{
			Type:      messageTypeCandidate,
			Candidate: &cand,
		})
	}

	sess, answer, err := wss.srv.exchange.negotiate(wss.req.Context(), offer, "", onLocalCandidate)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrTooManySessions):
		return wss.fail("too_many_sessions", "too many sessions", websocket.ClosePolicyViolation, "too many sessions")
	case errors.Is(err, engine.ErrNegotiationFailed):
		return wss.fail("bad_message", err.Error(), websocket.ClosePolicyViolation, "bad message")
	default:
		return wss.fail("internal_error", err.Error(), websocket.CloseInternalServerErr, "internal error")
	}
	wss.sess = sess

	if err := wss.send(signalMessage{
		Type: messageTypeAnswer,
		SDP:  &answer,
	}); err != nil {
		return err
	}

	wss.answerMu.Lock()
	wss.answerSent = true
	buffered := wss.candBuf
	wss.candBuf = nil
	wss.answerMu.Unlock()

	for i := range buffered {
		cand := buffered[i]
		_ = wss.send(signalMessage{
			Type:      messageTypeCandidate,
			Candidate: &cand,
		})
	}

	return nil
}

func (wss *wsSession) handleRemoteCandidate(cand engine.Candidate) error {
	if cand.Candidate == "" {
		return nil
	}
	peer, ok := wss.sess.Peer().(engine.Peer)
	if !ok || peer == nil {
		return fmt.Errorf("session has no negotiated peer")
	}
	return peer.AddRemoteCandidate(cand)
}

func (wss *wsSession) send(msg signalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()
	_ = wss.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return wss.conn.WriteMessage(websocket.TextMessage, data)
}

// fail sends a best-effort error payload, then closes the socket politely.
// The returned error only signals the caller to stop the read loop.
func (wss *wsSession) fail(code, message string, closeCode int, closeReason string) error {
	_ = wss.send(signalMessage{
		Type:    messageTypeError,
		Code:    code,
		Message: message,
	})
	wss.closeWith(closeCode, closeReason)
	return fmt.Errorf("%s: %s", code, message)
}

func (wss *wsSession) closeWith(code int, reason string) {
	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()
	_ = wss.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

// Close tears down the signaling socket and the session it negotiated. The
// session may already be gone when the transport close path won the race.
func (wss *wsSession) Close() {
	wss.closeOnce.Do(func() {
		if wss.sess != nil {
			wss.srv.exchange.remove(wss.sess.ID())
		}
		_ = wss.conn.Close()
	})
}
