package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/openavatarchat/webrtc-harness/internal/engine"
	"github.com/openavatarchat/webrtc-harness/internal/metrics"
	"github.com/openavatarchat/webrtc-harness/internal/session"
)

// Config wires together the runtime dependencies for the signaling surface.
type Config struct {
	Log      *slog.Logger
	Exchange *Exchange
	Registry *session.Registry
	Metrics  *metrics.Metrics

	// ICEServers is what /config advertises to browser clients. It should
	// match what the engine actually negotiates with.
	ICEServers []webrtc.ICEServer

	Version string

	// WebSocket inbound signaling hardening.
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
}

// Server implements the harness HTTP/WebSocket signaling surface.
//
// Endpoints:
//   - GET  /                          : endpoint index page
//   - GET  /config                    : RTC configuration for browser clients
//   - GET  /openavatarchat/initconfig : alias of /config
//   - POST /webrtc/offer              : HTTP offer -> answer (non-trickle)
//   - GET  /webrtc/signal             : WebSocket signaling with trickle ICE
//   - GET/POST /test                  : guarded-send DataChannel test
//   - GET  /status                    : session and channel summary
type Server struct {
	log      *slog.Logger
	exchange *Exchange
	registry *session.Registry
	metrics  *metrics.Metrics

	iceServers []webrtc.ICEServer
	version    string

	maxSignalingMessageBytes      int64
	maxSignalingMessagesPerSecond int
}

func NewServer(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Server{
		log:      log,
		exchange: cfg.Exchange,
		registry: cfg.Registry,
		metrics:  m,

		iceServers: cfg.ICEServers,
		version:    cfg.Version,

		maxSignalingMessageBytes:      cfg.MaxSignalingMessageBytes,
		maxSignalingMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("GET /openavatarchat/initconfig", s.handleConfig)

	mux.HandleFunc("POST /webrtc/offer", s.handleOffer)
	mux.HandleFunc("GET /webrtc/signal", s.handleWebSocketSignal)

	mux.HandleFunc("GET /test", s.handleChannelTest)
	mux.HandleFunc("POST /test", s.handleChannelTest)

	mux.HandleFunc("GET /status", s.handleStatus)
}

// Handler builds a standalone mux, mainly for tests. The production binary
// registers routes on httpserver's mux via RegisterRoutes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

const indexPage = `<!DOCTYPE html>
<html>
<head><title>WebRTC DataChannel Harness</title></head>
<body>
    <h1>WebRTC DataChannel Harness</h1>
    <p>Server endpoints:</p>
    <ul>
        <li><code>GET /config</code> - RTC configuration</li>
        <li><code>POST /webrtc/offer</code> - WebRTC signaling</li>
        <li><code>GET /webrtc/signal</code> - WebSocket signaling</li>
        <li><code>GET /status</code> - Server status</li>
        <li><code>GET /test</code> - DataChannel send test</li>
    </ul>
</body>
</html>
`

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexPage))
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	s.log.Info("configuration requested", "path", r.URL.Path)
	writeJSON(w, http.StatusOK, map[string]any{
		"rtc_configuration": map[string]any{
			"iceServers":           s.iceServers,
			"bundlePolicy":         "balanced",
			"iceCandidatePoolSize": 10,
			"iceTransportPolicy":   "all",
		},
		"server_info": map[string]any{
			"name":              "WebRTC DataChannel Harness",
			"version":           s.version,
			"datachannel_fixes": "enabled",
			"timestamp":         time.Now().Format(time.RFC3339),
		},
	})
}

type offerRequest struct {
	WebRTCID string `json:"webrtc_id"`
	Type     string `json:"type"`
	SDP      string `json:"sdp"`
}

// handleOffer is the non-trickle HTTP negotiation path: the answer already
// carries whatever candidates the engine gathered within its timeout.
func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	var req offerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}

	answer, err := s.exchange.HandleOffer(r.Context(), engine.Description{Type: req.Type, SDP: req.SDP}, req.WebRTCID)
	switch {
	case errors.Is(err, session.ErrTooManySessions):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	case err != nil:
		s.log.Error("offer handling failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, answer)
}

type channelTestRequest struct {
	WebRTCID string `json:"webrtc_id"`
	Message  string `json:"message"`
}

type channelTestResult struct {
	WebRTCID     string `json:"webrtc_id"`
	Success      bool   `json:"success"`
	ChannelState string `json:"channel_state"`
}

// handleChannelTest pushes a guarded test payload through one channel, or
// every channel when no id is named. It always answers 200: failed sends are
// the diagnostic result, not an error.
func (s *Server) handleChannelTest(w http.ResponseWriter, r *http.Request) {
	req := channelTestRequest{Message: "Test message from server"}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body channelTestRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
			return
		}
		req.WebRTCID = body.WebRTCID
		if body.Message != "" {
			req.Message = body.Message
		}
	}

	results := []channelTestResult{}
	if req.WebRTCID != "" {
		results = append(results, s.testOne(req.WebRTCID, req.Message, false))
	} else {
		s.registry.Each(func(sess *session.Session) {
			if sess.Transport() == nil {
				return
			}
			results = append(results, s.testOne(sess.ID(), req.Message, true))
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"test_results":   results,
		"total_channels": s.registry.ChannelCount(),
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}

func (s *Server) testOne(id, message string, broadcast bool) channelTestResult {
	result := channelTestResult{WebRTCID: id, ChannelState: "unknown"}

	sess, err := s.registry.Get(id)
	if err != nil {
		return result
	}
	t := sess.Transport()
	if t == nil {
		return result
	}

	kind := "test message to " + id
	payload := map[string]any{"type": "server_test", "message": message}
	if broadcast {
		kind = "broadcast test to " + id
		payload["type"] = "broadcast_test"
	}

	result.Success = s.exchange.trySend(t, payload, kind)
	result.ChannelState = t.ReadyState().String()
	return result
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"server":            "WebRTC DataChannel Harness",
		"status":            "running",
		"engine":            s.exchange.EngineName(),
		"connections":       s.registry.Len(),
		"data_channels":     s.registry.ChannelCount(),
		"datachannel_fixes": "enabled",
		"active_sessions":   s.registry.ActiveIDs(),
		"timestamp":         time.Now().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
