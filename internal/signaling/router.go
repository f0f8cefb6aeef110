package signaling

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openavatarchat/webrtc-harness/internal/guard"
	"github.com/openavatarchat/webrtc-harness/internal/metrics"
)

// route dispatches one inbound DataChannel message. Malformed input gets a
// best-effort error payload and nothing else: this is the system's only
// input-validation branch and no failure here may escape the handler.
func (x *Exchange) route(sessionID string, t guard.Transport, data []byte) {
	x.metrics.Inc(metrics.MessagesRouted)

	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		x.metrics.Inc(metrics.ParseErrors)
		x.log.Warn("non-JSON message on transport", "session_id", sessionID, "err", err)
		x.trySend(t, map[string]any{
			"type":    "error",
			"message": "Invalid JSON",
		}, "error response")
		return
	}

	msgType, _ := msg["type"].(string)
	switch msgType {
	case "chat":
		id, _ := msg["id"].(string)
		if id == "" {
			id = uuid.NewString()
		}
		payload := msg["data"]
		if payload == nil {
			payload = "No data"
		}
		x.trySend(t, map[string]any{
			"type":    "chat_response",
			"id":      id,
			"message": fmt.Sprintf("Echo: %v", payload),
		}, "chat response")

	case "stop_chat":
		x.trySend(t, map[string]any{
			"type":    "chat_stopped",
			"message": "Chat stopped",
		}, "stop confirmation")

	case "test":
		x.trySend(t, map[string]any{
			"type":          "test_response",
			"message":       "DataChannel state checking is working!",
			"channel_state": t.ReadyState().String(),
			"timestamp":     time.Now().Format(time.RFC3339),
		}, "test response")

	default:
		x.trySend(t, map[string]any{
			"type":     "echo",
			"original": msg,
		}, "echo response")
	}
}
