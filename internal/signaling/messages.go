package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/openavatarchat/webrtc-harness/internal/engine"
)

type messageType string

const (
	messageTypeOffer     messageType = "offer"
	messageTypeAnswer    messageType = "answer"
	messageTypeCandidate messageType = "candidate"
	messageTypeClose     messageType = "close"
	messageTypeError     messageType = "error"
)

// signalMessage is the WebSocket signaling envelope. Exactly one payload
// field is populated per type; parse rejects anything else.
type signalMessage struct {
	Type      messageType         `json:"type"`
	SDP       *engine.Description `json:"sdp,omitempty"`
	Candidate *engine.Candidate   `json:"candidate,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func parseSignalMessage(data []byte) (signalMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg signalMessage
	if err := dec.Decode(&msg); err != nil {
		return signalMessage{}, err
	}
	if err := msg.validate(); err != nil {
		return signalMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return signalMessage{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m signalMessage) validate() error {
	switch m.Type {
	case messageTypeOffer:
		if m.SDP == nil {
			return fmt.Errorf("offer message missing sdp")
		}
		if m.SDP.Type != "offer" {
			return fmt.Errorf("offer message has sdp.type=%q", m.SDP.Type)
		}
		if m.Candidate != nil || m.Code != "" || m.Message != "" {
			return fmt.Errorf("offer message has unexpected fields")
		}
	case messageTypeAnswer:
		if m.SDP == nil {
			return fmt.Errorf("answer message missing sdp")
		}
		if m.SDP.Type != "answer" {
			return fmt.Errorf("answer message has sdp.type=%q", m.SDP.Type)
		}
		if m.Candidate != nil || m.Code != "" || m.Message != "" {
			return fmt.Errorf("answer message has unexpected fields")
		}
	case messageTypeCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("candidate message missing candidate")
		}
		if m.SDP != nil || m.Code != "" || m.Message != "" {
			return fmt.Errorf("candidate message has unexpected fields")
		}
	case messageTypeClose:
		if m.SDP != nil || m.Candidate != nil || m.Code != "" || m.Message != "" {
			return fmt.Errorf("close message has unexpected fields")
		}
	case messageTypeError:
		if m.Code == "" || m.Message == "" {
			return fmt.Errorf("error message missing code/message")
		}
		if m.SDP != nil || m.Candidate != nil {
			return fmt.Errorf("error message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}
