package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/openavatarchat/webrtc-harness/internal/guard"
)

// PionConfig carries the engine knobs the server config exposes.
type PionConfig struct {
	ICEServers []webrtc.ICEServer

	// GatheringTimeout bounds how long Negotiate waits for candidate gathering
	// when trickle ICE is not in use.
	GatheringTimeout time.Duration

	Logger *slog.Logger
}

// Pion adapts github.com/pion/webrtc to the Engine interface.
type Pion struct {
	api              *webrtc.API
	iceServers       []webrtc.ICEServer
	gatheringTimeout time.Duration
}

func NewPion(cfg PionConfig) *Pion {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	se := webrtc.SettingEngine{
		LoggerFactory: newSlogLoggerFactory(log),
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	timeout := cfg.GatheringTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return &Pion{
		api:              api,
		iceServers:       cfg.ICEServers,
		gatheringTimeout: timeout,
	}
}

func (e *Pion) Name() string { return "pion" }

func (e *Pion) Negotiate(ctx context.Context, offer Description, cb Callbacks) (Peer, Description, error) {
	if offer.Type != "offer" {
		return nil, Description{}, fmt.Errorf("%w: sdp type %q, expected \"offer\"", ErrNegotiationFailed, offer.Type)
	}

	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: e.iceServers})
	if err != nil {
		return nil, Description{}, err
	}
	peer := &pionPeer{pc: pc}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if cb.OnTransport != nil {
			cb.OnTransport(newPionTransport(dc))
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			_ = peer.Close()
			if cb.OnPeerClosed != nil {
				cb.OnPeerClosed()
			}
		}
	})

	trickle := cb.OnLocalCandidate != nil
	if trickle {
		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if c == nil {
				return
			}
			cb.OnLocalCandidate(candidateFromPion(c.ToJSON()))
		})
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		_ = peer.Close()
		return nil, Description{}, fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = peer.Close()
		return nil, Description{}, fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = peer.Close()
		return nil, Description{}, fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}

	if !trickle {
		waitCtx, cancel := context.WithTimeout(ctx, e.gatheringTimeout)
		defer cancel()
		select {
		case <-gatherComplete:
		case <-waitCtx.Done():
			// Answer with whatever candidates gathered so far.
		}
	}

	local := pc.LocalDescription()
	if local == nil {
		_ = peer.Close()
		return nil, Description{}, fmt.Errorf("%w: missing local description", ErrNegotiationFailed)
	}

	return peer, Description{Type: local.Type.String(), SDP: local.SDP}, nil
}

type pionPeer struct {
	pc    *webrtc.PeerConnection
	close sync.Once
}

func (p *pionPeer) AddRemoteCandidate(c Candidate) error {
	if c.Candidate == "" {
		return nil
	}
	return p.pc.AddICECandidate(c.toPion())
}

func (p *pionPeer) Close() error {
	var err error
	p.close.Do(func() {
		err = p.pc.Close()
	})
	return err
}

func candidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) toPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// pionTransport adapts a pion DataChannel to the Transport interface. Only
// text messages are surfaced; this harness speaks JSON over the wire.
type pionTransport struct {
	dc *webrtc.DataChannel
}

func newPionTransport(dc *webrtc.DataChannel) *pionTransport {
	return &pionTransport{dc: dc}
}

func (t *pionTransport) Label() string { return t.dc.Label() }

func (t *pionTransport) ReadyState() guard.State {
	switch t.dc.ReadyState() {
	case webrtc.DataChannelStateConnecting:
		return guard.StateConnecting
	case webrtc.DataChannelStateOpen:
		return guard.StateOpen
	case webrtc.DataChannelStateClosing:
		return guard.StateClosing
	case webrtc.DataChannelStateClosed:
		return guard.StateClosed
	default:
		return guard.StateUnknown
	}
}

func (t *pionTransport) SendText(data string) error {
	return t.dc.SendText(data)
}

func (t *pionTransport) Close() error { return t.dc.Close() }

func (t *pionTransport) OnOpen(fn func()) { t.dc.OnOpen(fn) }

func (t *pionTransport) OnMessage(fn func(data []byte)) {
	t.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			return
		}
		// Copy because pion reuses internal buffers.
		fn(append([]byte(nil), msg.Data...))
	})
}

func (t *pionTransport) OnClose(fn func()) { t.dc.OnClose(fn) }
