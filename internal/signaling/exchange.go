package signaling

import (
	"context"
	"log/slog"

	"github.com/openavatarchat/webrtc-harness/internal/engine"
	"github.com/openavatarchat/webrtc-harness/internal/guard"
	"github.com/openavatarchat/webrtc-harness/internal/metrics"
	"github.com/openavatarchat/webrtc-harness/internal/session"
)

// Exchange turns offers into answers. It owns the wiring between the engine,
// the session registry and the send guard: negotiation is delegated to the
// engine, transport handles are attached to sessions as the engine reports
// them, and lifecycle events advance session state.
type Exchange struct {
	log      *slog.Logger
	registry *session.Registry
	engine   engine.Engine
	metrics  *metrics.Metrics
}

func NewExchange(log *slog.Logger, registry *session.Registry, eng engine.Engine, m *metrics.Metrics) *Exchange {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Exchange{
		log:      log,
		registry: registry,
		engine:   eng,
		metrics:  m,
	}
}

func (x *Exchange) EngineName() string { return x.engine.Name() }

// HandleOffer resolves or creates a session for requestedID (empty means a
// fresh id), negotiates, and returns the answer. Non-trickle: the answer
// carries whatever candidates the engine gathered within its timeout.
func (x *Exchange) HandleOffer(ctx context.Context, offer engine.Description, requestedID string) (engine.Description, error) {
	_, answer, err := x.negotiate(ctx, offer, requestedID, nil)
	return answer, err
}

// negotiate is the shared path behind the HTTP and WebSocket endpoints. When
// onLocalCandidate is non-nil the engine runs in trickle mode.
//
// An offer that names an id with a live session replaces that session: the
// old one is removed (handles closed) before the new one is created, so the
// old peer is never leaked behind a silently swapped transport handle.
func (x *Exchange) negotiate(ctx context.Context, offer engine.Description, requestedID string, onLocalCandidate func(engine.Candidate)) (*session.Session, engine.Description, error) {
	x.metrics.Inc(metrics.OffersReceived)

	if requestedID != "" {
		if _, err := x.registry.Get(requestedID); err == nil {
			x.log.Warn("offer for existing session, replacing", "session_id", requestedID)
			x.remove(requestedID)
		}
	}

	sess, err := x.registry.Create(requestedID)
	if err != nil {
		return nil, engine.Description{}, err
	}
	id := sess.ID()
	x.log.Info("received offer", "session_id", id)

	cb := engine.Callbacks{
		OnTransport: func(t engine.Transport) {
			x.attachTransport(id, t)
		},
		OnLocalCandidate: onLocalCandidate,
		OnPeerClosed: func() {
			x.remove(id)
		},
	}

	peer, answer, err := x.engine.Negotiate(ctx, offer, cb)
	if err != nil {
		x.metrics.Inc(metrics.NegotiationFailures)
		x.remove(id)
		return nil, engine.Description{}, err
	}

	if err := x.registry.BindPeer(id, peer); err != nil {
		// Session vanished mid-negotiation (e.g. engine reported failure
		// asynchronously); release the fresh peer.
		_ = peer.Close()
		return nil, engine.Description{}, err
	}

	x.metrics.Inc(metrics.SessionsCreated)
	x.log.Info("created answer", "session_id", id)
	return sess, answer, nil
}

// attachTransport registers lifecycle handlers before binding the handle so
// no event can slip through unobserved.
func (x *Exchange) attachTransport(id string, t engine.Transport) {
	t.OnOpen(func() {
		if err := x.registry.Advance(id, session.StateOpen); err != nil {
			return
		}
		x.log.Info("transport opened", "session_id", id, "label", t.Label())
		x.trySend(t, map[string]any{
			"type":    "server_ready",
			"message": "DataChannel connection established!",
		}, "welcome message")
	})

	t.OnMessage(func(data []byte) {
		x.route(id, t, data)
	})

	t.OnClose(func() {
		x.log.Info("transport closed", "session_id", id, "label", t.Label())
		_ = x.registry.Advance(id, session.StateClosing)
		x.remove(id)
	})

	if err := x.registry.AttachTransport(id, t); err != nil {
		x.log.Warn("transport for unknown session", "session_id", id, "err", err)
		_ = t.Close()
		return
	}
	x.metrics.Inc(metrics.TransportsAttached)
	x.log.Info("transport attached", "session_id", id, "label", t.Label())
}

// remove is idempotent; double removal from racing close paths is expected.
// Only the call that actually deleted the session increments the counter.
func (x *Exchange) remove(id string) {
	if x.registry.Remove(id) {
		x.metrics.Inc(metrics.SessionsRemoved)
	}
}

// trySend funnels every guarded send so outcome counters stay accurate. The
// boolean result is informational; failed sends are not retried.
func (x *Exchange) trySend(t guard.Transport, payload any, kind string) bool {
	ok := guard.TrySend(x.log, t, payload, kind)
	if ok {
		x.metrics.Inc(metrics.GuardSendOK)
	} else {
		x.metrics.Inc(metrics.GuardSendRejected)
	}
	return ok
}
