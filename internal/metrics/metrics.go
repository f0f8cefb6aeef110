// Package metrics is a minimal, concurrency-safe counter registry with a
// Prometheus text exposition endpoint. It keeps the harness observable
// without pulling in a metrics SDK.
package metrics

import "sync"

// Event counter names.
const (
	OffersReceived       = "offers_received"
	NegotiationFailures  = "negotiation_failures"
	SessionsCreated      = "sessions_created"
	SessionsRemoved      = "sessions_removed"
	TransportsAttached   = "transports_attached"
	GuardSendOK          = "guard_send_ok"
	GuardSendRejected    = "guard_send_rejected"
	MessagesRouted       = "messages_routed"
	ParseErrors          = "parse_errors"
	SignalingRateLimited = "signaling_rate_limited"
)

type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
