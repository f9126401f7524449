// Package metrics is a minimal, concurrency-safe counter registry for the
// relay, exposed in Prometheus' text format.
package metrics

import "sync"

// Relay event counter names.
const (
	PeerConnected     = "peer_connected"
	PeerDisconnected  = "peer_disconnected"
	PeerAnnounced     = "peer_announced"
	ConnectForwarded  = "connect_forwarded"
	ResponseForwarded = "response_forwarded"
	UnknownPeer       = "unknown_peer"
	MalformedEnvelope = "malformed_envelope"
	PeerLost          = "peer_lost_midtransaction"
)

type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
