package metrics

import "sync"

// Counter names used across the gateway core. Names are intentionally simple
// strings so subsystems can also record ad-hoc events without registering
// anything up front.
const (
	SessionsCreated   = "sessions_created"
	SessionsDestroyed = "sessions_destroyed"
	SessionsTimedOut  = "sessions_timed_out"
	SessionsClaimed   = "sessions_claimed"

	HandlesAttached = "handles_attached"
	HandlesDetached = "handles_detached"

	RequestsDispatched = "requests_dispatched"
	RequestsAsync      = "requests_async"
	RequestsRejected   = "requests_rejected"
	AuthFailure        = "auth_failure"

	TricklesBuffered = "trickles_buffered"
	TricklesExpired  = "trickles_expired"
	TricklesApplied  = "trickles_applied"

	EventsPushed  = "events_pushed"
	EventsDropped = "events_dropped"

	TransportsGone = "transports_gone"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The gateway is expected to plug into a real metrics backend eventually; this
// type keeps the core logic testable while still exposing counters for
// scraping.
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
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
