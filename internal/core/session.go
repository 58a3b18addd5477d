package core

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/transport"
)

// Session is one long-lived client context. It owns its handles; everything
// else holds the session only through the registry, which never returns a
// destroyed session.
type Session struct {
	id      uint64
	created time.Time

	// lastActivity is bumped on every authorized inbound verb naming the
	// session, and read by the idle sweeper.
	lastActivity atomic.Int64 // unix nanos

	// destroyed latches exactly once; a session is reachable in the registry
	// iff it is false.
	destroyed atomic.Bool

	// timedOut latches exactly once, and only by the sweeper.
	timedOut atomic.Bool

	mu      sync.Mutex
	handles map[uint64]*Handle
	ts      *transport.Session
}

func newSession(id uint64, ts *transport.Session, now time.Time) *Session {
	s := &Session{
		id:      id,
		created: now,
		handles: make(map[uint64]*Handle),
		ts:      ts,
	}
	s.lastActivity.Store(now.UnixNano())
	return s
}

func (s *Session) ID() uint64 { return s.id }

func (s *Session) Destroyed() bool { return s.destroyed.Load() }
func (s *Session) TimedOut() bool  { return s.timedOut.Load() }

func (s *Session) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

func (s *Session) lastActive() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Transport returns the current transport binding; nil after the transport
// reported gone and no claim happened.
func (s *Session) Transport() *transport.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ts
}

// bindTransport re-points the session at a new transport session (claim) and
// returns the previous binding.
func (s *Session) bindTransport(ts *transport.Session) *transport.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.ts
	s.ts = ts
	return old
}

func (s *Session) handle(id uint64) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	return h, ok
}

func (s *Session) addHandle(h *Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed.Load() {
		return false
	}
	if _, ok := s.handles[h.id]; ok {
		return false
	}
	s.handles[h.id] = h
	return true
}

func (s *Session) removeHandle(id uint64) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if ok {
		delete(s.handles, id)
	}
	return h, ok
}

// drainHandles empties the handle map and returns the handles for teardown.
func (s *Session) drainHandles() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h)
	}
	s.handles = make(map[uint64]*Handle)
	return out
}

func (s *Session) handleIDs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, 0, len(s.handles))
	for id := range s.handles {
		out = append(out, id)
	}
	return out
}
