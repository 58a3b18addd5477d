// Package core implements the signaling heart of the gateway: the session
// and handle registry, the request dispatch pipeline, the per-handle
// negotiation state machine and the callbacks plugins use to talk back.
package core

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/auth"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/config"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/eventh"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/ice"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/metrics"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/plugin"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/protocol"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/transport"
)

const (
	// sweepInterval is how often the idle sweeper walks the session map.
	sweepInterval = 2 * time.Second

	// cleaningTick is the granularity of the wait for a previous media
	// session to finish tearing down, and of the candidate-gathering wait.
	cleaningTick = 100 * time.Millisecond

	// requestQueueDepth bounds the ingress FIFO. Transports see an internal
	// error if the dispatcher falls this far behind.
	requestQueueDepth = 1024

	// maxServerID keeps generated ids within JavaScript's safe-integer range.
	maxServerID = uint64(1) << 53
)

// ErrQueueFull is returned by the worker pool once it has been closed.
var ErrQueueFull = errors.New("request queue full")

// Config wires together the gateway's runtime dependencies.
type Config struct {
	Logger  *slog.Logger
	Static  config.Config
	Runtime *config.Runtime
	Metrics *metrics.Metrics
	Gate    *auth.Gate
	Plugins *plugin.Registry
	Events  *eventh.Bus
	Agents  ice.Factory

	// Clock defaults to the wall clock; tests substitute a fake.
	Clock Clock
}

// Gateway owns the session registry and the dispatch pipeline.
type Gateway struct {
	log     *slog.Logger
	cfg     config.Config
	rt      *config.Runtime
	metrics *metrics.Metrics
	gate    *auth.Gate
	plugins *plugin.Registry
	events  *eventh.Bus
	agents  ice.Factory
	clock   Clock

	sessionsMu sync.Mutex
	sessions   map[uint64]*Session

	// handlesMu guards the flat handle index plugin callbacks resolve
	// through; entries exist exactly while the handle is attached.
	handlesMu sync.Mutex
	handles   map[uint64]*Handle

	transportsMu sync.RWMutex
	transports   map[string]transport.Transport

	queue chan *Request
	pool  *workerPool

	// deferred carries one-shot tasks (close_pc, end_session) executed on the
	// sweeper goroutine so they never run under a plugin's callstack.
	deferred chan func()

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

func New(cfg Config) *Gateway {
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock()
	}
	g := &Gateway{
		log:     cfg.Logger,
		cfg:     cfg.Static,
		rt:      cfg.Runtime,
		metrics: cfg.Metrics,
		gate:    cfg.Gate,
		plugins: cfg.Plugins,
		events:  cfg.Events,
		agents:  cfg.Agents,
		clock:   clock,

		sessions:   make(map[uint64]*Session),
		handles:    make(map[uint64]*Handle),
		transports: make(map[string]transport.Transport),

		queue:    make(chan *Request, requestQueueDepth),
		pool:     newWorkerPool(workerIdleTimeout),
		deferred: make(chan func(), 64),
		stopped:  make(chan struct{}),
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	return g
}

// RegisterTransport adds a carrier. Startup-time only.
func (g *Gateway) RegisterTransport(t transport.Transport) error {
	info := t.Info()
	if info.Package == "" {
		return fmt.Errorf("transport %q has no package string", info.Name)
	}
	if t.APIVersion() < transport.APIVersion {
		return fmt.Errorf("transport %q has API version %d, need %d", info.Package, t.APIVersion(), transport.APIVersion)
	}

	g.transportsMu.Lock()
	defer g.transportsMu.Unlock()
	if _, ok := g.transports[info.Package]; ok {
		return fmt.Errorf("transport %q already registered", info.Package)
	}
	g.transports[info.Package] = t
	return nil
}

// HasJanusAPITransport reports whether any registered transport serves the
// client API; without one the process cannot do anything useful.
func (g *Gateway) HasJanusAPITransport() bool {
	g.transportsMu.RLock()
	defer g.transportsMu.RUnlock()
	for _, t := range g.transports {
		if t.JanusAPIEnabled() {
			return true
		}
	}
	return false
}

// Start launches the dispatcher and the sweeper.
func (g *Gateway) Start() {
	g.wg.Add(2)
	go g.dispatch()
	go g.sweep()
}

// Close drains the pipeline and tears down every session.
func (g *Gateway) Close() {
	g.stopOnce.Do(func() {
		close(g.stopped)

		// Sentinel: wakes the dispatcher for shutdown.
		g.queue <- nil

		g.wg.Wait()
		g.pool.Close()

		g.sessionsMu.Lock()
		sessions := make([]*Session, 0, len(g.sessions))
		for _, s := range g.sessions {
			sessions = append(sessions, s)
		}
		g.sessions = make(map[uint64]*Session)
		g.sessionsMu.Unlock()

		for _, s := range sessions {
			g.destroySession(s, false)
		}

		g.transportsMu.Lock()
		transports := g.transports
		g.transports = make(map[string]transport.Transport)
		g.transportsMu.Unlock()
		for _, t := range transports {
			t.Destroy()
		}
	})
}

// createSession allocates and registers a session. idHint == 0 asks for a
// server-generated id; a non-zero hint fails on conflict.
func (g *Gateway) createSession(idHint uint64, ts *transport.Session) (*Session, error) {
	now := g.clock.Now()

	g.sessionsMu.Lock()
	defer g.sessionsMu.Unlock()

	id := idHint
	if id == 0 {
		for {
			id = randomID()
			if _, taken := g.sessions[id]; !taken {
				break
			}
		}
	} else if _, taken := g.sessions[id]; taken {
		return nil, errSessionConflict
	}

	s := newSession(id, ts, now)
	g.sessions[id] = s
	return s, nil
}

var errSessionConflict = errors.New("session id already in use")

// findSession resolves a live session.
func (g *Gateway) findSession(id uint64) (*Session, bool) {
	g.sessionsMu.Lock()
	defer g.sessionsMu.Unlock()
	s, ok := g.sessions[id]
	return s, ok
}

// unlinkSession removes the registry entry under the map lock so removal is
// observable atomically. Returns false if another path already removed it.
func (g *Gateway) unlinkSession(id uint64) bool {
	g.sessionsMu.Lock()
	defer g.sessionsMu.Unlock()
	if _, ok := g.sessions[id]; !ok {
		return false
	}
	delete(g.sessions, id)
	return true
}

// destroySession flips the destroyed latch and tears down the handles. It is
// idempotent; only the first caller performs teardown. The registry entry
// must already have been removed by the caller (unlinkSession).
func (g *Gateway) destroySession(s *Session, notifyTransport bool) {
	if !s.destroyed.CompareAndSwap(false, true) {
		return
	}

	for _, h := range s.drainHandles() {
		g.teardownHandle(h, false)
	}

	if notifyTransport {
		if ts := s.Transport(); ts != nil && !ts.Gone() {
			ts.Transport().SessionOver(ts, s.id, false, false)
		}
	}

	g.metrics.Inc(metrics.SessionsDestroyed)
	g.events.Notify(eventh.TypeSession, s.id, 0, "", map[string]any{"name": "destroyed"})
}

// sessionIDs snapshots the registry for the admin API.
func (g *Gateway) sessionIDs() []uint64 {
	g.sessionsMu.Lock()
	defer g.sessionsMu.Unlock()
	out := make([]uint64, 0, len(g.sessions))
	for id := range g.sessions {
		out = append(out, id)
	}
	return out
}

// sweep runs the idle sweeper and the deferred one-shot tasks.
func (g *Gateway) sweep() {
	defer g.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.sweepOnce(g.clock.Now())
		case task := <-g.deferred:
			task()
		case <-g.stopped:
			// Run whatever one-shots are already queued before exiting.
			for {
				select {
				case task := <-g.deferred:
					task()
				default:
					return
				}
			}
		}
	}
}

// sweepOnce walks the session map and times out idle sessions. The timedOut
// CAS plus removal-under-lock keeps a concurrent late keepalive from racing
// a second timeout.
func (g *Gateway) sweepOnce(now time.Time) {
	timeout := time.Duration(g.rt.SessionTimeout()) * time.Second
	if timeout == 0 {
		return
	}

	g.sessionsMu.Lock()
	var expired []*Session
	for _, s := range g.sessions {
		if s.destroyed.Load() {
			continue
		}
		if now.Sub(s.lastActive()) >= timeout {
			expired = append(expired, s)
		}
	}
	g.sessionsMu.Unlock()

	for _, s := range expired {
		if !s.timedOut.CompareAndSwap(false, true) {
			continue
		}
		if !g.unlinkSession(s.id) {
			continue
		}

		g.log.Info("session timed out", "session_id", s.id)
		g.metrics.Inc(metrics.SessionsTimedOut)

		if ts := s.Transport(); ts != nil && !ts.Gone() {
			g.send(ts, "", false, protocol.Timeout(s.id))
			ts.Transport().SessionOver(ts, s.id, true, false)
		}
		g.events.Notify(eventh.TypeSession, s.id, 0, "", map[string]any{"name": "timeout"})

		g.destroySession(s, false)
	}
}

// defer1 posts a one-shot to the sweeper goroutine. Dropped on the floor only
// if the gateway is already stopped.
func (g *Gateway) defer1(task func()) {
	select {
	case g.deferred <- task:
	case <-g.stopped:
	}
}

// send writes one reply/event to a transport session, unless the binding has
// gone terminal.
func (g *Gateway) send(ts *transport.Session, requestID string, admin bool, reply *protocol.Reply) {
	if ts == nil || ts.Gone() {
		return
	}
	if err := ts.Transport().Send(ts, requestID, admin, reply.Marshal()); err != nil {
		g.log.Warn("transport send failed",
			"transport", ts.Transport().Info().Package, "err", err)
	}
}

// randomID draws a non-zero id within JavaScript's safe-integer range.
func randomID() uint64 {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			// crypto/rand never fails on supported platforms; keep drawing.
			continue
		}
		id := binary.BigEndian.Uint64(buf[:]) % maxServerID
		if id != 0 {
			return id
		}
	}
}
