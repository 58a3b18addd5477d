package core

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/apierror"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/metrics"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/protocol"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/transport"
)

// workerIdleTimeout is how long a pool worker lingers for more work before
// retiring.
const workerIdleTimeout = 120 * time.Second

// Request is the immutable snapshot of one inbound message: the binding to
// reply on, the transport's correlator, the channel (client/admin) and the
// decoded root.
type Request struct {
	TS        *transport.Session
	RequestID string
	Admin     bool
	Env       *protocol.Envelope

	received time.Time
}

// IncomingRequest implements transport.Callbacks: decode, snapshot, enqueue.
// Decode failures are replied immediately; the dispatcher never sees them.
func (g *Gateway) IncomingRequest(ts *transport.Session, requestID string, admin bool, message json.RawMessage) {
	env, apiErr := protocol.Decode(message)
	if apiErr != nil {
		g.metrics.Inc(metrics.RequestsRejected)
		transaction := ""
		if env != nil {
			transaction = env.Transaction
		}
		g.send(ts, requestID, admin, protocol.ErrorReply(0, transaction, apiErr))
		return
	}

	req := &Request{
		TS:        ts,
		RequestID: requestID,
		Admin:     admin,
		Env:       env,
		received:  g.clock.Now(),
	}

	select {
	case g.queue <- req:
	default:
		g.metrics.Inc(metrics.RequestsRejected)
		g.send(ts, requestID, admin, protocol.ErrorReply(env.SessionID, env.Transaction,
			apierror.Newf(apierror.Unknown, "Request queue full")))
	}
}

// TransportGone implements transport.Callbacks: the binding is terminal, so
// every session pointing at it is destroyed and unlinked.
func (g *Gateway) TransportGone(ts *transport.Session) {
	if !ts.MarkGone() {
		return
	}
	g.metrics.Inc(metrics.TransportsGone)

	g.sessionsMu.Lock()
	var orphaned []*Session
	for _, s := range g.sessions {
		if s.Transport() == ts {
			orphaned = append(orphaned, s)
		}
	}
	g.sessionsMu.Unlock()

	for _, s := range orphaned {
		if g.unlinkSession(s.id) {
			g.log.Info("destroying session, transport gone", "session_id", s.id)
			g.destroySession(s, false)
		}
	}
}

// dispatch is the single consumer of the ingress queue. Admin verbs and all
// cheap client verbs run here; `message` verbs go to the worker pool because
// plugin calls may block arbitrarily.
func (g *Gateway) dispatch() {
	defer g.wg.Done()

	for req := range g.queue {
		if req == nil {
			// Shutdown sentinel.
			return
		}
		g.metrics.Inc(metrics.RequestsDispatched)

		if req.Admin {
			g.processAdmin(req)
			continue
		}

		if req.Env.Janus == "message" {
			g.metrics.Inc(metrics.RequestsAsync)
			r := req
			if err := g.pool.Submit(func() { g.processClient(r) }); err != nil {
				g.metrics.Inc(metrics.RequestsRejected)
				g.replyError(req, apierror.Newf(apierror.Unknown, "Thread pool error: %v", err))
			}
			continue
		}

		g.processClient(req)
	}
}

func (g *Gateway) reply(req *Request, reply *protocol.Reply) {
	g.send(req.TS, req.RequestID, req.Admin, reply)
}

func (g *Gateway) replyError(req *Request, apiErr *apierror.Error) {
	g.reply(req, protocol.ErrorReply(req.Env.SessionID, req.Env.Transaction, apiErr))
}

// workerPool grows on demand and retires idle workers. `message` handlers
// may block for as long as a plugin holds the call, so the pool must never
// back-pressure the dispatcher.
type workerPool struct {
	tasks       chan func()
	idleTimeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newWorkerPool(idleTimeout time.Duration) *workerPool {
	return &workerPool{
		tasks:       make(chan func()),
		idleTimeout: idleTimeout,
	}
}

// Submit hands fn to an idle worker, or spawns a fresh one.
func (p *workerPool) Submit(fn func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrQueueFull
	}
	select {
	case p.tasks <- fn:
		p.mu.Unlock()
		return nil
	default:
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go p.worker(fn)
	return nil
}

func (p *workerPool) worker(fn func()) {
	defer p.wg.Done()
	for {
		fn()

		idle := time.NewTimer(p.idleTimeout)
		select {
		case next, ok := <-p.tasks:
			idle.Stop()
			if !ok {
				return
			}
			fn = next
		case <-idle.C:
			return
		}
	}
}

// Close waits for in-flight work and releases the workers.
func (p *workerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}
