// Package ws is the reference transport: one WebSocket endpoint for the
// client API and one for the admin API, with the per-connection hardening
// (message size cap, message rate limit) every carrier is expected to apply.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/config"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/ratelimit"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/transport"
)

const (
	transportPackage = "janus.transport.websockets"

	writeWait = 1 * time.Second
)

// Server implements transport.Transport over WebSocket connections.
type Server struct {
	log  *slog.Logger
	cfg  config.Config
	core transport.Callbacks

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

func NewServer(cfg config.Config, log *slog.Logger, core transport.Callbacks) *Server {
	return &Server{
		log:  log,
		cfg:  cfg,
		core: core,
		upgrader: websocket.Upgrader{
			// Origin enforcement belongs to the fronting HTTP server; the
			// transport accepts what reaches it.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*wsConn]struct{}),
	}
}

func (s *Server) Info() transport.Info {
	return transport.Info{
		Name:          "WebSockets transport",
		Author:        "Gateway Team",
		Description:   "WebSocket carrier for the client and admin APIs",
		Package:       transportPackage,
		Version:       1,
		VersionString: "0.0.1",
	}
}

func (s *Server) APIVersion() int { return transport.APIVersion }

func (s *Server) JanusAPIEnabled() bool { return true }
func (s *Server) AdminAPIEnabled() bool { return true }

// RegisterRoutes mounts the two endpoints on the shared mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /janus", func(w http.ResponseWriter, r *http.Request) {
		s.serve(w, r, false)
	})
	mux.HandleFunc("GET /admin", func(w http.ResponseWriter, r *http.Request) {
		s.serve(w, r, true)
	})
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, admin bool) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	wc := &wsConn{
		id:    uuid.NewString(),
		admin: admin,
		conn:  conn,
		limiter: ratelimit.NewTokenBucket(ratelimit.RealClock{},
			int64(s.cfg.MaxSignalingMessagesPerSecond),
			int64(s.cfg.MaxSignalingMessagesPerSecond)),
	}
	wc.ts = transport.NewSession(s, wc)

	s.mu.Lock()
	if s.conns == nil {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[wc] = struct{}{}
	s.mu.Unlock()

	s.log.Debug("websocket connected", "conn_id", wc.id, "admin", admin,
		"remote_addr", r.RemoteAddr)
	s.read(wc)
}

// read pumps inbound messages into the core until the socket dies.
func (s *Server) read(wc *wsConn) {
	defer s.drop(wc)

	wc.conn.SetReadLimit(s.cfg.MaxSignalingMessageBytes)

	for {
		msgType, data, err := wc.conn.ReadMessage()
		if err != nil {
			return
		}
		// Check the rate limit after reading so the bytes leave the TCP
		// buffer; closing with unread data risks an abortive close and the
		// client missing the close frame.
		if !wc.limiter.Allow(1) {
			wc.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			wc.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		s.core.IncomingRequest(wc.ts, "", wc.admin, json.RawMessage(data))
	}
}

func (s *Server) drop(wc *wsConn) {
	s.mu.Lock()
	if s.conns != nil {
		delete(s.conns, wc)
	}
	s.mu.Unlock()

	s.log.Debug("websocket disconnected", "conn_id", wc.id, "admin", wc.admin)
	s.core.TransportGone(wc.ts)
	_ = wc.conn.Close()
}

// Send implements transport.Transport. WebSocket replies have no request
// correlator: everything goes down the socket in order.
func (s *Server) Send(ts *transport.Session, requestID string, admin bool, payload []byte) error {
	wc, ok := ts.Conn().(*wsConn)
	if !ok {
		return errNotOurSession
	}
	return wc.write(payload)
}

func (s *Server) SessionCreated(ts *transport.Session, sessionID uint64) {
	s.log.Debug("session created on websocket transport", "session_id", sessionID)
}

func (s *Server) SessionOver(ts *transport.Session, sessionID uint64, timeout, claimed bool) {
	s.log.Debug("session over on websocket transport",
		"session_id", sessionID, "timeout", timeout, "claimed", claimed)
}

func (s *Server) Destroy() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for wc := range s.conns {
		conns = append(conns, wc)
	}
	s.conns = nil
	s.mu.Unlock()

	for _, wc := range conns {
		wc.closeWith(websocket.CloseGoingAway, "shutting down")
		_ = wc.conn.Close()
	}
}

type wsConn struct {
	id    string
	admin bool
	conn  *websocket.Conn
	ts    *transport.Session

	limiter *ratelimit.TokenBucket

	writeMu sync.Mutex
}

func (wc *wsConn) write(payload []byte) error {
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	_ = wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wc.conn.WriteMessage(websocket.TextMessage, payload)
}

func (wc *wsConn) closeWith(code int, reason string) {
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	_ = wc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}

var errNotOurSession = &transportError{"transport session does not belong to the websocket transport"}

type transportError struct{ msg string }

func (e *transportError) Error() string { return e.msg }
