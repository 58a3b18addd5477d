// Package transport names the contract between the signaling core and the
// carriers that deliver control messages (WebSocket, HTTP, ...).
//
// A transport owns its sockets and encoding; the core only sees opaque
// transport sessions and raw JSON payloads. Replies travel back through the
// same transport session the request arrived on.
package transport

import (
	"encoding/json"
	"sync/atomic"
)

// APIVersion is the transport ABI the core requires.
const APIVersion = 7

// Info is a transport's static descriptor.
type Info struct {
	Name          string
	Author        string
	Description   string
	Package       string
	Version       int
	VersionString string
}

// Transport is implemented by each carrier module.
type Transport interface {
	Info() Info
	APIVersion() int

	// Send delivers one outbound payload on a transport session. requestID is
	// the opaque correlator the transport handed to IncomingRequest, empty
	// for server-initiated pushes (events, timeouts).
	Send(ts *Session, requestID string, admin bool, payload []byte) error

	// SessionCreated lets the transport associate gateway session ids with
	// its own connection state (e.g. for reconnect bookkeeping).
	SessionCreated(ts *Session, sessionID uint64)

	// SessionOver reports a gateway session ending. timeout marks the idle
	// sweeper as the cause, claimed a takeover by another transport session.
	SessionOver(ts *Session, sessionID uint64, timeout, claimed bool)

	JanusAPIEnabled() bool
	AdminAPIEnabled() bool

	Destroy()
}

// Session is one client connection as seen by the core. The transport keeps
// its own connection state in Conn; the core only tracks liveness.
type Session struct {
	transport Transport
	conn      any

	gone atomic.Bool
}

func NewSession(t Transport, conn any) *Session {
	return &Session{transport: t, conn: conn}
}

func (s *Session) Transport() Transport { return s.transport }
func (s *Session) Conn() any            { return s.conn }

// Gone reports whether the transport declared this session terminal.
func (s *Session) Gone() bool { return s.gone.Load() }

// MarkGone latches the session terminal; returns false if it already was.
func (s *Session) MarkGone() bool {
	return s.gone.CompareAndSwap(false, true)
}

// Callbacks is the core-side API transports call into.
type Callbacks interface {
	// IncomingRequest ingests one decoded-or-not control message. The core
	// replies (including errors) through ts.
	IncomingRequest(ts *Session, requestID string, admin bool, message json.RawMessage)

	// TransportGone marks ts terminal; sessions bound to it are destroyed.
	TransportGone(ts *Session)
}
