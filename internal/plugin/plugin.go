// Package plugin defines the contract between the signaling core and the
// in-process media application modules it hosts.
//
// A plugin never sees core internals: it receives an opaque *Session per
// attached handle and talks back through the Callbacks interface. The core
// re-validates every Session on each callback, so a plugin holding a stale
// pointer gets an error instead of corrupting state.
package plugin

import (
	"encoding/json"
	"sync/atomic"

	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/protocol"
)

// APIVersion is the plugin ABI the core requires. Plugins reporting a lower
// version are rejected at registration.
const APIVersion = 15

// Info is a plugin's static descriptor.
type Info struct {
	Name          string
	Author        string
	Description   string
	Package       string
	Version       int
	VersionString string
}

// ResultType tags a HandleMessage result.
type ResultType int

const (
	// ResultOK is a synchronous success carrying content JSON.
	ResultOK ResultType = iota
	// ResultOKWait means the plugin will answer asynchronously via PushEvent;
	// the client gets an ack, optionally with a hint.
	ResultOKWait
	// ResultError carries an error message forwarded verbatim to the client.
	ResultError
)

// Result is what HandleMessage returns.
type Result struct {
	Type    ResultType
	Content json.RawMessage // ResultOK
	Hint    string          // ResultOKWait
	Text    string          // ResultError
}

func OK(content json.RawMessage) *Result { return &Result{Type: ResultOK, Content: content} }
func OKWait(hint string) *Result         { return &Result{Type: ResultOKWait, Hint: hint} }
func Errorf(text string) *Result         { return &Result{Type: ResultError, Text: text} }

// Session is the opaque per-handle context handed to a plugin. The HandleID
// is a strongly-typed key into the core registry; the core resolves and
// re-checks it on every callback instead of trusting the pointer.
type Session struct {
	HandleID uint64

	stopped atomic.Bool
	data    atomic.Value
}

func NewSession(handleID uint64) *Session {
	return &Session{HandleID: handleID}
}

// Stopped reports whether the core has hard-stopped this session; callbacks
// for stopped sessions are rejected.
func (s *Session) Stopped() bool { return s.stopped.Load() }

// MarkStopped latches the session stopped. Returns false if it already was,
// which gives teardown paths their at-most-once guarantee.
func (s *Session) MarkStopped() bool {
	return s.stopped.CompareAndSwap(false, true)
}

// SetData / Data let the plugin hang its own per-handle state off the
// session.
func (s *Session) SetData(v any) { s.data.Store(v) }
func (s *Session) Data() any     { return s.data.Load() }

// Callbacks is the upward API the core exposes to plugins.
type Callbacks interface {
	// PushEvent delivers an asynchronous event to the client owning the
	// handle. A non-nil jsep is negotiated through the core first.
	PushEvent(s *Session, p Plugin, transaction string, body json.RawMessage, jsep *protocol.JSEP) error

	// Relay* are the fast-path media forwards. They drop silently when the
	// handle is stopped or tearing down.
	RelayRTP(s *Session, video bool, buf []byte)
	RelayRTCP(s *Session, video bool, buf []byte)
	RelayData(s *Session, buf []byte)

	// ClosePC schedules a hangup of the handle's PeerConnection. It returns
	// immediately; the hangup runs outside the plugin's callstack.
	ClosePC(s *Session)

	// EndSession schedules removal of the handle. Also deferred.
	EndSession(s *Session)

	// NotifyEvent forwards an arbitrary event to the event-handler subsystem,
	// tagged with session/handle/opaque id when s is non-nil.
	NotifyEvent(p Plugin, s *Session, event map[string]any)
}

// Plugin is the interface a media application module implements.
type Plugin interface {
	Info() Info
	APIVersion() int

	Init(core Callbacks, configDir string) error
	Destroy()

	CreateSession(s *Session) error
	QuerySession(s *Session) (json.RawMessage, error)
	DestroySession(s *Session) error

	HandleMessage(s *Session, transaction string, body json.RawMessage, jsep *protocol.JSEP) *Result

	SetupMedia(s *Session)
	HangupMedia(s *Session)

	IncomingRTP(s *Session, video bool, buf []byte)
	IncomingRTCP(s *Session, video bool, buf []byte)
	IncomingData(s *Session, buf []byte)
}
