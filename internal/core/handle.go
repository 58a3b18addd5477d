package core

import (
	"sync"
	"time"

	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/ice"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/plugin"
)

// Handle is one peer-connection attachment to a plugin, within a session.
// The handle keeps a non-owning back-pointer to its session; the session's
// handle map is the owning reference.
type Handle struct {
	id       uint64
	session  *Session
	opaqueID string

	plug plugin.Plugin
	ps   *plugin.Session

	flags Flags

	// negMu serializes offer/answer processing for this handle.
	negMu sync.Mutex

	// mu guards the negotiated SDPs, the trickle buffer and the agent
	// pointer. The agent itself is internally synchronized.
	mu                sync.Mutex
	agent             ice.Agent
	localSDP          string
	remoteSDP         string
	pendingTrickles   []*ice.Trickle
	transportWideCCID int
}

func newHandle(id uint64, s *Session, plug plugin.Plugin, opaqueID string) *Handle {
	return &Handle{
		id:       id,
		session:  s,
		opaqueID: opaqueID,
		plug:     plug,
		ps:       plugin.NewSession(id),
	}
}

func (h *Handle) ID() uint64              { return h.id }
func (h *Handle) Session() *Session       { return h.session }
func (h *Handle) OpaqueID() string        { return h.opaqueID }
func (h *Handle) Plugin() plugin.Plugin   { return h.plug }
func (h *Handle) PluginSession() *plugin.Session { return h.ps }

// Agent returns the ICE collaborator, nil before the first negotiation.
func (h *Handle) Agent() ice.Agent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.agent
}

func (h *Handle) setAgent(a ice.Agent) {
	h.mu.Lock()
	h.agent = a
	h.mu.Unlock()
}

func (h *Handle) sdps() (local, remote string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.localSDP, h.remoteSDP
}

func (h *Handle) setRemoteSDP(sdp string) {
	h.mu.Lock()
	h.remoteSDP = sdp
	h.mu.Unlock()
}

func (h *Handle) setLocalSDP(sdp string) {
	h.mu.Lock()
	h.localSDP = sdp
	h.mu.Unlock()
}

func (h *Handle) setTransportWideCCID(id int) {
	h.mu.Lock()
	h.transportWideCCID = id
	h.mu.Unlock()
}

func (h *Handle) transportCCID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transportWideCCID
}

// bufferTrickle appends one pending candidate message.
func (h *Handle) bufferTrickle(t *ice.Trickle) {
	h.mu.Lock()
	h.pendingTrickles = append(h.pendingTrickles, t)
	h.mu.Unlock()
}

// takeTrickles empties and returns the pending buffer in arrival order.
func (h *Handle) takeTrickles() []*ice.Trickle {
	h.mu.Lock()
	out := h.pendingTrickles
	h.pendingTrickles = nil
	h.mu.Unlock()
	return out
}

func (h *Handle) pendingTrickleCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pendingTrickles)
}

// waitWhile polls flag every tick until it clears or max elapses. Returns
// true if the flag cleared in time.
func (h *Handle) waitWhile(clock Clock, flag Flag, tick, max time.Duration) bool {
	if !h.flags.Is(flag) {
		return true
	}
	deadline := clock.Now().Add(max)
	for h.flags.Is(flag) {
		if !clock.Now().Before(deadline) {
			return false
		}
		clock.Sleep(tick)
	}
	return true
}
