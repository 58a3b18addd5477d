package core

import (
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/apierror"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/eventh"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/metrics"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/protocol"
)

// processClient authorizes and executes one client-channel verb. Non-message
// verbs run on the dispatcher goroutine; `message` runs on a pool worker.
func (g *Gateway) processClient(req *Request) {
	env := req.Env

	if apiErr := g.gate.Check(env, false); apiErr != nil {
		g.metrics.Inc(metrics.AuthFailure)
		g.replyError(req, apiErr)
		return
	}

	switch env.Janus {
	case "info":
		g.reply(req, protocol.ServerInfo(env.Transaction, g.serverInfo()))
		return
	case "ping":
		g.reply(req, protocol.Pong(env.Transaction))
		return
	case "create":
		g.handleCreate(req)
		return
	}

	if env.SessionID == 0 {
		g.replyError(req, apierror.Newf(apierror.InvalidRequestPath,
			"Unhandled request '%s' at this path", env.Janus))
		return
	}

	s, ok := g.findSession(env.SessionID)
	if !ok || s.Destroyed() {
		g.replyError(req, apierror.Newf(apierror.SessionNotFound,
			"No such session %d", env.SessionID))
		return
	}
	s.touch(g.clock.Now())

	var h *Handle
	if env.HandleID != 0 {
		if h, ok = s.handle(env.HandleID); !ok {
			g.replyError(req, apierror.Newf(apierror.HandleNotFound,
				"No such handle %d in session %d", env.HandleID, env.SessionID))
			return
		}
	}

	switch env.Janus {
	case "keepalive":
		g.reply(req, protocol.Ack(s.id, env.Transaction, ""))

	case "attach":
		if h != nil {
			g.replyError(req, apierror.Newf(apierror.InvalidRequestPath,
				"Unhandled request '%s' at this path", env.Janus))
			return
		}
		g.handleAttach(req, s)

	case "destroy":
		if h != nil {
			g.replyError(req, apierror.Newf(apierror.InvalidRequestPath,
				"Unhandled request '%s' at this path", env.Janus))
			return
		}
		g.handleDestroy(req, s)

	case "claim":
		g.handleClaim(req, s)

	case "detach":
		if h == nil {
			g.replyNoHandle(req)
			return
		}
		g.handleDetach(req, s, h)

	case "hangup":
		if h == nil {
			g.replyNoHandle(req)
			return
		}
		g.hangupHandle(h, "Janus API")
		g.reply(req, protocol.Success(s.id, env.Transaction, nil))

	case "message":
		if h == nil {
			g.replyNoHandle(req)
			return
		}
		g.handleMessage(req, s, h)

	case "trickle":
		if h == nil {
			g.replyNoHandle(req)
			return
		}
		g.handleTrickle(req, s, h)

	default:
		g.replyError(req, apierror.Newf(apierror.UnknownRequest,
			"Unknown request '%s'", env.Janus))
	}
}

func (g *Gateway) replyNoHandle(req *Request) {
	g.replyError(req, apierror.Newf(apierror.InvalidRequestPath,
		"Unhandled request '%s' at this path", req.Env.Janus))
}

func (g *Gateway) handleCreate(req *Request) {
	env := req.Env

	if !g.rt.AcceptNewSessions() {
		g.replyError(req, apierror.New(apierror.NotAcceptingSessions))
		return
	}

	s, err := g.createSession(env.ID, req.TS)
	if err != nil {
		g.replyError(req, apierror.New(apierror.SessionConflict))
		return
	}

	g.log.Info("session created", "session_id", s.id,
		"transport", req.TS.Transport().Info().Package)
	g.metrics.Inc(metrics.SessionsCreated)
	req.TS.Transport().SessionCreated(req.TS, s.id)
	g.events.Notify(eventh.TypeSession, s.id, 0, "", map[string]any{"name": "created"})

	g.reply(req, protocol.Success(0, env.Transaction, map[string]uint64{"id": s.id}))
}

func (g *Gateway) handleAttach(req *Request, s *Session) {
	env := req.Env

	if env.Plugin == "" {
		g.replyError(req, apierror.Newf(apierror.MissingMandatoryElement,
			"Missing mandatory element (plugin)"))
		return
	}

	plug, ok := g.plugins.Get(env.Plugin)
	if !ok {
		g.replyError(req, apierror.Newf(apierror.PluginNotFound,
			"No such plugin '%s'", env.Plugin))
		return
	}

	if !g.gate.AllowPlugin(env.Token, env.Plugin) {
		g.metrics.Inc(metrics.AuthFailure)
		g.replyError(req, apierror.New(apierror.UnauthorizedPlugin))
		return
	}

	var h *Handle
	for {
		h = newHandle(randomID(), s, plug, env.OpaqueID)
		if s.addHandle(h) {
			break
		}
		if s.Destroyed() {
			g.replyError(req, apierror.Newf(apierror.SessionNotFound,
				"No such session %d", s.id))
			return
		}
	}

	if err := plug.CreateSession(h.PluginSession()); err != nil {
		s.removeHandle(h.id)
		g.replyError(req, apierror.Newf(apierror.PluginAttach,
			"Couldn't attach to plugin: %v", err))
		return
	}

	g.handlesMu.Lock()
	g.handles[h.id] = h
	g.handlesMu.Unlock()

	g.log.Info("handle attached", "session_id", s.id, "handle_id", h.id,
		"plugin", env.Plugin, "opaque_id", h.opaqueID)
	g.metrics.Inc(metrics.HandlesAttached)
	g.events.Notify(eventh.TypeHandle, s.id, h.id, h.opaqueID,
		map[string]any{"name": "attached", "plugin": env.Plugin})

	g.reply(req, protocol.Success(s.id, env.Transaction, map[string]uint64{"id": h.id}))
}

func (g *Gateway) handleDestroy(req *Request, s *Session) {
	if g.unlinkSession(s.id) {
		g.log.Info("session destroyed", "session_id", s.id)
		g.destroySession(s, true)
	}
	g.reply(req, protocol.Success(s.id, req.Env.Transaction, nil))
}

func (g *Gateway) handleClaim(req *Request, s *Session) {
	old := s.bindTransport(req.TS)
	if old != nil && old != req.TS && !old.Gone() {
		old.Transport().SessionOver(old, s.id, false, true)
	}

	g.log.Info("session claimed", "session_id", s.id,
		"transport", req.TS.Transport().Info().Package)
	g.metrics.Inc(metrics.SessionsClaimed)
	g.events.Notify(eventh.TypeSession, s.id, 0, "", map[string]any{"name": "claimed"})

	g.reply(req, protocol.Success(s.id, req.Env.Transaction, nil))
}

func (g *Gateway) handleDetach(req *Request, s *Session, h *Handle) {
	s.removeHandle(h.id)
	g.teardownHandle(h, true)
	g.reply(req, protocol.Success(s.id, req.Env.Transaction, nil))
}

// teardownHandle stops callbacks, destroys the plugin side exactly once,
// closes the ICE collaborator and optionally notifies the client.
func (g *Gateway) teardownHandle(h *Handle, notify bool) {
	h.flags.Set(FlagAlert)
	h.flags.Set(FlagStop)

	g.handlesMu.Lock()
	delete(g.handles, h.id)
	g.handlesMu.Unlock()

	if h.PluginSession().MarkStopped() {
		if err := h.Plugin().DestroySession(h.PluginSession()); err != nil {
			g.log.Warn("plugin destroy_session failed",
				"handle_id", h.id, "plugin", h.Plugin().Info().Package, "err", err)
		}
	}

	if agent := h.Agent(); agent != nil {
		agent.Hangup("detached")
		agent.Close()
	}

	g.metrics.Inc(metrics.HandlesDetached)
	g.events.Notify(eventh.TypeHandle, h.session.id, h.id, h.opaqueID,
		map[string]any{"name": "detached"})

	if notify {
		if ts := h.session.Transport(); ts != nil && !ts.Gone() {
			g.send(ts, "", false, protocol.Detached(h.session.id, h.id, h.opaqueID))
		}
	}
}

// hangupHandle closes the handle's PeerConnection but keeps the handle
// attached, mirroring a client-side hangup.
func (g *Gateway) hangupHandle(h *Handle, reason string) {
	h.flags.Set(FlagAlert)

	agent := h.Agent()
	if agent == nil {
		return
	}

	h.flags.Set(FlagCleaning)
	agent.Hangup(reason)
	h.Plugin().HangupMedia(h.PluginSession())

	// Negotiation starts from scratch after a hangup.
	h.flags.Clear(FlagGotOffer)
	h.flags.Clear(FlagGotAnswer)
	h.flags.Clear(FlagProcessingOffer)
	h.flags.Clear(FlagReady)
	h.flags.Clear(FlagStart)
	h.flags.Clear(FlagCleaning)

	if ts := h.session.Transport(); ts != nil && !ts.Gone() {
		g.send(ts, "", false, protocol.HangupEvent(h.session.id, h.id, reason))
	}
	g.events.Notify(eventh.TypeWebRTC, h.session.id, h.id, h.opaqueID,
		map[string]any{"name": "hangup", "reason": reason})
}
