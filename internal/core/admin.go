package core

import (
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/apierror"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/metrics"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/protocol"
)

// processAdmin runs one admin-channel verb. All admin verbs execute
// synchronously on the dispatcher thread so tuning changes serialize.
func (g *Gateway) processAdmin(req *Request) {
	env := req.Env

	if apiErr := g.gate.Check(env, true); apiErr != nil {
		g.metrics.Inc(metrics.AuthFailure)
		g.replyError(req, apiErr)
		return
	}

	switch env.Janus {
	case "info":
		g.reply(req, protocol.ServerInfo(env.Transaction, g.serverInfo()))

	case "ping":
		g.reply(req, protocol.Pong(env.Transaction))

	case "get_status":
		g.reply(req, protocol.Success(0, env.Transaction, map[string]any{
			"status": map[string]any{
				"token_auth":          g.gate.TokenAuthEnabled(),
				"session_timeout":     g.rt.SessionTimeout(),
				"log_level":           g.rt.WireLogLevel(),
				"log_timestamps":      g.rt.LogTimestamps(),
				"log_colors":          g.rt.LogColors(),
				"locking_debug":       g.rt.LockingDebug(),
				"refcount_debug":      g.rt.RefcountDebug(),
				"libnice_debug":       g.rt.LibniceDebug(),
				"max_nack_queue":      g.rt.MaxNackQueue(),
				"no_media_timer":      g.rt.NoMediaTimer(),
				"accept_new_sessions": g.rt.AcceptNewSessions(),
			},
		}))

	case "set_session_timeout":
		if env.Timeout == nil {
			g.replyMissing(req, "timeout")
			return
		}
		if *env.Timeout < 0 {
			g.replyInvalid(req, "timeout should be a non-negative integer")
			return
		}
		g.rt.SetSessionTimeout(*env.Timeout)
		g.reply(req, protocol.Success(0, env.Transaction, map[string]any{"timeout": *env.Timeout}))

	case "set_log_level":
		if env.Level == nil {
			g.replyMissing(req, "level")
			return
		}
		if err := g.rt.SetWireLogLevel(*env.Level); err != nil {
			g.replyInvalid(req, "level should be between 0 and 7")
			return
		}
		g.reply(req, protocol.Success(0, env.Transaction, map[string]any{"level": *env.Level}))

	case "set_locking_debug":
		g.setBoolTunable(req, env.Debug, "debug", g.rt.SetLockingDebug)

	case "set_refcount_debug":
		g.setBoolTunable(req, env.Debug, "debug", g.rt.SetRefcountDebug)

	case "set_log_timestamps":
		g.setBoolTunable(req, env.Timestamps, "timestamps", g.rt.SetLogTimestamps)

	case "set_log_colors":
		g.setBoolTunable(req, env.Colors, "colors", g.rt.SetLogColors)

	case "set_libnice_debug":
		g.setBoolTunable(req, env.Debug, "debug", g.rt.SetLibniceDebug)

	case "set_max_nack_queue":
		if env.MaxNackQueue == nil {
			g.replyMissing(req, "max_nack_queue")
			return
		}
		if n := *env.MaxNackQueue; n != 0 && n < 200 {
			g.replyInvalid(req, "max_nack_queue should be 0 or at least 200")
			return
		}
		g.rt.SetMaxNackQueue(*env.MaxNackQueue)
		g.reply(req, protocol.Success(0, env.Transaction, map[string]any{"max_nack_queue": *env.MaxNackQueue}))

	case "set_no_media_timer":
		if env.NoMediaTimer == nil {
			g.replyMissing(req, "no_media_timer")
			return
		}
		if *env.NoMediaTimer < 0 {
			g.replyInvalid(req, "no_media_timer should be a non-negative integer")
			return
		}
		g.rt.SetNoMediaTimer(*env.NoMediaTimer)
		g.reply(req, protocol.Success(0, env.Transaction, map[string]any{"no_media_timer": *env.NoMediaTimer}))

	case "accept_new_sessions":
		if env.Accept == nil {
			g.replyMissing(req, "accept")
			return
		}
		g.rt.SetAcceptNewSessions(*env.Accept)
		g.reply(req, protocol.Success(0, env.Transaction, map[string]any{"accept": *env.Accept}))

	case "query_eventhandler":
		g.adminQueryEventHandler(req)

	case "list_sessions":
		g.reply(req, protocol.Success(0, env.Transaction, map[string]any{
			"sessions": g.sessionIDs(),
		}))

	case "list_tokens", "add_token", "allow_token", "disallow_token", "remove_token":
		g.adminTokens(req)

	case "list_handles":
		s, ok := g.findSession(env.SessionID)
		if !ok {
			g.replyError(req, apierror.Newf(apierror.SessionNotFound, "No such session %d", env.SessionID))
			return
		}
		g.reply(req, protocol.Success(s.id, env.Transaction, map[string]any{
			"handles": s.handleIDs(),
		}))

	case "handle_info":
		g.adminHandleInfo(req)

	case "start_text2pcap", "stop_text2pcap":
		g.adminText2Pcap(req)

	default:
		g.replyError(req, apierror.Newf(apierror.UnknownRequest, "Unknown request '%s'", env.Janus))
	}
}

func (g *Gateway) replyMissing(req *Request, element string) {
	g.replyError(req, apierror.Newf(apierror.MissingMandatoryElement,
		"Missing mandatory element (%s)", element))
}

func (g *Gateway) replyInvalid(req *Request, reason string) {
	g.replyError(req, apierror.Newf(apierror.InvalidElementType, "%s", reason))
}

func (g *Gateway) setBoolTunable(req *Request, val *bool, element string, set func(bool)) {
	if val == nil {
		g.replyMissing(req, element)
		return
	}
	set(*val)
	g.reply(req, protocol.Success(0, req.Env.Transaction, map[string]any{element: *val}))
}

func (g *Gateway) adminQueryEventHandler(req *Request) {
	env := req.Env
	if env.Handler == "" {
		g.replyMissing(req, "handler")
		return
	}
	handler, ok := g.events.Get(env.Handler)
	if !ok {
		g.replyError(req, apierror.Newf(apierror.Unknown, "No such event handler '%s'", env.Handler))
		return
	}
	response, err := handler.HandleRequest(env.Request)
	if err != nil {
		g.replyError(req, apierror.Newf(apierror.Unknown, "Event handler error: %v", err))
		return
	}
	g.reply(req, protocol.Success(0, env.Transaction, map[string]any{"response": response}))
}

func (g *Gateway) adminTokens(req *Request) {
	env := req.Env

	if !g.gate.TokenAuthEnabled() {
		g.replyError(req, apierror.Newf(apierror.Unknown, "Token based authentication disabled"))
		return
	}
	store := g.gate.Tokens()

	if env.Janus == "list_tokens" {
		type tokenInfo struct {
			Token   string   `json:"token"`
			Plugins []string `json:"allowed_plugins,omitempty"`
		}
		var out []tokenInfo
		for token, plugins := range store.List() {
			out = append(out, tokenInfo{Token: token, Plugins: plugins})
		}
		g.reply(req, protocol.Success(0, env.Transaction, map[string]any{"tokens": out}))
		return
	}

	if env.Token == "" {
		g.replyMissing(req, "token")
		return
	}

	var err error
	switch env.Janus {
	case "add_token":
		if err = store.Add(env.Token); err == nil && len(env.Plugins) > 0 {
			err = store.Allow(env.Token, env.Plugins...)
		}
	case "allow_token":
		if len(env.Plugins) == 0 {
			g.replyMissing(req, "plugins")
			return
		}
		err = store.Allow(env.Token, env.Plugins...)
	case "disallow_token":
		if len(env.Plugins) == 0 {
			g.replyMissing(req, "plugins")
			return
		}
		err = store.Disallow(env.Token, env.Plugins...)
	case "remove_token":
		err = store.Remove(env.Token)
	}

	if err != nil {
		g.replyError(req, apierror.Newf(apierror.TokenNotFound, "%v", err))
		return
	}
	g.reply(req, protocol.Success(0, env.Transaction, nil))
}

func (g *Gateway) adminHandleInfo(req *Request) {
	env := req.Env

	s, ok := g.findSession(env.SessionID)
	if !ok {
		g.replyError(req, apierror.Newf(apierror.SessionNotFound, "No such session %d", env.SessionID))
		return
	}
	h, ok := s.handle(env.HandleID)
	if !ok {
		g.replyError(req, apierror.Newf(apierror.HandleNotFound, "No such handle %d in session %d", env.HandleID, env.SessionID))
		return
	}

	local, remote := h.sdps()
	info := map[string]any{
		"session_id":      s.id,
		"handle_id":       h.id,
		"opaque_id":       h.opaqueID,
		"plugin":          h.Plugin().Info().Package,
		"created":         s.created.UnixMicro(),
		"flags":           h.flags.Snapshot(),
		"pending-trickles": h.pendingTrickleCount(),
		"transport-wide-cc-ext-id": h.transportCCID(),
		// Implementation detail surfaced for debugging only; not a stable
		// part of the admin contract.
		"send_thread_created": false,
	}
	if local != "" {
		info["local-sdp"] = local
	}
	if remote != "" {
		info["remote-sdp"] = remote
	}
	if agent := h.Agent(); agent != nil {
		info["webrtc"] = agent.Info()
	}
	if pluginInfo, err := h.Plugin().QuerySession(h.PluginSession()); err == nil && pluginInfo != nil {
		info["plugin_specific"] = pluginInfo
	}

	g.reply(req, protocol.Success(s.id, env.Transaction, map[string]any{"info": info}))
}

func (g *Gateway) adminText2Pcap(req *Request) {
	env := req.Env

	s, ok := g.findSession(env.SessionID)
	if !ok {
		g.replyError(req, apierror.Newf(apierror.SessionNotFound, "No such session %d", env.SessionID))
		return
	}
	h, ok := s.handle(env.HandleID)
	if !ok {
		g.replyError(req, apierror.Newf(apierror.HandleNotFound, "No such handle %d in session %d", env.HandleID, env.SessionID))
		return
	}
	agent := h.Agent()
	if agent == nil {
		g.replyError(req, apierror.Newf(apierror.WebRTCState, "No WebRTC media for this handle"))
		return
	}

	var err error
	if env.Janus == "start_text2pcap" {
		err = agent.StartText2Pcap(env.Folder, env.Filename, env.Truncate)
	} else {
		err = agent.StopText2Pcap()
	}
	if err != nil {
		g.replyError(req, apierror.Newf(apierror.Unknown, "%v", err))
		return
	}
	g.reply(req, protocol.Success(s.id, env.Transaction, nil))
}
