package core

import (
	"encoding/json"

	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/apierror"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/eventh"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/metrics"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/plugin"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/protocol"
)

// The Gateway implements plugin.Callbacks. Every entry point resolves the
// opaque plugin session through the handle index and re-checks the teardown
// latches before doing anything, so plugins holding stale sessions get an
// error instead of touching freed state.

// resolvePluginSession maps a plugin session back to its live handle.
func (g *Gateway) resolvePluginSession(ps *plugin.Session) (*Handle, *apierror.Error) {
	if ps == nil {
		return nil, apierror.New(apierror.HandleNotFound)
	}
	if ps.Stopped() {
		return nil, apierror.New(apierror.HandleNotFound)
	}

	g.handlesMu.Lock()
	h, ok := g.handles[ps.HandleID]
	g.handlesMu.Unlock()
	if !ok || h.flags.Is(FlagStop) {
		return nil, apierror.New(apierror.HandleNotFound)
	}
	if h.session.Destroyed() {
		return nil, apierror.New(apierror.SessionNotFound)
	}
	return h, nil
}

// PushEvent delivers an asynchronous plugin event, negotiating the attached
// JSEP first when present.
func (g *Gateway) PushEvent(ps *plugin.Session, p plugin.Plugin, transaction string, body json.RawMessage, jsep *protocol.JSEP) error {
	h, apiErr := g.resolvePluginSession(ps)
	if apiErr != nil {
		return apiErr
	}
	if h.flags.Is(FlagAlert) {
		// The handle is being torn down; nothing should reach the client.
		return apierror.New(apierror.HandleNotFound)
	}

	if body == nil {
		return apierror.New(apierror.InvalidJSONObject)
	}
	var bodyCheck map[string]json.RawMessage
	if err := json.Unmarshal(body, &bodyCheck); err != nil {
		return apierror.New(apierror.InvalidJSONObject)
	}

	var outJSEP *protocol.JSEP
	if jsep != nil {
		outJSEP, apiErr = g.prepareLocalJSEP(h, jsep)
		if apiErr != nil {
			return apiErr
		}
	}

	event := protocol.Event(h.session.id, h.id, transaction, p.Info().Package, body, outJSEP)
	event.OpaqueID = h.opaqueID

	ts := h.session.Transport()
	if ts == nil || ts.Gone() {
		g.metrics.Inc(metrics.EventsDropped)
		return nil
	}
	g.send(ts, "", false, event)
	g.metrics.Inc(metrics.EventsPushed)

	g.events.Notify(eventh.TypePlugin, h.session.id, h.id, h.opaqueID, map[string]any{
		"plugin": p.Info().Package,
		"data":   json.RawMessage(body),
	})
	return nil
}

// RelayRTP forwards plugin media to the handle's transport. Fast path: no
// logging, silent drops while stopped or tearing down.
func (g *Gateway) RelayRTP(ps *plugin.Session, video bool, buf []byte) {
	h, apiErr := g.resolvePluginSession(ps)
	if apiErr != nil || h.flags.Is(FlagAlert) {
		return
	}
	if agent := h.Agent(); agent != nil {
		agent.RelayRTP(video, buf)
	}
}

func (g *Gateway) RelayRTCP(ps *plugin.Session, video bool, buf []byte) {
	h, apiErr := g.resolvePluginSession(ps)
	if apiErr != nil || h.flags.Is(FlagAlert) {
		return
	}
	if agent := h.Agent(); agent != nil {
		agent.RelayRTCP(video, buf)
	}
}

func (g *Gateway) RelayData(ps *plugin.Session, buf []byte) {
	h, apiErr := g.resolvePluginSession(ps)
	if apiErr != nil || h.flags.Is(FlagAlert) {
		return
	}
	if agent := h.Agent(); agent != nil {
		agent.RelayData(buf)
	}
}

// ClosePC schedules a hangup on the deferred-task context so it never runs
// under the plugin's callstack (and its locks).
func (g *Gateway) ClosePC(ps *plugin.Session) {
	h, apiErr := g.resolvePluginSession(ps)
	if apiErr != nil {
		return
	}
	g.defer1(func() {
		g.hangupHandle(h, "Close PC")
	})
}

// EndSession schedules removal of the handle, also deferred.
func (g *Gateway) EndSession(ps *plugin.Session) {
	h, apiErr := g.resolvePluginSession(ps)
	if apiErr != nil {
		return
	}
	g.defer1(func() {
		h.session.removeHandle(h.id)
		g.teardownHandle(h, true)
	})
}

// NotifyEvent forwards a plugin event to the event subsystem, tagged with
// the session/handle/opaque id when a session is given.
func (g *Gateway) NotifyEvent(p plugin.Plugin, ps *plugin.Session, event map[string]any) {
	payload := map[string]any{
		"plugin": p.Info().Package,
		"data":   event,
	}
	if ps == nil {
		g.events.Notify(eventh.TypePlugin, 0, 0, "", payload)
		return
	}
	h, apiErr := g.resolvePluginSession(ps)
	if apiErr != nil {
		g.events.Notify(eventh.TypePlugin, 0, 0, "", payload)
		return
	}
	g.events.Notify(eventh.TypePlugin, h.session.id, h.id, h.opaqueID, payload)
}
