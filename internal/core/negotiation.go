package core

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/apierror"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/ice"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/metrics"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/plugin"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/protocol"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/sdputil"
)

// handleMessage runs the `message` verb on a pool worker: negotiate the
// attached JSEP if any, then hand the body to the plugin and translate its
// result.
func (g *Gateway) handleMessage(req *Request, s *Session, h *Handle) {
	env := req.Env

	if env.Body == nil {
		g.replyError(req, apierror.Newf(apierror.MissingMandatoryElement,
			"Missing mandatory element (body)"))
		return
	}
	var bodyCheck map[string]json.RawMessage
	if err := json.Unmarshal(env.Body, &bodyCheck); err != nil {
		g.replyError(req, apierror.Newf(apierror.InvalidJSONObject,
			"Invalid body object"))
		return
	}

	var strippedJSEP *protocol.JSEP
	if env.JSEP != nil {
		var apiErr *apierror.Error
		strippedJSEP, apiErr = g.processJSEP(h, env.JSEP)
		if apiErr != nil {
			g.replyError(req, apiErr)
			return
		}
	}

	result := h.Plugin().HandleMessage(h.PluginSession(), env.Transaction, env.Body, strippedJSEP)
	if result == nil {
		g.replyError(req, apierror.Newf(apierror.PluginMessage,
			"Plugin didn't give a result"))
		return
	}

	switch result.Type {
	case plugin.ResultOK:
		if result.Content == nil {
			g.replyError(req, apierror.Newf(apierror.PluginMessage,
				"Plugin didn't provide any content for this synchronous response"))
			return
		}
		g.reply(req, protocol.PluginSuccess(s.id, h.id, env.Transaction,
			h.Plugin().Info().Package, result.Content, nil))
	case plugin.ResultOKWait:
		g.reply(req, protocol.Ack(s.id, env.Transaction, result.Hint))
	default:
		text := result.Text
		if text == "" {
			text = "Plugin returned an error"
		}
		g.replyError(req, apierror.Newf(apierror.PluginMessage, "%s", text))
	}
}

// processJSEP validates and installs a client-supplied offer/answer, and
// returns the anonymized JSEP the plugin receives.
func (g *Gateway) processJSEP(h *Handle, j *protocol.JSEP) (*protocol.JSEP, *apierror.Error) {
	h.negMu.Lock()
	defer h.negMu.Unlock()

	var offer bool
	switch j.Type {
	case "offer":
		offer = true
		h.flags.Set(FlagProcessingOffer)
		h.flags.Set(FlagGotOffer)
		h.flags.Clear(FlagGotAnswer)
	case "answer":
		h.flags.Set(FlagGotAnswer)
	default:
		return nil, apierror.Newf(apierror.JSEPUnknownType, "Unknown message type '%s'", j.Type)
	}

	fail := func(apiErr *apierror.Error) (*protocol.JSEP, *apierror.Error) {
		if offer {
			h.flags.Clear(FlagProcessingOffer)
		}
		return nil, apiErr
	}

	if j.SDP == "" {
		return fail(apierror.Newf(apierror.MissingMandatoryElement, "Missing mandatory element (sdp)"))
	}

	// A previous media session may still be tearing down; give it a bounded
	// window before giving up.
	if !h.waitWhile(g.clock, FlagCleaning, cleaningTick, g.cfg.CleaningDeadline) {
		return fail(apierror.Newf(apierror.WebRTCState, "Still cleaning a previous session"))
	}

	parsed, err := sdputil.Parse(j.SDP)
	if err != nil {
		return fail(apierror.Newf(apierror.JSEPInvalidSDP, "Error parsing SDP"))
	}

	audio, video, data := sdputil.Counts(parsed)
	if audio > 1 || video > 1 || data > 1 {
		g.log.Warn("more than one media line of a kind, negotiating only the first",
			"handle_id", h.id, "audio", audio, "video", video, "data", data)
	}
	if audio > 0 {
		h.flags.Set(FlagHasAudio)
	}
	if video > 0 {
		h.flags.Set(FlagHasVideo)
	}
	hadData := h.flags.Is(FlagDataChannels)
	if data > 0 {
		h.flags.Set(FlagDataChannels)
	}
	if sdputil.HasRTX(parsed) {
		h.flags.Set(FlagRFC4588RTX)
	}
	if j.WantsRestart() {
		h.flags.Set(FlagICERestart)
	}

	renegotiation := h.flags.Is(FlagReady) && !h.flags.Is(FlagAlert)

	if !renegotiation {
		agent := h.Agent()
		if offer {
			if agent == nil {
				var err error
				agent, err = g.agents.NewAgent(h.id, h.opaqueID)
				if err != nil {
					return fail(apierror.Newf(apierror.Unknown, "Error creating ICE agent"))
				}
				h.setAgent(agent)
			}
			if err := agent.SetupLocal(audio, video, data, j.DoTrickle()); err != nil {
				return fail(apierror.Newf(apierror.Unknown, "Error setting ICE locally"))
			}
		} else if agent == nil {
			return fail(apierror.New(apierror.UnexpectedAnswer))
		}

		if err := agent.ProcessRemote(j.Type, j.SDP, ice.RemoteOptions{}); err != nil {
			return fail(apierror.Newf(apierror.JSEPInvalidSDP, "Error processing SDP"))
		}

		// A fresh negotiation supersedes any soft-close.
		h.flags.Clear(FlagAlert)

		if offer {
			if id, ok := sdputil.TransportWideCCID(parsed); ok {
				h.setTransportWideCCID(id)
			}
		} else {
			h.flags.Set(FlagTrickle)
			g.drainPendingTrickles(h)
		}
	} else {
		agent := h.Agent()
		if agent == nil {
			return fail(apierror.New(apierror.UnexpectedAnswer))
		}

		restart := h.flags.Is(FlagICERestart)
		if err := agent.ProcessRemote(j.Type, j.SDP, ice.RemoteOptions{Update: true, Restart: restart}); err != nil {
			return fail(apierror.Newf(apierror.JSEPInvalidSDP, "Error processing SDP"))
		}
		if restart && !offer {
			h.flags.Clear(FlagICERestart)
		}
		if g.cfg.FullTrickle {
			h.flags.Set(FlagResendTrickles)
		}
		if data > 0 && !hadData {
			if err := agent.CreateDataAssociation(); err != nil {
				g.log.Warn("creating SCTP association failed", "handle_id", h.id, "err", err)
			}
		}
	}

	stripped, err := sdputil.Anonymize(j.SDP)
	if err != nil {
		return fail(apierror.Newf(apierror.JSEPInvalidSDP, "Error anonymizing SDP"))
	}
	h.setRemoteSDP(stripped)

	if h.flags.Is(FlagGotOffer) && h.flags.Is(FlagGotAnswer) {
		h.flags.Set(FlagReady)
	}

	out := &protocol.JSEP{Type: j.Type, SDP: stripped}
	if renegotiation {
		out.Update = true
	}
	if offer {
		if sim, ok := sdputil.Simulcast(parsed); ok {
			out.Simulcast = sim
		}
	}
	return out, nil
}

// drainPendingTrickles replays buffered candidates once an answer is
// installed. Entries past the expiry are dropped silently; array elements
// that fail to parse are ignored.
func (g *Gateway) drainPendingTrickles(h *Handle) {
	h.flags.Clear(FlagProcessingOffer)

	agent := h.Agent()
	if agent == nil {
		return
	}

	pending := h.takeTrickles()
	if len(pending) > 0 {
		g.log.Debug("processing pending trickle candidates",
			"handle_id", h.id, "count", len(pending))
	}

	now := g.clock.Now()
	expiry := time.Duration(g.cfg.CandidatesTimeout) * time.Second
	for _, t := range pending {
		if now.Sub(t.Received) > expiry {
			g.metrics.Inc(metrics.TricklesExpired)
			g.log.Debug("discarding expired trickle candidate",
				"handle_id", h.id, "transaction", t.Transaction)
			continue
		}
		// Errors on buffered candidates are not reportable anymore; the
		// request they arrived on was acked long ago.
		_ = g.applyCandidatePayload(h, agent, t.Candidate, true)
	}

	if h.flags.Is(FlagTrickle) && !h.flags.Is(FlagAllTrickles) {
		// More candidates are coming; ICE starts once the client signals
		// that trickling is complete.
		h.flags.Set(FlagStart)
	} else {
		agent.StartCandidates()
	}
}

// handleTrickle runs the `trickle` verb: validate, then buffer or apply.
func (g *Gateway) handleTrickle(req *Request, s *Session, h *Handle) {
	env := req.Env

	if env.Candidate == nil && env.Candidates == nil {
		g.replyError(req, apierror.Newf(apierror.MissingMandatoryElement,
			"Missing mandatory element (candidate|candidates)"))
		return
	}
	if env.Candidate != nil && env.Candidates != nil {
		g.replyError(req, apierror.Newf(apierror.InvalidJSON,
			"Can't have both candidate and candidates"))
		return
	}
	if h.flags.Is(FlagCleaning) {
		g.replyError(req, apierror.Newf(apierror.WebRTCState,
			"Still cleaning a previous session"))
		return
	}

	if !h.flags.Is(FlagTrickle) {
		g.log.Debug("handle supports trickle even if it didn't negotiate it", "handle_id", h.id)
		h.flags.Set(FlagTrickle)
	}

	agent := h.Agent()
	deferred := agent == nil || !agent.HasStream() ||
		h.flags.Is(FlagProcessingOffer) ||
		!h.flags.Is(FlagGotOffer) || !h.flags.Is(FlagGotAnswer)

	if deferred {
		payload := env.Candidate
		if payload == nil {
			payload, _ = json.Marshal(env.Candidates)
		}
		h.bufferTrickle(&ice.Trickle{
			Transaction: env.Transaction,
			Candidate:   payload,
			Received:    g.clock.Now(),
		})
		g.metrics.Inc(metrics.TricklesBuffered)
		g.reply(req, protocol.Ack(s.id, env.Transaction, ""))
		return
	}

	if env.Candidate != nil {
		if apiErr := g.applyCandidatePayload(h, agent, env.Candidate, false); apiErr != nil {
			g.replyError(req, apiErr)
			return
		}
	} else {
		arr, _ := json.Marshal(env.Candidates)
		_ = g.applyCandidatePayload(h, agent, arr, true)
	}

	g.reply(req, protocol.Ack(s.id, env.Transaction, ""))
}

// applyCandidatePayload feeds one candidate object or array to the agent.
// With lenient set, per-element failures are swallowed (buffered replay and
// arrays); otherwise the first failure is returned.
func (g *Gateway) applyCandidatePayload(h *Handle, agent ice.Agent, raw json.RawMessage, lenient bool) *apierror.Error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var elems []json.RawMessage
		if err := json.Unmarshal(trimmed, &elems); err != nil {
			if lenient {
				return nil
			}
			return apierror.Newf(apierror.InvalidJSONObject, "Invalid candidates array")
		}
		for _, e := range elems {
			// Failures on individual array elements are ignored.
			_ = g.applyOneCandidate(h, agent, e)
		}
		return nil
	}

	apiErr := g.applyOneCandidate(h, agent, trimmed)
	if apiErr != nil && lenient {
		g.log.Debug("ignoring trickle candidate error",
			"handle_id", h.id, "code", apiErr.Code, "reason", apiErr.Reason)
		return nil
	}
	return apiErr
}

func (g *Gateway) applyOneCandidate(h *Handle, agent ice.Agent, raw json.RawMessage) *apierror.Error {
	cand, completed, err := ice.ParseCandidate(raw)
	if err != nil {
		return apierror.Newf(apierror.InvalidElementType, "Invalid candidate: %v", err)
	}
	if completed {
		h.flags.Set(FlagAllTrickles)
		if h.flags.Is(FlagStart) {
			agent.StartCandidates()
		}
		return nil
	}
	if err := agent.AddCandidate(cand); err != nil {
		if err == ice.ErrInvalidStream {
			return apierror.New(apierror.TrickleInvalidStream)
		}
		return apierror.Newf(apierror.InvalidElementType, "Error adding candidate: %v", err)
	}
	g.metrics.Inc(metrics.TricklesApplied)
	return nil
}

// prepareLocalJSEP negotiates a plugin-produced offer/answer: install it
// locally, wait for candidate gathering, then merge the gateway transport
// lines into the SDP that leaves the process.
func (g *Gateway) prepareLocalJSEP(h *Handle, j *protocol.JSEP) (*protocol.JSEP, *apierror.Error) {
	h.negMu.Lock()
	defer h.negMu.Unlock()

	var offer bool
	switch j.Type {
	case "offer":
		offer = true
	case "answer":
	default:
		return nil, apierror.Newf(apierror.JSEPUnknownType, "Unknown message type '%s'", j.Type)
	}
	if j.SDP == "" {
		return nil, apierror.Newf(apierror.MissingMandatoryElement, "Missing mandatory element (sdp)")
	}
	if !offer && !h.flags.Is(FlagGotOffer) {
		return nil, apierror.New(apierror.UnexpectedAnswer)
	}
	if offer {
		h.flags.Set(FlagGotOffer)
		h.flags.Clear(FlagGotAnswer)
	} else {
		h.flags.Set(FlagGotAnswer)
	}

	if !h.waitWhile(g.clock, FlagCleaning, cleaningTick, g.cfg.CleaningDeadline) {
		return nil, apierror.Newf(apierror.WebRTCState, "Still cleaning a previous session")
	}

	parsed, err := sdputil.Parse(j.SDP)
	if err != nil {
		return nil, apierror.Newf(apierror.JSEPInvalidSDP, "Error parsing SDP")
	}
	audio, video, data := sdputil.Counts(parsed)
	if audio > 0 {
		h.flags.Set(FlagHasAudio)
	}
	if video > 0 {
		h.flags.Set(FlagHasVideo)
	}
	if data > 0 {
		h.flags.Set(FlagDataChannels)
	}

	renegotiation := h.flags.Is(FlagReady) && !h.flags.Is(FlagAlert)

	agent := h.Agent()
	if offer && !renegotiation && agent == nil {
		agent, err = g.agents.NewAgent(h.id, h.opaqueID)
		if err != nil {
			return nil, apierror.Newf(apierror.Unknown, "Error creating ICE agent")
		}
		h.setAgent(agent)
		if err := agent.SetupLocal(audio, video, data, j.DoTrickle()); err != nil {
			return nil, apierror.Newf(apierror.Unknown, "Error setting ICE locally")
		}
	}
	if agent == nil {
		return nil, apierror.Newf(apierror.Unknown, "No ICE agent for this handle")
	}

	body := j.SDP
	if offer && h.flags.Is(FlagRFC4588RTX) {
		if withRTX, err := sdputil.EnsureRTX(body); err == nil {
			body = withRTX
		}
	}

	if err := agent.SetLocal(j.Type, body); err != nil {
		return nil, apierror.Newf(apierror.JSEPInvalidSDP, "Error setting local SDP")
	}

	// Half-trickle embeds local candidates, so gathering has to finish before
	// the SDP can leave. Cancellation comes from the teardown flags.
	if !g.cfg.FullTrickle {
		for !agent.GatheringDone() {
			if h.flags.Is(FlagStop) || h.flags.Is(FlagAlert) {
				return nil, apierror.Newf(apierror.WebRTCState, "Handle detached")
			}
			g.clock.Sleep(cleaningTick)
		}
	}

	lt := agent.LocalTransport()
	if g.cfg.FullTrickle {
		lt.Candidates = nil
	}
	merged, err := sdputil.MergeLocal(body, lt)
	if err != nil {
		return nil, apierror.Newf(apierror.JSEPInvalidSDP, "Error merging SDP")
	}
	h.setLocalSDP(merged)

	if !offer {
		if h.flags.Is(FlagGotOffer) {
			h.flags.Set(FlagReady)
		}
		if h.pendingTrickleCount() > 0 {
			g.drainPendingTrickles(h)
		} else {
			h.flags.Clear(FlagProcessingOffer)
		}
	}

	out := &protocol.JSEP{Type: j.Type, SDP: merged}
	if renegotiation {
		out.Update = true
	}
	return out, nil
}
