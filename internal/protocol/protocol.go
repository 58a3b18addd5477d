// Package protocol defines the JSON envelopes exchanged with clients over any
// transport, and the builders for the replies the core sends back.
//
// Every inbound message is a single JSON object carrying at least a `janus`
// verb and a `transaction` correlator; session and handle ids are contextual.
// Replies reuse the transaction verbatim so clients can match them.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/apierror"
)

// JSEP is the offer/answer object carried alongside `message` verbs and
// plugin events.
type JSEP struct {
	Type    string `json:"type"`
	SDP     string `json:"sdp"`
	Trickle *bool  `json:"trickle,omitempty"`
	Restart *bool  `json:"restart,omitempty"`

	// Update is set by the core on renegotiation offers/answers pushed to
	// plugins and clients.
	Update bool `json:"update,omitempty"`

	// Simulcast carries the {ssrc-0, ssrc-1, ssrc-2?} descriptor extracted from
	// simulcast offers.
	Simulcast map[string]uint32 `json:"simulcast,omitempty"`
}

// DoTrickle reports whether the client asked for trickled candidates. The
// default, when the field is absent, is true.
func (j *JSEP) DoTrickle() bool {
	if j == nil || j.Trickle == nil {
		return true
	}
	return *j.Trickle
}

// WantsRestart reports whether the client requested an ICE restart.
func (j *JSEP) WantsRestart() bool {
	return j != nil && j.Restart != nil && *j.Restart
}

// Envelope is the decoded form of one inbound control message. Fields that do
// not apply to a given verb are simply left at their zero value; verb handlers
// validate what they need.
type Envelope struct {
	Janus       string `json:"janus"`
	Transaction string `json:"transaction"`
	SessionID   uint64 `json:"session_id,omitempty"`
	HandleID    uint64 `json:"handle_id,omitempty"`

	APISecret   string `json:"apisecret,omitempty"`
	Token       string `json:"token,omitempty"`
	AdminSecret string `json:"admin_secret,omitempty"`

	// create
	ID uint64 `json:"id,omitempty"`

	// attach
	Plugin   string `json:"plugin,omitempty"`
	OpaqueID string `json:"opaque_id,omitempty"`

	// message
	Body json.RawMessage `json:"body,omitempty"`
	JSEP *JSEP           `json:"jsep,omitempty"`

	// trickle
	Candidate  json.RawMessage   `json:"candidate,omitempty"`
	Candidates []json.RawMessage `json:"candidates,omitempty"`

	// admin tuning verbs
	Timeout  *int64 `json:"timeout,omitempty"`
	Level    *int   `json:"level,omitempty"`
	Debug    *bool  `json:"debug,omitempty"`
	Colors   *bool  `json:"colors,omitempty"`
	Timestamps *bool `json:"timestamps,omitempty"`
	MaxNackQueue *int `json:"max_nack_queue,omitempty"`
	NoMediaTimer *int `json:"no_media_timer,omitempty"`
	Accept       *bool `json:"accept,omitempty"`

	// token admin verbs (token itself rides the shared Token field)
	Plugins []string `json:"plugins,omitempty"`

	// query_eventhandler
	Handler string          `json:"handler,omitempty"`
	Request json.RawMessage `json:"request,omitempty"`

	// text2pcap
	Folder   string `json:"folder,omitempty"`
	Filename string `json:"filename,omitempty"`
	Truncate int    `json:"truncate,omitempty"`
}

// Decode parses one inbound message. It distinguishes malformed JSON
// (InvalidJSON) from a well-formed value of the wrong shape
// (InvalidJSONObject), and enforces the two mandatory elements every verb
// carries.
func Decode(data []byte) (*Envelope, *apierror.Error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var first json.RawMessage
	if err := dec.Decode(&first); err != nil {
		return nil, apierror.New(apierror.InvalidJSON)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, apierror.New(apierror.InvalidJSONObject)
	}

	var env Envelope
	if err := json.Unmarshal(first, &env); err != nil {
		return nil, apierror.New(apierror.InvalidJSONObject)
	}

	// Missing mandatory elements still return the envelope so the error
	// reply can echo whatever transaction the client did send.
	if env.Janus == "" {
		return &env, apierror.Newf(apierror.MissingMandatoryElement, "Missing mandatory element (janus)")
	}
	if env.Transaction == "" {
		return &env, apierror.Newf(apierror.MissingMandatoryElement, "Missing mandatory element (transaction)")
	}
	return &env, nil
}

// ErrorBody is the error sub-object of an error reply.
type ErrorBody struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// PluginData wraps a plugin's synchronous or event payload together with the
// plugin package that produced it.
type PluginData struct {
	Plugin string          `json:"plugin"`
	Data   json.RawMessage `json:"data"`
}

// Reply is the outbound envelope. Marshalled with omitempty so each reply
// carries only what applies.
type Reply struct {
	Janus       string          `json:"janus"`
	Transaction string          `json:"transaction,omitempty"`
	SessionID   uint64          `json:"session_id,omitempty"`
	Sender      uint64          `json:"sender,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	PluginData  *PluginData     `json:"plugindata,omitempty"`
	JSEP        *JSEP           `json:"jsep,omitempty"`
	Error       *ErrorBody      `json:"error,omitempty"`
	Hint        string          `json:"hint,omitempty"`
	OpaqueID    string          `json:"opaque_id,omitempty"`
}

func (r *Reply) Marshal() []byte {
	b, err := json.Marshal(r)
	if err != nil {
		// Reply only contains marshallable fields; this is unreachable in
		// practice but keeps call sites honest.
		b, _ = json.Marshal(Reply{Janus: "error", Error: &ErrorBody{
			Code:   apierror.Unknown,
			Reason: fmt.Sprintf("marshal reply: %v", err),
		}})
	}
	return b
}

// Success builds a `success` reply carrying an arbitrary data object; nil
// data leaves the field out entirely.
func Success(sessionID uint64, transaction string, data any) *Reply {
	r := &Reply{Janus: "success", Transaction: transaction, SessionID: sessionID}
	if data != nil {
		raw, _ := json.Marshal(data)
		r.Data = raw
	}
	return r
}

// PluginSuccess builds a synchronous plugin reply (`success` with plugindata).
func PluginSuccess(sessionID, sender uint64, transaction, pluginPkg string, data json.RawMessage, jsep *JSEP) *Reply {
	return &Reply{
		Janus:       "success",
		Transaction: transaction,
		SessionID:   sessionID,
		Sender:      sender,
		PluginData:  &PluginData{Plugin: pluginPkg, Data: data},
		JSEP:        jsep,
	}
}

// Ack builds an `ack` reply, optionally carrying a hint from the plugin.
func Ack(sessionID uint64, transaction, hint string) *Reply {
	return &Reply{Janus: "ack", Transaction: transaction, SessionID: sessionID, Hint: hint}
}

// ErrorReply builds an `error` reply from a wire error.
func ErrorReply(sessionID uint64, transaction string, apiErr *apierror.Error) *Reply {
	return &Reply{
		Janus:       "error",
		Transaction: transaction,
		SessionID:   sessionID,
		Error:       &ErrorBody{Code: apiErr.Code, Reason: apiErr.Reason},
	}
}

// Event builds an asynchronous plugin event pushed to the session's transport.
func Event(sessionID, sender uint64, transaction, pluginPkg string, data json.RawMessage, jsep *JSEP) *Reply {
	return &Reply{
		Janus:       "event",
		Transaction: transaction,
		SessionID:   sessionID,
		Sender:      sender,
		PluginData:  &PluginData{Plugin: pluginPkg, Data: data},
		JSEP:        jsep,
	}
}

// Timeout builds the envelope the sweeper emits when a session idles out.
func Timeout(sessionID uint64) *Reply {
	return &Reply{Janus: "timeout", SessionID: sessionID}
}

// Detached builds the notification sent when a handle is torn down while the
// session's transport is still reachable.
func Detached(sessionID, sender uint64, opaqueID string) *Reply {
	return &Reply{Janus: "detached", SessionID: sessionID, Sender: sender, OpaqueID: opaqueID}
}

// HangupEvent builds the `hangup` notification for a closed PeerConnection.
func HangupEvent(sessionID, sender uint64, reason string) *Reply {
	raw, _ := json.Marshal(map[string]string{"reason": reason})
	return &Reply{Janus: "hangup", SessionID: sessionID, Sender: sender, Data: raw}
}

// Pong answers a ping.
func Pong(transaction string) *Reply {
	return &Reply{Janus: "pong", Transaction: transaction}
}

// ServerInfo builds the `server_info` descriptor reply.
func ServerInfo(transaction string, info any) *Reply {
	raw, _ := json.Marshal(info)
	return &Reply{Janus: "server_info", Transaction: transaction, Data: raw}
}
