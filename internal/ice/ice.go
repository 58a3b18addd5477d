// Package ice names the contract between the signaling core and the
// ICE/DTLS/media collaborator that owns each handle's transport state.
//
// The core never touches sockets or crypto: it drives an Agent through this
// interface and buffers trickle candidates while the agent is not ready for
// them. The default implementation is pion-backed; tests substitute a
// scripted fake.
package ice

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/sdputil"
)

var (
	// ErrInvalidStream is returned by AddCandidate when the candidate names a
	// stream the agent never negotiated.
	ErrInvalidStream = errors.New("invalid stream")
)

// RemoteOptions qualifies a ProcessRemote call.
type RemoteOptions struct {
	// Update marks a renegotiation of an established session.
	Update bool
	// Restart pushes the remote's new ICE credentials to the agent before
	// processing (ICE restart).
	Restart bool
}

// Agent is one handle's ICE/DTLS collaborator.
type Agent interface {
	// SetupLocal prepares local transport state for a fresh negotiation with
	// the given media line counts. trickle indicates the peer will trickle
	// candidates instead of embedding them.
	SetupLocal(audio, video, data int, trickle bool) error

	// ProcessRemote installs the remote description. sdpType is "offer" or
	// "answer". A failure maps to a JSEP invalid-SDP wire error.
	ProcessRemote(sdpType, raw string, opts RemoteOptions) error

	// SetLocal installs a locally produced description (plugin-initiated
	// offers and answers).
	SetLocal(sdpType, raw string) error

	// AddCandidate applies one remote trickle candidate.
	AddCandidate(cand webrtc.ICECandidateInit) error

	// StartCandidates tells the agent no further candidates are needed to
	// begin connectivity checks with what it has.
	StartCandidates()

	// HasStream reports whether any stream has been negotiated yet; trickles
	// arriving earlier are buffered by the core.
	HasStream() bool

	// GatheringDone reports whether local candidate gathering finished.
	GatheringDone() bool

	// LocalTransport exposes the credentials, fingerprint and (half-trickle)
	// candidates the core merges into outbound SDPs.
	LocalTransport() sdputil.LocalTransport

	// CreateDataAssociation (re)creates the SCTP association after data
	// channels are negotiated in a renegotiation.
	CreateDataAssociation() error

	// Relay* push plugin media onto the wire. They are fast-path calls: the
	// agent drops silently when the transport is not up.
	RelayRTP(video bool, buf []byte)
	RelayRTCP(video bool, buf []byte)
	RelayData(buf []byte)

	// Hangup closes the media paths but keeps the agent queryable; reason is
	// surfaced in the hangup event.
	Hangup(reason string)

	// Close releases everything. The agent must not call back into the core
	// afterwards.
	Close()

	// StartText2Pcap / StopText2Pcap toggle the per-handle packet-dump
	// diagnostic.
	StartText2Pcap(folder, filename string, truncate int) error
	StopText2Pcap() error

	// Info returns the collaborator's diagnostic snapshot for handle_info.
	Info() map[string]any
}

// Factory builds agents; the core owns exactly one agent per handle.
type Factory interface {
	NewAgent(handleID uint64, opaqueID string) (Agent, error)
}

// Trickle is one buffered candidate message, kept until the answer lands.
type Trickle struct {
	Transaction string
	Candidate   json.RawMessage // object or array of objects
	Received    time.Time
}

// candidateWire is the JSON shape of a single trickled candidate.
type candidateWire struct {
	Completed        bool    `json:"completed,omitempty"`
	Candidate        *string `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// ParseCandidate decodes one candidate object. completed is true for the
// `{"completed": true}` end-of-candidates marker.
func ParseCandidate(raw json.RawMessage) (init webrtc.ICECandidateInit, completed bool, err error) {
	var w candidateWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return webrtc.ICECandidateInit{}, false, err
	}
	if w.Completed {
		return webrtc.ICECandidateInit{}, true, nil
	}
	if w.Candidate == nil {
		return webrtc.ICECandidateInit{}, false, errors.New("missing candidate element")
	}
	return webrtc.ICECandidateInit{
		Candidate:        *w.Candidate,
		SDPMid:           w.SDPMid,
		SDPMLineIndex:    w.SDPMLineIndex,
		UsernameFragment: w.UsernameFragment,
	}, false, nil
}
