package ice

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/sdputil"
)

// PionFactory builds pion-backed agents sharing one webrtc.API.
type PionFactory struct {
	api *webrtc.API
	log *slog.Logger
}

func NewPionFactory(log *slog.Logger) *PionFactory {
	se := webrtc.SettingEngine{
		LoggerFactory: NewLoggerFactory(log),
	}
	return &PionFactory{
		api: webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		log: log,
	}
}

func (f *PionFactory) NewAgent(handleID uint64, opaqueID string) (Agent, error) {
	return &pionAgent{
		log: f.log.With("handle_id", handleID, "opaque_id", opaqueID),
		api: f.api,
	}, nil
}

// pionAgent drives a single webrtc.PeerConnection on behalf of one handle.
type pionAgent struct {
	log *slog.Logger
	api *webrtc.API

	mu sync.Mutex
	pc *webrtc.PeerConnection

	gatheringDone atomic.Bool
	closed        atomic.Bool

	hangupReason string

	text2pcap struct {
		on       bool
		folder   string
		filename string
		truncate int
	}
}

func (a *pionAgent) ensurePC() (*webrtc.PeerConnection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pc != nil {
		return a.pc, nil
	}
	pc, err := a.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	pc.OnICEGatheringStateChange(func(s webrtc.ICEGatheringState) {
		if s == webrtc.ICEGatheringStateComplete {
			a.gatheringDone.Store(true)
		}
	})
	a.pc = pc
	return pc, nil
}

func (a *pionAgent) SetupLocal(audio, video, data int, trickle bool) error {
	pc, err := a.ensurePC()
	if err != nil {
		return err
	}

	if audio > 0 {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
			return fmt.Errorf("add audio transceiver: %w", err)
		}
	}
	if video > 0 {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo); err != nil {
			return fmt.Errorf("add video transceiver: %w", err)
		}
	}
	if data > 0 {
		if err := a.CreateDataAssociation(); err != nil {
			return err
		}
	}
	return nil
}

func (a *pionAgent) ProcessRemote(sdpType, raw string, opts RemoteOptions) error {
	pc, err := a.ensurePC()
	if err != nil {
		return err
	}
	typ := webrtc.SDPTypeOffer
	if sdpType == "answer" {
		typ = webrtc.SDPTypeAnswer
	}
	// pion picks up changed ICE credentials (restart) from the description
	// itself; opts.Restart needs no extra call here.
	return pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: raw})
}

func (a *pionAgent) SetLocal(sdpType, raw string) error {
	pc, err := a.ensurePC()
	if err != nil {
		return err
	}
	typ := webrtc.SDPTypeOffer
	if sdpType == "answer" {
		typ = webrtc.SDPTypeAnswer
	}
	return pc.SetLocalDescription(webrtc.SessionDescription{Type: typ, SDP: raw})
}

func (a *pionAgent) AddCandidate(cand webrtc.ICECandidateInit) error {
	a.mu.Lock()
	pc := a.pc
	a.mu.Unlock()
	if pc == nil || pc.RemoteDescription() == nil {
		return ErrInvalidStream
	}
	return pc.AddICECandidate(cand)
}

// StartCandidates is a no-op for pion: connectivity checks begin as soon as a
// pair of descriptions is installed.
func (a *pionAgent) StartCandidates() {}

func (a *pionAgent) HasStream() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pc != nil && len(a.pc.GetTransceivers()) > 0
}

func (a *pionAgent) GatheringDone() bool {
	return a.gatheringDone.Load()
}

func (a *pionAgent) LocalTransport() sdputil.LocalTransport {
	a.mu.Lock()
	pc := a.pc
	a.mu.Unlock()
	if pc == nil {
		return sdputil.LocalTransport{}
	}
	local := pc.LocalDescription()
	if local == nil {
		return sdputil.LocalTransport{}
	}
	return extractTransport(local.SDP)
}

func (a *pionAgent) CreateDataAssociation() error {
	pc, err := a.ensurePC()
	if err != nil {
		return err
	}
	if _, err := pc.CreateDataChannel("gateway", nil); err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	return nil
}

// The pion agent does not yet model the outbound media plane; relayed
// packets are dropped until local tracks are wired up.
func (a *pionAgent) RelayRTP(video bool, buf []byte)  {}
func (a *pionAgent) RelayRTCP(video bool, buf []byte) {}
func (a *pionAgent) RelayData(buf []byte)             {}

func (a *pionAgent) Hangup(reason string) {
	a.mu.Lock()
	a.hangupReason = reason
	pc := a.pc
	a.pc = nil
	a.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			a.log.Warn("peer connection close failed", "err", err)
		}
	}
}

func (a *pionAgent) Close() {
	if !a.closed.CompareAndSwap(false, true) {
		return
	}
	a.Hangup("closed")
}

func (a *pionAgent) StartText2Pcap(folder, filename string, truncate int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.text2pcap.on {
		return fmt.Errorf("text2pcap already started")
	}
	a.text2pcap.on = true
	a.text2pcap.folder = folder
	a.text2pcap.filename = filename
	a.text2pcap.truncate = truncate
	return nil
}

func (a *pionAgent) StopText2Pcap() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.text2pcap.on {
		return fmt.Errorf("text2pcap not started")
	}
	a.text2pcap.on = false
	return nil
}

func (a *pionAgent) Info() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()

	info := map[string]any{
		"gathering-done": a.gatheringDone.Load(),
		"hangup-reason":  a.hangupReason,
		"text2pcap":      a.text2pcap.on,
	}
	if a.pc != nil {
		info["signaling-state"] = a.pc.SignalingState().String()
		info["ice-state"] = a.pc.ICEConnectionState().String()
		info["connection-state"] = a.pc.ConnectionState().String()
	}
	return info
}

// extractTransport pulls ICE credentials, the DTLS fingerprint and candidate
// lines out of a local description.
func extractTransport(raw string) sdputil.LocalTransport {
	var lt sdputil.LocalTransport
	sd, err := sdputil.Parse(raw)
	if err != nil {
		return lt
	}

	scan := func(key, value string) {
		switch key {
		case "ice-ufrag":
			if lt.ICEUfrag == "" {
				lt.ICEUfrag = value
			}
		case "ice-pwd":
			if lt.ICEPwd == "" {
				lt.ICEPwd = value
			}
		case "fingerprint":
			if lt.Fingerprint == "" {
				lt.Fingerprint = value
			}
		case "candidate":
			lt.Candidates = append(lt.Candidates, value)
		}
	}

	for _, attr := range sd.Attributes {
		scan(attr.Key, attr.Value)
	}
	for _, m := range sd.MediaDescriptions {
		for _, attr := range m.Attributes {
			scan(attr.Key, strings.TrimSpace(attr.Value))
		}
	}
	return lt
}
