// Package echotest is the built-in loopback plugin: it answers whatever it
// is offered and sends every media packet straight back. It doubles as the
// reference implementation of the plugin contract and as the attach target
// for the gateway's end-to-end tests.
package echotest

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/plugin"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/protocol"
)

const pluginPackage = "janus.plugin.echotest"

type sessionState struct {
	mu     sync.Mutex
	audio  bool
	video  bool
	data   bool
	active bool
}

// Plugin implements plugin.Plugin.
type Plugin struct {
	log  *slog.Logger
	core plugin.Callbacks
}

func New(log *slog.Logger) *Plugin {
	return &Plugin{log: log}
}

func (p *Plugin) Info() plugin.Info {
	return plugin.Info{
		Name:          "Echo Test",
		Author:        "Gateway Team",
		Description:   "Loopback plugin: echoes media and messages back to the sender",
		Package:       pluginPackage,
		Version:       7,
		VersionString: "0.0.7",
	}
}

func (p *Plugin) APIVersion() int { return plugin.APIVersion }

func (p *Plugin) Init(core plugin.Callbacks, configDir string) error {
	p.core = core
	if p.log == nil {
		p.log = slog.Default()
	}
	p.log.Info("echotest plugin initialized")
	return nil
}

func (p *Plugin) Destroy() {
	p.log.Info("echotest plugin destroyed")
}

func (p *Plugin) CreateSession(s *plugin.Session) error {
	s.SetData(&sessionState{audio: true, video: true, data: true})
	return nil
}

func (p *Plugin) QuerySession(s *plugin.Session) (json.RawMessage, error) {
	st, ok := s.Data().(*sessionState)
	if !ok {
		return nil, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return json.Marshal(map[string]any{
		"audio_active": st.audio,
		"video_active": st.video,
		"data_active":  st.data,
		"webrtc_up":    st.active,
	})
}

func (p *Plugin) DestroySession(s *plugin.Session) error {
	return nil
}

// messageBody is the subset of the echotest request this plugin honors.
type messageBody struct {
	Audio *bool `json:"audio,omitempty"`
	Video *bool `json:"video,omitempty"`
	Data  *bool `json:"data,omitempty"`
}

// HandleMessage toggles the echo switches and, when the client attached an
// offer, answers it asynchronously through the core.
func (p *Plugin) HandleMessage(s *plugin.Session, transaction string, body json.RawMessage, jsep *protocol.JSEP) *plugin.Result {
	var msg messageBody
	if err := json.Unmarshal(body, &msg); err != nil {
		return plugin.Errorf("Invalid request")
	}

	if st, ok := s.Data().(*sessionState); ok {
		st.mu.Lock()
		if msg.Audio != nil {
			st.audio = *msg.Audio
		}
		if msg.Video != nil {
			st.video = *msg.Video
		}
		if msg.Data != nil {
			st.data = *msg.Data
		}
		st.mu.Unlock()
	}

	if jsep == nil {
		content, _ := json.Marshal(map[string]string{"echotest": "event", "result": "ok"})
		return plugin.OK(content)
	}

	if jsep.Type != "offer" {
		return plugin.Errorf("Only offers are accepted by the echo test")
	}

	// Answer outside the message call, like any real plugin would: the reply
	// to the request is an ack, the answer rides a pushed event.
	answer := &protocol.JSEP{Type: "answer", SDP: jsep.SDP}
	go func() {
		event, _ := json.Marshal(map[string]string{"echotest": "event", "result": "ok"})
		if err := p.core.PushEvent(s, p, transaction, event, answer); err != nil {
			p.log.Warn("echotest push event failed", "err", err)
		}
	}()

	return plugin.OKWait("Negotiating the answer")
}

func (p *Plugin) SetupMedia(s *plugin.Session) {
	if st, ok := s.Data().(*sessionState); ok {
		st.mu.Lock()
		st.active = true
		st.mu.Unlock()
	}
}

func (p *Plugin) HangupMedia(s *plugin.Session) {
	if st, ok := s.Data().(*sessionState); ok {
		st.mu.Lock()
		st.active = false
		st.mu.Unlock()
	}
}

func (p *Plugin) IncomingRTP(s *plugin.Session, video bool, buf []byte) {
	st, ok := s.Data().(*sessionState)
	if !ok {
		return
	}
	st.mu.Lock()
	echo := (video && st.video) || (!video && st.audio)
	st.mu.Unlock()
	if echo {
		p.core.RelayRTP(s, video, buf)
	}
}

func (p *Plugin) IncomingRTCP(s *plugin.Session, video bool, buf []byte) {
	p.core.RelayRTCP(s, video, buf)
}

func (p *Plugin) IncomingData(s *plugin.Session, buf []byte) {
	st, ok := s.Data().(*sessionState)
	if !ok {
		return
	}
	st.mu.Lock()
	echo := st.data
	st.mu.Unlock()
	if echo {
		p.core.RelayData(s, buf)
	}
}
