package echotest

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/plugin"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/protocol"
)

type recordingCore struct {
	mu     sync.Mutex
	events []pushedEvent
	rtp    int
	data   int
}

type pushedEvent struct {
	transaction string
	body        json.RawMessage
	jsep        *protocol.JSEP
}

func (c *recordingCore) PushEvent(s *plugin.Session, p plugin.Plugin, transaction string, body json.RawMessage, jsep *protocol.JSEP) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, pushedEvent{transaction: transaction, body: body, jsep: jsep})
	return nil
}

func (c *recordingCore) RelayRTP(s *plugin.Session, video bool, buf []byte) {
	c.mu.Lock()
	c.rtp++
	c.mu.Unlock()
}

func (c *recordingCore) RelayRTCP(s *plugin.Session, video bool, buf []byte) {}

func (c *recordingCore) RelayData(s *plugin.Session, buf []byte) {
	c.mu.Lock()
	c.data++
	c.mu.Unlock()
}

func (c *recordingCore) ClosePC(s *plugin.Session)    {}
func (c *recordingCore) EndSession(s *plugin.Session) {}
func (c *recordingCore) NotifyEvent(p plugin.Plugin, s *plugin.Session, event map[string]any) {}

func (c *recordingCore) eventCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *recordingCore) firstEvent() pushedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[0]
}

func newTestPlugin(t *testing.T) (*Plugin, *recordingCore, *plugin.Session) {
	t.Helper()
	core := &recordingCore{}
	p := New(nil)
	require.NoError(t, p.Init(core, ""))

	s := plugin.NewSession(1)
	require.NoError(t, p.CreateSession(s))
	return p, core, s
}

func TestDescriptor(t *testing.T) {
	p := New(nil)
	info := p.Info()
	require.Equal(t, "janus.plugin.echotest", info.Package)
	require.GreaterOrEqual(t, p.APIVersion(), plugin.APIVersion)
}

func TestSynchronousMessage(t *testing.T) {
	p, _, s := newTestPlugin(t)

	res := p.HandleMessage(s, "t1", json.RawMessage(`{"audio":false}`), nil)
	require.Equal(t, plugin.ResultOK, res.Type)
	require.JSONEq(t, `{"echotest":"event","result":"ok"}`, string(res.Content))

	// The toggle stuck.
	st := s.Data().(*sessionState)
	st.mu.Lock()
	defer st.mu.Unlock()
	require.False(t, st.audio)
	require.True(t, st.video)
}

func TestOfferAnsweredAsynchronously(t *testing.T) {
	p, core, s := newTestPlugin(t)

	offer := &protocol.JSEP{Type: "offer", SDP: "v=0\r\n"}
	res := p.HandleMessage(s, "t1", json.RawMessage(`{}`), offer)
	require.Equal(t, plugin.ResultOKWait, res.Type)

	deadline := time.Now().Add(2 * time.Second)
	for core.eventCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no pushed event")
		}
		time.Sleep(2 * time.Millisecond)
	}

	evt := core.firstEvent()
	require.Equal(t, "t1", evt.transaction)
	require.NotNil(t, evt.jsep)
	require.Equal(t, "answer", evt.jsep.Type)
	require.Equal(t, offer.SDP, evt.jsep.SDP)
	require.JSONEq(t, `{"echotest":"event","result":"ok"}`, string(evt.body))
}

func TestNonOfferJSEPRejected(t *testing.T) {
	p, _, s := newTestPlugin(t)

	res := p.HandleMessage(s, "t1", json.RawMessage(`{}`),
		&protocol.JSEP{Type: "answer", SDP: "v=0\r\n"})
	require.Equal(t, plugin.ResultError, res.Type)
}

func TestInvalidBodyRejected(t *testing.T) {
	p, _, s := newTestPlugin(t)

	res := p.HandleMessage(s, "t1", json.RawMessage(`"nope"`), nil)
	require.Equal(t, plugin.ResultError, res.Type)
}

func TestMediaEchoRespectsToggles(t *testing.T) {
	p, core, s := newTestPlugin(t)

	p.IncomingRTP(s, true, []byte{1})
	require.Equal(t, 1, core.rtp)

	p.HandleMessage(s, "t", json.RawMessage(`{"video":false}`), nil)
	p.IncomingRTP(s, true, []byte{2})
	require.Equal(t, 1, core.rtp)

	// Audio still echoes.
	p.IncomingRTP(s, false, []byte{3})
	require.Equal(t, 2, core.rtp)

	p.IncomingData(s, []byte("hello"))
	require.Equal(t, 1, core.data)

	p.HandleMessage(s, "t", json.RawMessage(`{"data":false}`), nil)
	p.IncomingData(s, []byte("dropped"))
	require.Equal(t, 1, core.data)
}

func TestSetupAndHangupMediaTrackState(t *testing.T) {
	p, _, s := newTestPlugin(t)

	p.SetupMedia(s)
	info, err := p.QuerySession(s)
	require.NoError(t, err)
	require.Contains(t, string(info), `"webrtc_up":true`)

	p.HangupMedia(s)
	info, err = p.QuerySession(s)
	require.NoError(t, err)
	require.Contains(t, string(info), `"webrtc_up":false`)
}
