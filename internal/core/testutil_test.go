package core

import (
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/auth"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/config"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/eventh"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/ice"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/metrics"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/plugin"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/protocol"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/sdputil"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/transport"
)

const testOfferSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=ice-ufrag:remoteufrag\r\n" +
	"a=ice-pwd:remotepwd\r\n" +
	"a=fingerprint:sha-256 AA:BB\r\n" +
	"a=candidate:1 1 udp 2113937151 192.0.2.1 5000 typ host\r\n"

// fakeClock is a manual clock; Sleep advances it so bounded waits run
// instantly under test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.Advance(d)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sentMessage struct {
	RequestID string
	Admin     bool
	Payload   []byte
}

type sessionOverCall struct {
	SessionID uint64
	Timeout   bool
	Claimed   bool
}

// fakeTransport records everything the core sends.
type fakeTransport struct {
	mu       sync.Mutex
	sent     []sentMessage
	created  []uint64
	overs    []sessionOverCall
	destroys int
}

func (t *fakeTransport) Info() transport.Info {
	return transport.Info{
		Name:    "Test transport",
		Package: "test.transport",
		Version: 1,
	}
}

func (t *fakeTransport) APIVersion() int { return transport.APIVersion }

func (t *fakeTransport) Send(ts *transport.Session, requestID string, admin bool, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, sentMessage{RequestID: requestID, Admin: admin, Payload: payload})
	return nil
}

func (t *fakeTransport) SessionCreated(ts *transport.Session, sessionID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.created = append(t.created, sessionID)
}

func (t *fakeTransport) SessionOver(ts *transport.Session, sessionID uint64, timeout, claimed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.overs = append(t.overs, sessionOverCall{SessionID: sessionID, Timeout: timeout, Claimed: claimed})
}

func (t *fakeTransport) JanusAPIEnabled() bool { return true }
func (t *fakeTransport) AdminAPIEnabled() bool { return true }

func (t *fakeTransport) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.destroys++
}

func (t *fakeTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

func (t *fakeTransport) message(i int) sentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent[i]
}

func (t *fakeTransport) last() sentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent[len(t.sent)-1]
}

func (t *fakeTransport) sessionOvers() []sessionOverCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sessionOverCall(nil), t.overs...)
}

// wireReply is the decoded form of an outbound envelope under test.
type wireReply struct {
	Janus       string `json:"janus"`
	Transaction string `json:"transaction"`
	SessionID   uint64 `json:"session_id"`
	Sender      uint64 `json:"sender"`
	Data        struct {
		ID       uint64   `json:"id"`
		Sessions []uint64 `json:"sessions"`
		Handles  []uint64 `json:"handles"`
	} `json:"data"`
	PluginData *struct {
		Plugin string          `json:"plugin"`
		Data   json.RawMessage `json:"data"`
	} `json:"plugindata"`
	JSEP  *protocol.JSEP `json:"jsep"`
	Error *struct {
		Code   int    `json:"code"`
		Reason string `json:"reason"`
	} `json:"error"`
	Hint string `json:"hint"`
}

func decodeReply(t *testing.T, msg sentMessage) wireReply {
	t.Helper()
	var r wireReply
	if err := json.Unmarshal(msg.Payload, &r); err != nil {
		t.Fatalf("decode reply %s: %v", msg.Payload, err)
	}
	return r
}

// fakeAgent is a scripted ICE collaborator.
type fakeAgent struct {
	mu sync.Mutex

	hasStream  bool
	gatherDone bool

	setupCalls   int
	remoteSDPs   []string
	remoteOpts   []ice.RemoteOptions
	localSDPs    []string
	added        []webrtc.ICECandidateInit
	startCalls   int
	hangups      []string
	closed       bool
	dataAssoc    int
	relayedRTP   int
	relayedRTCP  int
	relayedData  int

	processRemoteErr error
	lt               sdputil.LocalTransport
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		gatherDone: true,
		lt: sdputil.LocalTransport{
			ICEUfrag:    "localufrag",
			ICEPwd:      "localpwd",
			Fingerprint: "sha-256 11:22",
			Candidates:  []string{"2 1 udp 2113937151 192.0.2.2 6000 typ host"},
		},
	}
}

func (a *fakeAgent) SetupLocal(audio, video, data int, trickle bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setupCalls++
	a.hasStream = true
	return nil
}

func (a *fakeAgent) ProcessRemote(sdpType, raw string, opts ice.RemoteOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.processRemoteErr != nil {
		return a.processRemoteErr
	}
	a.hasStream = true
	a.remoteSDPs = append(a.remoteSDPs, raw)
	a.remoteOpts = append(a.remoteOpts, opts)
	return nil
}

func (a *fakeAgent) SetLocal(sdpType, raw string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.localSDPs = append(a.localSDPs, raw)
	return nil
}

func (a *fakeAgent) AddCandidate(cand webrtc.ICECandidateInit) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.added = append(a.added, cand)
	return nil
}

func (a *fakeAgent) StartCandidates() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.startCalls++
}

func (a *fakeAgent) HasStream() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hasStream
}

func (a *fakeAgent) GatheringDone() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gatherDone
}

func (a *fakeAgent) LocalTransport() sdputil.LocalTransport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lt
}

func (a *fakeAgent) CreateDataAssociation() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dataAssoc++
	return nil
}

func (a *fakeAgent) RelayRTP(video bool, buf []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.relayedRTP++
}

func (a *fakeAgent) RelayRTCP(video bool, buf []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.relayedRTCP++
}

func (a *fakeAgent) RelayData(buf []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.relayedData++
}

func (a *fakeAgent) Hangup(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hangups = append(a.hangups, reason)
}

func (a *fakeAgent) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
}

func (a *fakeAgent) StartText2Pcap(folder, filename string, truncate int) error { return nil }
func (a *fakeAgent) StopText2Pcap() error                                       { return nil }

func (a *fakeAgent) Info() map[string]any {
	return map[string]any{"fake": true}
}

func (a *fakeAgent) addedCandidates() []webrtc.ICECandidateInit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), a.added...)
}

type fakeAgentFactory struct {
	mu     sync.Mutex
	agents []*fakeAgent
}

func (f *fakeAgentFactory) NewAgent(handleID uint64, opaqueID string) (ice.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := newFakeAgent()
	f.agents = append(f.agents, a)
	return a, nil
}

func (f *fakeAgentFactory) agent(i int) *fakeAgent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.agents[i]
}

// fakePlugin scripts the module side of the contract.
type fakePlugin struct {
	pkg string

	mu           sync.Mutex
	createErr    error
	result       *plugin.Result
	lastBody     json.RawMessage
	lastJSEP     *protocol.JSEP
	destroyCalls int
	hangupCalls  int
}

func newFakePlugin(pkg string) *fakePlugin {
	content, _ := json.Marshal(map[string]string{"result": "ok"})
	return &fakePlugin{pkg: pkg, result: plugin.OK(content)}
}

func (p *fakePlugin) Info() plugin.Info {
	return plugin.Info{Name: "Fake", Package: p.pkg, Version: 1, VersionString: "0.0.1"}
}

func (p *fakePlugin) APIVersion() int { return plugin.APIVersion }

func (p *fakePlugin) Init(core plugin.Callbacks, configDir string) error { return nil }
func (p *fakePlugin) Destroy()                                           {}

func (p *fakePlugin) CreateSession(s *plugin.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createErr
}

func (p *fakePlugin) QuerySession(s *plugin.Session) (json.RawMessage, error) {
	return json.Marshal(map[string]bool{"fake": true})
}

func (p *fakePlugin) DestroySession(s *plugin.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyCalls++
	return nil
}

func (p *fakePlugin) HandleMessage(s *plugin.Session, transaction string, body json.RawMessage, jsep *protocol.JSEP) *plugin.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastBody = body
	p.lastJSEP = jsep
	return p.result
}

func (p *fakePlugin) SetupMedia(s *plugin.Session) {}

func (p *fakePlugin) HangupMedia(s *plugin.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hangupCalls++
}

func (p *fakePlugin) IncomingRTP(s *plugin.Session, video bool, buf []byte)  {}
func (p *fakePlugin) IncomingRTCP(s *plugin.Session, video bool, buf []byte) {}
func (p *fakePlugin) IncomingData(s *plugin.Session, buf []byte)             {}

func (p *fakePlugin) destroyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyCalls
}

func (p *fakePlugin) hangupCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hangupCalls
}

var (
	pluginOKWait = plugin.Result{Type: plugin.ResultOKWait, Hint: "waiting"}
	pluginErr    = plugin.Result{Type: plugin.ResultError, Text: "boom"}
)

type testEnv struct {
	g       *Gateway
	clock   *fakeClock
	ft      *fakeTransport
	ts      *transport.Session
	factory *fakeAgentFactory
	plug    *fakePlugin
	metrics *metrics.Metrics
	rt      *config.Runtime
}

type testOption func(*config.Config)

func withAPISecret(secret string) testOption {
	return func(c *config.Config) { c.APISecret = secret }
}

func withAdminSecret(secret string) testOption {
	return func(c *config.Config) { c.AdminSecret = secret }
}

func withFullTrickle() testOption {
	return func(c *config.Config) { c.FullTrickle = true }
}

func newTestEnv(t *testing.T, opts ...testOption) *testEnv {
	t.Helper()

	cfg := config.Config{
		ListenAddr:        "127.0.0.1:0",
		ServerName:        "test-gateway",
		SessionTimeout:    config.DefaultSessionTimeout,
		CandidatesTimeout: config.DefaultCandidatesTimeout,
		CleaningDeadline:  config.DefaultCleaningDeadline,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	level := new(slog.LevelVar)
	rt := config.NewRuntime(cfg, level)

	var tokens *auth.TokenStore
	if cfg.TokenAuth {
		tokens = auth.NewTokenStore(cfg.TokenAuthSecret)
	}

	clock := newFakeClock()
	factory := &fakeAgentFactory{}
	plug := newFakePlugin("test.plugin.fake")
	plugins := plugin.NewRegistry()
	if err := plugins.Register(plug); err != nil {
		t.Fatalf("register fake plugin: %v", err)
	}
	m := metrics.New()

	g := New(Config{
		Logger:  slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError})),
		Static:  cfg,
		Runtime: rt,
		Metrics: m,
		Gate:    auth.NewGate(cfg.APISecret, cfg.AdminSecret, tokens),
		Plugins: plugins,
		Events:  eventh.NewBus(16, nil),
		Agents:  factory,
		Clock:   clock,
	})

	ft := &fakeTransport{}
	if err := g.RegisterTransport(ft); err != nil {
		t.Fatalf("register fake transport: %v", err)
	}

	return &testEnv{
		g:       g,
		clock:   clock,
		ft:      ft,
		ts:      transport.NewSession(ft, nil),
		factory: factory,
		plug:    plug,
		metrics: m,
		rt:      rt,
	}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// do builds a Request from a raw message and runs it synchronously through
// the client or admin path.
func (e *testEnv) do(t *testing.T, admin bool, msg map[string]any) wireReply {
	t.Helper()

	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	env, apiErr := protocol.Decode(raw)
	if apiErr != nil {
		t.Fatalf("decode request: %v", apiErr)
	}

	req := &Request{TS: e.ts, Admin: admin, Env: env, received: e.clock.Now()}
	before := e.ft.sentCount()
	if admin {
		e.g.processAdmin(req)
	} else {
		e.g.processClient(req)
	}
	if e.ft.sentCount() == before {
		t.Fatalf("no reply sent for %s", raw)
	}
	return decodeReply(t, e.ft.last())
}

// createSession drives the create verb and returns the new session id.
func (e *testEnv) createSession(t *testing.T) uint64 {
	t.Helper()
	r := e.do(t, false, map[string]any{"janus": "create", "transaction": "tx-create"})
	if r.Janus != "success" || r.Data.ID == 0 {
		t.Fatalf("create failed: %+v", r)
	}
	return r.Data.ID
}

// attach drives the attach verb and returns the new handle id.
func (e *testEnv) attach(t *testing.T, sessionID uint64) uint64 {
	t.Helper()
	r := e.do(t, false, map[string]any{
		"janus": "attach", "transaction": "tx-attach",
		"session_id": sessionID, "plugin": e.plug.pkg,
	})
	if r.Janus != "success" || r.Data.ID == 0 {
		t.Fatalf("attach failed: %+v", r)
	}
	return r.Data.ID
}
