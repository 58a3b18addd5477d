package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/config"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/transport"
)

// echoCore answers every request with a canned payload and records what it
// saw.
type echoCore struct {
	srv *Server

	mu       sync.Mutex
	requests []receivedRequest
	gone     int
}

type receivedRequest struct {
	admin   bool
	message string
}

func (c *echoCore) IncomingRequest(ts *transport.Session, requestID string, admin bool, message json.RawMessage) {
	c.mu.Lock()
	c.requests = append(c.requests, receivedRequest{admin: admin, message: string(message)})
	c.mu.Unlock()

	reply, _ := json.Marshal(map[string]string{"janus": "ack"})
	_ = c.srv.Send(ts, requestID, admin, reply)
}

func (c *echoCore) TransportGone(ts *transport.Session) {
	c.mu.Lock()
	c.gone++
	c.mu.Unlock()
}

func (c *echoCore) goneCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gone
}

func (c *echoCore) requestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func newTestServer(t *testing.T, cfg config.Config) (*httptest.Server, *echoCore) {
	t.Helper()

	if cfg.MaxSignalingMessageBytes == 0 {
		cfg.MaxSignalingMessageBytes = config.DefaultMaxSignalingMessageBytes
	}
	if cfg.MaxSignalingMessagesPerSecond == 0 {
		cfg.MaxSignalingMessagesPerSecond = config.DefaultMaxSignalingMessagesPerSecond
	}

	core := &echoCore{}
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	srv := NewServer(cfg, logger, core)
	core.srv = srv

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	hs := httptest.NewServer(mux)
	t.Cleanup(hs.Close)
	t.Cleanup(srv.Destroy)
	return hs, core
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func dial(t *testing.T, hs *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestRoundTripOnClientEndpoint(t *testing.T) {
	hs, core := newTestServer(t, config.Config{})
	conn := dial(t, hs, "/janus")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"janus":"ping","transaction":"t1"}`)))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, `{"janus":"ack"}`, string(data))

	require.Equal(t, 1, core.requestCount())
	core.mu.Lock()
	require.False(t, core.requests[0].admin)
	core.mu.Unlock()
}

func TestAdminEndpointFlagsAdmin(t *testing.T) {
	hs, core := newTestServer(t, config.Config{})
	conn := dial(t, hs, "/admin")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"janus":"get_status","transaction":"t1"}`)))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.NoError(t, err)

	core.mu.Lock()
	require.True(t, core.requests[0].admin)
	core.mu.Unlock()
}

func TestDisconnectReportsTransportGone(t *testing.T) {
	hs, core := newTestServer(t, config.Config{})
	conn := dial(t, hs, "/janus")

	require.NoError(t, conn.Close())

	deadline := time.Now().Add(2 * time.Second)
	for core.goneCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("transport gone never reported")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestBinaryMessagesRejected(t *testing.T) {
	hs, core := newTestServer(t, config.Config{})
	conn := dial(t, hs, "/janus")

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	require.Zero(t, core.requestCount())
}

func TestOversizedMessageClosesConnection(t *testing.T) {
	hs, core := newTestServer(t, config.Config{MaxSignalingMessageBytes: 64})
	conn := dial(t, hs, "/janus")

	big := `{"janus":"ping","transaction":"` + strings.Repeat("x", 256) + `"}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(big)))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	require.Zero(t, core.requestCount())
}

func TestRateLimitCloses(t *testing.T) {
	hs, _ := newTestServer(t, config.Config{MaxSignalingMessagesPerSecond: 2})
	conn := dial(t, hs, "/janus")

	for i := 0; i < 10; i++ {
		if err := conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"janus":"ping","transaction":"t"}`)); err != nil {
			break
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				return
			}
			t.Fatalf("expected policy violation close, got %v", err)
		}
	}
}

func TestTransportDescriptor(t *testing.T) {
	srv := NewServer(config.Config{}, slog.Default(), &echoCore{})
	info := srv.Info()
	require.Equal(t, "janus.transport.websockets", info.Package)
	require.True(t, srv.JanusAPIEnabled())
	require.True(t, srv.AdminAPIEnabled())
	require.GreaterOrEqual(t, srv.APIVersion(), transport.APIVersion)
}
