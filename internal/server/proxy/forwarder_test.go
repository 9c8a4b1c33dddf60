package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowhq/burrow/internal/protocol"
	"github.com/burrowhq/burrow/internal/server/pending"
	"github.com/burrowhq/burrow/internal/server/registry"
	"github.com/burrowhq/burrow/internal/server/wsproxy"
)

const testBaseDomain = "burrow.test"

// scriptedSession stands in for a tunnel client: every frame pushed onto the
// session runs through the script callback, which may answer via the
// registries the way a real client would over its WebSocket.
type scriptedSession struct {
	mu     sync.Mutex
	frames []protocol.Message
	script func(protocol.Message)
}

func (s *scriptedSession) SendFrame(m protocol.Message) error {
	s.mu.Lock()
	s.frames = append(s.frames, m)
	script := s.script
	s.mu.Unlock()
	if script != nil {
		go script(m)
	}
	return nil
}

func (s *scriptedSession) sent() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Message(nil), s.frames...)
}

type proxyHarness struct {
	registry    *registry.Registry
	pending     *pending.Table
	wsProxies   *wsproxy.Registry
	server      *httptest.Server
	controlHits int
	mu          sync.Mutex
}

func newProxyHarness(t *testing.T, requestTimeout, upgradeTimeout time.Duration, maxBody int64) *proxyHarness {
	t.Helper()

	h := &proxyHarness{
		registry:  registry.New(registry.NewLocalDirectory(), "node-1", nil),
		pending:   pending.NewTable(requestTimeout),
		wsProxies: wsproxy.NewRegistry(wsproxy.DefaultBufferTTL, wsproxy.DefaultSweepInterval),
	}
	t.Cleanup(h.wsProxies.Close)

	control := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		h.mu.Lock()
		h.controlHits++
		h.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "control")
	})

	forwarder := NewForwarder(h.pending, h.wsProxies, maxBody, requestTimeout, upgradeTimeout)
	router := NewRouter(h.registry, forwarder, control, testBaseDomain)
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)
	return h
}

func (h *proxyHarness) addTunnel(t *testing.T, subdomain string, session *scriptedSession) *registry.Tunnel {
	t.Helper()
	tun := &registry.Tunnel{
		ID:        "tun-" + subdomain,
		Subdomain: subdomain,
		SessionID: uuid.New(),
		PublicKey: "key-" + subdomain,
		Session:   session,
	}
	require.NoError(t, h.registry.Register(context.Background(), tun))
	return tun
}

func (h *proxyHarness) get(t *testing.T, host, path string, body io.Reader) *http.Response {
	t.Helper()
	method := http.MethodGet
	if body != nil {
		method = http.MethodPost
	}
	req, err := http.NewRequest(method, h.server.URL+path, body)
	require.NoError(t, err)
	req.Host = host
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestControlHostDispatch(t *testing.T) {
	h := newProxyHarness(t, time.Second, time.Second, 0)

	for _, host := range []string{testBaseDomain, "localhost", "127.0.0.1"} {
		resp := h.get(t, host, "/health", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, "host %s", host)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, 3, h.controlHits)
}

func TestUnknownSubdomainGets404Page(t *testing.T) {
	h := newProxyHarness(t, time.Second, time.Second, 0)

	resp := h.get(t, "ghost."+testBaseDomain, "/", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "ghost")
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
}

func TestHTTPRoundTrip(t *testing.T) {
	h := newProxyHarness(t, 5*time.Second, time.Second, 0)

	session := &scriptedSession{}
	session.script = func(m protocol.Message) {
		req, ok := m.(*protocol.TunnelRequest)
		if !ok {
			return
		}
		h.pending.Complete(req.RequestID, &protocol.TunnelResponse{
			RequestID: req.RequestID,
			Status:    200,
			Headers: []protocol.HeaderPair{
				{"Content-Type", "application/json"},
				{"Content-Length", "9999"},
				{"Transfer-Encoding", "chunked"},
			},
			Body: `{"ok":true}`,
		})
	}
	h.addTunnel(t, "myapp", session)

	resp := h.get(t, "myapp."+testBaseDomain, "/api/users?page=2", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Empty(t, resp.Header.Get("Transfer-Encoding"), "framing headers must be recomputed")

	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"ok":true}`, string(body))

	// The frame that went down the tunnel carried the split path and query.
	var frame *protocol.TunnelRequest
	for _, m := range session.sent() {
		if f, ok := m.(*protocol.TunnelRequest); ok {
			frame = f
		}
	}
	require.NotNil(t, frame)
	assert.Equal(t, "GET", frame.Method)
	assert.Equal(t, "/api/users", frame.Path)
	assert.Equal(t, "page=2", frame.QueryString)
	assert.Equal(t, "tun-myapp", frame.TunnelID)
	assert.NotEmpty(t, frame.ClientIP)
}

func TestRequestTimeoutGets504Page(t *testing.T) {
	h := newProxyHarness(t, 100*time.Millisecond, time.Second, 0)
	h.addTunnel(t, "slow", &scriptedSession{}) // never answers

	resp := h.get(t, "slow."+testBaseDomain, "/", nil)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "Gateway Timeout")
	assert.Equal(t, 0, h.pending.Count(), "pending entry must be gone")
}

func TestBodyCap(t *testing.T) {
	h := newProxyHarness(t, time.Second, time.Second, 64)

	session := &scriptedSession{}
	session.script = func(m protocol.Message) {
		if req, ok := m.(*protocol.TunnelRequest); ok {
			h.pending.Complete(req.RequestID, &protocol.TunnelResponse{RequestID: req.RequestID, Status: 200})
		}
	}
	h.addTunnel(t, "upload", session)

	// Exactly at the cap passes.
	resp := h.get(t, "upload."+testBaseDomain, "/", strings.NewReader(strings.Repeat("a", 64)))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// One byte over yields 413 and nothing is forwarded.
	before := len(session.sent())
	resp = h.get(t, "upload."+testBaseDomain, "/", strings.NewReader(strings.Repeat("a", 65)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Len(t, session.sent(), before)
}

func TestTunnelErrorPrefixGetsStyledPage(t *testing.T) {
	h := newProxyHarness(t, time.Second, time.Second, 0)

	session := &scriptedSession{}
	session.script = func(m protocol.Message) {
		if req, ok := m.(*protocol.TunnelRequest); ok {
			h.pending.Complete(req.RequestID, &protocol.TunnelResponse{
				RequestID: req.RequestID,
				Status:    http.StatusBadGateway,
				Body:      "Bad Gateway: connection refused",
			})
		}
	}
	h.addTunnel(t, "down", session)

	resp := h.get(t, "down."+testBaseDomain, "/", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "connection refused")
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html",
		"client-reported gateway errors are replaced with the styled page")
}

func TestPlain502BodyPassesThrough(t *testing.T) {
	h := newProxyHarness(t, time.Second, time.Second, 0)

	session := &scriptedSession{}
	session.script = func(m protocol.Message) {
		if req, ok := m.(*protocol.TunnelRequest); ok {
			h.pending.Complete(req.RequestID, &protocol.TunnelResponse{
				RequestID: req.RequestID,
				Status:    http.StatusBadGateway,
				Body:      "upstream said no",
			})
		}
	}
	h.addTunnel(t, "custom", session)

	resp := h.get(t, "custom."+testBaseDomain, "/", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "upstream said no", string(body),
		"a 502 without the error prefix is the app's own response")
}

func dialWS(t *testing.T, serverURL, host, path string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(serverURL, "http") + path
	header := http.Header{}
	header.Set("Host", host)
	return websocket.DefaultDialer.Dial(url, header)
}

func TestWebSocketUpgradeAndBufferedFrame(t *testing.T) {
	h := newProxyHarness(t, time.Second, 2*time.Second, 0)

	session := &scriptedSession{}
	session.script = func(m protocol.Message) {
		up, ok := m.(*protocol.WsUpgrade)
		if !ok {
			return
		}
		// Confirm the upgrade and race a frame in before the public proxy
		// attaches.
		h.wsProxies.CompletePending(up.WsID, wsproxy.UpgradeResult{})
		h.wsProxies.Forward(&protocol.WsFrame{
			WsID:   up.WsID,
			Opcode: protocol.OpcodeText,
			Data:   "hello",
		})
	}
	h.addTunnel(t, "chat", session)

	conn, _, err := dialWS(t, h.server.URL, "chat."+testBaseDomain, "/socket?room=1")
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	assert.Equal(t, "hello", string(data))

	// The ws_upgrade frame carried path including query.
	var up *protocol.WsUpgrade
	for _, m := range session.sent() {
		if f, ok := m.(*protocol.WsUpgrade); ok {
			up = f
		}
	}
	require.NotNil(t, up)
	assert.Equal(t, "/socket?room=1", up.Path)

	// Public-side frames flow back as ws_frame.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("world")))
	assert.Eventually(t, func() bool {
		for _, m := range session.sent() {
			if f, ok := m.(*protocol.WsFrame); ok && f.Data == "world" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketUpgradeRefused(t *testing.T) {
	h := newProxyHarness(t, time.Second, 2*time.Second, 0)

	session := &scriptedSession{}
	session.script = func(m protocol.Message) {
		if up, ok := m.(*protocol.WsUpgrade); ok {
			h.wsProxies.HandleClose(up.WsID, 1011, "upstream refused",
				assert.AnError)
		}
	}
	h.addTunnel(t, "refuse", session)

	_, resp, err := dialWS(t, h.server.URL, "refuse."+testBaseDomain, "/socket")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestWebSocketUpgradeTimeout(t *testing.T) {
	h := newProxyHarness(t, time.Second, 100*time.Millisecond, 0)
	session := &scriptedSession{} // never confirms
	h.addTunnel(t, "mute", session)

	_, resp, err := dialWS(t, h.server.URL, "mute."+testBaseDomain, "/socket")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)

	// The client is told to drop the upstream socket it may have opened.
	var wsID string
	for _, m := range session.sent() {
		if up, ok := m.(*protocol.WsUpgrade); ok {
			wsID = up.WsID
		}
	}
	require.NotEmpty(t, wsID)
	assert.Eventually(t, func() bool {
		for _, m := range session.sent() {
			if cl, ok := m.(*protocol.WsClose); ok && cl.WsID == wsID {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}
