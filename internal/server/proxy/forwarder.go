package proxy

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/burrowhq/burrow/internal/protocol"
	"github.com/burrowhq/burrow/internal/server/errorpages"
	"github.com/burrowhq/burrow/internal/server/pending"
	"github.com/burrowhq/burrow/internal/server/registry"
	"github.com/burrowhq/burrow/internal/server/wsproxy"
	pkgerrors "github.com/burrowhq/burrow/pkg/errors"
	"github.com/burrowhq/burrow/pkg/ident"
	"github.com/burrowhq/burrow/pkg/logger"
)

// DefaultMaxRequestBody caps inbound request bodies at 10 MiB.
const DefaultMaxRequestBody = 10 << 20

// Tunnel clients report upstream failures as plain-text bodies with these
// prefixes; the server replaces them with its own styled pages.
const (
	badGatewayPrefix     = "Bad Gateway:"
	gatewayTimeoutPrefix = "Gateway Timeout:"
)

// Forwarder packs public HTTP requests into tunnel_request frames, waits for
// the correlated response, and streams it back. WebSocket upgrades branch
// into the ws-proxy handshake instead.
type Forwarder struct {
	pending          *pending.Table
	wsProxies        *wsproxy.Registry
	maxBody          int64
	requestTimeout   time.Duration
	wsUpgradeTimeout time.Duration
	upgrader         websocket.Upgrader
}

// NewForwarder creates a forwarder. Non-positive limits select the defaults.
func NewForwarder(table *pending.Table, wsProxies *wsproxy.Registry, maxBody int64, requestTimeout, wsUpgradeTimeout time.Duration) *Forwarder {
	if maxBody <= 0 {
		maxBody = DefaultMaxRequestBody
	}
	if requestTimeout <= 0 {
		requestTimeout = pending.DefaultRequestTimeout
	}
	if wsUpgradeTimeout <= 0 {
		wsUpgradeTimeout = wsproxy.DefaultUpgradeTimeout
	}
	return &Forwarder{
		pending:          table,
		wsProxies:        wsProxies,
		maxBody:          maxBody,
		requestTimeout:   requestTimeout,
		wsUpgradeTimeout: wsUpgradeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin enforcement is the upstream service's concern.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Forward delivers the public request through the tunnel and writes the
// outcome, success or error page, on the same response writer.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, tun *registry.Tunnel) {
	if isWebSocketUpgrade(r) {
		f.forwardWebSocket(w, r, tun)
		return
	}
	f.forwardHTTP(w, r, tun)
}

// isWebSocketUpgrade detects the upgrade handshake: Connection contains
// "upgrade" and Upgrade equals "websocket", both case-insensitive.
func isWebSocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, part := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(part), "upgrade") {
			return true
		}
	}
	return false
}

func (f *Forwarder) forwardHTTP(w http.ResponseWriter, r *http.Request, tun *registry.Tunnel) {
	start := time.Now()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, f.maxBody))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			errorpages.BodyTooLarge(w, formatBytes(f.maxBody))
			return
		}
		errorpages.BadGateway(w, "failed to read request body")
		return
	}

	requestID := ident.New()
	bodyStr, bodyEnc := protocol.EncodeBody(body)
	frame := &protocol.TunnelRequest{
		RequestID:    requestID,
		TunnelID:     tun.ID,
		Method:       r.Method,
		Path:         r.URL.Path,
		QueryString:  r.URL.RawQuery,
		Headers:      protocol.HeadersFromHTTP(r.Header),
		Body:         bodyStr,
		BodyEncoding: bodyEnc,
		ClientIP:     clientIP(r),
	}

	resultCh := f.pending.Register(r.Context(), requestID, tun.ID)

	if err := tun.Session.SendFrame(frame); err != nil {
		f.pending.Cancel(requestID)
		logger.WarnEvent().
			Err(err).
			Str("tunnel_id", tun.ID).
			Str("subdomain", tun.Subdomain).
			Msg("Failed to push request onto tunnel")
		errorpages.BadGateway(w, "tunnel control channel unavailable")
		return
	}

	select {
	case result := <-resultCh:
		if result.Err != nil {
			f.writeResultError(w, tun, result.Err)
			return
		}
		status := f.writeResponse(w, result.Response)
		logger.InfoEvent().
			Str("subdomain", tun.Subdomain).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("Request proxied")

	case <-r.Context().Done():
		// The requester hung up; the pending monitor already removed the
		// entry, this cancel covers the race.
		f.pending.Cancel(requestID)
	}
}

func (f *Forwarder) writeResultError(w http.ResponseWriter, tun *registry.Tunnel, err error) {
	switch {
	case errors.Is(err, pkgerrors.ErrRequestTimeout):
		errorpages.GatewayTimeout(w, fmt.Sprintf("no response within %s", f.requestTimeout))
	case errors.Is(err, pkgerrors.ErrSessionClosed):
		errorpages.BadGateway(w, "tunnel disconnected")
	default:
		errorpages.BadGateway(w, err.Error())
	}
	logger.WarnEvent().
		Err(err).
		Str("tunnel_id", tun.ID).
		Str("subdomain", tun.Subdomain).
		Msg("Request failed")
}

// writeResponse relays a tunnel_response onto the public socket and returns
// the status actually written.
func (f *Forwarder) writeResponse(w http.ResponseWriter, resp *protocol.TunnelResponse) int {
	body, err := protocol.DecodeBody(resp.Body, resp.BodyEncoding)
	if err != nil {
		errorpages.BadGateway(w, "undecodable response body from tunnel")
		return http.StatusBadGateway
	}

	// A 502/504 whose body carries the client's own gateway-error text gets
	// the server's styled page instead.
	if resp.Status == http.StatusBadGateway && strings.HasPrefix(string(body), badGatewayPrefix) {
		errorpages.BadGateway(w, strings.TrimSpace(strings.TrimPrefix(string(body), badGatewayPrefix)))
		return resp.Status
	}
	if resp.Status == http.StatusGatewayTimeout && strings.HasPrefix(string(body), gatewayTimeoutPrefix) {
		errorpages.GatewayTimeout(w, strings.TrimSpace(strings.TrimPrefix(string(body), gatewayTimeoutPrefix)))
		return resp.Status
	}

	for _, pair := range resp.Headers {
		// The listener recomputes framing headers for the new connection.
		switch strings.ToLower(pair[0]) {
		case "content-length", "transfer-encoding":
			continue
		}
		w.Header().Add(pair[0], pair[1])
	}
	w.WriteHeader(resp.Status)
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			logger.DebugEvent().Err(err).Msg("Failed to write response body")
		}
	}
	return resp.Status
}

func (f *Forwarder) forwardWebSocket(w http.ResponseWriter, r *http.Request, tun *registry.Tunnel) {
	wsID := ident.New()
	resultCh := f.wsProxies.RegisterPending(wsID, tun.SessionID)

	path := r.URL.Path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	frame := &protocol.WsUpgrade{
		WsID:     wsID,
		TunnelID: tun.ID,
		Path:     path,
		Headers:  protocol.HeadersFromHTTP(r.Header),
	}

	if err := tun.Session.SendFrame(frame); err != nil {
		f.wsProxies.CancelPending(wsID)
		errorpages.BadGateway(w, "tunnel control channel unavailable")
		return
	}

	timer := time.NewTimer(f.wsUpgradeTimeout)
	defer timer.Stop()

	select {
	case result := <-resultCh:
		if result.Err != nil {
			logger.WarnEvent().
				Err(result.Err).
				Str("ws_id", wsID).
				Str("subdomain", tun.Subdomain).
				Msg("Upstream refused WebSocket upgrade")
			errorpages.BadGateway(w, "upstream refused the WebSocket upgrade")
			return
		}

		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error; tell the client to tear
			// down its upstream socket.
			logger.WarnEvent().
				Err(err).
				Str("ws_id", wsID).
				Msg("Public-side WebSocket handshake failed")
			if serr := tun.Session.SendFrame(&protocol.WsClose{WsID: wsID, Code: 1011, Reason: "handshake failed"}); serr != nil {
				logger.DebugEvent().Err(serr).Msg("Failed to notify handshake failure")
			}
			f.wsProxies.Dispose(wsID)
			return
		}

		logger.InfoEvent().
			Str("ws_id", wsID).
			Str("subdomain", tun.Subdomain).
			Str("path", path).
			Msg("WebSocket proxied")
		wsproxy.NewProxy(wsID, tun.SessionID, conn, tun.Session, f.wsProxies).Run()

	case <-timer.C:
		f.wsProxies.CancelPending(wsID)
		// A late ws_upgraded has nowhere to land; tell the client to drop
		// its upstream socket instead of letting its frames age out in the
		// buffer.
		f.abandonUpgrade(tun, wsID, "upgrade timed out")
		logger.WarnEvent().
			Str("ws_id", wsID).
			Str("subdomain", tun.Subdomain).
			Dur("timeout", f.wsUpgradeTimeout).
			Msg("WebSocket upgrade timed out")
		errorpages.GatewayTimeout(w, fmt.Sprintf("no ws_upgraded within %s", f.wsUpgradeTimeout))

	case <-r.Context().Done():
		f.wsProxies.CancelPending(wsID)
		f.abandonUpgrade(tun, wsID, "requester gone")
	}
}

// abandonUpgrade tells the tunnel client a pending upgrade will never attach.
func (f *Forwarder) abandonUpgrade(tun *registry.Tunnel, wsID, reason string) {
	frame := &protocol.WsClose{WsID: wsID, Code: 1001, Reason: reason}
	if err := tun.Session.SendFrame(frame); err != nil {
		logger.DebugEvent().
			Err(err).
			Str("ws_id", wsID).
			Msg("Failed to notify abandoned upgrade")
	}
}

// clientIP prefers the first X-Forwarded-For hop over the socket address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// formatBytes renders a byte count for error pages, MiB-granular.
func formatBytes(n int64) string {
	if n%(1<<20) == 0 {
		return fmt.Sprintf("%d MiB", n>>20)
	}
	return fmt.Sprintf("%d bytes", n)
}
