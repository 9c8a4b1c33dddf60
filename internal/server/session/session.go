// Package session implements the per-client tunnel control channel: a state
// machine over one WebSocket that registers tunnels, dispatches responses,
// and tears down everything the client owns when it disconnects.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/burrowhq/burrow/internal/protocol"
	"github.com/burrowhq/burrow/internal/server/pending"
	"github.com/burrowhq/burrow/internal/server/registry"
	"github.com/burrowhq/burrow/internal/server/tcp"
	"github.com/burrowhq/burrow/internal/server/wsproxy"
	pkgerrors "github.com/burrowhq/burrow/pkg/errors"
	"github.com/burrowhq/burrow/pkg/ident"
	"github.com/burrowhq/burrow/pkg/logger"
	"github.com/burrowhq/burrow/pkg/utils"
)

// DefaultHeartbeatInterval is how often a transport-level ping is sent.
const DefaultHeartbeatInterval = 30 * time.Second

const writeTimeout = 10 * time.Second

// Session states.
const (
	StateAwaitingRegistration = "awaiting_registration"
	StateConnected            = "connected"
)

// ReservationGate is the accounts collaborator consulted before assigning a
// requested subdomain.
type ReservationGate interface {
	Allow(publicKey, subdomain string) bool
}

// Deps wires a session to the server's registries.
type Deps struct {
	Registry          *registry.Registry
	Pending           *pending.Table
	WsProxies         *wsproxy.Registry
	TcpManager        *tcp.Manager
	Gate              ReservationGate
	BaseDomain        string
	ListenerPort      int
	HeartbeatInterval time.Duration
}

// Session is one connected tunnel client.
type Session struct {
	ID   uuid.UUID
	conn *websocket.Conn
	deps Deps

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu        sync.Mutex
	state     string
	publicKey string // base64, set by the first successful registration
	closed    bool
}

// New wraps an upgraded control WebSocket.
func New(conn *websocket.Conn, deps Deps) *Session {
	if deps.HeartbeatInterval <= 0 {
		deps.HeartbeatInterval = DefaultHeartbeatInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:     uuid.New(),
		conn:   conn,
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		state:  StateAwaitingRegistration,
	}
}

// Context is done when the session is disposed.
func (s *Session) Context() context.Context {
	return s.ctx
}

// State returns the current session state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SendFrame serializes a control frame onto the WebSocket. Writes from all
// goroutines funnel through the session's write lock.
func (s *Session) SendFrame(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return pkgerrors.Wrap(err, "session write failed")
	}
	return nil
}

// Run processes frames in receive order until the transport drops, then
// disposes every piece of derived state. Blocks for the session lifetime.
func (s *Session) Run() {
	logger.InfoEvent().
		Str("session_id", s.ID.String()).
		Str("remote_addr", s.conn.RemoteAddr().String()).
		Msg("Tunnel session opened")

	go s.keepalive()
	defer s.dispose()

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			logger.InfoEvent().
				Err(err).
				Str("session_id", s.ID.String()).
				Msg("Tunnel session transport closed")
			return
		}
		if msgType != websocket.TextMessage {
			s.sendError(pkgerrors.CodeUnsupportedFormat, "control frames must be text messages")
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			code := pkgerrors.CodeInvalidJSON
			var appErr *pkgerrors.AppError
			if errors.As(err, &appErr) {
				code = appErr.Code
			}
			s.sendError(code, err.Error())
			continue
		}

		s.handle(msg)
	}
}

// handle dispatches one decoded frame according to the session state.
func (s *Session) handle(msg protocol.Message) {
	if s.State() == StateAwaitingRegistration {
		reg, ok := msg.(*protocol.RegisterTunnel)
		if !ok {
			s.sendError(pkgerrors.CodeRegistrationFailed,
				fmt.Sprintf("register_tunnel required before %s", msg.MessageType()))
			return
		}
		s.handleRegisterTunnel(reg)
		return
	}

	switch m := msg.(type) {
	case *protocol.RegisterTunnel:
		s.handleRegisterTunnel(m)
	case *protocol.RegisterTcpTunnel:
		s.handleRegisterTcpTunnel(m)
	case *protocol.TunnelResponse:
		if !s.deps.Pending.Complete(m.RequestID, m) {
			logger.DebugEvent().
				Str("request_id", m.RequestID).
				Msg("Response for request no longer pending")
		}
	case *protocol.WsUpgraded:
		s.deps.WsProxies.CompletePending(m.WsID, wsproxy.UpgradeResult{Headers: m.Headers})
	case *protocol.WsFrame:
		s.deps.WsProxies.Forward(m)
	case *protocol.WsClose:
		s.deps.WsProxies.HandleClose(m.WsID, m.Code, m.Reason,
			pkgerrors.NewAppError(pkgerrors.CodeBadGateway, m.Reason, nil))
	case *protocol.TcpConnected:
		s.deps.TcpManager.HandleConnected(m.TcpID)
	case *protocol.TcpData:
		s.deps.TcpManager.HandleData(m)
	case *protocol.TcpClose:
		s.deps.TcpManager.HandleClose(m.TcpID, m.Reason)
	case *protocol.Heartbeat:
		if err := s.SendFrame(&protocol.Heartbeat{Timestamp: time.Now().Unix()}); err != nil {
			logger.DebugEvent().Err(err).Msg("Heartbeat reply failed")
		}
	case *protocol.Error:
		logger.WarnEvent().
			Str("session_id", s.ID.String()).
			Str("code", m.Code).
			Str("message", m.Message).
			Msg("Error frame from client")
	default:
		s.sendError(pkgerrors.CodeUnknownMessage,
			fmt.Sprintf("unexpected message type %s", msg.MessageType()))
	}
}

// handleRegisterTunnel verifies the attestation, assigns a subdomain, and
// claims it in the registry. Registration failures answer with an error
// frame; the session stays open so the client may retry.
func (s *Session) handleRegisterTunnel(m *protocol.RegisterTunnel) {
	publicKey, err := VerifyAttestation(m.Attestation, time.Now())
	if err != nil {
		s.sendError(pkgerrors.WireCode(err), err.Error())
		return
	}
	publicKeyB64 := m.Attestation.PublicKey

	subdomain, requested := s.assignSubdomain(publicKey, m.Attestation.RequestedSubdomain)
	if requested && s.deps.Gate != nil && !s.deps.Gate.Allow(publicKeyB64, subdomain) {
		s.sendError(pkgerrors.CodeSubdomainTaken, "subdomain reserved by another client")
		return
	}

	tun := &registry.Tunnel{
		ID:        ident.New(),
		Subdomain: subdomain,
		SessionID: s.ID,
		PublicKey: publicKeyB64,
		LocalHost: m.LocalHost,
		LocalPort: m.LocalPort,
		Session:   s,
	}

	if err := s.deps.Registry.Register(s.ctx, tun); err != nil {
		s.sendError(pkgerrors.WireCode(err), err.Error())
		return
	}

	s.mu.Lock()
	s.state = StateConnected
	s.publicKey = publicKeyB64
	s.mu.Unlock()

	reply := &protocol.TunnelRegistered{
		TunnelID:  tun.ID,
		Subdomain: subdomain,
		FullURL:   s.fullURL(subdomain),
	}
	if err := s.SendFrame(reply); err != nil {
		logger.WarnEvent().Err(err).Msg("Failed to confirm registration")
	}
}

// assignSubdomain applies the assignment rule: an empty or invalid request
// falls back to the key-derived subdomain; requested reports whether the
// client's own choice was used.
func (s *Session) assignSubdomain(publicKey []byte, requestedSubdomain string) (string, bool) {
	requested := utils.NormalizeSubdomain(requestedSubdomain)
	if requested == "" || !utils.IsValidSubdomain(requested) {
		return utils.DeriveSubdomain(publicKey), false
	}
	return requested, true
}

func (s *Session) handleRegisterTcpTunnel(m *protocol.RegisterTcpTunnel) {
	tun, err := s.deps.TcpManager.RegisterTunnel(s.ID, s, m.LocalPort)
	if err != nil {
		s.sendError(pkgerrors.WireCode(err), err.Error())
		return
	}

	reply := &protocol.TcpTunnelRegistered{
		TcpTunnelID: tun.ID,
		ServerPort:  tun.ServerPort,
		LocalPort:   tun.LocalPort,
	}
	if err := s.SendFrame(reply); err != nil {
		logger.WarnEvent().Err(err).Msg("Failed to confirm TCP registration")
	}
}

// keepalive sends transport pings until the session is disposed.
func (s *Session) keepalive() {
	ticker := time.NewTicker(s.deps.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// dispose unregisters every HTTP tunnel, cancels their pending requests,
// stops the session's TCP listeners, and lets the WS-proxy registry tear
// down its proxies.
func (s *Session) dispose() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()

	removed := s.deps.Registry.UnregisterSession(s.ID)
	for _, tun := range removed {
		s.deps.Pending.CancelForTunnel(tun.ID)
	}
	s.deps.TcpManager.UnregisterSession(s.ID)
	s.deps.WsProxies.DisposeSession(s.ID)
	s.conn.Close()

	logger.InfoEvent().
		Str("session_id", s.ID.String()).
		Int("tunnels_removed", len(removed)).
		Msg("Tunnel session disposed")
}

// sendError answers with an out-of-band error frame; the session stays open.
func (s *Session) sendError(code, message string) {
	logger.DebugEvent().
		Str("session_id", s.ID.String()).
		Str("code", code).
		Str("message", message).
		Msg("Sending error frame")
	if err := s.SendFrame(&protocol.Error{Code: code, Message: message}); err != nil {
		logger.DebugEvent().Err(err).Msg("Failed to send error frame")
	}
}

// fullURL builds the public URL for a registered subdomain.
func (s *Session) fullURL(subdomain string) string {
	host := fmt.Sprintf("%s.%s", subdomain, s.deps.BaseDomain)
	if s.deps.ListenerPort != 0 && s.deps.ListenerPort != 443 {
		return fmt.Sprintf("https://%s:%d", host, s.deps.ListenerPort)
	}
	return fmt.Sprintf("https://%s", host)
}
