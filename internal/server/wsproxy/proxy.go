package wsproxy

import (
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/burrowhq/burrow/internal/protocol"
	"github.com/burrowhq/burrow/pkg/logger"
)

var writeTimeout = 10 * time.Second

// FrameSender pushes control frames onto the owning tunnel session.
type FrameSender interface {
	SendFrame(m protocol.Message) error
}

// Proxy pumps frames between one upgraded public WebSocket and the tunnel
// session carrying its upstream counterpart.
type Proxy struct {
	wsID      string
	sessionID uuid.UUID
	conn      *websocket.Conn
	session   FrameSender
	registry  *Registry

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewProxy wraps an upgraded public-side connection.
func NewProxy(wsID string, sessionID uuid.UUID, conn *websocket.Conn, session FrameSender, registry *Registry) *Proxy {
	return &Proxy{
		wsID:      wsID,
		sessionID: sessionID,
		conn:      conn,
		session:   session,
		registry:  registry,
	}
}

// Run attaches the proxy to the registry, which drains any frames buffered
// while the handshake raced ahead, then pumps public frames toward the
// tunnel until either side closes. Blocks until the public socket is done.
func (p *Proxy) Run() {
	p.conn.SetPingHandler(func(appData string) error {
		p.forward(protocol.OpcodePing, []byte(appData))
		return nil
	})
	p.conn.SetPongHandler(func(appData string) error {
		p.forward(protocol.OpcodePong, []byte(appData))
		return nil
	})

	p.registry.Attach(p.wsID, p.sessionID, p)

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			code := websocket.CloseNormalClosure
			reason := "client closed"
			if closeErr, ok := err.(*websocket.CloseError); ok {
				code = closeErr.Code
				reason = closeErr.Text
			}
			p.closeLocal(code, reason)
			return
		}

		switch msgType {
		case websocket.TextMessage:
			p.forward(protocol.OpcodeText, data)
		case websocket.BinaryMessage:
			p.forward(protocol.OpcodeBinary, data)
		}
	}
}

// forward encodes one public-side frame and sends it to the session.
func (p *Proxy) forward(opcode string, data []byte) {
	// Text is sent raw UTF-8; every other opcode's payload travels base64.
	frame := &protocol.WsFrame{WsID: p.wsID, Opcode: opcode}
	if opcode == protocol.OpcodeText {
		frame.Data = string(data)
	} else {
		frame.Data = base64.StdEncoding.EncodeToString(data)
		frame.DataEncoding = protocol.EncodingBase64
	}

	if err := p.session.SendFrame(frame); err != nil {
		logger.WarnEvent().
			Err(err).
			Str("ws_id", p.wsID).
			Msg("Failed to forward frame to tunnel")
		p.closeLocal(websocket.CloseGoingAway, "tunnel unavailable")
	}
}

// Deliver implements Handle: one tunnel-originated frame onto the public
// socket, in the frame type matching its opcode.
func (p *Proxy) Deliver(frame *protocol.WsFrame) {
	data, err := protocol.DecodeBody(frame.Data, frame.DataEncoding)
	if err != nil {
		logger.WarnEvent().
			Err(err).
			Str("ws_id", p.wsID).
			Str("opcode", frame.Opcode).
			Msg("Dropping undecodable frame")
		return
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	deadline := time.Now().Add(writeTimeout)
	p.conn.SetWriteDeadline(deadline)

	switch frame.Opcode {
	case protocol.OpcodeText:
		err = p.conn.WriteMessage(websocket.TextMessage, data)
	case protocol.OpcodeBinary:
		err = p.conn.WriteMessage(websocket.BinaryMessage, data)
	case protocol.OpcodePing:
		err = p.conn.WriteControl(websocket.PingMessage, data, deadline)
	case protocol.OpcodePong:
		err = p.conn.WriteControl(websocket.PongMessage, data, deadline)
	case protocol.OpcodeClose:
		err = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(data)), deadline)
	default:
		logger.WarnEvent().
			Str("ws_id", p.wsID).
			Str("opcode", frame.Opcode).
			Msg("Unknown opcode from tunnel")
		return
	}

	if err != nil {
		logger.WarnEvent().
			Err(err).
			Str("ws_id", p.wsID).
			Msg("Public socket write failed, closing proxy")
		// The read loop observes the close and runs the normal teardown.
		p.conn.Close()
	}
}

// CloseFromTunnel implements Handle: the tunnel side closed, mirror it.
func (p *Proxy) CloseFromTunnel(code int, reason string) {
	p.closeOnce.Do(func() {
		p.writeMu.Lock()
		p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(writeTimeout))
		p.writeMu.Unlock()
		p.conn.Close()
		p.registry.Dispose(p.wsID)
	})
}

// closeLocal handles a public-side close: notify the tunnel, then dispose.
func (p *Proxy) closeLocal(code int, reason string) {
	p.closeOnce.Do(func() {
		if err := p.session.SendFrame(&protocol.WsClose{WsID: p.wsID, Code: code, Reason: reason}); err != nil {
			logger.DebugEvent().
				Err(err).
				Str("ws_id", p.wsID).
				Msg("Failed to notify tunnel of close")
		}
		p.conn.Close()
		p.registry.Dispose(p.wsID)
		logger.DebugEvent().
			Str("ws_id", p.wsID).
			Int("code", code).
			Str("reason", reason).
			Msg("WebSocket proxy closed")
	})
}
