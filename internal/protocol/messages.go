// Package protocol defines the framed JSON control messages exchanged with
// tunnel clients. Each frame is a single JSON object carried in one WebSocket
// text message, tagged by a snake_case "type" field.
package protocol

import "net/http"

// Type identifies a control frame.
type Type string

const (
	// Client -> Server
	TypeRegisterTunnel    Type = "register_tunnel"
	TypeTunnelResponse    Type = "tunnel_response"
	TypeWsUpgraded        Type = "ws_upgraded"
	TypeRegisterTcpTunnel Type = "register_tcp_tunnel"
	TypeTcpConnected      Type = "tcp_connected"

	// Server -> Client
	TypeTunnelRegistered    Type = "tunnel_registered"
	TypeTunnelRequest       Type = "tunnel_request"
	TypeWsUpgrade           Type = "ws_upgrade"
	TypeTcpTunnelRegistered Type = "tcp_tunnel_registered"
	TypeTcpConnect          Type = "tcp_connect"

	// Both directions
	TypeWsFrame   Type = "ws_frame"
	TypeWsClose   Type = "ws_close"
	TypeTcpData   Type = "tcp_data"
	TypeTcpClose  Type = "tcp_close"
	TypeHeartbeat Type = "heartbeat"
	TypeError     Type = "error"
)

// WebSocket opcodes carried in ws_frame messages.
const (
	OpcodeText   = "text"
	OpcodeBinary = "binary"
	OpcodePing   = "ping"
	OpcodePong   = "pong"
	OpcodeClose  = "close"
)

// EncodingBase64 marks a body or data field as base64-encoded binary.
const EncodingBase64 = "base64"

// Message is implemented by every control frame.
type Message interface {
	MessageType() Type
}

// HeaderPair is a single [name, value] header entry. Headers travel as
// ordered pairs so that duplicate names and ordering survive the tunnel.
type HeaderPair [2]string

// HeadersFromHTTP flattens an http.Header into ordered pairs.
func HeadersFromHTTP(h http.Header) []HeaderPair {
	pairs := make([]HeaderPair, 0, len(h))
	for name, values := range h {
		for _, value := range values {
			pairs = append(pairs, HeaderPair{name, value})
		}
	}
	return pairs
}

// HeadersToHTTP expands ordered pairs back into an http.Header.
func HeadersToHTTP(pairs []HeaderPair) http.Header {
	h := make(http.Header, len(pairs))
	for _, p := range pairs {
		h.Add(p[0], p[1])
	}
	return h
}

// Attestation proves control of a client public key at registration time.
// PublicKey and Signature are standard base64 of the raw Ed25519 bytes.
type Attestation struct {
	PublicKey          string `json:"public_key"`
	RequestedSubdomain string `json:"requested_subdomain,omitempty"`
	Timestamp          int64  `json:"timestamp"`
	Signature          string `json:"signature"`
}

// RegisterTunnel asks the server for an HTTP tunnel.
type RegisterTunnel struct {
	Attestation *Attestation `json:"attestation"`
	LocalHost   string       `json:"local_host"`
	LocalPort   int          `json:"local_port"`
}

func (*RegisterTunnel) MessageType() Type { return TypeRegisterTunnel }

// TunnelRegistered confirms a successful HTTP tunnel registration.
type TunnelRegistered struct {
	TunnelID  string `json:"tunnel_id"`
	Subdomain string `json:"subdomain"`
	FullURL   string `json:"full_url"`
}

func (*TunnelRegistered) MessageType() Type { return TypeTunnelRegistered }

// TunnelRequest delivers a public HTTP request to the tunnel client.
type TunnelRequest struct {
	RequestID    string       `json:"request_id"`
	TunnelID     string       `json:"tunnel_id"`
	Method       string       `json:"method"`
	Path         string       `json:"path"`
	QueryString  string       `json:"query_string"`
	Headers      []HeaderPair `json:"headers"`
	Body         string       `json:"body"`
	BodyEncoding string       `json:"body_encoding,omitempty"`
	ClientIP     string       `json:"client_ip"`
}

func (*TunnelRequest) MessageType() Type { return TypeTunnelRequest }

// TunnelResponse completes a forwarded request.
type TunnelResponse struct {
	RequestID    string       `json:"request_id"`
	Status       int          `json:"status"`
	Headers      []HeaderPair `json:"headers"`
	Body         string       `json:"body"`
	BodyEncoding string       `json:"body_encoding,omitempty"`
}

func (*TunnelResponse) MessageType() Type { return TypeTunnelResponse }

// WsUpgrade asks the client to open an upstream WebSocket.
type WsUpgrade struct {
	WsID     string       `json:"ws_id"`
	TunnelID string       `json:"tunnel_id"`
	Path     string       `json:"path"`
	Headers  []HeaderPair `json:"headers"`
}

func (*WsUpgrade) MessageType() Type { return TypeWsUpgrade }

// WsUpgraded confirms a successful upstream WebSocket handshake.
type WsUpgraded struct {
	WsID    string       `json:"ws_id"`
	Headers []HeaderPair `json:"headers"`
}

func (*WsUpgraded) MessageType() Type { return TypeWsUpgraded }

// WsFrame forwards one WebSocket frame in either direction.
type WsFrame struct {
	WsID         string `json:"ws_id"`
	Opcode       string `json:"opcode"`
	Data         string `json:"data"`
	DataEncoding string `json:"data_encoding,omitempty"`
}

func (*WsFrame) MessageType() Type { return TypeWsFrame }

// WsClose tears down a WebSocket proxy session.
type WsClose struct {
	WsID   string `json:"ws_id"`
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

func (*WsClose) MessageType() Type { return TypeWsClose }

// RegisterTcpTunnel asks the server for a raw TCP tunnel.
type RegisterTcpTunnel struct {
	LocalPort int `json:"local_port"`
}

func (*RegisterTcpTunnel) MessageType() Type { return TypeRegisterTcpTunnel }

// TcpTunnelRegistered confirms a TCP tunnel and reports the allocated port.
type TcpTunnelRegistered struct {
	TcpTunnelID string `json:"tcp_tunnel_id"`
	ServerPort  int    `json:"server_port"`
	LocalPort   int    `json:"local_port"`
}

func (*TcpTunnelRegistered) MessageType() Type { return TypeTcpTunnelRegistered }

// TcpConnect notifies the client of a new public TCP connection.
type TcpConnect struct {
	TcpID       string `json:"tcp_id"`
	TcpTunnelID string `json:"tcp_tunnel_id"`
}

func (*TcpConnect) MessageType() Type { return TypeTcpConnect }

// TcpConnected confirms the client opened its upstream TCP connection.
type TcpConnected struct {
	TcpID string `json:"tcp_id"`
}

func (*TcpConnected) MessageType() Type { return TypeTcpConnected }

// TcpData forwards raw TCP bytes. Data is always base64.
type TcpData struct {
	TcpID        string `json:"tcp_id"`
	Data         string `json:"data"`
	DataEncoding string `json:"data_encoding"`
}

func (*TcpData) MessageType() Type { return TypeTcpData }

// TcpClose tears down a TCP proxy connection.
type TcpClose struct {
	TcpID  string `json:"tcp_id"`
	Reason string `json:"reason"`
}

func (*TcpClose) MessageType() Type { return TypeTcpClose }

// Heartbeat is a keepalive in either direction. Timestamp is unix seconds.
type Heartbeat struct {
	Timestamp int64 `json:"timestamp"`
}

func (*Heartbeat) MessageType() Type { return TypeHeartbeat }

// Error is an out-of-band error notification.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (*Error) MessageType() Type { return TypeError }
