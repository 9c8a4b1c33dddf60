package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	pkgerrors "github.com/burrowhq/burrow/pkg/errors"
)

// Encode serializes a control frame, splicing the type tag in front of the
// message fields so frame structs stay free of bookkeeping fields.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to marshal control frame")
	}

	tag, err := json.Marshal(struct {
		Type Type `json:"type"`
	}{m.MessageType()})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to marshal frame tag")
	}

	if len(body) == 2 { // bare "{}"
		return tag, nil
	}

	out := make([]byte, 0, len(tag)+len(body))
	out = append(out, tag[:len(tag)-1]...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

// Decode parses a control frame. Malformed JSON yields an invalid_json
// error; a well-formed frame of unrecognized type yields unknown_message.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, pkgerrors.NewAppError(pkgerrors.CodeInvalidJSON, "malformed control frame", err)
	}

	var m Message
	switch head.Type {
	case TypeRegisterTunnel:
		m = &RegisterTunnel{}
	case TypeTunnelRegistered:
		m = &TunnelRegistered{}
	case TypeTunnelRequest:
		m = &TunnelRequest{}
	case TypeTunnelResponse:
		m = &TunnelResponse{}
	case TypeWsUpgrade:
		m = &WsUpgrade{}
	case TypeWsUpgraded:
		m = &WsUpgraded{}
	case TypeWsFrame:
		m = &WsFrame{}
	case TypeWsClose:
		m = &WsClose{}
	case TypeRegisterTcpTunnel:
		m = &RegisterTcpTunnel{}
	case TypeTcpTunnelRegistered:
		m = &TcpTunnelRegistered{}
	case TypeTcpConnect:
		m = &TcpConnect{}
	case TypeTcpConnected:
		m = &TcpConnected{}
	case TypeTcpData:
		m = &TcpData{}
	case TypeTcpClose:
		m = &TcpClose{}
	case TypeHeartbeat:
		m = &Heartbeat{}
	case TypeError:
		m = &Error{}
	default:
		return nil, pkgerrors.NewAppError(pkgerrors.CodeUnknownMessage,
			fmt.Sprintf("unknown message type %q", head.Type), nil)
	}

	if err := json.Unmarshal(data, m); err != nil {
		return nil, pkgerrors.NewAppError(pkgerrors.CodeInvalidJSON, "malformed control frame", err)
	}

	return m, nil
}

// EncodeBody converts payload bytes into the wire body and its encoding
// marker: valid UTF-8 travels raw with an empty encoding, anything else is
// base64 with encoding "base64".
func EncodeBody(data []byte) (body, encoding string) {
	if len(data) == 0 {
		return "", ""
	}
	if utf8.Valid(data) {
		return string(data), ""
	}
	return base64.StdEncoding.EncodeToString(data), EncodingBase64
}

// DecodeBody reverses EncodeBody. An absent or unrecognized encoding means
// the body is raw UTF-8 text.
func DecodeBody(body, encoding string) ([]byte, error) {
	if encoding == EncodingBase64 {
		data, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return nil, pkgerrors.NewAppError(pkgerrors.CodeUnsupportedFormat, "invalid base64 body", err)
		}
		return data, nil
	}
	return []byte(body), nil
}
