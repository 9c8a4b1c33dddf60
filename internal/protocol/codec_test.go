package protocol

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/burrowhq/burrow/pkg/errors"
)

func TestEncodeCarriesTypeTag(t *testing.T) {
	data, err := Encode(&Heartbeat{Timestamp: 1724500000})
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "heartbeat", raw["type"])
	assert.EqualValues(t, 1724500000, raw["timestamp"])
}

func TestRoundTrip(t *testing.T) {
	messages := []Message{
		&RegisterTunnel{
			Attestation: &Attestation{
				PublicKey:          "pubkeybase64",
				RequestedSubdomain: "myapp",
				Timestamp:          1724500000,
				Signature:          "sigbase64",
			},
			LocalHost: "localhost",
			LocalPort: 3000,
		},
		&TunnelRegistered{TunnelID: "t1", Subdomain: "myapp", FullURL: "https://myapp.burrow.dev"},
		&TunnelRequest{
			RequestID:   "r1",
			TunnelID:    "t1",
			Method:      "GET",
			Path:        "/api/users",
			QueryString: "page=2",
			Headers:     []HeaderPair{{"User-Agent", "curl/8"}},
			Body:        "",
			ClientIP:    "203.0.113.9",
		},
		&TunnelResponse{
			RequestID: "r1",
			Status:    200,
			Headers:   []HeaderPair{{"content-type", "application/json"}},
			Body:      `{"ok":true}`,
		},
		&WsUpgrade{WsID: "w1", TunnelID: "t1", Path: "/socket?v=2", Headers: []HeaderPair{{"Origin", "https://x"}}},
		&WsUpgraded{WsID: "w1", Headers: []HeaderPair{{"Sec-Websocket-Accept", "abc"}}},
		&WsFrame{WsID: "w1", Opcode: OpcodeText, Data: "hello"},
		&WsFrame{WsID: "w1", Opcode: OpcodeBinary, Data: "AAEC", DataEncoding: EncodingBase64},
		&WsClose{WsID: "w1", Code: 1000, Reason: "done"},
		&RegisterTcpTunnel{LocalPort: 5432},
		&TcpTunnelRegistered{TcpTunnelID: "tt1", ServerPort: 40003, LocalPort: 5432},
		&TcpConnect{TcpID: "c1", TcpTunnelID: "tt1"},
		&TcpConnected{TcpID: "c1"},
		&TcpData{TcpID: "c1", Data: "AAEC", DataEncoding: EncodingBase64},
		&TcpClose{TcpID: "c1", Reason: "local close"},
		&Heartbeat{Timestamp: 1724500000},
		&Error{Code: "subdomain_taken", Message: "subdomain already taken"},
	}

	for _, msg := range messages {
		t.Run(string(msg.MessageType()), func(t *testing.T) {
			data, err := Encode(msg)
			require.NoError(t, err)

			decoded, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, msg, decoded)
		})
	}
}

func TestDecodeInvalidJSON(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	require.Error(t, err)

	var appErr *pkgerrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, pkgerrors.CodeInvalidJSON, appErr.Code)
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"launch_missiles"}`))
	require.Error(t, err)

	var appErr *pkgerrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, pkgerrors.CodeUnknownMessage, appErr.Code)
}

func TestDecodeMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"timestamp":123}`))
	require.Error(t, err)

	var appErr *pkgerrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, pkgerrors.CodeUnknownMessage, appErr.Code)
}

func TestBodyEncoding(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		body, enc := EncodeBody(nil)
		assert.Empty(t, body)
		assert.Empty(t, enc)
	})

	t.Run("utf8 travels raw", func(t *testing.T) {
		body, enc := EncodeBody([]byte(`{"ok":true}`))
		assert.Equal(t, `{"ok":true}`, body)
		assert.Empty(t, enc)

		decoded, err := DecodeBody(body, enc)
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"ok":true}`), decoded)
	})

	t.Run("binary round trips through base64", func(t *testing.T) {
		payload := []byte{0xff, 0xfe, 0x00, 0x01, 0x80}
		body, enc := EncodeBody(payload)
		assert.Equal(t, EncodingBase64, enc)

		decoded, err := DecodeBody(body, enc)
		require.NoError(t, err)
		assert.Equal(t, payload, decoded)
	})

	t.Run("invalid base64", func(t *testing.T) {
		_, err := DecodeBody("!!!not-base64!!!", EncodingBase64)
		assert.Error(t, err)
	})
}

func TestHeaderConversion(t *testing.T) {
	h := http.Header{}
	h.Add("Content-Type", "application/json")
	h.Add("Set-Cookie", "a=1")
	h.Add("Set-Cookie", "b=2")

	pairs := HeadersFromHTTP(h)
	back := HeadersToHTTP(pairs)

	assert.Equal(t, h, back)
	assert.Equal(t, []string{"a=1", "b=2"}, back.Values("Set-Cookie"))
}
