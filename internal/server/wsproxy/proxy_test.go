package wsproxy

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/burrowhq/burrow/internal/protocol"
)

type nullSender struct {
	mu     sync.Mutex
	frames []protocol.Message
}

func (s *nullSender) SendFrame(m protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, m)
	return nil
}

func TestDeliverTimeoutClosesStalledSocket(t *testing.T) {
	old := writeTimeout
	writeTimeout = 50 * time.Millisecond
	defer func() { writeTimeout = old }()

	reg := NewRegistry(0, 0)
	defer reg.Close()

	upgrader := websocket.Upgrader{}
	proxies := make(chan *Proxy, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p := NewProxy("w1", uuid.New(), conn, &nullSender{}, reg)
		proxies <- p
		p.Run()
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()

	p := <-proxies
	require.Eventually(t, func() bool { return reg.ActiveCount() == 1 },
		time.Second, 10*time.Millisecond)

	// The client never reads; pumping large frames fills the socket buffers
	// until a write hits its deadline and the proxy tears down.
	payload := base64.StdEncoding.EncodeToString(make([]byte, 256*1024))
	frame := &protocol.WsFrame{
		WsID:         "w1",
		Opcode:       protocol.OpcodeBinary,
		Data:         payload,
		DataEncoding: protocol.EncodingBase64,
	}
	deadline := time.Now().Add(5 * time.Second)
	for reg.ActiveCount() == 1 && time.Now().Before(deadline) {
		p.Deliver(frame)
	}

	require.Eventually(t, func() bool { return reg.ActiveCount() == 0 },
		2*time.Second, 10*time.Millisecond,
		"a stalled public peer must not keep the proxy alive")
}
