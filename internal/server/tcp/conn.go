package tcp

import (
	"encoding/base64"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/burrowhq/burrow/internal/protocol"
	"github.com/burrowhq/burrow/pkg/logger"
)

// writeTimeout bounds public-side writes; handleData runs on the session's
// read goroutine, so a stalled peer must not block frame processing.
var writeTimeout = 10 * time.Second

// Connection proxy states.
const (
	StateWaitingTransfer int32 = iota
	StateWaitingClient
	StateConnected
	StateClosed
)

// Conn proxies one accepted public TCP connection through a tunnel. Bytes
// arriving before the client confirms its upstream connect are discarded.
type Conn struct {
	id          string
	tcpTunnelID string
	sock        net.Conn
	session     FrameSender
	manager     *Manager

	state     atomic.Int32
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newConn(id, tcpTunnelID string, sock net.Conn, session FrameSender, manager *Manager) *Conn {
	c := &Conn{
		id:          id,
		tcpTunnelID: tcpTunnelID,
		sock:        sock,
		session:     session,
		manager:     manager,
	}
	c.state.Store(StateWaitingTransfer)
	return c
}

// run announces the connection to the tunnel client and pumps public-side
// bytes toward it until either side closes.
func (c *Conn) run() {
	c.state.Store(StateWaitingClient)

	if err := c.session.SendFrame(&protocol.TcpConnect{TcpID: c.id, TcpTunnelID: c.tcpTunnelID}); err != nil {
		logger.WarnEvent().
			Err(err).
			Str("tcp_id", c.id).
			Msg("Failed to announce TCP connection to tunnel")
		c.terminate("tunnel unavailable", false)
		return
	}

	buffer := make([]byte, 32*1024)
	for {
		n, err := c.sock.Read(buffer)
		if n > 0 {
			if c.state.Load() != StateConnected {
				logger.WarnEvent().
					Str("tcp_id", c.id).
					Int("bytes", n).
					Msg("Discarding bytes received before upstream connect")
			} else {
				frame := &protocol.TcpData{
					TcpID:        c.id,
					Data:         base64.StdEncoding.EncodeToString(buffer[:n]),
					DataEncoding: protocol.EncodingBase64,
				}
				if sendErr := c.session.SendFrame(frame); sendErr != nil {
					c.terminate("tunnel unavailable", false)
					return
				}
			}
		}
		if err != nil {
			reason := "remote closed"
			if err != io.EOF {
				reason = "read error"
			}
			c.terminate(reason, true)
			return
		}
	}
}

// handleConnected activates the read path.
func (c *Conn) handleConnected() {
	c.state.Store(StateConnected)
	logger.DebugEvent().
		Str("tcp_id", c.id).
		Msg("TCP connection active")
}

// handleData writes tunnel-originated bytes to the public socket. A failed
// write emits tcp_close and terminates; the server buffers nothing.
func (c *Conn) handleData(frame *protocol.TcpData) {
	data, err := protocol.DecodeBody(frame.Data, frame.DataEncoding)
	if err != nil {
		logger.WarnEvent().
			Err(err).
			Str("tcp_id", c.id).
			Msg("Dropping undecodable TCP data")
		return
	}

	c.writeMu.Lock()
	c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = c.sock.Write(data)
	c.writeMu.Unlock()

	if err != nil {
		c.terminate("local write failed", true)
	}
}

// handleClose processes a tunnel-side tcp_close; no close is echoed back.
func (c *Conn) handleClose(reason string) {
	logger.DebugEvent().
		Str("tcp_id", c.id).
		Str("reason", reason).
		Msg("TCP connection closed by tunnel")
	c.terminate(reason, false)
}

// terminate closes the socket and removes the connection. When the close is
// locally initiated, the remote side is told via tcp_close.
func (c *Conn) terminate(reason string, notifyRemote bool) {
	c.closeOnce.Do(func() {
		c.state.Store(StateClosed)
		if notifyRemote {
			if err := c.session.SendFrame(&protocol.TcpClose{TcpID: c.id, Reason: reason}); err != nil {
				logger.DebugEvent().
					Err(err).
					Str("tcp_id", c.id).
					Msg("Failed to send tcp_close")
			}
		}
		c.sock.Close()
		c.manager.removeConn(c.id)
		logger.DebugEvent().
			Str("tcp_id", c.id).
			Str("reason", reason).
			Msg("TCP connection terminated")
	})
}
