// Package tcp manages per-tunnel public TCP listeners and the connection
// proxies spawned from them.
package tcp

import (
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/burrowhq/burrow/internal/protocol"
	"github.com/burrowhq/burrow/pkg/ident"
	"github.com/burrowhq/burrow/pkg/logger"
)

// FrameSender pushes control frames onto a tunnel session's WebSocket.
type FrameSender interface {
	SendFrame(m protocol.Message) error
}

// Tunnel describes an active TCP tunnel and its listener.
type Tunnel struct {
	ID         string
	SessionID  uuid.UUID
	ServerPort int
	LocalPort  int

	listener net.Listener
}

// Manager owns the port pool, the per-tunnel accept loops, and the index of
// live connection proxies.
type Manager struct {
	pool *PortPool

	mu        sync.Mutex
	tunnels   map[string]*Tunnel   // tcp_tunnel_id -> tunnel
	bySession map[uuid.UUID][]string // session -> tcp_tunnel_ids
	conns     sync.Map             // tcp_id -> *Conn
}

// NewManager creates a manager allocating from [startPort, endPort].
func NewManager(startPort, endPort int) (*Manager, error) {
	pool, err := NewPortPool(startPort, endPort)
	if err != nil {
		return nil, err
	}
	return &Manager{
		pool:      pool,
		tunnels:   make(map[string]*Tunnel),
		bySession: make(map[uuid.UUID][]string),
	}, nil
}

// RegisterTunnel allocates the first bindable port in the range, starts its
// accept loop, and returns the tunnel. Ports that fail to bind (held by
// another process) are skipped; exhausting the range yields
// ErrNoAvailablePorts.
func (m *Manager) RegisterTunnel(sessionID uuid.UUID, session FrameSender, localPort int) (*Tunnel, error) {
	tcpTunnelID := ident.New()

	var skipped []int
	defer func() {
		for _, port := range skipped {
			m.pool.Release(port)
		}
	}()

	for {
		port, err := m.pool.Allocate(tcpTunnelID)
		if err != nil {
			return nil, err
		}

		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			logger.WarnEvent().
				Err(err).
				Int("port", port).
				Msg("Port in range not bindable, trying next")
			skipped = append(skipped, port)
			continue
		}

		tun := &Tunnel{
			ID:         tcpTunnelID,
			SessionID:  sessionID,
			ServerPort: port,
			LocalPort:  localPort,
			listener:   listener,
		}

		m.mu.Lock()
		m.tunnels[tcpTunnelID] = tun
		m.bySession[sessionID] = append(m.bySession[sessionID], tcpTunnelID)
		m.mu.Unlock()

		go m.acceptLoop(tun, session)

		logger.InfoEvent().
			Str("tcp_tunnel_id", tcpTunnelID).
			Int("server_port", port).
			Int("local_port", localPort).
			Str("session_id", sessionID.String()).
			Msg("TCP tunnel registered")

		return tun, nil
	}
}

// acceptLoop accepts public connections for one tunnel until its listener
// closes. Accepted sockets transfer ownership to a per-connection proxy.
func (m *Manager) acceptLoop(tun *Tunnel, session FrameSender) {
	for {
		sock, err := tun.listener.Accept()
		if err != nil {
			// Listener closed during unregister.
			return
		}

		tcpID := ident.New()
		conn := newConn(tcpID, tun.ID, sock, session, m)
		m.conns.Store(tcpID, conn)

		logger.DebugEvent().
			Str("tcp_id", tcpID).
			Str("tcp_tunnel_id", tun.ID).
			Str("remote_addr", sock.RemoteAddr().String()).
			Msg("Accepted public TCP connection")

		go conn.run()
	}
}

// HandleConnected routes a tcp_connected frame. Unknown IDs are dropped.
func (m *Manager) HandleConnected(tcpID string) {
	conn, ok := m.loadConn(tcpID)
	if !ok {
		logger.WarnEvent().
			Str("tcp_id", tcpID).
			Msg("tcp_connected for unknown connection, dropped")
		return
	}
	conn.handleConnected()
}

// HandleData routes a tcp_data frame. Unknown IDs are dropped.
func (m *Manager) HandleData(frame *protocol.TcpData) {
	conn, ok := m.loadConn(frame.TcpID)
	if !ok {
		logger.WarnEvent().
			Str("tcp_id", frame.TcpID).
			Msg("tcp_data for unknown connection, dropped")
		return
	}
	conn.handleData(frame)
}

// HandleClose routes a tcp_close frame. Unknown IDs are dropped.
func (m *Manager) HandleClose(tcpID, reason string) {
	conn, ok := m.loadConn(tcpID)
	if !ok {
		logger.WarnEvent().
			Str("tcp_id", tcpID).
			Msg("tcp_close for unknown connection, dropped")
		return
	}
	conn.handleClose(reason)
}

// UnregisterSession stops every listener owned by the session, releases the
// ports, and tears down the derived connection proxies.
func (m *Manager) UnregisterSession(sessionID uuid.UUID) {
	m.mu.Lock()
	ids := m.bySession[sessionID]
	delete(m.bySession, sessionID)
	released := make([]*Tunnel, 0, len(ids))
	for _, id := range ids {
		if tun, ok := m.tunnels[id]; ok {
			delete(m.tunnels, id)
			released = append(released, tun)
		}
	}
	m.mu.Unlock()

	owned := make(map[string]bool, len(released))
	for _, tun := range released {
		tun.listener.Close()
		m.pool.Release(tun.ServerPort)
		owned[tun.ID] = true
		logger.InfoEvent().
			Str("tcp_tunnel_id", tun.ID).
			Int("server_port", tun.ServerPort).
			Msg("TCP tunnel stopped")
	}

	m.conns.Range(func(_, value interface{}) bool {
		conn := value.(*Conn)
		if owned[conn.tcpTunnelID] {
			conn.terminate("tunnel session closed", false)
		}
		return true
	})
}

// TunnelCount returns the number of active TCP tunnels.
func (m *Manager) TunnelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tunnels)
}

// AvailablePorts returns the number of unallocated ports.
func (m *Manager) AvailablePorts() int {
	return m.pool.Available()
}

func (m *Manager) loadConn(tcpID string) (*Conn, bool) {
	value, ok := m.conns.Load(tcpID)
	if !ok {
		return nil, false
	}
	return value.(*Conn), true
}

func (m *Manager) removeConn(tcpID string) {
	m.conns.Delete(tcpID)
}
