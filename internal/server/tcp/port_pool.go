package tcp

import (
	"fmt"
	"sync"

	pkgerrors "github.com/burrowhq/burrow/pkg/errors"
	"github.com/burrowhq/burrow/pkg/logger"
)

// PortPool manages allocation of public TCP ports for tunnels.
type PortPool struct {
	startPort      int
	endPort        int
	allocatedPorts map[int]string // port -> tcp_tunnel_id
	availablePorts []int          // queue of available ports
	mu             sync.Mutex
}

// NewPortPool creates a pool over the inclusive range [startPort, endPort].
func NewPortPool(startPort, endPort int) (*PortPool, error) {
	if startPort < 1024 {
		return nil, fmt.Errorf("start port must be >= 1024 (avoiding privileged ports)")
	}
	if endPort < startPort {
		return nil, fmt.Errorf("end port must not be below start port")
	}
	if endPort > 65535 {
		return nil, fmt.Errorf("end port must be <= 65535")
	}

	pp := &PortPool{
		startPort:      startPort,
		endPort:        endPort,
		allocatedPorts: make(map[int]string),
		availablePorts: make([]int, 0, endPort-startPort+1),
	}
	for port := startPort; port <= endPort; port++ {
		pp.availablePorts = append(pp.availablePorts, port)
	}

	logger.InfoEvent().
		Int("start_port", startPort).
		Int("end_port", endPort).
		Int("total_ports", endPort-startPort+1).
		Msg("Port pool initialized")

	return pp, nil
}

// Allocate takes the next available port for the given TCP tunnel.
func (pp *PortPool) Allocate(tcpTunnelID string) (int, error) {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	if len(pp.availablePorts) == 0 {
		return 0, pkgerrors.ErrNoAvailablePorts
	}

	port := pp.availablePorts[0]
	pp.availablePorts = pp.availablePorts[1:]
	pp.allocatedPorts[port] = tcpTunnelID

	logger.DebugEvent().
		Int("port", port).
		Str("tcp_tunnel_id", tcpTunnelID).
		Int("remaining_ports", len(pp.availablePorts)).
		Msg("Port allocated")

	return port, nil
}

// Release returns a port to the pool. Releasing an unallocated port is a
// no-op.
func (pp *PortPool) Release(port int) {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	if _, exists := pp.allocatedPorts[port]; !exists {
		logger.WarnEvent().
			Int("port", port).
			Msg("Attempted to release unallocated port")
		return
	}

	delete(pp.allocatedPorts, port)
	pp.availablePorts = append(pp.availablePorts, port)

	logger.DebugEvent().
		Int("port", port).
		Int("available_ports", len(pp.availablePorts)).
		Msg("Port released")
}

// Holder returns the TCP tunnel holding a port, if any.
func (pp *PortPool) Holder(port int) (string, bool) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	id, exists := pp.allocatedPorts[port]
	return id, exists
}

// InRange reports whether port lies within the configured range.
func (pp *PortPool) InRange(port int) bool {
	return port >= pp.startPort && port <= pp.endPort
}

// Available returns the number of unallocated ports.
func (pp *PortPool) Available() int {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return len(pp.availablePorts)
}
