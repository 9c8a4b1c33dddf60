// Package wsproxy tracks the WebSocket proxy sessions that mirror end-to-end
// WebSocket connections through a tunnel, including the frames that arrive
// from the tunnel client before the public-side proxy has attached.
package wsproxy

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/burrowhq/burrow/internal/protocol"
	"github.com/burrowhq/burrow/pkg/logger"
)

const (
	// DefaultUpgradeTimeout bounds the wait for the client's ws_upgraded.
	DefaultUpgradeTimeout = 10 * time.Second
	// DefaultBufferTTL is how long an unclaimed buffered frame survives.
	DefaultBufferTTL = 30 * time.Second
	// DefaultSweepInterval is how often the buffer sweeper runs.
	DefaultSweepInterval = 10 * time.Second
)

// UpgradeResult is the single outcome delivered for a pending upgrade.
type UpgradeResult struct {
	Headers []protocol.HeaderPair
	Err     error
}

// Handle is the public-side proxy as seen by the registry.
type Handle interface {
	// Deliver forwards one tunnel-originated frame to the public socket.
	Deliver(frame *protocol.WsFrame)
	// CloseFromTunnel mirrors a tunnel-side ws_close onto the public socket.
	CloseFromTunnel(code int, reason string)
}

type bufferedFrame struct {
	frame      *protocol.WsFrame
	enqueuedAt time.Time
}

// Registry tracks pending upgrades, active proxies, and the pre-attach frame
// buffer for every ws-id.
type Registry struct {
	bufferTTL time.Duration

	mu      sync.Mutex
	pending map[string]chan UpgradeResult
	active  map[string]Handle
	buffers map[string][]bufferedFrame
	owners  map[string]uuid.UUID // ws_id -> owning session
	done    chan struct{}
	once    sync.Once
}

// NewRegistry creates a registry and starts its buffer sweeper. Non-positive
// durations select the defaults.
func NewRegistry(bufferTTL, sweepInterval time.Duration) *Registry {
	if bufferTTL <= 0 {
		bufferTTL = DefaultBufferTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	r := &Registry{
		bufferTTL: bufferTTL,
		pending:   make(map[string]chan UpgradeResult),
		active:    make(map[string]Handle),
		buffers:   make(map[string][]bufferedFrame),
		owners:    make(map[string]uuid.UUID),
		done:      make(chan struct{}),
	}
	go r.sweepLoop(sweepInterval)
	return r
}

// Close stops the buffer sweeper.
func (r *Registry) Close() {
	r.once.Do(func() { close(r.done) })
}

// RegisterPending records an initiated upgrade. The returned channel
// receives exactly one UpgradeResult unless the entry is cancelled.
func (r *Registry) RegisterPending(wsID string, sessionID uuid.UUID) <-chan UpgradeResult {
	ch := make(chan UpgradeResult, 1)
	r.mu.Lock()
	r.pending[wsID] = ch
	r.owners[wsID] = sessionID
	r.mu.Unlock()
	return ch
}

// CompletePending delivers the upgrade outcome to the requester. Returns
// false when no pending entry exists; that is the normal race outcome.
func (r *Registry) CompletePending(wsID string, result UpgradeResult) bool {
	r.mu.Lock()
	ch, ok := r.pending[wsID]
	if ok {
		delete(r.pending, wsID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	ch <- result
	return true
}

// CancelPending drops a pending entry without delivery, for upgrade
// timeouts on the requester side.
func (r *Registry) CancelPending(wsID string) {
	r.mu.Lock()
	delete(r.pending, wsID)
	r.mu.Unlock()
}

// Attach registers the public-side proxy and drains any buffered frames into
// it in enqueue order. Frames older than the buffer TTL are discarded. The
// drain runs under the registry lock so a frame forwarded mid-drain queues
// behind the buffered ones instead of jumping ahead.
func (r *Registry) Attach(wsID string, sessionID uuid.UUID, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buffered := r.buffers[wsID]
	delete(r.buffers, wsID)

	cutoff := time.Now().Add(-r.bufferTTL)
	for _, b := range buffered {
		if b.enqueuedAt.Before(cutoff) {
			continue
		}
		h.Deliver(b.frame)
	}

	r.active[wsID] = h
	r.owners[wsID] = sessionID
}

// Forward routes a tunnel-originated frame to the attached proxy, or buffers
// it when the proxy has not attached yet.
func (r *Registry) Forward(frame *protocol.WsFrame) {
	r.mu.Lock()
	h, ok := r.active[frame.WsID]
	if !ok {
		r.buffers[frame.WsID] = append(r.buffers[frame.WsID], bufferedFrame{
			frame:      frame,
			enqueuedAt: time.Now(),
		})
		r.mu.Unlock()
		logger.DebugEvent().
			Str("ws_id", frame.WsID).
			Str("opcode", frame.Opcode).
			Msg("Buffered frame for unattached proxy")
		return
	}
	r.mu.Unlock()

	h.Deliver(frame)
}

// HandleClose routes a tunnel-side ws_close: an active proxy is notified,
// otherwise any pending upgrade resolves with an error.
func (r *Registry) HandleClose(wsID string, code int, reason string, err error) {
	r.mu.Lock()
	h, isActive := r.active[wsID]
	r.mu.Unlock()

	if isActive {
		h.CloseFromTunnel(code, reason)
		return
	}
	r.CompletePending(wsID, UpgradeResult{Err: err})
}

// Dispose clears every category for the ws-id.
func (r *Registry) Dispose(wsID string) {
	r.mu.Lock()
	delete(r.pending, wsID)
	delete(r.active, wsID)
	delete(r.buffers, wsID)
	delete(r.owners, wsID)
	r.mu.Unlock()
}

// DisposeSession tears down every proxy owned by the session. Active
// handles are closed toward the public side first.
func (r *Registry) DisposeSession(sessionID uuid.UUID) {
	r.mu.Lock()
	var wsIDs []string
	for wsID, owner := range r.owners {
		if owner == sessionID {
			wsIDs = append(wsIDs, wsID)
		}
	}
	handles := make(map[string]Handle, len(wsIDs))
	for _, wsID := range wsIDs {
		if h, ok := r.active[wsID]; ok {
			handles[wsID] = h
		}
		delete(r.pending, wsID)
		delete(r.active, wsID)
		delete(r.buffers, wsID)
		delete(r.owners, wsID)
	}
	r.mu.Unlock()

	for wsID, h := range handles {
		h.CloseFromTunnel(1001, "tunnel session closed")
		logger.DebugEvent().
			Str("ws_id", wsID).
			Str("session_id", sessionID.String()).
			Msg("WebSocket proxy torn down with session")
	}
}

// ActiveCount returns the number of attached proxies.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *Registry) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.sweep(time.Now().Add(-r.bufferTTL))
		}
	}
}

// sweep drops buffered frames whose enqueue time predates the cutoff.
func (r *Registry) sweep(cutoff time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for wsID, frames := range r.buffers {
		kept := frames[:0]
		for _, b := range frames {
			if b.enqueuedAt.After(cutoff) {
				kept = append(kept, b)
			}
		}
		if len(kept) == 0 {
			delete(r.buffers, wsID)
			logger.DebugEvent().
				Str("ws_id", wsID).
				Int("dropped", len(frames)).
				Msg("Swept expired buffered frames")
			continue
		}
		r.buffers[wsID] = kept
	}
}
