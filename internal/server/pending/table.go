// Package pending correlates forwarded public requests with the responses
// that arrive back over a tunnel's control channel.
package pending

import (
	"context"
	"sync"
	"time"

	"github.com/burrowhq/burrow/internal/protocol"
	pkgerrors "github.com/burrowhq/burrow/pkg/errors"
	"github.com/burrowhq/burrow/pkg/logger"
)

// DefaultRequestTimeout bounds how long a forwarded request may stay
// unanswered before the requester receives a timeout resolution.
const DefaultRequestTimeout = 30 * time.Second

// Result is the single resolution delivered for a pending request: either a
// response payload or an error reason, never both.
type Result struct {
	Response *protocol.TunnelResponse
	Err      error
}

type entry struct {
	requestID string
	tunnelID  string
	ch        chan Result
	timer     *time.Timer
	stop      chan struct{} // releases the requester-death monitor
}

// Table tracks pending requests. All mutations go through the table's own
// mutex; resolving an entry that is already gone is a normal race outcome,
// not an error.
type Table struct {
	mu       sync.Mutex
	timeout  time.Duration
	entries  map[string]*entry
	byTunnel map[string]map[string]struct{} // tunnel_id -> request_ids
}

// NewTable creates a pending-request table. A non-positive timeout selects
// DefaultRequestTimeout.
func NewTable(timeout time.Duration) *Table {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Table{
		timeout:  timeout,
		entries:  make(map[string]*entry),
		byTunnel: make(map[string]map[string]struct{}),
	}
}

// Register records a pending request and begins monitoring the requester's
// context. The returned channel receives exactly one Result unless the
// entry is cancelled or the requester dies first.
func (t *Table) Register(ctx context.Context, requestID, tunnelID string) <-chan Result {
	e := &entry{
		requestID: requestID,
		tunnelID:  tunnelID,
		ch:        make(chan Result, 1),
		stop:      make(chan struct{}),
	}
	e.timer = time.AfterFunc(t.timeout, func() { t.expire(requestID) })

	t.mu.Lock()
	t.entries[requestID] = e
	ids, ok := t.byTunnel[tunnelID]
	if !ok {
		ids = make(map[string]struct{})
		t.byTunnel[tunnelID] = ids
	}
	ids[requestID] = struct{}{}
	t.mu.Unlock()

	// On requester death the entry is removed without delivery.
	go func() {
		select {
		case <-ctx.Done():
			if t.remove(requestID) != nil {
				logger.DebugEvent().
					Str("request_id", requestID).
					Str("tunnel_id", tunnelID).
					Msg("Requester gone, pending request dropped")
			}
		case <-e.stop:
		}
	}()

	return e.ch
}

// Complete delivers a response to the requester. Returns false when the
// entry has already been resolved or cancelled.
func (t *Table) Complete(requestID string, resp *protocol.TunnelResponse) bool {
	e := t.remove(requestID)
	if e == nil {
		return false
	}
	e.ch <- Result{Response: resp}
	return true
}

// Cancel removes a pending entry without delivery. Idempotent.
func (t *Table) Cancel(requestID string) {
	t.remove(requestID)
}

// CancelForTunnel resolves every pending entry owned by the tunnel with
// ErrSessionClosed so blocked requesters fail immediately instead of waiting
// out the timeout. Idempotent.
func (t *Table) CancelForTunnel(tunnelID string) int {
	t.mu.Lock()
	ids := t.byTunnel[tunnelID]
	requestIDs := make([]string, 0, len(ids))
	for id := range ids {
		requestIDs = append(requestIDs, id)
	}
	t.mu.Unlock()

	cancelled := 0
	for _, id := range requestIDs {
		if e := t.remove(id); e != nil {
			e.ch <- Result{Err: pkgerrors.ErrSessionClosed}
			cancelled++
		}
	}
	return cancelled
}

// Count returns the number of pending entries.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// expire resolves an entry with a timeout error.
func (t *Table) expire(requestID string) {
	e := t.remove(requestID)
	if e == nil {
		return
	}
	logger.WarnEvent().
		Str("request_id", requestID).
		Str("tunnel_id", e.tunnelID).
		Dur("timeout", t.timeout).
		Msg("Pending request timed out")
	e.ch <- Result{Err: pkgerrors.ErrRequestTimeout}
}

// remove detaches an entry from both indices and releases its timer and
// monitor. Returns nil when the entry is already gone.
func (t *Table) remove(requestID string) *entry {
	t.mu.Lock()
	e, ok := t.entries[requestID]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	delete(t.entries, requestID)
	if ids := t.byTunnel[e.tunnelID]; ids != nil {
		delete(ids, requestID)
		if len(ids) == 0 {
			delete(t.byTunnel, e.tunnelID)
		}
	}
	t.mu.Unlock()

	e.timer.Stop()
	close(e.stop)
	return e
}
