package wsproxy

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowhq/burrow/internal/protocol"
)

type recordingHandle struct {
	mu     sync.Mutex
	frames []*protocol.WsFrame
	closes []int
}

func (h *recordingHandle) Deliver(frame *protocol.WsFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, frame)
}

func (h *recordingHandle) CloseFromTunnel(code int, _ string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes = append(h.closes, code)
}

func (h *recordingHandle) received() []*protocol.WsFrame {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*protocol.WsFrame(nil), h.frames...)
}

func textFrame(wsID, data string) *protocol.WsFrame {
	return &protocol.WsFrame{WsID: wsID, Opcode: protocol.OpcodeText, Data: data}
}

func TestPendingUpgradeCompletes(t *testing.T) {
	reg := NewRegistry(0, 0)
	defer reg.Close()

	ch := reg.RegisterPending("w1", uuid.New())
	ok := reg.CompletePending("w1", UpgradeResult{Headers: []protocol.HeaderPair{{"X-Up", "1"}}})
	require.True(t, ok)

	result := <-ch
	require.NoError(t, result.Err)
	assert.Equal(t, []protocol.HeaderPair{{"X-Up", "1"}}, result.Headers)

	assert.False(t, reg.CompletePending("w1", UpgradeResult{}), "entry resolves once")
}

func TestPendingUpgradeErrorPath(t *testing.T) {
	reg := NewRegistry(0, 0)
	defer reg.Close()

	ch := reg.RegisterPending("w1", uuid.New())
	reg.HandleClose("w1", 1002, "upstream refused", errors.New("upstream refused"))

	result := <-ch
	assert.Error(t, result.Err)
}

func TestFramesBufferedUntilAttachDrainInOrder(t *testing.T) {
	reg := NewRegistry(0, 0)
	defer reg.Close()

	reg.Forward(textFrame("w1", "hello"))
	reg.Forward(textFrame("w1", "world"))

	h := &recordingHandle{}
	reg.Attach("w1", uuid.New(), h)

	frames := h.received()
	require.Len(t, frames, 2)
	assert.Equal(t, "hello", frames[0].Data)
	assert.Equal(t, "world", frames[1].Data)

	// New frames after attach are delivered behind the buffered ones.
	reg.Forward(textFrame("w1", "again"))
	frames = h.received()
	require.Len(t, frames, 3)
	assert.Equal(t, "again", frames[2].Data)
}

// gatedHandle blocks its first Deliver until released, holding an attach
// drain open so the test can race a forward against it.
type gatedHandle struct {
	recordingHandle
	firstDeliver chan struct{}
	release      chan struct{}
	once         sync.Once
}

func (h *gatedHandle) Deliver(frame *protocol.WsFrame) {
	h.once.Do(func() {
		close(h.firstDeliver)
		<-h.release
	})
	h.recordingHandle.Deliver(frame)
}

func TestFrameDuringAttachDrainStaysOrdered(t *testing.T) {
	reg := NewRegistry(0, 0)
	defer reg.Close()

	reg.Forward(textFrame("w1", "buffered"))

	h := &gatedHandle{
		firstDeliver: make(chan struct{}),
		release:      make(chan struct{}),
	}
	attached := make(chan struct{})
	go func() {
		reg.Attach("w1", uuid.New(), h)
		close(attached)
	}()

	// The drain is now mid-flight, blocked inside the first Deliver.
	<-h.firstDeliver

	forwarded := make(chan struct{})
	go func() {
		reg.Forward(textFrame("w1", "new"))
		close(forwarded)
	}()

	// Give the forward a chance to run before the drain finishes; it must
	// queue behind the buffered frame either way.
	time.Sleep(20 * time.Millisecond)
	close(h.release)
	<-attached
	<-forwarded

	frames := h.received()
	require.Len(t, frames, 2)
	assert.Equal(t, "buffered", frames[0].Data)
	assert.Equal(t, "new", frames[1].Data)
}

func TestBufferedFramesDoNotLeakAcrossIDs(t *testing.T) {
	reg := NewRegistry(0, 0)
	defer reg.Close()

	reg.Forward(textFrame("w1", "for-w1"))

	h := &recordingHandle{}
	reg.Attach("w2", uuid.New(), h)
	assert.Empty(t, h.received())
}

func TestSweepDropsExpiredFrames(t *testing.T) {
	reg := NewRegistry(20*time.Millisecond, time.Hour)
	defer reg.Close()

	reg.Forward(textFrame("w1", "stale"))
	time.Sleep(40 * time.Millisecond)
	reg.sweep(time.Now().Add(-reg.bufferTTL))

	h := &recordingHandle{}
	reg.Attach("w1", uuid.New(), h)
	assert.Empty(t, h.received(), "expired frames must not be delivered")
}

func TestAttachAfterTTLReceivesNothing(t *testing.T) {
	reg := NewRegistry(20*time.Millisecond, time.Hour)
	defer reg.Close()

	reg.Forward(textFrame("w1", "stale"))
	time.Sleep(40 * time.Millisecond)

	// Even without a sweep pass, attach filters by enqueue time.
	h := &recordingHandle{}
	reg.Attach("w1", uuid.New(), h)
	assert.Empty(t, h.received())
}

func TestHandleCloseOnActiveProxy(t *testing.T) {
	reg := NewRegistry(0, 0)
	defer reg.Close()

	h := &recordingHandle{}
	reg.Attach("w1", uuid.New(), h)
	reg.HandleClose("w1", 1000, "done", nil)

	assert.Equal(t, []int{1000}, h.closes)
}

func TestDisposeClearsEverything(t *testing.T) {
	reg := NewRegistry(0, 0)
	defer reg.Close()

	reg.RegisterPending("w1", uuid.New())
	reg.Forward(textFrame("w1", "buffered"))
	reg.Dispose("w1")

	assert.False(t, reg.CompletePending("w1", UpgradeResult{}))

	h := &recordingHandle{}
	reg.Attach("w1", uuid.New(), h)
	assert.Empty(t, h.received())
}

func TestDisposeSessionTearsDownOwnedProxies(t *testing.T) {
	reg := NewRegistry(0, 0)
	defer reg.Close()

	sessionID := uuid.New()
	mine := &recordingHandle{}
	other := &recordingHandle{}
	reg.Attach("w1", sessionID, mine)
	reg.Attach("w2", uuid.New(), other)

	reg.DisposeSession(sessionID)

	assert.Len(t, mine.closes, 1)
	assert.Empty(t, other.closes)
	assert.Equal(t, 1, reg.ActiveCount())
}
