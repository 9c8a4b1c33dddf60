package pending

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowhq/burrow/internal/protocol"
	pkgerrors "github.com/burrowhq/burrow/pkg/errors"
)

func TestCompleteDeliversOnce(t *testing.T) {
	table := NewTable(time.Second)
	ch := table.Register(context.Background(), "r1", "t1")

	resp := &protocol.TunnelResponse{RequestID: "r1", Status: 200}
	assert.True(t, table.Complete("r1", resp))
	assert.False(t, table.Complete("r1", resp), "second completion must find nothing")

	result := <-ch
	require.NoError(t, result.Err)
	assert.Equal(t, resp, result.Response)
	assert.Equal(t, 0, table.Count())
}

func TestTimeoutResolvesWithError(t *testing.T) {
	table := NewTable(50 * time.Millisecond)
	ch := table.Register(context.Background(), "r1", "t1")

	select {
	case result := <-ch:
		assert.ErrorIs(t, result.Err, pkgerrors.ErrRequestTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout resolution never delivered")
	}

	assert.Equal(t, 0, table.Count())
	assert.False(t, table.Complete("r1", &protocol.TunnelResponse{}), "entry gone after timeout")
}

func TestRequesterDeathRemovesWithoutDelivery(t *testing.T) {
	table := NewTable(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	ch := table.Register(ctx, "r1", "t1")

	cancel()

	assert.Eventually(t, func() bool { return table.Count() == 0 },
		time.Second, 5*time.Millisecond)

	select {
	case result := <-ch:
		t.Fatalf("unexpected delivery after requester death: %+v", result)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	table := NewTable(time.Minute)
	table.Register(context.Background(), "r1", "t1")

	table.Cancel("r1")
	table.Cancel("r1")
	assert.Equal(t, 0, table.Count())
}

func TestCancelForTunnel(t *testing.T) {
	table := NewTable(time.Minute)
	ch1 := table.Register(context.Background(), "r1", "t1")
	ch2 := table.Register(context.Background(), "r2", "t1")
	table.Register(context.Background(), "r3", "t2")

	assert.Equal(t, 2, table.CancelForTunnel("t1"))
	assert.Equal(t, 1, table.Count())

	// Both requesters are released right away with a session-closed error.
	for _, ch := range []<-chan Result{ch1, ch2} {
		select {
		case result := <-ch:
			assert.ErrorIs(t, result.Err, pkgerrors.ErrSessionClosed)
		case <-time.After(time.Second):
			t.Fatal("cancellation never delivered")
		}
	}

	assert.True(t, table.Complete("r3", &protocol.TunnelResponse{RequestID: "r3"}))
	assert.Equal(t, 0, table.CancelForTunnel("t1"), "repeat cancel finds nothing")
}

func TestTunnelIndexPrunesEmptySets(t *testing.T) {
	table := NewTable(time.Minute)
	table.Register(context.Background(), "r1", "t1")
	table.Complete("r1", &protocol.TunnelResponse{RequestID: "r1"})

	table.mu.Lock()
	defer table.mu.Unlock()
	_, exists := table.byTunnel["t1"]
	assert.False(t, exists, "empty per-tunnel set must be pruned")
}

func TestCompleteRacesWithTimeout(t *testing.T) {
	table := NewTable(10 * time.Millisecond)

	for i := 0; i < 50; i++ {
		ch := table.Register(context.Background(), "r", "t")
		time.Sleep(5 * time.Millisecond)
		table.Complete("r", &protocol.TunnelResponse{RequestID: "r"})

		// Exactly one resolution regardless of who won.
		first := <-ch
		if first.Err != nil {
			assert.ErrorIs(t, first.Err, pkgerrors.ErrRequestTimeout)
		} else {
			assert.NotNil(t, first.Response)
		}
		select {
		case second := <-ch:
			t.Fatalf("second resolution delivered: %+v", second)
		default:
		}
	}
}
