package mesh

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// received is one captured inbound frame
type received struct {
	from    NodeID
	lane    Lane
	payload []byte
}

// collector accumulates inbound frames for assertions
type collector struct {
	mu     sync.Mutex
	frames []received
}

func (c *collector) callback(from NodeID, lane Lane, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, received{from, lane, bytes.Clone(payload)})
}

func (c *collector) snapshot() []received {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]received(nil), c.frames...)
}

// waitFor polls until the condition holds or the deadline passes
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", d)
}

// newTestMesh starts a mesh on an ephemeral port and returns it with its port
func newTestMesh(t *testing.T, id NodeID) (*Mesh, int) {
	t.Helper()
	m := New(id, 0, nil)
	require.NoError(t, m.Listen())
	t.Cleanup(m.Close)
	return m, m.Addr().(*net.TCPAddr).Port
}

// --------------------------------------------------------------------------
// Connection and handshake
// --------------------------------------------------------------------------

func TestHandshakePropagatesRealPeerID(t *testing.T) {
	a, _ := newTestMesh(t, 1)
	b, portB := newTestMesh(t, 2)

	ca := &collector{}
	cb := &collector{}
	a.SetOnMessage(ca.callback)
	b.SetOnMessage(cb.callback)

	require.NoError(t, a.Connect(2, "127.0.0.1", portB))

	// a -> b over the outbound connection
	require.True(t, a.Send(2, LaneControl, []byte("ping")))
	waitFor(t, 2*time.Second, func() bool { return len(cb.snapshot()) == 1 })

	got := cb.snapshot()[0]
	assert.Equal(t, NodeID(1), got.from, "acceptor must learn the initiator id from the handshake")
	assert.Equal(t, LaneControl, got.lane)
	assert.Equal(t, []byte("ping"), got.payload)

	// b -> a over the same socket
	waitFor(t, 2*time.Second, func() bool { return len(b.ActivePeers()) == 1 })
	require.True(t, b.Send(1, LaneExpress, []byte("pong")))
	waitFor(t, 2*time.Second, func() bool { return len(ca.snapshot()) == 1 })

	back := ca.snapshot()[0]
	assert.Equal(t, NodeID(2), back.from)
	assert.Equal(t, LaneExpress, back.lane)
	assert.Equal(t, []byte("pong"), back.payload)
}

func TestSendToUnknownPeer(t *testing.T) {
	a, _ := newTestMesh(t, 1)
	assert.False(t, a.Send(99, LaneControl, []byte("void")))
}

func TestConnectFailure(t *testing.T) {
	a, _ := newTestMesh(t, 1)

	// Nothing listens here
	err := a.Connect(2, "127.0.0.1", 1)
	assert.Error(t, err)
	assert.Empty(t, a.ActivePeers())
}

// --------------------------------------------------------------------------
// Ordering and lanes
// --------------------------------------------------------------------------

func TestSendOrderIsPreserved(t *testing.T) {
	a, _ := newTestMesh(t, 1)
	b, portB := newTestMesh(t, 2)

	cb := &collector{}
	b.SetOnMessage(cb.callback)

	require.NoError(t, a.Connect(2, "127.0.0.1", portB))

	const n = 500
	for i := 0; i < n; i++ {
		require.True(t, a.Send(2, LaneStandard, []byte(fmt.Sprintf("frame-%04d", i))))
	}

	waitFor(t, 5*time.Second, func() bool { return len(cb.snapshot()) == n })

	for i, f := range cb.snapshot() {
		assert.Equal(t, fmt.Sprintf("frame-%04d", i), string(f.payload), "frames must arrive in send order")
	}
}

func TestLaneTagTravelsWithFrame(t *testing.T) {
	a, _ := newTestMesh(t, 1)
	b, portB := newTestMesh(t, 2)

	cb := &collector{}
	b.SetOnMessage(cb.callback)
	require.NoError(t, a.Connect(2, "127.0.0.1", portB))

	lanes := []Lane{LaneControl, LaneExpress, LaneStandard, LaneHeavy}
	for _, lane := range lanes {
		require.True(t, a.Send(2, lane, []byte(lane.String())))
	}

	waitFor(t, 2*time.Second, func() bool { return len(cb.snapshot()) == len(lanes) })

	for i, f := range cb.snapshot() {
		assert.Equal(t, lanes[i], f.lane)
		assert.Equal(t, lanes[i].String(), string(f.payload))
	}
}

// A megabyte-scale heavy frame must arrive intact, byte for byte.
func TestLargeHeavyFrameIntegrity(t *testing.T) {
	a, _ := newTestMesh(t, 1)
	b, portB := newTestMesh(t, 2)

	cb := &collector{}
	b.SetOnMessage(cb.callback)
	require.NoError(t, a.Connect(2, "127.0.0.1", portB))

	payload := make([]byte, 1<<20)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	require.True(t, a.Send(2, LaneHeavy, payload))
	waitFor(t, 5*time.Second, func() bool { return len(cb.snapshot()) == 1 })

	got := cb.snapshot()[0]
	assert.Equal(t, LaneHeavy, got.lane)
	assert.True(t, bytes.Equal(payload, got.payload), "heavy frame corrupted in transit")
}

// --------------------------------------------------------------------------
// Peer lifecycle
// --------------------------------------------------------------------------

func TestActivePeersAndClose(t *testing.T) {
	a, _ := newTestMesh(t, 1)
	b, portB := newTestMesh(t, 2)
	_, portC := newTestMesh(t, 3)

	require.NoError(t, a.Connect(2, "127.0.0.1", portB))
	require.NoError(t, a.Connect(3, "127.0.0.1", portC))

	peers := a.ActivePeers()
	assert.ElementsMatch(t, []NodeID{2, 3}, peers)

	// Closing b's mesh tears the connection; a's send eventually fails
	b.Close()
	waitFor(t, 2*time.Second, func() bool {
		return !a.Send(2, LaneControl, []byte("x"))
	})

	// c is still reachable
	assert.True(t, a.Send(3, LaneControl, []byte("y")))
}

func TestSimulatedLatencyDelaysDelivery(t *testing.T) {
	a, _ := newTestMesh(t, 1)
	b, portB := newTestMesh(t, 2)

	cb := &collector{}
	b.SetOnMessage(cb.callback)
	require.NoError(t, a.Connect(2, "127.0.0.1", portB))

	a.SetSimulatedLatency(100 * time.Millisecond)

	start := time.Now()
	require.True(t, a.Send(2, LaneControl, []byte("slow")))
	waitFor(t, 2*time.Second, func() bool { return len(cb.snapshot()) == 1 })

	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond, "frame arrived before the simulated delay")
}
