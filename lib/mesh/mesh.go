package mesh

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/driftkv/driftkv/lib/common"
	"github.com/driftkv/driftkv/lib/mesh/internal"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("mesh")

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// NodeID identifies a node in the mesh
type NodeID uint32

// Lane is the priority class of a frame. Lanes are a priority hint; the
// transport multiplexes all lanes over one connection, so frames stay
// ordered per connection.
type Lane uint32

const (
	LaneControl  Lane = iota // gossip and cluster management
	LaneExpress              // metadata, heartbeat
	LaneStandard             // regular KV traffic
	LaneHeavy                // bulk transfer
)

func (l Lane) String() string {
	switch l {
	case LaneControl:
		return "control"
	case LaneExpress:
		return "express"
	case LaneStandard:
		return "standard"
	case LaneHeavy:
		return "heavy"
	default:
		return "unknown"
	}
}

// MessageCallback receives inbound frames. It is never re-entered for the
// same connection concurrently; from is the real peer id learned from the
// handshake or from Connect.
type MessageCallback func(from NodeID, lane Lane, payload []byte)

// IMesh is the transport interface the sync manager runs against
type IMesh interface {
	// Listen binds the mesh port and accepts inbound connections
	Listen() error
	// Connect establishes one outbound connection to a peer
	Connect(peerID NodeID, host string, port int) error
	// Send enqueues a payload for ordered delivery; false if the peer is
	// unknown or its connection is gone. True does not imply delivery.
	Send(peerID NodeID, lane Lane, payload []byte) bool
	// SetOnMessage registers the inbound dispatch callback
	SetOnMessage(cb MessageCallback)
	// ActivePeers lists the peers with a live connection
	ActivePeers() []NodeID
	// Close shuts the listener and all connections; pending sends are dropped
	Close()
}

// --------------------------------------------------------------------------
// Peer connection
// --------------------------------------------------------------------------

// peer is the connection state for one remote node, shared by pointer. The
// writer goroutine drains the outbox; the reader goroutine owns inbound
// dispatch. Closing is idempotent via the flag: the first close tears down
// the socket and outbox, later calls do nothing.
type peer struct {
	id     NodeID
	conn   net.Conn
	outbox *internal.Outbox
	closed atomic.Bool
}

// close marks the peer dead and tears down its socket and outbox
func (p *peer) close() {
	if p.closed.CompareAndSwap(false, true) {
		p.outbox.Close()
		_ = p.conn.Close()
	}
}

// --------------------------------------------------------------------------
// Mesh
// --------------------------------------------------------------------------

// Mesh implements IMesh over TCP.
//
// Thread-safety: all methods are safe for concurrent use.
type Mesh struct {
	myID    NodeID
	port    int
	metrics common.Metrics

	listener  net.Listener
	peers     *xsync.MapOf[NodeID, *peer]
	onMessage atomic.Value // MessageCallback
	latencyMs atomic.Int64
	closed    atomic.Bool
}

// New creates a mesh for the local node listening on the given port.
func New(myID NodeID, port int, metrics common.Metrics) *Mesh {
	if metrics == nil {
		metrics = common.NopMetrics()
	}
	return &Mesh{
		myID:    myID,
		port:    port,
		metrics: metrics,
		peers:   xsync.NewMapOf[NodeID, *peer](),
	}
}

// SetOnMessage registers the inbound dispatch callback.
func (m *Mesh) SetOnMessage(cb MessageCallback) {
	m.onMessage.Store(cb)
}

// SetSimulatedLatency delays every outbound frame by the given duration.
// Zero disables the delay. Used by tests and benchmarks.
func (m *Mesh) SetSimulatedLatency(d time.Duration) {
	m.latencyMs.Store(int64(d / time.Millisecond))
}

// Listen binds the mesh port and starts accepting inbound connections. A
// bind failure is returned to the caller (fatal at startup).
func (m *Mesh) Listen() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", m.port))
	if err != nil {
		return fmt.Errorf("mesh bind failed on port %d: %v", m.port, err)
	}
	m.listener = listener

	go m.acceptLoop()

	Logger.Infof("node %d listening on %s", m.myID, listener.Addr())
	return nil
}

// Addr returns the bound listener address (nil before Listen).
func (m *Mesh) Addr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// acceptLoop accepts inbound connections until the listener closes
func (m *Mesh) acceptLoop() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			if m.closed.Load() {
				return
			}
			Logger.Errorf("accept error: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		go m.handleInbound(conn)
	}
}

// handleInbound completes the handshake, registers the peer and runs its
// read loop
func (m *Mesh) handleInbound(conn net.Conn) {
	peerID, err := readHandshake(conn)
	if err != nil {
		Logger.Warningf("handshake failed from %s: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}

	p := &peer{id: peerID, conn: conn, outbox: internal.NewOutbox()}

	// Keep an existing live connection if both sides dialed each other;
	// the extra socket still serves inbound frames
	if existing, loaded := m.peers.LoadOrStore(peerID, p); loaded && existing.closed.Load() {
		m.peers.Store(peerID, p)
	}

	// A Close that ran during the handshake did not see this connection
	if m.closed.Load() {
		m.dropPeer(p)
		return
	}

	go m.writeLoop(p)
	m.readLoop(p)
}

// Connect establishes one outbound connection to a peer and sends the
// 4-byte node-id handshake. A connect error is returned; the transport does
// not retry (reconnection policy belongs to the outer sync loop).
func (m *Mesh) Connect(peerID NodeID, host string, port int) error {
	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("connect to peer %d (%s:%d): %v", peerID, host, port, err)
	}

	if err := writeHandshake(conn, m.myID); err != nil {
		_ = conn.Close()
		return fmt.Errorf("handshake to peer %d: %v", peerID, err)
	}

	p := &peer{id: peerID, conn: conn, outbox: internal.NewOutbox()}

	if old, loaded := m.peers.LoadAndStore(peerID, p); loaded {
		old.close()
	}

	go m.writeLoop(p)
	go m.readLoop(p)

	Logger.Infof("node %d connected to peer %d at %s:%d", m.myID, peerID, host, port)
	return nil
}

// Send enqueues a payload for ordered delivery on the peer's connection.
func (m *Mesh) Send(peerID NodeID, lane Lane, payload []byte) bool {
	p, ok := m.peers.Load(peerID)
	if !ok || p.closed.Load() {
		return false
	}

	frame := buildFrame(lane, payload)

	if lat := m.latencyMs.Load(); lat > 0 {
		time.AfterFunc(time.Duration(lat)*time.Millisecond, func() {
			p.outbox.Push(frame)
		})
	} else {
		if !p.outbox.Push(frame) {
			return false
		}
	}

	m.metrics.AddMeshBytes(lane.String(), len(payload), true)
	return true
}

// ActivePeers lists the peers with a live connection.
func (m *Mesh) ActivePeers() []NodeID {
	var ids []NodeID
	m.peers.Range(func(id NodeID, p *peer) bool {
		if !p.closed.Load() {
			ids = append(ids, id)
		}
		return true
	})
	return ids
}

// Close shuts the listener and every connection. Pending sends are dropped.
func (m *Mesh) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	if m.listener != nil {
		_ = m.listener.Close()
	}
	m.peers.Range(func(id NodeID, p *peer) bool {
		p.close()
		return true
	})
}

// --------------------------------------------------------------------------
// Connection loops
// --------------------------------------------------------------------------

// writeLoop drains the outbox to the socket in order. A write error closes
// the connection.
func (m *Mesh) writeLoop(p *peer) {
	for frame := range p.outbox.Recv() {
		if _, err := p.conn.Write(frame); err != nil {
			if !p.closed.Load() {
				Logger.Warningf("write to peer %d failed: %v", p.id, err)
			}
			m.dropPeer(p)
			return
		}
	}
}

// readLoop reads frames and dispatches them to the callback. Dispatch runs
// on this goroutine, so the callback is serialized per connection. A read
// error closes the connection.
func (m *Mesh) readLoop(p *peer) {
	for {
		lane, body, err := readFrame(p.conn)
		if err != nil {
			if !p.closed.Load() && !m.closed.Load() {
				Logger.Warningf("read from peer %d failed: %v", p.id, err)
			}
			m.dropPeer(p)
			return
		}

		m.metrics.AddMeshBytes(lane.String(), len(body), false)

		if cb, ok := m.onMessage.Load().(MessageCallback); ok && cb != nil {
			cb(p.id, lane, body)
		}
	}
}

// dropPeer closes the connection and removes it from the table if it is
// still the registered one
func (m *Mesh) dropPeer(p *peer) {
	p.close()
	m.peers.Compute(p.id, func(curr *peer, loaded bool) (*peer, bool) {
		// delete only if the dead connection is still the registered one;
		// deleting an absent entry is a no-op
		return curr, !loaded || curr == p
	})
}
