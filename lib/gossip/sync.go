package gossip

import (
	"encoding/binary"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftkv/driftkv/lib/common"
	"github.com/driftkv/driftkv/lib/engine"
	"github.com/driftkv/driftkv/lib/merkle"
	"github.com/driftkv/driftkv/lib/mesh"
	"github.com/driftkv/driftkv/lib/replication"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("gossip")

// --------------------------------------------------------------------------
// Protocol constants
// --------------------------------------------------------------------------

// msgType is the first byte of every sync message
type msgType uint8

const (
	msgInit      msgType = 0x01
	msgReqNode   msgType = 0x02
	msgRepNode   msgType = 0x03
	msgReqBucket msgType = 0x04
	msgRepBucket msgType = 0x05
	msgGetVal    msgType = 0x06
	msgPutVal    msgType = 0x07
)

// prefixSize is the shared message prefix [type:1][sender:4 LE]
const prefixSize = 5

// DefaultInterval is the gossip tick period
const DefaultInterval = 2 * time.Second

// --------------------------------------------------------------------------
// Store dependency
// --------------------------------------------------------------------------

// Store is the slice of the engine the sync manager runs against
type Store interface {
	MerkleRootHash() uint64
	MerkleNode(level int, index uint32) uint64
	GetBucketKeys(bucketIdx uint32) []engine.BucketKey
	Get(key string) []byte
	GetMeta(key string) []byte
	ApplyMutation(m replication.Mutation) error
}

// --------------------------------------------------------------------------
// Manager
// --------------------------------------------------------------------------

// Manager runs the anti-entropy loop for one node. Outbound sessions start
// on a timer against one random peer; inbound messages are handled on the
// mesh's reader goroutines. All exchanges are idempotent under LWW, so lost
// or duplicated messages are safe.
type Manager struct {
	mesh    mesh.IMesh
	store   Store
	nodeID  uint32
	tick    time.Duration
	metrics common.Metrics

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewManager creates a sync manager. A zero tick selects DefaultInterval.
func NewManager(m mesh.IMesh, store Store, nodeID uint32, tick time.Duration, metrics common.Metrics) *Manager {
	if tick <= 0 {
		tick = DefaultInterval
	}
	if metrics == nil {
		metrics = common.NopMetrics()
	}
	return &Manager{
		mesh:    m,
		store:   store,
		nodeID:  nodeID,
		tick:    tick,
		metrics: metrics,
	}
}

// Start launches the gossip timer loop. Calling Start on a running manager
// does nothing.
func (s *Manager) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.runLoop()

	Logger.Infof("node %d: gossip loop started (tick %s)", s.nodeID, s.tick)
}

// Stop terminates the timer loop. In-flight sessions finish on their own;
// idempotence makes abandoning them safe.
func (s *Manager) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Manager) runLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.TriggerGossip()
		}
	}
}

// TriggerGossip starts one session against a random active peer.
func (s *Manager) TriggerGossip() {
	peers := s.mesh.ActivePeers()
	if len(peers) == 0 {
		return
	}
	target := peers[rand.Intn(len(peers))]
	s.SyncWith(target)
}

// SyncWith starts one anti-entropy session against a specific peer.
func (s *Manager) SyncWith(target mesh.NodeID) {
	s.sendInit(target)
}

// OnMessage is the mesh dispatch entry point. Register it with
// mesh.SetOnMessage.
func (s *Manager) OnMessage(from mesh.NodeID, _ mesh.Lane, payload []byte) {
	s.HandleMessage(payload)
}

// HandleMessage dispatches one inbound sync message. Replies go to the
// sender id embedded in the message prefix.
func (s *Manager) HandleMessage(payload []byte) {
	if len(payload) < prefixSize {
		return
	}
	kind := msgType(payload[0])
	sender := mesh.NodeID(binary.LittleEndian.Uint32(payload[1:5]))

	switch kind {
	case msgInit:
		s.onInit(sender, payload)
	case msgReqNode:
		s.onReqNode(sender, payload)
	case msgRepNode:
		s.onRepNode(sender, payload)
	case msgReqBucket:
		s.onReqBucket(sender, payload)
	case msgRepBucket:
		s.onRepBucket(sender, payload)
	case msgGetVal:
		s.onGetVal(sender, payload)
	case msgPutVal:
		s.onPutVal(sender, payload)
	default:
		Logger.Warningf("unknown sync message type 0x%02x from %d", payload[0], sender)
	}
}

// --------------------------------------------------------------------------
// Message builders
// --------------------------------------------------------------------------

// prefix starts a message buffer with [type][sender]
func (s *Manager) prefix(kind msgType, capacity int) []byte {
	buf := make([]byte, 0, capacity)
	buf = append(buf, byte(kind))
	return binary.LittleEndian.AppendUint32(buf, s.nodeID)
}

// sendInit opens a session: the current root hash travels to the peer.
func (s *Manager) sendInit(target mesh.NodeID) {
	root := s.store.MerkleRootHash()

	buf := s.prefix(msgInit, prefixSize+8)
	buf = binary.LittleEndian.AppendUint64(buf, root)

	s.mesh.Send(target, mesh.LaneControl, buf)
	s.metrics.IncSyncOp("sync_init")
}

// sendReqNode asks the peer for the 16 child hashes at level under parent.
func (s *Manager) sendReqNode(to mesh.NodeID, level uint8, parent uint32) {
	buf := s.prefix(msgReqNode, prefixSize+5)
	buf = append(buf, level)
	buf = binary.LittleEndian.AppendUint32(buf, parent)

	s.mesh.Send(to, mesh.LaneControl, buf)
}

// sendReqBucket asks the peer for the key listing of one divergent leaf.
func (s *Manager) sendReqBucket(to mesh.NodeID, bucketIdx uint32) {
	buf := s.prefix(msgReqBucket, prefixSize+4)
	buf = binary.LittleEndian.AppendUint32(buf, bucketIdx)

	s.mesh.Send(to, mesh.LaneControl, buf)
}

// sendGetVal requests a single key's meta and value.
func (s *Manager) sendGetVal(to mesh.NodeID, key string) {
	buf := s.prefix(msgGetVal, prefixSize+len(key))
	buf = append(buf, key...)

	s.mesh.Send(to, mesh.LaneExpress, buf)
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

// onInit compares roots; equality ends the session silently, a mismatch
// drills into the 16 level-1 children.
func (s *Manager) onInit(from mesh.NodeID, buf []byte) {
	if len(buf) < prefixSize+8 {
		return
	}
	theirRoot := binary.LittleEndian.Uint64(buf[5:13])

	myRoot := s.store.MerkleRootHash()
	if myRoot == theirRoot {
		return
	}

	s.sendReqNode(from, 1, 0)
}

// onReqNode replies with the 16 child hashes at the requested level.
func (s *Manager) onReqNode(from mesh.NodeID, buf []byte) {
	if len(buf) < prefixSize+5 {
		return
	}
	level := buf[5]
	parent := binary.LittleEndian.Uint32(buf[6:10])

	if int(level) > merkle.Levels {
		return
	}

	// Refresh dirty bits before serving layer hashes
	s.store.MerkleRootHash()

	// [type][sender][level:1][pad:3][parent:4][16 x hash:8]
	rep := s.prefix(msgRepNode, prefixSize+8+16*8)
	rep = append(rep, level, 0, 0, 0)
	rep = binary.LittleEndian.AppendUint32(rep, parent)
	for i := uint32(0); i < merkle.Fanout; i++ {
		h := s.store.MerkleNode(int(level), parent*merkle.Fanout+i)
		rep = binary.LittleEndian.AppendUint64(rep, h)
	}

	s.mesh.Send(from, mesh.LaneControl, rep)
}

// onRepNode compares the peer's child hashes with ours and recurses into
// every mismatch; at the leaf level the mismatching child is a bucket.
func (s *Manager) onRepNode(from mesh.NodeID, buf []byte) {
	if len(buf) < prefixSize+8+16*8 {
		return
	}
	level := buf[5]
	parent := binary.LittleEndian.Uint32(buf[9:13])

	s.store.MerkleRootHash()

	hashes := buf[13:]
	for i := uint32(0); i < merkle.Fanout; i++ {
		theirH := binary.LittleEndian.Uint64(hashes[i*8:])

		childIdx := parent*merkle.Fanout + i
		myH := s.store.MerkleNode(int(level), childIdx)

		if myH != theirH {
			if int(level) == merkle.Levels {
				// The child is a leaf: a divergent bucket
				s.metrics.IncSyncOp("divergent_bucket")
				s.sendReqBucket(from, childIdx)
			} else {
				s.sendReqNode(from, level+1, childIdx)
			}
		}
	}
}

// onReqBucket lists our keys in the bucket with their value hashes. Meta
// sidecars are excluded by the engine; they travel with their primary key.
func (s *Manager) onReqBucket(from mesh.NodeID, buf []byte) {
	if len(buf) < prefixSize+4 {
		return
	}
	bucketIdx := binary.LittleEndian.Uint32(buf[5:9])

	keys := s.store.GetBucketKeys(bucketIdx)

	// [type][sender][bucket:4][count:4] { [klen:2][key][hash:8] } x count
	size := prefixSize + 8
	for _, k := range keys {
		size += 2 + len(k.Key) + 8
	}

	rep := s.prefix(msgRepBucket, size)
	rep = binary.LittleEndian.AppendUint32(rep, bucketIdx)
	rep = binary.LittleEndian.AppendUint32(rep, uint32(len(keys)))
	for _, k := range keys {
		rep = binary.LittleEndian.AppendUint16(rep, uint16(len(k.Key)))
		rep = append(rep, k.Key...)
		rep = binary.LittleEndian.AppendUint64(rep, k.Hash)
	}

	// Key listings ride the bulk lane
	s.mesh.Send(from, mesh.LaneHeavy, rep)
}

// onRepBucket walks the peer's key listing and requests every key whose
// local hash differs (absent counts as zero).
func (s *Manager) onRepBucket(from mesh.NodeID, buf []byte) {
	if len(buf) < prefixSize+8 {
		return
	}
	count := binary.LittleEndian.Uint32(buf[9:13])
	pos := 13

	for i := uint32(0); i < count; i++ {
		if pos+2 > len(buf) {
			break
		}
		klen := int(binary.LittleEndian.Uint16(buf[pos : pos+2]))
		if pos+2+klen+8 > len(buf) {
			break
		}

		key := string(buf[pos+2 : pos+2+klen])
		theirH := binary.LittleEndian.Uint64(buf[pos+2+klen:])
		pos += 2 + klen + 8

		var myH uint64
		if local := s.store.Get(key); len(local) > 0 {
			myH = merkle.HashBytes(local)
		}

		if myH != theirH {
			s.sendGetVal(from, key)
		}
	}
}

// onGetVal replies with the key's meta and value. A key we do not know
// yields an empty meta and value: "no newer info", which the requester's
// LWW check discards.
func (s *Manager) onGetVal(from mesh.NodeID, buf []byte) {
	if len(buf) < prefixSize {
		return
	}
	key := string(buf[prefixSize:])

	metaBytes := s.store.GetMeta(key)
	val := s.store.Get(key)

	// [type][sender][klen:2][key][mlen:2][meta][value...]
	rep := s.prefix(msgPutVal, prefixSize+2+len(key)+2+len(metaBytes)+len(val))
	rep = binary.LittleEndian.AppendUint16(rep, uint16(len(key)))
	rep = append(rep, key...)
	rep = binary.LittleEndian.AppendUint16(rep, uint16(len(metaBytes)))
	rep = append(rep, metaBytes...)
	rep = append(rep, val...)

	s.mesh.Send(from, mesh.LaneHeavy, rep)
}

// onPutVal decodes the transferred (meta, value) pair and applies it with
// last-writer-wins. Stale transfers are dropped by the engine.
func (s *Manager) onPutVal(from mesh.NodeID, buf []byte) {
	pos := prefixSize
	if pos+2 > len(buf) {
		return
	}
	klen := int(binary.LittleEndian.Uint16(buf[pos : pos+2]))
	pos += 2

	if pos+klen > len(buf) {
		return
	}
	key := string(buf[pos : pos+klen])
	pos += klen

	if pos+2 > len(buf) {
		return
	}
	mlen := int(binary.LittleEndian.Uint16(buf[pos : pos+2]))
	pos += 2

	if pos+mlen > len(buf) {
		Logger.Warningf("short meta in value transfer for %q from %d", key, from)
		return
	}
	metaBytes := buf[pos : pos+mlen]
	pos += mlen

	val := append([]byte(nil), buf[pos:]...)

	ts, tombstone := engine.DecodeMeta(metaBytes)
	local, _ := engine.DecodeMeta(s.store.GetMeta(key))

	m := replication.Mutation{
		TS:       ts,
		Key:      key,
		Value:    val,
		IsDelete: tombstone,
	}

	if err := s.store.ApplyMutation(m); err != nil {
		Logger.Errorf("apply repair for %q failed: %v", key, err)
		return
	}
	if ts.After(local) {
		s.metrics.IncKeysRepaired()
	}
}
