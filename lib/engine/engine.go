package engine

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/driftkv/driftkv/lib/clock"
	"github.com/driftkv/driftkv/lib/common"
	"github.com/driftkv/driftkv/lib/merkle"
	"github.com/driftkv/driftkv/lib/replication"
	"github.com/driftkv/driftkv/lib/wal"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/zeebo/xxh3"
)

var Logger = logger.GetLogger("engine")

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// defaultShards is the shard count used when the options leave it zero
const defaultShards = 64

// Options configures an Engine during initialization
type Options struct {
	NodeID           uint32
	WALPath          string
	Shards           uint32
	ReplicationLimit int            // 0 = replication.DefaultMaxSize
	Metrics          common.Metrics // nil = no-op
}

// --------------------------------------------------------------------------
// Shard
// --------------------------------------------------------------------------

// shard is one partition of the map. The reader/writer lock is held for the
// duration of a single operation and never across I/O.
type shard struct {
	mx   sync.RWMutex
	data map[string]*Blob
}

// --------------------------------------------------------------------------
// Engine
// --------------------------------------------------------------------------

// Engine is the sharded key/value store. It owns the WAL, the clock and the
// Merkle index and produces outbound mutations for the replication log.
//
// Thread-safety: all exported methods are safe for concurrent use.
type Engine struct {
	shards    []*shard
	numShards uint32

	wal     *wal.WAL
	clock   *clock.HybridLogicalClock
	merkle  *merkle.Tree
	replog  *replication.Log
	metrics common.Metrics

	// clockPool hands out per-worker batching clocks so hot writers don't
	// serialize on the global clock mutex per timestamp
	clockPool sync.Pool
}

// Open constructs the engine, opens the WAL and replays it through the
// apply helpers (which re-drive the Merkle deltas). A WAL open failure is
// fatal and returned to the caller.
func Open(opts Options) (*Engine, error) {
	numShards := opts.Shards
	if numShards == 0 {
		numShards = defaultShards
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = common.NopMetrics()
	}

	shards := make([]*shard, numShards)
	for i := range shards {
		shards[i] = &shard{data: make(map[string]*Blob)}
	}

	hlc := clock.New(opts.NodeID)

	e := &Engine{
		shards:    shards,
		numShards: numShards,
		clock:     hlc,
		merkle:    merkle.New(),
		replog:    replication.NewLog(opts.ReplicationLimit, metrics),
		metrics:   metrics,
	}
	e.clockPool.New = func() interface{} {
		return clock.NewBatchClock(hlc)
	}

	w, err := wal.Open(opts.WALPath)
	if err != nil {
		return nil, err
	}
	e.wal = w

	if err := w.Recover(e.recoverRecord); err != nil {
		w.Close()
		return nil, err
	}

	Logger.Infof("engine ready: %d shards, wal=%s", numShards, opts.WALPath)
	return e, nil
}

// Close flushes and releases the WAL.
func (e *Engine) Close() error {
	return e.wal.Close()
}

// --------------------------------------------------------------------------
// Internals: sharding, hashing, timestamps
// --------------------------------------------------------------------------

// getShard selects the shard for a key. xxh3 is process-local here; all
// cross-node hashing goes through the merkle package's stable hash.
func (e *Engine) getShard(key string) *shard {
	return e.shards[xxh3.HashString(key)%uint64(e.numShards)]
}

// now draws a timestamp from a pooled batching clock.
func (e *Engine) now() clock.Timestamp {
	bc := e.clockPool.Get().(*clock.BatchClock)
	ts := bc.Now()
	e.clockPool.Put(bc)
	return ts
}

// --------------------------------------------------------------------------
// Apply helpers (shared by the live write path and WAL recovery)
// --------------------------------------------------------------------------

// applyPut installs or overwrites a blob and feeds the Merkle delta.
// It returns a copy of the new byte image.
func (e *Engine) applyPut(key string, value []byte) []byte {
	s := e.getShard(key)

	s.mx.Lock()
	b, ok := s.data[key]
	if !ok {
		b = NewBlob()
		s.data[key] = b
	}
	oldH := b.Hash()
	b.Overwrite(value)
	newH := b.Hash()
	image := append([]byte(nil), b.View()...)
	s.mx.Unlock()

	e.merkle.ApplyDelta(key, oldH^newH)
	return image
}

// applyPatchInt sets an integer field in place.
func (e *Engine) applyPatchInt(key, field string, v int64) ([]byte, error) {
	return e.applyPatch(key, func(b *Blob) error { return b.SetInt(field, v) })
}

// applyPatchStr sets a string field in place.
func (e *Engine) applyPatchStr(key, field, val string) ([]byte, error) {
	return e.applyPatch(key, func(b *Blob) error { return b.SetStr(field, val) })
}

func (e *Engine) applyPatch(key string, mutate func(*Blob) error) ([]byte, error) {
	s := e.getShard(key)

	s.mx.Lock()
	b, ok := s.data[key]
	if !ok {
		b = NewBlob()
		s.data[key] = b
	}
	oldH := b.Hash()
	if err := mutate(b); err != nil {
		s.mx.Unlock()
		return nil, err
	}
	newH := b.Hash()
	image := append([]byte(nil), b.View()...)
	s.mx.Unlock()

	e.merkle.ApplyDelta(key, oldH^newH)
	return image, nil
}

// applyDel overwrites the slot with the empty blob. The slot is retained so
// the tombstone keeps participating in anti-entropy hashing. Returns whether
// a live value existed.
func (e *Engine) applyDel(key string) bool {
	s := e.getShard(key)

	s.mx.Lock()
	b, ok := s.data[key]
	if !ok {
		b = NewBlob()
		s.data[key] = b
	}
	existed := ok && b.Len() > 0
	oldH := b.Hash()
	b.Overwrite(nil)
	newH := b.Hash()
	s.mx.Unlock()

	e.merkle.ApplyDelta(key, oldH^newH)
	return existed
}

// --------------------------------------------------------------------------
// WAL recovery
// --------------------------------------------------------------------------

// recoverRecord replays one WAL operation. Errors are returned so the WAL
// logs and skips the record.
func (e *Engine) recoverRecord(op wal.Op, key string, payload []byte) error {
	switch op {
	case wal.OpPut:
		e.applyPut(key, payload)
		if isMetaKey(key) {
			// Re-seed the clock from recovered meta so new writes dominate
			if m := parseMeta(payload); !m.TS.IsZero() {
				e.clock.Update(m.TS)
			}
		}
		return nil

	case wal.OpPatchI64:
		field, rest, ok := strings.Cut(string(payload), ":")
		if !ok {
			return fmt.Errorf("malformed int patch payload")
		}
		v, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return fmt.Errorf("malformed int patch value %q: %v", rest, err)
		}
		_, err = e.applyPatchInt(key, field, v)
		return err

	case wal.OpPatchStr:
		field, rest, ok := strings.Cut(string(payload), ":")
		if !ok {
			return fmt.Errorf("malformed str patch payload")
		}
		_, err := e.applyPatchStr(key, field, rest)
		return err

	case wal.OpDelete:
		e.applyDel(key)
		return nil

	default:
		return fmt.Errorf("unknown op %d", op)
	}
}

// --------------------------------------------------------------------------
// Local write path
// --------------------------------------------------------------------------

// Put inserts or overwrites the value for a key. The value and its meta are
// committed in one atomic WAL batch before they become visible to readers.
func (e *Engine) Put(key string, body []byte) error {
	ts := e.now()
	metaVal := encodeMeta(ts, false)

	if err := e.wal.AppendBatch([]wal.BatchOp{
		{Op: wal.OpPut, Key: key, Value: body},
		{Op: wal.OpPut, Key: metaKey(key), Value: metaVal},
	}); err != nil {
		return err
	}

	e.applyPut(key, body)
	e.applyPut(metaKey(key), metaVal)

	e.replog.Append(replication.Mutation{TS: ts, Key: key, Value: append([]byte(nil), body...)})
	return nil
}

// PatchInt sets a single integer field of the value in place.
func (e *Engine) PatchInt(key, field string, v int64) error {
	ts := e.now()
	metaVal := encodeMeta(ts, false)
	payload := field + ":" + strconv.FormatInt(v, 10)

	if err := e.wal.AppendBatch([]wal.BatchOp{
		{Op: wal.OpPatchI64, Key: key, Value: []byte(payload)},
		{Op: wal.OpPut, Key: metaKey(key), Value: metaVal},
	}); err != nil {
		return err
	}

	image, err := e.applyPatchInt(key, field, v)
	if err != nil {
		return err
	}
	e.applyPut(metaKey(key), metaVal)

	e.replog.Append(replication.Mutation{TS: ts, Key: key, Value: image})
	return nil
}

// PatchStr sets a single string field of the value in place.
func (e *Engine) PatchStr(key, field, val string) error {
	ts := e.now()
	metaVal := encodeMeta(ts, false)
	payload := field + ":" + val

	if err := e.wal.AppendBatch([]wal.BatchOp{
		{Op: wal.OpPatchStr, Key: key, Value: []byte(payload)},
		{Op: wal.OpPut, Key: metaKey(key), Value: metaVal},
	}); err != nil {
		return err
	}

	image, err := e.applyPatchStr(key, field, val)
	if err != nil {
		return err
	}
	e.applyPut(metaKey(key), metaVal)

	e.replog.Append(replication.Mutation{TS: ts, Key: key, Value: image})
	return nil
}

// Del marks a key deleted. The slot is kept as an empty blob and the meta
// records the tombstone so stale writes cannot resurrect the key. Returns
// whether a live value existed.
func (e *Engine) Del(key string) (bool, error) {
	ts := e.now()
	metaVal := encodeMeta(ts, true)

	if err := e.wal.AppendBatch([]wal.BatchOp{
		{Op: wal.OpDelete, Key: key},
		{Op: wal.OpPut, Key: metaKey(key), Value: metaVal},
	}); err != nil {
		return false, err
	}

	existed := e.applyDel(key)
	e.applyPut(metaKey(key), metaVal)

	e.replog.Append(replication.Mutation{TS: ts, Key: key, IsDelete: true})
	return existed, nil
}

// --------------------------------------------------------------------------
// Remote apply path
// --------------------------------------------------------------------------

// ApplyMutation applies a mutation received from a peer using
// last-writer-wins: a mutation not strictly newer than the local meta is
// dropped. Dropping is not an error; it is counted as a metric.
func (e *Engine) ApplyMutation(m replication.Mutation) error {
	local := e.getMetaFor(m.Key)
	if !m.TS.After(local.TS) {
		Logger.Debugf("rejecting stale mutation for %q (inc %s, local %s)", m.Key, m.TS, local.TS)
		e.metrics.IncStaleMutations()
		return nil
	}

	// Receive event: local clock must dominate the incoming timestamp
	e.clock.Update(m.TS)

	metaVal := encodeMeta(m.TS, m.IsDelete)

	batch := make([]wal.BatchOp, 0, 2)
	if m.IsDelete {
		batch = append(batch, wal.BatchOp{Op: wal.OpDelete, Key: m.Key})
	} else {
		batch = append(batch, wal.BatchOp{Op: wal.OpPut, Key: m.Key, Value: m.Value})
	}
	batch = append(batch, wal.BatchOp{Op: wal.OpPut, Key: metaKey(m.Key), Value: metaVal})

	if err := e.wal.AppendBatch(batch); err != nil {
		return err
	}

	if m.IsDelete {
		e.applyDel(m.Key)
	} else {
		e.applyPut(m.Key, m.Value)
	}
	e.applyPut(metaKey(m.Key), metaVal)
	return nil
}

// --------------------------------------------------------------------------
// Read path
// --------------------------------------------------------------------------

// Get returns a copy of the value bytes. Empty means absent or tombstoned;
// reads never fail on missing data.
func (e *Engine) Get(key string) []byte {
	s := e.getShard(key)

	s.mx.RLock()
	defer s.mx.RUnlock()

	b, ok := s.data[key]
	if !ok || b.Len() == 0 {
		return nil
	}
	return append([]byte(nil), b.View()...)
}

// GetMeta returns a copy of the raw meta sidecar bytes for a user key
// (empty if the key has never been written).
func (e *Engine) GetMeta(key string) []byte {
	return e.Get(metaKey(key))
}

// getMetaFor reads and decodes the meta sidecar for a user key.
func (e *Engine) getMetaFor(key string) meta {
	return parseMeta(e.Get(metaKey(key)))
}

// BucketKey is one entry of a Merkle leaf listing
type BucketKey struct {
	Key  string
	Hash uint64
}

// GetBucketKeys lists the user keys whose leaf index equals bucketIdx with
// their blob hashes. Internal meta keys are suppressed: their meta travels
// implicitly with the primary key. Shards are scanned in index order.
func (e *Engine) GetBucketKeys(bucketIdx uint32) []BucketKey {
	var result []BucketKey
	for _, s := range e.shards {
		s.mx.RLock()
		for k, b := range s.data {
			if isMetaKey(k) {
				continue
			}
			if merkle.BucketIndex(k) == bucketIdx {
				result = append(result, BucketKey{Key: k, Hash: b.Hash()})
			}
		}
		s.mx.RUnlock()
	}
	return result
}

// --------------------------------------------------------------------------
// Maintenance and introspection
// --------------------------------------------------------------------------

// Flush makes all appended WAL records durable.
func (e *Engine) Flush() error {
	return e.wal.Flush()
}

// WALStats returns the write-ahead log's activity counters.
func (e *Engine) WALStats() wal.Stats {
	return e.wal.Stats()
}

// MerkleRootHash recomputes and returns the Merkle root.
func (e *Engine) MerkleRootHash() uint64 {
	return e.merkle.RootHash()
}

// MerkleNode returns one Merkle layer hash; call MerkleRootHash first so
// dirty bits have been propagated.
func (e *Engine) MerkleNode(level int, index uint32) uint64 {
	return e.merkle.NodeHash(level, index)
}

// ReplicationLog exposes the pending outbound mutation queue.
func (e *Engine) ReplicationLog() *replication.Log {
	return e.replog
}

// Clock exposes the node's hybrid logical clock.
func (e *Engine) Clock() *clock.HybridLogicalClock {
	return e.clock
}

// NodeID returns the node id the engine stamps into timestamps.
func (e *Engine) NodeID() uint32 {
	return e.clock.NodeID()
}
