package engine

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/driftkv/driftkv/lib/clock"
	"github.com/driftkv/driftkv/lib/merkle"
	"github.com/driftkv/driftkv/lib/replication"
)

// openTestEngine creates an engine over a temp WAL
func openTestEngine(t *testing.T, walPath string) *Engine {
	t.Helper()
	e, err := Open(Options{NodeID: 1, WALPath: walPath})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return e
}

// --------------------------------------------------------------------------
// Basic reads and writes
// --------------------------------------------------------------------------

func TestPutGetRoundTrip(t *testing.T) {
	e := openTestEngine(t, filepath.Join(t.TempDir(), "test.wal"))
	defer e.Close()

	value := []byte(`{"name":"zoe"}`)
	if err := e.Put("user:1", value); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got := e.Get("user:1")
	if !bytes.Equal(got, value) {
		t.Errorf("Get returned %q, want %q", got, value)
	}

	if got := e.Get("missing"); len(got) != 0 {
		t.Errorf("Get of absent key should be empty, got %q", got)
	}

	// Returned bytes must be a copy
	got[0] = 'X'
	if bytes.Equal(e.Get("user:1"), got) {
		t.Errorf("Get must return a copy, not a reference")
	}
}

func TestPutWritesMetaSidecar(t *testing.T) {
	e := openTestEngine(t, filepath.Join(t.TempDir(), "test.wal"))
	defer e.Close()

	if err := e.Put("k", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	ts, tombstone := DecodeMeta(e.GetMeta("k"))
	if ts.IsZero() {
		t.Errorf("meta sidecar missing or unparsable after Put")
	}
	if tombstone {
		t.Errorf("fresh put must not be tombstoned")
	}
	if ts.NodeID != 1 {
		t.Errorf("meta node id = %d, want 1", ts.NodeID)
	}
}

// --------------------------------------------------------------------------
// Patches
// --------------------------------------------------------------------------

func TestPatchIntAndStr(t *testing.T) {
	e := openTestEngine(t, filepath.Join(t.TempDir(), "test.wal"))
	defer e.Close()

	if err := e.Put("doc", []byte(`{"views":1}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := e.PatchInt("doc", "views", 2); err != nil {
		t.Fatalf("PatchInt failed: %v", err)
	}
	if err := e.PatchStr("doc", "owner", "zoe"); err != nil {
		t.Fatalf("PatchStr failed: %v", err)
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(e.Get("doc"), &obj); err != nil {
		t.Fatalf("patched value is not valid JSON: %v", err)
	}
	if obj["views"] != float64(2) {
		t.Errorf("views = %v, want 2", obj["views"])
	}
	if obj["owner"] != "zoe" {
		t.Errorf("owner = %v, want zoe", obj["owner"])
	}
}

func TestPatchCreatesMissingKey(t *testing.T) {
	e := openTestEngine(t, filepath.Join(t.TempDir(), "test.wal"))
	defer e.Close()

	if err := e.PatchInt("fresh", "n", 7); err != nil {
		t.Fatalf("PatchInt on absent key failed: %v", err)
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(e.Get("fresh"), &obj); err != nil {
		t.Fatalf("value is not valid JSON: %v", err)
	}
	if obj["n"] != float64(7) {
		t.Errorf("n = %v, want 7", obj["n"])
	}
}

// --------------------------------------------------------------------------
// Last-writer-wins
// --------------------------------------------------------------------------

func TestLWWConflictResolution(t *testing.T) {
	e := openTestEngine(t, filepath.Join(t.TempDir(), "test.wal"))
	defer e.Close()

	apply := func(wall int64, node uint32, val string) {
		err := e.ApplyMutation(replication.Mutation{
			TS:    clock.Timestamp{WallTime: wall, Logical: 0, NodeID: node},
			Key:   "CR1",
			Value: []byte(val),
		})
		if err != nil {
			t.Fatalf("ApplyMutation failed: %v", err)
		}
	}

	apply(100, 1, `{"v":"1"}`)
	apply(90, 2, `{"v":"STALE"}`) // older timestamp, must be dropped
	apply(110, 1, `{"v":"2"}`)

	if got := e.Get("CR1"); !bytes.Equal(got, []byte(`{"v":"2"}`)) {
		t.Errorf("final value = %q, want {\"v\":\"2\"}", got)
	}

	ts, _ := DecodeMeta(e.GetMeta("CR1"))
	if ts.WallTime != 110 {
		t.Errorf("final meta ts = %d, want 110", ts.WallTime)
	}
}

func TestEqualTimestampIsDropped(t *testing.T) {
	e := openTestEngine(t, filepath.Join(t.TempDir(), "test.wal"))
	defer e.Close()

	ts := clock.Timestamp{WallTime: 50, Logical: 3, NodeID: 2}
	e.ApplyMutation(replication.Mutation{TS: ts, Key: "k", Value: []byte("first")})
	e.ApplyMutation(replication.Mutation{TS: ts, Key: "k", Value: []byte("second")})

	if got := e.Get("k"); !bytes.Equal(got, []byte("first")) {
		t.Errorf("mutation with equal timestamp must be dropped, got %q", got)
	}
}

// --------------------------------------------------------------------------
// Tombstones
// --------------------------------------------------------------------------

func TestTombstoneSuppressesStaleWrite(t *testing.T) {
	e := openTestEngine(t, filepath.Join(t.TempDir(), "test.wal"))
	defer e.Close()

	mkTS := func(wall int64) clock.Timestamp {
		return clock.Timestamp{WallTime: wall, Logical: 0, NodeID: 2}
	}

	e.ApplyMutation(replication.Mutation{TS: mkTS(100), Key: "z", Value: []byte(`{"alive":true}`)})
	e.ApplyMutation(replication.Mutation{TS: mkTS(110), Key: "z", IsDelete: true})
	e.ApplyMutation(replication.Mutation{TS: mkTS(105), Key: "z", Value: []byte(`{"alive":"zombie"}`)})

	if got := e.Get("z"); len(got) != 0 {
		t.Errorf("tombstoned key must read empty, got %q", got)
	}

	ts, tombstone := DecodeMeta(e.GetMeta("z"))
	if !tombstone {
		t.Errorf("meta must carry the tombstone flag")
	}
	if ts.WallTime != 110 {
		t.Errorf("tombstone ts = %d, want 110", ts.WallTime)
	}
}

func TestDelKeepsSlotForAntiEntropy(t *testing.T) {
	e := openTestEngine(t, filepath.Join(t.TempDir(), "test.wal"))
	defer e.Close()

	if err := e.Put("gone", []byte("data")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	existed, err := e.Del("gone")
	if err != nil {
		t.Fatalf("Del failed: %v", err)
	}
	if !existed {
		t.Errorf("Del of a live key should report existed")
	}

	// The tombstone still participates in the bucket listing, with hash 0
	bucket := merkle.BucketIndex("gone")
	keys := e.GetBucketKeys(bucket)
	found := false
	for _, k := range keys {
		if k.Key == "gone" {
			found = true
			if k.Hash != 0 {
				t.Errorf("tombstone hash = %016x, want 0", k.Hash)
			}
		}
	}
	if !found {
		t.Errorf("tombstoned key missing from its bucket listing")
	}

	// Deleting again reports no live value
	existed, _ = e.Del("gone")
	if existed {
		t.Errorf("second Del should report existed=false")
	}
}

// --------------------------------------------------------------------------
// Bucket listings
// --------------------------------------------------------------------------

func TestGetBucketKeysSuppressesMeta(t *testing.T) {
	e := openTestEngine(t, filepath.Join(t.TempDir(), "test.wal"))
	defer e.Close()

	if err := e.Put("listed", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Scan every bucket that could contain the key or its sidecar
	for _, bucket := range []uint32{merkle.BucketIndex("listed"), merkle.BucketIndex("listed:meta")} {
		for _, k := range e.GetBucketKeys(bucket) {
			if k.Key == "listed:meta" {
				t.Errorf("meta sidecar leaked into bucket listing")
			}
		}
	}

	keys := e.GetBucketKeys(merkle.BucketIndex("listed"))
	if len(keys) != 1 || keys[0].Key != "listed" {
		t.Fatalf("bucket listing = %v, want exactly the primary key", keys)
	}
	if want := merkle.HashBytes([]byte("v")); keys[0].Hash != want {
		t.Errorf("bucket hash = %016x, want %016x", keys[0].Hash, want)
	}
}

// --------------------------------------------------------------------------
// Crash recovery
// --------------------------------------------------------------------------

func TestMerkleRootSurvivesRestart(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "restart.wal")

	e := openTestEngine(t, walPath)
	if err := e.Put("a", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := e.Put("b", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := e.Put("a", []byte(`{"v":3}`)); err != nil { // overwrite
		t.Fatalf("Put failed: %v", err)
	}

	rootBefore := e.MerkleRootHash()
	valueA := e.Get("a")
	valueB := e.Get("b")
	metaA := e.GetMeta("a")
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	restarted := openTestEngine(t, walPath)
	defer restarted.Close()

	if got := restarted.MerkleRootHash(); got != rootBefore {
		t.Errorf("root after restart = %016x, want %016x", got, rootBefore)
	}
	if got := restarted.Get("a"); !bytes.Equal(got, valueA) {
		t.Errorf("value a after restart = %q, want %q", got, valueA)
	}
	if got := restarted.Get("b"); !bytes.Equal(got, valueB) {
		t.Errorf("value b after restart = %q, want %q", got, valueB)
	}
	if got := restarted.GetMeta("a"); !bytes.Equal(got, metaA) {
		t.Errorf("meta a after restart = %q, want %q", got, metaA)
	}
}

func TestRestartedClockDominatesRecoveredWrites(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "clock.wal")

	e := openTestEngine(t, walPath)
	if err := e.Put("k", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	tsBefore, _ := DecodeMeta(e.GetMeta("k"))
	e.Close()

	restarted := openTestEngine(t, walPath)
	defer restarted.Close()

	if err := restarted.Put("k", []byte("v2")); err != nil {
		t.Fatalf("Put after restart failed: %v", err)
	}
	tsAfter, _ := DecodeMeta(restarted.GetMeta("k"))
	if !tsAfter.After(tsBefore) {
		t.Errorf("post-restart write %s does not dominate recovered %s", tsAfter, tsBefore)
	}
}

func TestTombstoneSurvivesRestart(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "tomb.wal")

	e := openTestEngine(t, walPath)
	e.Put("dead", []byte("x"))
	e.Del("dead")
	root := e.MerkleRootHash()
	e.Close()

	restarted := openTestEngine(t, walPath)
	defer restarted.Close()

	if got := restarted.Get("dead"); len(got) != 0 {
		t.Errorf("tombstoned key resurrected by recovery: %q", got)
	}
	_, tombstone := DecodeMeta(restarted.GetMeta("dead"))
	if !tombstone {
		t.Errorf("tombstone flag lost across restart")
	}
	if got := restarted.MerkleRootHash(); got != root {
		t.Errorf("root after restart = %016x, want %016x", got, root)
	}
}

// --------------------------------------------------------------------------
// Purity across engines
// --------------------------------------------------------------------------

func TestIdenticalContentsIdenticalRoots(t *testing.T) {
	dir := t.TempDir()

	e1 := openTestEngine(t, filepath.Join(dir, "one.wal"))
	defer e1.Close()
	e2 := openTestEngine(t, filepath.Join(dir, "two.wal"))
	defer e2.Close()

	// Drive both engines to the same logical contents through the remote
	// apply path so values AND metas agree
	muts := []replication.Mutation{
		{TS: clock.Timestamp{WallTime: 10, NodeID: 3}, Key: "x", Value: []byte("1")},
		{TS: clock.Timestamp{WallTime: 20, NodeID: 3}, Key: "y", Value: []byte("2")},
		{TS: clock.Timestamp{WallTime: 30, NodeID: 3}, Key: "z", IsDelete: true},
	}
	for _, m := range muts {
		e1.ApplyMutation(m)
	}
	// Reverse order on the second engine; LWW never rejects here because the
	// keys are disjoint
	for i := len(muts) - 1; i >= 0; i-- {
		e2.ApplyMutation(muts[i])
	}

	if e1.MerkleRootHash() != e2.MerkleRootHash() {
		t.Errorf("engines with identical contents disagree on the root")
	}
}

// --------------------------------------------------------------------------
// Stats
// --------------------------------------------------------------------------

func TestStatsCountsKeysAndTombstones(t *testing.T) {
	e := openTestEngine(t, filepath.Join(t.TempDir(), "stats.wal"))
	defer e.Close()

	e.Put("a", []byte("1"))
	e.Put("b", []byte("2"))
	e.Put("c", []byte("3"))
	e.Del("c")

	stats := e.Stats()
	if stats.Keys != 2 {
		t.Errorf("Keys = %d, want 2", stats.Keys)
	}
	if stats.Tombstones != 1 {
		t.Errorf("Tombstones = %d, want 1", stats.Tombstones)
	}
	if stats.ShardCount != defaultShards {
		t.Errorf("ShardCount = %d, want %d", stats.ShardCount, defaultShards)
	}
}
