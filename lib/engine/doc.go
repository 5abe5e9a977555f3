// Package engine implements the authoritative in-memory store of a driftKV
// node and orchestrates the components every write flows through.
//
// The engine partitions the keyspace into a fixed number of shards, each a
// plain map of key to Blob guarded by a reader/writer lock. A write takes a
// timestamp from the hybrid logical clock, commits the value together with
// its meta sidecar in one atomic WAL batch, installs the blob under the
// shard lock and feeds the resulting hash delta into the Merkle index. Only
// then is the mutation offered to the replication log for push replication.
//
// Key concepts:
//
//   - Blob: the opaque per-key byte container. JSON-object payloads support
//     in-place typed field patches; everything else is overwritten wholesale.
//     An empty blob doubles as the tombstone representation.
//
//   - Meta sidecar: every user key owns a companion "<key>:meta" record
//     carrying the hybrid logical timestamp of its last writer plus the
//     tombstone flag. Key and meta are committed in the same WAL batch, so
//     one is never visible without the other. Sidecars are suppressed from
//     bucket listings; they replicate implicitly with their primary key.
//
//   - Last-writer-wins: ApplyMutation compares the incoming timestamp with
//     the local meta and drops anything not strictly newer. Deletes leave
//     the slot behind as an empty blob so stale writes cannot resurrect a
//     key.
//
//   - Recovery: on startup the WAL is replayed through the same apply
//     helpers the live path uses, which rebuilds the shard maps and
//     re-derives the Merkle tree; recovered meta records re-seed the clock.
//
// All exported methods are safe for concurrent use. Shard locks are never
// held across I/O; the WAL append happens before the shard lock is taken.
package engine
