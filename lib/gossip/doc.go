// Package gossip converges divergent replicas through Merkle-tree
// anti-entropy.
//
// On a timer each node offers its Merkle root to one random peer. A peer
// whose root differs drills down the tree level by level, requesting the 16
// child hashes under every mismatching node, until it reaches divergent
// leaves. For each divergent leaf it fetches the peer's key listing, then
// transfers the (meta, value) pair of every key whose hash disagrees and
// applies it under last-writer-wins. For d divergent leaves a session costs
// O(d + 64) messages.
//
// There is no session state and no FIN: every exchange is idempotent, so
// lost, duplicated or reordered messages at worst cost an extra round.
package gossip
