// Package mesh provides the peer-to-peer transport of a driftKV cluster.
//
// Each pair of nodes shares one TCP connection carrying frames of the form
// [lane:4][size:4][body], little-endian. The lane is a priority hint
// (Control, Express, Standard, Heavy); multiplexing over a single socket
// keeps all frames of a connection totally ordered, which is stronger than
// the per-lane FIFO the sync protocol requires.
//
// A new connection starts with a 4-byte handshake: the initiator's node id.
// The acceptor reads it before the first frame and passes the real peer id
// to the message callback. Outbound frames pass through a per-connection
// lock-free queue drained by a single writer goroutine, so Send never blocks
// on the network; inbound frames are dispatched on the connection's reader
// goroutine, so the callback is serialized per connection.
//
// The transport does not reconnect on failure. A broken connection drops the
// peer, Send starts returning false, and the anti-entropy layer above is
// expected to tolerate the loss.
package mesh
