package mesh

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// maxFrameSize bounds inbound frame bodies; anything larger closes the
// connection as a protocol violation.
const maxFrameSize = 64 * 1024 * 1024

// frameHeaderSize is [lane:4][size:4], little-endian
const frameHeaderSize = 8

// buildFrame assembles a wire frame: [lane:4 LE][size:4 LE][body]
func buildFrame(lane Lane, payload []byte) []byte {
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(lane))
	binary.LittleEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)
	return frame
}

// readFrame reads one framed message from the connection
func readFrame(conn net.Conn) (Lane, []byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return 0, nil, err
	}

	lane := Lane(binary.LittleEndian.Uint32(header[0:4]))
	size := binary.LittleEndian.Uint32(header[4:8])

	if size > maxFrameSize {
		return 0, nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(conn, body); err != nil {
		return 0, nil, err
	}
	return lane, body, nil
}

// writeHandshake sends the local node id as the first 4 bytes of a new
// connection (initiator side)
func writeHandshake(conn net.Conn, id NodeID) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(id))
	_, err := conn.Write(buf[:])
	return err
}

// readHandshake reads the initiator's node id (acceptor side)
func readHandshake(conn net.Conn) (NodeID, error) {
	var buf [4]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		return 0, err
	}
	return NodeID(binary.LittleEndian.Uint32(buf[:])), nil
}
