// Package wal implements the append-only write-ahead log. Every mutation is
// durably framed here before it becomes visible to readers, and the log is
// replayed on startup to rebuild the in-memory state.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("wal")

// --------------------------------------------------------------------------
// Record types and framing constants
// --------------------------------------------------------------------------

// Op identifies the kind of a WAL record
type Op uint8

const (
	OpPut      Op = 1
	OpPatchI64 Op = 2
	OpDelete   Op = 3
	OpBatch    Op = 4
	OpPatchStr Op = 5
)

func (o Op) String() string {
	switch o {
	case OpPut:
		return "Put"
	case OpPatchI64:
		return "PatchI64"
	case OpDelete:
		return "Delete"
	case OpBatch:
		return "Batch"
	case OpPatchStr:
		return "PatchStr"
	default:
		return "Unknown"
	}
}

// headerSize is the framed record header: [crc:4][op:1][klen:2][plen:4]
const headerSize = 4 + 1 + 2 + 4

// BatchOp is one sub-operation of an atomic batch record
type BatchOp struct {
	Op    Op
	Key   string
	Value []byte
}

// RecoverCallback receives each replayed operation. For batch records the
// callback is invoked once per sub-operation. A non-nil error skips the
// record and continues the replay.
type RecoverCallback func(op Op, key string, payload []byte) error

// --------------------------------------------------------------------------
// Stats
// --------------------------------------------------------------------------

// Stats is a snapshot of the log's activity counters
type Stats struct {
	RecordsAppended   uint64 `json:"records_appended"`
	BatchesAppended   uint64 `json:"batches_appended"`
	BytesAppended     uint64 `json:"bytes_appended"`
	Flushes           uint64 `json:"flushes"`
	RecordsRecovered  uint64 `json:"records_recovered"`
	RecoverySkips     uint64 `json:"recovery_skips"`
	RecoveredToOffset int64  `json:"recovered_to_offset"`
}

// --------------------------------------------------------------------------
// Write-Ahead Log
// --------------------------------------------------------------------------

// WAL is a durable append-only log of framed records. Records are appended
// in call order under a mutex; batches are atomic by framing, not by fsync
// boundary. Recovery must run to completion before the first append.
type WAL struct {
	path string
	file *os.File

	mx        sync.Mutex
	recovered bool
	scratch   []byte

	stats   Stats
	statsMx sync.Mutex
}

// Open opens (or creates) the log file. Failure to open is fatal for the
// process; the error is returned to the caller to surface it.
func Open(path string) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file %s: %v", path, err)
	}
	return &WAL{path: path, file: file}, nil
}

// computeCRC computes the record checksum over [op][key][payload] using the
// reflected 0xEDB88320 polynomial (crc32.IEEE).
func computeCRC(op Op, key string, payload []byte) uint32 {
	crc := crc32.Update(0, crc32.IEEETable, []byte{byte(op)})
	crc = crc32.Update(crc, crc32.IEEETable, []byte(key))
	return crc32.Update(crc, crc32.IEEETable, payload)
}

// Append frames and writes a single record. On return the bytes have been
// handed to the OS; call Flush for fsync-level durability.
//
// Thread-safety: safe for concurrent use; records are serialized by a mutex.
func (w *WAL) Append(op Op, key string, payload []byte) error {
	w.mx.Lock()
	defer w.mx.Unlock()

	if !w.recovered {
		return fmt.Errorf("WAL append before recovery completed")
	}

	total := headerSize + len(key) + len(payload)
	if cap(w.scratch) < total {
		w.scratch = make([]byte, 0, total*2)
	}
	buf := w.scratch[:0]

	crc := computeCRC(op, key, payload)
	buf = binary.LittleEndian.AppendUint32(buf, crc)
	buf = append(buf, byte(op))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(key)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, key...)
	buf = append(buf, payload...)
	w.scratch = buf

	if _, err := w.file.Write(buf); err != nil {
		return fmt.Errorf("WAL write error: %v", err)
	}

	w.statsMx.Lock()
	w.stats.RecordsAppended++
	w.stats.BytesAppended += uint64(len(buf))
	w.statsMx.Unlock()

	return nil
}

// AppendBatch frames the operations as one atomic BATCH record: either all
// or none of the sub-operations become visible after recovery.
func (w *WAL) AppendBatch(ops []BatchOp) error {
	// Serialize the nested batch payload:
	// [count:4] { [op:1][klen:2][key][vlen:4][val] } x count
	size := 4
	for _, op := range ops {
		size += 1 + 2 + len(op.Key) + 4 + len(op.Value)
	}

	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ops)))
	for _, op := range ops {
		buf = append(buf, byte(op.Op))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(op.Key)))
		buf = append(buf, op.Key...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(op.Value)))
		buf = append(buf, op.Value...)
	}

	if err := w.Append(OpBatch, "", buf); err != nil {
		return err
	}

	w.statsMx.Lock()
	w.stats.BatchesAppended++
	w.statsMx.Unlock()
	return nil
}

// Flush makes previously appended records durable (fsync).
func (w *WAL) Flush() error {
	w.mx.Lock()
	defer w.mx.Unlock()

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("WAL flush error: %v", err)
	}

	w.statsMx.Lock()
	w.stats.Flushes++
	w.statsMx.Unlock()
	return nil
}

// Stats returns a snapshot of the activity counters.
func (w *WAL) Stats() Stats {
	w.statsMx.Lock()
	defer w.statsMx.Unlock()
	return w.stats
}

// Close flushes and releases the underlying file.
func (w *WAL) Close() error {
	w.mx.Lock()
	defer w.mx.Unlock()
	if err := w.file.Sync(); err != nil {
		Logger.Errorf("WAL close: flush failed: %v", err)
	}
	return w.file.Close()
}

// --------------------------------------------------------------------------
// Recovery
// --------------------------------------------------------------------------

// Recover replays every committed record in append order, invoking cb for
// each operation (batch sub-operations are replayed through the same
// callback). Replay stops at the first short read, truncated frame or CRC
// mismatch: the tail of a torn write is treated as clean EOF.
//
// Recover must be called exactly once, before the first Append.
func (w *WAL) Recover(cb RecoverCallback) error {
	w.mx.Lock()
	defer w.mx.Unlock()

	if w.recovered {
		return fmt.Errorf("WAL recovery already completed")
	}

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("WAL recovery seek: %v", err)
	}

	reader := bufio.NewReaderSize(w.file, 1024*1024)
	var offset int64

	header := make([]byte, headerSize)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			// Clean EOF or torn header: end of committed prefix
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				Logger.Errorf("WAL recovery header read at offset %d: %v", offset, err)
			}
			break
		}

		crc := binary.LittleEndian.Uint32(header[0:4])
		op := Op(header[4])
		keyLen := binary.LittleEndian.Uint16(header[5:7])
		payloadLen := binary.LittleEndian.Uint32(header[7:11])

		key := make([]byte, keyLen)
		if _, err := io.ReadFull(reader, key); err != nil {
			Logger.Warningf("WAL recovery: truncated key at offset %d", offset)
			break
		}

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(reader, payload); err != nil {
			Logger.Warningf("WAL recovery: truncated payload at offset %d", offset)
			break
		}

		computed := computeCRC(op, string(key), payload)
		if computed != crc {
			if crc == 0 && computed != 0 {
				// Legacy tolerance: records written before checksumming
				Logger.Warningf("WAL recovery: zero CRC accepted at offset %d", offset)
			} else {
				Logger.Errorf("WAL recovery: CRC mismatch at offset %d, truncating tail", offset)
				break
			}
		}

		offset += int64(headerSize) + int64(keyLen) + int64(payloadLen)

		if op == OpBatch {
			w.replayBatch(payload, cb)
		} else {
			w.invoke(cb, op, string(key), payload)
		}
	}

	w.statsMx.Lock()
	w.stats.RecoveredToOffset = offset
	w.statsMx.Unlock()

	// Cut off any torn tail and position the writer at the end of the
	// committed prefix.
	if err := w.file.Truncate(offset); err != nil {
		return fmt.Errorf("WAL recovery truncate: %v", err)
	}
	if _, err := w.file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("WAL recovery seek to end: %v", err)
	}

	w.recovered = true
	Logger.Infof("WAL recovery completed at offset %d (%d records)", offset, w.stats.RecordsRecovered)
	return nil
}

// replayBatch decodes a nested batch payload and replays each sub-operation.
// A malformed batch prefix skips the record; a truncated sub-op ends the
// batch's replay at that point.
func (w *WAL) replayBatch(payload []byte, cb RecoverCallback) {
	if len(payload) < 4 {
		Logger.Warningf("WAL recovery: corrupt batch (too small)")
		w.bumpSkips()
		return
	}

	count := binary.LittleEndian.Uint32(payload[0:4])
	pos := 4

	for i := uint32(0); i < count; i++ {
		if pos+1 > len(payload) {
			break
		}
		op := Op(payload[pos])
		pos++

		if pos+2 > len(payload) {
			break
		}
		keyLen := int(binary.LittleEndian.Uint16(payload[pos : pos+2]))
		pos += 2

		if pos+keyLen > len(payload) {
			break
		}
		key := string(payload[pos : pos+keyLen])
		pos += keyLen

		if pos+4 > len(payload) {
			break
		}
		valLen := int(binary.LittleEndian.Uint32(payload[pos : pos+4]))
		pos += 4

		if pos+valLen > len(payload) {
			break
		}
		val := payload[pos : pos+valLen]
		pos += valLen

		w.invoke(cb, op, key, val)
	}
}

// invoke runs the callback for one replayed operation; errors are logged and
// the record skipped.
func (w *WAL) invoke(cb RecoverCallback, op Op, key string, payload []byte) {
	w.statsMx.Lock()
	w.stats.RecordsRecovered++
	w.statsMx.Unlock()

	if err := cb(op, key, payload); err != nil {
		Logger.Warningf("WAL recovery skip (%s %q): %v", op, key, err)
		w.bumpSkips()
	}
}

func (w *WAL) bumpSkips() {
	w.statsMx.Lock()
	w.stats.RecoverySkips++
	w.statsMx.Unlock()
}
