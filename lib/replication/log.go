// Package replication holds the mutation type exchanged between nodes and
// the bounded FIFO of pending outbound mutations.
package replication

import (
	"sync"

	"github.com/driftkv/driftkv/lib/clock"
	"github.com/driftkv/driftkv/lib/common"
)

// --------------------------------------------------------------------------
// Mutation
// --------------------------------------------------------------------------

// Mutation represents a single change to the store that must be replicated.
// A delete carries an empty value and IsDelete=true.
type Mutation struct {
	TS       clock.Timestamp
	Key      string
	Value    []byte
	IsDelete bool
}

// --------------------------------------------------------------------------
// Replication Log
// --------------------------------------------------------------------------

// DefaultMaxSize caps the queue to prevent unbounded growth while the
// network is down.
const DefaultMaxSize = 10000

// Log is a bounded FIFO of pending outbound mutations. The engine produces,
// the push-replication path consumes. On overflow the oldest entry is
// dropped and counted.
//
// Thread-safety: all methods are safe for concurrent use.
type Log struct {
	mx      sync.Mutex
	queue   []Mutation
	maxSize int
	metrics common.Metrics
}

// NewLog creates a log bounded to maxSize entries (DefaultMaxSize if 0).
func NewLog(maxSize int, metrics common.Metrics) *Log {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if metrics == nil {
		metrics = common.NopMetrics()
	}
	return &Log{maxSize: maxSize, metrics: metrics}
}

// Append enqueues a mutation, evicting the oldest entry when full.
func (l *Log) Append(m Mutation) {
	l.mx.Lock()
	defer l.mx.Unlock()

	if len(l.queue) >= l.maxSize {
		// Dropping is risky for convergence but better than unbounded memory;
		// anti-entropy repairs whatever push replication loses.
		l.queue = l.queue[1:]
		l.metrics.IncReplicationDropped()
	}
	l.queue = append(l.queue, m)
}

// PopBatch dequeues up to limit mutations in FIFO order.
func (l *Log) PopBatch(limit int) []Mutation {
	l.mx.Lock()
	defer l.mx.Unlock()

	n := min(limit, len(l.queue))
	if n <= 0 {
		return nil
	}

	batch := make([]Mutation, n)
	copy(batch, l.queue[:n])
	l.queue = l.queue[n:]
	return batch
}

// Size returns the number of queued mutations.
func (l *Log) Size() int {
	l.mx.Lock()
	defer l.mx.Unlock()
	return len(l.queue)
}

// Empty reports whether the queue is empty.
func (l *Log) Empty() bool {
	return l.Size() == 0
}
