// Package clock implements the hybrid logical clock that produces the total
// order over events used for last-writer-wins conflict resolution.
package clock

import (
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("clock")

// --------------------------------------------------------------------------
// Timestamp
// --------------------------------------------------------------------------

// Timestamp is a hybrid logical clock reading. Timestamps order
// lexicographically on (WallTime, Logical, NodeID), which yields a total
// order across all nodes.
type Timestamp struct {
	WallTime int64  // Physical time (unix micros)
	Logical  uint32 // Logical counter
	NodeID   uint32 // Tie-breaker
}

// Compare returns -1, 0 or 1 if t is ordered before, equal to or after o.
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.WallTime != o.WallTime:
		if t.WallTime < o.WallTime {
			return -1
		}
		return 1
	case t.Logical != o.Logical:
		if t.Logical < o.Logical {
			return -1
		}
		return 1
	case t.NodeID != o.NodeID:
		if t.NodeID < o.NodeID {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// Less reports whether t is ordered strictly before o.
func (t Timestamp) Less(o Timestamp) bool { return t.Compare(o) < 0 }

// After reports whether t is ordered strictly after o.
func (t Timestamp) After(o Timestamp) bool { return t.Compare(o) > 0 }

// IsZero reports whether t is the zero timestamp (ordered before everything).
func (t Timestamp) IsZero() bool {
	return t.WallTime == 0 && t.Logical == 0 && t.NodeID == 0
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d.%d", t.WallTime, t.Logical, t.NodeID)
}

// --------------------------------------------------------------------------
// Hybrid Logical Clock
// --------------------------------------------------------------------------

const (
	// backwardsWarnThreshold is how far the physical clock may lag the HLC
	// wall component before a warning is emitted
	backwardsWarnThreshold = 5 * time.Second

	// backwardsWarnInterval rate-limits the backwards-clock warning
	backwardsWarnInterval = 5 * time.Second
)

// physicalNow returns the physical time in unix microseconds
func physicalNow() int64 {
	return time.Now().UnixMicro()
}

// HybridLogicalClock produces strictly monotone, causality-respecting
// timestamps under concurrent producers and occasional clock skew.
//
// Thread-safety: all methods are safe for concurrent use.
type HybridLogicalClock struct {
	mx         sync.Mutex
	maxWall    int64
	maxLogical uint32
	nodeID     uint32

	lastBackwardsWarn int64 // unix micros of the last warning, rate limiting
}

// New creates a clock for the given node id.
func New(nodeID uint32) *HybridLogicalClock {
	return &HybridLogicalClock{nodeID: nodeID}
}

// NodeID returns the node id stamped into every timestamp.
func (c *HybridLogicalClock) NodeID() uint32 { return c.nodeID }

// Now returns a timestamp strictly greater than every timestamp previously
// returned by this process (send event).
func (c *HybridLogicalClock) Now() Timestamp {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.nowLocked()
}

func (c *HybridLogicalClock) nowLocked() Timestamp {
	for {
		physNow := physicalNow()

		if physNow > c.maxWall {
			c.maxWall = physNow
			c.maxLogical = 0
			return Timestamp{c.maxWall, c.maxLogical, c.nodeID}
		}

		// Clock hasn't moved forward, or we are called faster than 1us
		// resolution. Increment the logical counter instead.
		c.maybeWarnBackwards(physNow)
		if c.maxLogical < math.MaxUint32 {
			c.maxLogical++
			return Timestamp{c.maxWall, c.maxLogical, c.nodeID}
		}

		// Logical counter exhausted: wait out the physical tick and retry
		c.waitForTickLocked()
	}
}

// Update merges an incoming timestamp into the clock (receive event). A
// subsequent Now() strictly dominates the incoming timestamp.
func (c *HybridLogicalClock) Update(incoming Timestamp) {
	c.mx.Lock()
	defer c.mx.Unlock()

	physNow := physicalNow()

	lOld := c.maxWall
	cOld := c.maxLogical
	lMsg := incoming.WallTime
	cMsg := incoming.Logical

	c.maxWall = max(lOld, lMsg, physNow)

	switch {
	case c.maxWall == lOld && c.maxWall == lMsg:
		c.maxLogical = max(cOld, cMsg) + 1
	case c.maxWall == lOld:
		c.maxLogical = cOld + 1
	case c.maxWall == lMsg:
		c.maxLogical = cMsg + 1
	default:
		c.maxLogical = 0
	}
}

// ReserveLogical reserves count logical values for the given physical tick.
// It returns the first reserved value and true on success. If forPhysTime is
// older than the clock's current view the reservation fails and the caller
// must refresh its physical time and retry.
func (c *HybridLogicalClock) ReserveLogical(forPhysTime int64, count uint32) (uint32, bool) {
	c.mx.Lock()
	defer c.mx.Unlock()

	physNow := max(physicalNow(), c.maxWall)

	if forPhysTime < physNow {
		// Caller's time is stale
		return 0, false
	}

	if forPhysTime > c.maxWall {
		c.maxWall = forPhysTime
		c.maxLogical = 0
	}

	if c.maxLogical > math.MaxUint32-count {
		// Counter exhausted: wait out the tick; the caller's physical time is
		// stale afterwards, so the reservation fails and the caller retries
		c.waitForTickLocked()
		if physNow := physicalNow(); physNow > c.maxWall {
			c.maxWall = physNow
			c.maxLogical = 0
		}
		return 0, false
	}

	start := c.maxLogical + 1
	c.maxLogical += count
	return start, true
}

// waitForTickLocked releases the mutex until the physical clock passes
// maxWall. Bounded by one physical tick (one microsecond of real time);
// reaching it requires four billion timestamps inside a single microsecond.
func (c *HybridLogicalClock) waitForTickLocked() {
	target := c.maxWall
	c.mx.Unlock()
	for physicalNow() <= target {
		runtime.Gosched()
	}
	c.mx.Lock()
}

// maybeWarnBackwards emits a rate-limited warning when the physical clock
// lags the HLC wall component by more than the threshold.
func (c *HybridLogicalClock) maybeWarnBackwards(physNow int64) {
	lag := c.maxWall - physNow
	if lag < backwardsWarnThreshold.Microseconds() {
		return
	}
	if physNow-c.lastBackwardsWarn < backwardsWarnInterval.Microseconds() {
		return
	}
	c.lastBackwardsWarn = physNow
	Logger.Warningf("physical clock lags HLC wall time by %d us (backwards clock?)", lag)
}

// --------------------------------------------------------------------------
// Batch Clock (per-worker wrapper)
// --------------------------------------------------------------------------

// batchSize is the number of logical values reserved per refill
const batchSize = 50

// BatchClock caches a reserved range of logical values for one physical tick
// so a hot writer takes the global mutex once per batch instead of once per
// timestamp.
//
// Thread-safety: a BatchClock must be owned by a single worker at a time.
// Hand instances out through a sync.Pool for concurrent writers.
type BatchClock struct {
	global *HybridLogicalClock

	cachedPhysTime    int64
	cachedLogicalNext uint32
	cachedLogicalEnd  uint32 // Exclusive
}

// NewBatchClock creates a batching wrapper around the global clock.
func NewBatchClock(global *HybridLogicalClock) *BatchClock {
	return &BatchClock{global: global}
}

// Now returns the next timestamp, serving from the cached reservation when
// possible and refilling from the global clock otherwise.
func (b *BatchClock) Now() Timestamp {
	physNow := physicalNow()

	// Serve from the batch while the tick matches
	if physNow == b.cachedPhysTime {
		if b.cachedLogicalNext < b.cachedLogicalEnd {
			ts := Timestamp{b.cachedPhysTime, b.cachedLogicalNext, b.global.NodeID()}
			b.cachedLogicalNext++
			return ts
		}
	} else if physNow > b.cachedPhysTime {
		// Time moved forward, the old batch is dead
		b.cachedPhysTime = physNow
		b.cachedLogicalNext = 0
		b.cachedLogicalEnd = 0
	}

	// Refill the batch
	for {
		start, ok := b.global.ReserveLogical(physNow, batchSize)
		if ok {
			b.cachedPhysTime = physNow
			b.cachedLogicalNext = start
			b.cachedLogicalEnd = start + batchSize
			ts := Timestamp{b.cachedPhysTime, b.cachedLogicalNext, b.global.NodeID()}
			b.cachedLogicalNext++
			return ts
		}

		nextPhys := physicalNow()
		if nextPhys == physNow {
			// The global clock is ahead of physical time (a receive pushed it
			// forward). Fall back to the global clock for this timestamp and
			// refresh the cache from the result so later batched values stay
			// monotone against it.
			ts := b.global.Now()
			b.cachedPhysTime = ts.WallTime
			b.cachedLogicalNext = ts.Logical + 1
			b.cachedLogicalEnd = ts.Logical + 1 // empty batch, forces a reserve
			return ts
		}
		physNow = nextPhys
	}
}

// Update forwards an incoming timestamp to the global clock.
func (b *BatchClock) Update(incoming Timestamp) {
	b.global.Update(incoming)
}
