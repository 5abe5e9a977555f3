package common

import (
	"fmt"

	vm "github.com/VictoriaMetrics/metrics"
)

// --------------------------------------------------------------------------
// Metrics capability
// --------------------------------------------------------------------------

// Metrics is the observability capability handed to component constructors.
// Core components never read ambient globals; a single process-scoped handle
// is created at startup and passed down.
type Metrics interface {
	// IncStaleMutations counts mutations dropped by last-writer-wins
	IncStaleMutations()
	// IncKeysRepaired counts keys overwritten by anti-entropy repair
	IncKeysRepaired()
	// IncSyncOp counts protocol events by type (e.g. "sync_init", "divergent_bucket")
	IncSyncOp(op string)
	// AddMeshBytes accounts transferred payload bytes per lane and direction
	AddMeshBytes(lane string, n int, outbound bool)
	// IncReplicationDropped counts mutations evicted from the replication log
	IncReplicationDropped()
	// IncWALRecoverySkips counts records skipped during WAL replay
	IncWALRecoverySkips()
}

// --------------------------------------------------------------------------
// VictoriaMetrics-backed implementation
// --------------------------------------------------------------------------

type vmMetrics struct{}

// NewMetrics creates the process-scoped metrics handle. Counters are
// registered in the default VictoriaMetrics set and exposed by the HTTP
// /metrics endpoint.
func NewMetrics() Metrics {
	return &vmMetrics{}
}

func (m *vmMetrics) IncStaleMutations() {
	vm.GetOrCreateCounter("driftkv_stale_mutations_total").Inc()
}

func (m *vmMetrics) IncKeysRepaired() {
	vm.GetOrCreateCounter("driftkv_keys_repaired_total").Inc()
}

func (m *vmMetrics) IncSyncOp(op string) {
	vm.GetOrCreateCounter(fmt.Sprintf(`driftkv_sync_ops_total{type=%q}`, op)).Inc()
}

func (m *vmMetrics) AddMeshBytes(lane string, n int, outbound bool) {
	dir := "in"
	if outbound {
		dir = "out"
	}
	vm.GetOrCreateCounter(fmt.Sprintf(`driftkv_mesh_bytes_total{lane=%q,dir=%q}`, lane, dir)).Add(n)
}

func (m *vmMetrics) IncReplicationDropped() {
	vm.GetOrCreateCounter("driftkv_replication_dropped_total").Inc()
}

func (m *vmMetrics) IncWALRecoverySkips() {
	vm.GetOrCreateCounter("driftkv_wal_recovery_skips_total").Inc()
}

// --------------------------------------------------------------------------
// No-op implementation (tests, library embedding)
// --------------------------------------------------------------------------

type nopMetrics struct{}

// NopMetrics returns a metrics handle that discards everything
func NopMetrics() Metrics {
	return nopMetrics{}
}

func (nopMetrics) IncStaleMutations()                  {}
func (nopMetrics) IncKeysRepaired()                    {}
func (nopMetrics) IncSyncOp(string)                    {}
func (nopMetrics) AddMeshBytes(string, int, bool)      {}
func (nopMetrics) IncReplicationDropped()              {}
func (nopMetrics) IncWALRecoverySkips()                {}
