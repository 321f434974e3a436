// Package tables defines the shared-state capabilities between the
// control agent and the data plane. Ownership is split: the agent
// holds a Writer and is the only component that mutates slot tables,
// control records, fallback sets, the active-table selector, the
// epoch and the heartbeat; the data plane holds a Store and only ever
// reads them. The data plane's own writable state (conntrack,
// counters) lives outside this package.
package tables

import (
	"errors"

	"github.com/Demians12/Continuity/internal/abi"
)

// ErrMapFull is returned by writes that would exceed a map's declared
// capacity. Bounded capacity is part of the data model, not a tunable.
var ErrMapFull = errors.New("tables: map capacity exhausted")

// Store is the read-only capability the data plane selects through.
// Every lookup may miss; the pipeline treats a miss as a terminal
// outcome for that invocation, never as something to retry.
type Store interface {
	// SlotLookup reads one slot entry from the given table.
	SlotLookup(table abi.ActiveTable, routeKey uint64) (abi.BackendID, bool)

	// ActiveTable reads the table selector.
	ActiveTable() abi.ActiveTable

	// Epoch reads the generation counter.
	Epoch() uint64

	// Control reads the per-route-group control record.
	Control(routeGroupKey uint64) (abi.RTControl, bool)

	// FallbackSize reads the fallback set size for a route group.
	FallbackSize(routeGroupKey uint64) (uint32, bool)

	// FallbackBackend reads one member of a fallback set.
	FallbackBackend(key abi.FallbackKey) (abi.BackendID, bool)

	// LastAgentSeenNS reads the heartbeat. Zero means never seen.
	LastAgentSeenNS() uint64
}

// Writer is the agent-side capability. Implementations perform each
// write atomically per key; cross-key coherence comes from the flip
// protocol (populate standby -> bump epoch -> flip active), not from
// the store.
type Writer interface {
	SlotPut(table abi.ActiveTable, routeKey uint64, backend abi.BackendID) error
	SlotDelete(table abi.ActiveTable, routeKey uint64) error
	SlotClear(table abi.ActiveTable) error

	SetActiveTable(table abi.ActiveTable) error
	SetEpoch(epoch uint64) error

	SetControl(routeGroupKey uint64, ctl abi.RTControl) error
	DeleteControl(routeGroupKey uint64) error

	SetFallbackSize(routeGroupKey uint64, n uint32) error
	SetFallbackBackend(key abi.FallbackKey, backend abi.BackendID) error
	ClearFallback(routeGroupKey uint64, n uint32) error

	SetHeartbeat(nowNS uint64) error
}
