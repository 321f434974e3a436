package tables

import (
	"sync"
	"sync/atomic"

	"github.com/Demians12/Continuity/internal/abi"
)

// MemStore backs the capability pair with process memory. It is the
// store the harness, the tests and the microbenchmarks run against.
//
// Values are held as marshalled wire records and decoded on read, so
// the codec sits in the read path exactly as it does against kernel
// maps. The single-cell tables (active, epoch, heartbeat) are plain
// atomics: the flip race between agent and data plane is real here,
// which is what the coherence tests need.
type MemStore struct {
	slotMu sync.RWMutex
	slotA  map[uint64][abi.BackendIDSize]byte
	slotB  map[uint64][abi.BackendIDSize]byte

	ctlMu   sync.RWMutex
	control map[uint64][abi.RTControlSize]byte

	fbMu       sync.RWMutex
	fbSize     map[uint64]uint32
	fbBackends map[abi.FallbackKey][abi.BackendIDSize]byte

	active    atomic.Uint32
	epoch     atomic.Uint64
	heartbeat atomic.Uint64
}

var (
	_ Store  = (*MemStore)(nil)
	_ Writer = (*MemStore)(nil)
)

// NewMemStore creates an empty store with the ABI's declared
// capacities.
func NewMemStore() *MemStore {
	return &MemStore{
		slotA:      make(map[uint64][abi.BackendIDSize]byte),
		slotB:      make(map[uint64][abi.BackendIDSize]byte),
		control:    make(map[uint64][abi.RTControlSize]byte),
		fbSize:     make(map[uint64]uint32),
		fbBackends: make(map[abi.FallbackKey][abi.BackendIDSize]byte),
	}
}

func (m *MemStore) slotMap(table abi.ActiveTable) map[uint64][abi.BackendIDSize]byte {
	if table == abi.TableB {
		return m.slotB
	}
	return m.slotA
}

// --- Store (data-plane reads) ---

func (m *MemStore) SlotLookup(table abi.ActiveTable, routeKey uint64) (abi.BackendID, bool) {
	m.slotMu.RLock()
	raw, ok := m.slotMap(table)[routeKey]
	m.slotMu.RUnlock()
	if !ok {
		return abi.BackendID{}, false
	}
	backend, err := abi.UnmarshalBackendID(raw[:])
	if err != nil {
		return abi.BackendID{}, false
	}
	return backend, true
}

func (m *MemStore) ActiveTable() abi.ActiveTable {
	return abi.ActiveTable(m.active.Load())
}

func (m *MemStore) Epoch() uint64 {
	return m.epoch.Load()
}

func (m *MemStore) Control(routeGroupKey uint64) (abi.RTControl, bool) {
	m.ctlMu.RLock()
	raw, ok := m.control[routeGroupKey]
	m.ctlMu.RUnlock()
	if !ok {
		return abi.RTControl{}, false
	}
	ctl, err := abi.UnmarshalRTControl(raw[:])
	if err != nil {
		return abi.RTControl{}, false
	}
	return ctl, true
}

func (m *MemStore) FallbackSize(routeGroupKey uint64) (uint32, bool) {
	m.fbMu.RLock()
	n, ok := m.fbSize[routeGroupKey]
	m.fbMu.RUnlock()
	return n, ok
}

func (m *MemStore) FallbackBackend(key abi.FallbackKey) (abi.BackendID, bool) {
	m.fbMu.RLock()
	raw, ok := m.fbBackends[key]
	m.fbMu.RUnlock()
	if !ok {
		return abi.BackendID{}, false
	}
	backend, err := abi.UnmarshalBackendID(raw[:])
	if err != nil {
		return abi.BackendID{}, false
	}
	return backend, true
}

func (m *MemStore) LastAgentSeenNS() uint64 {
	return m.heartbeat.Load()
}

// --- Writer (agent writes) ---

func (m *MemStore) SlotPut(table abi.ActiveTable, routeKey uint64, backend abi.BackendID) error {
	var raw [abi.BackendIDSize]byte
	copy(raw[:], abi.MarshalBackendID(backend))

	m.slotMu.Lock()
	defer m.slotMu.Unlock()
	sm := m.slotMap(table)
	if _, exists := sm[routeKey]; !exists && len(sm) >= abi.MaxSlotEntries {
		return ErrMapFull
	}
	sm[routeKey] = raw
	return nil
}

func (m *MemStore) SlotDelete(table abi.ActiveTable, routeKey uint64) error {
	m.slotMu.Lock()
	delete(m.slotMap(table), routeKey)
	m.slotMu.Unlock()
	return nil
}

func (m *MemStore) SlotClear(table abi.ActiveTable) error {
	m.slotMu.Lock()
	if table == abi.TableB {
		m.slotB = make(map[uint64][abi.BackendIDSize]byte)
	} else {
		m.slotA = make(map[uint64][abi.BackendIDSize]byte)
	}
	m.slotMu.Unlock()
	return nil
}

func (m *MemStore) SetActiveTable(table abi.ActiveTable) error {
	m.active.Store(uint32(table))
	return nil
}

func (m *MemStore) SetEpoch(epoch uint64) error {
	m.epoch.Store(epoch)
	return nil
}

func (m *MemStore) SetControl(routeGroupKey uint64, ctl abi.RTControl) error {
	var raw [abi.RTControlSize]byte
	copy(raw[:], abi.MarshalRTControl(ctl))

	m.ctlMu.Lock()
	defer m.ctlMu.Unlock()
	if _, exists := m.control[routeGroupKey]; !exists && len(m.control) >= abi.MaxRouteGroups {
		return ErrMapFull
	}
	m.control[routeGroupKey] = raw
	return nil
}

func (m *MemStore) DeleteControl(routeGroupKey uint64) error {
	m.ctlMu.Lock()
	delete(m.control, routeGroupKey)
	m.ctlMu.Unlock()
	return nil
}

func (m *MemStore) SetFallbackSize(routeGroupKey uint64, n uint32) error {
	m.fbMu.Lock()
	defer m.fbMu.Unlock()
	if _, exists := m.fbSize[routeGroupKey]; !exists && len(m.fbSize) >= abi.MaxRouteGroups {
		return ErrMapFull
	}
	m.fbSize[routeGroupKey] = n
	return nil
}

func (m *MemStore) SetFallbackBackend(key abi.FallbackKey, backend abi.BackendID) error {
	var raw [abi.BackendIDSize]byte
	copy(raw[:], abi.MarshalBackendID(backend))

	m.fbMu.Lock()
	defer m.fbMu.Unlock()
	if _, exists := m.fbBackends[key]; !exists && len(m.fbBackends) >= abi.MaxFallbackBackends {
		return ErrMapFull
	}
	m.fbBackends[key] = raw
	return nil
}

func (m *MemStore) ClearFallback(routeGroupKey uint64, n uint32) error {
	m.fbMu.Lock()
	delete(m.fbSize, routeGroupKey)
	for idx := uint32(0); idx < n; idx++ {
		delete(m.fbBackends, abi.FallbackKey{RouteGroupKey: routeGroupKey, Idx: idx})
	}
	m.fbMu.Unlock()
	return nil
}

func (m *MemStore) SetHeartbeat(nowNS uint64) error {
	m.heartbeat.Store(nowNS)
	return nil
}
