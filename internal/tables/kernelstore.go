package tables

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"

	"github.com/Demians12/Continuity/internal/abi"
)

// KernelStore backs the capability pair with the pinned kernel maps of
// the connect-hook object. The agent uses its Writer side to publish
// backend sets and heartbeats; the exporter uses the read side to
// scrape counters. The selection itself runs in the kernel — the
// Store methods here exist for inspection tooling, not the hot path.
type KernelStore struct {
	slotA     *ebpf.Map
	slotB     *ebpf.Map
	active    *ebpf.Map
	epoch     *ebpf.Map
	heartbeat *ebpf.Map
	control   *ebpf.Map
	fbSize    *ebpf.Map
	fbBack    *ebpf.Map
	counters  *ebpf.Map
}

var (
	_ Store  = (*KernelStore)(nil)
	_ Writer = (*KernelStore)(nil)
)

// OpenPinned opens every shared map from a bpffs pin directory.
func OpenPinned(pinDir string) (*KernelStore, error) {
	k := &KernelStore{}
	for _, m := range []struct {
		name string
		dst  **ebpf.Map
	}{
		{abi.MapSlotTableA, &k.slotA},
		{abi.MapSlotTableB, &k.slotB},
		{abi.MapActiveTable, &k.active},
		{abi.MapEpoch, &k.epoch},
		{abi.MapLastAgentSeenTS, &k.heartbeat},
		{abi.MapRTControl, &k.control},
		{abi.MapFallbackSize, &k.fbSize},
		{abi.MapFallbackBackends, &k.fbBack},
		{abi.MapCounters, &k.counters},
	} {
		loaded, err := ebpf.LoadPinnedMap(filepath.Join(pinDir, m.name), nil)
		if err != nil {
			k.Close()
			return nil, fmt.Errorf("opening pinned map %s: %w", m.name, err)
		}
		*m.dst = loaded
	}
	return k, nil
}

// Close releases every map handle.
func (k *KernelStore) Close() error {
	var firstErr error
	for _, m := range []*ebpf.Map{
		k.slotA, k.slotB, k.active, k.epoch, k.heartbeat,
		k.control, k.fbSize, k.fbBack, k.counters,
	} {
		if m == nil {
			continue
		}
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (k *KernelStore) slotMap(table abi.ActiveTable) *ebpf.Map {
	if table == abi.TableB {
		return k.slotB
	}
	return k.slotA
}

// --- Store ---

func (k *KernelStore) SlotLookup(table abi.ActiveTable, routeKey uint64) (abi.BackendID, bool) {
	raw := make([]byte, abi.BackendIDSize)
	if err := k.slotMap(table).Lookup(routeKey, &raw); err != nil {
		return abi.BackendID{}, false
	}
	backend, err := abi.UnmarshalBackendID(raw)
	if err != nil {
		return abi.BackendID{}, false
	}
	return backend, true
}

func (k *KernelStore) ActiveTable() abi.ActiveTable {
	var v uint32
	if err := k.active.Lookup(uint32(0), &v); err != nil {
		return abi.TableA
	}
	return abi.ActiveTable(v)
}

func (k *KernelStore) Epoch() uint64 {
	var v uint64
	if err := k.epoch.Lookup(uint32(0), &v); err != nil {
		return 0
	}
	return v
}

func (k *KernelStore) Control(routeGroupKey uint64) (abi.RTControl, bool) {
	raw := make([]byte, abi.RTControlSize)
	if err := k.control.Lookup(routeGroupKey, &raw); err != nil {
		return abi.RTControl{}, false
	}
	ctl, err := abi.UnmarshalRTControl(raw)
	if err != nil {
		return abi.RTControl{}, false
	}
	return ctl, true
}

func (k *KernelStore) FallbackSize(routeGroupKey uint64) (uint32, bool) {
	var n uint32
	if err := k.fbSize.Lookup(routeGroupKey, &n); err != nil {
		return 0, false
	}
	return n, true
}

func (k *KernelStore) FallbackBackend(key abi.FallbackKey) (abi.BackendID, bool) {
	raw := make([]byte, abi.BackendIDSize)
	if err := k.fbBack.Lookup(abi.MarshalFallbackKey(key), &raw); err != nil {
		return abi.BackendID{}, false
	}
	backend, err := abi.UnmarshalBackendID(raw)
	if err != nil {
		return abi.BackendID{}, false
	}
	return backend, true
}

func (k *KernelStore) LastAgentSeenNS() uint64 {
	var v uint64
	if err := k.heartbeat.Lookup(uint32(0), &v); err != nil {
		return 0
	}
	return v
}

// CounterSums reads the per-CPU counters map and sums each event
// across CPUs.
func (k *KernelStore) CounterSums() ([abi.CounterMax]uint64, error) {
	var out [abi.CounterMax]uint64
	for id := abi.CounterID(0); id < abi.CounterMax; id++ {
		var perCPU []uint64
		if err := k.counters.Lookup(uint32(id), &perCPU); err != nil {
			return out, fmt.Errorf("reading counter %s: %w", id, err)
		}
		for _, v := range perCPU {
			out[id] += v
		}
	}
	return out, nil
}

// --- Writer ---

func (k *KernelStore) SlotPut(table abi.ActiveTable, routeKey uint64, backend abi.BackendID) error {
	err := k.slotMap(table).Put(routeKey, abi.MarshalBackendID(backend))
	if errors.Is(err, unix.E2BIG) {
		return ErrMapFull
	}
	return err
}

func (k *KernelStore) SlotDelete(table abi.ActiveTable, routeKey uint64) error {
	err := k.slotMap(table).Delete(routeKey)
	if errors.Is(err, ebpf.ErrKeyNotExist) {
		return nil
	}
	return err
}

func (k *KernelStore) SlotClear(table abi.ActiveTable) error {
	m := k.slotMap(table)
	var (
		key  uint64
		val  = make([]byte, abi.BackendIDSize)
		keys []uint64
	)
	it := m.Iterate()
	for it.Next(&key, &val) {
		keys = append(keys, key)
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("iterating slot table %s: %w", table, err)
	}
	for _, rk := range keys {
		if err := m.Delete(rk); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			return err
		}
	}
	return nil
}

func (k *KernelStore) SetActiveTable(table abi.ActiveTable) error {
	return k.active.Put(uint32(0), uint32(table))
}

func (k *KernelStore) SetEpoch(epoch uint64) error {
	return k.epoch.Put(uint32(0), epoch)
}

func (k *KernelStore) SetControl(routeGroupKey uint64, ctl abi.RTControl) error {
	return k.control.Put(routeGroupKey, abi.MarshalRTControl(ctl))
}

func (k *KernelStore) DeleteControl(routeGroupKey uint64) error {
	err := k.control.Delete(routeGroupKey)
	if errors.Is(err, ebpf.ErrKeyNotExist) {
		return nil
	}
	return err
}

func (k *KernelStore) SetFallbackSize(routeGroupKey uint64, n uint32) error {
	return k.fbSize.Put(routeGroupKey, n)
}

func (k *KernelStore) SetFallbackBackend(key abi.FallbackKey, backend abi.BackendID) error {
	return k.fbBack.Put(abi.MarshalFallbackKey(key), abi.MarshalBackendID(backend))
}

func (k *KernelStore) ClearFallback(routeGroupKey uint64, n uint32) error {
	if err := k.fbSize.Delete(routeGroupKey); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return err
	}
	for idx := uint32(0); idx < n; idx++ {
		fk := abi.MarshalFallbackKey(abi.FallbackKey{RouteGroupKey: routeGroupKey, Idx: idx})
		if err := k.fbBack.Delete(fk); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			return err
		}
	}
	return nil
}

func (k *KernelStore) SetHeartbeat(nowNS uint64) error {
	return k.heartbeat.Put(uint32(0), nowNS)
}
