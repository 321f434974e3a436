package tables

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Demians12/Continuity/internal/abi"
)

func TestSlotTables_AreIndependent(t *testing.T) {
	m := NewMemStore()
	backendA := abi.BackendID{IP4: abi.IP4(10, 0, 1, 5), PortBE: 9000}
	backendB := abi.BackendID{IP4: abi.IP4(10, 0, 1, 9), PortBE: 9000}

	require.NoError(t, m.SlotPut(abi.TableA, 100, backendA))
	require.NoError(t, m.SlotPut(abi.TableB, 100, backendB))

	got, ok := m.SlotLookup(abi.TableA, 100)
	require.True(t, ok)
	assert.Equal(t, backendA, got)

	got, ok = m.SlotLookup(abi.TableB, 100)
	require.True(t, ok)
	assert.Equal(t, backendB, got)

	_, ok = m.SlotLookup(abi.TableA, 101)
	assert.False(t, ok)
}

func TestSlotClear(t *testing.T) {
	m := NewMemStore()
	require.NoError(t, m.SlotPut(abi.TableA, 1, abi.BackendID{IP4: 1, PortBE: 1}))
	require.NoError(t, m.SlotClear(abi.TableA))
	_, ok := m.SlotLookup(abi.TableA, 1)
	assert.False(t, ok)
}

func TestSingleCellDefaults(t *testing.T) {
	m := NewMemStore()
	assert.Equal(t, abi.TableA, m.ActiveTable())
	assert.Equal(t, uint64(0), m.Epoch())
	assert.Equal(t, uint64(0), m.LastAgentSeenNS())
}

func TestSingleCellWrites(t *testing.T) {
	m := NewMemStore()
	require.NoError(t, m.SetActiveTable(abi.TableB))
	require.NoError(t, m.SetEpoch(9))
	require.NoError(t, m.SetHeartbeat(12345))

	assert.Equal(t, abi.TableB, m.ActiveTable())
	assert.Equal(t, uint64(9), m.Epoch())
	assert.Equal(t, uint64(12345), m.LastAgentSeenNS())
}

func TestControlRoundTrip(t *testing.T) {
	m := NewMemStore()
	ctl := abi.RTControl{SchemaVersion: abi.SchemaVersion, AdmissionMode: abi.AdmissionHard}
	require.NoError(t, m.SetControl(7, ctl))

	got, ok := m.Control(7)
	require.True(t, ok)
	assert.Equal(t, ctl, got)

	require.NoError(t, m.DeleteControl(7))
	_, ok = m.Control(7)
	assert.False(t, ok)
}

func TestFallbackSet(t *testing.T) {
	m := NewMemStore()
	const rg = uint64(77)
	require.NoError(t, m.SetFallbackSize(rg, 2))
	require.NoError(t, m.SetFallbackBackend(abi.FallbackKey{RouteGroupKey: rg, Idx: 0},
		abi.BackendID{IP4: abi.IP4(10, 0, 2, 1), PortBE: 9000}))
	require.NoError(t, m.SetFallbackBackend(abi.FallbackKey{RouteGroupKey: rg, Idx: 1},
		abi.BackendID{IP4: abi.IP4(10, 0, 2, 2), PortBE: 9000}))

	n, ok := m.FallbackSize(rg)
	require.True(t, ok)
	assert.Equal(t, uint32(2), n)

	b, ok := m.FallbackBackend(abi.FallbackKey{RouteGroupKey: rg, Idx: 1})
	require.True(t, ok)
	assert.Equal(t, abi.IP4(10, 0, 2, 2), b.IP4)

	require.NoError(t, m.ClearFallback(rg, 2))
	_, ok = m.FallbackSize(rg)
	assert.False(t, ok)
	_, ok = m.FallbackBackend(abi.FallbackKey{RouteGroupKey: rg, Idx: 0})
	assert.False(t, ok)
}

func TestControlCapacityBound(t *testing.T) {
	m := NewMemStore()
	for i := 0; i < abi.MaxRouteGroups; i++ {
		require.NoError(t, m.SetControl(uint64(i), abi.RTControl{}))
	}
	assert.ErrorIs(t, m.SetControl(uint64(abi.MaxRouteGroups), abi.RTControl{}), ErrMapFull)
	// Overwriting an existing key still succeeds at capacity.
	assert.NoError(t, m.SetControl(0, abi.RTControl{AdmissionMode: abi.AdmissionSoft}))
}
