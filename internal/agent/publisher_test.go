package agent

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Demians12/Continuity/internal/abi"
	"github.com/Demians12/Continuity/internal/nityhash"
	"github.com/Demians12/Continuity/internal/tables"
)

const second = uint64(time.Second)

func testRoute() Route {
	return Route{
		VIP:   abi.IP4(10, 0, 0, 1),
		VPort: 80,
		Proto: 6,
		Backends: []abi.BackendID{
			{IP4: abi.IP4(10, 0, 1, 5), PortBE: 9000},
			{IP4: abi.IP4(10, 0, 1, 6), PortBE: 9000},
		},
	}
}

func newPublisher(store *tables.MemStore, now *uint64) *Publisher {
	return NewPublisher(store, store, slog.Default(), WithClock(func() uint64 { return *now }))
}

func TestApply_FlipProtocol(t *testing.T) {
	store := tables.NewMemStore()
	now := 1000 * second
	p := newPublisher(store, &now)
	require.NoError(t, p.Heartbeat())

	require.NoError(t, p.Apply([]Route{testRoute()}))

	assert.Equal(t, uint64(1), store.Epoch())
	assert.Equal(t, abi.TableB, store.ActiveTable(), "first apply populates the standby table B")

	// Every slot of the route resolves in the new active table.
	route := testRoute()
	for slot := uint32(0); slot < nityhash.SlotsTotal; slot++ {
		rk := nityhash.RouteKey(route.VIP, route.VPort, route.Proto, slot)
		backend, ok := store.SlotLookup(abi.TableB, rk)
		require.True(t, ok, "slot %d missing", slot)
		assert.Equal(t, route.Backends[int(slot)%2], backend)
	}

	// Control record carries the schema version and a set hash.
	ctl, ok := store.Control(route.GroupKey())
	require.True(t, ok)
	assert.Equal(t, abi.SchemaVersion, ctl.SchemaVersion)
	assert.NotZero(t, ctl.BackendSetHash)

	// Fallback defaults to the primary backends.
	n, ok := store.FallbackSize(route.GroupKey())
	require.True(t, ok)
	assert.Equal(t, uint32(2), n)

	// Second apply flips back to A with a fresh epoch.
	require.NoError(t, p.Apply([]Route{testRoute()}))
	assert.Equal(t, uint64(2), store.Epoch())
	assert.Equal(t, abi.TableA, store.ActiveTable())
}

func TestApply_RefusesFlipWhenStale(t *testing.T) {
	store := tables.NewMemStore()
	now := 1000 * second
	p := newPublisher(store, &now)
	require.NoError(t, p.Heartbeat())

	now += 5 * second // HOLD territory, heartbeat not rewritten
	err := p.Apply([]Route{testRoute()})
	assert.ErrorIs(t, err, ErrFlipRefused)
	assert.Equal(t, uint64(0), store.Epoch(), "refused flip must not bump the epoch")
}

func TestApply_EmptyBackendSetRejected(t *testing.T) {
	store := tables.NewMemStore()
	now := 1000 * second
	p := newPublisher(store, &now)
	require.NoError(t, p.Heartbeat())

	route := testRoute()
	route.Backends = nil
	assert.Error(t, p.Apply([]Route{route}))
}

func TestSetAdmission(t *testing.T) {
	store := tables.NewMemStore()
	now := 1000 * second
	p := newPublisher(store, &now)
	require.NoError(t, p.Heartbeat())
	require.NoError(t, p.Apply([]Route{testRoute()}))

	route := testRoute()
	require.NoError(t, p.SetAdmission(route.VIP, route.VPort, route.Proto, abi.AdmissionHard))

	ctl, ok := store.Control(route.GroupKey())
	require.True(t, ok)
	assert.Equal(t, abi.AdmissionHard, ctl.AdmissionMode)
	assert.Equal(t, abi.SchemaVersion, ctl.SchemaVersion, "admission update must not clobber the schema version")
}

func TestSetAdmission_CreatesControlWhenMissing(t *testing.T) {
	store := tables.NewMemStore()
	now := 1000 * second
	p := newPublisher(store, &now)

	require.NoError(t, p.SetAdmission(abi.IP4(10, 9, 9, 9), 443, 6, abi.AdmissionHard))
	ctl, ok := store.Control(nityhash.RouteGroupKey(abi.IP4(10, 9, 9, 9), 443, 6))
	require.True(t, ok)
	assert.Equal(t, abi.AdmissionHard, ctl.AdmissionMode)
}

func TestRunHeartbeat_IntervalValidation(t *testing.T) {
	store := tables.NewMemStore()
	now := 1000 * second
	p := newPublisher(store, &now)

	assert.Error(t, p.RunHeartbeat(context.Background(), 0))
	assert.Error(t, p.RunHeartbeat(context.Background(), 2*time.Second))
}

func TestRunHeartbeat_WritesAndStops(t *testing.T) {
	store := tables.NewMemStore()
	p := NewPublisher(store, store, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.RunHeartbeat(ctx, 10*time.Millisecond) }()

	assert.Eventually(t, func() bool { return store.LastAgentSeenNS() != 0 },
		time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("heartbeat loop did not stop")
	}
}

func TestBackendSetHash_Discriminates(t *testing.T) {
	a := []abi.BackendID{{IP4: 1, PortBE: 1}, {IP4: 2, PortBE: 2}}
	b := []abi.BackendID{{IP4: 2, PortBE: 2}, {IP4: 1, PortBE: 1}}
	assert.NotEqual(t, backendSetHash(a), backendSetHash(b), "order matters")
	assert.Equal(t, backendSetHash(a), backendSetHash(a))
}
