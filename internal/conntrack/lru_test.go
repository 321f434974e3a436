package conntrack

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Demians12/Continuity/internal/abi"
)

func backend(octet byte) abi.BackendID {
	return abi.BackendID{IP4: abi.IP4(10, 0, 0, octet), PortBE: 9000}
}

func TestLookupMissThenInstallHit(t *testing.T) {
	c := New(1024)

	_, ok := c.Lookup(42)
	assert.False(t, ok)

	val := abi.ConntrackVal{Backend: backend(1), LastSeenNS: 100, EpochSeen: 7}
	c.Install(42, val)

	got, ok := c.Lookup(42)
	require.True(t, ok)
	assert.Equal(t, val, got)
}

func TestRefreshKeepsBackend(t *testing.T) {
	c := New(1024)
	c.Install(42, abi.ConntrackVal{Backend: backend(1), LastSeenNS: 100, EpochSeen: 7})

	c.Refresh(42, 500, 9)

	got, ok := c.Lookup(42)
	require.True(t, ok)
	assert.Equal(t, backend(1), got.Backend, "refresh must not change the stored backend")
	assert.Equal(t, uint64(500), got.LastSeenNS)
	assert.Equal(t, uint64(9), got.EpochSeen)
}

func TestRefreshMissingKeyIsNoop(t *testing.T) {
	c := New(1024)
	c.Refresh(42, 500, 9)
	_, ok := c.Lookup(42)
	assert.False(t, ok)
}

func TestCapacityBound(t *testing.T) {
	c := New(shardCount) // one entry per shard
	for i := uint64(0); i < 10*shardCount; i++ {
		c.Install(i, abi.ConntrackVal{Backend: backend(1), LastSeenNS: i})
	}
	assert.LessOrEqual(t, c.Len(), shardCount)
}

func TestEvictsLeastRecentlySeen(t *testing.T) {
	c := New(shardCount) // shard capacity 1

	// Two keys mapping to the same shard.
	oldKey := uint64(shardCount)     // shard 0
	newKey := uint64(2 * shardCount) // shard 0
	c.Install(oldKey, abi.ConntrackVal{Backend: backend(1), LastSeenNS: 10})
	c.Install(newKey, abi.ConntrackVal{Backend: backend(2), LastSeenNS: 20})

	_, ok := c.Lookup(oldKey)
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = c.Lookup(newKey)
	assert.True(t, ok)
}

func TestOverwriteDoesNotEvict(t *testing.T) {
	c := New(shardCount)
	c.Install(7, abi.ConntrackVal{Backend: backend(1), LastSeenNS: 10})
	c.Install(7, abi.ConntrackVal{Backend: backend(2), LastSeenNS: 20})

	got, ok := c.Lookup(7)
	require.True(t, ok)
	assert.Equal(t, backend(2), got.Backend)
	assert.Equal(t, 1, c.Len())
}

// Concurrent installs on the same key must leave a valid entry; last
// writer wins and either value is acceptable.
func TestConcurrentInstallRace(t *testing.T) {
	c := New(4096)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(n byte) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				c.Install(99, abi.ConntrackVal{Backend: backend(n), LastSeenNS: uint64(i)})
				c.Lookup(99)
				c.Refresh(99, uint64(i), 1)
			}
		}(byte(g + 1))
	}
	wg.Wait()

	got, ok := c.Lookup(99)
	require.True(t, ok)
	assert.True(t, got.Backend.Valid())
}

func BenchmarkLookupHit(b *testing.B) {
	c := New(abi.MaxConntrackEntries)
	for i := uint64(0); i < 1000; i++ {
		c.Install(i, abi.ConntrackVal{Backend: backend(1), LastSeenNS: i})
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		var i uint64
		for pb.Next() {
			c.Lookup(i % 1000)
			i++
		}
	})
}
