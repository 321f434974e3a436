// Package conntrack memoises flow_key -> backend selections so a flow
// keeps hitting the same backend across backend-set reshards for as
// long as its entry survives eviction.
//
// The cache is sharded by the low bits of the flow key. Shards race
// independently: two CPUs missing on the same flow may both install,
// and the last writer wins. That is not an error — slot selection is
// deterministic from the flow key under a fixed epoch, so both writers
// install the same backend.
package conntrack

import (
	"sync"

	"github.com/Demians12/Continuity/internal/abi"
)

const shardCount = 256 // power of two

type entry struct {
	val abi.ConntrackVal
}

type shard struct {
	mu      sync.RWMutex
	entries map[uint64]*entry
	cap     int
}

// Cache is a bounded LRU over flow keys. Capacity is fixed at creation
// and split evenly across shards.
type Cache struct {
	shards [shardCount]shard
}

// New creates a cache bounded to capacity entries. Capacity below the
// shard count is raised so every shard holds at least one entry.
func New(capacity int) *Cache {
	if capacity < shardCount {
		capacity = shardCount
	}
	c := &Cache{}
	perShard := capacity / shardCount
	for i := range c.shards {
		c.shards[i] = shard{
			entries: make(map[uint64]*entry, perShard),
			cap:     perShard,
		}
	}
	return c
}

func (c *Cache) shardFor(flowKey uint64) *shard {
	return &c.shards[flowKey&(shardCount-1)]
}

// Lookup returns the memoised value for flowKey, if present.
func (c *Cache) Lookup(flowKey uint64) (abi.ConntrackVal, bool) {
	s := c.shardFor(flowKey)
	s.mu.RLock()
	e, ok := s.entries[flowKey]
	if !ok {
		s.mu.RUnlock()
		return abi.ConntrackVal{}, false
	}
	val := e.val
	s.mu.RUnlock()
	return val, true
}

// Refresh bumps last_seen and epoch_seen for an existing entry without
// touching the stored backend. A miss is a no-op: the entry may have
// been evicted between lookup and refresh, and the next connect for
// the flow simply re-selects.
func (c *Cache) Refresh(flowKey uint64, nowNS, epoch uint64) {
	s := c.shardFor(flowKey)
	s.mu.Lock()
	if e, ok := s.entries[flowKey]; ok {
		e.val.LastSeenNS = nowNS
		e.val.EpochSeen = epoch
	}
	s.mu.Unlock()
}

// Install writes or overwrites the entry for flowKey, evicting the
// least recently seen entry in the shard when it is full.
func (c *Cache) Install(flowKey uint64, val abi.ConntrackVal) {
	s := c.shardFor(flowKey)
	s.mu.Lock()
	if _, ok := s.entries[flowKey]; !ok && len(s.entries) >= s.cap {
		s.evictOldestLocked()
	}
	s.entries[flowKey] = &entry{val: val}
	s.mu.Unlock()
}

// evictOldestLocked scans the shard for the smallest last_seen. Shards
// are small, so the scan stays cheap.
func (s *shard) evictOldestLocked() {
	var oldestKey uint64
	oldest := ^uint64(0)
	found := false
	for k, e := range s.entries {
		if !found || e.val.LastSeenNS < oldest {
			oldest = e.val.LastSeenNS
			oldestKey = k
			found = true
		}
	}
	if found {
		delete(s.entries, oldestKey)
	}
}

// Len returns the current entry count across shards.
func (c *Cache) Len() int {
	total := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		total += len(s.entries)
		s.mu.RUnlock()
	}
	return total
}
