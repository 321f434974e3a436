// Package counters implements the per-CPU event counter array. Each
// enumerated event gets one monotone u64 per stripe; the hot path
// increments the stripe owned by the calling P, so increments are
// uncontended, and readers sum across stripes the way a userspace
// scraper sums a per-CPU kernel array.
package counters

import (
	"runtime"
	"sync/atomic"
	_ "unsafe"

	"github.com/Demians12/Continuity/internal/abi"
)

//go:linkname runtime_procPin runtime.procPin
func runtime_procPin() int

//go:linkname runtime_procUnpin runtime.procUnpin
func runtime_procUnpin()

// cache line size varies; over-pad to 128 bytes to avoid false sharing
// between adjacent stripes.
const stripePad = 128

type stripe struct {
	vals [abi.CounterMax]atomic.Uint64
	_    [stripePad]byte
}

// PerCPU is a striped monotone counter array indexed by abi.CounterID.
// Wraparound is a tooling concern and ignored here.
type PerCPU struct {
	stripes []stripe
	mask    int
}

// New sizes the stripe set to the next power of two covering
// GOMAXPROCS so the procPin index maps without modulo.
func New() *PerCPU {
	n := nextPow2(runtime.GOMAXPROCS(0))
	return &PerCPU{
		stripes: make([]stripe, n),
		mask:    n - 1,
	}
}

// Inc bumps one event counter on the calling P's stripe.
func (c *PerCPU) Inc(id abi.CounterID) {
	if id >= abi.CounterMax {
		return
	}
	p := runtime_procPin()
	c.stripes[p&c.mask].vals[id].Add(1)
	runtime_procUnpin()
}

// Sum totals one event across stripes. The result is a consistent
// lower bound, not a snapshot; increments racing the scan may or may
// not be included, which is the same contract a per-CPU map read has.
func (c *PerCPU) Sum(id abi.CounterID) uint64 {
	if id >= abi.CounterMax {
		return 0
	}
	var total uint64
	for i := range c.stripes {
		total += c.stripes[i].vals[id].Load()
	}
	return total
}

// Snapshot sums every counter in enum order.
func (c *PerCPU) Snapshot() [abi.CounterMax]uint64 {
	var out [abi.CounterMax]uint64
	for id := abi.CounterID(0); id < abi.CounterMax; id++ {
		out[id] = c.Sum(id)
	}
	return out
}

func nextPow2(n int) int {
	if n < 1 {
		n = 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
