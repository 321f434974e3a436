// Package dataplane implements the connect-time selection pipeline:
// admission gate, conntrack stickiness, deterministic slot selection,
// fallback recovery and destination rewrite.
//
// The pipeline keeps the shape of its in-kernel counterpart. Control
// flow is straight-line, every table lookup may miss, the only repeated
// read is the bounded double-read over (epoch, active_table), and every
// unresolved lookup fails open: the original destination is kept and
// the connect is allowed. The only deny is HARD admission.
package dataplane

import (
	"github.com/Demians12/Continuity/internal/abi"
	"github.com/Demians12/Continuity/internal/clock"
	"github.com/Demians12/Continuity/internal/conntrack"
	"github.com/Demians12/Continuity/internal/counters"
	"github.com/Demians12/Continuity/internal/failsafe"
	"github.com/Demians12/Continuity/internal/nityhash"
	"github.com/Demians12/Continuity/internal/tables"
)

// Pipeline is the decision core. Safe for concurrent use; invocations
// share no state beyond the conntrack cache and counters, both of
// which tolerate races.
type Pipeline struct {
	store tables.Store
	ct    *conntrack.Cache
	ctr   *counters.PerCPU
	now   func() uint64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock overrides the monotonic clock. Tests use this to drive
// failsafe transitions without sleeping.
func WithClock(now func() uint64) Option {
	return func(p *Pipeline) { p.now = now }
}

// New wires the pipeline to its injected capabilities.
func New(store tables.Store, ct *conntrack.Cache, ctr *counters.PerCPU, opts ...Option) *Pipeline {
	p := &Pipeline{
		store: store,
		ct:    ct,
		ctr:   ctr,
		now:   clock.MonotonicNS,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// readEpochAndActive returns a self-consistent (epoch, table) pair
// across an agent flip: read epoch, read table, re-read epoch; if the
// epoch moved, read both once more. Bounded at two re-reads, no loop.
func (p *Pipeline) readEpochAndActive() (uint64, abi.ActiveTable) {
	e1 := p.store.Epoch()
	t := p.store.ActiveTable()
	e2 := p.store.Epoch()
	if e2 != e1 {
		t = p.store.ActiveTable()
		e2 = p.store.Epoch()
	}
	return e2, t
}

// admit applies the per-route-group gate. A missing control record
// admits as NORMAL. Schema major skew is counted but never denies;
// SOFT is accepted and currently treated as NORMAL (token-bucket
// enforcement is the agent's problem).
func (p *Pipeline) admit(routeGroupKey uint64) Verdict {
	ctl, ok := p.store.Control(routeGroupKey)
	if !ok {
		return VerdictAllow
	}
	if abi.MajorOf(ctl.SchemaVersion) != abi.SchemaMajor {
		p.ctr.Inc(abi.CounterSchemaMismatch)
	}
	if ctl.AdmissionMode == abi.AdmissionHard {
		p.ctr.Inc(abi.CounterDenyTotal)
		return VerdictDeny
	}
	return VerdictAllow
}

// selectSlot reads the backend for routeKey from the given table.
func (p *Pipeline) selectSlot(table abi.ActiveTable, routeKey uint64) (abi.BackendID, bool) {
	return p.store.SlotLookup(table, routeKey)
}

// selectFallback picks deterministically from the route group's
// fallback set. The set is densely keyed [0, N); a hole is a
// configuration bug the pipeline only counts, never patches.
func (p *Pipeline) selectFallback(routeGroupKey, flowKey uint64) (abi.BackendID, bool) {
	n, ok := p.store.FallbackSize(routeGroupKey)
	if !ok || n == 0 {
		return abi.BackendID{}, false
	}
	idx := uint32(nityhash.Mix(flowKey) % uint64(n))
	return p.store.FallbackBackend(abi.FallbackKey{RouteGroupKey: routeGroupKey, Idx: idx})
}

// Connect4 is the hook entry. It consumes the socket-address context,
// selects a backend for the flow and rewrites the destination in
// place. Returns VerdictDeny only for HARD admission; every other
// outcome allows, with or without a rewrite.
func (p *Pipeline) Connect4(ctx *SockAddr) Verdict {
	p.ctr.Inc(abi.CounterReqsTotal)

	vipBE := ctx.UserIP4
	vportBE := uint16(ctx.UserPort)
	proto := ctx.Protocol

	nowNS := p.now()
	fmode := failsafe.Mode(nowNS, p.store.LastAgentSeenNS())
	epochNow, active := p.readEpochAndActive()

	routeGroupKey := nityhash.RouteGroupKey(vipBE, vportBE, proto)
	if p.admit(routeGroupKey) == VerdictDeny {
		return VerdictDeny
	}

	srcIP, srcPort := ctx.srcIdentity()
	flowKey := nityhash.FlowKey(srcIP, srcPort, vipBE, vportBE, proto)

	var chosen abi.BackendID
	haveBackend := false

	if ct, ok := p.ct.Lookup(flowKey); ok {
		p.ctr.Inc(abi.CounterConntrackHit)
		chosen = ct.Backend
		haveBackend = true
		// Stickiness dominates a reshard: keep the cached backend
		// regardless of the current epoch, refresh the bookkeeping.
		p.ct.Refresh(flowKey, nowNS, epochNow)
	} else {
		p.ctr.Inc(abi.CounterConntrackMiss)

		slot := nityhash.Slot(flowKey)
		routeKey := nityhash.RouteKey(vipBE, vportBE, proto, slot)

		if fmode == abi.FailsafeFallback {
			if chosen, haveBackend = p.selectFallback(routeGroupKey, flowKey); haveBackend {
				p.ctr.Inc(abi.CounterFallbackUsed)
			} else {
				p.ctr.Inc(abi.CounterMapLookupFail)
			}
		} else {
			// NORMAL and HOLD both select from the active table; HOLD
			// only changes the agent's flip behaviour, not selection.
			if chosen, haveBackend = p.selectSlot(active, routeKey); !haveBackend {
				if chosen, haveBackend = p.selectFallback(routeGroupKey, flowKey); haveBackend {
					p.ctr.Inc(abi.CounterFallbackUsed)
				} else {
					p.ctr.Inc(abi.CounterMapLookupFail)
				}
			}
		}

		if haveBackend {
			p.ct.Install(flowKey, abi.ConntrackVal{
				Backend:    chosen,
				LastSeenNS: nowNS,
				EpochSeen:  epochNow,
			})
		}
	}

	// Zero ip or port marks a partial record; keep the original
	// destination rather than rewrite to a half-written backend.
	if haveBackend && chosen.Valid() {
		ctx.UserIP4 = chosen.IP4
		ctx.UserPort = uint32(chosen.PortBE)
		p.ctr.Inc(abi.CounterRewriteTotal)
	}

	return VerdictAllow
}
