// Package agent implements the userspace control side of the shared
// tables: the single writer that publishes backend sets, flips the
// active table, maintains control records and fallback sets, and
// writes the heartbeat the data plane derives its failsafe mode from.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Demians12/Continuity/internal/abi"
	"github.com/Demians12/Continuity/internal/clock"
	"github.com/Demians12/Continuity/internal/failsafe"
	"github.com/Demians12/Continuity/internal/nityhash"
	"github.com/Demians12/Continuity/internal/tables"
)

// ErrFlipRefused is returned when the agent declines to flip the
// active table because its own heartbeat has gone stale: flipping
// while the data plane may be in HOLD or FALLBACK risks publishing a
// set nobody should be reading yet.
var ErrFlipRefused = errors.New("agent: flip refused while heartbeat is stale")

// Route describes one virtual service and its backend set.
type Route struct {
	VIP       uint32 // network byte order
	VPort     uint16 // network byte order
	Proto     uint8
	Admission abi.AdmissionMode
	Backends  []abi.BackendID
	Fallback  []abi.BackendID
}

// GroupKey derives the route's group key.
func (r Route) GroupKey() uint64 {
	return nityhash.RouteGroupKey(r.VIP, r.VPort, r.Proto)
}

// Publisher owns all writes to the shared tables. Safe for concurrent
// use: Apply, SetAdmission and Routes are serialized by mu; heartbeat
// writes do not take mu and may run concurrently with them.
type Publisher struct {
	store  tables.Store
	writer tables.Writer
	log    *slog.Logger
	now    func() uint64

	mu     sync.Mutex
	routes []Route
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithClock overrides the monotonic clock, for tests.
func WithClock(now func() uint64) Option {
	return func(p *Publisher) { p.now = now }
}

// NewPublisher wires the agent to a store. The store and writer are
// normally the same object (MemStore in the harness, KernelStore in
// production); they are taken separately so the capability split stays
// visible.
func NewPublisher(store tables.Store, writer tables.Writer, logger *slog.Logger, opts ...Option) *Publisher {
	p := &Publisher{
		store:  store,
		writer: writer,
		log:    logger,
		now:    clock.MonotonicNS,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Apply publishes a full backend set: populate the standby slot table,
// write control records and fallback sets, bump the epoch, then flip
// the active table. Readers that observe the new active table under
// the old epoch are caught by the data plane's bounded double-read.
func (p *Publisher) Apply(routes []Route) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	mode := failsafe.Mode(p.now(), p.store.LastAgentSeenNS())
	if mode != abi.FailsafeNormal {
		p.log.Warn("refusing table flip", "failsafe_mode", mode.String())
		return ErrFlipRefused
	}

	active := p.store.ActiveTable()
	standby := active.Other()
	epoch := p.store.Epoch()

	if err := p.writer.SlotClear(standby); err != nil {
		return fmt.Errorf("clearing standby table %s: %w", standby, err)
	}

	for _, route := range routes {
		if err := p.publishRoute(standby, route); err != nil {
			return err
		}
	}

	// Populate is complete; bump the epoch before the flip so a reader
	// never records the new table under a stale generation.
	if err := p.writer.SetEpoch(epoch + 1); err != nil {
		return fmt.Errorf("bumping epoch: %w", err)
	}
	if err := p.writer.SetActiveTable(standby); err != nil {
		return fmt.Errorf("flipping active table: %w", err)
	}

	p.routes = routes
	p.log.Info("backend set published",
		"epoch", epoch+1,
		"active_table", standby.String(),
		"routes", len(routes))
	return nil
}

func (p *Publisher) publishRoute(table abi.ActiveTable, route Route) error {
	if len(route.Backends) == 0 {
		return fmt.Errorf("route %s: empty backend set", backendKeyString(route))
	}

	for slot := uint32(0); slot < nityhash.SlotsTotal; slot++ {
		routeKey := nityhash.RouteKey(route.VIP, route.VPort, route.Proto, slot)
		backend := route.Backends[int(slot)%len(route.Backends)]
		if err := p.writer.SlotPut(table, routeKey, backend); err != nil {
			return fmt.Errorf("route %s slot %d: %w", backendKeyString(route), slot, err)
		}
	}

	rg := route.GroupKey()
	ctl := abi.RTControl{
		SchemaVersion:  abi.SchemaVersion,
		AdmissionMode:  route.Admission,
		BackendSetHash: backendSetHash(route.Backends),
	}
	if err := p.writer.SetControl(rg, ctl); err != nil {
		return fmt.Errorf("route %s control: %w", backendKeyString(route), err)
	}

	return p.publishFallback(rg, route)
}

func (p *Publisher) publishFallback(rg uint64, route Route) error {
	fallback := route.Fallback
	if len(fallback) == 0 {
		// No explicit fallback set: reuse the primary backends so a
		// stale agent still has somewhere to send traffic.
		fallback = route.Backends
	}
	// Backends before size: the data plane reads size first, so the
	// set must be dense before N admits it.
	for idx, backend := range fallback {
		key := abi.FallbackKey{RouteGroupKey: rg, Idx: uint32(idx)}
		if err := p.writer.SetFallbackBackend(key, backend); err != nil {
			return fmt.Errorf("fallback[%d]: %w", idx, err)
		}
	}
	if err := p.writer.SetFallbackSize(rg, uint32(len(fallback))); err != nil {
		return fmt.Errorf("fallback size: %w", err)
	}
	return nil
}

// SetAdmission rewrites the admission mode of one route group without
// touching its slots.
func (p *Publisher) SetAdmission(vip uint32, vport uint16, proto uint8, mode abi.AdmissionMode) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rg := nityhash.RouteGroupKey(vip, vport, proto)
	ctl, ok := p.store.Control(rg)
	if !ok {
		ctl = abi.RTControl{SchemaVersion: abi.SchemaVersion}
	}
	ctl.AdmissionMode = mode
	if err := p.writer.SetControl(rg, ctl); err != nil {
		return fmt.Errorf("setting admission: %w", err)
	}
	p.log.Info("admission mode updated", "route_group", fmt.Sprintf("%#x", rg), "mode", mode.String())
	return nil
}

// Heartbeat writes one liveness beat.
func (p *Publisher) Heartbeat() error {
	return p.writer.SetHeartbeat(p.now())
}

// RunHeartbeat beats at the given interval until ctx is cancelled.
// The interval must stay well under the data plane's HOLD threshold.
func (p *Publisher) RunHeartbeat(ctx context.Context, interval time.Duration) error {
	if interval <= 0 || interval >= failsafe.T1 {
		return fmt.Errorf("heartbeat interval %v must be positive and below %v", interval, failsafe.T1)
	}
	if err := p.Heartbeat(); err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.Heartbeat(); err != nil {
				p.log.Warn("heartbeat write failed", "error", err)
			}
		}
	}
}

// Routes returns the last published route set.
func (p *Publisher) Routes() []Route {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Route, len(p.routes))
	copy(out, p.routes)
	return out
}

func backendSetHash(backends []abi.BackendID) uint64 {
	h := uint64(len(backends))
	for _, b := range backends {
		h = nityhash.Combine(h, uint64(b.IP4)<<16|uint64(b.PortBE))
	}
	return h
}

func backendKeyString(r Route) string {
	return fmt.Sprintf("%d.%d.%d.%d:%d/%d",
		byte(r.VIP>>24), byte(r.VIP>>16), byte(r.VIP>>8), byte(r.VIP), r.VPort, r.Proto)
}
