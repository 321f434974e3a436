package main

// This file is a placeholder for the auto-generated code from bpf2go.
// The repository carries neither the connect4 object nor a go:generate
// directive that produces the real file. loadConnectObjects below
// loads nothing and leaves every program and map handle nil.

import (
	"github.com/cilium/ebpf"
)

type connectObjects struct {
	connectPrograms
	connectMaps
}

func (o *connectObjects) Close() error {
	return nil // populated by bpf2go output
}

type connectPrograms struct {
	NityConnect4 *ebpf.Program `ebpf:"nity_connect4"`
}

type connectMaps struct {
	SlotTableA       *ebpf.Map `ebpf:"slot_table_A"`
	SlotTableB       *ebpf.Map `ebpf:"slot_table_B"`
	ActiveTable      *ebpf.Map `ebpf:"active_table"`
	Epoch            *ebpf.Map `ebpf:"epoch"`
	ConntrackLru     *ebpf.Map `ebpf:"conntrack_lru"`
	LastAgentSeenTs  *ebpf.Map `ebpf:"last_agent_seen_ts"`
	RtControl        *ebpf.Map `ebpf:"rt_control"`
	FallbackSize     *ebpf.Map `ebpf:"fallback_size"`
	FallbackBackends *ebpf.Map `ebpf:"fallback_backends"`
	Counters         *ebpf.Map `ebpf:"counters"`
}

func loadConnectObjects(_ interface{}, _ *ebpf.CollectionOptions) error {
	// Mock successful load
	return nil
}
