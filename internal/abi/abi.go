// Package abi pins down the bit-exact record layouts shared between
// the control agent and the data plane. Map values are raw byte
// records, not Go structs: every field crosses through an explicit
// codec so the layout never silently drifts with compiler padding.
//
// Endianness convention: network fields (IPv4 addresses, L4 ports)
// are carried in Go as the integer formed by big-endian interpretation
// of the wire bytes and serialized big-endian; all other fields are
// serialized little-endian, matching the kernel object on the
// platforms it ships to.
package abi

import (
	"encoding/binary"
	"fmt"
)

// Schema versioning. Mismatched major is counted by the data plane but
// never blocks traffic; the agent is expected to refuse to run.
const (
	SchemaMajor   uint32 = 0
	SchemaMinor   uint32 = 1
	SchemaVersion uint32 = SchemaMajor<<16 | SchemaMinor
)

// MajorOf extracts the major component of a schema_version field.
func MajorOf(version uint32) uint32 { return version >> 16 }

// ActiveTable selects which slot table is authoritative.
type ActiveTable uint32

const (
	TableA ActiveTable = 0
	TableB ActiveTable = 1
)

func (t ActiveTable) String() string {
	if t == TableB {
		return "B"
	}
	return "A"
}

// Other returns the standby table.
func (t ActiveTable) Other() ActiveTable {
	if t == TableA {
		return TableB
	}
	return TableA
}

// AdmissionMode gates a route group.
type AdmissionMode uint8

const (
	AdmissionNormal AdmissionMode = 0
	AdmissionSoft   AdmissionMode = 1
	AdmissionHard   AdmissionMode = 2
)

func (m AdmissionMode) String() string {
	switch m {
	case AdmissionNormal:
		return "NORMAL"
	case AdmissionSoft:
		return "SOFT"
	case AdmissionHard:
		return "HARD"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(m))
	}
}

// FailsafeMode is derived from heartbeat age, never stored in a map.
type FailsafeMode uint8

const (
	FailsafeNormal   FailsafeMode = 0
	FailsafeHold     FailsafeMode = 1
	FailsafeFallback FailsafeMode = 2
)

func (m FailsafeMode) String() string {
	switch m {
	case FailsafeNormal:
		return "NORMAL"
	case FailsafeHold:
		return "HOLD"
	case FailsafeFallback:
		return "FALLBACK"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(m))
	}
}

// CounterID enumerates the per-CPU event counters. The order is ABI:
// the exporter addresses the counters map by these indices.
type CounterID uint32

const (
	CounterReqsTotal CounterID = iota
	CounterDenyTotal
	CounterRewriteTotal
	CounterConntrackHit
	CounterConntrackMiss
	CounterFallbackUsed
	CounterMapLookupFail
	CounterSchemaMismatch
	CounterMax
)

func (c CounterID) String() string {
	names := [...]string{
		"reqs_total", "deny_total", "rewrite_total",
		"conntrack_hit", "conntrack_miss",
		"fallback_used", "map_lookup_fail", "schema_mismatch",
	}
	if int(c) < len(names) {
		return names[c]
	}
	return fmt.Sprintf("counter_%d", uint32(c))
}

// Bounded map capacities, declared at creation.
const (
	MaxSlotEntries      = 65536
	MaxRouteGroups      = 4096
	MaxFallbackBackends = 16384
	MaxConntrackEntries = 65536
)

// Pinned map names. The agent, exporter and loader address kernel
// state by these names; they must match the object file byte for byte.
const (
	MapSlotTableA       = "slot_table_A"
	MapSlotTableB       = "slot_table_B"
	MapActiveTable      = "active_table"
	MapEpoch            = "epoch"
	MapConntrackLRU     = "conntrack_lru"
	MapLastAgentSeenTS  = "last_agent_seen_ts"
	MapRTControl        = "rt_control"
	MapFallbackSize     = "fallback_size"
	MapFallbackBackends = "fallback_backends"
	MapCounters         = "counters"
)

// Record sizes in bytes.
const (
	BackendIDSize    = 8
	ConntrackValSize = 24
	RTControlSize    = 48
	FallbackKeySize  = 16
)

// BackendID is the selection result: where a flow actually goes.
// A zero IP or port marks the record as not-yet-populated and must
// never be used for a rewrite.
type BackendID struct {
	IP4    uint32 // network byte order
	PortBE uint16 // network byte order
	// reserved u16 padding in the wire record
}

// Valid reports whether the backend may be used for a rewrite.
func (b BackendID) Valid() bool { return b.IP4 != 0 && b.PortBE != 0 }

func (b BackendID) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d",
		byte(b.IP4>>24), byte(b.IP4>>16), byte(b.IP4>>8), byte(b.IP4), b.PortBE)
}

// MarshalBackendID encodes b into an 8-byte wire record.
func MarshalBackendID(b BackendID) []byte {
	buf := make([]byte, BackendIDSize)
	binary.BigEndian.PutUint32(buf[0:4], b.IP4)
	binary.BigEndian.PutUint16(buf[4:6], b.PortBE)
	// buf[6:8] reserved, zero
	return buf
}

// UnmarshalBackendID decodes an 8-byte wire record.
func UnmarshalBackendID(data []byte) (BackendID, error) {
	if len(data) < BackendIDSize {
		return BackendID{}, fmt.Errorf("backend record too short: %d bytes (need %d)", len(data), BackendIDSize)
	}
	return BackendID{
		IP4:    binary.BigEndian.Uint32(data[0:4]),
		PortBE: binary.BigEndian.Uint16(data[4:6]),
	}, nil
}

// ConntrackVal memoises a selection for stickiness.
type ConntrackVal struct {
	Backend    BackendID
	LastSeenNS uint64
	EpochSeen  uint64
}

// MarshalConntrackVal encodes v into a 24-byte wire record.
func MarshalConntrackVal(v ConntrackVal) []byte {
	buf := make([]byte, ConntrackValSize)
	copy(buf[0:8], MarshalBackendID(v.Backend))
	binary.LittleEndian.PutUint64(buf[8:16], v.LastSeenNS)
	binary.LittleEndian.PutUint64(buf[16:24], v.EpochSeen)
	return buf
}

// UnmarshalConntrackVal decodes a 24-byte wire record.
func UnmarshalConntrackVal(data []byte) (ConntrackVal, error) {
	if len(data) < ConntrackValSize {
		return ConntrackVal{}, fmt.Errorf("conntrack record too short: %d bytes (need %d)", len(data), ConntrackValSize)
	}
	backend, err := UnmarshalBackendID(data[0:8])
	if err != nil {
		return ConntrackVal{}, err
	}
	return ConntrackVal{
		Backend:    backend,
		LastSeenNS: binary.LittleEndian.Uint64(data[8:16]),
		EpochSeen:  binary.LittleEndian.Uint64(data[16:24]),
	}, nil
}

// RTControl is the per-route-group control record. The token bucket
// fields are carried but not enforced by the data plane; SOFT
// enforcement lives in the agent/policy layer.
type RTControl struct {
	SchemaVersion  uint32
	AdmissionMode  AdmissionMode
	Tokens         uint64
	RefillPerSec   uint64
	Burst          uint64
	BackendSetHash uint64
	PolicyFlags    uint64
}

// MarshalRTControl encodes c into a 48-byte wire record.
func MarshalRTControl(c RTControl) []byte {
	buf := make([]byte, RTControlSize)
	binary.LittleEndian.PutUint32(buf[0:4], c.SchemaVersion)
	buf[4] = uint8(c.AdmissionMode)
	// buf[5:8] reserved
	binary.LittleEndian.PutUint64(buf[8:16], c.Tokens)
	binary.LittleEndian.PutUint64(buf[16:24], c.RefillPerSec)
	binary.LittleEndian.PutUint64(buf[24:32], c.Burst)
	binary.LittleEndian.PutUint64(buf[32:40], c.BackendSetHash)
	binary.LittleEndian.PutUint64(buf[40:48], c.PolicyFlags)
	return buf
}

// UnmarshalRTControl decodes a 48-byte wire record.
func UnmarshalRTControl(data []byte) (RTControl, error) {
	if len(data) < RTControlSize {
		return RTControl{}, fmt.Errorf("control record too short: %d bytes (need %d)", len(data), RTControlSize)
	}
	return RTControl{
		SchemaVersion:  binary.LittleEndian.Uint32(data[0:4]),
		AdmissionMode:  AdmissionMode(data[4]),
		Tokens:         binary.LittleEndian.Uint64(data[8:16]),
		RefillPerSec:   binary.LittleEndian.Uint64(data[16:24]),
		Burst:          binary.LittleEndian.Uint64(data[24:32]),
		BackendSetHash: binary.LittleEndian.Uint64(data[32:40]),
		PolicyFlags:    binary.LittleEndian.Uint64(data[40:48]),
	}, nil
}

// FallbackKey addresses one member of a route group's fallback set.
type FallbackKey struct {
	RouteGroupKey uint64
	Idx           uint32
}

// MarshalFallbackKey encodes k into a 16-byte wire key.
func MarshalFallbackKey(k FallbackKey) []byte {
	buf := make([]byte, FallbackKeySize)
	binary.LittleEndian.PutUint64(buf[0:8], k.RouteGroupKey)
	binary.LittleEndian.PutUint32(buf[8:12], k.Idx)
	// buf[12:16] reserved
	return buf
}

// UnmarshalFallbackKey decodes a 16-byte wire key.
func UnmarshalFallbackKey(data []byte) (FallbackKey, error) {
	if len(data) < FallbackKeySize {
		return FallbackKey{}, fmt.Errorf("fallback key too short: %d bytes (need %d)", len(data), FallbackKeySize)
	}
	return FallbackKey{
		RouteGroupKey: binary.LittleEndian.Uint64(data[0:8]),
		Idx:           binary.LittleEndian.Uint32(data[8:12]),
	}, nil
}

// IP4 packs four octets into the network-byte-order integer form used
// across the ABI (10.0.0.1 -> 0x0A000001).
func IP4(a, b, c, d byte) uint32 {
	return uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d)
}
