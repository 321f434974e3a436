package abi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaVersion(t *testing.T) {
	assert.Equal(t, uint32(0x00000001), SchemaVersion)
	assert.Equal(t, SchemaMajor, MajorOf(SchemaVersion))
	assert.Equal(t, uint32(3), MajorOf(3<<16|9))
}

func TestBackendID_WireLayout(t *testing.T) {
	b := BackendID{IP4: IP4(10, 0, 1, 5), PortBE: 9000}
	raw := MarshalBackendID(b)
	require.Len(t, raw, BackendIDSize)

	// Network fields land on the wire in network byte order.
	assert.Equal(t, []byte{10, 0, 1, 5}, raw[0:4])
	assert.Equal(t, []byte{0x23, 0x28}, raw[4:6]) // 9000 = 0x2328
	assert.Equal(t, []byte{0, 0}, raw[6:8])

	got, err := UnmarshalBackendID(raw)
	require.NoError(t, err)
	assert.Equal(t, b, got)
	assert.Equal(t, "10.0.1.5:9000", b.String())
}

func TestBackendID_Valid(t *testing.T) {
	assert.False(t, BackendID{}.Valid())
	assert.False(t, BackendID{IP4: IP4(10, 0, 0, 1)}.Valid())
	assert.False(t, BackendID{PortBE: 80}.Valid())
	assert.True(t, BackendID{IP4: IP4(10, 0, 0, 1), PortBE: 80}.Valid())
}

func TestConntrackVal_RoundTrip(t *testing.T) {
	v := ConntrackVal{
		Backend:    BackendID{IP4: IP4(10, 0, 2, 1), PortBE: 8443},
		LastSeenNS: 123456789,
		EpochSeen:  7,
	}
	raw := MarshalConntrackVal(v)
	require.Len(t, raw, ConntrackValSize)
	got, err := UnmarshalConntrackVal(raw)
	require.NoError(t, err)
	assert.Equal(t, v, got)

	_, err = UnmarshalConntrackVal(raw[:10])
	assert.Error(t, err)
}

func TestRTControl_RoundTrip(t *testing.T) {
	c := RTControl{
		SchemaVersion:  SchemaVersion,
		AdmissionMode:  AdmissionHard,
		Tokens:         100,
		RefillPerSec:   10,
		Burst:          200,
		BackendSetHash: 0xfeedface,
		PolicyFlags:    1,
	}
	raw := MarshalRTControl(c)
	require.Len(t, raw, RTControlSize)
	got, err := UnmarshalRTControl(raw)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestFallbackKey_RoundTrip(t *testing.T) {
	k := FallbackKey{RouteGroupKey: 0xf45d1030134ead30, Idx: 3}
	raw := MarshalFallbackKey(k)
	require.Len(t, raw, FallbackKeySize)
	got, err := UnmarshalFallbackKey(raw)
	require.NoError(t, err)
	assert.Equal(t, k, got)
}

func TestCounterID_Names(t *testing.T) {
	assert.Equal(t, "reqs_total", CounterReqsTotal.String())
	assert.Equal(t, "schema_mismatch", CounterSchemaMismatch.String())
	assert.Equal(t, CounterID(8), CounterMax)
}

func TestActiveTable(t *testing.T) {
	assert.Equal(t, TableB, TableA.Other())
	assert.Equal(t, TableA, TableB.Other())
	assert.Equal(t, "A", TableA.String())
	assert.Equal(t, "B", TableB.String())
}
