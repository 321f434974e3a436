// Package failsafe derives the agent-liveness mode from heartbeat age.
// The deriver is pure; the thresholds are compile-time constants and
// changing them does not touch any map schema.
package failsafe

import (
	"time"

	"github.com/Demians12/Continuity/internal/abi"
)

// Heartbeat-age thresholds.
const (
	T1 = 2 * time.Second
	T2 = 10 * time.Second

	t1NS = uint64(T1 / time.Nanosecond)
	t2NS = uint64(T2 / time.Nanosecond)
)

// Mode maps heartbeat age to a failsafe mode. lastNS == 0 means the
// agent has never been seen and is treated as infinitely stale.
func Mode(nowNS, lastNS uint64) abi.FailsafeMode {
	var age uint64
	if lastNS == 0 {
		age = ^uint64(0)
	} else {
		age = nowNS - lastNS
	}

	switch {
	case age >= t2NS:
		return abi.FailsafeFallback
	case age >= t1NS:
		return abi.FailsafeHold
	default:
		return abi.FailsafeNormal
	}
}
