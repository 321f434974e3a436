// Package clock provides the monotonic nanosecond clock shared by the
// heartbeat writer and the failsafe deriver. Both sides must read the
// same clock or heartbeat age is meaningless.
package clock

import "golang.org/x/sys/unix"

// MonotonicNS returns CLOCK_MONOTONIC in nanoseconds, the same clock
// the kernel hook samples.
func MonotonicNS() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(ts.Sec)*1e9 + uint64(ts.Nsec)
}
