package reorder

import (
	"time"
)

// newWrappingClock returns a Clock sourced from a monotonic tick counter
// in centiseconds since the call to newWrappingClock, truncated to
// uint32 — avoiding any dependency on wall-clock time while preserving
// the original implementation's "coarse, wrapping, monotonic" contract.
func newWrappingClock() Clock {
	start := time.Now()
	return func() uint32 {
		elapsed := time.Since(start)
		return uint32(elapsed.Milliseconds() / 10)
	}
}
