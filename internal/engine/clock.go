package engine

import "time"

// Clock supplies wall time for leases, backoff and timestamps.
// Tests substitute a controllable implementation.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the system clock in UTC.
type SystemClock struct{}

// Now returns the current time in UTC.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
