package sim

import (
	"fmt"
	"time"
)

// VTimeInNs defines the time in the simulated space in the unit of
// nanosecond.
type VTimeInNs uint64

// Defines the units of virtual time.
const (
	Nanosecond  VTimeInNs = 1
	Microsecond VTimeInNs = 1000 * Nanosecond
	Millisecond VTimeInNs = 1000 * Microsecond
	Second      VTimeInNs = 1000 * Millisecond
)

// Seconds returns the time as a floating point number of seconds.
func (t VTimeInNs) Seconds() float64 {
	return float64(t) / float64(Second)
}

// Milliseconds returns the time as an integer number of milliseconds,
// truncated.
func (t VTimeInNs) Milliseconds() uint64 {
	return uint64(t / Millisecond)
}

// Duration converts the virtual time to a time.Duration.
func (t VTimeInNs) Duration() time.Duration {
	return time.Duration(t)
}

func (t VTimeInNs) String() string {
	switch {
	case t == 0:
		return "0s"
	case t%Second == 0:
		return fmt.Sprintf("%ds", t/Second)
	case t%Millisecond == 0:
		return fmt.Sprintf("%dms", t/Millisecond)
	case t%Microsecond == 0:
		return fmt.Sprintf("%dus", t/Microsecond)
	default:
		return fmt.Sprintf("%dns", uint64(t))
	}
}
