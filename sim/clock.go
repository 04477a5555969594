package sim

import "sync"

// A Clock tells time and can wait in place. Waiting in place is only allowed
// before the engine starts, when nothing else can make progress.
type Clock interface {
	TimeTeller

	// Sleep blocks the caller for d.
	Sleep(d VTimeInNs)
}

// ManualClock is a Clock whose time only moves when Sleep is called. It
// backs bootstrap-time waits in simulation.
type ManualClock struct {
	lock sync.Mutex
	now  VTimeInNs
}

// NewManualClock creates a ManualClock starting at the given time.
func NewManualClock(start VTimeInNs) *ManualClock {
	return &ManualClock{now: start}
}

// CurrentTime returns the time the clock is at.
func (c *ManualClock) CurrentTime() VTimeInNs {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.now
}

// Sleep advances the clock by d.
func (c *ManualClock) Sleep(d VTimeInNs) {
	c.lock.Lock()
	c.now += d
	c.lock.Unlock()
}
