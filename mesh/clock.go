package mesh

import (
	"sync"
	"time"
)

// Clock is the time source for stamping and staleness checks.
type Clock interface {
	Now() time.Time
}

// WallClock reads the system clock.
type WallClock struct{}

// Now returns time.Now.
func (WallClock) Now() time.Time { return time.Now() }

// SimClock is driven by simulated time updates. Until the first update
// arrives Now returns the zero time and Ready reports false.
type SimClock struct {
	mu  sync.RWMutex
	now time.Time
	set bool
}

// NewSimClock returns a simulated clock starting at start. Pass the zero
// time to start unset.
func NewSimClock(start time.Time) *SimClock {
	return &SimClock{now: start, set: !start.IsZero()}
}

// Now returns the latest simulated time.
func (c *SimClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Ready reports whether any time has been received.
func (c *SimClock) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.set
}

// Set replaces the current simulated time.
func (c *SimClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.set = true
	c.mu.Unlock()
}

// Advance moves simulated time forward by d.
func (c *SimClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.set = true
	c.mu.Unlock()
}

// SwitchableClock delegates to wall or simulated time and can be flipped at
// runtime when the useSimTime parameter changes.
type SwitchableClock struct {
	mu     sync.RWMutex
	useSim bool
	wall   Clock
	sim    *SimClock
}

// NewSwitchableClock returns a clock using simulated time when useSim is set.
func NewSwitchableClock(useSim bool) *SwitchableClock {
	return &SwitchableClock{useSim: useSim, wall: WallClock{}, sim: NewSimClock(time.Time{})}
}

// Now returns the active clock's time.
func (c *SwitchableClock) Now() time.Time {
	c.mu.RLock()
	useSim := c.useSim
	c.mu.RUnlock()
	if useSim {
		return c.sim.Now()
	}
	return c.wall.Now()
}

// Ready is false only while simulated time is selected and has not arrived.
func (c *SwitchableClock) Ready() bool {
	c.mu.RLock()
	useSim := c.useSim
	c.mu.RUnlock()
	return !useSim || c.sim.Ready()
}

// UseSimTime selects the time source.
func (c *SwitchableClock) UseSimTime(useSim bool) {
	c.mu.Lock()
	c.useSim = useSim
	c.mu.Unlock()
}

// Sim exposes the simulated clock so the clock topic can feed it.
func (c *SwitchableClock) Sim() *SimClock {
	return c.sim
}
