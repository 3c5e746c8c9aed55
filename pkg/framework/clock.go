package framework

import (
	"sync"
	"time"
)

// Clock reports device time in milliseconds since boot.
// It is not related to wall-clock time.
type Clock interface {
	Millis() uint64
}

// BootClock counts milliseconds from its creation using the monotonic clock.
type BootClock struct {
	boot time.Time
}

// NewBootClock creates a BootClock starting at 0.
func NewBootClock() *BootClock {
	return &BootClock{boot: time.Now()}
}

// Millis implements Clock.
func (c *BootClock) Millis() uint64 {
	return uint64(time.Since(c.boot) / time.Millisecond)
}

// ManualClock is a Clock advanced explicitly, used to step loops
// deterministically.
type ManualClock struct {
	now  uint64
	lock sync.Mutex
}

// NewManualClock creates a ManualClock at the given time.
func NewManualClock(start uint64) *ManualClock {
	return &ManualClock{now: start}
}

// Millis implements Clock.
func (c *ManualClock) Millis() uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *ManualClock) Advance(d time.Duration) uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now += uint64(d / time.Millisecond)
	return c.now
}

// Set sets the clock to an absolute value.
func (c *ManualClock) Set(ms uint64) {
	c.lock.Lock()
	c.now = ms
	c.lock.Unlock()
}

// MillisOf converts a duration to clock milliseconds.
func MillisOf(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d / time.Millisecond)
}
