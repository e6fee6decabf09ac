package recorder

import (
	"math/bits"
	"sync/atomic"
	"time"
)

// TimestampSource provides the monotonic counter stamped on every event.
// Now must never block; Frequency is the counter's rate in ticks per
// second and is fixed for the session.
type TimestampSource interface {
	Now() uint64
	Frequency() uint64
}

var cycleEpoch = time.Now()

// CycleCounter models a free-running hardware cycle counter at a fixed
// frequency, backed by the process monotonic clock. Like the hardware
// counter it stands in for, it is armed lazily: the first Now call
// captures the zero point, so sessions start near zero regardless of
// process uptime.
type CycleCounter struct {
	freq   uint64
	origin atomic.Uint64
}

// NewCycleCounter returns a counter ticking at freq per second.
func NewCycleCounter(freq uint64) *CycleCounter {
	return &CycleCounter{freq: freq}
}

func (c *CycleCounter) Now() uint64 {
	ns := uint64(time.Since(cycleEpoch))
	o := c.origin.Load()
	if o == 0 {
		c.origin.CompareAndSwap(0, ns)
		o = c.origin.Load()
	}
	return scale(ns-o, c.freq)
}

func (c *CycleCounter) Frequency() uint64 {
	return c.freq
}

// scale converts elapsed nanoseconds to ticks at freq without overflowing
// the intermediate product.
func scale(ns, freq uint64) uint64 {
	hi, lo := bits.Mul64(ns, freq)
	if hi >= uint64(time.Second) {
		return ^uint64(0)
	}
	q, _ := bits.Div64(hi, lo, uint64(time.Second))
	return q
}

// TickCounter is a software tick source advanced by the caller, for
// targets without a usable cycle counter and for tests that need exact
// timestamps.
type TickCounter struct {
	freq  uint64
	ticks atomic.Uint64
}

// NewTickCounter returns a counter ticking at the nominal freq per second.
func NewTickCounter(freq uint64) *TickCounter {
	return &TickCounter{freq: freq}
}

// Advance adds n ticks.
func (c *TickCounter) Advance(n uint64) {
	c.ticks.Add(n)
}

func (c *TickCounter) Now() uint64 {
	return c.ticks.Load()
}

func (c *TickCounter) Frequency() uint64 {
	return c.freq
}
