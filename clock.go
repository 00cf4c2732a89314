package revent

import "time"

// Clock delivers microseconds since an arbitrary epoch; used for timer
// deadlines only. The real epoch is irrelevant, only monotonic progress
// matters, so the default implementation measures elapsed time since
// process start rather than depending on wall-clock time.
type Clock interface {
	NowMicro() uint64
}

// systemClock is the default Clock, grounded on time.Since's monotonic
// reading.
type systemClock struct {
	start time.Time
}

func newSystemClock() *systemClock {
	return &systemClock{start: time.Now()}
}

func (c *systemClock) NowMicro() uint64 {
	return uint64(time.Since(c.start).Microseconds())
}

// ManualClock is a Clock a test can advance explicitly, so timer
// expiry/ordering scenarios don't depend on real sleeps.
type ManualClock struct {
	nowUS uint64
}

// NewManualClock returns a ManualClock starting at t microseconds.
func NewManualClock(t uint64) *ManualClock {
	return &ManualClock{nowUS: t}
}

// NowMicro implements Clock.
func (c *ManualClock) NowMicro() uint64 { return c.nowUS }

// Advance moves the clock forward by deltaUS microseconds.
func (c *ManualClock) Advance(deltaUS uint64) { c.nowUS += deltaUS }

// Set moves the clock to an absolute microsecond value.
func (c *ManualClock) Set(t uint64) { c.nowUS = t }
