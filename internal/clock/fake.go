package clock

import "time"

// FakeClock is a manually advanced Clock for billing-job tests.
type FakeClock struct {
	now time.Time
}

func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t.UTC()}
}

func (c *FakeClock) Now() time.Time {
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

// Set jumps the clock to t, for tests that cross period boundaries.
func (c *FakeClock) Set(t time.Time) {
	c.now = t.UTC()
}
