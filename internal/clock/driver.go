package clock

import (
	"context"
	"time"
)

// DefaultTickRate is the number of ticks per second used when none is given.
const DefaultTickRate = 60

// Driver advances a [SpeechClock] from a steady ticker. Elapsed time is always
// recomputed from the clock's origin, so a late or dropped tick delays a bell
// but never shifts later ones.
type Driver struct {
	clock    *SpeechClock
	interval time.Duration
}

// NewDriver creates a Driver ticking c rate times per second. A rate ≤ 0 uses
// [DefaultTickRate].
func NewDriver(c *SpeechClock, rate int) *Driver {
	if rate <= 0 {
		rate = DefaultTickRate
	}
	return &Driver{clock: c, interval: time.Second / time.Duration(rate)}
}

// Interval returns the tick period.
func (d *Driver) Interval() time.Duration { return d.interval }

// Run ticks the clock until ctx is cancelled and then returns ctx.Err().
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.clock.Tick()
		}
	}
}
