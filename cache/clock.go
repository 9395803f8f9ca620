package cache

import "time"

// clock produces a wrapping millisecond counter relative to an epoch taken
// when the cache was created.
type clock struct {
	epoch time.Time
	now   func() time.Time
}

func newClock(now func() time.Time) *clock {
	if now == nil {
		now = time.Now
	}
	return &clock{epoch: now(), now: now}
}

// ms returns milliseconds since the epoch, truncated to 32 bits.
func (c *clock) ms() uint32 {
	//nolint:gosec // G115: wraparound is intended, comparisons use expired()
	return uint32(c.now().Sub(c.epoch).Milliseconds())
}

// expired reports whether an entry stamped at start has reached timeout.
// Unsigned subtraction keeps the comparison correct across counter wraparound.
func expired(start, now, timeout uint32) bool {
	return now-start >= timeout
}

// durationToMS converts a timeout to the clock's unit, saturating at the
// largest representable value.
func durationToMS(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms > int64(^uint32(0)>>1) {
		return ^uint32(0) >> 1
	}
	return uint32(ms)
}
