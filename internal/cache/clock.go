package cache

import "time"

// Clock abstracts wall-clock acquisition so lookup handlers can exercise the
// "clock failure degrades a lookup to a miss" behavior from spec §4.1
// without needing an actual failing clock_gettime(2) — time.Now() itself
// never fails, so tests inject a Clock that can.
type Clock interface {
	Now() (time.Time, error)
}

// SystemClock is the production Clock, backed by time.Now.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() (time.Time, error) { return time.Now(), nil }
