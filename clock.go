package klp

import "time"

// Clock abstracts time observation and sleeping so the bounded polling
// loops can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// realClock is the production Clock backed by the time package.
type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }
