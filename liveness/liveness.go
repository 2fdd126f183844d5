// Package liveness decides whether a recorded bridge instance is still usable.
// A record is alive only when its owning process exists and its heartbeat is
// recent enough.
package liveness

import (
	"time"

	"k8s.io/utils/clock"
)

// Checker applies the liveness predicate. The zero value uses the wall clock
// and the OS process probe.
type Checker struct {
	Clock         clock.PassiveClock
	MaxAge        time.Duration
	ProcessExists func(pid int) bool
}

// Alive reports whether pid exists and lastHeartbeat is younger than MaxAge.
func (c Checker) Alive(pid int, lastHeartbeat time.Time) bool {
	if !c.processExists(pid) {
		return false
	}
	return c.Fresh(lastHeartbeat)
}

// Fresh reports only the heartbeat-age half of the predicate.
func (c Checker) Fresh(lastHeartbeat time.Time) bool {
	if lastHeartbeat.IsZero() {
		return false
	}
	return c.now().Sub(lastHeartbeat) < c.MaxAge
}

func (c Checker) now() time.Time {
	if c.Clock == nil {
		return time.Now()
	}
	return c.Clock.Now()
}

func (c Checker) processExists(pid int) bool {
	if c.ProcessExists != nil {
		return c.ProcessExists(pid)
	}
	return ProcessExists(pid)
}

// Millis converts t to the Unix-millisecond form stored in the JSON files.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis is the inverse of Millis. Zero maps to the zero time.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
