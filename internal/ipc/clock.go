package ipc

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Deadline is a point on the CLOCK_MONOTONIC timeline, in nanoseconds since
// boot. The zero value means "never". Futex timeouts are relative, so every
// wait recomputes the remaining interval against the monotonic clock; a wall
// clock step between waits cannot shorten or extend the overall deadline.
type Deadline struct {
	mono int64
}

// The wall and monotonic clocks are tied together by a baseline sampled
// exactly once per process, on first use. Conversions after that are purely
// additive. Deadlines built from a time.Time that carries a monotonic
// reading (anything derived from time.Now) convert exactly; wall-only times
// (parsed, received over the wire) can drift by however far the wall clock
// has been stepped since the baseline, which is acceptable for the short
// deadlines this package serves.
var (
	baseOnce sync.Once
	baseMono int64
	baseWall time.Time
)

func sampleBase() {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		// CLOCK_MONOTONIC cannot fail on any kernel we run on.
		panic("ipc: clock_gettime(CLOCK_MONOTONIC): " + err.Error())
	}
	baseMono = ts.Nano()
	baseWall = time.Now()
}

// MonoNow returns the current CLOCK_MONOTONIC reading in nanoseconds.
func MonoNow() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		panic("ipc: clock_gettime(CLOCK_MONOTONIC): " + err.Error())
	}
	return ts.Nano()
}

// DeadlineAt maps t onto the monotonic timeline. The zero time yields the
// never-deadline.
func DeadlineAt(t time.Time) Deadline {
	if t.IsZero() {
		return Deadline{}
	}
	baseOnce.Do(sampleBase)
	mono := baseMono + int64(t.Sub(baseWall))
	if mono == 0 {
		mono = 1 // keep the zero value reserved for "never"
	}
	return Deadline{mono: mono}
}

// DeadlineIn returns a deadline d from now.
func DeadlineIn(d time.Duration) Deadline {
	return DeadlineAt(time.Now().Add(d))
}

// Never reports whether this is the no-deadline sentinel.
func (d Deadline) Never() bool {
	return d.mono == 0
}

// Remaining returns the time left before the deadline; non-positive when it
// has already passed. Unbounded for the never-deadline.
func (d Deadline) Remaining() time.Duration {
	if d.Never() {
		return time.Duration(1<<63 - 1)
	}
	return time.Duration(d.mono - MonoNow())
}

// Expired reports whether the deadline has passed.
func (d Deadline) Expired() bool {
	return !d.Never() && MonoNow() >= d.mono
}
