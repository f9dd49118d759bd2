package ipc

import (
	"math"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Cond is a cross-process condition variable over a 32-bit sequence word in
// shared memory, paired with a Mutex guarding the predicate. Signal and
// Broadcast bump the sequence so that a waiter who raced past the load never
// sleeps through a wake. Spurious wakeups happen; callers always re-check
// their predicate under the mutex.
type Cond struct {
	seq *uint32
}

// NewCond wraps a futex sequence word. Same alignment and lifetime rules as
// NewMutex.
func NewCond(seq *uint32) *Cond {
	return &Cond{seq: seq}
}

// Init zeroes the sequence word. Creator-only, like Mutex.Init.
func (c *Cond) Init() {
	atomic.StoreUint32(c.seq, 0)
}

// Wait atomically releases mu and blocks until a signal, a spurious wake, or
// the deadline. The mutex is reacquired before returning. The return value is
// false once the deadline has passed; the caller still owns the mutex and
// must re-check its predicate either way.
func (c *Cond) Wait(mu *Mutex, d Deadline) bool {
	seq := atomic.LoadUint32(c.seq)
	mu.Unlock()
	if d.Never() {
		futexWait(c.seq, seq, nil)
		mu.Lock()
		return true
	}
	rel := d.Remaining()
	if rel > 0 {
		ts := unix.NsecToTimespec(int64(rel))
		futexWait(c.seq, seq, &ts)
	}
	mu.Lock()
	return !d.Expired()
}

// Signal wakes one waiter.
func (c *Cond) Signal() {
	atomic.AddUint32(c.seq, 1)
	futexWake(c.seq, 1)
}

// Broadcast wakes every waiter.
func (c *Cond) Broadcast() {
	atomic.AddUint32(c.seq, 1)
	futexWake(c.seq, math.MaxInt32)
}
