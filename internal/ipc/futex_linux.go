// Package ipc provides the cross-process synchronization primitives used by
// exchange segments: a futex-backed mutex and condition variable whose state
// lives entirely inside shared memory, plus the monotonic deadline mapping.
//
// Linux only. The futex words are plain 32-bit slots in a mapped region; both
// processes operate on the same physical page, so the FUTEX_PRIVATE_FLAG must
// never be set here.
package ipc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux futex(2) operation codes. golang.org/x/sys/unix does not export
// these (only the FUTEX syscall number), so they are defined here from the
// stable kernel UAPI (linux/futex.h).
const (
	_FUTEX_WAIT = 0
	_FUTEX_WAKE = 1
)

// futexWait blocks while *addr == val, until a wake arrives, the relative
// timeout expires, or the kernel reports a spurious wake. A nil timeout
// waits forever. Returns the raw errno for the caller to interpret;
// EAGAIN (value changed before sleeping) and EINTR are expected outcomes.
func futexWait(addr *uint32, val uint32, timeout *unix.Timespec) unix.Errno {
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(_FUTEX_WAIT),
		uintptr(val),
		uintptr(unsafe.Pointer(timeout)),
		0, 0,
	)
	return errno
}

// futexWake wakes up to count waiters blocked on addr and returns how many
// were actually woken.
func futexWake(addr *uint32, count int) int {
	n, _, _ := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(_FUTEX_WAKE),
		uintptr(count),
		0, 0, 0,
	)
	return int(n)
}
