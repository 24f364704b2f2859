//go:build linux && (amd64 || arm64)

/*
 * Copyright 2025 The BufferHub Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package bufferhub

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The post/gain sequence words live in a mapping shared across processes, so
// the futex ops must be the non-private variants: FUTEX_*_PRIVATE only
// matches waiters within one address space.
//
// x/sys/unix does not export the futex op constants, so define the kernel
// ABI values here (see <linux/futex.h>).
const (
	_FUTEX_WAIT = 0
	_FUTEX_WAKE = 1
)

// futexWait waits for the value at addr to change from val.
// It returns when either:
//   - The value at addr is no longer equal to val
//   - Another process calls futexWake on the same address
//   - The system call is interrupted
//
// This function should only be called when the logical condition is unmet
// and *addr == val. Always re-check the condition after this returns due
// to possible spurious wakeups.
func futexWait(addr *uint32, val uint32) error {
	// Re-check the value atomically before entering the syscall. This
	// prevents the lost-wake race where another process increments the
	// sequence and wakes us between our snapshot and futex entry.
	if atomic.LoadUint32(addr) != val {
		return nil // Value already changed, no need to wait
	}

	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), // uaddr - address to wait on
		_FUTEX_WAIT,                   // futex_op - cross-process wait
		uintptr(val),                  // val - expected value
		0,                             // timeout - infinite (NULL)
		0,                             // uaddr2 - unused
		0,                             // val3 - unused
	)

	if errno != 0 {
		// EAGAIN means the value didn't match - this is expected and not an error
		if errno == unix.EAGAIN {
			return nil
		}
		// EINTR means interrupted by signal - also not a real error for our purposes
		if errno == unix.EINTR {
			return nil
		}
		return fmt.Errorf("futex wait failed: %w", errno)
	}

	return nil
}

// futexWaitTimeout waits on addr until the value changes from val or timeout
// elapses. timeout is specified in nanoseconds. Returns ErrFutexTimeout if
// the wait times out.
func futexWaitTimeout(addr *uint32, val uint32, timeoutNs int64) error {
	if timeoutNs <= 0 {
		return futexWait(addr, val) // No timeout, use infinite wait
	}

	if atomic.LoadUint32(addr) != val {
		return nil // Value already changed, no need to wait
	}

	ts := unix.Timespec{
		Sec:  timeoutNs / 1e9,
		Nsec: timeoutNs % 1e9,
	}

	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), // uaddr - address to wait on
		_FUTEX_WAIT,                   // futex_op - cross-process wait
		uintptr(val),                  // val - expected value
		uintptr(unsafe.Pointer(&ts)),  // timeout - timespec pointer
		0,                             // uaddr2 - unused
		0,                             // val3 - unused
	)

	if errno != 0 {
		if errno == unix.EAGAIN {
			return nil
		}
		if errno == unix.EINTR {
			return nil
		}
		if errno == unix.ETIMEDOUT {
			return ErrFutexTimeout
		}
		return fmt.Errorf("futex wait failed: %w", errno)
	}

	return nil
}

// futexWake wakes up to n waiters on addr across every process mapping it.
// Returns the number of waiters actually woken up.
func futexWake(addr *uint32, n int) (int, error) {
	r1, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), // uaddr - address to wake on
		_FUTEX_WAKE,                   // futex_op - cross-process wake
		uintptr(n),                    // val - number of waiters to wake
		0,                             // timeout - unused for wake
		0,                             // uaddr2 - unused
		0,                             // val3 - unused
	)

	if errno != 0 {
		return 0, fmt.Errorf("futex wake failed: %w", errno)
	}

	return int(r1), nil
}

// postSeqAddr returns the futex address of the post sequence word.
func (r *Region) postSeqAddr() *uint32 {
	return &r.Header().postSeq
}

// gainSeqAddr returns the futex address of the gain sequence word.
func (r *Region) gainSeqAddr() *uint32 {
	return &r.Header().gainSeq
}

// WakePosted advances the post sequence and wakes every process waiting for
// the buffer to be posted.
func (r *Region) WakePosted() {
	r.Header().IncrementPostSequence()
	futexWake(r.postSeqAddr(), int(^uint32(0)>>1))
}

// WakeGained advances the gain sequence and wakes every process waiting for
// the buffer to return to the producer.
func (r *Region) WakeGained() {
	r.Header().IncrementGainSequence()
	futexWake(r.gainSeqAddr(), int(^uint32(0)>>1))
}
