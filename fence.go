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
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// ErrFenceTimeout is returned by LocalFence.Wait when the deadline passes
// before the fence signals.
var ErrFenceTimeout = errors.New("fence wait timed out")

// LocalFence is an exclusively owned handle to a deferred completion signal:
// any pollable file descriptor that becomes readable once the work it guards
// has finished. The zero value is the empty fence, which counts as already
// signaled.
//
// Ownership is strict: every LocalFence owns its descriptor, duplication
// (Dup) creates a new independently owned handle, and each holder closes its
// own copy. Closing one copy never invalidates another.
type LocalFence struct {
	fd int
}

// NewLocalFence wraps an existing descriptor, taking ownership of it.
func NewLocalFence(fd int) LocalFence {
	return LocalFence{fd: fd}
}

// NewEventFence creates a fence backed by a fresh eventfd. Signal marks it
// complete. Intended for producers that finish work on the CPU and for tests.
func NewEventFence() (LocalFence, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return LocalFence{}, fmt.Errorf("eventfd failed: %w", err)
	}
	return LocalFence{fd: fd}, nil
}

// IsValid reports whether the fence holds a descriptor. The empty fence is
// not valid.
func (f LocalFence) IsValid() bool {
	return f.fd > 0
}

// Fd returns the underlying descriptor, or -1 for the empty fence.
func (f LocalFence) Fd() int {
	if !f.IsValid() {
		return -1
	}
	return f.fd
}

// Close releases the descriptor. Closing the empty fence is a no-op.
func (f *LocalFence) Close() error {
	if !f.IsValid() {
		return nil
	}
	fd := f.fd
	f.fd = 0
	return unix.Close(fd)
}

// Dup duplicates the fence into a new, independently owned handle. The
// duplicate and the original share the signal but not the lifetime.
func (f LocalFence) Dup() (LocalFence, error) {
	if !f.IsValid() {
		return LocalFence{}, nil
	}
	nfd, err := unix.FcntlInt(uintptr(f.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return LocalFence{}, fmt.Errorf("fence dup failed: %w", err)
	}
	return LocalFence{fd: nfd}, nil
}

// Signal marks an eventfd-backed fence as complete. Signaling the empty
// fence is a no-op.
func (f LocalFence) Signal() error {
	if !f.IsValid() {
		return nil
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(f.fd, buf[:]); err != nil {
		return fmt.Errorf("fence signal failed: %w", err)
	}
	return nil
}

// Wait blocks until the fence signals or the timeout elapses. A zero or
// negative timeout polls without blocking; the empty fence is already
// signaled and returns immediately.
func (f LocalFence) Wait(timeout time.Duration) error {
	if !f.IsValid() {
		return nil
	}

	ms := int(timeout / time.Millisecond)
	if ms < 0 {
		ms = 0
	}

	for {
		fds := []unix.PollFd{{Fd: int32(f.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("fence wait failed: %w", err)
		}
		if n == 0 {
			return ErrFenceTimeout
		}
		return nil
	}
}

// NewFenceSlot creates a shared fence slot: an epoll descriptor the broker
// hands to every client of a buffer. The slot itself is owned by no side;
// publishing a fence registers it on the slot, and readers Dup the slot to
// obtain their own waitable handle.
func NewFenceSlot() (LocalFence, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return LocalFence{}, fmt.Errorf("epoll_create1 failed: %w", err)
	}
	return LocalFence{fd: fd}, nil
}

// fenceSlotAdd registers fence on the shared slot so that waiting on the
// slot waits on the fence.
func fenceSlotAdd(slot, fence LocalFence) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fence.fd)}
	if err := unix.EpollCtl(slot.fd, unix.EPOLL_CTL_ADD, fence.fd, &ev); err != nil {
		return fmt.Errorf("fence slot add failed: %w", err)
	}
	return nil
}

// fenceSlotRemove deregisters fence from the shared slot.
func fenceSlotRemove(slot, fence LocalFence) error {
	if err := unix.EpollCtl(slot.fd, unix.EPOLL_CTL_DEL, fence.fd, nil); err != nil {
		return fmt.Errorf("fence slot remove failed: %w", err)
	}
	return nil
}
