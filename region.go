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
	"os"
	"unsafe"
)

// Platform-specific functions (implemented in platform-specific files)
var (
	// unmapMemory unmaps a memory-mapped region
	unmapMemory func([]byte) error
)

// Region is a mapped buffer metadata region: the fixed header followed by
// the variable user metadata tail. The broker allocates the backing memfd;
// every client maps its own view from a descriptor received at import.
type Region struct {
	File *os.File      // Backing memory file descriptor
	Mem  []byte        // Memory-mapped region
	H    *metadataView // Typed view of the metadata header
}

// Close unmaps the memory and closes the backing file
func (r *Region) Close() error {
	var firstErr error

	if r.Mem != nil {
		if err := unmapMemory(r.Mem); err != nil && firstErr == nil {
			firstErr = err
		}
		r.Mem = nil
		r.H = nil
	}

	if r.File != nil {
		if err := r.File.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.File = nil
	}

	return firstErr
}

// Header returns the mapped metadata header
func (r *Region) Header() *MetadataHeader {
	return r.H.header()
}

// BufferState returns the current value of the ownership word
func (r *Region) BufferState() uint64 {
	return r.H.header().BufferState()
}

// ModifyBufferState applies a combined clear/set update to the ownership
// word in one atomic step and returns the resulting word.
func (r *Region) ModifyBufferState(clearMask, setMask uint64) uint64 {
	return r.H.header().ModifyBufferState(clearMask, setMask)
}

// FenceState returns the current value of the fence state word
func (r *Region) FenceState() uint64 {
	return r.H.header().FenceState()
}

// ModifyFenceState applies a combined clear/set update to the fence state
// word in one atomic step and returns the resulting word.
func (r *Region) ModifyFenceState(clearMask, setMask uint64) uint64 {
	return r.H.header().ModifyFenceState(clearMask, setMask)
}

// ActiveClients returns the registered client bit mask
func (r *Region) ActiveClients() uint64 {
	return r.H.header().ActiveClients()
}

// ModifyActiveClients applies a combined clear/set update to the registered
// client mask in one atomic step and returns the resulting mask.
func (r *Region) ModifyActiveClients(clearMask, setMask uint64) uint64 {
	return r.H.header().ModifyActiveClients(clearMask, setMask)
}

// UserMetadataSize returns the configured user metadata tail size
func (r *Region) UserMetadataSize() uint64 {
	return r.H.header().UserMetadataSize()
}

// UserMetadata returns this process's view of the user metadata tail, or nil
// if the buffer was configured without one.
func (r *Region) UserMetadata() []byte {
	size := r.UserMetadataSize()
	if size == 0 {
		return nil
	}
	return r.Mem[MetadataHeaderSize : MetadataHeaderSize+size]
}

// userMetadataAddr returns the tail address in this process's mapping as an
// integer, for the UserMetadataPtr field of acquired metadata. Zero if the
// buffer carries no user metadata.
func (r *Region) userMetadataAddr() uint64 {
	if r.UserMetadataSize() == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&r.Mem[MetadataHeaderSize])))
}
