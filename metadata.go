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
)

// Memory layout constants
const (
	// Magic bytes for region identification
	RegionMagic = "BUFHUB\x00\x00"

	// Current metadata layout version
	RegionVersion = uint32(1)

	// Metadata header size (aligned to 256 bytes); the user metadata tail
	// starts immediately after.
	MetadataHeaderSize = 256

	// Size of the canonical metadata record inside the header
	NativeMetadataSize = 128

	// Upper bound for the variable user metadata tail (1MB)
	MaxUserMetadataSize = 1 << 20
)

// NativeBufferMetadata is the canonical per-buffer metadata record. Its size
// and field offsets are part of the shared memory contract and must match
// exactly between every producer and consumer mapping the buffer.
type NativeBufferMetadata struct {
	Width      uint32 // 0x00: buffer width in pixels
	Height     uint32 // 0x04: buffer height in pixels
	LayerCount uint32 // 0x08: number of image layers
	Format     uint32 // 0x0C: pixel format token
	Usage      uint64 // 0x10: usage flag bits
	Stride     uint32 // 0x18: row stride in pixels
	_          uint32 // 0x1C: padding
	Index      uint64 // 0x20: queue index of the last post
	// UserMetadataSize is the configured size in bytes of the user metadata
	// tail; fixed at buffer creation.
	UserMetadataSize uint64 // 0x28
	// UserMetadataPtr addresses the user metadata tail in the reading
	// process's own mapping. It is rewritten on every acquire and gain and
	// must never be carried across a process boundary as a raw address.
	UserMetadataPtr uint64   // 0x30
	Reserved        [72]byte // 0x38-0x7F: reserved/padding to 128B
}

// MetadataHeader is the fixed-layout header at offset 0 of every buffer
// region. The ownership word and fence state word live at known offsets so
// that independently built producers and consumers agree bit-exactly.
type MetadataHeader struct {
	magic            [8]byte              // 0x00: "BUFHUB\0\0"
	version          uint32               // 0x08: layout version
	flags            uint32               // 0x0C: reserved flags
	bufferState      uint64               // 0x10: ownership word (atomic)
	fenceState       uint64               // 0x18: fence state word (atomic)
	activeClients    uint64               // 0x20: registered client bits (atomic)
	queueIndex       uint64               // 0x28: monotonic post counter
	userMetadataSize uint64               // 0x30: size of the user metadata tail
	postSeq          uint32               // 0x38: post sequence for futex waits
	gainSeq          uint32               // 0x3C: gain sequence for futex waits
	metadata         NativeBufferMetadata // 0x40-0xBF: canonical record
	reserved         [64]byte             // 0xC0-0xFF: reserved/padding to 256B
}

// Compile-time layout guards: both arrays are zero-length iff the struct
// sizes match the wire contract.
var (
	_ [MetadataHeaderSize - unsafe.Sizeof(MetadataHeader{})]byte
	_ [unsafe.Sizeof(MetadataHeader{}) - MetadataHeaderSize]byte
	_ [NativeMetadataSize - unsafe.Sizeof(NativeBufferMetadata{})]byte
	_ [unsafe.Sizeof(NativeBufferMetadata{}) - NativeMetadataSize]byte
)

// MetadataHeader atomic access methods

// Magic returns the magic bytes
func (h *MetadataHeader) Magic() [8]byte {
	return h.magic
}

// SetMagic sets the magic bytes
func (h *MetadataHeader) SetMagic(magic [8]byte) {
	h.magic = magic
}

// Version returns the layout version
func (h *MetadataHeader) Version() uint32 {
	return atomic.LoadUint32(&h.version)
}

// SetVersion sets the layout version
func (h *MetadataHeader) SetVersion(version uint32) {
	atomic.StoreUint32(&h.version, version)
}

// BufferState returns the current value of the ownership word
func (h *MetadataHeader) BufferState() uint64 {
	return atomic.LoadUint64(&h.bufferState)
}

// ModifyBufferState applies a combined clear/set update to the ownership
// word in one atomic step and returns the resulting word.
func (h *MetadataHeader) ModifyBufferState(clearMask, setMask uint64) uint64 {
	return modifyState(&h.bufferState, clearMask, setMask)
}

// FenceState returns the current value of the fence state word
func (h *MetadataHeader) FenceState() uint64 {
	return atomic.LoadUint64(&h.fenceState)
}

// ModifyFenceState applies a combined clear/set update to the fence state
// word in one atomic step and returns the resulting word.
func (h *MetadataHeader) ModifyFenceState(clearMask, setMask uint64) uint64 {
	return modifyState(&h.fenceState, clearMask, setMask)
}

// ActiveClients returns the registered client bit mask
func (h *MetadataHeader) ActiveClients() uint64 {
	return atomic.LoadUint64(&h.activeClients)
}

// ModifyActiveClients applies a combined clear/set update to the registered
// client mask in one atomic step and returns the resulting mask.
func (h *MetadataHeader) ModifyActiveClients(clearMask, setMask uint64) uint64 {
	return modifyState(&h.activeClients, clearMask, setMask)
}

// QueueIndex returns the monotonic post counter
func (h *MetadataHeader) QueueIndex() uint64 {
	return atomic.LoadUint64(&h.queueIndex)
}

// IncrementQueueIndex atomically advances the post counter and returns the
// new value.
func (h *MetadataHeader) IncrementQueueIndex() uint64 {
	return atomic.AddUint64(&h.queueIndex, 1)
}

// UserMetadataSize returns the configured user metadata tail size
func (h *MetadataHeader) UserMetadataSize() uint64 {
	return atomic.LoadUint64(&h.userMetadataSize)
}

// SetUserMetadataSize sets the configured user metadata tail size
func (h *MetadataHeader) SetUserMetadataSize(size uint64) {
	atomic.StoreUint64(&h.userMetadataSize, size)
}

// PostSequence returns the post sequence number for futex waits
func (h *MetadataHeader) PostSequence() uint32 {
	return atomic.LoadUint32(&h.postSeq)
}

// IncrementPostSequence atomically increments the post sequence
func (h *MetadataHeader) IncrementPostSequence() uint32 {
	return atomic.AddUint32(&h.postSeq, 1)
}

// GainSequence returns the gain sequence number for futex waits
func (h *MetadataHeader) GainSequence() uint32 {
	return atomic.LoadUint32(&h.gainSeq)
}

// IncrementGainSequence atomically increments the gain sequence
func (h *MetadataHeader) IncrementGainSequence() uint32 {
	return atomic.AddUint32(&h.gainSeq, 1)
}

// Metadata returns a pointer to the canonical metadata record inside the
// header. Writes are legal only while the writing side legitimately owns the
// buffer per the ownership word.
func (h *MetadataHeader) Metadata() *NativeBufferMetadata {
	return &h.metadata
}

// Layout calculation and validation helpers

// CalculateRegionSize returns the total region size for a buffer configured
// with the given user metadata tail size.
func CalculateRegionSize(userMetadataSize uint64) (uint64, error) {
	if userMetadataSize > MaxUserMetadataSize {
		return 0, fmt.Errorf("user metadata size %d exceeds maximum %d", userMetadataSize, MaxUserMetadataSize)
	}
	return alignTo64(MetadataHeaderSize + userMetadataSize), nil
}

// alignTo64 aligns a size to 64-byte boundary
func alignTo64(size uint64) uint64 {
	return (size + 63) &^ 63
}

// ValidateMetadataHeader validates a mapped metadata header for consistency
func ValidateMetadataHeader(h *MetadataHeader, regionSize uint64) error {
	if h.Magic() != [8]byte{'B', 'U', 'F', 'H', 'U', 'B', 0, 0} {
		return fmt.Errorf("invalid magic bytes")
	}

	if h.Version() != RegionVersion {
		return fmt.Errorf("unsupported version %d, expected %d", h.Version(), RegionVersion)
	}

	expected, err := CalculateRegionSize(h.UserMetadataSize())
	if err != nil {
		return fmt.Errorf("layout calculation failed: %w", err)
	}
	if regionSize < expected {
		return fmt.Errorf("region size %d too small for layout, expected at least %d", regionSize, expected)
	}

	return nil
}

// metadataView provides typed access to the metadata header via pointer
// arithmetic over the mapped region.
type metadataView struct {
	basePtr unsafe.Pointer // Base pointer to the memory region
}

// header returns a pointer to the MetadataHeader
func (v *metadataView) header() *MetadataHeader {
	return (*MetadataHeader)(v.basePtr)
}
