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

	"golang.org/x/sys/unix"
)

// Buffer is the state shared by producer- and consumer-side handles: the
// mapped metadata region, the broker channel, the buffer identity and this
// client's ownership bit, and the two shared fence slots received at import.
//
// Identity and bit assignment come from the broker at construction and never
// change for the handle's lifetime.
type Buffer struct {
	id             uint64
	clientStateBit uint64
	channel        Channel
	region         *Region

	sharedAcquireFence LocalFence // producer→consumer slot
	sharedReleaseFence LocalFence // consumer→producer slot
	pendingFence       LocalFence // our fence currently registered on our outbound slot

	closedErr error
}

// ID returns the broker-assigned buffer identity.
func (b *Buffer) ID() uint64 {
	return b.id
}

// ClientStateBit returns this client's bit mask in the ownership and fence
// state words. ProducerStateBit for producer handles.
func (b *Buffer) ClientStateBit() uint64 {
	return b.clientStateBit
}

// IsValid reports whether the handle imported successfully and is usable.
func (b *Buffer) IsValid() bool {
	return b.closedErr == nil && b.region != nil
}

// CloseStatus returns the failure that made the handle unusable, or nil.
func (b *Buffer) CloseStatus() error {
	return b.closedErr
}

// BufferState returns the current value of the shared ownership word.
func (b *Buffer) BufferState() uint64 {
	return b.region.BufferState()
}

// UserMetadataSize returns the configured user metadata tail size.
func (b *Buffer) UserMetadataSize() uint64 {
	return b.region.UserMetadataSize()
}

// CheckMetadata validates a caller-requested user metadata size against the
// buffer's configured size. Requesting more than the buffer carries is an
// invalid-argument failure; in particular any nonzero request against a
// zero-size configuration fails.
func (b *Buffer) CheckMetadata(userMetadataSize uint64) error {
	if userMetadataSize > b.region.UserMetadataSize() {
		return errInvalidArgument("user metadata size %d exceeds configured size %d",
			userMetadataSize, b.region.UserMetadataSize())
	}
	return nil
}

// valid gates every operation on a handle that may have failed to import.
func (b *Buffer) valid() error {
	if b.closedErr != nil {
		return b.closedErr
	}
	if b.region == nil {
		return errImportFailed(fmt.Errorf("buffer not imported"))
	}
	return nil
}

// connect performs the import handshake: one round trip that returns the
// buffer traits plus the region and fence slot descriptors.
func (b *Buffer) connect(ch Channel, op uint16, req any) error {
	b.channel = ch

	var traits BufferTraits
	fds, err := ch.Invoke(op, req, &traits, nil)
	if err != nil {
		return errBrokerUnavailable("import", err)
	}
	if len(fds) != TraitsFdCount {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return errImportFailed(fmt.Errorf("expected %d descriptors, got %d", TraitsFdCount, len(fds)))
	}

	region, err := ImportRegion(fds[TraitsFdRegion])
	if err != nil {
		unix.Close(fds[TraitsFdAcquireSlot])
		unix.Close(fds[TraitsFdReleaseSlot])
		return errImportFailed(err)
	}
	if region.UserMetadataSize() != traits.UserMetadataSize {
		region.Close()
		unix.Close(fds[TraitsFdAcquireSlot])
		unix.Close(fds[TraitsFdReleaseSlot])
		return errImportFailed(fmt.Errorf("user metadata size mismatch: header %d, traits %d",
			region.UserMetadataSize(), traits.UserMetadataSize))
	}

	b.region = region
	b.id = traits.ID
	b.clientStateBit = traits.ClientBit
	b.sharedAcquireFence = NewLocalFence(fds[TraitsFdAcquireSlot])
	b.sharedReleaseFence = NewLocalFence(fds[TraitsFdReleaseSlot])
	return nil
}

// closeWith records an import failure and releases whatever was set up. The
// handle stays inspectable through CloseStatus but refuses every operation.
func (b *Buffer) closeWith(err error) {
	b.closedErr = err
	b.releaseResources()
}

// Close releases the mapping, the fence handles and the broker channel.
func (b *Buffer) Close() error {
	if b.closedErr == nil {
		b.closedErr = errImportFailed(fmt.Errorf("buffer closed"))
	}
	return b.releaseResources()
}

func (b *Buffer) releaseResources() error {
	var firstErr error

	if b.region != nil {
		if err := b.region.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		b.region = nil
	}
	for _, f := range []*LocalFence{&b.sharedAcquireFence, &b.sharedReleaseFence, &b.pendingFence} {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.channel != nil {
		if err := b.channel.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		b.channel = nil
	}

	return firstErr
}

// updateSharedFence publishes newFence into the given shared slot and flips
// this client's fence state bit accordingly. An empty newFence withdraws the
// previous one. The registration holds its own duplicate of the descriptor,
// so the caller keeps ownership of newFence.
func (b *Buffer) updateSharedFence(newFence, sharedFence LocalFence) error {
	if newFence.IsValid() {
		dup, err := newFence.Dup()
		if err != nil {
			return errInternal("fence publish failed: %v", err)
		}
		if err := fenceSlotAdd(sharedFence, dup); err != nil {
			dup.Close()
			return errInternal("fence publish failed: %v", err)
		}
		if b.pendingFence.IsValid() {
			fenceSlotRemove(sharedFence, b.pendingFence)
			b.pendingFence.Close()
		}
		b.pendingFence = dup
		b.region.ModifyFenceState(0, b.clientStateBit)
		return nil
	}

	if b.pendingFence.IsValid() {
		fenceSlotRemove(sharedFence, b.pendingFence)
		b.pendingFence.Close()
	}
	b.region.ModifyFenceState(b.clientStateBit, 0)
	return nil
}
