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
	"time"
)

// ProducerBuffer is the producer-side handle: the mirror image of
// ConsumerBuffer over the same state machine. Post hands the buffer to the
// registered consumers; Gain takes it back once the broker has returned it.
type ProducerBuffer struct {
	Buffer
}

// CreateProducerBuffer asks the broker to allocate a buffer with the given
// user metadata tail size and maps it. Like ImportConsumerBuffer, failures
// leave an unusable handle carrying the error rather than returning one.
func CreateProducerBuffer(ch Channel, userMetadataSize uint64) *ProducerBuffer {
	p := &ProducerBuffer{}
	req := CreateBufferRequest{UserMetadataSize: userMetadataSize}
	if err := p.connect(ch, OpCreateBuffer, &req); err != nil {
		logger.Errorf("CreateProducerBuffer: failed to create buffer: %v", err)
		p.closeWith(err)
		return p
	}
	if p.clientStateBit != ProducerStateBit {
		err := errImportFailed(fmt.Errorf("broker assigned non-producer bit %#x", p.clientStateBit))
		logger.Errorf("CreateProducerBuffer: %v", err)
		p.closeWith(err)
	}
	return p
}

// localPost performs the post state transition: canonical metadata and user
// metadata are written while the buffer is still Gained, the acquire fence
// is published, and only then does the producer bit flip. Consumers that
// observe the bit are therefore guaranteed to see the completed writes.
func (p *ProducerBuffer) localPost(meta *NativeBufferMetadata, userMeta []byte, postFence LocalFence) error {
	if err := p.CheckMetadata(uint64(len(userMeta))); err != nil {
		return err
	}

	state := p.region.BufferState()
	if !IsBufferGained(state) {
		logger.Errorf("ProducerBuffer.localPost: not gained, id=%d state=%#x", p.id, state)
		return errStateConflict("buffer %d not gained (state %#x)", p.id, state)
	}

	hdr := p.region.Header()
	var record NativeBufferMetadata
	if meta != nil {
		record = *meta
	}
	record.UserMetadataSize = uint64(len(userMeta))
	record.UserMetadataPtr = 0 // process-local; rewritten by every reader
	record.Index = hdr.IncrementQueueIndex()
	*hdr.Metadata() = record

	if len(userMeta) > 0 {
		copy(p.region.UserMetadata(), userMeta)
	}

	if err := p.updateSharedFence(postFence, p.sharedAcquireFence); err != nil {
		return err
	}

	// The bit transition is the synchronization point: flip it last and wake
	// any consumer parked in WaitPosted.
	p.region.ModifyBufferState(0, ProducerStateBit)
	p.region.WakePosted()
	return nil
}

// Post posts the buffer to the registered consumers with no metadata record
// and publishes postFence (possibly empty) as the acquire fence, then
// notifies the broker synchronously. The broker receives a borrowed
// duplicate of the fence with the call.
func (p *ProducerBuffer) Post(postFence LocalFence) error {
	return p.PostMeta(nil, nil, postFence)
}

// PostMeta is Post with an explicit canonical metadata record and user
// metadata payload.
func (p *ProducerBuffer) PostMeta(meta *NativeBufferMetadata, userMeta []byte, postFence LocalFence) error {
	if err := p.valid(); err != nil {
		return err
	}

	if err := p.localPost(meta, userMeta, postFence); err != nil {
		return err
	}

	var fds []int
	if postFence.IsValid() {
		fds = []int{postFence.Fd()}
	}
	var reply BufferOpReply
	req := BufferOpRequest{ID: p.id, ClientBit: ProducerStateBit}
	if _, err := p.channel.Invoke(OpProducerPost, &req, &reply, fds); err != nil {
		// The post already landed in shared memory; not rolled back.
		return errBrokerUnavailable("producer post", err)
	}
	return nil
}

// PostAsync is PostMeta with a one-way impulse in place of the round trip.
func (p *ProducerBuffer) PostAsync(meta *NativeBufferMetadata, userMeta []byte, postFence LocalFence) error {
	if err := p.valid(); err != nil {
		return err
	}

	if err := p.localPost(meta, userMeta, postFence); err != nil {
		return err
	}

	req := BufferOpRequest{ID: p.id, ClientBit: ProducerStateBit}
	if err := p.channel.SendImpulse(OpProducerPost, &req); err != nil {
		return errBrokerUnavailable("producer post impulse", err)
	}
	return nil
}

// localGain performs the gain state transition. The buffer must already be
// back in the Gained phase; the broker is the only party that takes it
// there, so a producer observing anything else is simply too early.
func (p *ProducerBuffer) localGain(outMeta *NativeBufferMetadata, outFence *LocalFence) error {
	if outMeta == nil {
		return errInvalidArgument("nil metadata output")
	}

	state := p.region.BufferState()
	if !IsBufferGained(state) {
		logger.Errorf("ProducerBuffer.localGain: not yet returned, id=%d state=%#x", p.id, state)
		return errStateConflict("buffer %d not returned by consumers (state %#x)", p.id, state)
	}

	*outMeta = *p.region.Header().Metadata()
	if outMeta.UserMetadataSize != 0 {
		outMeta.UserMetadataPtr = p.region.userMetadataAddr()
	} else {
		outMeta.UserMetadataPtr = 0
	}

	// If any consumer published a release fence, hand the caller a duplicate
	// of the shared release slot.
	if outFence != nil && p.region.FenceState()&ConsumerStateMask != 0 {
		dup, err := p.sharedReleaseFence.Dup()
		if err != nil {
			return errInternal("release fence dup failed: %v", err)
		}
		*outFence = dup
	}

	// Gained is the all-clear word; there is nothing to set. Ownership is
	// the producer's by definition of the encoding.
	return nil
}

// Gain reclaims the buffer after the broker has returned it, surfacing the
// consumers' release fence (if any) through outFence, and notifies the
// broker synchronously.
func (p *ProducerBuffer) Gain(outFence *LocalFence) error {
	if err := p.valid(); err != nil {
		return err
	}

	var meta NativeBufferMetadata
	if err := p.localGain(&meta, outFence); err != nil {
		return err
	}

	var reply BufferOpReply
	req := BufferOpRequest{ID: p.id, ClientBit: ProducerStateBit}
	if _, err := p.channel.Invoke(OpProducerGain, &req, &reply, nil); err != nil {
		return errBrokerUnavailable("producer gain", err)
	}
	return nil
}

// GainAsync performs the same local transition as Gain, returning the
// canonical metadata, with a one-way impulse in place of the round trip.
func (p *ProducerBuffer) GainAsync(outMeta *NativeBufferMetadata, outFence *LocalFence) error {
	if err := p.valid(); err != nil {
		return err
	}

	if err := p.localGain(outMeta, outFence); err != nil {
		return err
	}

	req := BufferOpRequest{ID: p.id, ClientBit: ProducerStateBit}
	if err := p.channel.SendImpulse(OpProducerGain, &req); err != nil {
		return errBrokerUnavailable("producer gain impulse", err)
	}
	return nil
}

// WaitGained blocks until the broker returns the buffer to the Gained phase
// or the timeout elapses. A zero timeout waits indefinitely. Returns
// ErrFutexTimeout on expiry.
func (p *ProducerBuffer) WaitGained(timeout time.Duration) error {
	if err := p.valid(); err != nil {
		return err
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		seq := p.region.Header().GainSequence()
		if IsBufferGained(p.region.BufferState()) {
			return nil
		}

		var remaining int64
		if !deadline.IsZero() {
			remaining = time.Until(deadline).Nanoseconds()
			if remaining <= 0 {
				return ErrFutexTimeout
			}
		}
		if err := futexWaitTimeout(p.region.gainSeqAddr(), seq, remaining); err != nil {
			return err
		}
	}
}
