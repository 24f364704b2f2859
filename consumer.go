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
	"time"
)

// ConsumerBuffer is the consumer-side handle to a shared buffer. Acquire and
// Release drive the consumer half of the ownership state machine: the local
// atomic transition always happens first, and the broker notification that
// follows is never rolled back on failure.
type ConsumerBuffer struct {
	Buffer
}

// ImportConsumerBuffer registers the caller as a consumer of buffer id over
// the given channel and maps its shared state. Construction never fails
// outright: on import or mapping failure the returned handle is unusable and
// carries the failure, inspectable through CloseStatus. Callers must check
// IsValid before use.
func ImportConsumerBuffer(ch Channel, id uint64) *ConsumerBuffer {
	c := &ConsumerBuffer{}
	if err := c.connect(ch, OpImportBuffer, &ImportBufferRequest{ID: id}); err != nil {
		logger.Errorf("ImportConsumerBuffer: failed to import buffer %d: %v", id, err)
		c.closeWith(err)
	}
	return c
}

// localAcquire performs the acquire state transition without touching the
// broker. The buffer must be posted and not yet acquired by this consumer;
// on any failure the ownership word is left untouched.
func (c *ConsumerBuffer) localAcquire(outMeta *NativeBufferMetadata, outFence *LocalFence) error {
	if outMeta == nil {
		return errInvalidArgument("nil metadata output")
	}

	// Only the producer bit and this consumer's own bit matter here: the
	// buffer is acquirable iff the producer bit is set and our bit is not.
	state := c.region.BufferState()
	if !IsBufferPosted(state, c.clientStateBit) {
		logger.Errorf("ConsumerBuffer.localAcquire: not posted, id=%d state=%#x client_bit=%#x",
			c.id, state, c.clientStateBit)
		return errStateConflict("buffer %d not posted for this consumer (state %#x, bit %#x)",
			c.id, state, c.clientStateBit)
	}

	// Copy the canonical metadata and rewrite the user metadata pointer into
	// this process's mapping. The shared record never carries a meaningful
	// address.
	*outMeta = *c.region.Header().Metadata()
	if outMeta.UserMetadataSize != 0 {
		outMeta.UserMetadataPtr = c.region.userMetadataAddr()
	} else {
		outMeta.UserMetadataPtr = 0
	}

	// If the producer attached an acquire fence, hand the caller its own
	// duplicate.
	if outFence != nil && c.region.FenceState()&ProducerStateBit != 0 {
		dup, err := c.sharedAcquireFence.Dup()
		if err != nil {
			return errInternal("acquire fence dup failed: %v", err)
		}
		*outFence = dup
	}

	// Mark this consumer's acquisition. Set only our own bit; no other
	// client races for it.
	c.region.ModifyBufferState(0, c.clientStateBit)
	return nil
}

// Acquire acquires the posted buffer and, if the producer attached one,
// returns a caller-owned acquire fence through outFence. outFence is left
// empty when no producer fence was pending. The broker is notified with a
// synchronous round trip; if that round trip fails the local acquisition
// stands and the failure is reported as codes.Unavailable.
func (c *ConsumerBuffer) Acquire(outFence *LocalFence) error {
	return c.AcquireInto(nil, outFence)
}

// AcquireInto is Acquire plus a copy of the buffer's user metadata into
// userMeta. len(userMeta) is validated against the configured user metadata
// size before any state changes; a request larger than the configuration
// fails with codes.InvalidArgument. If the producer never attached user
// metadata the copy is skipped with a diagnostic, not an error.
func (c *ConsumerBuffer) AcquireInto(userMeta []byte, outFence *LocalFence) error {
	if err := c.valid(); err != nil {
		return err
	}
	if err := c.CheckMetadata(uint64(len(userMeta))); err != nil {
		return err
	}

	var meta NativeBufferMetadata
	if err := c.localAcquire(&meta, outFence); err != nil {
		return err
	}

	if len(userMeta) > 0 {
		if meta.UserMetadataPtr != 0 {
			copy(userMeta, c.region.UserMetadata())
		} else {
			logger.Warningf("ConsumerBuffer.AcquireInto: buffer %d has no user-defined metadata", c.id)
		}
	}

	var reply BufferOpReply
	req := BufferOpRequest{ID: c.id, ClientBit: c.clientStateBit}
	if _, err := c.channel.Invoke(OpConsumerAcquire, &req, &reply, nil); err != nil {
		// Rolling the atomic transition back is unsafe: other processes may
		// already have observed it. The caller has acquired locally even
		// though the broker does not know yet.
		return errBrokerUnavailable("consumer acquire", err)
	}
	return nil
}

// AcquireAsync performs the same local transition as Acquire but notifies
// the broker with a one-way impulse instead of a round trip. There is no
// completion signal beyond local success.
func (c *ConsumerBuffer) AcquireAsync(outMeta *NativeBufferMetadata, outFence *LocalFence) error {
	if err := c.valid(); err != nil {
		return err
	}

	if err := c.localAcquire(outMeta, outFence); err != nil {
		return err
	}

	req := BufferOpRequest{ID: c.id, ClientBit: c.clientStateBit}
	if err := c.channel.SendImpulse(OpConsumerAcquire, &req); err != nil {
		return errBrokerUnavailable("consumer acquire impulse", err)
	}
	return nil
}

// localRelease performs the release state transition without touching the
// broker: writes back caller-supplied user metadata, publishes the release
// fence, and leaves the ownership word alone. Clearing this consumer's bit
// and eventually returning the buffer to the producer is the broker's job;
// only it can see when every consumer is done.
func (c *ConsumerBuffer) localRelease(userMeta []byte, releaseFence LocalFence) error {
	if err := c.CheckMetadata(uint64(len(userMeta))); err != nil {
		return err
	}

	state := c.region.BufferState()
	if !IsBufferAcquired(state) {
		logger.Errorf("ConsumerBuffer.localRelease: not acquired, id=%d state=%#x", c.id, state)
		return errStateConflict("buffer %d not acquired (state %#x)", c.id, state)
	}

	// Only caller-requested metadata is written back. With multiple
	// consumers the canonical record would be meaningless to return, but any
	// one consumer may still hand up to the configured size back through the
	// shared tail.
	if len(userMeta) > 0 {
		copy(c.region.UserMetadata(), userMeta)
	}

	// Publish the release fence. The producer is not expected to be polling
	// the slot during release; the fence is a deferred signal it checks on
	// gain.
	return c.updateSharedFence(releaseFence, c.sharedReleaseFence)
}

// Release releases the acquired buffer with no metadata write-back,
// publishing releaseFence (possibly empty) for the producer, and notifies
// the broker synchronously so it can drive the multi-consumer teardown. The
// broker receives a borrowed duplicate of the fence with the call.
func (c *ConsumerBuffer) Release(releaseFence LocalFence) error {
	return c.ReleaseMeta(nil, releaseFence)
}

// ReleaseMeta is Release plus an explicit user metadata write-back.
func (c *ConsumerBuffer) ReleaseMeta(userMeta []byte, releaseFence LocalFence) error {
	if err := c.valid(); err != nil {
		return err
	}

	if err := c.localRelease(userMeta, releaseFence); err != nil {
		return err
	}

	var fds []int
	if releaseFence.IsValid() {
		fds = []int{releaseFence.Fd()}
	}
	var reply BufferOpReply
	req := BufferOpRequest{ID: c.id, ClientBit: c.clientStateBit}
	if _, err := c.channel.Invoke(OpConsumerRelease, &req, &reply, fds); err != nil {
		return errBrokerUnavailable("consumer release", err)
	}
	return nil
}

// ReleaseAsync is ReleaseMeta with a one-way impulse in place of the round
// trip. The impulse carries no fence; the producer still sees it through the
// shared release slot.
func (c *ConsumerBuffer) ReleaseAsync(userMeta []byte, releaseFence LocalFence) error {
	if err := c.valid(); err != nil {
		return err
	}

	if err := c.localRelease(userMeta, releaseFence); err != nil {
		return err
	}

	req := BufferOpRequest{ID: c.id, ClientBit: c.clientStateBit}
	if err := c.channel.SendImpulse(OpConsumerRelease, &req); err != nil {
		return errBrokerUnavailable("consumer release impulse", err)
	}
	return nil
}

// Discard abandons the acquired buffer without producing a completion fence
// or metadata.
func (c *ConsumerBuffer) Discard() error {
	return c.Release(LocalFence{})
}

// WaitPosted blocks until the buffer is posted for this consumer or the
// timeout elapses. A zero timeout waits indefinitely. Returns
// ErrFutexTimeout on expiry.
func (c *ConsumerBuffer) WaitPosted(timeout time.Duration) error {
	if err := c.valid(); err != nil {
		return err
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		// Snapshot the sequence before checking the condition so a post
		// between check and wait still wakes us.
		seq := c.region.Header().PostSequence()
		if IsBufferPosted(c.region.BufferState(), c.clientStateBit) {
			return nil
		}

		var remaining int64
		if !deadline.IsZero() {
			remaining = time.Until(deadline).Nanoseconds()
			if remaining <= 0 {
				return ErrFutexTimeout
			}
		}
		if err := futexWaitTimeout(c.region.postSeqAddr(), seq, remaining); err != nil {
			return err
		}
	}
}
