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
	"math/bits"
	"sync/atomic"
)

// Ownership word bit assignment.
//
// Bit 0 belongs to the producer and doubles as the "posted" marker. Consumer
// bits start at bit 1 and are handed out sequentially by the broker; a bit
// stays bound to the same consumer for the buffer's lifetime. The fence state
// word uses the identical assignment.
const (
	// ProducerStateBit is the producer's bit in the ownership and fence words.
	ProducerStateBit uint64 = 1 << 0

	// ConsumerStateMask covers every possible consumer bit.
	ConsumerStateMask uint64 = ^ProducerStateBit

	// MaxClients is the total number of clients a buffer can carry: the
	// producer plus 63 consumers, one bit each in a 64-bit word.
	MaxClients = 64
)

// Ownership word states. The word is always interpretable as exactly one of:
//
//	Gained   - word == 0. The producer owns the buffer and may write it.
//	Posted   - producer bit set, this consumer's bit clear: posted and not
//	           yet acquired by this consumer.
//	Acquired - producer bit set and at least one consumer bit set.
//
// Consumers never return the word to Gained themselves. The broker clears
// consumer bits as release notifications arrive and drops the producer bit
// once the last one is gone; only it has the global view needed to decide
// "all consumers are done".

// IsBufferGained reports whether the buffer is owned by the producer and not
// yet posted.
func IsBufferGained(state uint64) bool {
	return state == 0
}

// IsBufferPosted reports whether the buffer has been posted and is still
// pending for the consumers selected by consumerBits. Pass ConsumerStateMask
// to ask whether any consumer has yet to acquire.
func IsBufferPosted(state, consumerBits uint64) bool {
	return state&ProducerStateBit != 0 && state&consumerBits&ConsumerStateMask == 0
}

// IsBufferAcquired reports whether the buffer is globally in the acquired
// phase: posted, with at least one consumer holding it.
func IsBufferAcquired(state uint64) bool {
	return state&ProducerStateBit != 0 && state&ConsumerStateMask != 0
}

// FindNextClientBit returns the lowest consumer bit not yet present in
// activeClients, or 0 if all 63 consumer bits are taken. The broker calls
// this when registering a consumer; bit 0 is never handed out.
func FindNextClientBit(activeClients uint64) uint64 {
	free := ^(activeClients | ProducerStateBit)
	if free == 0 {
		return 0
	}
	return uint64(1) << uint(bits.TrailingZeros64(free))
}

// modifyState applies a combined clear-then-set update to a shared atomic
// word as a single read-modify-write step and returns the resulting value.
// Concurrent readers never observe a half-updated word: either the whole
// update landed or none of it did.
func modifyState(addr *uint64, clearMask, setMask uint64) uint64 {
	for {
		old := atomic.LoadUint64(addr)
		updated := (old &^ clearMask) | setMask
		if atomic.CompareAndSwapUint64(addr, old, updated) {
			return updated
		}
	}
}
