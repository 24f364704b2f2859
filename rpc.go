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

// Channel carries remote operations to the broker. Invoke is a synchronous
// round trip that suspends the caller until the broker replies; SendImpulse
// is one-way with no reply and no completion signal beyond local success.
// File descriptors passed in fds are borrowed for the duration of the send;
// descriptors in the returned slice are owned by the caller.
//
// internal/channel provides the unix-socket implementation used against
// bufferhubd.
type Channel interface {
	Invoke(op uint16, req, reply any, fds []int) ([]int, error)
	SendImpulse(op uint16, req any) error
	Close() error
}

// Broker operation codes.
const (
	OpCreateBuffer    uint16 = 0x01 // producer allocates a buffer
	OpImportBuffer    uint16 = 0x02 // consumer registers and imports
	OpProducerPost    uint16 = 0x03
	OpProducerGain    uint16 = 0x04
	OpConsumerAcquire uint16 = 0x05
	OpConsumerRelease uint16 = 0x06
)

// Descriptor order in CreateBuffer/ImportBuffer replies.
const (
	TraitsFdRegion      = 0 // the metadata region memfd
	TraitsFdAcquireSlot = 1 // producer→consumer shared fence slot
	TraitsFdReleaseSlot = 2 // consumer→producer shared fence slot
	TraitsFdCount       = 3
)

// CreateBufferRequest asks the broker to allocate a buffer region.
type CreateBufferRequest struct {
	UserMetadataSize uint64 `msgpack:"s"`
}

// ImportBufferRequest asks the broker to register the caller as a consumer
// of an existing buffer and hand over its descriptors.
type ImportBufferRequest struct {
	ID uint64 `msgpack:"i"`
}

// BufferTraits is the reply to CreateBuffer and ImportBuffer. The region and
// fence slot descriptors arrive alongside it, in TraitsFd order.
type BufferTraits struct {
	ID               uint64 `msgpack:"i"` // broker-unique buffer identity
	ClientBit        uint64 `msgpack:"b"` // this client's ownership bit mask
	UserMetadataSize uint64 `msgpack:"s"`
}

// BufferOpRequest identifies the buffer and caller for post, gain, acquire
// and release notifications.
type BufferOpRequest struct {
	ID        uint64 `msgpack:"i"`
	ClientBit uint64 `msgpack:"b"`
}

// BufferOpReply acknowledges a synchronous buffer operation.
type BufferOpReply struct{}
