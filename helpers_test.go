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
	"testing"

	"golang.org/x/sys/unix"
)

// fakeHub stands in for the broker in client-side tests: one buffer, its
// region and fence slots, with bit assignment but none of the transport. Each
// client handle talks to it through its own fakeChannel.
type fakeHub struct {
	t           *testing.T
	id          uint64
	region      *Region
	acquireSlot LocalFence
	releaseSlot LocalFence
}

func newFakeHub(t *testing.T, userMetadataSize uint64) *fakeHub {
	t.Helper()

	region, err := CreateRegion(t.Name(), userMetadataSize)
	if err != nil {
		t.Fatalf("CreateRegion: %v", err)
	}
	acquireSlot, err := NewFenceSlot()
	if err != nil {
		t.Fatalf("NewFenceSlot: %v", err)
	}
	releaseSlot, err := NewFenceSlot()
	if err != nil {
		t.Fatalf("NewFenceSlot: %v", err)
	}

	h := &fakeHub{t: t, id: 7, region: region, acquireSlot: acquireSlot, releaseSlot: releaseSlot}
	t.Cleanup(func() {
		h.region.Close()
		h.acquireSlot.Close()
		h.releaseSlot.Close()
	})
	return h
}

// channel returns a fresh client channel onto the hub.
func (h *fakeHub) channel() *fakeChannel {
	return &fakeChannel{hub: h}
}

// dupTraitsFds hands out caller-owned duplicates of the buffer descriptors,
// in TraitsFd order, the way a real import reply does.
func (h *fakeHub) dupTraitsFds() ([]int, error) {
	regionFd, err := unix.FcntlInt(h.region.File.Fd(), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	acq, err := h.acquireSlot.Dup()
	if err != nil {
		unix.Close(regionFd)
		return nil, err
	}
	rel, err := h.releaseSlot.Dup()
	if err != nil {
		unix.Close(regionFd)
		acq.Close()
		return nil, err
	}

	fds := make([]int, TraitsFdCount)
	fds[TraitsFdRegion] = regionFd
	fds[TraitsFdAcquireSlot] = acq.Fd()
	fds[TraitsFdReleaseSlot] = rel.Fd()
	return fds, nil
}

// brokerReturn performs the broker's half of a release: clear the consumer's
// ownership bit and, when it was the last one, return the buffer to Gained.
func (h *fakeHub) brokerReturn(consumerBit uint64) {
	state := h.region.ModifyBufferState(consumerBit&ConsumerStateMask, 0)
	if state&ConsumerStateMask == 0 && state&ProducerStateBit != 0 {
		h.region.ModifyBufferState(ProducerStateBit, 0)
		h.region.WakeGained()
	}
}

// fakeChannel implements Channel against a fakeHub. opErr fails every
// post-import Invoke; impulseErr fails every SendImpulse. Both failures
// happen after the request reaches the hub, mimicking a broker that went
// away mid-conversation.
type fakeChannel struct {
	hub        *fakeHub
	opErr      error
	impulseErr error

	ops    []uint16
	closed bool
}

func (c *fakeChannel) Invoke(op uint16, req, reply any, fds []int) ([]int, error) {
	c.ops = append(c.ops, op)

	switch op {
	case OpCreateBuffer:
		r, ok := req.(*CreateBufferRequest)
		if !ok {
			return nil, fmt.Errorf("unexpected request type %T", req)
		}
		if r.UserMetadataSize != c.hub.region.UserMetadataSize() {
			return nil, fmt.Errorf("hub configured for %d byte tail, create asked for %d",
				c.hub.region.UserMetadataSize(), r.UserMetadataSize)
		}
		c.hub.region.ModifyActiveClients(0, ProducerStateBit)
		*reply.(*BufferTraits) = BufferTraits{
			ID:               c.hub.id,
			ClientBit:        ProducerStateBit,
			UserMetadataSize: c.hub.region.UserMetadataSize(),
		}
		return c.hub.dupTraitsFds()

	case OpImportBuffer:
		r, ok := req.(*ImportBufferRequest)
		if !ok {
			return nil, fmt.Errorf("unexpected request type %T", req)
		}
		if r.ID != c.hub.id {
			return nil, fmt.Errorf("no buffer %d", r.ID)
		}
		bit := FindNextClientBit(c.hub.region.ActiveClients())
		if bit == 0 {
			return nil, fmt.Errorf("no free consumer bits")
		}
		c.hub.region.ModifyActiveClients(0, bit)
		*reply.(*BufferTraits) = BufferTraits{
			ID:               c.hub.id,
			ClientBit:        bit,
			UserMetadataSize: c.hub.region.UserMetadataSize(),
		}
		return c.hub.dupTraitsFds()

	default:
		if c.opErr != nil {
			return nil, c.opErr
		}
		if r, ok := reply.(*BufferOpReply); ok {
			*r = BufferOpReply{}
		}
		return nil, nil
	}
}

func (c *fakeChannel) SendImpulse(op uint16, req any) error {
	c.ops = append(c.ops, op)
	return c.impulseErr
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

// lastOp returns the most recent operation seen by the channel, or 0.
func (c *fakeChannel) lastOp() uint16 {
	if len(c.ops) == 0 {
		return 0
	}
	return c.ops[len(c.ops)-1]
}

// newTestPair wires a producer and a consumer onto one fakeHub and fails the
// test if either import does.
func newTestPair(t *testing.T, userMetadataSize uint64) (*fakeHub, *ProducerBuffer, *ConsumerBuffer) {
	t.Helper()

	hub := newFakeHub(t, userMetadataSize)

	p := CreateProducerBuffer(hub.channel(), userMetadataSize)
	if !p.IsValid() {
		t.Fatalf("producer import failed: %v", p.CloseStatus())
	}
	t.Cleanup(func() { p.Close() })

	c := ImportConsumerBuffer(hub.channel(), hub.id)
	if !c.IsValid() {
		t.Fatalf("consumer import failed: %v", c.CloseStatus())
	}
	t.Cleanup(func() { c.Close() })

	return hub, p, c
}
