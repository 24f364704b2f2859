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
	"bytes"
	"errors"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestCreateProducerBuffer(t *testing.T) {
	hub := newFakeHub(t, 16)

	p := CreateProducerBuffer(hub.channel(), 16)
	if !p.IsValid() {
		t.Fatalf("create: %v", p.CloseStatus())
	}
	defer p.Close()

	if p.ClientStateBit() != ProducerStateBit {
		t.Errorf("producer bit = %#x", p.ClientStateBit())
	}
	if p.UserMetadataSize() != 16 {
		t.Errorf("user metadata size = %d", p.UserMetadataSize())
	}
	if !IsBufferGained(p.BufferState()) {
		t.Errorf("fresh buffer not gained: %#x", p.BufferState())
	}
}

func TestPostWritesCanonicalRecord(t *testing.T) {
	hub, p, _ := newTestPair(t, 8)

	meta := &NativeBufferMetadata{
		Width:      1280,
		Height:     720,
		LayerCount: 1,
		Format:     1,
		Usage:      0x933,
		Stride:     1312,
		// Caller-supplied size and pointer are ignored; the record's values
		// are derived from the post itself.
		UserMetadataSize: 999,
		UserMetadataPtr:  0xDEAD,
	}
	if err := p.PostMeta(meta, []byte("8 octets"), LocalFence{}); err != nil {
		t.Fatalf("PostMeta: %v", err)
	}

	rec := hub.region.Header().Metadata()
	if rec.Width != 1280 || rec.Height != 720 || rec.Stride != 1312 || rec.Usage != 0x933 {
		t.Errorf("record = %+v", rec)
	}
	if rec.UserMetadataSize != 8 {
		t.Errorf("record user metadata size = %d, want 8", rec.UserMetadataSize)
	}
	if rec.UserMetadataPtr != 0 {
		t.Errorf("record carries a raw pointer: %#x", rec.UserMetadataPtr)
	}
	if rec.Index != 1 {
		t.Errorf("queue index = %d, want 1", rec.Index)
	}
	if !bytes.Equal(hub.region.UserMetadata(), []byte("8 octets")) {
		t.Errorf("tail = %q", hub.region.UserMetadata())
	}
	if p.BufferState() != ProducerStateBit {
		t.Errorf("state after post = %#x", p.BufferState())
	}
}

func TestQueueIndexAdvancesPerPost(t *testing.T) {
	hub, p, c := newTestPair(t, 0)

	for want := uint64(1); want <= 3; want++ {
		if err := p.Post(LocalFence{}); err != nil {
			t.Fatalf("post %d: %v", want, err)
		}
		if got := hub.region.Header().Metadata().Index; got != want {
			t.Errorf("queue index = %d, want %d", got, want)
		}
		if err := c.Acquire(nil); err != nil {
			t.Fatalf("acquire %d: %v", want, err)
		}
		if err := c.Release(LocalFence{}); err != nil {
			t.Fatalf("release %d: %v", want, err)
		}
		hub.brokerReturn(c.ClientStateBit())
	}
}

func TestPostRequiresGained(t *testing.T) {
	_, p, _ := newTestPair(t, 0)

	if err := p.Post(LocalFence{}); err != nil {
		t.Fatalf("first post: %v", err)
	}
	if err := p.Post(LocalFence{}); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("double post = %v, want FailedPrecondition", err)
	}
}

func TestPostOversizedUserMetadata(t *testing.T) {
	_, p, _ := newTestPair(t, 4)

	err := p.PostMeta(nil, make([]byte, 8), LocalFence{})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("oversized post = %v, want InvalidArgument", err)
	}
	if !IsBufferGained(p.BufferState()) {
		t.Errorf("failed argument check mutated state: %#x", p.BufferState())
	}
}

func TestGainRequiresReturnedBuffer(t *testing.T) {
	_, p, c := newTestPair(t, 0)

	if err := p.Post(LocalFence{}); err != nil {
		t.Fatalf("Post: %v", err)
	}

	// Posted: not yet back with the producer.
	if err := p.Gain(nil); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("Gain while posted = %v, want FailedPrecondition", err)
	}

	if err := c.Acquire(nil); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Acquired: even further from gained.
	if err := p.Gain(nil); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("Gain while acquired = %v, want FailedPrecondition", err)
	}
}

func TestGainAfterBrokerReturn(t *testing.T) {
	hub, p, c := newTestPair(t, 8)

	if err := p.PostMeta(&NativeBufferMetadata{Width: 100}, []byte("metadata"), LocalFence{}); err != nil {
		t.Fatalf("PostMeta: %v", err)
	}
	if err := c.Acquire(nil); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	releaseFence := newTestFence(t)
	if err := c.Release(releaseFence); err != nil {
		t.Fatalf("Release: %v", err)
	}
	hub.brokerReturn(c.ClientStateBit())

	var meta NativeBufferMetadata
	var gainFence LocalFence
	if err := p.GainAsync(&meta, &gainFence); err != nil {
		t.Fatalf("GainAsync: %v", err)
	}
	defer gainFence.Close()

	if meta.Width != 100 || meta.Index != 1 {
		t.Errorf("gained metadata = %+v", meta)
	}
	if meta.UserMetadataPtr != p.region.userMetadataAddr() {
		t.Error("UserMetadataPtr not rewritten for the producer's mapping")
	}

	// The consumer published a release fence; the producer gets a live handle.
	if !gainFence.IsValid() {
		t.Fatal("no release fence surfaced on gain")
	}
	if err := releaseFence.Signal(); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if err := gainFence.Wait(time.Second); err != nil {
		t.Errorf("gain fence did not observe the signal: %v", err)
	}
}

func TestGainFenceEmptyWithoutConsumerFence(t *testing.T) {
	hub, p, c := newTestPair(t, 0)

	if err := p.Post(LocalFence{}); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if err := c.Acquire(nil); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := c.Discard(); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	hub.brokerReturn(c.ClientStateBit())

	var fence LocalFence
	if err := p.Gain(&fence); err != nil {
		t.Fatalf("Gain: %v", err)
	}
	if fence.IsValid() {
		t.Error("gain fence present although no consumer published one")
	}
}

func TestGainNilMetadataOutput(t *testing.T) {
	_, p, _ := newTestPair(t, 0)

	if err := p.GainAsync(nil, nil); status.Code(err) != codes.InvalidArgument {
		t.Fatal("nil metadata output accepted")
	}
}

func TestPostBrokerUnavailableKeepsLocalState(t *testing.T) {
	hub := newFakeHub(t, 0)

	ch := hub.channel()
	p := CreateProducerBuffer(ch, 0)
	defer p.Close()

	ch.opErr = errors.New("broker went away")
	err := p.Post(LocalFence{})
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("Post with dead broker = %v, want Unavailable", err)
	}

	// The post already landed in shared memory and stands.
	if p.BufferState() != ProducerStateBit {
		t.Errorf("local post rolled back: %#x", p.BufferState())
	}
}

func TestPostAsyncMatchesLocalState(t *testing.T) {
	hub := newFakeHub(t, 0)

	ch := hub.channel()
	p := CreateProducerBuffer(ch, 0)
	defer p.Close()

	ch.impulseErr = errors.New("socket gone")
	err := p.PostAsync(nil, nil, LocalFence{})
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("PostAsync = %v, want Unavailable", err)
	}
	if p.BufferState() != ProducerStateBit {
		t.Error("local post missing after failed impulse")
	}
	if ch.lastOp() != OpProducerPost {
		t.Errorf("last op = %#x, want OpProducerPost", ch.lastOp())
	}
}

func TestWaitGainedTimeout(t *testing.T) {
	_, p, _ := newTestPair(t, 0)

	if err := p.Post(LocalFence{}); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if err := p.WaitGained(10 * time.Millisecond); !errors.Is(err, ErrFutexTimeout) {
		t.Fatalf("WaitGained on posted buffer = %v, want ErrFutexTimeout", err)
	}
}

func TestWaitGainedWakes(t *testing.T) {
	hub, p, c := newTestPair(t, 0)

	if err := p.Post(LocalFence{}); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if err := c.Acquire(nil); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		if err := c.Release(LocalFence{}); err != nil {
			t.Errorf("Release: %v", err)
			return
		}
		hub.brokerReturn(c.ClientStateBit())
	}()

	if err := p.WaitGained(2 * time.Second); err != nil {
		t.Fatalf("WaitGained: %v", err)
	}
	if !IsBufferGained(p.BufferState()) {
		t.Errorf("woke without a return: state %#x", p.BufferState())
	}
}

func TestWaitGainedImmediateWhenAlreadyGained(t *testing.T) {
	_, p, _ := newTestPair(t, 0)

	if err := p.WaitGained(time.Second); err != nil {
		t.Fatalf("WaitGained on gained buffer: %v", err)
	}
}
