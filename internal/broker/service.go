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

// Package broker implements the trusted arbiter of the bufferhub protocol.
// It allocates buffer regions, assigns every consumer its unique ownership
// bit, and performs the one transition clients are forbidden to make:
// clearing consumer bits as releases arrive and returning the buffer to the
// producer once the last one is gone. Only the broker has the global view of
// all registered consumers that makes that decision safe.
package broker

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/grpclog"
	"google.golang.org/grpc/status"

	"github.com/FireHound/bufferhub"
	"github.com/FireHound/bufferhub/internal/channel"
)

var logger = grpclog.Component("bufferhub-broker")

// Options configures the broker service.
type Options struct {
	// SocketPath is the unix socket the broker listens on.
	SocketPath string
}

// DefaultOptions returns sensible defaults for a broker service.
func DefaultOptions() *Options {
	return &Options{
		SocketPath: "/tmp/bufferhubd.sock",
	}
}

// clientRef records one registration made over a connection so the bit can
// be reclaimed when the connection dies.
type clientRef struct {
	bufferID  uint64
	clientBit uint64
}

// hubBuffer is the broker's record of one allocated buffer.
type hubBuffer struct {
	id          uint64
	region      *bufferhub.Region
	acquireSlot bufferhub.LocalFence // producer→consumer shared fence slot
	releaseSlot bufferhub.LocalFence // consumer→producer shared fence slot
}

func (hb *hubBuffer) close() {
	hb.region.Close()
	hb.acquireSlot.Close()
	hb.releaseSlot.Close()
}

// Service is the broker.
type Service struct {
	opts *Options

	mu      sync.Mutex
	buffers map[uint64]*hubBuffer
	nextID  uint64
}

// New creates a broker service.
func New(opts *Options) *Service {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Service{
		opts:    opts,
		buffers: make(map[uint64]*hubBuffer),
		nextID:  1,
	}
}

// Serve listens on the configured socket and handles client channels until
// ctx is canceled.
func (s *Service) Serve(ctx context.Context) error {
	ln, err := channel.Listen(s.opts.SocketPath)
	if err != nil {
		return err
	}

	logger.Infof("broker listening on %s", s.opts.SocketPath)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		ln.Close()
		return nil
	})

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
			g.Go(func() error {
				s.handleConn(conn)
				return nil
			})
		}
	})

	err = g.Wait()
	s.closeBuffers()
	if err == context.Canceled {
		return nil
	}
	return err
}

func (s *Service) closeBuffers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, hb := range s.buffers {
		hb.close()
		delete(s.buffers, id)
	}
}

// handleConn serves one client channel until it closes, then reclaims every
// bit the client registered. A consumer that dies mid-acquire is released on
// its behalf here.
func (s *Service) handleConn(conn *channel.ServerConn) {
	defer conn.Close()

	var registered []clientRef
	for {
		msg, err := conn.Recv()
		if err != nil {
			break
		}
		if err := s.dispatch(conn, msg, &registered); err != nil {
			logger.Warningf("broker: dispatch op %#x failed: %v", msg.Op, err)
		}
	}

	for _, ref := range registered {
		s.detach(ref)
	}
}

func (s *Service) dispatch(conn *channel.ServerConn, msg *channel.Message, registered *[]clientRef) error {
	switch msg.Op {
	case bufferhub.OpCreateBuffer:
		return s.handleCreateBuffer(conn, msg, registered)
	case bufferhub.OpImportBuffer:
		return s.handleImportBuffer(conn, msg, registered)
	case bufferhub.OpConsumerAcquire:
		return s.handleBookkeeping(conn, msg, "acquire")
	case bufferhub.OpConsumerRelease:
		return s.handleConsumerRelease(conn, msg)
	case bufferhub.OpProducerPost:
		return s.handleBookkeeping(conn, msg, "post")
	case bufferhub.OpProducerGain:
		return s.handleBookkeeping(conn, msg, "gain")
	default:
		msg.CloseFds()
		if msg.IsImpulse() {
			return fmt.Errorf("unknown impulse op %#x", msg.Op)
		}
		return conn.ReplyError(msg, status.Errorf(codes.Unimplemented, "unknown op %#x", msg.Op))
	}
}

func (s *Service) handleCreateBuffer(conn *channel.ServerConn, msg *channel.Message, registered *[]clientRef) error {
	msg.CloseFds()

	var req bufferhub.CreateBufferRequest
	if err := msg.Decode(&req); err != nil {
		return conn.ReplyError(msg, status.Errorf(codes.InvalidArgument, "malformed create request: %v", err))
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++

	region, err := bufferhub.CreateRegion(fmt.Sprintf("buffer-%d", id), req.UserMetadataSize)
	if err != nil {
		s.mu.Unlock()
		return conn.ReplyError(msg, status.Errorf(codes.Internal, "region allocation failed: %v", err))
	}
	acquireSlot, err := bufferhub.NewFenceSlot()
	if err != nil {
		region.Close()
		s.mu.Unlock()
		return conn.ReplyError(msg, status.Errorf(codes.Internal, "fence slot allocation failed: %v", err))
	}
	releaseSlot, err := bufferhub.NewFenceSlot()
	if err != nil {
		region.Close()
		acquireSlot.Close()
		s.mu.Unlock()
		return conn.ReplyError(msg, status.Errorf(codes.Internal, "fence slot allocation failed: %v", err))
	}

	hb := &hubBuffer{
		id:          id,
		region:      region,
		acquireSlot: acquireSlot,
		releaseSlot: releaseSlot,
	}
	s.buffers[id] = hb
	region.ModifyActiveClients(0, bufferhub.ProducerStateBit)
	s.mu.Unlock()

	*registered = append(*registered, clientRef{bufferID: id, clientBit: bufferhub.ProducerStateBit})
	logger.Infof("broker: created buffer %d (user metadata %d bytes)", id, req.UserMetadataSize)

	traits := bufferhub.BufferTraits{
		ID:               id,
		ClientBit:        bufferhub.ProducerStateBit,
		UserMetadataSize: req.UserMetadataSize,
	}
	return conn.Reply(msg, &traits, s.traitsFds(hb))
}

func (s *Service) handleImportBuffer(conn *channel.ServerConn, msg *channel.Message, registered *[]clientRef) error {
	msg.CloseFds()

	var req bufferhub.ImportBufferRequest
	if err := msg.Decode(&req); err != nil {
		return conn.ReplyError(msg, status.Errorf(codes.InvalidArgument, "malformed import request: %v", err))
	}

	s.mu.Lock()
	hb, ok := s.buffers[req.ID]
	if !ok {
		s.mu.Unlock()
		return conn.ReplyError(msg, status.Errorf(codes.NotFound, "no buffer %d", req.ID))
	}
	bit := bufferhub.FindNextClientBit(hb.region.ActiveClients())
	if bit == 0 {
		s.mu.Unlock()
		return conn.ReplyError(msg, status.Errorf(codes.ResourceExhausted, "buffer %d has no free consumer bits", req.ID))
	}
	hb.region.ModifyActiveClients(0, bit)
	s.mu.Unlock()

	*registered = append(*registered, clientRef{bufferID: req.ID, clientBit: bit})
	logger.Infof("broker: registered consumer bit %#x on buffer %d", bit, req.ID)

	traits := bufferhub.BufferTraits{
		ID:               req.ID,
		ClientBit:        bit,
		UserMetadataSize: hb.region.UserMetadataSize(),
	}
	return conn.Reply(msg, &traits, s.traitsFds(hb))
}

// traitsFds returns the descriptors accompanying BufferTraits, in TraitsFd
// order. They are borrowed from the broker's own handles for the send.
func (s *Service) traitsFds(hb *hubBuffer) []int {
	fds := make([]int, bufferhub.TraitsFdCount)
	fds[bufferhub.TraitsFdRegion] = int(hb.region.File.Fd())
	fds[bufferhub.TraitsFdAcquireSlot] = hb.acquireSlot.Fd()
	fds[bufferhub.TraitsFdReleaseSlot] = hb.releaseSlot.Fd()
	return fds
}

// handleBookkeeping acknowledges notifications that exist so the broker can
// observe traffic: the client already made its local transition and the
// shared words are authoritative.
func (s *Service) handleBookkeeping(conn *channel.ServerConn, msg *channel.Message, what string) error {
	msg.CloseFds()

	var req bufferhub.BufferOpRequest
	if err := msg.Decode(&req); err != nil {
		if msg.IsImpulse() {
			return fmt.Errorf("malformed %s impulse: %w", what, err)
		}
		return conn.ReplyError(msg, status.Errorf(codes.InvalidArgument, "malformed %s request: %v", what, err))
	}

	logger.Infof("broker: %s buffer=%d client_bit=%#x", what, req.ID, req.ClientBit)
	if msg.IsImpulse() {
		return nil
	}
	return conn.Reply(msg, &bufferhub.BufferOpReply{}, nil)
}

// handleConsumerRelease clears the releasing consumer's ownership bit and,
// when it was the last one, drops the producer bit too so the buffer returns
// to Gained and wakes any producer parked in WaitGained.
func (s *Service) handleConsumerRelease(conn *channel.ServerConn, msg *channel.Message) error {
	// A borrowed duplicate of the release fence may ride along with the
	// call; the producer reads the real one from the shared slot, so the
	// broker's copy is closed after the bookkeeping.
	defer msg.CloseFds()

	var req bufferhub.BufferOpRequest
	if err := msg.Decode(&req); err != nil {
		if msg.IsImpulse() {
			return fmt.Errorf("malformed release impulse: %w", err)
		}
		return conn.ReplyError(msg, status.Errorf(codes.InvalidArgument, "malformed release request: %v", err))
	}

	if req.ClientBit&bufferhub.ConsumerStateMask == 0 {
		err := status.Errorf(codes.InvalidArgument, "release with non-consumer bit %#x", req.ClientBit)
		if msg.IsImpulse() {
			return err
		}
		return conn.ReplyError(msg, err)
	}

	s.mu.Lock()
	hb, ok := s.buffers[req.ID]
	if ok {
		s.returnBit(hb, req.ClientBit)
	}
	s.mu.Unlock()

	if !ok {
		err := status.Errorf(codes.NotFound, "no buffer %d", req.ID)
		if msg.IsImpulse() {
			return err
		}
		return conn.ReplyError(msg, err)
	}

	if msg.IsImpulse() {
		return nil
	}
	return conn.Reply(msg, &bufferhub.BufferOpReply{}, nil)
}

// returnBit clears one consumer's ownership bit and completes the teardown
// when no consumer holds the buffer anymore. Callers hold s.mu, which
// serializes release handling against registration; the ownership word
// itself is still updated atomically because consumers flip their own bits
// concurrently.
func (s *Service) returnBit(hb *hubBuffer, bit uint64) {
	state := hb.region.ModifyBufferState(bit&bufferhub.ConsumerStateMask, 0)
	if state&bufferhub.ConsumerStateMask != 0 || state&bufferhub.ProducerStateBit == 0 {
		return
	}
	hb.region.ModifyBufferState(bufferhub.ProducerStateBit, 0)
	hb.region.WakeGained()
	logger.Infof("broker: buffer %d returned to producer", hb.id)
}

// detach reclaims a registration after its connection died. A producer
// disconnect destroys the buffer; a consumer disconnect behaves like a
// release of whatever the consumer still held.
func (s *Service) detach(ref clientRef) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hb, ok := s.buffers[ref.bufferID]
	if !ok {
		return
	}

	if ref.clientBit == bufferhub.ProducerStateBit {
		logger.Infof("broker: producer gone, destroying buffer %d", hb.id)
		hb.close()
		delete(s.buffers, hb.id)
		return
	}

	logger.Infof("broker: consumer bit %#x gone from buffer %d", ref.clientBit, hb.id)
	hb.region.ModifyActiveClients(ref.clientBit, 0)
	s.returnBit(hb, ref.clientBit)
}
