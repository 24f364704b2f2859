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

// Package channel implements the unix-socket message channel between
// bufferhub clients and the broker. It carries synchronous calls with
// replies, one-way impulses, and file descriptors as SCM_RIGHTS ancillary
// data on the same sendmsg as the frame that announces them. Descriptor
// passing is the reason this transport is a unix socket and not a
// shared-memory ring.
package channel

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// rawConn is the framed, fd-carrying view of a unix stream socket shared by
// the client and server endpoints.
type rawConn struct {
	uc *net.UnixConn
}

// writeMessage sends one frame: header, payload, and any descriptors on the
// same sendmsg. Descriptors are borrowed; the caller keeps ownership.
func (c *rawConn) writeMessage(fh frameHeader, payload []byte, fds []int) error {
	if len(payload) > maxFramePayload {
		return fmt.Errorf("payload %d exceeds maximum %d", len(payload), maxFramePayload)
	}
	fh.Length = uint32(len(payload))
	fh.FdCount = uint8(len(fds))

	var hdr [frameHeaderSize]byte
	encodeFrameHeaderTo(&hdr, fh)
	buf := make([]byte, 0, frameHeaderSize+len(payload))
	buf = append(buf, hdr[:]...)
	buf = append(buf, payload...)

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}

	n, _, err := c.uc.WriteMsgUnix(buf, oob, nil)
	if err != nil {
		return fmt.Errorf("channel write failed: %w", err)
	}
	// The ancillary data rode along with the first byte; finish any short
	// write with plain writes.
	for n < len(buf) {
		m, err := c.uc.Write(buf[n:])
		if err != nil {
			return fmt.Errorf("channel write failed: %w", err)
		}
		n += m
	}
	return nil
}

// readMessage receives one frame, collecting any descriptors delivered with
// it. Returned descriptors are owned by the caller.
func (c *rawConn) readMessage() (frameHeader, []byte, []int, error) {
	var fds []int

	hdrBuf := make([]byte, frameHeaderSize)
	if err := c.readFull(hdrBuf, &fds); err != nil {
		closeAll(fds)
		return frameHeader{}, nil, nil, err
	}
	fh, err := decodeFrameHeader(hdrBuf)
	if err != nil {
		closeAll(fds)
		return frameHeader{}, nil, nil, err
	}

	payload := make([]byte, fh.Length)
	if err := c.readFull(payload, &fds); err != nil {
		closeAll(fds)
		return frameHeader{}, nil, nil, err
	}

	if len(fds) != int(fh.FdCount) {
		closeAll(fds)
		return frameHeader{}, nil, nil, fmt.Errorf("expected %d descriptors, received %d", fh.FdCount, len(fds))
	}
	return fh, payload, fds, nil
}

// readFull fills buf from the socket, appending any ancillary descriptors
// seen along the way to *fds.
func (c *rawConn) readFull(buf []byte, fds *[]int) error {
	oob := make([]byte, unix.CmsgSpace(16*4))
	for off := 0; off < len(buf); {
		n, oobn, _, _, err := c.uc.ReadMsgUnix(buf[off:], oob)
		if err != nil {
			return err
		}
		if oobn > 0 {
			received, err := parseRights(oob[:oobn])
			if err != nil {
				return err
			}
			*fds = append(*fds, received...)
		}
		off += n
	}
	return nil
}

// parseRights extracts SCM_RIGHTS descriptors from ancillary data and marks
// them close-on-exec.
func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message failed: %w", err)
	}
	var fds []int
	for _, m := range msgs {
		got, err := unix.ParseUnixRights(&m)
		if err != nil {
			return nil, fmt.Errorf("parse unix rights failed: %w", err)
		}
		for _, fd := range got {
			unix.CloseOnExec(fd)
			fds = append(fds, fd)
		}
	}
	return fds, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

// UnixChannel is the client endpoint. Invoke serializes calls: one
// outstanding round trip at a time, the broker being a strictly
// request-reply peer that never pushes.
type UnixChannel struct {
	conn   *rawConn
	mu     sync.Mutex
	nextID uint32 // odd message IDs
	closed atomic.Bool
}

// Dial connects to a broker socket.
func Dial(path string) (*UnixChannel, error) {
	uc, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("dial %s failed: %w", path, err)
	}
	return &UnixChannel{conn: &rawConn{uc: uc}, nextID: 1}, nil
}

// Invoke sends a synchronous call and blocks until the broker replies.
// Broker-side failures come back as status errors with the broker's code;
// transport failures as plain errors. Returned descriptors are caller-owned.
func (c *UnixChannel) Invoke(op uint16, req, reply any, fds []int) ([]int, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("channel closed")
	}

	payload, err := msgpack.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request failed: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID += 2

	if err := c.conn.writeMessage(frameHeader{MsgID: id, Op: op, Kind: kindCall}, payload, fds); err != nil {
		return nil, err
	}

	for {
		fh, body, rfds, err := c.conn.readMessage()
		if err != nil {
			return nil, err
		}
		if fh.MsgID != id {
			// Stale reply from an earlier failed call; drop it.
			closeAll(rfds)
			continue
		}
		switch fh.Kind {
		case kindReply:
			if reply != nil {
				if err := msgpack.Unmarshal(body, reply); err != nil {
					closeAll(rfds)
					return nil, fmt.Errorf("unmarshal reply failed: %w", err)
				}
			}
			return rfds, nil
		case kindError:
			closeAll(rfds)
			var er errorReply
			if err := msgpack.Unmarshal(body, &er); err != nil {
				return nil, fmt.Errorf("unmarshal error reply failed: %w", err)
			}
			return nil, status.Error(codes.Code(er.Code), er.Message)
		default:
			closeAll(rfds)
			return nil, fmt.Errorf("unexpected frame kind %#x", fh.Kind)
		}
	}
}

// SendImpulse sends a one-way notification. It returns once the frame is
// handed to the socket; there is no acknowledgement.
func (c *UnixChannel) SendImpulse(op uint16, req any) error {
	if c.closed.Load() {
		return fmt.Errorf("channel closed")
	}

	payload, err := msgpack.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request failed: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.writeMessage(frameHeader{Op: op, Kind: kindImpulse}, payload, nil)
}

// Close closes the channel.
func (c *UnixChannel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.uc.Close()
}
