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

package channel

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/status"
)

// Listener accepts client channels on a broker socket path.
type Listener struct {
	ul   *net.UnixListener
	path string

	closed    bool
	closeOnce sync.Once
}

// Listen binds the broker socket, replacing any stale socket file left by a
// previous run.
func Listen(path string) (*Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket %s failed: %w", path, err)
	}
	ul, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listen %s failed: %w", path, err)
	}
	return &Listener{ul: ul, path: path}, nil
}

// Accept waits for and returns the next client channel.
func (l *Listener) Accept() (*ServerConn, error) {
	uc, err := l.ul.AcceptUnix()
	if err != nil {
		return nil, err
	}
	return &ServerConn{conn: &rawConn{uc: uc}}, nil
}

// Addr returns the listener's address.
func (l *Listener) Addr() net.Addr {
	return l.ul.Addr()
}

// Close closes the listener and removes the socket file.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closed = true
		err = l.ul.Close()
		os.Remove(l.path)
	})
	return err
}

// Message is one received client frame: a call awaiting a reply or a
// fire-and-forget impulse. Descriptors in Fds are owned by the receiver.
type Message struct {
	Op      uint16
	ID      uint32
	Fds     []int
	kind    frameKind
	payload []byte
}

// Decode unmarshals the message payload into v.
func (m *Message) Decode(v any) error {
	return msgpack.Unmarshal(m.payload, v)
}

// IsImpulse reports whether the message expects no reply.
func (m *Message) IsImpulse() bool {
	return m.kind == kindImpulse
}

// CloseFds closes any descriptors still attached to the message.
func (m *Message) CloseFds() {
	closeAll(m.Fds)
	m.Fds = nil
}

// ServerConn is the broker's endpoint of one client channel.
type ServerConn struct {
	conn    *rawConn
	writeMu sync.Mutex
}

// Recv blocks for the next client message.
func (c *ServerConn) Recv() (*Message, error) {
	fh, payload, fds, err := c.conn.readMessage()
	if err != nil {
		return nil, err
	}
	switch fh.Kind {
	case kindCall, kindImpulse:
		return &Message{Op: fh.Op, ID: fh.MsgID, Fds: fds, kind: fh.Kind, payload: payload}, nil
	default:
		closeAll(fds)
		return nil, fmt.Errorf("unexpected frame kind %#x from client", fh.Kind)
	}
}

// Reply answers a call with a payload and optional descriptors. Replying to
// an impulse is an error.
func (c *ServerConn) Reply(m *Message, v any, fds []int) error {
	if m.IsImpulse() {
		return errors.New("cannot reply to an impulse")
	}
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal reply failed: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.writeMessage(frameHeader{MsgID: m.ID, Op: m.Op, Kind: kindReply}, payload, fds)
}

// ReplyError answers a call with a status error. Non-status errors travel as
// codes.Unknown.
func (c *ServerConn) ReplyError(m *Message, callErr error) error {
	if m.IsImpulse() {
		return errors.New("cannot reply to an impulse")
	}
	st := status.Convert(callErr)
	payload, err := msgpack.Marshal(&errorReply{Code: uint32(st.Code()), Message: st.Message()})
	if err != nil {
		return fmt.Errorf("marshal error reply failed: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.writeMessage(frameHeader{MsgID: m.ID, Op: m.Op, Kind: kindError}, payload, nil)
}

// Close closes the client channel.
func (c *ServerConn) Close() error {
	return c.conn.uc.Close()
}
