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
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame header layout (16 bytes, little-endian):
// uint32 length    // payload length in bytes (excludes 16-byte header)
// uint32 msgID     // call correlation id (client odd; 0 for impulses)
// uint16 op        // broker operation code
// uint8  kind      // enum frameKind
// uint8  fdCount   // descriptors attached to this frame's sendmsg
// uint32 reserved  // set to zero; future use
const frameHeaderSize = 16

// maxFramePayload bounds a single message payload.
const maxFramePayload = 1 << 20

type frameKind uint8

const (
	kindCall    frameKind = 0x01 // synchronous call, expects a reply
	kindReply   frameKind = 0x02 // successful reply to a call
	kindError   frameKind = 0x03 // error reply to a call
	kindImpulse frameKind = 0x04 // one-way, no reply
)

// frameHeader represents the on-wire 16B header.
type frameHeader struct {
	Length   uint32
	MsgID    uint32
	Op       uint16
	Kind     frameKind
	FdCount  uint8
	Reserved uint32
}

func encodeFrameHeaderTo(dst *[frameHeaderSize]byte, fh frameHeader) {
	b := dst[:]
	binary.LittleEndian.PutUint32(b[0:4], fh.Length)
	binary.LittleEndian.PutUint32(b[4:8], fh.MsgID)
	binary.LittleEndian.PutUint16(b[8:10], fh.Op)
	b[10] = byte(fh.Kind)
	b[11] = fh.FdCount
	binary.LittleEndian.PutUint32(b[12:16], fh.Reserved)
}

func decodeFrameHeader(b []byte) (frameHeader, error) {
	if len(b) < frameHeaderSize {
		return frameHeader{}, errors.New("frame header too short")
	}
	var fh frameHeader
	fh.Length = binary.LittleEndian.Uint32(b[0:4])
	fh.MsgID = binary.LittleEndian.Uint32(b[4:8])
	fh.Op = binary.LittleEndian.Uint16(b[8:10])
	fh.Kind = frameKind(b[10])
	fh.FdCount = b[11]
	fh.Reserved = binary.LittleEndian.Uint32(b[12:16])
	if fh.Length > maxFramePayload {
		return frameHeader{}, fmt.Errorf("frame payload %d exceeds maximum %d", fh.Length, maxFramePayload)
	}
	return fh, nil
}

// errorReply is the payload of a kindError frame.
type errorReply struct {
	Code    uint32 `msgpack:"c"`
	Message string `msgpack:"m"`
}
