// The MIT License (MIT)
//
// Copyright (c) 2021 Winlin
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
// the Software, and to permit persons to whom the Software is furnished to do so,
// subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
// FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
// COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
// IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
// CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// ChunkType is the one-byte chunk type.
type ChunkType uint8

// List of known chunk types.
const (
	ChunkTypeData             ChunkType = 0
	ChunkTypeInit             ChunkType = 1
	ChunkTypeInitAck          ChunkType = 2
	ChunkTypeSack             ChunkType = 3
	ChunkTypeHeartbeat        ChunkType = 4
	ChunkTypeHeartbeatAck     ChunkType = 5
	ChunkTypeAbort            ChunkType = 6
	ChunkTypeShutdown         ChunkType = 7
	ChunkTypeShutdownAck      ChunkType = 8
	ChunkTypeError            ChunkType = 9
	ChunkTypeCookieEcho       ChunkType = 10
	ChunkTypeCookieAck        ChunkType = 11
	ChunkTypeShutdownComplete ChunkType = 14
	ChunkTypeReconfig         ChunkType = 130
	ChunkTypeForwardTSN       ChunkType = 192
)

func (t ChunkType) String() string {
	switch t {
	case ChunkTypeData:
		return "DATA"
	case ChunkTypeInit:
		return "INIT"
	case ChunkTypeInitAck:
		return "INIT-ACK"
	case ChunkTypeSack:
		return "SACK"
	case ChunkTypeHeartbeat:
		return "HEARTBEAT"
	case ChunkTypeHeartbeatAck:
		return "HEARTBEAT-ACK"
	case ChunkTypeAbort:
		return "ABORT"
	case ChunkTypeShutdown:
		return "SHUTDOWN"
	case ChunkTypeShutdownAck:
		return "SHUTDOWN-ACK"
	case ChunkTypeError:
		return "ERROR"
	case ChunkTypeCookieEcho:
		return "COOKIE-ECHO"
	case ChunkTypeCookieAck:
		return "COOKIE-ACK"
	case ChunkTypeShutdownComplete:
		return "SHUTDOWN-COMPLETE"
	case ChunkTypeReconfig:
		return "RECONFIG"
	case ChunkTypeForwardTSN:
		return "FORWARD-TSN"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// Chunk is one tagged chunk variant.
type Chunk interface {
	Type() ChunkType
	// Size is the serialized size without trailing padding.
	Size() int
	Marshal() ([]byte, error)
	Unmarshal(raw []byte) error
	String() string
}

// ParseChunk reads the header of the chunk at the start of raw and decodes
// it into the matching variant. Unknown types are kept as Raw.
func ParseChunk(raw []byte) (Chunk, error) {
	if len(raw) < ChunkHeaderSize {
		return nil, errors.Wrapf(ErrChunkTooShort, "%v < %v", len(raw), ChunkHeaderSize)
	}

	var c Chunk
	switch ChunkType(raw[0]) {
	case ChunkTypeData:
		c = &Data{}
	case ChunkTypeSack:
		c = &Sack{}
	case ChunkTypeHeartbeat:
		c = &Heartbeat{}
	case ChunkTypeHeartbeatAck:
		c = &HeartbeatAck{}
	case ChunkTypeAbort:
		c = &Abort{}
	case ChunkTypeShutdown:
		c = &Shutdown{}
	case ChunkTypeShutdownAck:
		c = &ShutdownAck{}
	case ChunkTypeShutdownComplete:
		c = &ShutdownComplete{}
	case ChunkTypeForwardTSN:
		c = &ForwardTSN{}
	default:
		c = &Raw{}
	}

	if err := c.Unmarshal(raw); err != nil {
		return nil, err
	}
	return c, nil
}

// parseHeader validates the chunk header against want and returns the flags
// and the chunk value, without padding.
func parseHeader(raw []byte, want ChunkType, minSize int) (flags uint8, value []byte, err error) {
	if len(raw) < ChunkHeaderSize {
		return 0, nil, errors.Wrapf(ErrChunkTooShort, "%v < %v", len(raw), ChunkHeaderSize)
	}

	if typ := ChunkType(raw[0]); typ != want {
		return 0, nil, errors.Wrapf(ErrChunkTypeMismatch, "want %v, got %v", want, typ)
	}

	length := int(binary.BigEndian.Uint16(raw[2:]))
	if length < ChunkHeaderSize+minSize {
		return 0, nil, errors.Wrapf(ErrChunkLength, "%v length %v < %v", want, length, ChunkHeaderSize+minSize)
	}
	if length > len(raw) {
		return 0, nil, errors.Wrapf(ErrChunkLength, "%v length %v > %v remaining", want, length, len(raw))
	}

	return raw[1], raw[ChunkHeaderSize:length], nil
}

func marshalHeader(typ ChunkType, flags uint8, valueSize int) []byte {
	raw := make([]byte, ChunkHeaderSize, ChunkHeaderSize+valueSize)
	raw[0] = uint8(typ)
	raw[1] = flags
	binary.BigEndian.PutUint16(raw[2:], uint16(ChunkHeaderSize+valueSize))
	return raw
}

// Raw is a chunk carried opaquely, for example INIT, COOKIE-ECHO or RECONFIG
// chunks that other layers format.
type Raw struct {
	ChunkType ChunkType
	Flags     uint8
	Value     []byte
}

func (c *Raw) Type() ChunkType {
	return c.ChunkType
}

func (c *Raw) Size() int {
	return ChunkHeaderSize + len(c.Value)
}

func (c *Raw) Unmarshal(raw []byte) error {
	if len(raw) < ChunkHeaderSize {
		return errors.Wrapf(ErrChunkTooShort, "%v < %v", len(raw), ChunkHeaderSize)
	}

	flags, value, err := parseHeader(raw, ChunkType(raw[0]), 0)
	if err != nil {
		return err
	}

	c.ChunkType, c.Flags = ChunkType(raw[0]), flags
	c.Value = append([]byte(nil), value...)
	return nil
}

func (c *Raw) Marshal() ([]byte, error) {
	if len(c.Value) > 0xffff-ChunkHeaderSize {
		return nil, errors.Wrapf(ErrChunkLength, "%v value %v", c.ChunkType, len(c.Value))
	}
	return append(marshalHeader(c.ChunkType, c.Flags, len(c.Value)), c.Value...), nil
}

func (c *Raw) String() string {
	return fmt.Sprintf("%v(%dB)", c.ChunkType, len(c.Value))
}
