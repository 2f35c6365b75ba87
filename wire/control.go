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

// ParamHeartbeatInfo is the only parameter of HEARTBEAT and HEARTBEAT-ACK.
const ParamHeartbeatInfo = 1

// Heartbeat is a HEARTBEAT chunk, carrying opaque sender info.
type Heartbeat struct {
	Info []byte
}

func (c *Heartbeat) Type() ChunkType {
	return ChunkTypeHeartbeat
}

func (c *Heartbeat) Size() int {
	return ChunkHeaderSize + 4 + len(c.Info)
}

func (c *Heartbeat) Unmarshal(raw []byte) error {
	info, err := unmarshalHeartbeat(raw, ChunkTypeHeartbeat)
	c.Info = info
	return err
}

func (c *Heartbeat) Marshal() ([]byte, error) {
	return marshalHeartbeat(ChunkTypeHeartbeat, c.Info)
}

func (c *Heartbeat) String() string {
	return fmt.Sprintf("HEARTBEAT %dB", len(c.Info))
}

// HeartbeatAck echoes the info of a HEARTBEAT.
type HeartbeatAck struct {
	Info []byte
}

func (c *HeartbeatAck) Type() ChunkType {
	return ChunkTypeHeartbeatAck
}

func (c *HeartbeatAck) Size() int {
	return ChunkHeaderSize + 4 + len(c.Info)
}

func (c *HeartbeatAck) Unmarshal(raw []byte) error {
	info, err := unmarshalHeartbeat(raw, ChunkTypeHeartbeatAck)
	c.Info = info
	return err
}

func (c *HeartbeatAck) Marshal() ([]byte, error) {
	return marshalHeartbeat(ChunkTypeHeartbeatAck, c.Info)
}

func (c *HeartbeatAck) String() string {
	return fmt.Sprintf("HEARTBEAT-ACK %dB", len(c.Info))
}

func unmarshalHeartbeat(raw []byte, typ ChunkType) ([]byte, error) {
	_, value, err := parseHeader(raw, typ, 4)
	if err != nil {
		return nil, err
	}

	if pt := binary.BigEndian.Uint16(value[0:]); pt != ParamHeartbeatInfo {
		return nil, errors.Wrapf(ErrChunkLength, "%v param type %v", typ, pt)
	}

	pl := int(binary.BigEndian.Uint16(value[2:]))
	if pl < 4 || pl > len(value) {
		return nil, errors.Wrapf(ErrChunkLength, "%v param length %v of %v", typ, pl, len(value))
	}

	return append([]byte(nil), value[4:pl]...), nil
}

func marshalHeartbeat(typ ChunkType, info []byte) ([]byte, error) {
	if len(info) > 0xffff-ChunkHeaderSize-4 {
		return nil, errors.Wrapf(ErrChunkLength, "%v info %v", typ, len(info))
	}

	raw := marshalHeader(typ, 0, 4+len(info))
	raw = append(raw, 0, 0, 0, 0)
	binary.BigEndian.PutUint16(raw[4:], ParamHeartbeatInfo)
	binary.BigEndian.PutUint16(raw[6:], uint16(4+len(info)))
	return append(raw, info...), nil
}

// Error cause codes used by ABORT.
const (
	CauseUserInitiatedAbort uint16 = 0x000c
	CauseProtocolViolation  uint16 = 0x000d
)

// ErrorCause is one TLV cause of an ABORT.
type ErrorCause struct {
	Code  uint16
	Value []byte
}

// Abort is an ABORT chunk. Reflected is the T bit.
type Abort struct {
	Reflected bool
	Causes    []ErrorCause
}

func (c *Abort) Type() ChunkType {
	return ChunkTypeAbort
}

func (c *Abort) Size() int {
	n := ChunkHeaderSize
	for i, cause := range c.Causes {
		n += 4 + len(cause.Value)
		// All but the last cause are padded.
		if i < len(c.Causes)-1 {
			n += padding(4 + len(cause.Value))
		}
	}
	return n
}

func (c *Abort) Unmarshal(raw []byte) error {
	flags, value, err := parseHeader(raw, ChunkTypeAbort, 0)
	if err != nil {
		return err
	}

	c.Reflected = flags&0x01 != 0
	c.Causes = nil

	for offset := 0; offset < len(value); {
		if len(value)-offset < 4 {
			return errors.Wrapf(ErrChunkLength, "ABORT cause at %v of %v", offset, len(value))
		}

		code := binary.BigEndian.Uint16(value[offset:])
		length := int(binary.BigEndian.Uint16(value[offset+2:]))
		if length < 4 || offset+length > len(value) {
			return errors.Wrapf(ErrChunkLength, "ABORT cause %v length %v", code, length)
		}

		c.Causes = append(c.Causes, ErrorCause{
			Code: code, Value: append([]byte(nil), value[offset+4:offset+length]...),
		})
		offset += length + padding(length)
	}

	return nil
}

func (c *Abort) Marshal() ([]byte, error) {
	if c.Size() > 0xffff {
		return nil, errors.Wrapf(ErrChunkLength, "ABORT size %v", c.Size())
	}

	var flags uint8
	if c.Reflected {
		flags = 0x01
	}

	raw := marshalHeader(ChunkTypeAbort, flags, c.Size()-ChunkHeaderSize)
	for i, cause := range c.Causes {
		var tl [4]byte
		binary.BigEndian.PutUint16(tl[0:], cause.Code)
		binary.BigEndian.PutUint16(tl[2:], uint16(4+len(cause.Value)))
		raw = append(raw, tl[:]...)
		raw = append(raw, cause.Value...)
		if i < len(c.Causes)-1 {
			raw = append(raw, make([]byte, padding(4+len(cause.Value)))...)
		}
	}
	return raw, nil
}

func (c *Abort) String() string {
	codes := make([]uint16, 0, len(c.Causes))
	for _, cause := range c.Causes {
		codes = append(codes, cause.Code)
	}
	return fmt.Sprintf("ABORT T=%v, causes=%v", c.Reflected, codes)
}

// Shutdown is a SHUTDOWN chunk, acking the cumulative TSN.
type Shutdown struct {
	CumulativeTSNAck uint32
}

func (c *Shutdown) Type() ChunkType {
	return ChunkTypeShutdown
}

func (c *Shutdown) Size() int {
	return ChunkHeaderSize + 4
}

func (c *Shutdown) Unmarshal(raw []byte) error {
	_, value, err := parseHeader(raw, ChunkTypeShutdown, 4)
	if err != nil {
		return err
	}
	c.CumulativeTSNAck = binary.BigEndian.Uint32(value)
	return nil
}

func (c *Shutdown) Marshal() ([]byte, error) {
	raw := marshalHeader(ChunkTypeShutdown, 0, 4)
	raw = append(raw, 0, 0, 0, 0)
	binary.BigEndian.PutUint32(raw[4:], c.CumulativeTSNAck)
	return raw, nil
}

func (c *Shutdown) String() string {
	return fmt.Sprintf("SHUTDOWN cum=%v", c.CumulativeTSNAck)
}

// ShutdownAck is a SHUTDOWN-ACK chunk.
type ShutdownAck struct{}

func (c *ShutdownAck) Type() ChunkType {
	return ChunkTypeShutdownAck
}

func (c *ShutdownAck) Size() int {
	return ChunkHeaderSize
}

func (c *ShutdownAck) Unmarshal(raw []byte) error {
	_, _, err := parseHeader(raw, ChunkTypeShutdownAck, 0)
	return err
}

func (c *ShutdownAck) Marshal() ([]byte, error) {
	return marshalHeader(ChunkTypeShutdownAck, 0, 0), nil
}

func (c *ShutdownAck) String() string {
	return "SHUTDOWN-ACK"
}

// ShutdownComplete is a SHUTDOWN-COMPLETE chunk. Reflected is the T bit.
type ShutdownComplete struct {
	Reflected bool
}

func (c *ShutdownComplete) Type() ChunkType {
	return ChunkTypeShutdownComplete
}

func (c *ShutdownComplete) Size() int {
	return ChunkHeaderSize
}

func (c *ShutdownComplete) Unmarshal(raw []byte) error {
	flags, _, err := parseHeader(raw, ChunkTypeShutdownComplete, 0)
	c.Reflected = flags&0x01 != 0
	return err
}

func (c *ShutdownComplete) Marshal() ([]byte, error) {
	var flags uint8
	if c.Reflected {
		flags = 0x01
	}
	return marshalHeader(ChunkTypeShutdownComplete, flags, 0), nil
}

func (c *ShutdownComplete) String() string {
	return "SHUTDOWN-COMPLETE"
}

// ForwardTSNStream is a skipped ordered stream and its last skipped SSN.
type ForwardTSNStream struct {
	Identifier uint16
	Sequence   uint16
}

// ForwardTSN tells the peer to move its cumulative TSN past abandoned data.
type ForwardTSN struct {
	NewCumulativeTSN uint32
	Streams          []ForwardTSNStream
}

func (c *ForwardTSN) Type() ChunkType {
	return ChunkTypeForwardTSN
}

func (c *ForwardTSN) Size() int {
	return ChunkHeaderSize + 4 + 4*len(c.Streams)
}

func (c *ForwardTSN) Unmarshal(raw []byte) error {
	_, value, err := parseHeader(raw, ChunkTypeForwardTSN, 4)
	if err != nil {
		return err
	}
	if (len(value)-4)%4 != 0 {
		return errors.Wrapf(ErrChunkLength, "FORWARD-TSN value %v", len(value))
	}

	c.NewCumulativeTSN = binary.BigEndian.Uint32(value)
	c.Streams = nil
	for offset := 4; offset < len(value); offset += 4 {
		c.Streams = append(c.Streams, ForwardTSNStream{
			Identifier: binary.BigEndian.Uint16(value[offset:]),
			Sequence:   binary.BigEndian.Uint16(value[offset+2:]),
		})
	}
	return nil
}

func (c *ForwardTSN) Marshal() ([]byte, error) {
	if c.Size() > 0xffff {
		return nil, errors.Wrapf(ErrChunkLength, "FORWARD-TSN size %v", c.Size())
	}

	raw := marshalHeader(ChunkTypeForwardTSN, 0, c.Size()-ChunkHeaderSize)[:c.Size()]
	binary.BigEndian.PutUint32(raw[4:], c.NewCumulativeTSN)
	for i, s := range c.Streams {
		binary.BigEndian.PutUint16(raw[8+4*i:], s.Identifier)
		binary.BigEndian.PutUint16(raw[10+4*i:], s.Sequence)
	}
	return raw, nil
}

func (c *ForwardTSN) String() string {
	return fmt.Sprintf("FORWARD-TSN cum=%v, streams=%v", c.NewCumulativeTSN, c.Streams)
}
