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

/*
Data represents a DATA chunk.

	0                   1                   2                   3
	0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|   Type = 0    | Reserved|I|U|B|E|         Length                |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|                              TSN                              |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|      Stream Identifier S      |   Stream Sequence Number n    |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|                  Payload Protocol Identifier                  |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	\                                                               \
	/                 User Data (seq n of Stream S)                 /
	\                                                               \
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
*/
type Data struct {
	Unordered         bool
	Beginning         bool
	Ending            bool
	Immediate         bool
	TSN               uint32
	StreamID          uint16
	StreamSequence    uint16
	PayloadProtocolID uint32
	UserData          []byte
}

// DataHeaderSize is the DATA chunk header, without the chunk header.
const DataHeaderSize = 12

const (
	dataFlagEnding    = 0x01
	dataFlagBeginning = 0x02
	dataFlagUnordered = 0x04
	dataFlagImmediate = 0x08
)

func (c *Data) Type() ChunkType {
	return ChunkTypeData
}

func (c *Data) Size() int {
	return ChunkHeaderSize + DataHeaderSize + len(c.UserData)
}

func (c *Data) Unmarshal(raw []byte) error {
	flags, value, err := parseHeader(raw, ChunkTypeData, DataHeaderSize)
	if err != nil {
		return err
	}
	if len(value) == DataHeaderSize {
		return errors.Wrapf(ErrDataEmpty, "tsn=%v", binary.BigEndian.Uint32(value))
	}

	c.Ending = flags&dataFlagEnding != 0
	c.Beginning = flags&dataFlagBeginning != 0
	c.Unordered = flags&dataFlagUnordered != 0
	c.Immediate = flags&dataFlagImmediate != 0

	c.TSN = binary.BigEndian.Uint32(value[0:])
	c.StreamID = binary.BigEndian.Uint16(value[4:])
	c.StreamSequence = binary.BigEndian.Uint16(value[6:])
	c.PayloadProtocolID = binary.BigEndian.Uint32(value[8:])
	c.UserData = append([]byte(nil), value[DataHeaderSize:]...)

	return nil
}

func (c *Data) Marshal() ([]byte, error) {
	if len(c.UserData) == 0 {
		return nil, errors.Wrapf(ErrDataEmpty, "tsn=%v", c.TSN)
	}
	if c.Size() > 0xffff {
		return nil, errors.Wrapf(ErrChunkLength, "DATA size %v", c.Size())
	}

	var flags uint8
	if c.Ending {
		flags |= dataFlagEnding
	}
	if c.Beginning {
		flags |= dataFlagBeginning
	}
	if c.Unordered {
		flags |= dataFlagUnordered
	}
	if c.Immediate {
		flags |= dataFlagImmediate
	}

	raw := marshalHeader(ChunkTypeData, flags, DataHeaderSize+len(c.UserData))
	raw = raw[:ChunkHeaderSize+DataHeaderSize]
	binary.BigEndian.PutUint32(raw[4:], c.TSN)
	binary.BigEndian.PutUint16(raw[8:], c.StreamID)
	binary.BigEndian.PutUint16(raw[10:], c.StreamSequence)
	binary.BigEndian.PutUint32(raw[12:], c.PayloadProtocolID)
	return append(raw, c.UserData...), nil
}

func (c *Data) String() string {
	return fmt.Sprintf("DATA tsn=%v, sid=%v, ssn=%v, ppid=%v, B=%v, E=%v, U=%v, %dB",
		c.TSN, c.StreamID, c.StreamSequence, c.PayloadProtocolID, c.Beginning, c.Ending, c.Unordered, len(c.UserData))
}
