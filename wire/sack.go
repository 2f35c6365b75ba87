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
Sack represents a SACK chunk.

	0                   1                   2                   3
	0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|   Type = 3    |Chunk  Flags   |      Chunk Length             |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|                      Cumulative TSN Ack                       |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|          Advertised Receiver Window Credit (a_rwnd)           |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	| Number of Gap Ack Blocks = N  |  Number of Duplicate TSNs = X |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|  Gap Ack Block #1 Start       |   Gap Ack Block #1 End        |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|                       Duplicate TSN 1                         |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
*/
type Sack struct {
	CumulativeTSNAck uint32
	ReceiverWindow   uint32
	GapAckBlocks     []GapAckBlock
	DuplicateTSNs    []uint32
}

// GapAckBlock is a received range, as offsets from the cumulative TSN ack.
type GapAckBlock struct {
	Start uint16
	End   uint16
}

func (g GapAckBlock) String() string {
	return fmt.Sprintf("%d-%d", g.Start, g.End)
}

const (
	// SackHeaderSize is the SACK header, without the chunk header.
	SackHeaderSize = 12
	// GapAckBlockSize is the size of one gap block, also of one duplicate TSN.
	GapAckBlockSize = 4
)

func (c *Sack) Type() ChunkType {
	return ChunkTypeSack
}

func (c *Sack) Size() int {
	return ChunkHeaderSize + SackHeaderSize + GapAckBlockSize*(len(c.GapAckBlocks)+len(c.DuplicateTSNs))
}

func (c *Sack) Unmarshal(raw []byte) error {
	_, value, err := parseHeader(raw, ChunkTypeSack, SackHeaderSize)
	if err != nil {
		return err
	}

	c.CumulativeTSNAck = binary.BigEndian.Uint32(value[0:])
	c.ReceiverWindow = binary.BigEndian.Uint32(value[4:])
	nGaps := int(binary.BigEndian.Uint16(value[8:]))
	nDups := int(binary.BigEndian.Uint16(value[10:]))

	if want := SackHeaderSize + GapAckBlockSize*(nGaps+nDups); len(value) < want {
		return errors.Wrapf(ErrChunkLength, "SACK gaps=%v, dups=%v need %v, got %v", nGaps, nDups, want, len(value))
	}

	c.GapAckBlocks, c.DuplicateTSNs = nil, nil

	offset := SackHeaderSize
	for i := 0; i < nGaps; i++ {
		g := GapAckBlock{
			Start: binary.BigEndian.Uint16(value[offset:]),
			End:   binary.BigEndian.Uint16(value[offset+2:]),
		}
		if g.Start == 0 || g.End < g.Start {
			return errors.Wrapf(ErrSackGapBlock, "#%v %v", i, g)
		}
		c.GapAckBlocks = append(c.GapAckBlocks, g)
		offset += GapAckBlockSize
	}

	for i := 0; i < nDups; i++ {
		c.DuplicateTSNs = append(c.DuplicateTSNs, binary.BigEndian.Uint32(value[offset:]))
		offset += GapAckBlockSize
	}

	return nil
}

func (c *Sack) Marshal() ([]byte, error) {
	if c.Size() > 0xffff {
		return nil, errors.Wrapf(ErrChunkLength, "SACK size %v", c.Size())
	}

	valueSize := c.Size() - ChunkHeaderSize
	raw := marshalHeader(ChunkTypeSack, 0, valueSize)[:c.Size()]
	binary.BigEndian.PutUint32(raw[4:], c.CumulativeTSNAck)
	binary.BigEndian.PutUint32(raw[8:], c.ReceiverWindow)
	binary.BigEndian.PutUint16(raw[12:], uint16(len(c.GapAckBlocks)))
	binary.BigEndian.PutUint16(raw[14:], uint16(len(c.DuplicateTSNs)))

	offset := ChunkHeaderSize + SackHeaderSize
	for _, g := range c.GapAckBlocks {
		binary.BigEndian.PutUint16(raw[offset:], g.Start)
		binary.BigEndian.PutUint16(raw[offset+2:], g.End)
		offset += GapAckBlockSize
	}
	for _, tsn := range c.DuplicateTSNs {
		binary.BigEndian.PutUint32(raw[offset:], tsn)
		offset += GapAckBlockSize
	}

	return raw, nil
}

func (c *Sack) String() string {
	return fmt.Sprintf("SACK cum=%v, a_rwnd=%v, gaps=%v, dups=%v",
		c.CumulativeTSNAck, c.ReceiverWindow, c.GapAckBlocks, c.DuplicateTSNs)
}
