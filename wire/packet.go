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

// Package wire is the SCTP packet codec: a common header followed by a list of
// tagged chunk variants, each validated before its payload is interpreted.
package wire

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/pkg/errors"
)

/*
Packet represents an SCTP packet, the common header plus chunks.

	0                   1                   2                   3
	0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|     Source Port Number        |     Destination Port Number   |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|                      Verification Tag                         |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|                           Checksum                            |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
*/
type Packet struct {
	SourcePort      uint16
	DestinationPort uint16
	VerificationTag uint32
	Chunks          []Chunk
}

const (
	// CommonHeaderSize is the size of the SCTP common header.
	CommonHeaderSize = 12
	// ChunkHeaderSize is the size of a chunk header, type, flags and length.
	ChunkHeaderSize = 4
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli) // nolint:gochecknoglobals

var fourZeroes [4]byte // nolint:gochecknoglobals

// Unmarshal parses raw into the packet, verifying the checksum first.
func (p *Packet) Unmarshal(raw []byte) error {
	if len(raw) < CommonHeaderSize {
		return errors.Wrapf(ErrPacketTooShort, "%v < %v", len(raw), CommonHeaderSize)
	}

	theirs := binary.LittleEndian.Uint32(raw[8:])
	if ours := Checksum(raw); theirs != ours {
		return errors.Wrapf(ErrChecksumMismatch, "theirs=%#x, ours=%#x", theirs, ours)
	}

	p.SourcePort = binary.BigEndian.Uint16(raw[0:])
	p.DestinationPort = binary.BigEndian.Uint16(raw[2:])
	p.VerificationTag = binary.BigEndian.Uint32(raw[4:])
	p.Chunks = nil

	offset := CommonHeaderSize
	for offset < len(raw) {
		// Garbage shorter than a chunk header.
		if len(raw)-offset < ChunkHeaderSize {
			if err := checkZeroes(raw[offset:]); err != nil {
				return errors.Wrapf(err, "trailing at %v", offset)
			}
			break
		}

		c, err := ParseChunk(raw[offset:])
		if err != nil {
			return errors.Wrapf(err, "chunk #%v at %v", len(p.Chunks), offset)
		}
		p.Chunks = append(p.Chunks, c)

		length := int(binary.BigEndian.Uint16(raw[offset+2:]))
		end := offset + length
		pad := end + padding(length)
		if pad > len(raw) {
			pad = len(raw)
		}
		if err := checkZeroes(raw[end:pad]); err != nil {
			return errors.Wrapf(err, "chunk #%v %v", len(p.Chunks)-1, c.Type())
		}
		offset = pad
	}

	return nil
}

// Marshal serializes the packet and fills the checksum.
func (p *Packet) Marshal() ([]byte, error) {
	raw := make([]byte, CommonHeaderSize, p.Size())
	binary.BigEndian.PutUint16(raw[0:], p.SourcePort)
	binary.BigEndian.PutUint16(raw[2:], p.DestinationPort)
	binary.BigEndian.PutUint32(raw[4:], p.VerificationTag)

	for i, c := range p.Chunks {
		b, err := c.Marshal()
		if err != nil {
			return nil, errors.Wrapf(err, "marshal chunk #%v %v", i, c.Type())
		}
		raw = append(raw, b...)
		if n := padding(len(b)); n > 0 {
			raw = append(raw, make([]byte, n)...)
		}
	}

	binary.LittleEndian.PutUint32(raw[8:], Checksum(raw))
	return raw, nil
}

// Size is the serialized size of the packet, including chunk padding.
func (p *Packet) Size() int {
	n := CommonHeaderSize
	for _, c := range p.Chunks {
		n += PaddedSize(c)
	}
	return n
}

func (p *Packet) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Packet sport=%v, dport=%v, vtag=%#x",
		p.SourcePort, p.DestinationPort, p.VerificationTag))
	for _, c := range p.Chunks {
		sb.WriteString(", ")
		sb.WriteString(c.String())
	}
	return sb.String()
}

// Checksum is the CRC32c over raw with the checksum field taken as zero.
func Checksum(raw []byte) uint32 {
	var sum uint32
	sum = crc32.Update(sum, castagnoliTable, raw[0:8])
	sum = crc32.Update(sum, castagnoliTable, fourZeroes[:])
	sum = crc32.Update(sum, castagnoliTable, raw[12:])
	return sum
}

// PaddedSize is the on-wire size of c, aligned to 4 bytes.
func PaddedSize(c Chunk) int {
	n := c.Size()
	return n + padding(n)
}

func padding(n int) int {
	return (4 - n%4) % 4
}

func checkZeroes(b []byte) error {
	for _, v := range b {
		if v != 0 {
			return ErrNonZeroPadding
		}
	}
	return nil
}
