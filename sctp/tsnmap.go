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
package sctp

import "github.com/ossrs/srs-sctp/wire"

// Gap offsets are 16 bits, TSNs further ahead cannot be reported.
const maxGapOffset = 0xffff

// Duplicates kept for the next SACK.
const maxDuplicates = 128

// tsnMap is the receiver bitmap of TSNs above the cumulative TSN.
type tsnMap struct {
	// Highest TSN received in sequence.
	cumulative uint32
	// TSN of bit 0, never above cumulative+1.
	base uint32
	bits []uint64
	dups []uint32
}

func newTSNMap(peerInitialTSN uint32) *tsnMap {
	return &tsnMap{cumulative: peerInitialTSN - 1, base: peerInitialTSN}
}

func (m *tsnMap) bit(offset uint32) bool {
	i := offset / 64
	if int(i) >= len(m.bits) {
		return false
	}
	return m.bits[i]&(1<<(offset%64)) != 0
}

func (m *tsnMap) has(tsn uint32) bool {
	if sna32LTE(tsn, m.cumulative) {
		return true
	}
	return m.bit(tsn - m.base)
}

// inWindow is whether tsn can be tracked and reported in a gap block.
func (m *tsnMap) inWindow(tsn uint32) bool {
	return sna32LTE(tsn, m.cumulative) || tsn-m.cumulative <= maxGapOffset
}

// mark records tsn, returning false for a duplicate.
func (m *tsnMap) mark(tsn uint32) bool {
	if m.has(tsn) {
		if len(m.dups) < maxDuplicates {
			m.dups = append(m.dups, tsn)
		}
		return false
	}

	offset := tsn - m.base
	for int(offset/64) >= len(m.bits) {
		m.bits = append(m.bits, 0)
	}
	m.bits[offset/64] |= 1 << (offset % 64)

	m.advance()
	return true
}

func (m *tsnMap) advance() {
	for m.bit(m.cumulative + 1 - m.base) {
		m.cumulative++
	}
	m.compact()
}

// compact drops the words entirely at or below the cumulative TSN.
func (m *tsnMap) compact() {
	for len(m.bits) > 0 && sna32GTE(m.cumulative, m.base+63) {
		m.bits = m.bits[1:]
		m.base += 64
	}
	if len(m.bits) == 0 {
		m.base = m.cumulative + 1
	}
}

// forward moves the cumulative TSN to newCumulative, for a FORWARD-TSN.
func (m *tsnMap) forward(newCumulative uint32) {
	if sna32LTE(newCumulative, m.cumulative) {
		return
	}
	m.cumulative = newCumulative
	m.compact()
	m.advance()
}

// gapBlocks are the received ranges above the cumulative TSN.
func (m *tsnMap) gapBlocks() []wire.GapAckBlock {
	var blocks []wire.GapAckBlock
	var start uint32
	in := false

	first := m.cumulative + 1 - m.base
	last := uint32(len(m.bits) * 64)
	for offset := first; offset < last; offset++ {
		tsn := m.base + offset
		if set := m.bit(offset); set && !in {
			in, start = true, tsn
		} else if !set && in {
			in = false
			blocks = append(blocks, wire.GapAckBlock{
				Start: uint16(start - m.cumulative), End: uint16(tsn - 1 - m.cumulative),
			})
		}
	}
	if in {
		blocks = append(blocks, wire.GapAckBlock{
			Start: uint16(start - m.cumulative), End: uint16(m.base + last - 1 - m.cumulative),
		})
	}

	return blocks
}

func (m *tsnMap) takeDuplicates() []uint32 {
	dups := m.dups
	m.dups = nil
	return dups
}
