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

import (
	"sort"

	"github.com/ossrs/srs-sctp/wire"
)

// inStream holds the fragments of ordered messages of one inbound stream.
type inStream struct {
	nextSSN uint16
	// Fragments by SSN, sorted by TSN.
	pending map[uint16][]*wire.Data
}

// reassembly rebuilds inbound messages from DATA chunks. Ordered messages are
// delivered by SSN, unordered ones as soon as they are complete.
type reassembly struct {
	streams   map[uint16]*inStream
	unordered []*wire.Data
	// User bytes held, counted against the local receive window.
	bytes int
}

func newReassembly() *reassembly {
	return &reassembly{streams: make(map[uint16]*inStream)}
}

func (r *reassembly) stream(id uint16) *inStream {
	s, ok := r.streams[id]
	if !ok {
		s = &inStream{pending: make(map[uint16][]*wire.Data)}
		r.streams[id] = s
	}
	return s
}

// insertByTSN adds d to the sorted fragments, false if it is there already.
func insertByTSN(frags []*wire.Data, d *wire.Data) ([]*wire.Data, bool) {
	i := sort.Search(len(frags), func(i int) bool {
		return sna32GTE(frags[i].TSN, d.TSN)
	})
	if i < len(frags) && frags[i].TSN == d.TSN {
		return frags, false
	}
	frags = append(frags, nil)
	copy(frags[i+1:], frags[i:])
	frags[i] = d
	return frags, true
}

// complete is whether frags, sorted by TSN, form exactly one message.
func complete(frags []*wire.Data) bool {
	if len(frags) == 0 || !frags[0].Beginning || !frags[len(frags)-1].Ending {
		return false
	}
	for i := 1; i < len(frags); i++ {
		if frags[i].TSN != frags[i-1].TSN+1 || frags[i].Beginning {
			return false
		}
	}
	return true
}

func (r *reassembly) assemble(frags []*wire.Data, ssn uint16) *Message {
	size := 0
	for _, d := range frags {
		size += len(d.UserData)
	}

	m := &Message{
		StreamID:  frags[0].StreamID,
		SSN:       ssn,
		PPID:      frags[len(frags)-1].PayloadProtocolID,
		Unordered: frags[0].Unordered,
		Data:      make([]byte, 0, size),
	}
	for _, d := range frags {
		m.Data = append(m.Data, d.UserData...)
	}
	return m
}

// push takes a new DATA chunk and returns the messages it completes, in
// delivery order.
func (r *reassembly) push(d *wire.Data) []*Message {
	if d.Unordered {
		return r.pushUnordered(d)
	}

	s := r.stream(d.StreamID)
	if sna16LT(d.StreamSequence, s.nextSSN) {
		return nil
	}

	frags, ok := insertByTSN(s.pending[d.StreamSequence], d)
	if !ok {
		return nil
	}
	s.pending[d.StreamSequence] = frags
	r.bytes += len(d.UserData)

	return r.deliverOrdered(s)
}

func (r *reassembly) deliverOrdered(s *inStream) []*Message {
	var msgs []*Message
	for {
		frags := s.pending[s.nextSSN]
		if !complete(frags) {
			return msgs
		}

		msgs = append(msgs, r.assemble(frags, s.nextSSN))
		for _, d := range frags {
			r.bytes -= len(d.UserData)
		}
		delete(s.pending, s.nextSSN)
		s.nextSSN++
	}
}

func (r *reassembly) pushUnordered(d *wire.Data) []*Message {
	if d.Beginning && d.Ending {
		return []*Message{r.assemble([]*wire.Data{d}, d.StreamSequence)}
	}

	frags, ok := insertByTSN(r.unordered, d)
	if !ok {
		return nil
	}
	r.unordered = frags
	r.bytes += len(d.UserData)

	// Look for the run of consecutive TSNs around d.
	i := sort.Search(len(frags), func(i int) bool {
		return sna32GTE(frags[i].TSN, d.TSN)
	})
	start := i
	for start > 0 && !frags[start].Beginning && frags[start-1].TSN+1 == frags[start].TSN {
		start--
	}
	end := i
	for end < len(frags)-1 && !frags[end].Ending && frags[end+1].TSN == frags[end].TSN+1 {
		end++
	}
	if !complete(frags[start : end+1]) {
		return nil
	}

	m := r.assemble(frags[start:end+1], d.StreamSequence)
	for _, f := range frags[start : end+1] {
		r.bytes -= len(f.UserData)
	}
	r.unordered = append(frags[:start], frags[end+1:]...)
	return []*Message{m}
}

// forward drops the fragments skipped by a FORWARD-TSN to newCumulative and
// moves the ordered streams past the skipped SSNs. It returns the messages
// that become deliverable.
func (r *reassembly) forward(newCumulative uint32, streams []wire.ForwardTSNStream) []*Message {
	kept := r.unordered[:0]
	for _, d := range r.unordered {
		if sna32LTE(d.TSN, newCumulative) {
			r.bytes -= len(d.UserData)
			continue
		}
		kept = append(kept, d)
	}
	r.unordered = kept

	var msgs []*Message
	for _, v := range streams {
		s := r.stream(v.Identifier)
		for ssn, frags := range s.pending {
			if sna16LTE(ssn, v.Sequence) {
				for _, d := range frags {
					r.bytes -= len(d.UserData)
				}
				delete(s.pending, ssn)
			}
		}
		if sna16LTE(s.nextSSN, v.Sequence) {
			s.nextSSN = v.Sequence + 1
		}
		msgs = append(msgs, r.deliverOrdered(s)...)
	}
	return msgs
}
