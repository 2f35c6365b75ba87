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
	"time"
)

// outMessage is a user message not yet split into chunks.
type outMessage struct {
	data      []byte
	ppid      uint32
	unordered bool
	policy    PRPolicy
	deadline  time.Time
	priority  uint32
	// Destination override, zero for the primary.
	dest PathID
}

type outStream struct {
	id      uint16
	nextSSN uint16
	queue   []*outMessage
	bytes   int
	onWheel bool
}

func (s *outStream) head() *outMessage {
	if len(s.queue) == 0 {
		return nil
	}
	return s.queue[0]
}

func (s *outStream) pop() *outMessage {
	m := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.bytes -= len(m.data)
	return m
}

// streamWheel is the round-robin over streams with queued messages, sorted
// by stream id.
type streamWheel struct {
	streams []*outStream
	// The last serviced stream, -1 before the first one.
	last int
}

func newStreamWheel() *streamWheel {
	return &streamWheel{last: -1}
}

func (w *streamWheel) empty() bool {
	return len(w.streams) == 0
}

func (w *streamWheel) add(s *outStream) {
	if s.onWheel {
		return
	}
	s.onWheel = true
	i := sort.Search(len(w.streams), func(i int) bool {
		return w.streams[i].id >= s.id
	})
	w.streams = append(w.streams, nil)
	copy(w.streams[i+1:], w.streams[i:])
	w.streams[i] = s
}

func (w *streamWheel) remove(s *outStream) {
	if !s.onWheel {
		return
	}
	s.onWheel = false
	for i, v := range w.streams {
		if v == s {
			w.streams = append(w.streams[:i], w.streams[i+1:]...)
			return
		}
	}
}

// next returns the first stream after the last serviced one that matches.
func (w *streamWheel) next(match func(s *outStream) bool) *outStream {
	n := len(w.streams)
	start := sort.Search(n, func(i int) bool {
		return int(w.streams[i].id) > w.last
	})
	for i := 0; i < n; i++ {
		if s := w.streams[(start+i)%n]; match(s) {
			return s
		}
	}
	return nil
}
