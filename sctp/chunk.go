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
	"fmt"
	"sort"
	"time"

	"github.com/ossrs/srs-sctp/wire"
)

type chunkState int

const (
	chunkUnsent chunkState = iota
	chunkSent
	chunkAcked
	chunkResend
	chunkAbandoned
)

func (v chunkState) String() string {
	switch v {
	case chunkUnsent:
		return "Unsent"
	case chunkSent:
		return "Sent"
	case chunkAcked:
		return "Acked"
	case chunkResend:
		return "Resend"
	case chunkAbandoned:
		return "Abandoned"
	default:
		return fmt.Sprintf("chunkState(%d)", int(v))
	}
}

type queueKind int

const (
	queueNone queueKind = iota
	queuePending
	queueSent
	queueControl
)

// txChunk is a transmissible unit owned by exactly one queue.
type txChunk struct {
	// One of them is set.
	data *wire.Data
	ctrl wire.Chunk

	path  PathID
	state chunkState
	queue queueKind

	// Flight and cwnd accounting size, and user bytes of the send buffer.
	booked  uint32
	payload uint32

	sends    int
	sentAt   time.Time
	inFlight bool
	// Whether this transmission is timed for RTT.
	timed bool

	policy   PRPolicy
	deadline time.Time
	priority uint32

	missCount   int
	fastRtx     bool
	windowProbe bool
}

func (c *txChunk) tsn() uint32 {
	return c.data.TSN
}

func (c *txChunk) abandonable(now time.Time, urgency int64) bool {
	switch c.policy {
	case PRTimed:
		return !c.deadline.After(now)
	case PRBuffer:
		return urgency >= 0 && int64(c.priority) >= urgency
	}
	return false
}

func (c *txChunk) String() string {
	if c.data == nil {
		return fmt.Sprintf("ctrl(%v, path#%v)", c.ctrl.Type(), c.path)
	}
	return fmt.Sprintf("tsn=%v(%v, path#%v, %vB)", c.data.TSN, c.state, c.path, c.booked)
}

// chunkQueue keeps DATA chunks sorted by TSN, or control chunks in FIFO.
type chunkQueue struct {
	kind   queueKind
	chunks []*txChunk
}

func newChunkQueue(kind queueKind) *chunkQueue {
	return &chunkQueue{kind: kind}
}

func (q *chunkQueue) size() int {
	return len(q.chunks)
}

func (q *chunkQueue) front() *txChunk {
	if len(q.chunks) == 0 {
		return nil
	}
	return q.chunks[0]
}

// push appends c, for control chunks.
func (q *chunkQueue) push(c *txChunk) {
	c.queue = q.kind
	q.chunks = append(q.chunks, c)
}

// insert places c by TSN. Chunks mostly arrive in order, so look from the back.
func (q *chunkQueue) insert(c *txChunk) {
	c.queue = q.kind
	i := len(q.chunks)
	for i > 0 && sna32GT(q.chunks[i-1].tsn(), c.tsn()) {
		i--
	}
	q.chunks = append(q.chunks, nil)
	copy(q.chunks[i+1:], q.chunks[i:])
	q.chunks[i] = c
}

func (q *chunkQueue) index(c *txChunk) int {
	for i, v := range q.chunks {
		if v == c {
			return i
		}
	}
	return -1
}

func (q *chunkQueue) remove(c *txChunk) bool {
	i := q.index(c)
	if i < 0 {
		return false
	}
	q.chunks = append(q.chunks[:i], q.chunks[i+1:]...)
	c.queue = queueNone
	return true
}

// find looks up tsn in a TSN-sorted queue.
func (q *chunkQueue) find(tsn uint32) *txChunk {
	i := sort.Search(len(q.chunks), func(i int) bool {
		return sna32GTE(q.chunks[i].tsn(), tsn)
	})
	if i < len(q.chunks) && q.chunks[i].tsn() == tsn {
		return q.chunks[i]
	}
	return nil
}

// from is the first chunk with TSN at or above tsn, in a TSN-sorted queue.
func (q *chunkQueue) from(tsn uint32) *txChunk {
	i := sort.Search(len(q.chunks), func(i int) bool {
		return sna32GTE(q.chunks[i].tsn(), tsn)
	})
	if i < len(q.chunks) {
		return q.chunks[i]
	}
	return nil
}

// snapshot is a copy of the chunks, safe to iterate while moving chunks.
func (q *chunkQueue) snapshot() []*txChunk {
	return append([]*txChunk(nil), q.chunks...)
}

func (q *chunkQueue) drain() []*txChunk {
	chunks := q.chunks
	q.chunks = nil
	for _, c := range chunks {
		c.queue = queueNone
	}
	return chunks
}

// release moves a pending chunk to the sent queue, where the peer may ack it.
func (a *Association) release(c *txChunk) {
	transfer(c, a.pendingQ, a.sentQ)
	if sna32GT(c.tsn(), a.highestSent) {
		a.highestSent = c.tsn()
	}
}

// transfer moves c between queues under the association lock.
func transfer(c *txChunk, from, to *chunkQueue) {
	from.remove(c)
	if to.kind == queueControl {
		to.push(c)
	} else {
		to.insert(c)
	}
}
