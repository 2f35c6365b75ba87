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
	"github.com/ossrs/go-oryx-lib/errors"
)

// audit checks the invariants of the queues and the flight counters.
func (a *Association) audit() error {
	seen := make(map[*txChunk]queueKind)
	for _, q := range []*chunkQueue{a.pendingQ, a.sentQ, a.controlQ} {
		for _, c := range q.chunks {
			if prev, ok := seen[c]; ok {
				return errors.Wrapf(ErrAuditFailed, "%v in queue %v and %v", c, prev, q.kind)
			}
			seen[c] = q.kind
			if c.queue != q.kind {
				return errors.Wrapf(ErrAuditFailed, "%v tagged %v in queue %v", c, c.queue, q.kind)
			}
		}
	}

	flights := make(map[PathID]uint32)
	var total uint32
	resend := 0
	for i, c := range a.sentQ.chunks {
		if !sna32GT(c.tsn(), a.cumAck) {
			return errors.Wrapf(ErrAuditFailed, "%v not above cum=%v", c, a.cumAck)
		}
		if i > 0 && !sna32GT(c.tsn(), a.sentQ.chunks[i-1].tsn()) {
			return errors.Wrapf(ErrAuditFailed, "%v out of order", c)
		}
		if c.inFlight {
			flights[c.path] += c.booked
			total += c.booked
		}
		if c.state == chunkResend {
			resend++
		}
	}
	for _, c := range a.pendingQ.chunks {
		if c.inFlight || c.state != chunkUnsent {
			return errors.Wrapf(ErrAuditFailed, "pending %v in flight", c)
		}
		if !sna32GT(c.tsn(), a.cumAck) {
			return errors.Wrapf(ErrAuditFailed, "pending %v not above cum=%v", c, a.cumAck)
		}
	}

	if total != a.totalFlight {
		return errors.Wrapf(ErrAuditFailed, "flight %v, counted %v", a.totalFlight, total)
	}
	var sum uint32
	for _, p := range a.paths {
		if p.flight != flights[p.id] {
			return errors.Wrapf(ErrAuditFailed, "%v flight %v, counted %v", p, p.flight, flights[p.id])
		}
		if p.cwnd < p.mtu {
			return errors.Wrapf(ErrAuditFailed, "%v cwnd %v below mtu %v", p, p.cwnd, p.mtu)
		}
		sum += p.flight
	}
	if sum != a.totalFlight {
		return errors.Wrapf(ErrAuditFailed, "paths flight %v, total %v", sum, a.totalFlight)
	}

	if resend != a.retransmitCount {
		return errors.Wrapf(ErrAuditFailed, "retransmit count %v, marked %v", a.retransmitCount, resend)
	}
	return nil
}
