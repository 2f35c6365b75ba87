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

	"github.com/ossrs/srs-sctp/wire"
)

// pruneExpired abandons stale data: timed chunks past their deadline, and,
// when urgency is not negative, buffer-policy chunks whose priority is not
// more urgent than it. Sent chunks go first, then pending ones, then queued
// messages. It stops once needed bytes are freed, or scans everything when
// needed is not positive, and returns the bytes freed.
func (a *Association) pruneExpired(now time.Time, needed int, urgency int64) int {
	freed := 0
	done := func() bool {
		return needed > 0 && freed >= needed
	}

	for _, c := range a.sentQ.snapshot() {
		if done() {
			break
		}
		if c.state == chunkAbandoned || !c.abandonable(now, urgency) {
			continue
		}
		freed += int(c.payload)
		a.abandon(c)
	}

	for _, c := range a.pendingQ.snapshot() {
		if done() {
			break
		}
		if !c.abandonable(now, urgency) {
			continue
		}
		freed += int(c.payload)
		a.release(c)
		a.abandon(c)
	}

	ids := make([]int, 0, len(a.streams))
	for id := range a.streams {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	for _, id := range ids {
		s := a.streams[uint16(id)]
		kept := s.queue[:0]
		for _, m := range s.queue {
			if done() || !messageAbandonable(m, now, urgency) {
				kept = append(kept, m)
				continue
			}
			freed += len(m.data)
			s.bytes -= len(m.data)
			a.queuedBytes -= uint32(len(m.data))
			a.counters.abandoned++
			a.stats.Add(StatAbandoned, 1)
			a.notify(&Notification{Type: NotifySendFailed, StreamID: s.id, Length: len(m.data)})
		}
		for i := len(kept); i < len(s.queue); i++ {
			s.queue[i] = nil
		}
		s.queue = kept
		if s.head() == nil {
			a.wheel.remove(s)
		}
	}

	if freed > 0 {
		a.log.Debugf("[%s] pruned %vB, needed %v, urgency %v", a.name, freed, needed, urgency)
		a.advancePeerAckPoint()
	}
	return freed
}

func messageAbandonable(m *outMessage, now time.Time, urgency int64) bool {
	c := txChunk{policy: m.policy, deadline: m.deadline, priority: m.priority}
	return c.abandonable(now, urgency)
}

// abandon gives up c, which must be in the sent queue, releasing its flight
// and storage. It stays there until the peer acks past it.
func (a *Association) abandon(c *txChunk) {
	if c.inFlight {
		c.inFlight = false
		a.totalFlight -= c.booked
		if p := a.path(c.path); p != nil {
			p.flight -= c.booked
			if p.flight == 0 {
				p.t3.cancel()
			}
		}
	}
	if c.timed {
		c.timed = false
		if p := a.path(c.path); p != nil {
			p.rttPending = false
		}
	}
	if c.state == chunkResend {
		a.retransmitCount--
	}

	sent := c.sends > 0
	c.state = chunkAbandoned
	c.data.UserData = nil
	a.queuedBytes -= c.payload

	a.counters.abandoned++
	a.stats.Add(StatAbandoned, 1)
	a.notify(&Notification{Type: NotifySendFailed, StreamID: c.data.StreamID, Length: int(c.payload), Sent: sent})
}

// advancePeerAckPoint moves over abandoned chunks and TSNs already acked,
// stopping at a reliable chunk or at the first TSN not yet sent. A FORWARD-TSN
// is queued when it passes the cumulative ack.
func (a *Association) advancePeerAckPoint() {
	if sna32LT(a.advancedPeerAckPoint, a.cumAck) {
		a.advancedPeerAckPoint = a.cumAck
	}

	bound := a.nextTSN
	if c := a.pendingQ.front(); c != nil {
		bound = c.tsn()
	}

	for _, c := range a.sentQ.chunks {
		if sna32LTE(c.tsn(), a.advancedPeerAckPoint) {
			continue
		}
		if sna32GTE(c.tsn(), bound) || c.state != chunkAbandoned {
			break
		}
		a.advancedPeerAckPoint = c.tsn()
	}

	if a.peerPR && sna32GT(a.advancedPeerAckPoint, a.cumAck) {
		a.fwdTSNPending = true
	}
}

// createForwardTSN names the advanced peer ack point and the last skipped
// SSN of every ordered stream below it.
func (a *Association) createForwardTSN() *wire.ForwardTSN {
	if !sna32GT(a.advancedPeerAckPoint, a.cumAck) {
		return nil
	}

	ssns := make(map[uint16]uint16)
	for _, c := range a.sentQ.chunks {
		if sna32GT(c.tsn(), a.advancedPeerAckPoint) {
			break
		}
		if c.state != chunkAbandoned || c.data.Unordered {
			continue
		}
		if ssn, ok := ssns[c.data.StreamID]; !ok || sna16LT(ssn, c.data.StreamSequence) {
			ssns[c.data.StreamID] = c.data.StreamSequence
		}
	}

	fwd := &wire.ForwardTSN{NewCumulativeTSN: a.advancedPeerAckPoint}
	for sid, ssn := range ssns {
		fwd.Streams = append(fwd.Streams, wire.ForwardTSNStream{Identifier: sid, Sequence: ssn})
	}
	sort.Slice(fwd.Streams, func(i, j int) bool {
		return fwd.Streams[i].Identifier < fwd.Streams[j].Identifier
	})
	return fwd
}

// armPRTimer fires at the earliest deadline of timed data, or one RTO later
// when a FORWARD-TSN is still unanswered.
func (a *Association) armPRTimer(now time.Time) {
	var earliest time.Time
	consider := func(policy PRPolicy, deadline time.Time) {
		if policy == PRTimed && (earliest.IsZero() || deadline.Before(earliest)) {
			earliest = deadline
		}
	}

	for _, q := range []*chunkQueue{a.sentQ, a.pendingQ} {
		for _, c := range q.chunks {
			if c.state != chunkAbandoned {
				consider(c.policy, c.deadline)
			}
		}
	}
	for _, s := range a.wheel.streams {
		for _, m := range s.queue {
			consider(m.policy, m.deadline)
		}
	}
	if sna32GT(a.advancedPeerAckPoint, a.cumAck) {
		if p := a.primaryPath(); p != nil {
			consider(PRTimed, now.Add(p.rto))
		}
	}

	if earliest.IsZero() {
		a.prTimer.cancel()
		return
	}
	if a.prTimer.armed && !a.prTimer.deadline.After(earliest) {
		return
	}

	d := earliest.Sub(now)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	a.prTimer.restart(a, d)
}

func (a *Association) onPRTimeout(now time.Time) {
	a.pruneExpired(now, 0, -1)
	a.advancePeerAckPoint()
	a.armPRTimer(now)
}
