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
	"time"

	"github.com/ossrs/go-oryx-lib/errors"

	"github.com/ossrs/srs-sctp/wire"
)

func (a *Association) localRwnd() uint32 {
	if a.reasm.bytes >= int(a.cfg.ReceiveBufferSize) {
		return 0
	}
	return a.cfg.ReceiveBufferSize - uint32(a.reasm.bytes)
}

// buildSack reports the cumulative TSN, the gap blocks and the duplicates
// received since the last SACK, truncated to maxSize bytes with gap blocks
// first.
func (a *Association) buildSack(maxSize int) *wire.Sack {
	sack := &wire.Sack{
		CumulativeTSNAck: a.tsnMap.cumulative,
		ReceiverWindow:   a.localRwnd(),
		GapAckBlocks:     a.tsnMap.gapBlocks(),
		DuplicateTSNs:    a.tsnMap.takeDuplicates(),
	}

	room := (maxSize - wire.ChunkHeaderSize - wire.SackHeaderSize) / wire.GapAckBlockSize
	if room < 0 {
		room = 0
	}
	if len(sack.GapAckBlocks) > room {
		sack.GapAckBlocks = sack.GapAckBlocks[:room]
	}
	room -= len(sack.GapAckBlocks)
	if len(sack.DuplicateTSNs) > room {
		sack.DuplicateTSNs = sack.DuplicateTSNs[:room]
	}

	return sack
}

// unsentIn is the first TSN in [first, last] the peer cannot have received,
// because it is above the highest sent or still pending.
func (a *Association) unsentIn(first, last uint32) (uint32, bool) {
	if c := a.pendingQ.from(first); c != nil && sna32LTE(c.tsn(), last) {
		return c.tsn(), true
	}
	if sna32GT(last, a.highestSent) {
		return a.highestSent + 1, true
	}
	return 0, false
}

// validateSack rejects a SACK acking TSNs never sent.
func (a *Association) validateSack(s *wire.Sack) error {
	if tsn, ok := a.unsentIn(a.cumAck+1, s.CumulativeTSNAck); ok && sna32GT(s.CumulativeTSNAck, a.cumAck) {
		return errors.Wrapf(ErrProtocolViolation, "cum=%v, tsn %v unsent, highest sent=%v",
			s.CumulativeTSNAck, tsn, a.highestSent)
	}

	for _, g := range s.GapAckBlocks {
		if g.Start == 0 || g.End < g.Start {
			return errors.Wrapf(ErrProtocolViolation, "gap %v", g)
		}
		first, last := s.CumulativeTSNAck+uint32(g.Start), s.CumulativeTSNAck+uint32(g.End)
		if tsn, ok := a.unsentIn(first, last); ok {
			return errors.Wrapf(ErrProtocolViolation, "gap %v over cum=%v, tsn %v unsent, highest sent=%v",
				g, s.CumulativeTSNAck, tsn, a.highestSent)
		}
	}
	return nil
}

// applySack removes the acknowledged chunks from the sent queue, feeds RTT
// and congestion control, strikes missing chunks for fast retransmit and
// moves the advanced peer ack point.
func (a *Association) applySack(s *wire.Sack, now time.Time) error {
	switch a.state {
	case StateOpen, StateShutdownPending, StateShutdownSent, StateShutdownReceived:
	default:
		return nil
	}

	if err := a.validateSack(s); err != nil {
		return err
	}

	// Stale, reordered in the network.
	if sna32LT(s.CumulativeTSNAck, a.cumAck) {
		a.log.Debugf("[%s] stale SACK cum=%v < %v", a.name, s.CumulativeTSNAck, a.cumAck)
		return nil
	}

	flightBefore := make(map[PathID]uint32, len(a.paths))
	for _, p := range a.paths {
		flightBefore[p.id] = p.flight
	}
	acked := make(map[PathID]uint32)

	for c := a.sentQ.front(); c != nil && sna32LTE(c.tsn(), s.CumulativeTSNAck); c = a.sentQ.front() {
		a.ackChunk(c, acked, now)
	}

	highestGap := s.CumulativeTSNAck
	for _, g := range s.GapAckBlocks {
		for offset := uint32(g.Start); offset <= uint32(g.End); offset++ {
			if c := a.sentQ.find(s.CumulativeTSNAck + offset); c != nil && c.state != chunkAbandoned {
				a.ackChunk(c, acked, now)
			}
		}
		if end := s.CumulativeTSNAck + uint32(g.End); sna32GT(end, highestGap) {
			highestGap = end
		}
	}

	cumAdvanced := sna32GT(s.CumulativeTSNAck, a.cumAck)
	a.cumAck = s.CumulativeTSNAck
	if sna32LT(a.advancedPeerAckPoint, a.cumAck) {
		a.advancedPeerAckPoint = a.cumAck
	}

	rwndBefore := a.peerRwnd
	if s.ReceiverWindow > a.totalFlight {
		a.peerRwnd = s.ReceiverWindow - a.totalFlight
	} else {
		a.peerRwnd = 0
	}

	// A duplicate changes nothing, so it is not counted either.
	if cumAdvanced || len(acked) > 0 || len(s.GapAckBlocks) > 0 || a.peerRwnd != rwndBefore {
		a.counters.sacksReceived++
		a.stats.Add(StatSackIn, 1)
	} else {
		a.log.Tracef("[%s] duplicate SACK cum=%v", a.name, s.CumulativeTSNAck)
	}

	if len(acked) > 0 {
		a.errorCount = 0
	}
	for _, p := range a.paths {
		// Recovery ends first, so the lock taken when T3 recovery ends covers this SACK.
		a.updateRecovery(p)
		n, ok := acked[p.id]
		if ok {
			a.recordSuccess(p)
			a.onPathAcked(p, n, flightBefore[p.id], cumAdvanced)
		}

		if p.flight == 0 {
			p.t3.cancel()
		} else if ok {
			p.t3.restart(a, p.rto)
		}
	}

	if len(s.GapAckBlocks) > 0 {
		a.strikeMissing(highestGap, now)
	}

	if a.peerPR {
		a.advancePeerAckPoint()
	}

	a.maybeShutdown(now)
	return nil
}

// ackChunk removes a newly acknowledged chunk from the sent queue.
func (a *Association) ackChunk(c *txChunk, acked map[PathID]uint32, now time.Time) {
	a.sentQ.remove(c)

	if c.state == chunkAbandoned {
		c.state = chunkAcked
		return
	}

	p := a.path(c.path)
	if c.inFlight {
		c.inFlight = false
		a.totalFlight -= c.booked
		if p != nil {
			p.flight -= c.booked
		}
	}
	if c.state == chunkResend {
		a.retransmitCount--
	}
	c.state = chunkAcked

	a.queuedBytes -= c.payload
	if p == nil {
		return
	}
	acked[p.id] += c.booked

	// Karn, only first transmissions are timed.
	if c.timed {
		c.timed = false
		p.rttPending = false
		if c.sends == 1 {
			p.updateRTT(now.Sub(c.sentAt), a.cfg.RTOMin, a.cfg.RTOMax)
		}
	}
}
