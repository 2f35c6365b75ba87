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

import "time"

// Strikes before a missing chunk is fast retransmitted.
const fastRetransmitStrikes = 3

// markResend takes c out of flight and queues it for retransmission.
func (a *Association) markResend(c *txChunk) {
	if c.inFlight {
		c.inFlight = false
		a.totalFlight -= c.booked
		if p := a.path(c.path); p != nil {
			p.flight -= c.booked
		}
	}
	if c.timed {
		c.timed = false
		if p := a.path(c.path); p != nil {
			p.rttPending = false
		}
	}
	if c.state != chunkResend {
		a.retransmitCount++
	}
	c.state = chunkResend
	c.missCount = 0
}

// onT3Timeout handles the retransmission timer of p: expired chunks are
// abandoned, chunks older than one RTO are marked for resend, cwnd collapses
// and the RTO backs off. Too many timeouts take the path or the association
// down.
func (a *Association) onT3Timeout(p *Path, now time.Time) {
	a.counters.t3Timeouts++
	a.stats.Add(StatT3Timeouts, 1)

	if a.peerPR {
		a.pruneExpired(now, 0, -1)
	}

	cutoff := now.Add(-p.rto)
	outstanding, probesOnly, marked := 0, true, 0
	for _, c := range a.sentQ.snapshot() {
		if c.path != p.id || c.state != chunkSent {
			continue
		}
		outstanding++
		if !c.windowProbe {
			probesOnly = false
		}
		if c.sentAt.After(cutoff) {
			continue
		}
		a.markResend(c)
		c.fastRtx = false
		marked++
	}

	if outstanding > 0 && !probesOnly {
		a.onTimeoutCongestion(p)
	}
	prevRTO := p.rto
	p.backoff(a.cfg.RTOMax)

	a.log.Debugf("[%s] %v T3-rtx timeout, marked %v/%v, cwnd=%v, ssthresh=%v, rto %v=>%v",
		a.name, p, marked, outstanding, p.cwnd, p.ssthresh, prevRTO, p.rto)

	a.recordFailure(p)
	a.errorCount++
	if a.errorCount > a.cfg.AssocMaxRetrans {
		a.abort(now, 0, "too many retransmissions")
		return
	}

	// Retransmit to an alternate, RFC 4960 6.4.1.
	if alt := a.selectAlternate(p); alt != p && alt.healthy() {
		if p.state == PathUnreachable {
			a.migratePath(p, alt)
		} else {
			for _, c := range a.sentQ.chunks {
				if c.path == p.id && c.state == chunkResend {
					c.path = alt.id
				}
			}
		}
	}

	if p.flight > 0 {
		p.t3.start(a, p.rto)
	}

	if a.peerPR {
		a.advancePeerAckPoint()
	}
}

// strikeMissing counts a miss for every chunk sent below the highest TSN
// reported by a SACK's gap blocks. The third miss triggers a fast
// retransmit, and the first one on a path enters fast recovery.
func (a *Association) strikeMissing(highestGap uint32, now time.Time) {
	for _, c := range a.sentQ.snapshot() {
		if sna32GTE(c.tsn(), highestGap) {
			break
		}
		if c.state != chunkSent || c.fastRtx {
			continue
		}

		c.missCount++
		if c.missCount < fastRetransmitStrikes {
			continue
		}

		if a.peerPR && c.abandonable(now, -1) {
			a.abandon(c)
			continue
		}

		p := a.path(c.path)
		a.markResend(c)
		c.fastRtx = true
		a.counters.fastRetransmits++
		a.stats.Add(StatFastRetransmits, 1)
		if p != nil {
			a.enterFastRecovery(p)
			a.log.Debugf("[%s] %v fast retransmit tsn=%v", a.name, p, c.tsn())
		}
	}
}
