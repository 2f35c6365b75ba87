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

// onPathAcked grows cwnd of p after a SACK acknowledged bytes sent to it.
// Growth needs the cumulative TSN to advance while the window was in use.
func (a *Association) onPathAcked(p *Path, acked, flightBefore uint32, cumAdvanced bool) {
	if acked == 0 || !cumAdvanced || p.inFastRecovery {
		return
	}
	if a.growthSuppressed(p) {
		return
	}
	// Not limited by the window, keep it.
	if flightBefore+p.mtu <= p.cwnd {
		return
	}

	if p.cwnd <= p.ssthresh {
		p.cwnd += minUint32(acked, p.mtu)
		a.log.Tracef("[%s] %v slow start cwnd=%v, ssthresh=%v, acked=%v", a.name, p, p.cwnd, p.ssthresh, acked)
		return
	}

	inc := p.mtu * p.mtu / p.cwnd
	if inc == 0 {
		inc = 1
	}
	p.cwnd += inc
	a.log.Tracef("[%s] %v congestion avoidance cwnd=%v, ssthresh=%v", a.name, p, p.cwnd, p.ssthresh)
}

// growthSuppressed holds cwnd for one round trip after a T3 loss recovery
// ends on a satellite path.
func (a *Association) growthSuppressed(p *Path) bool {
	if !p.growthLocked {
		return false
	}
	if sna32GTE(a.cumAck, p.growthLockTSN) {
		p.growthLocked = false
		return false
	}
	return true
}

// updateRecovery ends fast recovery and T3 recovery once the cumulative TSN
// passes their exit points.
func (a *Association) updateRecovery(p *Path) {
	if p.inFastRecovery && sna32GTE(a.cumAck, p.fastRecoveryExit) {
		p.inFastRecovery = false
		a.log.Debugf("[%s] %v exits fast recovery at %v", a.name, p, a.cumAck)
	}

	if p.inT3Recovery && sna32GTE(a.cumAck, p.t3RecoveryEnd) {
		p.inT3Recovery = false
		if p.satellite {
			p.growthLocked = true
			p.growthLockTSN = a.highestSent
		}
	}
}

// enterFastRecovery halves cwnd once per loss episode, keeping it at least
// 4 MTU.
func (a *Association) enterFastRecovery(p *Path) {
	if p.inFastRecovery {
		return
	}

	p.inFastRecovery = true
	p.fastRecoveryExit = a.highestSent
	p.ssthresh = maxUint32(p.cwnd/2, 4*p.mtu)
	p.cwnd = p.ssthresh
	a.log.Debugf("[%s] %v enters fast recovery, cwnd=%v, exit=%v", a.name, p, p.cwnd, p.fastRecoveryExit)
}

// onTimeoutCongestion collapses cwnd to 1 MTU after a T3 timeout.
func (a *Association) onTimeoutCongestion(p *Path) {
	p.ssthresh = maxUint32(p.cwnd/2, 2*p.mtu)
	p.cwnd = p.mtu
	p.inFastRecovery = false
	p.inT3Recovery = true
	p.t3RecoveryEnd = a.highestSent
}
