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
	"encoding/binary"
	"time"

	"github.com/ossrs/srs-sctp/wire"
)

// Heartbeat info is path id, nonce and send time, opaque to the peer.
const heartbeatInfoSize = 20

func encodeHeartbeatInfo(id PathID, nonce uint64, now time.Time) []byte {
	b := make([]byte, heartbeatInfoSize)
	binary.BigEndian.PutUint32(b[0:], uint32(id))
	binary.BigEndian.PutUint64(b[4:], nonce)
	binary.BigEndian.PutUint64(b[12:], uint64(now.UnixNano()))
	return b
}

func decodeHeartbeatInfo(b []byte) (id PathID, nonce uint64, sentAt time.Time, ok bool) {
	if len(b) != heartbeatInfoSize {
		return 0, 0, time.Time{}, false
	}
	id = PathID(binary.BigEndian.Uint32(b[0:]))
	nonce = binary.BigEndian.Uint64(b[4:])
	sentAt = time.Unix(0, int64(binary.BigEndian.Uint64(b[12:])))
	return id, nonce, sentAt, true
}

// startHeartbeat arms the heartbeat of p, sooner for unconfirmed paths.
func (a *Association) startHeartbeat(p *Path, now time.Time) {
	if a.cfg.DisableHeartbeat {
		return
	}
	p.hb.restart(a, a.heartbeatDelay(p))
}

// heartbeatDelay is the interval plus the RTO jittered by half of it.
func (a *Association) heartbeatDelay(p *Path) time.Duration {
	jitter := time.Duration(0)
	if half := int(p.rto / 2); half > 0 {
		jitter = time.Duration(a.rand.Intn(2*half) - half)
	}
	if p.state != PathReachable {
		return p.rto + jitter
	}
	return a.cfg.HeartbeatInterval + p.rto + jitter
}

// onHeartbeatTimeout counts an unanswered heartbeat as a failure, then
// probes p when it is idle or not confirmed.
func (a *Association) onHeartbeatTimeout(p *Path, now time.Time) {
	if p.hbOutstanding {
		p.hbOutstanding = false
		p.backoff(a.cfg.RTOMax)
		a.recordFailure(p)
		a.errorCount++
		if a.errorCount > a.cfg.AssocMaxRetrans {
			a.abort(now, 0, "heartbeat unanswered")
			return
		}
	}

	idle := now.Sub(p.lastDataSent) >= a.cfg.HeartbeatInterval
	if p.state != PathReachable || idle {
		p.hbNonce = a.rand.Uint64()
		p.hbSentAt = now
		p.hbOutstanding = true
		a.queueControl(&wire.Heartbeat{Info: encodeHeartbeatInfo(p.id, p.hbNonce, now)}, p.id)
		a.stats.Add(StatHeartbeatOut, 1)
	}

	a.startHeartbeat(p, now)
}

// onPMTURaise restores lowered path MTUs, a lower value is reported again
// by the network if it still holds.
func (a *Association) onPMTURaise() {
	for _, p := range a.paths {
		if p.mtu < a.cfg.MTU {
			a.log.Debugf("[%s] %v raise mtu %v=>%v", a.name, p, p.mtu, a.cfg.MTU)
			p.mtu = a.cfg.MTU
			p.cwnd = maxUint32(p.cwnd, p.mtu)
		}
	}
	a.pmtuTimer.restart(a, a.cfg.PMTURaiseInterval)
}

// onHeartbeatAck confirms the path probed, samples its RTT and clears the
// error counters.
func (a *Association) onHeartbeatAck(ack *wire.HeartbeatAck, now time.Time) {
	id, nonce, sentAt, ok := decodeHeartbeatInfo(ack.Info)
	if !ok {
		return
	}

	p := a.path(id)
	if p == nil || !p.hbOutstanding || p.hbNonce != nonce {
		a.log.Debugf("[%s] drop HEARTBEAT-ACK for path#%v", a.name, id)
		return
	}

	p.hbOutstanding = false
	p.updateRTT(now.Sub(sentAt), a.cfg.RTOMin, a.cfg.RTOMax)
	a.errorCount = 0
	a.recordSuccess(p)
}
