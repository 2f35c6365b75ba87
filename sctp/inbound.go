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
	"net"
	"time"

	"github.com/ossrs/go-oryx-lib/errors"

	"github.com/ossrs/srs-sctp/wire"
)

// checkVerificationTag accepts packets carrying our tag, or a reflected
// ABORT or SHUTDOWN-COMPLETE carrying the peer's, RFC 4960 8.5.1.
func (a *Association) checkVerificationTag(pkt *wire.Packet) error {
	if pkt.VerificationTag == a.myVTag {
		return nil
	}

	if len(pkt.Chunks) == 1 && a.peerVTag != 0 && pkt.VerificationTag == a.peerVTag {
		switch c := pkt.Chunks[0].(type) {
		case *wire.Abort:
			if c.Reflected {
				return nil
			}
		case *wire.ShutdownComplete:
			if c.Reflected {
				return nil
			}
		}
	}

	return errors.Wrapf(ErrVerificationTag, "got %#x, want %#x", pkt.VerificationTag, a.myVTag)
}

// handlePacket dispatches the chunks of an inbound packet under the lock.
func (a *Association) handlePacket(pkt *wire.Packet, from net.Addr, now time.Time) error {
	if a.state == StateClosed {
		return ErrAssociationClosed
	}
	if err := a.checkVerificationTag(pkt); err != nil {
		a.stats.Add(StatPacketsDropped, 1)
		return err
	}
	a.stats.Add(StatPacketsIn, 1)
	a.log.Tracef("[%s] recv from %v %v", a.name, from, pkt)

	p := a.pathByAddr(from)
	if p == nil {
		p = a.primaryPath()
	}

	gotData, immediate := false, false
	for _, chunk := range pkt.Chunks {
		if a.state == StateClosed {
			break
		}

		switch c := chunk.(type) {
		case *wire.Data:
			gotData = true
			if a.handleData(c) {
				immediate = true
			}
		case *wire.Sack:
			if err := a.applySack(c, now); err != nil {
				a.abort(now, wire.CauseProtocolViolation, err.Error())
				return err
			}
		case *wire.Heartbeat:
			a.queueControl(&wire.HeartbeatAck{Info: c.Info}, p.id)
		case *wire.HeartbeatAck:
			a.onHeartbeatAck(c, now)
		case *wire.ForwardTSN:
			a.handleForwardTSN(c)
		case *wire.Abort:
			a.stats.Add(StatAborts, 1)
			a.log.Warnf("[%s] peer abort in %v, %v", a.name, a.state, c)
			a.teardown(&Notification{
				Type: NotifyAssocAborted, Err: errors.Wrapf(ErrAssociationAborted, "peer %v", c),
			})
		case *wire.Shutdown:
			if err := a.handleShutdown(c, p, now); err != nil {
				return err
			}
		case *wire.ShutdownAck:
			a.handleShutdownAck(p)
		case *wire.ShutdownComplete:
			a.handleShutdownComplete()
		default:
			a.log.Debugf("[%s] ignore %v in %v", a.name, c, a.state)
		}
	}

	if gotData && a.receiveAllowed() {
		a.sackPath = p.id
		a.ackPolicy(immediate)
	}
	return nil
}

func (a *Association) receiveAllowed() bool {
	switch a.state {
	case StateOpen, StateShutdownPending, StateShutdownSent:
		return a.tsnMap != nil
	}
	return false
}

// handleData records a DATA chunk and reassembles it. It returns whether the
// chunk must be acked at once: a gap, a duplicate, a drop or the I bit.
func (a *Association) handleData(d *wire.Data) bool {
	if !a.receiveAllowed() {
		a.log.Debugf("[%s] drop DATA tsn=%v in %v", a.name, d.TSN, a.state)
		return false
	}

	if !a.tsnMap.inWindow(d.TSN) {
		a.stats.Add(StatPacketsDropped, 1)
		a.log.Debugf("[%s] drop DATA tsn=%v out of window, cum=%v", a.name, d.TSN, a.tsnMap.cumulative)
		return true
	}
	if a.tsnMap.has(d.TSN) {
		a.tsnMap.mark(d.TSN)
		a.stats.Add(StatDataDuplicate, 1)
		return true
	}
	// Never refuse the next expected TSN, the window reopens by delivering it.
	if uint32(len(d.UserData)) > a.localRwnd() && d.TSN != a.tsnMap.cumulative+1 {
		a.stats.Add(StatPacketsDropped, 1)
		a.log.Debugf("[%s] drop DATA tsn=%v, rwnd %v", a.name, d.TSN, a.localRwnd())
		return true
	}

	a.tsnMap.mark(d.TSN)
	a.stats.Add(StatDataIn, 1)
	a.deliveries = append(a.deliveries, a.reasm.push(d)...)

	return d.Immediate || d.TSN != a.tsnMap.cumulative
}

// ackPolicy acks every second DATA packet at once and delays the others.
func (a *Association) ackPolicy(immediate bool) {
	a.dataPacketsSinceSack++
	if immediate || a.cfg.DelayedAckTime < 0 || a.dataPacketsSinceSack >= 2 || a.state == StateShutdownSent {
		a.sackNeeded = true
		return
	}
	a.sackTimer.start(a, a.cfg.DelayedAckTime)
}

// handleForwardTSN skips the abandoned TSNs of the peer, and always answers
// with a SACK.
func (a *Association) handleForwardTSN(f *wire.ForwardTSN) {
	if !a.receiveAllowed() {
		return
	}
	a.sackNeeded = true

	if sna32LTE(f.NewCumulativeTSN, a.tsnMap.cumulative) {
		return
	}

	a.log.Debugf("[%s] forward tsn %v=>%v, streams %v", a.name, a.tsnMap.cumulative, f.NewCumulativeTSN, len(f.Streams))
	a.tsnMap.forward(f.NewCumulativeTSN)
	a.deliveries = append(a.deliveries, a.reasm.forward(f.NewCumulativeTSN, f.Streams)...)
}
