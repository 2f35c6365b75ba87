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

	"github.com/ossrs/srs-sctp/wire"
)

// Shutdown closes the association gracefully: queued data is delivered,
// then the SHUTDOWN sequence runs. New sends are refused from now on.
func (a *Association) Shutdown() error {
	a.lock.Lock()
	defer a.awake()
	defer a.lock.Unlock()

	switch a.state {
	case StateClosed:
		return ErrAssociationClosed
	case StateCookieWait, StateCookieEchoed:
		a.log.Infof("[%s] shutdown in %v, close at once", a.name, a.state)
		a.teardown(&Notification{Type: NotifyShutdownComplete})
	case StateOpen:
		a.state = StateShutdownPending
		a.log.Infof("[%s] shutdown pending, queued %vB, flight %vB", a.name, a.queuedBytes, a.totalFlight)
		a.maybeShutdown(a.clock.Now())
	}
	return nil
}

// drained is whether no user data waits to be sent or acked.
func (a *Association) drained() bool {
	return a.wheel.empty() && a.pendingQ.size() == 0 && a.sentQ.size() == 0
}

// maybeShutdown moves on to SHUTDOWN or SHUTDOWN-ACK once the queues drain.
func (a *Association) maybeShutdown(now time.Time) {
	if !a.drained() {
		return
	}

	switch a.state {
	case StateShutdownPending:
		a.state = StateShutdownSent
	case StateShutdownReceived:
		a.state = StateShutdownAckSent
	default:
		return
	}

	p := a.primaryPath()
	a.shutdownPath = p.id
	a.sendShutdownChunk(p)
	a.shutdownTimer.restart(a, p.rto)
	a.guardTimer.start(a, a.cfg.ShutdownGuardTime)
	a.log.Infof("[%s] queues drained, %v via %v", a.name, a.state, p)
}

// sendShutdownChunk queues the chunk of the current shutdown state to p.
func (a *Association) sendShutdownChunk(p *Path) {
	var c wire.Chunk
	switch a.state {
	case StateShutdownSent:
		s := &wire.Shutdown{}
		if a.tsnMap != nil {
			s.CumulativeTSNAck = a.tsnMap.cumulative
		}
		c = s
	case StateShutdownAckSent:
		c = &wire.ShutdownAck{}
	default:
		return
	}

	for _, v := range a.controlQ.snapshot() {
		if v.ctrl.Type() == c.Type() {
			a.controlQ.remove(v)
		}
	}
	a.queueControl(c, p.id)
}

// onShutdownTimeout resends the SHUTDOWN or SHUTDOWN-ACK on an alternate
// path, with the RTO backed off, T2-shutdown in RFC 4960 9.2.
func (a *Association) onShutdownTimeout(now time.Time) {
	p := a.path(a.shutdownPath)
	if p == nil {
		p = a.primaryPath()
	}

	p.backoff(a.cfg.RTOMax)
	a.recordFailure(p)
	a.errorCount++
	if a.errorCount > a.cfg.AssocMaxRetrans {
		a.abort(now, 0, "shutdown unanswered")
		return
	}

	alt := a.selectAlternate(p)
	a.shutdownPath = alt.id
	a.sendShutdownChunk(alt)
	a.shutdownTimer.restart(a, alt.rto)
	a.log.Debugf("[%s] %v timeout on %v, resend via %v", a.name, a.state, p, alt)
}

// handleShutdown takes the cumulative ack of a peer SHUTDOWN and answers
// with SHUTDOWN-ACK once our queues drain.
func (a *Association) handleShutdown(s *wire.Shutdown, p *Path, now time.Time) error {
	switch a.state {
	case StateOpen, StateShutdownPending, StateShutdownSent, StateShutdownReceived:
	default:
		return nil
	}

	if sna32GT(s.CumulativeTSNAck, a.cumAck) {
		sack := &wire.Sack{CumulativeTSNAck: s.CumulativeTSNAck, ReceiverWindow: a.peerRwnd + a.totalFlight}
		if err := a.applySack(sack, now); err != nil {
			a.abort(now, wire.CauseProtocolViolation, err.Error())
			return err
		}
	}

	switch a.state {
	case StateOpen, StateShutdownPending:
		a.state = StateShutdownReceived
		a.log.Infof("[%s] peer shutdown, queued %vB, flight %vB", a.name, a.queuedBytes, a.totalFlight)
		a.maybeShutdown(now)
	case StateShutdownSent:
		// Both sides shut down at once, RFC 4960 9.2.
		a.state = StateShutdownAckSent
		a.shutdownPath = p.id
		a.sendShutdownChunk(p)
		a.shutdownTimer.restart(a, p.rto)
	}
	return nil
}

// handleShutdownAck completes our shutdown. Before the association is up it
// is answered with a reflected SHUTDOWN-COMPLETE, RFC 4960 8.4.
func (a *Association) handleShutdownAck(p *Path) {
	switch a.state {
	case StateShutdownSent, StateShutdownAckSent:
	case StateCookieWait, StateCookieEchoed:
		if out := a.packetize(p, []wire.Chunk{&wire.ShutdownComplete{Reflected: true}}); out != nil {
			a.finalOut = append(a.finalOut, out)
		}
		return
	default:
		return
	}

	if out := a.packetize(p, []wire.Chunk{&wire.ShutdownComplete{}}); out != nil {
		a.finalOut = append(a.finalOut, out)
	}
	a.log.Infof("[%s] shutdown complete in %v", a.name, a.state)
	a.teardown(&Notification{Type: NotifyShutdownComplete})
}

func (a *Association) handleShutdownComplete() {
	if a.state != StateShutdownAckSent {
		return
	}
	a.log.Infof("[%s] shutdown complete", a.name)
	a.teardown(&Notification{Type: NotifyShutdownComplete})
}
