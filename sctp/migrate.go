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
)

// migratePath moves every chunk and override bound to from onto to, with
// its flight. Queues stay sorted by TSN, so the order is kept.
func (a *Association) migratePath(from, to *Path) {
	if from == to {
		return
	}

	moved := 0
	for _, c := range a.pendingQ.chunks {
		if c.path == from.id {
			c.path = to.id
			moved++
		}
	}
	for _, c := range a.sentQ.chunks {
		if c.path != from.id {
			continue
		}
		if c.inFlight {
			from.flight -= c.booked
			to.flight += c.booked
		}
		if c.timed {
			c.timed = false
			from.rttPending = false
		}
		c.path = to.id
		moved++
	}
	for _, s := range a.streams {
		for _, m := range s.queue {
			if m.dest == from.id {
				m.dest = to.id
			}
		}
	}

	from.t3.cancel()
	if to.flight > 0 {
		to.t3.start(a, to.rto)
	}

	if moved > 0 {
		a.stats.Add(StatFailover, 1)
		a.log.Infof("[%s] migrate %v chunks from %v to %v", a.name, moved, from, to)
	}
}

// failoverUnreachable moves the work of unreachable paths to a healthy one.
func (a *Association) failoverUnreachable(now time.Time) {
	for _, p := range a.paths {
		if p.state != PathUnreachable && p.routeValid {
			continue
		}
		if !a.hasWork(p) {
			continue
		}
		if alt := a.selectAlternate(p); alt != p && alt.healthy() {
			a.migratePath(p, alt)
		}
	}
}

func (a *Association) hasWork(p *Path) bool {
	for _, q := range []*chunkQueue{a.pendingQ, a.sentQ} {
		for _, c := range q.chunks {
			if c.path == p.id && c.state != chunkAbandoned {
				return true
			}
		}
	}
	return false
}

// AddPath adds a peer address learned by reconfiguration. It is probed by
// heartbeat before carrying data.
func (a *Association) AddPath(addr net.Addr) error {
	a.lock.Lock()
	defer a.awake()
	defer a.lock.Unlock()

	if a.state == StateClosed {
		return ErrAssociationClosed
	}
	if a.pathByAddr(addr) != nil {
		return errors.Wrapf(ErrPathExists, "add %v", addr)
	}

	p := a.newPath(addr, PathUnconfirmed)
	if p.ssthresh == 0 {
		p.ssthresh = maxUint32(a.peerRwnd, 2*p.mtu)
	}
	if a.state != StateCookieWait && a.state != StateCookieEchoed {
		a.startHeartbeat(p, a.clock.Now())
	}

	a.log.Infof("[%s] add %v", a.name, p)
	return nil
}

// RemovePath drops a peer address, moving its queued and in-flight chunks
// to an alternate.
func (a *Association) RemovePath(addr net.Addr) error {
	a.lock.Lock()
	defer a.awake()
	defer a.lock.Unlock()

	p := a.pathByAddr(addr)
	if p == nil {
		return errors.Wrapf(ErrPathNotFound, "remove %v", addr)
	}
	if len(a.paths) == 1 {
		return errors.Wrapf(ErrLastPath, "remove %v", addr)
	}

	alt := a.selectAlternate(p)
	a.migratePath(p, alt)
	for _, c := range a.controlQ.snapshot() {
		if c.path == p.id {
			a.controlQ.remove(c)
		}
	}
	if a.primary == p.id {
		a.primary = alt.id
	}
	if a.shutdownPath == p.id {
		a.shutdownPath = alt.id
	}
	p.t3.cancel()
	p.hb.cancel()

	for i, v := range a.paths {
		if v == p {
			a.paths = append(a.paths[:i], a.paths[i+1:]...)
			break
		}
	}

	a.log.Infof("[%s] remove %v, work moves to %v", a.name, p, alt)
	return nil
}

// SetPrimary makes addr the primary destination. An unconfirmed addr
// becomes primary once a heartbeat confirms it, data keeps going to the
// current primary until then.
func (a *Association) SetPrimary(addr net.Addr) error {
	a.lock.Lock()
	defer a.awake()
	defer a.lock.Unlock()

	p := a.pathByAddr(addr)
	if p == nil {
		return errors.Wrapf(ErrPathNotFound, "primary %v", addr)
	}

	for _, v := range a.paths {
		v.wasPrimary = false
	}
	if p.state == PathUnconfirmed {
		p.wasPrimary = true
		a.log.Infof("[%s] %v primary once confirmed, keep %v", a.name, p, a.primaryPath())
		return nil
	}
	a.primary = p.id
	return nil
}

// SetRouteValid records whether the route to addr exists.
func (a *Association) SetRouteValid(addr net.Addr, valid bool) error {
	a.lock.Lock()
	defer a.awake()
	defer a.lock.Unlock()

	p := a.pathByAddr(addr)
	if p == nil {
		return errors.Wrapf(ErrPathNotFound, "route %v", addr)
	}
	p.routeValid = valid
	return nil
}

// UpdatePathMTU lowers or raises the MTU of addr, for example on an ICMP
// too-big report.
func (a *Association) UpdatePathMTU(addr net.Addr, mtu uint32) error {
	a.lock.Lock()
	defer a.awake()
	defer a.lock.Unlock()

	p := a.pathByAddr(addr)
	if p == nil {
		return errors.Wrapf(ErrPathNotFound, "mtu %v", addr)
	}
	if mtu < 512 || mtu > a.cfg.MTU {
		return errors.Errorf("invalid mtu %v", mtu)
	}

	p.mtu = mtu
	p.cwnd = maxUint32(p.cwnd, p.mtu)
	return nil
}
