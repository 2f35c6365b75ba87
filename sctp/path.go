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
	"net"
	"time"
)

// PathID is a stable handle of a destination, never reused by an association.
type PathID uint32

// PathState is the reachability of a destination.
type PathState int

const (
	PathUnconfirmed PathState = iota
	PathReachable
	PathUnreachable
)

func (v PathState) String() string {
	switch v {
	case PathUnconfirmed:
		return "Unconfirmed"
	case PathReachable:
		return "Reachable"
	case PathUnreachable:
		return "Unreachable"
	default:
		return fmt.Sprintf("PathState(%d)", int(v))
	}
}

// Path is a peer transport address of the association.
type Path struct {
	id    PathID
	addr  net.Addr
	state PathState

	// Path MTU, including the IP header.
	mtu        uint32
	routeValid bool

	cwnd     uint32
	ssthresh uint32
	// Bytes of DATA in flight to this destination.
	flight uint32

	srtt        time.Duration
	rttvar      time.Duration
	rto         time.Duration
	rttMeasured bool
	// Whether a chunk on this path is being timed for RTT.
	rttPending bool
	satellite  bool

	errorCount int
	// Demoted primary, restored when reachable again.
	wasPrimary bool

	inFastRecovery   bool
	fastRecoveryExit uint32
	// Loss recovery after T3, and the growth lock after it ends.
	inT3Recovery  bool
	t3RecoveryEnd uint32
	growthLocked  bool
	growthLockTSN uint32

	lastDataSent  time.Time
	hbOutstanding bool
	hbNonce       uint64
	hbSentAt      time.Time

	t3 *assocTimer
	hb *assocTimer
}

// PathInfo is a snapshot of a destination.
type PathInfo struct {
	ID         PathID
	Addr       net.Addr
	State      PathState
	Primary    bool
	MTU        uint32
	Cwnd       uint32
	Ssthresh   uint32
	Flight     uint32
	SRTT       time.Duration
	RTO        time.Duration
	ErrorCount int
}

func (p *Path) String() string {
	return fmt.Sprintf("path#%v(%v, %v)", p.id, p.addr, p.state)
}

func (a *Association) newPath(addr net.Addr, state PathState) *Path {
	a.nextPathID++
	p := &Path{
		id:         a.nextPathID,
		addr:       addr,
		state:      state,
		mtu:        a.cfg.MTU,
		routeValid: true,
		rto:        a.cfg.RTOInitial,
	}
	// RFC 4960 7.2.1
	p.cwnd = minUint32(4*p.mtu, maxUint32(2*p.mtu, 4380))
	p.ssthresh = a.cfg.InitialSsthresh
	p.t3 = newAssocTimer(timerT3RTX, p.id)
	p.hb = newAssocTimer(timerHeartbeat, p.id)
	a.paths = append(a.paths, p)
	return p
}

func (a *Association) path(id PathID) *Path {
	for _, p := range a.paths {
		if p.id == id {
			return p
		}
	}
	return nil
}

func (a *Association) pathByAddr(addr net.Addr) *Path {
	if addr == nil {
		return nil
	}
	key := addr.String()
	for _, p := range a.paths {
		if p.addr.String() == key {
			return p
		}
	}
	return nil
}

// primaryPath is the active primary, or any usable path when it is gone.
func (a *Association) primaryPath() *Path {
	if p := a.path(a.primary); p != nil {
		return p
	}
	if len(a.paths) > 0 {
		return a.paths[0]
	}
	return nil
}

func (p *Path) healthy() bool {
	return p.state == PathReachable && p.routeValid
}

// selectAlternate walks the destinations after excluded, preferring healthy
// ones, then anything confirmed. It returns excluded when it is alone.
func (a *Association) selectAlternate(excluded *Path) *Path {
	n := len(a.paths)
	start := 0
	for i, p := range a.paths {
		if p == excluded {
			start = i
			break
		}
	}

	for _, match := range []func(p *Path) bool{
		func(p *Path) bool { return p.healthy() },
		func(p *Path) bool { return p.state != PathUnconfirmed },
		func(p *Path) bool { return true },
	} {
		for i := 1; i <= n; i++ {
			p := a.paths[(start+i)%n]
			if p != excluded && match(p) {
				return p
			}
		}
	}

	return excluded
}

// recordFailure counts a missed response on p, marking it unreachable once
// the count crosses PathMaxRetrans.
func (a *Association) recordFailure(p *Path) {
	p.errorCount++
	if p.errorCount <= a.cfg.PathMaxRetrans || p.state == PathUnreachable {
		return
	}

	prev := p.state
	p.state = PathUnreachable
	p.hbOutstanding = false
	a.stats.Add(StatPathDown, 1)
	a.log.Warnf("[%s] %v down after %v errors, was %v", a.name, p, p.errorCount, prev)

	if a.primary == p.id {
		if alt := a.selectAlternate(p); alt != p && alt.healthy() {
			a.primary = alt.id
			p.wasPrimary = true
			a.log.Infof("[%s] primary moves from %v to %v", a.name, p, alt)
		}
	}

	a.notify(&Notification{Type: NotifyPathDown, Addr: p.addr})
}

// recordSuccess clears the failure count of p on a new ack or heartbeat ack.
func (a *Association) recordSuccess(p *Path) {
	p.errorCount = 0
	if p.state == PathReachable {
		return
	}

	p.state = PathReachable
	a.log.Infof("[%s] %v up", a.name, p)

	if p.wasPrimary {
		p.wasPrimary = false
		a.primary = p.id
	}

	a.notify(&Notification{Type: NotifyPathUp, Addr: p.addr})
}

// overhead is the bytes below SCTP on the way to p.
func (a *Association) overhead(p *Path) uint32 {
	n := uint32(20)
	if udp, ok := p.addr.(*net.UDPAddr); ok && udp.IP.To4() == nil {
		n = 40
	} else if ip, ok := p.addr.(*net.IPAddr); ok && ip.IP.To4() == nil {
		n = 40
	}
	if a.cfg.UDPEncapsulation {
		n += 8
	}
	return n
}

// budget is the largest SCTP packet for p.
func (a *Association) budget(p *Path) int {
	return int(p.mtu - a.overhead(p))
}

func (p *Path) info(primary bool) *PathInfo {
	return &PathInfo{
		ID: p.id, Addr: p.addr, State: p.state, Primary: primary,
		MTU: p.mtu, Cwnd: p.cwnd, Ssthresh: p.ssthresh, Flight: p.flight,
		SRTT: p.srtt, RTO: p.rto, ErrorCount: p.errorCount,
	}
}
