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

	"github.com/ossrs/srs-sctp/wire"
)

// outbound is a serialized packet for the wire.
type outbound struct {
	addr net.Addr
	raw  []byte
}

// bundler packs chunks for one destination into packets of at most budget
// bytes.
type bundler struct {
	a      *Association
	p      *Path
	budget int

	chunks  []wire.Chunk
	size    int
	hasData bool

	// Data-carrying packets closed so far.
	dataPackets int
	out         []*outbound
}

func (a *Association) newBundler(p *Path) *bundler {
	return &bundler{a: a, p: p, budget: a.budget(p), size: wire.CommonHeaderSize}
}

func (b *bundler) fits(c wire.Chunk) bool {
	return b.size+wire.PaddedSize(c) <= b.budget
}

// room reports whether the DATA chunk c may go out under the burst limit,
// in the open packet or in a new one.
func (b *bundler) room(c wire.Chunk) bool {
	fits := b.fits(c)
	if fits && b.hasData {
		return true
	}

	closed := b.dataPackets
	if !fits && b.hasData {
		closed++
	}
	return closed < b.a.cfg.MaxBurst
}

func (b *bundler) add(c wire.Chunk, isData bool) {
	if !b.fits(c) && len(b.chunks) > 0 {
		b.close()
	}
	b.chunks = append(b.chunks, c)
	b.size += wire.PaddedSize(c)
	b.hasData = b.hasData || isData
}

func (b *bundler) close() {
	if len(b.chunks) == 0 {
		return
	}
	if out := b.a.packetize(b.p, b.chunks); out != nil {
		b.out = append(b.out, out)
	}
	if b.hasData {
		b.dataPackets++
	}
	b.chunks, b.size, b.hasData = nil, wire.CommonHeaderSize, false
}

func (b *bundler) flush() []*outbound {
	b.close()
	return b.out
}

// packetize serializes chunks into one packet for p.
func (a *Association) packetize(p *Path, chunks []wire.Chunk) *outbound {
	pkt := &wire.Packet{
		SourcePort:      a.cfg.LocalPort,
		DestinationPort: a.cfg.PeerPort,
		VerificationTag: a.peerVTag,
		Chunks:          chunks,
	}
	// Reflected ABORT and SHUTDOWN-COMPLETE carry our own tag.
	if len(chunks) == 1 {
		switch c := chunks[0].(type) {
		case *wire.Abort:
			if c.Reflected {
				pkt.VerificationTag = a.myVTag
			}
		case *wire.ShutdownComplete:
			if c.Reflected {
				pkt.VerificationTag = a.myVTag
			}
		}
	}

	raw, err := pkt.Marshal()
	if err != nil {
		a.log.Errorf("[%s] marshal %v, err %v", a.name, pkt, err)
		return nil
	}

	a.stats.Add(StatPacketsOut, 1)
	a.log.Tracef("[%s] send to %v %v", a.name, p.addr, pkt)
	return &outbound{addr: p.addr, raw: raw}
}

func (a *Association) dataAllowed() bool {
	switch a.state {
	case StateOpen, StateShutdownPending, StateShutdownReceived:
		return true
	}
	return false
}

// fragmentPoint is the largest DATA payload that fits every destination.
func (a *Association) fragmentPoint() int {
	smallest := 0
	for _, p := range a.paths {
		if n := a.budget(p); smallest == 0 || n < smallest {
			smallest = n
		}
	}

	fp := smallest - wire.CommonHeaderSize - wire.ChunkHeaderSize - wire.DataHeaderSize
	if a.cfg.FragmentPoint > 0 && int(a.cfg.FragmentPoint) < fp {
		fp = int(a.cfg.FragmentPoint)
	}
	fp &^= 3
	if fp < 4 {
		fp = 4
	}
	return fp
}

// messageDest is where a message goes, its override while that path is
// usable, otherwise the primary.
func (a *Association) messageDest(m *outMessage) PathID {
	if m.dest != 0 {
		if p := a.path(m.dest); p != nil && p.state == PathReachable {
			return p.id
		}
	}
	if p := a.primaryPath(); p != nil {
		return p.id
	}
	return 0
}

func (a *Association) pendingBytes(p *Path) uint32 {
	var n uint32
	for _, c := range a.pendingQ.chunks {
		if c.path == p.id {
			n += c.booked
		}
	}
	return n
}

// fillDestination moves whole messages bound to p from the stream wheel to
// the pending queue, splitting them into TSN-numbered fragments, until the
// window of p is covered.
func (a *Association) fillDestination(p *Path) int {
	if !a.dataAllowed() || a.wheel.empty() || p.flight >= p.cwnd {
		return 0
	}

	goal := maxUint32(p.cwnd-p.flight, p.mtu)
	have := a.pendingBytes(p)
	queued := 0

	for have < goal {
		s := a.wheel.next(func(s *outStream) bool {
			return a.messageDest(s.head()) == p.id
		})
		if s == nil {
			break
		}

		n := a.fragment(s, s.pop(), p)
		have += uint32(n)
		queued += n

		a.wheel.last = int(s.id)
		if s.head() == nil {
			a.wheel.remove(s)
		}
	}

	return queued
}

// fragment splits m into chunks at the fragmentation point, each taking the
// next TSN, and queues them to p. It returns the booked bytes.
func (a *Association) fragment(s *outStream, m *outMessage, p *Path) int {
	var ssn uint16
	if !m.unordered {
		ssn = s.nextSSN
		s.nextSSN++
	}

	fp := a.fragmentPoint()
	booked := 0
	for off := 0; off < len(m.data); off += fp {
		end := off + fp
		if end > len(m.data) {
			end = len(m.data)
		}

		d := &wire.Data{
			TSN:               a.nextTSN,
			StreamID:          s.id,
			StreamSequence:    ssn,
			PayloadProtocolID: m.ppid,
			Unordered:         m.unordered,
			Beginning:         off == 0,
			Ending:            end == len(m.data),
			UserData:          m.data[off:end],
		}
		a.nextTSN++

		c := &txChunk{
			data: d, path: p.id, state: chunkUnsent,
			booked: uint32(d.Size()), payload: uint32(end - off),
			policy: m.policy, deadline: m.deadline, priority: m.priority,
		}
		a.pendingQ.insert(c)
		booked += int(c.booked)
	}

	return booked
}

// nagleHolds is true when only a small residue is unsent while data is
// outstanding.
func (a *Association) nagleHolds() bool {
	if a.cfg.NoDelay || a.totalFlight == 0 {
		return false
	}

	unsent := 0
	for _, s := range a.wheel.streams {
		unsent += s.bytes
	}
	for _, c := range a.pendingQ.chunks {
		unsent += int(c.payload)
	}
	return unsent < a.fragmentPoint()
}

// orderedPaths is the primary first, then the others in arena order.
func (a *Association) orderedPaths() []*Path {
	paths := make([]*Path, 0, len(a.paths))
	if p := a.primaryPath(); p != nil {
		paths = append(paths, p)
	}
	for _, p := range a.paths {
		if p.id != a.primary {
			paths = append(paths, p)
		}
	}
	return paths
}

// chunkOutput assembles every packet that may go out now: control chunks
// first, then fast retransmissions, T3 retransmissions and new data, per
// destination.
func (a *Association) chunkOutput(now time.Time) []*outbound {
	if a.state == StateClosed {
		return nil
	}

	a.failoverUnreachable(now)

	var out []*outbound
	nagle := a.nagleHolds()
	if nagle {
		a.stats.Add(StatNagleDelayed, 1)
	}
	probed := false

	for _, p := range a.orderedPaths() {
		b := a.newBundler(p)
		a.bundleControl(b, p)

		if a.dataAllowed() && p.state != PathUnconfirmed {
			a.bundleRetransmissions(b, p, now, true)
			a.bundleRetransmissions(b, p, now, false)
			if !nagle && p.flight < p.cwnd {
				a.fillDestination(p)
				a.bundleNewData(b, p, now, &probed)
			}
		}

		out = append(out, b.flush()...)
	}

	if a.peerPR && (a.sentQ.size() > 0 || a.fwdTSNPending) {
		a.armPRTimer(now)
	}
	return out
}

// bundleControl adds the control chunks for p, and the SACK or FORWARD-TSN
// when p is where they go.
func (a *Association) bundleControl(b *bundler, p *Path) {
	if a.sackNeeded && a.tsnMap != nil && a.sackDest() == p {
		sack := a.buildSack(b.budget - wire.CommonHeaderSize)
		b.add(sack, false)
		a.sackNeeded = false
		a.dataPacketsSinceSack = 0
		a.sackTimer.cancel()
		a.counters.sacksSent++
		a.stats.Add(StatSackOut, 1)
	}

	if a.fwdTSNPending && a.primaryPath() == p {
		if fwd := a.createForwardTSN(); fwd != nil {
			b.add(fwd, false)
			a.stats.Add(StatForwardTSNOut, 1)
		}
		a.fwdTSNPending = false
	}

	primary := a.primaryPath() == p
	for _, c := range a.controlQ.snapshot() {
		if c.path != p.id && !(primary && a.path(c.path) == nil) {
			continue
		}
		a.controlQ.remove(c)
		if wire.PaddedSize(c.ctrl) > b.budget-wire.CommonHeaderSize {
			a.log.Warnf("[%s] drop %v larger than %v", a.name, c.ctrl, b.budget)
			continue
		}
		b.add(c.ctrl, false)
	}
}

func (a *Association) sackDest() *Path {
	if p := a.path(a.sackPath); p != nil && p.state != PathUnreachable {
		return p
	}
	return a.primaryPath()
}

// bundleRetransmissions resends the chunks of p marked for resend. Fast
// retransmissions go in one packet regardless of cwnd.
func (a *Association) bundleRetransmissions(b *bundler, p *Path, now time.Time, fast bool) {
	if a.retransmitCount == 0 {
		return
	}

	for _, c := range a.sentQ.snapshot() {
		if c.state != chunkResend || c.path != p.id || c.fastRtx != fast {
			continue
		}

		if fast {
			if !b.fits(c.data) && b.hasData {
				break
			}
		} else {
			if p.flight+c.booked > p.cwnd {
				break
			}
			if !b.room(c.data) {
				a.stats.Add(StatBurstLimited, 1)
				break
			}
		}

		b.add(c.data, true)
		a.retransmitCount--
		c.sends++
		c.timed = false
		a.markSent(c, p, now)
		a.counters.retransmissions++
		a.stats.Add(StatRetransmits, 1)
	}
}

// bundleNewData sends pending chunks of p within cwnd and the peer window.
func (a *Association) bundleNewData(b *bundler, p *Path, now time.Time, probed *bool) {
	for _, c := range a.pendingQ.snapshot() {
		if c.path != p.id {
			continue
		}

		if p.flight+c.booked > p.cwnd {
			break
		}

		probe := false
		if c.booked > a.peerRwnd {
			if *probed || a.totalFlight > a.cfg.ProbeFlightLimit || int(c.booked) > b.budget {
				break
			}
			probe = true
		}

		if !b.room(c.data) {
			a.stats.Add(StatBurstLimited, 1)
			break
		}

		b.add(c.data, true)
		a.release(c)
		c.sends = 1
		if !p.rttPending {
			p.rttPending = true
			c.timed = true
		}
		if probe {
			*probed = true
			c.windowProbe = a.peerRwnd == 0
			a.stats.Add(StatWindowProbes, 1)
		}
		a.markSent(c, p, now)
		a.counters.dataSent++
		a.stats.Add(StatDataOut, 1)
	}
}

// markSent books c as in flight on p.
func (a *Association) markSent(c *txChunk, p *Path, now time.Time) {
	c.state = chunkSent
	c.sentAt = now
	c.inFlight = true
	c.missCount = 0
	p.flight += c.booked
	a.totalFlight += c.booked
	if a.peerRwnd > c.booked {
		a.peerRwnd -= c.booked
	} else {
		a.peerRwnd = 0
	}
	p.lastDataSent = now
	p.t3.start(a, p.rto)
}
