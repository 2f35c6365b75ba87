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
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ossrs/srs-sctp/wire"
)

// manualClock fires timers only when advanced.
type manualClock struct {
	lock   sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	at      time.Time
	f       func()
	stopped bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (v *manualClock) Now() time.Time {
	v.lock.Lock()
	defer v.lock.Unlock()
	return v.now
}

func (v *manualClock) AfterFunc(d time.Duration, f func()) func() bool {
	v.lock.Lock()
	defer v.lock.Unlock()

	t := &manualTimer{at: v.now.Add(d), f: f}
	v.timers = append(v.timers, t)
	return func() bool {
		v.lock.Lock()
		defer v.lock.Unlock()
		was := !t.stopped
		t.stopped = true
		return was
	}
}

// Advance moves the time forward and runs the timers due, earliest first.
func (v *manualClock) Advance(d time.Duration) {
	v.lock.Lock()
	v.now = v.now.Add(d)
	var due, rest []*manualTimer
	for _, t := range v.timers {
		if t.stopped {
			continue
		}
		if !t.at.After(v.now) {
			t.stopped = true
			due = append(due, t)
		} else {
			rest = append(rest, t)
		}
	}
	v.timers = rest
	v.lock.Unlock()

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].at.Before(due[j].at)
	})
	for _, t := range due {
		t.f()
	}
}

type capturedPacket struct {
	addr net.Addr
	raw  []byte
	pkt  *wire.Packet
}

// captureWriter records the packets written by an association.
type captureWriter struct {
	lock    sync.Mutex
	packets []*capturedPacket
	err     error
}

func (v *captureWriter) WriteTo(b []byte, addr net.Addr) (int, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	if v.err != nil {
		return 0, v.err
	}

	pkt := &wire.Packet{}
	if err := pkt.Unmarshal(b); err != nil {
		return 0, err
	}
	v.packets = append(v.packets, &capturedPacket{addr: addr, raw: append([]byte(nil), b...), pkt: pkt})
	return len(b), nil
}

func (v *captureWriter) take() []*capturedPacket {
	v.lock.Lock()
	defer v.lock.Unlock()
	packets := v.packets
	v.packets = nil
	return packets
}

func dataChunks(packets []*capturedPacket) []*wire.Data {
	var chunks []*wire.Data
	for _, p := range packets {
		for _, c := range p.pkt.Chunks {
			if d, ok := c.(*wire.Data); ok {
				chunks = append(chunks, d)
			}
		}
	}
	return chunks
}

func findChunks(packets []*capturedPacket, typ wire.ChunkType) []wire.Chunk {
	var chunks []wire.Chunk
	for _, p := range packets {
		for _, c := range p.pkt.Chunks {
			if c.Type() == typ {
				chunks = append(chunks, c)
			}
		}
	}
	return chunks
}

type counterSink struct {
	lock     sync.Mutex
	counters map[string]int64
}

func (v *counterSink) Add(name string, delta int64) {
	v.lock.Lock()
	defer v.lock.Unlock()
	if v.counters == nil {
		v.counters = make(map[string]int64)
	}
	v.counters[name] += delta
}

func (v *counterSink) snapshot() map[string]int64 {
	v.lock.Lock()
	defer v.lock.Unlock()
	r := make(map[string]int64, len(v.counters))
	for k, n := range v.counters {
		r[k] = n
	}
	return r
}

func (v *counterSink) get(name string) int64 {
	v.lock.Lock()
	defer v.lock.Unlock()
	return v.counters[name]
}

var (
	addr1 = &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5000}
	addr2 = &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5000}
	addr3 = &net.UDPAddr{IP: net.IPv4(10, 0, 0, 3), Port: 5000}
	addrL = &net.UDPAddr{IP: net.IPv4(10, 0, 1, 1), Port: 5000}
)

const (
	localTag = 0x1111
	peerTag  = 0x2222
	peerTSN  = 5000
)

// harness drives one association by hand, without the run loop.
type harness struct {
	t      *testing.T
	a      *Association
	clock  *manualClock
	out    *captureWriter
	stats  *counterSink
	events []*Notification
	msgs   []*Message
	lock   sync.Mutex
}

func newHarness(t *testing.T, options ...func(c *Config)) *harness {
	h := &harness{t: t, clock: newManualClock(), out: &captureWriter{}, stats: &counterSink{}}

	c := Config{
		Name:                 t.Name(),
		Conn:                 h.out,
		Stats:                h.stats,
		Destinations:         []net.Addr{addr1},
		LocalPort:            5000,
		PeerPort:             5000,
		LocalVerificationTag: localTag,
		InitialTSN:           100,
		NoDelay:              true,
		DisableHeartbeat:     true,
		DelayedAckTime:       -1,
		clock:                h.clock,
	}
	c.Notifier = NotifierFunc(func(n *Notification) {
		h.lock.Lock()
		defer h.lock.Unlock()
		h.events = append(h.events, n)
	})
	c.MessageHandler = func(m *Message) {
		h.lock.Lock()
		defer h.lock.Unlock()
		h.msgs = append(h.msgs, m)
	}
	for _, option := range options {
		option(&c)
	}

	a, err := NewAssociation(c)
	require.NoError(t, err)
	h.a = a
	return h
}

func (h *harness) establish(rwnd uint32, pr bool) {
	require.NoError(h.t, h.a.Establish(&EstablishParams{
		PeerVerificationTag: peerTag,
		PeerInitialTSN:      peerTSN,
		PeerReceiverWindow:  rwnd,
		PeerInboundStreams:  16,
		PartialReliability:  pr,
	}))
}

// pump runs the fired timers, then writes the output, as the run loop does.
func (h *harness) pump() {
	for {
		select {
		case ev := <-h.a.timerCh:
			h.a.lock.Lock()
			h.a.handleTimer(ev, h.a.clock.Now())
			h.a.lock.Unlock()
		default:
			h.a.flush()
			return
		}
	}
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.pump()
}

func (h *harness) send(sid uint16, size int, opts *SendOptions) {
	require.NoError(h.t, h.a.Send(sid, make([]byte, size), opts))
}

// inject delivers chunks from the peer at from.
func (h *harness) inject(from net.Addr, chunks ...wire.Chunk) error {
	pkt := &wire.Packet{SourcePort: 5000, DestinationPort: 5000, VerificationTag: localTag, Chunks: chunks}
	raw, err := pkt.Marshal()
	require.NoError(h.t, err)
	return h.a.HandleInbound(raw, from)
}

func (h *harness) sack(cum, rwnd uint32, gaps ...wire.GapAckBlock) {
	require.NoError(h.t, h.inject(addr1, &wire.Sack{CumulativeTSNAck: cum, ReceiverWindow: rwnd, GapAckBlocks: gaps}))
}

func (h *harness) audit() {
	require.NoError(h.t, h.a.Audit())
}

func (h *harness) notifications(typ NotificationType) []*Notification {
	h.lock.Lock()
	defer h.lock.Unlock()

	var r []*Notification
	for _, n := range h.events {
		if n.Type == typ {
			r = append(r, n)
		}
	}
	return r
}

func (h *harness) messages() []*Message {
	h.lock.Lock()
	defer h.lock.Unlock()
	return append([]*Message(nil), h.msgs...)
}

func (h *harness) pathOf(addr net.Addr) *PathInfo {
	for _, p := range h.a.Paths() {
		if p.Addr.String() == addr.String() {
			return p
		}
	}
	h.t.Fatalf("no path %v", addr)
	return nil
}

// confirm marks the path of addr reachable, as a heartbeat ack would.
func (h *harness) confirm(addr net.Addr) {
	h.a.lock.Lock()
	defer h.a.lock.Unlock()
	h.a.recordSuccess(h.a.pathByAddr(addr))
}

// pairs wires two harnessed associations back to back.
type pair struct {
	t    *testing.T
	a, b *harness
}

func newPair(t *testing.T, options ...func(c *Config)) *pair {
	clock := newManualClock()
	a := newHarness(t, append([]func(c *Config){func(c *Config) {
		c.Name = "a"
		c.clock = clock
		c.Destinations = []net.Addr{addr1}
	}}, options...)...)
	b := newHarness(t, append([]func(c *Config){func(c *Config) {
		c.Name = "b"
		c.clock = clock
		c.Destinations = []net.Addr{addrL}
		c.LocalVerificationTag = peerTag
		c.InitialTSN = peerTSN
	}}, options...)...)
	a.clock, b.clock = clock, clock

	require.NoError(t, a.a.Establish(&EstablishParams{
		PeerVerificationTag: peerTag, PeerInitialTSN: peerTSN, PeerReceiverWindow: 256 * 1024, PeerInboundStreams: 16,
	}))
	require.NoError(t, b.a.Establish(&EstablishParams{
		PeerVerificationTag: localTag, PeerInitialTSN: 100, PeerReceiverWindow: 256 * 1024, PeerInboundStreams: 16,
	}))
	return &pair{t: t, a: a, b: b}
}

// exchange pumps both sides and delivers their packets until they are quiet.
func (v *pair) exchange() {
	for i := 0; i < 1000; i++ {
		v.a.pump()
		v.b.pump()

		fromA, fromB := v.a.out.take(), v.b.out.take()
		if len(fromA) == 0 && len(fromB) == 0 {
			return
		}
		for _, p := range fromA {
			_ = v.b.a.HandleInbound(p.raw, addrL)
		}
		for _, p := range fromB {
			_ = v.a.a.HandleInbound(p.raw, addr1)
		}
	}
	v.t.Fatalf("no quiescence")
}
