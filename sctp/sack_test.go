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
	"testing"
	"time"

	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ossrs/srs-sctp/wire"
)

func TestSackRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.establish(1<<20, false)

	for i := 0; i < 5; i++ {
		h.send(0, 100, nil)
	}
	h.pump()
	require.Len(t, dataChunks(h.out.take()), 5)

	before := h.a.Stats()
	assert.Equal(t, uint32(5*116), before.TotalFlight)
	assert.Equal(t, 5, before.Sent)

	// TSN 103 by a gap block, 100 and 101 cumulatively.
	h.sack(101, 1<<20, wire.GapAckBlock{Start: 2, End: 2})

	after := h.a.Stats()
	assert.Equal(t, uint32(101), after.CumulativeTSNAck)
	assert.Equal(t, 2, after.Sent)
	assert.Equal(t, before.TotalFlight-3*116, after.TotalFlight)
	assert.Equal(t, uint32(2*100), after.QueuedBytes)
	assert.Equal(t, after.TotalFlight, h.pathOf(addr1).Flight)

	h.a.lock.Lock()
	assert.NotNil(t, h.a.sentQ.find(102))
	assert.Nil(t, h.a.sentQ.find(103))
	assert.NotNil(t, h.a.sentQ.find(104))
	h.a.lock.Unlock()

	h.sack(104, 1<<20)
	after = h.a.Stats()
	assert.Equal(t, 0, after.Sent)
	assert.Equal(t, uint32(0), after.TotalFlight)
	assert.Equal(t, uint32(0), h.pathOf(addr1).Flight)
	h.audit()
}

func TestDuplicateSackIdempotent(t *testing.T) {
	h := newHarness(t)
	h.establish(1<<20, false)

	for i := 0; i < 3; i++ {
		h.send(0, 100, nil)
	}
	h.pump()
	h.out.take()

	// Every packet is counted in, the SACK in it only when it changes state.
	counters := func() map[string]int64 {
		c := h.stats.snapshot()
		delete(c, StatPacketsIn)
		return c
	}

	h.sack(100, 1<<20)
	s1, p1, c1 := h.a.Stats(), h.a.Paths(), counters()
	assert.Equal(t, uint64(1), s1.SacksReceived)
	assert.Equal(t, int64(1), c1[StatSackIn])

	h.sack(100, 1<<20)
	assert.Equal(t, *s1, *h.a.Stats())
	assert.Equal(t, p1, h.a.Paths())
	assert.Equal(t, c1, counters())

	// A SACK reordered behind a newer one is ignored.
	h.sack(99, 1<<20)
	assert.Equal(t, *s1, *h.a.Stats())
	assert.Equal(t, p1, h.a.Paths())
	assert.Equal(t, c1, counters())
	assert.Equal(t, int64(3), h.stats.get(StatPacketsIn))

	// A window update is not a duplicate.
	h.sack(100, 1<<19)
	s4 := h.a.Stats()
	assert.Equal(t, uint64(2), s4.SacksReceived)
	assert.Equal(t, s1.CumulativeTSNAck, s4.CumulativeTSNAck)
	assert.Equal(t, s1.TotalFlight, s4.TotalFlight)
	h.audit()
}

func TestSlowStart(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.InitialSsthresh = 8 * 1500
		c.MaxBurst = 8
	})
	h.establish(1<<20, false)

	h.a.lock.Lock()
	h.a.primaryPath().cwnd = 4 * 1500
	h.a.lock.Unlock()

	// Five chunks of 1200B booked fill the window.
	for i := 0; i < 5; i++ {
		h.send(0, 1184, nil)
	}
	h.pump()
	require.Len(t, dataChunks(h.out.take()), 5)
	require.Equal(t, uint32(4*1500), h.pathOf(addr1).Flight)

	h.sack(104, 1<<20)
	p := h.pathOf(addr1)
	assert.Equal(t, uint32(5*1500), p.Cwnd)
	assert.Equal(t, uint32(8*1500), p.Ssthresh)
	h.audit()
}

func TestCongestionAvoidance(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.InitialSsthresh = 3000
		c.MaxBurst = 8
	})
	h.establish(1<<20, false)

	h.a.lock.Lock()
	h.a.primaryPath().cwnd = 4 * 1500
	h.a.lock.Unlock()

	for i := 0; i < 5; i++ {
		h.send(0, 1184, nil)
	}
	h.pump()
	h.out.take()

	// Above ssthresh, one MTU*MTU/cwnd per SACK.
	h.sack(104, 1<<20)
	assert.Equal(t, uint32(6000+1500*1500/6000), h.pathOf(addr1).Cwnd)
}

func TestNoGrowthWhenNotWindowLimited(t *testing.T) {
	h := newHarness(t)
	h.establish(1<<20, false)

	h.send(0, 100, nil)
	h.pump()
	h.out.take()

	h.sack(100, 1<<20)
	assert.Equal(t, uint32(4380), h.pathOf(addr1).Cwnd)
}

func TestSackRTTSample(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.RTOMin = 10 * time.Millisecond
	})
	h.establish(1<<20, false)

	h.send(0, 100, nil)
	h.pump()
	h.out.take()

	h.clock.Advance(100 * time.Millisecond)
	h.sack(100, 1<<20)

	// First sample, SRTT=R and RTTVAR=R/2.
	p := h.pathOf(addr1)
	assert.Equal(t, 100*time.Millisecond, p.SRTT)
	assert.Equal(t, 300*time.Millisecond, p.RTO)
}

func TestSackProtocolViolationAborts(t *testing.T) {
	h := newHarness(t)
	h.establish(1<<20, false)

	h.send(0, 100, nil)
	h.pump()
	h.out.take()

	// Acks TSN 200 which was never sent.
	err := h.inject(addr1, &wire.Sack{CumulativeTSNAck: 200, ReceiverWindow: 1 << 20})
	assert.Equal(t, ErrProtocolViolation, errors.Cause(err))
	assert.Equal(t, StateClosed, h.a.State())

	h.pump()
	aborts := findChunks(h.out.take(), wire.ChunkTypeAbort)
	require.Len(t, aborts, 1)
	abort := aborts[0].(*wire.Abort)
	require.Len(t, abort.Causes, 1)
	assert.Equal(t, uint16(wire.CauseProtocolViolation), abort.Causes[0].Code)

	assert.Len(t, h.notifications(NotifyAssocAborted), 1)
	assert.Len(t, h.notifications(NotifySendFailed), 1)
	h.audit()
}

func TestSackGapBeyondNextTSNAborts(t *testing.T) {
	h := newHarness(t)
	h.establish(1<<20, false)

	h.send(0, 100, nil)
	h.pump()

	err := h.inject(addr1, &wire.Sack{
		CumulativeTSNAck: 99, ReceiverWindow: 1 << 20, GapAckBlocks: []wire.GapAckBlock{{Start: 1, End: 5}},
	})
	assert.Equal(t, ErrProtocolViolation, errors.Cause(err))
	assert.Equal(t, StateClosed, h.a.State())
}

func TestPeerWindowFromSack(t *testing.T) {
	h := newHarness(t)
	h.establish(1<<20, false)

	for i := 0; i < 3; i++ {
		h.send(0, 100, nil)
	}
	h.pump()

	h.sack(100, 10000)
	assert.Equal(t, uint32(10000-2*116), h.a.Stats().PeerReceiverWindow)

	h.sack(102, 100)
	assert.Equal(t, uint32(100), h.a.Stats().PeerReceiverWindow)
}

func TestBuildSackTruncates(t *testing.T) {
	h := newHarness(t)
	h.establish(1<<20, false)

	h.a.lock.Lock()
	defer h.a.lock.Unlock()

	for _, tsn := range []uint32{peerTSN, peerTSN + 2, peerTSN + 4, peerTSN + 6, peerTSN + 2} {
		h.a.tsnMap.mark(tsn)
	}

	// Room for two blocks, gaps first.
	sack := h.a.buildSack(wire.ChunkHeaderSize + wire.SackHeaderSize + 2*wire.GapAckBlockSize)
	assert.Equal(t, uint32(peerTSN), sack.CumulativeTSNAck)
	assert.Equal(t, []wire.GapAckBlock{{Start: 2, End: 2}, {Start: 4, End: 4}}, sack.GapAckBlocks)
	assert.Empty(t, sack.DuplicateTSNs)
	assert.Equal(t, uint32(256*1024), sack.ReceiverWindow)
}

func TestSackForUnsentTSNAborts(t *testing.T) {
	// TSN 100 to 103 fill the window, 104 waits in the pending queue.
	sendPastWindow := func(t *testing.T) *harness {
		h := newHarness(t)
		h.establish(1<<20, false)

		for i := 0; i < 10; i++ {
			h.send(0, 1000, nil)
		}
		h.pump()
		require.Len(t, dataChunks(h.out.take()), 4)

		s := h.a.Stats()
		require.Equal(t, uint32(103), s.HighestTSNSent)
		require.Equal(t, uint32(105), s.NextTSN)
		require.Equal(t, 1, s.Pending)
		return h
	}

	t.Run("cumulative", func(t *testing.T) {
		h := sendPastWindow(t)
		err := h.inject(addr1, &wire.Sack{CumulativeTSNAck: 104, ReceiverWindow: 1 << 20})
		assert.Equal(t, ErrProtocolViolation, errors.Cause(err))
		assert.Equal(t, StateClosed, h.a.State())
		h.audit()
	})

	t.Run("gap", func(t *testing.T) {
		h := sendPastWindow(t)
		err := h.inject(addr1, &wire.Sack{
			CumulativeTSNAck: 101, ReceiverWindow: 1 << 20, GapAckBlocks: []wire.GapAckBlock{{Start: 3, End: 3}},
		})
		assert.Equal(t, ErrProtocolViolation, errors.Cause(err))
		assert.Equal(t, StateClosed, h.a.State())
	})

	t.Run("sent", func(t *testing.T) {
		h := sendPastWindow(t)
		h.sack(103, 1<<20)
		assert.Equal(t, StateOpen, h.a.State())

		h.pump()
		chunks := dataChunks(h.out.take())
		require.NotEmpty(t, chunks)
		assert.Equal(t, uint32(104), chunks[0].TSN)
		assert.Equal(t, uint32(103), h.a.Stats().CumulativeTSNAck)
		h.audit()
	})

	t.Run("recovery", func(t *testing.T) {
		h := sendPastWindow(t)
		h.advance(3 * time.Second)

		// Recovery ends at the highest TSN sent, not at the pending one.
		h.a.lock.Lock()
		p := h.a.primaryPath()
		assert.True(t, p.inT3Recovery)
		assert.Equal(t, uint32(103), p.t3RecoveryEnd)
		h.a.lock.Unlock()

		h.sack(103, 1<<20)
		h.a.lock.Lock()
		assert.False(t, h.a.primaryPath().inT3Recovery)
		h.a.lock.Unlock()
		h.audit()
	})
}

func TestSatelliteHoldsGrowthAfterT3Recovery(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.RTOMin = 10 * time.Millisecond
	})
	h.establish(1<<20, false)

	cwnd := func() uint32 {
		return h.pathOf(addr1).Cwnd
	}
	sackAndPump := func(cum uint32) {
		h.sack(cum, 1<<20)
		h.pump()
	}

	// One slow sample, RTO=500ms+4*250ms.
	h.send(0, 100, nil)
	h.pump()
	h.out.take()
	h.clock.Advance(500 * time.Millisecond)
	h.sack(100, 1<<20)
	require.Equal(t, 1500*time.Millisecond, h.pathOf(addr1).RTO)

	// TSN 101 to 104, then a timeout collapses cwnd to one MTU.
	for i := 0; i < 4; i++ {
		h.send(0, 1000, nil)
	}
	h.pump()
	require.Len(t, dataChunks(h.out.take()), 4)

	h.advance(1500 * time.Millisecond)
	require.Equal(t, uint32(1500), cwnd())
	require.Equal(t, uint32(3000), h.pathOf(addr1).Ssthresh)

	h.a.lock.Lock()
	p := h.a.primaryPath()
	require.True(t, p.satellite)
	require.True(t, p.inT3Recovery)
	require.Equal(t, uint32(104), p.t3RecoveryEnd)
	h.a.lock.Unlock()

	// TSN 105 and 106 are queued behind the retransmissions.
	h.send(0, 1000, nil)
	h.send(0, 1000, nil)
	h.pump()

	// Slow start while recovering.
	sackAndPump(101)
	assert.Equal(t, uint32(2516), cwnd())
	sackAndPump(103)
	assert.Equal(t, uint32(4016), cwnd())
	require.Equal(t, uint32(106), h.a.Stats().HighestTSNSent)

	// The SACK ending the recovery is window limited, but does not grow cwnd.
	sackAndPump(104)
	assert.Equal(t, uint32(4016), cwnd())

	h.a.lock.Lock()
	assert.False(t, p.inT3Recovery)
	assert.True(t, p.growthLocked)
	assert.Equal(t, uint32(106), p.growthLockTSN)
	h.a.lock.Unlock()

	// Fill the window again, TSN 107 to 109.
	for i := 0; i < 3; i++ {
		h.send(0, 1000, nil)
	}
	h.pump()
	require.Equal(t, uint32(3048), h.pathOf(addr1).Flight)

	sackAndPump(105)
	assert.Equal(t, uint32(4016), cwnd())
	require.Equal(t, uint32(3048), h.pathOf(addr1).Flight)

	// Once TSN 106 is acked, congestion avoidance resumes.
	sackAndPump(106)
	assert.Equal(t, uint32(4016+1500*1500/4016), cwnd())

	h.a.lock.Lock()
	assert.False(t, p.growthLocked)
	h.a.lock.Unlock()
	h.audit()
}
