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
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ossrs/srs-sctp/wire"
)

func TestFragmentation(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.MTU = 1460
		c.FragmentPoint = 1400
	})
	h.establish(1<<20, false)

	h.send(0, 3000, nil)
	h.pump()

	chunks := dataChunks(h.out.take())
	require.Len(t, chunks, 3)

	total, first, last := 0, 0, 0
	for i, c := range chunks {
		total += len(c.UserData)
		if c.Beginning {
			first++
		}
		if c.Ending {
			last++
		}
		assert.Equal(t, uint32(100+i), c.TSN)
		assert.Equal(t, uint16(0), c.StreamSequence)
	}
	assert.Equal(t, 3000, total)
	assert.Equal(t, 1, first)
	assert.Equal(t, 1, last)
	assert.Equal(t, []int{1400, 1400, 200}, []int{len(chunks[0].UserData), len(chunks[1].UserData), len(chunks[2].UserData)})
	assert.True(t, chunks[0].Beginning)
	assert.True(t, chunks[2].Ending)
	h.audit()
}

func TestFragmentPointFollowsSmallestPath(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Destinations = append(c.Destinations, addr2)
	})
	h.establish(1<<20, false)
	require.NoError(t, h.a.UpdatePathMTU(addr2, 1000))

	h.a.lock.Lock()
	fp := h.a.fragmentPoint()
	h.a.lock.Unlock()

	// 1000 - 20 - 12 - 16, rounded down to 4.
	assert.Equal(t, 952, fp)
}

func TestTSNGaplessPerStream(t *testing.T) {
	h := newHarness(t)
	h.establish(1<<20, false)

	sizes := []int{500, 3000, 1200, 80, 2900, 1452, 1453, 10, 4000, 700, 1, 2000}
	for i, size := range sizes {
		h.send(uint16(i%3), size, nil)
	}

	var sent []*wire.Data
	seen := make(map[uint32]bool)
	for i := 0; i < 100; i++ {
		h.pump()
		chunks := dataChunks(h.out.take())
		if len(chunks) == 0 {
			break
		}

		highest := uint32(0)
		for _, c := range chunks {
			if !seen[c.TSN] {
				seen[c.TSN] = true
				sent = append(sent, c)
			}
			if c.TSN > highest {
				highest = c.TSN
			}
		}
		h.sack(highest, 1<<20)
		h.audit()
	}

	// Every TSN from the initial one is used once, without holes.
	tsns := make([]int, 0, len(sent))
	for _, c := range sent {
		tsns = append(tsns, int(c.TSN))
	}
	sort.Ints(tsns)
	for i, tsn := range tsns {
		require.Equal(t, 100+i, tsn)
	}

	// Per stream, messages take consecutive SSNs and fragments consecutive TSNs.
	byStream := make(map[uint16][]*wire.Data)
	for _, c := range sent {
		byStream[c.StreamID] = append(byStream[c.StreamID], c)
	}
	messages := 0
	for sid, chunks := range byStream {
		sort.Slice(chunks, func(i, j int) bool { return chunks[i].TSN < chunks[j].TSN })

		var ssn uint16
		for i, c := range chunks {
			if c.Beginning {
				assert.Equal(t, ssn, c.StreamSequence, "stream %v", sid)
				messages++
			} else {
				prev := chunks[i-1]
				assert.Equal(t, prev.TSN+1, c.TSN, "stream %v", sid)
				assert.Equal(t, prev.StreamSequence, c.StreamSequence)
			}
			if c.Ending {
				ssn++
			}
		}
	}
	assert.Equal(t, len(sizes), messages)

	stats := h.a.Stats()
	assert.Equal(t, 0, stats.Sent)
	assert.Equal(t, uint32(0), stats.QueuedBytes)
}

func TestRoundRobinAcrossStreams(t *testing.T) {
	h := newHarness(t)
	h.establish(1<<20, false)

	for i := 0; i < 2; i++ {
		h.send(3, 100, nil)
		h.send(1, 100, nil)
		h.send(2, 100, nil)
	}
	h.pump()

	var sids []uint16
	for _, c := range dataChunks(h.out.take()) {
		sids = append(sids, c.StreamID)
	}
	assert.Equal(t, []uint16{1, 2, 3, 1, 2, 3}, sids)
}

func TestNoDataBeforeOpen(t *testing.T) {
	h := newHarness(t)
	h.send(0, 100, nil)
	h.pump()
	assert.Empty(t, h.out.take())

	require.NoError(t, h.a.CookieEchoed())
	h.pump()
	assert.Empty(t, h.out.take())

	h.establish(1<<20, false)
	h.pump()
	chunks := dataChunks(h.out.take())
	require.Len(t, chunks, 1)
	assert.Equal(t, uint32(100), chunks[0].TSN)
	assert.Len(t, h.notifications(NotifyAssocUp), 1)
}

func TestCongestionWindowLimitsNewData(t *testing.T) {
	h := newHarness(t)
	h.establish(1<<20, false)

	for i := 0; i < 10; i++ {
		h.send(0, 1000, nil)
	}
	h.pump()

	// Initial cwnd is 4380, four 1016B chunks fit.
	assert.Len(t, dataChunks(h.out.take()), 4)
	p := h.pathOf(addr1)
	assert.Equal(t, uint32(4380), p.Cwnd)
	assert.Equal(t, uint32(4*1016), p.Flight)
	h.audit()
}

func TestBurstLimit(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.MaxBurst = 2
		c.InitialSsthresh = 1 << 20
	})
	h.establish(1<<20, false)

	h.a.lock.Lock()
	h.a.primaryPath().cwnd = 100000
	h.a.lock.Unlock()

	for i := 0; i < 10; i++ {
		h.send(0, 1400, nil)
	}
	h.pump()

	packets := h.out.take()
	assert.Len(t, packets, 2)
	assert.Len(t, dataChunks(packets), 2)
	assert.Equal(t, int64(1), h.stats.get(StatBurstLimited))

	h.pump()
	assert.Len(t, dataChunks(h.out.take()), 2)
	h.audit()
}

func TestNagleHoldsSmallResidue(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.NoDelay = false
	})
	h.establish(1<<20, false)

	h.send(0, 100, nil)
	h.pump()
	assert.Len(t, dataChunks(h.out.take()), 1)

	// Outstanding data, a small message waits.
	h.send(0, 100, nil)
	h.pump()
	assert.Empty(t, dataChunks(h.out.take()))

	// Acked, nothing outstanding, it goes.
	h.sack(100, 1<<20)
	h.pump()
	chunks := dataChunks(h.out.take())
	require.Len(t, chunks, 1)
	assert.Equal(t, uint32(101), chunks[0].TSN)
}

func TestZeroWindowSendsOneChunk(t *testing.T) {
	h := newHarness(t)
	h.establish(0, false)

	h.send(0, 100, nil)
	h.send(0, 100, nil)
	h.pump()

	// One probe only, while nothing is in flight.
	chunks := dataChunks(h.out.take())
	require.Len(t, chunks, 1)
	assert.Equal(t, uint32(100), chunks[0].TSN)
	assert.Equal(t, int64(1), h.stats.get(StatWindowProbes))

	h.pump()
	assert.Empty(t, dataChunks(h.out.take()))

	// The window opens.
	h.sack(100, 1<<20)
	h.pump()
	chunks = dataChunks(h.out.take())
	require.Len(t, chunks, 1)
	assert.Equal(t, uint32(101), chunks[0].TSN)
	h.audit()
}

func TestDestinationOverride(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Destinations = append(c.Destinations, addr2)
	})
	h.establish(1<<20, false)
	h.confirm(addr2)

	h.send(0, 100, &SendOptions{Destination: addr2})
	h.send(1, 100, nil)
	h.pump()

	packets := h.out.take()
	require.Len(t, packets, 2)
	for _, p := range packets {
		d := dataChunks([]*capturedPacket{p})
		require.Len(t, d, 1)
		if d[0].StreamID == 0 {
			assert.Equal(t, addr2.String(), p.addr.String())
		} else {
			assert.Equal(t, addr1.String(), p.addr.String())
		}
	}
	h.audit()
}
