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

func TestSendRejectsWithoutSideEffects(t *testing.T) {
	h := newHarness(t)
	h.establish(1<<20, false)
	h.send(0, 100, nil)

	before := h.a.Stats()
	cases := []struct {
		name string
		sid  uint16
		data []byte
		opts *SendOptions
		err  error
	}{
		{"empty", 0, nil, nil, ErrEmptyMessage},
		{"too large", 0, make([]byte, 256*1024+1), nil, ErrMessageTooLarge},
		{"invalid stream", 16, make([]byte, 10), nil, ErrInvalidStream},
		{"unknown destination", 0, make([]byte, 10), &SendOptions{Destination: addrL}, ErrPathNotFound},
	}
	for _, c := range cases {
		err := h.a.Send(c.sid, c.data, c.opts)
		assert.Equal(t, c.err, errors.Cause(err), c.name)
		assert.Equal(t, before, h.a.Stats(), c.name)
	}
	h.audit()
}

func TestSendBufferFull(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.SendBufferSize = 1000
	})
	h.establish(1<<20, false)

	h.send(0, 600, nil)
	err := h.a.Send(1, make([]byte, 500), nil)
	assert.Equal(t, ErrSendBufferFull, errors.Cause(err))
	assert.Equal(t, uint32(600), h.a.Stats().QueuedBytes)

	// Acked data frees the buffer.
	h.pump()
	h.sack(100, 1<<20)
	h.send(1, 500, nil)
	assert.Equal(t, uint32(500), h.a.Stats().QueuedBytes)
}

func TestSendAfterShutdownAndClose(t *testing.T) {
	h := newHarness(t)
	h.establish(1<<20, false)

	require.NoError(t, h.a.Shutdown())
	err := h.a.Send(0, make([]byte, 10), nil)
	assert.Equal(t, ErrShutdownRequested, errors.Cause(err))

	require.NoError(t, h.a.Abort("bye"))
	err = h.a.Send(0, make([]byte, 10), nil)
	assert.Equal(t, ErrAssociationClosed, errors.Cause(err))
	assert.Equal(t, ErrAssociationClosed, errors.Cause(h.a.Shutdown()))
	assert.Equal(t, ErrAssociationClosed, errors.Cause(h.a.Abort("again")))
	assert.Equal(t, ErrAssociationClosed, errors.Cause(h.a.SendControl(&wire.Raw{ChunkType: wire.ChunkTypeCookieEcho})))
	assert.Equal(t, ErrAssociationClosed, errors.Cause(h.a.AddPath(addr2)))
}

func TestStreamsBeyondPeerLimitFail(t *testing.T) {
	h := newHarness(t)
	h.send(2, 100, nil)
	h.send(10, 200, nil)

	require.NoError(t, h.a.Establish(&EstablishParams{
		PeerVerificationTag: peerTag, PeerInitialTSN: peerTSN, PeerReceiverWindow: 1 << 20, PeerInboundStreams: 8,
	}))
	assert.Equal(t, uint32(100), h.a.Stats().QueuedBytes)

	err := h.a.Send(8, make([]byte, 10), nil)
	assert.Equal(t, ErrInvalidStream, errors.Cause(err))

	h.pump()
	failed := h.notifications(NotifySendFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, uint16(10), failed[0].StreamID)
	assert.Equal(t, 200, failed[0].Length)

	chunks := dataChunks(h.out.take())
	require.Len(t, chunks, 1)
	assert.Equal(t, uint16(2), chunks[0].StreamID)
	h.audit()
}

func TestEstablishOnce(t *testing.T) {
	h := newHarness(t)
	h.establish(1<<20, false)

	err := h.a.Establish(&EstablishParams{PeerVerificationTag: peerTag})
	assert.Equal(t, ErrInvalidState, errors.Cause(err))
	assert.Equal(t, ErrInvalidState, errors.Cause(h.a.CookieEchoed()))
	assert.Equal(t, StateOpen, h.a.State())
}

func TestAbortNotifiesOnce(t *testing.T) {
	h := newHarness(t)
	h.establish(1<<20, false)

	h.send(0, 1000, nil)
	h.send(0, 1000, nil)
	h.a.lock.Lock()
	h.a.primaryPath().cwnd = 1500
	h.a.lock.Unlock()
	h.pump()
	require.Len(t, dataChunks(h.out.take()), 1)

	require.NoError(t, h.a.Abort("bye"))
	assert.Equal(t, StateClosed, h.a.State())
	require.NoError(t, h.a.Close())

	packets := h.out.take()
	require.Len(t, packets, 1)
	assert.Equal(t, uint32(peerTag), packets[0].pkt.VerificationTag)
	aborts := findChunks(packets, wire.ChunkTypeAbort)
	require.Len(t, aborts, 1)
	abort := aborts[0].(*wire.Abort)
	assert.Equal(t, []wire.ErrorCause{{Code: wire.CauseUserInitiatedAbort, Value: []byte("bye")}}, abort.Causes)

	assert.Len(t, h.notifications(NotifyAssocAborted), 1)
	failed := h.notifications(NotifySendFailed)
	require.Len(t, failed, 2)
	assert.ElementsMatch(t, []bool{true, false}, []bool{failed[0].Sent, failed[1].Sent})

	select {
	case <-h.a.Done():
	default:
		t.Fatal("not done")
	}

	stats := h.a.Stats()
	assert.Equal(t, uint32(0), stats.TotalFlight)
	assert.Equal(t, uint32(0), stats.QueuedBytes)
	assert.Equal(t, 0, stats.Sent)
	h.audit()
}

func TestPeerAbort(t *testing.T) {
	h := newHarness(t)
	h.establish(1<<20, false)
	h.send(0, 100, nil)
	h.pump()
	h.out.take()

	require.NoError(t, h.inject(addr1, &wire.Abort{}))
	assert.Equal(t, StateClosed, h.a.State())

	h.pump()
	assert.Empty(t, h.out.take())
	assert.Len(t, h.notifications(NotifyAssocAborted), 1)
	assert.Len(t, h.notifications(NotifySendFailed), 1)

	err := h.inject(addr1, &wire.Sack{CumulativeTSNAck: 100})
	assert.Equal(t, ErrAssociationClosed, errors.Cause(err))
}

func TestVerificationTag(t *testing.T) {
	h := newHarness(t)
	h.establish(1<<20, false)

	injectTagged := func(tag uint32, c wire.Chunk) error {
		pkt := &wire.Packet{SourcePort: 5000, DestinationPort: 5000, VerificationTag: tag, Chunks: []wire.Chunk{c}}
		raw, err := pkt.Marshal()
		require.NoError(t, err)
		return h.a.HandleInbound(raw, addr1)
	}

	err := injectTagged(0x9999, &wire.Abort{})
	assert.Equal(t, ErrVerificationTag, errors.Cause(err))
	assert.Equal(t, int64(1), h.stats.get(StatPacketsDropped))

	// Only a reflected ABORT may carry the peer tag.
	err = injectTagged(peerTag, &wire.Abort{})
	assert.Equal(t, ErrVerificationTag, errors.Cause(err))
	assert.Equal(t, StateOpen, h.a.State())

	require.NoError(t, injectTagged(peerTag, &wire.Abort{Reflected: true}))
	assert.Equal(t, StateClosed, h.a.State())
}

func TestCorruptPacketDropped(t *testing.T) {
	h := newHarness(t)
	h.establish(1<<20, false)

	pkt := &wire.Packet{SourcePort: 5000, DestinationPort: 5000, VerificationTag: localTag,
		Chunks: []wire.Chunk{&wire.Sack{CumulativeTSNAck: 99}}}
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff

	assert.Error(t, h.a.HandleInbound(raw, addr1))
	assert.Equal(t, int64(1), h.stats.get(StatPacketsDropped))
	assert.Equal(t, StateOpen, h.a.State())
}

func TestCloseNeverStarted(t *testing.T) {
	h := newHarness(t)
	h.send(0, 100, nil)

	require.NoError(t, h.a.Close())
	assert.Equal(t, StateClosed, h.a.State())

	// Before the handshake completes there is no peer tag to abort with.
	assert.Empty(t, h.out.take())
	assert.Len(t, h.notifications(NotifyAssocAborted), 1)
	assert.Len(t, h.notifications(NotifySendFailed), 1)
	require.NoError(t, h.a.Close())
}

func TestControlChunksGoFirst(t *testing.T) {
	h := newHarness(t)
	h.establish(1<<20, false)

	err := h.a.SendControl(&wire.Data{})
	assert.Error(t, err)

	h.send(0, 100, nil)
	require.NoError(t, h.a.SendControl(&wire.Raw{ChunkType: wire.ChunkTypeReconfig, Value: []byte{0, 1, 2, 3}}))
	h.pump()

	packets := h.out.take()
	require.Len(t, packets, 1)
	chunks := packets[0].pkt.Chunks
	require.Len(t, chunks, 2)
	assert.Equal(t, wire.ChunkTypeReconfig, chunks[0].Type())
	assert.Equal(t, wire.ChunkTypeData, chunks[1].Type())
}

func TestRunLoop(t *testing.T) {
	h := newHarness(t)
	h.establish(1<<20, false)
	h.a.Start()

	h.send(0, 100, nil)

	var packets []*capturedPacket
	require.Eventually(t, func() bool {
		packets = append(packets, h.out.take()...)
		return len(dataChunks(packets)) == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, h.a.Close())
	<-h.a.Done()

	aborts := findChunks(h.out.take(), wire.ChunkTypeAbort)
	assert.Len(t, aborts, 1)
	assert.Len(t, h.notifications(NotifyAssocUp), 1)
	assert.Len(t, h.notifications(NotifyAssocAborted), 1)
}
