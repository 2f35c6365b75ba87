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

// StatsSink receives counter deltas. It is called under the association
// lock, so it must not block.
type StatsSink interface {
	Add(name string, delta int64)
}

// Counter names reported to the StatsSink.
const (
	StatPacketsOut      = "sctp.packets.out"
	StatPacketsIn       = "sctp.packets.in"
	StatPacketsDropped  = "sctp.packets.dropped"
	StatDataOut         = "sctp.data.out"
	StatDataIn          = "sctp.data.in"
	StatDataDuplicate   = "sctp.data.dup"
	StatRetransmits     = "sctp.data.retrans"
	StatFastRetransmits = "sctp.data.fastretrans"
	StatAbandoned       = "sctp.data.abandoned"
	StatT3Timeouts      = "sctp.t3.timeouts"
	StatSackIn          = "sctp.sack.in"
	StatSackOut         = "sctp.sack.out"
	StatHeartbeatOut    = "sctp.hb.out"
	StatForwardTSNOut   = "sctp.fwdtsn.out"
	StatPathDown        = "sctp.path.down"
	StatFailover        = "sctp.path.failover"
	StatBurstLimited    = "sctp.burst.limited"
	StatNagleDelayed    = "sctp.nagle.delayed"
	StatWindowProbes    = "sctp.rwnd.probes"
	StatTimerStale      = "sctp.timer.stale"
	StatAborts          = "sctp.aborts"
	StatWriteErrors     = "sctp.write.errors"
)

type nopSink struct{}

func (nopSink) Add(string, int64) {
}

// Stats is a snapshot of association counters.
type Stats struct {
	State                State
	NextTSN              uint32
	HighestTSNSent       uint32
	CumulativeTSNAck     uint32
	AdvancedPeerAckPoint uint32
	PeerReceiverWindow   uint32
	LocalReceiverWindow  uint32
	TotalFlight          uint32
	QueuedBytes          uint32
	RetransmitCount      int
	ErrorCount           int
	Pending              int
	Sent                 int
	Control              int

	DataSent        uint64
	Retransmissions uint64
	FastRetransmits uint64
	T3Timeouts      uint64
	SacksReceived   uint64
	SacksSent       uint64
	Abandoned       uint64
}

type assocCounters struct {
	dataSent        uint64
	retransmissions uint64
	fastRetransmits uint64
	t3Timeouts      uint64
	sacksReceived   uint64
	sacksSent       uint64
	abandoned       uint64
}
