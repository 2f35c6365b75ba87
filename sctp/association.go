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

// Package sctp is the reliable-delivery engine of an SCTP association: the
// stream scheduler, per-destination congestion control, SACK reconciliation,
// retransmission timers, path failover and partial reliability.
package sctp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/pion/logging"
	"github.com/pion/randutil"

	"github.com/ossrs/srs-sctp/wire"
)

// State is the association lifecycle.
type State int

const (
	StateCookieWait State = iota
	StateCookieEchoed
	StateOpen
	StateShutdownPending
	StateShutdownSent
	StateShutdownReceived
	StateShutdownAckSent
	StateClosed
)

func (v State) String() string {
	switch v {
	case StateCookieWait:
		return "CookieWait"
	case StateCookieEchoed:
		return "CookieEchoed"
	case StateOpen:
		return "Open"
	case StateShutdownPending:
		return "ShutdownPending"
	case StateShutdownSent:
		return "ShutdownSent"
	case StateShutdownReceived:
		return "ShutdownReceived"
	case StateShutdownAckSent:
		return "ShutdownAckSent"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int(v))
	}
}

// Writer is the lower send primitive, a net.PacketConn satisfies it.
type Writer interface {
	WriteTo(p []byte, addr net.Addr) (n int, err error)
}

// Config collects the arguments to NewAssociation. Zero values take the
// defaults listed on each field.
type Config struct {
	// Name prefixes the logs, defaults to the local verification tag.
	Name          string
	Conn          Writer
	LoggerFactory logging.LoggerFactory
	Stats         StatsSink
	Notifier      Notifier
	// MessageHandler receives reassembled inbound messages.
	MessageHandler func(m *Message)

	LocalPort uint16
	PeerPort  uint16
	// Peer addresses from the handshake, the first one is the primary and is
	// confirmed, the others are probed by heartbeat.
	Destinations []net.Addr

	// Zero picks random values.
	LocalVerificationTag uint32
	InitialTSN           uint32

	// Path MTU at the IP layer, 1500.
	MTU uint32
	// Whether packets are carried over UDP, RFC 6951.
	UDPEncapsulation bool
	// Upper bound of the DATA payload per chunk, zero derives it from the MTU.
	FragmentPoint uint32
	// Initial ssthresh, zero uses the peer receive window.
	InitialSsthresh uint32

	// RFC 4960 defaults, 3s, 1s and 60s.
	RTOInitial time.Duration
	RTOMin     time.Duration
	RTOMax     time.Duration

	// Data packets per destination per scheduling pass, 4.
	MaxBurst int
	// Failures before a path is unreachable, 5.
	PathMaxRetrans int
	// Failures before the association aborts, 10.
	AssocMaxRetrans int

	// 30s.
	HeartbeatInterval time.Duration
	DisableHeartbeat  bool
	// Negative acks every packet, 200ms.
	DelayedAckTime time.Duration
	// 10m.
	PMTURaiseInterval time.Duration
	// Zero is 5 * RTOMax.
	ShutdownGuardTime time.Duration

	// Local receive window, 256KB.
	ReceiveBufferSize uint32
	// User bytes queued for send, 1MB.
	SendBufferSize uint32
	// 256KB.
	MaxMessageSize uint32
	// Requested outbound streams, 16.
	NumOutboundStreams uint16

	// Disables Nagle coalescing of small messages.
	NoDelay bool
	// A DATA chunk may probe a zero window while the total flight is at most
	// this many bytes.
	ProbeFlightLimit uint32

	clock clock
}

func (c *Config) setDefaults() {
	if c.MTU == 0 {
		c.MTU = 1500
	}
	if c.RTOInitial == 0 {
		c.RTOInitial = 3 * time.Second
	}
	if c.RTOMin == 0 {
		c.RTOMin = time.Second
	}
	if c.RTOMax == 0 {
		c.RTOMax = 60 * time.Second
	}
	if c.MaxBurst == 0 {
		c.MaxBurst = 4
	}
	if c.PathMaxRetrans == 0 {
		c.PathMaxRetrans = 5
	}
	if c.AssocMaxRetrans == 0 {
		c.AssocMaxRetrans = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.DelayedAckTime == 0 {
		c.DelayedAckTime = 200 * time.Millisecond
	}
	if c.PMTURaiseInterval == 0 {
		c.PMTURaiseInterval = 10 * time.Minute
	}
	if c.ShutdownGuardTime == 0 {
		c.ShutdownGuardTime = 5 * c.RTOMax
	}
	if c.ReceiveBufferSize == 0 {
		c.ReceiveBufferSize = 256 * 1024
	}
	if c.SendBufferSize == 0 {
		c.SendBufferSize = 1024 * 1024
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 256 * 1024
	}
	if c.NumOutboundStreams == 0 {
		c.NumOutboundStreams = 16
	}
	if c.Stats == nil {
		c.Stats = nopSink{}
	}
	if c.Notifier == nil {
		c.Notifier = nopNotifier{}
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if c.clock == nil {
		c.clock = systemClock{}
	}
}

// EstablishParams are negotiated by the handshake layer.
type EstablishParams struct {
	PeerVerificationTag uint32
	PeerInitialTSN      uint32
	PeerReceiverWindow  uint32
	PeerInboundStreams  uint16
	PartialReliability  bool
}

// Association is one SCTP association. All state is guarded by lock; timers
// and the output are driven by the run loop started by Start.
type Association struct {
	lock sync.Mutex

	cfg       Config
	name      string
	log       logging.LeveledLogger
	stats     StatsSink
	clock     clock
	rand      randutil.MathRandomGenerator
	conn      Writer
	notifier  Notifier
	onMessage func(m *Message)

	state    State
	myVTag   uint32
	peerVTag uint32

	// Sender.
	nextTSN              uint32
	highestSent          uint32
	cumAck               uint32
	advancedPeerAckPoint uint32
	peerRwnd             uint32
	totalFlight          uint32
	retransmitCount      int
	errorCount           int
	queuedBytes          uint32
	peerPR               bool
	fwdTSNPending        bool
	numStreams           uint16

	streams  map[uint16]*outStream
	wheel    *streamWheel
	pendingQ *chunkQueue
	sentQ    *chunkQueue
	controlQ *chunkQueue

	// Receiver.
	tsnMap               *tsnMap
	reasm                *reassembly
	sackNeeded           bool
	sackPath             PathID
	dataPacketsSinceSack int

	// Destinations.
	paths      []*Path
	nextPathID PathID
	primary    PathID

	shutdownPath PathID
	abortSent    bool

	sackTimer     *assocTimer
	pmtuTimer     *assocTimer
	shutdownTimer *assocTimer
	guardTimer    *assocTimer
	prTimer       *assocTimer

	counters assocCounters

	// Handed out by the run loop after unlocking.
	notifications []*Notification
	deliveries    []*Message
	finalOut      []*outbound

	awakeCh   chan struct{}
	timerCh   chan timerEvent
	closeCh   chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
}

// NewAssociation creates an association in CookieWait over the destinations
// of the handshake.
func NewAssociation(config Config) (*Association, error) {
	config.setDefaults()
	if len(config.Destinations) == 0 {
		return nil, errors.Errorf("no destination")
	}
	if config.Conn == nil {
		return nil, errors.Errorf("no conn")
	}

	a := &Association{
		cfg:       config,
		stats:     config.Stats,
		clock:     config.clock,
		rand:      randutil.NewMathRandomGenerator(),
		conn:      config.Conn,
		notifier:  config.Notifier,
		onMessage: config.MessageHandler,
		state:     StateCookieWait,
		streams:   make(map[uint16]*outStream),
		wheel:     newStreamWheel(),
		pendingQ:  newChunkQueue(queuePending),
		sentQ:     newChunkQueue(queueSent),
		controlQ:  newChunkQueue(queueControl),
		reasm:     newReassembly(),

		numStreams: config.NumOutboundStreams,

		sackTimer:     newAssocTimer(timerDelayedAck, 0),
		pmtuTimer:     newAssocTimer(timerPMTURaise, 0),
		shutdownTimer: newAssocTimer(timerShutdown, 0),
		guardTimer:    newAssocTimer(timerShutdownGuard, 0),
		prTimer:       newAssocTimer(timerPartialReliability, 0),

		awakeCh: make(chan struct{}, 1),
		timerCh: make(chan timerEvent, 64),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	a.myVTag = config.LocalVerificationTag
	for a.myVTag == 0 {
		a.myVTag = a.rand.Uint32()
	}
	a.nextTSN = config.InitialTSN
	if a.nextTSN == 0 {
		a.nextTSN = a.rand.Uint32()
	}
	a.cumAck = a.nextTSN - 1
	a.highestSent = a.cumAck
	a.advancedPeerAckPoint = a.cumAck

	a.name = config.Name
	if a.name == "" {
		a.name = fmt.Sprintf("%#x", a.myVTag)
	}
	a.log = config.LoggerFactory.NewLogger("sctp")

	for i, addr := range config.Destinations {
		if a.pathByAddr(addr) != nil {
			return nil, errors.Wrapf(ErrPathExists, "destination %v", addr)
		}
		state := PathUnconfirmed
		if i == 0 {
			state = PathReachable
		}
		a.newPath(addr, state)
	}
	a.primary = a.paths[0].id

	return a, nil
}

// Start runs the loop of timers and output, until the association closes.
func (a *Association) Start() {
	a.startOnce.Do(func() {
		go a.run()
	})
}

func (a *Association) run() {
	defer close(a.doneCh)

	for {
		select {
		case <-a.closeCh:
			a.flush()
			return
		case ev := <-a.timerCh:
			a.lock.Lock()
			a.handleTimer(ev, a.clock.Now())
			a.lock.Unlock()
		case <-a.awakeCh:
		}

		a.flush()
	}
}

func (a *Association) awake() {
	select {
	case a.awakeCh <- struct{}{}:
	default:
	}
}

// flush writes the packets and delivers the events produced under the lock.
func (a *Association) flush() {
	a.lock.Lock()
	packets := append(a.finalOut, a.chunkOutput(a.clock.Now())...)
	a.finalOut = nil
	notifications, deliveries := a.notifications, a.deliveries
	a.notifications, a.deliveries = nil, nil
	a.lock.Unlock()

	for _, pkt := range packets {
		if _, err := a.conn.WriteTo(pkt.raw, pkt.addr); err != nil {
			a.stats.Add(StatWriteErrors, 1)
			a.log.Warnf("[%s] write %vB to %v, err %v", a.name, len(pkt.raw), pkt.addr, err)
		}
	}
	for _, n := range notifications {
		a.notifier.Notify(n)
	}
	if a.onMessage != nil {
		for _, m := range deliveries {
			a.onMessage(m)
		}
	}
}

// CookieEchoed records that the handshake layer sent the COOKIE-ECHO.
func (a *Association) CookieEchoed() error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.state != StateCookieWait {
		return errors.Wrapf(ErrInvalidState, "cookie echoed in %v", a.state)
	}
	a.state = StateCookieEchoed
	return nil
}

// Establish applies the negotiated parameters and opens the association.
// Messages submitted before are sent from now on.
func (a *Association) Establish(params *EstablishParams) error {
	a.lock.Lock()
	defer a.awake()
	defer a.lock.Unlock()

	if a.state != StateCookieWait && a.state != StateCookieEchoed {
		return errors.Wrapf(ErrInvalidState, "establish in %v", a.state)
	}

	a.peerVTag = params.PeerVerificationTag
	a.peerRwnd = params.PeerReceiverWindow
	a.peerPR = params.PartialReliability
	a.tsnMap = newTSNMap(params.PeerInitialTSN)
	if params.PeerInboundStreams > 0 && params.PeerInboundStreams < a.numStreams {
		a.numStreams = params.PeerInboundStreams
	}

	now := a.clock.Now()
	a.dropStreamsBeyondLimit()
	for _, p := range a.paths {
		if p.ssthresh == 0 {
			p.ssthresh = maxUint32(a.peerRwnd, 2*p.mtu)
		}
		a.startHeartbeat(p, now)
	}
	a.pmtuTimer.start(a, a.cfg.PMTURaiseInterval)

	a.state = StateOpen
	if a.peerPR {
		a.armPRTimer(now)
	}
	a.log.Infof("[%s] open, vtag=%#x/%#x, tsn=%v, peer tsn=%v, rwnd=%v, streams=%v, pr=%v",
		a.name, a.myVTag, a.peerVTag, a.nextTSN, params.PeerInitialTSN, a.peerRwnd, a.numStreams, a.peerPR)
	a.notify(&Notification{Type: NotifyAssocUp})
	return nil
}

func (a *Association) dropStreamsBeyondLimit() {
	for id, s := range a.streams {
		if id < a.numStreams {
			continue
		}
		for s.head() != nil {
			m := s.pop()
			a.queuedBytes -= uint32(len(m.data))
			a.notify(&Notification{Type: NotifySendFailed, StreamID: id, Length: len(m.data)})
		}
		a.wheel.remove(s)
		delete(a.streams, id)
	}
}

// SendControl queues an opaque control chunk, for example a COOKIE-ECHO or a
// RECONFIG request, to the primary.
func (a *Association) SendControl(c wire.Chunk) error {
	a.lock.Lock()
	defer a.awake()
	defer a.lock.Unlock()

	if a.state == StateClosed {
		return ErrAssociationClosed
	}
	if _, ok := c.(*wire.Data); ok {
		return errors.Errorf("DATA is not a control chunk")
	}

	a.queueControl(c, a.primary)
	return nil
}

func (a *Association) queueControl(c wire.Chunk, path PathID) {
	a.controlQ.push(&txChunk{ctrl: c, path: path, booked: uint32(wire.PaddedSize(c))})
}

// HandleInbound processes a packet received from the peer address from.
func (a *Association) HandleInbound(raw []byte, from net.Addr) error {
	pkt := &wire.Packet{}
	if err := pkt.Unmarshal(raw); err != nil {
		a.stats.Add(StatPacketsDropped, 1)
		return errors.Wrapf(err, "unmarshal %vB from %v", len(raw), from)
	}

	a.lock.Lock()
	defer a.awake()
	defer a.lock.Unlock()

	return a.handlePacket(pkt, from, a.clock.Now())
}

// Serve feeds the packets read from conn to the association, until ctx is
// done, conn fails or the association closes.
func (a *Association) Serve(ctx context.Context, conn net.PacketConn) error {
	go func() {
		select {
		case <-ctx.Done():
		case <-a.closeCh:
		}
		_ = conn.SetReadDeadline(time.Now())
	}()

	buf := make([]byte, 65536)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || a.closed() {
				return nil
			}
			return errors.Wrapf(err, "read")
		}

		if err := a.HandleInbound(buf[:n], from); err != nil {
			if errors.Cause(err) == ErrAssociationClosed {
				return nil
			}
			a.log.Debugf("[%s] drop %vB from %v, err %v", a.name, n, from, err)
		}
	}
}

func (a *Association) closed() bool {
	select {
	case <-a.closeCh:
		return true
	default:
		return false
	}
}

// Abort sends an ABORT and tears the association down.
func (a *Association) Abort(reason string) error {
	a.lock.Lock()
	defer a.awake()
	defer a.lock.Unlock()

	if a.state == StateClosed {
		return ErrAssociationClosed
	}
	a.abort(a.clock.Now(), wire.CauseUserInitiatedAbort, reason)
	return nil
}

// Close aborts the association if it is still alive, and waits for the run
// loop to quit.
func (a *Association) Close() error {
	a.lock.Lock()
	if a.state != StateClosed {
		a.abort(a.clock.Now(), wire.CauseUserInitiatedAbort, "close")
	}
	a.lock.Unlock()

	// Never started, hand out the abort ourselves.
	a.startOnce.Do(func() {
		a.flush()
		close(a.doneCh)
	})
	<-a.doneCh
	return nil
}

// Done is closed once the association is torn down.
func (a *Association) Done() <-chan struct{} {
	return a.closeCh
}

// abort sends an ABORT with cause and tears the association down.
func (a *Association) abort(now time.Time, cause uint16, reason string) {
	if a.state == StateClosed {
		return
	}

	chunk := &wire.Abort{}
	if cause != 0 {
		chunk.Causes = []wire.ErrorCause{{Code: cause, Value: []byte(reason)}}
	}
	if p := a.primaryPath(); p != nil && a.state != StateCookieWait {
		if out := a.packetize(p, []wire.Chunk{chunk}); out != nil {
			a.finalOut = append(a.finalOut, out)
		}
		a.abortSent = true
	}

	a.stats.Add(StatAborts, 1)
	a.log.Warnf("[%s] abort in %v, cause=%v, reason=%v", a.name, a.state, cause, reason)
	a.teardown(&Notification{
		Type: NotifyAssocAborted, Err: errors.Wrapf(ErrAssociationAborted, "%v", reason),
	})
}

// teardown drains every queue, stops the timers and closes the association.
// The notification is raised once.
func (a *Association) teardown(n *Notification) {
	if a.state == StateClosed {
		return
	}
	a.state = StateClosed

	for _, s := range a.streams {
		for s.head() != nil {
			m := s.pop()
			a.notify(&Notification{Type: NotifySendFailed, StreamID: s.id, Length: len(m.data)})
		}
		a.wheel.remove(s)
	}
	for _, q := range []*chunkQueue{a.pendingQ, a.sentQ} {
		for _, c := range q.drain() {
			if c.state != chunkAbandoned {
				a.notify(&Notification{
					Type: NotifySendFailed, StreamID: c.data.StreamID, Length: int(c.payload), Sent: c.sends > 0,
				})
			}
		}
	}
	a.controlQ.drain()

	a.totalFlight, a.retransmitCount, a.queuedBytes = 0, 0, 0
	for _, p := range a.paths {
		p.flight = 0
	}
	for _, t := range a.allTimers() {
		t.cancel()
	}

	if n != nil {
		a.notify(n)
	}
	a.closeOnce.Do(func() {
		close(a.closeCh)
	})
}

// State is the lifecycle state.
func (a *Association) State() State {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.state
}

// Stats is a snapshot of the association counters.
func (a *Association) Stats() *Stats {
	a.lock.Lock()
	defer a.lock.Unlock()

	return &Stats{
		State:                a.state,
		NextTSN:              a.nextTSN,
		HighestTSNSent:       a.highestSent,
		CumulativeTSNAck:     a.cumAck,
		AdvancedPeerAckPoint: a.advancedPeerAckPoint,
		PeerReceiverWindow:   a.peerRwnd,
		LocalReceiverWindow:  a.localRwnd(),
		TotalFlight:          a.totalFlight,
		QueuedBytes:          a.queuedBytes,
		RetransmitCount:      a.retransmitCount,
		ErrorCount:           a.errorCount,
		Pending:              a.pendingQ.size(),
		Sent:                 a.sentQ.size(),
		Control:              a.controlQ.size(),
		DataSent:             a.counters.dataSent,
		Retransmissions:      a.counters.retransmissions,
		FastRetransmits:      a.counters.fastRetransmits,
		T3Timeouts:           a.counters.t3Timeouts,
		SacksReceived:        a.counters.sacksReceived,
		SacksSent:            a.counters.sacksSent,
		Abandoned:            a.counters.abandoned,
	}
}

// Paths is a snapshot of the destinations, in arena order.
func (a *Association) Paths() []*PathInfo {
	a.lock.Lock()
	defer a.lock.Unlock()

	infos := make([]*PathInfo, 0, len(a.paths))
	for _, p := range a.paths {
		infos = append(infos, p.info(p.id == a.primary))
	}
	return infos
}

// Audit checks the queue and counter invariants.
func (a *Association) Audit() error {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.audit()
}
