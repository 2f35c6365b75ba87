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
package sim

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"
	"github.com/pion/logging"

	"github.com/ossrs/srs-sctp/capture"
	"github.com/ossrs/srs-sctp/sctp"
	"github.com/ossrs/srs-sctp/vnet"
)

const port = 5000

// Options of a transfer from host a to host b.
type Options struct {
	Messages int
	// Message size, at least 4 bytes for the sequence number.
	Size    int
	Streams int
	// Whether messages are sent unordered.
	Unordered bool
	// The lifetime of each message, zero for reliable.
	TTL time.Duration

	// Whether both hosts have a second address.
	Multihome bool
	// Blackhole the primary address of b once this many messages are sent,
	// zero never.
	FailAfter int
	// Percent of packets to b that are lost.
	Loss   int
	// Whether b runs on a real loopback socket, reached by a through a proxy
	// at the network address of b. Only for one path without failures.
	Proxy  bool
	Delay  time.Duration
	Jitter time.Duration

	RTOInitial        time.Duration
	RTOMin            time.Duration
	RTOMax            time.Duration
	HeartbeatInterval time.Duration
	PathMaxRetrans    int
	AssocMaxRetrans   int

	// Optional pcap stream of the packets of a.
	Capture io.Writer
	// Optional counters of both associations.
	Stats         sctp.StatsSink
	LoggerFactory logging.LoggerFactory
}

// Result of a transfer.
type Result struct {
	Sent      int
	Delivered int
	Failed    int
	// Ordered messages delivered out of order, always zero for a sound engine.
	Misordered int
	Elapsed    time.Duration

	Sender   *sctp.Stats
	Receiver *sctp.Stats
	Paths    []*sctp.PathInfo
}

type receiver struct {
	lock       sync.Mutex
	delivered  int
	misordered int
	last       map[uint16]uint32
	changed    chan struct{}
}

func (v *receiver) onMessage(m *sctp.Message) {
	v.lock.Lock()
	defer v.lock.Unlock()

	v.delivered++
	if len(m.Data) >= 4 && !m.Unordered {
		seq := binary.BigEndian.Uint32(m.Data)
		if last, ok := v.last[m.StreamID]; ok && seq <= last {
			v.misordered++
		}
		v.last[m.StreamID] = seq
	}

	select {
	case v.changed <- struct{}{}:
	default:
	}
}

type sender struct {
	lock    sync.Mutex
	failed  int
	changed chan struct{}
}

func (v *sender) onNotify(ctx context.Context, n *sctp.Notification) {
	logger.Tf(ctx, "sender: %v", n)
	if n.Type != sctp.NotifySendFailed {
		return
	}

	v.lock.Lock()
	defer v.lock.Unlock()
	v.failed++

	select {
	case v.changed <- struct{}{}:
	default:
	}
}

// Transfer sends the messages from a to b over a virtual network, waits for
// each to be delivered or abandoned, then shuts down the association.
func Transfer(ctx context.Context, o *Options) (*Result, error) {
	if o.Size < 4 {
		return nil, errors.Errorf("size %v too small", o.Size)
	}
	if o.Streams <= 0 {
		o.Streams = 1
	}
	if o.Proxy && (o.Multihome || o.FailAfter > 0) {
		return nil, errors.Errorf("proxy with multihome=%v, fail=%v", o.Multihome, o.FailAfter)
	}

	nw, err := vnet.NewNetwork(&vnet.NetworkConfig{
		MinDelay: o.Delay, MaxJitter: o.Jitter, LoggerFactory: o.LoggerFactory,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "network")
	}

	ipsA, ipsB := []string{"10.0.0.1"}, []string{"10.0.0.2"}
	if o.Multihome {
		ipsA, ipsB = append(ipsA, "10.0.1.1"), append(ipsB, "10.0.1.2")
	}
	hostA, err := nw.AddHost(&vnet.HostConfig{Name: "a", IPs: ipsA})
	if err != nil {
		return nil, errors.Wrapf(err, "host a")
	}
	var hostB *vnet.Host
	if !o.Proxy {
		if hostB, err = nw.AddHost(&vnet.HostConfig{Name: "b", IPs: ipsB, Loss: o.Loss}); err != nil {
			return nil, errors.Wrapf(err, "host b")
		}
	}

	if err := nw.Start(); err != nil {
		return nil, errors.Wrapf(err, "start network")
	}
	defer nw.Stop()

	connA, err := hostA.Listen(port)
	if err != nil {
		return nil, errors.Wrapf(err, "listen a")
	}
	defer connA.Close()

	// The destinations of a are the addresses of b, and the other way round.
	var connB net.PacketConn
	var peersOfA, peersOfB []net.Addr
	if o.Proxy {
		proxy := vnet.NewProxy(nw.Router())
		defer proxy.Close()

		var endpoint net.Addr
		server := &net.UDPAddr{IP: net.ParseIP(ipsB[0]), Port: port}
		if connB, endpoint, err = listenProxied(proxy, server, hostA, o.Loss); err != nil {
			return nil, errors.Wrapf(err, "proxy b")
		}
		peersOfA, peersOfB = []net.Addr{server}, []net.Addr{endpoint}
		logger.Tf(ctx, "b at %v, proxied at %v, sees a at %v", connB.LocalAddr(), server, endpoint)
	} else {
		if connB, err = hostB.Listen(port); err != nil {
			return nil, errors.Wrapf(err, "listen b")
		}
		peersOfA, peersOfB = hostB.Addrs(port), hostA.Addrs(port)
	}
	defer connB.Close()

	if o.Capture != nil {
		rec, err := capture.NewRecorder(o.Capture, hostA.IPs[0])
		if err != nil {
			return nil, errors.Wrapf(err, "capture")
		}
		connA = capture.NewConn(connA, rec)
	}

	snd := &sender{changed: make(chan struct{}, 1)}
	rcv := &receiver{last: make(map[uint16]uint32), changed: snd.changed}

	config := func(name string, conn net.PacketConn, peers []net.Addr, tag, tsn uint32) sctp.Config {
		return sctp.Config{
			Name: name, Conn: conn, LoggerFactory: o.LoggerFactory, Stats: o.Stats,
			LocalPort: port, PeerPort: port, Destinations: peers,
			LocalVerificationTag: tag, InitialTSN: tsn,
			RTOInitial: o.RTOInitial, RTOMin: o.RTOMin, RTOMax: o.RTOMax,
			HeartbeatInterval: o.HeartbeatInterval,
			PathMaxRetrans:    o.PathMaxRetrans, AssocMaxRetrans: o.AssocMaxRetrans,
		}
	}

	ca := config("a", connA, peersOfA, 0x5a5a0001, 1000)
	ca.Notifier = sctp.NotifierFunc(func(n *sctp.Notification) {
		snd.onNotify(ctx, n)
	})
	a, err := sctp.NewAssociation(ca)
	if err != nil {
		return nil, errors.Wrapf(err, "association a")
	}
	defer a.Close()

	cb := config("b", connB, peersOfB, 0x5a5a0002, 2000)
	cb.MessageHandler = rcv.onMessage
	b, err := sctp.NewAssociation(cb)
	if err != nil {
		return nil, errors.Wrapf(err, "association b")
	}
	defer b.Close()

	// Both sides take the parameters a handshake would have exchanged.
	for _, v := range []struct {
		assoc            *sctp.Association
		peerTag, peerTSN uint32
	}{{a, 0x5a5a0002, 2000}, {b, 0x5a5a0001, 1000}} {
		if err := v.assoc.Establish(&sctp.EstablishParams{
			PeerVerificationTag: v.peerTag, PeerInitialTSN: v.peerTSN,
			PeerReceiverWindow: 256 * 1024, PeerInboundStreams: uint16(o.Streams),
			PartialReliability: true,
		}); err != nil {
			return nil, errors.Wrapf(err, "establish")
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()
	for _, v := range []struct {
		assoc *sctp.Association
		conn  net.PacketConn
	}{{a, connA}, {b, connB}} {
		v.assoc.Start()

		wg.Add(1)
		go func(assoc *sctp.Association, conn net.PacketConn) {
			defer wg.Done()
			if err := assoc.Serve(ctx, conn); err != nil {
				logger.Wf(ctx, "serve err %+v", err)
			}
		}(v.assoc, v.conn)
	}

	// The alternate paths are confirmed before any failure is injected.
	if o.Multihome {
		if err := waitForPaths(ctx, a); err != nil {
			return nil, errors.Wrapf(err, "confirm paths")
		}
	}

	starttime := time.Now()
	r := &Result{}
	opts := &sctp.SendOptions{Unordered: o.Unordered, PPID: 53}
	if o.TTL > 0 {
		opts.Policy, opts.TTL = sctp.PRTimed, o.TTL
	}

	for r.Sent < o.Messages && ctx.Err() == nil {
		if o.FailAfter > 0 && r.Sent == o.FailAfter {
			logger.Tf(ctx, "blackhole %v after %v messages", hostB.IPs[0], r.Sent)
			nw.Blackhole(hostB.IPs[0].String())
		}

		data := make([]byte, o.Size)
		binary.BigEndian.PutUint32(data, uint32(r.Sent))
		err := a.Send(uint16(r.Sent%o.Streams), data, opts)
		if errors.Cause(err) == sctp.ErrSendBufferFull {
			select {
			case <-ctx.Done():
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "send #%v", r.Sent)
		}
		r.Sent++
	}

	done := func() bool {
		rcv.lock.Lock()
		defer rcv.lock.Unlock()
		snd.lock.Lock()
		defer snd.lock.Unlock()

		r.Delivered, r.Misordered, r.Failed = rcv.delivered, rcv.misordered, snd.failed
		return r.Delivered+r.Failed >= r.Sent
	}
	for !done() {
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "delivered %v, failed %v of %v", r.Delivered, r.Failed, r.Sent)
		case <-snd.changed:
		case <-a.Done():
			return nil, errors.Errorf("association closed, delivered %v of %v", r.Delivered, r.Sent)
		}
	}
	r.Elapsed = time.Since(starttime)

	if err := a.Audit(); err != nil {
		return nil, errors.Wrapf(err, "audit a")
	}
	if err := b.Audit(); err != nil {
		return nil, errors.Wrapf(err, "audit b")
	}
	r.Paths = a.Paths()

	if err := a.Shutdown(); err != nil {
		return nil, errors.Wrapf(err, "shutdown")
	}
	for _, v := range []*sctp.Association{a, b} {
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "wait for shutdown")
		case <-v.Done():
		}
	}

	r.Sender, r.Receiver = a.Stats(), b.Stats()
	return r, nil
}

func waitForPaths(ctx context.Context, a *sctp.Association) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		confirmed := true
		for _, p := range a.Paths() {
			confirmed = confirmed && p.State == sctp.PathReachable
		}
		if confirmed {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// listenProxied binds b on a real loopback socket, reachable from a at server
// in the network. It returns the socket and the real address a comes from.
func listenProxied(proxy *vnet.UDPProxy, server *net.UDPAddr, hostA *vnet.Host, loss int) (net.PacketConn, net.Addr, error) {
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		return nil, nil, errors.Wrapf(err, "listen")
	}

	proxy.SetLoss(loss)
	proxy.Redirect(conn.LocalAddr().(*net.UDPAddr))
	if err := proxy.Proxy(server); err != nil {
		conn.Close()
		return nil, nil, errors.Wrapf(err, "proxy %v", server)
	}

	client := &net.UDPAddr{IP: hostA.IPs[0], Port: port}
	endpoint, err := proxy.Endpoint(server, client)
	if err != nil {
		conn.Close()
		return nil, nil, errors.Wrapf(err, "endpoint")
	}
	return conn, endpoint, nil
}
