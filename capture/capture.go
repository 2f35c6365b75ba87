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

// Package capture records the SCTP packets of a connection to a pcap file,
// framed in IPv4 so that wireshark decodes the chunks.
package capture

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/ossrs/go-oryx-lib/errors"
)

const snapLen = 65536

// Recorder writes packets to a pcap stream of raw IP frames.
type Recorder struct {
	lock sync.Mutex
	w    *pcapgo.Writer
	// The address of this host, for the frames without one.
	local net.IP
	now   func() time.Time
}

func NewRecorder(w io.Writer, local net.IP) (*Recorder, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		return nil, errors.Wrapf(err, "write pcap header")
	}
	if local == nil {
		local = net.IPv4(127, 0, 0, 1)
	}
	return &Recorder{w: pw, local: local, now: time.Now}, nil
}

// Record writes one SCTP packet sent from src to dst. A nil address means
// this host.
func (v *Recorder) Record(raw []byte, src, dst net.Addr) error {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolSCTP,
		SrcIP:    v.ipOf(src),
		DstIP:    v.ipOf(dst),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, gopacket.Payload(raw)); err != nil {
		return errors.Wrapf(err, "serialize %vB", len(raw))
	}

	b := buf.Bytes()
	ci := gopacket.CaptureInfo{Timestamp: v.now(), CaptureLength: len(b), Length: len(b)}

	v.lock.Lock()
	defer v.lock.Unlock()
	if err := v.w.WritePacket(ci, b); err != nil {
		return errors.Wrapf(err, "write %vB", len(b))
	}
	return nil
}

func (v *Recorder) ipOf(addr net.Addr) net.IP {
	var ip net.IP
	switch a := addr.(type) {
	case *net.UDPAddr:
		ip = a.IP
	case *net.IPAddr:
		ip = a.IP
	}
	if ip = ip.To4(); ip == nil || ip.IsUnspecified() {
		return v.local.To4()
	}
	return ip
}

// Conn records every packet read or written on a packet conn. It serves both
// as the association's writer and as the conn it reads from.
type Conn struct {
	net.PacketConn
	rec *Recorder
}

func NewConn(conn net.PacketConn, rec *Recorder) *Conn {
	return &Conn{PacketConn: conn, rec: rec}
}

func (v *Conn) WriteTo(p []byte, addr net.Addr) (int, error) {
	n, err := v.PacketConn.WriteTo(p, addr)
	if err == nil {
		// A capture failure never fails the conn.
		_ = v.rec.Record(p[:n], v.PacketConn.LocalAddr(), addr)
	}
	return n, err
}

func (v *Conn) ReadFrom(p []byte) (int, net.Addr, error) {
	n, addr, err := v.PacketConn.ReadFrom(p)
	if err == nil {
		_ = v.rec.Record(p[:n], addr, v.PacketConn.LocalAddr())
	}
	return n, addr, err
}
