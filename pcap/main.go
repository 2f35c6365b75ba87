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
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"

	"github.com/ossrs/srs-sctp/wire"
)

func main() {
	ctx := logger.WithContext(context.Background())
	if err := doMain(ctx); err != nil {
		panic(err)
	}
}

func trace(format string, args ...interface{}) {
	fmt.Println(fmt.Sprintf(format, args...))
}

type packetSource interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

// openCapture reads pcapng, or pcap when the file is not pcapng.
func openCapture(f io.ReadSeeker) (packetSource, error) {
	if r, err := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions); err == nil {
		return r, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrapf(err, "seek")
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "new reader")
	}
	return r, nil
}

// sctpOf returns the SCTP packet carried by p, over IP or over UDP at port.
func sctpOf(p gopacket.Packet, port uint) ([]byte, string, bool) {
	if p.Layer(layers.LayerTypeSCTP) != nil {
		if nl := p.NetworkLayer(); nl != nil {
			return nl.LayerPayload(), "SCTP", true
		}
	}

	if udp, ok := p.Layer(layers.LayerTypeUDP).(*layers.UDP); ok && port > 0 {
		if uint(udp.SrcPort) == port || uint(udp.DstPort) == port {
			return udp.Payload, "SCTP/UDP", true
		}
	}

	return nil, "", false
}

func doMain(ctx context.Context) error {
	var help, verbose bool
	var pauseNumber, abortNumber uint64
	var port uint
	var filename string
	flag.BoolVar(&help, "h", false, "whether show this help")
	flag.BoolVar(&help, "help", false, "whether show this help")
	flag.BoolVar(&verbose, "v", false, "whether print every chunk of the packet")
	flag.Uint64Var(&pauseNumber, "pause", 0, "the packet number to pause")
	flag.Uint64Var(&abortNumber, "abort", 0, "the packet number to abort")
	flag.UintVar(&port, "port", 9899, "the UDP port of SCTP over UDP, 0 to ignore UDP")
	flag.StringVar(&filename, "f", "", "the pcap filename, like ./t.pcapng")

	flag.Parse()

	if help {
		flag.Usage()
		os.Exit(0)
	}

	if filename == "" {
		flag.Usage()
		os.Exit(1)
	}

	logger.Tf(ctx, "Trace pcap %v, port=%v, verbose=%v, pause=%v, abort=%v",
		filename, port, verbose, pauseNumber, abortNumber)

	f, err := os.Open(filename)
	if err != nil {
		return errors.Wrapf(err, "open pcap %v", filename)
	}
	defer f.Close()

	r, err := openCapture(f)
	if err != nil {
		return errors.Wrapf(err, "open %v", filename)
	}

	var packetNumber, sctpNumber, badNumber uint64
	source := gopacket.NewPacketSource(r, r.LinkType())
	for packet := range source.Packets() {
		packetNumber++

		if pauseNumber > 0 && packetNumber == pauseNumber {
			reader := bufio.NewReader(os.Stdin)
			trace("#%v Press Enter to continue...", packetNumber)
			_, _ = reader.ReadString('\n')
		}
		if abortNumber > 0 && packetNumber > abortNumber {
			break
		}

		raw, kind, ok := sctpOf(packet, port)
		if !ok {
			continue
		}
		sctpNumber++

		ci := packet.Metadata().CaptureInfo
		src, dst := "-", "-"
		if nl := packet.NetworkLayer(); nl != nil {
			src, dst = nl.NetworkFlow().Src().String(), nl.NetworkFlow().Dst().String()
		}

		pkt := &wire.Packet{}
		if err := pkt.Unmarshal(raw); err != nil {
			badNumber++
			trace("#%v %v %v=>%v %v Len:%v err %v",
				packetNumber, kind, src, dst, ci.Timestamp.Format("15:04:05.000"), len(raw), err)
			continue
		}

		trace("#%v %v %v:%v=>%v:%v %v vtag=%#x Len:%v Chunks:%v",
			packetNumber, kind, src, pkt.SourcePort, dst, pkt.DestinationPort,
			ci.Timestamp.Format("15:04:05.000"), pkt.VerificationTag, len(raw), len(pkt.Chunks))
		if verbose {
			for _, c := range pkt.Chunks {
				trace("    %v", c)
			}
		}
	}

	logger.Tf(ctx, "Done, packets=%v, sctp=%v, bad=%v", packetNumber, sctpNumber, badNumber)
	return nil
}
