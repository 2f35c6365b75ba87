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

// Package vnet builds virtual networks of multi-homed hosts, to run
// associations over lossy or broken paths without touching the real network.
package vnet

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/pion/logging"
	"github.com/pion/transport/v2/vnet"
)

// NetworkConfig is the shape of the shared link.
type NetworkConfig struct {
	// Every host address must be in the CIDR, 10.0.0.0/8 by default.
	CIDR string
	// The delay of every packet through the router.
	MinDelay time.Duration
	// The random extra delay, up to MaxJitter.
	MaxJitter time.Duration
	// Zero is the router default.
	QueueSize     int
	LoggerFactory logging.LoggerFactory
}

// HostConfig describes a host with one interface per address.
type HostConfig struct {
	Name string
	IPs  []string
	// The percent of inbound packets dropped, 0 to 100.
	Loss int
	// The extra delay of the inbound packets.
	Delay time.Duration
}

// Host is a multi-homed endpoint in the network.
type Host struct {
	Name string
	IPs  []net.IP

	nw    *vnet.Net
	delay *vnet.DelayFilter
}

// Network is a router connecting hosts, where any host address can be cut off.
type Network struct {
	router *vnet.Router
	hosts  []*Host

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// The blackholed addresses, which receive nothing.
	lock       sync.Mutex
	blackholes map[string]bool
}

func NewNetwork(c *NetworkConfig) (*Network, error) {
	cidr := c.CIDR
	if cidr == "" {
		cidr = "10.0.0.0/8"
	}
	loggerFactory := c.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		Name:          "wan",
		CIDR:          cidr,
		QueueSize:     c.QueueSize,
		MinDelay:      c.MinDelay,
		MaxJitter:     c.MaxJitter,
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "create router %v", cidr)
	}

	v := &Network{router: router, blackholes: make(map[string]bool)}
	router.AddChunkFilter(v.filter)
	return v, nil
}

func (v *Network) filter(c vnet.Chunk) bool {
	addr, ok := c.DestinationAddr().(*net.UDPAddr)
	if !ok {
		return true
	}

	v.lock.Lock()
	defer v.lock.Unlock()
	return !v.blackholes[addr.IP.String()]
}

// AddHost attaches a host before Start.
func (v *Network) AddHost(c *HostConfig) (*Host, error) {
	if len(c.IPs) == 0 {
		return nil, errors.Errorf("host %v without address", c.Name)
	}

	nw, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: c.IPs})
	if err != nil {
		return nil, errors.Wrapf(err, "create net %v", c.IPs)
	}

	h := &Host{Name: c.Name, nw: nw}
	for _, s := range c.IPs {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, errors.Errorf("host %v invalid ip %v", c.Name, s)
		}
		h.IPs = append(h.IPs, ip)
	}

	var nic vnet.NIC = nw
	if c.Delay > 0 {
		if h.delay, err = vnet.NewDelayFilter(nic, c.Delay); err != nil {
			return nil, errors.Wrapf(err, "delay %v", c.Delay)
		}
		nic = h.delay
	}
	if c.Loss > 0 {
		if nic, err = vnet.NewLossFilter(nic, c.Loss); err != nil {
			return nil, errors.Wrapf(err, "loss %v", c.Loss)
		}
	}

	if err := v.router.AddNet(nic); err != nil {
		return nil, errors.Wrapf(err, "add host %v", c.Name)
	}

	v.hosts = append(v.hosts, h)
	return h, nil
}

func (v *Network) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	v.cancel = cancel

	for _, h := range v.hosts {
		if h.delay == nil {
			continue
		}
		v.wg.Add(1)
		go func(f *vnet.DelayFilter) {
			defer v.wg.Done()
			f.Run(ctx)
		}(h.delay)
	}

	if err := v.router.Start(); err != nil {
		return errors.Wrapf(err, "start router")
	}
	return nil
}

func (v *Network) Stop() error {
	err := v.router.Stop()
	if v.cancel != nil {
		v.cancel()
	}
	v.wg.Wait()

	if err != nil {
		return errors.Wrapf(err, "stop router")
	}
	return nil
}

// Blackhole drops every packet to ip, as if its link went down.
func (v *Network) Blackhole(ip string) {
	v.lock.Lock()
	defer v.lock.Unlock()
	v.blackholes[ip] = true
}

// Restore undoes Blackhole.
func (v *Network) Restore(ip string) {
	v.lock.Lock()
	defer v.lock.Unlock()
	delete(v.blackholes, ip)
}

// Listen binds port on all addresses of the host.
func (v *Host) Listen(port int) (net.PacketConn, error) {
	conn, err := v.nw.ListenPacket("udp4", (&net.UDPAddr{IP: net.IPv4zero, Port: port}).String())
	if err != nil {
		return nil, errors.Wrapf(err, "listen %v at %v", v.Name, port)
	}
	return conn, nil
}

// Addrs is the transport addresses of the host at port, the first one is the
// address the host sends from.
func (v *Host) Addrs(port int) []net.Addr {
	var r []net.Addr
	for _, ip := range v.IPs {
		r = append(r, &net.UDPAddr{IP: ip, Port: port})
	}
	return r
}

// Router is the router of the network, to attach more nets or a proxy.
func (v *Network) Router() *vnet.Router {
	return v.router
}

// Net is the host stack, to bind or dial sockets.
func (v *Host) Net() *vnet.Net {
	return v.nw
}
