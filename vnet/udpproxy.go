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
package vnet

import (
	"net"
	"sync"

	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/pion/transport/v2/vnet"
)

// UDPProxy connects hosts in the virtual network to real UDP servers, for
// example a peer that speaks SCTP over UDP on another machine.
//
//	+-------+     +--------+     +----------------+     +-------------+     +-------+
//	| :Host |---->|:Router |---->| :Net as server |---->| net.UDPConn |---->| :Real |
//	+-------+     +--------+     +----------------+     +-------------+     +-------+
//
// The server is given an address in the network, and each host talking to it
// gets its own real socket, so the real server sees one client per host.
type UDPProxy struct {
	router *vnet.Router

	// The key is the server address in the network, the value is *aUDPProxyWorker.
	workers sync.Map

	// Optional, to proxy to another real address than the one in the network.
	redirect *net.UDPAddr
	// The percent of packets to the servers that are lost.
	loss int
}

// NewProxy creates a proxy for the router.
func NewProxy(router *vnet.Router) *UDPProxy {
	return &UDPProxy{router: router}
}

// Redirect sends the packets for every server to target, instead of the
// server address itself.
func (v *UDPProxy) Redirect(target *net.UDPAddr) {
	v.redirect = target
}

// SetLoss drops percent of the packets sent to the servers proxied after it.
func (v *UDPProxy) SetLoss(percent int) {
	v.loss = percent
}

// Close stops all workers.
func (v *UDPProxy) Close() error {
	v.workers.Range(func(key, value interface{}) bool {
		_ = value.(*aUDPProxyWorker).Close()
		v.workers.Delete(key)
		return true
	})
	return nil
}

// Proxy makes server reachable in the network, ignored if already done.
func (v *UDPProxy) Proxy(server *net.UDPAddr) error {
	if _, ok := v.workers.Load(server.String()); ok {
		return nil
	}

	target := server
	if v.redirect != nil {
		target = v.redirect
	}

	worker := &aUDPProxyWorker{target: target, loss: v.loss}
	if err := worker.Start(v.router, server); err != nil {
		return errors.Wrapf(err, "proxy %v", server)
	}
	v.workers.Store(server.String(), worker)
	return nil
}

// Endpoint is the real address the server sees for the host at client. It is
// bound at once, so the server may talk first.
func (v *UDPProxy) Endpoint(server, client *net.UDPAddr) (*net.UDPAddr, error) {
	value, ok := v.workers.Load(server.String())
	if !ok {
		return nil, errors.Errorf("%v not proxied", server)
	}

	realSocket, err := value.(*aUDPProxyWorker).endpointOf(client)
	if err != nil {
		return nil, errors.Wrapf(err, "endpoint of %v", client)
	}
	return realSocket.LocalAddr().(*net.UDPAddr), nil
}

type aUDPProxyWorker struct {
	target *net.UDPAddr
	loss   int

	vnetSocket net.PacketConn
	// The key is the host address in the network, the value is *net.UDPConn.
	endpoints sync.Map
	lock      sync.Mutex
}

func (v *aUDPProxyWorker) Start(router *vnet.Router, server *net.UDPAddr) error {
	// A net owning the server address, with a socket at the same ip:port.
	nw, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{server.IP.String()}})
	if err != nil {
		return errors.Wrapf(err, "create net %v", server.IP)
	}

	var nic vnet.NIC = nw
	if v.loss > 0 {
		if nic, err = vnet.NewLossFilter(nw, v.loss); err != nil {
			return errors.Wrapf(err, "loss %v", v.loss)
		}
	}
	if err := router.AddNet(nic); err != nil {
		return errors.Wrapf(err, "add net %v", server.IP)
	}

	if v.vnetSocket, err = nw.ListenUDP("udp4", server); err != nil {
		return errors.Wrapf(err, "listen %v", server)
	}

	go func() {
		buf := make([]byte, 65536)
		for {
			n, addr, err := v.vnetSocket.ReadFrom(buf)
			if err != nil {
				return
			}
			if n <= 0 || addr == nil {
				continue
			}

			realSocket, err := v.endpointOf(addr)
			if err != nil {
				continue
			}

			if _, err := realSocket.Write(buf[:n]); err != nil {
				return
			}
		}
	}()

	return nil
}

// endpointOf returns the real socket of the host at addr, created for the
// first packet of the host.
func (v *aUDPProxyWorker) endpointOf(addr net.Addr) (*net.UDPConn, error) {
	if value, ok := v.endpoints.Load(addr.String()); ok {
		return value.(*net.UDPConn), nil
	}

	v.lock.Lock()
	defer v.lock.Unlock()
	if value, ok := v.endpoints.Load(addr.String()); ok {
		return value.(*net.UDPConn), nil
	}

	realSocket, err := net.DialUDP("udp4", nil, v.target)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %v", v.target)
	}
	v.endpoints.Store(addr.String(), realSocket)

	// The replies of the real server go back to the host.
	go func(hostAddr net.Addr) {
		buf := make([]byte, 65536)
		for {
			n, _, err := realSocket.ReadFrom(buf)
			if err != nil {
				return
			}
			if n <= 0 {
				continue
			}

			if _, err := v.vnetSocket.WriteTo(buf[:n], hostAddr); err != nil {
				return
			}
		}
	}(addr)

	return realSocket, nil
}

func (v *aUDPProxyWorker) Close() error {
	v.endpoints.Range(func(key, value interface{}) bool {
		_ = value.(*net.UDPConn).Close()
		return true
	})
	return v.vnetSocket.Close()
}
