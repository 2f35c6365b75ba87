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
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// An echo server on a real socket, at a random port.
type mockUDPEchoServer struct {
	conn *net.UDPConn
}

func newMockUDPEchoServer(t *testing.T) *mockUDPEchoServer {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})

	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			if _, err := conn.WriteTo(buf[:n], addr); err != nil {
				return
			}
		}
	}()

	return &mockUDPEchoServer{conn: conn}
}

func (v *mockUDPEchoServer) Addr() *net.UDPAddr {
	return v.conn.LocalAddr().(*net.UDPAddr)
}

func TestUDPProxyEcho(t *testing.T) {
	server := newMockUDPEchoServer(t)
	nw, hosts := newTestNetwork(t,
		&HostConfig{Name: "c1", IPs: []string{"10.0.0.11"}},
		&HostConfig{Name: "c2", IPs: []string{"10.0.0.12"}},
	)

	proxy := NewProxy(nw.Router())
	defer proxy.Close()

	// The server is at 10.0.0.100:8000 in the network.
	serverAddr := &net.UDPAddr{IP: net.ParseIP("10.0.0.100"), Port: 8000}
	proxy.Redirect(server.Addr())
	require.NoError(t, proxy.Proxy(serverAddr))
	require.NoError(t, proxy.Proxy(serverAddr))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, h := range hosts {
		conn, err := h.Listen(0)
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

		buf := make([]byte, 1500)
		for i := 0; i < 3 && ctx.Err() == nil; i++ {
			_, err = conn.WriteTo([]byte(h.Name), serverAddr)
			require.NoError(t, err)

			n, from, err := conn.ReadFrom(buf)
			require.NoError(t, err)
			assert.Equal(t, h.Name, string(buf[:n]))
			assert.Equal(t, serverAddr.String(), from.String())
		}
	}
}

func TestUDPProxyEndpoint(t *testing.T) {
	server, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer server.Close()
	require.NoError(t, server.SetReadDeadline(time.Now().Add(5*time.Second)))

	nw, hosts := newTestNetwork(t, &HostConfig{Name: "c1", IPs: []string{"10.0.0.11"}})
	proxy := NewProxy(nw.Router())
	defer proxy.Close()

	serverAddr := &net.UDPAddr{IP: net.ParseIP("10.0.0.100"), Port: 8000}
	proxy.Redirect(server.LocalAddr().(*net.UDPAddr))
	require.NoError(t, proxy.Proxy(serverAddr))

	_, err = proxy.Endpoint(&net.UDPAddr{IP: net.ParseIP("10.0.0.200"), Port: 8000}, nil)
	assert.Error(t, err)

	conn, err := hosts[0].Listen(7000)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	client := &net.UDPAddr{IP: net.ParseIP("10.0.0.11"), Port: 7000}
	ep, err := proxy.Endpoint(serverAddr, client)
	require.NoError(t, err)

	// The server talks first, to the endpoint of the host.
	buf := make([]byte, 1500)
	_, err = server.WriteTo([]byte("hello"), ep)
	require.NoError(t, err)
	n, from, err := conn.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Equal(t, serverAddr.String(), from.String())

	// The host replies through the same endpoint.
	_, err = conn.WriteTo([]byte("world"), serverAddr)
	require.NoError(t, err)
	n, from, err = server.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))
	assert.Equal(t, ep.String(), from.String())
}

func TestUDPProxyLoss(t *testing.T) {
	server := newMockUDPEchoServer(t)
	nw, hosts := newTestNetwork(t, &HostConfig{Name: "c1", IPs: []string{"10.0.0.11"}})

	proxy := NewProxy(nw.Router())
	defer proxy.Close()

	serverAddr := &net.UDPAddr{IP: net.ParseIP("10.0.0.100"), Port: 8000}
	proxy.Redirect(server.Addr())
	proxy.SetLoss(100)
	require.NoError(t, proxy.Proxy(serverAddr))

	conn, err := hosts[0].Listen(0)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))

	for i := 0; i < 3; i++ {
		_, err = conn.WriteTo([]byte("lost"), serverAddr)
		require.NoError(t, err)
	}

	_, _, err = conn.ReadFrom(make([]byte, 1500))
	assert.Error(t, err)
}
