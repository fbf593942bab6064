// SPDX-License-Identifier: GPL-3.0-or-later

package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/meshrelay/proxy/internal/addr"
	"github.com/meshrelay/proxy/internal/concrete"
	"github.com/meshrelay/proxy/internal/discovery"
	"github.com/meshrelay/proxy/internal/endpoint"
	"github.com/meshrelay/proxy/internal/endpointstack"
	"github.com/meshrelay/proxy/internal/identity"
	"github.com/meshrelay/proxy/internal/logical"
	"github.com/meshrelay/proxy/internal/profile"
	"github.com/meshrelay/proxy/internal/router"
	"github.com/meshrelay/proxy/internal/server"
	"github.com/meshrelay/proxy/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startEchoBackend runs a TCP server that echoes everything it reads.
func startEchoBackend(t *testing.T) netip.AddrPort {
	t.Helper()
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { lst.Close() })

	go func() {
		for {
			conn, err := lst.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return lst.Addr().(*net.TCPAddr).AddrPort()
}

// startHTTPBackend runs an HTTP/1 server answering 204 on every request.
func startHTTPBackend(t *testing.T) netip.AddrPort {
	t.Helper()
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})}
	go srv.Serve(lst)
	t.Cleanup(func() { srv.Close() })
	return lst.Addr().(*net.TCPAddr).AddrPort()
}

// startProxy serves opts on an ephemeral listener and returns its address.
func startProxy(t *testing.T, opts ServerOptions, drain *Drain) netip.AddrPort {
	t.Helper()
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(opts, drain)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, lst)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Log("proxy server did not stop")
		}
	})
	return lst.Addr().(*net.TCPAddr).AddrPort()
}

func TestOpaqueForwardEchoes(t *testing.T) {
	backend := startEchoBackend(t)
	drain := NewDrain()

	proxyAddr := startProxy(t, ServerOptions{
		Disposition:   "outbound",
		AbsentReason:  identity.ReasonLoopback,
		DetectTimeout: 200 * time.Millisecond,
		OrigDst: func(net.Conn) (netip.AddrPort, bool) {
			return backend, true
		},
	}, drain)

	conn, err := net.Dial("tcp", proxyAddr.String())
	require.NoError(t, err)
	defer conn.Close()

	// Binary, non-HTTP bytes: detection must classify opaque and the
	// proxy must splice the connection to the original destination.
	payload := []byte{0x16, 0x03, 0x01, 0xff, 0x00, 0x01, 0x02}
	_, err = conn.Write(payload)
	require.NoError(t, err)

	got := make([]byte, len(payload))
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestOpaquePortSkipsDetection(t *testing.T) {
	backend := startEchoBackend(t)
	drain := NewDrain()

	proxyAddr := startProxy(t, ServerOptions{
		Disposition:   "outbound",
		AbsentReason:  identity.ReasonLoopback,
		DetectTimeout: 5 * time.Second,
		OpaquePorts:   map[uint16]struct{}{backend.Port(): {}},
		OrigDst: func(net.Conn) (netip.AddrPort, bool) {
			return backend, true
		},
	}, drain)

	conn, err := net.Dial("tcp", proxyAddr.String())
	require.NoError(t, err)
	defer conn.Close()

	// "POST" is a plausible method prefix, so detection would hold it
	// until the 5s sniff timeout. With detection skipped the echo must
	// come back well before that.
	start := time.Now()
	_, err = conn.Write([]byte("POST"))
	require.NoError(t, err)

	got := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, "POST", string(got))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestOpaqueLoopPreventionClosesConnection(t *testing.T) {
	drain := NewDrain()

	var proxyPort uint16
	opts := ServerOptions{
		Disposition:   "outbound",
		AbsentReason:  identity.ReasonLoopback,
		DetectTimeout: 100 * time.Millisecond,
	}
	// The original destination hairpins back to the proxy itself.
	opts.OrigDst = func(net.Conn) (netip.AddrPort, bool) {
		return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), proxyPort), true
	}

	proxyAddr := startProxy(t, opts, drain)
	proxyPort = proxyAddr.Port()

	// Own ports are only known after listening; rebuild with them set.
	opts.OwnPorts = []uint16{proxyPort}
	proxyAddr2 := startProxy(t, opts, drain)

	conn, err := net.Dial("tcp", proxyAddr2.String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0x00, 0x01, 0x02})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err) // closed without forwarding anything
}

// buildOutboundStack wires resolver + profiles + balancer + endpoint
// stack into the router-based service factory, the way the CLI does.
func buildOutboundStack(t *testing.T, resolver discovery.Resolver, profiles profile.Discovery, ownPorts []uint16) ServiceFactory {
	t.Helper()
	cfg := transport.NewConfig()
	epFactory := endpointstack.New(endpointstack.Options[addr.Addr]{
		Config:         cfg,
		Network:        "tcp",
		OwnPorts:       ownPorts,
		ConnectTimeout: 2 * time.Second,
	})
	concreteCache := concrete.New(resolver, epFactory, time.Minute, time.Second, nil)
	logicalCache := logical.New(profiles, concreteCache, epFactory, 5*time.Second, time.Minute)
	t.Cleanup(func() { logicalCache.DrainAll(context.Background()) })
	t.Cleanup(func() { concreteCache.DrainAll(context.Background()) })

	pipeline := server.Options{Disposition: "outbound"}
	return NewHTTPServiceFactory(pipeline, router.Options{Logical: logicalCache})
}

func TestHTTPEndToEndThroughBalancer(t *testing.T) {
	backend := startHTTPBackend(t)

	dst := addr.NameAddr("web.test.svc", backend.Port())
	resolver := discovery.NewFakeResolver()
	resolver.Set(dst, []endpoint.Endpoint[addr.Addr]{{
		Addr:     backend,
		Identity: identity.Absent(identity.ReasonNoPeerID),
		Logical:  dst,
	}})
	profiles := profile.NewFakeDiscovery()
	profiles.Set(dst, profile.ServiceProfile{Name: "web.test.svc"})

	drain := NewDrain()
	proxyAddr := startProxy(t, ServerOptions{
		Disposition:   "outbound",
		AbsentReason:  identity.ReasonLoopback,
		DetectTimeout: time.Second,
		NewService:    buildOutboundStack(t, resolver, profiles, nil),
		Pipeline:      server.Options{Disposition: "outbound"},
	}, drain)

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequest("GET", "http://"+proxyAddr.String()+"/", nil)
	require.NoError(t, err)
	req.Host = dst.String() // routes by Host header through the fallback chain

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestDrainStopsAccepting(t *testing.T) {
	drain := NewDrain()
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(ServerOptions{
		Disposition:  "inbound",
		AbsentReason: identity.ReasonNoPeerID,
		DrainGrace:   time.Second,
	}, drain)

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(context.Background(), lst)
	}()

	drain.Signal()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after drain")
	}

	_, err = net.Dial("tcp", lst.Addr().String())
	assert.Error(t, err)
}
