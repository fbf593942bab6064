// SPDX-License-Identifier: GPL-3.0-or-later

package endpointstack

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/meshrelay/proxy/internal/addr"
	"github.com/meshrelay/proxy/internal/endpoint"
	"github.com/meshrelay/proxy/internal/identity"
	"github.com/meshrelay/proxy/internal/perror"
	"github.com/meshrelay/proxy/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBackend(t *testing.T) netip.AddrPort {
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

func newFactoryOptions() Options[addr.Addr] {
	return Options[addr.Addr]{
		Config:         transport.NewConfig(),
		Network:        "tcp",
		ConnectTimeout: 2 * time.Second,
	}
}

func TestEndpointServicePlainRoundTrip(t *testing.T) {
	backend := startBackend(t)

	factory := New(newFactoryOptions())
	svc, err := factory.NewService(context.Background(), endpoint.Endpoint[addr.Addr]{
		Addr:     backend,
		Identity: identity.Absent(identity.ReasonNoPeerID),
	})
	require.NoError(t, err)

	require.NoError(t, svc.Poll(context.Background()))

	req, err := http.NewRequest("GET", "http://"+backend.String()+"/", nil)
	require.NoError(t, err)
	resp, err := svc.Call(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestEndpointServiceLoopPrevention(t *testing.T) {
	opts := newFactoryOptions()
	opts.OwnPorts = []uint16{4143}
	factory := New(opts)

	svc, err := factory.NewService(context.Background(), endpoint.Endpoint[addr.Addr]{
		Addr:     netip.MustParseAddrPort("127.0.0.1:4143"),
		Identity: identity.Absent(identity.ReasonNoPeerID),
	})
	require.NoError(t, err)

	err = svc.Poll(context.Background())
	require.Error(t, err)
	var loopErr *transport.ErrLoopPrevented
	require.True(t, errors.As(err, &loopErr))
	assert.Equal(t, uint16(4143), loopErr.Port)
}

func TestEndpointServiceMeshTLSOnlyWithIdentity(t *testing.T) {
	// The backend speaks plain HTTP. An endpoint with a verified
	// identity (and a local identity configured) must attempt a TLS
	// handshake toward it — which fails, with the TLS error kind — while
	// an identity-less endpoint to the same backend succeeds in
	// plaintext.
	backend := startBackend(t)

	opts := newFactoryOptions()
	opts.LocalIdentityName = "me.id.test"
	opts.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	factory := New(opts)

	withID, err := factory.NewService(context.Background(), endpoint.Endpoint[addr.Addr]{
		Addr:     backend,
		Identity: identity.Verified("backend.id.test"),
	})
	require.NoError(t, err)

	err = withID.Poll(context.Background())
	require.Error(t, err)
	var kind perror.Kind
	require.True(t, perror.As(err, &kind))
	assert.Equal(t, perror.Tls, kind)

	withoutID, err := factory.NewService(context.Background(), endpoint.Endpoint[addr.Addr]{
		Addr:     backend,
		Identity: identity.Absent(identity.ReasonNoPeerID),
	})
	require.NoError(t, err)
	assert.NoError(t, withoutID.Poll(context.Background()))
}

func TestEndpointServiceBacksOffAfterDialFailure(t *testing.T) {
	opts := newFactoryOptions()
	opts.ConnectTimeout = 200 * time.Millisecond
	opts.ReconnectBackoff = time.Minute
	factory := New(opts)

	// A port that nothing listens on: reserve one and close it.
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := lst.Addr().(*net.TCPAddr).AddrPort()
	lst.Close()

	svc, err := factory.NewService(context.Background(), endpoint.Endpoint[addr.Addr]{
		Addr:     dead,
		Identity: identity.Absent(identity.ReasonNoPeerID),
	})
	require.NoError(t, err)

	require.Error(t, svc.Poll(context.Background()))

	// Within the backoff window the same failure is reported without a
	// fresh dial attempt, so it returns immediately.
	start := time.Now()
	require.Error(t, svc.Poll(context.Background()))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}
