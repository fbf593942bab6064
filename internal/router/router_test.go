// SPDX-License-Identifier: GPL-3.0-or-later

package router

import (
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/meshrelay/proxy/internal/addr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var origDst = netip.MustParseAddrPort("10.0.0.7:8080")

func accept() addr.Target {
	return addr.Target{SocketAddr: origDst, HTTPVersion: addr.H1}
}

func TestRecognizeFallbackChain(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		urlHost string
		host    string
		opts    Options
		want    string
	}{
		{
			name:    "canonical wins over everything",
			headers: map[string]string{HeaderCanonicalDst: "canon.svc:8080", HeaderDstOverride: "override.svc:8080"},
			urlHost: "authority.svc:8080",
			host:    "host.svc:8080",
			want:    "name:canon.svc:8080",
		},
		{
			name:    "override wins when canonical absent",
			headers: map[string]string{HeaderDstOverride: "override.svc:8080"},
			urlHost: "authority.svc:8080",
			want:    "name:override.svc:8080",
		},
		{
			name:    "authority wins when headers absent",
			urlHost: "authority.svc:8080",
			host:    "host.svc:8080",
			want:    "name:authority.svc:8080",
		},
		{
			name: "host header when no authority",
			host: "host.svc:8080",
			want: "name:host.svc:8080",
		},
		{
			name: "orig dst as final fallback",
			want: "sock:" + origDst.String(),
		},
		{
			name:    "unparsable candidates are skipped",
			headers: map[string]string{HeaderCanonicalDst: "canon.svc:99999"},
			host:    "host.svc:8080",
			want:    "name:host.svc:8080",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "http://placeholder/", nil)
			req.URL.Host = tc.urlHost
			req.Host = tc.host
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}

			got, err := Recognize(req, accept(), tc.opts)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Key())
		})
	}
}

func TestRecognizeIngressModeOnlyHonorsOverride(t *testing.T) {
	req := httptest.NewRequest("GET", "http://authority.svc:8080/", nil)
	req.Header.Set(HeaderCanonicalDst, "canon.svc:8080")
	req.Header.Set(HeaderDstOverride, "override.svc:8080")

	got, err := Recognize(req, accept(), Options{Ingress: true})
	require.NoError(t, err)
	assert.Equal(t, "name:override.svc:8080", got.Key())

	req.Header.Del(HeaderDstOverride)
	got, err = Recognize(req, accept(), Options{Ingress: true})
	require.NoError(t, err)
	assert.Equal(t, "sock:"+origDst.String(), got.Key())
}

func TestRecognizeInboundOverrideGate(t *testing.T) {
	req := httptest.NewRequest("GET", "http://authority.svc:8080/", nil)
	req.Header.Set(HeaderDstOverride, "override.svc:8080")

	// Off by default on the inbound side.
	got, err := Recognize(req, accept(), Options{IsInbound: true})
	require.NoError(t, err)
	assert.Equal(t, "name:authority.svc:8080", got.Key())

	got, err = Recognize(req, accept(), Options{IsInbound: true, AllowInboundDstOverride: true})
	require.NoError(t, err)
	assert.Equal(t, "name:override.svc:8080", got.Key())
}

func TestParseAuthority(t *testing.T) {
	a, ok := ParseAuthority("web.svc.cluster.local:8080")
	require.True(t, ok)
	assert.True(t, a.IsName())
	name, port, _ := a.Name()
	assert.Equal(t, "web.svc.cluster.local", name)
	assert.Equal(t, uint16(8080), port)

	a, ok = ParseAuthority("192.168.1.4:443")
	require.True(t, ok)
	assert.False(t, a.IsName())

	a, ok = ParseAuthority("bare-host")
	require.True(t, ok)
	name, port, _ = a.Name()
	assert.Equal(t, "bare-host", name)
	assert.Equal(t, uint16(80), port)

	_, ok = ParseAuthority("")
	assert.False(t, ok)
}
