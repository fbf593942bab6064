// SPDX-License-Identifier: GPL-3.0-or-later

package profile

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/meshrelay/proxy/internal/addr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeDiscoveryDeliversSeededProfile(t *testing.T) {
	discovery := NewFakeDiscovery()
	dst := addr.NameAddr("web.prod.svc", 80)
	discovery.Set(dst, ServiceProfile{Name: "web.prod.svc"})

	r, err := NewReceiver(context.Background(), discovery, dst)
	require.NoError(t, err)
	defer r.Close()

	require.Eventually(t, func() bool {
		return r.Current().Name == "web.prod.svc"
	}, time.Second, time.Millisecond)
}

func TestFakeDiscoveryUnseededDstYieldsEmptyProfile(t *testing.T) {
	discovery := NewFakeDiscovery()
	dst := addr.SocketAddr(netip.MustParseAddrPort("10.0.0.1:80"))

	r, err := NewReceiver(context.Background(), discovery, dst)
	require.NoError(t, err)
	defer r.Close()

	r.Close()
	assert.Equal(t, "", r.Current().Name)
}
