// SPDX-License-Identifier: GPL-3.0-or-later

package addr

import (
	"context"
	"net/netip"
	"testing"

	"github.com/meshrelay/proxy/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNameAddrAccessors(t *testing.T) {
	a := NameAddr("web.test.svc", 8080)

	assert.True(t, a.IsName())
	name, port, ok := a.Name()
	require.True(t, ok)
	assert.Equal(t, "web.test.svc", name)
	assert.Equal(t, uint16(8080), port)
	assert.Equal(t, "web.test.svc:8080", a.String())

	_, ok = a.Socket()
	assert.False(t, ok)
}

func TestSocketAddrAccessors(t *testing.T) {
	sa := netip.MustParseAddrPort("10.0.0.1:443")
	a := SocketAddr(sa)

	assert.False(t, a.IsName())
	got, ok := a.Socket()
	require.True(t, ok)
	assert.Equal(t, sa, got)

	_, _, ok = a.Name()
	assert.False(t, ok)
}

func TestKeyIsCanonical(t *testing.T) {
	// The canonical suffix and name case do not change the key.
	plain := NameAddr("Web.Test.Svc", 8080)
	canonical := NameAddrCanonical("web.test.svc", "web.test.svc.cluster.local", 8080)

	assert.Equal(t, plain.Key(), canonical.Key())
	assert.True(t, plain.Equal(canonical))
	assert.Equal(t, "web.test.svc.cluster.local", canonical.Canonical())
	assert.Equal(t, "Web.Test.Svc", plain.Canonical())
}

func TestKeySeparatesNamesFromSockets(t *testing.T) {
	name := NameAddr("10.0.0.1", 443) // pathological but possible
	sock := SocketAddr(netip.MustParseAddrPort("10.0.0.1:443"))

	assert.NotEqual(t, name.Key(), sock.Key())
}

func TestTargetContextRoundTrip(t *testing.T) {
	target := Target{
		Dst:         NameAddr("web.test.svc", 8080),
		SocketAddr:  netip.MustParseAddrPort("10.0.0.7:8080"),
		HTTPVersion: H2,
		TLSClientID: identity.Verified("client.id.test"),
	}

	ctx := WithTarget(context.Background(), target)
	got, ok := TargetFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, target, got)

	_, ok = TargetFrom(context.Background())
	assert.False(t, ok)
}
